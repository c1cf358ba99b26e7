package log_test

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/ignatij/taskgraph/internal/log"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	defer log.Configure("", "")

	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"", logrus.InfoLevel},
		{"debug", logrus.DebugLevel},
		{"WARN", logrus.WarnLevel},
		{"ERROR", logrus.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run("Level"+tt.level, func(t *testing.T) {
			require.NoError(t, log.Configure(tt.level, ""))
			assert.Equal(t, tt.want, log.GetLogger().GetLevel())
		})
	}

	assert.Error(t, log.Configure("LOUD", ""))
	assert.Error(t, log.Configure("INFO", "xml"))
}

func TestJSONFormat(t *testing.T) {
	defer log.Configure("", "")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	require.NoError(t, log.Configure("INFO", "json"))
	log.WithWorkflow("wf-1").Info("workflow finished")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "wf-1", entry["workflow_id"])
	assert.Equal(t, "workflow finished", entry["msg"])
}
