package service

import (
	"context"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/pkg/errors"
)

// WorkflowContext is the read-only view an external executor gets of a workflow:
// identity, shared configuration, and the decoded outputs of every task completed so far.
type WorkflowContext struct {
	WorkflowID   string         `json:"workflow_id"`
	UserID       string         `json:"user_id"`
	ReportID     *string        `json:"report_id,omitempty"`
	InspectionID *string        `json:"inspection_id,omitempty"`
	Outputs      map[string]any `json:"outputs"`         // agent slug -> decoded output
	Config       map[string]any `json:"config"`          // decoded workflow config
	Completed    []string       `json:"completed_tasks"` // ids of COMPLETED tasks, in store order
}

// Output returns the decoded output of the given agent, if it has completed.
func (c *WorkflowContext) Output(agentSlug string) (any, bool) {
	v, ok := c.Outputs[agentSlug]
	return v, ok
}

// BuildContext assembles the WorkflowContext from committed state. It fails only when the
// workflow does not exist or the store is unreachable: unparsable outputs are left out and an
// unparsable config becomes an empty map.
func (e *Engine) BuildContext(ctx context.Context, workflowID string) (*WorkflowContext, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "build context for workflow %s", workflowID)
	}
	tasks, err := e.store.ListTasks(ctx, workflowID)
	if err != nil {
		return nil, errors.WithMessagef(err, "build context for workflow %s", workflowID)
	}

	config, err := models.Payload(wf.Config).Object()
	if err != nil {
		e.logger.Debugf("Workflow %s has malformed config, using empty config: %v", workflowID, err)
	}

	wctx := &WorkflowContext{
		WorkflowID:   wf.ID,
		UserID:       wf.UserID,
		ReportID:     wf.ReportID,
		InspectionID: wf.InspectionID,
		Outputs:      make(map[string]any),
		Config:       config,
		Completed:    []string{},
	}
	for _, t := range tasks {
		if t.Status != models.CompletedTaskStatus {
			continue
		}
		wctx.Completed = append(wctx.Completed, t.ID)
		out := t.OutputPayload()
		if out.IsEmpty() {
			e.logger.Debugf("Task %s (%s) completed without output", t.ID, t.AgentSlug)
			continue
		}
		v, err := out.Decode()
		if err != nil {
			e.logger.Debugf("Task %s (%s) has malformed output, omitted from context: %v", t.ID, t.AgentSlug, err)
			continue
		}
		wctx.Outputs[t.AgentSlug] = v
	}
	return wctx, nil
}
