package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/service"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 4 << 20

// ErrUnknownAgent is returned for tasks whose slug has no registered endpoint.
var ErrUnknownAgent = errors.New("no endpoint registered for agent")

// Request is the body POSTed to an agent endpoint.
type Request struct {
	Task    models.Task              `json:"task"`
	Context *service.WorkflowContext `json:"context"`
}

// HTTPExecutor implements service.Executor over the registry's endpoints.
// A 2xx response body is taken as the task output and must be valid JSON.
type HTTPExecutor struct {
	registry Registry
	client   *http.Client
	limiter  *rate.Limiter
	logger   service.Logger
}

var _ service.Executor = (*HTTPExecutor)(nil)

func NewHTTPExecutor(registry Registry, client *http.Client, logger service.Logger) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if registry.RateLimit > 0 {
		burst := registry.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(registry.RateLimit), burst)
	}
	return &HTTPExecutor{registry: registry, client: client, limiter: limiter, logger: logger}
}

func (x *HTTPExecutor) Execute(ctx context.Context, wctx *service.WorkflowContext, task models.Task) (models.Payload, error) {
	ep, ok := x.registry.Lookup(task.AgentSlug)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAgent, "%q", task.AgentSlug)
	}
	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}
	if err := x.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "wait for rate limiter")
	}

	body, err := json.Marshal(Request{Task: task, Context: wctx})
	if err != nil {
		return nil, errors.Wrap(err, "encode agent request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "build request for agent %s", ep.Slug)
	}
	req.Header.Set("Content-Type", "application/json")

	x.logger.Debugf("Calling agent %s for task %s", ep.Slug, task.ID)
	resp, err := x.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "call agent %s", ep.Slug)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "read response of agent %s", ep.Slug)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("agent %s returned %d: %s", ep.Slug, resp.StatusCode, bytes.TrimSpace(out))
	}
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		return nil, errors.Errorf("agent %s returned a body that is not JSON", ep.Slug)
	}
	return models.Payload(out), nil
}
