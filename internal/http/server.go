package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignatij/taskgraph/internal/log"
	"github.com/ignatij/taskgraph/internal/metrics"
	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/service"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
)

const (
	maxPlanBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Pinger is implemented by stores that can report their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the engine operations over HTTP.
type Server struct {
	engine    *service.Engine
	store     storage.Store
	collector *metrics.Collector
	srv       *http.Server
}

// NewServer wires the routes. collector may be nil, in which case /metrics is not served.
func NewServer(engine *service.Engine, store storage.Store, collector *metrics.Collector) *Server {
	return &Server{engine: engine, store: store, collector: collector}
}

// Handler returns the routed handler, for use in httptest or a custom http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /health", s.health)
	s.handle(mux, "POST /workflows", s.createWorkflow)
	s.handle(mux, "GET /workflows/stale", s.staleWorkflows)
	s.handle(mux, "GET /workflows/{id}", s.getWorkflow)
	s.handle(mux, "GET /workflows/{id}/context", s.workflowContext)
	s.handle(mux, "POST /workflows/{id}/ready", s.markReady)
	s.handle(mux, "POST /workflows/{id}/refresh", s.refresh)
	s.handle(mux, "POST /workflows/{id}/cancel", s.cancel)
	s.handle(mux, "POST /tasks/{id}/dead-letter", s.deadLetter)
	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}
	return mux
}

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting taskgraph server on :%d", port)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.GetLogger().Info("Shutting down taskgraph server")
		return errors.Wrap(s.srv.Shutdown(shutdownCtx), "shutdown http server")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.collector != nil {
			s.collector.ObserveHTTPRequest(r.Method, r.Pattern, rec.status, time.Since(start))
		}
		log.GetLogger().Debugf("%s %s -> %d", r.Method, r.URL.Path, rec.status)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			log.GetLogger().Errorf("Health check failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var plan service.Plan
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPlanBytes))
	if err := dec.Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode plan"))
		return
	}
	wf, err := s.engine.CreateWorkflow(r.Context(), plan)
	if err != nil {
		s.fail(w, "create workflow", err)
		return
	}
	tasks, err := s.engine.ListTasks(r.Context(), wf.ID)
	if err != nil {
		s.fail(w, "list tasks", err)
		return
	}
	wf.Tasks = tasks
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wf, err := s.engine.GetWorkflow(r.Context(), id)
	if err != nil {
		s.fail(w, "get workflow", err)
		return
	}
	tasks, err := s.engine.ListTasks(r.Context(), id)
	if err != nil {
		s.fail(w, "list tasks", err)
		return
	}
	wf.Tasks = tasks
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) workflowContext(w http.ResponseWriter, r *http.Request) {
	wctx, err := s.engine.BuildContext(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "build context", err)
		return
	}
	writeJSON(w, http.StatusOK, wctx)
}

func (s *Server) markReady(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.GetWorkflow(r.Context(), id); err != nil {
		s.fail(w, "mark tasks ready", err)
		return
	}
	n, err := s.engine.MarkTasksReady(r.Context(), id)
	if err != nil {
		s.fail(w, "mark tasks ready", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"promoted": n})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.GetWorkflow(r.Context(), id); err != nil {
		s.fail(w, "refresh progress", err)
		return
	}
	p, err := s.engine.RefreshWorkflowProgress(r.Context(), id)
	if err != nil {
		s.fail(w, "refresh progress", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.CancelWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "cancel workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) deadLetter(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// the body is optional
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode body"))
		return
	}
	moved, err := s.engine.DeadLetterTask(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		s.fail(w, "dead-letter task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"dead_lettered": moved})
}

func (s *Server) staleWorkflows(w http.ResponseWriter, r *http.Request) {
	olderThan := service.DefaultStaleAfter
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid older_than %q", v))
			return
		}
		olderThan = d
	}
	workflows, err := s.engine.FindStaleWorkflows(r.Context(), olderThan)
	if err != nil {
		s.fail(w, "find stale workflows", err)
		return
	}
	if workflows == nil {
		workflows = []models.Workflow{}
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidPlan), errors.Is(err, service.ErrCyclicDependency):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidTransition):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.GetLogger().Errorf("Failed to %s: %v", op, err)
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
