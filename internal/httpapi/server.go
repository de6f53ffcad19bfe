// Package httpapi is the HTTP control surface: task lifecycle operations,
// manual runs, bus state and run history. It talks to the orchestrator only
// through its exported API, never to task internals.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"taskhive/internal/bus"
	"taskhive/internal/config"
	"taskhive/internal/history"
	"taskhive/internal/metrics"
	"taskhive/internal/module"
	"taskhive/internal/task"
	logx "taskhive/pkg/logx"
)

type Server struct {
	cfg     config.HTTPConfig
	log     logx.Logger
	orch    *task.Orchestrator
	bus     bus.Bus
	history history.Store
	modules *module.Manager
}

func New(cfg config.HTTPConfig, orch *task.Orchestrator, b bus.Bus, hist history.Store, mods *module.Manager, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, orch: orch, bus: b, history: hist, modules: mods}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", metrics.Handler())

	r.Get("/tasks", s.handleListTasks)
	r.Post("/tasks", s.handleCreateTask)
	r.Get("/tasks/{name}", s.handleGetTask)
	r.Delete("/tasks/{name}", s.handleDeleteTask)
	r.Put("/tasks/{name}/config", s.handleSaveConfig)
	r.Post("/tasks/{name}/start", s.lifecycle(s.orch.StartTask))
	r.Post("/tasks/{name}/stop", s.lifecycle(s.orch.StopTask))
	r.Post("/tasks/{name}/pause", s.lifecycle(s.orch.PauseTask))
	r.Post("/tasks/{name}/resume", s.lifecycle(s.orch.ResumeTask))
	r.Post("/tasks/{name}/rename", s.handleRenameTask)
	r.Post("/tasks/{name}/run", s.handleRunTask)
	r.Post("/reload", s.handleReload)

	r.Get("/modules", s.handleListModules)
	r.Get("/bus", s.handleBusState)
	r.Post("/bus/publish", s.handleBusPublish)
	r.Get("/runs", s.handleRuns)

	return r
}

// Run serves until ctx is canceled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	readTimeout, _ := config.ParseDurationOrDefault("http.read_timeout", s.cfg.ReadTimeout, 15*time.Second)
	writeTimeout, _ := config.ParseDurationOrDefault("http.write_timeout", s.cfg.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDurationOrDefault("http.idle_timeout", s.cfg.IdleTimeout, time.Minute)
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ---- task handlers ----

type taskView struct {
	task.Info
	NextRun *time.Time `json:"next_run,omitempty"`
	Topic   string     `json:"topic,omitempty"`
}

func (s *Server) view(info task.Info) taskView {
	v := taskView{Info: info}
	if next, ok := s.orch.NextRun(info.Name); ok {
		v.NextRun = &next
	}
	if topic, ok := s.orch.Listening(info.Name); ok {
		v.Topic = topic
	}
	return v
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	infos := s.orch.List()
	out := make([]taskView, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.view(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	info, ok := s.orch.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(info))
}

type createTaskRequest struct {
	Name       string `json:"name"`
	ModuleType string `json:"module_type"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.orch.CreateTask(req.Name, req.ModuleType); err != nil {
		writeTaskError(w, err)
		return
	}
	info, _ := s.orch.Get(req.Name)
	writeJSON(w, http.StatusCreated, s.view(info))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.DeleteTask(chi.URLParam(r, "name")); err != nil {
		writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lifecycle(op func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := op(name); err != nil {
			writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":   name,
			"status": s.orch.Status(name),
		})
	}
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var cfg task.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	final, err := s.orch.SaveTaskConfig(chi.URLParam(r, "name"), cfg)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	info, _ := s.orch.Get(final)
	writeJSON(w, http.StatusOK, s.view(info))
}

type renameRequest struct {
	NewName string `json:"new_name"`
}

func (s *Server) handleRenameTask(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.orch.RenameTask(chi.URLParam(r, "name"), req.NewName); err != nil {
		writeTaskError(w, err)
		return
	}
	info, _ := s.orch.Get(req.NewName)
	writeJSON(w, http.StatusOK, s.view(info))
}

type runRequest struct {
	Inputs map[string]any `json:"inputs"`
	Wait   bool           `json:"wait"`
}

type runResponse struct {
	Queued bool   `json:"queued"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req runRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	if !req.Wait {
		if _, err := s.orch.SubmitTask(name, req.Inputs); err != nil {
			writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, runResponse{Queued: true})
		return
	}

	val, err := s.orch.RunTask(r.Context(), name, req.Inputs)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			writeTaskError(w, err)
			return
		}
		// The run happened; the failure is the task's, not the API's.
		writeJSON(w, http.StatusOK, runResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Result: val})
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.orch.LoadTasks(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tasks": len(s.orch.Names())})
}

func (s *Server) handleListModules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.modules.Names())
}

// ---- bus + history handlers ----

func (s *Server) handleBusState(w http.ResponseWriter, _ *http.Request) {
	state := "disabled"
	if s.bus != nil {
		state = s.bus.State().String()
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state})
}

type publishRequest struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleBusPublish(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "message bus is disabled")
		return
	}
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if err := s.bus.Publish(req.Topic, req.Payload); err != nil {
		if errors.Is(err, bus.ErrNotConnected) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"topic": req.Topic})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := s.history.Recent(r.Context(), r.URL.Query().Get("task"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []history.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeTaskError(w http.ResponseWriter, err error) {
	var ce *task.ConfigError
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
