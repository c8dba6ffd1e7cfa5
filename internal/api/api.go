// Package api provides the stdlib net/http surface the desktop UI talks
// to: board/tasks/repos/notifications/settings/health/log-tail endpoints
// delegating straight to the store, runner and scheduler.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/wenke727/repopilot/internal/config"
	"github.com/wenke727/repopilot/internal/model"
	"github.com/wenke727/repopilot/internal/store"
)

// Canceler is the subset of *scheduler.Scheduler the API needs to forward
// cancellation requests without importing the runner's process machinery.
type Canceler interface {
	RequestCancel(taskID string)
}

// WorktreeCleaner is the subset of *runner.TaskRunner the done-endpoint
// needs to release a task's worktree without importing the agent
// subprocess machinery.
type WorktreeCleaner interface {
	CleanupExecWorktreeForTask(task *model.Task, triggerStatus model.TaskStatus, snapshotOnFailure bool) bool
}

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	store      *store.JSONStore
	execMode   *config.ExecModeCell
	scheduler  Canceler
	cleaner    WorktreeCleaner
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
	logPath    string
}

// NewServer creates a new API server bound to cfg.API.Bind.
func NewServer(cfg *config.Config, s *store.JSONStore, execMode *config.ExecModeCell, sched Canceler, cleaner WorktreeCleaner, logPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     s,
		execMode:  execMode,
		scheduler: sched,
		cleaner:   cleaner,
		logger:    logger,
		startTime: time.Now(),
		logPath:   logPath,
	}
}

// Close releases server resources. Currently a no-op placeholder kept for
// symmetry with Start/the caller's defer pattern.
func (s *Server) Close() error {
	return nil
}

// Start registers every route and blocks serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/board", s.handleBoard)
	mux.HandleFunc("/api/health", s.handleHealth)

	mux.HandleFunc("/api/repos", s.handleRepos)
	mux.HandleFunc("/api/repos/rescan", s.handleReposRescan)
	mux.HandleFunc("/api/repos/", s.handleRepoDetail)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/plan/batch/confirm", s.handleTasksPlanBatchConfirm)
	mux.HandleFunc("/api/tasks/plan/batch/revise", s.handleTasksPlanBatchRevise)
	mux.HandleFunc("/api/tasks/", s.handleTaskSubroute)

	mux.HandleFunc("/api/notifications", s.handleNotifications)
	mux.HandleFunc("/api/notifications/", s.handleNotificationRead)

	mux.HandleFunc("/api/settings/exec-mode", s.handleExecModeSetting)
	mux.HandleFunc("/api/logs/backend", s.handleBackendLogs)

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
