package server

import (
	"context"
	"time"

	"github.com/giantswarm/mcp-authbridge/storage"
)

type maintenanceTask struct {
	name string
	run  func(ctx context.Context) (int, error)
}

// AddMaintenanceTask registers work for every maintenance pass, e.g. sweeping a cache.
// run returns how many items it removed.
func (s *Server) AddMaintenanceTask(name string, run func(ctx context.Context) (int, error)) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	s.tasks = append(s.tasks, maintenanceTask{name: name, run: run})
}

// Start runs maintenance every MaintenanceInterval until ctx is done.
// It returns immediately when the interval is negative.
func (s *Server) Start(ctx context.Context) {
	if s.Config.MaintenanceInterval < 0 {
		return
	}

	ticker := time.NewTicker(s.Config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunMaintenance(ctx)
		case <-ctx.Done():
			s.Logger.Debug("Maintenance loop stopped")
			return
		}
	}
}

// RunMaintenance deletes expired refresh records and used-code entries when the
// store supports it, then runs the registered tasks. Failures are logged and skipped.
func (s *Server) RunMaintenance(ctx context.Context) {
	if sweeper, ok := s.store.(storage.ExpirySweeper); ok {
		s.runTask(ctx, "storage", sweeper.DeleteExpired)
	}
	if s.ledger != nil && any(s.ledger) != any(s.store) {
		if sweeper, ok := s.ledger.(storage.ExpirySweeper); ok {
			s.runTask(ctx, "code_ledger", sweeper.DeleteExpired)
		}
	}

	s.tasksMu.Lock()
	tasks := make([]maintenanceTask, len(s.tasks))
	copy(tasks, s.tasks)
	s.tasksMu.Unlock()

	for _, task := range tasks {
		s.runTask(ctx, task.name, task.run)
	}
}

func (s *Server) runTask(ctx context.Context, name string, run func(ctx context.Context) (int, error)) {
	removed, err := run(ctx)
	if err != nil {
		s.Logger.Warn("Maintenance task failed", "task", name, "error", err)
		return
	}
	if removed > 0 {
		s.Logger.Debug("Maintenance task removed expired items", "task", name, "removed", removed)
	}
}
