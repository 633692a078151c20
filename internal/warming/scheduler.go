package warming

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// OneWarmer is the part of Engine the scheduler drives.
type OneWarmer interface {
	WarmOne(ctx context.Context, t Target) Result
}

type SchedulerStatus struct {
	Running        bool     `json:"running"`
	ScheduledCount int      `json:"scheduledCount"`
	Targets        []string `json:"targets"`
}

type task struct {
	target Target
	cancel context.CancelFunc
}

// Scheduler keeps one repeating timer per target that has an Interval,
// keyed by identifier. A later target with the same identifier replaces the
// earlier one.
type Scheduler struct {
	warmer OneWarmer
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	targets []Target
	tasks   map[string]*task
	wg      sync.WaitGroup
}

func NewScheduler(w OneWarmer, targets []Target, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		warmer:  w,
		logger:  logger,
		targets: append([]Target(nil), targets...),
		tasks:   map[string]*task{},
	}
}

// Start registers the timers. It is a no-op when already running and
// reports whether it started anything.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	for _, t := range s.targets {
		if t.Interval <= 0 {
			continue
		}
		if old, ok := s.tasks[t.Identifier]; ok {
			old.cancel()
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.tasks[t.Identifier] = &task{target: t, cancel: cancel}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	s.logger.Info("warming scheduler started", "scheduled", len(s.tasks))
	return true
}

// Stop cancels every timer and waits for in-flight ticks. It is a no-op
// when already stopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, tk := range s.tasks {
		tk.cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("warming scheduler stopped")
}

// Reload swaps the target list, restarting the timers when running.
func (s *Scheduler) Reload(targets []Target) {
	s.mu.Lock()
	wasRunning := s.running
	s.mu.Unlock()

	if wasRunning {
		s.Stop()
	}
	s.mu.Lock()
	s.targets = append([]Target(nil), targets...)
	s.mu.Unlock()
	if wasRunning {
		s.Start()
	}
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return SchedulerStatus{Running: s.running, ScheduledCount: len(s.tasks), Targets: ids}
}

func (s *Scheduler) loop(ctx context.Context, t Target) {
	defer s.wg.Done()
	tk := time.NewTicker(t.Interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			s.tick(ctx, t)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, t Target) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled warming panicked", "target", t.Identifier, "error", fmt.Sprint(r))
		}
	}()
	res := s.warmer.WarmOne(ctx, t)
	if !res.Success {
		s.logger.Warn("scheduled warming failed", "target", t.Identifier, "error", res.Error)
	}
}
