// Package scheduler runs named periodic tasks. Every registration carries an
// explicit cancellation handle (the task id), so nothing leaks when the
// owner goes away.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskInfo describes a registered periodic task.
type TaskInfo struct {
	ID        string        `json:"id"`
	Interval  time.Duration `json:"interval"`
	StartedAt time.Time     `json:"startedAt"`
}

type task struct {
	info TaskInfo
	stop chan struct{}
}

// Scheduler owns a set of ticker goroutines, one per registered task. Task
// callbacks run with panic recovery so a failing callback aborts only that
// cycle, never the process or future runs.
type Scheduler struct {
	logger *log.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
	wg      sync.WaitGroup
}

// New creates an empty scheduler ready to accept registrations.
func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Scheduler{
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// RegisterPeriodicTask starts fn on the given interval under the given id.
// It returns false for an empty id, a non-positive interval, a nil callback,
// a duplicate id, or a stopped scheduler. The first invocation happens one
// interval after registration.
func (s *Scheduler) RegisterPeriodicTask(id string, interval time.Duration, fn func(context.Context)) bool {
	if id == "" || interval <= 0 || fn == nil {
		return false
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if _, exists := s.tasks[id]; exists {
		s.mu.Unlock()
		return false
	}
	t := &task{
		info: TaskInfo{ID: id, Interval: interval, StartedAt: time.Now()},
		stop: make(chan struct{}),
	}
	s.tasks[id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(t, fn)
	return true
}

func (s *Scheduler) run(t *task, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.info.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			s.invoke(t.info.ID, fn)
		}
	}
}

func (s *Scheduler) invoke(id string, fn func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.WithFields(log.Fields{
				"task_id": id,
				"panic":   rec,
			}).Error("periodic task panicked, skipping cycle")
		}
	}()
	fn(context.Background())
}

// UnregisterTask cancels the task and returns whether it existed.
func (s *Scheduler) UnregisterTask(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	close(t.stop)
	return true
}

// ListTasks returns the registered tasks sorted by id.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.Lock()
	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		infos = append(infos, t.info)
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Stop cancels every task, rejects further registrations and waits for
// running callbacks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		close(t.stop)
	}
	s.wg.Wait()
}
