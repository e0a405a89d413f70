package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Task is one pipeline tick: mailbox-poll fetches new mail, inbound-process
// moves queued messages onto tickets and workload-rebalance relieves agents
// over capacity.
type Task interface {
	// Name is unique within a registry and is what RunOnce and the API accept.
	Name() string

	// Schedule is a six-field cron expression with seconds. Empty means the
	// task only runs on demand.
	Schedule() string

	// Run performs one tick. A run still going when its next tick fires skips that tick.
	Run(ctx context.Context) error

	// Timeout bounds a single run.
	Timeout() time.Duration
}

// ErrDuplicateTask is returned when a task name is registered twice.
var ErrDuplicateTask = errors.New("task already registered")

// TaskRegistry holds the tasks known to a runner. It is safe for concurrent use.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

// Register adds task. Names must be non-empty and unique.
func (r *TaskRegistry) Register(task Task) error {
	name := task.Name()
	if name == "" {
		return errors.New("task name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	r.tasks[name] = task
	return nil
}

func (r *TaskRegistry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[name]
	return task, ok
}

// Len reports how many tasks are registered.
func (r *TaskRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Names returns the registered task names in order.
func (r *TaskRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
