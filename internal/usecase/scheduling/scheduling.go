// Package scheduling fires registered workflows on cron expressions or
// fixed intervals.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cidadao-ai/internal/domain"
)

// WorkflowRunner executes a registered workflow.
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, initial map[string]any, ec domain.ExecutionContext) (*domain.WorkflowResult, error)
}

// Task is a recurring workflow execution.
type Task struct {
	Name     string         `yaml:"name"`
	Schedule string         `yaml:"schedule"` // cron expression "*/5 * * * *" OR duration "30m"
	Workflow string         `yaml:"workflow"`
	Data     map[string]any `yaml:"data,omitempty"`
	Timeout  time.Duration  `yaml:"timeout,omitempty"` // per-run deadline (default: 5m)
	OneShot  bool           `yaml:"one_shot,omitempty"`
}

// TaskInfo describes a scheduled task.
type TaskInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Workflow string    `json:"workflow"`
	Next     time.Time `json:"next"`
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
	Skipped  int64     `json:"skipped"`
}

type scheduled struct {
	task    Task
	entryID cron.EntryID
	running atomic.Bool
	runs    atomic.Int64
	fails   atomic.Int64
	skipped atomic.Int64
}

// Scheduler runs workflow tasks on a recurring schedule. A task whose
// previous run is still in flight is skipped rather than overlapped.
type Scheduler struct {
	cron   *cron.Cron
	runner WorkflowRunner
	bus    domain.EventBus
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*scheduled
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. bus may be nil.
func NewScheduler(runner WorkflowRunner, bus domain.EventBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		bus:    bus,
		logger: logger,
		tasks:  make(map[string]*scheduled),
	}
}

// AddTask schedules task. Names must be unique.
func (s *Scheduler) AddTask(task Task) error {
	if task.Name == "" || task.Workflow == "" {
		return domain.NewSubSystemError("schedule", "Scheduler.AddTask", domain.ErrInvalidInput,
			"name and workflow are required")
	}
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return domain.NewSubSystemError("schedule", "Scheduler.AddTask", domain.ErrInvalidInput,
			fmt.Sprintf("task %q: %v", task.Name, err))
	}
	if task.Timeout <= 0 {
		task.Timeout = 5 * time.Minute
	}
	task.Data = maps.Clone(task.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.Name]; exists {
		return domain.NewSubSystemError("schedule", "Scheduler.AddTask", domain.ErrDuplicate, task.Name)
	}

	st := &scheduled{task: task}
	st.entryID = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(st) }))
	s.tasks[task.Name] = st

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "workflow", task.Workflow)
	return nil
}

// RemoveTask unschedules a task by name.
func (s *Scheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tasks[name]
	if !ok {
		return domain.NewSubSystemError("schedule", "Scheduler.RemoveTask", domain.ErrNotFound, name)
	}
	s.cron.Remove(st.entryID)
	delete(s.tasks, name)
	s.logger.Info("task removed from scheduler", "name", name)
	return nil
}

// Tasks lists scheduled tasks sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, TaskInfo{
			Name:     st.task.Name,
			Schedule: st.task.Schedule,
			Workflow: st.task.Workflow,
			Next:     s.cron.Entry(st.entryID).Next,
			Runs:     st.runs.Load(),
			Failures: st.fails.Load(),
			Skipped:  st.skipped.Load(),
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) fire(st *scheduled) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	task := st.task
	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", task.Name)
		return
	}
	if !st.running.CompareAndSwap(false, true) {
		st.skipped.Add(1)
		s.logger.Warn("previous run still in flight, skipping", "task", task.Name)
		return
	}
	defer st.running.Store(false)

	if task.OneShot {
		s.mu.Lock()
		s.cron.Remove(st.entryID)
		delete(s.tasks, task.Name)
		s.mu.Unlock()
	}

	if s.bus != nil {
		s.bus.Publish(ctx, domain.NewEvent(domain.EventScheduleFired, "", map[string]any{
			"task":        task.Name,
			"workflow_id": task.Workflow,
		}))
	}

	runCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	ec := domain.ExecutionContext{Metadata: map[string]any{"scheduled_task": task.Name}}
	start := time.Now()
	st.runs.Add(1)
	res, err := s.runner.ExecuteWorkflow(runCtx, task.Workflow, maps.Clone(task.Data), ec)
	if err != nil {
		st.fails.Add(1)
		s.logger.Warn("scheduled workflow failed",
			"task", task.Name,
			"workflow_id", task.Workflow,
			"error", err,
			"duration", time.Since(start))
		return
	}
	s.logger.Info("scheduled workflow completed",
		"task", task.Name,
		"workflow_id", task.Workflow,
		"execution_id", res.ExecutionID,
		"duration", time.Since(start))
}

// Start begins running the scheduler. Runs are bound to ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	// Jobs take s.mu, so wait without holding it.
	<-s.cron.Stop().Done()
	return nil
}

// ParseSchedule accepts a five-field cron expression, a descriptor such as
// "@hourly", or a positive Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
