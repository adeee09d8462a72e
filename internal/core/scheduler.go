package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

// Store abstracts the persistence layer used by the scheduler.
type Store interface {
	// Task operations
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	UpsertTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, id string) error
	SetTaskEnabled(ctx context.Context, id string, enabled bool) error

	// Execution operations
	InsertExecution(ctx context.Context, execution *Execution) error
	FinishExecution(ctx context.Context, id, taskID string, outcome Outcome) error
	PruneExecutions(ctx context.Context, taskID string, keep int) (int64, error)
	FailStaleExecutions(ctx context.Context, reason string, at time.Time) (int64, error)
}

// Notifier announces finished executions.
type Notifier interface {
	Notify(ctx context.Context, task *Task, execution *Execution) error
}

// SchedulerConfig tunes the dispatch path.
type SchedulerConfig struct {
	Location     *time.Location
	Workers      int
	MisfireGrace time.Duration
	Retention    int
	Notifier     Notifier
}

const (
	defaultWorkers      = 20
	defaultMisfireGrace = 300 * time.Second
	notifyTimeout       = 10 * time.Second

	restartInterruptedReason = "interrupted by scheduler restart"
)

type armedJob struct {
	entryID cron.EntryID
	name    string
	trigger TriggerType
}

// Scheduler owns the armed timers and drives firings onto a bounded pool.
type Scheduler struct {
	store    Store
	executor Executor
	notifier Notifier
	logger   *slog.Logger
	location *time.Location

	misfireGrace time.Duration
	retention    int
	pool         *semaphore.Weighted

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]armedJob

	locks sync.Map // taskID -> *sync.Mutex

	runMu   sync.Mutex
	running map[string]RunningExecution

	stateMu   sync.Mutex
	started   bool
	recovered bool
	inflight  sync.WaitGroup

	ctxMu  sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler constructs a stopped scheduler.
func NewScheduler(store Store, executor Executor, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = defaultMisfireGrace
	}
	cl := cronLogger{logger: logger.With("component", "cron")}
	s := &Scheduler{
		store:        store,
		executor:     executor,
		notifier:     cfg.Notifier,
		logger:       logger,
		location:     cfg.Location,
		misfireGrace: cfg.MisfireGrace,
		retention:    cfg.Retention,
		pool:         semaphore.NewWeighted(int64(cfg.Workers)),
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		entries: make(map[string]armedJob),
		running: make(map[string]RunningExecution),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Location returns the timezone all triggers are evaluated in.
func (s *Scheduler) Location() *time.Location {
	return s.location
}

// Start arms every enabled, non-deleted task and starts the engine.
// Tasks whose trigger cannot be built are logged and skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.started {
		return nil
	}

	if !s.recovered {
		n, err := s.store.FailStaleExecutions(ctx, restartInterruptedReason, time.Now())
		if err != nil {
			return fmt.Errorf("recover stale executions: %w", err)
		}
		if n > 0 {
			s.logger.Warn("finalized executions left running by a previous process", "count", n)
		}
		s.recovered = true
	}

	enabled := true
	tasks, err := s.store.ListTasks(ctx, TaskFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	armed := 0
	for _, task := range tasks {
		if !task.Schedulable() {
			continue
		}
		if err := s.arm(task); err != nil {
			s.logger.Error("skip task with invalid trigger", "task_id", task.ID, "err", err)
			continue
		}
		armed++
	}

	s.ctxMu.Lock()
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.ctxMu.Unlock()

	s.cron.Start()
	s.started = true
	s.logger.Info("scheduler started", "tasks", armed, "timezone", s.location.String())
	return nil
}

// Running reports whether the engine is firing.
func (s *Scheduler) Running() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.started
}

// Shutdown stops firing and disarms every timer. With wait it blocks until
// in-flight executions finish; if ctx expires first they are cancelled and
// ctx.Err() is returned.
func (s *Scheduler) Shutdown(ctx context.Context, wait bool) error {
	s.stateMu.Lock()
	if !s.started {
		s.stateMu.Unlock()
		return nil
	}
	s.started = false
	stopped := s.cron.Stop()
	s.disarmAll()
	s.stateMu.Unlock()

	s.logger.Info("scheduler stopping", "wait", wait)
	if !wait {
		return nil
	}
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.ctxMu.RLock()
		s.cancel()
		s.ctxMu.RUnlock()
		<-done
		return ctx.Err()
	}
}

// AddTask stores the task (when save is set) and replaces its timer. The
// timer is armed only when the task is enabled or force is set. The trigger is
// validated before anything is written. Saving an existing task keeps its
// stored enabled flag; only pause, resume and one-shot completion change it.
func (s *Scheduler) AddTask(ctx context.Context, task *Task, save, force bool) error {
	unlock := s.lock(task.ID)
	defer unlock()

	if save {
		if err := s.keepStoredFlags(ctx, task); err != nil {
			return err
		}
	}
	var trigger *Trigger
	if (task.Enabled || force) && !task.Deleted {
		var err error
		if trigger, err = BuildTrigger(task, s.location); err != nil {
			return err
		}
	}
	if save {
		if err := s.store.UpsertTask(ctx, task); err != nil {
			return fmt.Errorf("save task: %w", err)
		}
	}
	s.disarm(task.ID)
	if trigger != nil {
		s.armTrigger(task, trigger)
	}
	return nil
}

// UpdateTask persists descriptive changes without touching the armed timer.
// The stored enabled flag is kept; trigger or enabled changes must go through
// AddTask, PauseTask or ResumeTask.
func (s *Scheduler) UpdateTask(ctx context.Context, task *Task) error {
	unlock := s.lock(task.ID)
	defer unlock()
	if err := s.keepStoredFlags(ctx, task); err != nil {
		return err
	}
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	s.entryMu.Lock()
	if job, ok := s.entries[task.ID]; ok {
		job.name = task.Name
		s.entries[task.ID] = job
	}
	s.entryMu.Unlock()
	return nil
}

// RemoveTask disarms the timer and optionally deletes the stored row.
// A missing timer is not an error.
func (s *Scheduler) RemoveTask(ctx context.Context, taskID string, fromStore bool) error {
	unlock := s.lock(taskID)
	defer unlock()
	s.disarm(taskID)
	if fromStore {
		if err := s.store.DeleteTask(ctx, taskID); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
	}
	return nil
}

// PauseTask disarms the task's timer, tolerating its absence, and persists
// enabled=false.
func (s *Scheduler) PauseTask(ctx context.Context, taskID string) error {
	unlock := s.lock(taskID)
	defer unlock()
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Deleted {
		return ErrTaskNotFound
	}
	s.disarm(taskID)
	if err := s.store.SetTaskEnabled(ctx, taskID, false); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	s.logger.Info("task paused", "task_id", taskID)
	return nil
}

// ResumeTask reloads the task from the store, re-arms it and only then
// persists enabled=true.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID string) error {
	unlock := s.lock(taskID)
	defer unlock()
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Deleted {
		return ErrTaskNotFound
	}
	task.Enabled = true
	trigger, err := BuildTrigger(task, s.location)
	if err != nil {
		return err
	}
	s.disarm(taskID)
	s.armTrigger(task, trigger)
	if err := s.store.SetTaskEnabled(ctx, taskID, true); err != nil {
		s.disarm(taskID)
		return fmt.Errorf("persist resume: %w", err)
	}
	s.logger.Info("task resumed", "task_id", taskID)
	return nil
}

// NextRunTime returns the next fire time of the task's armed timer.
func (s *Scheduler) NextRunTime(taskID string) (time.Time, bool) {
	s.entryMu.RLock()
	job, ok := s.entries[taskID]
	s.entryMu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(job.entryID).Next
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.In(s.location), true
}

// ListJobs returns a snapshot of armed timers with a pending fire time,
// ordered by next fire time.
func (s *Scheduler) ListJobs() []JobInfo {
	s.entryMu.RLock()
	jobs := make([]JobInfo, 0, len(s.entries))
	for id, job := range s.entries {
		next := s.cron.Entry(job.entryID).Next
		if next.IsZero() {
			continue
		}
		jobs = append(jobs, JobInfo{ID: id, Name: job.name, TriggerType: job.trigger, NextRunTime: next.In(s.location)})
	}
	s.entryMu.RUnlock()
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].NextRunTime.Equal(jobs[j].NextRunTime) {
			return jobs[i].NextRunTime.Before(jobs[j].NextRunTime)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// RunNow fires the task out of band without touching its schedule. It returns
// once the execution is claimed; the run itself happens in the background.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Deleted {
		return ErrTaskNotFound
	}

	s.stateMu.Lock()
	if !s.started {
		s.stateMu.Unlock()
		return ErrSchedulerStopped
	}
	if !s.claim(taskID) {
		s.stateMu.Unlock()
		return ErrTaskRunning
	}
	s.inflight.Add(1)
	s.stateMu.Unlock()

	base := s.baseContext()
	go func() {
		defer s.inflight.Done()
		defer s.release(taskID)
		if err := s.pool.Acquire(base, 1); err != nil {
			s.logger.Warn("manual run dropped", "task_id", taskID, "err", err)
			return
		}
		defer s.pool.Release(1)
		s.execute(base, taskID)
	}()
	return nil
}

// CancelRunningTask cancels the live execution of taskID. It reports false
// when nothing is running.
func (s *Scheduler) CancelRunningTask(taskID string) bool {
	s.runMu.Lock()
	run, ok := s.running[taskID]
	s.runMu.Unlock()
	if !ok || run.ExecutionID == "" {
		return false
	}
	return s.executor.Cancel(run.ExecutionID)
}

// RunningExecutions returns the running-set ordered by task id.
func (s *Scheduler) RunningExecutions() []RunningExecution {
	s.runMu.Lock()
	out := make([]RunningExecution, 0, len(s.running))
	for _, run := range s.running {
		out = append(out, run)
	}
	s.runMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// IsTaskRunning reports whether taskID is in the running-set.
func (s *Scheduler) IsTaskRunning(taskID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.running[taskID]
	return ok
}

// firingJob is what the engine invokes; it carries only the task id.
type firingJob struct {
	s       *Scheduler
	taskID  string
	entryID cron.EntryID
}

func (j *firingJob) Run() {
	j.s.fire(j.taskID, j.entryID)
}

func (s *Scheduler) fire(taskID string, entryID cron.EntryID) {
	firedAt := time.Now()
	base := s.baseContext()

	unlock := s.lock(taskID)
	s.entryMu.RLock()
	job, armed := s.entries[taskID]
	s.entryMu.RUnlock()
	if !armed || job.entryID != entryID {
		unlock()
		return
	}
	// A date trigger is spent once it fires, whether or not this firing runs.
	if job.trigger == TriggerDate {
		defer s.completeOneShot(base, taskID, entryID)
	}
	if !s.claim(taskID) {
		unlock()
		s.logger.Info("skipping firing, previous execution still running", "task_id", taskID)
		return
	}
	unlock()
	defer s.release(taskID)

	acquireCtx, cancel := context.WithDeadline(base, firedAt.Add(s.misfireGrace))
	err := s.pool.Acquire(acquireCtx, 1)
	cancel()
	if err != nil {
		s.logger.Warn("misfire, firing dropped", "task_id", taskID, "fired_at", firedAt, "err", err)
		return
	}
	defer s.pool.Release(1)
	s.execute(base, taskID)
}

// execute is the firing protocol: the task is re-read by id, a running record
// is created, the script runs and the record is finalized. A panic anywhere
// still finalizes the record as failed.
func (s *Scheduler) execute(ctx context.Context, taskID string) {
	writeCtx := context.WithoutCancel(ctx)
	var execution *Execution
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.logger.Error("firing panicked", "task_id", taskID, "panic", r)
		if execution == nil {
			return
		}
		now := time.Now()
		outcome := Outcome{
			Status:   ExecutionFailed,
			EndTime:  now,
			Duration: now.Sub(execution.StartTime),
			Error:    fmt.Sprintf("internal error: %v", r),
		}
		if err := s.store.FinishExecution(writeCtx, execution.ID, taskID, outcome); err != nil {
			s.logger.Error("finalize execution after panic", "task_id", taskID, "execution_id", execution.ID, "err", err)
		}
	}()

	task, err := s.store.GetTask(writeCtx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			s.logger.Debug("task vanished before firing", "task_id", taskID)
		} else {
			s.logger.Error("load task for firing", "task_id", taskID, "err", err)
		}
		return
	}
	if task.Deleted {
		return
	}

	start := time.Now()
	record := &Execution{
		ID:        NewExecutionID(task.ID, start),
		TaskID:    task.ID,
		TaskName:  task.Name,
		Status:    ExecutionRunning,
		StartTime: start,
	}
	if err := s.store.InsertExecution(writeCtx, record); err != nil {
		s.logger.Error("create execution record", "task_id", task.ID, "err", err)
		return
	}
	execution = record
	s.setRunning(task.ID, record.ID, start)

	result := s.executor.Execute(ctx, task, record.ID)

	end := time.Now()
	outcome := Outcome{
		Status:   result.Status(),
		EndTime:  end,
		Duration: end.Sub(start),
		Output:   joinOutput(result.Stdout, result.Stderr),
		ExitCode: ptrInt(result.ExitCode),
		Error:    result.Error,
	}
	if err := s.store.FinishExecution(writeCtx, record.ID, task.ID, outcome); err != nil {
		s.logger.Error("finalize execution", "task_id", task.ID, "execution_id", record.ID, "err", err)
		execution = nil
		return
	}
	execution = nil

	applyOutcome(record, outcome)
	s.afterExecution(writeCtx, task, record)
}

func (s *Scheduler) afterExecution(ctx context.Context, task *Task, record *Execution) {
	if s.retention > 0 {
		if n, err := s.store.PruneExecutions(ctx, task.ID, s.retention); err != nil {
			s.logger.Warn("prune executions", "task_id", task.ID, "err", err)
		} else if n > 0 {
			s.logger.Debug("pruned executions", "task_id", task.ID, "count", n)
		}
	}
	if s.notifier == nil || !task.Notification.Wants(record.Status == ExecutionSuccess) {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, task, record); err != nil {
		s.logger.Warn("send notification", "task_id", task.ID, "execution_id", record.ID, "err", err)
	}
}

// completeOneShot disarms an exhausted date trigger and persists
// enabled=false, unless the task was re-armed in the meantime.
func (s *Scheduler) completeOneShot(ctx context.Context, taskID string, entryID cron.EntryID) {
	unlock := s.lock(taskID)
	defer unlock()
	s.entryMu.RLock()
	job, ok := s.entries[taskID]
	s.entryMu.RUnlock()
	if !ok || job.entryID != entryID {
		return
	}
	s.disarm(taskID)
	if err := s.store.SetTaskEnabled(context.WithoutCancel(ctx), taskID, false); err != nil && !errors.Is(err, ErrTaskNotFound) {
		s.logger.Error("disable completed one-shot task", "task_id", taskID, "err", err)
	}
}

// keepStoredFlags overwrites task's enabled and deleted flags with the stored
// row's, so a definition write from a stale snapshot cannot undo a pause. A
// task that does not exist yet keeps its own flags. Requires the task's lock.
func (s *Scheduler) keepStoredFlags(ctx context.Context, task *Task) error {
	stored, err := s.store.GetTask(ctx, task.ID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if stored.Deleted {
		return ErrTaskNotFound
	}
	task.Enabled = stored.Enabled
	task.Deleted = stored.Deleted
	return nil
}

func (s *Scheduler) arm(task *Task) error {
	trigger, err := BuildTrigger(task, s.location)
	if err != nil {
		return err
	}
	unlock := s.lock(task.ID)
	defer unlock()
	s.disarm(task.ID)
	s.armTrigger(task, trigger)
	return nil
}

// armTrigger requires the task's lock to be held.
func (s *Scheduler) armTrigger(task *Task, trigger *Trigger) {
	job := &firingJob{s: s, taskID: task.ID}
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	job.entryID = s.cron.Schedule(trigger, job)
	s.entries[task.ID] = armedJob{entryID: job.entryID, name: task.Name, trigger: trigger.Type}
}

// disarm requires the task's lock to be held.
func (s *Scheduler) disarm(taskID string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if job, ok := s.entries[taskID]; ok {
		s.cron.Remove(job.entryID)
		delete(s.entries, taskID)
	}
}

func (s *Scheduler) disarmAll() {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	for id, job := range s.entries {
		s.cron.Remove(job.entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) lock(taskID string) func() {
	v, _ := s.locks.LoadOrStore(taskID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Scheduler) claim(taskID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, busy := s.running[taskID]; busy {
		return false
	}
	s.running[taskID] = RunningExecution{TaskID: taskID, StartTime: time.Now()}
	return true
}

func (s *Scheduler) setRunning(taskID, executionID string, start time.Time) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.running[taskID] = RunningExecution{TaskID: taskID, ExecutionID: executionID, StartTime: start}
}

func (s *Scheduler) release(taskID string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	delete(s.running, taskID)
}

func (s *Scheduler) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.ctx
}

func applyOutcome(e *Execution, o Outcome) {
	end := o.EndTime
	secs := o.Duration.Seconds()
	e.Status = o.Status
	e.EndTime = &end
	e.DurationSeconds = &secs
	e.ExitCode = o.ExitCode
	e.Output = o.Output
	e.Error = o.Error
}

func joinOutput(stdout, stderr string) string {
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return "[stderr]\n" + stderr
	default:
		return stdout + "\n[stderr]\n" + stderr
	}
}

// cronLogger routes the engine's logging into slog. Engine info lines are
// per-tick noise, so they go to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
