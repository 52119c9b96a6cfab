package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/apperr"
	"github.com/legionhq/legion/internal/common/logger"
	"github.com/legionhq/legion/internal/common/timeutil"
	"github.com/legionhq/legion/internal/queue"
	"github.com/legionhq/legion/internal/session"
)

// Store persists schedules and their execution history.
type Store interface {
	SaveSchedules(projectID string, schedules any) error
	LoadSchedules(projectID string, v any) error
	AppendScheduleExecution(projectID string, record any) error
}

// Queue enqueues a fired prompt into the recipient's message queue.
type Queue interface {
	Enqueue(sid, content string, resetSession bool, metadata map[string]any) (*queue.Item, error)
}

// Sessions reads the recipient's state for execution records.
type Sessions interface {
	Get(sid string) (*session.Session, error)
}

// BroadcastFunc publishes a schedule snapshot after a mutation or a fire.
type BroadcastFunc func(schedule *Schedule)

// Options tunes the evaluation loop.
type Options struct {
	// Tick spaces evaluation sweeps. Zero selects 30s.
	Tick time.Duration
	// MaxRetries is the default consecutive-failure budget for new
	// schedules.
	MaxRetries int
	// Backfill fires a window missed across a restart once at the first
	// tick instead of silently skipping it.
	Backfill bool
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Service owns every legion's schedules and the background evaluation loop.
type Service struct {
	mu        sync.Mutex
	schedules map[string]*Schedule // schedule id -> schedule

	store     Store
	queue     Queue
	sessions  Sessions
	broadcast BroadcastFunc
	opts      Options

	logger *logger.Logger
}

// NewService creates a scheduler. broadcast may be nil.
func NewService(store Store, q Queue, sessions Sessions, broadcast BroadcastFunc, opts Options, log *logger.Logger) *Service {
	return &Service{
		schedules: make(map[string]*Schedule),
		store:     store,
		queue:     q,
		sessions:  sessions,
		broadcast: broadcast,
		opts:      opts.withDefaults(),
		logger:    log.WithFields(zap.String("component", "scheduler")),
	}
}

// parseCron validates a 5-field expression.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, apperr.Validation("invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// LoadProject re-materializes one legion's schedules. Active schedules get
// next_run recomputed from now: the scheduler never backfills missed windows
// unless configured to, in which case a missed window fires at the first
// tick.
func (s *Service) LoadProject(projectID string) error {
	var file scheduleFile
	if err := s.store.LoadSchedules(projectID, &file); err != nil {
		return apperr.Storage("load schedules", err)
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range file.Schedules {
		if sched.MaxRetries <= 0 {
			sched.MaxRetries = s.opts.MaxRetries
		}
		if sched.Status == StatusActive {
			missed := sched.NextRun != nil && *sched.NextRun <= timeutil.ToUnix(now)
			if s.opts.Backfill && missed {
				at := timeutil.ToUnix(now)
				sched.NextRun = &at
			} else if spec, err := parseCron(sched.Cron); err == nil {
				next := timeutil.ToUnix(spec.Next(now))
				sched.NextRun = &next
			} else {
				s.logger.Warn("schedule with invalid cron loaded as paused",
					zap.String("schedule_id", sched.ID), zap.Error(err))
				sched.Status = StatusPaused
				sched.NextRun = nil
			}
		}
		s.schedules[sched.ID] = sched
	}
	if len(file.Schedules) > 0 {
		s.logger.WithProject(projectID).Info("schedules loaded", zap.Int("count", len(file.Schedules)))
	}
	return nil
}

// Run ticks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("tick", s.opts.Tick))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep fires every due active schedule.
func (s *Service) sweep(now time.Time) {
	nowUnix := timeutil.ToUnix(now)

	s.mu.Lock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if sched.Status == StatusActive && sched.NextRun != nil && *sched.NextRun <= nowUnix {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		s.fire(sched.ID, now)
	}
}

// fire enqueues one scheduled prompt and records the execution.
func (s *Service) fire(scheduleID string, now time.Time) {
	s.mu.Lock()
	sched, ok := s.schedules[scheduleID]
	if !ok || sched.Status != StatusActive {
		s.mu.Unlock()
		return
	}
	scheduledTime := timeutil.ToUnix(now)
	if sched.NextRun != nil {
		scheduledTime = *sched.NextRun
	}
	snapshot := sched.Clone()
	s.mu.Unlock()

	log := s.logger.WithFields(zap.String("schedule_id", scheduleID), zap.String("minion_id", snapshot.MinionID))

	minionState := "unknown"
	if sess, err := s.sessions.Get(snapshot.MinionID); err == nil {
		minionState = string(sess.State)
	}

	prompt := fmt.Sprintf("**[Scheduled Task: %s]**\n\n%s", snapshot.Name, snapshot.Prompt)
	metadata := map[string]any{
		"source":        "schedule",
		"schedule_id":   snapshot.ID,
		"schedule_name": snapshot.Name,
		"trigger_time":  scheduledTime,
	}

	item, enqueueErr := s.queue.Enqueue(snapshot.MinionID, prompt, snapshot.ResetSession, metadata)

	exec := &Execution{
		ExecutionID:   uuid.New().String(),
		ScheduleID:    snapshot.ID,
		ScheduledTime: scheduledTime,
		FiredAt:       timeutil.ToUnix(now),
		MinionState:   minionState,
	}

	s.mu.Lock()
	sched, ok = s.schedules[scheduleID]
	if !ok {
		s.mu.Unlock()
		return
	}
	nowUnix := timeutil.ToUnix(now)
	if enqueueErr == nil {
		exec.Status = ExecQueued
		exec.QueueID = item.QueueID
		sched.LastRun = &nowUnix
		sched.LastStatus = ExecQueued
		sched.ExecutionCount++
		sched.FailureCount = 0
		if spec, err := parseCron(sched.Cron); err == nil {
			next := timeutil.ToUnix(spec.Next(now))
			sched.NextRun = &next
		} else {
			sched.NextRun = nil
		}
	} else {
		sched.FailureCount++
		exec.Error = enqueueErr.Error()
		exec.RetryNumber = sched.FailureCount
		if sched.FailureCount <= sched.MaxRetries {
			// Exponential backoff: 60s doubling per consecutive failure.
			backoff := 60 * math.Pow(2, float64(sched.FailureCount-1))
			next := nowUnix + backoff
			sched.NextRun = &next
			sched.LastStatus = ExecRetry
			exec.Status = ExecRetry
			log.Warn("schedule fire failed, retrying",
				zap.Int("failure_count", sched.FailureCount), zap.Float64("backoff_s", backoff), zap.Error(enqueueErr))
		} else {
			sched.Status = StatusPaused
			sched.NextRun = nil
			sched.LastStatus = ExecFailed
			exec.Status = ExecFailed
			log.Error("schedule exhausted retries, pausing", zap.Error(enqueueErr))
		}
	}
	sched.UpdatedAt = nowUnix
	updated := sched.Clone()
	projectID := sched.ProjectID
	s.mu.Unlock()

	if err := s.store.AppendScheduleExecution(projectID, exec); err != nil {
		log.Warn("failed to append execution record", zap.Error(err))
	}
	if err := s.persistProject(projectID); err != nil {
		log.Warn("failed to persist schedules", zap.Error(err))
	}
	s.emit(updated)
}

// Create registers a new schedule for a minion.
func (s *Service) Create(projectID, minionID, name, cronExpr, prompt string, resetSession bool, maxRetries, timeoutSeconds int) (*Schedule, error) {
	spec, err := parseCron(cronExpr)
	if err != nil {
		return nil, err
	}
	sess, err := s.sessions.Get(minionID)
	if err != nil {
		return nil, apperr.Validation("schedule target %s does not exist", minionID)
	}
	if maxRetries <= 0 {
		maxRetries = s.opts.MaxRetries
	}

	now := time.Now()
	next := timeutil.ToUnix(spec.Next(now))
	sched := &Schedule{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		MinionID:       minionID,
		MinionName:     sess.Name,
		Name:           name,
		Cron:           cronExpr,
		Prompt:         prompt,
		ResetSession:   resetSession,
		Status:         StatusActive,
		NextRun:        &next,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeoutSeconds,
		CreatedAt:      timeutil.ToUnix(now),
		UpdatedAt:      timeutil.ToUnix(now),
	}

	s.mu.Lock()
	s.schedules[sched.ID] = sched
	s.mu.Unlock()

	if err := s.persistProject(projectID); err != nil {
		s.mu.Lock()
		delete(s.schedules, sched.ID)
		s.mu.Unlock()
		return nil, err
	}
	s.emit(sched.Clone())
	return sched.Clone(), nil
}

// Update rewrites a schedule's name, cron, prompt, and reset flag,
// recomputing next_run when the expression changed.
func (s *Service) Update(scheduleID, name, cronExpr, prompt string, resetSession bool) (*Schedule, error) {
	return s.mutate(scheduleID, func(sched *Schedule) error {
		if cronExpr != "" && cronExpr != sched.Cron {
			spec, err := parseCron(cronExpr)
			if err != nil {
				return err
			}
			sched.Cron = cronExpr
			if sched.Status == StatusActive {
				next := timeutil.ToUnix(spec.Next(time.Now()))
				sched.NextRun = &next
			}
		}
		if name != "" {
			sched.Name = name
		}
		if prompt != "" {
			sched.Prompt = prompt
		}
		sched.ResetSession = resetSession
		return nil
	})
}

// Pause stops evaluation, keeping the cron expression. Pausing a paused
// schedule is an error.
func (s *Service) Pause(scheduleID string) (*Schedule, error) {
	return s.mutate(scheduleID, func(sched *Schedule) error {
		if sched.Status == StatusPaused {
			return apperr.Validation("schedule %s is already paused", scheduleID)
		}
		if sched.Status == StatusCancelled {
			return apperr.Validation("schedule %s is cancelled", scheduleID)
		}
		sched.Status = StatusPaused
		sched.NextRun = nil
		return nil
	})
}

// Resume reactivates a paused schedule, clearing the failure counter and
// recomputing next_run.
func (s *Service) Resume(scheduleID string) (*Schedule, error) {
	return s.mutate(scheduleID, func(sched *Schedule) error {
		if sched.Status == StatusCancelled {
			return apperr.Validation("schedule %s is cancelled", scheduleID)
		}
		spec, err := parseCron(sched.Cron)
		if err != nil {
			return err
		}
		sched.Status = StatusActive
		sched.FailureCount = 0
		next := timeutil.ToUnix(spec.Next(time.Now()))
		sched.NextRun = &next
		return nil
	})
}

// Cancel retires a schedule permanently. Cancelling a cancelled schedule is
// an error.
func (s *Service) Cancel(scheduleID string) (*Schedule, error) {
	return s.mutate(scheduleID, func(sched *Schedule) error {
		if sched.Status == StatusCancelled {
			return apperr.Validation("schedule %s is already cancelled", scheduleID)
		}
		sched.Status = StatusCancelled
		sched.NextRun = nil
		return nil
	})
}

// Delete removes a schedule entirely.
func (s *Service) Delete(scheduleID string) error {
	s.mu.Lock()
	sched, ok := s.schedules[scheduleID]
	if !ok {
		s.mu.Unlock()
		return apperr.Validation("schedule %s not found", scheduleID)
	}
	projectID := sched.ProjectID
	delete(s.schedules, scheduleID)
	s.mu.Unlock()
	return s.persistProject(projectID)
}

// CancelForMinion cancels every schedule bound to one minion. Used on
// disposal; already-cancelled schedules are left alone.
func (s *Service) CancelForMinion(minionID string) int {
	s.mu.Lock()
	var ids []string
	for id, sched := range s.schedules {
		if sched.MinionID == minionID && sched.Status != StatusCancelled {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Cancel(id); err != nil {
			s.logger.Warn("failed to cancel schedule for disposed minion",
				zap.String("schedule_id", id), zap.Error(err))
		}
	}
	return len(ids)
}

// Get returns a snapshot of one schedule.
func (s *Service) Get(scheduleID string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[scheduleID]
	if !ok {
		return nil, apperr.Validation("schedule %s not found", scheduleID)
	}
	return sched.Clone(), nil
}

// ListByProject returns snapshots of one legion's schedules.
func (s *Service) ListByProject(projectID string) []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Schedule
	for _, sched := range s.schedules {
		if sched.ProjectID == projectID {
			out = append(out, sched.Clone())
		}
	}
	return out
}

func (s *Service) mutate(scheduleID string, fn func(*Schedule) error) (*Schedule, error) {
	s.mu.Lock()
	sched, ok := s.schedules[scheduleID]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.Validation("schedule %s not found", scheduleID)
	}
	if err := fn(sched); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sched.UpdatedAt = timeutil.UnixNow()
	snapshot := sched.Clone()
	projectID := sched.ProjectID
	s.mu.Unlock()

	if err := s.persistProject(projectID); err != nil {
		return nil, err
	}
	s.emit(snapshot)
	return snapshot, nil
}

// persistProject rewrites one legion's schedules.json.
func (s *Service) persistProject(projectID string) error {
	s.mu.Lock()
	file := scheduleFile{Schedules: []*Schedule{}}
	for _, sched := range s.schedules {
		if sched.ProjectID == projectID {
			file.Schedules = append(file.Schedules, sched.Clone())
		}
	}
	s.mu.Unlock()

	if err := s.store.SaveSchedules(projectID, &file); err != nil {
		return apperr.Storage("persist schedules", err)
	}
	return nil
}

func (s *Service) emit(sched *Schedule) {
	if s.broadcast != nil {
		s.broadcast(sched)
	}
}
