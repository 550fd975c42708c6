// Package scheduler runs aibotto's periodic work: tracker cleanup, security
// rule reloads, history and audit pruning, and scheduled prompts. It uses
// robfig/cron for cron expression parsing and execution.
package scheduler

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job kinds.
const (
	KindMaintenance = "maintenance"
	KindPrompt      = "prompt"
)

// RunFunc is the work of a job. The returned string is logged as the
// result length.
type RunFunc func(ctx context.Context) (string, error)

// Job is a scheduled task.
type Job struct {
	// ID is the unique job identifier.
	ID string

	// Schedule is a 5-field cron expression or a descriptor such as
	// "@daily" or "@every 10m".
	Schedule string

	// Kind is KindMaintenance or KindPrompt.
	Kind string

	// Timeout overrides the scheduler's job timeout.
	Timeout time.Duration

	// Exact disables the stagger applied to top-of-hour schedules.
	Exact bool

	// Run does the work.
	Run RunFunc

	// Run state, guarded by the scheduler.
	LastRunAt       *time.Time
	LastRunDuration time.Duration
	LastError       string
	RunCount        int
}

// Status is a snapshot of a job's run state.
type Status struct {
	ID              string
	Schedule        string
	Kind            string
	LastRunAt       *time.Time
	LastRunDuration time.Duration
	LastError       string
	RunCount        int
}

// Scheduler manages jobs on a cron.
type Scheduler struct {
	jobs        map[string]*Job
	cron        *cron.Cron
	parser      cron.Parser
	cronIDs     map[string]cron.EntryID
	runningJobs map[string]bool

	// jobTimeout bounds a single run. Defaults to 5 minutes.
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:        make(map[string]*Job),
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		jobTimeout:  5 * time.Minute,
		logger:      logger.With("component", "scheduler"),
		ctx:         context.Background(),
	}
}

// Add registers a job. The schedule is validated immediately.
func (s *Scheduler) Add(job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.ID)
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", job.ID, job.Schedule, err)
	}
	if job.Kind == "" {
		job.Kind = KindMaintenance
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	if s.cron != nil {
		if err := s.scheduleCronJob(job); err != nil {
			return err
		}
	}
	s.jobs[job.ID] = job

	s.logger.Info("job added", "id", job.ID, "schedule", job.Schedule, "kind", job.Kind)
	return nil
}

// Remove deletes a job by ID.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return fmt.Errorf("job %q not found", jobID)
	}
	if entryID, ok := s.cronIDs[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, jobID)
	}
	delete(s.jobs, jobID)

	s.logger.Info("job removed", "id", jobID)
	return nil
}

// List returns the status of every job, sorted by ID.
func (s *Scheduler) List() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Status, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, Status{
			ID:              j.ID,
			Schedule:        j.Schedule,
			Kind:            j.Kind,
			LastRunAt:       j.LastRunAt,
			LastRunDuration: j.LastRunDuration,
			LastError:       j.LastError,
			RunCount:        j.RunCount,
		})
	}
	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Start begins firing jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(s.parser))
	for _, job := range s.jobs {
		if err := s.scheduleCronJob(job); err != nil {
			return err
		}
	}
	s.cron.Start()

	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts the cron and waits briefly for running jobs.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	c := s.cron
	s.mu.RUnlock()

	if c != nil {
		done := c.Stop()
		select {
		case <-done.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule and without
// stagger.
func (s *Scheduler) RunNow(jobID string) error {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	s.executeJob(job, false)
	return nil
}

// ---------- Internal ----------

// scheduleCronJob registers job with the cron. Callers hold s.mu.
func (s *Scheduler) scheduleCronJob(job *Job) error {
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(job, true)
	})
	if err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", job.ID, job.Schedule, err)
	}
	s.cronIDs[job.ID] = entryID
	return nil
}

// minJobInterval is the minimum time between scheduled runs of one job.
const minJobInterval = 2 * time.Second

// executeJob runs job with a timeout. A job already running is skipped, and
// a panic is recorded as the job's error.
func (s *Scheduler) executeJob(job *Job, scheduled bool) {
	s.mu.Lock()
	if s.runningJobs[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", job.ID)
		return
	}
	if scheduled && job.LastRunAt != nil && time.Since(*job.LastRunAt) < minJobInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)", "id", job.ID)
		return
	}
	s.runningJobs[job.ID] = true
	parent := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.runningJobs, job.ID)
		if r := recover(); r != nil {
			job.LastError = fmt.Sprintf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
		}
		s.mu.Unlock()
	}()

	if scheduled {
		if stagger := resolveStagger(job); stagger > 0 {
			s.logger.Debug("applying stagger delay", "id", job.ID, "stagger", stagger)
			select {
			case <-time.After(stagger):
			case <-parent.Done():
				return
			}
		}
	}

	s.mu.Lock()
	now := time.Now()
	job.LastRunAt = &now
	job.RunCount++
	s.mu.Unlock()

	timeout := s.jobTimeout
	if job.Timeout > 0 {
		timeout = job.Timeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	s.logger.Debug("executing scheduled job", "id", job.ID, "kind", job.Kind)
	start := time.Now()
	result, err := job.Run(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	job.LastRunDuration = duration
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "id", job.ID, "error", err, "duration", duration)
		return
	}
	s.logger.Info("scheduled job completed", "id", job.ID, "result_len", len(result), "duration", duration)
}

// resolveStagger spreads prompt jobs on top-of-hour schedules over the
// first minute, using a stable offset derived from the job ID.
func resolveStagger(job *Job) time.Duration {
	if job.Exact || job.Kind != KindPrompt || !isTopOfHourSchedule(job.Schedule) {
		return 0
	}
	h := sha256.Sum256([]byte(job.ID))
	n := binary.BigEndian.Uint32(h[:4])
	return time.Duration(int64(n)%time.Minute.Milliseconds()) * time.Millisecond
}

// isTopOfHourSchedule detects schedules that fire at minute zero.
func isTopOfHourSchedule(schedule string) bool {
	s := strings.TrimSpace(strings.ToLower(schedule))
	switch s {
	case "@hourly", "@daily", "@midnight", "@weekly", "@monthly", "@yearly", "@annually":
		return true
	}
	fields := strings.Fields(s)
	return len(fields) >= 5 && fields[0] == "0"
}
