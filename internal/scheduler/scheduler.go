// Package scheduler implements the Recurring Scheduler (spec.md §4.I): a
// singleton robfig/cron instance that fires BackupJobs for enabled
// BackupSchedules, grounded on the teacher's controller.Scheduler.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agncf/confbackup/internal/db"
)

// runner is the slice of the Engine the scheduler needs to fire a job.
type runner interface {
	Run(ctx context.Context, jobID int64, deviceIDs []int64) error
}

// scheduleStore is the slice of *db.Store the scheduler needs.
type scheduleStore interface {
	GetSchedule(ctx context.Context, id int64) (*db.BackupSchedule, error)
	ListEnabledDeviceIDsForSite(ctx context.Context, siteID sql.NullInt64) ([]int64, error)
	CreateJob(ctx context.Context, triggeredBy string, totalDevices int) (int64, error)
	TouchScheduleLastRun(ctx context.Context, id int64) error
}

// Scheduler holds a single UTC cron instance and the currently registered
// schedule entries, keyed by BackupSchedule ID (spec.md §4.I).
type Scheduler struct {
	cron    *cron.Cron
	store   scheduleStore
	engine  runner
	mu      sync.Mutex
	entries map[int64]cron.EntryID
}

// New constructs a Scheduler. Start must be called before any trigger fires.
// The cron instance runs in UTC (spec.md §4.I).
func New(store scheduleStore, engine runner) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		store:   store,
		engine:  engine,
		entries: make(map[int64]cron.EntryID),
	}
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop halts the cron scheduler without waiting for in-flight jobs.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	slog.Info("scheduler stopped")
}

// Sync reconciles the scheduler's registered entries against every enabled
// BackupSchedule row, used at startup and whenever schedules are mutated
// externally (spec.md §4.I: "add/update/delete ... must atomically
// re-register or remove the corresponding trigger").
func (s *Scheduler) Sync(ctx context.Context, schedules []db.BackupSchedule) {
	seen := make(map[int64]bool, len(schedules))
	for _, sched := range schedules {
		seen[sched.ID] = true
		s.Register(sched)
	}

	s.mu.Lock()
	var stale []int64
	for id := range s.entries {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.Deregister(id)
	}
}

// Register adds or replaces the cron trigger for a single schedule
// (spec.md §4.I frequency → cron spec mapping).
func (s *Scheduler) Register(sched db.BackupSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[sched.ID]; ok {
		s.cron.Remove(id)
		delete(s.entries, sched.ID)
	}
	if !sched.Enabled {
		return
	}

	spec, err := cronSpec(sched)
	if err != nil {
		slog.Error("failed to build cron spec for schedule", "schedule_id", sched.ID, "error", err)
		return
	}

	scheduleID := sched.ID
	entryID, err := s.cron.AddFunc(spec, func() {
		s.fire(context.Background(), scheduleID)
	})
	if err != nil {
		slog.Error("failed to register cron trigger", "schedule_id", scheduleID, "spec", spec, "error", err)
		return
	}
	s.entries[sched.ID] = entryID
	slog.Info("registered backup schedule", "schedule_id", sched.ID, "name", sched.Name, "spec", spec)
}

// Deregister removes the cron trigger for a schedule ID, if any.
func (s *Scheduler) Deregister(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entries[id]
	if !ok {
		return
	}
	s.cron.Remove(entryID)
	delete(s.entries, id)
	slog.Info("deregistered backup schedule", "schedule_id", id)
}

// cronSpec translates a BackupSchedule's frequency/hour/day_of_week into a
// 5-field cron expression (spec.md §4.I).
func cronSpec(sched db.BackupSchedule) (string, error) {
	switch sched.Frequency {
	case db.FrequencyHourly:
		return "0 * * * *", nil
	case db.FrequencyDaily:
		return fmt.Sprintf("0 %d * * *", sched.Hour), nil
	case db.FrequencyWeekly:
		if !sched.DayOfWeek.Valid {
			return "", fmt.Errorf("weekly schedule %d missing day_of_week", sched.ID)
		}
		return fmt.Sprintf("0 %d * * %d", sched.Hour, sched.DayOfWeek.Int64), nil
	default:
		return "", fmt.Errorf("schedule %d has unknown frequency %q", sched.ID, sched.Frequency)
	}
}

// fire implements spec.md §4.I "On fire": reload the schedule, select
// devices, create a job, update last_run_at, and invoke the engine.
func (s *Scheduler) fire(ctx context.Context, scheduleID int64) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		slog.Error("reloading schedule on fire failed", "schedule_id", scheduleID, "error", err)
		return
	}
	if sched == nil || !sched.Enabled {
		slog.Info("schedule disabled or deleted, skipping fire", "schedule_id", scheduleID)
		return
	}

	deviceIDs, err := s.store.ListEnabledDeviceIDsForSite(ctx, sched.SiteID)
	if err != nil {
		slog.Error("listing devices for schedule failed", "schedule_id", scheduleID, "error", err)
		return
	}

	jobID, err := s.store.CreateJob(ctx, fmt.Sprintf("schedule:%s", sched.Name), len(deviceIDs))
	if err != nil {
		slog.Error("creating job for schedule failed", "schedule_id", scheduleID, "error", err)
		return
	}

	if err := s.store.TouchScheduleLastRun(ctx, scheduleID); err != nil {
		slog.Error("updating last_run_at failed", "schedule_id", scheduleID, "error", err)
	}

	slog.Info("schedule fired", "schedule_id", scheduleID, "job_id", jobID, "device_count", len(deviceIDs))
	if err := s.engine.Run(ctx, jobID, deviceIDs); err != nil {
		slog.Error("scheduled job finished with orchestration error", "schedule_id", scheduleID, "job_id", jobID, "error", err)
	}
}
