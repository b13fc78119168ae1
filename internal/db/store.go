package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store wraps a *sqlx.DB with the queries the core engine, snapshotter and
// scheduler need. It never exposes a generic query method: every read/write
// the core performs has a named method here, matching the fields listed in
// spec.md §3.
type Store struct {
	db *sqlx.DB
}

// Open connects to the Postgres database identified by dsn.
func Open(dsn string) (*Store, error) {
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	conn.SetMaxOpenConns(20)
	conn.SetMaxIdleConns(5)
	return &Store{db: conn}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity, used by the /healthz endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DeviceSnapshotRow is the joined row read by the Inventory Snapshotter
// (spec.md §4.C) before credentials are resolved.
type DeviceSnapshotRow struct {
	DeviceID          int64          `db:"device_id"`
	Hostname          string         `db:"hostname"`
	IP                string         `db:"ip"`
	Platform          Platform       `db:"platform"`
	SiteCode          string         `db:"site_code"`
	GiteaRepoName     string         `db:"gitea_repo_name"`
	CredUsername      sql.NullString `db:"cred_username"`
	CredEncPassword   sql.NullString `db:"cred_enc_password"`
}

// ListEnabledDevices loads enabled devices joined to their site and optional
// credential set, optionally filtered to a device ID set. A nil/empty
// deviceIDs loads every enabled device.
func (s *Store) ListEnabledDevices(ctx context.Context, deviceIDs []int64) ([]DeviceSnapshotRow, error) {
	const baseQuery = `
		SELECT
			d.id AS device_id,
			d.hostname,
			d.ip,
			d.platform,
			s.code AS site_code,
			s.gitea_repo_name,
			c.username AS cred_username,
			c.encrypted_password AS cred_enc_password
		FROM devices d
		JOIN sites s ON s.id = d.site_id
		LEFT JOIN credential_sets c ON c.id = d.credential_set_id
		WHERE d.enabled = true`

	var rows []DeviceSnapshotRow
	if len(deviceIDs) == 0 {
		if err := s.db.SelectContext(ctx, &rows, baseQuery+" ORDER BY d.id"); err != nil {
			return nil, fmt.Errorf("listing enabled devices: %w", err)
		}
		return rows, nil
	}

	query, args, err := sqlx.In(baseQuery+" AND d.id IN (?) ORDER BY d.id", deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("building device filter: %w", err)
	}
	query = s.db.Rebind(query)
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing enabled devices: %w", err)
	}
	return rows, nil
}

// CreateJob inserts a new BackupJob row and returns its ID.
func (s *Store) CreateJob(ctx context.Context, triggeredBy string, totalDevices int) (int64, error) {
	const query = `
		INSERT INTO backup_jobs (triggered_by, status, total_devices, completed_devices, failed_devices, triggered_at)
		VALUES ($1, 'running', $2, 0, 0, now())
		RETURNING id`
	var id int64
	if err := s.db.GetContext(ctx, &id, query, triggeredBy, totalDevices); err != nil {
		return 0, fmt.Errorf("creating backup job: %w", err)
	}
	return id, nil
}

// GetJob loads a BackupJob by ID. It returns (nil, nil) if the job does not
// exist, matching spec.md §4.H step 1 ("if absent, log and return").
func (s *Store) GetJob(ctx context.Context, jobID int64) (*BackupJob, error) {
	var job BackupJob
	err := s.db.GetContext(ctx, &job, `SELECT * FROM backup_jobs WHERE id = $1`, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading backup job %d: %w", jobID, err)
	}
	return &job, nil
}

// MarkJobStarted transitions a job to running and stamps started_at.
func (s *Store) MarkJobStarted(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE backup_jobs SET status = 'running', started_at = now() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("marking job %d started: %w", jobID, err)
	}
	return nil
}

// MarkJobTerminal transitions a job to a terminal status and stamps
// completed_at, satisfying invariant 2 (spec.md §3).
func (s *Store) MarkJobTerminal(ctx context.Context, jobID int64, status JobStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE backup_jobs SET status = $2, completed_at = now() WHERE id = $1 AND completed_at IS NULL`,
		jobID, status)
	if err != nil {
		return fmt.Errorf("marking job %d terminal: %w", jobID, err)
	}
	return nil
}

// IncrementJobCounters atomically bumps completed_devices and, when failed
// is true, failed_devices. Used by the result-recording path so concurrent
// device completions never race on the counters (spec.md §5).
func (s *Store) IncrementJobCounters(ctx context.Context, jobID int64, failed bool) error {
	query := `UPDATE backup_jobs SET completed_devices = completed_devices + 1`
	if failed {
		query += `, failed_devices = failed_devices + 1`
	}
	query += ` WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("incrementing counters for job %d: %w", jobID, err)
	}
	return nil
}

// InsertResult appends a BackupResult row.
func (s *Store) InsertResult(ctx context.Context, r BackupResult) error {
	const query = `
		INSERT INTO backup_results
			(job_id, device_id, status, config_hash, gitea_commit_sha, error_message, backed_up_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`
	_, err := s.db.ExecContext(ctx, query,
		r.JobID, r.DeviceID, r.Status, r.ConfigHash, r.GiteaCommitSHA, r.ErrorMessage)
	if err != nil {
		return fmt.Errorf("inserting backup result for device %d: %w", r.DeviceID, err)
	}
	return nil
}

// ReconcileOrphanedJobs transitions any job left in 'running' from a prior
// process lifetime to 'failed' (spec.md §3 invariant 5). Called once at
// startup.
func (s *Store) ReconcileOrphanedJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_jobs SET status = 'failed', completed_at = now() WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("reconciling orphaned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListEnabledSchedules loads every enabled BackupSchedule (spec.md §4.I).
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]BackupSchedule, error) {
	var schedules []BackupSchedule
	err := s.db.SelectContext(ctx, &schedules, `SELECT * FROM backup_schedules WHERE enabled = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled schedules: %w", err)
	}
	return schedules, nil
}

// GetSchedule reloads a single schedule row, used when a cron trigger fires
// (spec.md §4.I: "reload the schedule row, skip if disabled or deleted").
func (s *Store) GetSchedule(ctx context.Context, id int64) (*BackupSchedule, error) {
	var sched BackupSchedule
	err := s.db.GetContext(ctx, &sched, `SELECT * FROM backup_schedules WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading schedule %d: %w", id, err)
	}
	return &sched, nil
}

// TouchScheduleLastRun sets last_run_at to now.
func (s *Store) TouchScheduleLastRun(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE backup_schedules SET last_run_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating last_run_at for schedule %d: %w", id, err)
	}
	return nil
}

// ListEnabledDeviceIDsForSite returns the IDs of enabled devices, optionally
// scoped to a site, for schedule-driven job creation (spec.md §4.I).
func (s *Store) ListEnabledDeviceIDsForSite(ctx context.Context, siteID sql.NullInt64) ([]int64, error) {
	var ids []int64
	if siteID.Valid {
		err := s.db.SelectContext(ctx, &ids,
			`SELECT id FROM devices WHERE enabled = true AND site_id = $1 ORDER BY id`, siteID.Int64)
		if err != nil {
			return nil, fmt.Errorf("listing devices for site %d: %w", siteID.Int64, err)
		}
		return ids, nil
	}
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM devices WHERE enabled = true ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing enabled devices: %w", err)
	}
	return ids, nil
}
