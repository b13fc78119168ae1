// Package db is the persistence layer described in spec.md §3: it reads
// and writes only the fields the core needs from Site, CredentialSet,
// Device, BackupJob, BackupResult and BackupSchedule. Everything else
// about those tables (inventory CRUD, auth) belongs to the external
// HTTP/REST surface (spec.md §1, Out of scope) and is not modeled here.
package db

import (
	"database/sql"
	"time"
)

// Site identifies a unique short code owning many devices (spec.md §3).
type Site struct {
	ID             int64  `db:"id"`
	Code           string `db:"code"`
	GiteaRepoName  string `db:"gitea_repo_name"`
}

// CredentialSet holds a stored username and an encrypted password.
type CredentialSet struct {
	ID                int64  `db:"id"`
	Username          string `db:"username"`
	EncryptedPassword string `db:"encrypted_password"`
}

// Platform mirrors spec.md §3's Device.platform enum.
type Platform string

const (
	PlatformIOS      Platform = "ios"
	PlatformNXOS     Platform = "nxos"
	PlatformEOS      Platform = "eos"
	PlatformDellOS10 Platform = "dellos10"
	PlatformPANOS    Platform = "panos"
	PlatformFortiOS  Platform = "fortios"
)

// Device is a managed network device.
type Device struct {
	ID              int64         `db:"id"`
	Hostname        string        `db:"hostname"`
	IP              string        `db:"ip"`
	Platform        Platform      `db:"platform"`
	Enabled         bool          `db:"enabled"`
	SiteID          int64         `db:"site_id"`
	CredentialSetID sql.NullInt64 `db:"credential_set_id"`
}

// JobStatus is the BackupJob.status enum.
type JobStatus string

const (
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// BackupJob tracks one invocation of the engine over a device batch
// (spec.md §3).
type BackupJob struct {
	ID               int64        `db:"id"`
	TriggeredBy      string       `db:"triggered_by"`
	Status           JobStatus    `db:"status"`
	TotalDevices     int          `db:"total_devices"`
	CompletedDevices int          `db:"completed_devices"`
	FailedDevices    int          `db:"failed_devices"`
	TriggeredAt      time.Time    `db:"triggered_at"`
	StartedAt        sql.NullTime `db:"started_at"`
	CompletedAt      sql.NullTime `db:"completed_at"`
}

// ResultStatus is the BackupResult.status enum.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultSkipped ResultStatus = "skipped"
)

// BackupResult is one device's outcome within a job (spec.md §3). Results
// are append-only within a job.
type BackupResult struct {
	ID              int64          `db:"id"`
	JobID           int64          `db:"job_id"`
	DeviceID        int64          `db:"device_id"`
	Status          ResultStatus   `db:"status"`
	ConfigHash      sql.NullString `db:"config_hash"`
	GiteaCommitSHA  sql.NullString `db:"gitea_commit_sha"`
	ErrorMessage    sql.NullString `db:"error_message"`
	BackedUpAt      time.Time      `db:"backed_up_at"`
}

// Frequency is the BackupSchedule.frequency enum.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
)

// BackupSchedule is a cron-like recurring job definition (spec.md §3/§4.I).
type BackupSchedule struct {
	ID          int64         `db:"id"`
	Name        string        `db:"name"`
	Frequency   Frequency     `db:"frequency"`
	Hour        int           `db:"hour"`
	DayOfWeek   sql.NullInt64 `db:"day_of_week"`
	SiteID      sql.NullInt64 `db:"site_id"`
	Enabled     bool          `db:"enabled"`
	LastRunAt   sql.NullTime  `db:"last_run_at"`
}
