// Package engine implements the Backup Orchestration Engine (spec.md §4.H):
// it loads a job's device batch, fans out to the CLI and API transports
// under independent concurrency disciplines, scrubs and commits each
// resulting configuration, and drives the job to a terminal state.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agncf/confbackup/internal/db"
	"github.com/agncf/confbackup/internal/gitea"
	"github.com/agncf/confbackup/internal/inventory"
	"github.com/agncf/confbackup/internal/metrics"
	"github.com/agncf/confbackup/internal/progress"
	"github.com/agncf/confbackup/internal/scrub"
	apitransport "github.com/agncf/confbackup/internal/transport/api"
	clitransport "github.com/agncf/confbackup/internal/transport/cli"
)

// errorMessageLimit truncates persisted error text (spec.md §7).
const errorMessageLimit = 2000

// jobProgress tracks the running completed/failed counts for a single job's
// batch so every Bus event carries the `{completed, total, failed}` shape
// spec.md §4.G requires, even though the CLI and API batches update it from
// different goroutines.
type jobProgress struct {
	total     int
	completed atomic.Int64
	failed    atomic.Int64
}

// recordSuccess increments the completed count and returns the new totals.
func (p *jobProgress) recordSuccess() (completed, failed int) {
	return int(p.completed.Add(1)), int(p.failed.Load())
}

// recordFailure increments both the completed and failed counts and returns
// the new totals.
func (p *jobProgress) recordFailure() (completed, failed int) {
	p.failed.Add(1)
	return int(p.completed.Add(1)), int(p.failed.Load())
}

// jobStore is the slice of *db.Store the engine needs. Declared at the
// consumer so engine tests can substitute an in-memory fake instead of a
// live Postgres connection.
type jobStore interface {
	GetJob(ctx context.Context, jobID int64) (*db.BackupJob, error)
	MarkJobStarted(ctx context.Context, jobID int64) error
	MarkJobTerminal(ctx context.Context, jobID int64, status db.JobStatus) error
	IncrementJobCounters(ctx context.Context, jobID int64, failed bool) error
	InsertResult(ctx context.Context, r db.BackupResult) error
}

// snapshotter is the slice of *inventory.Snapshotter the engine needs.
type snapshotter interface {
	Snapshot(ctx context.Context, deviceIDs []int64) ([]inventory.DeviceSnapshot, error)
}

// giteaClient is the slice of *gitea.Client the engine needs.
type giteaClient interface {
	EnsureRepo(ctx context.Context, siteCode, repoName string) (string, error)
	CommitConfig(ctx context.Context, repo, hostname, text, message string) (string, error)
}

// cliBackupper is the slice of *cli.Worker the engine needs.
type cliBackupper interface {
	Backup(snap inventory.DeviceSnapshot) (clitransport.Result, error)
}

// apiBackupper is the slice of *api.Worker the engine needs.
type apiBackupper interface {
	Backup(ctx context.Context, snap inventory.DeviceSnapshot) (apitransport.Result, error)
}

// Engine wires every component named in spec.md §2 into the single `Run`
// operation. Dependencies are interfaces so tests can substitute fakes for
// the database, Gitea, and both transports without a live network or DB.
type Engine struct {
	Store       jobStore
	Snapshotter snapshotter
	Gitea       giteaClient
	Bus         *progress.Bus

	CLIWorker cliBackupper
	APIWorker apiBackupper

	CLIWorkers     int
	APIConcurrency int
}

// New constructs an Engine with the teacher's default pool sizes applied by
// the caller (spec.md §6: cli_workers=50, api_semaphore_limit=30).
func New(store *db.Store, snap *inventory.Snapshotter, gc *gitea.Client, bus *progress.Bus, cliWorkers, apiConcurrency int) *Engine {
	return &Engine{
		Store:          store,
		Snapshotter:    snap,
		Gitea:          gc,
		Bus:            bus,
		CLIWorker:      clitransport.NewWorker(),
		APIWorker:      apitransport.NewWorker(),
		CLIWorkers:     cliWorkers,
		APIConcurrency: apiConcurrency,
	}
}

// Run implements spec.md §4.H operation 1-9. Any error returned is an
// orchestration-level failure (step 9); per-device failures never surface
// here.
func (e *Engine) Run(ctx context.Context, jobID int64, deviceIDs []int64) error {
	job, err := e.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job %d: %w", jobID, err)
	}
	if job == nil {
		slog.Warn("run invoked for unknown job", "job_id", jobID)
		return nil
	}

	if err := e.Store.MarkJobStarted(ctx, jobID); err != nil {
		return fmt.Errorf("marking job %d started: %w", jobID, err)
	}

	start := time.Now()
	finalStatus := db.JobComplete
	if runErr := e.runBatch(ctx, jobID, deviceIDs, job.TotalDevices); runErr != nil {
		finalStatus = db.JobFailed
		slog.Error("orchestration failure", "job_id", jobID, "error", runErr)
	}

	if err := e.Store.MarkJobTerminal(ctx, jobID, finalStatus); err != nil {
		// spec.md §7: a persistence failure here must still let the job be
		// observed as terminal on next reconciliation (invariant 5 covers a
		// crash; this logs so an operator can investigate a live failure).
		slog.Error("persisting terminal job status failed", "job_id", jobID, "error", err)
	}
	metrics.RecordJobDuration(time.Since(start).Seconds())
	metrics.RecordJob(string(finalStatus))

	// Re-load the job so the final Bus event carries the authoritative
	// completed/total/failed counts (spec.md §4.G, §8 S7: "completed ==
	// total" on the terminal event).
	completed, total, failed := deviceCounts(ctx, e.Store, jobID, len(deviceIDs))
	e.Bus.Publish(progress.Event{
		JobID:     jobID,
		Status:    string(finalStatus),
		Completed: completed,
		Total:     total,
		Failed:    failed,
		Final:     true,
	})

	if finalStatus == db.JobFailed {
		return fmt.Errorf("job %d completed with orchestration failure", jobID)
	}
	return nil
}

// deviceCounts loads the authoritative completed/failed/total counters from
// the job row for the final Bus event. If the reload fails, it falls back to
// the requested device count as total so the event is still emitted.
func deviceCounts(ctx context.Context, store jobStore, jobID int64, requested int) (completed, total, failed int) {
	job, err := store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		slog.Error("reloading job for final progress event failed", "job_id", jobID, "error", err)
		return 0, requested, 0
	}
	// completed_devices counts every terminal result, success or failure
	// (store.IncrementJobCounters), so it already equals total_devices once
	// every device has reached a terminal state (spec.md §8 S7).
	return job.CompletedDevices, job.TotalDevices, job.FailedDevices
}

// runBatch implements steps 3-9: snapshot, partition, drive both transports,
// and let every device reach a terminal BackupResult.
func (e *Engine) runBatch(ctx context.Context, jobID int64, deviceIDs []int64, total int) error {
	snapshots, err := e.Snapshotter.Snapshot(ctx, deviceIDs)
	if err != nil {
		return fmt.Errorf("snapshotting devices: %w", err)
	}

	prog := &jobProgress{total: total}

	var cliDevices, apiDevices []inventory.DeviceSnapshot
	for _, snap := range snapshots {
		if !snap.HasCredentials {
			e.recordFailure(ctx, jobID, prog, snap.DeviceID, fmt.Sprintf("no credentials available: %s", snap.CredentialError))
			continue
		}
		if snap.IsAPIDevice {
			apiDevices = append(apiDevices, snap)
		} else {
			cliDevices = append(cliDevices, snap)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.runCLIBatch(ctx, jobID, prog, cliDevices)
	}()
	go func() {
		defer wg.Done()
		e.runAPIBatch(ctx, jobID, prog, apiDevices)
	}()
	wg.Wait()

	return nil
}

// cliCompletion is what a pool worker posts back to the coordinator
// (spec.md §4.H step 7, §9 "event loop vs thread pool handoff").
type cliCompletion struct {
	snap inventory.DeviceSnapshot
	res  clitransport.Result
	err  error
}

// runCLIBatch implements spec.md §4.H step 7: a fixed worker pool of size
// CLIWorkers feeds a single coordinator goroutine that performs every
// commit/DB write, so counter mutation is serialized without a lock.
func (e *Engine) runCLIBatch(ctx context.Context, jobID int64, prog *jobProgress, devices []inventory.DeviceSnapshot) {
	if len(devices) == 0 {
		return
	}

	jobs := make(chan inventory.DeviceSnapshot)
	completions := make(chan cliCompletion)

	workers := e.CLIWorkers
	if workers <= 0 || workers > len(devices) {
		workers = len(devices)
	}

	var pool sync.WaitGroup
	pool.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer pool.Done()
			for snap := range jobs {
				res, err := e.CLIWorker.Backup(snap)
				completions <- cliCompletion{snap: snap, res: res, err: err}
			}
		}()
	}

	go func() {
		for _, snap := range devices {
			jobs <- snap
		}
		close(jobs)
	}()

	go func() {
		pool.Wait()
		close(completions)
	}()

	for c := range completions {
		if c.err != nil {
			e.recordFailure(ctx, jobID, prog, c.snap.DeviceID, c.err.Error())
			continue
		}
		e.commitAndRecord(ctx, jobID, prog, c.snap, c.res.ConfigText)
	}
}

// runAPIBatch implements spec.md §4.H step 8: a semaphore of APIConcurrency
// permits, each wrapping the full worker invocation plus its commit/DB
// write, so no coordinator is needed — the per-device goroutine is itself
// the serialization point for that device's mutation.
func (e *Engine) runAPIBatch(ctx context.Context, jobID int64, prog *jobProgress, devices []inventory.DeviceSnapshot) {
	if len(devices) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	limit := e.APIConcurrency
	if limit <= 0 {
		limit = len(devices)
	}
	g.SetLimit(limit)

	for _, snap := range devices {
		snap := snap
		g.Go(func() error {
			res, err := e.APIWorker.Backup(gctx, snap)
			if err != nil {
				e.recordFailure(context.WithoutCancel(gctx), jobID, prog, snap.DeviceID, err.Error())
				return nil
			}
			e.commitAndRecord(context.WithoutCancel(gctx), jobID, prog, snap, res.ConfigText)
			return nil
		})
	}
	// Per-device errors never abort the batch (spec.md §7); g.Wait only
	// surfaces a programmer error in a worker, never a device failure.
	_ = g.Wait()
}

// commitAndRecord implements the commit path (spec.md §4.H step 10).
func (e *Engine) commitAndRecord(ctx context.Context, jobID int64, prog *jobProgress, snap inventory.DeviceSnapshot, rawConfig string) {
	scrubbed := scrub.Scrub(rawConfig, scrub.Platform(snap.Platform))
	sum := sha256.Sum256([]byte(scrubbed))
	hash := hex.EncodeToString(sum[:])

	repo, err := e.Gitea.EnsureRepo(ctx, snap.SiteCode, snap.GiteaRepoName)
	if err != nil {
		e.recordFailure(ctx, jobID, prog, snap.DeviceID, fmt.Sprintf("ensuring repo: %s", err))
		return
	}

	message := fmt.Sprintf("backup: %s", snap.Hostname)
	commitSHA, err := e.Gitea.CommitConfig(ctx, repo, snap.Hostname, scrubbed, message)
	if err != nil {
		e.recordFailure(ctx, jobID, prog, snap.DeviceID, fmt.Sprintf("committing config: %s", err))
		metrics.RecordGiteaCommit("failure")
		return
	}
	metrics.RecordGiteaCommit("success")

	result := db.BackupResult{
		JobID:      jobID,
		DeviceID:   snap.DeviceID,
		Status:     db.ResultSuccess,
		BackedUpAt: time.Now().UTC(),
	}
	result.ConfigHash.String, result.ConfigHash.Valid = hash, true
	result.GiteaCommitSHA.String, result.GiteaCommitSHA.Valid = commitSHA, true

	if err := e.Store.InsertResult(ctx, result); err != nil {
		slog.Error("persisting success result failed", "job_id", jobID, "device_id", snap.DeviceID, "error", err)
		return
	}
	if err := e.Store.IncrementJobCounters(ctx, jobID, false); err != nil {
		slog.Error("incrementing job counters failed", "job_id", jobID, "device_id", snap.DeviceID, "error", err)
	}
	metrics.RecordDeviceResult(string(db.ResultSuccess))

	completed, failed := prog.recordSuccess()
	e.Bus.Publish(progress.Event{
		JobID:     jobID,
		Hostname:  snap.Hostname,
		Status:    "success",
		Completed: completed,
		Total:     prog.total,
		Failed:    failed,
	})
}

// recordFailure implements the failure path (spec.md §4.H step 11).
func (e *Engine) recordFailure(ctx context.Context, jobID int64, prog *jobProgress, deviceID int64, message string) {
	if len(message) > errorMessageLimit {
		message = message[:errorMessageLimit]
	}

	result := db.BackupResult{
		JobID:      jobID,
		DeviceID:   deviceID,
		Status:     db.ResultFailed,
		BackedUpAt: time.Now().UTC(),
	}
	result.ErrorMessage.String, result.ErrorMessage.Valid = message, true

	if err := e.Store.InsertResult(ctx, result); err != nil {
		slog.Error("persisting failure result failed", "job_id", jobID, "device_id", deviceID, "error", err)
		return
	}
	if err := e.Store.IncrementJobCounters(ctx, jobID, true); err != nil {
		slog.Error("incrementing job counters failed", "job_id", jobID, "device_id", deviceID, "error", err)
	}
	metrics.RecordDeviceResult(string(db.ResultFailed))

	completed, failed := prog.recordFailure()
	e.Bus.Publish(progress.Event{
		JobID:     jobID,
		Status:    "failed",
		Message:   message,
		Completed: completed,
		Total:     prog.total,
		Failed:    failed,
	})
}
