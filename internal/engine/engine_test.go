package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/agncf/confbackup/internal/db"
	"github.com/agncf/confbackup/internal/inventory"
	"github.com/agncf/confbackup/internal/progress"
	apitransport "github.com/agncf/confbackup/internal/transport/api"
	clitransport "github.com/agncf/confbackup/internal/transport/cli"
)

// fakeStore is an in-memory jobStore for engine tests (spec.md §8 S4).
type fakeStore struct {
	mu      sync.Mutex
	job     *db.BackupJob
	results []db.BackupResult
}

func newFakeStore(total int) *fakeStore {
	return &fakeStore{job: &db.BackupJob{ID: 1, TotalDevices: total, Status: db.JobRunning}}
}

func (f *fakeStore) GetJob(ctx context.Context, jobID int64) (*db.BackupJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job == nil || f.job.ID != jobID {
		return nil, nil
	}
	cp := *f.job
	return &cp, nil
}

func (f *fakeStore) MarkJobStarted(ctx context.Context, jobID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.Status = db.JobRunning
	return nil
}

func (f *fakeStore) MarkJobTerminal(ctx context.Context, jobID int64, status db.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.Status = status
	return nil
}

func (f *fakeStore) IncrementJobCounters(ctx context.Context, jobID int64, failed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.CompletedDevices++
	if failed {
		f.job.FailedDevices++
	}
	return nil
}

func (f *fakeStore) InsertResult(ctx context.Context, r db.BackupResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
	return nil
}

// fakeSnapshotter returns a fixed set of snapshots.
type fakeSnapshotter struct {
	snaps []inventory.DeviceSnapshot
}

func (f *fakeSnapshotter) Snapshot(ctx context.Context, deviceIDs []int64) ([]inventory.DeviceSnapshot, error) {
	return f.snaps, nil
}

// fakeGitea succeeds for every hostname except failOn, returning a fixed SHA
// per call count.
type fakeGitea struct {
	mu      sync.Mutex
	commits int
	failOn  string // hostname that should fail commit_config
}

func (f *fakeGitea) EnsureRepo(ctx context.Context, siteCode, repoName string) (string, error) {
	return "agncf/" + repoName, nil
}

func (f *fakeGitea) CommitConfig(ctx context.Context, repo, hostname, text, message string) (string, error) {
	if hostname == f.failOn {
		return "", fmt.Errorf("simulated commit failure for %s", hostname)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return fmt.Sprintf("sha-%d", f.commits), nil
}

// fakeCLI returns canned results keyed by hostname.
type fakeCLI struct {
	fail map[string]error
	text map[string]string
}

func (f *fakeCLI) Backup(snap inventory.DeviceSnapshot) (clitransport.Result, error) {
	if err, ok := f.fail[snap.Hostname]; ok {
		return clitransport.Result{}, err
	}
	return clitransport.Result{Hostname: snap.Hostname, DeviceID: snap.DeviceID, ConfigText: f.text[snap.Hostname]}, nil
}

// fakeAPI returns canned results keyed by hostname.
type fakeAPI struct {
	fail map[string]error
	text map[string]string
}

func (f *fakeAPI) Backup(ctx context.Context, snap inventory.DeviceSnapshot) (apitransport.Result, error) {
	if err, ok := f.fail[snap.Hostname]; ok {
		return apitransport.Result{}, err
	}
	return apitransport.Result{Hostname: snap.Hostname, DeviceID: snap.DeviceID, ConfigText: f.text[snap.Hostname]}, nil
}

func cliSnap(id int64, hostname string) inventory.DeviceSnapshot {
	return inventory.DeviceSnapshot{
		DeviceID: id, Hostname: hostname, Platform: db.PlatformIOS,
		HasCredentials: true, Username: "u", Password: "p",
		SiteCode: "site-a", GiteaRepoName: "site-a",
	}
}

// TestRunTerminalCounters implements spec.md §8 S4: 3 devices, 2 succeed and
// 1 fails; total_devices=3, completed_devices=3, failed_devices=1,
// status=complete.
func TestRunTerminalCounters(t *testing.T) {
	snaps := []inventory.DeviceSnapshot{
		cliSnap(1, "r1"),
		cliSnap(2, "r2"),
		cliSnap(3, "r3"),
	}
	store := newFakeStore(3)
	e := &Engine{
		Store:       store,
		Snapshotter: &fakeSnapshotter{snaps: snaps},
		Gitea:       &fakeGitea{},
		Bus:         progress.NewBus(),
		CLIWorker: &fakeCLI{
			fail: map[string]error{"r3": fmt.Errorf("connect timeout")},
			text: map[string]string{"r1": "hostname r1\n", "r2": "hostname r2\n"},
		},
		APIWorker:      &fakeAPI{},
		CLIWorkers:     2,
		APIConcurrency: 2,
	}

	if err := e.Run(context.Background(), 1, []int64{1, 2, 3}); err != nil {
		t.Fatalf("Run returned orchestration error: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.job.Status != db.JobComplete {
		t.Fatalf("expected status complete, got %s", store.job.Status)
	}
	if store.job.CompletedDevices != 3 {
		t.Fatalf("expected completed_devices=3, got %d", store.job.CompletedDevices)
	}
	if store.job.FailedDevices != 1 {
		t.Fatalf("expected failed_devices=1, got %d", store.job.FailedDevices)
	}
	if len(store.results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(store.results))
	}
}

// TestRunCredentialMissRecordsFailureWithoutTransport implements spec.md
// §4.H step 5: a device with no resolved credentials is recorded failed
// without any transport call.
func TestRunCredentialMissRecordsFailureWithoutTransport(t *testing.T) {
	snap := cliSnap(1, "r1")
	snap.HasCredentials = false
	snap.CredentialError = "no credentials available"

	store := newFakeStore(1)
	cli := &fakeCLI{fail: map[string]error{}, text: map[string]string{}}
	e := &Engine{
		Store:          store,
		Snapshotter:    &fakeSnapshotter{snaps: []inventory.DeviceSnapshot{snap}},
		Gitea:          &fakeGitea{},
		Bus:            progress.NewBus(),
		CLIWorker:      cli,
		APIWorker:      &fakeAPI{},
		CLIWorkers:     1,
		APIConcurrency: 1,
	}

	if err := e.Run(context.Background(), 1, []int64{1}); err != nil {
		t.Fatalf("Run returned orchestration error: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.results) != 1 || store.results[0].Status != db.ResultFailed {
		t.Fatalf("expected one failed result, got %+v", store.results)
	}
}

// TestRunCommitFailureRecordsFailure verifies the commit path's failure
// branch (spec.md §4.H step 10) marks the device failed rather than success.
func TestRunCommitFailureRecordsFailure(t *testing.T) {
	snaps := []inventory.DeviceSnapshot{cliSnap(1, "r1")}
	store := newFakeStore(1)
	e := &Engine{
		Store:          store,
		Snapshotter:    &fakeSnapshotter{snaps: snaps},
		Gitea:          &fakeGitea{failOn: "r1"},
		Bus:            progress.NewBus(),
		CLIWorker:      &fakeCLI{text: map[string]string{"r1": "hostname r1\n"}},
		APIWorker:      &fakeAPI{},
		CLIWorkers:     1,
		APIConcurrency: 1,
	}

	if err := e.Run(context.Background(), 1, []int64{1}); err != nil {
		t.Fatalf("Run returned orchestration error: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.results[0].Status != db.ResultFailed {
		t.Fatalf("expected failed result after commit error, got %+v", store.results[0])
	}
}

// TestRunFinalBusEventCompletedEqualsTotal implements spec.md §8 S7: a
// subscriber observes exactly one terminal event whose status is complete or
// failed and whose completed count equals total.
func TestRunFinalBusEventCompletedEqualsTotal(t *testing.T) {
	snaps := []inventory.DeviceSnapshot{
		cliSnap(1, "r1"),
		cliSnap(2, "r2"),
		cliSnap(3, "r3"),
	}
	store := newFakeStore(3)
	bus := progress.NewBus()
	e := &Engine{
		Store:       store,
		Snapshotter: &fakeSnapshotter{snaps: snaps},
		Gitea:       &fakeGitea{},
		Bus:         bus,
		CLIWorker: &fakeCLI{
			fail: map[string]error{"r3": fmt.Errorf("connect timeout")},
			text: map[string]string{"r1": "hostname r1\n", "r2": "hostname r2\n"},
		},
		APIWorker:      &fakeAPI{},
		CLIWorkers:     2,
		APIConcurrency: 2,
	}

	events, cancel := bus.Subscribe(1)
	defer cancel()

	if err := e.Run(context.Background(), 1, []int64{1, 2, 3}); err != nil {
		t.Fatalf("Run returned orchestration error: %v", err)
	}

	var final progress.Event
	found := false
	for ev := range events {
		if ev.Final {
			final = ev
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a final event on the bus")
	}
	if final.Status != string(db.JobComplete) && final.Status != string(db.JobFailed) {
		t.Fatalf("expected final status complete or failed, got %q", final.Status)
	}
	if final.Completed != final.Total {
		t.Fatalf("expected completed == total on final event, got completed=%d total=%d", final.Completed, final.Total)
	}
	if final.Total != 3 {
		t.Fatalf("expected total=3, got %d", final.Total)
	}
	if final.Failed != 1 {
		t.Fatalf("expected failed=1, got %d", final.Failed)
	}
}

// TestRunMixedCLIAndAPIBatches exercises both transports in one run and
// checks the API device also lands a success result (spec.md §4.H steps
// 7-8 run concurrently).
func TestRunMixedCLIAndAPIBatches(t *testing.T) {
	cliSnapshot := cliSnap(1, "r1")
	apiSnapshot := inventory.DeviceSnapshot{
		DeviceID: 2, Hostname: "fw1", Platform: db.PlatformPANOS, IsAPIDevice: true,
		HasCredentials: true, Username: "u", Password: "p",
		SiteCode: "site-a", GiteaRepoName: "site-a",
	}

	store := newFakeStore(2)
	e := &Engine{
		Store:          store,
		Snapshotter:    &fakeSnapshotter{snaps: []inventory.DeviceSnapshot{cliSnapshot, apiSnapshot}},
		Gitea:          &fakeGitea{},
		Bus:            progress.NewBus(),
		CLIWorker:      &fakeCLI{text: map[string]string{"r1": "hostname r1\n"}},
		APIWorker:      &fakeAPI{text: map[string]string{"fw1": "set deviceconfig\n"}},
		CLIWorkers:     2,
		APIConcurrency: 2,
	}

	if err := e.Run(context.Background(), 1, []int64{1, 2}); err != nil {
		t.Fatalf("Run returned orchestration error: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(store.results))
	}
	for _, r := range store.results {
		if r.Status != db.ResultSuccess {
			t.Fatalf("expected both devices to succeed, got %+v", r)
		}
	}
}
