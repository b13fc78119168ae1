package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agncf/confbackup/internal/common"
	"github.com/agncf/confbackup/internal/crypto"
	"github.com/agncf/confbackup/internal/db"
	"github.com/agncf/confbackup/internal/engine"
	"github.com/agncf/confbackup/internal/gitea"
	"github.com/agncf/confbackup/internal/inventory"
	"github.com/agncf/confbackup/internal/metrics"
	"github.com/agncf/confbackup/internal/output"
	"github.com/agncf/confbackup/internal/progress"
	"github.com/agncf/confbackup/internal/scheduler"
)

func main() {
	common.InitLogging(common.Env("LOG_LEVEL", "INFO"), false)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "confbackupd",
	Short:         "Network device configuration backup orchestrator",
	Long:          `confbackupd backs up running configurations from Cisco, Arista, Dell, Palo Alto, and Fortinet devices into per-site Gitea repositories on a recurring schedule.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runNowCmd, schedulesCmd)
	schedulesCmd.AddCommand(schedulesListCmd)
}

// deployment bundles every wired component the composition root needs,
// matching the teacher's pattern of a single struct built once in preRun
// and threaded through each subcommand.
type deployment struct {
	cfg    *common.Config
	store  *db.Store
	engine *engine.Engine
	sched  *scheduler.Scheduler
	bus    *progress.Bus
}

// bootstrap loads config, connects and migrates the database, and wires
// every component (spec.md §4, §6). It does not start the scheduler or any
// HTTP listener — callers decide which of those to run.
func bootstrap(ctx context.Context) (*deployment, error) {
	cfg, err := common.Load()
	if err != nil {
		return nil, err
	}
	common.RegisterSecret(cfg.GiteaToken)
	common.RegisterSecret(cfg.NetPassGlobal)

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(store.DB()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	key, err := crypto.ParseKey(cfg.FernetKey)
	if err != nil {
		return nil, fmt.Errorf("parsing FERNET_KEY: %w", err)
	}

	resolver := inventory.NewResolver(key, cfg.NetUserGlobal, cfg.NetPassGlobal)
	snapshotter := inventory.NewSnapshotter(store, resolver)
	giteaClient := gitea.NewClient(cfg.GiteaURL, cfg.GiteaToken, cfg.GiteaOrg)
	bus := progress.NewBus()

	eng := engine.New(store, snapshotter, giteaClient, bus, cfg.CLIWorkers, cfg.APIConcurrency)
	sched := scheduler.New(store, eng)

	return &deployment{cfg: cfg, store: store, engine: eng, sched: sched, bus: bus}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, orphan-job reconciler, and metrics/health listener",
	Long: `serve is the long-running daemon mode.

Endpoints:
  :8080/healthz   Liveness probe (DB ping)
  :8080/metrics   Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dep, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer dep.store.Close()
		common.InitLogging(dep.cfg.LogLevel, true)

		output.Header("serve")

		reconciled, err := dep.store.ReconcileOrphanedJobs(ctx)
		if err != nil {
			return fmt.Errorf("reconciling orphaned jobs: %w", err)
		}
		if reconciled > 0 {
			output.Warn("reconciled %d orphaned job(s) from a prior run", reconciled)
		}

		schedules, err := dep.store.ListEnabledSchedules(ctx)
		if err != nil {
			return fmt.Errorf("loading schedules: %w", err)
		}
		dep.sched.Sync(ctx, schedules)
		dep.sched.Start()
		defer dep.sched.Stop()

		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := dep.store.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "database unreachable: %v", err)
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, "ok")
		})
		mux.Handle("/metrics", metrics.Handler())

		srv := &http.Server{Addr: dep.cfg.ListenAddr, Handler: mux}
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- srv.ListenAndServe()
		}()

		output.Success("listening on %s", dep.cfg.ListenAddr)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stop:
			output.Field("status", "shutting down")
			return srv.Shutdown(context.Background())
		case err := <-serveErr:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics/health listener failed: %w", err)
			}
			return nil
		}
	},
}

var runNowDevices string

var runNowCmd = &cobra.Command{
	Use:   "run-now",
	Short: "Create a BackupJob for an ad-hoc set of devices and run it synchronously",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dep, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer dep.store.Close()

		deviceIDs, err := parseDeviceIDs(runNowDevices)
		if err != nil {
			return err
		}
		if len(deviceIDs) == 0 {
			deviceIDs, err = dep.store.ListEnabledDeviceIDsForSite(ctx, sql.NullInt64{})
			if err != nil {
				return fmt.Errorf("listing enabled devices: %w", err)
			}
		}

		jobID, err := dep.store.CreateJob(ctx, "cli:run-now", len(deviceIDs))
		if err != nil {
			return fmt.Errorf("creating job: %w", err)
		}

		output.Header("run-now")
		output.Field("job_id", strconv.FormatInt(jobID, 10))
		output.Field("devices", strconv.Itoa(len(deviceIDs)))

		if err := dep.engine.Run(ctx, jobID, deviceIDs); err != nil {
			output.Fail("job %d finished with orchestration error: %v", jobID, err)
			return err
		}
		output.Complete(fmt.Sprintf("job %d complete", jobID))
		return nil
	},
}

func init() {
	runNowCmd.Flags().StringVar(&runNowDevices, "devices", "", "comma-separated device IDs; empty means every enabled device")
}

// parseDeviceIDs parses a comma-separated --devices flag into int64 IDs. An
// empty string yields a nil slice, which Snapshotter treats as "every
// enabled device" (spec.md §4.C).
func parseDeviceIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Inspect configured BackupSchedule rows",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured backup schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dep, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer dep.store.Close()

		schedules, err := dep.store.ListEnabledSchedules(ctx)
		if err != nil {
			return fmt.Errorf("loading schedules: %w", err)
		}

		output.Section("Backup Schedules")
		if len(schedules) == 0 {
			output.Bullet(0, "no enabled schedules")
			return nil
		}
		for _, s := range schedules {
			lastRun := "never"
			if s.LastRunAt.Valid {
				lastRun = s.LastRunAt.Time.Format("2006-01-02T15:04:05Z")
			}
			output.Bullet(0, "[%d] %s — %s at hour %d (last run: %s)", s.ID, s.Name, s.Frequency, s.Hour, lastRun)
		}
		return nil
	},
}
