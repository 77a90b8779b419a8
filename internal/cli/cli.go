// ============================================================================
// transcodeq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the orchestrator and its satellites.
//
// Command Structure:
//   transcodeq                     # Root command
//   ├── serve                      # Start the control plane
//   │   └── --config, -c           # Specify config file
//   ├── worker                     # Start a worker runtime
//   │   ├── --machine-id           # This machine's id (or MACHINE_ID env)
//   │   └── --exec                 # Transcode command to run per job
//   ├── reap                       # Run one janitor pass and exit
//   ├── enqueue                    # Submit a job to a running control plane
//   │   ├── --input-url            # Source video URL
//   │   └── --preset               # Transcode preset
//   ├── status                     # View queue and machine statistics
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// serve Command:
//   Starts the complete control plane:
//   1. Load configuration (environment + optional YAML)
//   2. Connect to the state store
//   3. Start the HTTP API and the metrics listener
//   4. Schedule the janitor (idle reaping + upload recovery) every minute
//   5. Subscribe to upload events when a NATS URL is configured
//   6. Listen for SIGINT/SIGTERM and shut down gracefully
//
// worker Command:
//   Runs the claim/transcode loop on a worker machine. Shutdown is a
//   drain: the in-flight job finishes before the process exits.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetcode/transcodeq/internal/admission"
	"github.com/fleetcode/transcodeq/internal/config"
	"github.com/fleetcode/transcodeq/internal/jobmanager"
	"github.com/fleetcode/transcodeq/internal/logging"
	"github.com/fleetcode/transcodeq/internal/machinepool"
	"github.com/fleetcode/transcodeq/internal/metrics"
	"github.com/fleetcode/transcodeq/internal/objectstore"
	"github.com/fleetcode/transcodeq/internal/provider"
	"github.com/fleetcode/transcodeq/internal/reaper"
	"github.com/fleetcode/transcodeq/internal/server"
	"github.com/fleetcode/transcodeq/internal/spawner"
	"github.com/fleetcode/transcodeq/internal/store"
	"github.com/fleetcode/transcodeq/internal/uploadevents"
	"github.com/fleetcode/transcodeq/internal/workerrt"
)

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "transcodeq",
		Short: "transcodeq: video transcode orchestration on ephemeral compute",
		Long: `transcodeq turns uploads into transcoded video using a pool of
ephemeral worker machines:
- Presigned direct-to-storage uploads
- A fair FIFO job queue with bounded retries
- Machine reuse before machine creation
- Idle reaping and stuck-upload recovery`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildReapCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// core bundles the components every subcommand wires the same way.
type core struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *store.Client
	metrics   *metrics.Collector
	jobs      *jobmanager.Manager
	pool      *machinepool.Pool
	admission *admission.Controller
	provider  provider.Client
	objects   *objectstore.Client
	spawner   *spawner.Spawner
}

func buildCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("connect state store: %w", err)
	}

	var pv provider.Client
	if !cfg.DevMode() {
		pv = provider.NewAPIClient(cfg.Provider.BaseURL, cfg.Provider.AppName, cfg.Provider.APIToken)
	} else {
		log.Info("dev mode: no compute provider, machines are not managed")
	}

	var objects *objectstore.Client
	if cfg.ObjectStore.AccountID != "" {
		objects, err = objectstore.New(cfg.ObjectStore)
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
	}

	m := metrics.NewCollector()
	orc := cfg.Orchestrator
	pool := machinepool.New(st, pv, log)
	adm := admission.New(st, orc.MaxMachines, orc.RateLimitWindow, log)
	jobs := jobmanager.New(st, orc.JobStatusTTL, orc.MaxJobRetries, log, m)
	sp := spawner.New(cfg, pool, adm, pv, m, log)

	return &core{
		cfg:       cfg,
		log:       log,
		store:     st,
		metrics:   m,
		jobs:      jobs,
		pool:      pool,
		admission: adm,
		provider:  pv,
		objects:   objects,
		spawner:   sp,
	}, nil
}

func (c *core) close() {
	if err := c.store.Close(); err != nil {
		c.log.Warn("store close failed", zap.Error(err))
	}
	_ = c.log.Sync()
}

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the transcodeq control plane",
		Long:  "Start the HTTP API, the upload-event consumer, and the janitor schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.close()
	log := c.log

	// Presigner and blob checks are optional wiring; the endpoints degrade
	// without them.
	var presigner server.Presigner
	var reapObjects reaper.ObjectStore
	var eventObjects uploadevents.ObjectStore
	if c.objects != nil {
		presigner = c.objects
		reapObjects = c.objects
		eventObjects = c.objects
	}

	rp := reaper.New(c.cfg, c.store, c.pool, c.jobs, reapObjects, c.spawner, c.metrics, log)
	srv := server.New(c.cfg, c.store, c.jobs, c.pool, c.admission, presigner, c.spawner, c.metrics, log)

	// Janitor schedule: one pass a minute, plus a provider reconciliation
	// every five.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", func() {
		if err := rp.Run(ctx); err != nil {
			log.Warn("janitor pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	if !c.cfg.DevMode() {
		if _, err := sched.AddFunc("@every 5m", func() {
			if err := c.pool.Sync(ctx); err != nil {
				log.Warn("pool reconciliation failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule reconciliation: %w", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	// Upload events, when a feed is configured.
	var consumer *uploadevents.Consumer
	if c.cfg.Events.NATSURL != "" {
		handler := uploadevents.New(c.cfg, c.store, c.jobs, eventObjects, c.spawner, c.metrics, log)
		consumer = uploadevents.NewConsumer(c.cfg.Events, handler, log)
		if err := consumer.Start(ctx); err != nil {
			log.Warn("upload event consumer unavailable", zap.Error(err))
			consumer = nil
		} else {
			defer consumer.Stop()
		}
	}

	httpSrv := &http.Server{
		Addr:    c.cfg.Server.Addr,
		Handler: srv.Router(),
	}
	go func() {
		log.Info("control plane listening", zap.String("addr", c.cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			cancel()
		}
	}()

	metricsSrv := &http.Server{
		Addr:    c.cfg.Server.MetricsAddr,
		Handler: c.metrics.Handler(),
	}
	go func() {
		log.Info("metrics listening", zap.String("addr", c.cfg.Server.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics shutdown failed", zap.Error(err))
	}
	log.Info("control plane stopped")
	return nil
}

func buildWorkerCommand() *cobra.Command {
	var machineID string
	var execCommand string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the worker runtime on this machine",
		Long:  "Claim jobs from the queue and run the transcode command for each",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(machineID, execCommand)
		},
	}

	cmd.Flags().StringVar(&machineID, "machine-id", os.Getenv("MACHINE_ID"), "this machine's id")
	cmd.Flags().StringVar(&execCommand, "exec", "transcode.sh", "transcode command invoked per job")
	return cmd
}

func runWorker(machineID, execCommand string) error {
	if machineID == "" {
		return fmt.Errorf("machine id is required (use --machine-id or MACHINE_ID)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	parts := strings.Fields(execCommand)
	if len(parts) == 0 {
		return fmt.Errorf("transcode command is required (use --exec)")
	}
	runner := workerrt.NewExecRunner(parts[0], parts[1:], c.log)
	w := workerrt.New(machineID, c.cfg.Orchestrator.PollInterval, c.cfg.WebhookBase,
		c.pool, c.jobs, runner, c.log)

	// Cancel the loop on signal; the worker drains its in-flight job first.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		c.log.Info("shutdown signal received, draining")
		cancel()
	}()

	return w.Run(ctx)
}

func buildReapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one janitor pass and exit",
		Long:  "Stop idle machines past the timeout and recover stuck uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReap()
		},
	}
}

func runReap() error {
	ctx := context.Background()
	c, err := buildCore(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	var objects reaper.ObjectStore
	if c.objects != nil {
		objects = c.objects
	}
	rp := reaper.New(c.cfg, c.store, c.pool, c.jobs, objects, c.spawner, c.metrics, c.log)
	return rp.Run(ctx)
}

func buildEnqueueCommand() *cobra.Command {
	var serverAddr string
	var inputURL string
	var preset string
	var qualities []string
	var webhookURL string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a transcode job to a running control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueJob(serverAddr, inputURL, preset, qualities, webhookURL)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8080", "control plane base URL")
	cmd.Flags().StringVar(&inputURL, "input-url", "", "source video URL")
	cmd.Flags().StringVar(&preset, "preset", "default", "transcode preset")
	cmd.Flags().StringSliceVar(&qualities, "quality", nil, "output qualities (repeatable)")
	cmd.Flags().StringVar(&webhookURL, "webhook", "", "completion webhook URL")
	cmd.MarkFlagRequired("input-url")
	return cmd
}

func enqueueJob(serverAddr, inputURL, preset string, qualities []string, webhookURL string) error {
	payload := map[string]any{
		"inputUrl": inputURL,
		"preset":   preset,
	}
	if len(qualities) > 0 {
		payload["outputQualities"] = qualities
	}
	if webhookURL != "" {
		payload["webhookUrl"] = webhookURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := http.Post(serverAddr+"/jobs", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server rejected job: %s", result["error"])
	}

	fmt.Printf("Job submitted: %s (status: %s)\n", result["jobId"], result["status"])
	return nil
}

func buildStatusCommand() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and machine statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(serverAddr)
		},
	}

	cmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8080", "control plane base URL")
	return cmd
}

func showStatus(serverAddr string) error {
	resp, err := http.Get(serverAddr + "/stats")
	if err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stats request failed with %d", resp.StatusCode)
	}

	var stats struct {
		Machines struct {
			ActiveMachines int64 `json:"activeMachines"`
			MaxMachines    int   `json:"maxMachines"`
		} `json:"machines"`
		PendingJobs  int64    `json:"pendingJobs"`
		ActiveJobs   int      `json:"activeJobs"`
		ActiveJobIDs []string `json:"activeJobIds"`
		PoolSize     int      `json:"poolSize"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("parse stats: %w", err)
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                 transcodeq System Status                  ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("Machines:")
	fmt.Printf("  ├─ Pool Size:        %d\n", stats.PoolSize)
	fmt.Printf("  ├─ Active Counter:   %d\n", stats.Machines.ActiveMachines)
	fmt.Printf("  └─ Maximum:          %d\n", stats.Machines.MaxMachines)
	fmt.Println()

	fmt.Println("Jobs:")
	fmt.Printf("  ├─ Pending:          %d\n", stats.PendingJobs)
	fmt.Printf("  └─ Running:          %d\n", stats.ActiveJobs)
	for _, id := range stats.ActiveJobIDs {
		fmt.Printf("       └─ %s\n", id)
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}
