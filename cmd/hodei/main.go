package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hodei-pipelines/hodei/pkg/api"
	"github.com/hodei-pipelines/hodei/pkg/artifact"
	"github.com/hodei-pipelines/hodei/pkg/config"
	"github.com/hodei-pipelines/hodei/pkg/coordinator"
	"github.com/hodei-pipelines/hodei/pkg/events"
	"github.com/hodei-pipelines/hodei/pkg/instance"
	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/queue"
	"github.com/hodei-pipelines/hodei/pkg/scheduler"
	"github.com/hodei-pipelines/hodei/pkg/storage"
	"github.com/hodei-pipelines/hodei/pkg/types"
	"github.com/hodei-pipelines/hodei/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes surfaced to operators and scripts.
const (
	exitOK           = 0
	exitGeneric      = 1
	exitInvalidInput = 2
	exitValidation   = 3
	exitProvisioning = 4
	exitAuth         = 5
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		ve *types.ValidationError
		pe *types.ProvisioningError
	)
	switch {
	case errors.As(err, &ve):
		return exitValidation
	case errors.As(err, &pe):
		return exitProvisioning
	case errors.Is(err, errInvalidInput):
		return exitInvalidInput
	}
	return exitGeneric
}

var errInvalidInput = errors.New("invalid input")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "hodei",
	Short: "Hodei - distributed job orchestration server",
	Long: `Hodei is a server-side orchestration engine for distributed job
execution: a priority job queue, pluggable placement over resource pools,
on-demand worker provisioning and a bidirectional worker protocol,
delivered as a single binary.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hodei version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Hodei version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestration server",
	Long: `Run the Hodei server: admin API, worker websocket endpoint, job
queue, scheduler and coordinator. Configuration comes from a YAML file with
flag overrides.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML configuration file")
	serverCmd.Flags().String("api-addr", "", "Admin API listen address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	serverCmd.Flags().String("containerd-socket", "", "Containerd socket path for docker pools")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidInput, err)
	}
	if v, _ := cmd.Flags().GetString("api-addr"); v != "" {
		cfg.Server.APIAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Server.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Server.LogLevel = v
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Server.LogLevel),
		JSONOutput: cfg.Server.LogJSON,
	})
	logger := log.WithComponent("server")
	metrics.SetVersion(Version)

	store, err := storage.NewBoltStore(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	if err := bootstrapPools(store, cfg.Pools); err != nil {
		return err
	}

	q := queue.New(cfg.Queue.MaxSize, queue.Strategy(cfg.Queue.Strategy))
	sched := scheduler.NewScheduler(store, cfg.Scheduler.Strategy)

	localDriver := instance.NewLocalDriver(cfg.Server.WorkerEndpoint)
	drivers := map[string]instance.Manager{"local": localDriver}
	sched.RegisterMonitor("local", instance.NewCapacityMonitor(localDriver, 0, 0, 0, 0))

	socket, _ := cmd.Flags().GetString("containerd-socket")
	if cd, err := instance.NewContainerdDriver(socket, cfg.Server.WorkerEndpoint); err == nil {
		defer cd.Close()
		drivers["docker"] = cd
		sched.RegisterMonitor("docker", instance.NewCapacityMonitor(cd, 0, 0, 0, 0))
		logger.Info().Msg("Containerd driver enabled for docker pools")
	} else {
		logger.Warn().Err(err).Msg("Containerd unavailable, docker pools disabled")
	}

	router := instance.NewRouter(drivers, func(poolID types.PoolID) (string, error) {
		pool, err := store.GetPool(poolID)
		if err != nil {
			return "", err
		}
		return pool.Type, nil
	})

	factory := worker.NewFactory(router, cfg.Workers, cfg.Server.WorkerEndpoint)
	broker := events.NewBroker()

	cache, err := artifact.NewCache(filepath.Join(cfg.Server.DataDir, "artifacts"))
	if err != nil {
		return fmt.Errorf("failed to open artifact cache: %w", err)
	}

	coord := coordinator.New(store, q, sched, factory, broker, cache,
		cfg.Session, cfg.Coordinator, cfg.Scheduler.Strategy)

	// Crash recovery: persisted queue entries survive a restart.
	if entries, err := store.ListQueuedJobs(); err == nil {
		for _, entry := range entries {
			if _, err := q.Enqueue(entry); err != nil {
				logger.Warn().Err(err).Str("job_id", string(entry.Job.ID)).Msg("Failed to restore queue entry")
			}
		}
		if len(entries) > 0 {
			logger.Info().Int("entries", len(entries)).Msg("Queue restored from disk")
		}
	}

	coord.Start()
	defer coord.Stop()

	apiServer := api.NewServer(coord, store)
	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(cfg.Server.APIAddr)
	}()

	logger.Info().
		Str("api_addr", cfg.Server.APIAddr).
		Str("data_dir", cfg.Server.DataDir).
		Msg("Hodei server running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	return nil
}

// bootstrapPools creates configured pools that do not exist yet.
func bootstrapPools(store storage.Store, pools []config.PoolBootstrap) error {
	for _, pb := range pools {
		if pb.Name == "" || pb.Type == "" {
			return &types.ValidationError{Field: "pools", Reason: "name and type are required"}
		}
		if _, err := store.GetPoolByName(pb.Name); err == nil {
			continue
		}
		now := time.Now()
		pool := &types.ResourcePool{
			ID:         types.PoolID(uuid.New().String()),
			Name:       pb.Name,
			Type:       pb.Type,
			Status:     types.PoolStatusActive,
			MaxWorkers: pb.MaxWorkers,
			MaxJobs:    pb.MaxJobs,
			Labels:     pb.Labels,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := store.SavePool(pool); err != nil {
			return fmt.Errorf("failed to bootstrap pool %s: %w", pb.Name, err)
		}
		log.WithPoolID(string(pool.ID)).Info().Str("name", pool.Name).Str("type", pool.Type).Msg("Pool bootstrapped")
	}
	return nil
}
