// Package cli builds the bifrostd command tree: run starts the
// dispatcher and pool manager against the configured backends, submit
// is an operator's shortcut for exercising the Submission API without
// a separate client, and status reports what a loaded config would
// wire up.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bifrostrun/execengine/internal/config"
	"github.com/bifrostrun/execengine/internal/dispatcher"
	"github.com/bifrostrun/execengine/internal/durablequeue"
	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/logsink"
	"github.com/bifrostrun/execengine/internal/metrics"
	"github.com/bifrostrun/execengine/internal/pool"
	"github.com/bifrostrun/execengine/internal/progress"
	"github.com/bifrostrun/execengine/internal/recordstore"
	"github.com/bifrostrun/execengine/internal/resultpath"
	"github.com/bifrostrun/execengine/internal/submission"
	"github.com/bifrostrun/execengine/internal/targets"
	"github.com/bifrostrun/execengine/pkg/types"
)

// BuildCLI assembles the bifrostd root command and its subcommands.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "bifrostd",
		Short: "Bifrost execution engine daemon",
	}
	root.PersistentFlags().StringP("config", "c", "configs/default.yaml", "path to the YAML config file")

	root.AddCommand(buildRunCommand())
	root.AddCommand(buildSubmitCommand())
	root.AddCommand(buildStatusCommand())
	return root
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dispatcher and process-pool manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
	return cmd
}

func buildSubmitCommand() *cobra.Command {
	var target, kind, paramsJSON string
	var sync bool
	var timeoutSeconds int

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one execution against the configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			return submitOne(cfg, target, kind, paramsJSON, sync, timeoutSeconds)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "target to resolve and run (required)")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(types.KindTool), "execution kind")
	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "{}", "JSON-encoded parameters")
	cmd.Flags().BoolVar(&sync, "sync", false, "wait for the terminal result before returning")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 30, "execution timeout in seconds")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the status a loaded config would produce",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			return showStatus(cfg)
		},
	}
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}

// components is everything bootstrap wires from a Config. Callers
// close the io.Closer fields in reverse order when shutting down.
type components struct {
	ephemeral ephemeral.Store
	queue     durablequeue.Queue
	records   recordstore.Store
	publisher *progress.Publisher
	metrics   *metrics.Collector
	results   *resultpath.Path
	api       *submission.API
	manager   *pool.Manager
	dispatch  *dispatcher.Dispatcher
}

func bootstrap(cfg *config.Config) (*components, error) {
	eph, err := buildEphemeralStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("build ephemeral store: %w", err)
	}

	queue, err := buildQueue(cfg)
	if err != nil {
		return nil, fmt.Errorf("build durable queue: %w", err)
	}

	records, err := buildRecordStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("build record store: %w", err)
	}

	var sink logsink.Sink
	if cfg.LogSink.Dir != "" {
		fileSink, err := logsink.NewFileSink(cfg.LogSink.Dir)
		if err != nil {
			return nil, fmt.Errorf("build log sink: %w", err)
		}
		sink = fileSink
	}

	var mc *metrics.Collector
	if cfg.Metrics.Enabled {
		mc = metrics.NewCollector()
	}

	publisher := progress.NewPublisher(eph)
	results := resultpath.New(records, sink, publisher, eph, mc, cfg.SyncWaitCeiling())
	registry := targets.BuiltinRegistry()

	manager := pool.New(pool.Config{
		BinaryPath:        cfg.Worker.BinaryPath,
		WorkerID:          fmt.Sprintf("pool-%d", os.Getpid()),
		Host:              hostname(),
		EphemeralBackend:  cfg.Ephemeral.Backend,
		EphemeralAddr:     cfg.Ephemeral.RedisAddr,
		MinWorkers:        cfg.Pool.MinWorkers,
		MaxWorkers:        cfg.Pool.MaxWorkers,
		DefaultTimeout:    cfg.ExecutionTimeout(),
		GracefulShutdown:  cfg.GracefulShutdown(),
		RecycleAfterExecs: cfg.Pool.RecycleAfterExecutions,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		RegistrationTTL:   cfg.RegistrationTTL(),
	}, eph, publisher, results, mc)

	disp := dispatcher.New(queue, eph, records, registry, manager, publisher, 2*time.Second)
	api := submission.NewAPI(eph, queue, registry, 0, cfg.SyncWaitCeiling(), mc)

	return &components{
		ephemeral: eph,
		queue:     queue,
		records:   records,
		publisher: publisher,
		metrics:   mc,
		results:   results,
		api:       api,
		manager:   manager,
		dispatch:  disp,
	}, nil
}

func buildEphemeralStore(cfg *config.Config) (ephemeral.Store, error) {
	switch cfg.Ephemeral.Backend {
	case "", "memory":
		return ephemeral.NewMemoryStore(), nil
	case "redis":
		if cfg.Ephemeral.RedisAddr == "" {
			return nil, fmt.Errorf("ephemeral.redis_addr is required for the redis backend")
		}
		return ephemeral.NewRedisStore(cfg.Ephemeral.RedisAddr), nil
	default:
		return nil, fmt.Errorf("unknown ephemeral backend %q", cfg.Ephemeral.Backend)
	}
}

func buildQueue(cfg *config.Config) (durablequeue.Queue, error) {
	switch cfg.DurableQueue.Backend {
	case "", "memory":
		return durablequeue.NewMemoryQueue(256, 30*time.Second), nil
	case "kafka":
		return durablequeue.NewKafkaQueue(cfg.DurableQueue.Brokers, cfg.DurableQueue.Topic, cfg.DurableQueue.GroupID)
	default:
		return nil, fmt.Errorf("unknown durable queue backend %q", cfg.DurableQueue.Backend)
	}
}

func buildRecordStore(cfg *config.Config) (recordstore.Store, error) {
	switch cfg.RecordStore.Backend {
	case "", "memory":
		return recordstore.NewMemoryStore(), nil
	case "postgres":
		if cfg.RecordStore.MigrationsDir != "" {
			if err := recordstore.Migrate(cfg.RecordStore.DSN, cfg.RecordStore.MigrationsDir); err != nil {
				return nil, err
			}
		}
		return recordstore.NewPostgresStore(cfg.RecordStore.DSN)
	default:
		return nil, fmt.Errorf("unknown record store backend %q", cfg.RecordStore.Backend)
	}
}

// runDaemon wires every collaborator, starts the pool and dispatcher,
// and blocks until SIGINT/SIGTERM, then drains with the configured
// graceful shutdown window.
func runDaemon(cfg *config.Config) error {
	log := slog.Default().With("component", "bifrostd")

	// The pool manager spawns real worker processes, and the worker
	// reads exec:{id}:context out of the ephemeral store from its own
	// address space. The memory backend is process-local, so a daemon
	// wired to it would stage contexts no worker can ever see; refuse
	// to start rather than fail every execution at runtime.
	if backend := cfg.Ephemeral.Backend; backend == "" || backend == "memory" {
		return fmt.Errorf("ephemeral backend %q is process-local and cannot be shared with spawned worker processes; set ephemeral.backend: redis", backend)
	}

	comps, err := bootstrap(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if comps.metrics != nil {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	if err := comps.manager.Start(ctx); err != nil {
		return fmt.Errorf("start pool manager: %w", err)
	}

	dispatchErr := make(chan error, 1)
	go func() { dispatchErr <- comps.dispatch.Run(ctx) }()

	log.Info("bifrostd started", "min_workers", cfg.Pool.MinWorkers, "max_workers", cfg.Pool.MaxWorkers)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-dispatchErr:
		if err != nil {
			log.Error("dispatcher exited", "error", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdown()+5*time.Second)
	defer cancel()
	if err := comps.manager.Stop(stopCtx); err != nil {
		log.Warn("pool manager shutdown", "error", err)
	}
	_ = comps.records.Close()
	_ = comps.queue.Close()
	_ = comps.ephemeral.Close()
	return nil
}

// submitOne bootstraps just enough of the stack to submit a single
// execution against live backends and optionally wait for its terminal
// result.
func submitOne(cfg *config.Config, target, kind, paramsJSON string, sync bool, timeoutSeconds int) error {
	eph, err := buildEphemeralStore(cfg)
	if err != nil {
		return err
	}
	defer eph.Close()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Errorf("parse --params as JSON: %w", err)
	}

	registry := targets.BuiltinRegistry()
	api := submission.NewAPI(eph, queue, registry, 0, cfg.SyncWaitCeiling(), nil)
	req := types.ExecutionRequest{
		Kind:           types.ExecutionKind(kind),
		Target:         target,
		Parameters:     params,
		TimeoutSeconds: timeoutSeconds,
		Sync:           sync,
	}

	ctx := context.Background()
	id, status, err := api.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("submitted %s (%s)\n", id, status)

	if !sync {
		return nil
	}

	rec, err := api.WaitForResult(ctx, id, time.Duration(timeoutSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("wait for result: %w", err)
	}
	body, _ := json.MarshalIndent(rec, "", "  ")
	fmt.Println(string(body))
	return nil
}

func showStatus(cfg *config.Config) error {
	registry := targets.BuiltinRegistry()
	fmt.Printf("ephemeral backend:    %s\n", fallback(cfg.Ephemeral.Backend, "memory"))
	fmt.Printf("durable queue backend: %s\n", fallback(cfg.DurableQueue.Backend, "memory"))
	fmt.Printf("record store backend:  %s\n", fallback(cfg.RecordStore.Backend, "memory"))
	fmt.Printf("pool workers:          %d-%d\n", cfg.Pool.MinWorkers, cfg.Pool.MaxWorkers)
	fmt.Printf("registered targets:    %d (%v)\n", registry.Count(), registry.RegisteredTargets())
	return nil
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
