// Command bifrost-worker is the worker process: a long-lived child
// the pool manager spawns over os/exec, one execution at a time,
// communicating over stdin/stdout via the newline-delimited JSON
// protocol in internal/workerproc. It never talks to the durable queue
// or the record store directly, only to the ephemeral store and the
// executable registry.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bifrostrun/execengine/internal/ephemeral"
	"github.com/bifrostrun/execengine/internal/targets"
	"github.com/bifrostrun/execengine/internal/workerproc"
)

func main() {
	log := slog.Default().With("component", "bifrost-worker", "pid", os.Getpid())

	processID := os.Getenv("BIFROST_PROCESS_ID")
	workerID := os.Getenv("BIFROST_WORKER_ID")
	store, err := buildEphemeralStore()
	if err != nil {
		log.Error("build ephemeral store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := targets.BuiltinRegistry()

	loop := workerproc.NewLoop(registry, store, workerID, os.Stdin, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info("worker process starting", "process_id", processID, "targets", registry.Count())
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker loop exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("worker process exiting")
}

func buildEphemeralStore() (ephemeral.Store, error) {
	switch backend := os.Getenv("BIFROST_EPHEMERAL_BACKEND"); backend {
	case "", "memory":
		// A memory store here is private to this process and can never
		// see contexts staged by the daemon; it only serves harnesses
		// that drive the loop in-process. The daemon itself refuses to
		// start on the memory backend for exactly this reason.
		return ephemeral.NewMemoryStore(), nil
	case "redis":
		addr := os.Getenv("BIFROST_EPHEMERAL_ADDR")
		if addr == "" {
			return nil, fmt.Errorf("BIFROST_EPHEMERAL_ADDR is required for the redis backend")
		}
		return ephemeral.NewRedisStore(addr), nil
	default:
		return nil, fmt.Errorf("unknown ephemeral backend %q", backend)
	}
}
