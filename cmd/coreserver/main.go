// Command coreserver is the administrative entry point for the core
// runtime: it wires the KV store, the durable message bus, the
// scheduler, and the observer channel together and runs the dispatch
// loop until signalled to stop.
//
// Grounded on the teacher's cmd/appserver (config-then-wire-then-serve
// shape, signal-driven graceful shutdown with a bounded shutdown
// context) with the HTTP/gin surface dropped — this core exposes only
// a metrics/health listener, never a domain API — and a single cobra
// root command adopted in place of appserver's bare flag package,
// following cuemby-warren's root-command convention.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/gregd453/agentic-sdlc-sub009/internal/bus"
	"github.com/gregd453/agentic-sdlc-sub009/internal/kv"
	"github.com/gregd453/agentic-sdlc-sub009/internal/observer"
	"github.com/gregd453/agentic-sdlc-sub009/internal/scheduler"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/config"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/logging"
	"github.com/gregd453/agentic-sdlc-sub009/pkg/metrics"
)

// Exit codes per spec §6/§7: 0 normal shutdown, 2 configuration error,
// 3 fatal dependency failure on startup.
const (
	exitOK         = 0
	exitConfig     = 2
	exitDependency = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var metricsAddr string

	root := &cobra.Command{
		Use:   "coreserver",
		Short: "Run the orchestration core (message bus, KV store, scheduler, observer channel)",
	}
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address for the /metrics and /healthz endpoints")

	exitCode := exitOK
	root.RunE = func(cmd *cobra.Command, args []string) error {
		exitCode = serve(cmd.Context(), metricsAddr)
		return nil
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	return exitCode
}

func serve(ctx context.Context, metricsAddr string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return exitConfig
	}
	applyEnvOverrides(cfg)

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	entry := log.Entry("coreserver")

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		entry.WithError(err).Error("redis unreachable at startup")
		return exitDependency
	}

	kvStore := kv.New(client, cfg.Namespace.Name, kv.WithLogger(log))
	messageBus := bus.New(client, cfg.Namespace.Name, bus.Config{
		StreamMaxLen:    cfg.Bus.StreamMaxLen,
		MaxRedeliveries: cfg.Bus.MaxRedeliveries,
	}, bus.WithLogger(log))
	defer messageBus.Disconnect()

	obs := observer.New(time.Duration(cfg.Observer.SendTimeoutMS)*time.Millisecond, observer.WithLogger(log))
	defer obs.Shutdown()

	sched := scheduler.New(kvStore, messageBus, obs, scheduler.Config{
		TickInterval:   time.Duration(cfg.Scheduler.TickInterval) * time.Millisecond,
		CASMaxAttempts: cfg.Scheduler.CASMaxAttempts,
	}, scheduler.WithLogger(log))

	startCtx, cancelStart := context.WithTimeout(ctx, 10*time.Second)
	defer cancelStart()
	if err := sched.Start(startCtx); err != nil {
		entry.WithError(err).Error("scheduler failed to start")
		return exitDependency
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", healthzHandler(sched, kvStore))
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			entry.WithError(err).Warn("metrics server stopped")
		}
	}()
	entry.WithField("addr", metricsAddr).Info("metrics/health endpoints listening")
	entry.Info("core runtime started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	entry.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	_ = metricsServer.Shutdown(shutdownCtx)
	if err := sched.Stop(shutdownCtx); err != nil {
		entry.WithError(err).Error("scheduler shutdown error")
		return exitDependency
	}

	entry.Info("shutdown complete")
	return exitOK
}

// applyEnvOverrides layers the spec's literal env var names (REDIS_URL,
// NAMESPACE) on top of the richer REDIS_ADDR/CORE_NAMESPACE config keys
// pkg/config already decodes, so both naming conventions are honored.
func applyEnvOverrides(cfg *config.Config) {
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("NAMESPACE")); v != "" {
		cfg.Namespace.Name = v
	}
}

func healthzHandler(sched *scheduler.Scheduler, kvStore kv.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := sched.HealthCheck(r.Context(), kvStore)
		if !report.OK() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "kv=%v bus=%v scheduler=%v\n", report.KV.OK, report.Bus.OK, report.Scheduler.OK)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	}
}
