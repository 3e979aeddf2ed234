package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"collabtext/hub"
	"collabtext/relay"
	"collabtext/session"
	"collabtext/store"
	"collabtext/workspace"
)

const ServerVersion = "0.1.0"

func main() {
	usage := `CollabText sync server.

The store is a DSN: postgres://..., bolt://path, memory://, or a SQLite
file path. DATABASE_URL, REDIS_ADDR and COLLABTEXT_ADDR override the
config file; flags override both.

Usage:
    collabtext-server [--config=<path>] [--addr=<addr>] [--store=<dsn>]
        [--redis=<addr>] [--v=<level>]
    collabtext-server -h | --help
    collabtext-server --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML config file.
    --addr=<addr>      Listen address, :8081 unless configured.
    --store=<dsn>      Update log store, collabtext.db unless configured.
    --redis=<addr>     Redis address for cross process fan-out.
    --v=<level>        Log verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ServerVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if v, _ := opts.String("--v"); v != "" {
		flag.Set("v", v)
	}
	defer glog.Flush()

	configPath, _ := opts.String("--config")
	cfg, err := loadConfig(configPath, os.Getenv)
	if err != nil {
		glog.Exitf("Could not load config: %v", err)
	}
	if v, _ := opts.String("--addr"); v != "" {
		cfg.Addr = v
	}
	if v, _ := opts.String("--store"); v != "" {
		cfg.Store = v
	}
	if v, _ := opts.String("--redis"); v != "" {
		cfg.RedisAddr = v
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		glog.Exitf("Server failed: %v", err)
	}
}

// run serves until ctx is done, then stops accepting connections and
// flushes every loaded workspace.
func run(ctx context.Context, cfg *Config) error {
	backend, kind, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()
	glog.Infof("Using %s store", kind)

	wcfg := workspace.DefaultConfig(store.WithRetry(backend, cfg.retryConfig()))
	wcfg.Policy = cfg.compactionPolicy()
	wcfg.IdleTimeout = cfg.IdleTimeout
	wcfg.EvictInterval = cfg.EvictInterval
	wcfg.CompactionWorkers = cfg.CompactionWorkers
	registry := workspace.NewRegistry(wcfg)
	glog.Infof("Compaction at %d records or %d bytes, idle eviction after %s", wcfg.Policy.MaxRecords, wcfg.Policy.MaxBytes, wcfg.IdleTimeout)

	scfg := session.DefaultConfig()
	scfg.LivenessTimeout = cfg.LivenessTimeout
	scfg.SendBuffer = cfg.SendBuffer
	h := hub.New()
	sv := session.NewServer(registry, h, scfg)

	if cfg.RedisAddr != "" {
		r, err := relay.Connect(ctx, cfg.RedisAddr, sv.ApplyRemote)
		if err != nil {
			return err
		}
		defer r.Close()
		sv.Relay = r
		sv.Watch = r.Watch
		h.OnEmpty = r.Unwatch
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: newRouter(sv, registry),
	}
	// websocket connections are hijacked, so Shutdown does not wait for them
	srv.RegisterOnShutdown(h.CloseAll)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		registry.Run(gctx)
		return nil
	})
	g.Go(func() error {
		glog.Infof("CollabText sync server starting on %s...", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		glog.Infof("Shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()
		srv.Shutdown(shutdownCtx)
		cancel()
		return registry.Close(shutdownCtx)
	})
	return g.Wait()
}
