package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/service"
	"github.com/yndnr/statemesh-go/internal/infra/buildinfo"
	"github.com/yndnr/statemesh-go/internal/infra/confloader"
	"github.com/yndnr/statemesh-go/internal/infra/shutdown"
	"github.com/yndnr/statemesh-go/internal/server/clusterserver"
	"github.com/yndnr/statemesh-go/internal/server/config"
	"github.com/yndnr/statemesh-go/internal/server/httpserver"
	"github.com/yndnr/statemesh-go/internal/server/httpserver/handler"
	"github.com/yndnr/statemesh-go/internal/server/localserver"
	"github.com/yndnr/statemesh-go/internal/server/redisserver"
	"github.com/yndnr/statemesh-go/internal/storage/checkpoint"
	"github.com/yndnr/statemesh-go/internal/telemetry/logger"
	"github.com/yndnr/statemesh-go/internal/telemetry/metric"
)

// shutdownTimeout bounds all shutdown hooks together.
const shutdownTimeout = 30 * time.Second

// ServeCommand runs a replica until SIGINT or SIGTERM.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run a replica",
		Flags: serveFlags(),
		Action: func(c *cli.Context) error {
			cfg, loader, err := loadConfig(c, serveOverrides(c))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return Serve(c.Context, cfg, loader)
		},
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "node-id", Usage: "Node identifier (node.id)"},
		&cli.StringFlag{Name: "log-level", Usage: "Log level: debug, info, warn, error (log.level)"},
		&cli.StringFlag{Name: "http-addr", Usage: "Admin HTTP listen address, empty disables (http.addr)"},
		&cli.StringFlag{Name: "socket", Usage: "Local admin Unix socket, empty disables (http.socket)"},
		&cli.BoolFlag{Name: "redis", Usage: "Serve the RESP endpoint (redis.enabled)"},
		&cli.StringFlag{Name: "redis-addr", Usage: "RESP listen address (redis.addr)"},
		&cli.StringFlag{Name: "checkpoint-dir", Usage: "Checkpoint directory, empty disables (storage.checkpoint_dir)"},
		&cli.BoolFlag{Name: "cluster", Usage: "Run in cluster mode (cluster.enabled)"},
		&cli.BoolFlag{Name: "bootstrap", Usage: "Bootstrap a new cluster (cluster.bootstrap)"},
		&cli.StringFlag{Name: "raft-addr", Usage: "Raft bind address (cluster.raft_addr)"},
		&cli.StringFlag{Name: "rpc-addr", Usage: "Cluster RPC address (cluster.rpc_addr)"},
		&cli.StringFlag{Name: "gossip-addr", Usage: "Gossip bind address (cluster.gossip_addr)"},
		&cli.StringSliceFlag{Name: "seed", Usage: "Gossip seed address, repeatable (cluster.seeds)"},
		&cli.StringSliceFlag{Name: "join", Usage: "RPC address to join through, repeatable (cluster.join)"},
		&cli.StringFlag{Name: "data-dir", Usage: "Raft data directory (cluster.data_dir)"},
	}
}

// serveOverrides maps the serve flags the user set to config keys.
func serveOverrides(c *cli.Context) map[string]any {
	out := map[string]any{}
	strs := map[string]string{
		"node-id":        "node.id",
		"log-level":      "log.level",
		"http-addr":      "http.addr",
		"redis-addr":     "redis.addr",
		"socket":         "http.socket",
		"checkpoint-dir": "storage.checkpoint_dir",
		"raft-addr":      "cluster.raft_addr",
		"rpc-addr":       "cluster.rpc_addr",
		"gossip-addr":    "cluster.gossip_addr",
		"data-dir":       "cluster.data_dir",
	}
	for flag, key := range strs {
		if c.IsSet(flag) {
			out[key] = c.String(flag)
		}
	}
	if c.IsSet("cluster") {
		out["cluster.enabled"] = c.Bool("cluster")
	}
	if c.IsSet("redis") {
		out["redis.enabled"] = c.Bool("redis")
	}
	if c.IsSet("bootstrap") {
		out["cluster.bootstrap"] = c.Bool("bootstrap")
	}
	if c.IsSet("seed") {
		out["cluster.seeds"] = c.StringSlice("seed")
	}
	if c.IsSet("join") {
		out["cluster.join"] = c.StringSlice("join")
	}
	return out
}

// Serve runs one replica with cfg until ctx ends or a shutdown signal
// arrives. loader, when non-nil, is reloaded on config file changes to
// adjust the log level.
func Serve(ctx context.Context, cfg *config.ServerConfig, loader *confloader.Loader) error {
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	nodeID := config.NodeID(cfg)
	ctx = logger.WithNodeID(logger.WithLogger(ctx, log), nodeID)
	log = logger.L(ctx)

	log.Info("starting statemesh-server",
		"version", buildinfo.Version,
		"commit", buildinfo.Get().Commit,
		"cluster", cfg.Cluster.Enabled)
	log.Debug("effective configuration", "config", config.Flatten(config.Sanitize(cfg)))

	codec, err := config.Codec(&cfg.Security)
	if err != nil {
		return fmt.Errorf("init codec: %w", err)
	}
	metrics := metric.NewRegistry()
	h := shutdown.NewHandler(shutdownTimeout, log)

	var checkpoints *checkpoint.Store
	if cfg.Storage.CheckpointDir != "" {
		ccfg := checkpoint.DefaultConfig(cfg.Storage.CheckpointDir)
		ccfg.Keep = cfg.Storage.CheckpointKeep
		checkpoints, err = checkpoint.Open(ccfg, codec, log, metrics)
		if err != nil {
			return fmt.Errorf("open checkpoints: %w", err)
		}
		h.OnShutdown("checkpoints", func(context.Context) error {
			return checkpoints.Close()
		})
	}

	rcfg := service.Config{
		Logger:        log,
		Metrics:       metrics,
		Codec:         codec,
		HistoryLimit:  cfg.Pipeline.HistoryLimit,
		MaxPerTick:    cfg.Pipeline.MaxPerTick,
		CommitTimeout: cfg.Pipeline.CommitTimeout,
	}
	if checkpoints != nil {
		rcfg.Checkpoints = checkpoints
	}

	var cluster *clusterserver.Server
	if cfg.Cluster.Enabled {
		ccfg, err := config.ToClusterConfig(cfg, nodeID, codec, log, metrics)
		if err != nil {
			return abort(h, err)
		}
		srv, err := clusterserver.NewServer(ccfg)
		if err != nil {
			return abort(h, fmt.Errorf("init cluster: %w", err))
		}
		h.OnShutdown("cluster", srv.Stop)
		if err := srv.Start(ctx); err != nil {
			return abort(h, fmt.Errorf("start cluster: %w", err))
		}
		rcfg.Transport = srv.Transport()
		cluster = srv
	}

	replica := service.NewReplica(rcfg)

	// The Raft log is authoritative in cluster mode; checkpoints only warm
	// a standalone replica.
	if !replica.Clustered() {
		restored, err := replica.Restore(ctx)
		if err != nil {
			return abort(h, err)
		}
		if restored {
			log.Info("restored from checkpoint")
		}
	}

	waitCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		err := replica.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("replica stopped", "error", err)
			stop(err)
		}
		runDone <- err
	}()

	saver := &checkpointSaver{replica: replica, logger: log}
	if checkpoints != nil && cfg.Storage.CheckpointInterval > 0 {
		go saver.loop(runCtx, cfg.Storage.CheckpointInterval)
	}

	h.OnShutdown("replica", func(ctx context.Context) error {
		cancelRun()
		select {
		case <-runDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		var errs []error
		if checkpoints != nil {
			errs = append(errs, saver.save(ctx))
		}
		errs = append(errs, replica.Close())
		return errors.Join(errs...)
	})

	admin := handler.Config{NodeID: nodeID, State: replica}
	if cluster != nil {
		admin.Cluster = cluster
	}
	if cfg.HTTP.Addr != "" {
		routes := httpserver.RouterConfig{
			Handler:   admin,
			Metrics:   metrics.Handler(),
			Logger:    log,
			AllowList: cfg.HTTP.AllowList,
			RateLimit: cfg.HTTP.RateLimit,
			RateBurst: cfg.HTTP.RateBurst,
		}
		srv := httpserver.New(cfg.HTTP.Addr, httpserver.NewRouter(routes), log)
		if err := srv.Start(); err != nil {
			return abort(h, fmt.Errorf("start admin http: %w", err))
		}
		h.OnShutdown("http", srv.Shutdown)
	}
	if cfg.HTTP.Socket != "" {
		routes := httpserver.RouterConfig{
			Handler: admin,
			Metrics: metrics.Handler(),
			Logger:  log,
		}
		local := localserver.New(cfg.HTTP.Socket, httpserver.NewRouter(routes), log)
		if err := local.Start(); err != nil {
			return abort(h, fmt.Errorf("start local admin: %w", err))
		}
		h.OnShutdown("local", local.Shutdown)
	}

	if cfg.Redis.Enabled {
		resp := redisserver.New(redisserver.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			IdleTimeout:  cfg.Redis.IdleTimeout,
			RateLimit:    cfg.Redis.RateLimit,
			RateBurst:    cfg.Redis.RateBurst,
			PushBuffer:   cfg.Redis.PushBuffer,
		}, replica, log)
		if err := resp.Start(ctx); err != nil {
			return abort(h, fmt.Errorf("start resp: %w", err))
		}
		h.OnShutdown("redis", resp.Shutdown)
	}

	if loader != nil && loader.FilePath() != "" {
		if err := watchConfig(h, loader, log); err != nil {
			log.Warn("config watch disabled", "error", err)
		}
	}

	log.Info("server started", "version", uint64(replica.Current().Version()))
	if err := h.Wait(waitCtx); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	if cause := context.Cause(waitCtx); cause != nil && !errors.Is(cause, context.Canceled) && ctx.Err() == nil {
		return cause
	}

	log.Info("server stopped gracefully")
	return nil
}

// abort runs the hooks registered so far and returns err.
func abort(h *shutdown.Handler, err error) error {
	if serr := h.Shutdown(); serr != nil {
		return errors.Join(err, serr)
	}
	return err
}

// watchConfig reloads the log level when the config file changes.
func watchConfig(h *shutdown.Handler, loader *confloader.Loader, log *slog.Logger) error {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return err
	}
	if err := w.Watch(loader.FilePath()); err != nil {
		_ = w.Stop()
		return err
	}
	w.OnChange(func(path string) {
		next := config.Default()
		if err := loader.Reload(next); err != nil {
			log.Warn("config reload failed", "path", path, "error", err)
			return
		}
		if err := logger.SetLevel(next.Log.Level); err != nil {
			log.Warn("config reload rejected", "path", path, "error", err)
			return
		}
		log.Info("config reloaded", "path", path, "log_level", next.Log.Level)
	})
	w.StartAsync()
	h.OnShutdown("config_watcher", func(context.Context) error {
		return w.Stop()
	})
	return nil
}

// checkpointSaver saves the replica state when its version moved since the
// last save.
type checkpointSaver struct {
	replica *service.Replica
	logger  *slog.Logger

	mu   sync.Mutex
	last domain.Version
}

func (s *checkpointSaver) save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.replica.Current().Version()
	if version == s.last {
		return nil
	}
	if err := s.replica.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	s.last = version
	s.logger.Debug("checkpoint saved", "version", uint64(version))
	return nil
}

func (s *checkpointSaver) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.save(ctx); err != nil {
				s.logger.Warn("periodic checkpoint failed", "error", err)
			}
		}
	}
}
