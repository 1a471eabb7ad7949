// Package main provides the entry point for glimmerdb-server.
//
// glimmerdb-server is a Redis-wire-compatible in-memory key/value
// server: string, list, and stream keyspaces, blocking list and stream
// reads, transactions, and master/replica propagation with an RDB
// snapshot subset for persistence.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ryz-labs/glimmerdb/internal/config"
	"github.com/ryz-labs/glimmerdb/internal/infra/confloader"
	"github.com/ryz-labs/glimmerdb/internal/infra/shutdown"
	"github.com/ryz-labs/glimmerdb/internal/rdb"
	"github.com/ryz-labs/glimmerdb/internal/redis"
	"github.com/ryz-labs/glimmerdb/internal/replication"
	"github.com/ryz-labs/glimmerdb/internal/store"
	"github.com/ryz-labs/glimmerdb/internal/telemetry/logger"
	"github.com/ryz-labs/glimmerdb/internal/telemetry/metric"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds the subset of configuration overridable from the
// command line. Only flags the user actually set on this invocation
// are applied over the file/env layers, so an unset flag never
// clobbers a value loaded from GLIMMERDB_* or a config file.
type cliFlags struct {
	configFile     string
	showVersion    bool
	port           int
	dir            string
	dbfilename     string
	replicaof      string
	logLevel       string
	logFormat      string
	metricsAddr    string
	rateLimitRPS   float64
	rateLimitBurst int
}

func parseFlags(args []string) (*cliFlags, *flag.FlagSet) {
	fs := flag.NewFlagSet("glimmerdb-server", flag.ContinueOnError)
	f := &cliFlags{}
	fs.StringVar(&f.configFile, "config", "", "Path to configuration file")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	fs.IntVar(&f.port, "port", config.DefaultPort, "Port to listen on")
	fs.StringVar(&f.dir, "dir", config.DefaultDir, "Directory for the RDB snapshot")
	fs.StringVar(&f.dbfilename, "dbfilename", config.DefaultDBFilename, "RDB snapshot filename")
	fs.StringVar(&f.replicaof, "replicaof", "", "Master to replicate from, as \"host port\"")
	fs.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", config.DefaultLogFormat, "Log format (json, text)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", config.DefaultMetricsAddr, "Address to serve Prometheus metrics on (empty disables)")
	fs.Float64Var(&f.rateLimitRPS, "rate-limit-rps", config.DefaultRateLimitRPS, "Per-connection command rate limit, 0 disables")
	fs.IntVar(&f.rateLimitBurst, "rate-limit-burst", config.DefaultRateLimitBurst, "Per-connection rate limit burst size")
	fs.Parse(args)
	return f, fs
}

func run() error {
	flags, fs := parseFlags(os.Args[1:])

	if flags.showVersion {
		fmt.Printf("glimmerdb-server %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return nil
	}

	cfg, err := loadConfig(flags, fs)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log.Info("starting glimmerdb-server", "version", version, "commit", commit, "port", cfg.Port)

	metrics := metric.NewRegistry()

	strDB := store.NewStrings()
	lists := store.NewLists()
	streams := store.NewStreams()

	dbPath := filepath.Join(cfg.Dir, cfg.DBFilename)
	if err := rdb.Load(dbPath, strDB); err != nil {
		log.Warn("failed to load snapshot, starting empty", "path", dbPath, "error", err)
	}

	if err := metrics.Register(metric.NewKeyspaceCollector(map[string]metric.StatsSource{
		"strings": strDB,
		"lists":   lists,
		"streams": streams,
	})); err != nil {
		return fmt.Errorf("register keyspace collector: %w", err)
	}

	repl := replication.NewRegistry()
	handler := redis.NewCommandHandler(strDB, lists, streams, repl, cfg.Dir, cfg.DBFilename, metrics, log)

	srvCfg := redis.DefaultConfig()
	srvCfg.Address = fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	if cfg.RateLimit.RPS > 0 {
		srvCfg.RateLimitRPS = cfg.RateLimit.RPS
		srvCfg.RateLimitBurst = cfg.RateLimit.Burst
	}
	srv := redis.New(srvCfg, handler, log, metrics)

	shutdownHandler := shutdown.NewHandler(30 * time.Second)

	// Handler.Wait runs registered hooks in reverse order, so these are
	// registered last-executed-first: stop the listener, flush metrics,
	// SAVE, then close replica sinks.
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("closing replica sinks")
		for _, err := range repl.CloseSinks() {
			log.Warn("error closing replica sink", "error", err)
		}
		return nil
	})
	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("saving snapshot before exit")
		if err := rdb.Save(cfg.Dir, cfg.DBFilename, strDB); err != nil {
			log.Warn("final save failed", "error", err)
			return err
		}
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
		shutdownHandler.OnShutdown(func(ctx context.Context) error {
			log.Info("shutting down metrics server")
			return metricsSrv.Shutdown(ctx)
		})
		go func() {
			log.Info("metrics server listening", "address", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	shutdownHandler.OnShutdown(func(ctx context.Context) error {
		log.Info("shutting down listener")
		return srv.Shutdown(ctx)
	})

	if cfg.ReplicaOf != nil {
		handler.SetReplica(true)
		target := replication.Target{Host: cfg.ReplicaOf.Host, Port: cfg.ReplicaOf.Port}
		go runReplica(log, handler, strDB, target, cfg.Port)
	}

	srvCtx, srvCancel := context.WithCancel(context.Background())
	defer srvCancel()
	go func() {
		if err := srv.Serve(srvCtx); err != nil {
			log.Error("server error", "error", err)
		}
	}()

	log.Info("server started, press Ctrl+C to stop")
	if err := shutdownHandler.Wait(); err != nil {
		log.Error("shutdown error", "error", err)
		return err
	}
	srvCancel()

	log.Info("server stopped gracefully")
	return nil
}

// runReplica drives the PSYNC handshake and apply-only loop against
// target, restarting after a short backoff if the master connection
// drops. It never returns on its own; callers run it in a goroutine.
func runReplica(log logger.Logger, handler *redis.CommandHandler, strDB *store.Strings, target replication.Target, ourPort int) {
	applyConn := redis.NewApplyConn()
	for {
		err := replication.Run(nil, target, ourPort, func(payload []byte) error {
			entries, err := rdb.Decode(payload)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.HasTTL {
					strDB.Set(e.Key, e.Value, 0)
					strDB.SetExpiry(e.Key, e.Expires)
				} else {
					strDB.Set(e.Key, e.Value, 0)
				}
			}
			return nil
		}, func(args [][]byte) {
			handler.Handle(applyConn, args)
		})
		if err != nil {
			log.Warn("replication link dropped, retrying", "master", target.Host, "error", err)
		}
		time.Sleep(time.Second)
	}
}

// loadConfig resolves the final configuration by layering, in
// increasing priority: defaults, config file, environment variables,
// then any flag explicitly set on this invocation.
func loadConfig(flags *cliFlags, fs *flag.FlagSet) (*config.ServerConfig, error) {
	cfg := config.Default()

	var opts []confloader.Option
	if flags.configFile != "" {
		opts = append(opts, confloader.WithConfigFile(flags.configFile))
	}
	loader := confloader.NewLoader(opts...)
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}

	overrides := map[string]any{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			overrides["port"] = flags.port
		case "dir":
			overrides["dir"] = flags.dir
		case "dbfilename":
			overrides["dbfilename"] = flags.dbfilename
		case "log-level":
			overrides["log.level"] = flags.logLevel
		case "log-format":
			overrides["log.format"] = flags.logFormat
		case "metrics-addr":
			overrides["metrics_addr"] = flags.metricsAddr
		case "rate-limit-rps":
			overrides["rate_limit.rps"] = flags.rateLimitRPS
		case "rate-limit-burst":
			overrides["rate_limit.burst"] = flags.rateLimitBurst
		}
	})
	if len(overrides) > 0 {
		if err := loader.LoadMap(overrides); err != nil {
			return nil, err
		}
		if err := loader.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}

	if flags.replicaof != "" {
		target, err := parseReplicaOf(flags.replicaof)
		if err != nil {
			return nil, err
		}
		cfg.ReplicaOf = target
	}

	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseReplicaOf(s string) (*config.ReplicaTarget, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return nil, fmt.Errorf("replicaof: expected \"host port\", got %q", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("replicaof: invalid port %q: %w", parts[1], err)
	}
	return &config.ReplicaTarget{Host: parts[0], Port: port}, nil
}
