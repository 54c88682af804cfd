package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dogma-io/dogma/internal/api"
	"github.com/dogma-io/dogma/internal/command"
	"github.com/dogma-io/dogma/internal/executor"
	"github.com/dogma-io/dogma/internal/metrics"
	"github.com/dogma-io/dogma/internal/mirror"
	"github.com/dogma-io/dogma/internal/purge"
	"github.com/dogma-io/dogma/internal/replication"
	"github.com/dogma-io/dogma/internal/session"
	"github.com/dogma-io/dogma/internal/status"
	"github.com/dogma-io/dogma/internal/storage"
	"github.com/dogma-io/dogma/internal/storage/gormstore"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	overrides := &Config{}

	root := &cobra.Command{
		Use:   "dogma-server",
		Short: "Dogma server, a replicated version-controlled configuration repository",
		Long: `Dogma server stores configuration as versioned repositories of text and
JSON files, replicates every write through a quorum commit log, and mirrors
repository content to and from external Git remotes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			applyOverrides(cfg, overrides)
			if err := cfg.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configPath, "config", envOrDefault("DOGMA_CONFIG", ""), "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&overrides.ListenAddr, "listen-addr", os.Getenv("DOGMA_LISTEN_ADDR"), "Admin API listen address")
	root.PersistentFlags().StringVar(&overrides.PeerAddr, "peer-addr", os.Getenv("DOGMA_PEER_ADDR"), "Replication listen address")
	root.PersistentFlags().StringVar(&overrides.DataDir, "data-dir", os.Getenv("DOGMA_DATA_DIR"), "Directory for the replication log and session files")
	root.PersistentFlags().StringVar(&overrides.DB.Driver, "db-driver", os.Getenv("DOGMA_DB_DRIVER"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&overrides.DB.DSN, "db-dsn", os.Getenv("DOGMA_DB_DSN"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&overrides.LogLevel, "log-level", os.Getenv("DOGMA_LOG_LEVEL"), "Log level (debug, info, warn, error)")

	return root
}

// applyOverrides lays flag and environment values over the file config.
func applyOverrides(cfg, over *Config) {
	if over.ListenAddr != "" {
		cfg.ListenAddr = over.ListenAddr
	}
	if over.PeerAddr != "" {
		cfg.PeerAddr = over.PeerAddr
	}
	if over.DataDir != "" {
		cfg.DataDir = over.DataDir
	}
	if over.DB.Driver != "" {
		cfg.DB.Driver = over.DB.Driver
	}
	if over.DB.DSN != "" {
		cfg.DB.DSN = over.DB.DSN
	}
	if over.LogLevel != "" {
		cfg.LogLevel = over.LogLevel
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dogma-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting dogma server",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("replication", cfg.Replication.Method),
		zap.String("db_driver", cfg.DB.Driver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := gormstore.Open(gormstore.Config{Driver: cfg.DB.Driver, DSN: cfg.DB.DSN, Logger: logger})
	if err != nil {
		return err
	}
	store := gormstore.New(db, logger)

	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions"), session.DefaultCacheSize, nil, logger)
	if err != nil {
		return err
	}

	st := status.New(logger)
	local := executor.New(executor.Config{
		Store:      store,
		Status:     st,
		Sessions:   sessions,
		NumWorkers: cfg.NumWorkers,
		Logger:     logger,
	})

	prom := metrics.New()
	prom.RegisterSessionCache(sessions.CacheStats)

	// Replication cluster, or nil in standalone mode.
	var cluster *replication.Cluster
	var peerSrv *http.Server
	zone := ""
	if cfg.Replication.Method == methodQuorum {
		selfID, err := cfg.Replication.resolveServerID()
		if err != nil {
			return err
		}
		zone = cfg.Replication.Servers[selfID].Zone
		cluster, err = replication.New(replication.Config{
			SelfID:      selfID,
			Peers:       cfg.Replication.peers(),
			Secret:      cfg.Replication.Secret,
			DataDir:     filepath.Join(cfg.DataDir, "replication"),
			Timeout:     time.Duration(cfg.Replication.TimeoutMillis) * time.Millisecond,
			MaxLogCount: cfg.Replication.MaxLogCount,
			MinLogAge:   time.Duration(cfg.Replication.MinLogAgeMillis) * time.Millisecond,
			Status:      st,
			Local:       local,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		prom.RegisterReplication(cluster.CommitSeq, cluster.LastApplied, cluster.Diverged)
		prom.RegisterLeadership(cluster.IsLeader)

		peerSrv = &http.Server{Addr: cfg.PeerAddr, Handler: cluster.Routes()}
		go func() {
			logger.Info("replication listener started", zap.String("addr", cfg.PeerAddr))
			if err := peerSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("replication listener failed", zap.Error(err))
			}
		}()
		go cluster.Run(ctx)
	}

	repExec := replication.NewReplicatedExecutor(replication.ExecutorConfig{
		Cluster: cluster,
		Local:   local,
		Store:   store,
		Status:  st,
		Logger:  logger,
	})
	commander := prom.InstrumentCommander(repExec)

	isLeader := func() bool { return true }
	isZoneLeader := func() bool { return true }
	if cluster != nil {
		isLeader = cluster.IsLeader
		isZoneLeader = cluster.IsZoneLeader
	}

	tokens := session.NewTokenStore(store, commander, logger)

	sessionSweeper, err := session.NewSweeper(sessions, commander, isLeader, nil, logger)
	if err != nil {
		return err
	}
	sessionSweeper.Start()
	defer sessionSweeper.Stop() //nolint:errcheck

	if cfg.MaxRemovedRepositoryAgeMillis > 0 {
		purgeSweeper, err := purge.NewSweeper(store, commander, isLeader,
			time.Duration(cfg.MaxRemovedRepositoryAgeMillis)*time.Millisecond, nil, logger)
		if err != nil {
			return err
		}
		purgeSweeper.Start()
		defer purgeSweeper.Stop() //nolint:errcheck
	}

	mirrors, err := mirror.NewScheduler(mirror.SchedulerConfig{
		Store:        store,
		Runner:       mirror.NewRunner(store, commander, nil, logger),
		IsLeader:     isLeader,
		IsZoneLeader: isZoneLeader,
		Zone:         zone,
		OnRun:        prom.ObserveMirrorRun,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	var info api.ClusterInfo
	if cluster != nil {
		info = cluster
	}
	router := api.NewRouter(api.RouterConfig{
		Store:          store,
		Commander:      commander,
		Status:         st,
		Cluster:        info,
		Sessions:       sessions,
		Tokens:         tokens,
		Admins:         cfg.Administrators,
		MetricsHandler: prom.Handler(),
		SessionTTL:     time.Duration(cfg.SessionTTLMillis) * time.Millisecond,
		Logger:         logger,
	})
	adminSrv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.Info("admin listener started", zap.String("addr", cfg.ListenAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("admin listener failed", zap.Error(err))
		}
	}()

	// Everything is wired; admit traffic.
	st.Start()
	mirrors.Start()
	defer mirrors.Stop() //nolint:errcheck

	go bootstrapMetaProject(ctx, commander, isLeader, logger)

	<-ctx.Done()
	logger.Info("shutting down dogma server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin listener shutdown", zap.Error(err))
	}
	if peerSrv != nil {
		if err := peerSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("replication listener shutdown", zap.Error(err))
		}
	}
	st.Stop()
	return nil
}

// bootstrapMetaProject creates the internal _dogma project and its
// repositories once a leader exists. Reruns are no-ops: the commands come
// back with ErrExists.
func bootstrapMetaProject(ctx context.Context, exec api.Commander, isLeader func() bool, logger *zap.Logger) {
	log := logger.Named("bootstrap")
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if !isLeader() {
			continue
		}
		if err := createMetaResources(ctx, exec); err != nil {
			log.Warn("bootstrapping internal project", zap.Error(err))
			continue
		}
		log.Info("internal project ready", zap.String("project", session.MetaProject))
		return
	}
}

func createMetaResources(ctx context.Context, exec api.Commander) error {
	base := func() command.Base {
		return command.Base{CommitTimeMillis: time.Now().UnixMilli(), Author: command.System}
	}
	cmds := []command.Command{
		&command.CreateProject{Base: base(), ProjectName: session.MetaProject},
		&command.CreateRepository{Base: base(), ProjectName: session.MetaProject, RepositoryName: session.MetaRepo},
		&command.CreateRepository{Base: base(), ProjectName: session.MetaProject, RepositoryName: "dogma"},
	}
	for _, cmd := range cmds {
		if _, err := exec.Execute(ctx, cmd); err != nil && !errors.Is(err, storage.ErrExists) {
			return err
		}
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
