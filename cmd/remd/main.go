package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/cuemby/rem/pkg/background"
	"github.com/cuemby/rem/pkg/config"
	"github.com/cuemby/rem/pkg/log"
	"github.com/cuemby/rem/pkg/metrics"
	"github.com/cuemby/rem/pkg/remdb"
	"github.com/cuemby/rem/pkg/replication"
	"github.com/cuemby/rem/pkg/types"
	"github.com/cuemby/rem/pkg/wal"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "remd",
	Short: "remd - embedded multi-tenant memory database daemon",
	Long: `remd opens and serves REM tenant databases: content-addressed
entities, resources, and moments; secondary and vector indexes; graph
edges; and WAL-based replication between a primary and its replicas.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"remd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("tenant", "default", "Tenant id to operate on")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(configShowCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// devRootKey generates an ephemeral random 32-byte root key. Every remd
// command uses it; no command reads encryption_key_path.
func devRootKey() []byte {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return key
}

// unconfiguredProvider is the embedding provider wired by default: the
// provider handle a schema carries is opaque to the core (spec.md §2.3),
// so remd has no embedding model to call without deployment-specific
// wiring. Rows stay embedding_pending until an operator replaces this with
// a real Provider for their provider handles.
func unconfiguredProvider(providerHandle, _ string) ([]float32, error) {
	return nil, fmt.Errorf("remd: no embedding provider configured for %q", providerHandle)
}

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a tenant database, checkpoint it, and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tenant, _ := cmd.Flags().GetString("tenant")

		db, err := remdb.Open(remdb.Options{
			DataDir: cfg.DataDir,
			Tenant:  types.Tenant{ID: tenant, RootKey: devRootKey(), Role: types.RolePrimary, CreatedAt: time.Now()},
		})
		if err != nil {
			return err
		}
		log.Logger.Info().Str("tenant", tenant).Msg("database opened")
		return db.Shutdown()
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Open a tenant database, warm every vector index, and checkpoint",
	Long: `repair re-opens a tenant database and lets Open's own recovery
path run: schema restore from the schemas column family, WAL sequence
seeding from the last durable frame, and HNSW warm-up from the last
checkpoint. bbolt's own write-ahead page log guarantees the KV store
itself needs no separate repair step.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tenant, _ := cmd.Flags().GetString("tenant")

		db, err := remdb.Open(remdb.Options{
			DataDir: cfg.DataDir,
			Tenant:  types.Tenant{ID: tenant, RootKey: devRootKey(), Role: types.RolePrimary, CreatedAt: time.Now()},
		})
		if err != nil {
			return err
		}
		if err := db.Checkpoint(); err != nil {
			return err
		}
		log.Logger.Info().Str("tenant", tenant).Msg("repair complete")
		return db.Shutdown()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open a tenant database and run its background workers until signaled",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tenant, _ := cmd.Flags().GetString("tenant")

		db, err := remdb.Open(remdb.Options{
			DataDir:            cfg.DataDir,
			Tenant:             types.Tenant{ID: tenant, RootKey: devRootKey(), Role: types.Role(cfg.Role), CreatedAt: time.Now()},
			QueryCellBudget:    cfg.QueryCellBudget,
			HNSWM:              cfg.HNSWM,
			HNSWEfConstruction: cfg.HNSWEfConstruction,
			HNSWEfSearch:       cfg.HNSWEfSearch,
		})
		if err != nil {
			return err
		}
		defer db.Shutdown()

		metrics.SetVersion(Version)
		metrics.RegisterComponent("storage", true, "")
		metrics.RegisterComponent("wal", true, "")

		embedWorkers := cfg.EmbeddingWorkerCount
		if embedWorkers <= 0 {
			embedWorkers = 1
		}
		reprocessor := background.NewEmbeddingReprocessor(db, unconfiguredProvider)

		workers := []*background.Worker{
			background.Checkpointer(db, cfg.RefreshCadence),
			background.NewWALPruner(db, cfg.WALRetention).Worker(time.Hour),
			background.NewTieredSwapper(db, cfg.HotDataDays).Worker(cfg.RefreshCadence),
		}
		for i := 0; i < embedWorkers; i++ {
			workers = append(workers, reprocessor.Worker(time.Minute))
		}
		for _, w := range workers {
			w.Start()
		}
		defer func() {
			for _, w := range workers {
				w.Stop()
			}
		}()

		grpcServer, errCh, err := startReplicationServer(cfg, db)
		if err != nil {
			return err
		}
		if grpcServer != nil {
			defer grpcServer.GracefulStop()
		}
		metrics.RegisterComponent("replication", grpcServer != nil || cfg.Role != "primary", "")

		metricsServer := startMetricsServer(cfg)
		if metricsServer != nil {
			defer metricsServer.Close()
		}

		log.Logger.Info().Str("tenant", tenant).Str("data_dir", cfg.DataDir).Msg("remd serving")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			return nil
		case err := <-errCh:
			return err
		}
	},
}

// startMetricsServer hosts /metrics (Prometheus), /health, /ready, and
// /live over plain HTTP when metrics_listen_addr is configured. It runs
// independently of the gRPC replication listener since operators typically
// scrape it from a different network path than replica traffic.
func startMetricsServer(cfg *config.Config) *http.Server {
	if cfg.MetricsListenAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	srv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: mux}
	go func() {
		log.Logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("metrics service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}

// startReplicationServer hosts replication.Source over grpc.NewServer when
// remd is running as a primary with a listen address configured, so a
// replica's `remd replicate` has something to dial. A replica or a primary
// with no replication_listen_addr runs with no replication endpoint at all.
func startReplicationServer(cfg *config.Config, db *remdb.Database) (*grpc.Server, <-chan error, error) {
	errCh := make(chan error, 1)
	if cfg.Role != "primary" || cfg.ReplicationListenAddr == "" {
		return nil, errCh, nil
	}

	lis, err := net.Listen("tcp", cfg.ReplicationListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("remd: replication listen on %s: %w", cfg.ReplicationListenAddr, err)
	}

	source := replication.NewSource(db.Engine, cfg.WALRetention)
	server := grpc.NewServer()
	server.RegisterService(&replication.ServiceDesc, source)

	go func() {
		log.Logger.Info().Str("addr", cfg.ReplicationListenAddr).Msg("replication service listening")
		errCh <- server.Serve(lis)
	}()

	return server, errCh, nil
}

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Run as a replica, pulling and applying WAL frames from a primary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tenant, _ := cmd.Flags().GetString("tenant")
		if len(cfg.ReplicationPeers) == 0 {
			return fmt.Errorf("replicate: replication_peers must name a primary address")
		}

		db, err := remdb.Open(remdb.Options{
			DataDir: cfg.DataDir,
			Tenant:  types.Tenant{ID: tenant, RootKey: devRootKey(), Role: types.RoleReplica, CreatedAt: time.Now()},
		})
		if err != nil {
			return err
		}
		defer db.Shutdown()

		puller, err := replication.NewPuller(cfg.ReplicationPeers[0], tenant, applyFrameTo(db))
		if err != nil {
			return err
		}
		defer puller.Close()

		ctx, cancel := signalContext()
		defer cancel()

		log.Logger.Info().Str("tenant", tenant).Str("primary", cfg.ReplicationPeers[0]).Msg("remd replicating")
		return puller.Run(ctx)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

// applyFrameTo adapts a Database's ApplyFrame to the func(wal.Frame) error
// shape replication.Puller drives its replay loop with.
func applyFrameTo(db *remdb.Database) func(wal.Frame) error {
	return func(f wal.Frame) error {
		return db.ApplyFrame(f)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, for the
// replicate command's Puller.Run to exit cleanly on.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
