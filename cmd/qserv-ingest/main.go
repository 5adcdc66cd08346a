package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/lsst-dm/qserv-ingest/pkg/chunkcache"
	"github.com/lsst-dm/qserv-ingest/pkg/config"
	"github.com/lsst-dm/qserv-ingest/pkg/httpclient"
	"github.com/lsst-dm/qserv-ingest/pkg/ingest"
	"github.com/lsst-dm/qserv-ingest/pkg/loadbalancer"
	"github.com/lsst-dm/qserv-ingest/pkg/log"
	"github.com/lsst-dm/qserv-ingest/pkg/manifest"
	"github.com/lsst-dm/qserv-ingest/pkg/metrics"
	"github.com/lsst-dm/qserv-ingest/pkg/queue"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

// runID identifies this process invocation in every log line, distinct
// from --worker-id (which names the queue-locking identity and is
// operator-chosen so it stays stable across restarts).
var runID = uuid.New().String()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qserv-ingest",
	Short:   "Drive a Qserv bulk-ingest run against the Replication/Ingest controller",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("qserv-ingest version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("manifest-url", "", "Base URL of the dataset manifest (file://, http://, https://)")
	rootCmd.PersistentFlags().String("replication-url", "", "Base URL of the Replication/Ingest controller")
	rootCmd.PersistentFlags().StringSlice("replication-mirror", nil, "Controller mirror roots; when set, the first one replaces the root of --replication-url")
	rootCmd.PersistentFlags().String("data-root", "", "Base URL of the input file root")
	rootCmd.PersistentFlags().StringSlice("data-mirror", nil, "Additional input file root mirrors")
	rootCmd.PersistentFlags().String("auth-key-file", "", "Path to the single-line Replication/Ingest auth key file")
	rootCmd.PersistentFlags().String("queue-driver", "postgres", "Contribution queue SQL driver (postgres, sqlite3)")
	rootCmd.PersistentFlags().String("queue-dsn", "", "Contribution queue data source name")
	rootCmd.PersistentFlags().String("worker-id", "", "Identity this process locks contribution queue rows under (default: hostname)")
	rootCmd.PersistentFlags().String("metrics-addr", "127.0.0.1:9091", "Address for the Prometheus /metrics and health endpoints")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	log.Logger = log.Logger.With().Str("run_id", runID).Logger()
}

// loadManifest fetches and validates the dataset manifest named by
// --manifest-url.
func loadManifest(ctx context.Context, cmd *cobra.Command) (*manifest.Manifest, error) {
	manifestURL, _ := cmd.Flags().GetString("manifest-url")
	fetcher, err := manifest.NewFetcher(manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest fetcher: %w", err)
	}
	m, err := manifest.Load(ctx, fetcher, config.MinSupportedManifestVersion, config.ProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return m, nil
}

// resolveWorkerID returns --worker-id, defaulting to the local hostname.
func resolveWorkerID(cmd *cobra.Command) (string, error) {
	workerID, _ := cmd.Flags().GetString("worker-id")
	if workerID != "" {
		return workerID, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("resolve worker id: %w", err)
	}
	return hostname, nil
}

// openQueue opens the contribution queue named by --queue-driver/--queue-dsn.
func openQueue(cmd *cobra.Command, workerID string) (*queue.Queue, error) {
	queueDriver, _ := cmd.Flags().GetString("queue-driver")
	queueDSN, _ := cmd.Flags().GetString("queue-dsn")
	queueCfg := config.DefaultQueueConfig()
	queueCfg.Driver = queueDriver
	queueCfg.DSN = queueDSN
	q, err := queue.Open(queueCfg, workerID)
	if err != nil {
		return nil, fmt.Errorf("open contribution queue: %w", err)
	}
	return q, nil
}

// buildIngester wires a config.IngestConfig, queue.Queue, manifest.Manifest
// and ingest.Server from flags into one ingest.Ingester, shared by the
// register and ingest subcommands.
func buildIngester(ctx context.Context, cmd *cobra.Command) (*ingest.Ingester, func(), error) {
	flags := cmd.Flags()
	replicationURL, _ := flags.GetString("replication-url")
	replicationMirrors, _ := flags.GetStringSlice("replication-mirror")
	dataRootURL, _ := flags.GetString("data-root")
	dataMirrors, _ := flags.GetStringSlice("data-mirror")
	authKeyFile, _ := flags.GetString("auth-key-file")

	workerID, err := resolveWorkerID(cmd)
	if err != nil {
		return nil, nil, err
	}

	authKey, err := httpclient.ReadAuthKey(authKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read auth key: %w", err)
	}
	client, err := httpclient.NewClientWithAuthKey(config.DefaultHTTPClientConfig(), authKey)
	if err != nil {
		return nil, nil, fmt.Errorf("build http client: %w", err)
	}

	replicationBalancer := loadbalancer.New(replicationMirrors)
	controllerURL, err := loadbalancer.NewURL(replicationURL, replicationBalancer)
	if err != nil {
		return nil, nil, fmt.Errorf("build replication url: %w", err)
	}
	server := ingest.NewServer(client, controllerURL.Get())

	dataRoot, err := loadbalancer.NewURL(dataRootURL, loadbalancer.New(dataMirrors))
	if err != nil {
		return nil, nil, fmt.Errorf("build data root url: %w", err)
	}

	m, err := loadManifest(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	q, err := openQueue(cmd, workerID)
	if err != nil {
		return nil, nil, err
	}

	ing := ingest.New(server, q, m, client, dataRoot, config.DefaultIngestConfig())
	return ing, func() { q.Close() }, nil
}

func serveMetrics(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the manifest's database and tables, and set ingest tuning parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		ing, closeFn, err := buildIngester(ctx, cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := ing.CheckSanity(ctx); err != nil {
			return err
		}

		lowSpeedLimit, _ := cmd.Flags().GetInt("low-speed-limit")
		lowSpeedTime, _ := cmd.Flags().GetInt("low-speed-time")
		asyncProcLimit, _ := cmd.Flags().GetInt("async-proc-limit")
		caInfo, _ := cmd.Flags().GetString("ca-info")

		return ing.DatabaseRegisterAndConfig(ctx, ingest.ConfigParams{
			CAInfo:         caInfo,
			SSLVerifyPeer:  1,
			LowSpeedLimit:  lowSpeedLimit,
			LowSpeedTime:   lowSpeedTime,
			AsyncProcLimit: asyncProcLimit,
		}, nil)
	},
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Load the manifest's contribution specs into the queue and initialize the mutex row",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		m, err := loadManifest(ctx, cmd)
		if err != nil {
			return err
		}

		workerID, err := resolveWorkerID(cmd)
		if err != nil {
			return err
		}
		q, err := openQueue(cmd, workerID)
		if err != nil {
			return err
		}
		defer q.Close()

		if err := q.InitMutex(ctx); err != nil {
			return fmt.Errorf("init mutex: %w", err)
		}

		var specs []manifest.ContributionSpec
		for spec := range m.Contributions(ctx) {
			specs = append(specs, spec)
		}

		database := m.Database()
		if err := q.InsertContribFiles(ctx, database, specs); err != nil {
			return fmt.Errorf("insert contribution specs: %w", err)
		}
		log.WithDatabase(database).Info().Int("count", len(specs)).Msg("bootstrap: contribution queue loaded")
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Drain the contribution queue, one super-transaction per batch, until the database is fully loaded",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Logger.Warn().Msg("received shutdown signal, waiting for the in-flight transaction to close")
			cancel()
		}()

		ing, closeFn, err := buildIngester(ctx, cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		serveMetrics(metricsAddr)
		metrics.SetVersion(Version)

		cachePath, _ := cmd.Flags().GetString("chunk-cache-path")
		if cachePath != "" {
			cacheSize, _ := cmd.Flags().GetInt("chunk-cache-size")
			cache, err := chunkcache.Open(cachePath, cacheSize)
			if err != nil {
				return err
			}
			defer cache.Close()
			ing.UseChunkCache(cache)
		}

		if err := ing.CheckSanity(ctx); err != nil {
			return err
		}

		fraction, _ := cmd.Flags().GetInt("transaction-fraction")
		return ing.Ingest(ctx, fraction)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the controller's protocol version, for a pre-flight compatibility check",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		flags := cmd.Flags()
		replicationURL, _ := flags.GetString("replication-url")
		authKeyFile, _ := flags.GetString("auth-key-file")

		authKey, err := httpclient.ReadAuthKey(authKeyFile)
		if err != nil {
			return fmt.Errorf("read auth key: %w", err)
		}
		client, err := httpclient.NewClientWithAuthKey(config.DefaultHTTPClientConfig(), authKey)
		if err != nil {
			return fmt.Errorf("build http client: %w", err)
		}
		server := ingest.NewServer(client, replicationURL)

		resp, err := server.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("controller response: %v\n", resp)
		return nil
	},
}

func init() {
	registerCmd.Flags().Int("low-speed-limit", 1024, "libcurl CURLOPT_LOW_SPEED_LIMIT, bytes/sec")
	registerCmd.Flags().Int("low-speed-time", 120, "libcurl CURLOPT_LOW_SPEED_TIME, seconds")
	registerCmd.Flags().Int("async-proc-limit", 16, "max concurrent asynchronous file-ingest requests per worker")
	registerCmd.Flags().String("ca-info", "", "path to a CA bundle for TLS verification of worker endpoints")

	ingestCmd.Flags().Int("transaction-fraction", 1, "number of super-transactions the queue is divided into (batch size = floor(unfinished rows/fraction)+1)")
	ingestCmd.Flags().String("chunk-cache-path", "", "bbolt file persisting chunk-location lookups across restarts (disabled if empty)")
	ingestCmd.Flags().Int("chunk-cache-size", 10000, "max entries kept in the chunk-location cache before the oldest are evicted")
}
