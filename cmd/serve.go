package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/attic-go/attic/pkg/compress"
	"github.com/attic-go/attic/pkg/database"
	"github.com/attic-go/attic/pkg/gc"
	"github.com/attic-go/attic/pkg/ingestion"
	lockredis "github.com/attic-go/attic/pkg/lock/redis"
	"github.com/attic-go/attic/pkg/prometheus"
	"github.com/attic-go/attic/pkg/retrieval"
	"github.com/attic-go/attic/pkg/s3"
	"github.com/attic-go/attic/pkg/server"
	"github.com/attic-go/attic/pkg/storage"
	"github.com/attic-go/attic/pkg/token"
)

// ErrStorageConfigRequired is returned if neither local nor S3 storage is configured.
var ErrStorageConfigRequired = errors.New("either --storage-local or --storage-s3-bucket is required")

// ErrStorageConflict is returned if both local and S3 storage are configured.
var ErrStorageConflict = errors.New("cannot use both --storage-local and --storage-s3-bucket")

// ErrTokenKeyRequired is returned if neither an HMAC key nor an RSA public
// key was configured for verifying capability tokens.
var ErrTokenKeyRequired = errors.New("either --token-hmac-key or --token-rsa-public-key-path is required")

func serveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the multi-tenant binary cache over http",
		Action:  serveAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "The URL of the metadata database (sqlite:// or postgres://)",
				Sources:  flagSources("database.url", "DATABASE_URL"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "storage-local",
				Usage:   "Local directory for chunk/NAR storage (use this OR S3 storage)",
				Sources: flagSources("storage.local", "STORAGE_LOCAL"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-bucket",
				Usage:   "S3 bucket name for storage (use this OR --storage-local)",
				Sources: flagSources("storage.s3.bucket", "STORAGE_S3_BUCKET"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-endpoint",
				Usage:   "S3-compatible endpoint URL, with scheme",
				Sources: flagSources("storage.s3.endpoint", "STORAGE_S3_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-region",
				Usage:   "S3 region (optional)",
				Sources: flagSources("storage.s3.region", "STORAGE_S3_REGION"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-access-key-id",
				Usage:   "S3 access key ID",
				Sources: flagSources("storage.s3.access-key-id", "STORAGE_S3_ACCESS_KEY_ID"),
			},
			&cli.StringFlag{
				Name:    "storage-s3-secret-access-key",
				Usage:   "S3 secret access key",
				Sources: flagSources("storage.s3.secret-access-key", "STORAGE_S3_SECRET_ACCESS_KEY"),
			},
			&cli.BoolFlag{
				Name:    "storage-s3-force-path-style",
				Usage:   "Force path-style S3 addressing (needed for MinIO and most non-AWS S3)",
				Sources: flagSources("storage.s3.force-path-style", "STORAGE_S3_FORCE_PATH_STYLE"),
			},
			&cli.StringFlag{
				Name:    "chunk-codec",
				Usage:   "Per-chunk compression codec: zstd, brotli, xz, or none",
				Sources: flagSources("ingestion.codec", "CHUNK_CODEC"),
				Value:   "zstd",
			},
			&cli.IntFlag{
				Name:    "chunk-level",
				Usage:   "Compression level for the chosen codec; 0 picks the codec default",
				Sources: flagSources("ingestion.level", "CHUNK_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address the HTTP server listens on",
				Sources: flagSources("server.listen-addr", "LISTEN_ADDR"),
				Value:   ":8501",
			},
			&cli.StringFlag{
				Name:    "token-hmac-key",
				Usage:   "HMAC secret for verifying HS256 capability tokens",
				Sources: flagSources("token.hmac-key", "TOKEN_HMAC_KEY"),
			},
			&cli.StringFlag{
				Name:    "token-rsa-public-key-path",
				Usage:   "Path to a PEM-encoded RSA public key for verifying RS256 capability tokens",
				Sources: flagSources("token.rsa-public-key-path", "TOKEN_RSA_PUBLIC_KEY_PATH"),
			},
			&cli.StringFlag{
				Name:    "token-required-issuer",
				Usage:   "Required \"iss\" claim on capability tokens, if any",
				Sources: flagSources("token.required-issuer", "TOKEN_REQUIRED_ISSUER"),
			},
			&cli.StringFlag{
				Name:    "token-required-audience",
				Usage:   "Required \"aud\" claim on capability tokens, if any",
				Sources: flagSources("token.required-audience", "TOKEN_REQUIRED_AUDIENCE"),
			},
			&cli.DurationFlag{
				Name:    "gc-default-retention",
				Usage:   "Default object retention period for caches without their own override; 0 disables it",
				Sources: flagSources("gc.default-retention", "GC_DEFAULT_RETENTION"),
			},
			&cli.StringFlag{
				Name:    "gc-schedule",
				Usage:   "Cron schedule on which to run garbage collection; empty disables automatic runs",
				Sources: flagSources("gc.schedule", "GC_SCHEDULE"),
			},
			&cli.StringSliceFlag{
				Name:    "gc-redis-addr",
				Usage:   "Redis address for the cluster-wide GC lock under multi-instance deployment (repeatable)",
				Sources: flagSources("gc.redis.addrs", "GC_REDIS_ADDRS"),
			},
			&cli.StringFlag{
				Name:    "gc-redis-password",
				Usage:   "Redis password for the cluster-wide GC lock",
				Sources: flagSources("gc.redis.password", "GC_REDIS_PASSWORD"),
			},
		},
	}
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()
		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)
		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()
		defer cancel()

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		store, err := database.Open(ctx, cmd.String("database-url"), nil)
		if err != nil {
			return fmt.Errorf("error opening the database: %w", err)
		}

		backend, err := getStorageBackend(ctx, cmd)
		if err != nil {
			return err
		}

		codec, err := compress.ParseCodec(cmd.String("chunk-codec"))
		if err != nil {
			return fmt.Errorf("error parsing --chunk-codec: %w", err)
		}

		if codec == compress.Lzip {
			return fmt.Errorf("error parsing --chunk-codec: %w: lzip is transport-only", compress.ErrInvalidCompressionType)
		}

		ingestor, err := ingestion.New(store, backend, ingestion.Config{
			Codec: codec,
			Level: int(cmd.Int("chunk-level")),
		}, logger)
		if err != nil {
			return fmt.Errorf("error creating the ingestor: %w", err)
		}

		resolver := retrieval.New(store, backend)

		tokenCfg, err := getTokenConfig(cmd)
		if err != nil {
			return err
		}

		collector := gc.New(store, backend, cmd.Duration("gc-default-retention"), logger)

		if addrs := cmd.StringSlice("gc-redis-addr"); len(addrs) > 0 {
			clusterLock, err := lockredis.NewLocker(ctx, lockredis.Config{
				Addrs:    addrs,
				Password: cmd.String("gc-redis-password"),
			}, lockredis.RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: true}, true)
			if err != nil {
				return fmt.Errorf("error creating the cluster GC lock: %w", err)
			}

			collector.SetClusterLock(clusterLock)
		}

		if err := collector.StartCron(cmd.String("gc-schedule")); err != nil {
			return fmt.Errorf("error scheduling garbage collection: %w", err)
		}
		defer collector.Stop()

		srv := server.New(server.Config{
			Store:       store,
			Backend:     backend,
			Ingestor:    ingestor,
			Resolver:    resolver,
			Collector:   collector,
			TokenConfig: tokenCfg,
			Log:         logger,
		})

		var handler http.Handler = srv

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			defer func() {
				if err := shutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
				}
			}()

			handler = withPrometheusHandler(srv, gatherer)

			logger.Info().Msg("Prometheus metrics enabled at /metrics")
		}

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("listen-addr"),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info().Str("listen_addr", cmd.String("listen-addr")).Msg("server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}

func getStorageBackend(ctx context.Context, cmd *cli.Command) (storage.Backend, error) {
	localPath := cmd.String("storage-local")
	s3Bucket := cmd.String("storage-s3-bucket")

	switch {
	case localPath != "" && s3Bucket != "":
		return nil, ErrStorageConflict

	case localPath != "":
		backend, err := storage.NewLocalBackend(localPath)
		if err != nil {
			return nil, fmt.Errorf("error creating the local storage backend at %q: %w", localPath, err)
		}

		zerolog.Ctx(ctx).Info().Str("path", localPath).Msg("using local storage")

		return backend, nil

	case s3Bucket != "":
		cfg := s3.Config{
			Bucket:          s3Bucket,
			Region:          cmd.String("storage-s3-region"),
			Endpoint:        cmd.String("storage-s3-endpoint"),
			AccessKeyID:     cmd.String("storage-s3-access-key-id"),
			SecretAccessKey: cmd.String("storage-s3-secret-access-key"),
			ForcePathStyle:  cmd.Bool("storage-s3-force-path-style"),
		}

		backend, err := storage.NewS3Backend(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("error creating the S3 storage backend: %w", err)
		}

		zerolog.Ctx(ctx).Info().Str("bucket", s3Bucket).Msg("using S3 storage")

		return backend, nil

	default:
		return nil, ErrStorageConfigRequired
	}
}

func getTokenConfig(cmd *cli.Command) (token.Config, error) {
	cfg := token.Config{
		RequiredIssuer:   cmd.String("token-required-issuer"),
		RequiredAudience: cmd.String("token-required-audience"),
	}

	if hmacKey := cmd.String("token-hmac-key"); hmacKey != "" {
		cfg.HMACKey = []byte(hmacKey)
	}

	if path := cmd.String("token-rsa-public-key-path"); path != "" {
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			return token.Config{}, fmt.Errorf("error reading --token-rsa-public-key-path: %w", err)
		}

		pub, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
		if err != nil {
			return token.Config{}, fmt.Errorf("error parsing the RSA public key: %w", err)
		}

		cfg.RSAPublicKey = pub
	}

	if cfg.HMACKey == nil && cfg.RSAPublicKey == nil {
		return token.Config{}, ErrTokenKeyRequired
	}

	return cfg, nil
}

// withPrometheusHandler mounts /metrics alongside the cache server's own
// routes, serving gatherer in the standard Prometheus exposition format.
func withPrometheusHandler(srv http.Handler, gatherer promclient.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", srv)

	return mux
}
