package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/version"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/worldland/worldland-broker/internal/adapters/mtls"
	"github.com/worldland/worldland-broker/internal/api"
	"github.com/worldland/worldland-broker/internal/broker"
	"github.com/worldland/worldland-broker/internal/cluster"
	"github.com/worldland/worldland-broker/internal/domain"
	"github.com/worldland/worldland-broker/internal/log"
	"github.com/worldland/worldland-broker/internal/store"
	"github.com/worldland/worldland-broker/internal/topology"
)

type storeFlags struct {
	kind string

	pgDSN             string
	pgMaxConns        int32
	pgMinConns        int32
	pgMaxConnLifetime time.Duration

	redis store.RedisConfig
}

func main() {
	var (
		logOutput, logFormat, logFile, logLevel string

		listenAddr      string
		shutdownTimeout time.Duration
		metricsPath     string
		topologyFile    string
		bufferGB        string
		singleTenant    bool
		tlsFiles        mtls.Files
		sf              storeFlags
	)
	app := kingpin.New(filepath.Base(os.Args[0]), "GPU memory reservation broker.")
	app.HelpFlag.Short('h')
	app.Flag("log.level", "Log level, one of [debug, info, warn, error].").Default("info").EnumVar(&logLevel, log.Levels...)
	app.Flag("log.output", "Log output, one of [stdout, stderr, file].").Default("stderr").EnumVar(&logOutput, log.Outputs...)
	app.Flag("log.format", "Log format, one of [json, text].").Default("text").EnumVar(&logFormat, log.Formats...)
	app.Flag("log.file", "Log file path when --log.output=file.").PlaceHolder("PATH").StringVar(&logFile)
	app.Flag("server.listen-addr", "Server listen address (e.g. :8080 or 127.0.0.1:8080)").Default(":8080").StringVar(&listenAddr)
	app.Flag("server.shutdown-timeout", "Graceful shutdown timeout (e.g. 10s)").Default("10s").DurationVar(&shutdownTimeout)
	app.Flag("server.metrics-path", "Path serving prometheus metrics.").Default("/metrics").StringVar(&metricsPath)
	app.Flag("tls.cert", "Server certificate; enables mTLS together with --tls.key and --tls.ca.").PlaceHolder("PATH").StringVar(&tlsFiles.CertFile)
	app.Flag("tls.key", "Server private key.").PlaceHolder("PATH").StringVar(&tlsFiles.KeyFile)
	app.Flag("tls.ca", "CA bundle used to verify client certificates.").PlaceHolder("PATH").StringVar(&tlsFiles.CAFile)
	app.Flag("policy.buffer-gb", "Safety margin in GB charged per reservation.").Default(broker.DefaultBufferGB.String()).StringVar(&bufferGB)
	app.Flag("policy.single-tenant", "Exclude GPUs that already hold a reservation.").BoolVar(&singleTenant)
	app.Flag("topology.file", "YAML file with the initial nodes and GPUs; built-in demo topology if empty.").PlaceHolder("PATH").StringVar(&topologyFile)
	app.Flag("store.kind", "Reservation store, one of [memory, postgres, redis].").Default(string(store.KindMemory)).EnumVar(&sf.kind, store.Kinds...)
	app.Flag("store.postgres.dsn", "PostgreSQL connection string.").Envar("BROKER_POSTGRES_DSN").StringVar(&sf.pgDSN)
	app.Flag("store.postgres.max-conns", "Maximum pool connections.").Default("10").Int32Var(&sf.pgMaxConns)
	app.Flag("store.postgres.min-conns", "Minimum idle pool connections.").Default("1").Int32Var(&sf.pgMinConns)
	app.Flag("store.postgres.max-conn-lifetime", "Maximum lifetime of a pooled connection.").Default("30m").DurationVar(&sf.pgMaxConnLifetime)
	app.Flag("store.redis.addr", "Redis address.").Default("127.0.0.1:6379").StringVar(&sf.redis.Addr)
	app.Flag("store.redis.password", "Redis password.").Envar("BROKER_REDIS_PASSWORD").StringVar(&sf.redis.Password)
	app.Flag("store.redis.db", "Redis database number.").Default("0").IntVar(&sf.redis.DB)
	app.Flag("store.redis.prefix", "Key prefix for broker data.").Default(store.DefaultRedisPrefix).StringVar(&sf.redis.Prefix)
	// Cross-flag validation
	app.PreAction(func(*kingpin.ParseContext) error {
		if strings.EqualFold(logOutput, "file") && strings.TrimSpace(logFile) == "" {
			return fmt.Errorf("--log.file is required when --log.output=file")
		}
		if sf.kind == string(store.KindPostgres) && sf.pgDSN == "" {
			return fmt.Errorf("--store.postgres.dsn is required for the postgres store")
		}
		if _, err := decimal.NewFromString(bufferGB); err != nil {
			return fmt.Errorf("invalid --policy.buffer-gb %q: %w", bufferGB, err)
		}
		return tlsFiles.Validate()
	})
	app.Version(version.Print("gpu-broker"))

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("failed to parse commandline arguments: %w", err))
		app.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger, logClose, err := log.NewLogger(logOutput, logFormat, logFile, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logClose()

	decimal.MarshalJSONWithoutQuotes = true
	cfg := broker.Config{BufferGB: decimal.RequireFromString(bufferGB), SingleTenant: singleTenant}

	if err := run(logger, cfg, sf, topologyFile, listenAddr, metricsPath, shutdownTimeout, tlsFiles); err != nil {
		logger.Error("broker failed", slog.Any("err", err))
		logClose()
		os.Exit(1)
	}
	logger.Info("broker exiting")
}

func run(logger *slog.Logger, cfg broker.Config, sf storeFlags, topologyFile, listenAddr, metricsPath string,
	shutdownTimeout time.Duration, tlsFiles mtls.Files) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initial := topology.DefaultNodes()
	if topologyFile != "" {
		var err error
		if initial, err = topology.LoadFile(topologyFile); err != nil {
			return err
		}
	}
	registry := topology.NewRegistry(logger, initial)
	logger.Info("topology loaded", "nodes", len(initial), "file", topologyFile)

	rs, err := openStore(ctx, sf)
	if err != nil {
		return err
	}
	defer rs.Close()
	logger.Info("reservation store ready", "kind", sf.kind)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := broker.NewMetrics(reg)
	if err != nil {
		return err
	}

	b, err := broker.New(cfg, cluster.NewBuilder(registry, rs, logger), rs, registry, metrics, logger)
	if err != nil {
		return err
	}

	r := api.NewEngine()
	api.Mount(r,
		api.SystemRoutes{Gatherer: reg, MetricsPath: metricsPath},
		api.NewBrokerHandler(b, logger),
		api.NewTelemetryHandler(registry, logger),
	)
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if tlsFiles.Enabled() {
		if srv.TLSConfig, err = mtls.LoadServerConfig(tlsFiles); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", listenAddr), slog.Bool("mtls", srv.TLSConfig != nil),
			slog.String("buffer_gb", cfg.BufferGB.String()), slog.Bool("single_tenant", cfg.SingleTenant))
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, sf storeFlags) (domain.ReservationStore, error) {
	octx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch store.Kind(sf.kind) {
	case store.KindPostgres:
		return store.NewPostgres(octx, sf.pgDSN,
			store.WithMaxConns(sf.pgMaxConns),
			store.WithMinConns(sf.pgMinConns),
			store.WithMaxConnLifetime(sf.pgMaxConnLifetime),
		)
	case store.KindRedis:
		return store.NewRedis(octx, sf.redis)
	default:
		return store.NewMemory(), nil
	}
}
