package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/welldanyogia/tempmail-mta/internal/app"
	"github.com/welldanyogia/tempmail-mta/internal/config"
	"github.com/welldanyogia/tempmail-mta/internal/health"
	"github.com/welldanyogia/tempmail-mta/internal/logger"
	"github.com/welldanyogia/tempmail-mta/internal/metrics"
	"github.com/welldanyogia/tempmail-mta/internal/middleware"
	"github.com/welldanyogia/tempmail-mta/internal/parser"
	"github.com/welldanyogia/tempmail-mta/internal/sessioncache"
	"github.com/welldanyogia/tempmail-mta/internal/smtp"
	"github.com/welldanyogia/tempmail-mta/internal/sse"
	"github.com/welldanyogia/tempmail-mta/internal/storage"
)

// Version is set at build time
var Version = "dev"

const (
	shutdownTimeout = 30 * time.Second
	sessionTTL      = 24 * time.Hour // closing a session removes its record first
	sessionSweep    = time.Minute
	dbStatsInterval = 15 * time.Second
)

func main() {
	cfg := config.Load()

	log := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("MTA stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("MTA stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting MTA",
		slog.String("version", Version),
		slog.String("domain", cfg.SMTP.Domain),
		slog.Int("smtp_port", cfg.SMTP.Port),
		slog.String("log_level", cfg.Logging.Level),
	)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	tlsConfig, err := loadTLS(cfg, log)
	if err != nil {
		return err
	}

	sessions := sessioncache.New[smtp.AuthRecord](sessionTTL)
	sessions.StartSweeper(sessionSweep)
	defer sessions.Close()

	processor := smtp.NewProcessor(smtp.ProcessorConfig{
		Domain:     cfg.SMTP.Domain,
		Parser:     parser.New(cfg.SMTP.MaxMessageSize),
		Store:      a.Store,
		Notifier:   a.Notifier,
		Dispatcher: a.Engine,
		Logger:     log,
	})

	srvCfg := &smtp.Config{
		Domain:              cfg.SMTP.Domain,
		Port:                cfg.SMTP.Port,
		MaxConnections:      cfg.SMTP.MaxConnections,
		MaxConnectionsPerIP: cfg.SMTP.MaxConnectionsPerIP,
		IdleTimeout:         cfg.SMTP.IdleTimeout,
		MaxMessageSize:      cfg.SMTP.MaxMessageSize,
		MaxRecipients:       cfg.SMTP.MaxRecipients,
		RateLimitPerMinute:  cfg.SMTP.RateLimitPerMinute,
	}
	if tlsConfig != nil {
		srvCfg.TLSPort = cfg.SMTP.TLSPort
	}
	server := smtp.NewServer(srvCfg, smtp.Options{
		TLSConfig: tlsConfig,
		Handler:   processor,
		Directory: a.Directory,
		Sessions:  sessions,
		Logger:    log,
	})
	if err := server.Start(); err != nil {
		return err
	}

	if cfg.Storage.Retention > 0 {
		if exp, ok := a.Store.(storage.Expirer); ok {
			job := storage.NewRetentionJob(exp, storage.RetentionConfig{
				MaxAge:   cfg.Storage.Retention,
				Interval: cfg.Storage.RetentionInterval,
			}, log)
			job.Start()
			defer job.Stop()
		}
	}

	checks := map[string]health.Checker{}
	if a.Pool != nil {
		checks["database"] = health.PingCheck(a.Pool)
		collector := metrics.NewDBStatsCollector(a.Pool, a.DB.DB, log)
		collector.Start(dbStatsInterval)
		defer collector.Stop()
	}
	probes := health.NewHandler(health.Config{
		Checks:  checks,
		SMTP:    server,
		Version: Version,
	})

	streamCfg := sse.DefaultConfig()
	streams := sse.NewConnectionManager(streamCfg)
	stopCleanup := streams.StartCleanup(time.Minute)
	defer stopCleanup()
	stream := sse.NewHandler(streamCfg, streams, a.Bus, a.Directory, log)

	admin := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           adminRouter(probes, stream, log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("admin listener started", slog.String("addr", cfg.Admin.Addr))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		probes.SetReady(false)

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		streams.CloseAll()
		if err := server.Stop(sctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.Engine.Wait(sctx); err != nil {
			errs = append(errs, fmt.Errorf("outbound deliveries: %w", err))
		}
		if err := admin.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("admin listener: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func loadTLS(cfg *config.Config, log *slog.Logger) (*tls.Config, error) {
	if !cfg.SMTP.TLSEnabled {
		log.Info("TLS disabled, STARTTLS will not be offered")
		return nil, nil
	}
	tlsConfig, err := smtp.LoadTLSConfig(cfg.SMTP.TLSCertFile, cfg.SMTP.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	if err := smtp.ValidateTLSConfig(tlsConfig); err != nil {
		return nil, fmt.Errorf("smtp: %w", err)
	}
	log.Info("TLS enabled", slog.Int("tls_port", cfg.SMTP.TLSPort))
	return tlsConfig, nil
}

func adminRouter(probes *health.Handler, stream *sse.Handler, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(log))
	r.Use(metrics.Middleware)

	r.Handle("/metrics", metrics.Handler())
	probes.Routes(r)
	sse.RegisterRoutes(r, stream)
	return r
}
