// Command site-guard runs the abuse-mitigation front for a web application:
// IP blocking, sliding-window rate limiting, threat scanning, login lockout,
// admin sessions, geo enrichment and the unban appeal workflow.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/site-guard/config"
	"github.com/dobrevit/site-guard/pkg/appeal"
	"github.com/dobrevit/site-guard/pkg/blocklist"
	"github.com/dobrevit/site-guard/pkg/escalate"
	"github.com/dobrevit/site-guard/pkg/geo"
	"github.com/dobrevit/site-guard/pkg/notify"
	"github.com/dobrevit/site-guard/pkg/ratelimit"
	"github.com/dobrevit/site-guard/pkg/server"
	"github.com/dobrevit/site-guard/pkg/session"
	"github.com/dobrevit/site-guard/pkg/storage"
	"github.com/dobrevit/site-guard/pkg/threat"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	logger := log.New()
	setupLogger(logger, cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}

func setupLogger(logger *log.Logger, cfg config.LoggingConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
}

func run(cfg *config.Config, logger *log.Logger) error {
	backend, err := storage.NewBackend(cfg.Backend)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return err
	}
	durable, err := storage.OpenDurableStore(cfg.Server.DataDir)
	if err != nil {
		return err
	}
	defer durable.Close()

	notifications := notify.NewLog(cfg.Notifications.Capacity, logger)

	registry, err := blocklist.Open(durable, notifications, logger)
	if err != nil {
		return err
	}

	rateEscalator := escalate.New(escalate.Config{
		KeyPrefix:   "vio:rl:",
		Threshold:   cfg.Escalation.RateLimitThreshold,
		Window:      cfg.Escalation.Window,
		BanDuration: cfg.Escalation.BanDuration,
		BanReason:   "repeated rate limit violations",
	}, backend, registry, notifications, logger)

	threatEscalator := escalate.New(escalate.Config{
		KeyPrefix:   "vio:threat:",
		Threshold:   cfg.Escalation.ThreatThreshold,
		Window:      cfg.Escalation.Window,
		BanDuration: cfg.Escalation.BanDuration,
		BanReason:   "repeated threat detections",
	}, backend, registry, notifications, logger)

	limiter, err := ratelimit.New(cfg.RateLimit.Rules, cfg.RateLimit.Window,
		backend, rateEscalator, notifications, logger, cfg.RateLimit.Whitelist)
	if err != nil {
		return err
	}

	scanner := threat.NewScanner(cfg.Threat.ExemptPaths)

	providers, err := geo.BuildProviderChain(cfg.Geo, &http.Client{Timeout: cfg.Geo.ProviderTimeout})
	if err != nil {
		// A missing or corrupt GeoIP database degrades to the HTTP providers.
		logger.WithError(err).Warn("GeoIP database unavailable, continuing without it")
		noDB := cfg.Geo
		noDB.GeoIPDatabasePath = ""
		providers, _ = geo.BuildProviderChain(noDB, &http.Client{Timeout: cfg.Geo.ProviderTimeout})
	}
	resolver := geo.NewResolver(cfg.Geo, providers, logger)

	sessions := session.NewStore(backend, cfg.Session.Lifetime, logger)
	guard := session.NewGuard(backend, cfg.Session.Guard, logger)

	appeals := appeal.New(cfg.Appeal, durable, registry, resolver, notifications, logger)

	janitor := server.NewJanitor(cfg.Server.SweepInterval, backend, registry, resolver, logger)
	janitor.Start()
	defer func() {
		if err := janitor.Stop(); err != nil {
			logger.WithError(err).Warn("Janitor stopped with error")
		}
	}()

	srv := server.New(cfg, server.Deps{
		Backend:         backend,
		Durable:         durable,
		Notifications:   notifications,
		Registry:        registry,
		Limiter:         limiter,
		Scanner:         scanner,
		ThreatEscalator: threatEscalator,
		Sessions:        sessions,
		Guard:           guard,
		Appeals:         appeals,
		Resolver:        resolver,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("dataDir", cfg.Server.DataDir).Info("site-guard starting")
	start := time.Now()
	err = srv.Start(ctx)
	logger.WithField("uptime", time.Since(start)).Info("site-guard stopped")
	return err
}
