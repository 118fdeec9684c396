package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sinkhole/pkg/acl"
	"sinkhole/pkg/api"
	"sinkhole/pkg/blocklist"
	"sinkhole/pkg/config"
	"sinkhole/pkg/dns"
	"sinkhole/pkg/forwarder"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/policy"
	"sinkhole/pkg/ratelimit"
	"sinkhole/pkg/resolver"
	"sinkhole/pkg/storage"
	"sinkhole/pkg/telemetry"
)

const shutdownWait = 5 * time.Second

var (
	configPath  = flag.String("config", "config.yml", "Path to configuration file")
	checkConfig = flag.Bool("check", false, "Validate the configuration and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "dev"
	buildTime   = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sinkhole %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *checkConfig {
		fmt.Printf("%s: configuration OK\n", *configPath)
		return
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("sinkhole starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx := context.Background()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, version, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	if cfg.Storage.Enabled {
		sqlStore, err := storage.New(&cfg.Storage, metrics, logger)
		if err != nil {
			logger.Error("failed to open query log", "error", err, "path", cfg.Storage.Path)
			os.Exit(1)
		}
		store = sqlStore
	}

	// The banned list may live behind a URL; resolve list hosts through
	// the upstream so startup does not depend on this very server.
	bootstrap := resolver.New(cfg.UpstreamDNS, logger)
	loader := blocklist.NewLoader(bootstrap.NewHTTPClient(30*time.Second), logger)
	banned := loader.Load(ctx, cfg.BannedList)

	pol := policy.Compile(cfg, banned, logger)
	logger.Info("policy compiled",
		"banned_domains", len(pol.Banned),
		"banned_mode", string(pol.BannedMode),
		"overlay_a", len(pol.ARecords),
		"overlay_cname", len(pol.CNAMERecords),
		"fallback", string(pol.Fallback),
		"self_ip", pol.SelfIP,
	)
	metrics.BannedDomains.Add(ctx, int64(len(pol.Banned)))
	metrics.OverlayRecords.Add(ctx, int64(len(pol.ARecords)+len(pol.CNAMERecords)))

	var fwd policy.Forwarder
	if pol.Fallback == policy.FallbackForward {
		fwd = forwarder.New(pol.Upstream, pol.ForwardTimeout, logger)
	}

	handler := dns.NewHandler(policy.NewResolver(pol, fwd, logger), logger)
	handler.SetMetrics(metrics)
	handler.SetACL(acl.New(cfg.ACL, logger))
	limiter := ratelimit.NewManager(&cfg.RateLimit, logger)
	handler.SetRateLimiter(limiter)
	if store != nil {
		handler.SetStore(store)
	}

	dnsServer := dns.NewServer(cfg, handler, logger)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(&api.Config{
			ListenAddress: cfg.API.Listen,
			PasswordHash:  cfg.API.PasswordHash,
			Store:         store,
			Policy:        pol,
			DNS:           dnsServer,
			Logger:        logger,
			Version:       version,
		})
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		if err := dnsServer.Start(sigCtx); err != nil {
			errCh <- err
		}
	}()
	if apiServer != nil {
		go func() {
			if err := apiServer.Start(sigCtx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", "error", err)
		cleanup(ctx, logger, dnsServer, apiServer, store, limiter, telem)
		os.Exit(1)
	}

	cleanup(ctx, logger, dnsServer, apiServer, store, limiter, telem)
	logger.Info("sinkhole stopped")
}

// cleanup tears subsystems down in dependency order: listeners first,
// then the query log they write to, telemetry last.
func cleanup(ctx context.Context, logger *logging.Logger, dnsServer *dns.Server, apiServer *api.Server, store storage.Store, limiter *ratelimit.Manager, telem *telemetry.Telemetry) {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownWait)
	defer cancel()

	if dnsServer != nil {
		if err := dnsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("dns server shutdown failed", "error", err)
		}
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown failed", "error", err)
		}
	}
	limiter.Stop()
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error("query log close failed", "error", err)
		}
	}
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
}
