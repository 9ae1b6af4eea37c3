package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/cache"
	"github.com/tternquist/doh-sni-proxy/internal/certs"
	"github.com/tternquist/doh-sni-proxy/internal/config"
	"github.com/tternquist/doh-sni-proxy/internal/control"
	"github.com/tternquist/doh-sni-proxy/internal/dohclient"
	"github.com/tternquist/doh-sni-proxy/internal/errorlog"
	"github.com/tternquist/doh-sni-proxy/internal/ipfilter"
	"github.com/tternquist/doh-sni-proxy/internal/logging"
	"github.com/tternquist/doh-sni-proxy/internal/metrics"
	"github.com/tternquist/doh-sni-proxy/internal/proxy"
	"github.com/tternquist/doh-sni-proxy/internal/requestlog"
	"github.com/tternquist/doh-sni-proxy/internal/resolver"
)

const shutdownTimeout = 10 * time.Second

// runServer loads config, wires components, starts the proxy, and blocks until shutdown.
func runServer(configPath string) error {
	metrics.Init()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	errorBuffer := errorlog.NewBuffer(os.Stdout, 100)
	logger := logging.NewLogger(errorBuffer, logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	slog.SetDefault(logger)

	// Access log
	var accessLog requestlog.Writer
	if cfg.AccessLog.Enabled != nil && *cfg.AccessLog.Enabled {
		writer, err := requestlog.NewDailyWriter(cfg.AccessLog.Directory, cfg.AccessLog.FilenamePrefix)
		if err != nil {
			return fmt.Errorf("initialize access log: %w", err)
		}
		defer func() { _ = writer.Close() }()
		accessLog = requestlog.NewWriter(writer, cfg.AccessLog.Format)
	}

	snap, err := newSnapshotter(cfg.Cache)
	if err != nil {
		return err
	}
	store := cache.NewStore(cache.Options{
		MaxEntries:      cfg.Cache.MaxSize,
		CleanupInterval: cfg.Cache.CleanupInterval.Duration,
		Debounce:        cfg.Cache.Debounce.Duration,
	}, snap, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.Start(ctx)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("cache close failed", "err", err)
		}
	}()

	doh := dohclient.New(dohclient.Options{
		Timeout:           cfg.DoH.Timeout.Duration,
		MaxRetries:        cfg.DoH.MaxRetries,
		RetryBaseDelay:    cfg.DoH.RetryBaseDelay.Duration,
		RetryMaxDelay:     cfg.DoH.RetryMaxDelay.Duration,
		MaxCnameRecursion: *cfg.DoH.MaxCnameRecursion,
		MaxQPS:            cfg.DoH.MaxQPS,
	}, logger)
	defer doh.Close()

	servers := cfg.DoH.Servers()
	res := resolver.New(resolver.Options{
		Servers:       servers,
		CacheDuration: cfg.IPSelection.CacheDuration.Duration,
		LockMode:      cfg.Resolver.LockMode,
		MissTimeout:   missTimeout(cfg.DoH, len(servers)),
	}, doh, store, nil, logger)

	filter := ipfilter.New(ipfilter.Options{
		Strategy:        ipfilter.Strategy(cfg.IPSelection.Strategy),
		MaxResponseTime: cfg.IPSelection.MaxResponseTime.Duration,
	}, newProber(cfg.IPSelection.Probe), store, logger)
	defer filter.Close()
	res.SetFilter(filter)

	ca := certs.NewLocalCA(cfg.Certs.Directory, logger)
	if err := ca.Initialize(cfg.Certs.RootCommonName); err != nil {
		return fmt.Errorf("initialize certificate authority: %w", err)
	}
	logger.Info("trust this root certificate on clients", "path", ca.RootPath())

	p := proxy.New(proxy.OptionsFromConfig(cfg), res, ca, accessLog, logger)
	if err := p.Start(ctx); err != nil {
		return err
	}

	stats := &runtimeStats{store: store, filter: filter, proxy: p}
	controlServer := control.Start(control.Config{
		ControlCfg: cfg.Control,
		Cache:      store,
		Filter:     filter,
		Proxy:      p,
		Stats:      stats,
		Errors:     errorBuffer,
		Logger:     logging.Component(logger, "control"),
	})

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.UpdateGauges(stats)
			}
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdown(shutdownCtx, logger, p, controlServer)
	return nil
}

func shutdown(ctx context.Context, logger *slog.Logger, p *proxy.Proxy, controlServer *http.Server) {
	if err := p.Stop(ctx); err != nil {
		logger.Warn("proxy shutdown", "err", err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(ctx); err != nil {
			logger.Warn("control shutdown", "err", err)
		}
	}
}

// newSnapshotter picks redis when an address is configured, else the local file.
func newSnapshotter(cfg config.CacheConfig) (cache.Snapshotter, error) {
	rs, err := cache.NewRedisSnapshotter(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if rs != nil {
		return rs, nil
	}
	if cfg.PersistPath == "" {
		return nil, nil
	}
	return cache.NewFileSnapshotter(cfg.PersistPath), nil
}

func newProber(cfg config.ProbeConfig) ipfilter.Prober {
	if cfg.Method == config.ProbeICMP {
		return &ipfilter.ICMPProber{Privileged: cfg.Privileged}
	}
	return ipfilter.TCPProber{Port: cfg.Port}
}

// missTimeout bounds one coalesced miss: every server, every attempt, plus backoff.
func missTimeout(cfg config.DoHConfig, servers int) time.Duration {
	perServer := time.Duration(cfg.MaxRetries) * (cfg.Timeout.Duration + cfg.RetryMaxDelay.Duration)
	return time.Duration(servers) * perServer
}

type runtimeStats struct {
	store  *cache.Store
	filter *ipfilter.Filter
	proxy  *proxy.Proxy
}

func (s *runtimeStats) CacheEntries() int       { return s.store.Len() }
func (s *runtimeStats) CacheHitRate() float64   { return s.store.Stats().HitRate }
func (s *runtimeStats) SelectedHosts() int      { return s.filter.SelectedHosts() }
func (s *runtimeStats) OutboundTransports() int { return s.proxy.OutboundTransports() }
