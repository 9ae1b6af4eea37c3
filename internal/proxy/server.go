// Package proxy terminates TLS for the allow-listed domains and forwards
// each request to the DoH-resolved backend address.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/certs"
	"github.com/tternquist/doh-sni-proxy/internal/config"
	"github.com/tternquist/doh-sni-proxy/internal/logging"
	"github.com/tternquist/doh-sni-proxy/internal/requestlog"
	"golang.org/x/net/http2"
)

// State is the proxy lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

var (
	ErrNotStopped   = errors.New("proxy is not stopped")
	ErrNotListening = errors.New("proxy is not listening")
)

// Resolver returns the backend addresses for an allow-listed hostname.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) ([]string, error)
	Warmup(ctx context.Context, hostnames []string, delay time.Duration) (int, error)
}

type Options struct {
	ListenAddress string
	ListenPort    int
	TargetDomains []string
	// CustomSNIs maps a target hostname to the TLS server name used on the
	// outbound handshake. Without an entry the backend IP is used.
	CustomSNIs map[string]string

	Warmup      bool
	WarmupDelay time.Duration

	SkipVerify      bool
	RootCAs         *x509.CertPool
	MaxConnsPerHost int
	DialTimeout     time.Duration
	// IdleTimeout is the outbound idle connection timeout; idle connections
	// are also closed every ConnLifetime.
	IdleTimeout  time.Duration
	ConnLifetime time.Duration

	// AnonymizeClientIP masks the client address in access log entries.
	AnonymizeClientIP string
}

// OptionsFromConfig maps the proxy section of cfg onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	idle := cfg.Cache.CleanupInterval.Duration
	return Options{
		ListenAddress:   cfg.Proxy.ListenAddress,
		ListenPort:      cfg.Proxy.ListenPort,
		TargetDomains:   cfg.Proxy.TargetDomains,
		CustomSNIs:      cfg.Proxy.CustomSNIs,
		Warmup:          *cfg.Proxy.Warmup.Enabled,
		WarmupDelay:     cfg.Proxy.Warmup.Delay.Duration,
		SkipVerify:      *cfg.Proxy.Outbound.SkipVerify,
		MaxConnsPerHost: cfg.Proxy.Outbound.MaxConnsPerHost,
		IdleTimeout:     idle,
		ConnLifetime:    idle + 15*time.Minute,

		AnonymizeClientIP: cfg.AccessLog.AnonymizeClientIP,
	}
}

type Proxy struct {
	opts       Options
	resolver   Resolver
	certs      certs.Provider
	logger     *slog.Logger
	access     requestlog.Writer
	allowed    map[string]bool
	transports *transportPool

	state atomic.Int32

	mu          sync.Mutex
	server      *http.Server
	listener    net.Listener
	serveDone   chan struct{}
	stopJanitor context.CancelFunc
}

// New creates a stopped proxy. access may be nil to disable access logging.
func New(opts Options, resolver Resolver, provider certs.Provider, access requestlog.Writer, logger *slog.Logger) *Proxy {
	if opts.MaxConnsPerHost <= 0 {
		opts.MaxConnsPerHost = 100
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Minute
	}
	if opts.ConnLifetime <= 0 {
		opts.ConnLifetime = opts.IdleTimeout + 15*time.Minute
	}
	logger = logging.Component(logger, "proxy")
	allowed := make(map[string]bool, len(opts.TargetDomains))
	for _, d := range opts.TargetDomains {
		allowed[config.NormalizeHost(d)] = true
	}
	snis := make(map[string]string, len(opts.CustomSNIs))
	for host, sni := range opts.CustomSNIs {
		snis[config.NormalizeHost(host)] = sni
	}
	opts.CustomSNIs = snis
	return &Proxy{
		opts:       opts,
		resolver:   resolver,
		certs:      provider,
		logger:     logger,
		access:     access,
		allowed:    allowed,
		transports: newTransportPool(opts, logger),
	}
}

func (p *Proxy) State() State {
	return State(p.state.Load())
}

// Addr returns the bound listener address, or nil when not listening.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// OutboundTransports returns the number of per-SNI outbound transports.
func (p *Proxy) OutboundTransports() int {
	return p.transports.len()
}

// Start obtains the certificate, binds the listener, runs the optional
// warmup and then serves. It returns once the proxy is listening.
func (p *Proxy) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return ErrNotStopped
	}
	if err := p.start(ctx); err != nil {
		p.state.Store(int32(Stopped))
		return err
	}
	p.state.Store(int32(Listening))
	return nil
}

func (p *Proxy) start(ctx context.Context) error {
	if p.opts.SkipVerify {
		p.logger.Warn("outbound certificate verification is disabled; backend authenticity relies on DoH resolution")
	}
	cert, err := p.certs.GetOrCreateCertificate(p.opts.TargetDomains)
	if err != nil {
		return fmt.Errorf("obtain certificate: %w", err)
	}

	addr := net.JoinHostPort(p.opts.ListenAddress, strconv.Itoa(p.opts.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	if p.opts.Warmup {
		n, err := p.resolver.Warmup(ctx, p.opts.TargetDomains, p.opts.WarmupDelay)
		if err != nil {
			ln.Close()
			return fmt.Errorf("warmup: %w", err)
		}
		p.logger.Info("warmup complete", "resolved", n, "domains", len(p.opts.TargetDomains))
	}

	server := &http.Server{
		Handler: p,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{*cert},
			MinVersion:   tls.VersionTLS12,
		},
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug),
	}
	if err := http2.ConfigureServer(server, &http2.Server{}); err != nil {
		ln.Close()
		return fmt.Errorf("configure http2: %w", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.mu.Lock()
	p.server = server
	p.listener = ln
	p.serveDone = done
	p.stopJanitor = stopJanitor
	p.mu.Unlock()

	go func() {
		defer close(done)
		if err := server.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("proxy server stopped", "err", err)
		}
	}()
	go p.janitor(janitorCtx)

	p.logger.Info("proxy listening", "addr", ln.Addr().String(), "domains", p.opts.TargetDomains)
	return nil
}

// janitor closes idle outbound connections every ConnLifetime.
func (p *Proxy) janitor(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ConnLifetime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.transports.closeIdle()
		}
	}
}

// Stop drains the listener and closes pooled outbound connections.
func (p *Proxy) Stop(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(Listening), int32(Stopping)) {
		return ErrNotListening
	}
	defer p.state.Store(int32(Stopped))

	p.mu.Lock()
	server, done, stop := p.server, p.serveDone, p.stopJanitor
	p.mu.Unlock()

	stop()
	err := server.Shutdown(ctx)
	if err != nil {
		server.Close()
	}
	<-done
	p.transports.close()

	p.mu.Lock()
	p.server, p.listener, p.serveDone, p.stopJanitor = nil, nil, nil, nil
	p.mu.Unlock()
	p.logger.Info("proxy stopped")
	return err
}
