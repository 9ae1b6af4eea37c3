package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// transportPool holds one pooled outbound transport per TLS server name.
type transportPool struct {
	skipVerify bool
	rootCAs    *x509.CertPool
	maxConns   int
	idle       time.Duration
	dialer     *net.Dialer
	logger     *slog.Logger

	mu         sync.RWMutex
	transports map[string]*http.Transport
}

func newTransportPool(opts Options, logger *slog.Logger) *transportPool {
	return &transportPool{
		skipVerify: opts.SkipVerify,
		rootCAs:    opts.RootCAs,
		maxConns:   opts.MaxConnsPerHost,
		idle:       opts.IdleTimeout,
		dialer: &net.Dialer{
			Timeout:   opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		},
		logger:     logger,
		transports: make(map[string]*http.Transport),
	}
}

func (p *transportPool) get(sni string) *http.Transport {
	p.mu.RLock()
	if t, ok := p.transports[sni]; ok {
		p.mu.RUnlock()
		return t
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[sni]; ok {
		return t
	}
	t := p.newTransport(sni)
	p.transports[sni] = t
	return t
}

func (p *transportPool) newTransport(sni string) *http.Transport {
	tlsConfig := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: p.skipVerify,
		RootCAs:            p.rootCAs,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{http2.NextProtoTLS, "http/1.1"},
	}
	t := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := p.dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			tlsConn := tls.Client(conn, tlsConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       p.maxConns,
		MaxIdleConnsPerHost:   p.maxConns,
		IdleConnTimeout:       p.idle,
		ExpectContinueTimeout: time.Second,
		// Bodies pass through untouched.
		DisableCompression: true,
	}
	if _, err := http2.ConfigureTransports(t); err != nil {
		p.logger.Warn("http2 not available for outbound transport", "sni", sni, "err", err)
	}
	return t
}

func (p *transportPool) closeIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func (p *transportPool) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.transports)
}

func (p *transportPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sni, t := range p.transports {
		t.CloseIdleConnections()
		delete(p.transports, sni)
	}
}
