package dohclient

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/tantalor93/doq-go/doq"
	"github.com/tternquist/doh-sni-proxy/internal/logging"
	"github.com/tternquist/doh-sni-proxy/internal/metrics"
	"golang.org/x/time/rate"
)

const maxResponseSize = 64 * 1024

// Options tunes a Client.
type Options struct {
	Timeout           time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	MaxCnameRecursion int
	// MaxQPS limits outbound requests across all servers; 0 disables the limit.
	MaxQPS float64
	// HTTPClient overrides the pooled client used for https:// servers.
	HTTPClient *http.Client
}

// doqClient allows tests to replace *doq.Client.
type doqClient interface {
	Send(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

// Client queries a single DoH (https://) or DoQ (quic://) server for A records.
// Choosing between servers is the caller's job.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	doqClientsMu sync.RWMutex
	doqClients   map[string]doqClient

	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	c := &Client{
		opts:       opts,
		http:       opts.HTTPClient,
		logger:     logging.Component(logger, "dohclient"),
		doqClients: make(map[string]doqClient),
		sleep:      sleepContext,
	}
	if c.http == nil {
		c.http = &http.Client{Transport: newTransport()}
	}
	if opts.MaxQPS > 0 {
		burst := int(opts.MaxQPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxQPS), burst)
	}
	return c
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}

// Query resolves hostname against serverURL. A response with A records is
// returned directly; otherwise CNAME targets are chased on the same server up
// to MaxCnameRecursion hops. A nil slice with a nil error is a negative answer.
func (c *Client) Query(ctx context.Context, hostname, serverURL string) ([]string, error) {
	seen := map[string]bool{strings.ToLower(strings.TrimSuffix(hostname, ".")): true}
	return c.resolve(ctx, hostname, serverURL, 0, seen)
}

func (c *Client) resolve(ctx context.Context, hostname, serverURL string, depth int, seen map[string]bool) ([]string, error) {
	ans, err := c.queryWithRetry(ctx, hostname, serverURL)
	if err != nil {
		return nil, err
	}
	if len(ans.A) > 0 {
		return ans.A, nil
	}
	if ans.HasSOA && len(ans.CNAMEs) == 0 {
		c.logger.Debug("negative answer", "host", hostname, "server", serverURL, "rcode", dns.RcodeToString[ans.Rcode])
	}
	if depth >= c.opts.MaxCnameRecursion {
		if len(ans.CNAMEs) > 0 {
			c.logger.Debug("cname recursion limit reached", "host", hostname, "depth", depth)
		}
		return nil, nil
	}
	for _, alias := range ans.CNAMEs {
		if seen[alias] {
			continue
		}
		seen[alias] = true
		addrs, err := c.resolve(ctx, alias, serverURL, depth+1, seen)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}
	return nil, nil
}

// queryWithRetry retries transient failures with exponential backoff.
func (c *Client) queryWithRetry(ctx context.Context, hostname, serverURL string) (Answer, error) {
	var errs []error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			c.logger.Debug("retrying doh query", "host", hostname, "server", serverURL, "attempt", attempt+1, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				errs = append(errs, err)
				return Answer{}, &AttemptsError{Server: serverURL, Hostname: hostname, Errors: errs}
			}
		}
		ans, err := c.exchange(ctx, hostname, serverURL)
		if err == nil {
			return ans, nil
		}
		errs = append(errs, err)
		if !IsTransient(err) || ctx.Err() != nil {
			return Answer{}, &AttemptsError{Server: serverURL, Hostname: hostname, Errors: errs}
		}
	}
	return Answer{}, &AttemptsError{Server: serverURL, Hostname: hostname, Errors: errs, Exhausted: true}
}

// backoff returns min(base * 2^n, max).
func (c *Client) backoff(n int) time.Duration {
	d := c.opts.RetryBaseDelay
	for i := 0; i < n && d < c.opts.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > c.opts.RetryMaxDelay {
		d = c.opts.RetryMaxDelay
	}
	return d
}

func (c *Client) exchange(ctx context.Context, hostname, serverURL string) (Answer, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Answer{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	query, _, err := BuildQuery(hostname)
	if err != nil {
		return Answer{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	start := time.Now()
	var body []byte
	if strings.HasPrefix(serverURL, "quic://") {
		body, err = c.doqExchange(ctx, serverURL, query)
	} else {
		body, err = c.dohExchange(ctx, serverURL, query)
	}
	var ans Answer
	if err == nil {
		ans, err = ParseResponse(body)
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if IsTransient(err) {
			outcome = "transient"
		}
	}
	metrics.RecordDoHQuery(serverURL, outcome, time.Since(start))
	return ans, err
}

// dohExchange performs an RFC 8484 GET with the query in the dns parameter.
func (c *Client) dohExchange(ctx context.Context, serverURL string, query []byte) ([]byte, error) {
	sep := "?"
	if strings.Contains(serverURL, "?") {
		sep = "&"
	}
	u := serverURL + sep + "dns=" + base64.RawURLEncoding.EncodeToString(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-message")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, &StatusError{Server: serverURL, Code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
}

// doqExchange sends the query over DNS-over-QUIC (RFC 9250).
func (c *Client) doqExchange(ctx context.Context, serverURL string, query []byte) ([]byte, error) {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		return nil, err
	}
	// RFC 9250 requires ID 0 on the wire.
	req.Id = 0
	resp, err := c.doqClientFor(serverURL).Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Pack()
}

func (c *Client) doqClientFor(serverURL string) doqClient {
	c.doqClientsMu.RLock()
	if dc, ok := c.doqClients[serverURL]; ok {
		c.doqClientsMu.RUnlock()
		return dc
	}
	c.doqClientsMu.RUnlock()

	c.doqClientsMu.Lock()
	defer c.doqClientsMu.Unlock()
	if dc, ok := c.doqClients[serverURL]; ok {
		return dc
	}
	dc := doq.NewClient(strings.TrimPrefix(serverURL, "quic://"),
		doq.WithConnectTimeout(c.opts.Timeout),
		doq.WithReadTimeout(c.opts.Timeout),
		doq.WithWriteTimeout(c.opts.Timeout),
	)
	c.doqClients[serverURL] = dc
	return dc
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	if t, ok := c.http.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	var errs []error
	c.doqClientsMu.Lock()
	for addr, dc := range c.doqClients {
		if closer, ok := dc.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(c.doqClients, addr)
	}
	c.doqClientsMu.Unlock()
	if err := errors.Join(errs...); err != nil {
		c.logger.Debug("closing doq clients", "err", err)
	}
}
