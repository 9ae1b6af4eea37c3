package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/cache"
	"github.com/tternquist/doh-sni-proxy/internal/config"
	"github.com/tternquist/doh-sni-proxy/internal/logging"
	"github.com/tternquist/doh-sni-proxy/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// ErrNoAddresses is returned when every server answered without addresses.
var ErrNoAddresses = errors.New("no addresses found")

// AllServersFailedError aggregates the failure of every configured server.
type AllServersFailedError struct {
	Hostname string
	Errors   []error
}

func (e *AllServersFailedError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all %d doh servers failed for %s: %s", len(e.Errors), e.Hostname, strings.Join(msgs, "; "))
}

func (e *AllServersFailedError) Unwrap() []error {
	return e.Errors
}

// Querier resolves a hostname against a single server.
type Querier interface {
	Query(ctx context.Context, hostname, serverURL string) ([]string, error)
}

// Store is the subset of the record cache used by the resolver.
type Store interface {
	TryGet(hostname string) (cache.AddressRecord, bool)
	Put(hostname string, rec cache.AddressRecord)
}

// Filter refines multi-address records in the background.
type Filter interface {
	StartFiltering(hostname string)
}

type Options struct {
	// Servers is the primary followed by fallbacks.
	Servers       []string
	CacheDuration time.Duration
	LockMode      string
	// MissTimeout bounds one coalesced miss, independent of the waiting callers.
	MissTimeout time.Duration
}

type Resolver struct {
	opts    Options
	querier Querier
	store   Store
	filter  Filter
	logger  *slog.Logger
	now     func() time.Time

	group  singleflight.Group
	global chan struct{}

	// filtered remembers, per hostname, the CreatedAt of the record last
	// handed to the filter.
	filtered sync.Map
}

func New(opts Options, querier Querier, store Store, filter Filter, logger *slog.Logger) *Resolver {
	if opts.CacheDuration <= 0 {
		opts.CacheDuration = 30 * time.Minute
	}
	if opts.MissTimeout <= 0 {
		opts.MissTimeout = time.Minute
	}
	if opts.LockMode == "" {
		opts.LockMode = config.LockModeGlobal
	}
	return &Resolver{
		opts:    opts,
		querier: querier,
		store:   store,
		filter:  filter,
		logger:  logging.Component(logger, "resolver"),
		now:     time.Now,
		global:  make(chan struct{}, 1),
	}
}

// SetFilter attaches the filter after construction; the filter itself
// depends on the store populated by the resolver.
func (r *Resolver) SetFilter(f Filter) {
	r.filter = f
}

// Resolve returns the addresses for hostname, from cache when possible.
// Concurrent misses for the same hostname produce a single upstream query.
func (r *Resolver) Resolve(ctx context.Context, hostname string) ([]string, error) {
	host := config.NormalizeHost(hostname)
	if rec, ok := r.store.TryGet(host); ok {
		metrics.RecordResolution("cached")
		return rec.Addresses, nil
	}

	var (
		rec cache.AddressRecord
		err error
	)
	if r.opts.LockMode == config.LockModeGlobal {
		rec, err = r.resolveGlobal(ctx, host)
	} else {
		rec, err = r.resolvePerHost(ctx, host)
	}
	if err != nil {
		if errors.Is(err, ErrNoAddresses) {
			metrics.RecordResolution("empty")
		} else {
			metrics.RecordResolution("failed")
		}
		return nil, err
	}
	metrics.RecordResolution("resolved")
	r.maybeFilter(rec)
	return rec.Addresses, nil
}

func (r *Resolver) resolvePerHost(ctx context.Context, host string) (cache.AddressRecord, error) {
	ch := r.group.DoChan(host, func() (any, error) {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.MissTimeout)
		defer cancel()
		return r.resolveMiss(mctx, host)
	})
	select {
	case <-ctx.Done():
		return cache.AddressRecord{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return cache.AddressRecord{}, res.Err
		}
		return res.Val.(cache.AddressRecord), nil
	}
}

func (r *Resolver) resolveGlobal(ctx context.Context, host string) (cache.AddressRecord, error) {
	select {
	case r.global <- struct{}{}:
	case <-ctx.Done():
		return cache.AddressRecord{}, ctx.Err()
	}
	defer func() { <-r.global }()
	return r.resolveMiss(ctx, host)
}

// resolveMiss runs with the miss lock held.
func (r *Resolver) resolveMiss(ctx context.Context, host string) (cache.AddressRecord, error) {
	// Another waiter may have populated the cache while we waited.
	if rec, ok := r.store.TryGet(host); ok {
		return rec, nil
	}

	var errs []error
	allEmpty := true
	for _, server := range r.opts.Servers {
		addrs, err := r.querier.Query(ctx, host, server)
		if err != nil {
			allEmpty = false
			r.logger.Warn("doh server failed", "host", host, "server", server, "err", err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(addrs) == 0 {
			r.logger.Debug("doh server returned no addresses", "host", host, "server", server)
			errs = append(errs, fmt.Errorf("%s: %w", server, ErrNoAddresses))
			continue
		}
		rec := cache.NewRecord(host, addrs, r.now(), r.opts.CacheDuration)
		r.store.Put(host, rec)
		r.logger.Debug("resolved", "host", host, "server", server, "addresses", addrs)
		return rec, nil
	}
	if allEmpty {
		return cache.AddressRecord{}, fmt.Errorf("%w for %s", ErrNoAddresses, host)
	}
	return cache.AddressRecord{}, &AllServersFailedError{Hostname: host, Errors: errs}
}

func (r *Resolver) maybeFilter(rec cache.AddressRecord) {
	if r.filter == nil || len(rec.Addresses) < 2 {
		return
	}
	prev, loaded := r.filtered.Swap(rec.Hostname, rec.CreatedAt)
	if loaded && prev.(time.Time).Equal(rec.CreatedAt) {
		return
	}
	r.filter.StartFiltering(rec.Hostname)
}

// Warmup resolves each hostname in order, waiting delay before each one.
// Individual failures are logged; only cancellation stops the warmup.
func (r *Resolver) Warmup(ctx context.Context, hostnames []string, delay time.Duration) (int, error) {
	resolved := 0
	for _, host := range hostnames {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return resolved, ctx.Err()
			case <-t.C:
			}
		}
		addrs, err := r.Resolve(ctx, host)
		if err != nil {
			if ctx.Err() != nil {
				return resolved, ctx.Err()
			}
			r.logger.Warn("warmup resolve failed", "host", host, "err", err)
			continue
		}
		resolved++
		r.logger.Debug("warmed", "host", host, "addresses", addrs)
	}
	return resolved, nil
}
