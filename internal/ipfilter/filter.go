package ipfilter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/cache"
	"github.com/tternquist/doh-sni-proxy/internal/config"
	"github.com/tternquist/doh-sni-proxy/internal/logging"
	"github.com/tternquist/doh-sni-proxy/internal/metrics"
)

// Strategy selects how the best address is chosen.
type Strategy string

const (
	MinRTT           Strategy = config.StrategyMinRTT
	LeastPacketLoss  Strategy = config.StrategyLeastPacketLoss
	FastestHandshake Strategy = config.StrategyFastestHandshake
)

// Store is the subset of the record cache the filter reads and narrows.
type Store interface {
	Peek(hostname string) (cache.AddressRecord, bool)
	CompareAndSwap(hostname string, old, next cache.AddressRecord) bool
}

type Options struct {
	Strategy        Strategy
	MaxResponseTime time.Duration
}

// Filter narrows multi-address cache records to the best-performing address.
// Work runs in tracked background goroutines that Close cancels and awaits.
type Filter struct {
	opts   Options
	prober Prober
	store  Store
	logger *slog.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]*pass
	selected map[string]string
}

// pass tracks the running filter goroutine for one hostname. gen is the
// CreatedAt of the record being probed; rerun asks for another pass once the
// current one ends because a newer record arrived meanwhile.
type pass struct {
	gen   time.Time
	rerun bool
}

func New(opts Options, prober Prober, store Store, logger *slog.Logger) *Filter {
	if opts.Strategy == "" {
		opts.Strategy = MinRTT
	}
	if opts.MaxResponseTime <= 0 {
		opts.MaxResponseTime = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Filter{
		opts:     opts,
		prober:   prober,
		store:    store,
		logger:   logging.Component(logger, "ipfilter"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*pass),
		selected: make(map[string]string),
	}
}

// StartFiltering probes the addresses of hostname's cached record in the
// background. It returns immediately. A call for the record generation
// already being probed is dropped; a call for a newer generation runs another
// pass after the current one.
func (f *Filter) StartFiltering(hostname string) {
	rec, ok := f.store.Peek(hostname)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if p, running := f.inflight[hostname]; running {
		if ok && !rec.CreatedAt.Equal(p.gen) {
			p.rerun = true
		}
		f.mu.Unlock()
		return
	}
	p := &pass{gen: rec.CreatedAt}
	f.inflight[hostname] = p
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		for {
			f.run(hostname, p)
			f.mu.Lock()
			if p.rerun && !f.closed {
				p.rerun = false
				f.mu.Unlock()
				continue
			}
			delete(f.inflight, hostname)
			f.mu.Unlock()
			return
		}
	}()
}

// Wait blocks until all in-flight filtering passes finish.
func (f *Filter) Wait() {
	f.wg.Wait()
}

func (f *Filter) run(hostname string, p *pass) {
	rec, ok := f.store.Peek(hostname)
	if !ok || rec.Expired(f.now()) || len(rec.Addresses) <= 1 {
		return
	}
	f.mu.Lock()
	p.gen = rec.CreatedAt
	f.mu.Unlock()
	if f.opts.Strategy != MinRTT {
		f.logger.Info("selection strategy not implemented, keeping all addresses", "strategy", f.opts.Strategy, "host", hostname)
		return
	}

	results := f.probeAll(rec.Addresses)
	winner, ok := Select(results, f.opts.MaxResponseTime)
	if !ok {
		f.logger.Debug("no address within response time ceiling", "host", hostname, "ceiling", f.opts.MaxResponseTime)
		return
	}
	if !f.store.CompareAndSwap(hostname, rec, rec.WithAddresses(winner)) {
		f.logger.Debug("record changed during filtering, discarding result", "host", hostname)
		return
	}
	f.mu.Lock()
	f.selected[hostname] = winner
	f.mu.Unlock()
	f.logger.Info("selected address", "host", hostname, "address", winner, "candidates", len(rec.Addresses))
}

// probeAll probes every address concurrently and returns results in
// completion order.
func (f *Filter) probeAll(addrs []string) []Result {
	ctx, cancel := context.WithTimeout(f.ctx, f.opts.MaxResponseTime)
	defer cancel()
	ch := make(chan Result, len(addrs))
	for _, addr := range addrs {
		go func(addr string) {
			ch <- f.prober.Probe(ctx, addr)
		}(addr)
	}
	results := make([]Result, 0, len(addrs))
	for range addrs {
		r := <-ch
		metrics.RecordProbe(r.OK)
		results = append(results, r)
	}
	return results
}

// Select returns the successful result with the smallest RTT not above
// ceiling. Results must be in completion order; ties go to the earliest.
func Select(results []Result, ceiling time.Duration) (string, bool) {
	var (
		best  Result
		found bool
	)
	for _, r := range results {
		if !r.OK || r.RTT > ceiling {
			continue
		}
		if !found || r.RTT < best.RTT {
			best, found = r, true
		}
	}
	return best.Address, found
}

// SelectedHosts returns how many hostnames have been narrowed to one address.
func (f *Filter) SelectedHosts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.selected)
}

// Close cancels in-flight probes and waits for them to finish.
func (f *Filter) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cancel()
	f.wg.Wait()
}
