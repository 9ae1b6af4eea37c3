package ipfilter

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/cache"
	"github.com/tternquist/doh-sni-proxy/internal/logging"
)

// fakeProber answers after a per-address delay; addresses without a delay
// never answer.
type fakeProber struct {
	delays map[string]time.Duration
	calls  atomic.Int32
}

func (p *fakeProber) Probe(ctx context.Context, ip string) Result {
	p.calls.Add(1)
	d, ok := p.delays[ip]
	if !ok {
		<-ctx.Done()
		return Result{Address: ip}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return Result{Address: ip}
	case <-t.C:
		return Result{Address: ip, RTT: d, OK: true}
	}
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	s := cache.NewStore(cache.Options{MaxEntries: 10}, nil, logging.NewDiscardLogger())
	t.Cleanup(func() { s.Close() })
	return s
}

func threeAddressRecord() cache.AddressRecord {
	return cache.NewRecord("example.com", []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"}, time.Now(), time.Hour)
}

func abcProber() *fakeProber {
	return &fakeProber{delays: map[string]time.Duration{
		"192.0.2.1": 50 * time.Millisecond, // A
		"192.0.2.2": 20 * time.Millisecond, // B
		// C times out
	}}
}

func TestFilter_NarrowsToFastest(t *testing.T) {
	store := newTestStore(t)
	rec := threeAddressRecord()
	store.Put("example.com", rec)

	f := New(Options{Strategy: MinRTT, MaxResponseTime: 100 * time.Millisecond}, abcProber(), store, logging.NewDiscardLogger())
	defer f.Close()
	f.StartFiltering("example.com")
	f.Wait()

	got, ok := store.TryGet("example.com")
	if !ok {
		t.Fatal("expected record to remain cached")
	}
	if len(got.Addresses) != 1 || got.Addresses[0] != "192.0.2.2" {
		t.Fatalf("addresses = %v, want [192.0.2.2]", got.Addresses)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) || !got.ExpiresAt.Equal(rec.ExpiresAt) || got.Hostname != rec.Hostname {
		t.Fatal("expected hostname and timestamps to be preserved")
	}
	if f.SelectedHosts() != 1 {
		t.Fatalf("SelectedHosts = %d, want 1", f.SelectedHosts())
	}
}

func TestFilter_CeilingBelowAllLatencies(t *testing.T) {
	store := newTestStore(t)
	rec := threeAddressRecord()
	store.Put("example.com", rec)

	f := New(Options{Strategy: MinRTT, MaxResponseTime: 10 * time.Millisecond}, abcProber(), store, logging.NewDiscardLogger())
	defer f.Close()
	f.StartFiltering("example.com")
	f.Wait()

	got, _ := store.TryGet("example.com")
	if !got.Equal(rec) {
		t.Fatalf("record changed to %v, want all three addresses", got.Addresses)
	}
}

func TestFilter_SingleAddressIsNoop(t *testing.T) {
	store := newTestStore(t)
	store.Put("one.example", cache.NewRecord("one.example", []string{"192.0.2.1"}, time.Now(), time.Hour))
	p := abcProber()

	f := New(Options{Strategy: MinRTT, MaxResponseTime: 100 * time.Millisecond}, p, store, logging.NewDiscardLogger())
	defer f.Close()
	f.StartFiltering("one.example")
	f.StartFiltering("missing.example")
	f.Wait()

	if p.calls.Load() != 0 {
		t.Fatalf("probes = %d, want 0", p.calls.Load())
	}
}

func TestFilter_ReservedStrategyIsNoop(t *testing.T) {
	for _, s := range []Strategy{LeastPacketLoss, FastestHandshake} {
		t.Run(string(s), func(t *testing.T) {
			store := newTestStore(t)
			rec := threeAddressRecord()
			store.Put("example.com", rec)
			p := abcProber()

			f := New(Options{Strategy: s, MaxResponseTime: 100 * time.Millisecond}, p, store, logging.NewDiscardLogger())
			defer f.Close()
			f.StartFiltering("example.com")
			f.Wait()

			got, _ := store.TryGet("example.com")
			if !got.Equal(rec) || p.calls.Load() != 0 {
				t.Fatalf("expected no refinement, got %v after %d probes", got.Addresses, p.calls.Load())
			}
		})
	}
}

func TestFilter_DoesNotClobberFreshRecord(t *testing.T) {
	store := newTestStore(t)
	store.Put("example.com", threeAddressRecord())
	p := abcProber()

	f := New(Options{Strategy: MinRTT, MaxResponseTime: 100 * time.Millisecond}, p, store, logging.NewDiscardLogger())
	defer f.Close()
	f.StartFiltering("example.com")
	fresh := cache.NewRecord("example.com", []string{"198.51.100.1", "198.51.100.2"}, time.Now().Add(time.Second), time.Hour)
	store.Put("example.com", fresh)
	f.Wait()

	got, _ := store.TryGet("example.com")
	if !got.Equal(fresh) {
		t.Fatalf("fresh record clobbered by stale filter result: %v", got.Addresses)
	}
}

func TestFilter_NewerRecordDuringPassIsFiltered(t *testing.T) {
	store := newTestStore(t)
	store.Put("example.com", threeAddressRecord())
	p := abcProber()
	p.delays["198.51.100.1"] = 30 * time.Millisecond
	p.delays["198.51.100.2"] = 10 * time.Millisecond

	f := New(Options{Strategy: MinRTT, MaxResponseTime: 100 * time.Millisecond}, p, store, logging.NewDiscardLogger())
	defer f.Close()
	f.StartFiltering("example.com")

	fresh := cache.NewRecord("example.com", []string{"198.51.100.1", "198.51.100.2"}, time.Now().Add(time.Second), time.Hour)
	store.Put("example.com", fresh)
	f.StartFiltering("example.com")
	f.Wait()

	got, _ := store.TryGet("example.com")
	if !got.CreatedAt.Equal(fresh.CreatedAt) {
		t.Fatal("expected the newer record to stay cached")
	}
	if len(got.Addresses) != 1 || got.Addresses[0] != "198.51.100.2" {
		t.Fatalf("addresses = %v, want newer record narrowed to [198.51.100.2]", got.Addresses)
	}
}

func TestFilter_SameGenerationCallsCoalesce(t *testing.T) {
	store := newTestStore(t)
	store.Put("example.com", threeAddressRecord())
	p := abcProber()

	f := New(Options{Strategy: MinRTT, MaxResponseTime: 100 * time.Millisecond}, p, store, logging.NewDiscardLogger())
	defer f.Close()
	for i := 0; i < 5; i++ {
		f.StartFiltering("example.com")
	}
	f.Wait()

	if got := p.calls.Load(); got != 3 {
		t.Fatalf("probes = %d, want 3 (one pass)", got)
	}
}

func TestFilter_CloseCancelsProbes(t *testing.T) {
	store := newTestStore(t)
	store.Put("example.com", threeAddressRecord())
	// No delays: every probe waits for cancellation.
	p := &fakeProber{}

	f := New(Options{Strategy: MinRTT, MaxResponseTime: time.Hour}, p, store, logging.NewDiscardLogger())
	f.StartFiltering("example.com")

	done := make(chan struct{})
	go func() {
		f.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel in-flight probes")
	}
	f.StartFiltering("example.com")
	f.Wait()
}

func TestSelect(t *testing.T) {
	ceiling := 100 * time.Millisecond
	tests := []struct {
		name    string
		results []Result
		want    string
		ok      bool
	}{
		{
			name: "smallest rtt wins",
			results: []Result{
				{Address: "b", RTT: 20 * time.Millisecond, OK: true},
				{Address: "a", RTT: 50 * time.Millisecond, OK: true},
				{Address: "c"},
			},
			want: "b", ok: true,
		},
		{
			name: "tie goes to first completed",
			results: []Result{
				{Address: "first", RTT: 30 * time.Millisecond, OK: true},
				{Address: "second", RTT: 30 * time.Millisecond, OK: true},
			},
			want: "first", ok: true,
		},
		{
			name: "above ceiling ignored",
			results: []Result{
				{Address: "slow", RTT: 150 * time.Millisecond, OK: true},
			},
			ok: false,
		},
		{
			name: "rtt equal to ceiling qualifies",
			results: []Result{
				{Address: "edge", RTT: ceiling, OK: true},
			},
			want: "edge", ok: true,
		},
		{name: "empty", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Select(tt.results, ceiling)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("Select = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res := TCPProber{Port: port}.Probe(ctx, "127.0.0.1")
	if !res.OK || res.RTT <= 0 || res.Address != "127.0.0.1" {
		t.Fatalf("unexpected probe result %+v", res)
	}

	// Grab a free port and close it so the connect is refused.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()
	if res := (TCPProber{Port: closedPort}).Probe(ctx, "127.0.0.1"); res.OK {
		t.Fatalf("expected refused connect on port %s to fail", strconv.Itoa(closedPort))
	}
}

func TestICMPProber_RejectsNonIPv4(t *testing.T) {
	p := &ICMPProber{}
	if res := p.Probe(context.Background(), "not-an-ip"); res.OK {
		t.Fatal("expected probe of invalid address to fail")
	}
}
