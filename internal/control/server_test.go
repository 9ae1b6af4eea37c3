package control

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/cache"
	"github.com/tternquist/doh-sni-proxy/internal/config"
	"github.com/tternquist/doh-sni-proxy/internal/errorlog"
	"github.com/tternquist/doh-sni-proxy/internal/metrics"
	"github.com/tternquist/doh-sni-proxy/internal/proxy"
	"golang.org/x/crypto/bcrypt"
)

type fakeStore struct {
	mu         sync.Mutex
	records    map[string]cache.AddressRecord
	cleared    bool
	persisted  int
	persistErr error
}

func newFakeStore() *fakeStore {
	now := time.Now()
	return &fakeStore{records: map[string]cache.AddressRecord{
		"api.example.com": cache.NewRecord("api.example.com", []string{"192.0.2.1", "192.0.2.2"}, now, time.Hour),
	}}
}

func (f *fakeStore) Stats() cache.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cache.Stats{Entries: len(f.records), MaxEntries: 10, Hits: 3, Misses: 1, HitRate: 75}
}

func (f *fakeStore) Peek(host string) (cache.AddressRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[host]
	return rec, ok
}

func (f *fakeStore) Delete(host string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[host]
	delete(f.records, host)
	return ok
}

func (f *fakeStore) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = map[string]cache.AddressRecord{}
	f.cleared = true
}

func (f *fakeStore) PersistNow() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted++
	return f.persistErr
}

type fakeFilter struct {
	hosts []string
}

func (f *fakeFilter) StartFiltering(host string) { f.hosts = append(f.hosts, host) }

type fakeProxy struct{}

func (fakeProxy) State() proxy.State     { return proxy.Listening }
func (fakeProxy) Addr() net.Addr         { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 443} }
func (fakeProxy) OutboundTransports() int { return 2 }

type fakeStats struct{}

func (fakeStats) CacheEntries() int       { return 1 }
func (fakeStats) CacheHitRate() float64   { return 75 }
func (fakeStats) SelectedHosts() int      { return 0 }
func (fakeStats) OutboundTransports() int { return 2 }

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	metrics.Init()
	h := NewRouter(Config{ControlCfg: config.ControlConfig{Token: "secret"}, Stats: fakeStats{}})

	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || decode(t, rec)["ok"] != true {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dohsni_cache_entries") {
		t.Fatalf("metrics output missing cache gauge")
	}
}

func TestTokenAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	tests := []struct {
		name  string
		cfg   config.ControlConfig
		token string
		want  int
	}{
		{name: "no token configured", want: http.StatusOK},
		{name: "plain token ok", cfg: config.ControlConfig{Token: "secret"}, token: "secret", want: http.StatusOK},
		{name: "plain token wrong", cfg: config.ControlConfig{Token: "secret"}, token: "nope", want: http.StatusUnauthorized},
		{name: "plain token missing", cfg: config.ControlConfig{Token: "secret"}, want: http.StatusUnauthorized},
		{name: "hash ok", cfg: config.ControlConfig{TokenHash: string(hash)}, token: "hashed-secret", want: http.StatusOK},
		{name: "hash wins over token", cfg: config.ControlConfig{Token: "secret", TokenHash: string(hash)}, token: "secret", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(Config{ControlCfg: tt.cfg, Cache: newFakeStore()})
			rec := do(t, h, http.MethodGet, "/cache/stats", tt.token)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestXAuthTokenHeader(t *testing.T) {
	h := NewRouter(Config{ControlCfg: config.ControlConfig{Token: "secret"}, Cache: newFakeStore()})
	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	req.Header.Set("X-Auth-Token", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCacheStatsAndEntry(t *testing.T) {
	h := NewRouter(Config{Cache: newFakeStore()})

	rec := do(t, h, http.MethodGet, "/cache/stats", "")
	stats := decode(t, rec)
	if stats["entries"] != float64(1) || stats["hit_rate"] != float64(75) {
		t.Fatalf("unexpected stats: %v", stats)
	}

	rec = do(t, h, http.MethodGet, "/cache/API.Example.com.", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("entry status = %d: %s", rec.Code, rec.Body.String())
	}
	entry := decode(t, rec)
	addrs, _ := entry["addresses"].([]any)
	if entry["hostname"] != "api.example.com" || len(addrs) != 2 || entry["expired"] != false {
		t.Fatalf("unexpected entry: %v", entry)
	}

	rec = do(t, h, http.MethodGet, "/cache/missing.example.com", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing entry status = %d", rec.Code)
	}
}

func TestCacheMutations(t *testing.T) {
	store := newFakeStore()
	h := NewRouter(Config{Cache: store})

	if rec := do(t, h, http.MethodPost, "/cache/persist", ""); rec.Code != http.StatusOK {
		t.Fatalf("persist status = %d", rec.Code)
	}
	if store.persisted != 1 {
		t.Fatalf("persisted = %d", store.persisted)
	}
	if rec := do(t, h, http.MethodDelete, "/cache/api.example.com", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/cache/api.example.com", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/cache/clear", ""); rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if !store.cleared {
		t.Fatal("store not cleared")
	}
}

func TestCachePersistError(t *testing.T) {
	store := newFakeStore()
	store.persistErr = errors.New("disk full")
	h := NewRouter(Config{Cache: store})
	rec := do(t, h, http.MethodPost, "/cache/persist", "")
	if rec.Code != http.StatusInternalServerError || decode(t, rec)["error"] != "disk full" {
		t.Fatalf("persist error response: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	h := NewRouter(Config{Cache: newFakeStore()})
	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, h, http.MethodPost, "/cache/clear", "").Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 200 429]", codes)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewRouter(Config{Cache: newFakeStore()})
	if rec := do(t, h, http.MethodGet, "/cache/clear", ""); rec.Code == http.StatusOK {
		t.Fatalf("GET /cache/clear should not clear; status %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/cache/stats", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /cache/stats status = %d", rec.Code)
	}
}

func TestFilterTrigger(t *testing.T) {
	filter := &fakeFilter{}
	h := NewRouter(Config{Cache: newFakeStore(), Filter: filter})

	if rec := do(t, h, http.MethodPost, "/filter/api.example.com", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("filter status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/filter/unknown.example.com", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown filter status = %d", rec.Code)
	}
	if len(filter.hosts) != 1 || filter.hosts[0] != "api.example.com" {
		t.Fatalf("filtered hosts = %v", filter.hosts)
	}

	h = NewRouter(Config{Cache: newFakeStore()})
	if rec := do(t, h, http.MethodPost, "/filter/api.example.com", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("filter without filter status = %d", rec.Code)
	}
}

func TestProxyStatus(t *testing.T) {
	h := NewRouter(Config{Proxy: fakeProxy{}})
	out := decode(t, do(t, h, http.MethodGet, "/proxy/status", ""))
	if out["state"] != "listening" || out["listen"] != "127.0.0.1:443" || out["outbound_transports"] != float64(2) {
		t.Fatalf("unexpected status: %v", out)
	}

	h = NewRouter(Config{})
	out = decode(t, do(t, h, http.MethodGet, "/proxy/status", ""))
	if out["state"] != "stopped" {
		t.Fatalf("unexpected status without proxy: %v", out)
	}
}

type fakeErrors []errorlog.Entry

func (f fakeErrors) Entries() []errorlog.Entry { return f }

func TestErrors(t *testing.T) {
	src := fakeErrors{{Message: "level=ERROR msg=boom", Severity: errorlog.SeverityError}}
	out := decode(t, do(t, NewRouter(Config{Errors: src}), http.MethodGet, "/errors", ""))
	list, _ := out["errors"].([]any)
	if len(list) != 1 {
		t.Fatalf("errors = %v", out)
	}

	out = decode(t, do(t, NewRouter(Config{}), http.MethodGet, "/errors", ""))
	if list, ok := out["errors"].([]any); !ok || len(list) != 0 {
		t.Fatalf("errors without source = %v", out)
	}
}

func TestStartDisabled(t *testing.T) {
	disabled := false
	if srv := Start(Config{ControlCfg: config.ControlConfig{Enabled: &disabled, Listen: "127.0.0.1:0"}}); srv != nil {
		t.Fatal("expected nil server when disabled")
	}
	enabled := true
	if srv := Start(Config{ControlCfg: config.ControlConfig{Enabled: &enabled}}); srv != nil {
		t.Fatal("expected nil server without listen address")
	}
}
