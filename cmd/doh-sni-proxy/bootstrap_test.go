package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/cache"
	"github.com/tternquist/doh-sni-proxy/internal/config"
	"github.com/tternquist/doh-sni-proxy/internal/ipfilter"
	"golang.org/x/crypto/bcrypt"
)

func TestRunServer_InvalidConfigPath(t *testing.T) {
	// Use non-existent default path so config.Load fails before anything binds.
	t.Setenv("DEFAULT_CONFIG_PATH", "/nonexistent/config/default.yaml")

	if err := runServer("/nonexistent/override.yaml"); err == nil {
		t.Fatal("expected runServer to return error for invalid config path")
	}
}

func TestRunServer_ConfigLoadFails(t *testing.T) {
	defaultPath := filepath.Join(t.TempDir(), "default.yaml")
	if err := os.WriteFile(defaultPath, []byte(`
proxy:
  target_domains: ["api.example.com"]
`), 0o644); err != nil {
		t.Fatalf("write default config: %v", err)
	}
	overridePath := filepath.Join(t.TempDir(), "override.yaml")
	if err := os.WriteFile(overridePath, []byte("invalid: yaml: [unclosed"), 0o644); err != nil {
		t.Fatalf("write override config: %v", err)
	}
	t.Setenv("DEFAULT_CONFIG_PATH", defaultPath)

	if err := runServer(overridePath); err == nil {
		t.Fatal("expected runServer to return error for invalid override YAML")
	}
}

func TestRunHashToken(t *testing.T) {
	var out bytes.Buffer
	if err := runHashToken([]string{"s3cret"}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("runHashToken: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")); err != nil {
		t.Fatalf("hash does not match token: %v", err)
	}

	out.Reset()
	if err := runHashToken(nil, strings.NewReader("from-stdin\nignored\n"), &out); err != nil {
		t.Fatalf("runHashToken stdin: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out.String())), []byte("from-stdin")); err != nil {
		t.Fatalf("stdin hash does not match: %v", err)
	}

	if err := runHashToken([]string{"  "}, strings.NewReader(""), &out); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestNewSnapshotter(t *testing.T) {
	snap, err := newSnapshotter(config.CacheConfig{PersistPath: filepath.Join(t.TempDir(), "cache.json")})
	if err != nil {
		t.Fatalf("newSnapshotter: %v", err)
	}
	if _, ok := snap.(*cache.FileSnapshotter); !ok {
		t.Fatalf("snapshotter = %T, want *cache.FileSnapshotter", snap)
	}

	snap, err = newSnapshotter(config.CacheConfig{})
	if err != nil || snap != nil {
		t.Fatalf("newSnapshotter without persistence = %v, %v; want untyped nil", snap, err)
	}
}

func TestNewProber(t *testing.T) {
	if _, ok := newProber(config.ProbeConfig{Method: config.ProbeTCP, Port: 443}).(ipfilter.TCPProber); !ok {
		t.Fatal("tcp method should build a TCPProber")
	}
	if _, ok := newProber(config.ProbeConfig{Method: config.ProbeICMP}).(*ipfilter.ICMPProber); !ok {
		t.Fatal("icmp method should build an ICMPProber")
	}
}

func TestMissTimeout(t *testing.T) {
	cfg := config.DoHConfig{
		Timeout:       config.Duration{Duration: 5 * time.Second},
		MaxRetries:    3,
		RetryMaxDelay: config.Duration{Duration: 2 * time.Second},
	}
	if got := missTimeout(cfg, 3); got != 63*time.Second {
		t.Fatalf("missTimeout = %s, want 63s", got)
	}
}
