package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(path, data string) error {
	return os.WriteFile(path, []byte(data), 0o644)
}

func TestFileSnapshotter_MissingFile(t *testing.T) {
	snap := NewFileSnapshotter(filepath.Join(t.TempDir(), "missing.json"))
	records, err := snap.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty map, got %v", records)
	}
}

func TestFileSnapshotter_JSONShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dns_cache.json")
	snap := NewFileSnapshotter(path)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := map[string]AddressRecord{
		"example.com": NewRecord("example.com", []string{"93.184.216.34"}, created, 30*time.Minute),
	}
	if err := snap.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	entry := raw["example.com"]
	for _, key := range []string{"domain", "ipAddresses", "lastUpdated", "expiresAt"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("expected key %q in persisted entry %v", key, entry)
		}
	}
	if entry["lastUpdated"] != "2024-05-01T12:00:00Z" {
		t.Errorf("lastUpdated = %v, want RFC 3339", entry["lastUpdated"])
	}

	out, err := snap.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !out["example.com"].Equal(in["example.com"]) {
		t.Fatalf("Load = %+v, want %+v", out["example.com"], in["example.com"])
	}
}

func TestFileSnapshotter_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dns_cache.json")
	if err := writeFile(path, "[1,2"); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileSnapshotter(path).Load(); err == nil {
		t.Fatal("expected error for corrupt snapshot")
	}
}
