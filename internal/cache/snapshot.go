package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Snapshotter persists the cache contents between runs.
type Snapshotter interface {
	Load() (map[string]AddressRecord, error)
	Save(records map[string]AddressRecord) error
}

// FileSnapshotter stores the cache as a JSON object keyed by hostname.
type FileSnapshotter struct {
	Path string
}

func NewFileSnapshotter(path string) *FileSnapshotter {
	return &FileSnapshotter{Path: path}
}

// Load returns an empty map when the file does not exist.
func (f *FileSnapshotter) Load() (map[string]AddressRecord, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]AddressRecord{}, nil
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

// Save writes to a temp file in the same directory and renames it into place.
func (f *FileSnapshotter) Save(records map[string]AddressRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func decodeSnapshot(data []byte) (map[string]AddressRecord, error) {
	if len(data) == 0 {
		return map[string]AddressRecord{}, nil
	}
	records := make(map[string]AddressRecord)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode cache snapshot: %w", err)
	}
	return records, nil
}
