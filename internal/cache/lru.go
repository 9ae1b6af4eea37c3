package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tternquist/doh-sni-proxy/internal/logging"
	"github.com/tternquist/doh-sni-proxy/internal/metrics"
)

// Options configures a Store.
type Options struct {
	MaxEntries      int
	CleanupInterval time.Duration
	// Debounce is the quiet window after the last write before capacity is
	// enforced and a snapshot written.
	Debounce time.Duration
}

// Store is a concurrent hostname -> AddressRecord cache with LRU eviction.
// Lookups read the map without locking; mu guards only the recency list and
// map membership changes so both always agree.
type Store struct {
	opts   Options
	snap   Snapshotter
	logger *slog.Logger
	now    func() time.Time

	entries sync.Map // hostname -> *storeEntry

	mu sync.Mutex
	ll *list.List

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool

	persistMu sync.Mutex

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

type storeEntry struct {
	hostname string
	rec      atomic.Pointer[AddressRecord]
	elem     *list.Element
}

// NewStore creates a store and seeds it from snap. A nil snap keeps the
// cache in memory only. Snapshot load failures are logged and yield an
// empty cache.
func NewStore(opts Options, snap Snapshotter, logger *slog.Logger) *Store {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 10 * time.Minute
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 50 * time.Millisecond
	}
	s := &Store{
		opts:   opts,
		snap:   snap,
		logger: logging.Component(logger, "cache"),
		now:    time.Now,
		ll:     list.New(),
	}
	s.load()
	return s
}

func (s *Store) load() {
	if s.snap == nil {
		return
	}
	records, err := s.snap.Load()
	if err != nil {
		s.logger.Warn("cache snapshot load failed, starting empty", "err", err)
		return
	}
	now := s.now()
	loaded := make([]AddressRecord, 0, len(records))
	for host, rec := range records {
		if rec.Hostname == "" {
			rec.Hostname = host
		}
		if rec.Expired(now) || !rec.Valid() {
			continue
		}
		loaded = append(loaded, rec)
	}
	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].CreatedAt.Equal(loaded[j].CreatedAt) {
			return loaded[i].Hostname < loaded[j].Hostname
		}
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	s.mu.Lock()
	for _, rec := range loaded {
		s.insertLocked(rec.Hostname, rec)
	}
	s.mu.Unlock()
	s.enforceCapacity()
	s.logger.Info("cache snapshot loaded", "entries", s.Len(), "discarded", len(records)-len(loaded))
}

// TryGet returns the record for hostname if present and not expired.
func (s *Store) TryGet(hostname string) (AddressRecord, bool) {
	v, ok := s.entries.Load(hostname)
	if !ok {
		s.misses.Add(1)
		metrics.RecordCacheMiss()
		return AddressRecord{}, false
	}
	e := v.(*storeEntry)
	rec := e.rec.Load()
	if rec == nil || rec.Expired(s.now()) {
		s.misses.Add(1)
		metrics.RecordCacheMiss()
		return AddressRecord{}, false
	}
	s.promote(e)
	s.hits.Add(1)
	metrics.RecordCacheHit()
	return rec.clone(), true
}

// promote moves e to the front only while it is still the live entry for its
// hostname; an entry removed between the lookup and the lock stays out of
// the list.
func (s *Store) promote(e *storeEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.entries.Load(e.hostname); !ok || v.(*storeEntry) != e {
		return
	}
	s.ll.MoveToFront(e.elem)
}

// Peek returns the stored record, even if expired, without touching recency.
func (s *Store) Peek(hostname string) (AddressRecord, bool) {
	v, ok := s.entries.Load(hostname)
	if !ok {
		return AddressRecord{}, false
	}
	rec := v.(*storeEntry).rec.Load()
	if rec == nil {
		return AddressRecord{}, false
	}
	return rec.clone(), true
}

// Put inserts or replaces the record and promotes it to most recently used.
// Records without addresses are ignored.
func (s *Store) Put(hostname string, rec AddressRecord) {
	if len(rec.Addresses) == 0 {
		return
	}
	rec = rec.clone()
	if rec.Hostname == "" {
		rec.Hostname = hostname
	}
	s.mu.Lock()
	s.insertLocked(hostname, rec)
	s.mu.Unlock()
	s.scheduleFlush()
}

// insertLocked must be called with s.mu held.
func (s *Store) insertLocked(hostname string, rec AddressRecord) {
	if v, ok := s.entries.Load(hostname); ok {
		e := v.(*storeEntry)
		e.rec.Store(&rec)
		s.ll.MoveToFront(e.elem)
		return
	}
	e := &storeEntry{hostname: hostname}
	e.rec.Store(&rec)
	e.elem = s.ll.PushFront(e)
	s.entries.Store(hostname, e)
}

// CompareAndSwap replaces the record for hostname with next only if the
// stored record still equals old. Recency is left unchanged.
func (s *Store) CompareAndSwap(hostname string, old, next AddressRecord) bool {
	if len(next.Addresses) == 0 {
		return false
	}
	next = next.clone()
	s.mu.Lock()
	v, ok := s.entries.Load(hostname)
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := v.(*storeEntry)
	cur := e.rec.Load()
	if cur == nil || !cur.Equal(old) {
		s.mu.Unlock()
		return false
	}
	e.rec.Store(&next)
	s.mu.Unlock()
	s.scheduleFlush()
	return true
}

// Delete removes hostname from the cache.
func (s *Store) Delete(hostname string) bool {
	s.mu.Lock()
	v, ok := s.entries.Load(hostname)
	if ok {
		s.removeLocked(v.(*storeEntry))
	}
	s.mu.Unlock()
	if ok {
		s.scheduleFlush()
	}
	return ok
}

// removeLocked must be called with s.mu held.
func (s *Store) removeLocked(e *storeEntry) {
	s.ll.Remove(e.elem)
	s.entries.CompareAndDelete(e.hostname, e)
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	var next *list.Element
	for el := s.ll.Front(); el != nil; el = next {
		next = el.Next()
		s.removeLocked(el.Value.(*storeEntry))
	}
	s.mu.Unlock()
	s.scheduleFlush()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// enforceCapacity evicts least recently used entries until the store fits.
func (s *Store) enforceCapacity() int {
	s.mu.Lock()
	evicted := 0
	for s.ll.Len() > s.opts.MaxEntries {
		tail := s.ll.Back()
		if tail == nil {
			break
		}
		s.removeLocked(tail.Value.(*storeEntry))
		evicted++
	}
	s.mu.Unlock()
	if evicted > 0 {
		s.evictions.Add(uint64(evicted))
		metrics.RecordCacheEvictions(evicted)
		s.logger.Debug("cache capacity enforced", "evicted", evicted)
	}
	return evicted
}

// Sweep removes expired entries then enforces capacity once.
// Returns the number of entries removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	removed := 0
	var next *list.Element
	for el := s.ll.Front(); el != nil; el = next {
		next = el.Next()
		e := el.Value.(*storeEntry)
		if rec := e.rec.Load(); rec == nil || rec.Expired(now) {
			s.removeLocked(e)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		metrics.RecordCacheEvictions(removed)
	}
	removed += s.enforceCapacity()
	if removed > 0 {
		s.persistBestEffort()
	}
	return removed
}

// scheduleFlush restarts the debounce timer; only the last write in a burst
// runs the capacity check and snapshot.
func (s *Store) scheduleFlush() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.closed {
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.opts.Debounce, s.flush)
		return
	}
	s.timer.Reset(s.opts.Debounce)
}

func (s *Store) flush() {
	s.enforceCapacity()
	s.persistBestEffort()
}

// Start runs the periodic sweep until ctx is done or Close is called.
func (s *Store) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.timerMu.Lock()
	s.stopSweep = cancel
	s.sweepDone = done
	s.timerMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("cache sweep", "removed", n)
				}
			}
		}
	}()
}

// Close stops the sweep and debounce timer and writes a final snapshot.
func (s *Store) Close() error {
	s.timerMu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	stop, done := s.stopSweep, s.sweepDone
	s.timerMu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	s.enforceCapacity()
	err := s.PersistNow()
	if closer, ok := s.snap.(interface{ Close() error }); ok {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Snapshot returns copies of all non-expired records.
func (s *Store) Snapshot() map[string]AddressRecord {
	now := s.now()
	out := make(map[string]AddressRecord)
	s.entries.Range(func(key, value any) bool {
		rec := value.(*storeEntry).rec.Load()
		if rec != nil && !rec.Expired(now) {
			out[key.(string)] = rec.clone()
		}
		return true
	})
	return out
}

// PersistNow writes a snapshot of all non-expired entries.
func (s *Store) PersistNow() error {
	if s.snap == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.snap.Save(s.Snapshot())
}

func (s *Store) persistBestEffort() {
	if err := s.PersistNow(); err != nil {
		s.logger.Warn("cache snapshot write failed", "err", err)
	}
}

// Stats returns cache statistics
func (s *Store) Stats() Stats {
	now := s.now()
	s.mu.Lock()
	entries := s.ll.Len()
	expired := 0
	for el := s.ll.Front(); el != nil; el = el.Next() {
		if rec := el.Value.(*storeEntry).rec.Load(); rec == nil || rec.Expired(now) {
			expired++
		}
	}
	s.mu.Unlock()
	hits, misses := s.hits.Load(), s.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Entries:    entries,
		MaxEntries: s.opts.MaxEntries,
		Expired:    expired,
		Hits:       hits,
		Misses:     misses,
		HitRate:    rate,
		Evictions:  s.evictions.Load(),
	}
}

// Stats contains statistics about the store
type Stats struct {
	Entries    int     `json:"entries"`
	MaxEntries int     `json:"max_entries"`
	Expired    int     `json:"expired"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Evictions  uint64  `json:"evictions"`
}
