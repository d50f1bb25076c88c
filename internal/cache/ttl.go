package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/committee-portal/internal/logger"
	"github.com/onnwee/committee-portal/internal/metrics"
)

const (
	DefaultMaxBytes = 50 * 1024 * 1024
	DefaultTTL      = 30 * time.Second
	topHitsLimit    = 10
)

type entry struct {
	value          any
	size           int64
	insertedAt     time.Time
	lastAccessedAt time.Time
	expiresAt      time.Time
	hitCount       int64
}

func (e *entry) accessedAt() time.Time {
	if e.lastAccessedAt.IsZero() {
		return e.insertedAt
	}
	return e.lastAccessedAt
}

// KeyHits is a key and how often it was read.
type KeyHits struct {
	Key  string `json:"key"`
	Hits int64  `json:"hits"`
}

// Stats describes the TTL cache.
type Stats struct {
	Size        int       `json:"size"`
	MemoryUsage int64     `json:"memoryUsage"`
	MaxSize     int64     `json:"maxSize"`
	Utilization string    `json:"utilization"`
	TopHits     []KeyHits `json:"topHits"`
}

// Manager is an in-memory TTL cache for JSON-serializable values. Entries
// expire lazily on read and through the periodic sweeper. Size is estimated
// from the JSON encoding, so MaxSize is a soft bound.
type Manager struct {
	maxSize    int64
	defaultTTL time.Duration
	now        func() time.Time

	mu          sync.Mutex
	entries     map[string]*entry
	currentSize int64

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewManager returns a cache bounded to maxSize estimated bytes. Non-positive
// arguments take the defaults (50 MiB, 30s).
func NewManager(maxSize int64, defaultTTL time.Duration) *Manager {
	if maxSize <= 0 {
		maxSize = DefaultMaxBytes
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Manager{
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
}

// WithClock swaps the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// estimateSize never fails; an unencodable value counts as zero bytes.
func estimateSize(key string, value any) int64 {
	b, err := json.Marshal(value)
	if err != nil {
		logger.WithComponent("cache").Warn("Cache size estimate failed", "key", key, "error", err)
		return 0
	}
	return int64(len(b))
}

// Set stores value under key for ttl (the default TTL when ttl <= 0),
// evicting least recently accessed entries while the cache would overflow.
// It returns false when the value alone is larger than the cache; any
// previous value for key is dropped in that case.
func (m *Manager) Set(key string, value any, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	size := estimateSize(key, value)
	if size > m.maxSize {
		logger.WithComponent("cache").Warn("Value exceeds cache capacity", "key", key, "size", size)
		m.mu.Lock()
		if m.removeLocked(key) {
			m.publishLocked()
		}
		m.mu.Unlock()
		return false
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.currentSize -= old.size
		delete(m.entries, key)
	}
	for m.currentSize+size > m.maxSize && len(m.entries) > 0 {
		m.evictLRULocked()
	}

	m.entries[key] = &entry{
		value:      value,
		size:       size,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	m.currentSize += size
	m.publishLocked()
	return true
}

func (m *Manager) evictLRULocked() {
	var (
		lruKey  string
		lruTime time.Time
		found   bool
	)
	for k, e := range m.entries {
		at := e.accessedAt()
		if !found || at.Before(lruTime) || (at.Equal(lruTime) && k < lruKey) {
			lruKey, lruTime, found = k, at, true
		}
	}
	if found {
		m.removeLocked(lruKey)
		metrics.CacheEvictions.WithLabelValues("capacity").Inc()
	}
}

func (m *Manager) removeLocked(key string) bool {
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	m.currentSize -= e.size
	delete(m.entries, key)
	return true
}

func (m *Manager) publishLocked() {
	metrics.CacheEntries.Set(float64(len(m.entries)))
	metrics.CacheMemoryBytes.Set(float64(m.currentSize))
}

// Get returns the value for key and records the hit. Expired entries are
// removed and reported absent.
func (m *Manager) Get(key string) (any, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		m.removeLocked(key)
		metrics.CacheEvictions.WithLabelValues("expired").Inc()
		m.publishLocked()
		return nil, false
	}
	e.hitCount++
	e.lastAccessedAt = now
	return e.value, true
}

// Has reports whether key holds a live entry without touching its access data.
func (m *Manager) Has(key string) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && now.Before(e.expiresAt)
}

// Delete removes key and reports whether it was present.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok := m.removeLocked(key)
	m.publishLocked()
	return ok
}

// InvalidatePattern removes every key matching the regular expression and
// returns how many were removed. An invalid pattern removes nothing.
func (m *Manager) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: invalid pattern %q: %w", pattern, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if re.MatchString(k) {
			m.removeLocked(k)
			n++
		}
	}
	m.publishLocked()
	return n, nil
}

// Clear empties the cache.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.currentSize = 0
	m.publishLocked()
	m.mu.Unlock()
}

// Sweep removes expired entries and returns how many went.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			m.removeLocked(k)
			n++
		}
	}
	if n > 0 {
		metrics.CacheEvictions.WithLabelValues("expired").Add(float64(n))
		m.publishLocked()
	}
	return n
}

// Stats returns entry count, estimated memory, utilization and the most read keys.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := make([]KeyHits, 0, len(m.entries))
	for k, e := range m.entries {
		hits = append(hits, KeyHits{Key: k, Hits: e.hitCount})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Hits != hits[j].Hits {
			return hits[i].Hits > hits[j].Hits
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > topHitsLimit {
		hits = hits[:topHitsLimit]
	}

	return Stats{
		Size:        len(m.entries),
		MemoryUsage: m.currentSize,
		MaxSize:     m.maxSize,
		Utilization: fmt.Sprintf("%.2f%%", float64(m.currentSize)/float64(m.maxSize)*100),
		TopHits:     hits,
	}
}

// StartSweeper removes expired entries every interval until StopSweeper or
// ctx cancellation. Starting twice is a no-op.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweepCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.sweepCancel = cancel
	m.sweepDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}(m.sweepDone)
}

// StopSweeper stops the sweeper and waits for it. Safe to call repeatedly.
func (m *Manager) StopSweeper() {
	m.sweepMu.Lock()
	cancel, done := m.sweepCancel, m.sweepDone
	m.sweepCancel, m.sweepDone = nil, nil
	m.sweepMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
