package faults

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// suppressorEntry tracks a limiter and its last access time
type suppressorEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Suppressor drops duplicate notifications for the same error key within a
// window, so a flapping failure produces one user-visible message instead of
// a flood. Uses token buckets per key with LRU eviction to bound memory.
type Suppressor struct {
	entries    map[string]*list.Element // error key -> list element
	lruList    *list.List               // LRU list of *suppressorEntry
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	logger     *slog.Logger

	totalSuppressed int64
}

// NewSuppressor creates a suppressor with the given window. A notification
// for an error key passes, then duplicates are dropped until the window
// elapses. Zero window uses the 5 second default.
func NewSuppressor(window time.Duration, logger *slog.Logger) *Suppressor {
	if window <= 0 {
		window = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Suppressor{
		entries:    make(map[string]*list.Element),
		lruList:    list.New(),
		window:     window,
		maxEntries: 1000,
		logger:     logger,
	}
}

// Allow reports whether a notification for the classified error should be
// shown. The error's Key collapses same-category, same-code duplicates.
func (s *Suppressor) Allow(c *Classified) bool {
	if c == nil {
		return false
	}
	return s.allowKey(c.Key())
}

func (s *Suppressor) allowKey(key string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.entries[key]; exists {
		s.lruList.MoveToFront(elem)
		entry := elem.Value.(*suppressorEntry)
		entry.lastAccess = now
		allowed := entry.limiter.Allow()
		if !allowed {
			s.totalSuppressed++
			s.logger.Debug("Suppressed duplicate error notification",
				"error_key", key,
				"total_suppressed", s.totalSuppressed)
		}
		return allowed
	}

	if len(s.entries) >= s.maxEntries {
		s.evictLRU()
	}

	// One notification per window per key.
	entry := &suppressorEntry{
		key:        key,
		limiter:    rate.NewLimiter(rate.Every(s.window), 1),
		lastAccess: now,
	}
	elem := s.lruList.PushFront(entry)
	s.entries[key] = elem

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry.
// Must be called with mutex locked.
func (s *Suppressor) evictLRU() {
	elem := s.lruList.Back()
	if elem != nil {
		entry := elem.Value.(*suppressorEntry)
		delete(s.entries, entry.key)
		s.lruList.Remove(elem)
	}
}

// Cleanup removes entries idle for longer than maxIdleTime.
func (s *Suppressor) Cleanup(maxIdleTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := s.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*suppressorEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(s.entries, entry.key)
			s.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Suppressor cleanup completed",
			"removed", removed,
			"remaining", len(s.entries))
	}
}
