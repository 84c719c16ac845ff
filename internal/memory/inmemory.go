// File: internal/memory/inmemory.go
package memory

import (
	"context"
	"crypto/sha256"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// janitorInterval is how often the background cleanup pass runs.
const janitorInterval = time.Minute

// InMemoryStore keeps recall entries in process memory with TTL eviction and
// a size cap. It detects redundant entries by content hash so repeated
// identical requests do not crowd out distinct memories. The background
// janitor starts with the store and stops with Stop().
type InMemoryStore struct {
	logger *zap.Logger
	ttl    time.Duration
	cap    int

	mu      sync.RWMutex
	entries map[string]storedEntry
	hashes  map[[32]byte]string // Content hash set for fast redundancy checks.
	order   []string            // Insertion order, oldest first, for cap eviction.

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// storedEntry pairs an entry with its content hash and arrival time for
// TTL based eviction.
type storedEntry struct {
	entry    schemas.RecallEntry
	hash     [32]byte
	storedAt time.Time
}

// NewInMemoryStore creates the store and launches its cleanup janitor.
func NewInMemoryStore(cfg config.MemoryConfig, logger *zap.Logger) *InMemoryStore {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	s := &InMemoryStore{
		logger:   logger.Named("memory.inmemory"),
		ttl:      ttl,
		cap:      maxEntries,
		entries:  make(map[string]storedEntry),
		hashes:   make(map[[32]byte]string),
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.runJanitor()

	return s
}

// Record saves an entry unless an identical goal and summary was stored
// recently. Redundant entries are dropped silently.
func (s *InMemoryStore) Record(ctx context.Context, entry schemas.RecallEntry) error {
	hash := sha256.Sum256([]byte(entry.Goal + "\x00" + entry.Summary))

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, exists := s.hashes[hash]; exists {
		s.logger.Debug("Dropping redundant recall entry",
			zap.String("entry_id", entry.ID),
			zap.String("duplicate_of", existingID),
		)
		return nil
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.entries[entry.ID] = storedEntry{
		entry:    entry,
		hash:     hash,
		storedAt: time.Now(),
	}
	s.hashes[hash] = entry.ID
	s.order = append(s.order, entry.ID)

	s.evictOverCapLocked()
	return nil
}

// Recall scores entries by token overlap between the query and each entry's
// goal, summary, and tags. Entries with no overlapping tokens are excluded.
// Results come back highest score first, ties broken by recency.
func (s *InMemoryStore) Recall(ctx context.Context, query string, limit int) ([]schemas.RecallEntry, error) {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 || limit <= 0 {
		return nil, nil
	}

	type scored struct {
		entry schemas.RecallEntry
		score int
	}

	s.mu.RLock()
	candidates := make([]scored, 0, len(s.entries))
	for _, se := range s.entries {
		score := overlap(queryTokens, entryTokens(se.entry))
		if score > 0 {
			candidates = append(candidates, scored{entry: se.entry, score: score})
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.CreatedAt.After(candidates[j].entry.CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	results := make([]schemas.RecallEntry, len(candidates))
	for i, c := range candidates {
		results[i] = c.entry
	}
	return results, nil
}

// Stop shuts down the background janitor. Safe to call more than once.
func (s *InMemoryStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
}

// evictOverCapLocked removes oldest entries until the store fits its cap.
// Callers must hold the write lock.
func (s *InMemoryStore) evictOverCapLocked() {
	for len(s.entries) > s.cap && len(s.order) > 0 {
		oldestID := s.order[0]
		s.order = s.order[1:]
		if se, ok := s.entries[oldestID]; ok {
			delete(s.entries, oldestID)
			delete(s.hashes, se.hash)
		}
	}
}

// runJanitor periodically purges expired entries.
func (s *InMemoryStore) runJanitor() {
	defer s.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	s.logger.Debug("Recall store janitor started", zap.Duration("ttl", s.ttl))

	for {
		select {
		case <-ticker.C:
			s.purgeExpired()
		case <-s.stopChan:
			s.logger.Debug("Recall store janitor stopped")
			return
		}
	}
}

// purgeExpired removes entries older than the TTL.
func (s *InMemoryStore) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	purged := 0
	kept := s.order[:0]

	for _, id := range s.order {
		se, ok := s.entries[id]
		if !ok {
			continue
		}
		if now.Sub(se.storedAt) > s.ttl {
			delete(s.entries, id)
			delete(s.hashes, se.hash)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	if purged > 0 {
		s.logger.Debug("Purged expired recall entries", zap.Int("count", purged))
	}
}

// tokenize lowercases and splits text into letter/digit runs.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(field) > 1 { // Single characters carry no recall signal.
			tokens[field] = true
		}
	}
	return tokens
}

func entryTokens(entry schemas.RecallEntry) map[string]bool {
	var b strings.Builder
	b.WriteString(entry.Goal)
	b.WriteByte(' ')
	b.WriteString(entry.Summary)
	for _, tag := range entry.Tags {
		b.WriteByte(' ')
		b.WriteString(tag)
	}
	return tokenize(b.String())
}

func overlap(a, b map[string]bool) int {
	// Iterate the smaller set.
	if len(b) < len(a) {
		a, b = b, a
	}
	count := 0
	for token := range a {
		if b[token] {
			count++
		}
	}
	return count
}

var _ schemas.RecallStore = (*InMemoryStore)(nil)
