// Package kb is the knowledge base: a thread-safe findings store keyed by
// (plugin, category), plus per-target detection lifecycle tracking.
package kb

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/observability"
)

// Key identifies one finding sequence.
type Key struct {
	Plugin   string
	Category string
}

// Store accumulates findings for one scan. All methods are safe for concurrent
// use; a single lock guards every sequence since contention is low.
type Store struct {
	mu       sync.RWMutex
	findings map[Key][]schemas.Finding
	order    []Key
	states   map[stateKey]State

	scanID  string
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithScanID(id string) Option { return func(s *Store) { s.scanID = id } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = observability.OrNop(l).Named("kb") }
}

func WithMetrics(m *observability.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		findings: make(map[Key][]schemas.Finding),
		states:   make(map[stateKey]State),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// stamp fills the bookkeeping fields of a finding about to be stored.
func (s *Store) stamp(key Key, f schemas.Finding) schemas.Finding {
	f = f.Clone()
	f.Plugin = key.Plugin
	f.Category = key.Category
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.ScanID == "" {
		f.ScanID = s.scanID
	}
	if f.ObservedAt.IsZero() {
		f.ObservedAt = s.now().UTC()
	}
	return f
}

// appendLocked stores f. The caller holds the write lock.
func (s *Store) appendLocked(key Key, f schemas.Finding) schemas.Finding {
	stored := s.stamp(key, f)
	if _, ok := s.findings[key]; !ok {
		s.order = append(s.order, key)
	}
	s.findings[key] = append(s.findings[key], stored)
	s.metrics.FindingRecorded(key.Plugin, key.Category)
	s.logger.Info("Finding recorded",
		zap.String("plugin", key.Plugin),
		zap.String("category", key.Category),
		zap.String("name", stored.VulnerabilityName),
		zap.String("target", stored.Target),
		zap.Int64s("response_ids", stored.ResponseIDs),
	)
	return stored
}

// Append adds f to the (plugin, category) sequence and returns the stored copy.
func (s *Store) Append(plugin, category string, f schemas.Finding) schemas.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(Key{plugin, category}, f)
}

// AppendUnique stores f only if the category has no finding yet. It reports
// whether f was stored; the first finding always wins.
func (s *Store) AppendUnique(plugin, category string, f schemas.Finding) bool {
	return s.AppendUniqueBy(plugin, category, f, func(schemas.Finding) bool { return true })
}

// AppendUniqueBy stores f unless an existing finding in the category satisfies
// same. The check and the insert happen under one lock, so concurrent callers
// cannot both pass the check.
func (s *Store) AppendUniqueBy(plugin, category string, f schemas.Finding, same func(existing schemas.Finding) bool) bool {
	key := Key{plugin, category}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.findings[key] {
		if same(existing) {
			s.logger.Debug("Duplicate finding discarded",
				zap.String("plugin", plugin), zap.String("category", category), zap.String("target", f.Target))
			return false
		}
	}
	s.appendLocked(key, f)
	return true
}

// Upsert updates the first finding matching match in place, or appends the
// result of create when none does. It reports whether a finding was created.
func (s *Store) Upsert(plugin, category string, match func(schemas.Finding) bool, update func(*schemas.Finding), create func() schemas.Finding) bool {
	key := Key{plugin, category}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.findings[key]
	for i := range seq {
		if match(seq[i]) {
			update(&seq[i])
			return false
		}
	}
	s.appendLocked(key, create())
	return true
}

// Get returns a copy of the (plugin, category) sequence in insertion order.
func (s *Store) Get(plugin, category string) []schemas.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.findings[Key{plugin, category}]
	out := make([]schemas.Finding, len(seq))
	for i, f := range seq {
		out[i] = f.Clone()
	}
	return out
}

// Has reports whether the category holds at least one finding.
func (s *Store) Has(plugin, category string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.findings[Key{plugin, category}]) > 0
}

// All returns every finding, grouped by key in first-use order.
func (s *Store) All() []schemas.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schemas.Finding
	for _, key := range s.order {
		for _, f := range s.findings[key] {
			out = append(out, f.Clone())
		}
	}
	return out
}

// Len returns the total number of stored findings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, seq := range s.findings {
		n += len(seq)
	}
	return n
}
