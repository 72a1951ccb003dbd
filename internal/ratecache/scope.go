package ratecache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
)

// RequestScope is the per-request tier. Every entry is removed a fixed delay
// after it is written, whether or not it was read.
type RequestScope struct {
	ID string

	mu      sync.Mutex
	entries map[string]*model.TariffRateRecord
	timers  []*time.Timer
	ttl     time.Duration
	closed  bool
}

// NewRequestScope creates an empty scope with a fresh ID.
func NewRequestScope(ttl time.Duration) *RequestScope {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RequestScope{
		ID:      uuid.NewString(),
		entries: make(map[string]*model.TariffRateRecord),
		ttl:     ttl,
	}
}

// Get returns a copy of the scoped record.
func (s *RequestScope) Get(key Key) (*model.TariffRateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[key.String()]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Set stores a copy of rec and schedules its removal.
func (s *RequestScope) Set(key Key, rec *model.TariffRateRecord) {
	if rec == nil {
		return
	}
	k := key.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.entries[k] = rec.Clone()
	s.timers = append(s.timers, time.AfterFunc(s.ttl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.entries, k)
	}))
}

// Len returns the number of live entries.
func (s *RequestScope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close drops every entry and stops pending timers.
func (s *RequestScope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.entries = make(map[string]*model.TariffRateRecord)
	s.closed = true
}

// Tier names where a lookup was answered.
type Tier string

const (
	TierNone    Tier = ""
	TierRequest Tier = "request"
	TierProcess Tier = "process"
)

// Cache composes the request and process tiers.
type Cache struct {
	process    ProcessCache
	requestTTL time.Duration
	log        *zap.Logger
}

// New creates a two-tier cache over process.
func New(process ProcessCache, requestTTL time.Duration) *Cache {
	return &Cache{
		process:    process,
		requestTTL: requestTTL,
		log:        zap.L().With(zap.String("component", "ratecache")),
	}
}

// NewScope starts a request scope.
func (c *Cache) NewScope() *RequestScope {
	return NewRequestScope(c.requestTTL)
}

// Lookup checks the request scope, then the process tier. A process hit is
// copied into the scope. scope may be nil.
func (c *Cache) Lookup(scope *RequestScope, key Key) (*model.TariffRateRecord, Tier) {
	if scope != nil {
		if rec, ok := scope.Get(key); ok {
			return rec, TierRequest
		}
	}
	rec, ok := c.process.Get(key)
	if !ok {
		return nil, TierNone
	}
	if scope != nil {
		scope.Set(key, rec)
	}
	return rec, TierProcess
}

// Store writes rec to both tiers.
func (c *Cache) Store(scope *RequestScope, key Key, rec *model.TariffRateRecord) {
	c.process.Set(key, rec)
	if scope != nil {
		scope.Set(key, rec)
	}
}

// Invalidate drops code from the process tier.
func (c *Cache) Invalidate(code string) {
	c.process.Invalidate(code)
	c.log.Debug("invalidated", zap.String("code", code))
}

// Stats returns process tier statistics.
func (c *Cache) Stats() Stats {
	return c.process.Stats()
}
