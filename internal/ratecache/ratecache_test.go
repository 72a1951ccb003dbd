package ratecache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newClockedCache(maxEntries int, ttl time.Duration, frac float64) (*MemoryCache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(maxEntries, ttl, frac)
	c.now = clk.Now
	return c, clk
}

func rec(code string, mfn float64) *model.TariffRateRecord {
	r := model.NewRecord(code)
	r.Set(model.CategoryMFN, model.Rate(mfn), model.ProvenanceOfficialSchedule, time.Now())
	return r
}

func TestMemoryCache_BasicGetSet(t *testing.T) {
	c, _ := newClockedCache(10, time.Hour, 0.1)
	key := Key{Code: "8542310050", Context: "CN"}

	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, rec("8542310050", 0))
	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, 0.0, *got.MFN.Rate)

	// Different context is a separate entry.
	_, ok = c.Get(Key{Code: "8542310050", Context: "MX"})
	assert.False(t, ok)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(2), s.Misses)
	assert.InDelta(t, 1.0/3.0, s.HitRate, 1e-9)
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	c, _ := newClockedCache(10, time.Hour, 0.1)
	key := Key{Code: "7326908500"}
	original := rec("7326908500", 0.029)
	c.Set(key, original)

	*original.MFN.Rate = 0.5
	got, _ := c.Get(key)
	*got.MFN.Rate = 0.9

	again, _ := c.Get(key)
	assert.Equal(t, 0.029, *again.MFN.Rate)
}

func TestMemoryCache_TTLExpiration(t *testing.T) {
	c, clk := newClockedCache(10, 4*time.Hour, 0.1)
	key := Key{Code: "8542310050", Context: "CN"}
	c.Set(key, rec("8542310050", 0))

	clk.Advance(3 * time.Hour)
	_, ok := c.Get(key)
	assert.True(t, ok)

	clk.Advance(2 * time.Hour)
	_, ok = c.Get(key)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestMemoryCache_EvictsOldestFractionInOnePass(t *testing.T) {
	c, clk := newClockedCache(20, time.Hour, 0.25)
	for i := range 20 {
		c.Set(Key{Code: fmt.Sprintf("85423100%02d", i)}, rec("x", 0))
		clk.Advance(time.Second)
	}
	assert.Equal(t, 20, c.Stats().Entries)

	// The 21st insert evicts the five oldest writes at once.
	c.Set(Key{Code: "8542310099"}, rec("x", 0))
	s := c.Stats()
	assert.Equal(t, 16, s.Entries)
	assert.Equal(t, int64(5), s.Evictions)

	for i := range 5 {
		_, ok := c.Get(Key{Code: fmt.Sprintf("85423100%02d", i)})
		assert.False(t, ok, i)
	}
	for i := 5; i < 20; i++ {
		_, ok := c.Get(Key{Code: fmt.Sprintf("85423100%02d", i)})
		assert.True(t, ok, i)
	}
	_, ok := c.Get(Key{Code: "8542310099"})
	assert.True(t, ok)
}

func TestMemoryCache_EvictAndInvalidate(t *testing.T) {
	c, _ := newClockedCache(10, time.Hour, 0.1)
	c.Set(Key{Code: "8542310050", Context: "CN"}, rec("8542310050", 0))
	c.Set(Key{Code: "8542310050", Context: "MX"}, rec("8542310050", 0))
	c.Set(Key{Code: "7326908500", Context: "CN"}, rec("7326908500", 0))

	c.Evict(Key{Code: "7326908500", Context: "CN"})
	assert.Equal(t, 2, c.Stats().Entries)

	c.Invalidate("8542310050")
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c := NewMemoryCache(50, time.Hour, 0.1)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				key := Key{Code: fmt.Sprintf("%d-%d", g, i%60)}
				c.Set(key, rec("x", 0))
				c.Get(key)
				_ = c.Stats()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Stats().Entries, 50)
}

func TestRequestScope_ExpiresRegardlessOfAccess(t *testing.T) {
	s := NewRequestScope(30 * time.Millisecond)
	key := Key{Code: "8542310050", Context: "CN"}
	s.Set(key, rec("8542310050", 0))

	_, ok := s.Get(key)
	assert.True(t, ok)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, ok = s.Get(key)
	assert.False(t, ok)
}

func TestRequestScope_Close(t *testing.T) {
	s := NewRequestScope(time.Hour)
	require.NotEmpty(t, s.ID)
	s.Set(Key{Code: "a"}, rec("a", 0))
	s.Close()
	assert.Equal(t, 0, s.Len())

	s.Set(Key{Code: "b"}, rec("b", 0))
	assert.Equal(t, 0, s.Len())
}

func TestCache_LookupOrder(t *testing.T) {
	process, _ := newClockedCache(10, time.Hour, 0.1)
	cache := New(process, time.Hour)
	key := Key{Code: "8542310050", Context: "CN"}

	scope := cache.NewScope()
	defer scope.Close()

	got, tier := cache.Lookup(scope, key)
	assert.Nil(t, got)
	assert.Equal(t, TierNone, tier)

	process.Set(key, rec("8542310050", 0))

	got, tier = cache.Lookup(scope, key)
	require.NotNil(t, got)
	assert.Equal(t, TierProcess, tier)

	// The process hit was copied into the request scope.
	process.Evict(key)
	got, tier = cache.Lookup(scope, key)
	require.NotNil(t, got)
	assert.Equal(t, TierRequest, tier)

	// A different request does not see it.
	other := cache.NewScope()
	defer other.Close()
	_, tier = cache.Lookup(other, key)
	assert.Equal(t, TierNone, tier)
}

func TestCache_StoreWritesBothTiers(t *testing.T) {
	process, _ := newClockedCache(10, time.Hour, 0.1)
	cache := New(process, time.Hour)
	key := Key{Code: "7326908500", Context: "MX"}
	scope := cache.NewScope()
	defer scope.Close()

	cache.Store(scope, key, rec("7326908500", 0))
	assert.Equal(t, 1, scope.Len())
	assert.Equal(t, 1, cache.Stats().Entries)

	cache.Invalidate("7326908500")
	assert.Equal(t, 0, cache.Stats().Entries)

	_, tier := cache.Lookup(nil, key)
	assert.Equal(t, TierNone, tier)
}
