package priceoracle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

type fakeEstimator struct {
	calls atomic.Int32
	fn    func(calls int32) (float64, error)
}

func (f *fakeEstimator) EstimateNativePrice(ctx context.Context, token common.Address) (float64, error) {
	n := f.calls.Add(1)
	return f.fn(n)
}

var token0 = common.HexToAddress("0x1111111111111111111111111111111111111111")

// TestCacheFreshHit confirms a single successful backend call is
// memoised across ten rapid sequential lookups within max_age.
func TestCacheFreshHit(t *testing.T) {
	est := &fakeEstimator{fn: func(int32) (float64, error) { return 1.0, nil }}
	c := New(est, WithMaxAge(30*time.Millisecond))

	for i := 0; i < 10; i++ {
		price, err := c.EstimateNativePrice(context.Background(), token0)
		assert.NoError(t, err)
		assert.Equal(t, 1.0, price)
		time.Sleep(time.Millisecond)
	}
	assert.EqualValues(t, 1, est.calls.Load())
}

// TestCacheDoesNotMemoiseTransientErrors confirms a rate-limited backend
// is retried on every lookup rather than cached.
func TestCacheDoesNotMemoiseTransientErrors(t *testing.T) {
	est := &fakeEstimator{fn: func(int32) (float64, error) { return 0, ErrRateLimited }}
	c := New(est, WithMaxAge(30*time.Millisecond))

	for i := 0; i < 10; i++ {
		_, err := c.EstimateNativePrice(context.Background(), token0)
		assert.ErrorIs(t, err, ErrRateLimited)
	}
	assert.EqualValues(t, 10, est.calls.Load())
}

func TestCacheMemoisesNoLiquidity(t *testing.T) {
	est := &fakeEstimator{fn: func(int32) (float64, error) { return 0, ErrNoLiquidity }}
	c := New(est, WithMaxAge(time.Minute))

	_, err := c.EstimateNativePrice(context.Background(), token0)
	assert.ErrorIs(t, err, ErrNoLiquidity)
	_, err = c.EstimateNativePrice(context.Background(), token0)
	assert.ErrorIs(t, err, ErrNoLiquidity)
	assert.EqualValues(t, 1, est.calls.Load())
}

func TestCacheRefreshesAfterMaxAge(t *testing.T) {
	est := &fakeEstimator{fn: func(n int32) (float64, error) { return float64(n), nil }}
	c := New(est, WithMaxAge(5*time.Millisecond))

	price, _ := c.EstimateNativePrice(context.Background(), token0)
	assert.Equal(t, 1.0, price)

	time.Sleep(10 * time.Millisecond)
	price, _ = c.EstimateNativePrice(context.Background(), token0)
	assert.Equal(t, 2.0, price)
}

// TestGetCachedPricesInsertsSentinelOnMiss verifies the side effect
// required by the contract: a miss inserts a stale sentinel instead of
// leaving the entry absent, and the sentinel is never handed back.
func TestGetCachedPricesInsertsSentinelOnMiss(t *testing.T) {
	est := &fakeEstimator{fn: func(int32) (float64, error) { return 1.0, nil }}
	c := New(est, WithMaxAge(time.Minute))

	result := c.GetCachedPrices([]common.Address{token0})
	assert.Empty(t, result, "a fresh miss must not be returned")

	c.mu.Lock()
	e, ok := c.entries[token0]
	c.mu.Unlock()
	assert.True(t, ok)
	assert.True(t, e.sentinel(time.Minute))
}

func TestGetCachedPricesReturnsFreshEntry(t *testing.T) {
	est := &fakeEstimator{fn: func(int32) (float64, error) { return 1.0, nil }}
	c := New(est, WithMaxAge(time.Minute))

	_, err := c.EstimateNativePrice(context.Background(), token0)
	assert.NoError(t, err)

	result := c.GetCachedPrices([]common.Address{token0})
	got, ok := result[token0]
	assert.True(t, ok)
	assert.Equal(t, 1.0, got.Price)
}

func TestBackgroundRefreshPrioritisesHighPriority(t *testing.T) {
	highPrio := common.HexToAddress("0x2222222222222222222222222222222222222222")
	lowPrio := common.HexToAddress("0x3333333333333333333333333333333333333333")

	est := &fakeEstimator{fn: func(int32) (float64, error) { return 1.0, nil }}
	c := New(est, WithMaxAge(time.Millisecond), WithPrefetchTime(0), WithConcurrentRequests(1), WithUpdateSize(1))

	c.ReplaceHighPriority([]common.Address{highPrio})
	c.insert(highPrio, entry{price: 0, updatedAt: time.Now().Add(-time.Hour), requestedAt: time.Now()})
	c.insert(lowPrio, entry{price: 0, updatedAt: time.Now().Add(-time.Hour), requestedAt: time.Now()})

	err := c.refreshOnce(context.Background())
	assert.NoError(t, err)

	c.mu.Lock()
	hp := c.entries[highPrio]
	lp := c.entries[lowPrio]
	c.mu.Unlock()
	assert.True(t, time.Since(hp.updatedAt) < time.Second)
	assert.True(t, time.Since(lp.updatedAt) > time.Minute, "with update size 1 only the high-priority token is refreshed")
}

func TestMaxEntriesEvictsOldestByRequestedAt(t *testing.T) {
	est := &fakeEstimator{fn: func(int32) (float64, error) { return 1.0, nil }}
	c := New(est, WithMaxAge(time.Minute), WithMaxEntries(2))

	older := common.HexToAddress("0x4444444444444444444444444444444444444444")
	newer := common.HexToAddress("0x5555555555555555555555555555555555555555")
	newest := common.HexToAddress("0x6666666666666666666666666666666666666666")

	c.insert(older, entry{price: 1, updatedAt: time.Now(), requestedAt: time.Now().Add(-time.Hour)})
	c.insert(newer, entry{price: 1, updatedAt: time.Now(), requestedAt: time.Now().Add(-time.Minute)})
	c.insert(newest, entry{price: 1, updatedAt: time.Now(), requestedAt: time.Now()})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.entries, 2)
	_, hasOlder := c.entries[older]
	assert.False(t, hasOlder)
}
