package candlestore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
	"github.com/0xc0d3d00d/portfoliodb/internal/storage"
	"github.com/0xc0d3d00d/portfoliodb/internal/subscription"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(millis int64) {
	c.mu.Lock()
	c.t = time.UnixMilli(millis)
	c.mu.Unlock()
}

type chartObserver struct {
	id string

	mu      sync.Mutex
	batches [][]*domain.ChartPoint
	ticks   []*domain.ChartPoint
	corrs   []*domain.Correction
}

func (o *chartObserver) ID() string {
	return o.id
}

func (o *chartObserver) Send(event string, payload any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch event {
	case domain.EventChartData:
		o.batches = append(o.batches, payload.([]*domain.ChartPoint))
	case domain.EventChartCurrent:
		o.ticks = append(o.ticks, payload.(*domain.ChartPoint))
	case domain.EventChartCorrection:
		o.corrs = append(o.corrs, payload.(*domain.Correction))
	}
}

func (o *chartObserver) batchCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.batches)
}

func (o *chartObserver) tickCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ticks)
}

type fixture struct {
	clock   *fakeClock
	kv      *storage.Store
	feature *subscription.Feature
	store   *Store
}

func newFixture(t *testing.T, retention int) *fixture {
	t.Helper()

	kv, err := storage.NewStore(afero.NewMemMapFs(), "data")
	require.NoError(t, err)

	clock := &fakeClock{t: time.UnixMilli(0)}
	registry := subscription.NewRegistry()
	feature := registry.Feature("chart/BTC-USD/1m")

	return &fixture{
		clock:   clock,
		kv:      kv,
		feature: feature,
		store: New("BTC-USD", domain.Resolution1m, retention, "test/btc-usd/1m",
			kv, storage.NewDebouncedWriter(kv, 0), feature,
			WithNow(clock.Now)),
	}
}

func (f *fixture) waitForRecord(t *testing.T, offset int64) *domain.Candle {
	t.Helper()

	var data domain.Candle
	require.Eventually(t, func() bool {
		raw, err := f.kv.Get(context.Background(), "test/btc-usd/1m/"+strconv.FormatInt(offset, 10))
		if err != nil {
			return false
		}
		return json.Unmarshal(raw, &data) == nil
	}, 2*time.Second, 5*time.Millisecond)

	return &data
}

func TestPushAggregation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	f.clock.Set(0)
	f.store.Push(ctx, 100)

	data, err := f.store.GetAtOffset(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, &domain.Candle{Open: 100, High: 100, Low: 100, Close: 100}, data)

	f.clock.Set(30000)
	f.store.Push(ctx, 110)

	data, err = f.store.GetAtOffset(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, &domain.Candle{Open: 100, High: 110, Low: 100, Close: 110}, data)

	f.clock.Set(61000)
	f.store.Push(ctx, 90)

	data, err = f.store.GetAtOffset(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, &domain.Candle{Open: 90, High: 90, Low: 90, Close: 90}, data)

	// The elapsed candle is still readable once its write flushes.
	flushed := f.waitForRecord(t, 0)
	assert.Equal(t, &domain.Candle{Open: 100, High: 110, Low: 100, Close: 110}, flushed)
}

func TestPushInvariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	values := []float64{100, 110, 90, 95, 130, 85, 120}
	for i, value := range values {
		f.clock.Set(int64(i) * 5000) // all inside offset 0
		f.store.Push(ctx, value)

		data, err := f.store.GetAtOffset(ctx, 0)
		require.NoError(t, err)

		assert.LessOrEqual(t, data.Low, min(data.Open, data.Close))
		assert.GreaterOrEqual(t, data.High, max(data.Open, data.Close))
	}
}

func TestGetAtTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	f.clock.Set(0)
	f.store.Push(ctx, 100)
	f.waitForRecord(t, 0)

	// Skip offsets 1 and 2.
	f.clock.Set(3 * 60000)
	f.store.Push(ctx, 200)

	// Current bucket resolves in memory.
	data, err := f.store.GetAtTimestamp(ctx, 3*60000+1000)
	require.NoError(t, err)
	assert.Equal(t, float64(200), data.Close)

	// A timestamp inside the gap resolves to the greatest earlier offset.
	data, err = f.store.GetAtTimestamp(ctx, 2*60000)
	require.NoError(t, err)
	assert.Equal(t, float64(100), data.Close)

	// Before the earliest offset there is no history, not a zero candle.
	_, err = f.store.GetAtTimestamp(ctx, -60000)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetAtOffsetMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	f.clock.Set(0)
	f.store.Push(ctx, 100)

	_, err := f.store.GetAtOffset(ctx, 7)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCorrect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	f.clock.Set(0)
	f.store.Push(ctx, 100)
	f.waitForRecord(t, 0)

	corrected := &domain.Candle{Open: 50, High: 60, Low: 45, Close: 55}
	f.store.Correct(ctx, 0, corrected)

	require.Eventually(t, func() bool {
		raw, err := f.kv.Get(ctx, "test/btc-usd/1m/0")
		if err != nil {
			return false
		}
		var data domain.Candle
		return json.Unmarshal(raw, &data) == nil && data == *corrected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCorrectIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	f.clock.Set(0)
	f.store.Push(ctx, 100)
	f.waitForRecord(t, 0)

	corrected := &domain.Candle{Open: 50, High: 60, Low: 45, Close: 55}

	f.store.Correct(ctx, 0, corrected)
	first := f.waitForRecord(t, 0)

	f.store.Correct(ctx, 0, corrected)
	second := f.waitForRecord(t, 0)

	assert.Equal(t, first, second)
	assert.Equal(t, *corrected, *second)
}

func TestCorrectNeverCreates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	f.store.Correct(ctx, 9, &domain.Candle{Open: 1, High: 1, Low: 1, Close: 1})

	time.Sleep(50 * time.Millisecond)
	exists, err := f.kv.Exists(ctx, "test/btc-usd/1m/9")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	for offset := int64(0); offset <= 4; offset++ {
		f.clock.Set(offset * 60000)
		f.store.Push(ctx, float64(100+offset))
		f.waitForRecord(t, offset)
	}

	f.store.Prune(ctx)

	// Offsets older than currentOffset-retention are gone, records included.
	for offset := int64(0); offset < 2; offset++ {
		_, err := f.store.GetAtOffset(ctx, offset)
		require.ErrorIs(t, err, domain.ErrNotFound)

		key := "test/btc-usd/1m/" + strconv.FormatInt(offset, 10)
		require.Eventually(t, func() bool {
			exists, err := f.kv.Exists(ctx, key)
			return err == nil && !exists
		}, 2*time.Second, 5*time.Millisecond)
	}

	for offset := int64(2); offset <= 4; offset++ {
		_, err := f.store.GetAtOffset(ctx, offset)
		require.NoError(t, err)
	}
}

func TestCorrectIgnoresPrunedOffset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	for offset := int64(0); offset <= 4; offset++ {
		f.clock.Set(offset * 60000)
		f.store.Push(ctx, float64(100+offset))
		f.waitForRecord(t, offset)
	}

	f.store.Prune(ctx)

	// The pruned offset left the index, so the correction is refused even
	// while its record deletion may still be in flight.
	f.store.Correct(ctx, 0, &domain.Candle{Open: 1, High: 1, Low: 1, Close: 1})

	require.Eventually(t, func() bool {
		exists, err := f.kv.Exists(ctx, "test/btc-usd/1m/0")
		return err == nil && !exists
	}, 2*time.Second, 5*time.Millisecond)

	// And it stays gone.
	time.Sleep(50 * time.Millisecond)
	exists, err := f.kv.Exists(ctx, "test/btc-usd/1m/0")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPruneDropsOrphanedIndexEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	f.clock.Set(0)
	f.store.Push(ctx, 100)
	f.waitForRecord(t, 0)

	f.clock.Set(60000)
	f.store.Push(ctx, 110)

	// Remove offset 0's record behind the store's back.
	require.NoError(t, f.kv.Delete(ctx, "test/btc-usd/1m/0"))

	f.store.Prune(ctx)

	_, err := f.store.GetAtOffset(ctx, 0)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBackfillOnSubscribe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	for offset := int64(0); offset <= 3; offset++ {
		f.clock.Set(offset * 60000)
		f.store.Push(ctx, float64(100+offset))
		f.waitForRecord(t, offset)
	}

	observer := &chartObserver{id: "conn-1"}
	f.feature.Add(observer)

	require.Eventually(t, func() bool {
		return observer.batchCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	observer.mu.Lock()
	batch := observer.batches[0]
	observer.mu.Unlock()

	// Last retention buckets plus the live one, in order.
	require.Len(t, batch, 4)
	for i := 1; i < len(batch); i++ {
		assert.Greater(t, batch[i].Offset, batch[i-1].Offset)
	}
	assert.Equal(t, float64(103), batch[len(batch)-1].Data.Close)
}

func TestLiveTickDelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	observer := &chartObserver{id: "conn-1"}
	f.feature.Add(observer)

	f.clock.Set(0)
	f.store.Push(ctx, 100)

	require.Eventually(t, func() bool {
		return observer.tickCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	observer.mu.Lock()
	tick := observer.ticks[0]
	observer.mu.Unlock()

	assert.Equal(t, int64(0), tick.Offset)
	assert.Equal(t, float64(100), tick.Data.Close)
}

func TestStartupRecovery(t *testing.T) {
	ctx := context.Background()

	kv, err := storage.NewStore(afero.NewMemMapFs(), "data")
	require.NoError(t, err)

	data, _ := json.Marshal(&domain.Candle{Open: 1, High: 3, Low: 1, Close: 2})
	require.NoError(t, kv.Put(ctx, "test/btc-usd/1m/5", data))
	index, _ := json.Marshal([]int64{5})
	require.NoError(t, kv.Put(ctx, "test/btc-usd/1m/@index", index))

	clock := &fakeClock{t: time.UnixMilli(5 * 60000)}
	registry := subscription.NewRegistry()
	store := New("BTC-USD", domain.Resolution1m, 10, "test/btc-usd/1m",
		kv, storage.NewDebouncedWriter(kv, 0), registry.Feature("chart/BTC-USD/1m"),
		WithNow(clock.Now))

	recovered, err := store.GetAtOffset(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, float64(2), recovered.Close)

	// A push in the same bucket keeps aggregating into the recovered candle.
	store.Push(ctx, 4)
	recovered, err = store.GetAtOffset(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, &domain.Candle{Open: 1, High: 4, Low: 1, Close: 4}, recovered)
}

func TestStartupRecoveryCorruptRecord(t *testing.T) {
	ctx := context.Background()

	kv, err := storage.NewStore(afero.NewMemMapFs(), "data")
	require.NoError(t, err)

	require.NoError(t, kv.Put(ctx, "test/btc-usd/1m/5", []byte(`{"open":`)))

	clock := &fakeClock{t: time.UnixMilli(5 * 60000)}
	registry := subscription.NewRegistry()
	store := New("BTC-USD", domain.Resolution1m, 10, "test/btc-usd/1m",
		kv, storage.NewDebouncedWriter(kv, 0), registry.Feature("chart/BTC-USD/1m"),
		WithNow(clock.Now))

	// The corrupt record is treated as absent; the next push opens fresh.
	store.Push(ctx, 42)
	data, err := store.GetAtOffset(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, &domain.Candle{Open: 42, High: 42, Low: 42, Close: 42}, data)
}
