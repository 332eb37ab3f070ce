package balance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
	"github.com/0xc0d3d00d/portfoliodb/internal/exchange"
	"github.com/0xc0d3d00d/portfoliodb/internal/storage"
	"github.com/0xc0d3d00d/portfoliodb/internal/subscription"
)

type fakeHistoryAPI struct {
	mu      sync.Mutex
	candles []exchange.Candle
	err     error
}

func (h *fakeHistoryAPI) GetHistoricalCandles(ctx context.Context, asset string, resolutionSeconds int64, start, end time.Time) ([]exchange.Candle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.candles, h.err
}

type recorderFixture struct {
	clock    *fakeClock
	kv       *storage.Store
	client   *fakeAccountAPI
	history  *fakeHistoryAPI
	recorder *Recorder
}

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

func newRecorderFixture(t *testing.T, retentions map[domain.Resolution]int) *recorderFixture {
	t.Helper()

	kv := newTestKV(t)
	clock := &fakeClock{t: time.UnixMilli(0)}
	client := &fakeAccountAPI{}
	history := &fakeHistoryAPI{}

	return &recorderFixture{
		clock:   clock,
		kv:      kv,
		client:  client,
		history: history,
		recorder: New("BTC-USD", "test/btc-usd", retentions, kv,
			storage.NewDebouncedWriter(kv, 0), subscription.NewRegistry(),
			client, history, WithNow(clock.Now)),
	}
}

func TestRecorderCommitPushesBalance(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})

	var committed []float64
	f.recorder.OnBalance(func(usd float64) {
		committed = append(committed, usd)
	})

	f.recorder.Record(ctx, 30000, 0.5)

	assert.Equal(t, 15000.0, f.recorder.USD())
	assert.Equal(t, []float64{15000}, committed)

	data, err := f.recorder.Store(domain.Resolution1m).GetAtOffset(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 15000.0, data.Close)
}

func TestRecorderUSDRounds(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})

	f.recorder.Record(ctx, 3, 0.333333333)

	assert.Equal(t, 1.0, f.recorder.USD())
}

func TestRecorderSkipsUnchangedValues(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})

	commits := 0
	f.recorder.OnBalance(func(usd float64) {
		commits++
	})

	f.recorder.Record(ctx, 30000, 0.5)
	f.recorder.Record(ctx, 30000, 0.5)
	f.recorder.RecordPrice(ctx, 30000)
	f.recorder.RecordAmount(ctx, 0.5)

	assert.Equal(t, 1, commits)
}

func TestRecorderStagedCommit(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})
	f.recorder.SetAutoCommit(false)

	commits := 0
	f.recorder.OnBalance(func(usd float64) {
		commits++
	})

	f.recorder.RecordPrice(ctx, 30000)
	f.recorder.RecordAmount(ctx, 0.5)
	assert.Equal(t, 0, commits)

	f.recorder.Commit(ctx)
	assert.Equal(t, 1, commits)
	assert.Equal(t, 15000.0, f.recorder.USD())
}

func TestRecorderConcurrentCommitsStayOrdered(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})

	f.recorder.RecordAmount(ctx, 1)

	// Price changes and holdings polls commit from different goroutines.
	// Whatever interleaving the scheduler picks, the last push into the
	// store has to carry the final committed value.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.recorder.RecordPrice(ctx, float64(100+i))
		}(i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.recorder.RecordAmount(ctx, 1+float64(i)/1000)
		}(i)
	}
	wg.Wait()

	data, err := f.recorder.Store(domain.Resolution1m).GetAtOffset(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, f.recorder.USD(), data.Close)
}

func TestRecorderPersistsQuantity(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})

	type change struct{ current, previous float64 }
	var changes []change
	f.recorder.OnQuantity(func(current, previous float64) {
		changes = append(changes, change{current, previous})
	})

	f.recorder.Record(ctx, 30000, 0.5)
	f.recorder.Record(ctx, 30000, 0.75)

	require.Len(t, changes, 2)
	assert.Equal(t, change{0.5, -1}, changes[0])
	assert.Equal(t, change{0.75, 0.5}, changes[1])

	// A recorder constructed over the same keys recovers the quantity.
	reloaded := New("BTC-USD", "test/btc-usd", map[domain.Resolution]int{domain.Resolution1m: 10},
		f.kv, storage.NewDebouncedWriter(f.kv, 0), subscription.NewRegistry(),
		f.client, f.history, WithNow(f.clock.Now))
	assert.Equal(t, 0.75, reloaded.Amount())
}

func TestRecorderSaveAmountDisabled(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})
	f.recorder.SetSaveAmount(false)

	notified := false
	f.recorder.OnQuantity(func(current, previous float64) {
		notified = true
	})

	f.recorder.Record(ctx, 1, 2500)

	assert.False(t, notified)
	exists, err := f.kv.Exists(ctx, "test/btc-usd/@amount")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRecorderGrowth(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1h: 48})

	f.clock.Set(0)
	f.recorder.Record(ctx, 100, 1)

	// The opening record has to reach disk before a later lookup can see it.
	require.Eventually(t, func() bool {
		exists, err := f.kv.Exists(ctx, "test/btc-usd/1h/0")
		return err == nil && exists
	}, 2*time.Second, 5*time.Millisecond)

	f.clock.Set(24*time.Hour.Milliseconds() + 30*time.Minute.Milliseconds())
	f.recorder.RecordPrice(ctx, 150)

	growth, err := f.recorder.Growth(ctx, WindowDay)
	require.NoError(t, err)
	assert.Equal(t, 150.0, growth.Dollars)
	assert.Equal(t, domain.TrendUp, growth.Trend)
	assert.Equal(t, 50.0, growth.TrendDollars)
	assert.Equal(t, 50.0, growth.TrendPercent)

	// No six-hour series is tracked, so the weekly window has no source.
	_, err = f.recorder.Growth(ctx, WindowWeek)
	require.Error(t, err)
}

func TestRecorderAssetPriceWithoutHistory(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1h: 48})

	f.clock.Set(48 * time.Hour.Milliseconds())
	f.recorder.Record(ctx, 100, 1)

	price := f.recorder.AssetPrice(ctx)
	assert.Equal(t, 100.0, price.Dollars)
	assert.Equal(t, domain.TrendUp, price.Trend)
	assert.Equal(t, 100.0, price.TrendDollars)
}

func TestRecalculateAt(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})

	f.clock.Set(0)
	f.recorder.Record(ctx, 100, 2)
	require.Eventually(t, func() bool {
		exists, err := f.kv.Exists(ctx, "test/btc-usd/1m/0")
		return err == nil && exists
	}, 2*time.Second, 5*time.Millisecond)

	f.history.candles = []exchange.Candle{
		{OpenTime: time.UnixMilli(0), Open: 100, High: 110, Low: 90, Close: 105},
	}

	data, err := f.recorder.RecalculateAt(ctx, domain.Resolution1m, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, &domain.Candle{Open: 200, High: 220, Low: 180, Close: 210}, data)

	// Same inputs, same candle.
	again, err := f.recorder.RecalculateAt(ctx, domain.Resolution1m, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestRecalculateAtBacksOutFills(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})

	f.clock.Set(0)
	f.recorder.Record(ctx, 100, 2)
	require.Eventually(t, func() bool {
		exists, err := f.kv.Exists(ctx, "test/btc-usd/1m/0")
		return err == nil && exists
	}, 2*time.Second, 5*time.Millisecond)

	// One unit bought inside the bucket: the position opened smaller.
	f.client.setFills([]exchange.Fill{fillAt("o1", "buy", 1, 100, 30000)})
	f.recorder.Ledger().Refresh(ctx)

	f.history.candles = []exchange.Candle{
		{OpenTime: time.UnixMilli(0), Open: 100, High: 110, Low: 90, Close: 105},
	}

	data, err := f.recorder.RecalculateAt(ctx, domain.Resolution1m, 0, 2)
	require.NoError(t, err)

	assert.Equal(t, 100.0, data.Open)  // 100 x amountAtOpen(1)
	assert.Equal(t, 220.0, data.High)  // 110 x amountAtTime(2)
	assert.Equal(t, 210.0, data.Close) // 105 x amountAtClose(2)
	assert.Equal(t, 100.0, data.Low)   // clamped down to the open
}

func TestRecalculateAtNoMarketCandle(t *testing.T) {
	ctx := context.Background()
	f := newRecorderFixture(t, map[domain.Resolution]int{domain.Resolution1m: 10})

	f.clock.Set(0)
	f.recorder.Record(ctx, 100, 2)

	f.history.candles = nil
	_, err := f.recorder.RecalculateAt(ctx, domain.Resolution1m, 0, 2)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
