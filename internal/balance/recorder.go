// Package balance tracks one asset's holdings: the current quantity and unit
// price, the derived USD value written into candle stores at every
// resolution, and the trade ledger behind point-in-time reconstruction.
package balance

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xc0d3d00d/portfoliodb/internal/candlestore"
	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
	"github.com/0xc0d3d00d/portfoliodb/internal/exchange"
	"github.com/0xc0d3d00d/portfoliodb/internal/metrics"
	"github.com/0xc0d3d00d/portfoliodb/internal/storage"
	"github.com/0xc0d3d00d/portfoliodb/internal/subscription"
)

// TotalAsset names the synthetic balance holding the account-wide USD total.
const TotalAsset = "@total"

// Window is a growth lookback period.
type Window string

const (
	WindowHour  Window = "1h"
	WindowDay   Window = "1d"
	WindowWeek  Window = "1w"
	WindowMonth Window = "1m"
)

// Each window reads its opening value from the coarsest resolution that
// still covers the lookback within retention.
var windowSources = map[Window]struct {
	resolution domain.Resolution
	lookback   time.Duration
}{
	WindowHour:  {domain.Resolution5m, time.Hour},
	WindowDay:   {domain.Resolution1h, 24 * time.Hour},
	WindowWeek:  {domain.Resolution6h, 7 * 24 * time.Hour},
	WindowMonth: {domain.Resolution1d, 30 * 24 * time.Hour},
}

type Recorder struct {
	asset     string
	keyPrefix string

	kv      *storage.Store
	writer  *storage.DebouncedWriter
	client  exchange.AccountAPI
	history exchange.HistoryAPI

	stores map[domain.Resolution]*candlestore.Store
	ledger *Ledger

	now func() time.Time

	// commitMu serializes commits: candle pushes and the persisted
	// quantity land in commit order.
	commitMu sync.Mutex

	mu         sync.Mutex
	saveAmount bool
	autoCommit bool
	price      float64
	amount     float64
	lastUSD    float64
	lastAmount float64

	balanceListeners  []func(usd float64)
	quantityListeners []func(current, previous float64)
}

type Option func(*Recorder)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// New builds the recorder for one asset, creating a candle store per
// resolution under keyPrefix and loading the persisted quantity and ledger.
// retentions maps each resolution to its retained bucket count.
func New(
	asset string,
	keyPrefix string,
	retentions map[domain.Resolution]int,
	kv *storage.Store,
	writer *storage.DebouncedWriter,
	registry *subscription.Registry,
	client exchange.AccountAPI,
	history exchange.HistoryAPI,
	opts ...Option,
) *Recorder {
	r := &Recorder{
		asset:      asset,
		keyPrefix:  keyPrefix,
		kv:         kv,
		writer:     writer,
		client:     client,
		history:    history,
		stores:     make(map[domain.Resolution]*candlestore.Store, len(retentions)),
		now:        time.Now,
		saveAmount: true,
		autoCommit: true,
		lastAmount: -1,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.ledger = NewLedger(asset, keyPrefix+"/@history", kv, client)
	r.loadAmount(context.Background())

	for resolution, retention := range retentions {
		r.stores[resolution] = candlestore.New(
			asset,
			resolution,
			retention,
			keyPrefix+"/"+resolution.String(),
			kv,
			writer,
			registry.Feature(domain.ChartChannel(asset, resolution)),
			candlestore.WithNow(r.now),
		)
	}

	return r
}

func (r *Recorder) amountKey() string {
	return r.keyPrefix + "/@amount"
}

func (r *Recorder) loadAmount(ctx context.Context) {
	raw, err := r.kv.Get(ctx, r.amountKey())
	if err != nil {
		return
	}

	var amount float64
	if err := json.Unmarshal(raw, &amount); err != nil {
		slog.ErrorContext(ctx, "failed to load persisted amount", "asset", r.asset, "error", err)
		return
	}

	r.mu.Lock()
	r.amount = amount
	r.lastAmount = amount
	r.mu.Unlock()
}

func (r *Recorder) Asset() string {
	return r.asset
}

// Store returns the candle store for the given resolution, or nil when the
// resolution is not tracked.
func (r *Recorder) Store(resolution domain.Resolution) *candlestore.Store {
	return r.stores[resolution]
}

// Stores returns all candle stores.
func (r *Recorder) Stores() []*candlestore.Store {
	stores := make([]*candlestore.Store, 0, len(r.stores))
	for _, store := range r.stores {
		stores = append(stores, store)
	}
	return stores
}

func (r *Recorder) Ledger() *Ledger {
	return r.ledger
}

// Amount is the currently recorded quantity of units.
func (r *Recorder) Amount() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amount
}

// USD is the current value of the balance, rounded to 4 decimals.
func (r *Recorder) USD() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return domain.Round4(r.amount * r.price)
}

// SetSaveAmount controls whether quantity changes persist and emit quantity
// events. The synthetic total balance disables it.
func (r *Recorder) SetSaveAmount(enabled bool) {
	r.mu.Lock()
	r.saveAmount = enabled
	r.mu.Unlock()
}

// SetAutoCommit controls whether every state change commits immediately.
// Disabled during staged startup.
func (r *Recorder) SetAutoCommit(enabled bool) {
	r.mu.Lock()
	r.autoCommit = enabled
	r.mu.Unlock()
}

// OnBalance registers a listener for committed USD value changes.
func (r *Recorder) OnBalance(fn func(usd float64)) {
	r.mu.Lock()
	r.balanceListeners = append(r.balanceListeners, fn)
	r.mu.Unlock()
}

// OnQuantity registers a listener for persisted quantity changes. The
// listener receives the new and the previous quantity.
func (r *Recorder) OnQuantity(fn func(current, previous float64)) {
	r.mu.Lock()
	r.quantityListeners = append(r.quantityListeners, fn)
	r.mu.Unlock()
}

// RecordPrice records the unit price, committing on change.
func (r *Recorder) RecordPrice(ctx context.Context, price float64) {
	r.mu.Lock()
	changed := price != r.price
	r.price = price
	autoCommit := r.autoCommit
	r.mu.Unlock()

	if changed && autoCommit {
		r.Commit(ctx)
	}
}

// RecordAmount records the quantity of units, committing on change.
func (r *Recorder) RecordAmount(ctx context.Context, amount float64) {
	r.mu.Lock()
	changed := amount != r.amount
	r.amount = amount
	autoCommit := r.autoCommit
	r.mu.Unlock()

	if changed && autoCommit {
		r.Commit(ctx)
	}
}

// Record records price and quantity at once with a single commit.
func (r *Recorder) Record(ctx context.Context, price, amount float64) {
	r.mu.Lock()
	changed := price != r.price || amount != r.amount
	r.price = price
	r.amount = amount
	autoCommit := r.autoCommit
	r.mu.Unlock()

	if changed && autoCommit {
		r.Commit(ctx)
	}
}

// Commit recomputes the USD value, pushes it into every resolution when it
// changed, and, independently, persists the quantity and refreshes the trade
// ledger when the quantity moved since the last persisted value.
//
// Commits are serialized: the price feed and the holdings poll commit from
// different goroutines, and a push carrying an older value must not land
// after the push carrying the newer one.
func (r *Recorder) Commit(ctx context.Context) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	r.mu.Lock()
	usd := domain.Round4(r.amount * r.price)
	balanceChanged := usd != r.lastUSD
	if balanceChanged {
		r.lastUSD = usd
	}

	amount := r.amount
	previous := r.lastAmount
	amountChanged := amount != r.lastAmount
	if amountChanged {
		r.lastAmount = amount
	}

	balanceListeners := r.balanceListeners
	quantityListeners := r.quantityListeners
	saveAmount := r.saveAmount
	r.mu.Unlock()

	if balanceChanged {
		metrics.SetBalanceUSD(r.asset, usd)

		for _, fn := range balanceListeners {
			fn(usd)
		}

		for _, store := range r.stores {
			store.Push(ctx, usd)
		}
	}

	if amountChanged {
		go r.RefreshFills(context.Background())

		if saveAmount {
			encoded, err := json.Marshal(amount)
			if err == nil {
				if err := r.kv.Put(ctx, r.amountKey(), encoded); err != nil {
					slog.ErrorContext(ctx, "failed to persist amount", "asset", r.asset, "error", err)
				}
			}

			for _, fn := range quantityListeners {
				fn(amount, previous)
			}
		}
	}
}

// RefreshFills pulls the fill history from the exchange into the ledger.
// The synthetic total and plain USD balances have no trade history.
func (r *Recorder) RefreshFills(ctx context.Context) {
	if r.asset == TotalAsset || r.asset == "USD" {
		return
	}

	r.ledger.Refresh(ctx)
}

func (r *Recorder) BuyOrders() []domain.Order {
	return r.ledger.BuyOrders()
}

func (r *Recorder) SellOrders() []domain.Order {
	return r.ledger.SellOrders()
}

// OpenUSD returns the opening USD value of the balance at the start of the
// given lookback window, or domain.ErrNotFound when history does not reach
// that far back.
func (r *Recorder) OpenUSD(ctx context.Context, window Window) (float64, error) {
	source, ok := windowSources[window]
	if !ok {
		return 0, domain.ErrNotFound
	}

	store := r.stores[source.resolution]
	if store == nil {
		return 0, domain.ErrNotFound
	}

	target := r.now().Add(-source.lookback).UnixMilli()
	data, err := store.GetAtTimestamp(ctx, target)
	if err != nil {
		return 0, err
	}

	return data.Open, nil
}

// AssetPrice projects the current USD value against the opening value one
// day ago. Missing history counts as a zero reference, mirroring the
// first-day behavior of a fresh balance.
func (r *Recorder) AssetPrice(ctx context.Context) domain.AssetPrice {
	dollars := r.USD()
	dollarsBefore, err := r.OpenUSD(ctx, WindowDay)
	if err != nil {
		dollarsBefore = 0
	}

	return domain.NewAssetPrice(dollars, dollarsBefore)
}

// Growth projects the current USD value against the opening value of the
// given window. Returns domain.ErrNotFound when history is insufficient.
func (r *Recorder) Growth(ctx context.Context, window Window) (*domain.AssetPrice, error) {
	dollars := r.USD()
	dollarsBefore, err := r.OpenUSD(ctx, window)
	if err != nil {
		return nil, err
	}

	price := domain.NewAssetPrice(dollars, dollarsBefore)
	return &price, nil
}

// GrowthAll resolves every growth window concurrently so the underlying
// reads overlap. Windows with insufficient history come back nil.
func (r *Recorder) GrowthAll(ctx context.Context) (map[Window]*domain.AssetPrice, error) {
	var mu sync.Mutex
	growth := make(map[Window]*domain.AssetPrice, len(windowSources))

	g, gCtx := errgroup.WithContext(ctx)
	for window := range windowSources {
		window := window
		g.Go(func() error {
			price, err := r.Growth(gCtx, window)
			if err != nil {
				return nil
			}

			mu.Lock()
			growth[window] = price
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return growth, nil
}

// RecalculateAt recomputes the persisted candle at the given offset of one
// resolution from authoritative market history, given the quantity held at
// the reference time. Fills inside the bucket are backed out to estimate the
// quantity at open and close. The corrected candle overwrites the persisted
// record via the store; repeated invocation with unchanged history and ledger
// state writes the same candle. Returns domain.ErrNotFound when the market
// history has no candle for the offset, leaving the prior record untouched.
func (r *Recorder) RecalculateAt(ctx context.Context, resolution domain.Resolution, offset int64, amountAtTime float64) (*domain.Candle, error) {
	store := r.stores[resolution]
	if store == nil {
		return nil, domain.ErrNotFound
	}

	durationMillis := resolution.Millis()
	end := r.now()
	start := end.Add(-time.Duration(resolution) * historyLookbackBuckets)

	history, err := r.history.GetHistoricalCandles(ctx, r.asset, resolution.Seconds(), start, end)
	if err != nil {
		return nil, err
	}

	buys, sells := r.ledger.OrdersWithin(offset*durationMillis, offset*durationMillis+durationMillis)

	amountAtOpen := amountAtTime
	amountAtClose := amountAtTime

	for _, buy := range buys {
		amountAtOpen -= buy.Quantity
	}
	for _, sell := range sells {
		amountAtClose -= sell.Quantity
	}

	for _, candle := range history {
		if domain.BucketOffset(candle.OpenTime.UnixMilli(), durationMillis) != offset {
			continue
		}

		data := &domain.Candle{
			Open:  candle.Open * amountAtOpen,
			High:  candle.High * amountAtTime,
			Low:   candle.Low * amountAtTime,
			Close: candle.Close * amountAtClose,
		}

		if data.Open < data.Low {
			data.Low = data.Open
		}
		if data.Close < data.Low {
			data.Low = data.Close
		}

		store.Correct(ctx, offset, data)
		return data, nil
	}

	return nil, domain.ErrNotFound
}

// The history APIs serve roughly 300 buckets per request; ask for exactly
// that span.
const historyLookbackBuckets = 300
