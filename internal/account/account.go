// Package account wires one exchange account/portfolio pair: a balance
// recorder per tracked currency, the synthetic total balance, the periodic
// holdings poll, and the account-level events for its subscribers.
package account

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/0xc0d3d00d/portfoliodb/internal/balance"
	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
	"github.com/0xc0d3d00d/portfoliodb/internal/exchange"
	"github.com/0xc0d3d00d/portfoliodb/internal/storage"
	"github.com/0xc0d3d00d/portfoliodb/internal/subscription"
	"github.com/0xc0d3d00d/portfoliodb/internal/ticker"
)

const pollInterval = 5 * time.Second

// Events delivered to account-level subscribers.
const (
	EventSetBalance  = "set/balance"
	EventUpdateAsset = "update/asset"
	EventSetAssets   = "set/assets"
)

// BalanceDTO is the account-wide balance payload.
type BalanceDTO struct {
	Dollars float64 `json:"dollars"`
}

// Asset is one portfolio entry projected for subscribers.
type Asset struct {
	Ticker      string             `json:"ticker"`
	Name        string             `json:"name"`
	Quantity    float64            `json:"quantity"`
	Price       domain.AssetPrice  `json:"price"`
	Balance     domain.AssetPrice  `json:"balance"`
	GrowthHour  *domain.AssetPrice `json:"growthHour,omitempty"`
	GrowthDay   *domain.AssetPrice `json:"growthDay,omitempty"`
	GrowthWeek  *domain.AssetPrice `json:"growthWeek,omitempty"`
	GrowthMonth *domain.AssetPrice `json:"growthMonth,omitempty"`
	Buys        []domain.Order     `json:"buys,omitempty"`
	Sells       []domain.Order     `json:"sells,omitempty"`
}

type Account struct {
	name string
	slug string

	client     exchange.AccountAPI
	history    exchange.HistoryAPI
	ticker     *ticker.Ticker
	registry   *subscription.Registry
	kv         *storage.Store
	writer     *storage.DebouncedWriter
	retentions map[domain.Resolution]int

	now func() time.Time

	mu       sync.Mutex
	balances map[string]*balance.Recorder
	total    *balance.Recorder
}

type Option func(*Account)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(a *Account) {
		a.now = now
	}
}

func New(
	name string,
	client exchange.AccountAPI,
	history exchange.HistoryAPI,
	tick *ticker.Ticker,
	registry *subscription.Registry,
	kv *storage.Store,
	writer *storage.DebouncedWriter,
	retentions map[domain.Resolution]int,
	opts ...Option,
) *Account {
	a := &Account{
		name:       name,
		slug:       strings.ToLower(strings.TrimSpace(name)),
		client:     client,
		history:    history,
		ticker:     tick,
		registry:   registry,
		kv:         kv,
		writer:     writer,
		retentions: retentions,
		now:        time.Now,
		balances:   make(map[string]*balance.Recorder),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.total = a.newRecorder(balance.TotalAsset)
	a.total.SetSaveAmount(false)
	a.total.SetAutoCommit(false)
	a.total.RecordPrice(context.Background(), 1)

	return a
}

func (a *Account) Name() string {
	return a.name
}

func (a *Account) Slug() string {
	return a.slug
}

func (a *Account) Registry() *subscription.Registry {
	return a.registry
}

// Total is the synthetic balance summing every tracked asset's USD value.
func (a *Account) Total() *balance.Recorder {
	return a.total
}

// Balance returns the recorder for a tracked asset, or nil.
func (a *Account) Balance(asset string) *balance.Recorder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balances[asset]
}

func (a *Account) newRecorder(asset string) *balance.Recorder {
	keyPrefix := "accounts/" + a.slug + "/" + strings.ToLower(asset)

	return balance.New(
		asset,
		keyPrefix,
		a.retentions,
		a.kv,
		a.writer,
		a.registry,
		a.client,
		a.history,
		balance.WithNow(a.now),
	)
}

// assetName maps an exchange currency code to the tracked market name.
func assetName(currency string) string {
	if currency == "USD" {
		return "USD"
	}
	return currency + "-USD"
}

func (a *Account) tracked(name string) bool {
	if name == "USD" {
		return true
	}
	for _, currency := range a.ticker.Currencies() {
		if currency == name {
			return true
		}
	}
	return false
}

// Start fetches the initial holdings, builds a recorder per tracked
// currency, and wires price changes, total recomputation, and subscriber
// notifications. It must run once before Run.
func (a *Account) Start(ctx context.Context) error {
	holdings, err := a.client.ListBalances(ctx)
	if err != nil {
		return err
	}

	for _, holding := range holdings {
		name := assetName(holding.Currency)
		if !a.tracked(name) {
			continue
		}

		price, err := a.ticker.Price(name)
		if err != nil {
			slog.ErrorContext(ctx, "no price for tracked holding", "account", a.slug, "asset", name, "error", err)
			continue
		}

		recorder := a.newRecorder(name)
		recorder.Record(ctx, price, holding.Amount)

		a.mu.Lock()
		a.balances[name] = recorder
		a.mu.Unlock()

		recorder.OnBalance(func(float64) {
			a.recalculateTotal(ctx)
		})
	}

	a.ticker.OnChange(func(asset string, price, _ float64) {
		if recorder := a.Balance(asset); recorder != nil {
			recorder.RecordPrice(ctx, price)
		}
	})

	// Initial total calculation.
	a.total.SetAutoCommit(true)
	a.recalculateTotal(ctx)

	// Check for fills recorded while the process was down.
	for _, recorder := range a.recorders() {
		go recorder.RefreshFills(ctx)
	}

	a.wireSubscribers(ctx)

	// Retention pruning per store.
	for _, recorder := range a.allRecorders() {
		for _, store := range recorder.Stores() {
			go store.Run(ctx)
		}
	}

	slog.InfoContext(ctx, "account started", "account", a.slug, "balances", len(a.balances))
	return nil
}

// Run polls the exchange for holding changes until ctx is cancelled.
func (a *Account) Run(ctx context.Context) error {
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			a.pollBalances(ctx)
		}
	}
}

func (a *Account) pollBalances(ctx context.Context) {
	holdings, err := a.client.ListBalances(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to poll balances", "account", a.slug, "error", err)
		return
	}

	for _, holding := range holdings {
		if recorder := a.Balance(assetName(holding.Currency)); recorder != nil {
			recorder.RecordAmount(ctx, holding.Amount)
		}
	}
}

func (a *Account) recalculateTotal(ctx context.Context) {
	var total float64
	for _, recorder := range a.recorders() {
		total += recorder.USD()
	}

	a.total.RecordAmount(ctx, total)
}

func (a *Account) recorders() []*balance.Recorder {
	a.mu.Lock()
	defer a.mu.Unlock()

	recorders := make([]*balance.Recorder, 0, len(a.balances))
	for _, recorder := range a.balances {
		recorders = append(recorders, recorder)
	}
	return recorders
}

func (a *Account) allRecorders() []*balance.Recorder {
	return append(a.recorders(), a.total)
}

// wireSubscribers forwards balance and quantity changes to account-level
// subscribers. Payload construction is skipped when nobody listens.
func (a *Account) wireSubscribers(ctx context.Context) {
	a.total.OnBalance(func(usd float64) {
		if a.registry.Len() == 0 {
			return
		}
		a.registry.Emit(EventSetBalance, BalanceDTO{Dollars: usd})
	})

	for _, recorder := range a.recorders() {
		recorder := recorder

		recorder.OnBalance(func(float64) {
			if a.registry.Len() == 0 {
				return
			}
			go func() {
				asset, err := a.buildAsset(ctx, recorder, false)
				if err != nil {
					return
				}
				a.registry.Emit(EventUpdateAsset, asset)
			}()
		})

		// Crossing the $1 barrier adds or removes the asset from the
		// portfolio view, so resend the whole list.
		recorder.OnQuantity(func(current, previous float64) {
			if (previous >= 1) == (current >= 1) {
				return
			}
			if a.registry.Len() == 0 {
				return
			}
			go func() {
				assets, err := a.AssetList(ctx)
				if err != nil {
					return
				}
				a.registry.Emit(EventSetAssets, assets)
			}()
		})
	}
}

func (a *Account) buildAsset(ctx context.Context, recorder *balance.Recorder, withOrders bool) (*Asset, error) {
	fullTicker := recorder.Asset()
	short := shortTicker(fullTicker)

	price, err := a.ticker.AssetPrice(fullTicker)
	if err != nil {
		return nil, err
	}

	growth, err := recorder.GrowthAll(ctx)
	if err != nil {
		return nil, err
	}

	asset := &Asset{
		Ticker:      short,
		Name:        CryptoName(short),
		Quantity:    recorder.Amount(),
		Price:       price,
		Balance:     recorder.AssetPrice(ctx),
		GrowthHour:  growth[balance.WindowHour],
		GrowthDay:   growth[balance.WindowDay],
		GrowthWeek:  growth[balance.WindowWeek],
		GrowthMonth: growth[balance.WindowMonth],
	}

	if withOrders {
		asset.Buys = recorder.BuyOrders()
		asset.Sells = recorder.SellOrders()
	}

	return asset, nil
}

// AssetList builds the sorted portfolio view: every tracked asset worth at
// least one dollar, richest first, with its trade history attached.
func (a *Account) AssetList(ctx context.Context) ([]*Asset, error) {
	names := append([]string{}, a.ticker.Currencies()...)
	names = append(names, "USD")

	assets := make([]*Asset, 0, len(names))
	for _, name := range names {
		recorder := a.Balance(name)
		if recorder == nil {
			slog.ErrorContext(ctx, "missing balance for tracked currency", "account", a.slug, "asset", name)
			continue
		}

		asset, err := a.buildAsset(ctx, recorder, true)
		if err != nil {
			return nil, err
		}

		if asset.Balance.Dollars < 1 {
			continue
		}

		assets = append(assets, asset)
	}

	sort.Slice(assets, func(i, j int) bool {
		return assets[i].Balance.Dollars > assets[j].Balance.Dollars
	})

	return assets, nil
}

func shortTicker(fullTicker string) string {
	name, _, found := strings.Cut(fullTicker, "-")
	if !found {
		return fullTicker
	}
	return name
}
