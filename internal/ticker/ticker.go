// Package ticker tracks the current trading price of every configured market
// and fans out changes to listeners.
package ticker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
	"github.com/0xc0d3d00d/portfoliodb/internal/exchange"
)

type Ticker struct {
	feed       exchange.PriceFeed
	currencies []string

	mu        sync.Mutex
	prices    map[string]float64
	prices24h map[string]float64
	listeners []func(asset string, price, price24h float64)

	pending map[string]struct{}
	ready   chan struct{}
}

func New(feed exchange.PriceFeed, currencies []string) *Ticker {
	pending := make(map[string]struct{}, len(currencies))
	for _, currency := range currencies {
		pending[currency] = struct{}{}
	}

	return &Ticker{
		feed:       feed,
		currencies: currencies,
		prices:     make(map[string]float64),
		prices24h:  make(map[string]float64),
		pending:    pending,
		ready:      make(chan struct{}),
	}
}

// Currencies are the markets the ticker listens to.
func (t *Ticker) Currencies() []string {
	return t.currencies
}

// OnChange registers a listener for price changes. Listeners do not fire for
// the initial snapshot of each market.
func (t *Ticker) OnChange(fn func(asset string, price, price24h float64)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Ready closes once every configured market has reported at least one price.
func (t *Ticker) Ready() <-chan struct{} {
	return t.ready
}

// Run consumes the live feed until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "starting ticker", "currencies", t.currencies)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-t.feed.Updates():
			if !ok {
				return fmt.Errorf("price feed closed")
			}
			t.apply(update)
		}
	}
}

func (t *Ticker) apply(update exchange.PriceUpdate) {
	t.mu.Lock()
	last, seen := t.prices[update.Asset]
	t.prices[update.Asset] = update.Price
	t.prices24h[update.Asset] = update.Price24h

	if _, pendingInit := t.pending[update.Asset]; pendingInit {
		delete(t.pending, update.Asset)
		if len(t.pending) == 0 {
			close(t.ready)
			slog.Info("finished fetching initial prices")
		}
		t.mu.Unlock()
		return
	}

	changed := !seen || update.Price != last
	listeners := t.listeners
	t.mu.Unlock()

	if !changed {
		return
	}

	for _, fn := range listeners {
		fn(update.Asset, update.Price, update.Price24h)
	}
}

// Price returns the current price of a market. USD is always worth 1.
func (t *Ticker) Price(asset string) (float64, error) {
	if asset == "USD" {
		return 1, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	price, ok := t.prices[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownAsset, asset)
	}

	return price, nil
}

// Price24h returns the price of a market 24 hours ago.
func (t *Ticker) Price24h(asset string) (float64, error) {
	if asset == "USD" {
		return 1, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	price, ok := t.prices24h[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownAsset, asset)
	}

	return price, nil
}

// AssetPrice projects the current market price against its 24h reference.
func (t *Ticker) AssetPrice(asset string) (domain.AssetPrice, error) {
	dollars, err := t.Price(asset)
	if err != nil {
		return domain.AssetPrice{}, err
	}

	dollarsBefore, err := t.Price24h(asset)
	if err != nil {
		return domain.AssetPrice{}, err
	}

	return domain.NewAssetPrice(dollars, dollarsBefore), nil
}
