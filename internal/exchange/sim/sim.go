// Package sim is a self-contained exchange simulator implementing the
// collaborator interfaces. It serves local development and demos where no
// real exchange credentials are available: prices follow a random walk,
// holdings stay static, and history is derived from the same walk.
package sim

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/0xc0d3d00d/portfoliodb/internal/exchange"
)

// Config seeds the simulator.
type Config struct {
	Currencies []string
	BasePrices map[string]float64
	Holdings   map[string]float64
	Interval   time.Duration
	Volatility float64
}

func DefaultConfig(currencies []string) Config {
	basePrices := make(map[string]float64, len(currencies))
	holdings := map[string]float64{"USD": 2500}
	for _, currency := range currencies {
		basePrices[currency] = 100 + rand.Float64()*1000
		holdings[currency] = rand.Float64() * 10
	}

	return Config{
		Currencies: currencies,
		BasePrices: basePrices,
		Holdings:   holdings,
		Interval:   time.Second,
		Volatility: 0.002,
	}
}

// Exchange implements exchange.AccountAPI, exchange.HistoryAPI, and
// exchange.PriceFeed over a shared simulated price walk.
type Exchange struct {
	cfg     Config
	updates chan exchange.PriceUpdate
	rng     *rand.Rand

	mu     sync.Mutex
	prices map[string]float64
	opens  map[string]float64 // price at walk start, reported as the 24h reference
}

func New(cfg Config) *Exchange {
	prices := make(map[string]float64, len(cfg.BasePrices))
	opens := make(map[string]float64, len(cfg.BasePrices))
	for currency, price := range cfg.BasePrices {
		prices[currency] = price
		opens[currency] = price
	}

	return &Exchange{
		cfg:     cfg,
		updates: make(chan exchange.PriceUpdate, 64),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		prices:  prices,
		opens:   opens,
	}
}

// Run drives the price walk until ctx is cancelled.
func (e *Exchange) Run(ctx context.Context) error {
	// Emit the initial snapshot so consumers can finish startup.
	for _, currency := range e.cfg.Currencies {
		e.emit(ctx, currency)
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, currency := range e.cfg.Currencies {
				e.step(currency)
				e.emit(ctx, currency)
			}
		}
	}
}

func (e *Exchange) step(currency string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price := e.prices[currency]
	price *= 1 + (e.rng.Float64()*2-1)*e.cfg.Volatility
	e.prices[currency] = price
}

func (e *Exchange) emit(ctx context.Context, currency string) {
	e.mu.Lock()
	update := exchange.PriceUpdate{
		Asset:    currency,
		Price:    e.prices[currency],
		Price24h: e.opens[currency],
	}
	e.mu.Unlock()

	select {
	case <-ctx.Done():
	case e.updates <- update:
	}
}

func (e *Exchange) Updates() <-chan exchange.PriceUpdate {
	return e.updates
}

func (e *Exchange) ListBalances(ctx context.Context) ([]exchange.Balance, error) {
	balances := make([]exchange.Balance, 0, len(e.cfg.Holdings))
	for currency, amount := range e.cfg.Holdings {
		name := currency
		if name != "USD" {
			// Holdings are keyed by market name; the account API
			// reports bare currency codes.
			if cut := len(name) - len("-USD"); cut > 0 && name[cut:] == "-USD" {
				name = name[:cut]
			}
		}
		balances = append(balances, exchange.Balance{
			Currency: name,
			Amount:   amount,
		})
	}

	return balances, nil
}

func (e *Exchange) ListFills(ctx context.Context, asset string) ([]exchange.Fill, error) {
	// The simulator never trades.
	return nil, nil
}

// GetHistoricalCandles synthesizes flat candles around the current price.
func (e *Exchange) GetHistoricalCandles(ctx context.Context, asset string, resolutionSeconds int64, start, end time.Time) ([]exchange.Candle, error) {
	e.mu.Lock()
	price, ok := e.prices[asset]
	e.mu.Unlock()
	if !ok {
		return nil, nil
	}

	duration := time.Duration(resolutionSeconds) * time.Second
	candles := make([]exchange.Candle, 0, end.Sub(start)/duration)

	for openTime := start.Truncate(duration); openTime.Before(end); openTime = openTime.Add(duration) {
		candles = append(candles, exchange.Candle{
			OpenTime: openTime,
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
		})
	}

	return candles, nil
}
