// Package exchange declares the collaborator interfaces the tracker consumes.
// Concrete clients (REST, websocket) live outside this module's core; the
// aggregation layers depend only on these boundaries.
package exchange

import (
	"context"
	"time"
)

// Balance is one currency holding reported by the trade/account API.
type Balance struct {
	Currency string
	Amount   float64
}

// Fill is one executed order reported by the trade/account API, newest first.
type Fill struct {
	OrderID   string
	Side      string // "buy" or "sell"
	Size      float64
	Price     float64
	CreatedAt time.Time
	Settled   bool
}

// Candle is a historical market candle reported by the history API.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
}

// AccountAPI is the authoritative source of holdings and executed trades.
type AccountAPI interface {
	ListBalances(ctx context.Context) ([]Balance, error)
	ListFills(ctx context.Context, asset string) ([]Fill, error)
}

// HistoryAPI supplies historical market candles. It lags behind real time and
// cannot return the most recent few buckets.
type HistoryAPI interface {
	GetHistoricalCandles(ctx context.Context, asset string, resolutionSeconds int64, start, end time.Time) ([]Candle, error)
}

// PriceUpdate is one change emitted by the live market price feed.
type PriceUpdate struct {
	Asset    string
	Price    float64
	Price24h float64
}

// PriceFeed is the live market price transport.
type PriceFeed interface {
	Updates() <-chan PriceUpdate
}
