package balance

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
	"github.com/0xc0d3d00d/portfoliodb/internal/exchange"
	"github.com/0xc0d3d00d/portfoliodb/internal/metrics"
	"github.com/0xc0d3d00d/portfoliodb/internal/storage"
)

const fillRetryDelay = 5 * time.Second

// Ledger is the append-only record of executed trades for one asset,
// deduplicated by order id. Entries persist indefinitely and are loaded once
// at startup. The ledger is the source for buy/sell views and for
// reconstructing holdings at arbitrary past offsets.
type Ledger struct {
	asset  string
	key    string
	kv     *storage.Store
	client exchange.AccountAPI

	mu    sync.Mutex
	fills []domain.Fill
}

func NewLedger(asset, key string, kv *storage.Store, client exchange.AccountAPI) *Ledger {
	l := &Ledger{
		asset:  asset,
		key:    key,
		kv:     kv,
		client: client,
	}
	l.load(context.Background())

	return l
}

func (l *Ledger) load(ctx context.Context) {
	raw, err := l.kv.Get(ctx, l.key)
	if err != nil {
		return
	}

	var fills []domain.Fill
	if err := json.Unmarshal(raw, &fills); err != nil {
		slog.ErrorContext(ctx, "failed to load trade ledger", "asset", l.asset, "error", err)
		return
	}

	l.fills = fills
}

// Len returns the number of recorded fills.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fills)
}

// Refresh fetches the authoritative fill list and appends any fill whose id
// is not yet recorded. The exchange reports fills newest first; they are
// reversed to chronological order before the scan. An unsettled fill aborts
// the scan and schedules a retry; a fetch failure is logged and left to the
// next periodic cycle. New fills persist in one batch write.
func (l *Ledger) Refresh(ctx context.Context) {
	fills, err := l.client.ListFills(ctx, l.asset)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch fills", "asset", l.asset, "error", err)
		return
	}

	// Reverse to chronological order.
	for i, j := 0, len(fills)-1; i < j; i, j = i+1, j-1 {
		fills[i], fills[j] = fills[j], fills[i]
	}

	l.mu.Lock()

	known := make(map[string]struct{}, len(l.fills))
	for _, fill := range l.fills {
		known[fill.ID] = struct{}{}
	}

	added := 0
	retry := false
	for _, fill := range fills {
		if !fill.Settled {
			retry = true
			break
		}

		if _, ok := known[fill.OrderID]; ok {
			continue
		}

		amount := fill.Size
		if fill.Side != "buy" {
			amount = -amount
		}

		entry := domain.Fill{
			ID:        fill.OrderID,
			Timestamp: fill.CreatedAt.UnixMilli(),
			Amount:    amount,
			Price:     domain.Round4(fill.Price),
		}
		l.fills = append(l.fills, entry)
		known[entry.ID] = struct{}{}
		added++

		slog.InfoContext(ctx, "got new fill",
			"asset", l.asset, "side", fill.Side, "amount", entry.Amount, "price", entry.Price)
	}

	var encoded []byte
	if added > 0 {
		encoded, err = json.Marshal(l.fills)
	}
	l.mu.Unlock()

	if retry {
		time.AfterFunc(fillRetryDelay, func() {
			l.Refresh(context.Background())
		})
	}

	if added == 0 {
		return
	}

	if err != nil {
		slog.ErrorContext(ctx, "failed to encode trade ledger", "asset", l.asset, "error", err)
		return
	}
	if err := l.kv.Put(ctx, l.key, encoded); err != nil {
		slog.ErrorContext(ctx, "failed to persist trade ledger", "asset", l.asset, "error", err)
		return
	}

	metrics.RecordFillsIngested(l.asset, added)
}

// BuyOrders projects the positive-amount fills.
func (l *Ledger) BuyOrders() []domain.Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	orders := make([]domain.Order, 0)
	for _, fill := range l.fills {
		if fill.Amount > 0 {
			orders = append(orders, domain.Order{
				Quantity:  fill.Amount,
				Price:     fill.Price,
				Amount:    fill.Price * fill.Amount,
				Timestamp: fill.Timestamp,
			})
		}
	}

	return orders
}

// SellOrders projects the negative-amount fills with positive quantities.
func (l *Ledger) SellOrders() []domain.Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	orders := make([]domain.Order, 0)
	for _, fill := range l.fills {
		if fill.Amount < 0 {
			quantity := math.Abs(fill.Amount)
			orders = append(orders, domain.Order{
				Quantity:  quantity,
				Price:     fill.Price,
				Amount:    fill.Price * quantity,
				Timestamp: fill.Timestamp,
			})
		}
	}

	return orders
}

// OrdersWithin returns the buy and sell quantities executed inside
// [startMillis, endMillis).
func (l *Ledger) OrdersWithin(startMillis, endMillis int64) (buys, sells []domain.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, fill := range l.fills {
		if fill.Timestamp < startMillis || fill.Timestamp >= endMillis {
			continue
		}

		order := domain.Order{
			Quantity:  math.Abs(fill.Amount),
			Price:     fill.Price,
			Amount:    fill.Price * math.Abs(fill.Amount),
			Timestamp: fill.Timestamp,
		}

		if fill.Amount > 0 {
			buys = append(buys, order)
		} else {
			sells = append(sells, order)
		}
	}

	return buys, sells
}
