// Package market keeps a short in-memory OHLC window of raw market prices
// per tracked market. The upstream history API lags a few buckets behind real
// time; the cache's archive ring covers exactly that gap so subscribers see a
// seamless series.
package market

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
	"github.com/0xc0d3d00d/portfoliodb/internal/exchange"
	"github.com/0xc0d3d00d/portfoliodb/internal/subscription"
)

// archiveSize is how many just-elapsed candles are kept per resolution.
const archiveSize = 5

// ring is the bounded archive of elapsed candles for one resolution.
type ring struct {
	order  []int64
	points map[int64]*domain.ChartPoint
}

func newRing() *ring {
	return &ring{
		points: make(map[int64]*domain.ChartPoint, archiveSize),
	}
}

func (r *ring) add(point *domain.ChartPoint) {
	r.order = append(r.order, point.Offset)
	r.points[point.Offset] = point

	if len(r.order) > archiveSize {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.points, oldest)
	}
}

type Cache struct {
	asset   string
	history exchange.HistoryAPI

	now func() time.Time

	mu sync.Mutex
	// One live candle and one archive ring per resolution.
	current map[domain.Resolution]*domain.ChartPoint
	archive map[domain.Resolution]*ring

	// Observer id -> bound resolution. One subscription per observer;
	// subscribing again replaces the binding.
	bindings  map[string]domain.Resolution
	observers map[domain.Resolution]map[string]subscription.Observer
}

type Option func(*Cache)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

func NewCache(asset string, history exchange.HistoryAPI, opts ...Option) *Cache {
	c := &Cache{
		asset:     asset,
		history:   history,
		now:       time.Now,
		current:   make(map[domain.Resolution]*domain.ChartPoint),
		archive:   make(map[domain.Resolution]*ring),
		bindings:  make(map[string]domain.Resolution),
		observers: make(map[domain.Resolution]map[string]subscription.Observer),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register hooks the cache into an account's market chart channels so
// observers joining `chart/<asset>/<resolution>/market` are subscribed.
func (c *Cache) Register(registry *subscription.Registry) {
	for _, resolution := range domain.Resolutions {
		resolution := resolution
		feature := registry.Feature(domain.MarketChartChannel(c.asset, resolution))

		feature.OnSubscribed(func(observer subscription.Observer) {
			go c.Subscribe(context.Background(), observer, resolution)
		})
		feature.OnUnsubscribed(func(observer subscription.Observer) {
			c.Unsubscribe(observer)
		})
	}
}

// Subscribe binds the observer to the given resolution, replacing any prior
// binding, and delivers one consolidated batch of external history merged
// with the cache's archived and live candles. For an offset present on both
// sides the cached data wins over the stale external candle.
func (c *Cache) Subscribe(ctx context.Context, observer subscription.Observer, resolution domain.Resolution) {
	c.mu.Lock()
	if previous, ok := c.bindings[observer.ID()]; ok {
		delete(c.observers[previous], observer.ID())
	}

	c.bindings[observer.ID()] = resolution
	if _, ok := c.observers[resolution]; !ok {
		c.observers[resolution] = make(map[string]subscription.Observer)
	}
	c.observers[resolution][observer.ID()] = observer
	c.mu.Unlock()

	durationMillis := resolution.Millis()
	end := c.now()
	start := end.Add(-time.Duration(resolution) * historyLookbackBuckets)

	history, err := c.history.GetHistoricalCandles(ctx, c.asset, resolution.Seconds(), start, end)
	if err != nil {
		slog.ErrorContext(ctx, "failed to fetch market history", "asset", c.asset, "resolution", resolution.String(), "error", err)
		history = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.current[resolution]
	archived := c.archive[resolution]

	points := make([]*domain.ChartPoint, 0, len(history)+archiveSize+1)
	lastOffset := int64(math.MinInt64)

	for _, candle := range history {
		offset := domain.BucketOffset(candle.OpenTime.UnixMilli(), durationMillis)
		lastOffset = offset

		if archived != nil {
			if point, ok := archived.points[offset]; ok {
				points = append(points, point)
				continue
			}
		}

		if current != nil && current.Offset == offset {
			// The external candle may know highs and lows from before
			// this process started tracking.
			if candle.High > current.Data.High {
				current.Data.High = candle.High
			}
			if candle.Low < current.Data.Low {
				current.Data.Low = candle.Low
			}

			points = append(points, current)
			continue
		}

		points = append(points, &domain.ChartPoint{
			Offset:    offset,
			Timestamp: candle.OpenTime.UnixMilli(),
			Data: &domain.Candle{
				Open:  candle.Open,
				High:  candle.High,
				Low:   candle.Low,
				Close: candle.Close,
			},
		})
	}

	// Cached candles newer than anything the external API returned.
	if archived != nil {
		for _, offset := range archived.order {
			if offset > lastOffset {
				points = append(points, archived.points[offset])
			}
		}
	}
	if current != nil && current.Offset > lastOffset {
		points = append(points, current)
	}

	observer.Send(domain.EventChartData, points)
}

// Unsubscribe removes the observer's binding, if any.
func (c *Cache) Unsubscribe(observer subscription.Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolution, ok := c.bindings[observer.ID()]
	if !ok {
		return
	}

	delete(c.observers[resolution], observer.ID())
	delete(c.bindings, observer.ID())
}

// UpdateTick folds a live price into every resolution's current candle. On
// bucket rollover the elapsed candle moves into the archive ring before a new
// one starts. Bound observers receive the updated candle.
func (c *Cache) UpdateTick(price float64) {
	nowMillis := c.now().UnixMilli()

	for _, resolution := range domain.Resolutions {
		durationMillis := resolution.Millis()
		offset := domain.BucketOffset(nowMillis, durationMillis)

		c.mu.Lock()
		current := c.current[resolution]

		if current == nil || current.Offset != offset {
			if current != nil {
				if _, ok := c.archive[resolution]; !ok {
					c.archive[resolution] = newRing()
				}
				c.archive[resolution].add(current)
			}

			current = &domain.ChartPoint{
				Offset:    offset,
				Timestamp: offset * durationMillis,
				Data:      domain.NewCandle(price),
			}
			c.current[resolution] = current
		} else {
			current.Data.Update(price)
		}

		observers := make([]subscription.Observer, 0, len(c.observers[resolution]))
		for _, observer := range c.observers[resolution] {
			observers = append(observers, observer)
		}
		point := *current
		c.mu.Unlock()

		for _, observer := range observers {
			observer.Send(domain.EventChartCurrent, &point)
		}
	}
}

const historyLookbackBuckets = 300
