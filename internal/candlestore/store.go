// Package candlestore owns the per-asset, per-resolution candle series: the
// in-progress candle, the ordered index of persisted offsets, retention
// pruning, and the chart channel fed by pushes.
package candlestore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xc0d3d00d/portfoliodb/internal/domain"
	"github.com/0xc0d3d00d/portfoliodb/internal/metrics"
	"github.com/0xc0d3d00d/portfoliodb/internal/storage"
	"github.com/0xc0d3d00d/portfoliodb/internal/subscription"
)

const pruneInterval = time.Minute

type Store struct {
	asset      string
	resolution domain.Resolution
	duration   int64 // bucket duration in millis
	retention  int
	keyPrefix  string

	kv      *storage.Store
	writer  *storage.DebouncedWriter
	feature *subscription.Feature

	now func() time.Time

	mu     sync.Mutex
	offset int64
	data   *domain.Candle
	index  []int64
}

type Option func(*Store)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New builds a store for one (asset, resolution) series. keyPrefix scopes the
// persisted records, e.g. `accounts/<account>/<asset>/<resolution>`. The
// store recovers the current candle and the index from storage and registers
// a backfill for every new observer on the feature.
func New(
	asset string,
	resolution domain.Resolution,
	retention int,
	keyPrefix string,
	kv *storage.Store,
	writer *storage.DebouncedWriter,
	feature *subscription.Feature,
	opts ...Option,
) *Store {
	s := &Store{
		asset:      asset,
		resolution: resolution,
		duration:   resolution.Millis(),
		retention:  retention,
		keyPrefix:  keyPrefix,
		kv:         kv,
		writer:     writer,
		feature:    feature,
		now:        time.Now,
		offset:     -1,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.load(context.Background())

	feature.OnSubscribed(func(observer subscription.Observer) {
		go s.backfill(context.Background(), observer)
	})

	return s
}

func (s *Store) Resolution() domain.Resolution {
	return s.resolution
}

func (s *Store) Retention() int {
	return s.retention
}

func (s *Store) candleKey(offset int64) string {
	return s.keyPrefix + "/" + strconv.FormatInt(offset, 10)
}

func (s *Store) indexKey() string {
	return s.keyPrefix + "/@index"
}

func (s *Store) currentOffset() int64 {
	return domain.BucketOffset(s.now().UnixMilli(), s.duration)
}

// load recovers the current offset's candle and the index. A malformed
// current record is logged and treated as absent; the store resumes from a
// fresh candle on the next push.
func (s *Store) load(ctx context.Context) {
	offset := s.currentOffset()

	raw, err := s.kv.Get(ctx, s.candleKey(offset))
	if err == nil {
		var data domain.Candle
		if err := json.Unmarshal(raw, &data); err != nil {
			slog.ErrorContext(ctx, "failed to load current candle, likely a write was cut short",
				"asset", s.asset, "resolution", s.resolution.String(), "offset", offset, "error", err)
		} else {
			s.offset = offset
			s.data = &data
		}
	}

	raw, err = s.kv.Get(ctx, s.indexKey())
	if err == nil {
		var index []int64
		if err := json.Unmarshal(raw, &index); err != nil {
			slog.ErrorContext(ctx, "failed to load candle index",
				"asset", s.asset, "resolution", s.resolution.String(), "error", err)
		} else {
			s.index = index
		}
	}
}

// Push folds value into the bucket the current time falls in, starting a new
// candle on bucket rollover. Every push persists the current candle through
// the debounced writer and, when observers exist, emits a live tick.
func (s *Store) Push(ctx context.Context, value float64) {
	s.mu.Lock()

	offset := s.currentOffset()
	rolled := offset != s.offset

	if rolled {
		s.offset = offset
		s.data = domain.NewCandle(value)
		s.index = append(s.index, offset)
	} else if s.data != nil {
		s.data.Update(value)
	} else {
		s.data = domain.NewCandle(value)
	}

	data := *s.data
	index := s.index
	s.mu.Unlock()

	metrics.RecordPush(s.asset, s.resolution.String())

	encoded, err := json.Marshal(&data)
	if err == nil {
		s.writer.Write(s.candleKey(offset), encoded)
	}

	if rolled {
		encodedIndex, err := json.Marshal(index)
		if err == nil {
			s.writer.Write(s.indexKey(), encodedIndex)
		}
	}

	if s.feature.Len() > 0 {
		s.feature.Emit(domain.EventChartCurrent, &domain.ChartPoint{
			Offset:    offset,
			Timestamp: offset * s.duration,
			Data:      &data,
		})
	}
}

// GetAtTimestamp returns the candle covering the given epoch-millisecond
// timestamp: the in-memory candle when the timestamp falls in the current
// bucket, otherwise the persisted candle at the greatest indexed offset at or
// before the target. Returns domain.ErrNotFound when no indexed offset
// applies; callers must not extrapolate.
func (s *Store) GetAtTimestamp(ctx context.Context, timestampMillis int64) (*domain.Candle, error) {
	target := domain.BucketOffset(timestampMillis, s.duration)

	s.mu.Lock()
	if s.offset == target && s.data != nil {
		data := *s.data
		s.mu.Unlock()
		return &data, nil
	}

	applicable := int64(-1)
	for _, offset := range s.index {
		if offset <= target && offset > applicable {
			applicable = offset
		}
	}
	s.mu.Unlock()

	if applicable < 0 {
		return nil, domain.ErrNotFound
	}

	return s.read(ctx, applicable)
}

// GetAtOffset returns the candle at exactly the given offset, or
// domain.ErrNotFound.
func (s *Store) GetAtOffset(ctx context.Context, offset int64) (*domain.Candle, error) {
	s.mu.Lock()
	if s.offset == offset && s.data != nil {
		data := *s.data
		s.mu.Unlock()
		return &data, nil
	}

	indexed := false
	for _, o := range s.index {
		if o == offset {
			indexed = true
			break
		}
	}
	s.mu.Unlock()

	if !indexed {
		return nil, domain.ErrNotFound
	}

	return s.read(ctx, offset)
}

func (s *Store) read(ctx context.Context, offset int64) (*domain.Candle, error) {
	raw, err := s.kv.Get(ctx, s.candleKey(offset))
	if err != nil {
		return nil, err
	}

	var data domain.Candle
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}

	return &data, nil
}

// Correct overwrites a persisted candle in place. It never creates a new
// index entry: offsets the index does not carry are ignored, including
// offsets a concurrent prune just dropped. The membership check and the
// write enqueue share the store lock with Prune, so a correction and a prune
// of the same offset cannot leave an unindexed record behind. Observers are
// sent a correction event.
func (s *Store) Correct(ctx context.Context, offset int64, data *domain.Candle) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return
	}

	s.mu.Lock()
	indexed := false
	for _, o := range s.index {
		if o == offset {
			indexed = true
			break
		}
	}
	if !indexed {
		s.mu.Unlock()
		return
	}
	s.writer.Write(s.candleKey(offset), encoded)
	s.mu.Unlock()

	if s.feature.Len() > 0 {
		s.feature.Emit(domain.EventChartCorrection, &domain.Correction{
			Asset:      s.asset,
			Resolution: s.resolution,
			Offset:     offset,
			Timestamp:  offset * s.duration,
			Data:       data,
		})
	}
}

// Prune drops every indexed offset older than currentOffset-retention, or
// whose backing record no longer exists, and deletes the backing records.
// The minimum offset is recomputed from the clock at call time so that an
// interleaved push cannot resurrect stale state. The index persists once per
// pass.
func (s *Store) Prune(ctx context.Context) {
	minimum := s.currentOffset() - int64(s.retention)

	s.mu.Lock()
	preserved := make([]int64, 0, len(s.index))
	removed := make([]int64, 0)

	for _, offset := range s.index {
		if offset < minimum {
			removed = append(removed, offset)
			continue
		}

		exists, err := s.kv.Exists(ctx, s.candleKey(offset))
		if err == nil && !exists && offset != s.offset {
			slog.DebugContext(ctx, "dropping index entry without backing record",
				"asset", s.asset, "resolution", s.resolution.String(), "offset", offset)
			removed = append(removed, offset)
			continue
		}

		preserved = append(preserved, offset)
	}

	if len(removed) == 0 {
		s.mu.Unlock()
		return
	}

	s.index = preserved
	index := s.index

	// Deletions are enqueued under the store lock and go through the
	// writer's per-key queue, keeping them ordered against any correction
	// write to the same offset.
	for _, offset := range removed {
		s.writer.Delete(s.candleKey(offset))
	}
	s.mu.Unlock()

	encoded, err := json.Marshal(index)
	if err == nil {
		s.writer.Write(s.indexKey(), encoded)
	}

	metrics.RecordPruned(s.asset, s.resolution.String(), len(removed))
}

// Run prunes on a fixed timer until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune(ctx)
		}
	}
}

// backfill sends the last retention buckets (including the live one) to a
// freshly subscribed observer as a single ordered batch. Reads are issued
// concurrently and joined so subscribe latency is bounded by the slowest
// read, not the sum.
func (s *Store) backfill(ctx context.Context, observer subscription.Observer) {
	end := s.currentOffset()
	begin := end - int64(s.retention)

	points := make([]*domain.ChartPoint, 0, end-begin+1)
	var pointsMu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	for offset := begin; offset <= end; offset++ {
		offset := offset
		g.Go(func() error {
			data, err := s.GetAtOffset(gCtx, offset)
			if err != nil {
				// Missing buckets are sent as empty candles.
				data = &domain.Candle{}
			}

			pointsMu.Lock()
			points = append(points, &domain.ChartPoint{
				Offset:    offset,
				Timestamp: offset * s.duration,
				Data:      data,
			})
			pointsMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "backfill failed",
			"asset", s.asset, "resolution", s.resolution.String(), "error", err)
		return
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Offset < points[j].Offset
	})

	observer.Send(domain.EventChartData, points)
}
