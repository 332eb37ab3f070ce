package domain

// Candle summarizes a value's trajectory over one time bucket. Depending on
// the series it holds either a USD-denominated balance or a raw market price.
type Candle struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// NewCandle returns a candle opened at the given value.
func NewCandle(value float64) *Candle {
	return &Candle{
		Open:  value,
		High:  value,
		Low:   value,
		Close: value,
	}
}

// Update folds a new value into the candle.
func (c *Candle) Update(value float64) {
	if value > c.High {
		c.High = value
	}
	if value < c.Low {
		c.Low = value
	}
	c.Close = value
}

// ChartPoint is one candle positioned on a resolution's bucket grid.
type ChartPoint struct {
	Offset    int64   `json:"offset"`
	Timestamp int64   `json:"timestamp"`
	Data      *Candle `json:"data"`
}

// Correction announces a retroactively recomputed candle.
type Correction struct {
	Asset      string     `json:"name"`
	Resolution Resolution `json:"resolution"`
	Offset     int64      `json:"offset"`
	Timestamp  int64      `json:"timestamp"`
	Data       *Candle    `json:"data"`
}

// BucketOffset returns the bucket index of an epoch-millisecond timestamp for
// the given bucket duration.
func BucketOffset(timestampMillis int64, durationMillis int64) int64 {
	if timestampMillis < 0 {
		timestampMillis -= durationMillis - 1
	}
	return timestampMillis / durationMillis
}
