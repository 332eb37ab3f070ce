package domain

import (
	"time"
)

// Resolution is a named candle bucket duration. Each resolution is tracked
// independently and keeps its own number of retained buckets.
type Resolution time.Duration

func (r Resolution) String() string {
	return resolutionToString[r]
}

// Duration returns the bucket duration.
func (r Resolution) Duration() time.Duration {
	return time.Duration(r)
}

// Millis returns the bucket duration in epoch milliseconds, the unit bucket
// offsets are computed in.
func (r Resolution) Millis() int64 {
	return time.Duration(r).Milliseconds()
}

// Seconds returns the bucket duration in seconds, the granularity unit of the
// market history API.
func (r Resolution) Seconds() int64 {
	return int64(time.Duration(r) / time.Second)
}

// Retention returns the number of buckets kept before older ones are pruned.
func (r Resolution) Retention() int {
	return resolutionRetention[r]
}

func ParseResolution(s string) (Resolution, error) {
	r, ok := stringToResolution[s]
	if !ok {
		return 0, ErrInvalidResolution
	}
	return r, nil
}

const (
	Resolution1m  = Resolution(time.Minute)
	Resolution5m  = Resolution(time.Minute * 5)
	Resolution15m = Resolution(time.Minute * 15)
	Resolution1h  = Resolution(time.Hour)
	Resolution6h  = Resolution(time.Hour * 6)
	Resolution1d  = Resolution(time.Hour * 24)
)

// Resolutions lists every supported resolution, smallest first.
var Resolutions = []Resolution{
	Resolution1m,
	Resolution5m,
	Resolution15m,
	Resolution1h,
	Resolution6h,
	Resolution1d,
}

var resolutionToString = map[Resolution]string{
	Resolution1m:  "1m",
	Resolution5m:  "5m",
	Resolution15m: "15m",
	Resolution1h:  "1h",
	Resolution6h:  "6h",
	Resolution1d:  "1d",
}

var stringToResolution = map[string]Resolution{
	"1m":  Resolution1m,
	"5m":  Resolution5m,
	"15m": Resolution15m,
	"1h":  Resolution1h,
	"6h":  Resolution6h,
	"1d":  Resolution1d,
}

var resolutionRetention = map[Resolution]int{
	Resolution1m:  360,
	Resolution5m:  144,
	Resolution15m: 144,
	Resolution1h:  168,
	Resolution6h:  112,
	Resolution1d:  64,
}
