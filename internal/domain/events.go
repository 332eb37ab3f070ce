package domain

// Events delivered over chart channels.
const (
	// EventChartData carries the full backfill batch ([]ChartPoint),
	// delivered once per new subscription.
	EventChartData = "chart/data"

	// EventChartCurrent carries one live ChartPoint per push.
	EventChartCurrent = "chart/current"

	// EventChartCorrection carries a Correction when history is
	// retroactively recomputed.
	EventChartCorrection = "chart/correction"
)

// ChartChannel names the balance chart channel for an asset (or "@total")
// and resolution.
func ChartChannel(asset string, resolution Resolution) string {
	return "chart/" + asset + "/" + resolution.String()
}

// MarketChartChannel names the raw market price chart channel.
func MarketChartChannel(asset string, resolution Resolution) string {
	return ChartChannel(asset, resolution) + "/market"
}
