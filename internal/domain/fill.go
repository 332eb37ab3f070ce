package domain

// Fill is a single executed trade reported by the exchange. Amount is signed:
// positive when currency was gained, negative when it was lost.
type Fill struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Amount    float64 `json:"amount"`
	Price     float64 `json:"price"`
}

// Order is a fill projected into the shape the asset views consume.
type Order struct {
	Quantity  float64 `json:"quantity"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
}

// Trend direction of a value against its reference point.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendNone Trend = "none"
)

// AssetPrice is a dollar value together with its movement against an earlier
// reference value.
type AssetPrice struct {
	Dollars      float64 `json:"dollars"`
	Trend        Trend   `json:"trend"`
	TrendDollars float64 `json:"trendAmountDollars"`
	TrendPercent float64 `json:"trendAmountPercent"`
}

// NewAssetPrice compares a current dollar value against an earlier one.
func NewAssetPrice(dollars, dollarsBefore float64) AssetPrice {
	difference := dollars - dollarsBefore
	trend := TrendNone
	if difference > 0 {
		trend = TrendUp
	} else if difference < 0 {
		trend = TrendDown
	}

	return AssetPrice{
		Dollars:      dollars,
		Trend:        trend,
		TrendDollars: Round4(difference),
		TrendPercent: Round4((dollars/dollarsBefore - 1) * 100),
	}
}
