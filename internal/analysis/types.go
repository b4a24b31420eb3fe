// Package analysis implements the Price Resolver, Liquidity & Trend
// Analyzer, Profit Calculator and Scoring Engine (C4–C7): the pure
// computation layer over one set's order books and statistics.
package analysis

// ExecutionMode selects which side of the order book a price is resolved
// against (§4.4, glossary).
type ExecutionMode string

const (
	Instant ExecutionMode = "instant"
	Patient ExecutionMode = "patient"
)

// TrendDirection is a deterministic function of trend slope (§3 invariant e).
type TrendDirection string

const (
	TrendRising  TrendDirection = "rising"
	TrendFalling TrendDirection = "falling"
	TrendStable  TrendDirection = "stable"
)

// RiskLevel buckets volatility per the strategy's thresholds.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// PartBreakdown is one line of a SetDatum's part cost breakdown.
type PartBreakdown struct {
	Slug      string  `json:"slug"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
	Total     float64 `json:"total"`
	HadPrice  bool    `json:"had_price"`
}

// Contributions records the per-factor breakdown of a composite score so a
// UI can reconstruct it up to rounding (§4.7).
type Contributions struct {
	Profit     float64 `json:"profit"`
	VolumeLog  float64 `json:"volume_log"`
	ROI        float64 `json:"roi"`
	Trend      float64 `json:"trend"`
	Volatility float64 `json:"volatility"`
	Liquidity  float64 `json:"liquidity"`
}

// SetDatum is the full per-set, per-run result (§3 data model).
type SetDatum struct {
	Slug string `json:"slug"`
	Name string `json:"name"`

	SetPriceInstant    float64 `json:"set_price_instant"`
	SetPricePatient    float64 `json:"set_price_patient"`
	HadSetPriceInstant bool    `json:"had_set_price_instant"`
	HadSetPricePatient bool    `json:"had_set_price_patient"`

	PartCostInstant float64 `json:"part_cost_instant"`
	PartCostPatient float64 `json:"part_cost_patient"`

	PartsInstant []PartBreakdown `json:"parts_instant"`
	PartsPatient []PartBreakdown `json:"parts_patient"`

	SetPrice   float64 `json:"set_price"`   // primary, execution-mode-selected
	PartCost   float64 `json:"part_cost"`   // primary
	Parts      []PartBreakdown `json:"parts"` // primary

	ProfitMargin     float64 `json:"profit_margin"`
	ProfitPercentage float64 `json:"profit_percentage"`

	Volume48h           float64 `json:"volume_48h"`
	BidAskRatio         float64 `json:"bid_ask_ratio"`
	SellSideCompetition int     `json:"sell_side_competition"`
	LiquidityVelocity   float64 `json:"liquidity_velocity"`
	LiquidityMultiplier float64 `json:"liquidity_multiplier"`

	TrendSlope      float64        `json:"trend_slope"`
	TrendMultiplier float64        `json:"trend_multiplier"`
	TrendDirection  TrendDirection `json:"trend_direction"`

	Volatility       float64   `json:"volatility"`
	VolatilityPenalty float64  `json:"volatility_penalty"`
	RiskLevel        RiskLevel `json:"risk_level"`

	Contributions  Contributions `json:"contributions"`
	CompositeScore float64       `json:"composite_score"`
	Profitable     bool          `json:"profitable"`

	Note string `json:"note,omitempty"` // non-fatal per-set fetch/parse problem
}
