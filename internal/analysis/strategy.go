package analysis

// StrategyProfile is a named bundle of factor weights and thresholds
// controlling score aggressiveness (§4.7, closed set).
type StrategyProfile struct {
	Name             string  `json:"name"`
	VolatilityWeight float64 `json:"volatility_weight"`
	TrendWeight      float64 `json:"trend_weight"`
	ROIWeight        float64 `json:"roi_weight"`
	MinVolume        float64 `json:"min_volume"`
}

const (
	SafeSteady = "safe_steady"
	Balanced   = "balanced"
	Aggressive = "aggressive"
)

var profiles = map[string]StrategyProfile{
	SafeSteady: {Name: SafeSteady, VolatilityWeight: 1.5, TrendWeight: 0.5, ROIWeight: 0.8, MinVolume: 50},
	Balanced:   {Name: Balanced, VolatilityWeight: 1.0, TrendWeight: 1.0, ROIWeight: 1.0, MinVolume: 10},
	Aggressive: {Name: Aggressive, VolatilityWeight: 0.6, TrendWeight: 1.3, ROIWeight: 1.4, MinVolume: 5},
}

// Strategy looks up a profile by name, falling back to balanced if unknown
// so a malformed query param degrades gracefully instead of failing a run.
func Strategy(name string) StrategyProfile {
	if p, ok := profiles[name]; ok {
		return p
	}
	return profiles[Balanced]
}

// Strategies returns every profile, sorted in the table order of §4.7, for
// the /api/analysis/strategies endpoint.
func Strategies() []StrategyProfile {
	return []StrategyProfile{profiles[SafeSteady], profiles[Balanced], profiles[Aggressive]}
}

// IsValidStrategy reports whether name names one of the closed-set profiles.
func IsValidStrategy(name string) bool {
	_, ok := profiles[name]
	return ok
}
