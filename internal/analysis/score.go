package analysis

import "math"

// baseTrendK and baseVolatilityV are the base sensitivity constants feeding
// TrendMultiplier and VolatilityPenaltyOf (§4.5). The
// base constant is scaled by the profile's trend/volatility weight so
// aggressive profiles react more to trend and safe_steady profiles punish
// volatility harder — consistent with the weight table's intent.
const (
	baseTrendK      = 2.0
	baseVolatilityV = 1.0
)

// Score computes the composite score for one set under profile, given its
// already-derived liquidity/trend/volatility factors and profit outputs
// (§4.7). The scoring is deliberately multiplicative: zeroing any factor
// zeros the score (§9).
func Score(profile StrategyProfile, volume, profitMargin, profitPercentage, trendSlope, volatility, bidAskRatio float64, sellSideCompetition int, liquidityVelocity float64) (score float64, c Contributions, profitable bool) {
	trendMult := TrendMultiplier(trendSlope, baseTrendK*profile.TrendWeight)
	volPenalty := VolatilityPenaltyOf(volatility, baseVolatilityV*profile.VolatilityWeight)
	liqMult := LiquidityMultiplierOf(bidAskRatio, sellSideCompetition, liquidityVelocity)

	if volume < profile.MinVolume || profitMargin <= 0 {
		return 0, Contributions{
			Profit:     profitMargin,
			VolumeLog:  math.Log10(math.Max(volume, 10)),
			ROI:        1 + (profitPercentage/100)*profile.ROIWeight,
			Trend:      trendMult,
			Volatility: volPenalty,
			Liquidity:  liqMult,
		}, false
	}

	volumeLog := math.Log10(math.Max(volume, 10))
	roiFactor := 1 + (profitPercentage/100)*profile.ROIWeight

	s := profitMargin * volumeLog * roiFactor * trendMult * liqMult / volPenalty

	return s, Contributions{
		Profit:     profitMargin,
		VolumeLog:  volumeLog,
		ROI:        roiFactor,
		Trend:      trendMult,
		Volatility: volPenalty,
		Liquidity:  liqMult,
	}, true
}
