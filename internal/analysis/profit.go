package analysis

// PartPrice is a resolved or missing price for one part.
type PartPrice struct {
	Slug     string
	Quantity int
	Price    float64
	HadPrice bool
}

// PartCost sums unit_price*quantity across parts. If any part lacks a
// resolved price, part_cost is still the sum of the parts that do have one,
// but the caller must treat the whole set as priceless (§4.6): any missing
// required price zeroes profit_margin for the set.
func PartCost(parts []PartPrice) (total float64, breakdown []PartBreakdown, allPriced bool) {
	allPriced = true
	breakdown = make([]PartBreakdown, 0, len(parts))
	for _, p := range parts {
		line := PartBreakdown{Slug: p.Slug, Quantity: p.Quantity, HadPrice: p.HadPrice}
		if p.HadPrice {
			line.UnitPrice = p.Price
			line.Total = p.Price * float64(p.Quantity)
			total += line.Total
		} else {
			allPriced = false
		}
		breakdown = append(breakdown, line)
	}
	return total, breakdown, allPriced
}

// ProfitMargin computes setPrice - partCost, per §3 invariant (a). If
// hasSetPrice or allPartsPriced is false the set has no valid margin and the
// caller should record 0 and mark it unprofitable.
func ProfitMargin(setPrice, partCost float64, hasSetPrice, allPartsPriced bool) (margin float64, valid bool) {
	if !hasSetPrice || !allPartsPriced {
		return 0, false
	}
	return setPrice - partCost, true
}

// ProfitPercentage is profit_margin/part_cost*100, 0 if part_cost is 0
// (§3 invariant b).
func ProfitPercentage(margin, partCost float64) float64 {
	if partCost <= 0 {
		return 0
	}
	return margin / partCost * 100
}
