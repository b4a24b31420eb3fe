package analysis

import "setarb/internal/upstream"

// ResolveSetPrice returns the price at which a set could be sold, or
// ok=false if no eligible order exists (§4.4). Only online orders count.
func ResolveSetPrice(ob upstream.OrderBook, mode ExecutionMode) (price float64, ok bool) {
	switch mode {
	case Patient:
		lowest, found := lowestOnlineSell(ob.Sell)
		if !found {
			return 0, false
		}
		p := lowest - 1
		if p < 1 {
			p = 1
		}
		return p, true
	default:
		highest, found := highestOnlineBuy(ob.Buy)
		if !found {
			return 0, false
		}
		return highest, true
	}
}

// ResolvePartPrice returns the price at which a part could be bought, or
// ok=false if no eligible order exists.
func ResolvePartPrice(ob upstream.OrderBook, mode ExecutionMode) (price float64, ok bool) {
	switch mode {
	case Patient:
		highest, found := highestOnlineBuy(ob.Buy)
		if !found {
			return 0, false
		}
		return highest + 1, true
	default:
		lowest, found := lowestOnlineSell(ob.Sell)
		if !found {
			return 0, false
		}
		return lowest, true
	}
}

func highestOnlineBuy(orders []upstream.Order) (float64, bool) {
	var best float64
	found := false
	for _, o := range orders {
		if !o.Online || o.Quantity <= 0 {
			continue
		}
		if !found || o.Price > best {
			best = o.Price
			found = true
		}
	}
	return best, found
}

func lowestOnlineSell(orders []upstream.Order) (float64, bool) {
	var best float64
	found := false
	for _, o := range orders {
		if !o.Online || o.Quantity <= 0 {
			continue
		}
		if !found || o.Price < best {
			best = o.Price
			found = true
		}
	}
	return best, found
}
