package economy

// Warehouses derives inventory per (user, market) up to and including cycle
// upTo: cumulative production minus what is on the road or was sold. The
// unsold remainder of a resolved supply stays in the warehouse.
func Warehouses(production []Production, supplies []Supply, upTo int64) map[Key]int64 {
	out := make(map[Key]int64)
	for _, p := range production {
		if p.Cycle > upTo {
			continue
		}
		out[Key{User: p.User, Market: p.Market}] += p.Quantity
	}
	for _, s := range supplies {
		if s.Cycle > upTo {
			continue
		}
		k := Key{User: s.User, Market: s.Market}
		if s.InFlight() {
			out[k] -= s.Declared
		} else {
			out[k] -= s.Amount
		}
	}
	return out
}

// StorageByUser sums warehouse inventory over markets.
func StorageByUser(stock map[Key]int64) map[int64]int64 {
	out := make(map[int64]int64)
	for k, v := range stock {
		out[k.User] += v
	}
	return out
}

// StorageByMarket sums warehouse inventory over users.
func StorageByMarket(stock map[Key]int64) map[int64]int64 {
	out := make(map[int64]int64)
	for k, v := range stock {
		out[k.Market] += v
	}
	return out
}
