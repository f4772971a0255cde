package economy

import "sort"

type PriceInput struct {
	// Next is the cycle the prices are written for.
	Next    int64
	Params  Params
	Markets []Market
	Current map[int64]MarketPrice
	// Produced and ProducedPrev are total production quantities per market
	// for the finished cycle and the one before it.
	Produced     map[int64]int64
	ProducedPrev map[int64]int64
	// Delivered counts raw delivered items per market, not the demand-capped
	// sold quantity.
	Delivered map[int64]int64
	Demand    map[int]float64
}

func NextPrices(in PriceInput) []MarketPrice {
	markets := append([]Market(nil), in.Markets...)
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })

	out := make([]MarketPrice, 0, len(markets))
	for _, m := range markets {
		cur, ok := in.Current[m.ID]
		if !ok {
			continue
		}
		out = append(out, MarketPrice{
			Cycle:  in.Next,
			Market: m.ID,
			Buy:    NextBuyPrice(cur.Buy, in.Produced[m.ID], in.ProducedPrev[m.ID], in.Params.CoeffH),
			Sell:   NextSellPrice(cur.Sell, in.Delivered[m.ID], in.Demand[m.Ring], in.Params.CoeffL),
		})
	}
	return out
}

// DefaultThetaWindow is the number of trailing cycles averaged for theta.
const DefaultThetaWindow = 1

type ThetaInput struct {
	Next    int64
	Params  Params
	Players []int64
	Markets []Market
	// Production rows of the window, including zero-quantity auxiliary rows.
	Production []Production
	// Cycles lists the cycle ids the window spans.
	Cycles []int64
}

// NextThetas averages production per cycle over the window for every
// (player, market) pair.
func NextThetas(in ThetaInput) []Theta {
	inWindow := make(map[int64]bool, len(in.Cycles))
	for _, c := range in.Cycles {
		inWindow[c] = true
	}
	sums := make(map[Key]int64)
	for _, p := range in.Production {
		if !inWindow[p.Cycle] {
			continue
		}
		sums[Key{User: p.User, Market: p.Market}] += p.Quantity
	}

	players := append([]int64(nil), in.Players...)
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
	markets := append([]Market(nil), in.Markets...)
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })

	out := make([]Theta, 0, len(players)*len(markets))
	for _, u := range players {
		for _, m := range markets {
			var mean float64
			if n := len(inWindow); n > 0 {
				mean = float64(sums[Key{User: u, Market: m.ID}]) / float64(n)
			}
			out = append(out, Theta{Cycle: in.Next, User: u, Market: m.ID, Value: ThetaFor(mean, in.Params.CoeffK)})
		}
	}
	return out
}

// WindowCycles returns the ids of the last window cycles ending at last.
func WindowCycles(last int64, window int) []int64 {
	if window < 1 {
		window = DefaultThetaWindow
	}
	var out []int64
	for c := last; c >= 1 && len(out) < window; c-- {
		out = append(out, c)
	}
	return out
}
