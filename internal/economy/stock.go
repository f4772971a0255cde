package economy

import (
	"math/rand"
	"sort"
	"sync"
)

// DefaultStockSigma is the standard deviation of the multiplicative noise.
const DefaultStockSigma = 0.05

type Noise interface {
	Normal() float64
}

// GaussianNoise draws N(0, Sigma) values. It is safe for concurrent use.
type GaussianNoise struct {
	Sigma float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewGaussianNoise(sigma float64, seed int64) *GaussianNoise {
	return &GaussianNoise{Sigma: sigma, rng: rand.New(rand.NewSource(seed))}
}

func (g *GaussianNoise) Normal() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.NormFloat64() * g.Sigma
}

type StockInput struct {
	Next int64
	// Previous is the stock price per user of the finished cycle.
	Previous map[int64]float64
	Players  []int64
	// Balance and BalancePrev are the finished cycle's closing balances and
	// the ones before it (the seed balance for cycle 1).
	Balance     map[int64]float64
	BalancePrev map[int64]float64
	// Logistics maps each NPC operator to its ring.
	Logistics   map[int64]int
	Storage     map[int]int64
	StoragePrev map[int]int64
	HasPrev     bool
	Noise       Noise
}

func NextStocks(in StockInput) []Stock {
	var out []Stock
	draw := func() float64 {
		if in.Noise == nil {
			return 0
		}
		return in.Noise.Normal()
	}

	players := append([]int64(nil), in.Players...)
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
	for _, u := range players {
		prev, ok := in.Previous[u]
		if !ok {
			continue
		}
		rel := ratio(in.Balance[u], in.BalancePrev[u])
		out = append(out, Stock{Cycle: in.Next, User: u, Price: NextStockPrice(prev, rel, draw())})
	}

	npcs := make([]int64, 0, len(in.Logistics))
	for u := range in.Logistics {
		npcs = append(npcs, u)
	}
	sort.Slice(npcs, func(i, j int) bool { return npcs[i] < npcs[j] })
	for _, u := range npcs {
		prev, ok := in.Previous[u]
		if !ok {
			continue
		}
		rel := 1.0
		if in.HasPrev {
			ring := in.Logistics[u]
			rel = ratio(float64(in.Storage[ring]), float64(in.StoragePrev[ring]))
		}
		out = append(out, Stock{Cycle: in.Next, User: u, Price: NextStockPrice(prev, rel, draw())})
	}
	return out
}

// ratio treats a zero denominator as neutral.
func ratio(num, den float64) float64 {
	if den == 0 {
		return 1
	}
	return num / den
}
