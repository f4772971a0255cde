package economy

import "sort"

type ShareInput struct {
	Ctx     CycleContext
	Markets []Market
	// Sold is the sold quantity per (user, market) for the resolved cycle.
	Sold map[Key]int64
	// Previous holds the resolved shares of the cycle before, used to keep
	// incumbents ranked when a market sold nothing.
	Previous []MarketShare
}

// ResolveShares computes share and position per market for the resolved
// cycle. Unlock flags on the returned rows are left false; callers merge
// them with the rows already stored for the cycle.
func ResolveShares(in ShareInput) []MarketShare {
	totals := make(map[int64]int64)
	for k, v := range in.Sold {
		totals[k.Market] += v
	}
	incumbents := make(map[int64]map[int]int64)
	for _, s := range in.Previous {
		if s.Position != 1 && s.Position != 2 {
			continue
		}
		if incumbents[s.Market] == nil {
			incumbents[s.Market] = make(map[int]int64)
		}
		incumbents[s.Market][s.Position] = s.User
	}

	markets := append([]Market(nil), in.Markets...)
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })

	var out []MarketShare
	for _, m := range markets {
		var rows []MarketShare
		if total := totals[m.ID]; total > 0 {
			for k, sold := range in.Sold {
				if k.Market != m.ID {
					continue
				}
				share := float64(sold) / float64(total)
				if share <= 0 {
					continue
				}
				rows = append(rows, MarketShare{Cycle: in.Ctx.Cycle.ID, User: k.User, Market: m.ID, Share: share})
			}
		} else {
			// nothing sold: last cycle's top two keep sentinel shares even if absent now
			if user, ok := incumbents[m.ID][1]; ok {
				rows = append(rows, MarketShare{Cycle: in.Ctx.Cycle.ID, User: user, Market: m.ID, Share: SharePrimaryIncumbent})
			}
			if user, ok := incumbents[m.ID][2]; ok {
				rows = append(rows, MarketShare{Cycle: in.Ctx.Cycle.ID, User: user, Market: m.ID, Share: ShareSecondaryIncumbent})
			}
		}
		rankShares(rows)
		out = append(out, rows...)
	}
	return out
}

// rankShares orders by share descending, ties by user id, and assigns
// positions starting at 1.
func rankShares(rows []MarketShare) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Share != rows[j].Share {
			return rows[i].Share > rows[j].Share
		}
		return rows[i].User < rows[j].User
	})
	for i := range rows {
		rows[i].Position = i + 1
	}
}

type UnlockInput struct {
	Markets     []Market
	Connections []Connection
	Players     []int64
	// Ranked are the resolved shares of the cycle just finished.
	Ranked []MarketShare
}

type UnlockState struct {
	Unlocked  bool
	Protected bool
}

// Neighbours returns the symmetric adjacency of an edge list. Self loops are
// skipped.
func Neighbours(edges []Connection) map[int64][]int64 {
	out := make(map[int64][]int64)
	seen := make(map[Connection]bool)
	for _, e := range edges {
		if e.A == e.B {
			continue
		}
		a, b := e.A, e.B
		if a > b {
			a, b = b, a
		}
		c := Connection{A: a, B: b}
		if seen[c] {
			continue
		}
		seen[c] = true
		out[a] = append(out[a], b)
		out[b] = append(out[b], a)
	}
	for k := range out {
		sort.Slice(out[k], func(i, j int) bool { return out[k][i] < out[k][j] })
	}
	return out
}

// ResolveUnlocks recomputes unlock permissions for the next cycle from
// scratch: everything locked, home markets unlocked and protected, then the
// top two of every market unlocked there and in its neighbours.
func ResolveUnlocks(in UnlockInput) map[Key]UnlockState {
	out := make(map[Key]UnlockState, len(in.Players)*len(in.Markets))
	isPlayer := make(map[int64]bool, len(in.Players))
	for _, u := range in.Players {
		isPlayer[u] = true
		for _, m := range in.Markets {
			out[Key{User: u, Market: m.ID}] = UnlockState{}
		}
	}
	for _, m := range in.Markets {
		if m.HomeUser != 0 && isPlayer[m.HomeUser] {
			out[Key{User: m.HomeUser, Market: m.ID}] = UnlockState{Unlocked: true, Protected: true}
		}
	}

	adj := Neighbours(in.Connections)
	grant := func(k Key) {
		st := out[k]
		st.Unlocked = true
		out[k] = st
	}
	for _, s := range in.Ranked {
		if s.Position < 1 || s.Position > 2 || !isPlayer[s.User] {
			continue
		}
		grant(Key{User: s.User, Market: s.Market})
		for _, n := range adj[s.Market] {
			grant(Key{User: s.User, Market: n})
		}
	}
	return out
}
