package economy

import (
	"fmt"
	"math"
	"sort"
)

type DeliveryInput struct {
	Ctx CycleContext
	// Supplies are the in-flight shipments of the finishing cycle and of
	// any earlier cycle.
	Supplies   []Supply
	MarketRing map[int64]int
	Demand     map[int]float64
	SellPrice  map[int64]float64
}

type DeliveryResult struct {
	Supplies     []Supply
	Transactions []Transaction
	// DeliveredByMarket feeds the sell-price feedback of the next cycle.
	DeliveredByMarket map[int64]int64
	SoldByKey         map[Key]int64
}

// Velocity is the per-market delivery rate in items per second.
func Velocity(demand, tauS float64) float64 {
	if tauS <= 0 || demand <= 0 {
		return 0
	}
	return demand / tauS
}

// ResolveDeliveries settles every in-flight supply at the cycle's finish
// moment. Supplies already resolved, or from a later cycle, are ignored.
// Income is booked to the finishing cycle even for a supply left in flight
// by an earlier one.
func ResolveDeliveries(in DeliveryInput) DeliveryResult {
	out := DeliveryResult{
		DeliveredByMarket: make(map[int64]int64),
		SoldByKey:         make(map[Key]int64),
	}
	settledAt := in.Ctx.Now
	if in.Ctx.Cycle.FinishedAt != nil {
		settledAt = *in.Ctx.Cycle.FinishedAt
	}

	pending := make([]Supply, 0, len(in.Supplies))
	for _, s := range in.Supplies {
		if !s.InFlight() || s.Cycle > in.Ctx.Cycle.ID {
			continue
		}
		demand := in.Demand[in.MarketRing[s.Market]]
		elapsed := settledAt.Sub(s.StartedAt).Seconds()
		s.Delivered = DeliveredQuantity(s.Declared, Velocity(demand, in.Ctx.Cycle.TauS), elapsed)
		out.DeliveredByMarket[s.Market] += s.Delivered
		pending = append(pending, s)
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	for _, s := range pending {
		total := out.DeliveredByMarket[s.Market]
		var sold int64
		if total > 0 {
			fill := math.Min(1, in.Demand[in.MarketRing[s.Market]]/float64(total))
			sold = SoldQuantity(s.Delivered, fill)
		}
		finished := settledAt
		s.FinishedAt = &finished
		s.Amount = sold
		out.Supplies = append(out.Supplies, s)
		out.SoldByKey[Key{User: s.User, Market: s.Market}] += sold

		out.Transactions = append(out.Transactions, Transaction{
			At:              settledAt,
			Cycle:           in.Ctx.Cycle.ID,
			User:            s.User,
			Amount:          float64(sold) * in.SellPrice[s.Market],
			Kind:            TxIncome,
			Description:     fmt.Sprintf("sold %d of %d delivered items (supply %d)", sold, s.Delivered, s.ID),
			Market:          s.Market,
			Items:           s.Delivered,
			OverdraftExempt: true,
		})
	}
	return out
}
