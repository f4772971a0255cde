package economy

import (
	"fmt"
	"math"
	"sort"
)

type FeeInput struct {
	Ctx     CycleContext
	Players []int64
	// Balances are the running balances after delivery income was booked.
	Balances map[int64]float64
	Storage  map[int64]int64
}

// ComputeFees charges storage, life and overdraft fees. Every fee is
// overdraft-exempt and may push a balance further negative.
func ComputeFees(in FeeInput) []Transaction {
	players := append([]int64(nil), in.Players...)
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })

	p := in.Ctx.Cycle.Params
	var out []Transaction
	for _, user := range players {
		balance := in.Balances[user]

		if items := in.Storage[user]; items > 0 && p.Gamma > 0 {
			fee := p.Gamma * float64(items)
			balance -= fee
			out = append(out, feeTx(in.Ctx, user, -fee, TxStorageFee, fmt.Sprintf("storage of %d items", items), items))
		}

		balance -= p.Alpha
		out = append(out, feeTx(in.Ctx, user, -p.Alpha, TxLifeFee, "life fee", 0))

		if balance < 0 && p.OverdraftRate > 0 {
			fee := p.OverdraftRate * math.Abs(balance)
			out = append(out, feeTx(in.Ctx, user, -fee, TxOverdraftFee, fmt.Sprintf("overdraft on %.2f", balance), 0))
		}
	}
	return out
}

func feeTx(ctx CycleContext, user int64, amount float64, kind TxKind, desc string, items int64) Transaction {
	at := ctx.Now
	if ctx.Cycle.FinishedAt != nil {
		at = *ctx.Cycle.FinishedAt
	}
	return Transaction{
		At:              at,
		Cycle:           ctx.Cycle.ID,
		User:            user,
		Amount:          amount,
		Kind:            kind,
		Description:     desc,
		Items:           items,
		OverdraftExempt: true,
	}
}
