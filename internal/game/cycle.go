package game

import (
	"context"
	"fmt"
	"time"

	"tradecycle/internal/economy"
	"tradecycle/internal/store"
)

// StartCycle activates the current cycle. It must be pending.
func (s *Service) StartCycle(ctx context.Context) (economy.Cycle, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	var out economy.Cycle
	err := s.withTx(ctx, func(tx store.Tx) error {
		if err := tx.LockSettlement(ctx); err != nil {
			return err
		}
		cur, err := tx.CurrentCycle(ctx)
		if err != nil {
			return notFound(err, ErrCycleNotFound)
		}
		if st := cur.State(); st != economy.CyclePending {
			return preconditionf("start cycle %d: state is %s", cur.ID, st)
		}
		now := s.now()
		cur.StartedAt = &now
		if err := tx.UpdateCycle(ctx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return economy.Cycle{}, err
	}
	s.metrics.RecordTransition("start", out.ID)
	s.log.Info("cycle started", "cycle", out.ID)
	return out, nil
}

// FinishCycle stamps the current active cycle finished and settles it:
// deliveries, then fees, then market shares, in one store transaction.
func (s *Service) FinishCycle(ctx context.Context) (SettlementReport, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	started := time.Now()
	var report SettlementReport
	var booked []economy.Transaction
	err := s.withTx(ctx, func(tx store.Tx) error {
		report = SettlementReport{}
		booked = booked[:0]
		if err := tx.LockSettlement(ctx); err != nil {
			return err
		}
		cur, err := tx.CurrentCycle(ctx)
		if err != nil {
			return notFound(err, ErrCycleNotFound)
		}
		if st := cur.State(); st != economy.CycleActive {
			return preconditionf("finish cycle %d: state is %s", cur.ID, st)
		}
		now := s.now()
		cur.FinishedAt = &now
		if err := tx.UpdateCycle(ctx, cur); err != nil {
			return err
		}
		cc, err := cycleContext(ctx, tx, cur, now)
		if err != nil {
			return err
		}
		report.Cycle = cur.ID
		report.FinishedAt = now

		markets, err := tx.Markets(ctx)
		if err != nil {
			return err
		}
		demand, err := demandOf(ctx, tx, cur.ID)
		if err != nil {
			return err
		}
		prices, err := tx.Prices(ctx, cur.ID)
		if err != nil {
			return err
		}
		rings := make(map[int64]int, len(markets))
		for _, m := range markets {
			rings[m.ID] = m.Ring
		}
		sell := make(map[int64]float64, len(prices))
		for _, p := range prices {
			sell[p.Market] = p.Sell
		}
		// Earlier cycles are swept too so no supply stays in flight forever.
		supplies, err := tx.Supplies(ctx, store.Filter{UpToCycle: cur.ID})
		if err != nil {
			return err
		}

		delivery := economy.ResolveDeliveries(economy.DeliveryInput{
			Ctx:        cc,
			Supplies:   supplies,
			MarketRing: rings,
			Demand:     demand,
			SellPrice:  sell,
		})
		for _, sp := range delivery.Supplies {
			if err := tx.UpdateSupply(ctx, sp); err != nil {
				return fmt.Errorf("resolve supply %d: %w", sp.ID, err)
			}
			report.ItemsDelivered += sp.Delivered
			report.ItemsSold += sp.Amount
		}
		report.SuppliesResolved = len(delivery.Supplies)
		for _, t := range delivery.Transactions {
			if err := tx.AppendTransaction(ctx, t); err != nil {
				return err
			}
			report.Income += t.Amount
			booked = append(booked, t)
		}

		users, err := tx.Users(ctx)
		if err != nil {
			return err
		}
		players, _ := usersByRole(users)
		balances, err := balancesOf(ctx, tx, cur.ID)
		if err != nil {
			return err
		}
		stock, err := warehouseOf(ctx, tx, 0, cur.ID)
		if err != nil {
			return err
		}
		fees := economy.ComputeFees(economy.FeeInput{
			Ctx:      cc,
			Players:  players,
			Balances: balances,
			Storage:  economy.StorageByUser(stock),
		})
		overdrawn := make(map[int64]bool)
		for _, t := range fees {
			if err := tx.AppendTransaction(ctx, t); err != nil {
				return err
			}
			report.Fees += t.Amount
			if t.Kind == economy.TxOverdraftFee {
				overdrawn[t.User] = true
			}
			booked = append(booked, t)
		}
		report.OverdraftUsers = len(overdrawn)

		var previous []economy.MarketShare
		if cc.Prev != nil {
			if previous, err = tx.Shares(ctx, store.Filter{Cycle: cc.Prev.ID}); err != nil {
				return err
			}
		}
		resolved := economy.ResolveShares(economy.ShareInput{
			Ctx:      cc,
			Markets:  markets,
			Sold:     delivery.SoldByKey,
			Previous: previous,
		})
		n, err := mergeShares(ctx, tx, cur.ID, resolved)
		if err != nil {
			return err
		}
		report.Shares = n
		return nil
	})
	if err != nil {
		s.log.Error("cycle settlement failed", "err", err)
		return SettlementReport{}, err
	}

	for _, t := range booked {
		s.metrics.RecordTransaction(string(t.Kind))
	}
	s.metrics.RecordSettlement(time.Since(started), report.SuppliesResolved)
	s.metrics.RecordTransition("finish", report.Cycle)
	s.log.Info("cycle finished",
		"cycle", report.Cycle,
		"supplies", report.SuppliesResolved,
		"delivered", report.ItemsDelivered,
		"sold", report.ItemsSold,
		"income", report.Income,
		"fees", report.Fees,
		"overdraft_users", report.OverdraftUsers,
	)
	return report, nil
}

// mergeShares writes resolved shares onto the cycle's rows, keeping the
// unlock flags decided when the cycle was seeded. Rows with no resolved
// share are reset to share 0, position 0.
func mergeShares(ctx context.Context, tx store.Tx, cycle int64, resolved []economy.MarketShare) (int, error) {
	existing, err := tx.Shares(ctx, store.Filter{Cycle: cycle})
	if err != nil {
		return 0, err
	}
	rows := make(map[economy.Key]economy.MarketShare, len(existing))
	for _, sh := range existing {
		sh.Share = 0
		sh.Position = 0
		rows[sh.Key()] = sh
	}
	for _, sh := range resolved {
		if prev, ok := rows[sh.Key()]; ok {
			sh.Unlocked = prev.Unlocked
			sh.Protected = prev.Protected
		}
		rows[sh.Key()] = sh
	}
	for _, sh := range rows {
		if err := tx.UpsertShare(ctx, sh); err != nil {
			return 0, err
		}
	}
	return len(resolved), nil
}

// CreateNextCycle seeds cycle N+1 from the finished cycle N: params with
// pending modificators, balances, world demand, prices, thetas, stocks and
// unlocks.
func (s *Service) CreateNextCycle(ctx context.Context) (economy.Cycle, error) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	var next economy.Cycle
	err := s.withTx(ctx, func(tx store.Tx) error {
		if err := tx.LockSettlement(ctx); err != nil {
			return err
		}
		cur, err := tx.CurrentCycle(ctx)
		if err != nil {
			return notFound(err, ErrCycleNotFound)
		}
		if st := cur.State(); st != economy.CycleFinished {
			return preconditionf("create cycle after %d: state is %s", cur.ID, st)
		}
		now := s.now()

		next = economy.Cycle{ID: cur.ID + 1, Params: cur.Params}
		demand, err := demandOf(ctx, tx, cur.ID)
		if err != nil {
			return err
		}
		curDemand := make(map[int]float64, len(demand))
		for ring, d := range demand {
			curDemand[ring] = d
		}
		mods, err := tx.Modificators(ctx, next.ID)
		if err != nil {
			return err
		}
		for _, m := range mods {
			applyModificator(&next.Params, demand, m)
		}
		if err := tx.InsertCycle(ctx, next); err != nil {
			return err
		}
		for ring, d := range demand {
			if err := tx.UpsertDemand(ctx, economy.WorldDemand{Cycle: next.ID, Ring: ring, Demand: d}); err != nil {
				return err
			}
		}

		balances, err := balancesOf(ctx, tx, cur.ID)
		if err != nil {
			return err
		}
		for user, amount := range balances {
			if err := tx.UpsertBalance(ctx, economy.Balance{Cycle: next.ID, User: user, Amount: amount}); err != nil {
				return err
			}
		}

		markets, err := tx.Markets(ctx)
		if err != nil {
			return err
		}
		users, err := tx.Users(ctx)
		if err != nil {
			return err
		}
		players, logistics := usersByRole(users)

		if err := s.nextPrices(ctx, tx, cur, next, markets, curDemand); err != nil {
			return err
		}

		production, err := tx.Production(ctx, store.Filter{UpToCycle: cur.ID})
		if err != nil {
			return err
		}
		thetas := economy.NextThetas(economy.ThetaInput{
			Next:       next.ID,
			Params:     next.Params,
			Players:    players,
			Markets:    markets,
			Production: production,
			Cycles:     economy.WindowCycles(cur.ID, s.window),
		})

		if err := s.nextStocks(ctx, tx, cur, next, markets, players, logistics, balances); err != nil {
			return err
		}

		connections, err := tx.Connections(ctx)
		if err != nil {
			return err
		}
		shares, err := tx.Shares(ctx, store.Filter{Cycle: cur.ID})
		if err != nil {
			return err
		}
		var ranked []economy.MarketShare
		for _, sh := range shares {
			if sh.Position > 0 {
				ranked = append(ranked, sh)
			}
		}
		unlocks := economy.ResolveUnlocks(economy.UnlockInput{
			Markets:     markets,
			Connections: connections,
			Players:     players,
			Ranked:      ranked,
		})
		return seedCycleRows(ctx, tx, next.ID, players, markets, unlocks, thetas, now)
	})
	if err != nil {
		s.log.Error("create next cycle failed", "err", err)
		return economy.Cycle{}, err
	}
	s.metrics.RecordTransition("next", next.ID)
	s.log.Info("cycle created", "cycle", next.ID)
	return next, nil
}

func (s *Service) nextPrices(ctx context.Context, tx store.Tx, cur, next economy.Cycle, markets []economy.Market, demand map[int]float64) error {
	prices, err := tx.Prices(ctx, cur.ID)
	if err != nil {
		return err
	}
	current := make(map[int64]economy.MarketPrice, len(prices))
	for _, p := range prices {
		current[p.Market] = p
	}
	produced, err := producedByMarket(ctx, tx, cur.ID)
	if err != nil {
		return err
	}
	producedPrev := map[int64]int64{}
	if cur.ID > 1 {
		if producedPrev, err = producedByMarket(ctx, tx, cur.ID-1); err != nil {
			return err
		}
	}
	txs, err := tx.Transactions(ctx, store.Filter{Cycle: cur.ID})
	if err != nil {
		return err
	}
	delivered := make(map[int64]int64)
	for _, t := range txs {
		if t.Kind == economy.TxIncome {
			delivered[t.Market] += t.Items
		}
	}

	for _, p := range economy.NextPrices(economy.PriceInput{
		Next:         next.ID,
		Params:       cur.Params,
		Markets:      markets,
		Current:      current,
		Produced:     produced,
		ProducedPrev: producedPrev,
		Delivered:    delivered,
		Demand:       demand,
	}) {
		if err := tx.UpsertPrice(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) nextStocks(ctx context.Context, tx store.Tx, cur, next economy.Cycle, markets []economy.Market, players []int64, logistics map[int64]int, balances map[int64]float64) error {
	stocks, err := tx.Stocks(ctx, cur.ID)
	if err != nil {
		return err
	}
	previous := make(map[int64]float64, len(stocks))
	for _, st := range stocks {
		previous[st.User] = st.Price
	}

	var balancePrev map[int64]float64
	if cur.ID == 1 {
		txs, err := tx.Transactions(ctx, store.Filter{Cycle: 1})
		if err != nil {
			return err
		}
		balancePrev = make(map[int64]float64)
		for _, t := range txs {
			if t.Kind == economy.TxSeed {
				balancePrev[t.User] += t.Amount
			}
		}
	} else if balancePrev, err = balancesOf(ctx, tx, cur.ID-1); err != nil {
		return err
	}

	rings := make(map[int64]int, len(markets))
	for _, m := range markets {
		rings[m.ID] = m.Ring
	}
	storage, err := storageByRing(ctx, tx, cur.ID, rings)
	if err != nil {
		return err
	}
	storagePrev := map[int]int64{}
	if cur.ID > 1 {
		if storagePrev, err = storageByRing(ctx, tx, cur.ID-1, rings); err != nil {
			return err
		}
	}

	for _, st := range economy.NextStocks(economy.StockInput{
		Next:        next.ID,
		Previous:    previous,
		Players:     players,
		Balance:     balances,
		BalancePrev: balancePrev,
		Logistics:   logistics,
		Storage:     storage,
		StoragePrev: storagePrev,
		HasPrev:     cur.ID > 1,
		Noise:       s.noise,
	}) {
		if err := tx.UpsertStock(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// Advance moves the world forward by one step: a pending cycle is started,
// an active cycle is finished, followed by the next one being created and
// started, and a finished cycle gets its successor.
func (s *Service) Advance(ctx context.Context) (CycleView, error) {
	cur, err := s.currentCycle(ctx)
	if err != nil {
		return CycleView{}, err
	}
	switch cur.State() {
	case economy.CycleActive:
		if _, err := s.FinishCycle(ctx); err != nil {
			return CycleView{}, err
		}
		fallthrough
	case economy.CycleFinished:
		if _, err := s.CreateNextCycle(ctx); err != nil {
			return CycleView{}, err
		}
	}
	started, err := s.StartCycle(ctx)
	if err != nil {
		return CycleView{}, err
	}
	return viewOf(started), nil
}

func (s *Service) currentCycle(ctx context.Context) (economy.Cycle, error) {
	var out economy.Cycle
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.CurrentCycle(ctx)
		if err != nil {
			return notFound(err, ErrCycleNotFound)
		}
		out = c
		return nil
	})
	return out, err
}

func cycleContext(ctx context.Context, tx store.Tx, cur economy.Cycle, now time.Time) (economy.CycleContext, error) {
	cc := economy.CycleContext{Cycle: cur, Now: now}
	if cur.ID > 1 {
		prev, err := tx.Cycle(ctx, cur.ID-1)
		if err != nil {
			return cc, notFound(err, ErrCycleNotFound)
		}
		cc.Prev = &prev
	}
	return cc, nil
}

func balancesOf(ctx context.Context, tx store.Tx, cycle int64) (map[int64]float64, error) {
	rows, err := tx.Balances(ctx, cycle)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(rows))
	for _, b := range rows {
		out[b.User] = b.Amount
	}
	return out, nil
}

func producedByMarket(ctx context.Context, tx store.Tx, cycle int64) (map[int64]int64, error) {
	rows, err := tx.Production(ctx, store.Filter{Cycle: cycle})
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int64)
	for _, p := range rows {
		out[p.Market] += p.Quantity
	}
	return out, nil
}

func storageByRing(ctx context.Context, tx store.Tx, cycle int64, rings map[int64]int) (map[int]int64, error) {
	stock, err := warehouseOf(ctx, tx, 0, cycle)
	if err != nil {
		return nil, err
	}
	out := make(map[int]int64)
	for market, items := range economy.StorageByMarket(stock) {
		out[rings[market]] += items
	}
	return out, nil
}
