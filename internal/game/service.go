package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"tradecycle/internal/economy"
	"tradecycle/internal/metrics"
	"tradecycle/internal/store"
	"tradecycle/internal/world"
)

type Options struct {
	Metrics     *metrics.Collector
	Noise       economy.Noise
	ThetaWindow int
	Clock       func() time.Time
}

type Service struct {
	store   store.Store
	log     *slog.Logger
	metrics *metrics.Collector
	noise   economy.Noise
	window  int
	now     func() time.Time

	// cycleMu: player actions read, settlement writes.
	cycleMu sync.RWMutex
	users   *keyedMutex
}

func NewService(st store.Store, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Noise == nil {
		opts.Noise = economy.NewGaussianNoise(economy.DefaultStockSigma, time.Now().UnixNano())
	}
	if opts.ThetaWindow < 1 {
		opts.ThetaWindow = economy.DefaultThetaWindow
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:   st,
		log:     logger,
		metrics: opts.Metrics,
		noise:   opts.Noise,
		window:  opts.ThetaWindow,
		now:     opts.Clock,
		users:   newKeyedMutex(),
	}
}

// Bootstrap seeds cycle 1 (pending) from a world definition.
func (s *Service) Bootstrap(ctx context.Context, w world.World) error {
	if err := w.Validate(); err != nil {
		return preconditionf("world: %v", err)
	}
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	now := s.now()
	err := s.withTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CurrentCycle(ctx); err == nil {
			return ErrAlreadyBooted
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		cycle := economy.Cycle{ID: 1, Params: w.Params}
		if err := tx.InsertCycle(ctx, cycle); err != nil {
			return err
		}
		for ring, demand := range w.Demand {
			if err := tx.UpsertDemand(ctx, economy.WorldDemand{Cycle: 1, Ring: ring, Demand: demand}); err != nil {
				return err
			}
		}

		var players []int64
		for _, u := range w.Users {
			if err := tx.InsertUser(ctx, economy.User{ID: u.ID, Name: u.Name, Role: u.Role, Ring: u.Ring}); err != nil {
				return err
			}
			switch u.Role {
			case economy.RolePlayer:
				players = append(players, u.ID)
			case economy.RoleLogistics:
			default:
				continue
			}
			if err := tx.UpsertStock(ctx, economy.Stock{Cycle: 1, User: u.ID, Price: w.InitialStockPrice}); err != nil {
				return err
			}
		}

		markets := make([]economy.Market, 0, len(w.Markets))
		for _, m := range w.Markets {
			market := economy.Market{ID: m.ID, Name: m.Name, Ring: m.Ring, HomeUser: m.HomeUser}
			if err := tx.InsertMarket(ctx, market); err != nil {
				return err
			}
			if err := tx.UpsertPrice(ctx, economy.MarketPrice{Cycle: 1, Market: m.ID, Buy: m.Buy, Sell: m.Sell}); err != nil {
				return err
			}
			markets = append(markets, market)
		}
		for _, e := range w.Edges() {
			if err := tx.InsertConnection(ctx, e); err != nil {
				return err
			}
		}

		for _, u := range players {
			if err := tx.UpsertBalance(ctx, economy.Balance{Cycle: 1, User: u}); err != nil {
				return err
			}
			seed := economy.Transaction{
				At:              now,
				Cycle:           1,
				User:            u,
				Amount:          w.InitialBalance,
				Kind:            economy.TxSeed,
				Description:     "seed balance",
				OverdraftExempt: true,
			}
			if err := tx.AppendTransaction(ctx, seed); err != nil {
				return err
			}
		}

		unlocks := economy.ResolveUnlocks(economy.UnlockInput{Markets: markets, Connections: w.Edges(), Players: players})
		return seedCycleRows(ctx, tx, 1, players, markets, unlocks, nil, now)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordTransition("bootstrap", 1)
	s.log.Info("world bootstrapped", "users", len(w.Users), "markets", len(w.Markets))
	return nil
}

// seedCycleRows writes the per (player, market) rows every cycle starts
// with: share rows carrying the unlock state, thetas, and the zero-quantity
// auxiliary production rows.
func seedCycleRows(ctx context.Context, tx store.Tx, cycle int64, players []int64, markets []economy.Market, unlocks map[economy.Key]economy.UnlockState, thetas []economy.Theta, now time.Time) error {
	thetaOf := make(map[economy.Key]float64, len(thetas))
	for _, th := range thetas {
		thetaOf[economy.Key{User: th.User, Market: th.Market}] = th.Value
	}
	for _, u := range players {
		for _, m := range markets {
			k := economy.Key{User: u, Market: m.ID}
			st := unlocks[k]
			if err := tx.UpsertShare(ctx, economy.MarketShare{
				Cycle:     cycle,
				User:      u,
				Market:    m.ID,
				Unlocked:  st.Unlocked,
				Protected: st.Protected,
			}); err != nil {
				return err
			}
			if err := tx.UpsertTheta(ctx, economy.Theta{Cycle: cycle, User: u, Market: m.ID, Value: thetaOf[k]}); err != nil {
				return err
			}
			if _, err := tx.InsertProduction(ctx, economy.Production{Cycle: cycle, User: u, Market: m.ID, CreatedAt: now}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) Produce(ctx context.Context, in ProduceInput) (ProduceResult, error) {
	var out ProduceResult
	if in.Quantity <= 0 {
		return out, s.rejected("produce", reject(ErrInvalidQuantity, "got %d", in.Quantity))
	}

	s.cycleMu.RLock()
	defer s.cycleMu.RUnlock()
	unlock := s.users.lock(in.UserID)
	defer unlock()

	now := s.now()
	err := s.withTx(ctx, func(tx store.Tx) error {
		if err := tx.LockTrading(ctx); err != nil {
			return err
		}
		if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "produce"); err != nil {
			return err
		}
		cycle, err := s.tradeCheck(ctx, tx, in.UserID, in.MarketID)
		if err != nil {
			return err
		}

		price, err := priceOf(ctx, tx, cycle.ID, in.MarketID)
		if err != nil {
			return err
		}
		thetas, err := tx.Thetas(ctx, store.Filter{Cycle: cycle.ID, User: in.UserID, Market: in.MarketID})
		if err != nil {
			return err
		}
		var theta float64
		if len(thetas) > 0 {
			theta = thetas[0].Value
		}
		cost := economy.ProductionCost(theta, price.Buy, in.Quantity)

		bal, err := tx.Balance(ctx, cycle.ID, in.UserID)
		if err != nil {
			return notFound(err, ErrUserNotFound)
		}
		if bal.Amount < cost {
			return reject(ErrInsufficientFunds, "cost %.2f, balance %.2f", cost, bal.Amount)
		}

		id, err := tx.InsertProduction(ctx, economy.Production{
			Cycle:     cycle.ID,
			User:      in.UserID,
			Market:    in.MarketID,
			Quantity:  in.Quantity,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, economy.Transaction{
			At:          now,
			Cycle:       cycle.ID,
			User:        in.UserID,
			Amount:      -cost,
			Kind:        economy.TxProduction,
			Description: fmt.Sprintf("production of %d items", in.Quantity),
			Market:      in.MarketID,
			Items:       in.Quantity,
		}); err != nil {
			return err
		}

		out = ProduceResult{
			ProductionID: id,
			Cycle:        cycle.ID,
			Quantity:     in.Quantity,
			Theta:        theta,
			BuyPrice:     price.Buy,
			Cost:         cost,
			Balance:      bal.Amount - cost,
		}
		return nil
	})
	if err != nil {
		return ProduceResult{}, s.actionFailed("produce", err)
	}
	s.metrics.RecordAction("produce", "ok")
	s.metrics.RecordTransaction(string(economy.TxProduction))
	return out, nil
}

func (s *Service) Ship(ctx context.Context, in ShipInput) (ShipResult, error) {
	var out ShipResult
	if in.Quantity <= 0 {
		return out, s.rejected("ship", reject(ErrInvalidQuantity, "got %d", in.Quantity))
	}

	s.cycleMu.RLock()
	defer s.cycleMu.RUnlock()
	unlock := s.users.lock(in.UserID)
	defer unlock()

	now := s.now()
	err := s.withTx(ctx, func(tx store.Tx) error {
		if err := tx.LockTrading(ctx); err != nil {
			return err
		}
		if err := claimIdempotency(ctx, tx, in.UserID, in.IdempotencyKey, "ship"); err != nil {
			return err
		}
		cycle, err := s.tradeCheck(ctx, tx, in.UserID, in.MarketID)
		if err != nil {
			return err
		}

		stock, err := warehouseOf(ctx, tx, in.UserID, cycle.ID)
		if err != nil {
			return err
		}
		have := stock[economy.Key{User: in.UserID, Market: in.MarketID}]
		if have < in.Quantity {
			return reject(ErrInsufficientStock, "have %d, need %d", have, in.Quantity)
		}

		bal, err := tx.Balance(ctx, cycle.ID, in.UserID)
		if err != nil {
			return notFound(err, ErrUserNotFound)
		}
		fee := cycle.Beta
		if bal.Amount < fee {
			return reject(ErrInsufficientFunds, "shipment fee %.2f, balance %.2f", fee, bal.Amount)
		}

		id, err := tx.InsertSupply(ctx, economy.Supply{
			StartedAt: now,
			Cycle:     cycle.ID,
			User:      in.UserID,
			Market:    in.MarketID,
			Declared:  in.Quantity,
		})
		if err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, economy.Transaction{
			At:          now,
			Cycle:       cycle.ID,
			User:        in.UserID,
			Amount:      -fee,
			Kind:        economy.TxShipmentFee,
			Description: fmt.Sprintf("shipment of %d items", in.Quantity),
			Market:      in.MarketID,
			Items:       in.Quantity,
		}); err != nil {
			return err
		}

		out = ShipResult{SupplyID: id, Cycle: cycle.ID, Quantity: in.Quantity, Fee: fee, Balance: bal.Amount - fee}
		return nil
	})
	if err != nil {
		return ShipResult{}, s.actionFailed("ship", err)
	}
	s.metrics.RecordAction("ship", "ok")
	s.metrics.RecordTransaction(string(economy.TxShipmentFee))
	return out, nil
}

// tradeCheck validates that the current cycle is active, the user is a
// player and the market is unlocked for them.
func (s *Service) tradeCheck(ctx context.Context, tx store.Tx, userID, marketID int64) (economy.Cycle, error) {
	cycle, err := tx.CurrentCycle(ctx)
	if err != nil {
		return cycle, notFound(err, ErrCycleNotFound)
	}
	if st := cycle.State(); st != economy.CycleActive {
		return cycle, reject(ErrCycleNotActive, "cycle %d is %s", cycle.ID, st)
	}
	user, err := tx.User(ctx, userID)
	if err != nil {
		return cycle, notFound(err, ErrUserNotFound)
	}
	if user.Role != economy.RolePlayer {
		return cycle, reject(ErrNotPlayer, "user %d is %s", user.ID, user.Role)
	}
	if _, err := tx.Market(ctx, marketID); err != nil {
		return cycle, notFound(err, ErrMarketNotFound)
	}
	shares, err := tx.Shares(ctx, store.Filter{Cycle: cycle.ID, User: userID, Market: marketID})
	if err != nil {
		return cycle, err
	}
	if len(shares) == 0 || !shares[0].Unlocked {
		return cycle, reject(ErrMarketLocked, "market %d", marketID)
	}
	return cycle, nil
}

func (s *Service) Warehouse(ctx context.Context, userID int64) ([]WarehouseRow, error) {
	var out []WarehouseRow
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cycle, err := tx.CurrentCycle(ctx)
		if err != nil {
			return notFound(err, ErrCycleNotFound)
		}
		if _, err := tx.User(ctx, userID); err != nil {
			return notFound(err, ErrUserNotFound)
		}
		stock, err := warehouseOf(ctx, tx, userID, cycle.ID)
		if err != nil {
			return err
		}
		supplies, err := tx.Supplies(ctx, store.Filter{User: userID, UpToCycle: cycle.ID})
		if err != nil {
			return err
		}
		inFlight := make(map[int64]int64)
		for _, sp := range supplies {
			if sp.InFlight() {
				inFlight[sp.Market] += sp.Declared
			}
		}
		markets, err := tx.Markets(ctx)
		if err != nil {
			return err
		}
		for _, m := range markets {
			items := stock[economy.Key{User: userID, Market: m.ID}]
			if items == 0 && inFlight[m.ID] == 0 {
				continue
			}
			out = append(out, WarehouseRow{MarketID: m.ID, Market: m.Name, Items: items, InFlight: inFlight[m.ID]})
		}
		return nil
	})
	return out, err
}

var modificatorParams = map[string]bool{
	"alpha": true, "beta": true, "gamma": true, "tau_s": true,
	"coeff_h": true, "coeff_k": true, "coeff_l": true, "overdraft_rate": true,
	"demand": true,
}

// positiveParams divide by their value: tau_s in delivery velocity, coeff_k
// in theta.
var positiveParams = map[string]bool{"tau_s": true, "coeff_k": true}

// AddModificator records a parameter override for a cycle that has not
// started. When that cycle already exists it is applied right away,
// otherwise CreateNextCycle applies it.
func (s *Service) AddModificator(ctx context.Context, in ModificatorInput) (economy.Modificator, error) {
	in.Param = strings.ToLower(strings.TrimSpace(in.Param))
	if !modificatorParams[in.Param] {
		return economy.Modificator{}, reject(ErrUnknownParam, "%q", in.Param)
	}
	if in.Param == "demand" && in.Value < 0 {
		return economy.Modificator{}, reject(ErrInvalidValue, "demand must be >= 0, got %v", in.Value)
	}
	if positiveParams[in.Param] && in.Value <= 0 {
		return economy.Modificator{}, reject(ErrInvalidValue, "%s must be > 0, got %v", in.Param, in.Value)
	}

	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	m := economy.Modificator{Cycle: in.Cycle, Param: in.Param, Ring: in.Ring, Value: in.Value, CreatedAt: s.now()}
	err := s.withTx(ctx, func(tx store.Tx) error {
		if err := tx.LockSettlement(ctx); err != nil {
			return err
		}
		cur, err := tx.CurrentCycle(ctx)
		if err != nil {
			return notFound(err, ErrCycleNotFound)
		}
		if m.Cycle == 0 {
			m.Cycle = cur.ID + 1
		}
		switch {
		case m.Cycle < cur.ID, m.Cycle == cur.ID && cur.State() != economy.CyclePending:
			return preconditionf("cycle %d already started", m.Cycle)
		case m.Cycle == cur.ID:
			demand, err := demandOf(ctx, tx, cur.ID)
			if err != nil {
				return err
			}
			applyModificator(&cur.Params, demand, m)
			if err := tx.UpdateCycle(ctx, cur); err != nil {
				return err
			}
			if m.Param == "demand" {
				if err := tx.UpsertDemand(ctx, economy.WorldDemand{Cycle: cur.ID, Ring: m.Ring, Demand: demand[m.Ring]}); err != nil {
					return err
				}
			}
		}
		id, err := tx.InsertModificator(ctx, m)
		if err != nil {
			return err
		}
		m.ID = id
		return nil
	})
	if err != nil {
		return economy.Modificator{}, err
	}
	s.log.Info("modificator recorded", "cycle", m.Cycle, "param", m.Param, "ring", m.Ring, "value", m.Value)
	return m, nil
}

func applyModificator(p *economy.Params, demand map[int]float64, m economy.Modificator) {
	switch m.Param {
	case "alpha":
		p.Alpha = m.Value
	case "beta":
		p.Beta = m.Value
	case "gamma":
		p.Gamma = m.Value
	case "tau_s":
		p.TauS = m.Value
	case "coeff_h":
		p.CoeffH = m.Value
	case "coeff_k":
		p.CoeffK = m.Value
	case "coeff_l":
		p.CoeffL = m.Value
	case "overdraft_rate":
		p.OverdraftRate = m.Value
	case "demand":
		if demand != nil {
			demand[m.Ring] = m.Value
		}
	}
}

func (s *Service) Cycles(ctx context.Context) ([]CycleView, error) {
	var out []CycleView
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cycles, err := tx.Cycles(ctx)
		if err != nil {
			return err
		}
		for _, c := range cycles {
			out = append(out, viewOf(c))
		}
		return nil
	})
	return out, err
}

func (s *Service) User(ctx context.Context, id int64) (economy.User, error) {
	var out economy.User
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		u, err := tx.User(ctx, id)
		if err != nil {
			return notFound(err, ErrUserNotFound)
		}
		out = u
		return nil
	})
	return out, err
}

func (s *Service) rejected(action string, err error) error {
	s.metrics.RecordAction(action, "rejected")
	return err
}

func (s *Service) actionFailed(action string, err error) error {
	switch {
	case IsRejected(err), errors.Is(err, ErrDuplicateIdempotency):
		s.metrics.RecordAction(action, "rejected")
	default:
		s.metrics.RecordAction(action, "error")
		s.log.Error("player action failed", "action", action, "err", err)
	}
	return err
}

// withTx retries serialization conflicts with backoff.
func (s *Service) withTx(ctx context.Context, fn func(tx store.Tx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := s.store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt == maxAttempts-1 {
			return err
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func claimIdempotency(ctx context.Context, tx store.Tx, userID int64, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	return tx.ClaimIdempotency(ctx, userID, key, action)
}

func priceOf(ctx context.Context, tx store.Tx, cycle, market int64) (economy.MarketPrice, error) {
	prices, err := tx.Prices(ctx, cycle)
	if err != nil {
		return economy.MarketPrice{}, err
	}
	for _, p := range prices {
		if p.Market == market {
			return p, nil
		}
	}
	return economy.MarketPrice{}, preconditionf("no price for market %d in cycle %d", market, cycle)
}

func demandOf(ctx context.Context, tx store.Tx, cycle int64) (map[int]float64, error) {
	rows, err := tx.Demand(ctx, cycle)
	if err != nil {
		return nil, err
	}
	out := make(map[int]float64, len(rows))
	for _, d := range rows {
		out[d.Ring] = d.Demand
	}
	return out, nil
}

// warehouseOf derives inventory up to cycle. User 0 means every user.
func warehouseOf(ctx context.Context, tx store.Tx, user, cycle int64) (map[economy.Key]int64, error) {
	production, err := tx.Production(ctx, store.Filter{User: user, UpToCycle: cycle})
	if err != nil {
		return nil, err
	}
	supplies, err := tx.Supplies(ctx, store.Filter{User: user, UpToCycle: cycle})
	if err != nil {
		return nil, err
	}
	return economy.Warehouses(production, supplies, cycle), nil
}

func usersByRole(users []economy.User) (players []int64, logistics map[int64]int) {
	logistics = make(map[int64]int)
	for _, u := range users {
		switch u.Role {
		case economy.RolePlayer:
			players = append(players, u.ID)
		case economy.RoleLogistics:
			logistics[u.ID] = u.Ring
		}
	}
	sort.Slice(players, func(i, j int) bool { return players[i] < players[j] })
	return players, logistics
}
