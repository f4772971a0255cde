package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"tradecycle/internal/economy"
	"tradecycle/internal/store"
	"tradecycle/internal/store/memstore"
	"tradecycle/internal/world"
)

type zeroNoise struct{}

func (zeroNoise) Normal() float64 { return 0 }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const (
	admin     = 1
	north     = 10
	south     = 11
	reporter  = 20
	editor    = 21
	haulage   = 90
	core      = 1
	rim       = 2
	outskirts = 3
)

func testWorld() world.World {
	return world.World{
		InitialBalance:    1000,
		InitialStockPrice: 100,
		Params: economy.Params{
			Alpha: 5, Beta: 2, Gamma: 0.1, TauS: 10,
			CoeffH: 20, CoeffK: 30, CoeffL: 1, OverdraftRate: 0.1,
		},
		Demand: map[int]float64{0: 100},
		Users: []world.User{
			{ID: admin, Name: "admin", Role: economy.RoleRoot},
			{ID: north, Name: "north", Role: economy.RolePlayer},
			{ID: south, Name: "south", Role: economy.RolePlayer},
			{ID: reporter, Name: "reporter", Role: economy.RoleNews},
			{ID: editor, Name: "editor", Role: economy.RoleEditor},
			{ID: haulage, Name: "haulage", Role: economy.RoleLogistics, Ring: 0},
		},
		Markets: []world.Market{
			{ID: core, Name: "Core", Ring: 0, HomeUser: north, Buy: 4, Sell: 9},
			{ID: rim, Name: "Rim", Ring: 0, HomeUser: south, Buy: 3, Sell: 7},
			{ID: outskirts, Name: "Outskirts", Ring: 0, Buy: 2, Sell: 5},
		},
		Connections: [][2]int64{{core, rim}},
	}
}

func newTestService(t *testing.T) (*Service, *memstore.Store, *testClock) {
	t.Helper()
	st := memstore.New()
	clk := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Noise: zeroNoise{}, Clock: clk.Now})
	if err := svc.Bootstrap(context.Background(), testWorld()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return svc, st, clk
}

var keySeq int

func nextKey() string {
	keySeq++
	return fmt.Sprintf("key-%d", keySeq)
}

func read(t *testing.T, st store.Store, fn func(tx store.Tx) error) {
	t.Helper()
	if err := st.WithTx(context.Background(), fn); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func balanceOf(t *testing.T, st store.Store, cycle, user int64) float64 {
	t.Helper()
	var out float64
	read(t, st, func(tx store.Tx) error {
		b, err := tx.Balance(context.Background(), cycle, user)
		out = b.Amount
		return err
	})
	return out
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCycleLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, st, clk := newTestService(t)

	view, err := svc.Advance(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if view.ID != 1 || view.State != economy.CycleActive {
		t.Fatalf("expected cycle 1 active, got %+v", view)
	}

	prod, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 50, IdempotencyKey: nextKey()})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	if prod.Cost != 200 || prod.Balance != 800 {
		t.Fatalf("produce result %+v", prod)
	}
	ship, err := svc.Ship(ctx, ShipInput{UserID: north, MarketID: core, Quantity: 30, IdempotencyKey: nextKey()})
	if err != nil {
		t.Fatalf("ship: %v", err)
	}
	if ship.Fee != 2 || ship.Balance != 798 {
		t.Fatalf("ship result %+v", ship)
	}

	// velocity = 100/10 items per second, 2 seconds on the road
	clk.Advance(2 * time.Second)
	report, err := svc.FinishCycle(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if report.SuppliesResolved != 1 || report.ItemsDelivered != 20 || report.ItemsSold != 20 || report.Income != 180 {
		t.Fatalf("report %+v", report)
	}
	// storage of 30 items at 0.1, then life fee 5
	if got := balanceOf(t, st, 1, north); !approx(got, 970) {
		t.Fatalf("north balance=%v want 970", got)
	}
	if got := balanceOf(t, st, 1, south); got != 995 {
		t.Fatalf("south balance=%v want 995", got)
	}

	rows, err := svc.Warehouse(ctx, north)
	if err != nil {
		t.Fatalf("warehouse: %v", err)
	}
	if len(rows) != 1 || rows[0].Items != 30 || rows[0].InFlight != 0 {
		t.Fatalf("warehouse %+v", rows)
	}

	next, err := svc.CreateNextCycle(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next.ID != 2 || next.State() != economy.CyclePending {
		t.Fatalf("next cycle %+v", next)
	}

	read(t, st, func(tx store.Tx) error {
		shares, err := tx.Shares(ctx, store.Filter{Cycle: 1, Market: core, User: north})
		if err != nil {
			return err
		}
		if len(shares) != 1 || shares[0].Share != 1 || shares[0].Position != 1 || !shares[0].Unlocked {
			t.Fatalf("cycle 1 share %+v", shares)
		}

		unlocks, err := tx.Shares(ctx, store.Filter{Cycle: 2})
		if err != nil {
			return err
		}
		got := make(map[economy.Key]economy.MarketShare)
		for _, sh := range unlocks {
			got[sh.Key()] = sh
		}
		if !got[economy.Key{User: north, Market: rim}].Unlocked {
			t.Fatalf("north must unlock the neighbour of its top market")
		}
		if got[economy.Key{User: north, Market: outskirts}].Unlocked {
			t.Fatalf("outskirts is not adjacent to core")
		}
		if sh := got[economy.Key{User: south, Market: rim}]; !sh.Unlocked || !sh.Protected {
			t.Fatalf("home market must stay protected: %+v", sh)
		}

		prices, err := tx.Prices(ctx, 2)
		if err != nil {
			return err
		}
		for _, p := range prices {
			switch p.Market {
			case core:
				if p.Buy <= 4 {
					t.Fatalf("core buy price must rise after production, got %v", p.Buy)
				}
			case rim:
				if p.Buy != 3 {
					t.Fatalf("rim buy price must be unchanged, got %v", p.Buy)
				}
			}
			if p.Buy <= 0 || p.Sell <= 0 {
				t.Fatalf("non-positive price %+v", p)
			}
		}

		thetas, err := tx.Thetas(ctx, store.Filter{Cycle: 2})
		if err != nil {
			return err
		}
		if len(thetas) != 6 {
			t.Fatalf("expected a theta per (player, market), got %d", len(thetas))
		}
		for _, th := range thetas {
			if th.Value < 0 || th.Value >= economy.ThetaCeiling {
				t.Fatalf("theta out of range %+v", th)
			}
			active := th.User == north && th.Market == core
			if active != (th.Value > 0) {
				t.Fatalf("unexpected theta %+v", th)
			}
		}

		stocks, err := tx.Stocks(ctx, 2)
		if err != nil {
			return err
		}
		want := map[int64]float64{north: 97, south: 99.5, haulage: 100}
		for _, s := range stocks {
			if !approx(s.Price, want[s.User]) {
				t.Fatalf("stock %+v want %v", s, want[s.User])
			}
		}
		if len(stocks) != len(want) {
			t.Fatalf("stocks=%+v", stocks)
		}
		return nil
	})

	if got := balanceOf(t, st, 2, north); !approx(got, 970) {
		t.Fatalf("opening balance for cycle 2=%v", got)
	}
	assertConservation(t, st, 2)
}

func assertConservation(t *testing.T, st store.Store, last int64) {
	t.Helper()
	ctx := context.Background()
	read(t, st, func(tx store.Tx) error {
		prev := map[int64]float64{}
		for c := int64(1); c <= last; c++ {
			balances, err := tx.Balances(ctx, c)
			if err != nil {
				return err
			}
			txs, err := tx.Transactions(ctx, store.Filter{Cycle: c})
			if err != nil {
				return err
			}
			sum := map[int64]float64{}
			for _, tr := range txs {
				sum[tr.User] += tr.Amount
			}
			for _, b := range balances {
				if !approx(b.Amount, prev[b.User]+sum[b.User]) {
					t.Fatalf("cycle %d user %d: balance %v != %v + %v", c, b.User, b.Amount, prev[b.User], sum[b.User])
				}
			}
			for _, b := range balances {
				prev[b.User] = b.Amount
			}
		}
		return nil
	})
}

func TestPlayerActionRejections(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	_, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 1, IdempotencyKey: nextKey()})
	if !errors.Is(err, ErrCycleNotActive) || !IsRejected(err) {
		t.Fatalf("pending cycle: expected ErrCycleNotActive, got %v", err)
	}
	if _, err := svc.StartCycle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	dup := nextKey()
	if _, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 10, IdempotencyKey: dup}); err != nil {
		t.Fatalf("produce: %v", err)
	}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"zero quantity", func() error {
			_, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 0, IdempotencyKey: nextKey()})
			return err
		}, ErrInvalidQuantity},
		{"locked market", func() error {
			_, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: outskirts, Quantity: 1, IdempotencyKey: nextKey()})
			return err
		}, ErrMarketLocked},
		{"not a player", func() error {
			_, err := svc.Produce(ctx, ProduceInput{UserID: reporter, MarketID: core, Quantity: 1, IdempotencyKey: nextKey()})
			return err
		}, ErrNotPlayer},
		{"too expensive", func() error {
			_, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 1000, IdempotencyKey: nextKey()})
			return err
		}, ErrInsufficientFunds},
		{"ship more than stored", func() error {
			_, err := svc.Ship(ctx, ShipInput{UserID: north, MarketID: core, Quantity: 11, IdempotencyKey: nextKey()})
			return err
		}, ErrInsufficientStock},
		{"ship from empty warehouse", func() error {
			_, err := svc.Ship(ctx, ShipInput{UserID: south, MarketID: rim, Quantity: 1, IdempotencyKey: nextKey()})
			return err
		}, ErrInsufficientStock},
	}
	for _, tc := range tests {
		err := tc.run()
		if !errors.Is(err, tc.want) || !IsRejected(err) {
			t.Fatalf("%s: expected rejection %v, got %v", tc.name, tc.want, err)
		}
	}

	_, err = svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 10, IdempotencyKey: dup})
	if !errors.Is(err, ErrDuplicateIdempotency) {
		t.Fatalf("expected duplicate key, got %v", err)
	}
	_, err = svc.Produce(ctx, ProduceInput{UserID: north, MarketID: 99, Quantity: 1, IdempotencyKey: nextKey()})
	if !errors.Is(err, ErrMarketNotFound) {
		t.Fatalf("expected missing market precondition, got %v", err)
	}

	// only the first production touched the ledger
	if got := balanceOf(t, st, 1, north); got != 960 {
		t.Fatalf("balance=%v want 960", got)
	}
}

func TestLateShipmentIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	if _, err := svc.StartCycle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 5, IdempotencyKey: nextKey()}); err != nil {
		t.Fatalf("produce: %v", err)
	}
	if _, err := svc.FinishCycle(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	_, err := svc.Ship(ctx, ShipInput{UserID: north, MarketID: core, Quantity: 5, IdempotencyKey: nextKey()})
	if !errors.Is(err, ErrCycleNotActive) {
		t.Fatalf("expected ErrCycleNotActive, got %v", err)
	}
}

func TestTransitionPreconditions(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	if _, err := svc.FinishCycle(ctx); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("finish pending: %v", err)
	}
	if _, err := svc.CreateNextCycle(ctx); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("next while pending: %v", err)
	}
	if _, err := svc.StartCycle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.StartCycle(ctx); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("start twice: %v", err)
	}
	if _, err := svc.CreateNextCycle(ctx); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("next while active: %v", err)
	}
	if err := svc.Bootstrap(ctx, testWorld()); !errors.Is(err, ErrAlreadyBooted) {
		t.Fatalf("second bootstrap: %v", err)
	}
}

func TestIncumbentsKeepSentinelShares(t *testing.T) {
	ctx := context.Background()
	svc, st, clk := newTestService(t)

	if _, err := svc.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 10, IdempotencyKey: nextKey()}); err != nil {
		t.Fatalf("produce: %v", err)
	}
	if _, err := svc.Ship(ctx, ShipInput{UserID: north, MarketID: core, Quantity: 10, IdempotencyKey: nextKey()}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	clk.Advance(time.Minute)
	// finishes cycle 1, seeds and starts cycle 2 where nobody sells in core
	if _, err := svc.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := svc.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	read(t, st, func(tx store.Tx) error {
		shares, err := tx.Shares(ctx, store.Filter{Cycle: 2, Market: core})
		if err != nil {
			return err
		}
		for _, sh := range shares {
			switch sh.User {
			case north:
				if sh.Share != economy.SharePrimaryIncumbent || sh.Position != 1 {
					t.Fatalf("incumbent share %+v", sh)
				}
			default:
				if sh.Position != 0 {
					t.Fatalf("unexpected ranked share %+v", sh)
				}
			}
		}
		unlocks, err := tx.Shares(ctx, store.Filter{Cycle: 3, User: north, Market: rim})
		if err != nil {
			return err
		}
		if len(unlocks) != 1 || !unlocks[0].Unlocked {
			t.Fatalf("incumbent must keep neighbour unlock: %+v", unlocks)
		}
		return nil
	})
	assertConservation(t, st, 3)
}

func TestConcurrentProductionNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)
	if _, err := svc.StartCycle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 20 orders of 80 against a balance of 1000: exactly 12 fit
	keys := make([]string, 20)
	for i := range keys {
		keys[i] = nextKey()
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 20, IdempotencyKey: key})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(key)
	}
	wg.Wait()
	if ok != 12 || rejected != 8 {
		t.Fatalf("ok=%d rejected=%d", ok, rejected)
	}
	if got := balanceOf(t, st, 1, north); got != 40 {
		t.Fatalf("balance=%v want 40", got)
	}
}

func TestFinishSweepsSupplyLeftInFlight(t *testing.T) {
	ctx := context.Background()
	svc, st, clk := newTestService(t)

	if _, err := svc.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 10, IdempotencyKey: nextKey()}); err != nil {
		t.Fatalf("produce: %v", err)
	}
	if _, err := svc.FinishCycle(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	// a supply committed into cycle 1 after its settlement
	read(t, st, func(tx store.Tx) error {
		_, err := tx.InsertSupply(ctx, economy.Supply{StartedAt: clk.Now(), Cycle: 1, User: north, Market: core, Declared: 10})
		return err
	})
	if _, err := svc.CreateNextCycle(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := svc.StartCycle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(time.Minute)
	report, err := svc.FinishCycle(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if report.Cycle != 2 || report.SuppliesResolved != 1 || report.ItemsDelivered != 10 || report.Income <= 0 {
		t.Fatalf("report %+v", report)
	}

	read(t, st, func(tx store.Tx) error {
		supplies, err := tx.Supplies(ctx, store.Filter{UpToCycle: 2})
		if err != nil {
			return err
		}
		for _, sp := range supplies {
			if sp.InFlight() {
				t.Fatalf("supply %d still in flight after settlement", sp.ID)
			}
		}
		txs, err := tx.Transactions(ctx, store.Filter{Cycle: 2, User: north})
		if err != nil {
			return err
		}
		var income float64
		for _, tr := range txs {
			if tr.Kind == economy.TxIncome {
				income += tr.Amount
			}
		}
		if !approx(income, report.Income) {
			t.Fatalf("income in cycle 2 = %v, report says %v", income, report.Income)
		}
		return nil
	})
	assertConservation(t, st, 2)
}

type lockRecorder struct {
	store.Store
	mu    sync.Mutex
	calls []string
}

func (r *lockRecorder) note(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *lockRecorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.calls
	r.calls = nil
	return out
}

func (r *lockRecorder) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&recordingTx{Tx: tx, r: r})
	})
}

type recordingTx struct {
	store.Tx
	r *lockRecorder
}

func (t *recordingTx) LockTrading(ctx context.Context) error {
	t.r.note("trading")
	return t.Tx.LockTrading(ctx)
}

func (t *recordingTx) LockSettlement(ctx context.Context) error {
	t.r.note("settlement")
	return t.Tx.LockSettlement(ctx)
}

func (t *recordingTx) ClaimIdempotency(ctx context.Context, user int64, key, action string) error {
	t.r.note("claim")
	return t.Tx.ClaimIdempotency(ctx, user, key, action)
}

func (t *recordingTx) CurrentCycle(ctx context.Context) (economy.Cycle, error) {
	t.r.note("cycle")
	return t.Tx.CurrentCycle(ctx)
}

func TestActionsAndTransitionsTakeStoreLocksFirst(t *testing.T) {
	ctx := context.Background()
	rec := &lockRecorder{Store: memstore.New()}
	svc := NewService(rec, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{Noise: zeroNoise{}})
	if err := svc.Bootstrap(ctx, testWorld()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := svc.StartCycle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.take()

	steps := []struct {
		name  string
		run   func() error
		first string
	}{
		{"produce", func() error {
			_, err := svc.Produce(ctx, ProduceInput{UserID: north, MarketID: core, Quantity: 5, IdempotencyKey: nextKey()})
			return err
		}, "trading"},
		{"ship", func() error {
			_, err := svc.Ship(ctx, ShipInput{UserID: north, MarketID: core, Quantity: 5, IdempotencyKey: nextKey()})
			return err
		}, "trading"},
		{"finish", func() error {
			_, err := svc.FinishCycle(ctx)
			return err
		}, "settlement"},
		{"modificator", func() error {
			_, err := svc.AddModificator(ctx, ModificatorInput{Param: "beta", Value: 3})
			return err
		}, "settlement"},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		calls := rec.take()
		if len(calls) == 0 || calls[0] != step.first {
			t.Fatalf("%s: store calls %v, want %s first", step.name, calls, step.first)
		}
	}
}

func TestModificators(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newTestService(t)

	// cycle 1 is still pending, so this lands immediately
	if _, err := svc.AddModificator(ctx, ModificatorInput{Cycle: 1, Param: "gamma", Value: 0.5}); err != nil {
		t.Fatalf("modificator: %v", err)
	}
	if _, err := svc.StartCycle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.AddModificator(ctx, ModificatorInput{Cycle: 1, Param: "beta", Value: 9}); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("started cycle: %v", err)
	}
	if _, err := svc.AddModificator(ctx, ModificatorInput{Param: "volume", Value: 1}); !errors.Is(err, ErrUnknownParam) {
		t.Fatalf("unknown param: %v", err)
	}
	for _, param := range []string{"coeff_k", "tau_s"} {
		if _, err := svc.AddModificator(ctx, ModificatorInput{Param: param, Value: 0}); !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("%s=0: %v", param, err)
		}
	}
	mod, err := svc.AddModificator(ctx, ModificatorInput{Param: "beta", Value: 7})
	if err != nil {
		t.Fatalf("modificator: %v", err)
	}
	if mod.Cycle != 2 {
		t.Fatalf("default target must be the next cycle, got %d", mod.Cycle)
	}
	if _, err := svc.AddModificator(ctx, ModificatorInput{Cycle: 2, Param: "demand", Ring: 0, Value: 40}); err != nil {
		t.Fatalf("modificator: %v", err)
	}

	if _, err := svc.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	read(t, st, func(tx store.Tx) error {
		c1, err := tx.Cycle(ctx, 1)
		if err != nil {
			return err
		}
		c2, err := tx.Cycle(ctx, 2)
		if err != nil {
			return err
		}
		if c1.Gamma != 0.5 || c1.Beta != 2 {
			t.Fatalf("cycle 1 params %+v", c1.Params)
		}
		if c2.Gamma != 0.5 || c2.Beta != 7 {
			t.Fatalf("cycle 2 params %+v", c2.Params)
		}
		demand, err := tx.Demand(ctx, 2)
		if err != nil {
			return err
		}
		if len(demand) != 1 || demand[0].Demand != 40 {
			t.Fatalf("cycle 2 demand %+v", demand)
		}
		return nil
	})
}

func TestViews(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	if _, err := svc.StartCycle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	v, err := svc.View(ctx, north)
	if err != nil {
		t.Fatalf("player view: %v", err)
	}
	pv, ok := v.(PlayerView)
	if !ok {
		t.Fatalf("player view type %T", v)
	}
	if pv.Balance != 1000 || pv.Stock != 100 || len(pv.Markets) != 3 {
		t.Fatalf("player view %+v", pv)
	}
	for _, m := range pv.Markets {
		if (m.MarketID == core) != m.Unlocked {
			t.Fatalf("only the home market starts unlocked: %+v", m)
		}
	}

	v, err = svc.View(ctx, admin)
	if err != nil {
		t.Fatalf("root view: %v", err)
	}
	if rv := v.(RootView); rv.Current.ID != 1 || len(rv.Players) != 3 {
		t.Fatalf("root view %+v", rv)
	}
	if _, err := svc.View(ctx, editor); err != nil {
		t.Fatalf("editor view: %v", err)
	}
	if _, err := svc.View(ctx, haulage); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("logistics view: %v", err)
	}
	if _, err := svc.View(ctx, 404); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("missing user: %v", err)
	}
}
