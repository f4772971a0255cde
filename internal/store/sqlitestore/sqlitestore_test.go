package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"tradecycle/internal/economy"
	"tradecycle/internal/game"
	"tradecycle/internal/store"
	"tradecycle/internal/world"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "tradecycle.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertCycle(ctx, economy.Cycle{ID: 1, StartedAt: &started, Params: economy.Params{Alpha: 5, TauS: 60}}); err != nil {
			return err
		}
		if err := tx.InsertUser(ctx, economy.User{ID: 10, Name: "north", Role: economy.RolePlayer}); err != nil {
			return err
		}
		if err := tx.InsertMarket(ctx, economy.Market{ID: 1, Name: "Core", HomeUser: 10}); err != nil {
			return err
		}
		if err := tx.UpsertBalance(ctx, economy.Balance{Cycle: 1, User: 10, Amount: 100}); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, economy.Transaction{At: started, Cycle: 1, User: 10, Amount: -30, Kind: economy.TxLifeFee, OverdraftExempt: true}); err != nil {
			return err
		}
		if err := tx.UpsertShare(ctx, economy.MarketShare{Cycle: 1, User: 10, Market: 1, Unlocked: true, Protected: true}); err != nil {
			return err
		}
		if err := tx.UpsertShare(ctx, economy.MarketShare{Cycle: 1, User: 10, Market: 1, Share: 1, Position: 1, Unlocked: true, Protected: true}); err != nil {
			return err
		}
		id, err := tx.InsertSupply(ctx, economy.Supply{StartedAt: started, Cycle: 1, User: 10, Market: 1, Declared: 5})
		if err != nil {
			return err
		}
		finished := started.Add(time.Minute)
		return tx.UpdateSupply(ctx, economy.Supply{ID: id, FinishedAt: &finished, Delivered: 5, Amount: 4})
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	err = st.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.CurrentCycle(ctx)
		if err != nil {
			return err
		}
		if c.State() != economy.CycleActive || !c.StartedAt.Equal(started) || c.Alpha != 5 {
			t.Fatalf("cycle %+v", c)
		}
		b, err := tx.Balance(ctx, 1, 10)
		if err != nil {
			return err
		}
		if b.Amount != 70 {
			t.Fatalf("balance=%v want 70", b.Amount)
		}
		txs, err := tx.Transactions(ctx, store.Filter{Cycle: 1, User: 10})
		if err != nil {
			return err
		}
		if len(txs) != 1 || txs[0].ID == "" || txs[0].Kind != economy.TxLifeFee || !txs[0].OverdraftExempt {
			t.Fatalf("transactions %+v", txs)
		}
		shares, err := tx.Shares(ctx, store.Filter{Cycle: 1})
		if err != nil {
			return err
		}
		if len(shares) != 1 || shares[0].Position != 1 || !shares[0].Protected {
			t.Fatalf("shares %+v", shares)
		}
		supplies, err := tx.Supplies(ctx, store.Filter{User: 10})
		if err != nil {
			return err
		}
		if len(supplies) != 1 || supplies[0].InFlight() || supplies[0].Amount != 4 {
			t.Fatalf("supplies %+v", supplies)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestMissingRowsAndDuplicates(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	err := st.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CurrentCycle(ctx); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("current cycle on empty db: %v", err)
		}
		if _, err := tx.Market(ctx, 5); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("missing market: %v", err)
		}
		if err := tx.ClaimIdempotency(ctx, 1, "k", "produce"); err != nil {
			return err
		}
		if err := tx.ClaimIdempotency(ctx, 1, "k", "produce"); !errors.Is(err, store.ErrDuplicateIdempotency) {
			t.Fatalf("duplicate key: %v", err)
		}
		if err := tx.ClaimIdempotency(ctx, 2, "k", "produce"); err != nil {
			t.Fatalf("keys are scoped per user: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestRollbackOnError(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertCycle(ctx, economy.Cycle{ID: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	err = st.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.CurrentCycle(ctx)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("rolled back cycle is visible: %v", err)
	}
}

// Two handles on one file stand in for the API and worker processes.
func TestTradeAndSettlementDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	api, err := Open(path)
	if err != nil {
		t.Fatalf("open api handle: %v", err)
	}
	defer api.Close()
	worker, err := Open(path)
	if err != nil {
		t.Fatalf("open worker handle: %v", err)
	}
	defer worker.Close()

	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err = api.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertCycle(ctx, economy.Cycle{ID: 1, StartedAt: &started, Params: economy.Params{TauS: 60}}); err != nil {
			return err
		}
		if err := tx.InsertUser(ctx, economy.User{ID: 10, Name: "north", Role: economy.RolePlayer}); err != nil {
			return err
		}
		return tx.InsertMarket(ctx, economy.Market{ID: 1, Name: "Core", HomeUser: 10})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	tradeDone := make(chan error, 1)
	go func() {
		tradeDone <- api.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.LockTrading(ctx); err != nil {
				return err
			}
			c, err := tx.CurrentCycle(ctx)
			if err != nil {
				return err
			}
			if c.State() != economy.CycleActive {
				return fmt.Errorf("trade saw cycle %s", c.State())
			}
			close(entered)
			<-release
			_, err = tx.InsertSupply(ctx, economy.Supply{StartedAt: started, Cycle: 1, User: 10, Market: 1, Declared: 5})
			return err
		})
	}()
	<-entered

	settleEntered := make(chan struct{})
	settleDone := make(chan error, 1)
	go func() {
		settleDone <- worker.WithTx(ctx, func(tx store.Tx) error {
			close(settleEntered)
			if err := tx.LockSettlement(ctx); err != nil {
				return err
			}
			supplies, err := tx.Supplies(ctx, store.Filter{UpToCycle: 1})
			if err != nil {
				return err
			}
			if len(supplies) != 1 {
				return fmt.Errorf("settlement saw %d supplies, want the committed trade", len(supplies))
			}
			c, err := tx.CurrentCycle(ctx)
			if err != nil {
				return err
			}
			finished := started.Add(time.Hour)
			c.FinishedAt = &finished
			return tx.UpdateCycle(ctx, c)
		})
	}()

	select {
	case <-settleEntered:
		close(release)
		t.Fatalf("settlement transaction began while a trade was open")
	case <-time.After(200 * time.Millisecond):
	}
	close(release)
	if err := <-tradeDone; err != nil {
		t.Fatalf("trade: %v", err)
	}
	if err := <-settleDone; err != nil {
		t.Fatalf("settlement: %v", err)
	}
}

type zeroNoise struct{}

func (zeroNoise) Normal() float64 { return 0 }

func TestSettlementOnSQLite(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	svc := game.NewService(st, slog.New(slog.NewTextHandler(io.Discard, nil)), game.Options{Noise: zeroNoise{}})

	w := world.World{
		InitialBalance:    500,
		InitialStockPrice: 10,
		Params:            economy.Params{Alpha: 1, Beta: 1, Gamma: 0.5, TauS: 0.001, CoeffH: 10, CoeffK: 10, CoeffL: 1},
		Demand:            map[int]float64{0: 1000},
		Users:             []world.User{{ID: 7, Name: "p", Role: economy.RolePlayer}},
		Markets:           []world.Market{{ID: 1, Name: "Core", Ring: 0, HomeUser: 7, Buy: 2, Sell: 3}},
	}
	if err := svc.Bootstrap(ctx, w); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := svc.Advance(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.Produce(ctx, game.ProduceInput{UserID: 7, MarketID: 1, Quantity: 10, IdempotencyKey: "p1"}); err != nil {
		t.Fatalf("produce: %v", err)
	}
	if _, err := svc.Ship(ctx, game.ShipInput{UserID: 7, MarketID: 1, Quantity: 10, IdempotencyKey: "s1"}); err != nil {
		t.Fatalf("ship: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	view, err := svc.Advance(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if view.ID != 2 || view.State != economy.CycleActive {
		t.Fatalf("cycle %+v", view)
	}

	// 500 - 20 production - 1 shipment + 30 income - 1 life fee
	err = st.WithTx(ctx, func(tx store.Tx) error {
		for _, cycle := range []int64{1, 2} {
			b, err := tx.Balance(ctx, cycle, 7)
			if err != nil {
				return err
			}
			if b.Amount != 508 {
				t.Fatalf("cycle %d balance=%v want 508", cycle, b.Amount)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}
