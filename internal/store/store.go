// Package store defines the persistence contract the game service runs the
// settlement engine against. Implementations live in sub-packages.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tradecycle/internal/economy"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	// ErrConflict reports a serialization failure; the caller may retry.
	ErrConflict = errors.New("transaction conflict")
)

// Filter narrows cycle-scoped reads. Zero fields match everything.
type Filter struct {
	Cycle  int64
	User   int64
	Market int64
	// UpToCycle, when set, matches every cycle <= UpToCycle.
	UpToCycle int64
}

// Where renders f as a SQL condition for tables keyed by cycle, user_id and
// market. bind formats the n-th placeholder of the dialect.
func (f Filter) Where(bind func(n int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(expr string, v int64) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, bind(len(args))))
	}
	if f.Cycle != 0 {
		add("cycle = %s", f.Cycle)
	}
	if f.UpToCycle != 0 {
		add("cycle <= %s", f.UpToCycle)
	}
	if f.User != 0 {
		add("user_id = %s", f.User)
	}
	if f.Market != 0 {
		add("market = %s", f.Market)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type Store interface {
	// WithTx runs fn in one transaction. A returned error rolls back
	// everything fn wrote.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

type Tx interface {
	Reader
	Writer
}

type Reader interface {
	// CurrentCycle returns the highest cycle id, ErrNotFound before bootstrap.
	CurrentCycle(ctx context.Context) (economy.Cycle, error)
	Cycle(ctx context.Context, id int64) (economy.Cycle, error)
	Cycles(ctx context.Context) ([]economy.Cycle, error)
	Modificators(ctx context.Context, cycle int64) ([]economy.Modificator, error)

	Users(ctx context.Context) ([]economy.User, error)
	User(ctx context.Context, id int64) (economy.User, error)
	Markets(ctx context.Context) ([]economy.Market, error)
	Market(ctx context.Context, id int64) (economy.Market, error)
	Connections(ctx context.Context) ([]economy.Connection, error)

	Prices(ctx context.Context, cycle int64) ([]economy.MarketPrice, error)
	Thetas(ctx context.Context, f Filter) ([]economy.Theta, error)
	Shares(ctx context.Context, f Filter) ([]economy.MarketShare, error)
	Balances(ctx context.Context, cycle int64) ([]economy.Balance, error)
	// Balance locks the row for the rest of the transaction where the
	// backend supports it.
	Balance(ctx context.Context, cycle, user int64) (economy.Balance, error)
	Supplies(ctx context.Context, f Filter) ([]economy.Supply, error)
	Production(ctx context.Context, f Filter) ([]economy.Production, error)
	Transactions(ctx context.Context, f Filter) ([]economy.Transaction, error)
	Demand(ctx context.Context, cycle int64) ([]economy.WorldDemand, error)
	Stocks(ctx context.Context, cycle int64) ([]economy.Stock, error)
}

type Writer interface {
	// LockSettlement serializes settlement across processes where the
	// backend supports it.
	LockSettlement(ctx context.Context) error
	// LockTrading is taken first by every player action. It is shared
	// between actions and excludes LockSettlement, so no action can commit
	// into a cycle that settlement already swept.
	LockTrading(ctx context.Context) error
	ClaimIdempotency(ctx context.Context, user int64, key, action string) error

	InsertCycle(ctx context.Context, c economy.Cycle) error
	UpdateCycle(ctx context.Context, c economy.Cycle) error
	InsertModificator(ctx context.Context, m economy.Modificator) (int64, error)

	InsertUser(ctx context.Context, u economy.User) error
	InsertMarket(ctx context.Context, m economy.Market) error
	InsertConnection(ctx context.Context, c economy.Connection) error

	UpsertPrice(ctx context.Context, p economy.MarketPrice) error
	UpsertTheta(ctx context.Context, t economy.Theta) error
	UpsertShare(ctx context.Context, s economy.MarketShare) error
	UpsertBalance(ctx context.Context, b economy.Balance) error
	InsertSupply(ctx context.Context, s economy.Supply) (int64, error)
	UpdateSupply(ctx context.Context, s economy.Supply) error
	InsertProduction(ctx context.Context, p economy.Production) (int64, error)
	// AppendTransaction inserts the row and adds its amount to the running
	// balance of (cycle, user).
	AppendTransaction(ctx context.Context, t economy.Transaction) error
	UpsertDemand(ctx context.Context, d economy.WorldDemand) error
	UpsertStock(ctx context.Context, s economy.Stock) error
}
