// Package memstore is an in-memory store.Store used by tests and ephemeral
// runs. Each transaction works on a clone of the state that replaces the
// live state only on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradecycle/internal/economy"
	"tradecycle/internal/store"
)

var _ store.Store = (*Store)(nil)

type cycleUser struct {
	Cycle int64
	User  int64
}

type cycleMarket struct {
	Cycle  int64
	Market int64
}

type cycleKey struct {
	Cycle int64
	economy.Key
}

type cycleRing struct {
	Cycle int64
	Ring  int
}

type idemKey struct {
	User int64
	Key  string
}

type state struct {
	cycles       map[int64]economy.Cycle
	modificators []economy.Modificator
	users        map[int64]economy.User
	markets      map[int64]economy.Market
	connections  []economy.Connection
	prices       map[cycleMarket]economy.MarketPrice
	thetas       map[cycleKey]economy.Theta
	shares       map[cycleKey]economy.MarketShare
	balances     map[cycleUser]economy.Balance
	supplies     map[int64]economy.Supply
	production   []economy.Production
	transactions []economy.Transaction
	demand       map[cycleRing]economy.WorldDemand
	stocks       map[cycleUser]economy.Stock
	idempotency  map[idemKey]string

	nextSupplyID     int64
	nextProductionID int64
	nextModID        int64
}

func newState() *state {
	return &state{
		cycles:      make(map[int64]economy.Cycle),
		users:       make(map[int64]economy.User),
		markets:     make(map[int64]economy.Market),
		prices:      make(map[cycleMarket]economy.MarketPrice),
		thetas:      make(map[cycleKey]economy.Theta),
		shares:      make(map[cycleKey]economy.MarketShare),
		balances:    make(map[cycleUser]economy.Balance),
		supplies:    make(map[int64]economy.Supply),
		demand:      make(map[cycleRing]economy.WorldDemand),
		stocks:      make(map[cycleUser]economy.Stock),
		idempotency: make(map[idemKey]string),
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		cycles:           cloneMap(s.cycles),
		modificators:     append([]economy.Modificator(nil), s.modificators...),
		users:            cloneMap(s.users),
		markets:          cloneMap(s.markets),
		connections:      append([]economy.Connection(nil), s.connections...),
		prices:           cloneMap(s.prices),
		thetas:           cloneMap(s.thetas),
		shares:           cloneMap(s.shares),
		balances:         cloneMap(s.balances),
		supplies:         cloneMap(s.supplies),
		production:       append([]economy.Production(nil), s.production...),
		transactions:     append([]economy.Transaction(nil), s.transactions...),
		demand:           cloneMap(s.demand),
		stocks:           cloneMap(s.stocks),
		idempotency:      cloneMap(s.idempotency),
		nextSupplyID:     s.nextSupplyID,
		nextProductionID: s.nextProductionID,
		nextModID:        s.nextModID,
	}
}

type Store struct {
	mu    sync.Mutex
	state *state
}

func New() *Store {
	return &Store{state: newState()}
}

// WithTx serializes transactions; the memory store has no concurrent
// writers to reconcile.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) Close() error { return nil }

type tx struct {
	st *state
}

func match(f store.Filter, cycle, user, market int64) bool {
	if f.Cycle != 0 && cycle != f.Cycle {
		return false
	}
	if f.UpToCycle != 0 && cycle > f.UpToCycle {
		return false
	}
	if f.User != 0 && user != f.User {
		return false
	}
	if f.Market != 0 && market != f.Market {
		return false
	}
	return true
}

func (t *tx) CurrentCycle(ctx context.Context) (economy.Cycle, error) {
	var out economy.Cycle
	for id, c := range t.st.cycles {
		if id > out.ID {
			out = c
		}
	}
	if out.ID == 0 {
		return out, store.ErrNotFound
	}
	return out, nil
}

func (t *tx) Cycle(ctx context.Context, id int64) (economy.Cycle, error) {
	c, ok := t.st.cycles[id]
	if !ok {
		return c, fmt.Errorf("cycle %d: %w", id, store.ErrNotFound)
	}
	return c, nil
}

func (t *tx) Cycles(ctx context.Context) ([]economy.Cycle, error) {
	out := make([]economy.Cycle, 0, len(t.st.cycles))
	for _, c := range t.st.cycles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) Modificators(ctx context.Context, cycle int64) ([]economy.Modificator, error) {
	var out []economy.Modificator
	for _, m := range t.st.modificators {
		if m.Cycle == cycle {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *tx) Users(ctx context.Context) ([]economy.User, error) {
	out := make([]economy.User, 0, len(t.st.users))
	for _, u := range t.st.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) User(ctx context.Context, id int64) (economy.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return u, fmt.Errorf("user %d: %w", id, store.ErrNotFound)
	}
	return u, nil
}

func (t *tx) Markets(ctx context.Context) ([]economy.Market, error) {
	out := make([]economy.Market, 0, len(t.st.markets))
	for _, m := range t.st.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) Market(ctx context.Context, id int64) (economy.Market, error) {
	m, ok := t.st.markets[id]
	if !ok {
		return m, fmt.Errorf("market %d: %w", id, store.ErrNotFound)
	}
	return m, nil
}

func (t *tx) Connections(ctx context.Context) ([]economy.Connection, error) {
	return append([]economy.Connection(nil), t.st.connections...), nil
}

func (t *tx) Prices(ctx context.Context, cycle int64) ([]economy.MarketPrice, error) {
	var out []economy.MarketPrice
	for k, p := range t.st.prices {
		if k.Cycle == cycle {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out, nil
}

func (t *tx) Thetas(ctx context.Context, f store.Filter) ([]economy.Theta, error) {
	var out []economy.Theta
	for _, th := range t.st.thetas {
		if match(f, th.Cycle, th.User, th.Market) {
			out = append(out, th)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cycle != out[j].Cycle {
			return out[i].Cycle < out[j].Cycle
		}
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Market < out[j].Market
	})
	return out, nil
}

func (t *tx) Shares(ctx context.Context, f store.Filter) ([]economy.MarketShare, error) {
	var out []economy.MarketShare
	for _, s := range t.st.shares {
		if match(f, s.Cycle, s.User, s.Market) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cycle != out[j].Cycle {
			return out[i].Cycle < out[j].Cycle
		}
		if out[i].Market != out[j].Market {
			return out[i].Market < out[j].Market
		}
		return out[i].User < out[j].User
	})
	return out, nil
}

func (t *tx) Balances(ctx context.Context, cycle int64) ([]economy.Balance, error) {
	var out []economy.Balance
	for k, b := range t.st.balances {
		if k.Cycle == cycle {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

func (t *tx) Balance(ctx context.Context, cycle, user int64) (economy.Balance, error) {
	b, ok := t.st.balances[cycleUser{Cycle: cycle, User: user}]
	if !ok {
		return b, fmt.Errorf("balance cycle=%d user=%d: %w", cycle, user, store.ErrNotFound)
	}
	return b, nil
}

func (t *tx) Supplies(ctx context.Context, f store.Filter) ([]economy.Supply, error) {
	var out []economy.Supply
	for _, s := range t.st.supplies {
		if match(f, s.Cycle, s.User, s.Market) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) Production(ctx context.Context, f store.Filter) ([]economy.Production, error) {
	var out []economy.Production
	for _, p := range t.st.production {
		if match(f, p.Cycle, p.User, p.Market) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *tx) Transactions(ctx context.Context, f store.Filter) ([]economy.Transaction, error) {
	var out []economy.Transaction
	for _, tr := range t.st.transactions {
		if match(f, tr.Cycle, tr.User, tr.Market) {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (t *tx) Demand(ctx context.Context, cycle int64) ([]economy.WorldDemand, error) {
	var out []economy.WorldDemand
	for k, d := range t.st.demand {
		if k.Cycle == cycle {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ring < out[j].Ring })
	return out, nil
}

func (t *tx) Stocks(ctx context.Context, cycle int64) ([]economy.Stock, error) {
	var out []economy.Stock
	for k, s := range t.st.stocks {
		if k.Cycle == cycle {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

// Transactions run one at a time under the store mutex, so both locks are
// already held.
func (t *tx) LockSettlement(ctx context.Context) error { return nil }

func (t *tx) LockTrading(ctx context.Context) error { return nil }

func (t *tx) ClaimIdempotency(ctx context.Context, user int64, key, action string) error {
	k := idemKey{User: user, Key: key}
	if _, ok := t.st.idempotency[k]; ok {
		return store.ErrDuplicateIdempotency
	}
	t.st.idempotency[k] = action
	return nil
}

func (t *tx) InsertCycle(ctx context.Context, c economy.Cycle) error {
	if _, ok := t.st.cycles[c.ID]; ok {
		return fmt.Errorf("cycle %d already exists", c.ID)
	}
	t.st.cycles[c.ID] = c
	return nil
}

func (t *tx) UpdateCycle(ctx context.Context, c economy.Cycle) error {
	if _, ok := t.st.cycles[c.ID]; !ok {
		return fmt.Errorf("cycle %d: %w", c.ID, store.ErrNotFound)
	}
	t.st.cycles[c.ID] = c
	return nil
}

func (t *tx) InsertModificator(ctx context.Context, m economy.Modificator) (int64, error) {
	t.st.nextModID++
	m.ID = t.st.nextModID
	t.st.modificators = append(t.st.modificators, m)
	return m.ID, nil
}

func (t *tx) InsertUser(ctx context.Context, u economy.User) error {
	if _, ok := t.st.users[u.ID]; ok {
		return fmt.Errorf("user %d already exists", u.ID)
	}
	t.st.users[u.ID] = u
	return nil
}

func (t *tx) InsertMarket(ctx context.Context, m economy.Market) error {
	if _, ok := t.st.markets[m.ID]; ok {
		return fmt.Errorf("market %d already exists", m.ID)
	}
	t.st.markets[m.ID] = m
	return nil
}

func (t *tx) InsertConnection(ctx context.Context, c economy.Connection) error {
	t.st.connections = append(t.st.connections, c)
	return nil
}

func (t *tx) UpsertPrice(ctx context.Context, p economy.MarketPrice) error {
	t.st.prices[cycleMarket{Cycle: p.Cycle, Market: p.Market}] = p
	return nil
}

func (t *tx) UpsertTheta(ctx context.Context, th economy.Theta) error {
	t.st.thetas[cycleKey{Cycle: th.Cycle, Key: economy.Key{User: th.User, Market: th.Market}}] = th
	return nil
}

func (t *tx) UpsertShare(ctx context.Context, s economy.MarketShare) error {
	t.st.shares[cycleKey{Cycle: s.Cycle, Key: s.Key()}] = s
	return nil
}

func (t *tx) UpsertBalance(ctx context.Context, b economy.Balance) error {
	t.st.balances[cycleUser{Cycle: b.Cycle, User: b.User}] = b
	return nil
}

func (t *tx) InsertSupply(ctx context.Context, s economy.Supply) (int64, error) {
	t.st.nextSupplyID++
	s.ID = t.st.nextSupplyID
	t.st.supplies[s.ID] = s
	return s.ID, nil
}

func (t *tx) UpdateSupply(ctx context.Context, s economy.Supply) error {
	if _, ok := t.st.supplies[s.ID]; !ok {
		return fmt.Errorf("supply %d: %w", s.ID, store.ErrNotFound)
	}
	t.st.supplies[s.ID] = s
	return nil
}

func (t *tx) InsertProduction(ctx context.Context, p economy.Production) (int64, error) {
	t.st.nextProductionID++
	p.ID = t.st.nextProductionID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	t.st.production = append(t.st.production, p)
	return p.ID, nil
}

func (t *tx) AppendTransaction(ctx context.Context, tr economy.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	k := cycleUser{Cycle: tr.Cycle, User: tr.User}
	b, ok := t.st.balances[k]
	if !ok {
		return fmt.Errorf("balance cycle=%d user=%d: %w", tr.Cycle, tr.User, store.ErrNotFound)
	}
	b.Amount += tr.Amount
	t.st.balances[k] = b
	t.st.transactions = append(t.st.transactions, tr)
	return nil
}

func (t *tx) UpsertDemand(ctx context.Context, d economy.WorldDemand) error {
	t.st.demand[cycleRing{Cycle: d.Cycle, Ring: d.Ring}] = d
	return nil
}

func (t *tx) UpsertStock(ctx context.Context, s economy.Stock) error {
	t.st.stocks[cycleUser{Cycle: s.Cycle, User: s.User}] = s
	return nil
}
