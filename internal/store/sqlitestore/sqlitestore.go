// Package sqlitestore is a single-file backend of store.Store on
// modernc.org/sqlite through sqlx. Timestamps are stored as unix nanoseconds.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"tradecycle/internal/economy"
	"tradecycle/internal/store"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*Store)(nil)

type Store struct {
	conn *sqlx.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one writer; every read goes through the transaction that holds it
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx *sqlx.Tx
}

func bind(int) string { return "?" }

func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, store.ErrNotFound)
	}
	return err
}

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func nanoTime(n int64) time.Time { return time.Unix(0, n).UTC() }

type cycleRow struct {
	ID            int64         `db:"id"`
	StartedAt     sql.NullInt64 `db:"started_at"`
	FinishedAt    sql.NullInt64 `db:"finished_at"`
	Alpha         float64       `db:"alpha"`
	Beta          float64       `db:"beta"`
	Gamma         float64       `db:"gamma"`
	TauS          float64       `db:"tau_s"`
	CoeffH        float64       `db:"coeff_h"`
	CoeffK        float64       `db:"coeff_k"`
	CoeffL        float64       `db:"coeff_l"`
	OverdraftRate float64       `db:"overdraft_rate"`
}

func (r cycleRow) cycle() economy.Cycle {
	return economy.Cycle{
		ID:         r.ID,
		StartedAt:  fromNanos(r.StartedAt),
		FinishedAt: fromNanos(r.FinishedAt),
		Params: economy.Params{
			Alpha: r.Alpha, Beta: r.Beta, Gamma: r.Gamma, TauS: r.TauS,
			CoeffH: r.CoeffH, CoeffK: r.CoeffK, CoeffL: r.CoeffL, OverdraftRate: r.OverdraftRate,
		},
	}
}

func (t *sqliteTx) CurrentCycle(ctx context.Context) (economy.Cycle, error) {
	var r cycleRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM cycles ORDER BY id DESC LIMIT 1`)
	return r.cycle(), notFound(err, "cycle", "current")
}

func (t *sqliteTx) Cycle(ctx context.Context, id int64) (economy.Cycle, error) {
	var r cycleRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM cycles WHERE id = ?`, id)
	return r.cycle(), notFound(err, "cycle", id)
}

func (t *sqliteTx) Cycles(ctx context.Context) ([]economy.Cycle, error) {
	var rows []cycleRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM cycles ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]economy.Cycle, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.cycle())
	}
	return out, nil
}

type modificatorRow struct {
	ID        int64   `db:"id"`
	Cycle     int64   `db:"cycle"`
	Param     string  `db:"param"`
	Ring      int     `db:"ring"`
	Value     float64 `db:"value"`
	CreatedAt int64   `db:"created_at"`
}

func (t *sqliteTx) Modificators(ctx context.Context, cycle int64) ([]economy.Modificator, error) {
	var rows []modificatorRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM modificators WHERE cycle = ? ORDER BY id`, cycle); err != nil {
		return nil, err
	}
	out := make([]economy.Modificator, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.Modificator{ID: r.ID, Cycle: r.Cycle, Param: r.Param, Ring: r.Ring, Value: r.Value, CreatedAt: nanoTime(r.CreatedAt)})
	}
	return out, nil
}

type userRow struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
	Role string `db:"role"`
	Ring int    `db:"ring"`
}

func (r userRow) user() economy.User {
	return economy.User{ID: r.ID, Name: r.Name, Role: economy.Role(r.Role), Ring: r.Ring}
}

func (t *sqliteTx) Users(ctx context.Context) ([]economy.User, error) {
	var rows []userRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM users ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]economy.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.user())
	}
	return out, nil
}

func (t *sqliteTx) User(ctx context.Context, id int64) (economy.User, error) {
	var r userRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM users WHERE id = ?`, id)
	return r.user(), notFound(err, "user", id)
}

type marketRow struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Ring     int    `db:"ring"`
	HomeUser int64  `db:"home_user"`
}

func (r marketRow) market() economy.Market {
	return economy.Market{ID: r.ID, Name: r.Name, Ring: r.Ring, HomeUser: r.HomeUser}
}

func (t *sqliteTx) Markets(ctx context.Context) ([]economy.Market, error) {
	var rows []marketRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM markets ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]economy.Market, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.market())
	}
	return out, nil
}

func (t *sqliteTx) Market(ctx context.Context, id int64) (economy.Market, error) {
	var r marketRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM markets WHERE id = ?`, id)
	return r.market(), notFound(err, "market", id)
}

func (t *sqliteTx) Connections(ctx context.Context) ([]economy.Connection, error) {
	var rows []struct {
		A int64 `db:"a"`
		B int64 `db:"b"`
	}
	if err := t.tx.SelectContext(ctx, &rows, `SELECT a, b FROM connections ORDER BY a, b`); err != nil {
		return nil, err
	}
	out := make([]economy.Connection, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.Connection{A: r.A, B: r.B})
	}
	return out, nil
}

// The remaining cycle tables map one to one onto economy types, so they
// scan straight into column-tagged copies.

type priceRow struct {
	Cycle  int64   `db:"cycle"`
	Market int64   `db:"market"`
	Buy    float64 `db:"buy"`
	Sell   float64 `db:"sell"`
}

func (t *sqliteTx) Prices(ctx context.Context, cycle int64) ([]economy.MarketPrice, error) {
	var rows []priceRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM market_prices WHERE cycle = ? ORDER BY market`, cycle); err != nil {
		return nil, err
	}
	out := make([]economy.MarketPrice, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.MarketPrice(r))
	}
	return out, nil
}

type thetaRow struct {
	Cycle  int64   `db:"cycle"`
	User   int64   `db:"user_id"`
	Market int64   `db:"market"`
	Value  float64 `db:"value"`
}

func (t *sqliteTx) Thetas(ctx context.Context, f store.Filter) ([]economy.Theta, error) {
	where, args := f.Where(bind)
	var rows []thetaRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM thetas`+where+` ORDER BY cycle, user_id, market`, args...); err != nil {
		return nil, err
	}
	out := make([]economy.Theta, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.Theta(r))
	}
	return out, nil
}

type shareRow struct {
	Cycle     int64   `db:"cycle"`
	User      int64   `db:"user_id"`
	Market    int64   `db:"market"`
	Share     float64 `db:"share"`
	Position  int     `db:"position"`
	Unlocked  bool    `db:"unlocked"`
	Protected bool    `db:"protected"`
}

func (t *sqliteTx) Shares(ctx context.Context, f store.Filter) ([]economy.MarketShare, error) {
	where, args := f.Where(bind)
	var rows []shareRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM market_shares`+where+` ORDER BY cycle, market, user_id`, args...); err != nil {
		return nil, err
	}
	out := make([]economy.MarketShare, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.MarketShare(r))
	}
	return out, nil
}

type balanceRow struct {
	Cycle  int64   `db:"cycle"`
	User   int64   `db:"user_id"`
	Amount float64 `db:"amount"`
}

func (t *sqliteTx) Balances(ctx context.Context, cycle int64) ([]economy.Balance, error) {
	var rows []balanceRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM balances WHERE cycle = ? ORDER BY user_id`, cycle); err != nil {
		return nil, err
	}
	out := make([]economy.Balance, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.Balance(r))
	}
	return out, nil
}

// Balance needs no row lock: the single connection already serializes
// writers.
func (t *sqliteTx) Balance(ctx context.Context, cycle, user int64) (economy.Balance, error) {
	var r balanceRow
	err := t.tx.GetContext(ctx, &r, `SELECT * FROM balances WHERE cycle = ? AND user_id = ?`, cycle, user)
	return economy.Balance(r), notFound(err, "balance of user", user)
}

type supplyRow struct {
	ID         int64         `db:"id"`
	StartedAt  int64         `db:"started_at"`
	FinishedAt sql.NullInt64 `db:"finished_at"`
	Cycle      int64         `db:"cycle"`
	User       int64         `db:"user_id"`
	Market     int64         `db:"market"`
	Declared   int64         `db:"declared"`
	Delivered  int64         `db:"delivered"`
	Amount     int64         `db:"amount"`
}

func (t *sqliteTx) Supplies(ctx context.Context, f store.Filter) ([]economy.Supply, error) {
	where, args := f.Where(bind)
	var rows []supplyRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM supplies`+where+` ORDER BY id`, args...); err != nil {
		return nil, err
	}
	out := make([]economy.Supply, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.Supply{
			ID:         r.ID,
			StartedAt:  nanoTime(r.StartedAt),
			FinishedAt: fromNanos(r.FinishedAt),
			Cycle:      r.Cycle,
			User:       r.User,
			Market:     r.Market,
			Declared:   r.Declared,
			Delivered:  r.Delivered,
			Amount:     r.Amount,
		})
	}
	return out, nil
}

type productionRow struct {
	ID        int64 `db:"id"`
	Cycle     int64 `db:"cycle"`
	User      int64 `db:"user_id"`
	Market    int64 `db:"market"`
	Quantity  int64 `db:"quantity"`
	CreatedAt int64 `db:"created_at"`
}

func (t *sqliteTx) Production(ctx context.Context, f store.Filter) ([]economy.Production, error) {
	where, args := f.Where(bind)
	var rows []productionRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM production`+where+` ORDER BY id`, args...); err != nil {
		return nil, err
	}
	out := make([]economy.Production, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.Production{ID: r.ID, Cycle: r.Cycle, User: r.User, Market: r.Market, Quantity: r.Quantity, CreatedAt: nanoTime(r.CreatedAt)})
	}
	return out, nil
}

type transactionRow struct {
	ID              string  `db:"id"`
	At              int64   `db:"at"`
	Cycle           int64   `db:"cycle"`
	User            int64   `db:"user_id"`
	Amount          float64 `db:"amount"`
	Kind            string  `db:"kind"`
	Description     string  `db:"description"`
	Market          int64   `db:"market"`
	Items           int64   `db:"items"`
	OverdraftExempt bool    `db:"overdraft_exempt"`
}

func (t *sqliteTx) Transactions(ctx context.Context, f store.Filter) ([]economy.Transaction, error) {
	where, args := f.Where(bind)
	var rows []transactionRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM transactions`+where+` ORDER BY at, rowid`, args...); err != nil {
		return nil, err
	}
	out := make([]economy.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.Transaction{
			ID:              r.ID,
			At:              nanoTime(r.At),
			Cycle:           r.Cycle,
			User:            r.User,
			Amount:          r.Amount,
			Kind:            economy.TxKind(r.Kind),
			Description:     r.Description,
			Market:          r.Market,
			Items:           r.Items,
			OverdraftExempt: r.OverdraftExempt,
		})
	}
	return out, nil
}

type demandRow struct {
	Cycle  int64   `db:"cycle"`
	Ring   int     `db:"ring"`
	Demand float64 `db:"demand"`
}

func (t *sqliteTx) Demand(ctx context.Context, cycle int64) ([]economy.WorldDemand, error) {
	var rows []demandRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM world_demand WHERE cycle = ? ORDER BY ring`, cycle); err != nil {
		return nil, err
	}
	out := make([]economy.WorldDemand, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.WorldDemand(r))
	}
	return out, nil
}

type stockRow struct {
	Cycle int64   `db:"cycle"`
	User  int64   `db:"user_id"`
	Price float64 `db:"price"`
}

func (t *sqliteTx) Stocks(ctx context.Context, cycle int64) ([]economy.Stock, error) {
	var rows []stockRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT * FROM stocks WHERE cycle = ? ORDER BY user_id`, cycle); err != nil {
		return nil, err
	}
	out := make([]economy.Stock, 0, len(rows))
	for _, r := range rows {
		out = append(out, economy.Stock(r))
	}
	return out, nil
}

// Every transaction begins IMMEDIATE and holds the database write lock, which
// serializes settlement and trading across processes sharing the file.
func (t *sqliteTx) LockSettlement(ctx context.Context) error { return nil }

func (t *sqliteTx) LockTrading(ctx context.Context) error { return nil }

func (t *sqliteTx) ClaimIdempotency(ctx context.Context, user int64, key, action string) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (user_id, key, action, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, key) DO NOTHING
	`, user, key, action, time.Now().UnixNano())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrDuplicateIdempotency
	}
	return nil
}

func (t *sqliteTx) InsertCycle(ctx context.Context, c economy.Cycle) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO cycles (id, started_at, finished_at, alpha, beta, gamma, tau_s, coeff_h, coeff_k, coeff_l, overdraft_rate)
		VALUES (:id, :started_at, :finished_at, :alpha, :beta, :gamma, :tau_s, :coeff_h, :coeff_k, :coeff_l, :overdraft_rate)
	`, cycleRowOf(c))
	return err
}

func (t *sqliteTx) UpdateCycle(ctx context.Context, c economy.Cycle) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE cycles
		SET started_at = :started_at, finished_at = :finished_at, alpha = :alpha, beta = :beta,
			gamma = :gamma, tau_s = :tau_s, coeff_h = :coeff_h, coeff_k = :coeff_k,
			coeff_l = :coeff_l, overdraft_rate = :overdraft_rate
		WHERE id = :id
	`, cycleRowOf(c))
	return mustAffect(res, err, "cycle", c.ID)
}

func cycleRowOf(c economy.Cycle) cycleRow {
	return cycleRow{
		ID:            c.ID,
		StartedAt:     toNanos(c.StartedAt),
		FinishedAt:    toNanos(c.FinishedAt),
		Alpha:         c.Alpha,
		Beta:          c.Beta,
		Gamma:         c.Gamma,
		TauS:          c.TauS,
		CoeffH:        c.CoeffH,
		CoeffK:        c.CoeffK,
		CoeffL:        c.CoeffL,
		OverdraftRate: c.OverdraftRate,
	}
}

func mustAffect(res sql.Result, err error, what string, id int64) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, store.ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) InsertModificator(ctx context.Context, m economy.Modificator) (int64, error) {
	return t.insertID(ctx, `INSERT INTO modificators (cycle, param, ring, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.Cycle, m.Param, m.Ring, m.Value, m.CreatedAt.UnixNano())
}

func (t *sqliteTx) InsertUser(ctx context.Context, u economy.User) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO users (id, name, role, ring) VALUES (?, ?, ?, ?)`, u.ID, u.Name, string(u.Role), u.Ring)
	return err
}

func (t *sqliteTx) InsertMarket(ctx context.Context, m economy.Market) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO markets (id, name, ring, home_user) VALUES (?, ?, ?, ?)`, m.ID, m.Name, m.Ring, m.HomeUser)
	return err
}

func (t *sqliteTx) InsertConnection(ctx context.Context, c economy.Connection) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO connections (a, b) VALUES (?, ?) ON CONFLICT DO NOTHING`, c.A, c.B)
	return err
}

// upsert writes row into table, replacing the columns outside key on
// conflict.
func (t *sqliteTx) upsert(ctx context.Context, table string, key []string, row any) error {
	cols := columnsOf(row)
	isKey := make(map[string]bool, len(key))
	for _, k := range key {
		isKey[k] = true
	}
	names := make([]string, 0, len(cols))
	var sets []string
	for _, c := range cols {
		names = append(names, ":"+c)
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(names, ", "), strings.Join(key, ", "), strings.Join(sets, ", "))
	_, err := t.tx.NamedExecContext(ctx, q, row)
	return err
}

func columnsOf(row any) []string {
	switch row.(type) {
	case priceRow:
		return []string{"cycle", "market", "buy", "sell"}
	case thetaRow:
		return []string{"cycle", "user_id", "market", "value"}
	case shareRow:
		return []string{"cycle", "user_id", "market", "share", "position", "unlocked", "protected"}
	case balanceRow:
		return []string{"cycle", "user_id", "amount"}
	case demandRow:
		return []string{"cycle", "ring", "demand"}
	case stockRow:
		return []string{"cycle", "user_id", "price"}
	}
	panic(fmt.Sprintf("sqlitestore: no columns for %T", row))
}

func (t *sqliteTx) UpsertPrice(ctx context.Context, p economy.MarketPrice) error {
	return t.upsert(ctx, "market_prices", []string{"cycle", "market"}, priceRow(p))
}

func (t *sqliteTx) UpsertTheta(ctx context.Context, th economy.Theta) error {
	return t.upsert(ctx, "thetas", []string{"cycle", "user_id", "market"}, thetaRow(th))
}

func (t *sqliteTx) UpsertShare(ctx context.Context, sh economy.MarketShare) error {
	return t.upsert(ctx, "market_shares", []string{"cycle", "user_id", "market"}, shareRow(sh))
}

func (t *sqliteTx) UpsertBalance(ctx context.Context, b economy.Balance) error {
	return t.upsert(ctx, "balances", []string{"cycle", "user_id"}, balanceRow(b))
}

func (t *sqliteTx) UpsertDemand(ctx context.Context, d economy.WorldDemand) error {
	return t.upsert(ctx, "world_demand", []string{"cycle", "ring"}, demandRow(d))
}

func (t *sqliteTx) UpsertStock(ctx context.Context, st economy.Stock) error {
	return t.upsert(ctx, "stocks", []string{"cycle", "user_id"}, stockRow(st))
}

func (t *sqliteTx) InsertSupply(ctx context.Context, sp economy.Supply) (int64, error) {
	return t.insertID(ctx, `
		INSERT INTO supplies (started_at, finished_at, cycle, user_id, market, declared, delivered, amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sp.StartedAt.UnixNano(), toNanos(sp.FinishedAt), sp.Cycle, sp.User, sp.Market, sp.Declared, sp.Delivered, sp.Amount)
}

func (t *sqliteTx) UpdateSupply(ctx context.Context, sp economy.Supply) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE supplies SET finished_at = ?, delivered = ?, amount = ? WHERE id = ?`,
		toNanos(sp.FinishedAt), sp.Delivered, sp.Amount, sp.ID)
	return mustAffect(res, err, "supply", sp.ID)
}

func (t *sqliteTx) InsertProduction(ctx context.Context, p economy.Production) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return t.insertID(ctx, `INSERT INTO production (cycle, user_id, market, quantity, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.Cycle, p.User, p.Market, p.Quantity, p.CreatedAt.UnixNano())
}

func (t *sqliteTx) AppendTransaction(ctx context.Context, tr economy.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, at, cycle, user_id, amount, kind, description, market, items, overdraft_exempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.ID, tr.At.UnixNano(), tr.Cycle, tr.User, tr.Amount, string(tr.Kind), tr.Description, tr.Market, tr.Items, tr.OverdraftExempt); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE balances SET amount = amount + ? WHERE cycle = ? AND user_id = ?`, tr.Amount, tr.Cycle, tr.User)
	if err := mustAffect(res, err, "balance of user", tr.User); err != nil {
		return fmt.Errorf("cycle %d: %w", tr.Cycle, err)
	}
	return nil
}
