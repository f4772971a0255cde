// Package pgstore is the Postgres backend of store.Store on a pgx pool.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradecycle/internal/economy"
	"tradecycle/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// settlementLockKey is the advisory lock id serializing cycle transitions.
// Player actions hold it in shared mode.
const settlementLockKey int64 = 0x7472616465

var _ store.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies embedded migrations that are not recorded yet, each in
// its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scan schema migrations: %w", err)
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	for _, file := range files {
		base := path.Base(file)
		if applied[base] {
			continue
		}
		sqlBytes, err := migrationFS.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
				return fmt.Errorf("apply migration %s: %w", file, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, base, time.Now().UTC()); err != nil {
				return fmt.Errorf("record migration %s: %w", file, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

// mapError turns serialization failures and deadlocks into store.ErrConflict.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func bind(n int) string { return fmt.Sprintf("$%d", n) }

func notFound(err error, what string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, store.ErrNotFound)
	}
	return err
}

const cycleCols = `id, started_at, finished_at, alpha, beta, gamma, tau_s, coeff_h, coeff_k, coeff_l, overdraft_rate`

func scanCycle(row pgx.Row) (economy.Cycle, error) {
	var c economy.Cycle
	err := row.Scan(&c.ID, &c.StartedAt, &c.FinishedAt, &c.Alpha, &c.Beta, &c.Gamma, &c.TauS, &c.CoeffH, &c.CoeffK, &c.CoeffL, &c.OverdraftRate)
	return c, err
}

func (t *pgTx) CurrentCycle(ctx context.Context) (economy.Cycle, error) {
	c, err := scanCycle(t.tx.QueryRow(ctx, `SELECT `+cycleCols+` FROM cycles ORDER BY id DESC LIMIT 1`))
	return c, notFound(err, "cycle", "current")
}

func (t *pgTx) Cycle(ctx context.Context, id int64) (economy.Cycle, error) {
	c, err := scanCycle(t.tx.QueryRow(ctx, `SELECT `+cycleCols+` FROM cycles WHERE id = $1`, id))
	return c, notFound(err, "cycle", id)
}

func (t *pgTx) Cycles(ctx context.Context) ([]economy.Cycle, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+cycleCols+` FROM cycles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Cycle, error) { return scanCycle(row) })
}

func (t *pgTx) Modificators(ctx context.Context, cycle int64) ([]economy.Modificator, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, cycle, param, ring, value, created_at
		FROM modificators
		WHERE cycle = $1
		ORDER BY id
	`, cycle)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Modificator, error) {
		var m economy.Modificator
		err := row.Scan(&m.ID, &m.Cycle, &m.Param, &m.Ring, &m.Value, &m.CreatedAt)
		return m, err
	})
}

func scanUser(row pgx.Row) (economy.User, error) {
	var u economy.User
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.Ring)
	return u, err
}

func (t *pgTx) Users(ctx context.Context) ([]economy.User, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, name, role, ring FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.User, error) { return scanUser(row) })
}

func (t *pgTx) User(ctx context.Context, id int64) (economy.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, `SELECT id, name, role, ring FROM users WHERE id = $1`, id))
	return u, notFound(err, "user", id)
}

func scanMarket(row pgx.Row) (economy.Market, error) {
	var m economy.Market
	err := row.Scan(&m.ID, &m.Name, &m.Ring, &m.HomeUser)
	return m, err
}

func (t *pgTx) Markets(ctx context.Context) ([]economy.Market, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, name, ring, home_user FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Market, error) { return scanMarket(row) })
}

func (t *pgTx) Market(ctx context.Context, id int64) (economy.Market, error) {
	m, err := scanMarket(t.tx.QueryRow(ctx, `SELECT id, name, ring, home_user FROM markets WHERE id = $1`, id))
	return m, notFound(err, "market", id)
}

func (t *pgTx) Connections(ctx context.Context) ([]economy.Connection, error) {
	rows, err := t.tx.Query(ctx, `SELECT a, b FROM connections ORDER BY a, b`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Connection, error) {
		var c economy.Connection
		err := row.Scan(&c.A, &c.B)
		return c, err
	})
}

func (t *pgTx) Prices(ctx context.Context, cycle int64) ([]economy.MarketPrice, error) {
	rows, err := t.tx.Query(ctx, `SELECT cycle, market, buy, sell FROM market_prices WHERE cycle = $1 ORDER BY market`, cycle)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.MarketPrice, error) {
		var p economy.MarketPrice
		err := row.Scan(&p.Cycle, &p.Market, &p.Buy, &p.Sell)
		return p, err
	})
}

func (t *pgTx) Thetas(ctx context.Context, f store.Filter) ([]economy.Theta, error) {
	where, args := f.Where(bind)
	rows, err := t.tx.Query(ctx, `SELECT cycle, user_id, market, value FROM thetas`+where+` ORDER BY cycle, user_id, market`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Theta, error) {
		var th economy.Theta
		err := row.Scan(&th.Cycle, &th.User, &th.Market, &th.Value)
		return th, err
	})
}

func (t *pgTx) Shares(ctx context.Context, f store.Filter) ([]economy.MarketShare, error) {
	where, args := f.Where(bind)
	rows, err := t.tx.Query(ctx, `
		SELECT cycle, user_id, market, share, position, unlocked, protected
		FROM market_shares`+where+`
		ORDER BY cycle, market, user_id
	`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.MarketShare, error) {
		var sh economy.MarketShare
		err := row.Scan(&sh.Cycle, &sh.User, &sh.Market, &sh.Share, &sh.Position, &sh.Unlocked, &sh.Protected)
		return sh, err
	})
}

func (t *pgTx) Balances(ctx context.Context, cycle int64) ([]economy.Balance, error) {
	rows, err := t.tx.Query(ctx, `SELECT cycle, user_id, amount FROM balances WHERE cycle = $1 ORDER BY user_id`, cycle)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Balance, error) {
		var b economy.Balance
		err := row.Scan(&b.Cycle, &b.User, &b.Amount)
		return b, err
	})
}

func (t *pgTx) Balance(ctx context.Context, cycle, user int64) (economy.Balance, error) {
	var b economy.Balance
	err := t.tx.QueryRow(ctx, `
		SELECT cycle, user_id, amount
		FROM balances
		WHERE cycle = $1 AND user_id = $2
		FOR UPDATE
	`, cycle, user).Scan(&b.Cycle, &b.User, &b.Amount)
	return b, notFound(err, "balance of user", user)
}

func (t *pgTx) Supplies(ctx context.Context, f store.Filter) ([]economy.Supply, error) {
	where, args := f.Where(bind)
	rows, err := t.tx.Query(ctx, `
		SELECT id, started_at, finished_at, cycle, user_id, market, declared, delivered, amount
		FROM supplies`+where+`
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Supply, error) {
		var sp economy.Supply
		err := row.Scan(&sp.ID, &sp.StartedAt, &sp.FinishedAt, &sp.Cycle, &sp.User, &sp.Market, &sp.Declared, &sp.Delivered, &sp.Amount)
		return sp, err
	})
}

func (t *pgTx) Production(ctx context.Context, f store.Filter) ([]economy.Production, error) {
	where, args := f.Where(bind)
	rows, err := t.tx.Query(ctx, `
		SELECT id, cycle, user_id, market, quantity, created_at
		FROM production`+where+`
		ORDER BY id
	`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Production, error) {
		var p economy.Production
		err := row.Scan(&p.ID, &p.Cycle, &p.User, &p.Market, &p.Quantity, &p.CreatedAt)
		return p, err
	})
}

func (t *pgTx) Transactions(ctx context.Context, f store.Filter) ([]economy.Transaction, error) {
	where, args := f.Where(bind)
	rows, err := t.tx.Query(ctx, `
		SELECT id::text, at, cycle, user_id, amount, kind, description, market, items, overdraft_exempt
		FROM transactions`+where+`
		ORDER BY at, id
	`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Transaction, error) {
		var tr economy.Transaction
		err := row.Scan(&tr.ID, &tr.At, &tr.Cycle, &tr.User, &tr.Amount, &tr.Kind, &tr.Description, &tr.Market, &tr.Items, &tr.OverdraftExempt)
		return tr, err
	})
}

func (t *pgTx) Demand(ctx context.Context, cycle int64) ([]economy.WorldDemand, error) {
	rows, err := t.tx.Query(ctx, `SELECT cycle, ring, demand FROM world_demand WHERE cycle = $1 ORDER BY ring`, cycle)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.WorldDemand, error) {
		var d economy.WorldDemand
		err := row.Scan(&d.Cycle, &d.Ring, &d.Demand)
		return d, err
	})
}

func (t *pgTx) Stocks(ctx context.Context, cycle int64) ([]economy.Stock, error) {
	rows, err := t.tx.Query(ctx, `SELECT cycle, user_id, price FROM stocks WHERE cycle = $1 ORDER BY user_id`, cycle)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (economy.Stock, error) {
		var st economy.Stock
		err := row.Scan(&st.Cycle, &st.User, &st.Price)
		return st, err
	})
}

func (t *pgTx) LockSettlement(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, settlementLockKey)
	return err
}

func (t *pgTx) LockTrading(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared($1)`, settlementLockKey)
	return err
}

func (t *pgTx) ClaimIdempotency(ctx context.Context, user int64, key, action string) error {
	cmd, err := t.tx.Exec(ctx, `
		INSERT INTO idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, user, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrDuplicateIdempotency
	}
	return nil
}

func (t *pgTx) InsertCycle(ctx context.Context, c economy.Cycle) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO cycles (`+cycleCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, c.ID, c.StartedAt, c.FinishedAt, c.Alpha, c.Beta, c.Gamma, c.TauS, c.CoeffH, c.CoeffK, c.CoeffL, c.OverdraftRate)
	return err
}

func (t *pgTx) UpdateCycle(ctx context.Context, c economy.Cycle) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE cycles
		SET started_at = $2, finished_at = $3, alpha = $4, beta = $5, gamma = $6,
			tau_s = $7, coeff_h = $8, coeff_k = $9, coeff_l = $10, overdraft_rate = $11
		WHERE id = $1
	`, c.ID, c.StartedAt, c.FinishedAt, c.Alpha, c.Beta, c.Gamma, c.TauS, c.CoeffH, c.CoeffK, c.CoeffL, c.OverdraftRate)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("cycle %d: %w", c.ID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertModificator(ctx context.Context, m economy.Modificator) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO modificators (cycle, param, ring, value, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, m.Cycle, m.Param, m.Ring, m.Value, m.CreatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) InsertUser(ctx context.Context, u economy.User) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO users (id, name, role, ring) VALUES ($1, $2, $3, $4)`, u.ID, u.Name, string(u.Role), u.Ring)
	return err
}

func (t *pgTx) InsertMarket(ctx context.Context, m economy.Market) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO markets (id, name, ring, home_user) VALUES ($1, $2, $3, $4)`, m.ID, m.Name, m.Ring, m.HomeUser)
	return err
}

func (t *pgTx) InsertConnection(ctx context.Context, c economy.Connection) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO connections (a, b) VALUES ($1, $2) ON CONFLICT DO NOTHING`, c.A, c.B)
	return err
}

func (t *pgTx) UpsertPrice(ctx context.Context, p economy.MarketPrice) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO market_prices (cycle, market, buy, sell)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cycle, market) DO UPDATE SET buy = EXCLUDED.buy, sell = EXCLUDED.sell
	`, p.Cycle, p.Market, p.Buy, p.Sell)
	return err
}

func (t *pgTx) UpsertTheta(ctx context.Context, th economy.Theta) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO thetas (cycle, user_id, market, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cycle, user_id, market) DO UPDATE SET value = EXCLUDED.value
	`, th.Cycle, th.User, th.Market, th.Value)
	return err
}

func (t *pgTx) UpsertShare(ctx context.Context, sh economy.MarketShare) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO market_shares (cycle, user_id, market, share, position, unlocked, protected)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cycle, user_id, market) DO UPDATE
		SET share = EXCLUDED.share, position = EXCLUDED.position,
			unlocked = EXCLUDED.unlocked, protected = EXCLUDED.protected
	`, sh.Cycle, sh.User, sh.Market, sh.Share, sh.Position, sh.Unlocked, sh.Protected)
	return err
}

func (t *pgTx) UpsertBalance(ctx context.Context, b economy.Balance) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO balances (cycle, user_id, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (cycle, user_id) DO UPDATE SET amount = EXCLUDED.amount
	`, b.Cycle, b.User, b.Amount)
	return err
}

func (t *pgTx) InsertSupply(ctx context.Context, sp economy.Supply) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO supplies (started_at, finished_at, cycle, user_id, market, declared, delivered, amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, sp.StartedAt, sp.FinishedAt, sp.Cycle, sp.User, sp.Market, sp.Declared, sp.Delivered, sp.Amount).Scan(&id)
	return id, err
}

func (t *pgTx) UpdateSupply(ctx context.Context, sp economy.Supply) error {
	cmd, err := t.tx.Exec(ctx, `
		UPDATE supplies
		SET finished_at = $2, delivered = $3, amount = $4
		WHERE id = $1
	`, sp.ID, sp.FinishedAt, sp.Delivered, sp.Amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("supply %d: %w", sp.ID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertProduction(ctx context.Context, p economy.Production) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO production (cycle, user_id, market, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, p.Cycle, p.User, p.Market, p.Quantity, p.CreatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) AppendTransaction(ctx context.Context, tr economy.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO transactions (id, at, cycle, user_id, amount, kind, description, market, items, overdraft_exempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, tr.ID, tr.At, tr.Cycle, tr.User, tr.Amount, string(tr.Kind), tr.Description, tr.Market, tr.Items, tr.OverdraftExempt); err != nil {
		return err
	}
	cmd, err := t.tx.Exec(ctx, `
		UPDATE balances
		SET amount = amount + $3
		WHERE cycle = $1 AND user_id = $2
	`, tr.Cycle, tr.User, tr.Amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("balance cycle=%d user=%d: %w", tr.Cycle, tr.User, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) UpsertDemand(ctx context.Context, d economy.WorldDemand) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO world_demand (cycle, ring, demand)
		VALUES ($1, $2, $3)
		ON CONFLICT (cycle, ring) DO UPDATE SET demand = EXCLUDED.demand
	`, d.Cycle, d.Ring, d.Demand)
	return err
}

func (t *pgTx) UpsertStock(ctx context.Context, st economy.Stock) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stocks (cycle, user_id, price)
		VALUES ($1, $2, $3)
		ON CONFLICT (cycle, user_id) DO UPDATE SET price = EXCLUDED.price
	`, st.Cycle, st.User, st.Price)
	return err
}
