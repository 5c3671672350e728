package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// Schema creates the ledger tables. Cash and share invariants are enforced
// by CHECK constraints as a second line of defence.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	namespace_key TEXT PRIMARY KEY,
	kind          TEXT        NOT NULL,
	league_id     TEXT        NOT NULL DEFAULT '',
	user_id       TEXT        NOT NULL,
	cash          NUMERIC     NOT NULL CHECK (cash >= 0),
	locked        BOOLEAN     NOT NULL DEFAULT FALSE,
	initial_cash  NUMERIC     NOT NULL,
	starting_cash NUMERIC     NOT NULL,
	join_seq      BIGSERIAL,
	last_sequence BIGINT      NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS accounts_scope_idx ON accounts (kind, league_id, join_seq);

CREATE TABLE IF NOT EXISTS holdings (
	namespace_key TEXT    NOT NULL REFERENCES accounts (namespace_key),
	symbol        TEXT    NOT NULL,
	shares        BIGINT  NOT NULL CHECK (shares > 0),
	avg_cost      NUMERIC NOT NULL CHECK (avg_cost >= 0),
	PRIMARY KEY (namespace_key, symbol)
);

CREATE TABLE IF NOT EXISTS transactions (
	id            UUID        PRIMARY KEY,
	namespace_key TEXT        NOT NULL REFERENCES accounts (namespace_key),
	symbol        TEXT        NOT NULL,
	share_delta   BIGINT      NOT NULL,
	price         NUMERIC     NOT NULL,
	side          TEXT        NOT NULL,
	fee           NUMERIC     NOT NULL,
	amount        NUMERIC     NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL,
	sequence      BIGINT      NOT NULL,
	UNIQUE (namespace_key, sequence)
);
`

// maxSerializationRetries bounds how often Update re-runs after a
// serialization failure (SQLSTATE 40001).
const maxSerializationRetries = 5

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, ns model.Namespace, startingCash decimal.Decimal) (*model.Account, error) {
	acct := model.Account{
		Namespace:    ns,
		Cash:         startingCash,
		InitialCash:  startingCash,
		StartingCash: startingCash,
		CreatedAt:    time.Now().UTC(),
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (namespace_key, kind, league_id, user_id, cash, initial_cash, starting_cash, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $5::NUMERIC, $5::NUMERIC, $6)
		 RETURNING join_seq`,
		ns.Key(), string(ns.Kind), ns.LeagueID, ns.UserID, startingCash.String(), acct.CreatedAt,
	).Scan(&acct.JoinSeq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: %s", ErrAccountExists, ns.Key())
		}
		return nil, fmt.Errorf("create account %s: %w", ns.Key(), err)
	}
	return &acct, nil
}

const accountColumns = `namespace_key, kind, league_id, user_id,
	cash::TEXT, locked, initial_cash::TEXT, starting_cash::TEXT,
	join_seq, last_sequence, created_at`

func (s *PostgresStore) GetAccount(ctx context.Context, ns model.Namespace) (*model.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE namespace_key = $1`, ns.Key())
	return scanAccount(row, ns.Key())
}

func (s *PostgresStore) GetHoldings(ctx context.Context, ns model.Namespace) ([]model.Holding, error) {
	if _, err := s.GetAccount(ctx, ns); err != nil {
		return nil, err
	}
	return queryHoldings(ctx, s.pool, ns)
}

func (s *PostgresStore) GetTransactions(ctx context.Context, ns model.Namespace) ([]model.TransactionRecord, error) {
	if _, err := s.GetAccount(ctx, ns); err != nil {
		return nil, err
	}
	return queryTransactions(ctx, s.pool, ns)
}

// Snapshot reads inside one read-only REPEATABLE READ transaction, so every
// statement sees the same commit.
func (s *PostgresStore) Snapshot(ctx context.Context, ns model.Namespace, withLog bool) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE namespace_key = $1`, ns.Key())
	acct, err := scanAccount(row, ns.Key())
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Account: *acct}
	if snap.Holdings, err = queryHoldings(ctx, tx, ns); err != nil {
		return nil, err
	}
	if withLog {
		if snap.Transactions, err = queryTransactions(ctx, tx, ns); err != nil {
			return nil, err
		}
	}
	return snap, tx.Commit(ctx)
}

func (s *PostgresStore) ListAccounts(ctx context.Context, scope Scope) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE kind = $1 AND league_id = $2 ORDER BY join_seq`,
		string(scope.Kind), scope.LeagueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		acct, err := scanAccount(rows, "")
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// Update runs fn inside a SERIALIZABLE transaction holding the account row
// lock (SELECT ... FOR UPDATE), so concurrent updates of one namespace queue
// behind each other while other namespaces proceed independently.
func (s *PostgresStore) Update(ctx context.Context, ns model.Namespace, fn func(tx Tx) error) error {
	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		var fnErr error
		err = s.updateOnce(ctx, ns, func(tx Tx) error {
			fnErr = fn(tx)
			return fnErr
		})
		if fnErr != nil {
			return fnErr
		}
		if !isSerializationFailure(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return err
}

func (s *PostgresStore) updateOnce(ctx context.Context, ns model.Namespace, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE namespace_key = $1 FOR UPDATE`, ns.Key())
	acct, err := scanAccount(row, ns.Key())
	if err != nil {
		return err
	}
	holdings, err := queryHoldings(ctx, tx, ns)
	if err != nil {
		return err
	}

	staged := newStagedTx(*acct, holdings)
	if err := fn(staged); err != nil {
		return err
	}
	if err := flush(ctx, tx, staged); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func flush(ctx context.Context, tx pgx.Tx, st *stagedTx) error {
	a := st.account
	if _, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET cash = $2::NUMERIC, locked = $3, starting_cash = $4::NUMERIC, last_sequence = $5
		 WHERE namespace_key = $1`,
		a.Namespace.Key(), a.Cash.String(), a.Locked, a.StartingCash.String(), a.LastSequence,
	); err != nil {
		return fmt.Errorf("update account: %w", err)
	}

	for sym := range st.dirtyHoldings {
		h, ok := st.holdings[sym]
		if !ok {
			if _, err := tx.Exec(ctx,
				`DELETE FROM holdings WHERE namespace_key = $1 AND symbol = $2`,
				a.Namespace.Key(), sym); err != nil {
				return fmt.Errorf("delete holding %s: %w", sym, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO holdings (namespace_key, symbol, shares, avg_cost)
			 VALUES ($1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (namespace_key, symbol)
			 DO UPDATE SET shares = EXCLUDED.shares, avg_cost = EXCLUDED.avg_cost`,
			a.Namespace.Key(), sym, h.Shares, h.AvgCost.String()); err != nil {
			return fmt.Errorf("upsert holding %s: %w", sym, err)
		}
	}

	for _, r := range st.appended {
		if _, err := tx.Exec(ctx,
			`INSERT INTO transactions (id, namespace_key, symbol, share_delta, price, side, fee, amount, timestamp, sequence)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
			r.ID, a.Namespace.Key(), r.Symbol, r.ShareDelta, r.Price.String(), string(r.Side),
			r.Fee.String(), r.Amount.String(), r.Timestamp, r.Sequence); err != nil {
			return fmt.Errorf("insert transaction %d: %w", r.Sequence, err)
		}
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryHoldings(ctx context.Context, q querier, ns model.Namespace) ([]model.Holding, error) {
	rows, err := q.Query(ctx,
		`SELECT symbol, shares, avg_cost::TEXT FROM holdings
		 WHERE namespace_key = $1 ORDER BY symbol`, ns.Key())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h := model.Holding{Namespace: ns}
		var avgS string
		if err := rows.Scan(&h.Symbol, &h.Shares, &avgS); err != nil {
			return nil, err
		}
		if h.AvgCost, err = decimal.NewFromString(avgS); err != nil {
			return nil, fmt.Errorf("parse avg_cost: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func queryTransactions(ctx context.Context, q querier, ns model.Namespace) ([]model.TransactionRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT id::TEXT, symbol, share_delta, price::TEXT, side, fee::TEXT, amount::TEXT, timestamp, sequence
		 FROM transactions WHERE namespace_key = $1 ORDER BY sequence`, ns.Key())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.TransactionRecord
	for rows.Next() {
		var r model.TransactionRecord
		var side, priceS, feeS, amountS string
		if err := rows.Scan(&r.ID, &r.Symbol, &r.ShareDelta, &priceS, &side, &feeS, &amountS,
			&r.Timestamp, &r.Sequence); err != nil {
			return nil, err
		}
		r.Namespace = ns
		r.Side = model.Side(side)
		if r.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if r.Fee, err = decimal.NewFromString(feeS); err != nil {
			return nil, fmt.Errorf("parse fee: %w", err)
		}
		if r.Amount, err = decimal.NewFromString(amountS); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanAccount(row pgx.Row, key string) (*model.Account, error) {
	var a model.Account
	var nsKey, kind, cashS, initialS, startingS string
	err := row.Scan(&nsKey, &kind, &a.Namespace.LeagueID, &a.Namespace.UserID,
		&cashS, &a.Locked, &initialS, &startingS,
		&a.JoinSeq, &a.LastSequence, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	a.Namespace.Kind = model.NamespaceKind(kind)

	if a.Cash, err = decimal.NewFromString(cashS); err != nil {
		return nil, fmt.Errorf("parse cash: %w", err)
	}
	if a.InitialCash, err = decimal.NewFromString(initialS); err != nil {
		return nil, fmt.Errorf("parse initial_cash: %w", err)
	}
	if a.StartingCash, err = decimal.NewFromString(startingS); err != nil {
		return nil, fmt.Errorf("parse starting_cash: %w", err)
	}
	return &a, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
