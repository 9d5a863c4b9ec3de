/*
Package sqlite provides the SQL-backed implementation of the points storage
interfaces.

PURPOSE:
  Implements points.Store and points.TxStore on top of sqlx. SQLite is the
  default (single file, WAL mode); the same schema and queries run on
  PostgreSQL through lib/pq. Queries are written with '?' placeholders and
  rebound for the active dialect.

INTERFACES IMPLEMENTED:
  points.WalletStore:      wallets + conditional balance update
  points.TransactionStore: append-only ledger
  points.BenefitStore:     catalog + compare-and-decrement stock
  points.RedemptionStore:  redemption records
  points.TxStore:          WithTx over a database transaction

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on point_transactions
  - No DELETE statements on point_transactions
  - Corrections via offsetting transactions only

CONDITIONAL UPDATES:
  Balance and stock changes are single UPDATE statements whose WHERE clause
  carries the guard (balance + delta >= 0, stock > 0, active). When no row
  matches, a follow-up read decides which domain error to return. CHECK
  constraints on the tables back the same rules.

KEY TABLES:
  wallets:            one per user (user_id UNIQUE)
  point_transactions: immutable ledger, seq is the pagination cursor
  benefits:           catalog with stock
  redemptions:        SPENT transaction <-> benefit link

ERROR MAPPING:
  unique violation          -> ErrDuplicateWallet / ErrDuplicateIdempotencyKey
  SQLITE_BUSY/LOCKED        -> TransientError
  pq 40001 / 40P01          -> TransientError

CONCURRENCY:
  SQLite allows one writer, so the store serializes access with a
  sync.RWMutex and a single connection. With PostgreSQL, database-level
  concurrency control handles this instead and the mutex is not used.

USAGE:
  store, err := sqlite.New("sqlite3", "./data/rewards.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := points.NewEngine(store, points.DefaultOptions())

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - points/store.go: Interface definitions
  - points/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/rewards-engine/points"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// timeLayout keeps timestamps sortable as text in both dialects.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements points.TxStore using SQLite or PostgreSQL.
type Store struct {
	db         *sqlx.DB
	dialect    string
	mu         sync.RWMutex
	serialized bool
	now        func() time.Time
}

// New opens the database and migrates the schema.
func New(driver, dsn string) (*Store, error) {
	switch driver {
	case DialectSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
		}
	case DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := FromDB(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return store, nil
}

// FromDB wraps an already opened handle. The schema is not migrated.
func FromDB(db *sqlx.DB, dialect string) (*Store, error) {
	s := &Store{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
	switch dialect {
	case DialectSQLite:
		db.SetMaxOpenConns(1)
		s.serialized = true
	case DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema(s.db.DriverName()))
	return err
}

func schema(dialect string) string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS point_transactions (
		seq %[1]s,
		id TEXT NOT NULL UNIQUE,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		kind TEXT NOT NULL CHECK (kind IN ('EARNED', 'SPENT')),
		amount BIGINT NOT NULL CHECK (amount > 0),
		balance_after BIGINT NOT NULL,
		description TEXT NOT NULL,
		metadata_json TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_transactions_wallet_seq
		ON point_transactions(wallet_id, seq);

	CREATE TABLE IF NOT EXISTS benefits (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		cost_points BIGINT NOT NULL CHECK (cost_points > 0),
		stock BIGINT NOT NULL CHECK (stock >= 0),
		active BOOLEAN NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS redemptions (
		seq %[1]s,
		id TEXT NOT NULL UNIQUE,
		transaction_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		user_id TEXT NOT NULL,
		benefit_id TEXT NOT NULL,
		cost_points BIGINT NOT NULL,
		new_balance BIGINT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_redemptions_wallet_seq
		ON redemptions(wallet_id, seq);
	`, serial)
}

// read and write take the store mutex when the dialect needs serializing.
func (s *Store) read() func() {
	if !s.serialized {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *Store) write() func() {
	if !s.serialized {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) queries() queries {
	return queries{ext: s.db, dialect: s.dialect, now: s.now}
}

// =============================================================================
// STORE METHODS - Lock, then delegate to queries
// =============================================================================

func (s *Store) CreateWallet(ctx context.Context, w points.Wallet) error {
	defer s.write()()
	return s.queries().createWallet(ctx, w)
}

func (s *Store) GetWallet(ctx context.Context, id points.WalletID) (points.Wallet, error) {
	defer s.read()()
	return s.queries().getWallet(ctx, id)
}

func (s *Store) GetWalletByUser(ctx context.Context, userID points.UserID) (points.Wallet, error) {
	defer s.read()()
	return s.queries().getWalletByUser(ctx, userID)
}

func (s *Store) ListWallets(ctx context.Context) ([]points.Wallet, error) {
	defer s.read()()
	return s.queries().listWallets(ctx)
}

func (s *Store) ApplyWalletDelta(ctx context.Context, id points.WalletID, delta int64) (int64, error) {
	defer s.write()()
	return s.queries().applyWalletDelta(ctx, id, delta)
}

func (s *Store) AppendTransaction(ctx context.Context, tx points.PointTransaction) (points.PointTransaction, error) {
	defer s.write()()
	return s.queries().appendTransaction(ctx, tx)
}

func (s *Store) ListTransactions(ctx context.Context, walletID points.WalletID, afterSeq int64, limit int) ([]points.PointTransaction, error) {
	defer s.read()()
	return s.queries().listTransactions(ctx, walletID, afterSeq, limit)
}

func (s *Store) SumTransactions(ctx context.Context, walletID points.WalletID) (int64, error) {
	defer s.read()()
	return s.queries().sumTransactions(ctx, walletID)
}

func (s *Store) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*points.PointTransaction, error) {
	defer s.read()()
	return s.queries().findTransaction(ctx, key)
}

func (s *Store) SaveBenefit(ctx context.Context, b points.Benefit) error {
	defer s.write()()
	return s.queries().saveBenefit(ctx, b)
}

func (s *Store) GetBenefit(ctx context.Context, id points.BenefitID) (points.Benefit, error) {
	defer s.read()()
	return s.queries().getBenefit(ctx, id)
}

func (s *Store) ListBenefits(ctx context.Context) ([]points.Benefit, error) {
	defer s.read()()
	return s.queries().listBenefits(ctx)
}

func (s *Store) DecrementStock(ctx context.Context, id points.BenefitID) (points.Benefit, error) {
	defer s.write()()
	return s.queries().decrementStock(ctx, id)
}

func (s *Store) AdjustStock(ctx context.Context, id points.BenefitID, delta int64) (points.Benefit, error) {
	defer s.write()()
	return s.queries().adjustStock(ctx, id, delta)
}

func (s *Store) SaveRedemption(ctx context.Context, r points.Redemption) error {
	defer s.write()()
	return s.queries().saveRedemption(ctx, r)
}

func (s *Store) FindRedemptionByIdempotencyKey(ctx context.Context, key string) (*points.Redemption, error) {
	defer s.read()()
	return s.queries().findRedemption(ctx, key)
}

func (s *Store) ListRedemptionsByWallet(ctx context.Context, walletID points.WalletID, limit int) ([]points.Redemption, error) {
	defer s.read()()
	return s.queries().listRedemptions(ctx, walletID, limit)
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(points.Store) error) error {
	defer s.write()()

	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{ext: sqlTx, dialect: s.dialect, now: s.now}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError("commit transaction", err)
	}
	return nil
}

// txStore runs every operation on the open transaction. It does not take
// the store mutex: WithTx already holds it.
type txStore struct {
	q queries
}

func (ts *txStore) CreateWallet(ctx context.Context, w points.Wallet) error {
	return ts.q.createWallet(ctx, w)
}

func (ts *txStore) GetWallet(ctx context.Context, id points.WalletID) (points.Wallet, error) {
	return ts.q.getWallet(ctx, id)
}

// LockWallet reads the wallet and holds its row until the transaction ends.
// PostgreSQL takes a row lock; SQLite transactions already run one at a
// time behind the store mutex, so a plain read is enough.
func (ts *txStore) LockWallet(ctx context.Context, id points.WalletID) (points.Wallet, error) {
	return ts.q.lockWallet(ctx, id)
}

func (ts *txStore) GetWalletByUser(ctx context.Context, userID points.UserID) (points.Wallet, error) {
	return ts.q.getWalletByUser(ctx, userID)
}

func (ts *txStore) ListWallets(ctx context.Context) ([]points.Wallet, error) {
	return ts.q.listWallets(ctx)
}

func (ts *txStore) ApplyWalletDelta(ctx context.Context, id points.WalletID, delta int64) (int64, error) {
	return ts.q.applyWalletDelta(ctx, id, delta)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx points.PointTransaction) (points.PointTransaction, error) {
	return ts.q.appendTransaction(ctx, tx)
}

func (ts *txStore) ListTransactions(ctx context.Context, walletID points.WalletID, afterSeq int64, limit int) ([]points.PointTransaction, error) {
	return ts.q.listTransactions(ctx, walletID, afterSeq, limit)
}

func (ts *txStore) SumTransactions(ctx context.Context, walletID points.WalletID) (int64, error) {
	return ts.q.sumTransactions(ctx, walletID)
}

func (ts *txStore) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*points.PointTransaction, error) {
	return ts.q.findTransaction(ctx, key)
}

func (ts *txStore) SaveBenefit(ctx context.Context, b points.Benefit) error {
	return ts.q.saveBenefit(ctx, b)
}

func (ts *txStore) GetBenefit(ctx context.Context, id points.BenefitID) (points.Benefit, error) {
	return ts.q.getBenefit(ctx, id)
}

func (ts *txStore) ListBenefits(ctx context.Context) ([]points.Benefit, error) {
	return ts.q.listBenefits(ctx)
}

func (ts *txStore) DecrementStock(ctx context.Context, id points.BenefitID) (points.Benefit, error) {
	return ts.q.decrementStock(ctx, id)
}

func (ts *txStore) AdjustStock(ctx context.Context, id points.BenefitID, delta int64) (points.Benefit, error) {
	return ts.q.adjustStock(ctx, id, delta)
}

func (ts *txStore) SaveRedemption(ctx context.Context, r points.Redemption) error {
	return ts.q.saveRedemption(ctx, r)
}

func (ts *txStore) FindRedemptionByIdempotencyKey(ctx context.Context, key string) (*points.Redemption, error) {
	return ts.q.findRedemption(ctx, key)
}

func (ts *txStore) ListRedemptionsByWallet(ctx context.Context, walletID points.WalletID, limit int) ([]points.Redemption, error) {
	return ts.q.listRedemptions(ctx, walletID, limit)
}

var (
	_ points.TxStore      = (*Store)(nil)
	_ points.Store        = (*txStore)(nil)
	_ points.WalletLocker = (*txStore)(nil)
)

// =============================================================================
// QUERIES - Shared by the store and the transaction-scoped store
// =============================================================================

type queries struct {
	ext     sqlx.ExtContext
	dialect string
	now     func() time.Time
}

func (q queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q queries) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
}

func (q queries) stamp() string {
	return formatTime(q.now())
}

// -----------------------------------------------------------------------------
// Wallets
// -----------------------------------------------------------------------------

type walletRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Balance   int64  `db:"balance"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r walletRow) toWallet() points.Wallet {
	return points.Wallet{
		ID:        points.WalletID(r.ID),
		UserID:    points.UserID(r.UserID),
		Balance:   r.Balance,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

const walletColumns = `id, user_id, balance, created_at, updated_at`

func (q queries) createWallet(ctx context.Context, w points.Wallet) error {
	created := w.CreatedAt
	if created.IsZero() {
		created = q.now()
	}
	_, err := q.exec(ctx, `
		INSERT INTO wallets (id, user_id, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, w.ID, w.UserID, w.Balance, formatTime(created), formatTime(created))
	if err != nil {
		if isUniqueConstraintError(err) {
			return points.ErrDuplicateWallet
		}
		return mapError("create wallet", err)
	}
	return nil
}

func (q queries) getWallet(ctx context.Context, id points.WalletID) (points.Wallet, error) {
	var row walletRow
	err := q.get(ctx, &row, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Wallet{}, &points.NotFoundError{Resource: "wallet", ID: string(id)}
	}
	if err != nil {
		return points.Wallet{}, mapError("get wallet", err)
	}
	return row.toWallet(), nil
}

func (q queries) lockWallet(ctx context.Context, id points.WalletID) (points.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = ?`
	if q.dialect == DialectPostgres {
		query += ` FOR UPDATE`
	}

	var row walletRow
	err := q.get(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Wallet{}, &points.NotFoundError{Resource: "wallet", ID: string(id)}
	}
	if err != nil {
		return points.Wallet{}, mapError("lock wallet", err)
	}
	return row.toWallet(), nil
}

func (q queries) getWalletByUser(ctx context.Context, userID points.UserID) (points.Wallet, error) {
	var row walletRow
	err := q.get(ctx, &row, `SELECT `+walletColumns+` FROM wallets WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Wallet{}, &points.NotFoundError{Resource: "user", ID: string(userID)}
	}
	if err != nil {
		return points.Wallet{}, mapError("get wallet by user", err)
	}
	return row.toWallet(), nil
}

func (q queries) listWallets(ctx context.Context) ([]points.Wallet, error) {
	var rows []walletRow
	if err := q.selectAll(ctx, &rows, `SELECT `+walletColumns+` FROM wallets ORDER BY id`); err != nil {
		return nil, mapError("list wallets", err)
	}
	wallets := make([]points.Wallet, 0, len(rows))
	for _, r := range rows {
		wallets = append(wallets, r.toWallet())
	}
	return wallets, nil
}

func (q queries) applyWalletDelta(ctx context.Context, id points.WalletID, delta int64) (int64, error) {
	// The bounds are compared against the stored balance so the guard itself
	// never computes an out-of-range sum.
	floor, ceiling := -delta, int64(math.MaxInt64)
	if delta > 0 {
		ceiling -= delta
	}

	var balance int64
	err := q.get(ctx, &balance, `
		UPDATE wallets SET balance = balance + ?, updated_at = ?
		WHERE id = ? AND balance >= ? AND balance <= ?
		RETURNING balance
	`, delta, q.stamp(), id, floor, ceiling)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, mapError("apply wallet delta", err)
	}

	// Nothing matched: the wallet is missing or a guard failed.
	w, err := q.getWallet(ctx, id)
	if err != nil {
		return 0, err
	}
	if delta > 0 {
		return 0, points.ErrBalanceOverflow
	}
	return 0, &points.InsufficientFundsError{WalletID: id, Balance: w.Balance, Requested: -delta}
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

type transactionRow struct {
	Seq            int64          `db:"seq"`
	ID             string         `db:"id"`
	WalletID       string         `db:"wallet_id"`
	Kind           string         `db:"kind"`
	Amount         int64          `db:"amount"`
	BalanceAfter   int64          `db:"balance_after"`
	Description    string         `db:"description"`
	MetadataJSON   sql.NullString `db:"metadata_json"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      string         `db:"created_at"`
}

func (r transactionRow) toTransaction() (points.PointTransaction, error) {
	kind, err := points.ParseKind(r.Kind)
	if err != nil {
		return points.PointTransaction{}, fmt.Errorf("failed to scan transaction %s: %w", r.ID, err)
	}
	meta, err := decodeMetadata(r.MetadataJSON)
	if err != nil {
		return points.PointTransaction{}, fmt.Errorf("failed to scan transaction %s: %w", r.ID, err)
	}
	return points.PointTransaction{
		ID:             points.TransactionID(r.ID),
		Seq:            r.Seq,
		WalletID:       points.WalletID(r.WalletID),
		Kind:           kind,
		Amount:         r.Amount,
		BalanceAfter:   r.BalanceAfter,
		Description:    r.Description,
		Metadata:       meta,
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      parseTime(r.CreatedAt),
	}, nil
}

const transactionColumns = `seq, id, wallet_id, kind, amount, balance_after, description,
	metadata_json, idempotency_key, created_at`

// appendTransaction is the only statement that writes point_transactions.
func (q queries) appendTransaction(ctx context.Context, tx points.PointTransaction) (points.PointTransaction, error) {
	metadataJSON, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return points.PointTransaction{}, &points.ValidationError{Field: "metadata", Reason: err.Error()}
	}

	err = q.get(ctx, &tx.Seq, `
		INSERT INTO point_transactions
		(id, wallet_id, kind, amount, balance_after, description, metadata_json, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`,
		tx.ID,
		tx.WalletID,
		tx.Kind.String(),
		tx.Amount,
		tx.BalanceAfter,
		tx.Description,
		metadataJSON,
		nullString(tx.IdempotencyKey),
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return points.PointTransaction{}, points.ErrDuplicateIdempotencyKey
		}
		if isForeignKeyError(err) {
			return points.PointTransaction{}, &points.NotFoundError{Resource: "wallet", ID: string(tx.WalletID)}
		}
		return points.PointTransaction{}, mapError("append transaction", err)
	}

	tx.Metadata = tx.Metadata.Clone()
	return tx, nil
}

func (q queries) listTransactions(ctx context.Context, walletID points.WalletID, afterSeq int64, limit int) ([]points.PointTransaction, error) {
	var rows []transactionRow
	err := q.selectAll(ctx, &rows, `
		SELECT `+transactionColumns+`
		FROM point_transactions
		WHERE wallet_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, walletID, afterSeq, limit)
	if err != nil {
		return nil, mapError("list transactions", err)
	}
	return toTransactions(rows)
}

func toTransactions(rows []transactionRow) ([]points.PointTransaction, error) {
	var txs []points.PointTransaction
	for _, r := range rows {
		tx, err := r.toTransaction()
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (q queries) sumTransactions(ctx context.Context, walletID points.WalletID) (int64, error) {
	var sum int64
	err := q.get(ctx, &sum, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'EARNED' THEN amount ELSE -amount END), 0)
		FROM point_transactions
		WHERE wallet_id = ?
	`, walletID)
	if err != nil {
		return 0, mapError("sum transactions", err)
	}
	return sum, nil
}

func (q queries) findTransaction(ctx context.Context, key string) (*points.PointTransaction, error) {
	var row transactionRow
	err := q.get(ctx, &row, `SELECT `+transactionColumns+` FROM point_transactions WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find transaction", err)
	}
	tx, err := row.toTransaction()
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// -----------------------------------------------------------------------------
// Benefits
// -----------------------------------------------------------------------------

type benefitRow struct {
	ID          string `db:"id"`
	Title       string `db:"title"`
	Description string `db:"description"`
	Category    string `db:"category"`
	CostPoints  int64  `db:"cost_points"`
	Stock       int64  `db:"stock"`
	Active      bool   `db:"active"`
	CreatedAt   string `db:"created_at"`
	UpdatedAt   string `db:"updated_at"`
}

func (r benefitRow) toBenefit() points.Benefit {
	return points.Benefit{
		ID:          points.BenefitID(r.ID),
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		CostPoints:  r.CostPoints,
		Stock:       r.Stock,
		Active:      r.Active,
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}
}

const benefitColumns = `id, title, description, category, cost_points, stock, active, created_at, updated_at`

func (q queries) saveBenefit(ctx context.Context, b points.Benefit) error {
	created, updated := b.CreatedAt, b.UpdatedAt
	if created.IsZero() {
		created = q.now()
	}
	if updated.IsZero() {
		updated = created
	}
	_, err := q.exec(ctx, `
		INSERT INTO benefits (`+benefitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			category = excluded.category,
			cost_points = excluded.cost_points,
			stock = excluded.stock,
			active = excluded.active,
			updated_at = excluded.updated_at
	`, b.ID, b.Title, b.Description, b.Category, b.CostPoints, b.Stock, b.Active,
		formatTime(created), formatTime(updated))
	if err != nil {
		return mapError("save benefit", err)
	}
	return nil
}

func (q queries) getBenefit(ctx context.Context, id points.BenefitID) (points.Benefit, error) {
	var row benefitRow
	err := q.get(ctx, &row, `SELECT `+benefitColumns+` FROM benefits WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Benefit{}, &points.NotFoundError{Resource: "benefit", ID: string(id)}
	}
	if err != nil {
		return points.Benefit{}, mapError("get benefit", err)
	}
	return row.toBenefit(), nil
}

func (q queries) listBenefits(ctx context.Context) ([]points.Benefit, error) {
	var rows []benefitRow
	if err := q.selectAll(ctx, &rows, `SELECT `+benefitColumns+` FROM benefits ORDER BY id`); err != nil {
		return nil, mapError("list benefits", err)
	}
	benefits := make([]points.Benefit, 0, len(rows))
	for _, r := range rows {
		benefits = append(benefits, r.toBenefit())
	}
	return benefits, nil
}

// decrementStock is the compare-and-decrement primitive.
func (q queries) decrementStock(ctx context.Context, id points.BenefitID) (points.Benefit, error) {
	var row benefitRow
	err := q.get(ctx, &row, `
		UPDATE benefits SET stock = stock - 1, updated_at = ?
		WHERE id = ? AND active = ? AND stock > 0
		RETURNING `+benefitColumns, q.stamp(), id, true)
	if err == nil {
		return row.toBenefit(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return points.Benefit{}, mapError("decrement stock", err)
	}

	b, err := q.getBenefit(ctx, id)
	if err != nil {
		return points.Benefit{}, err
	}
	if !b.Active {
		return points.Benefit{}, &points.InactiveBenefitError{BenefitID: id}
	}
	return points.Benefit{}, &points.OutOfStockError{BenefitID: id}
}

func (q queries) adjustStock(ctx context.Context, id points.BenefitID, delta int64) (points.Benefit, error) {
	var row benefitRow
	err := q.get(ctx, &row, `
		UPDATE benefits SET stock = stock + ?, updated_at = ?
		WHERE id = ? AND stock + ? >= 0
		RETURNING `+benefitColumns, delta, q.stamp(), id, delta)
	if err == nil {
		return row.toBenefit(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return points.Benefit{}, mapError("adjust stock", err)
	}

	if _, err := q.getBenefit(ctx, id); err != nil {
		return points.Benefit{}, err
	}
	return points.Benefit{}, &points.ValidationError{Field: "delta", Reason: "stock would drop below zero"}
}

// -----------------------------------------------------------------------------
// Redemptions
// -----------------------------------------------------------------------------

type redemptionRow struct {
	ID             string         `db:"id"`
	TransactionID  string         `db:"transaction_id"`
	WalletID       string         `db:"wallet_id"`
	UserID         string         `db:"user_id"`
	BenefitID      string         `db:"benefit_id"`
	CostPoints     int64          `db:"cost_points"`
	NewBalance     int64          `db:"new_balance"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      string         `db:"created_at"`
}

func (r redemptionRow) toRedemption() points.Redemption {
	return points.Redemption{
		ID:             points.RedemptionID(r.ID),
		TransactionID:  points.TransactionID(r.TransactionID),
		WalletID:       points.WalletID(r.WalletID),
		UserID:         points.UserID(r.UserID),
		BenefitID:      points.BenefitID(r.BenefitID),
		CostPoints:     r.CostPoints,
		NewBalance:     r.NewBalance,
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      parseTime(r.CreatedAt),
	}
}

const redemptionColumns = `id, transaction_id, wallet_id, user_id, benefit_id, cost_points,
	new_balance, idempotency_key, created_at`

func (q queries) saveRedemption(ctx context.Context, r points.Redemption) error {
	_, err := q.exec(ctx, `
		INSERT INTO redemptions (`+redemptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TransactionID, r.WalletID, r.UserID, r.BenefitID, r.CostPoints,
		r.NewBalance, nullString(r.IdempotencyKey), formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return points.ErrDuplicateIdempotencyKey
		}
		return mapError("save redemption", err)
	}
	return nil
}

func (q queries) findRedemption(ctx context.Context, key string) (*points.Redemption, error) {
	var row redemptionRow
	err := q.get(ctx, &row, `SELECT `+redemptionColumns+` FROM redemptions WHERE idempotency_key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find redemption", err)
	}
	r := row.toRedemption()
	return &r, nil
}

func (q queries) listRedemptions(ctx context.Context, walletID points.WalletID, limit int) ([]points.Redemption, error) {
	var rows []redemptionRow
	err := q.selectAll(ctx, &rows, `
		SELECT `+redemptionColumns+`
		FROM redemptions
		WHERE wallet_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, walletID, limit)
	if err != nil {
		return nil, mapError("list redemptions", err)
	}
	var out []points.Redemption
	for _, r := range rows {
		out = append(out, r.toRedemption())
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func encodeMetadata(m points.Metadata) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// decodeMetadata keeps numbers as json.Number so they round-trip verbatim.
func decodeMetadata(s sql.NullString) (points.Metadata, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s.String)))
	dec.UseNumber()
	var m points.Metadata
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func isForeignKeyError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

// mapError classifies driver errors. Contention becomes a TransientError
// so the engine retries it; everything else is wrapped with the operation.
func mapError(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return &points.TransientError{Op: op, Err: err}
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return &points.TransientError{Op: op, Err: err}
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
