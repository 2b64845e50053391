package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/partscout/partscout/pkg/models"
)

// PostgresLedger implements Ledger using pgx/v5. The reserve debit is a
// single conditional UPDATE so the balance-never-negative invariant holds
// under concurrent reservations without a read-then-write race.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgresLedger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const txnColumns = `id, owner_id, kind, amount, balance_before, balance_after, reserve_txn_id, reason, created_at`

func scanTxn(row pgx.Row) (*models.CreditTransaction, error) {
	var t models.CreditTransaction
	err := row.Scan(&t.ID, &t.OwnerID, &t.Kind, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.ReserveTxnID, &t.Reason, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Reserve atomically checks and debits the balance, then records the entry.
// When the conditional debit matches no row the account is either missing or
// over budget; only one of N concurrent over-budget reservations can win.
func (l *PostgresLedger) Reserve(ctx context.Context, ownerID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback(ctx)

	var balanceAfter int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET credit_balance = credit_balance - $2, updated_at = NOW()
		 WHERE id = $1 AND credit_balance >= $2
		 RETURNING credit_balance`, ownerID, amount,
	).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, ownerID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check account: %w", err)
		}
		if !exists {
			return nil, ErrAccountNotFound
		}
		return nil, ErrInsufficientCredit
	}
	if err != nil {
		return nil, fmt.Errorf("debit balance: %w", err)
	}

	entry, err := l.insertTxn(ctx, tx, &models.CreditTransaction{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Kind:          models.CreditKindReserve,
		Amount:        amount,
		BalanceBefore: balanceAfter + amount,
		BalanceAfter:  balanceAfter,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return entry, nil
}

// Settle marks a reservation as consumed. The debit already happened at
// reserve time, so the balance does not change.
func (l *PostgresLedger) Settle(ctx context.Context, reserveTxnID uuid.UUID, reason string) (*models.CreditTransaction, error) {
	return l.closeReservation(ctx, reserveTxnID, models.CreditKindSettle, reason)
}

// Refund credits the reserved amount back to the owner.
func (l *PostgresLedger) Refund(ctx context.Context, reserveTxnID uuid.UUID, reason string) (*models.CreditTransaction, error) {
	return l.closeReservation(ctx, reserveTxnID, models.CreditKindRefund, reason)
}

// closeReservation inserts the single terminal entry for a reservation. The
// partial unique index on (reserve_txn_id) for terminal kinds is the backstop
// against concurrent duplicates; on conflict we re-read and apply the
// idempotency rules.
func (l *PostgresLedger) closeReservation(ctx context.Context, reserveTxnID uuid.UUID, kind, reason string) (*models.CreditTransaction, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", kind, err)
	}
	defer tx.Rollback(ctx)

	reservation, err := scanTxn(tx.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM credit_transactions WHERE id = $1 AND kind = 'reserve'`, reserveTxnID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}

	existing, err := l.terminalFor(ctx, tx, reserveTxnID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return resolveExisting(existing, kind)
	}

	var balanceBefore, balanceAfter int64
	if kind == models.CreditKindRefund {
		err = tx.QueryRow(ctx,
			`UPDATE accounts SET credit_balance = credit_balance + $2, updated_at = NOW()
			 WHERE id = $1 RETURNING credit_balance`, reservation.OwnerID, reservation.Amount,
		).Scan(&balanceAfter)
		if err != nil {
			return nil, fmt.Errorf("credit refund: %w", err)
		}
		balanceBefore = balanceAfter - reservation.Amount
	} else {
		err = tx.QueryRow(ctx,
			`SELECT credit_balance FROM accounts WHERE id = $1 FOR UPDATE`, reservation.OwnerID,
		).Scan(&balanceBefore)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		balanceAfter = balanceBefore
	}

	entry, err := l.insertTxn(ctx, tx, &models.CreditTransaction{
		ID:            uuid.New(),
		OwnerID:       reservation.OwnerID,
		Kind:          kind,
		Amount:        reservation.Amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		ReserveTxnID:  &reserveTxnID,
		Reason:        reason,
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to another terminal entry; report per its kind.
			_ = tx.Rollback(ctx)
			existing, lookupErr := l.terminalForPool(ctx, reserveTxnID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return resolveExisting(existing, kind)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s: %w", kind, err)
	}
	return entry, nil
}

// Grant credits an account outside any reservation, e.g. plan top-ups.
func (l *PostgresLedger) Grant(ctx context.Context, ownerID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %d", amount)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin grant: %w", err)
	}
	defer tx.Rollback(ctx)

	var balanceAfter int64
	err = tx.QueryRow(ctx,
		`UPDATE accounts SET credit_balance = credit_balance + $2, updated_at = NOW()
		 WHERE id = $1 RETURNING credit_balance`, ownerID, amount,
	).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credit grant: %w", err)
	}

	entry, err := l.insertTxn(ctx, tx, &models.CreditTransaction{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Kind:          models.CreditKindGrant,
		Amount:        amount,
		BalanceBefore: balanceAfter - amount,
		BalanceAfter:  balanceAfter,
		Reason:        reason,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit grant: %w", err)
	}
	return entry, nil
}

func (l *PostgresLedger) Balance(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx,
		`SELECT credit_balance FROM accounts WHERE id = $1`, ownerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (l *PostgresLedger) Transactions(ctx context.Context, ownerID uuid.UUID, page, limit int) ([]*models.CreditTransaction, int, error) {
	var total int
	if err := l.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_transactions WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	rows, err := l.pool.Query(ctx,
		`SELECT `+txnColumns+` FROM credit_transactions
		 WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.CreditTransaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, total, rows.Err()
}

func (l *PostgresLedger) insertTxn(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) (*models.CreditTransaction, error) {
	t.CreatedAt = time.Now().UTC()
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, owner_id, kind, amount, balance_before, balance_after, reserve_txn_id, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.OwnerID, t.Kind, t.Amount, t.BalanceBefore, t.BalanceAfter, t.ReserveTxnID, t.Reason, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("insert %s transaction: %w", t.Kind, err)
	}
	return t, nil
}

func (l *PostgresLedger) terminalFor(ctx context.Context, tx pgx.Tx, reserveTxnID uuid.UUID) (*models.CreditTransaction, error) {
	existing, err := scanTxn(tx.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM credit_transactions
		 WHERE reserve_txn_id = $1 AND kind IN ('settle', 'refund')`, reserveTxnID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check terminal entry: %w", err)
	}
	return existing, nil
}

func (l *PostgresLedger) terminalForPool(ctx context.Context, reserveTxnID uuid.UUID) (*models.CreditTransaction, error) {
	existing, err := scanTxn(l.pool.QueryRow(ctx,
		`SELECT `+txnColumns+` FROM credit_transactions
		 WHERE reserve_txn_id = $1 AND kind IN ('settle', 'refund')`, reserveTxnID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check terminal entry: %w", err)
	}
	return existing, nil
}

// resolveExisting applies the idempotency rules given an existing terminal
// entry: repeating the same kind returns it, crossing kinds is an error.
func resolveExisting(existing *models.CreditTransaction, requested string) (*models.CreditTransaction, error) {
	if existing == nil {
		return nil, ErrReservationNotFound
	}
	if existing.Kind == requested {
		return existing, nil
	}
	if existing.Kind == models.CreditKindSettle {
		return nil, ErrAlreadySettled
	}
	return nil, ErrAlreadyRefunded
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
