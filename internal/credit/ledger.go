package credit

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/partscout/partscout/pkg/models"
)

// Sentinel errors for ledger operations.
var (
	ErrInsufficientCredit   = errors.New("insufficient credit")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrAlreadySettled       = errors.New("reservation already settled")
	ErrAlreadyRefunded      = errors.New("reservation already refunded")
	ErrAccountNotFound      = errors.New("account not found")
)

// Ledger is the only component allowed to mutate account balances. Entries
// are append-only; Reserve debits up front, Settle marks the debit consumed
// without a balance change, Refund credits the amount back. Settle and Refund
// are idempotent per reservation: repeating one returns the existing entry,
// while crossing them (settle after refund or vice versa) is an error.
type Ledger interface {
	Reserve(ctx context.Context, ownerID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error)
	Settle(ctx context.Context, reserveTxnID uuid.UUID, reason string) (*models.CreditTransaction, error)
	Refund(ctx context.Context, reserveTxnID uuid.UUID, reason string) (*models.CreditTransaction, error)
	Grant(ctx context.Context, ownerID uuid.UUID, amount int64, reason string) (*models.CreditTransaction, error)
	Balance(ctx context.Context, ownerID uuid.UUID) (int64, error)
	Transactions(ctx context.Context, ownerID uuid.UUID, page, limit int) ([]*models.CreditTransaction, int, error)
}
