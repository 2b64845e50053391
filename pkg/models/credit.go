package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction kinds. Rows are append-only; a reserve is later closed
// by exactly one settle or refund referencing it.
const (
	CreditKindReserve = "reserve"
	CreditKindSettle  = "settle"
	CreditKindRefund  = "refund"
	CreditKindGrant   = "grant"
)

// CreditTransaction is one ledger entry. BalanceBefore/BalanceAfter record
// the account balance around the entry so the ledger is auditable without
// replaying it.
type CreditTransaction struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	OwnerID       uuid.UUID  `db:"owner_id"       json:"owner_id"`
	Kind          string     `db:"kind"           json:"kind"`
	Amount        int64      `db:"amount"         json:"amount"`
	BalanceBefore int64      `db:"balance_before" json:"balance_before"`
	BalanceAfter  int64      `db:"balance_after"  json:"balance_after"`
	ReserveTxnID  *uuid.UUID `db:"reserve_txn_id" json:"reserve_txn_id,omitempty"`
	Reason        string     `db:"reason"         json:"reason"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
}
