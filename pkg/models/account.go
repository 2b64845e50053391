package models

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a user account. Every job and credit transaction belongs
// to an account; credit_balance is the only field mutated outside creation,
// and only through the credit ledger.
type Account struct {
	ID            uuid.UUID `db:"id"             json:"id"`
	Name          string    `db:"name"           json:"name"`
	CreditBalance int64     `db:"credit_balance" json:"credit_balance"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}
