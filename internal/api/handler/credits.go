package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	mw "github.com/partscout/partscout/internal/api/middleware"
	"github.com/partscout/partscout/internal/api/response"
	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/credit"
	"github.com/partscout/partscout/pkg/models"
)

// balanceTTL bounds how stale a cached balance can get; balance-changing
// writes also invalidate the key.
const balanceTTL = 15 * time.Second

// NewBalanceHandler returns an http.HandlerFunc for GET /api/v1/credits/balance.
// The balance is served read-through from the cache.
func NewBalanceHandler(ledger credit.Ledger, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		key := cache.BalanceKey(accountID)
		if raw, found, err := ca.Get(r.Context(), key); err == nil && found {
			if balance, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
				response.JSON(w, map[string]any{
					"account_id": accountID,
					"balance":    balance,
				})
				return
			}
		}

		balance, err := ledger.Balance(r.Context(), accountID)
		if errors.Is(err, credit.ErrAccountNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Account not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load balance", nil)
			return
		}
		_ = ca.Set(r.Context(), key, []byte(strconv.FormatInt(balance, 10)), balanceTTL)

		response.JSON(w, map[string]any{
			"account_id": accountID,
			"balance":    balance,
		})
	}
}

// NewListTransactionsHandler returns an http.HandlerFunc for
// GET /api/v1/credits/transactions.
func NewListTransactionsHandler(ledger credit.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		page, limit := parsePagination(r)

		txns, total, err := ledger.Transactions(r.Context(), accountID, page, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list transactions", nil)
			return
		}
		if txns == nil {
			txns = []*models.CreditTransaction{}
		}

		response.Collection(w, txns, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewGrantHandler returns an http.HandlerFunc for POST /api/v1/admin/credits/grant.
// Admin-scoped; the target account defaults to the caller's own.
func NewGrantHandler(ledger credit.Ledger, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := mw.GetAccountID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing account", nil)
			return
		}

		var req struct {
			AccountID string `json:"account_id"`
			Amount    int64  `json:"amount"`
			Reason    string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Amount <= 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"amount must be positive", nil)
			return
		}

		target := accountID
		if req.AccountID != "" {
			parsed, err := uuid.Parse(req.AccountID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"account_id must be a valid UUID", nil)
				return
			}
			target = parsed
		}

		reason := req.Reason
		if reason == "" {
			reason = "admin grant"
		}

		txn, err := ledger.Grant(r.Context(), target, req.Amount, reason)
		if errors.Is(err, credit.ErrAccountNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Account not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to grant credit", nil)
			return
		}
		_ = ca.Delete(r.Context(), cache.BalanceKey(target))

		response.Created(w, txn)
	}
}
