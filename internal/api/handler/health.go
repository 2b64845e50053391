package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/partscout/partscout/internal/cache"
	"github.com/partscout/partscout/internal/store"
)

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. The
// pipeline is deliberately not probed here: a down pipeline degrades jobs, not
// the API.
func NewHealthHandler(st store.Store, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}
		healthy := true

		if err := st.Ping(ctx); err != nil {
			checks["database"] = "unreachable"
			healthy = false
		}
		if err := ca.Ping(ctx); err != nil {
			checks["cache"] = "unreachable"
			healthy = false
		}

		status := "ok"
		code := http.StatusOK
		if !healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}
