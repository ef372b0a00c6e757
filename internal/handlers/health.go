package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pliu/chatty-rooms/internal/apperr"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health answers 200 while the database is reachable and 503 otherwise.
func Health(db Pinger, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			writeError(w, log, r, apperr.Unavailable("Database unavailable", err))
			return
		}
		writeJSON(w, http.StatusOK, okBody{OK: true})
	}
}
