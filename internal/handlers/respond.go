package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/models"
	"go.uber.org/zap"
)

// Writes started by a request finish even if its client goes away.
const persistTimeout = 10 * time.Second

func persistContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), persistTimeout)
}

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

type okBody struct {
	OK bool `json:"ok"`
}

// userSummary is the public view of an identity in lists.
type userSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func summarize(users []models.User) []userSummary {
	out := make([]userSummary, 0, len(users))
	for _, u := range users {
		out = append(out, userSummary{ID: u.ID, Username: u.Username})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError answers with the status for err's kind. Server-side failures
// are logged; their causes never reach the client.
func writeError(w http.ResponseWriter, log *zap.Logger, r *http.Request, err error) {
	status := apperr.HTTPStatus(apperr.KindOf(err))
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{StatusCode: status, Message: apperr.Message(err)})
}

// decodeJSON reads an optional JSON body into v. An empty body leaves v
// at its zero value.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Invalid("Invalid request body")
	}
	return nil
}
