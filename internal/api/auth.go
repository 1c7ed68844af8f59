package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
)

type contextKey string

const accountKey contextKey = "account"

// apiKeyAuth resolves the caller's account from the Authorization bearer
// token or the X-API-Key header and stores it on the request context.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		acct, err := s.store.GetAccountByAPIKey(r.Context(), key)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			zap.L().Error("account lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), accountKey, acct),
		))
	})
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.Header.Get("X-API-Key")
}

// accountFrom returns the authenticated account set by apiKeyAuth.
func accountFrom(ctx context.Context) *model.Account {
	acct, _ := ctx.Value(accountKey).(*model.Account)
	return acct
}
