package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

type creditsResponse struct {
	AllowanceCredits int `json:"allowance_credits"`
	PurchasedCredits int `json:"purchased_credits"`
	Total            int `json:"total"`
}

// handleGetCredits returns the account's current balances.
func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	allowance, purchased, err := s.store.GetAccountBalances(r.Context(), acct.ID)
	if err != nil {
		zap.L().Error("balance read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, creditsResponse{
		AllowanceCredits: allowance,
		PurchasedCredits: purchased,
		Total:            allowance + purchased,
	})
}

// handleCreditHistory returns recent ledger transactions, newest first.
func (s *Server) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	txs, err := s.store.ListLedgerTransactions(r.Context(), acct.ID, limit)
	if err != nil {
		zap.L().Error("transaction list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}
