package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/punchamoorthee/walletsettle/internal/domain"
)

// WalletService is what the wallet routes need from the balance ledger.
type WalletService interface {
	OpenAccount(ctx context.Context, id, currency string, opening int64) (domain.Account, error)
	Account(ctx context.Context, id string) (domain.Account, error)
	Entries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error)
	SetStatus(ctx context.Context, id string, status domain.AccountStatus) (domain.Account, error)
	SetLimits(ctx context.Context, id string, limits domain.Limits) (domain.Account, error)
	Settlements(ctx context.Context, txID uuid.UUID) ([]domain.Settlement, error)
}

type WalletHandler struct {
	svc WalletService
}

func NewWalletHandler(svc WalletService) *WalletHandler {
	return &WalletHandler{svc: svc}
}

// NewWalletRouter serves the wallet-service API, including the
// reconciliation read used by the transaction-service.
func NewWalletRouter(h *WalletHandler) *mux.Router {
	r := newRouter()
	r.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/entries", h.GetAccountEntries).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/status", h.SetAccountStatus).Methods(http.MethodPut)
	r.HandleFunc("/accounts/{id}/limits", h.SetAccountLimits).Methods(http.MethodPut)
	r.HandleFunc("/internal/settlements/{transactionId}", h.GetSettlements).Methods(http.MethodGet)
	return r
}

type createAccountRequest struct {
	AccountID      string      `json:"accountId"`
	Currency       string      `json:"currency"`
	OpeningBalance json.Number `json:"openingBalance"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type setLimitsRequest struct {
	PerTransaction int64 `json:"perTransaction"`
	Daily          int64 `json:"daily"`
	Monthly        int64 `json:"monthly"`
}

func (h *WalletHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var body createAccountRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	opening, err := minorUnits(body.OpeningBalance)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	acct, err := h.svc.OpenAccount(r.Context(), body.AccountID, body.Currency, opening)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/accounts/"+acct.ID)
	respondJSON(w, http.StatusCreated, acct)
}

func (h *WalletHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Account(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

func (h *WalletHandler) GetAccountEntries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.svc.Entries(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *WalletHandler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	var body setStatusRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	acct, err := h.svc.SetStatus(r.Context(), mux.Vars(r)["id"], domain.AccountStatus(body.Status))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

// SetAccountLimits replaces the account's outgoing limits; omitted or zero
// fields remove that cap.
func (h *WalletHandler) SetAccountLimits(w http.ResponseWriter, r *http.Request) {
	var body setLimitsRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	acct, err := h.svc.SetLimits(r.Context(), mux.Vars(r)["id"], domain.Limits{
		PerTransaction: body.PerTransaction,
		Daily:          body.Daily,
		Monthly:        body.Monthly,
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, acct)
}

// GetSettlements is the reconciliation read. An unknown transaction yields
// an empty list, not a 404, since "no outcome yet" is a valid answer.
func (h *WalletHandler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(mux.Vars(r)["transactionId"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}

	settlements, err := h.svc.Settlements(r.Context(), txID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if settlements == nil {
		settlements = []domain.Settlement{}
	}
	respondJSON(w, http.StatusOK, settlements)
}
