package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/orchestrator"
)

// TransactionService is what the transaction routes need from the orchestrator.
type TransactionService interface {
	Create(ctx context.Context, req orchestrator.CreateRequest, principal string) (domain.Transaction, bool, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	List(ctx context.Context, f orchestrator.ListFilter) ([]domain.Transaction, error)
}

type TransactionHandler struct {
	svc TransactionService
}

func NewTransactionHandler(svc TransactionService) *TransactionHandler {
	return &TransactionHandler{svc: svc}
}

// NewTransactionRouter serves the transaction-service API.
func NewTransactionRouter(h *TransactionHandler) *mux.Router {
	r := newRouter()
	r.HandleFunc("/transactions", h.CreateTransaction).Methods(http.MethodPost)
	r.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
	return r
}

type createTransactionRequest struct {
	IdempotencyKey string      `json:"idempotencyKey"`
	Kind           string      `json:"kind"`
	SourceAccount  string      `json:"sourceAccount"`
	DestAccount    string      `json:"destAccount"`
	Amount         json.Number `json:"amount"`
	Currency       string      `json:"currency"`
}

type createTransactionResponse struct {
	TransactionID uuid.UUID    `json:"transactionId"`
	State         domain.State `json:"state"`
	Status        string       `json:"status"`
}

type transactionView struct {
	TransactionID  uuid.UUID    `json:"transactionId"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Kind           domain.Kind  `json:"kind"`
	SourceAccount  string       `json:"sourceAccount"`
	DestAccount    string       `json:"destAccount"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	State          domain.State `json:"state"`
	Status         string       `json:"status"`
	FailureReason  string       `json:"failureReason,omitempty"`
	NeedsReview    bool         `json:"needsReview"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func (h *TransactionHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	who, ok := principal(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	var body createTransactionRequest
	if err := decodeJSON(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if body.IdempotencyKey == "" {
		body.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	amount, err := minorUnits(body.Amount)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	txn, created, err := h.svc.Create(r.Context(), orchestrator.CreateRequest{
		IdempotencyKey: body.IdempotencyKey,
		Kind:           domain.Kind(body.Kind),
		SourceAccount:  body.SourceAccount,
		DestAccount:    body.DestAccount,
		Amount:         amount,
		Currency:       body.Currency,
	}, who)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	if !created {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.Header().Set("Location", "/transactions/"+txn.ID.String())
	respondJSON(w, http.StatusAccepted, createTransactionResponse{
		TransactionID: txn.ID,
		State:         txn.State,
		Status:        txn.State.PublicStatus(),
	})
}

func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction id")
		return
	}

	txn, err := h.svc.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(txn))
}

type transactionPage struct {
	Transactions []transactionView `json:"transactions"`
	Limit        int               `json:"limit"`
	Offset       int               `json:"offset"`
}

// ListTransactions is the caller's transaction history, optionally narrowed
// to one account with ?account=.
func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	who, ok := principal(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	q := r.URL.Query()
	f := orchestrator.ListFilter{InitiatedBy: who, AccountID: q.Get("account")}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = n
	}

	txns, err := h.svc.List(r.Context(), f)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	page := transactionPage{Transactions: make([]transactionView, 0, len(txns)), Limit: f.Limit, Offset: f.Offset}
	if page.Limit == 0 {
		page.Limit = orchestrator.DefaultPageSize
	}
	page.Limit = min(page.Limit, orchestrator.MaxPageSize)
	for _, txn := range txns {
		page.Transactions = append(page.Transactions, viewOf(txn))
	}
	respondJSON(w, http.StatusOK, page)
}

func viewOf(txn domain.Transaction) transactionView {
	return transactionView{
		TransactionID:  txn.ID,
		IdempotencyKey: txn.IdempotencyKey,
		Kind:           txn.Kind,
		SourceAccount:  txn.SourceAccount,
		DestAccount:    txn.DestAccount,
		Amount:         txn.Amount,
		Currency:       txn.Currency,
		State:          txn.State,
		Status:         txn.State.PublicStatus(),
		FailureReason:  txn.FailureReason,
		NeedsReview:    txn.NeedsReview,
		CreatedAt:      txn.CreatedAt,
		UpdatedAt:      txn.UpdatedAt,
	}
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// minorUnits accepts only integral amounts that fit in int64. A missing
// amount is zero and fails validation downstream.
func minorUnits(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, &domain.ValidationError{Field: "amount", Message: "must be a number"}
	}
	if !d.IsInteger() {
		return 0, &domain.ValidationError{Field: "amount", Message: "must be an integer in minor units"}
	}
	if d.GreaterThan(maxMinor) || d.LessThan(minMinor) {
		return 0, &domain.ValidationError{Field: "amount", Message: "is out of range"}
	}
	return d.IntPart(), nil
}
