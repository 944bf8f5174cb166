// Package api exposes the transaction-service and wallet-service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/walletsettle/internal/domain"
	"github.com/punchamoorthee/walletsettle/internal/logger"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const RequestIDHeader = "X-Request-ID"

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

func newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(recovery, instrument)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", health).Methods(http.MethodGet)
	return r
}

func health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records latency and status per route template and logs each
// request with its request id.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(RequestIDHeader, requestID)
		}
		w.Header().Set(RequestIDHeader, requestID)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		httpLatency.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())
		httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		if endpoint != "/metrics" && endpoint != "/health" {
			logger.Info("http request", logger.Fields{
				"request_id": requestID,
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"latency_ms": elapsed.Milliseconds(),
			})
		}
	})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("panic recovered", nil, logger.Fields{
					"panic": p,
					"path":  r.URL.Path,
					"stack": string(debug.Stack()),
				})
				respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Helpers
func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, errorBody{Error: msg})
}

// respondDomainError maps err onto a status code. Unexpected errors are
// logged and hidden behind a generic 500.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		respondJSON(w, http.StatusUnprocessableEntity, errorBody{Error: ve.Error(), Code: "VALIDATION_FAILED", Field: ve.Field})
	case errors.Is(err, domain.ErrInvalidAmount):
		respondJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "VALIDATION_FAILED", Field: "amount"})
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		respondJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "IDEMPOTENCY_MISMATCH"})
	case errors.Is(err, domain.ErrAccountExists):
		respondJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "ACCOUNT_EXISTS"})
	case errors.Is(err, domain.ErrConcurrentModification):
		respondJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "RETRY"})
	case errors.Is(err, domain.ErrTransactionNotFound), errors.Is(err, domain.ErrAccountNotFound):
		respondJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "NOT_FOUND"})
	default:
		logger.Error("request failed", err, logger.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": r.Header.Get(RequestIDHeader),
		})
		respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeJSON rejects unknown fields and trailing data.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
