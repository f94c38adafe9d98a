// Package api exposes the ledger over HTTP: batch ingestion, the day
// lifecycle, read-only queries and a WebSocket feed of committed events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-ledger/internal/clock"
	"github.com/atmx/settlement-ledger/internal/ingest"
	"github.com/atmx/settlement-ledger/internal/ledger"
	"github.com/atmx/settlement-ledger/internal/model"
	"github.com/atmx/settlement-ledger/internal/store"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 16 << 20

// Handler serves the /api/v1 routes.
type Handler struct {
	svc    *ledger.Service
	logger *slog.Logger
}

// NewHandler creates a Handler. A nil logger selects slog.Default().
func NewHandler(svc *ledger.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// --- Request types ---

// RollRequest is the JSON body for POST /roll.
type RollRequest struct {
	Symbol     string           `json:"symbol"`
	Price      *decimal.Decimal `json:"price"`
	TradingDay clock.Date       `json:"trading_day"`
}

// FinalizeRequest is the JSON body for POST /finalize. Empty Symbols
// finalizes every active symbol.
type FinalizeRequest struct {
	TradingDay clock.Date `json:"trading_day"`
	Symbols    []string   `json:"symbols,omitempty"`
}

// --- Ingestion ---

// PostTrades handles POST /api/v1/batches/trades.
func (h *Handler) PostTrades(w http.ResponseWriter, r *http.Request) {
	var batch ledger.TradeBatch
	if err := decode(w, r, &batch); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.svc.ApplyTrades(r.Context(), batch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Status == ledger.StatusDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// PostQuotes handles POST /api/v1/batches/quotes.
func (h *Handler) PostQuotes(w http.ResponseWriter, r *http.Request) {
	var batch ledger.QuoteBatch
	if err := decode(w, r, &batch); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.svc.ApplyQuotes(r.Context(), batch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Status == ledger.StatusDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- Day lifecycle ---

// PostRoll handles POST /api/v1/roll.
func (h *Handler) PostRoll(w http.ResponseWriter, r *http.Request) {
	var req RollRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Symbol == "" || req.Price == nil || req.TradingDay.IsZero() {
		writeError(w, "symbol, price and trading_day are required", http.StatusBadRequest)
		return
	}
	res, err := h.svc.RollDayBoundary(r.Context(), req.Symbol, *req.Price, req.TradingDay)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PostFinalize handles POST /api/v1/finalize.
func (h *Handler) PostFinalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TradingDay.IsZero() {
		writeError(w, "trading_day is required", http.StatusBadRequest)
		return
	}
	res, err := h.svc.FinalizeDay(r.Context(), req.TradingDay, req.Symbols)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Queries ---

// GetSnapshots handles GET /api/v1/snapshots?from&to&method&symbol.
func (h *Handler) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.SnapshotFilter
	var err error
	if f.From, err = optionalDate(q.Get("from")); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.To, err = optionalDate(q.Get("to")); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.Method, err = optionalMethod(q.Get("method")); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Symbol = q.Get("symbol")

	snaps, err := h.svc.Store().ListSnapshots(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// GetMatches handles GET /api/v1/matches?symbol&from&to&method.
func (h *Handler) GetMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.MatchFilter
	var err error
	if f.From, err = optionalDate(q.Get("from")); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.To, err = optionalDate(q.Get("to")); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.Method, err = optionalMethod(q.Get("method")); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Symbol = q.Get("symbol")

	matches, err := h.svc.Store().ListMatches(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// GetLots handles GET /api/v1/lots?method&symbol.
func (h *Handler) GetLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	method, err := optionalMethod(q.Get("method"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	open, err := h.svc.Store().ListLots(r.Context(), method, q.Get("symbol"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, open)
}

// GetMark handles GET /api/v1/mark/{symbol}?method&at. The method
// defaults to fifo and at to now.
func (h *Handler) GetMark(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	q := r.URL.Query()

	method := model.FIFO
	if raw := q.Get("method"); raw != "" {
		m, err := model.ParseMethod(raw)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		method = m
	}
	var at time.Time
	if raw := q.Get("at"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, "at must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		at = ts
	}

	res, err := h.svc.Mark(r.Context(), method, symbol, at)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Operations ---

// GetHalted handles GET /api/v1/halted.
func (h *Handler) GetHalted(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Halted())
}

// PostResume handles POST /api/v1/halted/{method}/{symbol}/resume.
func (h *Handler) PostResume(w http.ResponseWriter, r *http.Request) {
	method, err := model.ParseMethod(chi.URLParam(r, "method"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	symbol := chi.URLParam(r, "symbol")
	ok, err := h.svc.Resume(r.Context(), method, symbol)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, fmt.Sprintf("%s/%s is not halted", method, symbol), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "method": string(method), "symbol": symbol})
}

// PostVerify handles POST /api/v1/verify.
func (h *Handler) PostVerify(w http.ResponseWriter, r *http.Request) {
	diffs, err := h.svc.Verify(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if diffs == nil {
		diffs = []ledger.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": len(diffs) == 0, "discrepancies": diffs})
}

// --- Helpers ---

// fail maps err onto a status and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeError(w, err.Error(), status)
}

// statusFor maps the ledger's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, ingest.ErrMissingIdentity):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOutOfOrder), errors.Is(err, model.ErrRollOutOfSequence), errors.Is(err, model.ErrHalted):
		return http.StatusConflict
	case errors.Is(err, model.ErrNoReferencePrice), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

func optionalDate(raw string) (clock.Date, error) {
	if strings.TrimSpace(raw) == "" {
		return clock.Date{}, nil
	}
	return clock.ParseDate(raw)
}

func optionalMethod(raw string) (model.Method, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return model.ParseMethod(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
