// Package api exposes the admin and customer HTTP surface of the
// fulfillment core: delivery triggers, stock management, script dry
// runs, sweep triggers and invoice downloads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/auralogic/fulfillment/pkg/allocation"
	"github.com/auralogic/fulfillment/pkg/bizerr"
	"github.com/auralogic/fulfillment/pkg/invoice"
	"github.com/auralogic/fulfillment/pkg/ledger"
	"github.com/auralogic/fulfillment/pkg/order"
	"github.com/auralogic/fulfillment/pkg/pool"
	"github.com/auralogic/fulfillment/pkg/sandbox"
)

// Sweeper runs one reconciliation pass on demand.
type Sweeper interface {
	RunOnce(ctx context.Context)
}

// Server wires the HTTP handlers.
type Server struct {
	alloc    *allocation.Service
	stock    *ledger.Store
	orders   *order.Store
	invoices *invoice.Service
	sweeper  Sweeper
	log      *slog.Logger
}

func NewServer(alloc *allocation.Service, stock *ledger.Store, orders *order.Store,
	invoices *invoice.Service, sweeper Sweeper, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		alloc:    alloc,
		stock:    stock,
		orders:   orders,
		invoices: invoices,
		sweeper:  sweeper,
		log:      log.With("component", "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /admin/orders/{orderNo}/deliver", s.handleDeliver)
	mux.HandleFunc("POST /admin/orders/{orderNo}/release", s.handleRelease)
	mux.HandleFunc("GET /admin/orders/{orderNo}/pending", s.handlePending)
	mux.HandleFunc("POST /admin/pools/{poolID}/test", s.handleScriptTest)
	mux.HandleFunc("POST /admin/pools/{poolID}/import", s.handleImport)
	mux.HandleFunc("POST /admin/sweep", s.handleSweep)
	mux.HandleFunc("POST /orders/{orderNo}/invoice", s.handleIssueInvoice)
	mux.HandleFunc("GET /invoice/{token}", s.handleDownloadInvoice)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	orderNo := r.PathValue("orderNo")
	if err := s.alloc.Deliver(r.Context(), orderNo, adminActor(r)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order": orderNo, "result": "delivered"})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	orderNo := r.PathValue("orderNo")
	released, err := s.alloc.ReleaseForOrder(r.Context(), orderNo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": orderNo, "released": released})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	orderNo := r.PathValue("orderNo")
	pending, err := s.alloc.PendingDeliveryQuantity(r.Context(), orderNo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": orderNo, "pending": pending})
}

func (s *Server) handleScriptTest(w http.ResponseWriter, r *http.Request) {
	poolID := r.PathValue("poolID")
	quantity := 1
	if q := r.URL.Query().Get("quantity"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			s.writeError(w, bizerr.New("invalid_quantity", "quantity must be an integer"))
			return
		}
		quantity = n
	}

	outcome, err := s.alloc.TestScript(r.Context(), poolID, quantity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]map[string]string, 0, len(outcome.Items))
	for _, item := range outcome.Items {
		items = append(items, map[string]string{"content": item.Content, "remark": item.Remark})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":          items,
		"message":        outcome.Message,
		"count_mismatch": outcome.CountMismatch,
	})
}

// handleImport ingests one stock item per non-empty line of the body.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	poolID := r.PathValue("poolID")
	var payload struct {
		Contents []string `json:"contents"`
		Remark   string   `json:"remark"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, bizerr.New("invalid_body", "request body must be JSON"))
		return
	}
	batchID, n, err := s.stock.BulkImport(r.Context(), poolID, payload.Contents, payload.Remark)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "imported": n})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	s.sweeper.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"result": "swept"})
}

func (s *Server) handleIssueInvoice(w http.ResponseWriter, r *http.Request) {
	orderNo := r.PathValue("orderNo")
	if _, err := s.orders.GetByNo(r.Context(), orderNo); err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.invoices.Issue(r.Context(), orderNo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleDownloadInvoice(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	orderNo, err := s.invoices.Consume(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	o, err := s.orders.GetByNo(r.Context(), orderNo)
	if err != nil {
		s.writeError(w, err)
		return
	}
	html, err := s.invoices.Render(o, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(html)
}

func adminActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Admin-Actor")); actor != "" {
		return actor
	}
	return "admin"
}

// writeError maps domain errors to HTTP statuses with a stable payload.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	key := "internal"
	message := err.Error()

	var be *bizerr.Error
	var se *sandbox.Error
	switch {
	case errors.As(err, &be):
		status = http.StatusBadRequest
		key = be.Key
		message = be.Message
	case errors.As(err, &se):
		status = http.StatusUnprocessableEntity
		key = se.Code
		message = se.Message
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, pool.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
		key = "not_found"
	case errors.Is(err, ledger.ErrInsufficientStock):
		status = http.StatusConflict
		key = "insufficient_stock"
	case errors.Is(err, pool.ErrLimitExceeded):
		status = http.StatusConflict
		key = "limit_exceeded"
	case errors.Is(err, invoice.ErrTokenInvalid):
		status = http.StatusNotFound
		key = "token_invalid"
	case errors.Is(err, invoice.ErrAlreadyPending):
		status = http.StatusConflict
		key = "token_pending"
	case errors.Is(err, allocation.ErrNothingToDeliver):
		status = http.StatusConflict
		key = "nothing_to_deliver"
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": key, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
