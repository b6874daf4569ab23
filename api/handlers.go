/*
handlers.go - HTTP API handlers for the finance ledger

PURPOSE:
  Exposes the ledger service via a thin JSON API. Handles HTTP
  request/response, JSON decoding and error mapping, and delegates every
  decision to ledger.Service.

ENDPOINTS:
  Invoices:
    GET    /api/invoices                 Filter invoices (student, status, priority, bulk, q, limit)
    POST   /api/invoices                 Create invoice
    GET    /api/invoices/{id}            Invoice with paid/balance and allocations
    PUT    /api/invoices/{id}            Update due date, priority, notes or items
    POST   /api/invoices/{id}/cancel     Cancel and release allocations
    POST   /api/invoices/{id}/activate   Reopen a cancelled invoice
    POST   /api/invoices/{id}/issue      DRAFT -> PENDING

  Bulk invoices:
    GET    /api/bulk-invoices            List batches
    POST   /api/bulk-invoices            Invoice many students at once
    GET    /api/bulk-invoices/{id}       Batch with member invoices
    POST   /api/bulk-invoices/{id}/cancel

  Payments:
    GET    /api/payments                 Filter payments (student, status, method, q, from, to, limit)
    POST   /api/payments                 Record a COMPLETED payment
    POST   /api/payments/pending         Record a PENDING gateway payment
    GET    /api/payments/{id}            Payment with derived amounts, allocations, refunds
    POST   /api/payments/{id}/approve    PENDING -> COMPLETED
    POST   /api/payments/{id}/fail       PENDING -> FAILED
    POST   /api/payments/{id}/reverse    Reverse and release allocations
    POST   /api/payments/{id}/refunds    Refund part of a payment

  Refunds:
    POST   /api/refunds/{id}/complete
    POST   /api/refunds/{id}/cancel
    POST   /api/refunds/{id}/fail

  Other:
    POST   /api/students/{id}/allocate   Run the allocation engine for one student
    POST   /api/admin/refresh-statuses   Persist overdue transitions now
    GET    /api/summary                  Financial summary (from, to)
    GET    /api/fee-items                Fee catalog by code
    GET    /api/health

ACTOR:
  Mutating endpoints need an acting user. It is read from the X-Actor-ID
  and X-Actor-Name headers; the ledger rejects an empty id.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unparseable bodies or query values
  - 404: Resource not found
  - 409: Invalid state, already cancelled, duplicate reference
  - 422: Refund exceeds the available amount
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The actor headers are trusted as sent.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - sweeper.go: Background overdue sweep
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/money"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorName = "X-Actor-Name"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	// Sweeper is optional; without it refresh-statuses calls the service
	// directly.
	Sweeper *OverdueSweeper
	Logger  *slog.Logger
}

// NewHandler creates a handler over the given service.
func NewHandler(svc *ledger.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func actorFrom(r *http.Request) ledger.Actor {
	return ledger.Actor{
		ID:   strings.TrimSpace(r.Header.Get(HeaderActorID)),
		Name: strings.TrimSpace(r.Header.Get(HeaderActorName)),
	}
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.InvoiceFilter{
		StudentID:     q.Get("student_id"),
		BulkInvoiceID: q.Get("bulk_invoice_id"),
		Search:        q.Get("q"),
	}
	for _, s := range splitList(q.Get("status")) {
		st := ledger.InvoiceStatus(strings.ToUpper(s))
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid invoice status", fmt.Errorf("unknown status %q", s))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	if v := q.Get("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid priority", err)
			return
		}
		f.Priority = &p
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	f.Limit = limit

	invoices, err := h.Service.FilterInvoices(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, invoices)
}

func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := h.Service.CreateInvoice(r.Context(), actorFrom(r), req.StudentID, req.input())
	if err != nil {
		h.fail(w, r, "Failed to create invoice", err)
		return
	}
	h.respondInvoice(w, r, http.StatusCreated, inv.ID)
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	h.respondInvoice(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	var req UpdateInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := h.Service.UpdateInvoice(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.update())
	if err != nil {
		h.fail(w, r, "Failed to update invoice", err)
		return
	}
	h.respondInvoice(w, r, http.StatusOK, inv.ID)
}

func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	inv, err := h.Service.CancelInvoice(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to cancel invoice", err)
		return
	}
	h.respondInvoice(w, r, http.StatusOK, inv.ID)
}

func (h *Handler) ActivateInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Service.ActivateInvoice(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to activate invoice", err)
		return
	}
	h.respondInvoice(w, r, http.StatusOK, inv.ID)
}

func (h *Handler) IssueInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Service.IssueInvoice(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to issue invoice", err)
		return
	}
	h.respondInvoice(w, r, http.StatusOK, inv.ID)
}

// respondInvoice re-reads the invoice so the response carries its derived
// amounts, including allocations made after the mutation committed.
func (h *Handler) respondInvoice(w http.ResponseWriter, r *http.Request, status int, id string) {
	view, err := h.Service.FetchInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get invoice", err)
		return
	}
	writeJSON(w, status, view)
}

// =============================================================================
// BULK INVOICE HANDLERS
// =============================================================================

func (h *Handler) ListBulkInvoices(w http.ResponseWriter, r *http.Request) {
	bulks, err := h.Service.ListBulkInvoices(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list bulk invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, bulks)
}

func (h *Handler) CreateBulkInvoice(w http.ResponseWriter, r *http.Request) {
	var req BulkInvoiceRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.Service.BulkCreateInvoices(r.Context(), actorFrom(r), req.input())
	if err != nil {
		h.fail(w, r, "Failed to create bulk invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) GetBulkInvoice(w http.ResponseWriter, r *http.Request) {
	view, err := h.Service.GetBulkInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to get bulk invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) CancelBulkInvoice(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	view, err := h.Service.BulkCancelInvoices(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to cancel bulk invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.PaymentFilter{
		StudentID: q.Get("student_id"),
		Method:    ledger.PaymentMethod(strings.ToLower(q.Get("method"))),
		Search:    q.Get("q"),
	}
	if f.Method != "" && !f.Method.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid payment method", fmt.Errorf("unknown method %q", f.Method))
		return
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, ledger.PaymentStatus(strings.ToUpper(s)))
	}
	var err error
	if f.From, f.To, err = parseRange(q.Get("from"), q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	payments, err := h.Service.FilterPayments(r.Context(), f)
	if err != nil {
		h.fail(w, r, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, payments)
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Service.CreatePayment(r.Context(), actorFrom(r), req.StudentID, req.PaymentInput)
	if err != nil {
		h.fail(w, r, "Failed to record payment", err)
		return
	}
	h.respondPayment(w, r, http.StatusCreated, p.ID)
}

// CreatePendingPayment records a gateway payment awaiting confirmation. It
// needs no actor.
func (h *Handler) CreatePendingPayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Service.CreatePendingPayment(r.Context(), req.StudentID, req.PaymentInput)
	if err != nil {
		h.fail(w, r, "Failed to record pending payment", err)
		return
	}
	h.respondPayment(w, r, http.StatusCreated, p.ID)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	h.respondPayment(w, r, http.StatusOK, chi.URLParam(r, "id"))
}

func (h *Handler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.ApprovePayment(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to approve payment", err)
		return
	}
	h.respondPayment(w, r, http.StatusOK, p.ID)
}

func (h *Handler) FailPayment(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	p, err := h.Service.FailPayment(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to mark payment failed", err)
		return
	}
	h.respondPayment(w, r, http.StatusOK, p.ID)
}

func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	p, err := h.Service.ReversePayment(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to reverse payment", err)
		return
	}
	h.respondPayment(w, r, http.StatusOK, p.ID)
}

func (h *Handler) respondPayment(w http.ResponseWriter, r *http.Request, status int, id string) {
	view, err := h.Service.FetchPayment(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get payment", err)
		return
	}
	writeJSON(w, status, view)
}

// =============================================================================
// REFUND HANDLERS
// =============================================================================

func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req ledger.RefundInput
	if !decode(w, r, &req) {
		return
	}
	refund, err := h.Service.CreateRefund(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, "Failed to create refund", err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func (h *Handler) CompleteRefund(w http.ResponseWriter, r *http.Request) {
	refund, err := h.Service.CompleteRefund(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to complete refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) CancelRefund(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	refund, err := h.Service.CancelRefund(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to cancel refund", err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) FailRefund(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	refund, err := h.Service.FailRefund(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, "Failed to mark refund failed", err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

// =============================================================================
// ALLOCATION, ADMIN AND REPORTING
// =============================================================================

func (h *Handler) AllocateStudent(w http.ResponseWriter, r *http.Request) {
	run, err := h.Service.AllocatePayments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "Failed to allocate payments", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) RefreshStatuses(w http.ResponseWriter, r *http.Request) {
	var (
		changed int
		err     error
	)
	if h.Sweeper != nil {
		changed, err = h.Sweeper.RunNow(r.Context())
	} else {
		changed, err = h.Service.RefreshStatuses(r.Context())
	}
	if err != nil {
		h.fail(w, r, "Failed to refresh statuses", err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{Changed: changed, RanAt: h.Service.Now()})
}

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date range", err)
		return
	}
	sum, err := h.Service.Summary(r.Context(), from, to)
	if err != nil {
		h.fail(w, r, "Failed to build summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ListFeeItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.Service.ListFeeItems(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list fee items", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps a ledger error to its HTTP status. Client errors report the
// ledger's own message; anything else is logged and reported as 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	var exceeded *ledger.ExceedsAvailableError
	switch {
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "exceeds_available",
			Details: ExceedsAvailableDetails{
				PaymentID: exceeded.PaymentID,
				Available: exceeded.Available.String(),
				Requested: exceeded.Requested.String(),
			},
		})
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, ledger.ErrDuplicateReference):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "duplicate_reference"})
	case errors.Is(err, ledger.ErrAlreadyCancelled):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "already_cancelled"})
	case errors.Is(err, ledger.ErrInvalidState):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "invalid_state"})
	case errors.Is(err, ledger.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation"})
	default:
		h.Logger.Error(message, "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badBody(w, err)
		return false
	}
	return true
}

// badBody reports an undecodable request body. Amounts that fail money
// parsing are validation errors.
func badBody(w http.ResponseWriter, err error) {
	if errors.Is(err, money.ErrInvalidAmount) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation"})
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid JSON", err)
}

// decodeOptional accepts an empty body for actions whose fields all have
// defaults.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		badBody(w, err)
		return false
	}
	return true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", v)
	}
	return n, nil
}

// parseRange reads inclusive from/to days. "to" covers its whole day.
func parseRange(fromStr, toStr string) (from, to time.Time, err error) {
	if fromStr != "" {
		if from, err = parseDay(fromStr); err != nil {
			return
		}
	}
	if toStr != "" {
		if to, err = parseDay(toStr); err != nil {
			return
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	return
}
