/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Request decoding and actor headers
- Error mapping (400/404/409/422)
- Invoice, payment, refund and bulk endpoints end to end on the memory store
- Overdue sweeper
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/ledger/ledgertest"
	"github.com/zanaka/finance-engine/ledger/store"
)

type testServer struct {
	t       *testing.T
	fx      *ledgertest.Fixture
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fx := ledgertest.New(t, store.NewTxMemory())
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(fx.Service, quiet)
	return &testServer{t: t, fx: fx, handler: h, router: NewRouter(h, nil)}
}

// do sends body as JSON with the bursar actor and returns the recorder.
func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.doAs("bursar-1", method, path, body)
}

func (s *testServer) doAs(actor, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		buf = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(HeaderActorID, actor)
		req.Header.Set(HeaderActorName, "Bursar")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func invoiceBody(studentID, amount string) map[string]any {
	return map[string]any{
		"student_id": studentID,
		"due_date":   "2026-02-15",
		"priority":   1,
		"items": []map[string]any{
			{"description": "Tuition Term 1", "quantity": 1, "unit_price": amount},
		},
	}
}

func (s *testServer) createInvoice(studentID, amount string) ledger.InvoiceView {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/invoices", invoiceBody(studentID, amount))
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ledger.InvoiceView](s.t, rec)
}

func (s *testServer) createPayment(studentID, amount string) ledger.PaymentView {
	s.t.Helper()
	s.fx.Clock.Advance(time.Minute)
	rec := s.do(http.MethodPost, "/api/payments", map[string]any{
		"student_id": studentID,
		"method":     "cash",
		"amount":     amount,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[ledger.PaymentView](s.t, rec)
}

// =============================================================================
// INVOICES
// =============================================================================

func TestCreateInvoice_Success(t *testing.T) {
	// GIVEN: An active student
	// WHEN: Posting an invoice with one line item
	// THEN: 201 with a PENDING invoice totalling the line item
	s := newTestServer(t)

	inv := s.createInvoice(ledgertest.Student1, "1000.00")

	assert.Equal(t, ledger.InvoicePending, inv.Status)
	assert.Equal(t, "1000.00", inv.Total.String())
	assert.Equal(t, "1000.00", inv.Balance.String())
	assert.Equal(t, "bursar-1", inv.CreatedBy)
	assert.Equal(t, ledger.Date(2026, time.February, 15), inv.DueDate)
	require.Len(t, inv.Items, 1)
	assert.Regexp(t, `^INV-20260115-\d{4}$`, inv.Reference)
}

func TestCreateInvoice_RequiresActor(t *testing.T) {
	s := newTestServer(t)

	rec := s.doAs("", http.MethodPost, "/api/invoices", invoiceBody(ledgertest.Student1, "1000"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "validation", resp.Code)
}

func TestCreateInvoice_InvalidJSON(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/invoices", `{"student_id": `)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON", decodeBody[ErrorResponse](t, rec).Error)
}

func TestCreateInvoice_InvalidDueDate(t *testing.T) {
	s := newTestServer(t)
	body := invoiceBody(ledgertest.Student1, "1000")
	body["due_date"] = "15/02/2026"

	rec := s.do(http.MethodPost, "/api/invoices", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateInvoice_InactiveStudentNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/invoices", invoiceBody(ledgertest.StudentGone, "1000"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateInvoice_ByFeeCode(t *testing.T) {
	// GIVEN: A fee catalog with a bus fee
	// WHEN: Posting an invoice whose line names only the fee code
	// THEN: The line is priced and described from the catalog
	s := newTestServer(t)
	_, err := s.fx.Service.ImportFeeItems(s.fx.Ctx, []ledger.FeeItem{
		{Code: "BUS", Description: "School bus", Price: ledgertest.M("1250.50")},
	})
	require.NoError(t, err)

	rec := s.do(http.MethodPost, "/api/invoices", map[string]any{
		"student_id": ledgertest.Student1,
		"due_date":   "2026-02-15",
		"items":      []map[string]any{{"fee_item_code": "BUS", "quantity": 2}},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decodeBody[ledger.InvoiceView](t, rec)
	assert.Equal(t, "2501.00", inv.Total.String())
	require.Len(t, inv.Items, 1)
	assert.Equal(t, "School bus", inv.Items[0].Description)
	assert.Equal(t, "1250.50", inv.Items[0].UnitPrice.String())

	rec = s.do(http.MethodGet, "/api/fee-items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody[[]ledger.FeeItem](t, rec)
	require.Len(t, items, 1)
	assert.Equal(t, "BUS", items[0].Code)
}

func TestCreateInvoice_UnknownFeeCode(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/invoices", map[string]any{
		"student_id": ledgertest.Student1,
		"due_date":   "2026-02-15",
		"items":      []map[string]any{{"fee_item_code": "BUS", "quantity": 1}},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody[ErrorResponse](t, rec).Code)
}

func TestGetInvoice_NotFound(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/invoices/does-not-exist", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[ErrorResponse](t, rec).Code)
}

func TestCancelInvoice_Twice(t *testing.T) {
	// GIVEN: A cancelled invoice
	// WHEN: Cancelling it again
	// THEN: 409 already_cancelled
	s := newTestServer(t)
	inv := s.createInvoice(ledgertest.Student1, "1000")

	rec := s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/cancel", ReasonRequest{Reason: "Duplicate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeBody[ledger.InvoiceView](t, rec)
	assert.Equal(t, ledger.InvoiceCancelled, cancelled.Status)
	assert.Equal(t, "Duplicate", cancelled.CancellationReason)

	rec = s.do(http.MethodPost, "/api/invoices/"+inv.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_cancelled", decodeBody[ErrorResponse](t, rec).Code)
}

func TestUpdateInvoice_ChangesPriority(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice(ledgertest.Student1, "1000")

	rec := s.do(http.MethodPut, "/api/invoices/"+inv.ID, map[string]any{"priority": 3, "due_date": "2026-03-01"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeBody[ledger.InvoiceView](t, rec)
	assert.Equal(t, 3, updated.Priority)
	assert.Equal(t, ledger.Date(2026, time.March, 1), updated.DueDate)
	assert.Equal(t, "1000.00", updated.Total.String(), "items untouched")
}

func TestListInvoices_FiltersByStatus(t *testing.T) {
	// GIVEN: One paid and one pending invoice
	// WHEN: Filtering by status=PAID, then by an unknown status
	// THEN: Only the paid invoice is returned; the unknown status is a 400
	s := newTestServer(t)
	paid := s.createInvoice(ledgertest.Student1, "500")
	s.createInvoice(ledgertest.Student2, "800")
	s.createPayment(ledgertest.Student1, "500")

	rec := s.do(http.MethodGet, "/api/invoices?status=paid", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decodeBody[[]ledger.InvoiceView](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, paid.ID, list[0].ID)

	rec = s.do(http.MethodGet, "/api/invoices?status=LOST", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/invoices?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListInvoices_OverdueWithoutSweep(t *testing.T) {
	// GIVEN: A PENDING invoice due Feb 15 and no sweep since
	// WHEN: Listing status=OVERDUE on Feb 20
	// THEN: The invoice is listed as OVERDUE
	s := newTestServer(t)
	inv := s.createInvoice(ledgertest.Student1, "500")
	s.fx.Clock.T = ledger.Date(2026, time.February, 20)

	rec := s.do(http.MethodGet, "/api/invoices?status=OVERDUE", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decodeBody[[]ledger.InvoiceView](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, inv.ID, list[0].ID)
	assert.Equal(t, ledger.InvoiceOverdue, list[0].Status)
}

// =============================================================================
// PAYMENTS AND REFUNDS
// =============================================================================

func TestCreatePayment_AllocatesToInvoice(t *testing.T) {
	// GIVEN: A 1000 invoice
	// WHEN: Posting a 600 payment
	// THEN: The invoice is PARTIALLY_PAID with 600 paid and the payment fully allocated
	s := newTestServer(t)
	inv := s.createInvoice(ledgertest.Student1, "1000")

	p := s.createPayment(ledgertest.Student1, "600")

	assert.Equal(t, ledger.PaymentCompleted, p.Status)
	assert.Equal(t, "600.00", p.Allocated.String())
	assert.Equal(t, "0.00", p.Unassigned.String())

	rec := s.do(http.MethodGet, "/api/invoices/"+inv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeBody[ledger.InvoiceView](t, rec)
	assert.Equal(t, ledger.InvoicePartiallyPaid, view.Status)
	assert.Equal(t, "600.00", view.Paid.String())
	assert.Equal(t, "400.00", view.Balance.String())
	require.Len(t, view.Allocations, 1)
	assert.Equal(t, p.Reference, view.Allocations[0].PaymentReference)
}

func TestCreatePayment_RejectsUnboundedAmount(t *testing.T) {
	// GIVEN: Amounts written with an exponent or too many digits
	// WHEN: Posting them as payments
	// THEN: Each is a 400 validation error and nothing is recorded
	s := newTestServer(t)

	for _, body := range []string{
		`{"student_id": "stu-1", "method": "cash", "amount": 1e5000000}`,
		`{"student_id": "stu-1", "method": "cash", "amount": "1e5000000"}`,
		`{"student_id": "stu-1", "method": "cash", "amount": "123456789012"}`,
	} {
		start := time.Now()
		rec := s.do(http.MethodPost, "/api/payments", body)

		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "validation", decodeBody[ErrorResponse](t, rec).Code, body)
		assert.Less(t, time.Since(start), time.Second, body)
	}

	payments, err := s.fx.Store.ListPayments(s.fx.Ctx, ledger.PaymentFilter{})
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestCreateRefund_ExceedsAvailable(t *testing.T) {
	// GIVEN: A 600 payment
	// WHEN: Refunding 700
	// THEN: 422 carrying the available and requested amounts
	s := newTestServer(t)
	s.createInvoice(ledgertest.Student1, "1000")
	p := s.createPayment(ledgertest.Student1, "600")

	rec := s.do(http.MethodPost, "/api/payments/"+p.ID+"/refunds", map[string]any{"amount": "700"})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var resp struct {
		Code    string                  `json:"code"`
		Details ExceedsAvailableDetails `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "exceeds_available", resp.Code)
	assert.Equal(t, "600.00", resp.Details.Available)
	assert.Equal(t, "700.00", resp.Details.Requested)
}

func TestCreateRefund_ClawsBackAllocation(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice(ledgertest.Student1, "1000")
	p := s.createPayment(ledgertest.Student1, "600")

	rec := s.do(http.MethodPost, "/api/payments/"+p.ID+"/refunds", map[string]any{"amount": "200", "notes": "Overpaid trip"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	refund := decodeBody[ledger.Refund](t, rec)
	assert.Equal(t, ledger.RefundCompleted, refund.Status)

	view := decodeBody[ledger.InvoiceView](t, s.do(http.MethodGet, "/api/invoices/"+inv.ID, nil))
	assert.Equal(t, "400.00", view.Paid.String())

	pv := decodeBody[ledger.PaymentView](t, s.do(http.MethodGet, "/api/payments/"+p.ID, nil))
	assert.Equal(t, ledger.PaymentPartiallyRefunded, pv.Status)
	assert.Equal(t, "200.00", pv.CompletedRefunded.String())
	require.Len(t, pv.Refunds, 1)
}

func TestPendingPayment_ApproveThenFailConflicts(t *testing.T) {
	// GIVEN: A pending gateway payment
	// WHEN: Approving it, then trying to fail it
	// THEN: Approval allocates; failing a completed payment is a 409
	s := newTestServer(t)
	inv := s.createInvoice(ledgertest.Student1, "300")

	rec := s.doAs("", http.MethodPost, "/api/payments/pending", map[string]any{
		"student_id":           ledgertest.Student1,
		"method":               "mpesa",
		"amount":               "300",
		"mpesa_receipt_number": "QK7H2X9LMN",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pending := decodeBody[ledger.PaymentView](t, rec)
	assert.Equal(t, ledger.PaymentPending, pending.Status)

	rec = s.do(http.MethodPost, "/api/payments/"+pending.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ledger.PaymentCompleted, decodeBody[ledger.PaymentView](t, rec).Status)

	view := decodeBody[ledger.InvoiceView](t, s.do(http.MethodGet, "/api/invoices/"+inv.ID, nil))
	assert.Equal(t, ledger.InvoicePaid, view.Status)

	rec = s.do(http.MethodPost, "/api/payments/"+pending.ID+"/fail", ReasonRequest{Reason: "late callback"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReversePayment_ReleasesInvoice(t *testing.T) {
	s := newTestServer(t)
	inv := s.createInvoice(ledgertest.Student1, "1000")
	p := s.createPayment(ledgertest.Student1, "600")

	rec := s.do(http.MethodPost, "/api/payments/"+p.ID+"/reverse", ReasonRequest{Reason: "Bounced cheque"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pv := decodeBody[ledger.PaymentView](t, rec)
	assert.Equal(t, ledger.PaymentReversed, pv.Status)
	assert.Equal(t, "Bounced cheque", pv.ReversalReason)

	view := decodeBody[ledger.InvoiceView](t, s.do(http.MethodGet, "/api/invoices/"+inv.ID, nil))
	assert.Equal(t, ledger.InvoicePending, view.Status)
	assert.Equal(t, "0.00", view.Paid.String())
}

func TestListPayments_InvalidMethod(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/payments?method=barter", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// BULK, ALLOCATION, SUMMARY
// =============================================================================

func TestBulkInvoice_CreateAndCancel(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/bulk-invoices", map[string]any{
		"name":        "Term 1 Trip",
		"due_date":    "2026-02-01",
		"priority":    2,
		"items":       []map[string]any{{"description": "Museum trip", "quantity": 1, "unit_price": "1500"}},
		"student_ids": []string{ledgertest.Student1, ledgertest.Student2, ledgertest.Student1},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bulk := decodeBody[ledger.BulkInvoiceView](t, rec)
	assert.Len(t, bulk.Invoices, 2)
	assert.Equal(t, "3000.00", bulk.TotalBilled.String())

	rec = s.do(http.MethodPost, "/api/bulk-invoices/"+bulk.ID+"/cancel", ReasonRequest{Reason: "Trip postponed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeBody[ledger.BulkInvoiceView](t, rec)
	assert.Equal(t, ledger.BulkCancelled, cancelled.Status)
	for _, inv := range cancelled.Invoices {
		assert.Equal(t, ledger.InvoiceCancelled, inv.Status)
	}

	list := decodeBody[[]ledger.BulkInvoiceView](t, s.do(http.MethodGet, "/api/bulk-invoices", nil))
	assert.Len(t, list, 1)
}

func TestAllocateStudent_ReturnsRun(t *testing.T) {
	s := newTestServer(t)
	s.createInvoice(ledgertest.Student1, "1000")

	rec := s.do(http.MethodPost, "/api/students/"+ledgertest.Student1+"/allocate", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decodeBody[ledger.AllocationRun](t, rec)
	assert.Equal(t, ledgertest.Student1, run.StudentID)
	assert.True(t, run.TotalAllocated.IsZero())
}

func TestGetSummary(t *testing.T) {
	s := newTestServer(t)
	s.createInvoice(ledgertest.Student1, "1000")
	p := s.createPayment(ledgertest.Student1, "600")
	s.do(http.MethodPost, "/api/payments/"+p.ID+"/refunds", map[string]any{"amount": "100"})

	rec := s.do(http.MethodGet, "/api/summary?from=2026-01-01&to=2026-01-31", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decodeBody[ledger.FinancialSummary](t, rec)
	assert.Equal(t, "600.00", sum.GrossReceived.String())
	assert.Equal(t, "100.00", sum.RefundsIssued.String())
	assert.Equal(t, "500.00", sum.NetRevenue.String())
	assert.Equal(t, "500.00", sum.Outstanding.String())

	rec = s.do(http.MethodGet, "/api/summary?from=2026-02-01&to=2026-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshStatuses_ThroughSweeper(t *testing.T) {
	// GIVEN: An unpaid invoice due Feb 15 and the clock moved to Mar 1
	// WHEN: Triggering the sweep over HTTP
	// THEN: One invoice changed and it is stored as OVERDUE
	s := newTestServer(t)
	s.handler.Sweeper = NewOverdueSweeper(s.fx.Service, s.handler.Logger)
	inv := s.createInvoice(ledgertest.Student1, "1000")
	s.fx.Clock.T = ledger.Date(2026, time.March, 1)

	rec := s.do(http.MethodPost, "/api/admin/refresh-statuses", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeBody[RefreshResponse](t, rec).Changed)

	stored, err := s.fx.Store.GetInvoice(s.fx.Ctx, inv.ID, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceOverdue, stored.Status)

	ranAt, lastErr := s.handler.Sweeper.LastRun()
	assert.NoError(t, lastErr)
	assert.Equal(t, ledger.Date(2026, time.March, 1), ranAt)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

// =============================================================================
// DTOs
// =============================================================================

func TestDate_AcceptsDayAndTimestamp(t *testing.T) {
	var d Date
	require.NoError(t, json.Unmarshal([]byte(`"2026-02-15"`), &d))
	assert.Equal(t, ledger.Date(2026, time.February, 15), d.Time)

	require.NoError(t, json.Unmarshal([]byte(`"2026-02-15T22:30:00+03:00"`), &d))
	assert.Equal(t, ledger.Date(2026, time.February, 15), d.Time)

	assert.Error(t, json.Unmarshal([]byte(`20260215`), &d))

	raw, err := json.Marshal(Date{Time: ledger.Date(2026, time.February, 15)})
	require.NoError(t, err)
	assert.JSONEq(t, `"2026-02-15"`, string(raw))
}
