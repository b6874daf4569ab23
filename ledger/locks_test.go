package ledger_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/ledger/ledgertest"
	"github.com/zanaka/finance-engine/ledger/store"
)

// =============================================================================
// RECORDING STORE
// =============================================================================

// recordingStore wraps the memory store and records the row locks each
// transaction takes, as "payment:<id>" or "invoice:<id>".
type recordingStore struct {
	ledger.TxStore
	mu  sync.Mutex
	txs [][]string
	// fundedErr, when set, fails FundedPaymentsForStudent.
	fundedErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{TxStore: store.NewTxMemory()}
}

func (r *recordingStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return r.TxStore.WithTx(ctx, func(st ledger.Store) error {
		tx := &recordingTx{Store: st, rec: r}
		err := fn(tx)
		r.mu.Lock()
		if len(tx.locks) > 0 {
			r.txs = append(r.txs, tx.locks)
		}
		r.mu.Unlock()
		return err
	})
}

// take returns the locks of every transaction that took one and starts a
// new recording.
func (r *recordingStore) take() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	txs := r.txs
	r.txs = nil
	return txs
}

type recordingTx struct {
	ledger.Store
	rec   *recordingStore
	locks []string
}

func (t *recordingTx) record(kind, id string) {
	t.locks = append(t.locks, kind+":"+id)
}

func (t *recordingTx) GetPayment(ctx context.Context, id string, lock bool) (*ledger.Payment, error) {
	if lock {
		t.record("payment", id)
	}
	return t.Store.GetPayment(ctx, id, lock)
}

func (t *recordingTx) GetInvoice(ctx context.Context, id string, lock bool) (*ledger.Invoice, error) {
	if lock {
		t.record("invoice", id)
	}
	return t.Store.GetInvoice(ctx, id, lock)
}

func (t *recordingTx) FundedPaymentsForStudent(ctx context.Context, studentID string, lock bool) ([]ledger.Payment, error) {
	if t.rec.fundedErr != nil {
		return nil, t.rec.fundedErr
	}
	payments, err := t.Store.FundedPaymentsForStudent(ctx, studentID, lock)
	if lock {
		for _, p := range payments {
			t.record("payment", p.ID)
		}
	}
	return payments, err
}

func (t *recordingTx) OpenInvoicesForStudent(ctx context.Context, studentID string, lock bool) ([]ledger.Invoice, error) {
	invoices, err := t.Store.OpenInvoicesForStudent(ctx, studentID, lock)
	if lock {
		for _, inv := range invoices {
			t.record("invoice", inv.ID)
		}
	}
	return invoices, err
}

// assertPaymentsLockedFirst fails when a transaction locks a payment after
// an invoice.
func assertPaymentsLockedFirst(t *testing.T, txs [][]string) {
	t.Helper()
	for _, locks := range txs {
		seenInvoice := false
		for _, l := range locks {
			switch {
			case strings.HasPrefix(l, "invoice:"):
				seenInvoice = true
			case strings.HasPrefix(l, "payment:"):
				assert.False(t, seenInvoice, "payment locked after an invoice: %v", locks)
			}
		}
	}
}

// =============================================================================
// LOCK ORDER
// =============================================================================

func TestLocks_CancelInvoiceLocksFundingPaymentsFirst(t *testing.T) {
	// GIVEN: An invoice funded by two payments
	// WHEN: Cancelling it
	// THEN: Both payments are locked, oldest first, before the invoice
	rec := newRecordingStore()
	f := ledgertest.New(t, rec)
	inv := f.Invoice(ledgertest.Student1, "1000", 1)
	p1 := f.Payment(ledgertest.Student1, "300")
	p2 := f.Payment(ledgertest.Student1, "200")
	rec.take()

	_, err := f.Service.CancelInvoice(f.Ctx, f.Actor, inv.ID, "duplicate")

	require.NoError(t, err)
	assert.Equal(t, [][]string{{"payment:" + p1.ID, "payment:" + p2.ID, "invoice:" + inv.ID}}, rec.take())
	assert.Equal(t, "500.00", f.PaymentView(p1.ID).Unassigned.Add(f.PaymentView(p2.ID).Unassigned).String())
}

func TestLocks_ShrinkInvoiceLocksFundingPaymentsFirst(t *testing.T) {
	// GIVEN: A paid invoice of 500
	// WHEN: Its total drops to 200
	// THEN: The funding payment is locked before the invoice
	rec := newRecordingStore()
	f := ledgertest.New(t, rec)
	inv := f.Invoice(ledgertest.Student1, "500", 1)
	p := f.Payment(ledgertest.Student1, "500")
	rec.take()

	_, err := f.Service.UpdateInvoice(f.Ctx, f.Actor, inv.ID, ledger.InvoiceUpdate{
		Items: []ledger.LineItemInput{{Description: "Tuition", Quantity: 1, UnitPrice: m("200")}},
	})

	require.NoError(t, err)
	txs := rec.take()
	require.NotEmpty(t, txs)
	assert.Equal(t, []string{"payment:" + p.ID, "invoice:" + inv.ID}, txs[0])
	assertPaymentsLockedFirst(t, txs)
	f.AssertInvoice(inv.ID, "200.00", ledger.InvoicePaid)
}

func TestLocks_BulkCancelLocksAllPaymentsBeforeMembers(t *testing.T) {
	// GIVEN: A batch whose members are funded by payments of two students
	// WHEN: The batch is cancelled
	// THEN: Every funding payment is locked before any member invoice
	rec := newRecordingStore()
	f := ledgertest.New(t, rec)
	f.Payment(ledgertest.Student1, "50")
	f.Payment(ledgertest.Student2, "50")
	view, err := f.Service.BulkCreateInvoices(f.Ctx, f.Actor, ledger.BulkInput{
		Name:       "Trip",
		DueDate:    ledgertest.Start.AddDate(0, 0, 10),
		Items:      []ledger.LineItemInput{{Description: "Trip", Quantity: 1, UnitPrice: m("100")}},
		StudentIDs: []string{ledgertest.Student1, ledgertest.Student2},
	})
	require.NoError(t, err)
	require.Equal(t, "100.00", view.TotalPaid.String())
	rec.take()

	_, err = f.Service.BulkCancelInvoices(f.Ctx, f.Actor, view.ID, "postponed")

	require.NoError(t, err)
	assertPaymentsLockedFirst(t, rec.take())
}

func TestLocks_ReversePaymentLocksInvoicesBeforeReleasing(t *testing.T) {
	// GIVEN: One payment spread over invoices A (priority 1) and B (priority 2)
	// WHEN: The payment is reversed
	// THEN: The payment is locked, then A and B in allocation order
	rec := newRecordingStore()
	f := ledgertest.New(t, rec)
	a := f.Invoice(ledgertest.Student1, "400", 1)
	b := f.Invoice(ledgertest.Student1, "300", 2)
	p := f.Payment(ledgertest.Student1, "700")
	rec.take()

	_, err := f.Service.ReversePayment(f.Ctx, f.Actor, p.ID, "bounced")

	require.NoError(t, err)
	txs := rec.take()
	require.Len(t, txs, 1)
	require.GreaterOrEqual(t, len(txs[0]), 3)
	assert.Equal(t, []string{"payment:" + p.ID, "invoice:" + a.ID, "invoice:" + b.ID}, txs[0][:3])
	f.AssertInvoice(a.ID, "0.00", ledger.InvoicePending)
	f.AssertInvoice(b.ID, "0.00", ledger.InvoicePending)
}

func TestLocks_RefundClawBackLocksInvoicesBeforeReleasing(t *testing.T) {
	// GIVEN: A payment fully allocated to two invoices
	// WHEN: Part of it is refunded
	// THEN: The invoices are locked right after the payment
	rec := newRecordingStore()
	f := ledgertest.New(t, rec)
	a := f.Invoice(ledgertest.Student1, "400", 1)
	b := f.Invoice(ledgertest.Student1, "300", 2)
	p := f.Payment(ledgertest.Student1, "700")
	rec.take()

	f.Refund(p.ID, "100")

	txs := rec.take()
	require.Len(t, txs, 1)
	require.GreaterOrEqual(t, len(txs[0]), 3)
	assert.Equal(t, []string{"payment:" + p.ID, "invoice:" + a.ID, "invoice:" + b.ID}, txs[0][:3])
	f.AssertInvoice(b.ID, "200.00", ledger.InvoicePartiallyPaid)
}

// =============================================================================
// READ PROJECTIONS
// =============================================================================

func TestLocks_ListingFreshInvoicesTakesNoLocks(t *testing.T) {
	// GIVEN: Two invoices whose stored statuses are current
	// WHEN: Listing and fetching them
	// THEN: No row is locked
	rec := newRecordingStore()
	f := ledgertest.New(t, rec)
	inv := f.Invoice(ledgertest.Student1, "400", 1)
	f.Invoice(ledgertest.Student2, "300", 1)
	f.Payment(ledgertest.Student1, "100")
	rec.take()

	views, err := f.Service.FilterInvoices(f.Ctx, ledger.InvoiceFilter{})
	require.NoError(t, err)
	assert.Len(t, views, 2)
	f.InvoiceView(inv.ID)
	_, err = f.Service.RefreshStatuses(f.Ctx)
	require.NoError(t, err)

	assert.Empty(t, rec.take())
}

func TestFilterInvoices_OverdueBeforeSweep(t *testing.T) {
	// GIVEN: A PENDING invoice due Jan 20 and one due next month
	// WHEN: Listing OVERDUE invoices on Jan 25 before any sweep
	// THEN: The late invoice is listed and only it is locked and persisted
	rec := newRecordingStore()
	f := ledgertest.New(t, rec)
	late := f.InvoiceDue(ledgertest.Student1, "500", 1, ledger.Date(2026, time.January, 20))
	f.Invoice(ledgertest.Student2, "300", 1)
	f.Clock.T = ledger.Date(2026, time.January, 25)
	rec.take()

	views, err := f.Service.FilterInvoices(f.Ctx, ledger.InvoiceFilter{Statuses: []ledger.InvoiceStatus{ledger.InvoiceOverdue}})

	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, late.ID, views[0].ID)
	assert.Equal(t, ledger.InvoiceOverdue, views[0].Status)
	assert.Equal(t, [][]string{{"invoice:" + late.ID}}, rec.take())

	stored, err := f.Store.GetInvoice(f.Ctx, late.ID, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceOverdue, stored.Status)

	pending, err := f.Service.FilterInvoices(f.Ctx, ledger.InvoiceFilter{Statuses: []ledger.InvoiceStatus{ledger.InvoicePending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEqual(t, late.ID, pending[0].ID)
}

func TestFilterInvoices_LimitAppliesAfterStatusFilter(t *testing.T) {
	// GIVEN: Three invoices, two of them overdue without a sweep
	// WHEN: Listing OVERDUE with a limit of one
	// THEN: Exactly one overdue invoice comes back
	f := newFixture(t)
	due := ledger.Date(2026, time.January, 20)
	f.Invoice(ledgertest.Student1, "100", 1)
	f.InvoiceDue(ledgertest.Student1, "200", 1, due)
	f.InvoiceDue(ledgertest.Student2, "300", 1, due)
	f.Clock.T = ledger.Date(2026, time.January, 25)

	views, err := f.Service.FilterInvoices(f.Ctx, ledger.InvoiceFilter{
		Statuses: []ledger.InvoiceStatus{ledger.InvoiceOverdue},
		Limit:    1,
	})

	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, ledger.InvoiceOverdue, views[0].Status)
}

func TestBulkView_ReportsRecomputedMemberStatus(t *testing.T) {
	// GIVEN: A batch due Jan 20, unpaid
	// WHEN: Reading it on Jan 25 without a sweep
	// THEN: Every member shows OVERDUE
	f := newFixture(t)
	view, err := f.Service.BulkCreateInvoices(f.Ctx, f.Actor, ledger.BulkInput{
		Name:       "Uniforms",
		DueDate:    ledger.Date(2026, time.January, 20),
		Items:      []ledger.LineItemInput{{Description: "Uniform", Quantity: 1, UnitPrice: m("80")}},
		StudentIDs: []string{ledgertest.Student1, ledgertest.Student2},
	})
	require.NoError(t, err)
	f.Clock.T = ledger.Date(2026, time.January, 25)

	got, err := f.Service.GetBulkInvoice(f.Ctx, view.ID)

	require.NoError(t, err)
	require.Len(t, got.Invoices, 2)
	for _, inv := range got.Invoices {
		assert.Equal(t, ledger.InvoiceOverdue, inv.Status)
	}
	assert.Equal(t, "160.00", got.TotalBilled.String())

	all, err := f.Service.ListBulkInvoices(f.Ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, ledger.InvoiceOverdue, all[0].Invoices[0].Status)
}

// =============================================================================
// BEST-EFFORT ALLOCATION
// =============================================================================

func TestService_AllocationFailureDoesNotFailPayment(t *testing.T) {
	// GIVEN: A store whose funded-payment lookup fails
	// WHEN: A payment is recorded against an open invoice
	// THEN: The payment is COMPLETED, nothing is allocated and the failure
	//       is logged as a warning
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	rec := newRecordingStore()
	f := ledgertest.New(t, rec, ledger.WithLogger(logger))
	inv := f.Invoice(ledgertest.Student1, "100", 1)
	rec.fundedErr = errors.New("connection reset")

	p, err := f.Service.CreatePayment(f.Ctx, f.Actor, ledgertest.Student1, ledger.PaymentInput{
		Method: ledger.MethodCash,
		Amount: m("100"),
	})

	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentCompleted, p.Status)
	f.AssertInvoice(inv.ID, "0.00", ledger.InvoicePending)
	assert.Equal(t, "100.00", f.PaymentView(p.ID).Unassigned.String())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "best-effort effect failed")
	assert.Contains(t, logs.String(), "effect=allocate_payments")
	assert.Contains(t, logs.String(), "connection reset")
}
