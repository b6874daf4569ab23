/*
ledgertest.go - Shared fixtures and store-independent ledger scenarios

PURPOSE:
  Every TxStore implementation must produce the same ledger behaviour.
  RunScenarios drives a Service over a fresh store per scenario and checks
  amounts, statuses and the conservation invariants after each one.

USAGE:
  func TestSQLiteScenarios(t *testing.T) {
      ledgertest.RunScenarios(t, func(t *testing.T) ledger.TxStore {
          return newTestStore(t)
      })
  }

SEE ALSO:
  - ledger/store/memory_test.go, store/sqlite/sqlite_test.go,
    store/postgres/postgres_test.go: The callers
*/
package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/money"
)

// Students seeded by New.
const (
	Student1      = "stu-1"
	Student2      = "stu-2"
	StudentGone   = "stu-gone"
	StudentAbsent = "stu-unknown"
)

// Start is the fixture clock's initial time.
var Start = time.Date(2026, time.January, 15, 9, 0, 0, 0, time.UTC)

// M parses a money literal.
func M(s string) money.Money { return money.MustParse(s) }

// =============================================================================
// FIXTURE
// =============================================================================

type Fixture struct {
	T       *testing.T
	Ctx     context.Context
	Store   ledger.TxStore
	Service *ledger.Service
	Clock   *ledger.FixedClock
	Actor   ledger.Actor
}

// New seeds the directory and returns a service on a fixed clock.
func New(t *testing.T, st ledger.TxStore, opts ...ledger.Option) *Fixture {
	t.Helper()
	ctx := context.Background()
	for _, s := range []ledger.Student{
		{ID: Student1, RegNumber: "ADM-001", FullName: "Amina Otieno", IsActive: true},
		{ID: Student2, RegNumber: "ADM-002", FullName: "Brian Mwangi", IsActive: true},
		{ID: StudentGone, RegNumber: "ADM-003", FullName: "Carol Njeri", IsActive: false},
	} {
		require.NoError(t, st.SaveStudent(ctx, s))
	}

	clock := &ledger.FixedClock{T: Start}
	opts = append([]ledger.Option{ledger.WithClock(clock)}, opts...)
	return &Fixture{
		T:       t,
		Ctx:     ctx,
		Store:   st,
		Service: ledger.NewService(st, opts...),
		Clock:   clock,
		Actor:   ledger.Actor{ID: "bursar-1", Name: "Bursar"},
	}
}

// tick keeps creation times strictly increasing.
func (f *Fixture) tick() { f.Clock.Advance(time.Minute) }

// Invoice creates a single-line invoice due in a month.
func (f *Fixture) Invoice(studentID, total string, priority int) *ledger.Invoice {
	f.T.Helper()
	return f.InvoiceDue(studentID, total, priority, Start.AddDate(0, 1, 0))
}

func (f *Fixture) InvoiceDue(studentID, total string, priority int, due time.Time) *ledger.Invoice {
	f.T.Helper()
	f.tick()
	inv, err := f.Service.CreateInvoice(f.Ctx, f.Actor, studentID, ledger.InvoiceInput{
		DueDate:  due,
		Priority: priority,
		Items:    []ledger.LineItemInput{{Description: "Tuition", Quantity: 1, UnitPrice: M(total)}},
	})
	require.NoError(f.T, err)
	return inv
}

// Payment records a completed cash payment.
func (f *Fixture) Payment(studentID, amount string) *ledger.Payment {
	f.T.Helper()
	return f.PaymentFor(studentID, amount, "")
}

// PaymentFor records a completed cash payment pinned to priorityInvoiceID.
func (f *Fixture) PaymentFor(studentID, amount, priorityInvoiceID string) *ledger.Payment {
	f.T.Helper()
	f.tick()
	p, err := f.Service.CreatePayment(f.Ctx, f.Actor, studentID, ledger.PaymentInput{
		Method:            ledger.MethodCash,
		Amount:            M(amount),
		PriorityInvoiceID: priorityInvoiceID,
	})
	require.NoError(f.T, err)
	return p
}

func (f *Fixture) Refund(paymentID, amount string) *ledger.Refund {
	f.T.Helper()
	f.tick()
	r, err := f.Service.CreateRefund(f.Ctx, f.Actor, paymentID, ledger.RefundInput{Amount: M(amount)})
	require.NoError(f.T, err)
	return r
}

func (f *Fixture) InvoiceView(id string) *ledger.InvoiceView {
	f.T.Helper()
	v, err := f.Service.FetchInvoice(f.Ctx, id)
	require.NoError(f.T, err)
	return v
}

func (f *Fixture) PaymentView(id string) *ledger.PaymentView {
	f.T.Helper()
	v, err := f.Service.FetchPayment(f.Ctx, id)
	require.NoError(f.T, err)
	return v
}

// AssertInvoice checks paid amount and status.
func (f *Fixture) AssertInvoice(id, paid string, status ledger.InvoiceStatus) {
	f.T.Helper()
	v := f.InvoiceView(id)
	assert.Equal(f.T, paid, v.Paid.String(), "paid of %s", v.Reference)
	assert.Equal(f.T, status, v.Status, "status of %s", v.Reference)
}

// AssertConservation checks every payment and invoice in the store:
// allocated + completed refunds never exceed a payment's amount and no
// invoice has a negative balance.
func (f *Fixture) AssertConservation() {
	f.T.Helper()
	payments, err := f.Store.ListPayments(f.Ctx, ledger.PaymentFilter{})
	require.NoError(f.T, err)
	for _, p := range payments {
		allocated, err := f.Store.AllocatedFromPayment(f.Ctx, p.ID)
		require.NoError(f.T, err)
		refunded, err := f.Store.RefundedFromPayment(f.Ctx, p.ID, ledger.RefundCompleted)
		require.NoError(f.T, err)
		assert.True(f.T, allocated.Add(refunded).LessOrEqual(p.Amount),
			"payment %s over-committed: allocated %s refunded %s amount %s", p.Reference, allocated, refunded, p.Amount)
		if !p.Status.Funded() {
			assert.True(f.T, allocated.IsZero(), "%s payment %s still allocated %s", p.Status, p.Reference, allocated)
		}
	}

	invoices, err := f.Store.ListInvoices(f.Ctx, ledger.InvoiceFilter{})
	require.NoError(f.T, err)
	for _, inv := range invoices {
		total, err := f.Store.InvoiceTotal(f.Ctx, inv.ID)
		require.NoError(f.T, err)
		paid, err := f.Store.AllocatedToInvoice(f.Ctx, inv.ID)
		require.NoError(f.T, err)
		assert.True(f.T, paid.LessOrEqual(total), "invoice %s paid %s exceeds total %s", inv.Reference, paid, total)
		if inv.Status == ledger.InvoiceCancelled {
			assert.True(f.T, paid.IsZero(), "cancelled invoice %s still paid %s", inv.Reference, paid)
		}
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// Scenario is one store-independent behaviour check.
type Scenario struct {
	Name string
	Run  func(f *Fixture)
}

// RunScenarios runs every scenario on a fresh store from newStore.
func RunScenarios(t *testing.T, newStore func(t *testing.T) ledger.TxStore) {
	for _, sc := range Scenarios() {
		t.Run(sc.Name, func(t *testing.T) {
			f := New(t, newStore(t))
			sc.Run(f)
			f.AssertConservation()
		})
	}
}

func Scenarios() []Scenario {
	return []Scenario{
		{"PartialPayment", partialPayment},
		{"TopUpCompletesInvoice", topUpCompletesInvoice},
		{"ReversalReleasesAllocations", reversalReleasesAllocations},
		{"RefundClawsBackAllocation", refundClawsBackAllocation},
		{"RefundAboveAvailableRejected", refundAboveAvailableRejected},
		{"RefundNewestAllocationFirst", refundNewestAllocationFirst},
		{"FullRefund", fullRefund},
		{"CancelRefundFreesFunds", cancelRefundFreesFunds},
		{"FIFOAcrossPayments", fifoAcrossPayments},
		{"PriorityOrderAcrossInvoices", priorityOrderAcrossInvoices},
		{"PriorityInvoicePinned", priorityInvoicePinned},
		{"CancelAndActivateInvoice", cancelAndActivateInvoice},
		{"ShrinkInvoiceReleasesExcess", shrinkInvoiceReleasesExcess},
		{"PendingPaymentApproval", pendingPaymentApproval},
		{"DuplicateReceiptRejected", duplicateReceiptRejected},
		{"DraftInvoiceIssue", draftInvoiceIssue},
		{"OverdueSweep", overdueSweep},
		{"BulkCreateAndCancel", bulkCreateAndCancel},
		{"BulkCreateRollsBack", bulkCreateRollsBack},
		{"DailyReferences", dailyReferences},
		{"SearchFilters", searchFilters},
		{"Summary", summary},
		{"TransactionRollback", transactionRollback},
		{"FeeCatalogFromStore", feeCatalogFromStore},
	}
}

func partialPayment(f *Fixture) {
	// GIVEN: An invoice of 1000
	// WHEN: A payment of 600 arrives
	// THEN: The invoice is PARTIALLY_PAID with 400 left, the payment fully used
	inv := f.Invoice(Student1, "1000", 1)
	p := f.Payment(Student1, "600")

	v := f.InvoiceView(inv.ID)
	assert.Equal(f.T, "600.00", v.Paid.String())
	assert.Equal(f.T, "400.00", v.Balance.String())
	assert.Equal(f.T, ledger.InvoicePartiallyPaid, v.Status)
	require.Len(f.T, v.Allocations, 1)
	assert.Equal(f.T, p.Reference, v.Allocations[0].PaymentReference)
	assert.Equal(f.T, 1, v.Allocations[0].Order)

	pv := f.PaymentView(p.ID)
	assert.Equal(f.T, "600.00", pv.Allocated.String())
	assert.Equal(f.T, "0.00", pv.Unassigned.String())
	assert.Equal(f.T, "600.00", pv.AvailableForRefund.String())
}

func topUpCompletesInvoice(f *Fixture) {
	// GIVEN: 1000 invoice with 600 paid
	// WHEN: Another 400 arrives
	// THEN: The invoice is PAID
	inv := f.Invoice(Student1, "1000", 1)
	f.Payment(Student1, "600")
	f.Payment(Student1, "400")

	f.AssertInvoice(inv.ID, "1000.00", ledger.InvoicePaid)
	assert.Equal(f.T, "0.00", f.InvoiceView(inv.ID).Balance.String())
}

func reversalReleasesAllocations(f *Fixture) {
	// GIVEN: 1000 invoice paid by 600 + 400
	// WHEN: The 600 payment is reversed
	// THEN: Paid drops to 400 and the reversed payment has no allocations
	inv := f.Invoice(Student1, "1000", 1)
	p1 := f.Payment(Student1, "600")
	f.Payment(Student1, "400")

	reversed, err := f.Service.ReversePayment(f.Ctx, f.Actor, p1.ID, "")
	require.NoError(f.T, err)
	assert.Equal(f.T, ledger.PaymentReversed, reversed.Status)
	assert.Equal(f.T, "Not provided", reversed.ReversalReason)

	f.AssertInvoice(inv.ID, "400.00", ledger.InvoicePartiallyPaid)
	pv := f.PaymentView(p1.ID)
	assert.Empty(f.T, pv.Allocations)
	assert.Equal(f.T, "0.00", pv.AvailableForRefund.String())

	// Terminal
	_, err = f.Service.ReversePayment(f.Ctx, f.Actor, p1.ID, "again")
	assert.ErrorIs(f.T, err, ledger.ErrInvalidState)
	_, err = f.Service.AllocatePayments(f.Ctx, Student1)
	require.NoError(f.T, err)
	f.AssertInvoice(inv.ID, "400.00", ledger.InvoicePartiallyPaid)
}

func refundClawsBackAllocation(f *Fixture) {
	// GIVEN: 600 fully allocated to a 1000 invoice
	// WHEN: 200 is refunded
	// THEN: Paid is 400 and the payment PARTIALLY_REFUNDED
	inv := f.Invoice(Student1, "1000", 1)
	p := f.Payment(Student1, "600")

	r := f.Refund(p.ID, "200")
	assert.Equal(f.T, ledger.RefundCompleted, r.Status)
	assert.Equal(f.T, ledger.MethodCash, r.Method)

	f.AssertInvoice(inv.ID, "400.00", ledger.InvoicePartiallyPaid)
	pv := f.PaymentView(p.ID)
	assert.Equal(f.T, ledger.PaymentPartiallyRefunded, pv.Status)
	assert.Equal(f.T, "400.00", pv.Allocated.String())
	assert.Equal(f.T, "200.00", pv.CompletedRefunded.String())
	assert.Equal(f.T, "600.00", pv.EffectiveUtilized.String())
	assert.Equal(f.T, "0.00", pv.Unassigned.String())
	assert.Equal(f.T, "400.00", pv.AvailableForRefund.String())
	require.Len(f.T, pv.Refunds, 1)

	// The surviving allocation replaced the original one.
	require.Len(f.T, pv.Allocations, 1)
	assert.Equal(f.T, r.ID, pv.Allocations[0].RefundID)
	assert.NotEmpty(f.T, pv.Allocations[0].SupersedesID)
}

func refundAboveAvailableRejected(f *Fixture) {
	// GIVEN: A 600 payment with 400 available after a 200 refund
	// WHEN: Refunding available + 0.01
	// THEN: ExceedsAvailable, carrying the available amount
	f.Invoice(Student1, "1000", 1)
	p := f.Payment(Student1, "600")
	f.Refund(p.ID, "200")

	_, err := f.Service.CreateRefund(f.Ctx, f.Actor, p.ID, ledger.RefundInput{Amount: M("400.01")})
	require.ErrorIs(f.T, err, ledger.ErrExceedsAvailable)
	var exceeds *ledger.ExceedsAvailableError
	require.ErrorAs(f.T, err, &exceeds)
	assert.Equal(f.T, "400.00", exceeds.Available.String())
	assert.Contains(f.T, err.Error(), "400.00")

	// Pending refunds reserve capacity.
	_, err = f.Service.CreateRefund(f.Ctx, f.Actor, p.ID, ledger.RefundInput{Amount: M("300"), Status: ledger.RefundPending})
	require.NoError(f.T, err)
	pv := f.PaymentView(p.ID)
	assert.Equal(f.T, ledger.PaymentPartiallyRefunded, pv.Status)
	assert.Equal(f.T, "100.00", pv.AvailableForRefund.String())
	assert.Equal(f.T, "400.00", pv.Allocated.String())

	_, err = f.Service.CreateRefund(f.Ctx, f.Actor, p.ID, ledger.RefundInput{Amount: M("100.01")})
	assert.ErrorIs(f.T, err, ledger.ErrExceedsAvailable)
	_, err = f.Service.CreateRefund(f.Ctx, f.Actor, p.ID, ledger.RefundInput{Amount: M("0")})
	assert.ErrorIs(f.T, err, ledger.ErrValidation)
}

func refundNewestAllocationFirst(f *Fixture) {
	// GIVEN: 600 split as A 500 (order 1) and B 100 (order 2)
	// WHEN: 200 is refunded
	// THEN: B loses its 100 first, A loses the other 100
	a := f.Invoice(Student1, "500", 1)
	b := f.Invoice(Student1, "300", 2)
	p := f.Payment(Student1, "600")
	f.AssertInvoice(a.ID, "500.00", ledger.InvoicePaid)
	f.AssertInvoice(b.ID, "100.00", ledger.InvoicePartiallyPaid)

	f.Refund(p.ID, "200")

	f.AssertInvoice(a.ID, "400.00", ledger.InvoicePartiallyPaid)
	f.AssertInvoice(b.ID, "0.00", ledger.InvoicePending)
}

func fullRefund(f *Fixture) {
	// GIVEN: 600 allocated to a 1000 invoice
	// WHEN: All 600 is refunded
	// THEN: REFUNDED, nothing allocated, nothing left to refund
	inv := f.Invoice(Student1, "1000", 1)
	p := f.Payment(Student1, "600")
	f.Refund(p.ID, "600")

	pv := f.PaymentView(p.ID)
	assert.Equal(f.T, ledger.PaymentRefunded, pv.Status)
	assert.Equal(f.T, "0.00", pv.Allocated.String())
	assert.Equal(f.T, "0.00", pv.AvailableForRefund.String())
	f.AssertInvoice(inv.ID, "0.00", ledger.InvoicePending)

	_, err := f.Service.CreateRefund(f.Ctx, f.Actor, p.ID, ledger.RefundInput{Amount: M("1")})
	assert.ErrorIs(f.T, err, ledger.ErrInvalidState)
}

func cancelRefundFreesFunds(f *Fixture) {
	// GIVEN: A 200 refund clawed back from a 600 allocation
	// WHEN: The refund is cancelled
	// THEN: The payment is COMPLETED again and the freed 200 is reallocated
	inv := f.Invoice(Student1, "1000", 1)
	p := f.Payment(Student1, "600")
	r := f.Refund(p.ID, "200")

	cancelled, err := f.Service.CancelRefund(f.Ctx, f.Actor, r.ID, "issued by mistake")
	require.NoError(f.T, err)
	assert.Equal(f.T, ledger.RefundCancelled, cancelled.Status)

	pv := f.PaymentView(p.ID)
	assert.Equal(f.T, ledger.PaymentCompleted, pv.Status)
	assert.Equal(f.T, "600.00", pv.Allocated.String())
	f.AssertInvoice(inv.ID, "600.00", ledger.InvoicePartiallyPaid)

	_, err = f.Service.CancelRefund(f.Ctx, f.Actor, r.ID, "")
	assert.ErrorIs(f.T, err, ledger.ErrAlreadyCancelled)
	assert.ErrorIs(f.T, err, ledger.ErrInvalidState)
}

func fifoAcrossPayments(f *Fixture) {
	// GIVEN: Two 300 payments waiting with no invoice
	// WHEN: A 500 invoice is created
	// THEN: The older payment is used up first
	p1 := f.Payment(Student1, "300")
	p2 := f.Payment(Student1, "300")
	assert.Equal(f.T, "300.00", f.PaymentView(p1.ID).Unassigned.String())

	inv := f.Invoice(Student1, "500", 1)

	f.AssertInvoice(inv.ID, "500.00", ledger.InvoicePaid)
	assert.Equal(f.T, "0.00", f.PaymentView(p1.ID).Unassigned.String())
	assert.Equal(f.T, "100.00", f.PaymentView(p2.ID).Unassigned.String())
}

func priorityOrderAcrossInvoices(f *Fixture) {
	// GIVEN: Invoices with priority 2 (created first) and priority 1
	// WHEN: A payment smaller than both arrives
	// THEN: The priority 1 invoice is funded first
	low := f.Invoice(Student1, "500", 2)
	high := f.Invoice(Student1, "500", 1)
	f.Payment(Student1, "700")

	f.AssertInvoice(high.ID, "500.00", ledger.InvoicePaid)
	f.AssertInvoice(low.ID, "200.00", ledger.InvoicePartiallyPaid)
}

func priorityInvoicePinned(f *Fixture) {
	// GIVEN: Invoices A (priority 1) and B (priority 2)
	// WHEN: A payment names B as its priority invoice
	// THEN: B is funded before A
	a := f.Invoice(Student1, "500", 1)
	b := f.Invoice(Student1, "500", 2)
	p := f.PaymentFor(Student1, "600", b.ID)

	f.AssertInvoice(b.ID, "500.00", ledger.InvoicePaid)
	f.AssertInvoice(a.ID, "100.00", ledger.InvoicePartiallyPaid)
	pv := f.PaymentView(p.ID)
	require.Len(f.T, pv.Allocations, 2)
	assert.Equal(f.T, b.ID, pv.Allocations[0].InvoiceID)
	assert.Equal(f.T, 1, pv.Allocations[0].Order)
	assert.Equal(f.T, 2, pv.Allocations[1].Order)

	// Another student's invoice cannot be pinned.
	_, err := f.Service.CreatePayment(f.Ctx, f.Actor, Student2, ledger.PaymentInput{
		Method: ledger.MethodCash, Amount: M("10"), PriorityInvoiceID: a.ID,
	})
	assert.ErrorIs(f.T, err, ledger.ErrValidation)
}

func cancelAndActivateInvoice(f *Fixture) {
	// GIVEN: A 500 invoice paid in full
	// WHEN: It is cancelled, a 200 invoice created, then the first reactivated
	// THEN: Funds move to the new invoice and the rest back to the old one
	inv := f.Invoice(Student1, "500", 1)
	p := f.Payment(Student1, "500")

	cancelled, err := f.Service.CancelInvoice(f.Ctx, f.Actor, inv.ID, "raised twice")
	require.NoError(f.T, err)
	assert.Equal(f.T, ledger.InvoiceCancelled, cancelled.Status)
	assert.Equal(f.T, "raised twice", cancelled.CancellationReason)
	assert.Equal(f.T, "500.00", f.PaymentView(p.ID).Unassigned.String())
	f.AssertInvoice(inv.ID, "0.00", ledger.InvoiceCancelled)

	_, err = f.Service.CancelInvoice(f.Ctx, f.Actor, inv.ID, "")
	assert.ErrorIs(f.T, err, ledger.ErrAlreadyCancelled)

	other := f.Invoice(Student1, "200", 1)
	f.AssertInvoice(other.ID, "200.00", ledger.InvoicePaid)

	activated, err := f.Service.ActivateInvoice(f.Ctx, f.Actor, inv.ID)
	require.NoError(f.T, err)
	assert.Empty(f.T, activated.CancelledBy)
	f.AssertInvoice(inv.ID, "300.00", ledger.InvoicePartiallyPaid)

	_, err = f.Service.ActivateInvoice(f.Ctx, f.Actor, inv.ID)
	assert.ErrorIs(f.T, err, ledger.ErrInvalidState)
}

func shrinkInvoiceReleasesExcess(f *Fixture) {
	// GIVEN: 1000 invoice with 600 paid
	// WHEN: Its items are replaced by a 400 total
	// THEN: 200 is released back to the payment and the invoice is PAID
	inv := f.Invoice(Student1, "1000", 1)
	p := f.Payment(Student1, "600")

	updated, err := f.Service.UpdateInvoice(f.Ctx, f.Actor, inv.ID, ledger.InvoiceUpdate{
		Items: []ledger.LineItemInput{
			{Description: "Tuition", Quantity: 1, UnitPrice: M("300")},
			{Description: "Books", Quantity: 2, UnitPrice: M("50")},
		},
	})
	require.NoError(f.T, err)
	assert.Equal(f.T, "400.00", updated.Total.String())

	v := f.InvoiceView(inv.ID)
	assert.Equal(f.T, ledger.InvoicePaid, v.Status)
	assert.Equal(f.T, "400.00", v.Paid.String())
	require.Len(f.T, v.Items, 2)
	assert.Equal(f.T, "100.00", v.Items[1].Amount.String())
	assert.Equal(f.T, "200.00", f.PaymentView(p.ID).Unassigned.String())
}

func pendingPaymentApproval(f *Fixture) {
	// GIVEN: A pending payment of 500
	// WHEN: It is approved
	// THEN: Only then does it fund the invoice
	inv := f.Invoice(Student1, "500", 1)
	p, err := f.Service.CreatePendingPayment(f.Ctx, Student1, ledger.PaymentInput{Method: ledger.MethodMpesa, Amount: M("500")})
	require.NoError(f.T, err)
	assert.Equal(f.T, ledger.PaymentPending, p.Status)
	assert.Equal(f.T, "Auto-generated pending payment", p.Notes)

	_, err = f.Service.AllocatePayments(f.Ctx, Student1)
	require.NoError(f.T, err)
	f.AssertInvoice(inv.ID, "0.00", ledger.InvoicePending)

	approved, err := f.Service.ApprovePayment(f.Ctx, f.Actor, p.ID)
	require.NoError(f.T, err)
	assert.Equal(f.T, ledger.PaymentCompleted, approved.Status)
	assert.Equal(f.T, f.Actor.ID, approved.VerifiedBy)
	f.AssertInvoice(inv.ID, "500.00", ledger.InvoicePaid)

	_, err = f.Service.ApprovePayment(f.Ctx, f.Actor, p.ID)
	assert.ErrorIs(f.T, err, ledger.ErrInvalidState)
	_, err = f.Service.ApprovePayment(f.Ctx, f.Actor, "missing")
	assert.True(f.T, ledger.IsNotFound(err))
}

func duplicateReceiptRejected(f *Fixture) {
	// GIVEN: An mpesa payment with receipt QKX1
	// WHEN: Another mpesa payment reuses QKX1
	// THEN: Rejected, unless the first one failed
	when := Start.Add(-time.Hour)
	in := ledger.PaymentInput{
		Method:               ledger.MethodMpesa,
		Amount:               M("100"),
		MpesaReceiptNumber:   "QKX1",
		MpesaPhoneNumber:     "254700000001",
		MpesaTransactionDate: &when,
	}
	pending, err := f.Service.CreatePendingPayment(f.Ctx, Student1, in)
	require.NoError(f.T, err)

	_, err = f.Service.CreatePayment(f.Ctx, f.Actor, Student1, in)
	assert.ErrorIs(f.T, err, ledger.ErrValidation)

	_, err = f.Service.FailPayment(f.Ctx, f.Actor, pending.ID, "timeout")
	require.NoError(f.T, err)
	_, err = f.Service.CreatePayment(f.Ctx, f.Actor, Student1, in)
	require.NoError(f.T, err)

	// Strict fields for manual mpesa payments.
	in.MpesaReceiptNumber = "QKX2"
	in.MpesaPhoneNumber = ""
	_, err = f.Service.CreatePayment(f.Ctx, f.Actor, Student1, in)
	assert.ErrorIs(f.T, err, ledger.ErrValidation)
}

func draftInvoiceIssue(f *Fixture) {
	// GIVEN: Unassigned funds and a draft invoice
	// WHEN: The draft is issued
	// THEN: It is only funded after issuing
	f.Payment(Student1, "300")
	f.tick()
	draft, err := f.Service.CreateInvoice(f.Ctx, f.Actor, Student1, ledger.InvoiceInput{
		DueDate: Start.AddDate(0, 1, 0),
		Items:   []ledger.LineItemInput{{Description: "Trip", Quantity: 1, UnitPrice: M("250")}},
		Draft:   true,
	})
	require.NoError(f.T, err)
	f.AssertInvoice(draft.ID, "0.00", ledger.InvoiceDraft)

	_, err = f.Service.IssueInvoice(f.Ctx, f.Actor, draft.ID)
	require.NoError(f.T, err)
	f.AssertInvoice(draft.ID, "250.00", ledger.InvoicePaid)

	_, err = f.Service.IssueInvoice(f.Ctx, f.Actor, draft.ID)
	assert.ErrorIs(f.T, err, ledger.ErrInvalidState)
}

func overdueSweep(f *Fixture) {
	// GIVEN: A partially paid invoice and a paid one, both due Jan 20
	// WHEN: The sweep runs on Jan 25
	// THEN: Only the unpaid one turns OVERDUE
	due := ledger.Date(2026, time.January, 20)
	open := f.InvoiceDue(Student1, "500", 1, due)
	paid := f.InvoiceDue(Student2, "100", 1, due)
	f.Payment(Student1, "200")
	f.Payment(Student2, "100")

	f.Clock.T = ledger.Date(2026, time.January, 25)
	changed, err := f.Service.RefreshStatuses(f.Ctx)
	require.NoError(f.T, err)
	assert.Equal(f.T, 1, changed)

	stored, err := f.Store.GetInvoice(f.Ctx, open.ID, false)
	require.NoError(f.T, err)
	assert.Equal(f.T, ledger.InvoiceOverdue, stored.Status)
	f.AssertInvoice(paid.ID, "100.00", ledger.InvoicePaid)

	// A payment covering the rest clears OVERDUE.
	f.Payment(Student1, "300")
	f.AssertInvoice(open.ID, "500.00", ledger.InvoicePaid)
}

func bulkCreateAndCancel(f *Fixture) {
	// GIVEN: A bulk batch for two students, one with funds waiting
	// WHEN: The batch is cancelled
	// THEN: Every member is cancelled and the funds are free again
	p := f.Payment(Student1, "150")
	f.tick()
	view, err := f.Service.BulkCreateInvoices(f.Ctx, f.Actor, ledger.BulkInput{
		Name:       "Term 1 trip",
		DueDate:    Start.AddDate(0, 0, 10),
		Items:      []ledger.LineItemInput{{Description: "Trip", Quantity: 1, UnitPrice: M("100")}},
		StudentIDs: []string{Student1, Student2, Student1},
	})
	require.NoError(f.T, err)
	assert.Equal(f.T, ledger.BulkActive, view.Status)
	require.Len(f.T, view.Invoices, 2)
	assert.Equal(f.T, "200.00", view.TotalBilled.String())
	assert.Equal(f.T, "100.00", view.TotalPaid.String())

	members, err := f.Service.FilterInvoices(f.Ctx, ledger.InvoiceFilter{BulkInvoiceID: view.ID})
	require.NoError(f.T, err)
	for _, m := range members {
		assert.True(f.T, m.IsAutoGenerated)
	}

	cancelled, err := f.Service.BulkCancelInvoices(f.Ctx, f.Actor, view.ID, "trip postponed")
	require.NoError(f.T, err)
	assert.Equal(f.T, ledger.BulkCancelled, cancelled.Status)
	for _, inv := range cancelled.Invoices {
		assert.Equal(f.T, ledger.InvoiceCancelled, inv.Status)
	}
	assert.Equal(f.T, "150.00", f.PaymentView(p.ID).Unassigned.String())

	_, err = f.Service.BulkCancelInvoices(f.Ctx, f.Actor, view.ID, "")
	assert.ErrorIs(f.T, err, ledger.ErrAlreadyCancelled)

	all, err := f.Service.ListBulkInvoices(f.Ctx)
	require.NoError(f.T, err)
	assert.Len(f.T, all, 1)
}

func bulkCreateRollsBack(f *Fixture) {
	// GIVEN: A batch naming an inactive student
	// WHEN: Creating it
	// THEN: NotFound and no invoice was kept
	_, err := f.Service.BulkCreateInvoices(f.Ctx, f.Actor, ledger.BulkInput{
		Name:       "Uniforms",
		DueDate:    Start.AddDate(0, 0, 10),
		Items:      []ledger.LineItemInput{{Description: "Uniform", Quantity: 2, UnitPrice: M("35.50")}},
		StudentIDs: []string{Student1, StudentGone},
	})
	assert.True(f.T, ledger.IsNotFound(err), "got %v", err)

	invoices, err := f.Store.ListInvoices(f.Ctx, ledger.InvoiceFilter{StudentID: Student1})
	require.NoError(f.T, err)
	assert.Empty(f.T, invoices)
	batches, err := f.Store.ListBulkInvoices(f.Ctx)
	require.NoError(f.T, err)
	assert.Empty(f.T, batches)
}

func dailyReferences(f *Fixture) {
	// GIVEN: A fixed day
	// WHEN: Several records are created
	// THEN: Each kind counts from 0001 and a new day starts over
	i1 := f.Invoice(Student1, "10", 1)
	i2 := f.Invoice(Student2, "10", 1)
	p1 := f.Payment(Student1, "5")
	assert.Equal(f.T, "INV-20260115-0001", i1.Reference)
	assert.Equal(f.T, "INV-20260115-0002", i2.Reference)
	assert.Equal(f.T, "PAY-20260115-0001", p1.Reference)

	r := f.Refund(p1.ID, "1")
	assert.Equal(f.T, "RFD-20260115-0001", r.Reference)

	f.Clock.T = ledger.Date(2026, time.January, 16).Add(8 * time.Hour)
	i3 := f.Invoice(Student1, "10", 1)
	assert.Equal(f.T, "INV-20260116-0001", i3.Reference)
}

func searchFilters(f *Fixture) {
	// GIVEN: Invoices and payments for two students
	// WHEN: Filtering by search term, student and status
	// THEN: Matches follow reference, student name and receipt
	f.Invoice(Student1, "100", 1)
	i2 := f.Invoice(Student2, "100", 1)
	f.tick()
	_, err := f.Service.CreatePayment(f.Ctx, f.Actor, Student2, ledger.PaymentInput{
		Method: ledger.MethodBank, Amount: M("40"), BankReference: "FT-99812", BankName: "KCB",
	})
	require.NoError(f.T, err)

	byName, err := f.Service.FilterInvoices(f.Ctx, ledger.InvoiceFilter{Search: "mwangi"})
	require.NoError(f.T, err)
	require.Len(f.T, byName, 1)
	assert.Equal(f.T, i2.ID, byName[0].ID)
	require.NotNil(f.T, byName[0].Student)
	assert.Equal(f.T, "ADM-002", byName[0].Student.RegNumber)

	byRef, err := f.Service.FilterInvoices(f.Ctx, ledger.InvoiceFilter{Search: i2.Reference})
	require.NoError(f.T, err)
	assert.Len(f.T, byRef, 1)

	partial, err := f.Service.FilterInvoices(f.Ctx, ledger.InvoiceFilter{Statuses: []ledger.InvoiceStatus{ledger.InvoicePartiallyPaid}})
	require.NoError(f.T, err)
	require.Len(f.T, partial, 1)
	assert.Equal(f.T, i2.ID, partial[0].ID)

	byReceipt, err := f.Service.FilterPayments(f.Ctx, ledger.PaymentFilter{Search: "ft-998"})
	require.NoError(f.T, err)
	require.Len(f.T, byReceipt, 1)
	assert.Equal(f.T, "40.00", byReceipt[0].Allocated.String())

	cash, err := f.Service.FilterPayments(f.Ctx, ledger.PaymentFilter{Method: ledger.MethodCash})
	require.NoError(f.T, err)
	assert.Empty(f.T, cash)
}

func summary(f *Fixture) {
	// GIVEN: 1000 billed, 600 received, 100 refunded
	// WHEN: Summarizing
	// THEN: Net 500, outstanding 500
	f.Invoice(Student1, "1000", 1)
	p := f.Payment(Student1, "600")
	f.Refund(p.ID, "100")
	_, err := f.Service.CreatePendingPayment(f.Ctx, Student2, ledger.PaymentInput{Method: ledger.MethodCash, Amount: M("50")})
	require.NoError(f.T, err)

	sum, err := f.Service.Summary(f.Ctx, time.Time{}, time.Time{})
	require.NoError(f.T, err)
	assert.Equal(f.T, "600.00", sum.GrossReceived.String())
	assert.Equal(f.T, "100.00", sum.RefundsIssued.String())
	assert.Equal(f.T, "500.00", sum.NetRevenue.String())
	assert.Equal(f.T, "500.00", sum.Outstanding.String())
	assert.Equal(f.T, "0.00", sum.Overdue.String())
	assert.Equal(f.T, "0.00", sum.UnassignedCash.String())
	assert.Equal(f.T, 1, sum.OpenInvoices)
	assert.Equal(f.T, 1, sum.ReceivedPayments)
	assert.Equal(f.T, 1, sum.PendingPayments)
	assert.Equal(f.T, 1, sum.CompletedRefunds)

	_, err = f.Service.Summary(f.Ctx, Start, Start.Add(-time.Hour))
	assert.ErrorIs(f.T, err, ledger.ErrValidation)
}

func transactionRollback(f *Fixture) {
	// GIVEN: A transaction that writes an invoice, then fails
	// WHEN: WithTx returns
	// THEN: Nothing was kept
	boom := assert.AnError
	id := ledger.NewID()
	err := f.Store.WithTx(f.Ctx, func(st ledger.Store) error {
		inv := &ledger.Invoice{
			Audit:     ledger.Audit{ID: id, CreatedAt: Start, UpdatedAt: Start},
			Reference: "INV-20260115-9999",
			StudentID: Student1,
			DueDate:   Start,
			Priority:  1,
			Status:    ledger.InvoicePending,
		}
		require.NoError(f.T, st.SaveInvoice(f.Ctx, inv))
		_, err := st.NextSequence(f.Ctx, "INV-20260115-")
		require.NoError(f.T, err)
		return boom
	})
	require.ErrorIs(f.T, err, boom)

	_, err = f.Store.GetInvoice(f.Ctx, id, false)
	assert.True(f.T, ledger.IsNotFound(err), "got %v", err)
	seq, err := f.Store.NextSequence(f.Ctx, "INV-20260115-")
	require.NoError(f.T, err)
	assert.Equal(f.T, 1, seq)
}

func feeCatalogFromStore(f *Fixture) {
	// GIVEN: Two fee items imported into the store
	// WHEN: Invoicing by code, then repricing one item
	// THEN: Lines take the catalog price and description, and repricing
	//       only affects lines written afterwards
	n, err := f.Service.ImportFeeItems(f.Ctx, []ledger.FeeItem{
		{Code: "BUS", Description: "School bus", Price: M("1250.50")},
		{Code: " LUNCH ", Description: "Lunch programme", Price: M("300")},
	})
	require.NoError(f.T, err)
	assert.Equal(f.T, 2, n)

	f.tick()
	inv, err := f.Service.CreateInvoice(f.Ctx, f.Actor, Student1, ledger.InvoiceInput{
		DueDate: Start.AddDate(0, 1, 0),
		Items: []ledger.LineItemInput{
			{FeeItemCode: "BUS", Quantity: 2},
			{FeeItemCode: "LUNCH", Quantity: 1, Description: "Lunch, term 1"},
		},
	})
	require.NoError(f.T, err)
	assert.Equal(f.T, "2801.00", inv.Total.String())
	v := f.InvoiceView(inv.ID)
	require.Len(f.T, v.Items, 2)
	assert.Equal(f.T, "School bus", v.Items[0].Description)
	assert.Equal(f.T, "BUS", v.Items[0].FeeItemCode)
	assert.Equal(f.T, "Lunch, term 1", v.Items[1].Description)

	_, err = f.Service.ImportFeeItems(f.Ctx, []ledger.FeeItem{{Code: "BUS", Description: "School bus", Price: M("1300")}})
	require.NoError(f.T, err)
	items, err := f.Service.ListFeeItems(f.Ctx)
	require.NoError(f.T, err)
	require.Len(f.T, items, 2)
	assert.Equal(f.T, "BUS", items[0].Code)
	assert.Equal(f.T, "1300.00", items[0].Price.String())
	assert.Equal(f.T, "LUNCH", items[1].Code)
	assert.Equal(f.T, "2801.00", f.InvoiceView(inv.ID).Total.String())

	// Replacing items resolves codes inside the update transaction.
	updated, err := f.Service.UpdateInvoice(f.Ctx, f.Actor, inv.ID, ledger.InvoiceUpdate{
		Items: []ledger.LineItemInput{{FeeItemCode: "BUS", Quantity: 1}},
	})
	require.NoError(f.T, err)
	assert.Equal(f.T, "1300.00", updated.Total.String())

	_, err = f.Service.ImportFeeItems(f.Ctx, []ledger.FeeItem{{Code: "TRIP", Description: "Trip"}})
	assert.ErrorIs(f.T, err, ledger.ErrValidation)
	_, err = f.Service.ImportFeeItems(f.Ctx, []ledger.FeeItem{
		{Code: "TRIP", Description: "Trip", Price: M("5")},
		{Code: "TRIP", Description: "Trip again", Price: M("6")},
	})
	assert.ErrorIs(f.T, err, ledger.ErrValidation)
	items, err = f.Service.ListFeeItems(f.Ctx)
	require.NoError(f.T, err)
	assert.Len(f.T, items, 2)
}
