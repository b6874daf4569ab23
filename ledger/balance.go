/*
balance.go - Derived invoice and payment amounts, status computation

PURPOSE:
  Answers "how much is still owed?" and "how much of this payment is left?"
  from aggregates read fresh from the store. Nothing here is cached.

INVOICE AMOUNTS:
  Total   = sum of active line items
  Paid    = sum of active allocations to the invoice
  Balance = Total - Paid

  Completed refunds reduce Paid through their claw-back: a refund rewrites
  the funding payment's active allocations (see refund.go), so the
  allocation rows always say which invoice lost the refunded money.

PAYMENT AMOUNTS:
  Allocated          = sum of active allocations from the payment
  CompletedRefunded  = sum of COMPLETED refunds
  PendingRefunded    = sum of PENDING refunds
  EffectiveUtilized  = max(0, Allocated + CompletedRefunded)
  Unassigned         = Amount - Allocated - CompletedRefunded
  AvailableForRefund = max(0, Amount - CompletedRefunded - PendingRefunded),
                       zero for PENDING, FAILED, REVERSED and REFUNDED.

CONSERVATION:
  Allocated + CompletedRefunded <= Amount must hold for every payment and
  Balance >= 0 for every invoice. A violation is an IntegrityError: logged,
  never clamped.

STATUS:
  ComputeStatus is pure. CANCELLED and DRAFT are sticky; otherwise
    paid == 0          -> PENDING
    0 < paid < total   -> PARTIALLY_PAID
    paid >= total      -> PAID
  and anything but PAID past its due date becomes OVERDUE.

SEE ALSO:
  - allocation.go: Consumes Balance and Unassigned
  - refund.go: Consumes AvailableForRefund
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zanaka/finance-engine/money"
)

// =============================================================================
// INVOICE AMOUNTS
// =============================================================================

type InvoiceAmounts struct {
	Total money.Money `json:"total"`
	Paid  money.Money `json:"paid"`
}

func (a InvoiceAmounts) Balance() money.Money { return a.Total.Sub(a.Paid) }

// Integrity returns an error when the balance is negative.
func (a InvoiceAmounts) Integrity(invoiceID string) error {
	if a.Balance().IsNegative() {
		return &IntegrityError{Entity: "invoice", ID: invoiceID,
			Detail: fmt.Sprintf("paid %s exceeds total %s", a.Paid, a.Total)}
	}
	return nil
}

// ComputeStatus derives an invoice status. today and dueDate are compared
// as calendar days.
func ComputeStatus(current InvoiceStatus, a InvoiceAmounts, dueDate, today time.Time) InvoiceStatus {
	if current == InvoiceCancelled || current == InvoiceDraft {
		return current
	}

	var status InvoiceStatus
	switch {
	case !a.Paid.IsPositive():
		status = InvoicePending
	case a.Paid.LessThan(a.Total):
		status = InvoicePartiallyPaid
	default:
		status = InvoicePaid
	}

	if status != InvoicePaid && DayOf(today).After(DayOf(dueDate)) {
		return InvoiceOverdue
	}
	return status
}

// =============================================================================
// PAYMENT AMOUNTS
// =============================================================================

type PaymentAmounts struct {
	Amount            money.Money   `json:"amount"`
	Status            PaymentStatus `json:"status"`
	Allocated         money.Money   `json:"allocated"`
	CompletedRefunded money.Money   `json:"completed_refunded"`
	PendingRefunded   money.Money   `json:"pending_refunded"`
}

func (a PaymentAmounts) EffectiveUtilized() money.Money {
	return a.Allocated.Add(a.CompletedRefunded).Floor()
}

func (a PaymentAmounts) Unassigned() money.Money {
	return a.Amount.Sub(a.Allocated).Sub(a.CompletedRefunded)
}

func (a PaymentAmounts) AvailableForRefund() money.Money {
	switch a.Status {
	case PaymentPending, PaymentFailed, PaymentReversed, PaymentRefunded:
		return money.Zero
	}
	return a.Amount.Sub(a.CompletedRefunded).Sub(a.PendingRefunded).Floor()
}

// Integrity returns an error when the payment is over-committed.
func (a PaymentAmounts) Integrity(paymentID string) error {
	if a.Unassigned().IsNegative() {
		return &IntegrityError{Entity: "payment", ID: paymentID,
			Detail: fmt.Sprintf("allocated %s + refunded %s exceeds amount %s",
				a.Allocated, a.CompletedRefunded, a.Amount)}
	}
	return nil
}

// refundStatus derives the payment status implied by its completed refunds.
// Only COMPLETED, PARTIALLY_REFUNDED and REFUNDED payments are affected.
func (a PaymentAmounts) refundStatus() PaymentStatus {
	switch a.Status {
	case PaymentCompleted, PaymentPartiallyRefunded, PaymentRefunded:
	default:
		return a.Status
	}
	switch {
	case a.CompletedRefunded.GreaterOrEqual(a.Amount):
		return PaymentRefunded
	case a.CompletedRefunded.IsPositive():
		return PaymentPartiallyRefunded
	default:
		return PaymentCompleted
	}
}

// =============================================================================
// LOADING
// =============================================================================

func loadInvoiceAmounts(ctx context.Context, st Store, invoiceID string) (InvoiceAmounts, error) {
	total, err := st.InvoiceTotal(ctx, invoiceID)
	if err != nil {
		return InvoiceAmounts{}, fmt.Errorf("invoice total: %w", err)
	}
	paid, err := st.AllocatedToInvoice(ctx, invoiceID)
	if err != nil {
		return InvoiceAmounts{}, fmt.Errorf("invoice paid: %w", err)
	}
	return InvoiceAmounts{Total: total, Paid: paid}, nil
}

func loadPaymentAmounts(ctx context.Context, st Store, p *Payment) (PaymentAmounts, error) {
	allocated, err := st.AllocatedFromPayment(ctx, p.ID)
	if err != nil {
		return PaymentAmounts{}, fmt.Errorf("payment allocated: %w", err)
	}
	completed, err := st.RefundedFromPayment(ctx, p.ID, RefundCompleted)
	if err != nil {
		return PaymentAmounts{}, fmt.Errorf("payment refunded: %w", err)
	}
	pending, err := st.RefundedFromPayment(ctx, p.ID, RefundPending)
	if err != nil {
		return PaymentAmounts{}, fmt.Errorf("payment pending refunds: %w", err)
	}
	return PaymentAmounts{
		Amount:            p.Amount,
		Status:            p.Status,
		Allocated:         allocated,
		CompletedRefunded: completed,
		PendingRefunded:   pending,
	}, nil
}

// =============================================================================
// RECOMPUTE
// =============================================================================

// recomputeInvoice re-derives total and status from the store and persists
// the invoice if either was stale. It returns the fresh amounts.
func (s *Service) recomputeInvoice(ctx context.Context, st Store, inv *Invoice) (InvoiceAmounts, error) {
	amounts, err := loadInvoiceAmounts(ctx, st, inv.ID)
	if err != nil {
		return amounts, err
	}
	s.reportIntegrity(amounts.Integrity(inv.ID))

	status := ComputeStatus(inv.Status, amounts, inv.DueDate, s.clock.Now())
	if status == inv.Status && inv.Total.Equal(amounts.Total) {
		return amounts, nil
	}

	s.log.Debug("invoice recomputed",
		"invoice_id", inv.ID, "from", inv.Status, "to", status,
		"total", amounts.Total.String(), "paid", amounts.Paid.String())
	inv.Status = status
	inv.Total = amounts.Total
	inv.touch(s.clock.Now())
	if err := st.SaveInvoice(ctx, inv); err != nil {
		return amounts, fmt.Errorf("save invoice %s: %w", inv.ID, err)
	}
	return amounts, nil
}

// recomputeInvoiceByID locks and recomputes one invoice.
func (s *Service) recomputeInvoiceByID(ctx context.Context, st Store, invoiceID string) error {
	inv, err := st.GetInvoice(ctx, invoiceID, true)
	if err != nil {
		return err
	}
	_, err = s.recomputeInvoice(ctx, st, inv)
	return err
}

// recomputePaymentStatus applies refundStatus and persists the payment when
// it changed.
func (s *Service) recomputePaymentStatus(ctx context.Context, st Store, p *Payment) (PaymentAmounts, error) {
	amounts, err := loadPaymentAmounts(ctx, st, p)
	if err != nil {
		return amounts, err
	}
	s.reportIntegrity(amounts.Integrity(p.ID))

	status := amounts.refundStatus()
	if status == p.Status {
		return amounts, nil
	}
	s.log.Debug("payment status recomputed", "payment_id", p.ID, "from", p.Status, "to", status)
	p.Status = status
	amounts.Status = status
	p.touch(s.clock.Now())
	if err := st.SavePayment(ctx, p); err != nil {
		return amounts, fmt.Errorf("save payment %s: %w", p.ID, err)
	}
	return amounts, nil
}

func (s *Service) reportIntegrity(err error) {
	if err == nil {
		return
	}
	var ie *IntegrityError
	attrs := []any{slog.String("error", err.Error())}
	if errors.As(err, &ie) {
		attrs = append(attrs, slog.String("entity", ie.Entity), slog.String("id", ie.ID))
	}
	s.log.Error("ledger integrity violation", attrs...)
}
