/*
refund.go - Refunds and their claw-back of allocated funds

PURPOSE:
  Returns money from a payment. A PENDING refund only reserves capacity; a
  COMPLETED refund takes the money out of the payment for good.

CLAW-BACK:
  A completed refund of R against payment P is drawn:
    1. from P's unassigned funds first,
    2. the rest from P's active allocations, newest allocation first
       (highest allocation order, then latest created).
  A fully consumed allocation is deactivated. A partially consumed one is
  deactivated and replaced by an active allocation carrying the remainder
  (SupersedesID = old allocation, RefundID = the refund). Every touched
  invoice is recomputed, so its Paid drops by exactly what was clawed back.

PAYMENT STATUS:
  completed refunds >= amount -> REFUNDED (remaining allocations released)
  completed refunds  > 0      -> PARTIALLY_REFUNDED
  otherwise                   -> COMPLETED

CANCELLATION:
  Cancelling a refund never restores released allocations. The money shows
  up as unassigned and is picked up by the next allocation run.

EXAMPLE:
  P 600 fully allocated: A 500 (order 1), B 100 (order 2). Refund 200:
    B 100 deactivated, A 500 -> A 400 (replacement), P PARTIALLY_REFUNDED.

SEE ALSO:
  - allocation.go: releaseNewestFirst
  - balance.go: AvailableForRefund
*/
package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/zanaka/finance-engine/money"
)

type RefundInput struct {
	Amount money.Money   `json:"amount"`
	Method PaymentMethod `json:"refund_method,omitempty"`
	// Status is COMPLETED (default) or PENDING.
	Status             RefundStatus `json:"status,omitempty"`
	MpesaReceiptNumber string       `json:"mpesa_receipt_number,omitempty"`
	BankReference      string       `json:"bank_reference,omitempty"`
	Notes              string       `json:"notes,omitempty"`
}

// =============================================================================
// CREATE
// =============================================================================

// CreateRefund records a refund against a COMPLETED or PARTIALLY_REFUNDED
// payment. The refund method defaults to the payment's method.
func (s *Service) CreateRefund(ctx context.Context, actor Actor, paymentID string, in RefundInput) (*Refund, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	status := in.Status
	if status == "" {
		status = RefundCompleted
	}
	if status != RefundCompleted && status != RefundPending {
		return nil, validationf("refund status must be %s or %s", RefundCompleted, RefundPending)
	}
	if !in.Amount.IsPositive() {
		return nil, validationf("refund amount must be greater than zero")
	}
	if in.Method != "" && !in.Method.Valid() {
		return nil, validationf("unknown refund method %q", in.Method)
	}

	var (
		r       *Refund
		clawed  money.Money
		payment *Payment
	)
	err := s.tx(ctx, func(st Store) error {
		var err error
		payment, err = st.GetPayment(ctx, paymentID, true)
		if err != nil {
			return err
		}
		if !payment.Status.Funded() {
			return invalidState("payment", paymentID, "cannot refund a %s payment", payment.Status)
		}
		amounts, err := loadPaymentAmounts(ctx, st, payment)
		if err != nil {
			return err
		}
		if available := amounts.AvailableForRefund(); in.Amount.GreaterThan(available) {
			return &ExceedsAvailableError{PaymentID: paymentID, Available: available, Requested: in.Amount}
		}

		now := s.clock.Now()
		ref, err := NextReference(ctx, st, RefRefund, now)
		if err != nil {
			return err
		}
		method := in.Method
		if method == "" {
			method = payment.Method
		}
		r = &Refund{
			Audit:              newAudit(now),
			Reference:          ref,
			PaymentID:          paymentID,
			Amount:             in.Amount,
			Method:             method,
			Status:             RefundPending,
			MpesaReceiptNumber: strings.TrimSpace(in.MpesaReceiptNumber),
			BankReference:      strings.TrimSpace(in.BankReference),
			Notes:              in.Notes,
			CreatedBy:          actor.ID,
		}
		if status == RefundPending {
			return st.SaveRefund(ctx, r)
		}
		clawed, err = s.completeRefund(ctx, st, actor, payment, r, amounts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("refund created", "refund_id", r.ID, "reference", r.Reference,
		"payment_id", paymentID, "amount", r.Amount.String(), "status", r.Status,
		"clawed_back", clawed.String(), "payment_status", payment.Status)
	return r, nil
}

// CompleteRefund completes a PENDING refund and applies its claw-back. The
// payment must still be refundable.
func (s *Service) CompleteRefund(ctx context.Context, actor Actor, refundID string) (*Refund, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var r *Refund
	err := s.tx(ctx, func(st Store) error {
		var err error
		r, err = st.GetRefund(ctx, refundID, true)
		if err != nil {
			return err
		}
		if r.Status != RefundPending {
			return invalidState("refund", refundID, "only pending refunds can be completed, refund is %s", r.Status)
		}
		payment, err := st.GetPayment(ctx, r.PaymentID, true)
		if err != nil {
			return err
		}
		if !payment.Status.Funded() {
			return invalidState("payment", payment.ID, "cannot refund a %s payment", payment.Status)
		}
		amounts, err := loadPaymentAmounts(ctx, st, payment)
		if err != nil {
			return err
		}
		// This refund's own reservation is part of PendingRefunded.
		if capacity := amounts.Amount.Sub(amounts.CompletedRefunded); r.Amount.GreaterThan(capacity) {
			return &ExceedsAvailableError{PaymentID: payment.ID, Available: capacity.Floor(), Requested: r.Amount}
		}
		_, err = s.completeRefund(ctx, st, actor, payment, r, amounts)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("refund completed", "refund_id", r.ID, "payment_id", r.PaymentID, "by", actor.ID)
	return r, nil
}

// completeRefund persists r as COMPLETED and claws its amount back from the
// payment. before are the payment amounts without r counted as completed.
func (s *Service) completeRefund(ctx context.Context, st Store, actor Actor, p *Payment, r *Refund, before PaymentAmounts) (money.Money, error) {
	now := s.clock.Now()

	clawed := money.Zero
	allocs, err := st.ActiveAllocations(ctx, AllocationQuery{PaymentID: p.ID})
	if err != nil {
		return clawed, fmt.Errorf("load allocations: %w", err)
	}
	// The payment is already locked; its invoices come next.
	if _, err := lockInvoices(ctx, st, invoiceIDs(allocs)); err != nil {
		return clawed, err
	}

	fromAllocations := r.Amount.Sub(before.Unassigned().Floor()).Floor()
	var touched []string
	if fromAllocations.IsPositive() {
		touched, clawed, err = releaseNewestFirst(ctx, st, allocs, fromAllocations, r.ID, now)
		if err != nil {
			return clawed, err
		}
	}

	r.Status = RefundCompleted
	r.ProcessedBy = actor.ID
	r.ProcessedAt = &now
	r.touch(now)
	if err := st.SaveRefund(ctx, r); err != nil {
		return clawed, fmt.Errorf("save refund: %w", err)
	}

	amounts, err := s.recomputePaymentStatus(ctx, st, p)
	if err != nil {
		return clawed, err
	}
	if amounts.Status == PaymentRefunded {
		rest, err := st.ActiveAllocations(ctx, AllocationQuery{PaymentID: p.ID})
		if err != nil {
			return clawed, fmt.Errorf("load allocations: %w", err)
		}
		more, err := deactivateAll(ctx, st, rest, now)
		if err != nil {
			return clawed, err
		}
		for _, id := range more {
			touched = appendUnique(touched, id)
		}
	}

	for _, invoiceID := range touched {
		if err := s.recomputeInvoiceByID(ctx, st, invoiceID); err != nil {
			return clawed, err
		}
	}
	return clawed, nil
}

// =============================================================================
// CANCEL / FAIL
// =============================================================================

// CancelRefund cancels a PENDING or COMPLETED refund and re-derives the
// payment status from the completed refunds that remain. Allocations
// released by a completed refund stay released.
func (s *Service) CancelRefund(ctx context.Context, actor Actor, refundID, reason string) (*Refund, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var (
		r         *Refund
		payment   *Payment
		wasFunded bool
	)
	err := s.tx(ctx, func(st Store) error {
		var err error
		r, err = st.GetRefund(ctx, refundID, true)
		if err != nil {
			return err
		}
		switch r.Status {
		case RefundCancelled:
			return alreadyCancelled("refund", refundID, "Refund is already cancelled")
		case RefundFailed:
			return invalidState("refund", refundID, "cannot cancel a failed refund")
		}
		payment, err = st.GetPayment(ctx, r.PaymentID, true)
		if err != nil {
			return err
		}
		wasFunded = r.Status == RefundCompleted

		now := s.clock.Now()
		r.Status = RefundCancelled
		r.CancelledBy = actor.ID
		r.CancelledAt = &now
		r.CancellationReason = reason
		r.touch(now)
		if err := st.SaveRefund(ctx, r); err != nil {
			return fmt.Errorf("save refund: %w", err)
		}
		_, err = s.recomputePaymentStatus(ctx, st, payment)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("refund cancelled", "refund_id", r.ID, "payment_id", r.PaymentID,
		"payment_status", payment.Status, "by", actor.ID)
	if wasFunded {
		s.allocateAfterCommit(ctx, payment.StudentID)
	}
	return r, nil
}

// FailRefund marks a PENDING refund FAILED, releasing its reservation.
func (s *Service) FailRefund(ctx context.Context, actor Actor, refundID, reason string) (*Refund, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var r *Refund
	err := s.tx(ctx, func(st Store) error {
		var err error
		r, err = st.GetRefund(ctx, refundID, true)
		if err != nil {
			return err
		}
		if r.Status != RefundPending {
			return invalidState("refund", refundID, "only pending refunds can fail, refund is %s", r.Status)
		}
		now := s.clock.Now()
		r.Status = RefundFailed
		r.Notes = strings.TrimSpace(strings.Join([]string{r.Notes, reason}, "\n"))
		r.ProcessedBy = actor.ID
		r.ProcessedAt = &now
		r.touch(now)
		return st.SaveRefund(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}
