package ledger

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/zanaka/finance-engine/money"
)

// PaymentInput carries a payment request. Method-specific fields are
// required for manual payments: mpesa needs receipt number, phone and
// transaction date; bank needs bank reference and bank name.
type PaymentInput struct {
	Method            PaymentMethod `json:"method"`
	Amount            money.Money   `json:"amount"`
	PriorityInvoiceID string        `json:"priority_invoice_id,omitempty"`

	MpesaReceiptNumber   string     `json:"mpesa_receipt_number,omitempty"`
	MpesaPhoneNumber     string     `json:"mpesa_phone_number,omitempty"`
	MpesaTransactionDate *time.Time `json:"mpesa_transaction_date,omitempty"`
	BankReference        string     `json:"bank_reference,omitempty"`
	BankName             string     `json:"bank_name,omitempty"`
	TransactionID        string     `json:"transaction_id,omitempty"`

	Notes    string            `json:"notes,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

const (
	pendingPaymentNote    = "Auto-generated pending payment"
	defaultReversalReason = "Not provided"
)

// =============================================================================
// CREATE
// =============================================================================

// CreatePayment records a manual payment. Manual payments are verified by
// the acting user and start COMPLETED; a best-effort allocation pass follows.
// An empty studentID records an unmatched payment, which is never allocated.
func (s *Service) CreatePayment(ctx context.Context, actor Actor, studentID string, in PaymentInput) (*Payment, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var p *Payment
	err := s.tx(ctx, func(st Store) error {
		var err error
		p, err = s.createPayment(ctx, st, actor, studentID, in, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("payment created", "payment_id", p.ID, "reference", p.Reference,
		"student_id", p.StudentID, "amount", p.Amount.String(), "method", p.Method)
	s.allocateAfterCommit(ctx, p.StudentID)
	s.notify(ctx, TemplatePaymentReceived, paymentNotice(p))
	return p, nil
}

// CreatePendingPayment records an expected payment awaiting confirmation,
// for example an initiated mobile-money push. Method-specific fields are
// optional; pending payments take no part in allocation.
func (s *Service) CreatePendingPayment(ctx context.Context, studentID string, in PaymentInput) (*Payment, error) {
	var p *Payment
	err := s.tx(ctx, func(st Store) error {
		var err error
		p, err = s.createPayment(ctx, st, Actor{}, studentID, in, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("pending payment created", "payment_id", p.ID, "student_id", p.StudentID, "amount", p.Amount.String())
	return p, nil
}

func (s *Service) createPayment(ctx context.Context, st Store, actor Actor, studentID string, in PaymentInput, manual bool) (*Payment, error) {
	if studentID != "" {
		if _, err := st.Student(ctx, studentID); err != nil {
			return nil, err
		}
	}
	if err := validatePaymentInput(in, manual); err != nil {
		return nil, err
	}

	candidate := Payment{Method: in.Method, MpesaReceiptNumber: in.MpesaReceiptNumber, BankReference: in.BankReference}
	if receipt := candidate.Receipt(); receipt != "" {
		used, err := st.ReceiptInUse(ctx, in.Method, receipt)
		if err != nil {
			return nil, fmt.Errorf("check receipt: %w", err)
		}
		if used {
			return nil, validationf("a %s payment with receipt %s already exists", in.Method, receipt)
		}
	}

	if in.PriorityInvoiceID != "" {
		inv, err := st.GetInvoice(ctx, in.PriorityInvoiceID, false)
		if err != nil {
			return nil, err
		}
		if inv.StudentID != studentID {
			return nil, validationf("priority invoice %s does not belong to the payment's student", inv.Reference)
		}
	}

	now := s.clock.Now()
	ref, err := NextReference(ctx, st, RefPayment, now)
	if err != nil {
		return nil, err
	}
	p := &Payment{
		Audit:                newAudit(now),
		Reference:            ref,
		StudentID:            studentID,
		Method:               in.Method,
		Amount:               in.Amount,
		Status:               PaymentPending,
		PriorityInvoiceID:    in.PriorityInvoiceID,
		MpesaReceiptNumber:   strings.TrimSpace(in.MpesaReceiptNumber),
		MpesaPhoneNumber:     strings.TrimSpace(in.MpesaPhoneNumber),
		MpesaTransactionDate: in.MpesaTransactionDate,
		BankReference:        strings.TrimSpace(in.BankReference),
		BankName:             strings.TrimSpace(in.BankName),
		TransactionID:        strings.TrimSpace(in.TransactionID),
		Notes:                in.Notes,
		Metadata:             maps.Clone(in.Metadata),
	}
	if manual {
		p.Status = PaymentCompleted
		p.CreatedBy = actor.ID
		p.VerifiedBy = actor.ID
		p.VerifiedAt = &now
	} else if p.Notes == "" {
		p.Notes = pendingPaymentNote
	}
	if err := st.SavePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("save payment: %w", err)
	}
	return p, nil
}

func validatePaymentInput(in PaymentInput, strict bool) error {
	if in.Method == "" {
		return validationf("payment method is required")
	}
	if !in.Method.Valid() {
		return validationf("unknown payment method %q", in.Method)
	}
	if !in.Amount.IsPositive() {
		return validationf("payment amount must be greater than zero")
	}
	if !strict {
		return nil
	}
	switch in.Method {
	case MethodMpesa:
		if strings.TrimSpace(in.MpesaReceiptNumber) == "" {
			return validationf("mpesa receipt number is required")
		}
		if strings.TrimSpace(in.MpesaPhoneNumber) == "" {
			return validationf("mpesa phone number is required")
		}
		if in.MpesaTransactionDate == nil || in.MpesaTransactionDate.IsZero() {
			return validationf("mpesa transaction date is required")
		}
	case MethodBank:
		if strings.TrimSpace(in.BankReference) == "" {
			return validationf("bank reference is required")
		}
		if strings.TrimSpace(in.BankName) == "" {
			return validationf("bank name is required")
		}
	}
	return nil
}

// =============================================================================
// APPROVE / FAIL
// =============================================================================

// ApprovePayment confirms a PENDING payment. A best-effort allocation pass
// and a payment_approved notification follow.
func (s *Service) ApprovePayment(ctx context.Context, actor Actor, id string) (*Payment, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var p *Payment
	err := s.tx(ctx, func(st Store) error {
		var err error
		p, err = st.GetPayment(ctx, id, true)
		if err != nil {
			return err
		}
		if p.Status != PaymentPending {
			return invalidState("payment", id, "only pending payments can be approved, payment is %s", p.Status)
		}
		now := s.clock.Now()
		p.Status = PaymentCompleted
		p.VerifiedBy = actor.ID
		p.VerifiedAt = &now
		p.touch(now)
		return st.SavePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payment approved", "payment_id", p.ID, "by", actor.ID)
	s.allocateAfterCommit(ctx, p.StudentID)
	s.notify(ctx, TemplatePaymentApproved, paymentNotice(p))
	return p, nil
}

// FailPayment marks a PENDING payment FAILED. Its receipt becomes reusable.
func (s *Service) FailPayment(ctx context.Context, actor Actor, id, reason string) (*Payment, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var p *Payment
	err := s.tx(ctx, func(st Store) error {
		var err error
		p, err = st.GetPayment(ctx, id, true)
		if err != nil {
			return err
		}
		if p.Status != PaymentPending {
			return invalidState("payment", id, "only pending payments can fail, payment is %s", p.Status)
		}
		p.Status = PaymentFailed
		p.FailureReason = reason
		p.touch(s.clock.Now())
		return st.SavePayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// ReversePayment voids a PENDING or COMPLETED payment. Every active
// allocation is deactivated and each previously funded invoice recomputed.
// A reversed payment is never allocated again.
func (s *Service) ReversePayment(ctx context.Context, actor Actor, id, reason string) (*Payment, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = defaultReversalReason
	}
	var p *Payment
	err := s.tx(ctx, func(st Store) error {
		var err error
		p, err = st.GetPayment(ctx, id, true)
		if err != nil {
			return err
		}
		if p.Status != PaymentPending && p.Status != PaymentCompleted {
			return invalidState("payment", id, "cannot reverse a %s payment", p.Status)
		}

		now := s.clock.Now()
		allocs, err := st.ActiveAllocations(ctx, AllocationQuery{PaymentID: p.ID})
		if err != nil {
			return fmt.Errorf("load allocations: %w", err)
		}
		if _, err := lockInvoices(ctx, st, invoiceIDs(allocs)); err != nil {
			return err
		}
		touched, err := deactivateAll(ctx, st, allocs, now)
		if err != nil {
			return err
		}

		p.Status = PaymentReversed
		p.ReversedBy = actor.ID
		p.ReversedAt = &now
		p.ReversalReason = reason
		p.touch(now)
		if err := st.SavePayment(ctx, p); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}

		for _, invoiceID := range touched {
			if err := s.recomputeInvoiceByID(ctx, st, invoiceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payment reversed", "payment_id", p.ID, "by", actor.ID, "reason", reason)
	return p, nil
}
