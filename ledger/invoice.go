package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zanaka/finance-engine/money"
)

// =============================================================================
// INPUTS
// =============================================================================

// LineItemInput describes one invoice line. UnitPrice may be left zero when
// FeeItemCode names a catalog item; the catalog price is used then.
type LineItemInput struct {
	Description string      `json:"description"`
	FeeItemCode string      `json:"fee_item_code,omitempty"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Money `json:"unit_price"`
}

type InvoiceInput struct {
	DueDate  time.Time       `json:"due_date"`
	Priority int             `json:"priority"`
	Notes    string          `json:"notes,omitempty"`
	Items    []LineItemInput `json:"items"`
	// Draft creates the invoice in DRAFT; it takes no allocations until issued.
	Draft bool `json:"draft,omitempty"`
}

// InvoiceUpdate replaces an invoice's editable fields. Nil fields are kept;
// a non-nil Items replaces every line item.
type InvoiceUpdate struct {
	DueDate  *time.Time      `json:"due_date,omitempty"`
	Priority *int            `json:"priority,omitempty"`
	Notes    *string         `json:"notes,omitempty"`
	Items    []LineItemInput `json:"items,omitempty"`
}

const defaultPriority = 1

// =============================================================================
// CREATE
// =============================================================================

// CreateInvoice creates a PENDING (or DRAFT) invoice for an active student
// and then runs a best-effort allocation pass.
func (s *Service) CreateInvoice(ctx context.Context, actor Actor, studentID string, in InvoiceInput) (*Invoice, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var inv *Invoice
	err := s.tx(ctx, func(st Store) error {
		student, err := activeStudent(ctx, st, studentID)
		if err != nil {
			return err
		}
		inv, err = s.createInvoice(ctx, st, actor, student.ID, in, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invoice created", "invoice_id", inv.ID, "reference", inv.Reference,
		"student_id", inv.StudentID, "total", inv.Total.String())
	if inv.Status != InvoiceDraft {
		s.allocateAfterCommit(ctx, inv.StudentID)
	}
	s.notify(ctx, TemplateInvoiceCreated, invoiceNotice(inv))
	return inv, nil
}

func (s *Service) createInvoice(ctx context.Context, st Store, actor Actor, studentID string, in InvoiceInput, bulkID string) (*Invoice, error) {
	if in.DueDate.IsZero() {
		return nil, validationf("due date is required")
	}
	priority, err := normalizePriority(in.Priority)
	if err != nil {
		return nil, err
	}
	lines, err := s.resolveItems(ctx, st, in.Items)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	ref, err := NextReference(ctx, st, RefInvoice, now)
	if err != nil {
		return nil, err
	}

	status := InvoicePending
	if in.Draft {
		status = InvoiceDraft
	}
	inv := &Invoice{
		Audit:           newAudit(now),
		Reference:       ref,
		StudentID:       studentID,
		DueDate:         DayOf(in.DueDate),
		Priority:        priority,
		Status:          status,
		Notes:           in.Notes,
		IsAutoGenerated: bulkID != "",
		BulkInvoiceID:   bulkID,
		CreatedBy:       actor.ID,
	}
	if err := st.SaveInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("save invoice: %w", err)
	}
	if err := s.insertItems(ctx, st, inv.ID, lines, now); err != nil {
		return nil, err
	}
	if _, err := s.recomputeInvoice(ctx, st, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func normalizePriority(p int) (int, error) {
	switch {
	case p == 0:
		return defaultPriority, nil
	case p < 0:
		return 0, validationf("priority must be positive")
	}
	return p, nil
}

// resolveItems validates inputs and fills catalog prices and descriptions.
func (s *Service) resolveItems(ctx context.Context, st Store, items []LineItemInput) ([]LineItem, error) {
	if len(items) == 0 {
		return nil, validationf("at least one line item is required")
	}
	lines := make([]LineItem, 0, len(items))
	for i, in := range items {
		n := i + 1
		if in.Quantity <= 0 {
			return nil, validationf("line item %d: quantity must be greater than zero", n)
		}
		price, desc := in.UnitPrice, strings.TrimSpace(in.Description)
		if in.FeeItemCode != "" && (price.IsZero() || desc == "") {
			fee, ok, err := s.catalog(st).FeeItem(ctx, in.FeeItemCode)
			if err != nil {
				return nil, fmt.Errorf("resolve fee item %s: %w", in.FeeItemCode, err)
			}
			if !ok {
				return nil, validationf("line item %d: unknown fee item %q", n, in.FeeItemCode)
			}
			if price.IsZero() {
				price = fee.Price
			}
			if desc == "" {
				desc = fee.Description
			}
		}
		if !price.IsPositive() {
			return nil, validationf("line item %d: unit price must be greater than zero", n)
		}
		if desc == "" {
			return nil, validationf("line item %d: description is required", n)
		}
		lines = append(lines, LineItem{
			Description: desc,
			FeeItemCode: in.FeeItemCode,
			Quantity:    in.Quantity,
			UnitPrice:   price,
			Amount:      price.Mul(int64(in.Quantity)),
			Position:    n,
		})
	}
	return lines, nil
}

func (s *Service) insertItems(ctx context.Context, st Store, invoiceID string, lines []LineItem, now time.Time) error {
	for i := range lines {
		item := lines[i]
		item.Audit = newAudit(now)
		item.InvoiceID = invoiceID
		if err := st.SaveLineItem(ctx, &item); err != nil {
			return fmt.Errorf("save line item: %w", err)
		}
	}
	return nil
}

// =============================================================================
// UPDATE
// =============================================================================

// UpdateInvoice edits an invoice that is not cancelled. When the new total
// falls below what is already allocated, the excess is released newest
// allocation first so the balance never goes negative.
func (s *Service) UpdateInvoice(ctx context.Context, actor Actor, id string, up InvoiceUpdate) (*Invoice, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var inv *Invoice
	err := s.tx(ctx, func(st Store) error {
		var err error
		// A shrinking total releases allocations, so the funding payments
		// are locked first.
		inv, err = lockInvoiceWithFunding(ctx, st, id)
		if err != nil {
			return err
		}
		if inv.Status == InvoiceCancelled {
			return invalidState("invoice", id, "cannot update a cancelled invoice")
		}

		now := s.clock.Now()
		if up.DueDate != nil {
			if up.DueDate.IsZero() {
				return validationf("due date is required")
			}
			inv.DueDate = DayOf(*up.DueDate)
		}
		if up.Priority != nil {
			p, err := normalizePriority(*up.Priority)
			if err != nil {
				return err
			}
			inv.Priority = p
		}
		if up.Notes != nil {
			inv.Notes = *up.Notes
		}
		if up.Items != nil {
			lines, err := s.resolveItems(ctx, st, up.Items)
			if err != nil {
				return err
			}
			if err := s.replaceItems(ctx, st, inv.ID, lines, now); err != nil {
				return err
			}
		}
		inv.UpdatedBy = actor.ID
		inv.touch(now)
		if err := st.SaveInvoice(ctx, inv); err != nil {
			return fmt.Errorf("save invoice: %w", err)
		}
		if err := s.releaseExcess(ctx, st, inv, now); err != nil {
			return err
		}
		_, err = s.recomputeInvoice(ctx, st, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("invoice updated", "invoice_id", inv.ID, "total", inv.Total.String(), "status", inv.Status)
	if inv.Status != InvoiceDraft {
		s.allocateAfterCommit(ctx, inv.StudentID)
	}
	return inv, nil
}

func (s *Service) replaceItems(ctx context.Context, st Store, invoiceID string, lines []LineItem, now time.Time) error {
	old, err := st.LineItems(ctx, invoiceID)
	if err != nil {
		return fmt.Errorf("load line items: %w", err)
	}
	for i := range old {
		item := &old[i]
		item.Deactivate(now)
		item.touch(now)
		if err := st.SaveLineItem(ctx, item); err != nil {
			return fmt.Errorf("deactivate line item %s: %w", item.ID, err)
		}
	}
	return s.insertItems(ctx, st, invoiceID, lines, now)
}

// releaseExcess trims the invoice's allocations to its current total.
func (s *Service) releaseExcess(ctx context.Context, st Store, inv *Invoice, now time.Time) error {
	amounts, err := loadInvoiceAmounts(ctx, st, inv.ID)
	if err != nil {
		return err
	}
	excess := amounts.Paid.Sub(amounts.Total)
	if !excess.IsPositive() {
		return nil
	}
	allocs, err := st.ActiveAllocations(ctx, AllocationQuery{InvoiceID: inv.ID})
	if err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}
	_, released, err := releaseNewestFirst(ctx, st, allocs, excess, "", now)
	if err != nil {
		return err
	}
	s.log.Info("released excess allocations", "invoice_id", inv.ID, "amount", released.String())
	return nil
}

// =============================================================================
// CANCEL / ACTIVATE / ISSUE
// =============================================================================

// CancelInvoice releases every active allocation against the invoice and
// marks it CANCELLED. The released funds return to their payments'
// unassigned pool.
func (s *Service) CancelInvoice(ctx context.Context, actor Actor, id, reason string) (*Invoice, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var inv *Invoice
	err := s.tx(ctx, func(st Store) error {
		var err error
		inv, err = lockInvoiceWithFunding(ctx, st, id)
		if err != nil {
			return err
		}
		return s.cancelInvoice(ctx, st, actor, inv, reason)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("invoice cancelled", "invoice_id", inv.ID, "reference", inv.Reference, "by", actor.ID)
	return inv, nil
}

func (s *Service) cancelInvoice(ctx context.Context, st Store, actor Actor, inv *Invoice, reason string) error {
	if inv.Status == InvoiceCancelled {
		return alreadyCancelled("invoice", inv.ID, "Invoice is already cancelled")
	}
	now := s.clock.Now()
	allocs, err := st.ActiveAllocations(ctx, AllocationQuery{InvoiceID: inv.ID})
	if err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}
	if _, err := deactivateAll(ctx, st, allocs, now); err != nil {
		return err
	}
	inv.Status = InvoiceCancelled
	inv.CancelledBy = actor.ID
	inv.CancelledAt = &now
	inv.CancellationReason = reason
	inv.UpdatedBy = actor.ID
	inv.touch(now)
	if err := st.SaveInvoice(ctx, inv); err != nil {
		return fmt.Errorf("save invoice: %w", err)
	}
	return nil
}

// ActivateInvoice restores a cancelled invoice. Its allocations were
// released on cancellation, so it comes back PENDING or OVERDUE and is then
// offered to a best-effort allocation pass.
func (s *Service) ActivateInvoice(ctx context.Context, actor Actor, id string) (*Invoice, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var inv *Invoice
	err := s.tx(ctx, func(st Store) error {
		var err error
		inv, err = st.GetInvoice(ctx, id, true)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceCancelled {
			return invalidState("invoice", id, "Invoice already active")
		}
		inv.Status = InvoicePending
		inv.CancelledBy = ""
		inv.CancelledAt = nil
		inv.CancellationReason = ""
		inv.UpdatedBy = actor.ID
		inv.touch(s.clock.Now())
		if err := st.SaveInvoice(ctx, inv); err != nil {
			return fmt.Errorf("save invoice: %w", err)
		}
		_, err = s.recomputeInvoice(ctx, st, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("invoice activated", "invoice_id", inv.ID, "status", inv.Status)
	s.allocateAfterCommit(ctx, inv.StudentID)
	return inv, nil
}

// IssueInvoice moves a DRAFT invoice into the payable lifecycle.
func (s *Service) IssueInvoice(ctx context.Context, actor Actor, id string) (*Invoice, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var inv *Invoice
	err := s.tx(ctx, func(st Store) error {
		var err error
		inv, err = st.GetInvoice(ctx, id, true)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceDraft {
			return invalidState("invoice", id, "only draft invoices can be issued, invoice is %s", inv.Status)
		}
		inv.Status = InvoicePending
		inv.UpdatedBy = actor.ID
		inv.touch(s.clock.Now())
		if err := st.SaveInvoice(ctx, inv); err != nil {
			return fmt.Errorf("save invoice: %w", err)
		}
		_, err = s.recomputeInvoice(ctx, st, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.allocateAfterCommit(ctx, inv.StudentID)
	return inv, nil
}

// RefreshStatuses recomputes every open invoice so time-driven transitions
// (OVERDUE) are persisted without waiting for a read. Only invoices whose
// stored state is stale are locked. It returns how many invoices changed
// status.
func (s *Service) RefreshStatuses(ctx context.Context) (int, error) {
	changed := 0
	err := s.tx(ctx, func(st Store) error {
		open, err := st.ListInvoices(ctx, InvoiceFilter{Statuses: OpenInvoiceStatuses})
		if err != nil {
			return fmt.Errorf("list open invoices: %w", err)
		}
		_, changed, err = s.freshInvoices(ctx, st, open)
		return err
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}
