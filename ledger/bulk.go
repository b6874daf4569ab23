package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BulkInput creates one invoice with identical items for every listed
// student.
type BulkInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	DueDate     time.Time       `json:"due_date"`
	Priority    int             `json:"priority"`
	Items       []LineItemInput `json:"items"`
	StudentIDs  []string        `json:"student_ids"`
}

// BulkCreateInvoices creates the batch and its member invoices in a single
// transaction. An unknown or inactive student rolls back the whole batch.
// Repeated student ids are invoiced once.
func (s *Service) BulkCreateInvoices(ctx context.Context, actor Actor, in BulkInput) (*BulkInvoiceView, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, validationf("bulk invoice name is required")
	}
	if in.DueDate.IsZero() {
		return nil, validationf("due date is required")
	}
	priority, err := normalizePriority(in.Priority)
	if err != nil {
		return nil, err
	}
	students := distinct(in.StudentIDs)
	if len(students) == 0 {
		return nil, validationf("at least one student is required")
	}

	var (
		batch    *BulkInvoice
		invoices []*Invoice
	)
	err = s.tx(ctx, func(st Store) error {
		invoices = invoices[:0]
		now := s.clock.Now()
		ref, err := NextReference(ctx, st, RefBulk, now)
		if err != nil {
			return err
		}
		batch = &BulkInvoice{
			Audit:       newAudit(now),
			Reference:   ref,
			Name:        name,
			Description: in.Description,
			DueDate:     DayOf(in.DueDate),
			Priority:    priority,
			Status:      BulkActive,
			CreatedBy:   actor.ID,
		}
		if err := st.SaveBulkInvoice(ctx, batch); err != nil {
			return fmt.Errorf("save bulk invoice: %w", err)
		}

		member := InvoiceInput{
			DueDate:  in.DueDate,
			Priority: priority,
			Notes:    in.Description,
			Items:    in.Items,
		}
		for _, studentID := range students {
			student, err := activeStudent(ctx, st, studentID)
			if err != nil {
				return err
			}
			inv, err := s.createInvoice(ctx, st, actor, student.ID, member, batch.ID)
			if err != nil {
				return err
			}
			invoices = append(invoices, inv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("bulk invoices created", "bulk_invoice_id", batch.ID, "reference", batch.Reference,
		"invoices", len(invoices), "by", actor.ID)
	s.allocateAfterCommit(ctx, students...)
	for _, inv := range invoices {
		s.notify(ctx, TemplateInvoiceCreated, invoiceNotice(inv))
	}
	return s.GetBulkInvoice(ctx, batch.ID)
}

// BulkCancelInvoices cancels every member invoice that is not already
// cancelled and then the batch itself, in one transaction.
func (s *Service) BulkCancelInvoices(ctx context.Context, actor Actor, bulkID, reason string) (*BulkInvoiceView, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	var (
		batch     *BulkInvoice
		cancelled int
		students  []string
	)
	err := s.tx(ctx, func(st Store) error {
		cancelled, students = 0, students[:0]
		var err error
		batch, err = st.GetBulkInvoice(ctx, bulkID, true)
		if err != nil {
			return err
		}
		if batch.Status == BulkCancelled {
			return alreadyCancelled("bulk invoice", bulkID, "Bulk invoice is already cancelled")
		}

		members, err := st.ListInvoices(ctx, InvoiceFilter{BulkInvoiceID: bulkID})
		if err != nil {
			return fmt.Errorf("list bulk members: %w", err)
		}
		ids := make([]string, 0, len(members))
		for _, m := range members {
			if m.Status != InvoiceCancelled {
				ids = append(ids, m.ID)
			}
		}
		locked, err := lockInvoicesWithFunding(ctx, st, ids)
		if err != nil {
			return err
		}
		for _, inv := range locked {
			if inv.Status == InvoiceCancelled {
				continue
			}
			if err := s.cancelInvoice(ctx, st, actor, inv, reason); err != nil {
				return err
			}
			cancelled++
			students = appendUnique(students, inv.StudentID)
		}

		now := s.clock.Now()
		batch.Status = BulkCancelled
		batch.CancelledBy = actor.ID
		batch.CancelledAt = &now
		batch.CancellationReason = reason
		batch.touch(now)
		if err := st.SaveBulkInvoice(ctx, batch); err != nil {
			return fmt.Errorf("save bulk invoice: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("bulk invoices cancelled", "bulk_invoice_id", bulkID, "cancelled", cancelled, "by", actor.ID)
	// Released funds may cover the students' other invoices.
	s.allocateAfterCommit(ctx, students...)
	return s.GetBulkInvoice(ctx, bulkID)
}

func distinct(ids []string) []string {
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = appendUnique(out, id)
	}
	return out
}
