package ledger

import (
	"context"
	"fmt"

	"github.com/zanaka/finance-engine/money"
)

// =============================================================================
// PROJECTIONS
// =============================================================================

// InvoiceView is an invoice with its derived amounts, active line items and
// active allocations.
type InvoiceView struct {
	Invoice
	Paid        money.Money      `json:"paid"`
	Balance     money.Money      `json:"balance"`
	Student     *Student         `json:"student,omitempty"`
	Items       []LineItem       `json:"items"`
	Allocations []AllocationView `json:"allocations"`
}

// PaymentView is a payment with its derived amounts, active allocations and
// refunds.
type PaymentView struct {
	Payment
	Allocated          money.Money      `json:"allocated"`
	EffectiveUtilized  money.Money      `json:"effective_utilized"`
	CompletedRefunded  money.Money      `json:"completed_refunded"`
	PendingRefunded    money.Money      `json:"pending_refunded"`
	Unassigned         money.Money      `json:"unassigned"`
	AvailableForRefund money.Money      `json:"available_for_refund"`
	Student            *Student         `json:"student,omitempty"`
	Allocations        []AllocationView `json:"allocations"`
	Refunds            []Refund         `json:"refunds"`
}

// AllocationView carries the references and statuses of both sides.
type AllocationView struct {
	Allocation
	PaymentReference string        `json:"payment_reference"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	InvoiceReference string        `json:"invoice_reference"`
	InvoiceStatus    InvoiceStatus `json:"invoice_status"`
}

type BulkInvoiceView struct {
	BulkInvoice
	TotalBilled money.Money      `json:"total_billed"`
	TotalPaid   money.Money      `json:"total_paid"`
	Invoices    []InvoiceSummary `json:"invoices"`
}

// InvoiceSummary is the short form of an invoice used inside other views.
type InvoiceSummary struct {
	ID        string        `json:"id"`
	Reference string        `json:"reference"`
	StudentID string        `json:"student_id"`
	Status    InvoiceStatus `json:"status"`
	Total     money.Money   `json:"total"`
	Paid      money.Money   `json:"paid"`
	Balance   money.Money   `json:"balance"`
}

// =============================================================================
// INVOICES
// =============================================================================

// FetchInvoice returns one invoice. A stale stored status is recomputed and
// persisted before the view is built.
func (s *Service) FetchInvoice(ctx context.Context, id string) (*InvoiceView, error) {
	var view *InvoiceView
	err := s.tx(ctx, func(st Store) error {
		inv, err := st.GetInvoice(ctx, id, false)
		if err != nil {
			return err
		}
		invoices := []Invoice{*inv}
		amounts, _, err := s.freshInvoices(ctx, st, invoices)
		if err != nil {
			return err
		}
		view, err = s.invoiceView(ctx, st, &invoices[0], amounts[0])
		return err
	})
	return view, err
}

// FilterInvoices lists invoices matching f. The status filter and the limit
// apply to recomputed statuses, so an invoice that went overdue since it was
// last written is listed as OVERDUE.
func (s *Service) FilterInvoices(ctx context.Context, f InvoiceFilter) ([]InvoiceView, error) {
	var views []InvoiceView
	err := s.tx(ctx, func(st Store) error {
		views = views[:0]
		query := f
		if len(f.Statuses) > 0 {
			query.Statuses = nil
			query.Limit = 0
		}
		invoices, err := st.ListInvoices(ctx, query)
		if err != nil {
			return fmt.Errorf("list invoices: %w", err)
		}
		amounts, _, err := s.freshInvoices(ctx, st, invoices)
		if err != nil {
			return err
		}
		for i := range invoices {
			if !f.MatchesStatus(invoices[i].Status) {
				continue
			}
			if f.Limit > 0 && len(views) >= f.Limit {
				break
			}
			view, err := s.invoiceView(ctx, st, &invoices[i], amounts[i])
			if err != nil {
				return err
			}
			views = append(views, *view)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []InvoiceView{}
	}
	return views, nil
}

// freshInvoices derives the amounts and status of every invoice in place.
// Only stale invoices are locked, in allocation order, and persisted; the
// rest are left unlocked. It returns the amounts by index and how many
// invoices changed status.
func (s *Service) freshInvoices(ctx context.Context, st Store, invoices []Invoice) ([]InvoiceAmounts, int, error) {
	now := s.clock.Now()
	amounts := make([]InvoiceAmounts, len(invoices))
	index := make(map[string]int, len(invoices))
	var stale []string
	for i := range invoices {
		inv := &invoices[i]
		a, err := loadInvoiceAmounts(ctx, st, inv.ID)
		if err != nil {
			return nil, 0, err
		}
		amounts[i] = a
		index[inv.ID] = i
		if ComputeStatus(inv.Status, a, inv.DueDate, now) != inv.Status || !inv.Total.Equal(a.Total) {
			stale = append(stale, inv.ID)
			continue
		}
		s.reportIntegrity(a.Integrity(inv.ID))
	}
	if len(stale) == 0 {
		return amounts, 0, nil
	}

	locked, err := lockInvoices(ctx, st, stale)
	if err != nil {
		return nil, 0, err
	}
	changed := 0
	for _, inv := range locked {
		before := inv.Status
		a, err := s.recomputeInvoice(ctx, st, inv)
		if err != nil {
			return nil, 0, err
		}
		if inv.Status != before {
			changed++
		}
		i := index[inv.ID]
		invoices[i] = *inv
		amounts[i] = a
	}
	return amounts, changed, nil
}

func (s *Service) invoiceView(ctx context.Context, st Store, inv *Invoice, amounts InvoiceAmounts) (*InvoiceView, error) {
	items, err := st.LineItems(ctx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("load line items: %w", err)
	}
	allocs, err := st.ActiveAllocations(ctx, AllocationQuery{InvoiceID: inv.ID})
	if err != nil {
		return nil, fmt.Errorf("load allocations: %w", err)
	}
	views, err := allocationViews(ctx, st, allocs)
	if err != nil {
		return nil, err
	}
	return &InvoiceView{
		Invoice:     *inv,
		Paid:        amounts.Paid,
		Balance:     amounts.Balance(),
		Student:     lookupStudent(ctx, st, inv.StudentID),
		Items:       nonNil(items),
		Allocations: views,
	}, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Service) FetchPayment(ctx context.Context, id string) (*PaymentView, error) {
	var view *PaymentView
	err := s.tx(ctx, func(st Store) error {
		p, err := st.GetPayment(ctx, id, false)
		if err != nil {
			return err
		}
		view, err = s.paymentView(ctx, st, p)
		return err
	})
	return view, err
}

func (s *Service) FilterPayments(ctx context.Context, f PaymentFilter) ([]PaymentView, error) {
	views := []PaymentView{}
	err := s.tx(ctx, func(st Store) error {
		views = views[:0]
		payments, err := st.ListPayments(ctx, f)
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		for i := range payments {
			view, err := s.paymentView(ctx, st, &payments[i])
			if err != nil {
				return err
			}
			views = append(views, *view)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

func (s *Service) paymentView(ctx context.Context, st Store, p *Payment) (*PaymentView, error) {
	amounts, err := loadPaymentAmounts(ctx, st, p)
	if err != nil {
		return nil, err
	}
	s.reportIntegrity(amounts.Integrity(p.ID))

	allocs, err := st.ActiveAllocations(ctx, AllocationQuery{PaymentID: p.ID})
	if err != nil {
		return nil, fmt.Errorf("load allocations: %w", err)
	}
	views, err := allocationViews(ctx, st, allocs)
	if err != nil {
		return nil, err
	}
	refunds, err := st.ListRefunds(ctx, RefundFilter{PaymentID: p.ID})
	if err != nil {
		return nil, fmt.Errorf("load refunds: %w", err)
	}
	return &PaymentView{
		Payment:            *p,
		Allocated:          amounts.Allocated,
		EffectiveUtilized:  amounts.EffectiveUtilized(),
		CompletedRefunded:  amounts.CompletedRefunded,
		PendingRefunded:    amounts.PendingRefunded,
		Unassigned:         amounts.Unassigned(),
		AvailableForRefund: amounts.AvailableForRefund(),
		Student:            lookupStudent(ctx, st, p.StudentID),
		Allocations:        views,
		Refunds:            nonNil(refunds),
	}, nil
}

// =============================================================================
// BULK INVOICES
// =============================================================================

func (s *Service) GetBulkInvoice(ctx context.Context, id string) (*BulkInvoiceView, error) {
	var view *BulkInvoiceView
	err := s.tx(ctx, func(st Store) error {
		b, err := st.GetBulkInvoice(ctx, id, false)
		if err != nil {
			return err
		}
		view, err = s.bulkView(ctx, st, b)
		return err
	})
	return view, err
}

func (s *Service) ListBulkInvoices(ctx context.Context) ([]BulkInvoiceView, error) {
	views := []BulkInvoiceView{}
	err := s.tx(ctx, func(st Store) error {
		views = views[:0]
		batches, err := st.ListBulkInvoices(ctx)
		if err != nil {
			return fmt.Errorf("list bulk invoices: %w", err)
		}
		for i := range batches {
			view, err := s.bulkView(ctx, st, &batches[i])
			if err != nil {
				return err
			}
			views = append(views, *view)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}

// bulkView reports member statuses as recomputed; cancelled members are
// left out of the batch totals.
func (s *Service) bulkView(ctx context.Context, st Store, b *BulkInvoice) (*BulkInvoiceView, error) {
	members, err := st.ListInvoices(ctx, InvoiceFilter{BulkInvoiceID: b.ID})
	if err != nil {
		return nil, fmt.Errorf("list bulk members: %w", err)
	}
	amounts, _, err := s.freshInvoices(ctx, st, members)
	if err != nil {
		return nil, err
	}
	view := &BulkInvoiceView{BulkInvoice: *b, Invoices: make([]InvoiceSummary, 0, len(members))}
	for i, inv := range members {
		a := amounts[i]
		view.Invoices = append(view.Invoices, InvoiceSummary{
			ID:        inv.ID,
			Reference: inv.Reference,
			StudentID: inv.StudentID,
			Status:    inv.Status,
			Total:     a.Total,
			Paid:      a.Paid,
			Balance:   a.Balance(),
		})
		if inv.Status != InvoiceCancelled {
			view.TotalBilled = view.TotalBilled.Add(a.Total)
			view.TotalPaid = view.TotalPaid.Add(a.Paid)
		}
	}
	return view, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func allocationViews(ctx context.Context, st Store, allocs []Allocation) ([]AllocationView, error) {
	views := make([]AllocationView, 0, len(allocs))
	payments := map[string]*Payment{}
	invoices := map[string]*Invoice{}
	for _, a := range allocs {
		p, ok := payments[a.PaymentID]
		if !ok {
			var err error
			if p, err = st.GetPayment(ctx, a.PaymentID, false); err != nil {
				return nil, err
			}
			payments[a.PaymentID] = p
		}
		inv, ok := invoices[a.InvoiceID]
		if !ok {
			var err error
			if inv, err = st.GetInvoice(ctx, a.InvoiceID, false); err != nil {
				return nil, err
			}
			invoices[a.InvoiceID] = inv
		}
		views = append(views, AllocationView{
			Allocation:       a,
			PaymentReference: p.Reference,
			PaymentStatus:    p.Status,
			InvoiceReference: inv.Reference,
			InvoiceStatus:    inv.Status,
		})
	}
	return views, nil
}

// lookupStudent returns nil for unmatched records and students who have
// since left the directory.
func lookupStudent(ctx context.Context, st Store, id string) *Student {
	if id == "" {
		return nil
	}
	student, err := st.Student(ctx, id)
	if err != nil {
		return nil
	}
	return student
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
