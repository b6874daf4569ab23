package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/zanaka/finance-engine/money"
)

// FinancialSummary is the cash and receivables overview for a period.
// Cash figures cover payments and refunds created within [From, To];
// receivables are a point-in-time snapshot of every open invoice.
type FinancialSummary struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`

	GrossReceived money.Money `json:"gross_received"`
	RefundsIssued money.Money `json:"refunds_issued"`
	NetRevenue    money.Money `json:"net_revenue"`

	Outstanding    money.Money `json:"outstanding"`
	Overdue        money.Money `json:"overdue"`
	UnassignedCash money.Money `json:"unassigned_cash"`

	OpenInvoices      int `json:"open_invoices"`
	PaidInvoices      int `json:"paid_invoices"`
	UnpaidInvoices    int `json:"unpaid_invoices"`
	OverdueInvoices   int `json:"overdue_invoices"`
	ReceivedPayments  int `json:"received_payments"`
	PendingPayments   int `json:"pending_payments"`
	CompletedRefunds  int `json:"completed_refunds"`
	UnmatchedPayments int `json:"unmatched_payments"`
}

// Summary builds the financial overview. It only reads; statuses are
// derived on the fly and not persisted.
func (s *Service) Summary(ctx context.Context, from, to time.Time) (*FinancialSummary, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, validationf("summary range ends before it starts")
	}
	sum := &FinancialSummary{}
	today := s.clock.Now()

	err := s.tx(ctx, func(st Store) error {
		*sum = FinancialSummary{From: from, To: to}

		received, err := st.ListPayments(ctx, PaymentFilter{
			Statuses: []PaymentStatus{PaymentCompleted, PaymentPartiallyRefunded, PaymentRefunded},
			From:     from,
			To:       to,
		})
		if err != nil {
			return fmt.Errorf("list payments: %w", err)
		}
		for i := range received {
			p := &received[i]
			sum.GrossReceived = sum.GrossReceived.Add(p.Amount)
			sum.ReceivedPayments++
			if p.StudentID == "" {
				sum.UnmatchedPayments++
			}
			amounts, err := loadPaymentAmounts(ctx, st, p)
			if err != nil {
				return err
			}
			sum.UnassignedCash = sum.UnassignedCash.Add(amounts.Unassigned().Floor())
		}

		pending, err := st.ListPayments(ctx, PaymentFilter{Statuses: []PaymentStatus{PaymentPending}, From: from, To: to})
		if err != nil {
			return fmt.Errorf("list pending payments: %w", err)
		}
		sum.PendingPayments = len(pending)

		refunds, err := st.ListRefunds(ctx, RefundFilter{Statuses: []RefundStatus{RefundCompleted}, From: from, To: to})
		if err != nil {
			return fmt.Errorf("list refunds: %w", err)
		}
		for _, r := range refunds {
			sum.RefundsIssued = sum.RefundsIssued.Add(r.Amount)
			sum.CompletedRefunds++
		}
		sum.NetRevenue = sum.GrossReceived.Sub(sum.RefundsIssued)

		open, err := st.ListInvoices(ctx, InvoiceFilter{Statuses: OpenInvoiceStatuses})
		if err != nil {
			return fmt.Errorf("list invoices: %w", err)
		}
		for _, inv := range open {
			amounts, err := loadInvoiceAmounts(ctx, st, inv.ID)
			if err != nil {
				return err
			}
			sum.OpenInvoices++
			balance := amounts.Balance().Floor()
			switch ComputeStatus(inv.Status, amounts, inv.DueDate, today) {
			case InvoicePaid:
				sum.PaidInvoices++
			case InvoiceOverdue:
				sum.OverdueInvoices++
				sum.Overdue = sum.Overdue.Add(balance)
			default:
				sum.UnpaidInvoices++
			}
			sum.Outstanding = sum.Outstanding.Add(balance)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}
