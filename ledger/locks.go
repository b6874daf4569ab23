/*
locks.go - Row lock ordering

PURPOSE:
  Every transaction that locks more than one row takes its locks in the
  same global order so two writers can never wait on each other:

    1. Payments, oldest first (created_at, id)
    2. Invoices, in allocation order (priority, due_date, created_at, id)

  Rows are first read without a lock to learn their ids and sort keys, then
  locked one by one in that order. A bulk invoice row is locked before any
  of its members' payments.

CALLERS:
  - allocate:                 FundedPaymentsForStudent, OpenInvoicesForStudent
  - cancel / shrink invoice:  lockInvoicesWithFunding
  - reverse / refund payment: payment, then lockInvoices on its allocations
  - read projections:         lockInvoices on stale invoices only
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
)

// lockPayments locks the given payments oldest first. Unknown ids fail
// with ErrNotFound.
func lockPayments(ctx context.Context, st Store, ids []string) (map[string]*Payment, error) {
	payments := make([]*Payment, 0, len(ids))
	for _, id := range ids {
		p, err := st.GetPayment(ctx, id, false)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	sort.SliceStable(payments, func(i, j int) bool {
		a, b := payments[i], payments[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	locked := make(map[string]*Payment, len(payments))
	for _, p := range payments {
		l, err := st.GetPayment(ctx, p.ID, true)
		if err != nil {
			return nil, err
		}
		locked[l.ID] = l
	}
	return locked, nil
}

// lockInvoices locks the given invoices in allocation order and returns
// them in that order.
func lockInvoices(ctx context.Context, st Store, ids []string) ([]*Invoice, error) {
	invoices := make([]*Invoice, 0, len(ids))
	for _, id := range ids {
		inv, err := st.GetInvoice(ctx, id, false)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	sortInvoicesForLock(invoices)

	locked := make([]*Invoice, 0, len(invoices))
	for _, inv := range invoices {
		l, err := st.GetInvoice(ctx, inv.ID, true)
		if err != nil {
			return nil, err
		}
		locked = append(locked, l)
	}
	return locked, nil
}

// lockInvoicesWithFunding locks the payments funding the invoices' active
// allocations and then the invoices themselves. Callers re-read the
// allocations once the locks are held.
func lockInvoicesWithFunding(ctx context.Context, st Store, ids []string) ([]*Invoice, error) {
	var paymentIDs []string
	for _, id := range ids {
		allocs, err := st.ActiveAllocations(ctx, AllocationQuery{InvoiceID: id})
		if err != nil {
			return nil, fmt.Errorf("load allocations: %w", err)
		}
		for _, a := range allocs {
			paymentIDs = appendUnique(paymentIDs, a.PaymentID)
		}
	}
	if _, err := lockPayments(ctx, st, paymentIDs); err != nil {
		return nil, err
	}
	return lockInvoices(ctx, st, ids)
}

// lockInvoiceWithFunding is lockInvoicesWithFunding for one invoice.
func lockInvoiceWithFunding(ctx context.Context, st Store, id string) (*Invoice, error) {
	locked, err := lockInvoicesWithFunding(ctx, st, []string{id})
	if err != nil {
		return nil, err
	}
	return locked[0], nil
}

// invoiceIDs returns the distinct invoices the allocations point at.
func invoiceIDs(allocs []Allocation) []string {
	var ids []string
	for _, a := range allocs {
		ids = appendUnique(ids, a.InvoiceID)
	}
	return ids
}

func sortInvoicesForLock(invoices []*Invoice) {
	sort.SliceStable(invoices, func(i, j int) bool {
		a, b := invoices[i], invoices[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
