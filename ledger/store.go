/*
store.go - Persistence interface for the ledger

PURPOSE:
  Defines the boundary between ledger logic and the database. The ledger
  never caches derived amounts: totals, paid amounts and refund sums are read
  through the aggregate methods on every recompute.

KEY INTERFACES:
  Store:     Record access, ordered selections and aggregates
  TxStore:   Store + WithTx for atomic multi-record operations
  Directory: Active-student lookup
  Notifier:  Fire-and-forget notifications

LOCKING:
  Methods taking lock=true must lock the returned rows until the enclosing
  transaction ends (SELECT ... FOR UPDATE on PostgreSQL). Stores with a
  single writer (SQLite, memory) hold a store-wide writer lock for the whole
  WithTx call and may ignore the flag.

  Writers lock payments before invoices (see locks.go). Read projections
  lock only invoices whose stored status or total is stale.

ORDERING:
  FundedPaymentsForStudent: created_at ASC, id ASC (FIFO)
  OpenInvoicesForStudent:   priority ASC, due_date ASC, created_at ASC, id ASC

NO DELETES:
  There is no Delete method. Line items and allocations are deactivated by
  saving them with a deactivated SoftState.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite via database/sql
  - store/postgres/postgres.go: PostgreSQL via GORM

SEE ALSO:
  - service.go: The only caller
*/
package ledger

import (
	"context"
	"slices"
	"time"

	"github.com/zanaka/finance-engine/money"
)

// Directory resolves students. Student returns an ErrNotFound error for
// unknown or inactive students.
type Directory interface {
	Student(ctx context.Context, id string) (*Student, error)
}

// Notifier delivers a named notification. Failures are logged by the
// caller and never fail a ledger operation.
type Notifier interface {
	Notify(ctx context.Context, template string, data map[string]any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, template string, data map[string]any) error

func (f NotifierFunc) Notify(ctx context.Context, template string, data map[string]any) error {
	return f(ctx, template, data)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Directory
	SaveStudent(ctx context.Context, s Student) error

	// Invoices. Save methods upsert by ID.
	SaveInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string, lock bool) (*Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error)
	// OpenInvoicesForStudent returns the student's invoices not in DRAFT or
	// CANCELLED ordered by priority, due date, creation time, id.
	OpenInvoicesForStudent(ctx context.Context, studentID string, lock bool) ([]Invoice, error)

	SaveLineItem(ctx context.Context, item *LineItem) error
	// LineItems returns the invoice's active items by position.
	LineItems(ctx context.Context, invoiceID string) ([]LineItem, error)

	// Payments.
	SavePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string, lock bool) (*Payment, error)
	ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error)
	// FundedPaymentsForStudent returns COMPLETED and PARTIALLY_REFUNDED
	// payments, oldest first.
	FundedPaymentsForStudent(ctx context.Context, studentID string, lock bool) ([]Payment, error)
	// ReceiptInUse reports whether a non-failed payment with this method
	// already carries the receipt (mpesa receipt number or bank reference).
	ReceiptInUse(ctx context.Context, method PaymentMethod, receipt string) (bool, error)

	// Allocations.
	SaveAllocation(ctx context.Context, a *Allocation) error
	// ActiveAllocations returns active allocations matching the query
	// ordered by allocation order then creation time.
	ActiveAllocations(ctx context.Context, q AllocationQuery) ([]Allocation, error)

	// Refunds.
	SaveRefund(ctx context.Context, r *Refund) error
	GetRefund(ctx context.Context, id string, lock bool) (*Refund, error)
	ListRefunds(ctx context.Context, f RefundFilter) ([]Refund, error)

	// Bulk invoices.
	SaveBulkInvoice(ctx context.Context, b *BulkInvoice) error
	GetBulkInvoice(ctx context.Context, id string, lock bool) (*BulkInvoice, error)
	ListBulkInvoices(ctx context.Context) ([]BulkInvoice, error)

	// Aggregates. Sums are exact decimal sums over matching rows.
	InvoiceTotal(ctx context.Context, invoiceID string) (money.Money, error)
	AllocatedToInvoice(ctx context.Context, invoiceID string) (money.Money, error)
	AllocatedFromPayment(ctx context.Context, paymentID string) (money.Money, error)
	RefundedFromPayment(ctx context.Context, paymentID string, status RefundStatus) (money.Money, error)

	// NextSequence returns the next number for a reference prefix such as
	// "INV-20260115-". The first call for a prefix returns 1.
	NextSequence(ctx context.Context, prefix string) (int, error)

	// Fee catalog. SaveFeeItem upserts by code; ListFeeItems is ordered by
	// code.
	FeeCatalog
	SaveFeeItem(ctx context.Context, item FeeItem) error
	ListFeeItems(ctx context.Context) ([]FeeItem, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// FILTERS
// =============================================================================

type InvoiceFilter struct {
	StudentID     string
	Statuses      []InvoiceStatus
	Priority      *int
	BulkInvoiceID string
	// Search matches reference, student registration number or name,
	// case-insensitively.
	Search string
	Limit  int
}

type PaymentFilter struct {
	StudentID string
	Statuses  []PaymentStatus
	Method    PaymentMethod
	// Search matches reference, receipt numbers, bank reference, transaction
	// id, student registration number or name, case-insensitively.
	Search string
	// From and To bound created_at, inclusive. Zero means unbounded.
	From  time.Time
	To    time.Time
	Limit int
}

type RefundFilter struct {
	PaymentID string
	Statuses  []RefundStatus
	From      time.Time
	To        time.Time
}

type AllocationQuery struct {
	PaymentID string
	InvoiceID string
}

// =============================================================================
// FILTER MATCHING - shared by stores that filter in Go
// =============================================================================

// MatchesStatus reports whether s passes the status filter.
func (f InvoiceFilter) MatchesStatus(s InvoiceStatus) bool {
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, s)
}

func (f PaymentFilter) MatchesStatus(s PaymentStatus) bool {
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, s)
}

func (f RefundFilter) MatchesStatus(s RefundStatus) bool {
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, s)
}

// InRange reports whether t lies within [from, to]; zero bounds are open.
func InRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
