/*
service.go - Ledger operations entry point

PURPOSE:
  Service exposes every ledger operation. Each mutating operation runs in a
  single TxStore transaction: any error rolls back every write. Follow-up
  allocation runs and notifications happen after commit as best-effort
  effects.

OPERATIONS:
  Invoices:  CreateInvoice, UpdateInvoice, CancelInvoice, ActivateInvoice,
             IssueInvoice, FetchInvoice, FilterInvoices
  Bulk:      BulkCreateInvoices, BulkCancelInvoices, GetBulkInvoice,
             ListBulkInvoices
  Payments:  CreatePayment, CreatePendingPayment, ApprovePayment,
             FailPayment, ReversePayment, FetchPayment, FilterPayments
  Refunds:   CreateRefund, CompleteRefund, CancelRefund
  Engine:    AllocatePayments, RefreshStatuses
  Catalog:   ImportFeeItems, ListFeeItems
  Reporting: Summary

USAGE:
  svc := ledger.NewService(store,
      ledger.WithLogger(logger),
      ledger.WithNotifier(dispatcher),
  )
  inv, err := svc.CreateInvoice(ctx, actor, studentID, input)

SEE ALSO:
  - store.go: Persistence contract
  - effects.go: Best-effort follow-ups
*/
package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Service implements the ledger operations over a TxStore.
type Service struct {
	store    TxStore
	clock    Clock
	log      *slog.Logger
	notifier Notifier
	fees     FeeCatalog
	effects  BestEffort
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithNotifier sets the notification target. Without one, notifications are
// dropped silently.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithFeeCatalog resolves fee item codes through c instead of the store's
// fee_items.
func WithFeeCatalog(c FeeCatalog) Option { return func(s *Service) { s.fees = c } }

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: SystemClock,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.effects = BestEffort{Logger: s.log}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() TxStore { return s.store }

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.clock.Now() }

// tx runs fn in one transaction.
func (s *Service) tx(ctx context.Context, fn func(Store) error) error {
	return s.store.WithTx(ctx, fn)
}

// activeStudent resolves a student through the directory.
func activeStudent(ctx context.Context, st Store, id string) (*Student, error) {
	if id == "" {
		return nil, validationf("student is required")
	}
	return st.Student(ctx, id)
}
