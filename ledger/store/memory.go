// Package store provides an in-memory ledger.TxStore.
package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/money"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one RWMutex. Records are
// stored and returned by value so callers never share state with the store.
type Memory struct {
	mu sync.RWMutex
	state
}

type state struct {
	students    map[string]ledger.Student
	invoices    map[string]ledger.Invoice
	lineItems   map[string]ledger.LineItem
	payments    map[string]ledger.Payment
	allocations map[string]ledger.Allocation
	refunds     map[string]ledger.Refund
	bulk        map[string]ledger.BulkInvoice
	references  map[string]string // reference -> record id
	sequences   map[string]int
	feeItems    map[string]ledger.FeeItem
}

func newState() state {
	return state{
		students:    make(map[string]ledger.Student),
		invoices:    make(map[string]ledger.Invoice),
		lineItems:   make(map[string]ledger.LineItem),
		payments:    make(map[string]ledger.Payment),
		allocations: make(map[string]ledger.Allocation),
		refunds:     make(map[string]ledger.Refund),
		bulk:        make(map[string]ledger.BulkInvoice),
		references:  make(map[string]string),
		sequences:   make(map[string]int),
		feeItems:    make(map[string]ledger.FeeItem),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The writer lock is held for the whole call, so transactions never
// interleave.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()
	if err := fn(&tm.state); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

func (s *state) clone() state {
	c := state{
		students:    maps.Clone(s.students),
		invoices:    maps.Clone(s.invoices),
		lineItems:   maps.Clone(s.lineItems),
		payments:    make(map[string]ledger.Payment, len(s.payments)),
		allocations: maps.Clone(s.allocations),
		refunds:     maps.Clone(s.refunds),
		bulk:        maps.Clone(s.bulk),
		references:  maps.Clone(s.references),
		sequences:   maps.Clone(s.sequences),
		feeItems:    maps.Clone(s.feeItems),
	}
	for id, p := range s.payments {
		p.Metadata = maps.Clone(p.Metadata)
		c.payments[id] = p
	}
	return c
}

// =============================================================================
// LOCKED ACCESSORS - Memory outside a transaction
// =============================================================================

func (m *Memory) Student(ctx context.Context, id string) (*ledger.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Student(ctx, id)
}

func (m *Memory) SaveStudent(ctx context.Context, st ledger.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveStudent(ctx, st)
}

func (m *Memory) SaveInvoice(ctx context.Context, inv *ledger.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveInvoice(ctx, inv)
}

func (m *Memory) GetInvoice(ctx context.Context, id string, lock bool) (*ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetInvoice(ctx, id, lock)
}

func (m *Memory) ListInvoices(ctx context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListInvoices(ctx, f)
}

func (m *Memory) OpenInvoicesForStudent(ctx context.Context, studentID string, lock bool) ([]ledger.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.OpenInvoicesForStudent(ctx, studentID, lock)
}

func (m *Memory) SaveLineItem(ctx context.Context, item *ledger.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveLineItem(ctx, item)
}

func (m *Memory) LineItems(ctx context.Context, invoiceID string) ([]ledger.LineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.LineItems(ctx, invoiceID)
}

func (m *Memory) SavePayment(ctx context.Context, p *ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SavePayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, id string, lock bool) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetPayment(ctx, id, lock)
}

func (m *Memory) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListPayments(ctx, f)
}

func (m *Memory) FundedPaymentsForStudent(ctx context.Context, studentID string, lock bool) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FundedPaymentsForStudent(ctx, studentID, lock)
}

func (m *Memory) ReceiptInUse(ctx context.Context, method ledger.PaymentMethod, receipt string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ReceiptInUse(ctx, method, receipt)
}

func (m *Memory) SaveAllocation(ctx context.Context, a *ledger.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveAllocation(ctx, a)
}

func (m *Memory) ActiveAllocations(ctx context.Context, q ledger.AllocationQuery) ([]ledger.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ActiveAllocations(ctx, q)
}

func (m *Memory) SaveRefund(ctx context.Context, r *ledger.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveRefund(ctx, r)
}

func (m *Memory) GetRefund(ctx context.Context, id string, lock bool) (*ledger.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetRefund(ctx, id, lock)
}

func (m *Memory) ListRefunds(ctx context.Context, f ledger.RefundFilter) ([]ledger.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListRefunds(ctx, f)
}

func (m *Memory) SaveBulkInvoice(ctx context.Context, b *ledger.BulkInvoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveBulkInvoice(ctx, b)
}

func (m *Memory) GetBulkInvoice(ctx context.Context, id string, lock bool) (*ledger.BulkInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetBulkInvoice(ctx, id, lock)
}

func (m *Memory) ListBulkInvoices(ctx context.Context) ([]ledger.BulkInvoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListBulkInvoices(ctx)
}

func (m *Memory) InvoiceTotal(ctx context.Context, invoiceID string) (money.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.InvoiceTotal(ctx, invoiceID)
}

func (m *Memory) AllocatedToInvoice(ctx context.Context, invoiceID string) (money.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.AllocatedToInvoice(ctx, invoiceID)
}

func (m *Memory) AllocatedFromPayment(ctx context.Context, paymentID string) (money.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.AllocatedFromPayment(ctx, paymentID)
}

func (m *Memory) RefundedFromPayment(ctx context.Context, paymentID string, status ledger.RefundStatus) (money.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RefundedFromPayment(ctx, paymentID, status)
}

func (m *Memory) NextSequence(ctx context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.NextSequence(ctx, prefix)
}

func (m *Memory) FeeItem(ctx context.Context, code string) (ledger.FeeItem, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FeeItem(ctx, code)
}

func (m *Memory) SaveFeeItem(ctx context.Context, item ledger.FeeItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveFeeItem(ctx, item)
}

func (m *Memory) ListFeeItems(ctx context.Context) ([]ledger.FeeItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListFeeItems(ctx)
}

// =============================================================================
// STATE - Unlocked implementation, also the in-transaction view
// =============================================================================

func (s *state) Student(_ context.Context, id string) (*ledger.Student, error) {
	st, ok := s.students[id]
	if !ok || !st.IsActive {
		return nil, ledger.NotFoundError("student", id)
	}
	return &st, nil
}

func (s *state) SaveStudent(_ context.Context, st ledger.Student) error {
	if st.ID == "" {
		return fmt.Errorf("student id is required")
	}
	s.students[st.ID] = st
	return nil
}

// claimReference records ref for id, failing when another record owns it.
func (s *state) claimReference(ref, id string) error {
	if ref == "" {
		return nil
	}
	if owner, ok := s.references[ref]; ok && owner != id {
		return fmt.Errorf("reference %s: %w", ref, ledger.ErrDuplicateReference)
	}
	s.references[ref] = id
	return nil
}

// --- invoices ---

func (s *state) SaveInvoice(_ context.Context, inv *ledger.Invoice) error {
	if err := s.claimReference(inv.Reference, inv.ID); err != nil {
		return err
	}
	s.invoices[inv.ID] = *inv
	return nil
}

func (s *state) GetInvoice(_ context.Context, id string, _ bool) (*ledger.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ledger.NotFoundError("invoice", id)
	}
	return &inv, nil
}

func (s *state) ListInvoices(_ context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error) {
	var out []ledger.Invoice
	for _, inv := range s.invoices {
		if f.StudentID != "" && inv.StudentID != f.StudentID {
			continue
		}
		if !f.MatchesStatus(inv.Status) {
			continue
		}
		if f.Priority != nil && inv.Priority != *f.Priority {
			continue
		}
		if f.BulkInvoiceID != "" && inv.BulkInvoiceID != f.BulkInvoiceID {
			continue
		}
		if f.Search != "" && !s.matches(f.Search, inv.StudentID, inv.Reference) {
			continue
		}
		out = append(out, inv)
	}
	slices.SortFunc(out, func(a, b ledger.Invoice) int { return byCreation(a.Audit, b.Audit) })
	return limit(out, f.Limit), nil
}

func (s *state) OpenInvoicesForStudent(_ context.Context, studentID string, _ bool) ([]ledger.Invoice, error) {
	var out []ledger.Invoice
	for _, inv := range s.invoices {
		if inv.StudentID != studentID || inv.Status == ledger.InvoiceDraft || inv.Status == ledger.InvoiceCancelled {
			continue
		}
		out = append(out, inv)
	}
	slices.SortFunc(out, func(a, b ledger.Invoice) int {
		return cmp.Or(
			cmp.Compare(a.Priority, b.Priority),
			a.DueDate.Compare(b.DueDate),
			byCreation(a.Audit, b.Audit),
		)
	})
	return out, nil
}

func (s *state) SaveLineItem(_ context.Context, item *ledger.LineItem) error {
	s.lineItems[item.ID] = *item
	return nil
}

func (s *state) LineItems(_ context.Context, invoiceID string) ([]ledger.LineItem, error) {
	var out []ledger.LineItem
	for _, item := range s.lineItems {
		if item.InvoiceID == invoiceID && item.IsActive() {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b ledger.LineItem) int {
		return cmp.Or(cmp.Compare(a.Position, b.Position), byCreation(a.Audit, b.Audit))
	})
	return out, nil
}

// --- payments ---

func (s *state) SavePayment(_ context.Context, p *ledger.Payment) error {
	if err := s.claimReference(p.Reference, p.ID); err != nil {
		return err
	}
	if receipt := p.Receipt(); receipt != "" && p.Status != ledger.PaymentFailed {
		for id, other := range s.payments {
			if id != p.ID && other.Method == p.Method && other.Status != ledger.PaymentFailed && other.Receipt() == receipt {
				return fmt.Errorf("receipt %s: %w", receipt, ledger.ErrDuplicateReference)
			}
		}
	}
	cp := *p
	cp.Metadata = maps.Clone(p.Metadata)
	s.payments[p.ID] = cp
	return nil
}

func (s *state) GetPayment(_ context.Context, id string, _ bool) (*ledger.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, ledger.NotFoundError("payment", id)
	}
	p.Metadata = maps.Clone(p.Metadata)
	return &p, nil
}

func (s *state) ListPayments(_ context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	var out []ledger.Payment
	for _, p := range s.payments {
		if f.StudentID != "" && p.StudentID != f.StudentID {
			continue
		}
		if !f.MatchesStatus(p.Status) {
			continue
		}
		if f.Method != "" && p.Method != f.Method {
			continue
		}
		if !ledger.InRange(p.CreatedAt, f.From, f.To) {
			continue
		}
		if f.Search != "" && !s.matches(f.Search, p.StudentID,
			p.Reference, p.MpesaReceiptNumber, p.BankReference, p.TransactionID) {
			continue
		}
		p.Metadata = maps.Clone(p.Metadata)
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b ledger.Payment) int { return byCreation(a.Audit, b.Audit) })
	return limit(out, f.Limit), nil
}

func (s *state) FundedPaymentsForStudent(_ context.Context, studentID string, _ bool) ([]ledger.Payment, error) {
	var out []ledger.Payment
	for _, p := range s.payments {
		if p.StudentID == studentID && p.Status.Funded() {
			p.Metadata = maps.Clone(p.Metadata)
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Payment) int { return byCreation(a.Audit, b.Audit) })
	return out, nil
}

func (s *state) ReceiptInUse(_ context.Context, method ledger.PaymentMethod, receipt string) (bool, error) {
	for _, p := range s.payments {
		if p.Method == method && p.Status != ledger.PaymentFailed && p.Receipt() == receipt {
			return true, nil
		}
	}
	return false, nil
}

// --- allocations ---

func (s *state) SaveAllocation(_ context.Context, a *ledger.Allocation) error {
	s.allocations[a.ID] = *a
	return nil
}

func (s *state) ActiveAllocations(_ context.Context, q ledger.AllocationQuery) ([]ledger.Allocation, error) {
	var out []ledger.Allocation
	for _, a := range s.allocations {
		if !a.IsActive() {
			continue
		}
		if q.PaymentID != "" && a.PaymentID != q.PaymentID {
			continue
		}
		if q.InvoiceID != "" && a.InvoiceID != q.InvoiceID {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b ledger.Allocation) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), byCreation(a.Audit, b.Audit))
	})
	return out, nil
}

// --- refunds ---

func (s *state) SaveRefund(_ context.Context, r *ledger.Refund) error {
	if err := s.claimReference(r.Reference, r.ID); err != nil {
		return err
	}
	s.refunds[r.ID] = *r
	return nil
}

func (s *state) GetRefund(_ context.Context, id string, _ bool) (*ledger.Refund, error) {
	r, ok := s.refunds[id]
	if !ok {
		return nil, ledger.NotFoundError("refund", id)
	}
	return &r, nil
}

func (s *state) ListRefunds(_ context.Context, f ledger.RefundFilter) ([]ledger.Refund, error) {
	var out []ledger.Refund
	for _, r := range s.refunds {
		if f.PaymentID != "" && r.PaymentID != f.PaymentID {
			continue
		}
		if !f.MatchesStatus(r.Status) || !ledger.InRange(r.CreatedAt, f.From, f.To) {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b ledger.Refund) int { return byCreation(a.Audit, b.Audit) })
	return out, nil
}

// --- bulk invoices ---

func (s *state) SaveBulkInvoice(_ context.Context, b *ledger.BulkInvoice) error {
	if err := s.claimReference(b.Reference, b.ID); err != nil {
		return err
	}
	s.bulk[b.ID] = *b
	return nil
}

func (s *state) GetBulkInvoice(_ context.Context, id string, _ bool) (*ledger.BulkInvoice, error) {
	b, ok := s.bulk[id]
	if !ok {
		return nil, ledger.NotFoundError("bulk invoice", id)
	}
	return &b, nil
}

func (s *state) ListBulkInvoices(_ context.Context) ([]ledger.BulkInvoice, error) {
	out := make([]ledger.BulkInvoice, 0, len(s.bulk))
	for _, b := range s.bulk {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b ledger.BulkInvoice) int { return byCreation(a.Audit, b.Audit) })
	return out, nil
}

// --- aggregates ---

func (s *state) InvoiceTotal(_ context.Context, invoiceID string) (money.Money, error) {
	total := money.Zero
	for _, item := range s.lineItems {
		if item.InvoiceID == invoiceID && item.IsActive() {
			total = total.Add(item.Amount)
		}
	}
	return total, nil
}

func (s *state) AllocatedToInvoice(_ context.Context, invoiceID string) (money.Money, error) {
	total := money.Zero
	for _, a := range s.allocations {
		if a.InvoiceID == invoiceID && a.IsActive() {
			total = total.Add(a.Amount)
		}
	}
	return total, nil
}

func (s *state) AllocatedFromPayment(_ context.Context, paymentID string) (money.Money, error) {
	total := money.Zero
	for _, a := range s.allocations {
		if a.PaymentID == paymentID && a.IsActive() {
			total = total.Add(a.Amount)
		}
	}
	return total, nil
}

func (s *state) RefundedFromPayment(_ context.Context, paymentID string, status ledger.RefundStatus) (money.Money, error) {
	total := money.Zero
	for _, r := range s.refunds {
		if r.PaymentID == paymentID && r.Status == status {
			total = total.Add(r.Amount)
		}
	}
	return total, nil
}

func (s *state) NextSequence(_ context.Context, prefix string) (int, error) {
	s.sequences[prefix]++
	return s.sequences[prefix], nil
}

// --- fee catalog ---

func (s *state) FeeItem(_ context.Context, code string) (ledger.FeeItem, bool, error) {
	item, ok := s.feeItems[code]
	return item, ok, nil
}

func (s *state) SaveFeeItem(_ context.Context, item ledger.FeeItem) error {
	if item.Code == "" {
		return fmt.Errorf("fee item code is required")
	}
	s.feeItems[item.Code] = item
	return nil
}

func (s *state) ListFeeItems(_ context.Context) ([]ledger.FeeItem, error) {
	out := make([]ledger.FeeItem, 0, len(s.feeItems))
	for _, item := range s.feeItems {
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b ledger.FeeItem) int { return cmp.Compare(a.Code, b.Code) })
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// matches reports whether term occurs in any field or in the student's
// registration number or name, case-insensitively.
func (s *state) matches(term, studentID string, fields ...string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if st, ok := s.students[studentID]; ok {
		fields = append(fields, st.RegNumber, st.FullName)
	}
	for _, f := range fields {
		if f != "" && strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

func byCreation(a, b ledger.Audit) int {
	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
}

func limit[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}
