/*
allocation.go - Payment allocation engine

PURPOSE:
  Applies a student's unassigned payment funds to their outstanding
  invoices. Planning is a pure function (Planner.Plan); the engine locks the
  rows, builds the inputs, persists the plan and recomputes invoice statuses.

ALGORITHM:
  1. Funds:   COMPLETED / PARTIALLY_REFUNDED payments with unassigned > 0,
              oldest first (FIFO).
  2. Targets: invoices not DRAFT / CANCELLED with balance > 0, ordered by
              priority, due date, creation time.
  3. For each fund, remaining = unassigned:
     a. Priority pass: the payment's priority invoice, when open
        (PENDING, PARTIALLY_PAID or OVERDUE) with a positive balance,
        receives min(remaining, balance) first.
     b. Sweep pass: every other target in order receives
        min(remaining, balance) until remaining is zero.
  4. Strictly forward: a fund is never revisited once the next one starts.

ALLOCATION ORDER:
  Each payment numbers its allocations 1, 2, 3, ... continuing from its
  current highest order, so a payment's newest allocation always has the
  highest order. Refund claw-back relies on this.

  On a payment's first run the priority allocation is order 1 and the sweep
  continues at 2. On a later run over leftover funds the priority
  allocation takes the next order instead of 1.

EXAMPLE:
  Payment P1 600, invoice A (priority 1) balance 500, B (priority 2) 300:
    P1 -> A 500 (order 1), P1 -> B 100 (order 2)

SEE ALSO:
  - balance.go: Unassigned and Balance
  - refund.go: Claw-back consumes allocations newest first
*/
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zanaka/finance-engine/money"
)

// =============================================================================
// PLANNER - Pure greedy allocation
// =============================================================================

// Fund is a payment with money left to allocate.
type Fund struct {
	PaymentID         string
	PriorityInvoiceID string
	Unassigned        money.Money
	// LastOrder is the highest allocation order the payment already used.
	LastOrder int
}

// Target is an invoice that can receive money.
type Target struct {
	InvoiceID string
	Status    InvoiceStatus
	Balance   money.Money
}

// PlannedAllocation is one line of an allocation plan.
type PlannedAllocation struct {
	PaymentID string
	InvoiceID string
	Amount    money.Money
	Order     int
	Priority  bool // funded by the priority pass
}

// Planner splits funds across targets. Funds and targets must already be
// in allocation order.
type Planner struct{}

// Plan returns the allocations to create, in creation order.
func (Planner) Plan(funds []Fund, targets []Target) []PlannedAllocation {
	balances := make(map[string]money.Money, len(targets))
	statuses := make(map[string]InvoiceStatus, len(targets))
	for _, t := range targets {
		balances[t.InvoiceID] = t.Balance
		statuses[t.InvoiceID] = t.Status
	}

	var plan []PlannedAllocation
	for _, f := range funds {
		remaining := f.Unassigned
		order := f.LastOrder

		take := func(invoiceID string, priority bool) {
			amount := remaining.Min(balances[invoiceID])
			order++
			plan = append(plan, PlannedAllocation{
				PaymentID: f.PaymentID,
				InvoiceID: invoiceID,
				Amount:    amount,
				Order:     order,
				Priority:  priority,
			})
			remaining = remaining.Sub(amount)
			balances[invoiceID] = balances[invoiceID].Sub(amount)
			if balances[invoiceID].IsPositive() {
				statuses[invoiceID] = InvoicePartiallyPaid
			} else {
				statuses[invoiceID] = InvoicePaid
			}
		}

		// Priority pass
		if id := f.PriorityInvoiceID; id != "" && remaining.IsPositive() {
			if bal, ok := balances[id]; ok && bal.IsPositive() && priorityEligible(statuses[id]) {
				take(id, true)
			}
		}

		// Sweep pass
		for _, t := range targets {
			if !remaining.IsPositive() {
				break
			}
			if t.InvoiceID == f.PriorityInvoiceID || !balances[t.InvoiceID].IsPositive() {
				continue
			}
			take(t.InvoiceID, false)
		}
	}
	return plan
}

func priorityEligible(s InvoiceStatus) bool {
	return s == InvoicePending || s == InvoicePartiallyPaid || s == InvoiceOverdue
}

// =============================================================================
// ENGINE
// =============================================================================

// AllocationRun reports what one allocation pass created.
type AllocationRun struct {
	StudentID      string       `json:"student_id"`
	Allocations    []Allocation `json:"allocations"`
	TotalAllocated money.Money  `json:"total_allocated"`
}

// AllocatePayments applies the student's unassigned funds to their open
// invoices in one transaction.
func (s *Service) AllocatePayments(ctx context.Context, studentID string) (*AllocationRun, error) {
	if studentID == "" {
		return nil, validationf("student is required")
	}
	var run *AllocationRun
	err := s.tx(ctx, func(st Store) error {
		var err error
		run, err = s.allocate(ctx, st, studentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(run.Allocations) > 0 {
		s.log.Info("payments allocated",
			"student_id", studentID,
			"allocations", len(run.Allocations),
			"total", run.TotalAllocated.String())
	}
	return run, nil
}

func (s *Service) allocate(ctx context.Context, st Store, studentID string) (*AllocationRun, error) {
	run := &AllocationRun{StudentID: studentID, Allocations: []Allocation{}}

	// Lock order: payments, then invoices.
	payments, err := st.FundedPaymentsForStudent(ctx, studentID, true)
	if err != nil {
		return nil, fmt.Errorf("load funded payments: %w", err)
	}
	invoices, err := st.OpenInvoicesForStudent(ctx, studentID, true)
	if err != nil {
		return nil, fmt.Errorf("load open invoices: %w", err)
	}

	funds, err := s.buildFunds(ctx, st, payments)
	if err != nil {
		return nil, err
	}
	if len(funds) == 0 {
		return run, nil
	}
	targets, byID, err := s.buildTargets(ctx, st, invoices)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return run, nil
	}

	now := s.clock.Now()
	for _, line := range (Planner{}).Plan(funds, targets) {
		a := &Allocation{
			Audit:     newAudit(now),
			PaymentID: line.PaymentID,
			InvoiceID: line.InvoiceID,
			Amount:    line.Amount,
			Order:     line.Order,
		}
		if err := st.SaveAllocation(ctx, a); err != nil {
			return nil, fmt.Errorf("save allocation: %w", err)
		}
		// Recompute right away so the stored status follows every write.
		if _, err := s.recomputeInvoice(ctx, st, byID[line.InvoiceID]); err != nil {
			return nil, err
		}
		run.Allocations = append(run.Allocations, *a)
		run.TotalAllocated = run.TotalAllocated.Add(a.Amount)
	}
	return run, nil
}

func (s *Service) buildFunds(ctx context.Context, st Store, payments []Payment) ([]Fund, error) {
	var funds []Fund
	for i := range payments {
		p := &payments[i]
		amounts, err := loadPaymentAmounts(ctx, st, p)
		if err != nil {
			return nil, err
		}
		if err := amounts.Integrity(p.ID); err != nil {
			s.reportIntegrity(err)
			continue
		}
		unassigned := amounts.Unassigned()
		if !unassigned.IsPositive() {
			continue
		}
		lastOrder, err := lastAllocationOrder(ctx, st, p.ID)
		if err != nil {
			return nil, err
		}
		funds = append(funds, Fund{
			PaymentID:         p.ID,
			PriorityInvoiceID: p.PriorityInvoiceID,
			Unassigned:        unassigned,
			LastOrder:         lastOrder,
		})
	}
	return funds, nil
}

func (s *Service) buildTargets(ctx context.Context, st Store, invoices []Invoice) ([]Target, map[string]*Invoice, error) {
	var targets []Target
	byID := make(map[string]*Invoice, len(invoices))
	for i := range invoices {
		inv := &invoices[i]
		amounts, err := s.recomputeInvoice(ctx, st, inv)
		if err != nil {
			return nil, nil, err
		}
		if !amounts.Balance().IsPositive() {
			continue
		}
		byID[inv.ID] = inv
		targets = append(targets, Target{InvoiceID: inv.ID, Status: inv.Status, Balance: amounts.Balance()})
	}
	return targets, byID, nil
}

func lastAllocationOrder(ctx context.Context, st Store, paymentID string) (int, error) {
	allocs, err := st.ActiveAllocations(ctx, AllocationQuery{PaymentID: paymentID})
	if err != nil {
		return 0, fmt.Errorf("load allocations for payment %s: %w", paymentID, err)
	}
	last := 0
	for _, a := range allocs {
		if a.Order > last {
			last = a.Order
		}
	}
	return last, nil
}

// =============================================================================
// RELEASE - Deactivating and shrinking allocations
// =============================================================================

// newestFirst orders allocations for release: highest order, then latest
// created, then highest id.
func newestFirst(allocs []Allocation) {
	sort.SliceStable(allocs, func(i, j int) bool {
		a, b := allocs[i], allocs[j]
		if a.Order != b.Order {
			return a.Order > b.Order
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// releaseNewestFirst takes up to amount out of allocs, newest first. A fully
// consumed allocation is deactivated; a partially consumed one is
// deactivated and replaced by a smaller active allocation. It returns the
// ids of touched invoices and the amount actually released.
func releaseNewestFirst(ctx context.Context, st Store, allocs []Allocation, amount money.Money, refundID string, now time.Time) ([]string, money.Money, error) {
	newestFirst(allocs)
	released := money.Zero
	var touched []string
	for i := range allocs {
		if !amount.IsPositive() {
			break
		}
		a := &allocs[i]
		take := amount.Min(a.Amount)
		if err := shrinkAllocation(ctx, st, a, take, refundID, now); err != nil {
			return nil, released, err
		}
		amount = amount.Sub(take)
		released = released.Add(take)
		touched = appendUnique(touched, a.InvoiceID)
	}
	return touched, released, nil
}

// shrinkAllocation deactivates a and, when by is less than its amount,
// inserts the replacement carrying the remainder.
func shrinkAllocation(ctx context.Context, st Store, a *Allocation, by money.Money, refundID string, now time.Time) error {
	a.Deactivate(now)
	a.touch(now)
	if err := st.SaveAllocation(ctx, a); err != nil {
		return fmt.Errorf("deactivate allocation %s: %w", a.ID, err)
	}
	rest := a.Amount.Sub(by)
	if !rest.IsPositive() {
		return nil
	}
	replacement := &Allocation{
		Audit:        newAudit(now),
		PaymentID:    a.PaymentID,
		InvoiceID:    a.InvoiceID,
		Amount:       rest,
		Order:        a.Order,
		SupersedesID: a.ID,
		RefundID:     refundID,
	}
	if err := st.SaveAllocation(ctx, replacement); err != nil {
		return fmt.Errorf("save replacement allocation: %w", err)
	}
	return nil
}

// deactivateAll deactivates every allocation and returns the distinct
// invoice ids they pointed at.
func deactivateAll(ctx context.Context, st Store, allocs []Allocation, now time.Time) ([]string, error) {
	var touched []string
	for i := range allocs {
		a := &allocs[i]
		a.Deactivate(now)
		a.touch(now)
		if err := st.SaveAllocation(ctx, a); err != nil {
			return nil, fmt.Errorf("deactivate allocation %s: %w", a.ID, err)
		}
		touched = appendUnique(touched, a.InvoiceID)
	}
	return touched, nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
