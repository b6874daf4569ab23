package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanaka/finance-engine/ledger"
)

// =============================================================================
// PLANNER - Pure greedy allocation
// =============================================================================

func TestPlanner_SplitsAcrossTargetsInOrder(t *testing.T) {
	// GIVEN: One 600 fund and targets A 500, B 300
	// WHEN: Planning
	// THEN: A is filled, B gets the remaining 100
	funds := []ledger.Fund{{PaymentID: "p1", Unassigned: m("600")}}
	targets := []ledger.Target{
		{InvoiceID: "A", Status: ledger.InvoicePending, Balance: m("500")},
		{InvoiceID: "B", Status: ledger.InvoicePending, Balance: m("300")},
	}

	plan := ledger.Planner{}.Plan(funds, targets)

	require.Len(t, plan, 2)
	assert.Equal(t, "A", plan[0].InvoiceID)
	assert.Equal(t, "500.00", plan[0].Amount.String())
	assert.Equal(t, 1, plan[0].Order)
	assert.Equal(t, "B", plan[1].InvoiceID)
	assert.Equal(t, "100.00", plan[1].Amount.String())
	assert.Equal(t, 2, plan[1].Order)
}

func TestPlanner_FIFOAcrossFunds(t *testing.T) {
	// GIVEN: Funds 300 then 300, one 500 target
	// WHEN: Planning
	// THEN: The first fund is exhausted before the second is touched
	funds := []ledger.Fund{
		{PaymentID: "p1", Unassigned: m("300")},
		{PaymentID: "p2", Unassigned: m("300")},
	}
	targets := []ledger.Target{{InvoiceID: "A", Status: ledger.InvoicePending, Balance: m("500")}}

	plan := ledger.Planner{}.Plan(funds, targets)

	require.Len(t, plan, 2)
	assert.Equal(t, "p1", plan[0].PaymentID)
	assert.Equal(t, "300.00", plan[0].Amount.String())
	assert.Equal(t, "p2", plan[1].PaymentID)
	assert.Equal(t, "200.00", plan[1].Amount.String())
	assert.Equal(t, 1, plan[1].Order, "orders are per payment")
}

func TestPlanner_PriorityInvoiceFirst(t *testing.T) {
	funds := []ledger.Fund{{PaymentID: "p1", PriorityInvoiceID: "B", Unassigned: m("400")}}
	targets := []ledger.Target{
		{InvoiceID: "A", Status: ledger.InvoicePending, Balance: m("500")},
		{InvoiceID: "B", Status: ledger.InvoiceOverdue, Balance: m("300")},
	}

	plan := ledger.Planner{}.Plan(funds, targets)

	require.Len(t, plan, 2)
	assert.Equal(t, "B", plan[0].InvoiceID)
	assert.True(t, plan[0].Priority)
	assert.Equal(t, "300.00", plan[0].Amount.String())
	assert.Equal(t, "A", plan[1].InvoiceID)
	assert.False(t, plan[1].Priority)
	assert.Equal(t, "100.00", plan[1].Amount.String())
}

func TestPlanner_PriorityAllocationIsOrderOne(t *testing.T) {
	// GIVEN: A fresh payment whose priority invoice is last in sweep order
	// WHEN: Planning
	// THEN: The priority allocation is order 1 and the sweep continues at 2
	funds := []ledger.Fund{{PaymentID: "p1", PriorityInvoiceID: "C", Unassigned: m("900")}}
	targets := []ledger.Target{
		{InvoiceID: "A", Status: ledger.InvoicePending, Balance: m("300")},
		{InvoiceID: "B", Status: ledger.InvoicePending, Balance: m("300")},
		{InvoiceID: "C", Status: ledger.InvoicePending, Balance: m("300")},
	}

	plan := ledger.Planner{}.Plan(funds, targets)

	require.Len(t, plan, 3)
	assert.Equal(t, []string{"C", "A", "B"}, []string{plan[0].InvoiceID, plan[1].InvoiceID, plan[2].InvoiceID})
	assert.Equal(t, []int{1, 2, 3}, []int{plan[0].Order, plan[1].Order, plan[2].Order})
}

func TestPlanner_PriorityAllocationContinuesOrderOnLaterRun(t *testing.T) {
	// GIVEN: A payment that already holds allocations up to order 2
	// WHEN: A later run funds its priority invoice from leftover money
	// THEN: The priority allocation takes order 3 so it stays the newest
	funds := []ledger.Fund{{PaymentID: "p1", PriorityInvoiceID: "B", Unassigned: m("100"), LastOrder: 2}}
	targets := []ledger.Target{{InvoiceID: "B", Status: ledger.InvoicePending, Balance: m("300")}}

	plan := ledger.Planner{}.Plan(funds, targets)

	require.Len(t, plan, 1)
	assert.True(t, plan[0].Priority)
	assert.Equal(t, 3, plan[0].Order)
}

func TestPlanner_PriorityInvoiceMissingFallsBackToSweep(t *testing.T) {
	// A priority invoice that is not a target (paid, cancelled, other student)
	// is ignored.
	funds := []ledger.Fund{{PaymentID: "p1", PriorityInvoiceID: "gone", Unassigned: m("100")}}
	targets := []ledger.Target{{InvoiceID: "A", Status: ledger.InvoicePending, Balance: m("500")}}

	plan := ledger.Planner{}.Plan(funds, targets)

	require.Len(t, plan, 1)
	assert.Equal(t, "A", plan[0].InvoiceID)
	assert.False(t, plan[0].Priority)
}

func TestPlanner_ContinuesAllocationOrder(t *testing.T) {
	funds := []ledger.Fund{{PaymentID: "p1", Unassigned: m("50"), LastOrder: 3}}
	targets := []ledger.Target{{InvoiceID: "A", Status: ledger.InvoicePartiallyPaid, Balance: m("500")}}

	plan := ledger.Planner{}.Plan(funds, targets)

	require.Len(t, plan, 1)
	assert.Equal(t, 4, plan[0].Order)
}

func TestPlanner_NothingToDo(t *testing.T) {
	targets := []ledger.Target{{InvoiceID: "A", Status: ledger.InvoicePending, Balance: m("500")}}

	assert.Empty(t, ledger.Planner{}.Plan(nil, targets))
	assert.Empty(t, ledger.Planner{}.Plan([]ledger.Fund{{PaymentID: "p1", Unassigned: m("10")}}, nil))
}

func TestPlanner_ConservesMoney(t *testing.T) {
	// GIVEN: Awkward cent amounts across several funds and targets
	// WHEN: Planning
	// THEN: No fund or target is overdrawn and the total moved is
	//       min(total funds, total balances)
	funds := []ledger.Fund{
		{PaymentID: "p1", Unassigned: m("33.33")},
		{PaymentID: "p2", Unassigned: m("0.01")},
		{PaymentID: "p3", Unassigned: m("150.50"), PriorityInvoiceID: "C"},
	}
	targets := []ledger.Target{
		{InvoiceID: "A", Status: ledger.InvoicePending, Balance: m("10.10")},
		{InvoiceID: "B", Status: ledger.InvoicePending, Balance: m("99.99")},
		{InvoiceID: "C", Status: ledger.InvoicePartiallyPaid, Balance: m("20.02")},
	}

	plan := ledger.Planner{}.Plan(funds, targets)

	byFund := map[string]string{}
	byTarget := map[string]string{}
	total := m("0")
	for _, line := range plan {
		assert.True(t, line.Amount.IsPositive())
		byFund[line.PaymentID] = m(orZero(byFund[line.PaymentID])).Add(line.Amount).String()
		byTarget[line.InvoiceID] = m(orZero(byTarget[line.InvoiceID])).Add(line.Amount).String()
		total = total.Add(line.Amount)
	}
	for _, f := range funds {
		assert.True(t, m(orZero(byFund[f.PaymentID])).LessOrEqual(f.Unassigned), f.PaymentID)
	}
	for _, tg := range targets {
		assert.True(t, m(orZero(byTarget[tg.InvoiceID])).LessOrEqual(tg.Balance), tg.InvoiceID)
	}
	assert.Equal(t, "130.11", total.String())
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
