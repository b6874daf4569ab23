package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/ledger/ledgertest"
	"github.com/zanaka/finance-engine/money"
	"github.com/zanaka/finance-engine/store/postgres"
)

// newStore runs the GORM store on an in-memory SQLite database. Set
// TEST_POSTGRES_DSN to run against a real server instead.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		st, err := postgres.Open(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	}

	db, err := gorm.Open(sqlite.Open("file:"+ledger.NewID()+"?mode=memory&cache=shared"), postgres.Config())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	st, err := postgres.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestGORMScenarios(t *testing.T) {
	if os.Getenv("TEST_POSTGRES_DSN") != "" {
		t.Skip("scenarios share one database per run; use a fresh schema per scenario")
	}
	ledgertest.RunScenarios(t, func(t *testing.T) ledger.TxStore {
		return newStore(t)
	})
}

func TestGORM_PaymentMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	p := &ledger.Payment{
		Audit:     ledger.Audit{ID: ledger.NewID(), CreatedAt: ledgertest.Start, UpdatedAt: ledgertest.Start},
		Reference: "PAY-" + ledger.NewID(),
		Method:    ledger.MethodCash,
		Amount:    money.MustParse("99.95"),
		Status:    ledger.PaymentPending,
		Metadata:  map[string]string{"till": "front-office"},
	}
	require.NoError(t, st.SavePayment(ctx, p))

	got, err := st.GetPayment(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "99.95", got.Amount.String())
	assert.Equal(t, "front-office", got.Metadata["till"])
	assert.True(t, ledgertest.Start.Equal(got.CreatedAt))
}

func TestGORM_DuplicateReference(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	ref := "RFD-" + ledger.NewID()
	save := func(id string) error {
		return st.SaveRefund(ctx, &ledger.Refund{
			Audit:     ledger.Audit{ID: id, CreatedAt: ledgertest.Start, UpdatedAt: ledgertest.Start},
			Reference: ref,
			PaymentID: "p1",
			Amount:    money.MustParse("1"),
			Method:    ledger.MethodCash,
			Status:    ledger.RefundPending,
		})
	}

	id := ledger.NewID()
	require.NoError(t, save(id))
	require.NoError(t, save(id), "re-saving the same record is an update")
	assert.ErrorIs(t, save(ledger.NewID()), ledger.ErrDuplicateReference)
}

func TestGORM_SumsAreExact(t *testing.T) {
	// GIVEN: Many awkward cent allocations on one invoice
	// WHEN: Summing them
	// THEN: The total carries no floating point drift
	ctx := context.Background()
	st := newStore(t)
	invoiceID := ledger.NewID()
	for i := 0; i < 30; i++ {
		require.NoError(t, st.SaveAllocation(ctx, &ledger.Allocation{
			Audit:     ledger.Audit{ID: ledger.NewID(), CreatedAt: ledgertest.Start, UpdatedAt: ledgertest.Start},
			PaymentID: "p1",
			InvoiceID: invoiceID,
			Amount:    money.MustParse("0.10"),
			Order:     i + 1,
		}))
	}

	total, err := st.AllocatedToInvoice(ctx, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, "3.00", total.String())
}

func TestGORM_NotFound(t *testing.T) {
	st := newStore(t)

	_, err := st.GetBulkInvoice(context.Background(), "missing", true)
	assert.True(t, ledger.IsNotFound(err))
	_, err = st.Student(context.Background(), "missing")
	assert.True(t, ledger.IsNotFound(err))
}
