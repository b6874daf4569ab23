package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/ledger/ledgertest"
	"github.com/zanaka/finance-engine/money"
	"github.com/zanaka/finance-engine/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteScenarios(t *testing.T) {
	ledgertest.RunScenarios(t, func(t *testing.T) ledger.TxStore {
		return newStore(t)
	})
}

func TestSQLite_PaymentRoundTrip(t *testing.T) {
	// GIVEN: A payment with cents, optional timestamps and metadata
	// WHEN: Saving and reading it back
	// THEN: Every field survives unchanged
	ctx := context.Background()
	st := newStore(t)
	txDate := time.Date(2026, time.January, 14, 17, 45, 12, 123456789, time.UTC)
	p := &ledger.Payment{
		Audit:                ledger.Audit{ID: "p1", CreatedAt: ledgertest.Start, UpdatedAt: ledgertest.Start},
		Reference:            "PAY-20260115-0001",
		StudentID:            ledgertest.Student1,
		Method:               ledger.MethodMpesa,
		Amount:               money.MustParse("1234.56"),
		Status:               ledger.PaymentCompleted,
		MpesaReceiptNumber:   "QGH7XK2L9P",
		MpesaPhoneNumber:     "254712345678",
		MpesaTransactionDate: &txDate,
		Metadata:             map[string]string{"channel": "paybill"},
	}
	require.NoError(t, st.SavePayment(ctx, p))

	got, err := st.GetPayment(ctx, "p1", false)
	require.NoError(t, err)
	assert.Equal(t, "1234.56", got.Amount.String())
	assert.Equal(t, ledger.MethodMpesa, got.Method)
	assert.Equal(t, "paybill", got.Metadata["channel"])
	require.NotNil(t, got.MpesaTransactionDate)
	assert.True(t, txDate.Equal(*got.MpesaTransactionDate))
	assert.True(t, ledgertest.Start.Equal(got.CreatedAt))
	assert.Nil(t, got.VerifiedAt)
}

func TestSQLite_ReceiptUniqueAmongNonFailed(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	save := func(id string, status ledger.PaymentStatus) error {
		return st.SavePayment(ctx, &ledger.Payment{
			Audit:         ledger.Audit{ID: id, CreatedAt: ledgertest.Start, UpdatedAt: ledgertest.Start},
			Reference:     "PAY-" + id,
			Method:        ledger.MethodBank,
			Amount:        money.MustParse("10"),
			Status:        status,
			BankReference: "FT-1",
		})
	}

	require.NoError(t, save("failed", ledger.PaymentFailed))
	require.NoError(t, save("ok", ledger.PaymentCompleted))
	assert.ErrorIs(t, save("again", ledger.PaymentPending), ledger.ErrDuplicateReference)

	inUse, err := st.ReceiptInUse(ctx, ledger.MethodBank, "FT-1")
	require.NoError(t, err)
	assert.True(t, inUse)
	inUse, err = st.ReceiptInUse(ctx, ledger.MethodMpesa, "FT-1")
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestSQLite_DuplicateReference(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	inv := &ledger.Invoice{Audit: ledger.Audit{ID: "i1"}, Reference: "INV-20260115-0001", StudentID: "s1", Status: ledger.InvoicePending}
	require.NoError(t, st.SaveInvoice(ctx, inv))
	require.NoError(t, st.SaveInvoice(ctx, inv), "re-saving the same record is an update")

	err := st.SaveInvoice(ctx, &ledger.Invoice{Audit: ledger.Audit{ID: "i2"}, Reference: "INV-20260115-0001", StudentID: "s1"})
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)
}

func TestSQLite_SearchTreatsWildcardsLiterally(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	require.NoError(t, st.SaveStudent(ctx, ledger.Student{ID: "s1", RegNumber: "ADM-001", FullName: "Amina Otieno", IsActive: true}))
	require.NoError(t, st.SaveInvoice(ctx, &ledger.Invoice{
		Audit: ledger.Audit{ID: "i1", CreatedAt: ledgertest.Start}, Reference: "INV-20260115-0001", StudentID: "s1",
	}))

	hits, err := st.ListInvoices(ctx, ledger.InvoiceFilter{Search: "OTIENO"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = st.ListInvoices(ctx, ledger.InvoiceFilter{Search: "%"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSQLite_NotFound(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	_, err := st.GetInvoice(ctx, "missing", false)
	assert.True(t, ledger.IsNotFound(err))
	_, err = st.GetRefund(ctx, "missing", true)
	assert.True(t, ledger.IsNotFound(err))
	_, err = st.Student(ctx, "missing")
	assert.True(t, ledger.IsNotFound(err))
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	// GIVEN: A file database with a partly paid invoice
	// WHEN: The store is closed and opened again
	// THEN: The invoice, its status and its allocation are still there
	path := filepath.Join(t.TempDir(), "finance.db")
	st, err := sqlite.New(path)
	require.NoError(t, err)

	f := ledgertest.New(t, st)
	inv := f.Invoice(ledgertest.Student1, "1000", 1)
	f.Payment(ledgertest.Student1, "400")
	require.NoError(t, st.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.GetInvoice(context.Background(), inv.ID, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePartiallyPaid, got.Status)
	paid, err := reopened.AllocatedToInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "400.00", paid.String())
}
