package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanaka/finance-engine/ledger"
)

func TestReferencePrefix(t *testing.T) {
	at := time.Date(2026, time.January, 15, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "INV-20260115-", ledger.ReferencePrefix(ledger.RefInvoice, at))
	assert.Equal(t, "EXP-20260115-", ledger.ReferencePrefix(ledger.RefExpense, at))

	// The day is taken in UTC.
	nairobi := time.FixedZone("EAT", 3*60*60)
	assert.Equal(t, "PAY-20260115-", ledger.ReferencePrefix(ledger.RefPayment, time.Date(2026, time.January, 16, 1, 0, 0, 0, nairobi)))
}

func TestParseReference(t *testing.T) {
	ref, err := ledger.ParseReference("RFD-20260115-0042")
	require.NoError(t, err)
	assert.Equal(t, ledger.RefRefund, ref.Kind)
	assert.Equal(t, ledger.Date(2026, time.January, 15), ref.Day)
	assert.Equal(t, 42, ref.Sequence)
	assert.Equal(t, "RFD-20260115-0042", ref.String())

	// Past 9999 the sequence widens instead of wrapping.
	big, err := ledger.ParseReference("INV-20260115-10000")
	require.NoError(t, err)
	assert.Equal(t, 10000, big.Sequence)
}

func TestParseReference_Malformed(t *testing.T) {
	for _, ref := range []string{
		"",
		"INV-20260115",
		"XYZ-20260115-0001",
		"INV-2026011-0001",
		"INV-20261315-0001",
		"INV-20260115-001",
		"INV-20260115-0000",
		"INV-20260115-00a1",
		"INV-20260115-0001-2",
	} {
		t.Run(ref, func(t *testing.T) {
			_, err := ledger.ParseReference(ref)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}
