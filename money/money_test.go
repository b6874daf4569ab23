package money_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zanaka/finance-engine/money"
)

func TestParse_QuantizesHalfUp(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"600", "600.00"},
		{"0.005", "0.01"},
		{"0.004", "0.00"},
		{"10.125", "10.13"},
		{"-10.125", "-10.13"},
		{"1234567.899", "1234567.90"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			m, err := money.Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, m.String())
		})
	}
}

func TestParse_RejectsGarbage(t *testing.T) {
	_, err := money.Parse("12,50")
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
}

func TestParse_RejectsUnboundedLiterals(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"huge exponent", "1e5000000"},
		{"upper exponent", "5E2"},
		{"negative exponent", "-1e-3"},
		{"eleven integer digits", "12345678901"},
		{"eleven digits with fraction", "-12345678901.5"},
		{"long fraction", "0." + strings.Repeat("1", 21)},
		{"megabyte of digits", strings.Repeat("9", 1<<20)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Now()
			_, err := money.Parse(tc.in)
			assert.ErrorIs(t, err, money.ErrInvalidAmount)
			assert.Less(t, time.Since(start), 100*time.Millisecond)
			assert.Less(t, len(err.Error()), 128, "error message stays short")
		})
	}
}

func TestParse_AcceptsBoundaryLiterals(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"9999999999.99", "9999999999.99"},
		{"0009999999999", "9999999999.00"},
		{" 42.5 ", "42.50"},
		{"0.30000000000000004", "0.30"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			m, err := money.Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, m.String())
		})
	}
}

func TestJSON_RejectsExponentNumber(t *testing.T) {
	var payload struct {
		Amount money.Money `json:"amount"`
	}
	err := json.Unmarshal([]byte(`{"amount": 1e5000000}`), &payload)
	assert.ErrorIs(t, err, money.ErrInvalidAmount)
}

func TestArithmetic_IsExact(t *testing.T) {
	// 0.1 + 0.2 is the classic float trap.
	sum := money.MustParse("0.1").Add(money.MustParse("0.2"))
	assert.True(t, sum.Equal(money.MustParse("0.3")))

	total := money.MustParse("1000.00")
	assert.Equal(t, "400.00", total.Sub(money.MustParse("600")).String())
	assert.Equal(t, "37.50", money.MustParse("12.50").Mul(3).String())
	assert.Equal(t, "0.00", money.Zero.String())
}

func TestMinMaxFloor(t *testing.T) {
	a := money.MustParse("10")
	b := money.MustParse("3.5")
	assert.Equal(t, b, a.Min(b))
	assert.Equal(t, a, a.Max(b))
	assert.Equal(t, money.Zero, money.MustParse("-4").Floor())
	assert.Equal(t, "7.00", money.MustParse("7").Floor().String())
}

func TestSumAndCents(t *testing.T) {
	s := money.Sum(money.MustParse("1.10"), money.MustParse("2.20"), money.FromCents(70))
	assert.Equal(t, "4.00", s.String())
	assert.Equal(t, int64(400), s.Cents())
	assert.Equal(t, "600.00", money.New(60000, -2).String())
}

func TestJSON_RoundTripsAsString(t *testing.T) {
	type payload struct {
		Amount money.Money `json:"amount"`
	}

	out, err := json.Marshal(payload{Amount: money.MustParse("600")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"600.00"}`, string(out))

	var fromString, fromNumber payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"19.999"}`), &fromString))
	require.NoError(t, json.Unmarshal([]byte(`{"amount":19.999}`), &fromNumber))
	assert.Equal(t, "20.00", fromString.Amount.String())
	assert.True(t, fromString.Amount.Equal(fromNumber.Amount))
}

func TestScanAndValue(t *testing.T) {
	var m money.Money
	require.NoError(t, m.Scan("12.3"))
	assert.Equal(t, "12.30", m.String())

	require.NoError(t, m.Scan(int64(5)))
	assert.Equal(t, "5.00", m.String())

	require.NoError(t, m.Scan([]byte("0.015")))
	assert.Equal(t, "0.02", m.String())

	require.NoError(t, m.Scan(nil))
	assert.True(t, m.IsZero())

	v, err := money.MustParse("7.1").Value()
	require.NoError(t, err)
	assert.Equal(t, "7.10", v)
}
