package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// REFERENCES - {PREFIX}-{YYYYMMDD}-{NNNN}
// =============================================================================

// RefKind is the prefix of a human-readable reference.
type RefKind string

const (
	RefInvoice RefKind = "INV"
	RefPayment RefKind = "PAY"
	RefRefund  RefKind = "RFD"
	RefBulk    RefKind = "BLK"
	RefExpense RefKind = "EXP"
)

const referenceDayLayout = "20060102"

// Reference is a parsed reference number.
type Reference struct {
	Kind     RefKind
	Day      time.Time
	Sequence int
}

func (r Reference) String() string {
	return fmt.Sprintf("%s-%s-%04d", r.Kind, r.Day.Format(referenceDayLayout), r.Sequence)
}

// ReferencePrefix is the per-day prefix sequences are scoped by.
func ReferencePrefix(kind RefKind, at time.Time) string {
	return fmt.Sprintf("%s-%s-", kind, at.UTC().Format(referenceDayLayout))
}

// NextReference issues the next reference for kind on the day of at. It must
// run inside the transaction that inserts the record so a rollback also
// returns the number. Numbers of cancelled records are never reused; the
// sequence keeps growing past 9999.
func NextReference(ctx context.Context, st Store, kind RefKind, at time.Time) (string, error) {
	prefix := ReferencePrefix(kind, at)
	seq, err := st.NextSequence(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("next %s sequence: %w", kind, err)
	}
	return fmt.Sprintf("%s%04d", prefix, seq), nil
}

// ParseReference splits a reference into its parts.
func ParseReference(ref string) (Reference, error) {
	parts := strings.Split(ref, "-")
	if len(parts) != 3 {
		return Reference{}, validationf("malformed reference %q", ref)
	}

	kind := RefKind(parts[0])
	switch kind {
	case RefInvoice, RefPayment, RefRefund, RefBulk, RefExpense:
	default:
		return Reference{}, validationf("unknown reference kind %q", parts[0])
	}

	day, err := time.Parse(referenceDayLayout, parts[1])
	if err != nil {
		return Reference{}, validationf("malformed reference date %q", parts[1])
	}

	if len(parts[2]) < 4 {
		return Reference{}, validationf("malformed reference sequence %q", parts[2])
	}
	seq, err := strconv.Atoi(parts[2])
	if err != nil || seq <= 0 {
		return Reference{}, validationf("malformed reference sequence %q", parts[2])
	}

	return Reference{Kind: kind, Day: day, Sequence: seq}, nil
}
