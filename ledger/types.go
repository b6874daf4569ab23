/*
types.go - Core ledger records: invoices, payments, allocations, refunds

PURPOSE:
  Defines the persisted records of the finance ledger and their enumerated
  states. Records are plain values; all mutation goes through Service
  operations so derived amounts and statuses stay consistent.

RECORDS:
  Invoice        A bill owed by a student, built from line items.
  LineItem       quantity × unit price, soft-deactivatable.
  Payment        Money received, optionally earmarked for one invoice.
  Allocation     Applies part of a payment to an invoice.
  Refund         Money returned from a payment.
  BulkInvoice    A named batch of identical invoices.
  Student        Directory record used to scope invoices and payments.

SOFT STATE:
  Nothing in the ledger is hard-deleted. Line items and allocations embed
  SoftState and are deactivated instead; invoices, payments and refunds move
  to terminal statuses (CANCELLED, REVERSED, ...).

SEE ALSO:
  - balance.go: Derived amounts and status computation
  - store.go: Persistence interface
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/zanaka/finance-engine/money"
)

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// =============================================================================
// COMMON FIELDS
// =============================================================================

// Audit carries the columns every persisted record has.
type Audit struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Synced marks records already pushed to an external system.
	Synced bool `json:"synced"`
}

func newAudit(now time.Time) Audit {
	return Audit{ID: NewID(), CreatedAt: now, UpdatedAt: now}
}

func (a *Audit) touch(now time.Time) {
	a.UpdatedAt = now
}

// SoftState is the Active | Deactivated variant shared by soft-deletable
// records. A nil DeactivatedAt means active.
type SoftState struct {
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func (s SoftState) IsActive() bool { return s.DeactivatedAt == nil }

// Deactivate is a no-op on an already deactivated record, so the original
// timestamp is kept.
func (s *SoftState) Deactivate(at time.Time) {
	if s.DeactivatedAt == nil {
		s.DeactivatedAt = &at
	}
}

// Actor identifies who performs a mutating operation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (a Actor) validate() error {
	if a.ID == "" {
		return validationf("acting user is required")
	}
	return nil
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoicePending       InvoiceStatus = "PENDING"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceOverdue       InvoiceStatus = "OVERDUE"
	InvoiceCancelled     InvoiceStatus = "CANCELLED"
)

// OpenInvoiceStatuses are the statuses that can still receive or lose
// allocations.
var OpenInvoiceStatuses = []InvoiceStatus{InvoicePending, InvoicePartiallyPaid, InvoicePaid, InvoiceOverdue}

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceDraft, InvoicePending, InvoicePartiallyPaid, InvoicePaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}

type Invoice struct {
	Audit
	Reference string `json:"reference"`
	StudentID string `json:"student_id"`
	// Total mirrors the sum of active line items. It is persisted for
	// listing and refreshed on every recompute.
	Total           money.Money   `json:"total"`
	DueDate         time.Time     `json:"due_date"`
	Priority        int           `json:"priority"`
	Status          InvoiceStatus `json:"status"`
	Notes           string        `json:"notes,omitempty"`
	IsAutoGenerated bool          `json:"is_auto_generated"`
	BulkInvoiceID   string        `json:"bulk_invoice_id,omitempty"`

	CreatedBy          string     `json:"created_by"`
	UpdatedBy          string     `json:"updated_by,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

type LineItem struct {
	Audit
	InvoiceID   string      `json:"invoice_id"`
	Description string      `json:"description"`
	FeeItemCode string      `json:"fee_item_code,omitempty"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Money `json:"unit_price"`
	Amount      money.Money `json:"amount"`
	Position    int         `json:"position"`
	SoftState
}

// =============================================================================
// PAYMENTS
// =============================================================================

type PaymentMethod string

const (
	MethodMpesa  PaymentMethod = "mpesa"
	MethodBank   PaymentMethod = "bank"
	MethodCash   PaymentMethod = "cash"
	MethodCheque PaymentMethod = "cheque"
	MethodCard   PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMpesa, MethodBank, MethodCash, MethodCheque, MethodCard:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "PENDING"
	PaymentCompleted         PaymentStatus = "COMPLETED"
	PaymentFailed            PaymentStatus = "FAILED"
	PaymentReversed          PaymentStatus = "REVERSED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Funded reports whether the payment's money may be allocated.
func (s PaymentStatus) Funded() bool {
	return s == PaymentCompleted || s == PaymentPartiallyRefunded
}

// Received reports whether the money was actually collected.
func (s PaymentStatus) Received() bool {
	return s == PaymentCompleted || s == PaymentPartiallyRefunded || s == PaymentRefunded
}

type Payment struct {
	Audit
	Reference string `json:"reference"`
	// StudentID is empty for an unmatched payment.
	StudentID         string        `json:"student_id,omitempty"`
	Method            PaymentMethod `json:"method"`
	Amount            money.Money   `json:"amount"`
	Status            PaymentStatus `json:"status"`
	PriorityInvoiceID string        `json:"priority_invoice_id,omitempty"`

	MpesaReceiptNumber   string     `json:"mpesa_receipt_number,omitempty"`
	MpesaPhoneNumber     string     `json:"mpesa_phone_number,omitempty"`
	MpesaTransactionDate *time.Time `json:"mpesa_transaction_date,omitempty"`
	BankReference        string     `json:"bank_reference,omitempty"`
	BankName             string     `json:"bank_name,omitempty"`
	TransactionID        string     `json:"transaction_id,omitempty"`

	Notes    string            `json:"notes,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedBy      string     `json:"created_by,omitempty"`
	VerifiedBy     string     `json:"verified_by,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	ReversedBy     string     `json:"reversed_by,omitempty"`
	ReversedAt     *time.Time `json:"reversed_at,omitempty"`
	ReversalReason string     `json:"reversal_reason,omitempty"`
}

// Receipt returns the method-specific receipt that must be unique among
// non-failed payments of the same method, or "" when the method has none.
func (p Payment) Receipt() string {
	switch p.Method {
	case MethodMpesa:
		return p.MpesaReceiptNumber
	case MethodBank:
		return p.BankReference
	}
	return ""
}

// Allocation applies part of a payment to an invoice.
type Allocation struct {
	Audit
	PaymentID string      `json:"payment_id"`
	InvoiceID string      `json:"invoice_id"`
	Amount    money.Money `json:"amount"`
	Order     int         `json:"allocation_order"`
	// SupersedesID and RefundID are set when an allocation was replaced by a
	// smaller one, by a refund claw-back or an invoice total reduction.
	SupersedesID string `json:"supersedes_id,omitempty"`
	RefundID     string `json:"refund_id,omitempty"`
	SoftState
}

// =============================================================================
// REFUNDS
// =============================================================================

type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundFailed    RefundStatus = "FAILED"
	RefundCancelled RefundStatus = "CANCELLED"
)

type Refund struct {
	Audit
	Reference string        `json:"reference"`
	PaymentID string        `json:"payment_id"`
	Amount    money.Money   `json:"amount"`
	Method    PaymentMethod `json:"refund_method"`
	Status    RefundStatus  `json:"status"`

	MpesaReceiptNumber string `json:"mpesa_receipt_number,omitempty"`
	BankReference      string `json:"bank_reference,omitempty"`
	Notes              string `json:"notes,omitempty"`

	CreatedBy          string     `json:"created_by"`
	ProcessedBy        string     `json:"processed_by,omitempty"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

// =============================================================================
// BULK INVOICES
// =============================================================================

type BulkStatus string

const (
	BulkActive    BulkStatus = "ACTIVE"
	BulkCancelled BulkStatus = "CANCELLED"
)

type BulkInvoice struct {
	Audit
	Reference   string     `json:"reference"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	DueDate     time.Time  `json:"due_date"`
	Priority    int        `json:"priority"`
	Status      BulkStatus `json:"status"`

	CreatedBy          string     `json:"created_by"`
	CancelledBy        string     `json:"cancelled_by,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
}

// =============================================================================
// DIRECTORY
// =============================================================================

// Student is the directory record invoices and payments belong to.
type Student struct {
	ID            string `json:"id"`
	SchoolID      string `json:"school_id,omitempty"`
	RegNumber     string `json:"reg_number"`
	FullName      string `json:"full_name"`
	IsActive      bool   `json:"is_active"`
	GuardianPhone string `json:"guardian_phone,omitempty"`
	GuardianEmail string `json:"guardian_email,omitempty"`
}
