/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON request bodies the API accepts. Responses are the ledger
  views (InvoiceView, PaymentView, ...) which already carry JSON tags and
  the derived amounts clients need.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers that are not ledger types

DATES:
  Due dates travel as "2006-01-02". RFC 3339 timestamps are accepted too
  and truncated to their UTC day.

VALIDATION:
  Validation is done by the ledger service, not in DTOs. DTOs are pure data
  carriers; handlers only reject bodies that do not parse.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/views.go: Response projections
*/
package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zanaka/finance-engine/ledger"
)

// Date is a calendar day in JSON.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	t, err := parseDay(s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(time.DateOnly))
}

func parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD", s)
	}
	return ledger.DayOf(t), nil
}

// =============================================================================
// INVOICES
// =============================================================================

type CreateInvoiceRequest struct {
	StudentID string                 `json:"student_id"`
	DueDate   Date                   `json:"due_date"`
	Priority  int                    `json:"priority"`
	Notes     string                 `json:"notes,omitempty"`
	Items     []ledger.LineItemInput `json:"items"`
	Draft     bool                   `json:"draft,omitempty"`
}

func (r CreateInvoiceRequest) input() ledger.InvoiceInput {
	return ledger.InvoiceInput{
		DueDate:  r.DueDate.Time,
		Priority: r.Priority,
		Notes:    r.Notes,
		Items:    r.Items,
		Draft:    r.Draft,
	}
}

// UpdateInvoiceRequest changes only the fields present in the body. A
// present items array replaces every line item.
type UpdateInvoiceRequest struct {
	DueDate  *Date                  `json:"due_date,omitempty"`
	Priority *int                   `json:"priority,omitempty"`
	Notes    *string                `json:"notes,omitempty"`
	Items    []ledger.LineItemInput `json:"items,omitempty"`
}

func (r UpdateInvoiceRequest) update() ledger.InvoiceUpdate {
	up := ledger.InvoiceUpdate{Priority: r.Priority, Notes: r.Notes, Items: r.Items}
	if r.DueDate != nil {
		due := r.DueDate.Time
		up.DueDate = &due
	}
	return up
}

type BulkInvoiceRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	DueDate     Date                   `json:"due_date"`
	Priority    int                    `json:"priority"`
	Items       []ledger.LineItemInput `json:"items"`
	StudentIDs  []string               `json:"student_ids"`
}

func (r BulkInvoiceRequest) input() ledger.BulkInput {
	return ledger.BulkInput{
		Name:        r.Name,
		Description: r.Description,
		DueDate:     r.DueDate.Time,
		Priority:    r.Priority,
		Items:       r.Items,
		StudentIDs:  r.StudentIDs,
	}
}

// =============================================================================
// PAYMENTS AND REFUNDS
// =============================================================================

// CreatePaymentRequest is a payment body. StudentID may be empty for a
// pending payment that could not be matched to a student.
type CreatePaymentRequest struct {
	StudentID string `json:"student_id"`
	ledger.PaymentInput
}

// ReasonRequest is the body of cancel, fail and reverse actions.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// RefreshResponse reports an overdue sweep.
type RefreshResponse struct {
	Changed int       `json:"changed"`
	RanAt   time.Time `json:"ran_at"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// ExceedsAvailableDetails is the Details payload of a 422.
type ExceedsAvailableDetails struct {
	PaymentID string `json:"payment_id"`
	Available string `json:"available"`
	Requested string `json:"requested"`
}
