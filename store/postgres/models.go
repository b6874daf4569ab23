package postgres

import (
	"time"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/money"
)

// Row models mirror the ledger records column for column. Timestamps are
// set by the ledger clock, never by GORM.

type studentRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	SchoolID      string `gorm:"size:64"`
	RegNumber     string `gorm:"size:64;index"`
	FullName      string `gorm:"size:200"`
	IsActive      bool   `gorm:"not null"`
	GuardianPhone string `gorm:"size:32"`
	GuardianEmail string `gorm:"size:200"`
}

func (studentRow) TableName() string { return "students" }

type invoiceRow struct {
	ID                 string      `gorm:"primaryKey;size:64"`
	Reference          string      `gorm:"size:32;not null"`
	StudentID          string      `gorm:"size:64;not null;index:idx_invoices_student_status,priority:1"`
	Total              money.Money `gorm:"type:numeric(12,2);not null"`
	DueDate            time.Time   `gorm:"not null"`
	Priority           int         `gorm:"not null"`
	Status             string      `gorm:"size:20;not null;index:idx_invoices_student_status,priority:2"`
	Notes              string
	IsAutoGenerated    bool   `gorm:"not null"`
	BulkInvoiceID      string `gorm:"size:64;index"`
	CreatedBy          string `gorm:"size:64"`
	UpdatedBy          string `gorm:"size:64"`
	CancelledBy        string `gorm:"size:64"`
	CancelledAt        *time.Time
	CancellationReason string
	Synced             bool      `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (invoiceRow) TableName() string { return "invoices" }

type lineItemRow struct {
	ID            string      `gorm:"primaryKey;size:64"`
	InvoiceID     string      `gorm:"size:64;not null;index"`
	Description   string      `gorm:"not null"`
	FeeItemCode   string      `gorm:"size:32"`
	Quantity      int         `gorm:"not null"`
	UnitPrice     money.Money `gorm:"type:numeric(12,2);not null"`
	Amount        money.Money `gorm:"type:numeric(12,2);not null"`
	Position      int         `gorm:"not null"`
	DeactivatedAt *time.Time
	Synced        bool      `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (lineItemRow) TableName() string { return "line_items" }

type paymentRow struct {
	ID                   string      `gorm:"primaryKey;size:64"`
	Reference            string      `gorm:"size:32;not null"`
	StudentID            string      `gorm:"size:64;index:idx_payments_student_status,priority:1"`
	Method               string      `gorm:"size:16;not null"`
	Amount               money.Money `gorm:"type:numeric(12,2);not null"`
	Status               string      `gorm:"size:20;not null;index:idx_payments_student_status,priority:2"`
	PriorityInvoiceID    string      `gorm:"size:64"`
	Receipt              string      `gorm:"size:64"`
	MpesaReceiptNumber   string      `gorm:"size:64"`
	MpesaPhoneNumber     string      `gorm:"size:32"`
	MpesaTransactionDate *time.Time
	BankReference        string `gorm:"size:64"`
	BankName             string `gorm:"size:100"`
	TransactionID        string `gorm:"size:64"`
	Notes                string
	Metadata             map[string]string `gorm:"serializer:json"`
	CreatedBy            string            `gorm:"size:64"`
	VerifiedBy           string            `gorm:"size:64"`
	VerifiedAt           *time.Time
	FailureReason        string
	ReversedBy           string `gorm:"size:64"`
	ReversedAt           *time.Time
	ReversalReason       string
	Synced               bool      `gorm:"not null"`
	CreatedAt            time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt            time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (paymentRow) TableName() string { return "payments" }

type allocationRow struct {
	ID              string      `gorm:"primaryKey;size:64"`
	PaymentID       string      `gorm:"size:64;not null;index"`
	InvoiceID       string      `gorm:"size:64;not null;index"`
	Amount          money.Money `gorm:"type:numeric(12,2);not null"`
	AllocationOrder int         `gorm:"not null"`
	SupersedesID    string      `gorm:"size:64"`
	RefundID        string      `gorm:"size:64"`
	DeactivatedAt   *time.Time
	Synced          bool      `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (allocationRow) TableName() string { return "allocations" }

type refundRow struct {
	ID                 string      `gorm:"primaryKey;size:64"`
	Reference          string      `gorm:"size:32;not null"`
	PaymentID          string      `gorm:"size:64;not null;index"`
	Amount             money.Money `gorm:"type:numeric(12,2);not null"`
	RefundMethod       string      `gorm:"size:16;not null"`
	Status             string      `gorm:"size:20;not null"`
	MpesaReceiptNumber string      `gorm:"size:64"`
	BankReference      string      `gorm:"size:64"`
	Notes              string
	CreatedBy          string `gorm:"size:64"`
	ProcessedBy        string `gorm:"size:64"`
	ProcessedAt        *time.Time
	CancelledBy        string `gorm:"size:64"`
	CancelledAt        *time.Time
	CancellationReason string
	Synced             bool      `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (refundRow) TableName() string { return "refunds" }

type bulkInvoiceRow struct {
	ID                 string    `gorm:"primaryKey;size:64"`
	Reference          string    `gorm:"size:32;not null"`
	Name               string    `gorm:"not null"`
	Description        string
	DueDate            time.Time `gorm:"not null"`
	Priority           int       `gorm:"not null"`
	Status             string    `gorm:"size:20;not null"`
	CreatedBy          string    `gorm:"size:64"`
	CancelledBy        string    `gorm:"size:64"`
	CancelledAt        *time.Time
	CancellationReason string
	Synced             bool      `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (bulkInvoiceRow) TableName() string { return "bulk_invoices" }

type sequenceRow struct {
	Prefix    string `gorm:"primaryKey;size:32"`
	LastValue int    `gorm:"not null"`
}

func (sequenceRow) TableName() string { return "reference_sequences" }

type feeItemRow struct {
	Code        string      `gorm:"primaryKey;size:32"`
	Description string      `gorm:"not null"`
	Price       money.Money `gorm:"type:numeric(12,2);not null"`
}

func (feeItemRow) TableName() string { return "fee_items" }

// =============================================================================
// CONVERSIONS
// =============================================================================

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func audit(id string, created, updated time.Time, synced bool) ledger.Audit {
	return ledger.Audit{ID: id, CreatedAt: utc(created), UpdatedAt: utc(updated), Synced: synced}
}

func fromStudent(s ledger.Student) studentRow {
	return studentRow(s)
}

func (r studentRow) toLedger() ledger.Student {
	return ledger.Student(r)
}

func fromInvoice(inv *ledger.Invoice) *invoiceRow {
	return &invoiceRow{
		ID:                 inv.ID,
		Reference:          inv.Reference,
		StudentID:          inv.StudentID,
		Total:              inv.Total,
		DueDate:            utc(inv.DueDate),
		Priority:           inv.Priority,
		Status:             string(inv.Status),
		Notes:              inv.Notes,
		IsAutoGenerated:    inv.IsAutoGenerated,
		BulkInvoiceID:      inv.BulkInvoiceID,
		CreatedBy:          inv.CreatedBy,
		UpdatedBy:          inv.UpdatedBy,
		CancelledBy:        inv.CancelledBy,
		CancelledAt:        utcPtr(inv.CancelledAt),
		CancellationReason: inv.CancellationReason,
		Synced:             inv.Synced,
		CreatedAt:          utc(inv.CreatedAt),
		UpdatedAt:          utc(inv.UpdatedAt),
	}
}

func (r *invoiceRow) toLedger() ledger.Invoice {
	return ledger.Invoice{
		Audit:              audit(r.ID, r.CreatedAt, r.UpdatedAt, r.Synced),
		Reference:          r.Reference,
		StudentID:          r.StudentID,
		Total:              r.Total,
		DueDate:            utc(r.DueDate),
		Priority:           r.Priority,
		Status:             ledger.InvoiceStatus(r.Status),
		Notes:              r.Notes,
		IsAutoGenerated:    r.IsAutoGenerated,
		BulkInvoiceID:      r.BulkInvoiceID,
		CreatedBy:          r.CreatedBy,
		UpdatedBy:          r.UpdatedBy,
		CancelledBy:        r.CancelledBy,
		CancelledAt:        utcPtr(r.CancelledAt),
		CancellationReason: r.CancellationReason,
	}
}

func fromLineItem(item *ledger.LineItem) *lineItemRow {
	return &lineItemRow{
		ID:            item.ID,
		InvoiceID:     item.InvoiceID,
		Description:   item.Description,
		FeeItemCode:   item.FeeItemCode,
		Quantity:      item.Quantity,
		UnitPrice:     item.UnitPrice,
		Amount:        item.Amount,
		Position:      item.Position,
		DeactivatedAt: utcPtr(item.DeactivatedAt),
		Synced:        item.Synced,
		CreatedAt:     utc(item.CreatedAt),
		UpdatedAt:     utc(item.UpdatedAt),
	}
}

func (r *lineItemRow) toLedger() ledger.LineItem {
	return ledger.LineItem{
		Audit:       audit(r.ID, r.CreatedAt, r.UpdatedAt, r.Synced),
		InvoiceID:   r.InvoiceID,
		Description: r.Description,
		FeeItemCode: r.FeeItemCode,
		Quantity:    r.Quantity,
		UnitPrice:   r.UnitPrice,
		Amount:      r.Amount,
		Position:    r.Position,
		SoftState:   ledger.SoftState{DeactivatedAt: utcPtr(r.DeactivatedAt)},
	}
}

func fromPayment(p *ledger.Payment) *paymentRow {
	return &paymentRow{
		ID:                   p.ID,
		Reference:            p.Reference,
		StudentID:            p.StudentID,
		Method:               string(p.Method),
		Amount:               p.Amount,
		Status:               string(p.Status),
		PriorityInvoiceID:    p.PriorityInvoiceID,
		Receipt:              p.Receipt(),
		MpesaReceiptNumber:   p.MpesaReceiptNumber,
		MpesaPhoneNumber:     p.MpesaPhoneNumber,
		MpesaTransactionDate: utcPtr(p.MpesaTransactionDate),
		BankReference:        p.BankReference,
		BankName:             p.BankName,
		TransactionID:        p.TransactionID,
		Notes:                p.Notes,
		Metadata:             p.Metadata,
		CreatedBy:            p.CreatedBy,
		VerifiedBy:           p.VerifiedBy,
		VerifiedAt:           utcPtr(p.VerifiedAt),
		FailureReason:        p.FailureReason,
		ReversedBy:           p.ReversedBy,
		ReversedAt:           utcPtr(p.ReversedAt),
		ReversalReason:       p.ReversalReason,
		Synced:               p.Synced,
		CreatedAt:            utc(p.CreatedAt),
		UpdatedAt:            utc(p.UpdatedAt),
	}
}

func (r *paymentRow) toLedger() ledger.Payment {
	return ledger.Payment{
		Audit:                audit(r.ID, r.CreatedAt, r.UpdatedAt, r.Synced),
		Reference:            r.Reference,
		StudentID:            r.StudentID,
		Method:               ledger.PaymentMethod(r.Method),
		Amount:               r.Amount,
		Status:               ledger.PaymentStatus(r.Status),
		PriorityInvoiceID:    r.PriorityInvoiceID,
		MpesaReceiptNumber:   r.MpesaReceiptNumber,
		MpesaPhoneNumber:     r.MpesaPhoneNumber,
		MpesaTransactionDate: utcPtr(r.MpesaTransactionDate),
		BankReference:        r.BankReference,
		BankName:             r.BankName,
		TransactionID:        r.TransactionID,
		Notes:                r.Notes,
		Metadata:             r.Metadata,
		CreatedBy:            r.CreatedBy,
		VerifiedBy:           r.VerifiedBy,
		VerifiedAt:           utcPtr(r.VerifiedAt),
		FailureReason:        r.FailureReason,
		ReversedBy:           r.ReversedBy,
		ReversedAt:           utcPtr(r.ReversedAt),
		ReversalReason:       r.ReversalReason,
	}
}

func fromAllocation(a *ledger.Allocation) *allocationRow {
	return &allocationRow{
		ID:              a.ID,
		PaymentID:       a.PaymentID,
		InvoiceID:       a.InvoiceID,
		Amount:          a.Amount,
		AllocationOrder: a.Order,
		SupersedesID:    a.SupersedesID,
		RefundID:        a.RefundID,
		DeactivatedAt:   utcPtr(a.DeactivatedAt),
		Synced:          a.Synced,
		CreatedAt:       utc(a.CreatedAt),
		UpdatedAt:       utc(a.UpdatedAt),
	}
}

func (r *allocationRow) toLedger() ledger.Allocation {
	return ledger.Allocation{
		Audit:        audit(r.ID, r.CreatedAt, r.UpdatedAt, r.Synced),
		PaymentID:    r.PaymentID,
		InvoiceID:    r.InvoiceID,
		Amount:       r.Amount,
		Order:        r.AllocationOrder,
		SupersedesID: r.SupersedesID,
		RefundID:     r.RefundID,
		SoftState:    ledger.SoftState{DeactivatedAt: utcPtr(r.DeactivatedAt)},
	}
}

func fromRefund(r *ledger.Refund) *refundRow {
	return &refundRow{
		ID:                 r.ID,
		Reference:          r.Reference,
		PaymentID:          r.PaymentID,
		Amount:             r.Amount,
		RefundMethod:       string(r.Method),
		Status:             string(r.Status),
		MpesaReceiptNumber: r.MpesaReceiptNumber,
		BankReference:      r.BankReference,
		Notes:              r.Notes,
		CreatedBy:          r.CreatedBy,
		ProcessedBy:        r.ProcessedBy,
		ProcessedAt:        utcPtr(r.ProcessedAt),
		CancelledBy:        r.CancelledBy,
		CancelledAt:        utcPtr(r.CancelledAt),
		CancellationReason: r.CancellationReason,
		Synced:             r.Synced,
		CreatedAt:          utc(r.CreatedAt),
		UpdatedAt:          utc(r.UpdatedAt),
	}
}

func (r *refundRow) toLedger() ledger.Refund {
	return ledger.Refund{
		Audit:              audit(r.ID, r.CreatedAt, r.UpdatedAt, r.Synced),
		Reference:          r.Reference,
		PaymentID:          r.PaymentID,
		Amount:             r.Amount,
		Method:             ledger.PaymentMethod(r.RefundMethod),
		Status:             ledger.RefundStatus(r.Status),
		MpesaReceiptNumber: r.MpesaReceiptNumber,
		BankReference:      r.BankReference,
		Notes:              r.Notes,
		CreatedBy:          r.CreatedBy,
		ProcessedBy:        r.ProcessedBy,
		ProcessedAt:        utcPtr(r.ProcessedAt),
		CancelledBy:        r.CancelledBy,
		CancelledAt:        utcPtr(r.CancelledAt),
		CancellationReason: r.CancellationReason,
	}
}

func fromBulk(b *ledger.BulkInvoice) *bulkInvoiceRow {
	return &bulkInvoiceRow{
		ID:                 b.ID,
		Reference:          b.Reference,
		Name:               b.Name,
		Description:        b.Description,
		DueDate:            utc(b.DueDate),
		Priority:           b.Priority,
		Status:             string(b.Status),
		CreatedBy:          b.CreatedBy,
		CancelledBy:        b.CancelledBy,
		CancelledAt:        utcPtr(b.CancelledAt),
		CancellationReason: b.CancellationReason,
		Synced:             b.Synced,
		CreatedAt:          utc(b.CreatedAt),
		UpdatedAt:          utc(b.UpdatedAt),
	}
}

func (r *bulkInvoiceRow) toLedger() ledger.BulkInvoice {
	return ledger.BulkInvoice{
		Audit:              audit(r.ID, r.CreatedAt, r.UpdatedAt, r.Synced),
		Reference:          r.Reference,
		Name:               r.Name,
		Description:        r.Description,
		DueDate:            utc(r.DueDate),
		Priority:           r.Priority,
		Status:             ledger.BulkStatus(r.Status),
		CreatedBy:          r.CreatedBy,
		CancelledBy:        r.CancelledBy,
		CancelledAt:        utcPtr(r.CancelledAt),
		CancellationReason: r.CancellationReason,
	}
}
