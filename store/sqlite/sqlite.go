/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Persists students, invoices, line items, payments, allocations, refunds
  and bulk invoices using SQLite through database/sql. The PostgreSQL store
  in store/postgres implements the same interface with GORM.

MONEY AND TIME:
  Money columns are TEXT holding fixed two-place decimals ("1250.00") so
  nothing passes through float64. Sums are computed in Go with money.Sum.
  Timestamps are TEXT in a fixed-width UTC layout, so lexical ORDER BY is
  chronological.

KEY TABLES:
  invoices, line_items:     Bills and their lines
  payments, allocations:    Money received and how it is applied
  refunds:                  Money returned from payments
  bulk_invoices:            Named batches of invoices
  students:                 Directory used for scoping and search
  reference_sequences:      Per-prefix counters for human references
  fee_items:                Priced catalog entries referenced by line items

INDEXES:
  - idx_*_reference:        One record per human reference
  - idx_payments_receipt:   Receipt unique among non-failed payments of a method
  - idx_allocations_active: Hot path for paid/allocated sums

CONCURRENCY:
  Uses sync.RWMutex for WithTx and a single open connection, so there is one
  writer at a time and the lock flag on reads is not needed.

USAGE:
  store, err := sqlite.New("./data/finance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/money"
)

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements ledger.TxStore using SQLite.
type Store struct {
	conn
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL DEFAULT '',
		reg_number TEXT NOT NULL DEFAULT '',
		full_name TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		guardian_phone TEXT NOT NULL DEFAULT '',
		guardian_email TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS bulk_invoices (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		due_date TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancelled_at TEXT,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_bulk_invoices_reference ON bulk_invoices(reference) WHERE reference <> '';

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		student_id TEXT NOT NULL,
		total TEXT NOT NULL DEFAULT '0.00',
		due_date TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		is_auto_generated INTEGER NOT NULL DEFAULT 0,
		bulk_invoice_id TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT '',
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancelled_at TEXT,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_reference ON invoices(reference) WHERE reference <> '';
	CREATE INDEX IF NOT EXISTS idx_invoices_student_status ON invoices(student_id, status);
	CREATE INDEX IF NOT EXISTS idx_invoices_bulk ON invoices(bulk_invoice_id);

	CREATE TABLE IF NOT EXISTS line_items (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		description TEXT NOT NULL,
		fee_item_code TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		amount TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		deactivated_at TEXT,
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON line_items(invoice_id, position);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		student_id TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		priority_invoice_id TEXT NOT NULL DEFAULT '',
		receipt TEXT NOT NULL DEFAULT '',
		mpesa_receipt_number TEXT NOT NULL DEFAULT '',
		mpesa_phone_number TEXT NOT NULL DEFAULT '',
		mpesa_transaction_date TEXT,
		bank_reference TEXT NOT NULL DEFAULT '',
		bank_name TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		verified_by TEXT NOT NULL DEFAULT '',
		verified_at TEXT,
		failure_reason TEXT NOT NULL DEFAULT '',
		reversed_by TEXT NOT NULL DEFAULT '',
		reversed_at TEXT,
		reversal_reason TEXT NOT NULL DEFAULT '',
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_reference ON payments(reference) WHERE reference <> '';
	CREATE INDEX IF NOT EXISTS idx_payments_student_status ON payments(student_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_receipt
		ON payments(method, receipt) WHERE receipt <> '' AND status <> 'FAILED';

	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		amount TEXT NOT NULL,
		allocation_order INTEGER NOT NULL,
		supersedes_id TEXT NOT NULL DEFAULT '',
		refund_id TEXT NOT NULL DEFAULT '',
		deactivated_at TEXT,
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_active ON allocations(payment_id, invoice_id)
		WHERE deactivated_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_allocations_invoice ON allocations(invoice_id);

	CREATE TABLE IF NOT EXISTS refunds (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		payment_id TEXT NOT NULL REFERENCES payments(id),
		amount TEXT NOT NULL,
		refund_method TEXT NOT NULL,
		status TEXT NOT NULL,
		mpesa_receipt_number TEXT NOT NULL DEFAULT '',
		bank_reference TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		processed_by TEXT NOT NULL DEFAULT '',
		processed_at TEXT,
		cancelled_by TEXT NOT NULL DEFAULT '',
		cancelled_at TEXT,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		synced INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_refunds_reference ON refunds(reference) WHERE reference <> '';
	CREATE INDEX IF NOT EXISTS idx_refunds_payment_status ON refunds(payment_id, status);

	CREATE TABLE IF NOT EXISTS reference_sequences (
		prefix TEXT PRIMARY KEY,
		last_value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fee_items (
		code TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		price TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// conn implements ledger.Store over a querier. The Store uses it with the
// database handle and WithTx with the open transaction.
type conn struct {
	q querier
}

// upsertSQL builds an INSERT that updates every column but id and created_at
// when the id already exists.
func upsertSQL(table string, cols ...string) string {
	marks := make([]string, len(cols))
	var sets []string
	for i, c := range cols {
		marks[i] = "?"
		if c != "id" && c != "created_at" {
			sets = append(sets, c+" = excluded."+c)
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "), strings.Join(sets, ", "))
}

func (c *conn) exec(ctx context.Context, query string, args ...any) error {
	_, err := c.q.ExecContext(ctx, query, args...)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", ledger.ErrDuplicateReference, err)
	}
	return err
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (c *conn) Student(ctx context.Context, id string) (*ledger.Student, error) {
	var st ledger.Student
	err := c.q.QueryRowContext(ctx, `
		SELECT id, school_id, reg_number, full_name, is_active, guardian_phone, guardian_email
		FROM students WHERE id = ? AND is_active = 1`, id).
		Scan(&st.ID, &st.SchoolID, &st.RegNumber, &st.FullName, &st.IsActive, &st.GuardianPhone, &st.GuardianEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFoundError("student", id)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *conn) SaveStudent(ctx context.Context, st ledger.Student) error {
	if st.ID == "" {
		return fmt.Errorf("student id is required")
	}
	return c.exec(ctx, `
		INSERT INTO students (id, school_id, reg_number, full_name, is_active, guardian_phone, guardian_email)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			school_id = excluded.school_id, reg_number = excluded.reg_number,
			full_name = excluded.full_name, is_active = excluded.is_active,
			guardian_phone = excluded.guardian_phone, guardian_email = excluded.guardian_email`,
		st.ID, st.SchoolID, st.RegNumber, st.FullName, st.IsActive, st.GuardianPhone, st.GuardianEmail)
}

// =============================================================================
// INVOICES
// =============================================================================

const invoiceColumns = `i.id, i.reference, i.student_id, i.total, i.due_date, i.priority, i.status,
	i.notes, i.is_auto_generated, i.bulk_invoice_id, i.created_by, i.updated_by, i.cancelled_by,
	i.cancelled_at, i.cancellation_reason, i.synced, i.created_at, i.updated_at`

var upsertInvoice = upsertSQL("invoices",
	"id", "reference", "student_id", "total", "due_date", "priority", "status",
	"notes", "is_auto_generated", "bulk_invoice_id", "created_by", "updated_by", "cancelled_by",
	"cancelled_at", "cancellation_reason", "synced", "created_at", "updated_at")

func (c *conn) SaveInvoice(ctx context.Context, inv *ledger.Invoice) error {
	return c.exec(ctx, upsertInvoice,
		inv.ID, inv.Reference, inv.StudentID, inv.Total, formatTime(inv.DueDate), inv.Priority, string(inv.Status),
		inv.Notes, inv.IsAutoGenerated, inv.BulkInvoiceID, inv.CreatedBy, inv.UpdatedBy, inv.CancelledBy,
		formatNullTime(inv.CancelledAt), inv.CancellationReason, inv.Synced, formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt))
}

func (c *conn) GetInvoice(ctx context.Context, id string, _ bool) (*ledger.Invoice, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices i WHERE i.id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFoundError("invoice", id)
	}
	return inv, err
}

func (c *conn) ListInvoices(ctx context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error) {
	var w where
	if f.StudentID != "" {
		w.add("i.student_id = ?", f.StudentID)
	}
	w.in("i.status", stringsOf(f.Statuses))
	if f.Priority != nil {
		w.add("i.priority = ?", *f.Priority)
	}
	if f.BulkInvoiceID != "" {
		w.add("i.bulk_invoice_id = ?", f.BulkInvoiceID)
	}
	w.search(f.Search, "i.reference")

	query := `SELECT ` + invoiceColumns + ` FROM invoices i LEFT JOIN students s ON s.id = i.student_id` +
		w.sql() + ` ORDER BY i.created_at ASC, i.id ASC` + limitSQL(f.Limit)
	return c.queryInvoices(ctx, query, w.args...)
}

func (c *conn) OpenInvoicesForStudent(ctx context.Context, studentID string, _ bool) ([]ledger.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices i
		WHERE i.student_id = ? AND i.status NOT IN ('DRAFT', 'CANCELLED')
		ORDER BY i.priority ASC, i.due_date ASC, i.created_at ASC, i.id ASC`
	return c.queryInvoices(ctx, query, studentID)
}

func (c *conn) queryInvoices(ctx context.Context, query string, args ...any) ([]ledger.Invoice, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func scanInvoice(s scanner) (*ledger.Invoice, error) {
	var (
		inv                   ledger.Invoice
		status                string
		due, created, updated string
		cancelledAt           sql.NullString
	)
	err := s.Scan(&inv.ID, &inv.Reference, &inv.StudentID, &inv.Total, &due, &inv.Priority, &status,
		&inv.Notes, &inv.IsAutoGenerated, &inv.BulkInvoiceID, &inv.CreatedBy, &inv.UpdatedBy, &inv.CancelledBy,
		&cancelledAt, &inv.CancellationReason, &inv.Synced, &created, &updated)
	if err != nil {
		return nil, err
	}
	inv.Status = ledger.InvoiceStatus(status)
	var ts timeScan
	inv.DueDate = ts.parse(due)
	inv.CreatedAt = ts.parse(created)
	inv.UpdatedAt = ts.parse(updated)
	inv.CancelledAt = ts.parseNull(cancelledAt)
	return &inv, ts.err
}

// --- line items ---

var upsertLineItem = upsertSQL("line_items",
	"id", "invoice_id", "description", "fee_item_code", "quantity", "unit_price", "amount",
	"position", "deactivated_at", "synced", "created_at", "updated_at")

func (c *conn) SaveLineItem(ctx context.Context, item *ledger.LineItem) error {
	return c.exec(ctx, upsertLineItem,
		item.ID, item.InvoiceID, item.Description, item.FeeItemCode, item.Quantity, item.UnitPrice, item.Amount,
		item.Position, formatNullTime(item.DeactivatedAt), item.Synced, formatTime(item.CreatedAt), formatTime(item.UpdatedAt))
}

func (c *conn) LineItems(ctx context.Context, invoiceID string) ([]ledger.LineItem, error) {
	rows, err := c.q.QueryContext(ctx, `
		SELECT id, invoice_id, description, fee_item_code, quantity, unit_price, amount,
			position, deactivated_at, synced, created_at, updated_at
		FROM line_items
		WHERE invoice_id = ? AND deactivated_at IS NULL
		ORDER BY position ASC, created_at ASC, id ASC`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.LineItem
	for rows.Next() {
		var (
			item             ledger.LineItem
			created, updated string
			deactivated      sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.Description, &item.FeeItemCode, &item.Quantity,
			&item.UnitPrice, &item.Amount, &item.Position, &deactivated, &item.Synced, &created, &updated); err != nil {
			return nil, err
		}
		var ts timeScan
		item.CreatedAt = ts.parse(created)
		item.UpdatedAt = ts.parse(updated)
		item.DeactivatedAt = ts.parseNull(deactivated)
		if ts.err != nil {
			return nil, ts.err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `p.id, p.reference, p.student_id, p.method, p.amount, p.status, p.priority_invoice_id,
	p.mpesa_receipt_number, p.mpesa_phone_number, p.mpesa_transaction_date, p.bank_reference, p.bank_name,
	p.transaction_id, p.notes, p.metadata, p.created_by, p.verified_by, p.verified_at, p.failure_reason,
	p.reversed_by, p.reversed_at, p.reversal_reason, p.synced, p.created_at, p.updated_at`

var upsertPayment = upsertSQL("payments",
	"id", "reference", "student_id", "method", "amount", "status", "priority_invoice_id", "receipt",
	"mpesa_receipt_number", "mpesa_phone_number", "mpesa_transaction_date", "bank_reference", "bank_name",
	"transaction_id", "notes", "metadata", "created_by", "verified_by", "verified_at", "failure_reason",
	"reversed_by", "reversed_at", "reversal_reason", "synced", "created_at", "updated_at")

func (c *conn) SavePayment(ctx context.Context, p *ledger.Payment) error {
	var metadata sql.NullString
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal payment metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	return c.exec(ctx, upsertPayment,
		p.ID, p.Reference, p.StudentID, string(p.Method), p.Amount, string(p.Status), p.PriorityInvoiceID, p.Receipt(),
		p.MpesaReceiptNumber, p.MpesaPhoneNumber, formatNullTime(p.MpesaTransactionDate), p.BankReference, p.BankName,
		p.TransactionID, p.Notes, metadata, p.CreatedBy, p.VerifiedBy, formatNullTime(p.VerifiedAt), p.FailureReason,
		p.ReversedBy, formatNullTime(p.ReversedAt), p.ReversalReason, p.Synced, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
}

func (c *conn) GetPayment(ctx context.Context, id string, _ bool) (*ledger.Payment, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments p WHERE p.id = ?`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFoundError("payment", id)
	}
	return p, err
}

func (c *conn) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	var w where
	if f.StudentID != "" {
		w.add("p.student_id = ?", f.StudentID)
	}
	w.in("p.status", stringsOf(f.Statuses))
	if f.Method != "" {
		w.add("p.method = ?", string(f.Method))
	}
	w.between("p.created_at", f.From, f.To)
	w.search(f.Search, "p.reference", "p.mpesa_receipt_number", "p.bank_reference", "p.transaction_id")

	query := `SELECT ` + paymentColumns + ` FROM payments p LEFT JOIN students s ON s.id = p.student_id` +
		w.sql() + ` ORDER BY p.created_at ASC, p.id ASC` + limitSQL(f.Limit)
	return c.queryPayments(ctx, query, w.args...)
}

func (c *conn) FundedPaymentsForStudent(ctx context.Context, studentID string, _ bool) ([]ledger.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments p
		WHERE p.student_id = ? AND p.status IN ('COMPLETED', 'PARTIALLY_REFUNDED')
		ORDER BY p.created_at ASC, p.id ASC`
	return c.queryPayments(ctx, query, studentID)
}

func (c *conn) ReceiptInUse(ctx context.Context, method ledger.PaymentMethod, receipt string) (bool, error) {
	var count int
	err := c.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payments
		WHERE method = ? AND receipt = ? AND receipt <> '' AND status <> 'FAILED'`,
		string(method), receipt).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (c *conn) queryPayments(ctx context.Context, query string, args ...any) ([]ledger.Payment, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPayment(s scanner) (*ledger.Payment, error) {
	var (
		p                              ledger.Payment
		method, status                 string
		created, updated               string
		txDate, verifiedAt, reversedAt sql.NullString
		metadata                       sql.NullString
	)
	err := s.Scan(&p.ID, &p.Reference, &p.StudentID, &method, &p.Amount, &status, &p.PriorityInvoiceID,
		&p.MpesaReceiptNumber, &p.MpesaPhoneNumber, &txDate, &p.BankReference, &p.BankName,
		&p.TransactionID, &p.Notes, &metadata, &p.CreatedBy, &p.VerifiedBy, &verifiedAt, &p.FailureReason,
		&p.ReversedBy, &reversedAt, &p.ReversalReason, &p.Synced, &created, &updated)
	if err != nil {
		return nil, err
	}
	p.Method = ledger.PaymentMethod(method)
	p.Status = ledger.PaymentStatus(status)
	var ts timeScan
	p.MpesaTransactionDate = ts.parseNull(txDate)
	p.VerifiedAt = ts.parseNull(verifiedAt)
	p.ReversedAt = ts.parseNull(reversedAt)
	p.CreatedAt = ts.parse(created)
	p.UpdatedAt = ts.parse(updated)
	if ts.err != nil {
		return nil, ts.err
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &p.Metadata); err != nil {
			return nil, fmt.Errorf("payment %s metadata: %w", p.ID, err)
		}
	}
	return &p, nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

var upsertAllocation = upsertSQL("allocations",
	"id", "payment_id", "invoice_id", "amount", "allocation_order", "supersedes_id", "refund_id",
	"deactivated_at", "synced", "created_at", "updated_at")

func (c *conn) SaveAllocation(ctx context.Context, a *ledger.Allocation) error {
	return c.exec(ctx, upsertAllocation,
		a.ID, a.PaymentID, a.InvoiceID, a.Amount, a.Order, a.SupersedesID, a.RefundID,
		formatNullTime(a.DeactivatedAt), a.Synced, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
}

func (c *conn) ActiveAllocations(ctx context.Context, q ledger.AllocationQuery) ([]ledger.Allocation, error) {
	w := where{clauses: []string{"deactivated_at IS NULL"}}
	if q.PaymentID != "" {
		w.add("payment_id = ?", q.PaymentID)
	}
	if q.InvoiceID != "" {
		w.add("invoice_id = ?", q.InvoiceID)
	}

	rows, err := c.q.QueryContext(ctx, `
		SELECT id, payment_id, invoice_id, amount, allocation_order, supersedes_id, refund_id,
			deactivated_at, synced, created_at, updated_at
		FROM allocations`+w.sql()+`
		ORDER BY allocation_order ASC, created_at ASC, id ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Allocation
	for rows.Next() {
		var (
			a                ledger.Allocation
			created, updated string
			deactivated      sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.Amount, &a.Order, &a.SupersedesID, &a.RefundID,
			&deactivated, &a.Synced, &created, &updated); err != nil {
			return nil, err
		}
		var ts timeScan
		a.DeactivatedAt = ts.parseNull(deactivated)
		a.CreatedAt = ts.parse(created)
		a.UpdatedAt = ts.parse(updated)
		if ts.err != nil {
			return nil, ts.err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// REFUNDS
// =============================================================================

const refundColumns = `id, reference, payment_id, amount, refund_method, status, mpesa_receipt_number,
	bank_reference, notes, created_by, processed_by, processed_at, cancelled_by, cancelled_at,
	cancellation_reason, synced, created_at, updated_at`

var upsertRefund = upsertSQL("refunds",
	"id", "reference", "payment_id", "amount", "refund_method", "status", "mpesa_receipt_number",
	"bank_reference", "notes", "created_by", "processed_by", "processed_at", "cancelled_by", "cancelled_at",
	"cancellation_reason", "synced", "created_at", "updated_at")

func (c *conn) SaveRefund(ctx context.Context, r *ledger.Refund) error {
	return c.exec(ctx, upsertRefund,
		r.ID, r.Reference, r.PaymentID, r.Amount, string(r.Method), string(r.Status), r.MpesaReceiptNumber,
		r.BankReference, r.Notes, r.CreatedBy, r.ProcessedBy, formatNullTime(r.ProcessedAt), r.CancelledBy,
		formatNullTime(r.CancelledAt), r.CancellationReason, r.Synced, formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
}

func (c *conn) GetRefund(ctx context.Context, id string, _ bool) (*ledger.Refund, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = ?`, id)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFoundError("refund", id)
	}
	return r, err
}

func (c *conn) ListRefunds(ctx context.Context, f ledger.RefundFilter) ([]ledger.Refund, error) {
	var w where
	if f.PaymentID != "" {
		w.add("payment_id = ?", f.PaymentID)
	}
	w.in("status", stringsOf(f.Statuses))
	w.between("created_at", f.From, f.To)

	rows, err := c.q.QueryContext(ctx, `SELECT `+refundColumns+` FROM refunds`+w.sql()+
		` ORDER BY created_at ASC, id ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanRefund(s scanner) (*ledger.Refund, error) {
	var (
		r                        ledger.Refund
		method, status           string
		created, updated         string
		processedAt, cancelledAt sql.NullString
	)
	err := s.Scan(&r.ID, &r.Reference, &r.PaymentID, &r.Amount, &method, &status, &r.MpesaReceiptNumber,
		&r.BankReference, &r.Notes, &r.CreatedBy, &r.ProcessedBy, &processedAt, &r.CancelledBy, &cancelledAt,
		&r.CancellationReason, &r.Synced, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Method = ledger.PaymentMethod(method)
	r.Status = ledger.RefundStatus(status)
	var ts timeScan
	r.ProcessedAt = ts.parseNull(processedAt)
	r.CancelledAt = ts.parseNull(cancelledAt)
	r.CreatedAt = ts.parse(created)
	r.UpdatedAt = ts.parse(updated)
	return &r, ts.err
}

// =============================================================================
// BULK INVOICES
// =============================================================================

const bulkColumns = `id, reference, name, description, due_date, priority, status, created_by,
	cancelled_by, cancelled_at, cancellation_reason, synced, created_at, updated_at`

var upsertBulk = upsertSQL("bulk_invoices",
	"id", "reference", "name", "description", "due_date", "priority", "status", "created_by",
	"cancelled_by", "cancelled_at", "cancellation_reason", "synced", "created_at", "updated_at")

func (c *conn) SaveBulkInvoice(ctx context.Context, b *ledger.BulkInvoice) error {
	return c.exec(ctx, upsertBulk,
		b.ID, b.Reference, b.Name, b.Description, formatTime(b.DueDate), b.Priority, string(b.Status), b.CreatedBy,
		b.CancelledBy, formatNullTime(b.CancelledAt), b.CancellationReason, b.Synced, formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
}

func (c *conn) GetBulkInvoice(ctx context.Context, id string, _ bool) (*ledger.BulkInvoice, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+bulkColumns+` FROM bulk_invoices WHERE id = ?`, id)
	b, err := scanBulk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFoundError("bulk invoice", id)
	}
	return b, err
}

func (c *conn) ListBulkInvoices(ctx context.Context) ([]ledger.BulkInvoice, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+bulkColumns+` FROM bulk_invoices ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.BulkInvoice{}
	for rows.Next() {
		b, err := scanBulk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func scanBulk(s scanner) (*ledger.BulkInvoice, error) {
	var (
		b                     ledger.BulkInvoice
		status                string
		due, created, updated string
		cancelledAt           sql.NullString
	)
	err := s.Scan(&b.ID, &b.Reference, &b.Name, &b.Description, &due, &b.Priority, &status, &b.CreatedBy,
		&b.CancelledBy, &cancelledAt, &b.CancellationReason, &b.Synced, &created, &updated)
	if err != nil {
		return nil, err
	}
	b.Status = ledger.BulkStatus(status)
	var ts timeScan
	b.DueDate = ts.parse(due)
	b.CancelledAt = ts.parseNull(cancelledAt)
	b.CreatedAt = ts.parse(created)
	b.UpdatedAt = ts.parse(updated)
	return &b, ts.err
}

// =============================================================================
// FEE CATALOG
// =============================================================================

func (c *conn) FeeItem(ctx context.Context, code string) (ledger.FeeItem, bool, error) {
	var item ledger.FeeItem
	err := c.q.QueryRowContext(ctx, `SELECT code, description, price FROM fee_items WHERE code = ?`, code).
		Scan(&item.Code, &item.Description, &item.Price)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.FeeItem{}, false, nil
	}
	if err != nil {
		return ledger.FeeItem{}, false, err
	}
	return item, true, nil
}

func (c *conn) SaveFeeItem(ctx context.Context, item ledger.FeeItem) error {
	return c.exec(ctx, `
		INSERT INTO fee_items (code, description, price) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET description = excluded.description, price = excluded.price`,
		item.Code, item.Description, item.Price)
}

func (c *conn) ListFeeItems(ctx context.Context) ([]ledger.FeeItem, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT code, description, price FROM fee_items ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.FeeItem{}
	for rows.Next() {
		var item ledger.FeeItem
		if err := rows.Scan(&item.Code, &item.Description, &item.Price); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// =============================================================================
// AGGREGATES
// =============================================================================

func (c *conn) InvoiceTotal(ctx context.Context, invoiceID string) (money.Money, error) {
	return c.sum(ctx, `SELECT amount FROM line_items WHERE invoice_id = ? AND deactivated_at IS NULL`, invoiceID)
}

func (c *conn) AllocatedToInvoice(ctx context.Context, invoiceID string) (money.Money, error) {
	return c.sum(ctx, `SELECT amount FROM allocations WHERE invoice_id = ? AND deactivated_at IS NULL`, invoiceID)
}

func (c *conn) AllocatedFromPayment(ctx context.Context, paymentID string) (money.Money, error) {
	return c.sum(ctx, `SELECT amount FROM allocations WHERE payment_id = ? AND deactivated_at IS NULL`, paymentID)
}

func (c *conn) RefundedFromPayment(ctx context.Context, paymentID string, status ledger.RefundStatus) (money.Money, error) {
	return c.sum(ctx, `SELECT amount FROM refunds WHERE payment_id = ? AND status = ?`, paymentID, string(status))
}

// sum adds the single money column selected by query. SQLite's SUM works in
// floating point, so the addition happens here.
func (c *conn) sum(ctx context.Context, query string, args ...any) (money.Money, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return money.Zero, err
	}
	defer rows.Close()

	var amounts []money.Money
	for rows.Next() {
		var m money.Money
		if err := rows.Scan(&m); err != nil {
			return money.Zero, err
		}
		amounts = append(amounts, m)
	}
	if err := rows.Err(); err != nil {
		return money.Zero, err
	}
	return money.Sum(amounts...), nil
}

// NextSequence increments the prefix counter in place. Inside WithTx the
// increment rolls back with the rest of the transaction.
func (c *conn) NextSequence(ctx context.Context, prefix string) (int, error) {
	var next int
	err := c.q.QueryRowContext(ctx, `
		INSERT INTO reference_sequences (prefix, last_value) VALUES (?, 1)
		ON CONFLICT(prefix) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value`, prefix).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", prefix, err)
	}
	return next, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// where accumulates AND-ed clauses and their arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) between(column string, from, to time.Time) {
	if !from.IsZero() {
		w.add(column+" >= ?", formatTime(from))
	}
	if !to.IsZero() {
		w.add(column+" <= ?", formatTime(to))
	}
}

// search matches term against the given columns and the joined student's
// registration number and name. Queries using it must alias students as s.
func (w *where) search(term string, columns ...string) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return
	}
	columns = append(columns, "s.reg_number", "s.full_name")
	parts := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		parts[i] = "LOWER(" + col + ") LIKE ? ESCAPE '\\'"
		args[i] = "%" + escapeLike(term) + "%"
	}
	w.add("("+strings.Join(parts, " OR ")+")", args...)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func limitSQL(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// timeScan parses TEXT timestamps and keeps the first error.
type timeScan struct {
	err error
}

func (ts *timeScan) parse(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && ts.err == nil {
		ts.err = fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t
}

func (ts *timeScan) parseNull(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := ts.parse(s.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
