/*
Package postgres provides a GORM-backed implementation of ledger.TxStore.

PURPOSE:
  The production store. Same contract as store/sqlite, but concurrency is
  handled by the database: reads with lock=true take row locks
  (SELECT ... FOR UPDATE) so concurrent allocation and refund runs over the
  same payment or invoice serialize.

LOCK ORDER:
  Operations lock payments before invoices, and invoices in allocation
  order. Allocation, cancellation, shrinking, reversal and refund paths all
  follow it (ledger/locks.go). Listings lock nothing unless an invoice's
  stored status is stale.

MONEY:
  Money columns are numeric(12,2). Sums are computed in Go with money.Sum
  so the result is exact on every dialect GORM supports.

USAGE:
  store, err := postgres.Open(os.Getenv("DATABASE_DSN"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

TESTING:
  New accepts any *gorm.DB, so tests run the same code on gorm.io/driver/sqlite.
  Row locking is skipped on dialects that do not support it.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/sqlite/sqlite.go: database/sql implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/money"
)

// Store implements ledger.TxStore on a *gorm.DB. Inside WithTx the same
// type wraps the transaction handle.
type Store struct {
	db *gorm.DB
}

// Open connects to PostgreSQL and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(pgdriver.Open(dsn), Config())
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return New(db)
}

// Config is the GORM configuration the store expects: silent logging and
// driver errors translated to gorm.ErrDuplicatedKey and friends.
func Config() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
}

// New migrates the schema on db and returns a store using it.
func New(db *gorm.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// partialIndexes are created after AutoMigrate. Struct tags cannot express
// the WHERE clauses portably.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_reference ON invoices (reference) WHERE reference <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_reference ON payments (reference) WHERE reference <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_refunds_reference ON refunds (reference) WHERE reference <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_bulk_invoices_reference ON bulk_invoices (reference) WHERE reference <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_receipt ON payments (method, receipt) WHERE receipt <> '' AND status <> 'FAILED'`,
	`CREATE INDEX IF NOT EXISTS idx_allocations_active ON allocations (payment_id, invoice_id) WHERE deactivated_at IS NULL`,
}

func (s *Store) migrate() error {
	models := []any{
		&studentRow{}, &invoiceRow{}, &lineItemRow{}, &paymentRow{},
		&allocationRow{}, &refundRow{}, &bulkInvoiceRow{}, &sequenceRow{},
		&feeItemRow{},
	}
	for _, m := range models {
		if err := s.db.AutoMigrate(m); err != nil {
			return fmt.Errorf("automigrate %T: %w", m, err)
		}
	}
	for _, stmt := range partialIndexes {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) q(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// locked adds FOR UPDATE where the dialect has row locks.
func (s *Store) locked(ctx context.Context, lock bool) *gorm.DB {
	q := s.q(ctx)
	if lock && s.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

// upsert inserts row or overwrites every column of the existing row.
func (s *Store) upsert(ctx context.Context, row any) error {
	err := s.q(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %v", ledger.ErrDuplicateReference, err)
	}
	return err
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.NotFoundError(entity, id)
	}
	return err
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *Store) Student(ctx context.Context, id string) (*ledger.Student, error) {
	var row studentRow
	if err := s.q(ctx).Where("id = ? AND is_active = ?", id, true).First(&row).Error; err != nil {
		return nil, notFound(err, "student", id)
	}
	st := row.toLedger()
	return &st, nil
}

func (s *Store) SaveStudent(ctx context.Context, st ledger.Student) error {
	if st.ID == "" {
		return fmt.Errorf("student id is required")
	}
	row := fromStudent(st)
	return s.upsert(ctx, &row)
}

// =============================================================================
// INVOICES
// =============================================================================

func (s *Store) SaveInvoice(ctx context.Context, inv *ledger.Invoice) error {
	return s.upsert(ctx, fromInvoice(inv))
}

func (s *Store) GetInvoice(ctx context.Context, id string, lock bool) (*ledger.Invoice, error) {
	var row invoiceRow
	if err := s.locked(ctx, lock).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "invoice", id)
	}
	inv := row.toLedger()
	return &inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, f ledger.InvoiceFilter) ([]ledger.Invoice, error) {
	q := s.q(ctx).Model(&invoiceRow{}).Select("invoices.*")
	if f.StudentID != "" {
		q = q.Where("invoices.student_id = ?", f.StudentID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("invoices.status IN ?", stringsOf(f.Statuses))
	}
	if f.Priority != nil {
		q = q.Where("invoices.priority = ?", *f.Priority)
	}
	if f.BulkInvoiceID != "" {
		q = q.Where("invoices.bulk_invoice_id = ?", f.BulkInvoiceID)
	}
	if term := searchTerm(f.Search); term != "" {
		q = search(q.Joins("LEFT JOIN students s ON s.id = invoices.student_id"), term, "invoices.reference")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []invoiceRow
	if err := q.Order("invoices.created_at ASC, invoices.id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return invoices(rows), nil
}

func (s *Store) OpenInvoicesForStudent(ctx context.Context, studentID string, lock bool) ([]ledger.Invoice, error) {
	var rows []invoiceRow
	err := s.locked(ctx, lock).
		Where("student_id = ? AND status NOT IN ?", studentID, []string{string(ledger.InvoiceDraft), string(ledger.InvoiceCancelled)}).
		Order("priority ASC, due_date ASC, created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return invoices(rows), nil
}

func invoices(rows []invoiceRow) []ledger.Invoice {
	out := make([]ledger.Invoice, len(rows))
	for i := range rows {
		out[i] = rows[i].toLedger()
	}
	return out
}

func (s *Store) SaveLineItem(ctx context.Context, item *ledger.LineItem) error {
	return s.upsert(ctx, fromLineItem(item))
}

func (s *Store) LineItems(ctx context.Context, invoiceID string) ([]ledger.LineItem, error) {
	var rows []lineItemRow
	err := s.q(ctx).
		Where("invoice_id = ? AND deactivated_at IS NULL", invoiceID).
		Order("position ASC, created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ledger.LineItem, len(rows))
	for i := range rows {
		out[i] = rows[i].toLedger()
	}
	return out, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *Store) SavePayment(ctx context.Context, p *ledger.Payment) error {
	return s.upsert(ctx, fromPayment(p))
}

func (s *Store) GetPayment(ctx context.Context, id string, lock bool) (*ledger.Payment, error) {
	var row paymentRow
	if err := s.locked(ctx, lock).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "payment", id)
	}
	p := row.toLedger()
	return &p, nil
}

func (s *Store) ListPayments(ctx context.Context, f ledger.PaymentFilter) ([]ledger.Payment, error) {
	q := s.q(ctx).Model(&paymentRow{}).Select("payments.*")
	if f.StudentID != "" {
		q = q.Where("payments.student_id = ?", f.StudentID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("payments.status IN ?", stringsOf(f.Statuses))
	}
	if f.Method != "" {
		q = q.Where("payments.method = ?", string(f.Method))
	}
	if !f.From.IsZero() {
		q = q.Where("payments.created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("payments.created_at <= ?", f.To.UTC())
	}
	if term := searchTerm(f.Search); term != "" {
		q = search(q.Joins("LEFT JOIN students s ON s.id = payments.student_id"), term,
			"payments.reference", "payments.mpesa_receipt_number", "payments.bank_reference", "payments.transaction_id")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []paymentRow
	if err := q.Order("payments.created_at ASC, payments.id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return payments(rows), nil
}

func (s *Store) FundedPaymentsForStudent(ctx context.Context, studentID string, lock bool) ([]ledger.Payment, error) {
	var rows []paymentRow
	err := s.locked(ctx, lock).
		Where("student_id = ? AND status IN ?", studentID, []string{string(ledger.PaymentCompleted), string(ledger.PaymentPartiallyRefunded)}).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return payments(rows), nil
}

func (s *Store) ReceiptInUse(ctx context.Context, method ledger.PaymentMethod, receipt string) (bool, error) {
	if receipt == "" {
		return false, nil
	}
	var count int64
	err := s.q(ctx).Model(&paymentRow{}).
		Where("method = ? AND receipt = ? AND status <> ?", string(method), receipt, string(ledger.PaymentFailed)).
		Count(&count).Error
	return count > 0, err
}

func payments(rows []paymentRow) []ledger.Payment {
	out := make([]ledger.Payment, len(rows))
	for i := range rows {
		out[i] = rows[i].toLedger()
	}
	return out
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (s *Store) SaveAllocation(ctx context.Context, a *ledger.Allocation) error {
	return s.upsert(ctx, fromAllocation(a))
}

func (s *Store) ActiveAllocations(ctx context.Context, q ledger.AllocationQuery) ([]ledger.Allocation, error) {
	db := s.q(ctx).Where("deactivated_at IS NULL")
	if q.PaymentID != "" {
		db = db.Where("payment_id = ?", q.PaymentID)
	}
	if q.InvoiceID != "" {
		db = db.Where("invoice_id = ?", q.InvoiceID)
	}

	var rows []allocationRow
	if err := db.Order("allocation_order ASC, created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Allocation, len(rows))
	for i := range rows {
		out[i] = rows[i].toLedger()
	}
	return out, nil
}

// =============================================================================
// REFUNDS
// =============================================================================

func (s *Store) SaveRefund(ctx context.Context, r *ledger.Refund) error {
	return s.upsert(ctx, fromRefund(r))
}

func (s *Store) GetRefund(ctx context.Context, id string, lock bool) (*ledger.Refund, error) {
	var row refundRow
	if err := s.locked(ctx, lock).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "refund", id)
	}
	r := row.toLedger()
	return &r, nil
}

func (s *Store) ListRefunds(ctx context.Context, f ledger.RefundFilter) ([]ledger.Refund, error) {
	q := s.q(ctx)
	if f.PaymentID != "" {
		q = q.Where("payment_id = ?", f.PaymentID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", stringsOf(f.Statuses))
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("created_at <= ?", f.To.UTC())
	}

	var rows []refundRow
	if err := q.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Refund, len(rows))
	for i := range rows {
		out[i] = rows[i].toLedger()
	}
	return out, nil
}

// =============================================================================
// BULK INVOICES
// =============================================================================

func (s *Store) SaveBulkInvoice(ctx context.Context, b *ledger.BulkInvoice) error {
	return s.upsert(ctx, fromBulk(b))
}

func (s *Store) GetBulkInvoice(ctx context.Context, id string, lock bool) (*ledger.BulkInvoice, error) {
	var row bulkInvoiceRow
	if err := s.locked(ctx, lock).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "bulk invoice", id)
	}
	b := row.toLedger()
	return &b, nil
}

func (s *Store) ListBulkInvoices(ctx context.Context) ([]ledger.BulkInvoice, error) {
	var rows []bulkInvoiceRow
	if err := s.q(ctx).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.BulkInvoice, len(rows))
	for i := range rows {
		out[i] = rows[i].toLedger()
	}
	return out, nil
}

// =============================================================================
// FEE CATALOG
// =============================================================================

func (s *Store) FeeItem(ctx context.Context, code string) (ledger.FeeItem, bool, error) {
	var row feeItemRow
	err := s.q(ctx).Where("code = ?", code).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.FeeItem{}, false, nil
	}
	if err != nil {
		return ledger.FeeItem{}, false, err
	}
	return ledger.FeeItem(row), true, nil
}

func (s *Store) SaveFeeItem(ctx context.Context, item ledger.FeeItem) error {
	row := feeItemRow(item)
	return s.q(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (s *Store) ListFeeItems(ctx context.Context) ([]ledger.FeeItem, error) {
	var rows []feeItemRow
	if err := s.q(ctx).Order("code ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.FeeItem, len(rows))
	for i := range rows {
		out[i] = ledger.FeeItem(rows[i])
	}
	return out, nil
}

// =============================================================================
// AGGREGATES
// =============================================================================

func (s *Store) InvoiceTotal(ctx context.Context, invoiceID string) (money.Money, error) {
	return s.sum(s.q(ctx).Model(&lineItemRow{}).Where("invoice_id = ? AND deactivated_at IS NULL", invoiceID))
}

func (s *Store) AllocatedToInvoice(ctx context.Context, invoiceID string) (money.Money, error) {
	return s.sum(s.q(ctx).Model(&allocationRow{}).Where("invoice_id = ? AND deactivated_at IS NULL", invoiceID))
}

func (s *Store) AllocatedFromPayment(ctx context.Context, paymentID string) (money.Money, error) {
	return s.sum(s.q(ctx).Model(&allocationRow{}).Where("payment_id = ? AND deactivated_at IS NULL", paymentID))
}

func (s *Store) RefundedFromPayment(ctx context.Context, paymentID string, status ledger.RefundStatus) (money.Money, error) {
	return s.sum(s.q(ctx).Model(&refundRow{}).Where("payment_id = ? AND status = ?", paymentID, string(status)))
}

func (s *Store) sum(q *gorm.DB) (money.Money, error) {
	var amounts []money.Money
	if err := q.Pluck("amount", &amounts).Error; err != nil {
		return money.Zero, err
	}
	return money.Sum(amounts...), nil
}

func (s *Store) NextSequence(ctx context.Context, prefix string) (int, error) {
	var next int
	err := s.q(ctx).Raw(`
		INSERT INTO reference_sequences (prefix, last_value) VALUES (?, 1)
		ON CONFLICT (prefix) DO UPDATE SET last_value = reference_sequences.last_value + 1
		RETURNING last_value`, prefix).Row().Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", prefix, err)
	}
	return next, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func searchTerm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// search matches term against columns and the joined student (aliased s).
func search(q *gorm.DB, term string, columns ...string) *gorm.DB {
	columns = append(columns, "s.reg_number", "s.full_name")
	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term) + "%"
	parts := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		parts[i] = "LOWER(" + col + ") LIKE ? ESCAPE '\\'"
		args[i] = pattern
	}
	return q.Where("("+strings.Join(parts, " OR ")+")", args...)
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
