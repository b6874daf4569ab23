package ledger

import (
	"context"
	"log/slog"
)

// =============================================================================
// BEST-EFFORT EFFECTS
// =============================================================================

// BestEffort runs follow-up work whose failure must not fail the operation
// that triggered it. Allocation runs after invoice or payment changes and
// notifications go through here; errors are logged and dropped.
type BestEffort struct {
	Logger *slog.Logger
}

// Do runs fn and logs its error. It reports whether fn succeeded.
func (b BestEffort) Do(ctx context.Context, effect string, fn func(context.Context) error, attrs ...any) bool {
	err := fn(ctx)
	if err == nil {
		return true
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "best-effort effect failed",
		append([]any{"effect", effect, "error", err.Error()}, attrs...)...)
	return false
}

// allocateAfterCommit runs an allocation pass for each distinct student.
func (s *Service) allocateAfterCommit(ctx context.Context, studentIDs ...string) {
	seen := make(map[string]bool, len(studentIDs))
	for _, id := range studentIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		s.effects.Do(ctx, "allocate_payments", func(ctx context.Context) error {
			_, err := s.AllocatePayments(ctx, id)
			return err
		}, "student_id", id)
	}
}

// Notification templates.
const (
	TemplateInvoiceCreated  = "invoice_created"
	TemplatePaymentReceived = "payment_received"
	TemplatePaymentApproved = "payment_approved"
)

func (s *Service) notify(ctx context.Context, template string, data map[string]any) {
	if s.notifier == nil {
		return
	}
	s.effects.Do(ctx, "notify", func(ctx context.Context) error {
		return s.notifier.Notify(ctx, template, data)
	}, "template", template)
}

func invoiceNotice(inv *Invoice) map[string]any {
	return map[string]any{
		"invoice_id": inv.ID,
		"reference":  inv.Reference,
		"student_id": inv.StudentID,
		"total":      inv.Total.String(),
		"due_date":   inv.DueDate.Format("2006-01-02"),
	}
}

func paymentNotice(p *Payment) map[string]any {
	return map[string]any{
		"payment_id": p.ID,
		"reference":  p.Reference,
		"student_id": p.StudentID,
		"amount":     p.Amount.String(),
		"method":     string(p.Method),
		"status":     string(p.Status),
	}
}
