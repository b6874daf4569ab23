package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanaka/finance-engine/ledger"
	"github.com/zanaka/finance-engine/notify"
)

var _ ledger.Notifier = (*notify.Dispatcher)(nil)

type collectingSink struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (s *collectingSink) Send(_ context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *collectingSink) templates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Template
	}
	return out
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	// GIVEN: A single-worker dispatcher with queued messages
	// WHEN: Stopping it
	// THEN: Every message was delivered, in order
	sink := &collectingSink{}
	d := notify.NewDispatcher(sink, notify.WithWorkers(1))
	d.Start()

	ctx := context.Background()
	for _, tpl := range []string{"invoice_created", "payment_received", "payment_approved"} {
		require.NoError(t, d.Notify(ctx, tpl, map[string]any{"student_id": "stu-1"}))
	}
	require.NoError(t, d.Stop(ctx))

	assert.Equal(t, []string{"invoice_created", "payment_received", "payment_approved"}, sink.templates())
}

func TestDispatcher_QueueFull(t *testing.T) {
	// GIVEN: A dispatcher with room for two messages and no running workers
	// WHEN: A third message arrives
	// THEN: It is rejected without blocking, and the first two still go out
	sink := &collectingSink{}
	d := notify.NewDispatcher(sink, notify.WithQueueSize(2))
	ctx := context.Background()

	require.NoError(t, d.Notify(ctx, "a", nil))
	require.NoError(t, d.Notify(ctx, "b", nil))
	assert.ErrorIs(t, d.Notify(ctx, "c", nil), notify.ErrQueueFull)
	assert.Equal(t, 2, d.Pending())

	d.Start()
	require.NoError(t, d.Stop(ctx))
	assert.ElementsMatch(t, []string{"a", "b"}, sink.templates())
}

func TestDispatcher_RejectsAfterStop(t *testing.T) {
	d := notify.NewDispatcher(&collectingSink{})
	d.Start()
	require.NoError(t, d.Stop(context.Background()))

	err := d.Notify(context.Background(), "invoice_created", nil)
	assert.ErrorIs(t, err, notify.ErrStopped)
	assert.NoError(t, d.Stop(context.Background()), "second stop is a no-op")
}

func TestDispatcher_CopiesData(t *testing.T) {
	sink := &collectingSink{}
	d := notify.NewDispatcher(sink)
	data := map[string]any{"reference": "INV-20260115-0001"}

	require.NoError(t, d.Notify(context.Background(), "invoice_created", data))
	data["reference"] = "changed"
	d.Start()
	require.NoError(t, d.Stop(context.Background()))

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "INV-20260115-0001", sink.msgs[0].Data["reference"])
}

func TestDispatcher_StopHonoursDeadline(t *testing.T) {
	// GIVEN: A sink stuck on delivery
	// WHEN: Stopping with a short deadline
	// THEN: Stop gives up with the context error
	release := make(chan struct{})
	stuck := notify.SinkFunc(func(context.Context, notify.Message) error {
		<-release
		return nil
	})
	d := notify.NewDispatcher(stuck, notify.WithWorkers(1), notify.WithSendTimeout(time.Minute))
	d.Start()
	require.NoError(t, d.Notify(context.Background(), "payment_received", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
	close(release)
}
