package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanaka/finance-engine/notify"
)

func TestKafkaSink_PublishesToTemplateTopic(t *testing.T) {
	// GIVEN: A sink with prefix "finance."
	// WHEN: Sending a payment_received notification
	// THEN: The message goes to finance.payment_received keyed by student id
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "finance.payment_received" {
			return fmt.Errorf("unexpected topic %q", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "stu-1" {
			return fmt.Errorf("unexpected key %q", key)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var body notify.Message
		if err := json.Unmarshal(value, &body); err != nil {
			return err
		}
		if body.Data["amount"] != "600.00" {
			return fmt.Errorf("unexpected body %s", value)
		}
		return nil
	})

	sink := notify.NewKafkaSink(producer, "finance.")
	err := sink.Send(context.Background(), notify.Message{
		Template: "payment_received",
		Data:     map[string]any{"student_id": "stu-1", "amount": "600.00"},
	})

	require.NoError(t, err)
	require.NoError(t, sink.Close())
}

func TestKafkaSink_ReportsProducerFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := notify.NewKafkaSink(producer, "finance.")
	err := sink.Send(context.Background(), notify.Message{Template: "invoice_created"})

	assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers), "got %v", err)
	assert.Contains(t, err.Error(), "finance.invoice_created")
	require.NoError(t, sink.Close())
}

func TestLogSink_WritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	sink := notify.NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.Send(context.Background(), notify.Message{
		Template: "invoice_created",
		Data:     map[string]any{"reference": "INV-20260115-0001"},
	})
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "notification", line["msg"])
	assert.Equal(t, "invoice_created", line["template"])
	assert.Equal(t, "INV-20260115-0001", line["reference"])
}
