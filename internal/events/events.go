// Package events publishes transaction lifecycle events to kafka for
// downstream settlement and reporting consumers. Delivery is best effort;
// the payment path never blocks on the event stream.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"termgate/internal/domain"
)

type Event struct {
	TransactionID string `json:"transaction_id"`
	ReferenceID   string `json:"reference_id"`
	Serial        string `json:"terminal_serial_no"`
	PaymentType   string `json:"payment_type"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
	OccurredAt    string `json:"occurred_at"`
}

type Writer struct {
	kw     *kafka.Writer
	logger *slog.Logger

	// Now stamps events; nil means the wall clock.
	Now func() time.Time
}

// NewWriter returns a lifecycle event writer. With no brokers configured the
// writer is disabled and every publish is a no-op.
func NewWriter(brokers []string, topic string, logger *slog.Logger) *Writer {
	if len(brokers) == 0 {
		return &Writer{logger: logger}
	}
	return &Writer{
		kw: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		logger: logger,
	}
}

// StatusChanged emits one event for a transaction's new status, keyed by
// transaction id so per-transaction ordering survives partitioning.
func (w *Writer) StatusChanged(ctx context.Context, t domain.Transaction) {
	if w == nil || w.kw == nil {
		return
	}
	value, err := json.Marshal(w.event(t))
	if err != nil {
		w.logger.Error("marshal lifecycle event", "transaction_id", t.ID, "error", err)
		return
	}
	msg := kafka.Message{Key: []byte(t.ID), Value: value}
	if err := w.kw.WriteMessages(ctx, msg); err != nil {
		w.logger.Warn("lifecycle event not delivered", "transaction_id", t.ID, "status", t.Status, "error", err)
	}
}

func (w *Writer) event(t domain.Transaction) Event {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	return Event{
		TransactionID: t.ID,
		ReferenceID:   t.ReferenceID,
		Serial:        t.TerminalSerialNo,
		PaymentType:   string(t.PaymentType),
		Status:        string(t.Status),
		Amount:        t.Amount.String(),
		OccurredAt:    now().UTC().Format(time.RFC3339),
	}
}

func (w *Writer) Close() error {
	if w == nil || w.kw == nil {
		return nil
	}
	return w.kw.Close()
}
