package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"termgate/internal/bus"
	"termgate/internal/domain"
	"termgate/internal/repo"
)

// Republisher builds the per-transaction job that re-announces a published
// payment to its device until the device acknowledges it, the transaction
// leaves published, or the job times out. Redelivery is at-least-once; the
// device dedupes on transaction id.
type Republisher struct {
	Store  repo.Store
	Bus    bus.Channel
	Logger *slog.Logger
}

func methodCode(pt domain.PaymentType) int {
	if pt == domain.PaymentCard {
		return 2
	}
	return 1
}

// Spec clamps the interval to floor so a misconfigured cadence can never
// flood a device.
func (r *Republisher) Spec(interval, floor, timeout time.Duration, transactionID string) Spec {
	if interval < floor {
		interval = floor
	}
	return Spec{
		Interval: interval,
		Timeout:  timeout,
		Action: func(ctx context.Context, ticks int) Verdict {
			return r.republish(ctx, transactionID, ticks+1)
		},
		OnTimeout: func(ctx context.Context) {
			r.Logger.Warn("republishing timed out, device never acknowledged", "transaction_id", transactionID)
		},
	}
}

func (r *Republisher) republish(ctx context.Context, id string, count int) Verdict {
	t, err := r.Store.GetTransaction(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		r.Logger.Info("republishing stopped, transaction gone", "transaction_id", id)
		return Done
	}
	if err != nil {
		r.Logger.Error("republishing load failed", "transaction_id", id, "error", err)
		return Failed
	}
	if t.Status != domain.StatusPublished {
		return Done
	}

	data := bus.QRPendingData{
		TransactionID:  t.ID,
		PaymentMethod:  methodCode(t.PaymentType),
		Amount:         t.Amount.String(),
		RepublishCount: count,
	}
	var msg bus.Message
	if t.PaymentType == domain.PaymentQRPH {
		q, err := r.Store.QRByTransaction(ctx, id)
		if err != nil {
			r.Logger.Error("republishing qr load failed", "transaction_id", id, "error", err)
			return Failed
		}
		data.RefNum = q.RefNum
		data.QRString = q.QRString
		msg = bus.QRPending(t.TerminalSerialNo, data)
	} else {
		msg = bus.CardPending(t.TerminalSerialNo, data)
	}

	if err := r.Bus.Publish(ctx, t.TerminalSerialNo, msg); err != nil {
		r.Logger.Warn("republish failed", "transaction_id", id, "count", count, "error", err)
		return Failed
	}
	r.Logger.Debug("state republished", "transaction_id", id, "count", count)
	return Continue
}
