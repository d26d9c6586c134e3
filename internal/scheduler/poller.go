package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"termgate/internal/bus"
	"termgate/internal/domain"
	"termgate/internal/events"
	"termgate/internal/processor"
	"termgate/internal/repo"
	"termgate/internal/state"
)

// StatusChecker is the slice of the processor client the poller needs.
type StatusChecker interface {
	FetchAuth(ctx context.Context, serial string) (string, error)
	CheckStatus(ctx context.Context, token string, req processor.StatusRequest) (processor.StatusResult, error)
}

// Poller builds the per-transaction job that reconciles a pending payment
// against the processor until it settles, the transaction reaches a terminal
// status, or the job times out.
type Poller struct {
	Store  repo.Store
	State  state.Machine
	Bus    bus.Channel
	Events *events.Writer
	Proc   StatusChecker
	Logger *slog.Logger
}

func (p *Poller) Spec(interval, timeout time.Duration, transactionID string) Spec {
	return Spec{
		Interval: interval,
		Timeout:  timeout,
		Action: func(ctx context.Context, ticks int) Verdict {
			return p.poll(ctx, transactionID)
		},
		OnTimeout: func(ctx context.Context) {
			p.Logger.Warn("status polling timed out", "transaction_id", transactionID)
		},
	}
}

func (p *Poller) poll(ctx context.Context, id string) Verdict {
	info, err := p.Store.GetTransactionInfo(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		p.Logger.Info("polling stopped, transaction gone", "transaction_id", id)
		return Done
	}
	if err != nil {
		p.Logger.Error("polling load failed", "transaction_id", id, "error", err)
		return Failed
	}
	if info.Status.Terminal() {
		return Done
	}

	token, err := p.Proc.FetchAuth(ctx, info.TerminalSerialNo)
	if err != nil {
		p.Logger.Warn("polling auth failed", "transaction_id", id, "error", err)
		return Failed
	}
	res, err := p.Proc.CheckStatus(ctx, token, processor.StatusRequest{
		RefNum:    info.RefNum,
		PaymentID: info.PaymentID,
		SerialNum: info.TerminalSerialNo,
	})
	if err != nil {
		var apiErr *processor.APIError
		if errors.As(err, &apiErr) {
			p.Logger.Warn("processor rejected status check", "transaction_id", id, "code", apiErr.Code, "error", apiErr)
		} else {
			p.Logger.Warn("status check failed", "transaction_id", id, "error", err)
		}
		return Failed
	}

	switch res.PaymentStatus {
	case processor.PaymentSuccess:
		return p.complete(ctx, id, res)
	case processor.PaymentFailed:
		return p.fail(ctx, info.Transaction)
	default:
		return Continue
	}
}

// complete applies the settlement fields, moves the transaction to completed
// and announces the result to the device. The working copy is stale after the
// processor round trip, so the record is re-fetched before transitioning.
func (p *Poller) complete(ctx context.Context, id string, res processor.StatusResult) Verdict {
	now := p.State.Now().UTC().Format(time.RFC3339)
	if err := p.Store.SetProcessorResult(ctx, id, res.ApprovalCode, res.TransactionReferenceNumber, res.Pan, now); err != nil {
		p.Logger.Error("settlement write failed", "transaction_id", id, "error", err)
		return Failed
	}
	t, err := p.Store.GetTransaction(ctx, id)
	if err != nil {
		p.Logger.Error("settlement reload failed", "transaction_id", id, "error", err)
		return Failed
	}
	if t.Status.Terminal() {
		return Done
	}
	t, err = p.State.Transition(ctx, t, domain.StatusCompleted)
	if err != nil {
		var invalid *state.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Settled at the processor but not yet acknowledged by the
			// device. Keep polling; the ack handler advances the status.
			p.Logger.Warn("completion deferred", "transaction_id", id, "from", invalid.From)
			return Continue
		}
		p.Logger.Error("completion transition failed", "transaction_id", id, "error", err)
		return Failed
	}

	q, err := p.Store.QRByTransaction(ctx, id)
	refNum := ""
	if err == nil {
		refNum = q.RefNum
	}
	msg := bus.QRSuccess(t.TerminalSerialNo, res.ApprovalCode, refNum)
	if err := p.Bus.Publish(ctx, t.TerminalSerialNo, msg); err != nil {
		p.Logger.Error("success announce failed", "transaction_id", id, "error", err)
	}
	p.Events.StatusChanged(ctx, t)
	p.Logger.Info("payment completed", "transaction_id", id, "approval_code", res.ApprovalCode)
	return Done
}

func (p *Poller) fail(ctx context.Context, t domain.Transaction) Verdict {
	t, err := p.State.Transition(ctx, t, domain.StatusFailed)
	if err != nil {
		p.Logger.Error("failure transition rejected", "transaction_id", t.ID, "error", err)
		return Done
	}
	p.Events.StatusChanged(ctx, t)
	p.Logger.Info("payment failed at processor", "transaction_id", t.ID)
	return Done
}
