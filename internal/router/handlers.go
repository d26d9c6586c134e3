package router

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"termgate/internal/bus"
	"termgate/internal/domain"
	"termgate/internal/repo"
	"termgate/internal/scheduler"
	"termgate/internal/state"
	"termgate/internal/terminal"
)

// Subscribe wires the router to every inbound device topic. Handlers are
// fire-and-forget: they log failures and never reply unless the protocol
// calls for it.
func (r *Router) Subscribe(ctx context.Context) error {
	for _, topic := range bus.InboundTopics {
		if err := r.Bus.Subscribe(ctx, topic, r.Dispatch); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch routes one decoded device message to its handler.
func (r *Router) Dispatch(ctx context.Context, msg bus.Inbound) {
	switch m := msg.(type) {
	case bus.AuthRequest:
		r.handleAuth(ctx, m)
	case bus.ConfigFetch:
		r.handleConfigFetch(ctx, m)
	case bus.WorkingKeys:
		r.handleWorkingKeys(ctx, m)
	case bus.Reversal:
		r.handleReversal(ctx, m)
	case bus.Acknowledge:
		r.handleAcknowledge(ctx, m)
	case bus.Cancel:
		r.handleCancel(ctx, m)
	case bus.Sale:
		r.handleSale(ctx, m)
	}
}

// handleAuth authenticates a terminal against the processor, hands the token
// back on the serial topic and arms the keep-alive job. This is the one
// handler that reports failures back to the device, on the error topic.
func (r *Router) handleAuth(ctx context.Context, m bus.AuthRequest) {
	token, err := r.Proc.FetchAuth(ctx, m.SerialNum)
	if err != nil {
		r.Logger.Error("terminal auth failed", "serial", m.SerialNum, "error", err)
		r.publishError(ctx, m.SerialNum, CodeUpstreamAuth, "terminal authentication failed")
		return
	}
	if err := r.Bus.Publish(ctx, m.SerialNum, bus.AuthResponse(token)); err != nil {
		r.Logger.Error("auth response publish failed", "serial", m.SerialNum, "error", err)
		return
	}

	if cfg, err := r.Terminals.Config(ctx, m.SerialNum); err == nil {
		if err := r.Bus.Publish(ctx, m.SerialNum, bus.RevisionCheck(m.SerialNum, cfg.RevisionID)); err != nil {
			r.Logger.Error("revision check publish failed", "serial", m.SerialNum, "error", err)
		}
	} else if !errors.Is(err, terminal.ErrNotFound) {
		r.Logger.Error("terminal config load failed", "serial", m.SerialNum, "error", err)
	}

	r.startKeepAlive(ctx, m.SerialNum)
	r.Logger.Info("terminal authenticated", "serial", m.SerialNum)
}

// startKeepAlive runs the processor session heartbeat for a serial. The job
// is unbounded and idempotent: re-auth replaces the previous one.
func (r *Router) startKeepAlive(ctx context.Context, serial string) {
	spec := scheduler.Spec{
		Interval: r.Cfg.KeepAliveInterval,
		Action: func(ctx context.Context, ticks int) scheduler.Verdict {
			token, err := r.Proc.FetchAuth(ctx, serial)
			if err == nil {
				err = r.Proc.KeepAlive(ctx, token, serial)
			}
			if err != nil {
				r.Logger.Warn("keep-alive failed", "serial", serial, "error", err)
			}
			return scheduler.Continue
		},
	}
	r.Jobs.Start(ctx, scheduler.KindKeepAlive, serial, spec)
}

func (r *Router) handleConfigFetch(ctx context.Context, m bus.ConfigFetch) {
	cfg, err := r.Terminals.Config(ctx, m.SerialNum)
	if err != nil {
		r.Logger.Error("config fetch failed", "serial", m.SerialNum, "error", err)
		return
	}
	if err := r.Bus.Publish(ctx, m.SerialNum, bus.ConfigUpdate(m.SerialNum, cfg)); err != nil {
		r.Logger.Error("config publish failed", "serial", m.SerialNum, "error", err)
	}
}

func (r *Router) handleWorkingKeys(ctx context.Context, m bus.WorkingKeys) {
	keys, err := r.Proc.GetKeys(ctx, m.AuthRes, m.TerminalID)
	if err != nil {
		r.Logger.Error("working keys fetch failed", "terminal_id", m.TerminalID, "error", err)
		return
	}
	if err := r.Bus.Publish(ctx, bus.TopicKeyResponse, keys); err != nil {
		r.Logger.Error("working keys publish failed", "terminal_id", m.TerminalID, "error", err)
	}
}

func (r *Router) handleReversal(ctx context.Context, m bus.Reversal) {
	keys, err := r.Proc.GetKeys(ctx, m.AuthRes, m.TerminalID)
	if err != nil {
		r.Logger.Error("reversal key fetch failed", "terminal_id", m.TerminalID, "error", err)
		return
	}
	if err := r.Bus.Publish(ctx, bus.TopicReversalRes, keys); err != nil {
		r.Logger.Error("reversal publish failed", "terminal_id", m.TerminalID, "error", err)
	}
}

// handleAcknowledge records that the device displayed the payment.
func (r *Router) handleAcknowledge(ctx context.Context, m bus.Acknowledge) {
	t, err := r.Store.GetTransaction(ctx, m.TransactionID)
	if errors.Is(err, repo.ErrNotFound) {
		r.Logger.Warn("acknowledge for unknown transaction", "transaction_id", m.TransactionID)
		return
	}
	if err != nil {
		r.Logger.Error("acknowledge load failed", "transaction_id", m.TransactionID, "error", err)
		return
	}
	t, err = r.State.Transition(ctx, t, domain.StatusTerminalAck)
	if err != nil {
		var invalid *state.InvalidTransitionError
		if errors.As(err, &invalid) {
			r.Logger.Warn("acknowledge rejected", "transaction_id", t.ID, "from", invalid.From)
		} else {
			r.Logger.Error("acknowledge transition failed", "transaction_id", t.ID, "error", err)
		}
		return
	}
	r.Events.StatusChanged(ctx, t)
	r.Logger.Info("transaction acknowledged", "transaction_id", t.ID)
}

// handleCancel voids the latest acknowledged transaction on a terminal and
// tears down its poller. The republisher stops itself on the next tick.
func (r *Router) handleCancel(ctx context.Context, m bus.Cancel) {
	txs, err := r.Store.FindByStatusAndSerial(ctx, domain.StatusTerminalAck, m.SerialNum)
	if err != nil {
		r.Logger.Error("cancel lookup failed", "serial", m.SerialNum, "error", err)
		return
	}
	if len(txs) == 0 {
		r.Logger.Warn("cancel with nothing to cancel", "serial", m.SerialNum)
		return
	}
	t := txs[0]
	t, err = r.State.Transition(ctx, t, domain.StatusCancelled)
	if err != nil {
		r.Logger.Warn("cancel transition rejected", "transaction_id", t.ID, "error", err)
		return
	}
	r.Jobs.Stop(scheduler.KindPoll, t.ID)
	r.Events.StatusChanged(ctx, t)
	r.Logger.Info("transaction cancelled", "transaction_id", t.ID, "serial", m.SerialNum)
}

// handleSale runs a standalone sale initiated from the terminal itself. The
// flow mirrors the outbound QR path from the stan increment on; there is no
// POS binding or bounds check to apply.
func (r *Router) handleSale(ctx context.Context, m bus.Sale) {
	amount, err := decimal.NewFromString(m.TotalAmount)
	if err != nil || !amount.IsPositive() {
		r.Logger.Warn("sale with bad amount", "serial", m.SerialNum, "amount", m.TotalAmount)
		return
	}
	token, err := r.Proc.FetchAuth(ctx, m.SerialNum)
	if err != nil {
		r.Logger.Error("sale auth failed", "serial", m.SerialNum, "error", err)
		return
	}
	cfg, err := r.Terminals.Config(ctx, m.SerialNum)
	if err != nil {
		r.Logger.Error("sale config load failed", "serial", m.SerialNum, "error", err)
		return
	}
	if _, _, err := r.submitPayment(ctx, m.SerialNum, token, cfg, "standalone", "standalone", amount, domain.PaymentQRPH); err != nil {
		r.Logger.Error("standalone sale failed", "serial", m.SerialNum, "error", err)
	}
}

type errorPayload struct {
	Serial  string `json:"serial"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *Router) publishError(ctx context.Context, serial string, code int, msg string) {
	if err := r.Bus.Publish(ctx, bus.TopicError, errorPayload{Serial: serial, Code: code, Message: msg}); err != nil {
		r.Logger.Error("error publish failed", "serial", serial, "error", err)
	}
}
