// Package router is the orchestration core: it turns POS payment requests
// and device messages into transactions, terminal traffic, processor calls
// and scheduled jobs.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"termgate/internal/bus"
	"termgate/internal/domain"
	"termgate/internal/events"
	"termgate/internal/processor"
	"termgate/internal/repo"
	"termgate/internal/scheduler"
	"termgate/internal/state"
	"termgate/internal/terminal"
)

// Error codes carried to POS clients and devices. 4xxx reject the request,
// 5xxx report an upstream or internal failure.
const (
	CodeUnknownDevice       = 4001
	CodeTransactionNotFound = 4002
	CodePosMismatch         = 4003
	CodeSchemeDisabled      = 4005
	CodeAboveMaximum        = 4006
	CodeBelowMinimum        = 4007
	CodeUpstreamAuth        = 5003
	CodeUpstreamSubmit      = 5004
	CodeTerminalConfig      = 5005
	CodeInternal            = 5008
)

// Error is a coded orchestration failure.
type Error struct {
	Code    int
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.cause)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

func coded(code int, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// ProcessorClient is the slice of the processor API the router drives.
type ProcessorClient interface {
	FetchAuth(ctx context.Context, serial string) (string, error)
	SubmitQR(ctx context.Context, token string, req processor.QRRequest) (processor.QRResult, error)
	CheckStatus(ctx context.Context, token string, req processor.StatusRequest) (processor.StatusResult, error)
	GetKeys(ctx context.Context, token, terminalID string) (json.RawMessage, error)
	KeepAlive(ctx context.Context, token, serial string) error
}

// JobConfig carries the scheduler cadences the router starts jobs with.
type JobConfig struct {
	PollInterval      time.Duration
	PollTimeout       time.Duration
	RepublishInterval time.Duration
	RepublishFloor    time.Duration
	RepublishTimeout  time.Duration
	KeepAliveInterval time.Duration
}

const (
	startRetries = 1
	startBackoff = 100 * time.Millisecond
)

type Router struct {
	Store       repo.Store
	State       state.Machine
	Terminals   *terminal.Store
	Bus         bus.Channel
	Proc        ProcessorClient
	Events      *events.Writer
	Jobs        *scheduler.Engine
	Poller      *scheduler.Poller
	Republisher *scheduler.Republisher
	Cfg         JobConfig
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Router) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

type ProcessPaymentRequest struct {
	PosID       string
	ReferenceID string
	Amount      decimal.Decimal
	PaymentType domain.PaymentType
}

type PaymentResult struct {
	Transaction domain.Transaction
	QRString    string
	RefNum      string
}

// ProcessPayment runs the outbound payment flow: device binding, terminal
// auth and config, scheme bounds, stan increment, transaction create,
// processor submit, device announce, then the poller and republisher jobs.
// A validation failure before the stan increment leaves no side effects;
// failures after it are not rolled back.
func (r *Router) ProcessPayment(ctx context.Context, req ProcessPaymentRequest) (PaymentResult, error) {
	var res PaymentResult

	device, err := r.Store.GetDevice(ctx, req.PosID)
	if errors.Is(err, repo.ErrNotFound) {
		return res, coded(CodeUnknownDevice, "pos device is not bound to a terminal", nil)
	}
	if err != nil {
		return res, coded(CodeInternal, "device lookup failed", err)
	}
	serial := device.TerminalSerialNo

	token, err := r.Proc.FetchAuth(ctx, serial)
	if err != nil {
		return res, coded(CodeUpstreamAuth, "processor authentication failed", err)
	}
	cfg, err := r.Terminals.Config(ctx, serial)
	if errors.Is(err, terminal.ErrNotFound) {
		return res, coded(CodeTerminalConfig, "terminal is not provisioned", nil)
	}
	if err != nil {
		return res, coded(CodeInternal, "terminal config load failed", err)
	}

	if err := checkLimits(cfg, req.PaymentType, req.Amount); err != nil {
		return res, err
	}

	t, q, err := r.submitPayment(ctx, serial, token, cfg, req.PosID, req.ReferenceID, req.Amount, req.PaymentType)
	if err != nil {
		return res, err
	}
	res.Transaction = t
	res.QRString = q.QRString
	res.RefNum = q.RefNum
	return res, nil
}

// checkLimits validates the amount against the terminal's scheme limits.
// Runs before any side effect.
func checkLimits(cfg domain.TerminalConfig, pt domain.PaymentType, amount decimal.Decimal) error {
	limits := cfg.QRPH
	if pt == domain.PaymentCard {
		limits = cfg.Card
	}
	if !limits.Enabled {
		return coded(CodeSchemeDisabled, fmt.Sprintf("%s payments are disabled for this terminal", pt), nil)
	}
	if pt == domain.PaymentQRPH {
		if limits.MaximumAmount.IsPositive() && amount.GreaterThan(limits.MaximumAmount) {
			return coded(CodeAboveMaximum, "amount is above the terminal maximum", nil)
		}
		if amount.LessThan(limits.MinimumAmount) {
			return coded(CodeBelowMinimum, "amount is below the terminal minimum", nil)
		}
	}
	return nil
}

// submitPayment is the shared tail of the outbound and standalone-sale flows:
// everything from the stan increment on.
func (r *Router) submitPayment(ctx context.Context, serial, token string, cfg domain.TerminalConfig, posID, referenceID string, amount decimal.Decimal, pt domain.PaymentType) (domain.Transaction, domain.QRTransaction, error) {
	var q domain.QRTransaction

	stan, err := r.Terminals.IncrementStan(ctx, serial)
	if err != nil {
		return domain.Transaction{}, q, coded(CodeInternal, "stan increment failed", err)
	}
	refNum := fmt.Sprintf("%s%06d", r.now().UTC().Format("060102"), stan%1000000)
	nowStr := r.now().UTC().Format(time.RFC3339)

	t := domain.Transaction{
		ID:               r.newID(),
		ReferenceID:      referenceID,
		PosID:            posID,
		Amount:           amount,
		AlphaCode:        cfg.AlphaCode,
		MerchantID:       cfg.MerchantID,
		TerminalID:       cfg.TerminalID,
		TerminalSerialNo: serial,
		PaymentType:      pt,
		Status:           domain.StatusCreated,
		CreatedAt:        nowStr,
		UpdatedAt:        nowStr,
	}
	if err := r.Store.CreateTransaction(ctx, t); err != nil {
		return t, q, coded(CodeInternal, "transaction create failed", err)
	}

	data := bus.QRPendingData{
		TransactionID: t.ID,
		PaymentMethod: 1,
		RefNum:        refNum,
		Amount:        amount.String(),
	}
	var announce bus.Message

	if pt == domain.PaymentQRPH {
		qr, err := r.Proc.SubmitQR(ctx, token, processor.QRRequest{
			Amount:     amount.String(),
			RefNum:     refNum,
			Stan:       stan,
			BatchNo:    cfg.BatchNo,
			MerchantID: cfg.MerchantID,
			TerminalID: cfg.TerminalID,
			SerialNum:  serial,
			AlphaCode:  cfg.AlphaCode,
		})
		if err != nil {
			return t, q, coded(CodeUpstreamSubmit, "processor rejected the payment", err)
		}
		q = domain.QRTransaction{
			ID:            r.newID(),
			TransactionID: t.ID,
			QRString:      qr.QRCodeBody,
			RefNum:        refNum,
			TraceNo:       stan,
			BatchNo:       cfg.BatchNo,
			Amount:        amount,
			CreatedAt:     nowStr,
		}
		if err := r.Store.CreateQRTransaction(ctx, q); err != nil {
			return t, q, coded(CodeInternal, "qr transaction create failed", err)
		}
		if err := r.Store.SetPaymentID(ctx, t.ID, qr.PaymentID, nowStr); err != nil {
			return t, q, coded(CodeInternal, "payment id write failed", err)
		}
		t.PaymentID = qr.PaymentID
		data.QRString = qr.QRCodeBody
		announce = bus.QRPending(serial, data)
	} else {
		c := domain.CardTransaction{
			ID:            r.newID(),
			TransactionID: t.ID,
			RefNum:        refNum,
			TraceNo:       stan,
			BatchNo:       cfg.BatchNo,
			MerchantID:    cfg.MerchantID,
			Amount:        amount,
			CreatedAt:     nowStr,
		}
		if err := r.Store.CreateCardTransaction(ctx, c); err != nil {
			return t, q, coded(CodeInternal, "card transaction create failed", err)
		}
		q.RefNum = refNum
		data.PaymentMethod = 2
		announce = bus.CardPending(serial, data)
	}

	if err := r.Bus.Publish(ctx, serial, announce); err != nil {
		return t, q, coded(CodeInternal, "device announce failed", err)
	}

	// Card settlement is confirmed by the device, not polled.
	if pt == domain.PaymentQRPH {
		spec := r.Poller.Spec(r.Cfg.PollInterval, r.Cfg.PollTimeout, t.ID)
		if !r.Jobs.StartWithRetry(ctx, scheduler.KindPoll, t.ID, spec, startRetries, startBackoff) {
			r.Logger.Error("status poller not started, capacity exhausted", "transaction_id", t.ID)
		}
	}

	t, err = r.State.Transition(ctx, t, domain.StatusPublished)
	if err != nil {
		return t, q, coded(CodeInternal, "publish transition failed", err)
	}
	r.Events.StatusChanged(ctx, t)

	spec := r.Republisher.Spec(r.Cfg.RepublishInterval, r.Cfg.RepublishFloor, r.Cfg.RepublishTimeout, t.ID)
	if !r.Jobs.StartWithRetry(ctx, scheduler.KindRepublish, t.ID, spec, startRetries, startBackoff) {
		r.Logger.Error("republisher not started, capacity exhausted", "transaction_id", t.ID)
	}

	r.Logger.Info("payment published",
		"transaction_id", t.ID, "serial", serial, "type", pt, "amount", amount.String(), "ref_num", refNum)
	return t, q, nil
}

// CheckPaymentStatus looks a transaction up by the processor correlation pair.
func (r *Router) CheckPaymentStatus(ctx context.Context, refNum, paymentID string) (repo.TransactionInfo, error) {
	info, err := r.Store.FindByCorrelation(ctx, refNum, paymentID)
	if errors.Is(err, repo.ErrNotFound) {
		return info, coded(CodeTransactionNotFound, "transaction not found", nil)
	}
	if err != nil {
		return info, coded(CodeInternal, "transaction lookup failed", err)
	}
	return info, nil
}

// CheckTransactionStatus returns a transaction by id, refusing requests from
// a POS the transaction does not belong to.
func (r *Router) CheckTransactionStatus(ctx context.Context, transactionID, posID string) (domain.Transaction, error) {
	t, err := r.Store.GetTransaction(ctx, transactionID)
	if errors.Is(err, repo.ErrNotFound) {
		return t, coded(CodeTransactionNotFound, "transaction not found", nil)
	}
	if err != nil {
		return t, coded(CodeInternal, "transaction lookup failed", err)
	}
	if t.PosID != posID {
		return domain.Transaction{}, coded(CodePosMismatch, "transaction belongs to a different pos", nil)
	}
	return t, nil
}

// StopPolling cancels the status poller for a transaction.
func (r *Router) StopPolling(transactionID string) bool {
	return r.Jobs.Stop(scheduler.KindPoll, transactionID)
}

// CheckPollingStatus reports whether a transaction is still being polled.
func (r *Router) CheckPollingStatus(transactionID string) bool {
	return r.Jobs.Active(scheduler.KindPoll, transactionID)
}

// PollingStats snapshots the poller and republisher job sets.
func (r *Router) PollingStats() (poll, republish []scheduler.JobInfo) {
	return r.Jobs.Stats(scheduler.KindPoll), r.Jobs.Stats(scheduler.KindRepublish)
}

// FakeSuccess force-completes a transaction and announces the result as the
// processor would have. Test environments only.
func (r *Router) FakeSuccess(ctx context.Context, transactionID string) (domain.Transaction, error) {
	t, err := r.Store.GetTransaction(ctx, transactionID)
	if errors.Is(err, repo.ErrNotFound) {
		return t, coded(CodeTransactionNotFound, "transaction not found", nil)
	}
	if err != nil {
		return t, coded(CodeInternal, "transaction lookup failed", err)
	}

	nowStr := r.now().UTC().Format(time.RFC3339)
	approval := fmt.Sprintf("FAKE%06d", r.now().Unix()%1000000)
	if err := r.Store.SetProcessorResult(ctx, t.ID, approval, "fake-"+t.ID, "", nowStr); err != nil {
		return t, coded(CodeInternal, "settlement write failed", err)
	}

	if t.Status == domain.StatusPublished {
		if t, err = r.State.Transition(ctx, t, domain.StatusTerminalAck); err != nil {
			return t, coded(CodeInternal, "fake ack transition failed", err)
		}
	}
	if t, err = r.State.Transition(ctx, t, domain.StatusCompleted); err != nil {
		return t, coded(CodeInternal, "fake completion transition failed", err)
	}
	r.Jobs.Stop(scheduler.KindPoll, t.ID)
	r.Jobs.Stop(scheduler.KindRepublish, t.ID)

	refNum := ""
	if q, err := r.Store.QRByTransaction(ctx, t.ID); err == nil {
		refNum = q.RefNum
	}
	if err := r.Bus.Publish(ctx, t.TerminalSerialNo, bus.QRSuccess(t.TerminalSerialNo, approval, refNum)); err != nil {
		r.Logger.Error("fake success announce failed", "transaction_id", t.ID, "error", err)
	}
	r.Events.StatusChanged(ctx, t)
	t.ApprovalCode = approval
	return t, nil
}
