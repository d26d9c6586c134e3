package router_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"termgate/internal/bus"
	"termgate/internal/db"
	"termgate/internal/domain"
	"termgate/internal/events"
	"termgate/internal/migrate"
	"termgate/internal/processor"
	"termgate/internal/repo"
	"termgate/internal/router"
	"termgate/internal/scheduler"
	"termgate/internal/state"
	"termgate/internal/terminal"
)

type published struct {
	Topic   string
	Payload any
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakeBus) Publish(ctx context.Context, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{Topic: topic, Payload: payload})
	return nil
}

func (f *fakeBus) Subscribe(ctx context.Context, topic string, h bus.Handler) error { return nil }
func (f *fakeBus) Close() error                                                     { return nil }

func (f *fakeBus) byType(msgType string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.msgs {
		if msg, ok := m.Payload.(bus.Message); ok && msg.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

type stubProcessor struct {
	mu         sync.Mutex
	authErr    error
	submitErr  error
	submitted  []processor.QRRequest
	keepAlives int
}

func (s *stubProcessor) FetchAuth(ctx context.Context, serial string) (string, error) {
	return "tok-" + serial, s.authErr
}

func (s *stubProcessor) SubmitQR(ctx context.Context, token string, req processor.QRRequest) (processor.QRResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return processor.QRResult{}, s.submitErr
	}
	s.submitted = append(s.submitted, req)
	return processor.QRResult{QRCodeBody: "00020101:qr", PaymentID: "pay-1"}, nil
}

func (s *stubProcessor) CheckStatus(ctx context.Context, token string, req processor.StatusRequest) (processor.StatusResult, error) {
	return processor.StatusResult{PaymentStatus: processor.PaymentPending}, nil
}

func (s *stubProcessor) GetKeys(ctx context.Context, token, terminalID string) (json.RawMessage, error) {
	return json.RawMessage(`{"pinKey":"abc"}`), nil
}

func (s *stubProcessor) KeepAlive(ctx context.Context, token, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAlives++
	return nil
}

type testEnv struct {
	Router *router.Router
	Store  repo.Store
	Bus    *fakeBus
	Proc   *stubProcessor
	Jobs   *scheduler.Engine
	Term   *terminal.Store
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repo.Store{DB: conn}
	machine := state.New(store)
	fb := &fakeBus{}
	proc := &stubProcessor{}
	terminals := terminal.NewStore(rdb)
	engine := scheduler.New(logger,
		scheduler.WithCap(scheduler.KindPoll, 1000),
		scheduler.WithCap(scheduler.KindRepublish, 500),
	)
	t.Cleanup(func() { engine.StopAll() })
	ev := events.NewWriter(nil, "", logger)

	rt := &router.Router{
		Store:       store,
		State:       machine,
		Terminals:   terminals,
		Bus:         fb,
		Proc:        proc,
		Events:      ev,
		Jobs:        engine,
		Poller:      &scheduler.Poller{Store: store, State: machine, Bus: fb, Events: ev, Proc: proc, Logger: logger},
		Republisher: &scheduler.Republisher{Store: store, Bus: fb, Logger: logger},
		Cfg: router.JobConfig{
			PollInterval:      time.Hour,
			PollTimeout:       2 * time.Hour,
			RepublishInterval: time.Hour,
			RepublishFloor:    time.Hour,
			RepublishTimeout:  2 * time.Hour,
			KeepAliveInterval: time.Hour,
		},
		Logger: logger,
	}

	ctx := context.Background()
	env := testEnv{Router: rt, Store: store, Bus: fb, Proc: proc, Jobs: engine, Term: terminals, Ctx: ctx}
	env.provision(t)
	return env
}

func (e testEnv) provision(t *testing.T) {
	t.Helper()
	if err := e.Store.UpsertDevice(e.Ctx, domain.Device{
		PosID: "pos-1", TerminalSerialNo: "SER001", CreatedAt: "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("bind device: %v", err)
	}
	cfg := domain.TerminalConfig{
		RevisionID: "rev-1", Stan: 0, BatchNo: 1,
		MerchantID: "m-1", TerminalID: "t-1", AlphaCode: "PHP",
		QRPH: domain.SchemeLimits{
			Enabled:       true,
			MinimumAmount: decimal.NewFromInt(50),
			MaximumAmount: decimal.NewFromInt(1000),
		},
		Card: domain.SchemeLimits{Enabled: false},
	}
	if err := e.Term.SaveConfig(e.Ctx, "SER001", cfg); err != nil {
		t.Fatalf("provision terminal: %v", err)
	}
}

func payment(amount int64) router.ProcessPaymentRequest {
	return router.ProcessPaymentRequest{
		PosID:       "pos-1",
		ReferenceID: "order-1",
		Amount:      decimal.NewFromInt(amount),
		PaymentType: domain.PaymentQRPH,
	}
}

func errCode(t *testing.T, err error) int {
	t.Helper()
	var re *router.Error
	if !errors.As(err, &re) {
		t.Fatalf("expected router.Error, got %v", err)
	}
	return re.Code
}

func TestProcessPaymentHappyPath(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.Router.ProcessPayment(env.Ctx, payment(100))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	tx := res.Transaction
	if tx.Status != domain.StatusPublished {
		t.Fatalf("expected published, got %s", tx.Status)
	}
	if res.QRString != "00020101:qr" {
		t.Fatalf("qr string not returned: %+v", res)
	}

	stored, err := env.Store.GetTransaction(env.Ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PaymentID != "pay-1" || stored.TerminalSerialNo != "SER001" {
		t.Fatalf("unexpected stored transaction: %+v", stored)
	}

	// The stan increment flows into the processor request and the QR record.
	if len(env.Proc.submitted) != 1 || env.Proc.submitted[0].Stan != 1 {
		t.Fatalf("unexpected submit: %+v", env.Proc.submitted)
	}
	q, err := env.Store.QRByTransaction(env.Ctx, tx.ID)
	if err != nil || q.TraceNo != 1 {
		t.Fatalf("qr record: %+v err %v", q, err)
	}

	if got := env.Bus.byType("qr-pending"); len(got) != 1 || got[0].Topic != "SER001" {
		t.Fatalf("expected one pending announce on the serial topic, got %+v", got)
	}
	if !env.Jobs.Active(scheduler.KindPoll, tx.ID) {
		t.Fatal("status poller must be running")
	}
	if !env.Jobs.Active(scheduler.KindRepublish, tx.ID) {
		t.Fatal("republisher must be running")
	}
}

func TestProcessPaymentBoundsChecks(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Router.ProcessPayment(env.Ctx, payment(10))
	if code := errCode(t, err); code != router.CodeBelowMinimum {
		t.Fatalf("amount 10 should fail below-minimum, got code %d", code)
	}
	_, err = env.Router.ProcessPayment(env.Ctx, payment(5000))
	if code := errCode(t, err); code != router.CodeAboveMaximum {
		t.Fatalf("amount 5000 should fail above-maximum, got code %d", code)
	}
	req := payment(100)
	req.PaymentType = domain.PaymentCard
	_, err = env.Router.ProcessPayment(env.Ctx, req)
	if code := errCode(t, err); code != router.CodeSchemeDisabled {
		t.Fatalf("disabled card scheme should fail, got code %d", code)
	}

	// Rejections must leave no side effects: no stan burn, no rows, no jobs.
	cfg, err := env.Term.Config(env.Ctx, "SER001")
	if err != nil || cfg.Stan != 0 {
		t.Fatalf("stan must be untouched after rejections: %d err %v", cfg.Stan, err)
	}
	if stats := env.Jobs.Stats(scheduler.KindPoll); len(stats) != 0 {
		t.Fatalf("no jobs expected, got %d", len(stats))
	}
}

func TestProcessPaymentUnknownDevice(t *testing.T) {
	env := newTestEnv(t)
	req := payment(100)
	req.PosID = "pos-404"
	_, err := env.Router.ProcessPayment(env.Ctx, req)
	if code := errCode(t, err); code != router.CodeUnknownDevice {
		t.Fatalf("expected unknown-device code, got %d", code)
	}
}

func TestProcessPaymentSubmitFailureKeepsTransactionCreated(t *testing.T) {
	env := newTestEnv(t)
	env.Proc.submitErr = &processor.APIError{Code: 5004, Message: "declined"}

	_, err := env.Router.ProcessPayment(env.Ctx, payment(100))
	if code := errCode(t, err); code != router.CodeUpstreamSubmit {
		t.Fatalf("expected upstream-submit code, got %d", code)
	}

	// The stan was burned and the transaction row exists, but it never
	// published and no jobs run.
	cfg, _ := env.Term.Config(env.Ctx, "SER001")
	if cfg.Stan != 1 {
		t.Fatalf("stan should have been consumed, got %d", cfg.Stan)
	}
	if stats := env.Jobs.Stats(scheduler.KindPoll); len(stats) != 0 {
		t.Fatal("no poller after a failed submit")
	}
	if got := env.Bus.byType("qr-pending"); len(got) != 0 {
		t.Fatal("no announce after a failed submit")
	}
}

func TestCheckTransactionStatusEnforcesPosBinding(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Router.ProcessPayment(env.Ctx, payment(100))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	got, err := env.Router.CheckTransactionStatus(env.Ctx, res.Transaction.ID, "pos-1")
	if err != nil || got.ID != res.Transaction.ID {
		t.Fatalf("owner lookup failed: %v", err)
	}
	_, err = env.Router.CheckTransactionStatus(env.Ctx, res.Transaction.ID, "pos-2")
	if code := errCode(t, err); code != router.CodePosMismatch {
		t.Fatalf("expected pos-mismatch, got %d", code)
	}
	_, err = env.Router.CheckTransactionStatus(env.Ctx, "tx-404", "pos-1")
	if code := errCode(t, err); code != router.CodeTransactionNotFound {
		t.Fatalf("expected not-found, got %d", code)
	}
}

func TestCheckPaymentStatusByCorrelation(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Router.ProcessPayment(env.Ctx, payment(100))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	info, err := env.Router.CheckPaymentStatus(env.Ctx, res.RefNum, "pay-1")
	if err != nil || info.ID != res.Transaction.ID {
		t.Fatalf("correlation lookup failed: %+v %v", info, err)
	}
	_, err = env.Router.CheckPaymentStatus(env.Ctx, res.RefNum, "pay-wrong")
	if code := errCode(t, err); code != router.CodeTransactionNotFound {
		t.Fatalf("expected not-found, got %d", code)
	}
}
