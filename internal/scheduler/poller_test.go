package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"termgate/internal/bus"
	"termgate/internal/db"
	"termgate/internal/domain"
	"termgate/internal/events"
	"termgate/internal/migrate"
	"termgate/internal/processor"
	"termgate/internal/repo"
	"termgate/internal/scheduler"
	"termgate/internal/state"
)

type published struct {
	Topic   string
	Payload any
}

// fakeBus records publishes; subscriptions are not exercised here.
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

func (f *fakeBus) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

type fakeChecker struct {
	result processor.StatusResult
	err    error
	calls  int
}

func (f *fakeChecker) FetchAuth(ctx context.Context, serial string) (string, error) {
	return "token", nil
}

func (f *fakeChecker) CheckStatus(ctx context.Context, token string, req processor.StatusRequest) (processor.StatusResult, error) {
	f.calls++
	return f.result, f.err
}

type pollEnv struct {
	Store repo.Store
	Bus   *fakeBus
	Check *fakeChecker
	P     *scheduler.Poller
	Ctx   context.Context
}

func newPollEnv(t *testing.T) pollEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := repo.Store{DB: conn}
	machine := state.New(store)
	machine.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC) }
	fb := &fakeBus{}
	fc := &fakeChecker{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := &scheduler.Poller{
		Store:  store,
		State:  machine,
		Bus:    fb,
		Events: events.NewWriter(nil, "", logger),
		Proc:   fc,
		Logger: logger,
	}
	return pollEnv{Store: store, Bus: fb, Check: fc, P: p, Ctx: context.Background()}
}

func (e pollEnv) seed(t *testing.T, status domain.Status) domain.Transaction {
	t.Helper()
	tx := domain.Transaction{
		ID: "tx-1", ReferenceID: "ref-1", PosID: "pos-1",
		Amount: decimal.NewFromInt(150), AlphaCode: "PHP",
		MerchantID: "m-1", TerminalID: "t-1", TerminalSerialNo: "SER001",
		PaymentType: domain.PaymentQRPH, Status: status, PaymentID: "",
		CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	}
	if err := e.Store.CreateTransaction(e.Ctx, tx); err != nil {
		t.Fatalf("seed tx: %v", err)
	}
	q := domain.QRTransaction{
		ID: "qr-1", TransactionID: tx.ID, QRString: "00020101:qr",
		RefNum: "260101000001", TraceNo: 1, BatchNo: 1,
		Amount: tx.Amount, CreatedAt: tx.CreatedAt,
	}
	if err := e.Store.CreateQRTransaction(e.Ctx, q); err != nil {
		t.Fatalf("seed qr: %v", err)
	}
	if err := e.Store.SetPaymentID(e.Ctx, tx.ID, "pay-1", tx.CreatedAt); err != nil {
		t.Fatalf("seed payment id: %v", err)
	}
	return tx
}

func pollOnce(e pollEnv) scheduler.Verdict {
	return e.P.Spec(time.Second, time.Minute, "tx-1").Action(e.Ctx, 0)
}

func TestPollerCompletesAcknowledgedPayment(t *testing.T) {
	e := newPollEnv(t)
	e.seed(t, domain.StatusTerminalAck)
	e.Check.result = processor.StatusResult{
		PaymentStatus:              processor.PaymentSuccess,
		ApprovalCode:               "APP001",
		TransactionReferenceNumber: "PROC-9",
		Pan:                        "512345******1234",
	}

	if v := pollOnce(e); v != scheduler.Done {
		t.Fatalf("expected Done, got %v", v)
	}
	got, err := e.Store.GetTransaction(e.Ctx, "tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.ApprovalCode != "APP001" || got.ProcessorRefNo != "PROC-9" {
		t.Fatalf("settlement not applied: %+v", got)
	}

	msgs := e.Bus.published()
	if len(msgs) != 1 || msgs[0].Topic != "SER001" {
		t.Fatalf("expected one announce on the serial topic, got %+v", msgs)
	}
	msg, ok := msgs[0].Payload.(bus.Message)
	if !ok || msg.Type != "qr-success" {
		t.Fatalf("expected qr-success, got %+v", msgs[0].Payload)
	}
}

func TestPollerDefersCompletionUntilDeviceAck(t *testing.T) {
	e := newPollEnv(t)
	e.seed(t, domain.StatusPublished)
	e.Check.result = processor.StatusResult{PaymentStatus: processor.PaymentSuccess, ApprovalCode: "APP001"}

	if v := pollOnce(e); v != scheduler.Continue {
		t.Fatalf("expected Continue while unacknowledged, got %v", v)
	}
	got, _ := e.Store.GetTransaction(e.Ctx, "tx-1")
	if got.Status != domain.StatusPublished {
		t.Fatalf("status must stay published, got %s", got.Status)
	}
	if got.ApprovalCode != "APP001" {
		t.Fatalf("settlement fields should already be recorded: %+v", got)
	}
}

func TestPollerFailsPaymentOnProcessorFailure(t *testing.T) {
	e := newPollEnv(t)
	e.seed(t, domain.StatusPublished)
	e.Check.result = processor.StatusResult{PaymentStatus: processor.PaymentFailed}

	if v := pollOnce(e); v != scheduler.Done {
		t.Fatalf("expected Done, got %v", v)
	}
	got, _ := e.Store.GetTransaction(e.Ctx, "tx-1")
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestPollerContinuesWhilePending(t *testing.T) {
	e := newPollEnv(t)
	e.seed(t, domain.StatusPublished)
	e.Check.result = processor.StatusResult{PaymentStatus: processor.PaymentPending}

	if v := pollOnce(e); v != scheduler.Continue {
		t.Fatalf("expected Continue, got %v", v)
	}
}

func TestPollerStopsWhenTransactionGone(t *testing.T) {
	e := newPollEnv(t)
	if v := pollOnce(e); v != scheduler.Done {
		t.Fatalf("expected Done for a missing transaction, got %v", v)
	}
	if e.Check.calls != 0 {
		t.Fatal("processor must not be called for a missing transaction")
	}
}

func TestPollerStopsOnTerminalStatus(t *testing.T) {
	e := newPollEnv(t)
	e.seed(t, domain.StatusCompleted)
	if v := pollOnce(e); v != scheduler.Done {
		t.Fatalf("expected Done for a settled transaction, got %v", v)
	}
	if e.Check.calls != 0 {
		t.Fatal("processor must not be called for a settled transaction")
	}
}

func TestPollerRetriesOnUpstreamError(t *testing.T) {
	e := newPollEnv(t)
	e.seed(t, domain.StatusPublished)
	e.Check.err = &processor.APIError{Code: 5003, Message: "upstream down"}

	if v := pollOnce(e); v != scheduler.Failed {
		t.Fatalf("expected Failed (reschedule), got %v", v)
	}
	got, _ := e.Store.GetTransaction(e.Ctx, "tx-1")
	if got.Status != domain.StatusPublished {
		t.Fatalf("errors must not mutate the transaction, got %s", got.Status)
	}
}
