// Package server exposes the gateway's POS-facing HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"termgate/internal/domain"
	"termgate/internal/repo"
	"termgate/internal/router"
	"termgate/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Router   *router.Router
	BasePath string
}

// envelope is the fixed response shape: every reply, success or failure,
// carries success, message and code.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Data    T      `json:"data,omitempty"`
}

type output[T any] struct {
	Body envelope[T]
}

func ok[T any](msg string, data T) *output[T] {
	return &output[T]{Body: envelope[T]{Success: true, Message: msg, Code: 2000, Data: data}}
}

// apiError models the error envelope. Huma serializes the error value
// itself, so the envelope fields live flat on the struct.
type apiError struct {
	status  int
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    int    `json:"code"`
	Detail  string `json:"error,omitempty"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status, code int, message, detail string) huma.StatusError {
	return &apiError{status: status, Success: false, Message: message, Code: code, Detail: detail}
}

// New returns an HTTP handler exposing the gateway API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the gateway envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, codeForStatus(status), msg, "")
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		return newAPIError(status, codeForStatus(status), msg, "")
	}

	mux := chi.NewRouter()
	hcfg := huma.DefaultConfig("Termgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(mux, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPayments(group, cfg.Router)
	registerTransactions(group, cfg.Router)
	registerPolling(group, cfg.Router)

	return mux, nil
}

// handleError maps router errors onto HTTP statuses, keeping the gateway
// code in the envelope.
func handleError(err error) huma.StatusError {
	var re *router.Error
	if errors.As(err, &re) {
		return newAPIError(statusForCode(re.Code), re.Code, re.Message, detail(re))
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, router.CodeTransactionNotFound, "not found", "")
	}
	return newAPIError(http.StatusInternalServerError, router.CodeInternal, "internal error", err.Error())
}

func detail(re *router.Error) string {
	if cause := re.Unwrap(); cause != nil {
		return cause.Error()
	}
	return ""
}

func statusForCode(code int) int {
	switch code {
	case router.CodeTransactionNotFound:
		return http.StatusNotFound
	case router.CodePosMismatch:
		return http.StatusForbidden
	case router.CodeUnknownDevice, router.CodeSchemeDisabled,
		router.CodeAboveMaximum, router.CodeBelowMinimum:
		return http.StatusUnprocessableEntity
	case router.CodeUpstreamAuth, router.CodeUpstreamSubmit:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func codeForStatus(status int) int {
	switch {
	case status == http.StatusNotFound:
		return router.CodeTransactionNotFound
	case status >= 400 && status < 500:
		return 4000
	default:
		return router.CodeInternal
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return ok("ok", map[string]string{"status": "ok"}), nil
	})
}

type paymentRequest struct {
	Body struct {
		PosID       string `json:"pos_id" required:"true"`
		ReferenceID string `json:"reference_id" required:"true"`
		Amount      string `json:"amount" required:"true" example:"150.00"`
		PaymentType string `json:"payment_type" enum:"QRPH,CARD"`
	}
}

type paymentData struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	RefNum        string `json:"ref_num"`
	QRString      string `json:"qr_string,omitempty"`
}

func registerPayments(api huma.API, rt *router.Router) {
	huma.Register(api, huma.Operation{
		OperationID: "process-payment",
		Method:      http.MethodPost,
		Path:        "/payments",
		Summary:     "Process a payment",
	}, func(ctx context.Context, input *paymentRequest) (*output[paymentData], error) {
		amount, err := decimal.NewFromString(input.Body.Amount)
		if err != nil || !amount.IsPositive() {
			return nil, newAPIError(http.StatusBadRequest, 4000, "amount must be a positive decimal", "")
		}
		pt := domain.PaymentType(input.Body.PaymentType)
		if pt == "" {
			pt = domain.PaymentQRPH
		}
		res, err := rt.ProcessPayment(ctx, router.ProcessPaymentRequest{
			PosID:       input.Body.PosID,
			ReferenceID: input.Body.ReferenceID,
			Amount:      amount,
			PaymentType: pt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok("payment accepted", paymentData{
			TransactionID: res.Transaction.ID,
			Status:        string(res.Transaction.Status),
			RefNum:        res.RefNum,
			QRString:      res.QRString,
		}), nil
	})

	type statusRequest struct {
		Body struct {
			RefNum    string `json:"ref_num" required:"true"`
			PaymentID string `json:"payment_id" required:"true"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "check-payment-status",
		Method:      http.MethodPost,
		Path:        "/payments/status",
		Summary:     "Check a payment by processor correlation",
	}, func(ctx context.Context, input *statusRequest) (*output[repo.TransactionInfo], error) {
		info, err := rt.CheckPaymentStatus(ctx, input.Body.RefNum, input.Body.PaymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok("transaction found", info), nil
	})

	type fakeRequest struct {
		Body struct {
			TransactionID string `json:"transaction_id" required:"true"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "fake-success-payment",
		Method:      http.MethodPost,
		Path:        "/payments/fake-success",
		Summary:     "Force-complete a payment (test environments)",
	}, func(ctx context.Context, input *fakeRequest) (*output[domain.Transaction], error) {
		t, err := rt.FakeSuccess(ctx, input.Body.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok("payment completed", t), nil
	})
}

func registerTransactions(api huma.API, rt *router.Router) {
	type txStatusRequest struct {
		Body struct {
			TransactionID string `json:"transaction_id" required:"true"`
			PosID         string `json:"pos_id" required:"true"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "check-transaction-status",
		Method:      http.MethodPost,
		Path:        "/transactions/status",
		Summary:     "Check a transaction by id",
	}, func(ctx context.Context, input *txStatusRequest) (*output[domain.Transaction], error) {
		t, err := rt.CheckTransactionStatus(ctx, input.Body.TransactionID, input.Body.PosID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok("transaction found", t), nil
	})
}

type pollingStats struct {
	Poll      []scheduler.JobInfo `json:"poll"`
	Republish []scheduler.JobInfo `json:"republish"`
}

func registerPolling(api huma.API, rt *router.Router) {
	type txRequest struct {
		Body struct {
			TransactionID string `json:"transaction_id" required:"true"`
		}
	}

	huma.Register(api, huma.Operation{
		OperationID: "stop-polling",
		Method:      http.MethodPost,
		Path:        "/polling/stop",
		Summary:     "Stop polling a transaction",
	}, func(ctx context.Context, input *txRequest) (*output[map[string]bool], error) {
		stopped := rt.StopPolling(input.Body.TransactionID)
		return ok("polling stop requested", map[string]bool{"stopped": stopped}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-polling-status",
		Method:      http.MethodPost,
		Path:        "/polling/status",
		Summary:     "Check whether a transaction is being polled",
	}, func(ctx context.Context, input *txRequest) (*output[map[string]bool], error) {
		active := rt.CheckPollingStatus(input.Body.TransactionID)
		return ok("polling status", map[string]bool{"active": active}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "polling-stats",
		Method:      http.MethodGet,
		Path:        "/polling/stats",
		Summary:     "Snapshot the active polling and republishing jobs",
	}, func(ctx context.Context, _ *struct{}) (*output[pollingStats], error) {
		poll, republish := rt.PollingStats()
		return ok("job stats", pollingStats{Poll: poll, Republish: republish}), nil
	})
}
