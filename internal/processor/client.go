// Package processor is the HTTP client for the upstream payment processor:
// terminal authentication, QR generation, payment status checks, working
// keys and keep-alive.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// APIError is a structured error returned by the processor. Callers that poll
// treat it as retryable; everything else surfaces it to the device.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("processor error %d: %s", e.Code, e.Message)
}

type Options struct {
	BaseURL    string
	BrandName  string
	TradeName  string
	AppVersion string
	Timeout    time.Duration
	Tokens     *TokenCache
	Logger     *slog.Logger
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenCache
	brand   string
	trade   string
	version string
	logger  *slog.Logger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: opts.BaseURL,
		http:    &http.Client{Timeout: timeout},
		tokens:  opts.Tokens,
		brand:   opts.BrandName,
		trade:   opts.TradeName,
		version: opts.AppVersion,
		logger:  opts.Logger,
	}
}

type authRequest struct {
	SerialNum  string `json:"serialNum"`
	BrandName  string `json:"brandName"`
	TradeName  string `json:"tradeName"`
	AppVersion string `json:"appVersion"`
}

type authResponse struct {
	Token string `json:"token"`
}

// FetchAuth returns a valid bearer token for the terminal, from the cache
// when present, otherwise by authenticating against the processor. Brand and
// trade names travel as bcrypt digests; the processor compares, never reads.
func (c *Client) FetchAuth(ctx context.Context, serial string) (string, error) {
	if c.tokens != nil {
		token, err := c.tokens.Get(ctx, serial)
		if err != nil {
			c.logger.Warn("token cache read failed", "serial", serial, "error", err)
		} else if token != "" {
			return token, nil
		}
	}

	brand, err := bcrypt.GenerateFromPassword([]byte(c.brand), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash brand name: %w", err)
	}
	trade, err := bcrypt.GenerateFromPassword([]byte(c.trade), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash trade name: %w", err)
	}

	var res authResponse
	req := authRequest{SerialNum: serial, BrandName: string(brand), TradeName: string(trade), AppVersion: c.version}
	if err := c.do(ctx, "", "/terminal/auth", req, &res); err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", &APIError{Code: 5003, Message: "processor returned empty token"}
	}
	if c.tokens != nil {
		if err := c.tokens.Put(ctx, serial, res.Token); err != nil {
			c.logger.Warn("token cache write failed", "serial", serial, "error", err)
		}
	}
	return res.Token, nil
}

type QRRequest struct {
	Amount     string `json:"amount"`
	RefNum     string `json:"referenceNumber"`
	Stan       int64  `json:"stan"`
	BatchNo    int64  `json:"batchNo"`
	MerchantID string `json:"merchantId"`
	TerminalID string `json:"terminalId"`
	SerialNum  string `json:"serialNum"`
	AlphaCode  string `json:"alphaCode"`
}

type QRResult struct {
	QRCodeBody string `json:"qrCodeBody"`
	PaymentID  string `json:"paymentId"`
}

// SubmitQR asks the processor to generate a QRPH code for the payment.
func (c *Client) SubmitQR(ctx context.Context, token string, req QRRequest) (QRResult, error) {
	var res QRResult
	err := c.do(ctx, token, "/payment/qrph/generate", req, &res)
	return res, err
}

type StatusRequest struct {
	RefNum    string `json:"referenceNumber"`
	PaymentID string `json:"paymentId"`
	SerialNum string `json:"serialNum"`
}

// Processor-side payment statuses.
const (
	PaymentSuccess = "PAYMENT_SUCCESS"
	PaymentFailed  = "PAYMENT_FAILED"
	PaymentPending = "PAYMENT_PENDING"
)

type StatusResult struct {
	PaymentStatus              string `json:"paymentStatus"`
	ApprovalCode               string `json:"approvalCode"`
	TransactionReferenceNumber string `json:"transactionReferenceNumber"`
	Pan                        string `json:"pan"`
}

// CheckStatus fetches the processor's view of a payment.
func (c *Client) CheckStatus(ctx context.Context, token string, req StatusRequest) (StatusResult, error) {
	var res StatusResult
	err := c.do(ctx, token, "/payment/qrph/status", req, &res)
	return res, err
}

type keysRequest struct {
	TerminalID string `json:"terminalId"`
}

// GetKeys fetches the working key material for a terminal. The payload is
// relayed to the device untouched.
func (c *Client) GetKeys(ctx context.Context, token, terminalID string) (json.RawMessage, error) {
	var res json.RawMessage
	err := c.do(ctx, token, "/terminal/keys", keysRequest{TerminalID: terminalID}, &res)
	return res, err
}

type keepAliveRequest struct {
	SerialNum string `json:"serialNum"`
}

// KeepAlive tells the processor the terminal session is still live.
func (c *Client) KeepAlive(ctx context.Context, token, serial string) error {
	return c.do(ctx, token, "/terminal/keepalive", keepAliveRequest{SerialNum: serial}, nil)
}

type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, token, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("processor %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("processor %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("processor %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("processor %s: read response: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("processor %s: status %d: malformed response: %w", path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		code := env.Code
		if code == 0 {
			code = 5003
		}
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", resp.StatusCode)
		}
		return &APIError{Code: code, Message: msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("processor %s: decode data: %w", path, err)
	}
	return nil
}
