package domain

import "github.com/shopspring/decimal"

// Status of a transaction. Transitions are validated by the state package;
// nothing else writes this field.
type Status string

const (
	StatusCreated     Status = "created"
	StatusPublished   Status = "published"
	StatusTerminalAck Status = "terminal_ack"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusFailed      Status = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

type PaymentType string

const (
	PaymentQRPH PaymentType = "QRPH"
	PaymentCard PaymentType = "CARD"
)

type Transaction struct {
	ID               string          `json:"id"`
	ReferenceID      string          `json:"reference_id"`
	PosID            string          `json:"pos_id"`
	Amount           decimal.Decimal `json:"amount"`
	AlphaCode        string          `json:"alpha_code"`
	MerchantID       string          `json:"merchant_id"`
	TerminalID       string          `json:"terminal_id"`
	TerminalSerialNo string          `json:"terminal_serial_no"`
	PaymentType      PaymentType     `json:"payment_type" enum:"QRPH,CARD"`
	Status           Status          `json:"status" enum:"created,published,terminal_ack,completed,cancelled,failed"`
	ApprovalCode     string          `json:"approval_code,omitempty"`
	ProcessorRefNo   string          `json:"processor_reference_no,omitempty"`
	MaskedPan        string          `json:"masked_pan,omitempty"`
	PaymentID        string          `json:"payment_id,omitempty"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
	UpdatedAt        string          `json:"updated_at" format:"date-time"`
}

// QRTransaction holds the generated QR payload for a QRPH transaction.
// Created once; never mutated by the orchestration core.
type QRTransaction struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	QRString      string          `json:"qr_string"`
	RefNum        string          `json:"ref_num"`
	TraceNo       int64           `json:"trace_no"`
	BatchNo       int64           `json:"batch_no"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
}

type CardTransaction struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	RefNum        string          `json:"ref_num"`
	TraceNo       int64           `json:"trace_no"`
	BatchNo       int64           `json:"batch_no"`
	MerchantID    string          `json:"merchant_id"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
}

// Device binds a POS identifier to the payment terminal it drives.
type Device struct {
	PosID            string `json:"pos_id"`
	TerminalSerialNo string `json:"payment_terminal_serial_no"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// SchemeLimits is the per-scheme slice of a terminal's capabilities.
type SchemeLimits struct {
	Enabled       bool            `json:"enabled"`
	MinimumAmount decimal.Decimal `json:"minimum_amount"`
	MaximumAmount decimal.Decimal `json:"maximum_amount"`
}

// TerminalConfig is the keyed, versioned configuration for one terminal
// serial. It lives in the terminal store; the orchestration core fetches a
// fresh snapshot per payment request and never caches it across requests.
// Stan is mutated only through the store's atomic increment.
type TerminalConfig struct {
	RevisionID string       `json:"revision_id"`
	Stan       int64        `json:"stan"`
	BatchNo    int64        `json:"batch_no"`
	MerchantID string       `json:"merchant_id"`
	TerminalID string       `json:"terminal_id"`
	AlphaCode  string       `json:"alpha_code"`
	QRPH       SchemeLimits `json:"qrph"`
	Card       SchemeLimits `json:"card"`
}
