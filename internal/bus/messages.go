package bus

import (
	"encoding/json"
	"fmt"
)

// Inbound topics devices publish on.
const (
	TopicAuth        = "QPRO_AUTH"
	TopicConfigFetch = "TERMINAL_CONFIG_FETCH"
	TopicWorkingKeys = "WORKING_KEYS"
	TopicReversal    = "PAYMENT_REVERSAL"
	TopicAcknowledge = "ACKNOWLEDGE_QR"
	TopicCancel      = "CANCEL_TRANSACTION"
	TopicSale        = "QPRO_SALE"
)

// Outbound fixed topics. Most outbound traffic goes to the per-serial topic.
const (
	TopicError       = "RES_ERROR"
	TopicKeyResponse = "WKEY_RESPONSE"
	TopicReversalRes = "PAYMENT_REVERSAL_RES"
	TopicCardPending = "CARD_PENDING"
)

// InboundTopics lists every topic the router subscribes to.
var InboundTopics = []string{
	TopicAuth, TopicConfigFetch, TopicWorkingKeys, TopicReversal,
	TopicAcknowledge, TopicCancel, TopicSale,
}

// Inbound is the tagged union of device message payloads. Decode validates at
// the channel boundary so handlers receive typed, already-checked values.
type Inbound interface{ inbound() }

type AuthRequest struct {
	Type      string `json:"type"`
	SerialNum string `json:"serialNum"`
	BrandName string `json:"brandName"`
	TradeName string `json:"tradeName"`
}

type ConfigFetch struct {
	SerialNum string `json:"serialNum"`
}

type WorkingKeys struct {
	AuthRes    string `json:"authRes"`
	TerminalID string `json:"terminalId"`
}

type Reversal struct {
	AuthRes    string `json:"authRes"`
	TerminalID string `json:"terminalId"`
}

type Acknowledge struct {
	TransactionID string `json:"transactionId"`
}

type Cancel struct {
	SerialNum string `json:"serialNum"`
}

type Sale struct {
	SerialNum   string `json:"serialNum"`
	TotalAmount string `json:"totalAmount"`
}

func (AuthRequest) inbound() {}
func (ConfigFetch) inbound() {}
func (WorkingKeys) inbound() {}
func (Reversal) inbound()    {}
func (Acknowledge) inbound() {}
func (Cancel) inbound()      {}
func (Sale) inbound()        {}

// Decode parses and validates an inbound payload for the given topic.
func Decode(topic string, data []byte) (Inbound, error) {
	switch topic {
	case TopicAuth:
		var m AuthRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.Type != "GET_AUTH" {
			return nil, fmt.Errorf("auth message: unexpected type %q", m.Type)
		}
		if m.SerialNum == "" {
			return nil, fmt.Errorf("auth message: serialNum is required")
		}
		return m, nil
	case TopicConfigFetch:
		var m ConfigFetch
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.SerialNum == "" {
			return nil, fmt.Errorf("config fetch: serialNum is required")
		}
		return m, nil
	case TopicWorkingKeys:
		var m WorkingKeys
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.TerminalID == "" {
			return nil, fmt.Errorf("working keys: terminalId is required")
		}
		return m, nil
	case TopicReversal:
		var m Reversal
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.TerminalID == "" {
			return nil, fmt.Errorf("reversal: terminalId is required")
		}
		return m, nil
	case TopicAcknowledge:
		var m Acknowledge
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.TransactionID == "" {
			return nil, fmt.Errorf("acknowledge: transactionId is required")
		}
		return m, nil
	case TopicCancel:
		var m Cancel
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.SerialNum == "" {
			return nil, fmt.Errorf("cancel: serialNum is required")
		}
		return m, nil
	case TopicSale:
		var m Sale
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		if m.SerialNum == "" || m.TotalAmount == "" {
			return nil, fmt.Errorf("sale: serialNum and totalAmount are required")
		}
		return m, nil
	}
	return nil, fmt.Errorf("no decoder for topic %s", topic)
}

// Message is the envelope published to devices.
type Message struct {
	Type   string `json:"type"`
	Serial string `json:"serial"`
	Data   any    `json:"data"`
}

type QRPendingData struct {
	TransactionID  string `json:"transactionId"`
	PaymentMethod  int    `json:"paymentMethod"`
	RefNum         string `json:"refnum"`
	Amount         string `json:"amount"`
	QRString       string `json:"qrph_string,omitempty"`
	RepublishCount int    `json:"republish_count,omitempty"`
}

func QRPending(serial string, data QRPendingData) Message {
	return Message{Type: "qr-pending", Serial: serial, Data: data}
}

func CardPending(serial string, data QRPendingData) Message {
	return Message{Type: "card-pending", Serial: serial, Data: data}
}

type QRSuccessData struct {
	ApprovalCode string `json:"approvalCode"`
	RefNum       string `json:"refnum"`
}

func QRSuccess(serial, approvalCode, refNum string) Message {
	return Message{Type: "qr-success", Serial: serial, Data: QRSuccessData{ApprovalCode: approvalCode, RefNum: refNum}}
}

func AuthResponse(token string) Message {
	return Message{Type: "auth-response", Data: map[string]string{"jwtToken": token}}
}

func ConfigUpdate(serial string, cfg any) Message {
	return Message{Type: "terminal-config-update", Serial: serial, Data: cfg}
}

func RevisionCheck(serial, revisionID string) Message {
	return Message{Type: "terminal-revision-check", Serial: serial, Data: map[string]string{
		"revisionId": revisionID,
		"serial":     serial,
	}}
}
