package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gigmesh/gig-gossip-network/pkg/frames"
)

var ErrAlreadyExists = errors.New("already exists")
var ErrNotFound = errors.New("not found")
var ErrStateRegression = errors.New("newer state is already known")

type InvoiceState uint8

const (
	InvoiceStateOpen InvoiceState = iota
	InvoiceStateAccepted
	InvoiceStateSettled
	InvoiceStateCancelled
)

func (s InvoiceState) String() string {
	switch s {
	case InvoiceStateOpen:
		return "open"
	case InvoiceStateAccepted:
		return "accepted"
	case InvoiceStateSettled:
		return "settled"
	case InvoiceStateCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s InvoiceState) IsTerminal() bool {
	return s == InvoiceStateSettled || s == InvoiceStateCancelled
}

// rank orders the state machine; both terminal states share a rank so a
// transition between them is a regression, not progress.
func (s InvoiceState) rank() int {
	if s.IsTerminal() {
		return 2
	}
	return int(s)
}

type PaymentStatus uint8

const (
	PaymentStatusInitiated PaymentStatus = iota
	PaymentStatusInFlight
	PaymentStatusSucceeded
	PaymentStatusFailed
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentStatusInitiated:
		return "initiated"
	case PaymentStatusInFlight:
		return "in-flight"
	case PaymentStatusSucceeded:
		return "succeeded"
	case PaymentStatusFailed:
		return "failed"
	}
	return "unknown"
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed
}

func (s PaymentStatus) rank() int {
	if s.IsTerminal() {
		return 2
	}
	return int(s)
}

type GigStatus uint8

const (
	GigStatusOpen GigStatus = iota
	GigStatusAccepted
	GigStatusCancelled
)

func (s GigStatus) String() string {
	switch s {
	case GigStatusOpen:
		return "open"
	case GigStatusAccepted:
		return "accepted"
	case GigStatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s GigStatus) IsTerminal() bool {
	return s == GigStatusAccepted || s == GigStatusCancelled
}

func (s GigStatus) rank() int {
	if s.IsTerminal() {
		return 1
	}
	return 0
}

// AcceptedBroadcast is the provider-side escrow row, created at most once per
// (settler uri, request id). Only Cancelled is ever mutated after creation.
type AcceptedBroadcast struct {
	RequesterKey          string                   `json:"requester_key"`
	SettlerUri            string                   `json:"settler_uri"`
	RequestId             uuid.UUID                `json:"request_id"`
	ReplyInvoiceHash      string                   `json:"reply_invoice_hash"`
	ReplyInvoice          string                   `json:"reply_invoice"`
	ReplyCertificateId    uuid.UUID                `json:"reply_certificate_id"`
	SettlementPromise     frames.SettlementPromise `json:"settlement_promise"`
	NetworkPaymentRequest string                   `json:"network_payment_request"`
	EncryptedReply        []byte                   `json:"encrypted_reply"`
	DecodedNetworkAmount  int64                    `json:"decoded_network_amount"`
	DecodedReplyAmount    int64                    `json:"decoded_reply_amount"`
	Cancelled             bool                     `json:"cancelled"`
	CreatedAt             time.Time                `json:"created_at"`
}

// RelayedResponse is the relay-side escrow row, created at most once per
// incoming network payment hash. A redelivered reply with the same incoming
// invoice resends MyPaymentRequest instead of minting a second escrow.
type RelayedResponse struct {
	IncomingPaymentHash string    `json:"incoming_payment_hash"`
	MyPaymentHash       string    `json:"my_payment_hash"`
	MyPaymentRequest    string    `json:"my_payment_request"`
	CreatedAt           time.Time `json:"created_at"`
}

// ReplyPayloadRow is a requester-side record of one received, verified reply.
type ReplyPayloadRow struct {
	RequestId             uuid.UUID `json:"request_id"`
	ReplyId               uuid.UUID `json:"reply_id"`
	ReplierKey            string    `json:"replier_key"`
	SettlerUri            string    `json:"settler_uri"`
	ReplyCertificateId    uuid.UUID `json:"reply_certificate_id"`
	Payload               []byte    `json:"payload"`
	NetworkPaymentRequest string    `json:"network_payment_request"`
	NetworkPaymentHash    string    `json:"network_payment_hash"`
	DecryptedMessage      []byte    `json:"decrypted_message,omitempty"`
	ReceivedAt            time.Time `json:"received_at"`
}

type MonitoredInvoice struct {
	Hash      string       `json:"hash"`
	State     InvoiceState `json:"state"`
	Data      []byte       `json:"data,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type MonitoredPayment struct {
	Hash      string        `json:"hash"`
	Status    PaymentStatus `json:"status"`
	Data      []byte        `json:"data,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

type MonitoredPreimage struct {
	SettlerUri string    `json:"settler_uri"`
	Hash       string    `json:"hash"`
	Preimage   string    `json:"preimage,omitempty"`
	Revealed   bool      `json:"revealed"`
	CreatedAt  time.Time `json:"created_at"`
}

type MonitoredGigStatus struct {
	SettlerUri         string    `json:"settler_uri"`
	RequestId          uuid.UUID `json:"request_id"`
	ReplyCertificateId uuid.UUID `json:"reply_certificate_id"`
	Status             GigStatus `json:"status"`
	SymmetricKey       string    `json:"symmetric_key,omitempty"`
	Data               []byte    `json:"data,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type Contact struct {
	PeerKey  string    `json:"peer_key"`
	LastSeen time.Time `json:"last_seen"`
}

type ProcessedMessage struct {
	Id        string    `json:"id"`
	Kind      int       `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

type Task struct {
	ID             string
	Type           string
	Queue          string
	Data           json.RawMessage
	LockedTill     *time.Time
	ExecuteAfter   time.Time
	ReExecuteAfter *time.Time
	ExecuteTill    *time.Time
	CreatedAt      time.Time
	CompletedAt    *time.Time
	LastError      string
}

type PayNetworkInvoiceTask struct {
	PaymentRequest string
	PaymentHash    string
	Amount         int64
}

type SettleInvoiceTask struct {
	PaymentHash string
	Preimage    string
}

type CancelInvoiceTask struct {
	PaymentHash string
}
