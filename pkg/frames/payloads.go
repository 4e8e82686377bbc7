package frames

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"
)

// RequestPayload is a job request. Created and signed once by the requester,
// it flows through the network unchanged; Id deduplicates broadcast history.
type RequestPayload struct {
	Id                uuid.UUID   `json:"id"`
	Topic             []byte      `json:"topic"`
	SenderCertificate Certificate `json:"sender_certificate"`
	Timestamp         time.Time   `json:"timestamp"`
	Signature         []byte      `json:"signature"`
}

func (p *RequestPayload) Sign(priv ed25519.PrivateKey) error {
	return signEmbedded(p, &p.Signature, priv)
}

// Verify checks the sender certificate and the payload signature under the
// certified key.
func (p *RequestPayload) Verify(ctx context.Context, dir AuthorityDirectory) bool {
	if !p.SenderCertificate.Verify(ctx, dir) {
		return false
	}
	pub, err := p.SenderCertificate.SubjectKey()
	if err != nil {
		return false
	}
	return verifyEmbedded(p, &p.Signature, pub)
}

// CancelRequestPayload revokes a previously broadcast request. Id matches the
// request payload being cancelled.
type CancelRequestPayload struct {
	Id                uuid.UUID   `json:"id"`
	SenderCertificate Certificate `json:"sender_certificate"`
	Timestamp         time.Time   `json:"timestamp"`
	Signature         []byte      `json:"signature"`
}

func (p *CancelRequestPayload) Sign(priv ed25519.PrivateKey) error {
	return signEmbedded(p, &p.Signature, priv)
}

func (p *CancelRequestPayload) Verify(ctx context.Context, dir AuthorityDirectory) bool {
	if !p.SenderCertificate.Verify(ctx, dir) {
		return false
	}
	pub, err := p.SenderCertificate.SubjectKey()
	if err != nil {
		return false
	}
	return verifyEmbedded(p, &p.Signature, pub)
}

// ReplyPayload is the provider's answer. ReplyMessage is symmetric-encrypted
// with a key held in escrow by the settlement authority until the reply
// invoice settles.
type ReplyPayload struct {
	ReplyId               uuid.UUID      `json:"reply_id"`
	SignedRequestPayload  RequestPayload `json:"signed_request_payload"`
	ReplierCertificate    Certificate    `json:"replier_certificate"`
	EncryptedReplyMessage []byte         `json:"encrypted_reply_message"`
	ReplyInvoice          string         `json:"reply_invoice"`
	Timestamp             time.Time      `json:"timestamp"`
	Signature             []byte         `json:"signature"`
}

func (p *ReplyPayload) Sign(priv ed25519.PrivateKey) error {
	return signEmbedded(p, &p.Signature, priv)
}

// Verify checks the replier certificate, the reply signature and the embedded
// request payload.
func (p *ReplyPayload) Verify(ctx context.Context, dir AuthorityDirectory) bool {
	if !p.ReplierCertificate.Verify(ctx, dir) {
		return false
	}
	pub, err := p.ReplierCertificate.SubjectKey()
	if err != nil {
		return false
	}
	if !verifyEmbedded(p, &p.Signature, pub) {
		return false
	}
	return p.SignedRequestPayload.Verify(ctx, dir)
}
