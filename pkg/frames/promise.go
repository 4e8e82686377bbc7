package frames

import (
	"bytes"
	"context"
	"crypto/ed25519"

	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
)

// SettlementPromise is the settlement authority's signed commitment binding a
// network payment hash to the SHA-256 of one specific encrypted reply. Relays
// re-wrap the network invoice around it but can never alter the commitment
// without breaking the signature.
type SettlementPromise struct {
	SettlerCertificate   Certificate `json:"settler_certificate"`
	NetworkPaymentHash   string      `json:"network_payment_hash"`
	HashOfEncryptedReply []byte      `json:"hash_of_encrypted_reply"`
	ReplyPaymentAmount   int64       `json:"reply_payment_amount"`
	Signature            []byte      `json:"signature"`
}

func (s *SettlementPromise) Sign(priv ed25519.PrivateKey) error {
	return signEmbedded(s, &s.Signature, priv)
}

// Verify checks the settler certificate and the promise signature under the
// certified key.
func (s *SettlementPromise) Verify(ctx context.Context, dir AuthorityDirectory) bool {
	if !s.SettlerCertificate.Verify(ctx, dir) {
		return false
	}
	pub, err := s.SettlerCertificate.SubjectKey()
	if err != nil {
		return false
	}
	return verifyEmbedded(s, &s.Signature, pub)
}

// VerifyAll additionally checks the hash commitment against the exact
// encrypted reply bytes. This is the anti-fraud check: a relay substituting a
// different reply under the same promise fails here.
func (s *SettlementPromise) VerifyAll(ctx context.Context, encryptedReply []byte, dir AuthorityDirectory) bool {
	if !s.Verify(ctx, dir) {
		return false
	}
	return bytes.Equal(crypto.Sha256(encryptedReply), s.HashOfEncryptedReply)
}

func (s *SettlementPromise) Clone() *SettlementPromise {
	return &SettlementPromise{
		SettlerCertificate:   s.SettlerCertificate,
		NetworkPaymentHash:   s.NetworkPaymentHash,
		HashOfEncryptedReply: append([]byte{}, s.HashOfEncryptedReply...),
		ReplyPaymentAmount:   s.ReplyPaymentAmount,
		Signature:            append([]byte{}, s.Signature...),
	}
}
