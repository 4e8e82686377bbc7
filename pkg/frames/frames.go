package frames

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
)

// BroadcastFrame carries a job request one hop further, together with the
// backward onion grown so far. ProofOfWork is computed once by the requester
// over the payload signature and travels unchanged; nodes configured with a
// minimum complexity drop frames whose proof is missing or too easy.
type BroadcastFrame struct {
	SignedRequestPayload RequestPayload      `json:"signed_request_payload"`
	BackwardOnion        Onion               `json:"backward_onion"`
	ProofOfWork          *crypto.ProofOfWork `json:"proof_of_work,omitempty"`
}

// CancelBroadcastFrame revokes a request along the same peers the broadcast
// reached.
type CancelBroadcastFrame struct {
	SignedCancelRequestPayload CancelRequestPayload `json:"signed_cancel_request_payload"`
}

// ReplyFrame travels backward along the onion. Each relay replaces
// NetworkInvoice with its own markup invoice; EncryptedReplyPayload and the
// settlement promise stay untouched.
type ReplyFrame struct {
	EncryptedReplyPayload   []byte            `json:"encrypted_reply_payload"`
	SignedSettlementPromise SettlementPromise `json:"signed_settlement_promise"`
	ForwardOnion            Onion             `json:"forward_onion"`
	NetworkInvoice          string            `json:"network_invoice"`
}

// DecryptAndVerify recovers the reply payload with the requester's private
// key. The payload was encrypted by the settlement authority with an
// ephemeral key, so no sender key is needed.
func (f *ReplyFrame) DecryptAndVerify(ctx context.Context, priv ed25519.PrivateKey, dir AuthorityDirectory) (*ReplyPayload, error) {
	var rp ReplyPayload
	if err := crypto.DecryptAsymmetric(f.EncryptedReplyPayload, &rp, priv, nil); err != nil {
		return nil, fmt.Errorf("failed to decrypt reply payload: %w", err)
	}
	if !rp.Verify(ctx, dir) {
		return nil, fmt.Errorf("reply payload verification failed")
	}
	return &rp, nil
}

func (f *ReplyFrame) Clone() *ReplyFrame {
	return &ReplyFrame{
		EncryptedReplyPayload:   append([]byte{}, f.EncryptedReplyPayload...),
		SignedSettlementPromise: *f.SignedSettlementPromise.Clone(),
		ForwardOnion:            *f.ForwardOnion.Clone(),
		NetworkInvoice:          f.NetworkInvoice,
	}
}
