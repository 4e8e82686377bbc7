package frames

import (
	"crypto/ed25519"

	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
)

// Protocol objects carry a detachable signature over their serialized form
// with the signature field zeroed. signEmbedded and verifyEmbedded implement
// that contract for any struct holding its signature by pointer.

func signEmbedded(obj any, sig *[]byte, priv ed25519.PrivateKey) error {
	*sig = nil
	s, err := crypto.SignObject(obj, priv)
	if err != nil {
		return err
	}
	*sig = s
	return nil
}

func verifyEmbedded(obj any, sig *[]byte, pub ed25519.PublicKey) bool {
	s := *sig
	*sig = nil
	ok := crypto.VerifyObject(obj, s, pub)
	*sig = s
	return ok
}
