package frames

import (
	"crypto/ed25519"
	"fmt"

	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
)

// Onion is the backward reply route: nested encryption layers, each
// decryptable only by the hop it was grown towards. An empty onion marks the
// original broadcaster, the end of the backward path.
type Onion struct {
	Data []byte `json:"data"`
}

type onionLayer struct {
	PublicKey string `json:"public_key"`
	Rest      []byte `json:"rest"`
}

func NewOnion() *Onion {
	return &Onion{Data: []byte{}}
}

// Grow wraps the current route and layerKeyHex under towards' public key.
// The layer is encrypted with an ephemeral key, so the hop can peel it
// without knowing who grew it.
func (o *Onion) Grow(layerKeyHex string, towards ed25519.PublicKey) (*Onion, error) {
	enc, err := crypto.EncryptAsymmetric(onionLayer{PublicKey: layerKeyHex, Rest: o.Data}, towards, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to grow onion: %w", err)
	}
	return &Onion{Data: enc}, nil
}

// Peel decrypts the outermost layer with the hop's own private key, replaces
// the route with the residual bytes and returns the enclosed hop key.
func (o *Onion) Peel(priv ed25519.PrivateKey) (string, error) {
	var layer onionLayer
	if err := crypto.DecryptAsymmetric(o.Data, &layer, priv, nil); err != nil {
		return "", fmt.Errorf("failed to peel onion: %w", err)
	}
	o.Data = layer.Rest
	return layer.PublicKey, nil
}

func (o *Onion) IsEmpty() bool {
	return len(o.Data) == 0
}

func (o *Onion) Clone() *Onion {
	return &Onion{Data: append([]byte{}, o.Data...)}
}
