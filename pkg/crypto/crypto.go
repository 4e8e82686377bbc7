package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")
var ErrInvalidKey = errors.New("invalid key")

// Identity keys are ed25519. The same key signs objects and, converted to its
// X25519 form, derives shared secrets for asymmetric encryption. Public keys
// travel hex-encoded in protocol frames.

func GeneratePrivateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return priv, nil
}

func PublicKeyHex(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

func PublicKeyFromHex(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	return b, nil
}

func serializeObject(obj any) ([]byte, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize object: %w", err)
	}
	return data, nil
}

// SignObject signs SHA-256 of the serialized object.
func SignObject(obj any, priv ed25519.PrivateKey) ([]byte, error) {
	data, err := serializeObject(obj)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	return ed25519.Sign(priv, digest[:]), nil
}

func VerifyObject(obj any, signature []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	data, err := serializeObject(obj)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return ed25519.Verify(pub, digest[:], signature)
}

// x25519Scalar converts an ed25519 private key to its X25519 scalar.
func x25519Scalar(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	s := h[:curve25519.ScalarSize]
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s
}

// x25519Public converts an ed25519 public key to its Montgomery form.
func x25519Public(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key point: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// SharedSecret derives the symmetric key both parties compute from their own
// private key and the other side's public key.
func SharedSecret(myPriv ed25519.PrivateKey, theirPub ed25519.PublicKey) ([]byte, error) {
	mont, err := x25519Public(theirPub)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(x25519Scalar(myPriv), mont)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared point: %w", err)
	}
	key := sha256.Sum256(shared)
	return key[:], nil
}

// EncryptAsymmetric encrypts a serialized object towards theirPub. When
// myPriv is nil an ephemeral X25519 key is generated and its public half is
// prefixed to the ciphertext, so the receiver can derive the same secret
// without knowing who encrypted.
func EncryptAsymmetric(obj any, theirPub ed25519.PublicKey, myPriv ed25519.PrivateKey) ([]byte, error) {
	data, err := serializeObject(obj)
	if err != nil {
		return nil, err
	}

	if myPriv != nil {
		key, err := SharedSecret(myPriv, theirPub)
		if err != nil {
			return nil, err
		}
		return SymmetricEncrypt(key, data)
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err = rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}

	mont, err := x25519Public(theirPub)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, mont)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared point: %w", err)
	}
	key := sha256.Sum256(shared)

	box, err := SymmetricEncrypt(key[:], data)
	if err != nil {
		return nil, err
	}
	return append(ephPub, box...), nil
}

// DecryptAsymmetric is the inverse of EncryptAsymmetric. When theirPub is nil
// the ephemeral public key is parsed from the ciphertext prefix.
func DecryptAsymmetric(data []byte, out any, myPriv ed25519.PrivateKey, theirPub ed25519.PublicKey) error {
	var key []byte
	var err error
	if theirPub != nil {
		if key, err = SharedSecret(myPriv, theirPub); err != nil {
			return err
		}
	} else {
		if len(data) < curve25519.PointSize {
			return ErrInvalidCiphertext
		}
		shared, err := curve25519.X25519(x25519Scalar(myPriv), data[:curve25519.PointSize])
		if err != nil {
			return fmt.Errorf("failed to compute shared point: %w", err)
		}
		sum := sha256.Sum256(shared)
		key = sum[:]
		data = data[curve25519.PointSize:]
	}

	plain, err := SymmetricDecrypt(key, data)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("failed to deserialize object: %w", err)
	}
	return nil
}

func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate symmetric key: %w", err)
	}
	return key, nil
}

// SymmetricEncrypt seals data with a random nonce prefixed to the ciphertext.
func SymmetricEncrypt(key, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

func SymmetricDecrypt(key, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	plain, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plain, nil
}

func Sha256(chunks ...[]byte) []byte {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

func Sha512(chunks ...[]byte) []byte {
	h := sha512.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}
