package crypto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/big"
)

const PowSchemeSha256 = "sha256"

var ErrUnknownPowScheme = errors.New("unknown pow scheme")

// WorkRequest states the conditions a sender must satisfy before a peer
// processes its payload: a scheme and a 32-byte target the payload digest
// must not exceed.
type WorkRequest struct {
	PowScheme string `json:"pow_scheme"`
	PowTarget []byte `json:"pow_target"`
}

type ProofOfWork struct {
	PowScheme string `json:"pow_scheme"`
	PowTarget []byte `json:"pow_target"`
	Nonce     uint64 `json:"nonce"`
}

// PowTargetFromComplexity returns the 32-byte target with the given number
// of leading zero bits required.
func PowTargetFromComplexity(scheme string, complexity int) []byte {
	if complexity < 0 {
		complexity = 0
	}
	if complexity > 255 {
		complexity = 255
	}
	max := new(big.Int).Lsh(big.NewInt(1), uint(256-complexity))
	max.Sub(max, big.NewInt(1))
	return max.FillBytes(make([]byte, 32))
}

func powDigest(scheme string, payload []byte, nonce uint64) ([]byte, error) {
	if scheme != PowSchemeSha256 {
		return nil, ErrUnknownPowScheme
	}
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	return Sha256(payload, nb[:]), nil
}

// ComputeProof brute-forces a nonce satisfying the work request for payload.
func (w WorkRequest) ComputeProof(payload []byte) (*ProofOfWork, error) {
	for nonce := uint64(0); ; nonce++ {
		digest, err := powDigest(w.PowScheme, payload, nonce)
		if err != nil {
			return nil, err
		}
		if bytes.Compare(digest, w.PowTarget) <= 0 {
			return &ProofOfWork{PowScheme: w.PowScheme, PowTarget: w.PowTarget, Nonce: nonce}, nil
		}
	}
}

// Validate fails closed: unknown schemes and over-target digests are invalid.
func (p *ProofOfWork) Validate(payload []byte) bool {
	if len(p.PowTarget) != 32 {
		return false
	}
	digest, err := powDigest(p.PowScheme, payload, p.Nonce)
	if err != nil {
		return false
	}
	return bytes.Compare(digest, p.PowTarget) <= 0
}
