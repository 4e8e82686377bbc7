package frames

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
)

// AuthorityDirectory resolves certification authorities by uri. Revocation is
// authority-queried on every verification, certificates are never cached as
// valid.
type AuthorityDirectory interface {
	AuthorityPublicKey(ctx context.Context, uri string) (ed25519.PublicKey, error)
	IsCertificateRevoked(ctx context.Context, uri string, id uuid.UUID) (bool, error)
}

// Certificate is an authority-issued, time-bounded attestation binding a
// public key to a named claim. Immutable once issued.
type Certificate struct {
	Id             uuid.UUID `json:"id"`
	AuthorityUri   string    `json:"authority_uri"`
	PublicKey      string    `json:"public_key"`
	Name           string    `json:"name"`
	Value          []byte    `json:"value"`
	NotValidBefore time.Time `json:"not_valid_before"`
	NotValidAfter  time.Time `json:"not_valid_after"`
	Signature      []byte    `json:"signature"`
}

// Verify checks the validity window, revocation and the authority signature.
// All three are re-checked on every call.
func (c *Certificate) Verify(ctx context.Context, dir AuthorityDirectory) bool {
	now := time.Now()
	if now.Before(c.NotValidBefore) || now.After(c.NotValidAfter) {
		return false
	}

	caPub, err := dir.AuthorityPublicKey(ctx, c.AuthorityUri)
	if err != nil {
		return false
	}

	revoked, err := dir.IsCertificateRevoked(ctx, c.AuthorityUri, c.Id)
	if err != nil || revoked {
		return false
	}

	return verifyEmbedded(c, &c.Signature, caPub)
}

// SubjectKey returns the certified public key.
func (c *Certificate) SubjectKey() (ed25519.PublicKey, error) {
	return crypto.PublicKeyFromHex(c.PublicKey)
}

// CertificationAuthority issues and revokes certificates. It also implements
// AuthorityDirectory for single-authority deployments and tests.
type CertificationAuthority struct {
	Uri string

	priv ed25519.PrivateKey
	pub  ed25519.PublicKey

	mx      sync.RWMutex
	revoked map[uuid.UUID]bool
}

func NewCertificationAuthority(uri string, priv ed25519.PrivateKey) *CertificationAuthority {
	return &CertificationAuthority{
		Uri:     uri,
		priv:    priv,
		pub:     priv.Public().(ed25519.PublicKey),
		revoked: map[uuid.UUID]bool{},
	}
}

func (ca *CertificationAuthority) PublicKey() ed25519.PublicKey {
	return ca.pub
}

func (ca *CertificationAuthority) IssueCertificate(subjectKeyHex, name string, value []byte, notBefore, notAfter time.Time) (*Certificate, error) {
	if _, err := crypto.PublicKeyFromHex(subjectKeyHex); err != nil {
		return nil, fmt.Errorf("invalid subject key: %w", err)
	}

	cert := &Certificate{
		Id:             uuid.New(),
		AuthorityUri:   ca.Uri,
		PublicKey:      subjectKeyHex,
		Name:           name,
		Value:          value,
		NotValidBefore: notBefore,
		NotValidAfter:  notAfter,
	}
	if err := signEmbedded(cert, &cert.Signature, ca.priv); err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	return cert, nil
}

func (ca *CertificationAuthority) Revoke(id uuid.UUID) {
	ca.mx.Lock()
	defer ca.mx.Unlock()
	ca.revoked[id] = true
}

func (ca *CertificationAuthority) AuthorityPublicKey(_ context.Context, uri string) (ed25519.PublicKey, error) {
	if uri != ca.Uri {
		return nil, fmt.Errorf("unknown authority %q", uri)
	}
	return ca.pub, nil
}

func (ca *CertificationAuthority) IsCertificateRevoked(_ context.Context, uri string, id uuid.UUID) (bool, error) {
	if uri != ca.Uri {
		return false, fmt.Errorf("unknown authority %q", uri)
	}
	ca.mx.RLock()
	defer ca.mx.RUnlock()
	return ca.revoked[id], nil
}

// Directory routes authority lookups by uri. It replaces any process-wide
// authority registry: each component owns the directory it is given.
type Directory struct {
	mx          sync.RWMutex
	authorities map[string]AuthorityDirectory
}

func NewDirectory() *Directory {
	return &Directory{authorities: map[string]AuthorityDirectory{}}
}

func (d *Directory) Register(uri string, a AuthorityDirectory) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.authorities[uri] = a
}

func (d *Directory) resolve(uri string) (AuthorityDirectory, error) {
	d.mx.RLock()
	defer d.mx.RUnlock()
	a := d.authorities[uri]
	if a == nil {
		return nil, fmt.Errorf("unknown authority %q", uri)
	}
	return a, nil
}

func (d *Directory) AuthorityPublicKey(ctx context.Context, uri string) (ed25519.PublicKey, error) {
	a, err := d.resolve(uri)
	if err != nil {
		return nil, err
	}
	return a.AuthorityPublicKey(ctx, uri)
}

func (d *Directory) IsCertificateRevoked(ctx context.Context, uri string, id uuid.UUID) (bool, error) {
	a, err := d.resolve(uri)
	if err != nil {
		return false, err
	}
	return a.IsCertificateRevoked(ctx, uri, id)
}
