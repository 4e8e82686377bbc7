package frames

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
)

func testAuthority(t *testing.T) *CertificationAuthority {
	t.Helper()
	return NewCertificationAuthority("https://settler.test", genKey(t))
}

func TestCertificateVerify(t *testing.T) {
	ctx := context.Background()
	ca := testAuthority(t)
	subject := crypto.PublicKeyHex(genKey(t).Public().(ed25519.PublicKey))

	cert, err := ca.IssueCertificate(subject, "is.ok", []byte("true"),
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	if !cert.Verify(ctx, ca) {
		t.Fatal("valid certificate rejected")
	}

	cert.Value = []byte("false")
	if cert.Verify(ctx, ca) {
		t.Fatal("tampered certificate accepted")
	}
}

func TestCertificateValidityWindow(t *testing.T) {
	ctx := context.Background()
	ca := testAuthority(t)
	subject := crypto.PublicKeyHex(genKey(t).Public().(ed25519.PublicKey))

	notYet, err := ca.IssueCertificate(subject, "is.ok", nil,
		time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if notYet.Verify(ctx, ca) {
		t.Fatal("not-yet-valid certificate accepted")
	}

	expired, err := ca.IssueCertificate(subject, "is.ok", nil,
		time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if expired.Verify(ctx, ca) {
		t.Fatal("expired certificate accepted")
	}
}

func TestCertificateRevocation(t *testing.T) {
	ctx := context.Background()
	ca := testAuthority(t)
	subject := crypto.PublicKeyHex(genKey(t).Public().(ed25519.PublicKey))

	cert, err := ca.IssueCertificate(subject, "is.ok", nil,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !cert.Verify(ctx, ca) {
		t.Fatal("valid certificate rejected")
	}

	ca.Revoke(cert.Id)
	if cert.Verify(ctx, ca) {
		t.Fatal("revoked certificate accepted within validity window")
	}
}

func TestDirectoryRouting(t *testing.T) {
	ctx := context.Background()
	ca := testAuthority(t)
	subject := crypto.PublicKeyHex(genKey(t).Public().(ed25519.PublicKey))

	cert, err := ca.IssueCertificate(subject, "is.ok", nil,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	dir := NewDirectory()
	if cert.Verify(ctx, dir) {
		t.Fatal("certificate of unregistered authority accepted")
	}

	dir.Register(ca.Uri, ca)
	if !cert.Verify(ctx, dir) {
		t.Fatal("certificate rejected after registering authority")
	}
}
