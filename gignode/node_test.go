package gignode

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gigmesh/gig-gossip-network/gignode/db"
	"github.com/gigmesh/gig-gossip-network/gignode/db/leveldb"
	"github.com/gigmesh/gig-gossip-network/gignode/transport"
	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
	"github.com/gigmesh/gig-gossip-network/pkg/frames"
)

type fakeInvoice struct {
	amount int64
	state  db.InvoiceState
}

// fakeWallet models one custodial wallet service shared by every node in a
// test, so payments between nodes are visible to all of them.
type fakeWallet struct {
	mx       sync.Mutex
	invoices map[string]*fakeInvoice
	payments map[string]db.PaymentStatus
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		invoices: map[string]*fakeInvoice{},
		payments: map[string]db.PaymentStatus{},
	}
}

func (w *fakeWallet) AddHodlInvoice(_ context.Context, amount int64, paymentHash, _ string, _ time.Duration) (*Invoice, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.invoices[paymentHash] != nil {
		return nil, fmt.Errorf("invoice for %s already exists", paymentHash)
	}
	w.invoices[paymentHash] = &fakeInvoice{amount: amount, state: db.InvoiceStateOpen}
	return &Invoice{
		PaymentRequest: "lnfake:" + paymentHash + ":" + strconv.FormatInt(amount, 10),
		PaymentHash:    paymentHash,
		Amount:         amount,
	}, nil
}

func (w *fakeWallet) DecodeInvoice(_ context.Context, paymentRequest string) (*DecodedInvoice, error) {
	parts := strings.Split(paymentRequest, ":")
	if len(parts) != 3 || parts[0] != "lnfake" {
		return nil, fmt.Errorf("bad payment request %q", paymentRequest)
	}
	amount, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, err
	}
	return &DecodedInvoice{PaymentHash: parts[1], Amount: amount}, nil
}

func (w *fakeWallet) SendPayment(ctx context.Context, paymentRequest string, _ time.Duration, _ int64) (db.PaymentStatus, error) {
	decoded, err := w.DecodeInvoice(ctx, paymentRequest)
	if err != nil {
		return db.PaymentStatusFailed, err
	}

	w.mx.Lock()
	defer w.mx.Unlock()
	inv := w.invoices[decoded.PaymentHash]
	if inv == nil {
		w.payments[decoded.PaymentHash] = db.PaymentStatusFailed
		return db.PaymentStatusFailed, fmt.Errorf("unknown invoice %s", decoded.PaymentHash)
	}
	if inv.state == db.InvoiceStateOpen {
		inv.state = db.InvoiceStateAccepted
	}
	w.payments[decoded.PaymentHash] = db.PaymentStatusSucceeded
	return db.PaymentStatusSucceeded, nil
}

func (w *fakeWallet) SettleInvoice(_ context.Context, preimage string) error {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	w.mx.Lock()
	defer w.mx.Unlock()
	inv := w.invoices[hash]
	if inv == nil {
		return fmt.Errorf("unknown invoice %s", hash)
	}
	inv.state = db.InvoiceStateSettled
	return nil
}

func (w *fakeWallet) CancelInvoice(_ context.Context, paymentHash string) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	inv := w.invoices[paymentHash]
	if inv == nil {
		return fmt.Errorf("unknown invoice %s", paymentHash)
	}
	inv.state = db.InvoiceStateCancelled
	return nil
}

func (w *fakeWallet) GetBalance(context.Context) (int64, error) {
	return 1_000_000, nil
}

func (w *fakeWallet) invoiceCount() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	return len(w.invoices)
}

func (w *fakeWallet) LookupInvoice(_ context.Context, paymentHash string) (db.InvoiceState, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	inv := w.invoices[paymentHash]
	if inv == nil {
		return db.InvoiceStateOpen, fmt.Errorf("unknown invoice %s", paymentHash)
	}
	return inv.state, nil
}

func (w *fakeWallet) LookupPayment(_ context.Context, paymentHash string) (db.PaymentStatus, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	status, ok := w.payments[paymentHash]
	if !ok {
		return db.PaymentStatusInitiated, fmt.Errorf("unknown payment %s", paymentHash)
	}
	return status, nil
}

func (w *fakeWallet) InvoiceUpdates(context.Context) (<-chan InvoiceUpdate, error) {
	return make(chan InvoiceUpdate), nil
}

func (w *fakeWallet) PaymentUpdates(context.Context) (<-chan PaymentUpdate, error) {
	return make(chan PaymentUpdate), nil
}

type preimageRec struct {
	preimage string
	revealed bool
}

type gigRec struct {
	requestId uuid.UUID
	certId    uuid.UUID
	status    db.GigStatus
	symKey    string
}

// settlerCore is shared fake settlement authority state; each node gets its
// own facade bound to its key, like authenticated API clients.
type settlerCore struct {
	uri    string
	ca     *frames.CertificationAuthority
	priv   ed25519.PrivateKey
	cert   frames.Certificate
	wallet *fakeWallet

	mx        sync.Mutex
	preimages map[string]*preimageRec
	related   map[string]string
	gigs      map[string]*gigRec
}

func newSettlerCore(t *testing.T, wallet *fakeWallet) *settlerCore {
	t.Helper()

	caPriv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	ca := frames.NewCertificationAuthority("https://settler.test", caPriv)

	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	cert, err := ca.IssueCertificate(crypto.PublicKeyHex(priv.Public().(ed25519.PublicKey)),
		"settler", nil, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	return &settlerCore{
		uri:       ca.Uri,
		ca:        ca,
		priv:      priv,
		cert:      *cert,
		wallet:    wallet,
		preimages: map[string]*preimageRec{},
		related:   map[string]string{},
		gigs:      map[string]*gigRec{},
	}
}

func (c *settlerCore) newPreimage() string {
	raw := make([]byte, 32)
	_, _ = rand.Read(raw)
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	c.mx.Lock()
	defer c.mx.Unlock()
	c.preimages[hash] = &preimageRec{preimage: hex.EncodeToString(raw)}
	return hash
}

func (c *settlerCore) gigKey(requestId, certId uuid.UUID) string {
	return requestId.String() + "/" + certId.String()
}

// completeGig is the external "work was done" trigger: the authority accepts
// the gig, releases the reply key and reveals every escrowed preimage.
func (c *settlerCore) completeGig(requestId, certId uuid.UUID) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if gig := c.gigs[c.gigKey(requestId, certId)]; gig != nil {
		gig.status = db.GigStatusAccepted
	}
	for _, rec := range c.preimages {
		rec.revealed = true
	}
}

func (c *settlerCore) cancelGig(requestId, certId uuid.UUID) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if gig := c.gigs[c.gigKey(requestId, certId)]; gig != nil {
		gig.status = db.GigStatusCancelled
	}
}

type fakeSettler struct {
	core *settlerCore
	priv ed25519.PrivateKey
}

func (s *fakeSettler) facadeFor(priv ed25519.PrivateKey) *fakeSettler {
	return &fakeSettler{core: s.core, priv: priv}
}

func (s *fakeSettler) Uri() string {
	return s.core.uri
}

func (s *fakeSettler) AuthorityPublicKey(context.Context) (ed25519.PublicKey, error) {
	return s.core.ca.PublicKey(), nil
}

func (s *fakeSettler) IsCertificateRevoked(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.core.ca.IsCertificateRevoked(ctx, s.core.uri, id)
}

func (s *fakeSettler) issueCert(name string) (*frames.Certificate, error) {
	return s.core.ca.IssueCertificate(crypto.PublicKeyHex(s.priv.Public().(ed25519.PublicKey)),
		name, nil, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
}

func (s *fakeSettler) GenerateRequestPayload(_ context.Context, topic []byte) (*frames.RequestPayload, error) {
	cert, err := s.issueCert("requester")
	if err != nil {
		return nil, err
	}
	payload := &frames.RequestPayload{
		Id:                uuid.New(),
		Topic:             topic,
		SenderCertificate: *cert,
		Timestamp:         time.Now(),
	}
	if err = payload.Sign(s.priv); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *fakeSettler) GenerateCancelRequestPayload(_ context.Context, requestId uuid.UUID) (*frames.CancelRequestPayload, error) {
	cert, err := s.issueCert("requester")
	if err != nil {
		return nil, err
	}
	payload := &frames.CancelRequestPayload{
		Id:                requestId,
		SenderCertificate: *cert,
		Timestamp:         time.Now(),
	}
	if err = payload.Sign(s.priv); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *fakeSettler) GenerateReplyPaymentPreimage(context.Context, uuid.UUID, string) (string, error) {
	return s.core.newPreimage(), nil
}

func (s *fakeSettler) GenerateSettlementTrust(ctx context.Context, replyInvoice string, message []byte, srp *frames.RequestPayload) (*SettlementTrust, error) {
	decodedReply, err := s.core.wallet.DecodeInvoice(ctx, replyInvoice)
	if err != nil {
		return nil, err
	}

	symKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	encMessage, err := crypto.SymmetricEncrypt(symKey, message)
	if err != nil {
		return nil, err
	}

	replierCert, err := s.issueCert("replier")
	if err != nil {
		return nil, err
	}

	rp := frames.ReplyPayload{
		ReplyId:               uuid.New(),
		SignedRequestPayload:  *srp,
		ReplierCertificate:    *replierCert,
		EncryptedReplyMessage: encMessage,
		ReplyInvoice:          replyInvoice,
		Timestamp:             time.Now(),
	}
	if err = rp.Sign(s.priv); err != nil {
		return nil, err
	}

	requesterPub, err := srp.SenderCertificate.SubjectKey()
	if err != nil {
		return nil, err
	}
	encReply, err := crypto.EncryptAsymmetric(rp, requesterPub, nil)
	if err != nil {
		return nil, err
	}

	networkHash := s.core.newPreimage()
	networkInvoice, err := s.core.wallet.AddHodlInvoice(ctx, decodedReply.Amount+50, networkHash, "settler network", time.Hour)
	if err != nil {
		return nil, err
	}

	promise := frames.SettlementPromise{
		SettlerCertificate:   s.core.cert,
		NetworkPaymentHash:   networkHash,
		HashOfEncryptedReply: crypto.Sha256(encReply),
		ReplyPaymentAmount:   decodedReply.Amount,
	}
	if err = promise.Sign(s.core.priv); err != nil {
		return nil, err
	}

	s.core.mx.Lock()
	s.core.gigs[s.core.gigKey(srp.Id, replierCert.Id)] = &gigRec{
		requestId: srp.Id,
		certId:    replierCert.Id,
		status:    db.GigStatusOpen,
		symKey:    hex.EncodeToString(symKey),
	}
	s.core.mx.Unlock()

	return &SettlementTrust{
		Promise:               promise,
		NetworkInvoice:        networkInvoice.PaymentRequest,
		EncryptedReplyPayload: encReply,
		ReplyCertificateId:    replierCert.Id,
	}, nil
}

func (s *fakeSettler) GenerateRelatedPreimage(_ context.Context, paymentHash string) (string, error) {
	hash := s.core.newPreimage()
	s.core.mx.Lock()
	s.core.related[hash] = paymentHash
	s.core.mx.Unlock()
	return hash, nil
}

func (s *fakeSettler) ValidateRelatedPaymentHashes(_ context.Context, paymentHash, relatedPaymentHash string) (bool, error) {
	s.core.mx.Lock()
	defer s.core.mx.Unlock()
	for h := relatedPaymentHash; h != ""; h = s.core.related[h] {
		if h == paymentHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeSettler) RevealPreimage(_ context.Context, paymentHash string) (string, error) {
	s.core.mx.Lock()
	defer s.core.mx.Unlock()
	rec := s.core.preimages[paymentHash]
	if rec == nil || !rec.revealed {
		return "", nil
	}
	return rec.preimage, nil
}

func (s *fakeSettler) GetGigStatus(_ context.Context, requestId, replyCertId uuid.UUID) (*GigStatusUpdate, error) {
	s.core.mx.Lock()
	defer s.core.mx.Unlock()
	gig := s.core.gigs[s.core.gigKey(requestId, replyCertId)]
	if gig == nil {
		return nil, nil
	}
	return &GigStatusUpdate{
		RequestId:          gig.requestId,
		ReplyCertificateId: gig.certId,
		Status:             gig.status,
		SymmetricKey:       gig.symKey,
	}, nil
}

func (s *fakeSettler) GigStatusUpdates(context.Context) (<-chan GigStatusUpdate, error) {
	return make(chan GigStatusUpdate), nil
}

type sentMessage struct {
	target string
	frame  any
}

type fakeSession struct {
	mx      sync.Mutex
	pub     string
	handler transport.Handler
	sent    []sentMessage
}

func (s *fakeSession) PublicKey() string               { return s.pub }
func (s *fakeSession) SetHandler(h transport.Handler)  { s.handler = h }
func (s *fakeSession) SendHello(context.Context) error { return nil }
func (s *fakeSession) PublishContactList(context.Context, []string) error {
	return nil
}
func (s *fakeSession) Start() {}
func (s *fakeSession) Stop()  {}

func (s *fakeSession) SendMessage(_ context.Context, targetKey string, frame any, _ bool, _ *time.Time) (string, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.sent = append(s.sent, sentMessage{target: targetKey, frame: frame})
	return uuid.NewString(), nil
}

func (s *fakeSession) sentMessages() []sentMessage {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]sentMessage{}, s.sent...)
}

type fakeEvents struct {
	mx     sync.Mutex
	accept func(frame *frames.BroadcastFrame) *AcceptBroadcastResponse

	newResponses  []uuid.UUID
	ready         map[uuid.UUID][]byte
	invoiceStates []db.InvoiceState
	paymentStates []db.PaymentStatus
	cancelsSeen   int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{ready: map[uuid.UUID][]byte{}}
}

func (e *fakeEvents) OnAcceptBroadcast(_ context.Context, frame *frames.BroadcastFrame) (*AcceptBroadcastResponse, error) {
	if e.accept == nil {
		return nil, nil
	}
	return e.accept(frame), nil
}

func (e *fakeEvents) OnNewResponse(_ context.Context, reply *frames.ReplyPayload, _ string, _ int64) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.newResponses = append(e.newResponses, reply.ReplyId)
}

func (e *fakeEvents) OnResponseReady(_ context.Context, _ uuid.UUID, replyId uuid.UUID, message []byte) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.ready[replyId] = message
}

func (e *fakeEvents) OnInvoiceStateChange(_ context.Context, _ string, state db.InvoiceState) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.invoiceStates = append(e.invoiceStates, state)
}

func (e *fakeEvents) OnPaymentStatusChange(_ context.Context, _ string, status db.PaymentStatus) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.paymentStates = append(e.paymentStates, status)
}

func (e *fakeEvents) OnCancelBroadcast(context.Context, *frames.CancelBroadcastFrame) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.cancelsSeen++
}

type testNode struct {
	node    *Node
	db      *db.DB
	session *fakeSession
	events  *fakeEvents
	key     ed25519.PrivateKey
	pub     string
}

func newTestNode(t *testing.T, wallet *fakeWallet, core *settlerCore) *testNode {
	t.Helper()

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := crypto.PublicKeyHex(key.Public().(ed25519.PublicKey))

	storage, _, err := leveldb.NewDB(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(storage.Close)
	database := db.NewDB(storage, key.Public().(ed25519.PublicKey))

	session := &fakeSession{pub: pub}
	events := newFakeEvents()
	settlers := NewStaticSettlerDirectory(&fakeSettler{core: core, priv: key})

	cfg := DefaultConfig()
	cfg.Fanout = 3
	cfg.PriceAmountForRouting = 100

	node := NewNode(key, database, session, wallet, settlers, events, cfg)
	return &testNode{node: node, db: database, session: session, events: events, key: key, pub: pub}
}

func TestBroadcastFanoutAndNoResend(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	core := newSettlerCore(t, wallet)
	tn := newTestNode(t, wallet, core)

	var peers []string
	for i := 0; i < 5; i++ {
		priv, err := crypto.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		peer := crypto.PublicKeyHex(priv.Public().(ed25519.PublicKey))
		peers = append(peers, peer)
		if err = tn.db.TouchContact(ctx, peer, time.Now()); err != nil {
			t.Fatal(err)
		}
	}

	payload, err := tn.node.BroadcastTopic(ctx, []byte("deliver a package"), core.uri)
	if err != nil {
		t.Fatal(err)
	}

	sent := tn.session.sentMessages()
	if len(sent) != 3 {
		t.Fatalf("expected fanout of 3, sent %d", len(sent))
	}
	seen := map[string]bool{}
	for _, m := range sent {
		if seen[m.target] {
			t.Fatalf("peer %s received the broadcast twice", m.target)
		}
		seen[m.target] = true
		if _, ok := m.frame.(*frames.BroadcastFrame); !ok {
			t.Fatalf("expected broadcast frame, got %T", m.frame)
		}
	}

	// a second pass reaches only peers not yet recorded
	if err = tn.node.Broadcast(ctx, payload, nil, "", frames.NewOnion()); err != nil {
		t.Fatal(err)
	}
	sent = tn.session.sentMessages()
	if len(sent) != 5 {
		t.Fatalf("expected all 5 peers covered, sent %d", len(sent))
	}
	for _, m := range sent {
		if m.target != tn.pub && !contains(peers, m.target) {
			t.Fatalf("sent to unknown peer %s", m.target)
		}
	}

	// a third pass has nobody left
	if err = tn.node.Broadcast(ctx, payload, nil, "", frames.NewOnion()); err != nil {
		t.Fatal(err)
	}
	if got := len(tn.session.sentMessages()); got != 5 {
		t.Fatalf("expected no resends, total went from 5 to %d", got)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// requesterBroadcastTo builds the frame a provider would receive directly
// from the requester.
func requesterBroadcastTo(t *testing.T, core *settlerCore, requester ed25519.PrivateKey, target string) *frames.BroadcastFrame {
	t.Helper()

	facade := &fakeSettler{core: core, priv: requester}
	payload, err := facade.GenerateRequestPayload(context.Background(), []byte("walk my dog"))
	if err != nil {
		t.Fatal(err)
	}

	targetPub, err := crypto.PublicKeyFromHex(target)
	if err != nil {
		t.Fatal(err)
	}
	onion, err := frames.NewOnion().Grow(crypto.PublicKeyHex(requester.Public().(ed25519.PublicKey)), targetPub)
	if err != nil {
		t.Fatal(err)
	}

	return &frames.BroadcastFrame{SignedRequestPayload: *payload, BackwardOnion: *onion}
}

func TestAcceptBroadcastIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	core := newSettlerCore(t, wallet)
	provider := newTestNode(t, wallet, core)

	requesterKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	requesterPub := crypto.PublicKeyHex(requesterKey.Public().(ed25519.PublicKey))
	frame := requesterBroadcastTo(t, core, requesterKey, provider.pub)

	provider.events.accept = func(*frames.BroadcastFrame) *AcceptBroadcastResponse {
		return &AcceptBroadcastResponse{Message: []byte("I will do it"), Fee: 700, SettlerUri: core.uri}
	}

	if err = provider.node.OnBroadcastFrame(ctx, requesterPub, frame); err != nil {
		t.Fatal(err)
	}
	if err = provider.node.OnBroadcastFrame(ctx, requesterPub, frame); err != nil {
		t.Fatal(err)
	}

	sent := provider.session.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected reply sent twice, got %d sends", len(sent))
	}

	first, ok := sent[0].frame.(*frames.ReplyFrame)
	if !ok {
		t.Fatalf("expected reply frame, got %T", sent[0].frame)
	}
	second := sent[1].frame.(*frames.ReplyFrame)

	if sent[0].target != requesterPub || sent[1].target != requesterPub {
		t.Fatal("reply must go back to the requester hop")
	}
	if !first.ForwardOnion.IsEmpty() {
		t.Fatal("direct reply should carry an empty residual onion")
	}
	if !bytes.Equal(first.EncryptedReplyPayload, second.EncryptedReplyPayload) {
		t.Fatal("replayed accept produced different encrypted reply")
	}
	if first.NetworkInvoice != second.NetworkInvoice {
		t.Fatal("replayed accept produced a different network invoice")
	}

	rows, err := provider.db.ListAcceptedBroadcasts(ctx, frame.SignedRequestPayload.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one escrow row, got %d", len(rows))
	}
	ab := rows[0]
	if ab.DecodedReplyAmount != 700 {
		t.Fatalf("expected reply amount 700, got %d", ab.DecodedReplyAmount)
	}

	if _, err = provider.db.GetMonitoredInvoice(ctx, ab.ReplyInvoiceHash); err != nil {
		t.Fatalf("reply invoice not monitored: %v", err)
	}
	pre, err := provider.db.ListMonitoredPreimages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pre) != 1 || pre[0].Hash != ab.ReplyInvoiceHash {
		t.Fatal("reply invoice preimage not monitored")
	}
}

func TestResponseRelayAddsMarkupAndSettles(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	core := newSettlerCore(t, wallet)
	relay := newTestNode(t, wallet, core)

	requesterKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	requesterPub := crypto.PublicKeyHex(requesterKey.Public().(ed25519.PublicKey))
	providerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	providerPub := crypto.PublicKeyHex(providerKey.Public().(ed25519.PublicKey))

	requesterFacade := &fakeSettler{core: core, priv: requesterKey}
	payload, err := requesterFacade.GenerateRequestPayload(ctx, []byte("fix my sink"))
	if err != nil {
		t.Fatal(err)
	}

	// provider-side artifacts, produced out of band
	providerFacade := &fakeSettler{core: core, priv: providerKey}
	replyHash, err := providerFacade.GenerateReplyPaymentPreimage(ctx, payload.Id, providerPub)
	if err != nil {
		t.Fatal(err)
	}
	replyInvoice, err := wallet.AddHodlInvoice(ctx, 500, replyHash, "reply", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	trust, err := providerFacade.GenerateSettlementTrust(ctx, replyInvoice.PaymentRequest, []byte("done"), payload)
	if err != nil {
		t.Fatal(err)
	}

	relayPub, err := crypto.PublicKeyFromHex(relay.pub)
	if err != nil {
		t.Fatal(err)
	}
	onion, err := frames.NewOnion().Grow(requesterPub, relayPub)
	if err != nil {
		t.Fatal(err)
	}

	frame := &frames.ReplyFrame{
		EncryptedReplyPayload:   trust.EncryptedReplyPayload,
		SignedSettlementPromise: trust.Promise,
		ForwardOnion:            *onion,
		NetworkInvoice:          trust.NetworkInvoice,
	}

	// a tampered reply must be dropped without any escrow side effects
	mutated := frame.Clone()
	mutated.EncryptedReplyPayload[7] ^= 0x01
	if err = relay.node.OnResponseFrame(ctx, providerPub, mutated, true); err != nil {
		t.Fatal(err)
	}
	if got := len(relay.session.sentMessages()); got != 0 {
		t.Fatalf("tampered reply was forwarded, %d sends", got)
	}

	if err = relay.node.OnResponseFrame(ctx, providerPub, frame, true); err != nil {
		t.Fatal(err)
	}

	sent := relay.session.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one forward, got %d", len(sent))
	}
	if sent[0].target != requesterPub {
		t.Fatalf("forwarded to %s, expected requester", sent[0].target)
	}
	forwarded := sent[0].frame.(*frames.ReplyFrame)
	if !forwarded.ForwardOnion.IsEmpty() {
		t.Fatal("last hop should forward an empty residual onion")
	}
	if !bytes.Equal(forwarded.EncryptedReplyPayload, frame.EncryptedReplyPayload) {
		t.Fatal("relay must not touch the encrypted reply")
	}

	inner, err := wallet.DecodeInvoice(ctx, frame.NetworkInvoice)
	if err != nil {
		t.Fatal(err)
	}
	outer, err := wallet.DecodeInvoice(ctx, forwarded.NetworkInvoice)
	if err != nil {
		t.Fatal(err)
	}
	if outer.Amount != inner.Amount+100 {
		t.Fatalf("expected markup of 100, inner %d outer %d", inner.Amount, outer.Amount)
	}
	related, err := providerFacade.ValidateRelatedPaymentHashes(ctx, trust.Promise.NetworkPaymentHash, outer.PaymentHash)
	if err != nil || !related {
		t.Fatalf("relay invoice hash is not related to the promised one (related=%v err=%v)", related, err)
	}

	// the requester pays the relay invoice, the hold becoming accepted
	// makes the relay pay the inner invoice through the task queue
	if _, err = wallet.SendPayment(ctx, forwarded.NetworkInvoice, time.Minute, 0); err != nil {
		t.Fatal(err)
	}
	relay.node.applyInvoiceUpdate(ctx, InvoiceUpdate{PaymentHash: outer.PaymentHash, State: db.InvoiceStateAccepted})

	task, err := relay.db.AcquireTask(ctx, GossipTaskPool)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.Type != "pay-network-invoice" {
		t.Fatalf("expected queued downstream payment, got %+v", task)
	}
	if err = relay.node.executeTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err = relay.db.CompleteTask(ctx, GossipTaskPool, task); err != nil {
		t.Fatal(err)
	}
	if status, _ := wallet.LookupPayment(ctx, inner.PaymentHash); status != db.PaymentStatusSucceeded {
		t.Fatalf("downstream invoice not paid, status %s", status)
	}

	// once the authority reveals the preimage the relay settles its hold
	core.completeGig(payload.Id, trust.ReplyCertificateId)
	rows, err := relay.db.ListMonitoredPreimages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one monitored preimage, got %d", len(rows))
	}
	if err = relay.node.checkPreimage(ctx, rows[0]); err != nil {
		t.Fatal(err)
	}

	task, err = relay.db.AcquireTask(ctx, GossipTaskPool)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.Type != "settle-invoice" {
		t.Fatalf("expected settle task, got %+v", task)
	}
	if err = relay.node.executeTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if state, _ := wallet.LookupInvoice(ctx, outer.PaymentHash); state != db.InvoiceStateSettled {
		t.Fatalf("relay hold invoice not settled, state %s", state)
	}
}

// relayedReplyFrame builds the reply frame a provider one hop away would
// address to relayPub, with the requester as the next backward hop.
func relayedReplyFrame(t *testing.T, core *settlerCore, wallet *fakeWallet, relayPub string) (frame *frames.ReplyFrame, requesterPub, providerPub string) {
	t.Helper()
	ctx := context.Background()

	requesterKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	requesterPub = crypto.PublicKeyHex(requesterKey.Public().(ed25519.PublicKey))
	providerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	providerPub = crypto.PublicKeyHex(providerKey.Public().(ed25519.PublicKey))

	payload, err := (&fakeSettler{core: core, priv: requesterKey}).GenerateRequestPayload(ctx, []byte("paint the fence"))
	if err != nil {
		t.Fatal(err)
	}

	providerFacade := &fakeSettler{core: core, priv: providerKey}
	replyHash, err := providerFacade.GenerateReplyPaymentPreimage(ctx, payload.Id, providerPub)
	if err != nil {
		t.Fatal(err)
	}
	replyInvoice, err := wallet.AddHodlInvoice(ctx, 400, replyHash, "reply", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	trust, err := providerFacade.GenerateSettlementTrust(ctx, replyInvoice.PaymentRequest, []byte("painted"), payload)
	if err != nil {
		t.Fatal(err)
	}

	relayPubKey, err := crypto.PublicKeyFromHex(relayPub)
	if err != nil {
		t.Fatal(err)
	}
	onion, err := frames.NewOnion().Grow(requesterPub, relayPubKey)
	if err != nil {
		t.Fatal(err)
	}

	return &frames.ReplyFrame{
		EncryptedReplyPayload:   trust.EncryptedReplyPayload,
		SignedSettlementPromise: trust.Promise,
		ForwardOnion:            *onion,
		NetworkInvoice:          trust.NetworkInvoice,
	}, requesterPub, providerPub
}

func TestResponseRelayRedeliveryReusesEscrow(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	core := newSettlerCore(t, wallet)
	relay := newTestNode(t, wallet, core)

	frame, requesterPub, providerPub := relayedReplyFrame(t, core, wallet, relay.pub)

	if err := relay.node.OnResponseFrame(ctx, providerPub, frame, true); err != nil {
		t.Fatal(err)
	}
	minted := wallet.invoiceCount()

	// the same frame delivered again must not escrow a second time
	if err := relay.node.OnResponseFrame(ctx, providerPub, frame.Clone(), true); err != nil {
		t.Fatal(err)
	}
	if got := wallet.invoiceCount(); got != minted {
		t.Fatalf("redelivery minted another invoice, %d -> %d", minted, got)
	}

	sent := relay.session.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 forwards, got %d", len(sent))
	}
	first := sent[0].frame.(*frames.ReplyFrame)
	second := sent[1].frame.(*frames.ReplyFrame)
	if first.NetworkInvoice != second.NetworkInvoice {
		t.Fatal("redelivery forwarded a different invoice")
	}
	if sent[0].target != requesterPub || sent[1].target != requesterPub {
		t.Fatal("forwards must follow the peeled onion")
	}

	inner, err := wallet.DecodeInvoice(ctx, frame.NetworkInvoice)
	if err != nil {
		t.Fatal(err)
	}
	rr, err := relay.db.GetRelayedResponse(ctx, inner.PaymentHash)
	if err != nil {
		t.Fatal(err)
	}
	if rr.MyPaymentRequest != first.NetworkInvoice {
		t.Fatal("escrow row does not match the forwarded invoice")
	}

	invoices, err := relay.db.ListMonitoredInvoices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(invoices) != 1 || invoices[0].Hash != rr.MyPaymentHash {
		t.Fatalf("expected exactly the relay hold invoice monitored, got %d rows", len(invoices))
	}

	// a redelivered reply we never escrowed for is dropped outright
	other, _, otherProvider := relayedReplyFrame(t, core, wallet, relay.pub)
	before := wallet.invoiceCount()
	if err = relay.node.OnResponseFrame(ctx, otherProvider, other, false); err != nil {
		t.Fatal(err)
	}
	if got := wallet.invoiceCount(); got != before {
		t.Fatal("redelivered reply without escrow minted an invoice")
	}
	if got := len(relay.session.sentMessages()); got != 2 {
		t.Fatalf("redelivered reply without escrow was forwarded, %d sends", got)
	}
}

func TestResponseRelayWaitsOnEscrowGate(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	core := newSettlerCore(t, wallet)
	relay := newTestNode(t, wallet, core)
	relay.node.cfg.EscrowLockTimeout = 50 * time.Millisecond

	frame, _, providerPub := relayedReplyFrame(t, core, wallet, relay.pub)

	relay.node.escrowGate <- struct{}{}
	if err := relay.node.OnResponseFrame(ctx, providerPub, frame, true); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected lock timeout while the gate is held, got %v", err)
	}
	if got := len(relay.session.sentMessages()); got != 0 {
		t.Fatalf("reply relayed while the gate was held, %d sends", got)
	}
	<-relay.node.escrowGate

	if err := relay.node.OnResponseFrame(ctx, providerPub, frame, true); err != nil {
		t.Fatal(err)
	}
	if got := len(relay.session.sentMessages()); got != 1 {
		t.Fatalf("expected one forward after the gate freed, got %d", got)
	}
}

func TestBroadcastPowGate(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	core := newSettlerCore(t, wallet)
	provider := newTestNode(t, wallet, core)
	provider.node.cfg.BroadcastPowComplexity = 8

	accepted := 0
	provider.events.accept = func(*frames.BroadcastFrame) *AcceptBroadcastResponse {
		accepted++
		return &AcceptBroadcastResponse{Message: []byte("on it"), Fee: 300, SettlerUri: core.uri}
	}

	requesterKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	requesterPub := crypto.PublicKeyHex(requesterKey.Public().(ed25519.PublicKey))
	frame := requesterBroadcastTo(t, core, requesterKey, provider.pub)

	if err = provider.node.OnBroadcastFrame(ctx, requesterPub, frame); err != nil {
		t.Fatal(err)
	}
	if accepted != 0 {
		t.Fatal("broadcast without proof of work was accepted")
	}

	// a proof against an easier target than ours does not count
	weak := crypto.WorkRequest{
		PowScheme: crypto.PowSchemeSha256,
		PowTarget: crypto.PowTargetFromComplexity(crypto.PowSchemeSha256, 1),
	}
	if frame.ProofOfWork, err = weak.ComputeProof(frame.SignedRequestPayload.Signature); err != nil {
		t.Fatal(err)
	}
	if err = provider.node.OnBroadcastFrame(ctx, requesterPub, frame); err != nil {
		t.Fatal(err)
	}
	if accepted != 0 {
		t.Fatal("broadcast with an undersized proof was accepted")
	}

	work := crypto.WorkRequest{
		PowScheme: crypto.PowSchemeSha256,
		PowTarget: crypto.PowTargetFromComplexity(crypto.PowSchemeSha256, 8),
	}
	if frame.ProofOfWork, err = work.ComputeProof(frame.SignedRequestPayload.Signature); err != nil {
		t.Fatal(err)
	}
	if err = provider.node.OnBroadcastFrame(ctx, requesterPub, frame); err != nil {
		t.Fatal(err)
	}
	if accepted != 1 {
		t.Fatalf("expected the proven broadcast accepted once, got %d", accepted)
	}
	if got := len(provider.session.sentMessages()); got != 1 {
		t.Fatalf("expected one reply sent, got %d", got)
	}
}

func TestBroadcastTopicAttachesProof(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	core := newSettlerCore(t, wallet)
	tn := newTestNode(t, wallet, core)
	tn.node.cfg.BroadcastPowComplexity = 8

	peerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	peer := crypto.PublicKeyHex(peerKey.Public().(ed25519.PublicKey))
	if err = tn.db.TouchContact(ctx, peer, time.Now()); err != nil {
		t.Fatal(err)
	}

	payload, err := tn.node.BroadcastTopic(ctx, []byte("mow the lawn"), core.uri)
	if err != nil {
		t.Fatal(err)
	}

	sent := tn.session.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sent))
	}
	frame := sent[0].frame.(*frames.BroadcastFrame)
	if frame.ProofOfWork == nil {
		t.Fatal("broadcast left without a proof of work")
	}
	target := crypto.PowTargetFromComplexity(crypto.PowSchemeSha256, 8)
	if !bytes.Equal(frame.ProofOfWork.PowTarget, target) {
		t.Fatal("proof target does not match the configured complexity")
	}
	if !frame.ProofOfWork.Validate(payload.Signature) {
		t.Fatal("attached proof does not validate over the payload signature")
	}
}

func TestRequesterResponseLifecycle(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	core := newSettlerCore(t, wallet)
	requester := newTestNode(t, wallet, core)

	providerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	providerPub := crypto.PublicKeyHex(providerKey.Public().(ed25519.PublicKey))

	requesterFacade := &fakeSettler{core: core, priv: requester.key}
	payload, err := requesterFacade.GenerateRequestPayload(ctx, []byte("mow the lawn"))
	if err != nil {
		t.Fatal(err)
	}

	providerFacade := &fakeSettler{core: core, priv: providerKey}
	replyHash, err := providerFacade.GenerateReplyPaymentPreimage(ctx, payload.Id, providerPub)
	if err != nil {
		t.Fatal(err)
	}
	replyInvoice, err := wallet.AddHodlInvoice(ctx, 900, replyHash, "reply", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	secret := []byte("call me at +48 555 0199")
	trust, err := providerFacade.GenerateSettlementTrust(ctx, replyInvoice.PaymentRequest, secret, payload)
	if err != nil {
		t.Fatal(err)
	}

	frame := &frames.ReplyFrame{
		EncryptedReplyPayload:   trust.EncryptedReplyPayload,
		SignedSettlementPromise: trust.Promise,
		ForwardOnion:            *frames.NewOnion(),
		NetworkInvoice:          trust.NetworkInvoice,
	}

	if err = requester.node.OnResponseFrame(ctx, providerPub, frame, true); err != nil {
		t.Fatal(err)
	}
	// a relayed duplicate of the same response is not a new event
	if err = requester.node.OnResponseFrame(ctx, providerPub, frame, true); err != nil {
		t.Fatal(err)
	}
	if len(requester.events.newResponses) != 1 {
		t.Fatalf("expected one new-response event, got %d", len(requester.events.newResponses))
	}
	replyId := requester.events.newResponses[0]

	replies, err := requester.node.GetResponses(ctx, payload.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 {
		t.Fatalf("expected one stored reply, got %d", len(replies))
	}
	if replies[0].DecryptedMessage != nil {
		t.Fatal("reply message must stay sealed until the authority releases the key")
	}

	if err = requester.node.AcceptResponse(ctx, payload.Id, replyId); err != nil {
		t.Fatal(err)
	}
	task, err := requester.db.AcquireTask(ctx, GossipTaskPool)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.Type != "pay-network-invoice" {
		t.Fatalf("expected payment task, got %+v", task)
	}
	if err = requester.node.executeTask(ctx, task); err != nil {
		t.Fatal(err)
	}

	requester.events.mx.Lock()
	paid := len(requester.events.paymentStates) > 0 && requester.events.paymentStates[len(requester.events.paymentStates)-1] == db.PaymentStatusSucceeded
	requester.events.mx.Unlock()
	if !paid {
		t.Fatal("payment success was not surfaced")
	}

	// the authority accepts the gig and releases the symmetric key
	core.completeGig(payload.Id, trust.ReplyCertificateId)
	upd, err := requesterFacade.GetGigStatus(ctx, payload.Id, trust.ReplyCertificateId)
	if err != nil {
		t.Fatal(err)
	}
	requester.node.applyGigStatus(ctx, core.uri, *upd)

	got := requester.events.ready[replyId]
	if !bytes.Equal(got, secret) {
		t.Fatalf("decrypted reply mismatch: %q", got)
	}

	// a repeated update must not fire the event machinery again
	requester.node.applyGigStatus(ctx, core.uri, *upd)
	replies, err = requester.node.GetResponses(ctx, payload.Id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(replies[0].DecryptedMessage, secret) {
		t.Fatal("decrypted message not persisted")
	}
}

func TestCancelBroadcastCancelsProviderEscrow(t *testing.T) {
	ctx := context.Background()
	wallet := newFakeWallet()
	core := newSettlerCore(t, wallet)
	provider := newTestNode(t, wallet, core)

	requesterKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	requesterPub := crypto.PublicKeyHex(requesterKey.Public().(ed25519.PublicKey))
	frame := requesterBroadcastTo(t, core, requesterKey, provider.pub)

	provider.events.accept = func(*frames.BroadcastFrame) *AcceptBroadcastResponse {
		return &AcceptBroadcastResponse{Message: []byte("on my way"), Fee: 300, SettlerUri: core.uri}
	}
	if err = provider.node.OnBroadcastFrame(ctx, requesterPub, frame); err != nil {
		t.Fatal(err)
	}

	requesterFacade := &fakeSettler{core: core, priv: requesterKey}
	cancelPayload, err := requesterFacade.GenerateCancelRequestPayload(ctx, frame.SignedRequestPayload.Id)
	if err != nil {
		t.Fatal(err)
	}

	cancel := &frames.CancelBroadcastFrame{SignedCancelRequestPayload: *cancelPayload}
	if err = provider.node.OnCancelBroadcastFrame(ctx, requesterPub, cancel); err != nil {
		t.Fatal(err)
	}
	if provider.events.cancelsSeen != 1 {
		t.Fatalf("expected one cancel event, got %d", provider.events.cancelsSeen)
	}

	ab, err := provider.db.GetAcceptedBroadcast(ctx, core.uri, frame.SignedRequestPayload.Id)
	if err != nil {
		t.Fatal(err)
	}
	if !ab.Cancelled {
		t.Fatal("escrow row not marked cancelled")
	}

	task, err := provider.db.AcquireTask(ctx, GossipTaskPool)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil || task.Type != "cancel-invoice" {
		t.Fatalf("expected cancel-invoice task, got %+v", task)
	}
	if err = provider.node.executeTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err = provider.db.CompleteTask(ctx, GossipTaskPool, task); err != nil {
		t.Fatal(err)
	}
	if state, _ := wallet.LookupInvoice(ctx, ab.ReplyInvoiceHash); state != db.InvoiceStateCancelled {
		t.Fatalf("reply invoice not cancelled, state %s", state)
	}

	// a re-accept for an already cancelled request sends nothing new
	before := len(provider.session.sentMessages())
	if err = provider.node.OnBroadcastFrame(ctx, requesterPub, frame); err != nil {
		t.Fatal(err)
	}
	if got := len(provider.session.sentMessages()); got != before {
		t.Fatalf("cancelled request produced a reply, sends %d -> %d", before, got)
	}

	// a cancel signed by someone else must be ignored
	otherKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	otherFacade := &fakeSettler{core: core, priv: otherKey}
	forged, err := otherFacade.GenerateCancelRequestPayload(ctx, frame.SignedRequestPayload.Id)
	if err != nil {
		t.Fatal(err)
	}
	stranger := crypto.PublicKeyHex(otherKey.Public().(ed25519.PublicKey))
	if err = provider.node.OnCancelBroadcastFrame(ctx, stranger, &frames.CancelBroadcastFrame{SignedCancelRequestPayload: *forged}); err != nil {
		t.Fatal(err)
	}
	if task, _ = provider.db.AcquireTask(ctx, GossipTaskPool); task != nil {
		t.Fatalf("forged cancel queued a task: %+v", task)
	}
}
