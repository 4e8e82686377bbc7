package gignode

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gigmesh/gig-gossip-network/gignode/db"
	"github.com/gigmesh/gig-gossip-network/gignode/metrics"
	"github.com/gigmesh/gig-gossip-network/gignode/transport"
	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
	"github.com/gigmesh/gig-gossip-network/pkg/frames"
	"github.com/gigmesh/gig-gossip-network/pkg/log"
)

var ErrDenied = errors.New("access denied")
var ErrLockTimeout = errors.New("escrow lock wait timed out")
var ErrNoSettler = errors.New("unknown settlement authority")

const GossipTaskPool = "gg"

// Invoice is the wallet's view of a created invoice.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Amount         int64
}

type DecodedInvoice struct {
	PaymentHash string
	Amount      int64
}

type InvoiceUpdate struct {
	PaymentHash string
	State       db.InvoiceState
}

type PaymentUpdate struct {
	PaymentHash string
	Status      db.PaymentStatus
}

type GigStatusUpdate struct {
	RequestId          uuid.UUID
	ReplyCertificateId uuid.UUID
	Status             db.GigStatus
	SymmetricKey       string
}

// Wallet is the consumed Lightning-style wallet capability.
type Wallet interface {
	AddHodlInvoice(ctx context.Context, amount int64, paymentHash, memo string, expiry time.Duration) (*Invoice, error)
	DecodeInvoice(ctx context.Context, paymentRequest string) (*DecodedInvoice, error)
	SendPayment(ctx context.Context, paymentRequest string, timeout time.Duration, feeLimit int64) (db.PaymentStatus, error)
	SettleInvoice(ctx context.Context, preimage string) error
	CancelInvoice(ctx context.Context, paymentHash string) error
	GetBalance(ctx context.Context) (int64, error)

	LookupInvoice(ctx context.Context, paymentHash string) (db.InvoiceState, error)
	LookupPayment(ctx context.Context, paymentHash string) (db.PaymentStatus, error)
	InvoiceUpdates(ctx context.Context) (<-chan InvoiceUpdate, error)
	PaymentUpdates(ctx context.Context) (<-chan PaymentUpdate, error)
}

// SettlementTrust is the settlement authority's escrow bundle for one reply.
type SettlementTrust struct {
	Promise               frames.SettlementPromise
	NetworkInvoice        string
	EncryptedReplyPayload []byte
	ReplyCertificateId    uuid.UUID
}

// Settler is the consumed settlement authority capability.
type Settler interface {
	Uri() string
	AuthorityPublicKey(ctx context.Context) (ed25519.PublicKey, error)
	IsCertificateRevoked(ctx context.Context, id uuid.UUID) (bool, error)

	GenerateRequestPayload(ctx context.Context, topic []byte) (*frames.RequestPayload, error)
	GenerateCancelRequestPayload(ctx context.Context, requestId uuid.UUID) (*frames.CancelRequestPayload, error)
	// GenerateReplyPaymentPreimage creates a preimage held by the authority
	// and returns its payment hash.
	GenerateReplyPaymentPreimage(ctx context.Context, requestId uuid.UUID, providerKey string) (paymentHash string, err error)
	GenerateSettlementTrust(ctx context.Context, replyInvoice string, message []byte, signedRequestPayload *frames.RequestPayload) (*SettlementTrust, error)
	// GenerateRelatedPreimage derives a fresh preimage tied to paymentHash and
	// returns the new payment hash. The authority reveals both preimages
	// together once the downstream payment settles.
	GenerateRelatedPreimage(ctx context.Context, paymentHash string) (relatedPaymentHash string, err error)
	ValidateRelatedPaymentHashes(ctx context.Context, paymentHash, relatedPaymentHash string) (bool, error)
	RevealPreimage(ctx context.Context, paymentHash string) (string, error)

	GetGigStatus(ctx context.Context, requestId, replyCertId uuid.UUID) (*GigStatusUpdate, error)
	GigStatusUpdates(ctx context.Context) (<-chan GigStatusUpdate, error)
}

// SettlerDirectory resolves settlement authorities by uri.
type SettlerDirectory interface {
	Get(ctx context.Context, uri string) (Settler, error)
}

// AcceptBroadcastResponse is the application's decision to become the
// provider for a request. PreSend, when set, runs after the escrow row is
// durable but before the reply leaves the node.
type AcceptBroadcastResponse struct {
	Message    []byte
	Fee        int64
	SettlerUri string

	PreSend func(ctx context.Context, ab *db.AcceptedBroadcast) error
}

// Events is the injected application capability set. OnAcceptBroadcast
// returning (nil, nil) means relay the request further instead of accepting.
type Events interface {
	OnAcceptBroadcast(ctx context.Context, frame *frames.BroadcastFrame) (*AcceptBroadcastResponse, error)
	OnNewResponse(ctx context.Context, reply *frames.ReplyPayload, networkInvoice string, networkAmount int64)
	OnResponseReady(ctx context.Context, requestId, replyId uuid.UUID, message []byte)
	OnInvoiceStateChange(ctx context.Context, hash string, state db.InvoiceState)
	OnPaymentStatusChange(ctx context.Context, hash string, status db.PaymentStatus)
	OnCancelBroadcast(ctx context.Context, frame *frames.CancelBroadcastFrame)
}

// DB is the node's consumed storage surface, satisfied by *db.DB.
type DB interface {
	Transaction(ctx context.Context, f func(ctx context.Context) error) error

	CreateTask(ctx context.Context, poolName, typ, queue, id string, data any, executeAfter, executeTill *time.Time) error
	AcquireTask(ctx context.Context, poolName string) (*db.Task, error)
	RetryTask(ctx context.Context, task *db.Task, reason string, retryAt time.Time) error
	CompleteTask(ctx context.Context, poolName string, task *db.Task) error

	FilterNotBroadcasted(ctx context.Context, requestId uuid.UUID, peers []string) ([]string, error)
	MarkBroadcasted(ctx context.Context, requestId uuid.UUID, peers []string) error
	GetBroadcastedPeers(ctx context.Context, requestId uuid.UUID) ([]string, error)
	FilterNotCancelBroadcasted(ctx context.Context, requestId uuid.UUID, peers []string) ([]string, error)
	MarkCancelBroadcasted(ctx context.Context, requestId uuid.UUID, peers []string) error

	CreateAcceptedBroadcast(ctx context.Context, ab *db.AcceptedBroadcast) error
	GetAcceptedBroadcast(ctx context.Context, settlerUri string, requestId uuid.UUID) (*db.AcceptedBroadcast, error)
	MarkAcceptedBroadcastCancelled(ctx context.Context, settlerUri string, requestId uuid.UUID) (*db.AcceptedBroadcast, error)
	ListAcceptedBroadcasts(ctx context.Context, requestId uuid.UUID) ([]*db.AcceptedBroadcast, error)

	CreateRelayedResponse(ctx context.Context, rr *db.RelayedResponse) error
	GetRelayedResponse(ctx context.Context, incomingHash string) (*db.RelayedResponse, error)

	StoreReplyPayload(ctx context.Context, row *db.ReplyPayloadRow) (bool, error)
	GetReplyPayload(ctx context.Context, requestId, replyId uuid.UUID) (*db.ReplyPayloadRow, error)
	UpdateReplyPayload(ctx context.Context, row *db.ReplyPayloadRow) error
	ListReplyPayloads(ctx context.Context, requestId uuid.UUID) ([]*db.ReplyPayloadRow, error)

	MonitorInvoice(ctx context.Context, hash string, data []byte) (bool, error)
	UpdateInvoiceState(ctx context.Context, hash string, state db.InvoiceState) (*db.MonitoredInvoice, bool, error)
	RemoveMonitoredInvoice(ctx context.Context, hash string) error
	ListMonitoredInvoices(ctx context.Context) ([]*db.MonitoredInvoice, error)

	MonitorPayment(ctx context.Context, hash string, data []byte) (bool, error)
	UpdatePaymentStatus(ctx context.Context, hash string, status db.PaymentStatus) (*db.MonitoredPayment, bool, error)
	RemoveMonitoredPayment(ctx context.Context, hash string) error
	ListMonitoredPayments(ctx context.Context) ([]*db.MonitoredPayment, error)

	MonitorPreimage(ctx context.Context, settlerUri, hash string) (bool, error)
	SetPreimageRevealed(ctx context.Context, settlerUri, hash, preimage string) (*db.MonitoredPreimage, bool, error)
	RemoveMonitoredPreimage(ctx context.Context, settlerUri, hash string) error
	ListMonitoredPreimages(ctx context.Context) ([]*db.MonitoredPreimage, error)

	MonitorGigStatus(ctx context.Context, settlerUri string, requestId, replyCertId uuid.UUID, data []byte) (bool, error)
	UpdateGigStatus(ctx context.Context, settlerUri string, requestId, replyCertId uuid.UUID, status db.GigStatus, symmetricKey string) (*db.MonitoredGigStatus, bool, error)
	ListMonitoredGigStatuses(ctx context.Context) ([]*db.MonitoredGigStatus, error)

	ListActiveContacts(ctx context.Context, since time.Time) ([]string, error)
}

// Session is the node's consumed transport surface, satisfied by
// *transport.Session.
type Session interface {
	PublicKey() string
	SetHandler(h transport.Handler)
	SendMessage(ctx context.Context, targetKey string, frame any, ephemeral bool, expiration *time.Time) (string, error)
	SendHello(ctx context.Context) error
	PublishContactList(ctx context.Context, peers []string) error
	Start()
	Stop()
}

// Config holds the gossip-protocol tunables. BroadcastPowComplexity is the
// minimum leading-zero-bit count required on broadcast proofs of work, 0
// disables the gate.
type Config struct {
	Fanout                 int
	PriceAmountForRouting  int64
	BroadcastPowComplexity int
	TimestampTolerance     time.Duration
	BroadcastExpiration    time.Duration
	ContactActiveWindow    time.Duration
	InvoiceExpiry          time.Duration
	PaymentTimeout         time.Duration
	PaymentFeeLimit        int64
	EscrowLockTimeout      time.Duration
	HelloInterval          time.Duration
	PreimagePollInterval   time.Duration
	GigStatusPollInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Fanout:                 2,
		PriceAmountForRouting:  100,
		BroadcastPowComplexity: 0,
		TimestampTolerance:     5 * time.Minute,
		BroadcastExpiration:    time.Hour,
		ContactActiveWindow:    24 * time.Hour,
		InvoiceExpiry:          time.Hour,
		PaymentTimeout:         90 * time.Second,
		PaymentFeeLimit:        10000,
		EscrowLockTimeout:      30 * time.Second,
		HelloInterval:          10 * time.Minute,
		PreimagePollInterval:   15 * time.Second,
		GigStatusPollInterval:  15 * time.Second,
	}
}

// Node is the gig gossip protocol engine: it broadcasts and relays job
// requests, escrows replies through hold invoices and a settlement
// authority, and tracks asynchronous invoice/payment/gig state.
type Node struct {
	key    ed25519.PrivateKey
	pubKey string

	db       DB
	session  Session
	wallet   Wallet
	settlers SettlerDirectory
	events   Events
	dir      frames.AuthorityDirectory

	cfg Config

	workerSignal chan bool
	escrowGate   chan struct{}

	gigStreamsMx sync.Mutex
	gigStreams   map[string]bool

	globalCtx    context.Context
	globalCancel context.CancelFunc
	wg           sync.WaitGroup
}

func NewNode(key ed25519.PrivateKey, database DB, session Session, wallet Wallet, settlers SettlerDirectory, events Events, cfg Config) *Node {
	metrics.RegisterMetrics("gignode")

	globalCtx, globalCancel := context.WithCancel(context.Background())
	n := &Node{
		key:          key,
		pubKey:       crypto.PublicKeyHex(key.Public().(ed25519.PublicKey)),
		db:           database,
		session:      session,
		wallet:       wallet,
		settlers:     settlers,
		events:       events,
		cfg:          cfg,
		workerSignal: make(chan bool, 1),
		escrowGate:   make(chan struct{}, 1),
		gigStreams:   map[string]bool{},
		globalCtx:    globalCtx,
		globalCancel: globalCancel,
	}
	n.dir = &settlerAuthorityDirectory{settlers: settlers}
	session.SetHandler(n.handleFrame)
	return n
}

func (n *Node) PublicKey() string {
	return n.pubKey
}

// Start launches the transport session, the task worker and the four state
// monitors.
func (n *Node) Start() {
	n.session.Start()

	n.wg.Add(6)
	go func() {
		defer n.wg.Done()
		n.taskExecutor()
	}()
	go func() {
		defer n.wg.Done()
		n.invoiceMonitor()
	}()
	go func() {
		defer n.wg.Done()
		n.paymentMonitor()
	}()
	go func() {
		defer n.wg.Done()
		n.preimageMonitor()
	}()
	go func() {
		defer n.wg.Done()
		n.gigStatusMonitor()
	}()
	go func() {
		defer n.wg.Done()
		n.helloLoop()
	}()
}

// Stop cancels every background loop and joins them before returning.
func (n *Node) Stop() {
	n.globalCancel()
	n.session.Stop()
	n.wg.Wait()
}

func (n *Node) handleFrame(ctx context.Context, senderKey, frameType string, data []byte) error {
	frame, err := frames.Unmarshal(frameType, data)
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}

	switch f := frame.(type) {
	case *frames.BroadcastFrame:
		return n.OnBroadcastFrame(ctx, senderKey, f)
	case *frames.CancelBroadcastFrame:
		return n.OnCancelBroadcastFrame(ctx, senderKey, f)
	case *frames.ReplyFrame:
		return n.OnResponseFrame(ctx, senderKey, f, true)
	}
	return fmt.Errorf("unhandled frame type %q", frameType)
}

// acquireEscrowGate serializes escrow-critical sections with a bounded wait.
func (n *Node) acquireEscrowGate(ctx context.Context) (func(), error) {
	timer := time.NewTimer(n.cfg.EscrowLockTimeout)
	defer timer.Stop()

	select {
	case n.escrowGate <- struct{}{}:
		return func() { <-n.escrowGate }, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// touchWorker - forces worker to check db tasks
func (n *Node) touchWorker() {
	select {
	case n.workerSignal <- true:
		// ask queue to take new task without waiting
	default:
	}
}

func (n *Node) helloLoop() {
	for {
		if err := n.session.SendHello(n.globalCtx); err != nil {
			log.Warn().Err(err).Msg("failed to send hello")
		}

		contacts, err := n.db.ListActiveContacts(n.globalCtx, time.Now().Add(-n.cfg.ContactActiveWindow))
		if err != nil {
			log.Error().Err(err).Msg("failed to list contacts for publication")
		} else {
			metrics.ActiveContacts.Set(float64(len(contacts)))
		}
		if err == nil && len(contacts) > 0 {
			if err = n.session.PublishContactList(n.globalCtx, contacts); err != nil {
				log.Warn().Err(err).Msg("failed to publish contact list")
			}
		}

		select {
		case <-n.globalCtx.Done():
			return
		case <-time.After(n.cfg.HelloInterval):
		}
	}
}

// settlerAuthorityDirectory adapts the settler directory to the certificate
// verification interface.
type settlerAuthorityDirectory struct {
	settlers SettlerDirectory
}

func (d *settlerAuthorityDirectory) AuthorityPublicKey(ctx context.Context, uri string) (ed25519.PublicKey, error) {
	s, err := d.settlers.Get(ctx, uri)
	if err != nil {
		return nil, err
	}
	return s.AuthorityPublicKey(ctx)
}

func (d *settlerAuthorityDirectory) IsCertificateRevoked(ctx context.Context, uri string, id uuid.UUID) (bool, error) {
	s, err := d.settlers.Get(ctx, uri)
	if err != nil {
		return false, err
	}
	return s.IsCertificateRevoked(ctx, id)
}

// StaticSettlerDirectory is a fixed uri -> settler map, enough for nodes
// configured with a known set of authorities.
type StaticSettlerDirectory struct {
	mx       sync.RWMutex
	settlers map[string]Settler
}

func NewStaticSettlerDirectory(settlers ...Settler) *StaticSettlerDirectory {
	d := &StaticSettlerDirectory{settlers: map[string]Settler{}}
	for _, s := range settlers {
		d.settlers[s.Uri()] = s
	}
	return d
}

func (d *StaticSettlerDirectory) Register(s Settler) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.settlers[s.Uri()] = s
}

func (d *StaticSettlerDirectory) Get(_ context.Context, uri string) (Settler, error) {
	d.mx.RLock()
	defer d.mx.RUnlock()
	s := d.settlers[uri]
	if s == nil {
		return nil, ErrNoSettler
	}
	return s, nil
}
