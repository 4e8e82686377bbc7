package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
	"github.com/gigmesh/gig-gossip-network/pkg/frames"
	"github.com/gigmesh/gig-gossip-network/pkg/log"
	"github.com/gigmesh/gig-gossip-network/pkg/retry"
)

const (
	defaultChunkSize  = 32 * 1024
	maxChunkCount     = 2048
	sendQueueSize     = 4096
	resubscribeWait   = 3 * time.Second
	partialTTL        = 10 * time.Minute
	partialSweepEvery = time.Minute
)

// MessageLedger is the durable half of the exactly-once dedup set.
type MessageLedger interface {
	IsMessageProcessed(ctx context.Context, id string) (bool, error)
	MarkMessageProcessed(ctx context.Context, id string, kind int) error
}

// ContactBook records peer liveness from hello and protocol traffic.
type ContactBook interface {
	TouchContact(ctx context.Context, peerKey string, seen time.Time) error
}

// Handler processes one fully reassembled frame. A returned error aborts the
// message so a relay redelivery can retry it.
type Handler func(ctx context.Context, senderKey string, frameType string, data []byte) error

type partialMessage struct {
	sender    string
	frameType string
	kind      int
	chunks    [][]byte
	got       int
	touched   time.Time
}

// Session maintains the relay subscription for one node key and runs the
// chunked, deduplicated send/receive pipeline on top of it.
type Session struct {
	key    ed25519.PrivateKey
	pubKey string

	relay    RelayProvider
	ledger   MessageLedger
	contacts ContactBook
	policy   retry.Policy

	handler         Handler
	settingsHandler func(ctx context.Context, data []byte)

	chunkSize int

	out chan *Event

	mx        sync.Mutex
	open      map[string]bool
	partial   map[string]*partialMessage
	lastSweep time.Time

	closeCtx context.Context
	closer   func()
	wg       sync.WaitGroup
}

func NewSession(key ed25519.PrivateKey, relay RelayProvider, ledger MessageLedger, contacts ContactBook, policy retry.Policy) *Session {
	s := &Session{
		key:       key,
		pubKey:    crypto.PublicKeyHex(key.Public().(ed25519.PublicKey)),
		relay:     relay,
		ledger:    ledger,
		contacts:  contacts,
		policy:    policy,
		chunkSize: defaultChunkSize,
		out:       make(chan *Event, sendQueueSize),
		open:      map[string]bool{},
		partial:   map[string]*partialMessage{},
	}
	s.closeCtx, s.closer = context.WithCancel(context.Background())
	return s
}

func (s *Session) PublicKey() string {
	return s.pubKey
}

func (s *Session) SetHandler(h Handler) {
	s.handler = h
}

func (s *Session) SetSettingsHandler(h func(ctx context.Context, data []byte)) {
	s.settingsHandler = h
}

func (s *Session) Start() {
	s.wg.Add(2)
	go s.senderLoop()
	go s.receiverLoop()
}

// Stop cancels both pipeline goroutines and waits for them.
func (s *Session) Stop() {
	s.closer()
	s.wg.Wait()
}

// SendMessage serializes the frame, chunks and encrypts it toward the target
// key and enqueues the chunks. It returns the message group id immediately;
// the actual publish happens on the sender goroutine under the retry policy.
func (s *Session) SendMessage(ctx context.Context, targetKey string, frame any, ephemeral bool, expiration *time.Time) (string, error) {
	if targetKey == s.pubKey {
		return "", fmt.Errorf("refusing to message ourselves")
	}

	theirPub, err := crypto.PublicKeyFromHex(targetKey)
	if err != nil {
		return "", fmt.Errorf("invalid target key: %w", err)
	}

	frameType, data, err := frames.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("failed to serialize frame: %w", err)
	}

	shared, err := crypto.SharedSecret(s.key, theirPub)
	if err != nil {
		return "", fmt.Errorf("failed to derive shared secret: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	groupId := uuid.New().String()

	kind := KindMessage
	if ephemeral {
		kind = KindEphemeral
	}

	total := (len(encoded) + s.chunkSize - 1) / s.chunkSize
	if total == 0 {
		total = 1
	}
	if total > maxChunkCount {
		return "", fmt.Errorf("frame too large: %d chunks", total)
	}

	events := make([]*Event, 0, total)
	for i := 0; i < total; i++ {
		from, to := i*s.chunkSize, (i+1)*s.chunkSize
		if to > len(encoded) {
			to = len(encoded)
		}

		sealed, err := crypto.SymmetricEncrypt(shared, []byte(encoded[from:to]))
		if err != nil {
			return "", fmt.Errorf("failed to encrypt chunk: %w", err)
		}

		tags := [][]string{
			{TagRecipient, targetKey},
			{TagGroupId, groupId},
			{TagFrameType, frameType},
			{TagChunkIndex, strconv.Itoa(i)},
			{TagChunkCount, strconv.Itoa(total)},
		}
		if expiration != nil {
			tags = append(tags, []string{TagExpiration, strconv.FormatInt(expiration.Unix(), 10)})
		}

		ev := &Event{
			Kind:      kind,
			CreatedAt: time.Now().Unix(),
			Tags:      tags,
			Content:   base64.StdEncoding.EncodeToString(sealed),
		}
		if err = ev.Sign(s.key); err != nil {
			return "", fmt.Errorf("failed to sign event: %w", err)
		}
		events = append(events, ev)
	}

	for _, ev := range events {
		select {
		case s.out <- ev:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.closeCtx.Done():
			return "", fmt.Errorf("session closed")
		}
	}

	return groupId, nil
}

// SendHello publishes a heartbeat so peers refresh this node in their
// contact sets.
func (s *Session) SendHello(ctx context.Context) error {
	ev := &Event{
		Kind:      KindHello,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{},
	}
	if err := ev.Sign(s.key); err != nil {
		return fmt.Errorf("failed to sign hello: %w", err)
	}
	return s.enqueue(ctx, ev)
}

// PublishContactList broadcasts this node's contact set as recipient tags.
func (s *Session) PublishContactList(ctx context.Context, peers []string) error {
	tags := make([][]string, 0, len(peers))
	for _, p := range peers {
		tags = append(tags, []string{TagRecipient, p})
	}

	ev := &Event{
		Kind:      KindContactList,
		CreatedAt: time.Now().Unix(),
		Tags:      tags,
	}
	if err := ev.Sign(s.key); err != nil {
		return fmt.Errorf("failed to sign contact list: %w", err)
	}
	return s.enqueue(ctx, ev)
}

// SaveSettings publishes self-encrypted settings, replaceable by kind.
func (s *Session) SaveSettings(ctx context.Context, data []byte) error {
	shared, err := crypto.SharedSecret(s.key, s.key.Public().(ed25519.PublicKey))
	if err != nil {
		return fmt.Errorf("failed to derive self secret: %w", err)
	}
	sealed, err := crypto.SymmetricEncrypt(shared, data)
	if err != nil {
		return fmt.Errorf("failed to encrypt settings: %w", err)
	}

	ev := &Event{
		Kind:      KindSettings,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{TagRecipient, s.pubKey}},
		Content:   base64.StdEncoding.EncodeToString(sealed),
	}
	if err = ev.Sign(s.key); err != nil {
		return fmt.Errorf("failed to sign settings: %w", err)
	}
	return s.enqueue(ctx, ev)
}

func (s *Session) enqueue(ctx context.Context, ev *Event) error {
	select {
	case s.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCtx.Done():
		return fmt.Errorf("session closed")
	}
}

func (s *Session) senderLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closeCtx.Done():
			return
		case ev := <-s.out:
			err := s.policy.Do(s.closeCtx, func(ctx context.Context) error {
				return s.relay.Publish(ctx, ev)
			})
			if err != nil {
				log.Error().Err(err).Int("kind", ev.Kind).Str("id", ev.Id).Msg("failed to publish event, giving up")
			}
		}
	}
}

func (s *Session) receiverLoop() {
	defer s.wg.Done()

	for {
		ch, err := s.relay.Subscribe(s.closeCtx, SessionFilters(s.pubKey))
		if err != nil {
			select {
			case <-s.closeCtx.Done():
				return
			case <-time.After(resubscribeWait):
			}
			log.Warn().Err(err).Msg("failed to subscribe to relay, retrying")
			continue
		}

		for ev := range ch {
			s.handleEvent(s.closeCtx, ev)
		}

		select {
		case <-s.closeCtx.Done():
			return
		default:
		}
		log.Warn().Msg("relay subscription closed, reconnecting")
	}
}

func (s *Session) handleEvent(ctx context.Context, ev *Event) {
	if !ev.VerifySignature() {
		log.Debug().Str("id", ev.Id).Msg("dropping event with bad signature")
		return
	}
	if ev.Expired(time.Now()) {
		return
	}

	switch ev.Kind {
	case KindHello:
		if ev.PubKey == s.pubKey {
			return
		}
		if err := s.contacts.TouchContact(ctx, ev.PubKey, time.Unix(ev.CreatedAt, 0)); err != nil {
			log.Error().Err(err).Str("peer", ev.PubKey).Msg("failed to record hello")
		}
	case KindContactList:
		for _, t := range ev.Tags {
			if len(t) < 2 || t[0] != TagRecipient || t[1] == s.pubKey {
				continue
			}
			if err := s.contacts.TouchContact(ctx, t[1], time.Unix(ev.CreatedAt, 0)); err != nil {
				log.Error().Err(err).Str("peer", t[1]).Msg("failed to record contact")
			}
		}
	case KindSettings:
		if s.settingsHandler == nil || ev.PubKey != s.pubKey {
			return
		}
		data, err := s.decryptContent(ev.PubKey, ev.Content)
		if err != nil {
			log.Debug().Err(err).Msg("dropping undecryptable settings")
			return
		}
		s.settingsHandler(ctx, data)
	case KindMessage, KindEphemeral:
		s.handleChunk(ctx, ev)
	}
}

func (s *Session) handleChunk(ctx context.Context, ev *Event) {
	if ev.PubKey == s.pubKey {
		return
	}

	groupId := ev.Tag(TagGroupId)
	frameType := ev.Tag(TagFrameType)
	if groupId == "" || frameType == "" {
		log.Debug().Str("id", ev.Id).Msg("dropping chunk without group or type")
		return
	}

	index, err := ev.IntTag(TagChunkIndex)
	if err != nil {
		log.Debug().Err(err).Str("id", ev.Id).Msg("dropping chunk with bad index")
		return
	}
	count, err := ev.IntTag(TagChunkCount)
	if err != nil || count <= 0 || count > maxChunkCount || index < 0 || index >= count {
		log.Debug().Str("id", ev.Id).Msg("dropping chunk with bad count")
		return
	}

	chunk, err := s.decryptContent(ev.PubKey, ev.Content)
	if err != nil {
		log.Debug().Err(err).Str("peer", ev.PubKey).Msg("dropping undecryptable chunk")
		return
	}

	if err = s.contacts.TouchContact(ctx, ev.PubKey, time.Unix(ev.CreatedAt, 0)); err != nil {
		log.Error().Err(err).Str("peer", ev.PubKey).Msg("failed to refresh contact")
	}

	now := time.Now()
	s.mx.Lock()
	s.sweepStalePartials(now)
	p := s.partial[groupId]
	if p == nil {
		p = &partialMessage{
			sender:    ev.PubKey,
			frameType: frameType,
			kind:      ev.Kind,
			chunks:    make([][]byte, count),
		}
		s.partial[groupId] = p
	}
	if len(p.chunks) != count || p.sender != ev.PubKey {
		s.mx.Unlock()
		log.Debug().Str("group", groupId).Msg("dropping chunk inconsistent with its group")
		return
	}
	p.touched = now
	if p.chunks[index] == nil {
		p.chunks[index] = chunk
		p.got++
	}
	done := p.got == count
	if done {
		delete(s.partial, groupId)
	}
	s.mx.Unlock()

	if !done {
		return
	}

	var encoded []byte
	for _, c := range p.chunks {
		encoded = append(encoded, c...)
	}
	data, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		log.Debug().Err(err).Str("group", groupId).Msg("dropping unreadable message")
		return
	}

	s.process(ctx, groupId, p, data)
}

func (s *Session) process(ctx context.Context, groupId string, p *partialMessage, data []byte) {
	if s.handler == nil {
		return
	}

	if !s.OpenMessage(ctx, groupId) {
		return
	}

	if err := s.handler(ctx, p.sender, p.frameType, data); err != nil {
		log.Error().Err(err).Str("group", groupId).Str("type", p.frameType).Msg("failed to process message")
		s.AbortMessage(groupId)
		return
	}

	s.CommitMessage(ctx, groupId, p.kind)
}

// OpenMessage atomically test-and-sets the message id in the in-memory and
// durable dedup sets. False means skip: already processed or in flight. The
// in-memory entry only guards the window until commit; once the id is durable
// it is released again so the map holds in-flight ids only.
func (s *Session) OpenMessage(ctx context.Context, id string) bool {
	s.mx.Lock()
	if s.open[id] {
		s.mx.Unlock()
		return false
	}
	s.open[id] = true
	s.mx.Unlock()

	processed, err := s.ledger.IsMessageProcessed(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("failed to check dedup set")
		s.AbortMessage(id)
		return false
	}
	if processed {
		s.AbortMessage(id)
		return false
	}
	return true
}

// CommitMessage persists the id after the handler succeeded and releases the
// in-memory lock. On a persist failure the lock stays held, so the message
// cannot run twice within this process.
func (s *Session) CommitMessage(ctx context.Context, id string, kind int) {
	if err := s.ledger.MarkMessageProcessed(ctx, id, kind); err != nil {
		log.Error().Err(err).Str("id", id).Msg("failed to persist processed message id")
		return
	}
	s.AbortMessage(id)
}

// AbortMessage releases the in-memory lock so a redelivery can retry.
func (s *Session) AbortMessage(id string) {
	s.mx.Lock()
	delete(s.open, id)
	s.mx.Unlock()
}

// sweepStalePartials drops chunk groups that stopped receiving chunks, at
// most once per sweep interval. Callers hold s.mx.
func (s *Session) sweepStalePartials(now time.Time) {
	if now.Sub(s.lastSweep) < partialSweepEvery {
		return
	}
	s.lastSweep = now

	for id, p := range s.partial {
		if now.Sub(p.touched) > partialTTL {
			delete(s.partial, id)
			log.Debug().Str("group", id).Msg("dropping stale incomplete message")
		}
	}
}

func (s *Session) decryptContent(authorKey, content string) ([]byte, error) {
	theirPub, err := crypto.PublicKeyFromHex(authorKey)
	if err != nil {
		return nil, fmt.Errorf("invalid author key: %w", err)
	}
	shared, err := crypto.SharedSecret(s.key, theirPub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return crypto.SymmetricDecrypt(shared, sealed)
}
