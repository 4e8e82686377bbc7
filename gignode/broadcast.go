package gignode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/gigmesh/gig-gossip-network/gignode/db"
	"github.com/gigmesh/gig-gossip-network/gignode/metrics"
	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
	"github.com/gigmesh/gig-gossip-network/pkg/frames"
	"github.com/gigmesh/gig-gossip-network/pkg/log"
)

// BroadcastTopic asks the settlement authority for a signed request payload
// over topic, attaches a proof of work when configured and floods it to a
// random subset of active peers.
func (n *Node) BroadcastTopic(ctx context.Context, topic []byte, settlerUri string) (*frames.RequestPayload, error) {
	settler, err := n.settlers.Get(ctx, settlerUri)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve settler: %w", err)
	}

	payload, err := settler.GenerateRequestPayload(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to generate request payload: %w", err)
	}

	var pow *crypto.ProofOfWork
	if n.cfg.BroadcastPowComplexity > 0 {
		work := crypto.WorkRequest{
			PowScheme: crypto.PowSchemeSha256,
			PowTarget: crypto.PowTargetFromComplexity(crypto.PowSchemeSha256, n.cfg.BroadcastPowComplexity),
		}
		if pow, err = work.ComputeProof(payload.Signature); err != nil {
			return nil, fmt.Errorf("failed to compute proof of work: %w", err)
		}
	}

	if err = n.Broadcast(ctx, payload, pow, "", frames.NewOnion()); err != nil {
		return nil, err
	}
	return payload, nil
}

// Broadcast forwards payload to up to Fanout active peers that have not seen
// it from us yet. Peer selection and history recording happen in one storage
// transaction, so a crash between them can never cause a duplicate send to
// the same peer. Individual send failures are logged and skipped.
func (n *Node) Broadcast(ctx context.Context, payload *frames.RequestPayload, pow *crypto.ProofOfWork, originatorKey string, backwardOnion *frames.Onion) error {
	contacts, err := n.db.ListActiveContacts(ctx, time.Now().Add(-n.cfg.ContactActiveWindow))
	if err != nil {
		return fmt.Errorf("failed to list contacts: %w", err)
	}

	candidates := make([]string, 0, len(contacts))
	for _, peer := range contacts {
		if peer == n.pubKey || peer == originatorKey || peer == payload.SenderCertificate.PublicKey {
			continue
		}
		candidates = append(candidates, peer)
	}

	var selected []string
	err = n.db.Transaction(ctx, func(ctx context.Context) error {
		fresh, err := n.db.FilterNotBroadcasted(ctx, payload.Id, candidates)
		if err != nil {
			return err
		}

		rand.Shuffle(len(fresh), func(i, j int) {
			fresh[i], fresh[j] = fresh[j], fresh[i]
		})
		if len(fresh) > n.cfg.Fanout {
			fresh = fresh[:n.cfg.Fanout]
		}
		selected = fresh

		return n.db.MarkBroadcasted(ctx, payload.Id, selected)
	})
	if err != nil {
		return fmt.Errorf("failed to record broadcast history: %w", err)
	}

	expiration := payload.Timestamp.Add(n.cfg.BroadcastExpiration)
	for _, peer := range selected {
		peerPub, err := crypto.PublicKeyFromHex(peer)
		if err != nil {
			log.Warn().Str("peer", peer).Err(err).Msg("skipping contact with bad key")
			continue
		}

		grown, err := backwardOnion.Grow(n.pubKey, peerPub)
		if err != nil {
			log.Error().Str("peer", peer).Err(err).Msg("failed to grow onion")
			continue
		}

		frame := &frames.BroadcastFrame{
			SignedRequestPayload: *payload,
			BackwardOnion:        *grown,
			ProofOfWork:          pow,
		}
		if _, err = n.session.SendMessage(ctx, peer, frame, true, &expiration); err != nil {
			log.Warn().Str("peer", peer).Err(err).Msg("failed to send broadcast")
			continue
		}
		metrics.BroadcastsSent.Inc()
	}
	return nil
}

// OnBroadcastFrame handles an incoming job request: validate it, ask the
// application whether to take the job, and either escrow a reply or relay
// the request one hop further.
func (n *Node) OnBroadcastFrame(ctx context.Context, peerKey string, frame *frames.BroadcastFrame) error {
	if !n.withinTolerance(frame.SignedRequestPayload.Timestamp) {
		log.Debug().Str("peer", peerKey).Msg("dropping broadcast with timestamp out of tolerance")
		return nil
	}
	if frame.SignedRequestPayload.SenderCertificate.PublicKey == n.pubKey {
		// our own request came back around
		return nil
	}
	if n.cfg.BroadcastPowComplexity > 0 {
		target := crypto.PowTargetFromComplexity(crypto.PowSchemeSha256, n.cfg.BroadcastPowComplexity)
		pow := frame.ProofOfWork
		// the proof's own target must be at least as hard as ours
		if pow == nil || bytes.Compare(pow.PowTarget, target) > 0 || !pow.Validate(frame.SignedRequestPayload.Signature) {
			log.Warn().Str("peer", peerKey).Msg("dropping broadcast without sufficient proof of work")
			return nil
		}
	}
	if !frame.SignedRequestPayload.Verify(ctx, n.dir) {
		log.Warn().Str("peer", peerKey).Msg("dropping broadcast with invalid request payload")
		return nil
	}

	resp, err := n.events.OnAcceptBroadcast(ctx, frame)
	if err != nil {
		return fmt.Errorf("accept decision failed: %w", err)
	}

	if resp == nil {
		if err = n.Broadcast(ctx, &frame.SignedRequestPayload, frame.ProofOfWork, peerKey, &frame.BackwardOnion); err != nil {
			return err
		}
		metrics.BroadcastsRelayed.Inc()
		return nil
	}
	return n.AcceptBroadcast(ctx, frame, resp)
}

// AcceptBroadcast escrows and sends a reply to a request: a hold invoice for
// the fee, a settlement trust from the authority, a durable escrow row, and
// the reply frame sent backward along the onion. Replays for the same
// (settler, request) reuse the stored artifacts byte for byte.
func (n *Node) AcceptBroadcast(ctx context.Context, frame *frames.BroadcastFrame, resp *AcceptBroadcastResponse) error {
	release, err := n.acquireEscrowGate(ctx)
	if err != nil {
		return err
	}
	defer release()

	requestId := frame.SignedRequestPayload.Id

	ab, err := n.db.GetAcceptedBroadcast(ctx, resp.SettlerUri, requestId)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to load accepted broadcast: %w", err)
	}
	if ab != nil {
		if ab.Cancelled {
			return nil
		}
		return n.sendAcceptedReply(ctx, ab, &frame.BackwardOnion)
	}

	settler, err := n.settlers.Get(ctx, resp.SettlerUri)
	if err != nil {
		return fmt.Errorf("failed to resolve settler: %w", err)
	}

	replyHash, err := settler.GenerateReplyPaymentPreimage(ctx, requestId, n.pubKey)
	if err != nil {
		return fmt.Errorf("failed to generate reply payment hash: %w", err)
	}

	replyInvoice, err := n.wallet.AddHodlInvoice(ctx, resp.Fee, replyHash, "gig reply "+requestId.String(), n.cfg.InvoiceExpiry)
	if err != nil {
		return fmt.Errorf("failed to add reply invoice: %w", err)
	}

	trust, err := settler.GenerateSettlementTrust(ctx, replyInvoice.PaymentRequest, resp.Message, &frame.SignedRequestPayload)
	if err != nil {
		return fmt.Errorf("failed to generate settlement trust: %w", err)
	}
	if !trust.Promise.VerifyAll(ctx, trust.EncryptedReplyPayload, n.dir) {
		return fmt.Errorf("settlement promise does not bind the encrypted reply")
	}

	decodedNetwork, err := n.wallet.DecodeInvoice(ctx, trust.NetworkInvoice)
	if err != nil {
		return fmt.Errorf("failed to decode network invoice: %w", err)
	}

	ab = &db.AcceptedBroadcast{
		RequesterKey:          frame.SignedRequestPayload.SenderCertificate.PublicKey,
		SettlerUri:            resp.SettlerUri,
		RequestId:             requestId,
		ReplyInvoiceHash:      replyHash,
		ReplyInvoice:          replyInvoice.PaymentRequest,
		ReplyCertificateId:    trust.ReplyCertificateId,
		SettlementPromise:     trust.Promise,
		NetworkPaymentRequest: trust.NetworkInvoice,
		EncryptedReply:        trust.EncryptedReplyPayload,
		DecodedNetworkAmount:  decodedNetwork.Amount,
		DecodedReplyAmount:    resp.Fee,
		CreatedAt:             time.Now(),
	}

	err = n.db.Transaction(ctx, func(ctx context.Context) error {
		if err := n.db.CreateAcceptedBroadcast(ctx, ab); err != nil {
			return err
		}
		if _, err := n.db.MonitorInvoice(ctx, replyHash, nil); err != nil {
			return err
		}
		_, err := n.db.MonitorPreimage(ctx, resp.SettlerUri, replyHash)
		return err
	})
	if errors.Is(err, db.ErrAlreadyExists) {
		// concurrent accept won the race, resend its artifacts
		if ab, err = n.db.GetAcceptedBroadcast(ctx, resp.SettlerUri, requestId); err != nil {
			return err
		}
		return n.sendAcceptedReply(ctx, ab, &frame.BackwardOnion)
	}
	if err != nil {
		return fmt.Errorf("failed to persist accepted broadcast: %w", err)
	}
	metrics.BroadcastsAccepted.Inc()

	if resp.PreSend != nil {
		if err = resp.PreSend(ctx, ab); err != nil {
			return fmt.Errorf("pre-send hook failed: %w", err)
		}
	}
	return n.sendAcceptedReply(ctx, ab, &frame.BackwardOnion)
}

func (n *Node) sendAcceptedReply(ctx context.Context, ab *db.AcceptedBroadcast, backwardOnion *frames.Onion) error {
	onion := backwardOnion.Clone()
	nextHop, err := onion.Peel(n.key)
	if err != nil {
		return fmt.Errorf("failed to peel backward onion: %w", err)
	}

	reply := &frames.ReplyFrame{
		EncryptedReplyPayload:   ab.EncryptedReply,
		SignedSettlementPromise: ab.SettlementPromise,
		ForwardOnion:            *onion,
		NetworkInvoice:          ab.NetworkPaymentRequest,
	}
	if _, err = n.session.SendMessage(ctx, nextHop, reply, false, nil); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// OnResponseFrame handles a reply travelling backward. An empty onion means
// this node is the requester; otherwise peel one layer, re-wrap the network
// invoice with this hop's markup and forward. isNew is false for replies the
// transport redelivered after a processing failure.
func (n *Node) OnResponseFrame(ctx context.Context, peerKey string, frame *frames.ReplyFrame, isNew bool) error {
	if !frame.SignedSettlementPromise.VerifyAll(ctx, frame.EncryptedReplyPayload, n.dir) {
		log.Warn().Str("peer", peerKey).Msg("dropping reply with broken settlement promise binding")
		return nil
	}

	if frame.ForwardOnion.IsEmpty() {
		return n.onResponseArrived(ctx, peerKey, frame)
	}

	release, err := n.acquireEscrowGate(ctx)
	if err != nil {
		return err
	}
	defer release()

	return n.relayResponse(ctx, peerKey, frame, isNew)
}

// onResponseArrived is the requester terminus of the backward path.
func (n *Node) onResponseArrived(ctx context.Context, peerKey string, frame *frames.ReplyFrame) error {
	rp, err := frame.DecryptAndVerify(ctx, n.key, n.dir)
	if err != nil {
		log.Warn().Str("peer", peerKey).Err(err).Msg("dropping undecryptable reply")
		return nil
	}

	settlerUri := frame.SignedSettlementPromise.SettlerCertificate.AuthorityUri
	settler, err := n.settlers.Get(ctx, settlerUri)
	if err != nil {
		return fmt.Errorf("failed to resolve settler: %w", err)
	}

	decoded, err := n.wallet.DecodeInvoice(ctx, frame.NetworkInvoice)
	if err != nil {
		return fmt.Errorf("failed to decode network invoice: %w", err)
	}

	// the invoice was re-wrapped by every relay; its hash must still chain
	// back to the promised one
	related, err := settler.ValidateRelatedPaymentHashes(ctx, frame.SignedSettlementPromise.NetworkPaymentHash, decoded.PaymentHash)
	if err != nil {
		return fmt.Errorf("failed to validate payment hashes: %w", err)
	}
	if !related {
		log.Warn().Str("peer", peerKey).Msg("dropping reply with unrelated network invoice")
		return nil
	}
	if decoded.Amount < frame.SignedSettlementPromise.ReplyPaymentAmount {
		log.Warn().Str("peer", peerKey).Msg("dropping reply with network amount below promised reply amount")
		return nil
	}

	payload, err := json.Marshal(rp)
	if err != nil {
		return fmt.Errorf("failed to serialize reply payload: %w", err)
	}

	row := &db.ReplyPayloadRow{
		RequestId:             rp.SignedRequestPayload.Id,
		ReplyId:               rp.ReplyId,
		ReplierKey:            rp.ReplierCertificate.PublicKey,
		SettlerUri:            settlerUri,
		ReplyCertificateId:    rp.ReplierCertificate.Id,
		Payload:               payload,
		NetworkPaymentRequest: frame.NetworkInvoice,
		NetworkPaymentHash:    decoded.PaymentHash,
		ReceivedAt:            time.Now(),
	}

	var isNewRow bool
	err = n.db.Transaction(ctx, func(ctx context.Context) error {
		var err error
		if isNewRow, err = n.db.StoreReplyPayload(ctx, row); err != nil {
			return err
		}
		if !isNewRow {
			return nil
		}
		_, err = n.db.MonitorGigStatus(ctx, settlerUri, row.RequestId, row.ReplyCertificateId, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store reply: %w", err)
	}

	if isNewRow {
		metrics.RepliesReceived.Inc()
		n.events.OnNewResponse(ctx, rp, frame.NetworkInvoice, decoded.Amount)
	}
	return nil
}

// relayResponse peels one onion layer, escrows this hop's markup with a new
// hold invoice related to the downstream one, and forwards the re-wrapped
// frame. The escrow row is keyed by the incoming payment hash, so a
// redelivered reply resends the invoice minted the first time instead of
// escrowing again.
func (n *Node) relayResponse(ctx context.Context, peerKey string, frame *frames.ReplyFrame, isNew bool) error {
	onion := frame.ForwardOnion.Clone()
	nextHop, err := onion.Peel(n.key)
	if err != nil {
		log.Warn().Str("peer", peerKey).Err(err).Msg("dropping reply not addressed to this hop")
		return nil
	}

	settlerUri := frame.SignedSettlementPromise.SettlerCertificate.AuthorityUri
	settler, err := n.settlers.Get(ctx, settlerUri)
	if err != nil {
		return fmt.Errorf("failed to resolve settler: %w", err)
	}

	decoded, err := n.wallet.DecodeInvoice(ctx, frame.NetworkInvoice)
	if err != nil {
		return fmt.Errorf("failed to decode network invoice: %w", err)
	}

	rr, err := n.db.GetRelayedResponse(ctx, decoded.PaymentHash)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to load relayed response: %w", err)
	}
	if rr != nil {
		return n.forwardRelayedResponse(ctx, frame, onion, nextHop, rr)
	}
	if !isNew {
		// a redelivery we never escrowed for, nothing to resend
		log.Debug().Str("peer", peerKey).Msg("dropping redelivered reply without escrow")
		return nil
	}

	related, err := settler.ValidateRelatedPaymentHashes(ctx, frame.SignedSettlementPromise.NetworkPaymentHash, decoded.PaymentHash)
	if err != nil {
		return fmt.Errorf("failed to validate payment hashes: %w", err)
	}
	if !related {
		log.Warn().Str("peer", peerKey).Msg("dropping reply with unrelated network invoice")
		return nil
	}

	fee := n.cfg.PriceAmountForRouting
	if fee < 0 {
		fee = 0
	}
	total := decoded.Amount + fee
	if total < decoded.Amount {
		return fmt.Errorf("markup overflows invoice amount")
	}

	relatedHash, err := settler.GenerateRelatedPreimage(ctx, decoded.PaymentHash)
	if err != nil {
		return fmt.Errorf("failed to generate related payment hash: %w", err)
	}

	myInvoice, err := n.wallet.AddHodlInvoice(ctx, total, relatedHash, "gig routing", n.cfg.InvoiceExpiry)
	if err != nil {
		return fmt.Errorf("failed to add routing invoice: %w", err)
	}

	payData, err := json.Marshal(db.PayNetworkInvoiceTask{
		PaymentRequest: frame.NetworkInvoice,
		PaymentHash:    decoded.PaymentHash,
		Amount:         decoded.Amount,
	})
	if err != nil {
		return err
	}

	rr = &db.RelayedResponse{
		IncomingPaymentHash: decoded.PaymentHash,
		MyPaymentHash:       relatedHash,
		MyPaymentRequest:    myInvoice.PaymentRequest,
		CreatedAt:           time.Now(),
	}

	err = n.db.Transaction(ctx, func(ctx context.Context) error {
		if err := n.db.CreateRelayedResponse(ctx, rr); err != nil {
			return err
		}
		if _, err := n.db.MonitorInvoice(ctx, relatedHash, payData); err != nil {
			return err
		}
		_, err := n.db.MonitorPreimage(ctx, settlerUri, relatedHash)
		return err
	})
	if errors.Is(err, db.ErrAlreadyExists) {
		// concurrent relay won the race, resend its invoice
		if rr, err = n.db.GetRelayedResponse(ctx, decoded.PaymentHash); err != nil {
			return err
		}
		return n.forwardRelayedResponse(ctx, frame, onion, nextHop, rr)
	}
	if err != nil {
		return fmt.Errorf("failed to persist routing escrow: %w", err)
	}

	return n.forwardRelayedResponse(ctx, frame, onion, nextHop, rr)
}

func (n *Node) forwardRelayedResponse(ctx context.Context, frame *frames.ReplyFrame, peeled *frames.Onion, nextHop string, rr *db.RelayedResponse) error {
	forwarded := frame.Clone()
	forwarded.ForwardOnion = *peeled
	forwarded.NetworkInvoice = rr.MyPaymentRequest
	if _, err := n.session.SendMessage(ctx, nextHop, forwarded, false, nil); err != nil {
		return fmt.Errorf("failed to forward reply: %w", err)
	}
	metrics.RepliesRelayed.Inc()
	return nil
}

// CancelBroadcastTopic asks the settlement authority for a signed revocation
// of requestId and floods it along the broadcast history.
func (n *Node) CancelBroadcastTopic(ctx context.Context, requestId uuid.UUID, settlerUri string) error {
	settler, err := n.settlers.Get(ctx, settlerUri)
	if err != nil {
		return fmt.Errorf("failed to resolve settler: %w", err)
	}

	payload, err := settler.GenerateCancelRequestPayload(ctx, requestId)
	if err != nil {
		return fmt.Errorf("failed to generate cancel payload: %w", err)
	}
	return n.CancelBroadcast(ctx, payload)
}

// CancelBroadcast forwards the revocation to every peer the original
// broadcast reached, at most once per peer.
func (n *Node) CancelBroadcast(ctx context.Context, payload *frames.CancelRequestPayload) error {
	peers, err := n.db.GetBroadcastedPeers(ctx, payload.Id)
	if err != nil {
		return fmt.Errorf("failed to load broadcast history: %w", err)
	}

	var selected []string
	err = n.db.Transaction(ctx, func(ctx context.Context) error {
		var err error
		if selected, err = n.db.FilterNotCancelBroadcasted(ctx, payload.Id, peers); err != nil {
			return err
		}
		return n.db.MarkCancelBroadcasted(ctx, payload.Id, selected)
	})
	if err != nil {
		return fmt.Errorf("failed to record cancel history: %w", err)
	}

	expiration := payload.Timestamp.Add(n.cfg.BroadcastExpiration)
	for _, peer := range selected {
		frame := &frames.CancelBroadcastFrame{SignedCancelRequestPayload: *payload}
		if _, err = n.session.SendMessage(ctx, peer, frame, true, &expiration); err != nil {
			log.Warn().Str("peer", peer).Err(err).Msg("failed to send cancel broadcast")
		}
	}
	return nil
}

// OnCancelBroadcastFrame handles an incoming revocation: cancel any escrow we
// hold as provider for that request, notify the application and relay the
// revocation further.
func (n *Node) OnCancelBroadcastFrame(ctx context.Context, peerKey string, frame *frames.CancelBroadcastFrame) error {
	payload := &frame.SignedCancelRequestPayload
	if !n.withinTolerance(payload.Timestamp) {
		log.Debug().Str("peer", peerKey).Msg("dropping cancel with timestamp out of tolerance")
		return nil
	}
	if !payload.Verify(ctx, n.dir) {
		log.Warn().Str("peer", peerKey).Msg("dropping cancel with invalid payload")
		return nil
	}

	n.events.OnCancelBroadcast(ctx, frame)

	rows, err := n.db.ListAcceptedBroadcasts(ctx, payload.Id)
	if err != nil {
		return fmt.Errorf("failed to list accepted broadcasts: %w", err)
	}
	for _, ab := range rows {
		if ab.Cancelled {
			continue
		}
		// only the original requester may cancel
		if ab.RequesterKey != payload.SenderCertificate.PublicKey {
			log.Warn().Str("peer", peerKey).Msg("ignoring cancel signed by a non-requester")
			continue
		}
		if err = n.cancelAcceptedBroadcast(ctx, ab); err != nil {
			return err
		}
	}

	return n.CancelBroadcast(ctx, payload)
}

func (n *Node) cancelAcceptedBroadcast(ctx context.Context, ab *db.AcceptedBroadcast) error {
	err := n.db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := n.db.MarkAcceptedBroadcastCancelled(ctx, ab.SettlerUri, ab.RequestId); err != nil {
			return err
		}
		return n.db.CreateTask(ctx, GossipTaskPool, "cancel-invoice", ab.ReplyInvoiceHash,
			"cancel:"+ab.ReplyInvoiceHash, db.CancelInvoiceTask{PaymentHash: ab.ReplyInvoiceHash}, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to cancel accepted broadcast: %w", err)
	}
	n.touchWorker()
	return nil
}

// GetResponses lists the verified replies received for a request.
func (n *Node) GetResponses(ctx context.Context, requestId uuid.UUID) ([]*db.ReplyPayloadRow, error) {
	return n.db.ListReplyPayloads(ctx, requestId)
}

// AcceptResponse pays the network invoice of one reply, funding the whole
// backward escrow chain. The payment runs asynchronously through the task
// queue; progress is surfaced via OnPaymentStatusChange and the decrypted
// reply via OnResponseReady once the settlement authority releases the key.
func (n *Node) AcceptResponse(ctx context.Context, requestId, replyId uuid.UUID) error {
	row, err := n.db.GetReplyPayload(ctx, requestId, replyId)
	if err != nil {
		return fmt.Errorf("failed to load reply: %w", err)
	}
	return n.PayNetworkInvoice(ctx, row.NetworkPaymentRequest, row.NetworkPaymentHash, 0)
}

// PayNetworkInvoice queues an asynchronous payment of paymentRequest and
// starts monitoring its status.
func (n *Node) PayNetworkInvoice(ctx context.Context, paymentRequest, paymentHash string, amount int64) error {
	err := n.db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := n.db.MonitorPayment(ctx, paymentHash, nil); err != nil {
			return err
		}
		err := n.db.CreateTask(ctx, GossipTaskPool, "pay-network-invoice", paymentHash,
			"pay:"+paymentHash, db.PayNetworkInvoiceTask{
				PaymentRequest: paymentRequest,
				PaymentHash:    paymentHash,
				Amount:         amount,
			}, nil, nil)
		if errors.Is(err, db.ErrAlreadyExists) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to queue payment: %w", err)
	}
	n.touchWorker()
	return nil
}

func (n *Node) withinTolerance(ts time.Time) bool {
	d := time.Since(ts)
	if d < 0 {
		d = -d
	}
	return d <= n.cfg.TimestampTolerance
}
