package gignode

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gigmesh/gig-gossip-network/gignode/db"
	"github.com/gigmesh/gig-gossip-network/gignode/metrics"
	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
	"github.com/gigmesh/gig-gossip-network/pkg/frames"
	"github.com/gigmesh/gig-gossip-network/pkg/log"
)

// invoiceMonitor keeps monitored invoice rows in sync with the wallet:
// reconcile pending rows with one-shot lookups, then follow the wallet's
// update stream until it drops and start over.
func (n *Node) invoiceMonitor() {
	for {
		n.reconcileInvoices()

		ch, err := n.wallet.InvoiceUpdates(n.globalCtx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to subscribe to invoice updates")
		} else {
			for upd := range ch {
				n.applyInvoiceUpdate(n.globalCtx, upd)
			}
		}

		select {
		case <-n.globalCtx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (n *Node) reconcileInvoices() {
	rows, err := n.db.ListMonitoredInvoices(n.globalCtx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list monitored invoices")
		return
	}
	metrics.MonitoredInvoices.Set(float64(len(rows)))

	for _, row := range rows {
		if row.State.IsTerminal() {
			continue
		}
		state, err := n.wallet.LookupInvoice(n.globalCtx, row.Hash)
		if err != nil {
			log.Warn().Str("hash", row.Hash).Err(err).Msg("failed to look up invoice")
			continue
		}
		n.applyInvoiceUpdate(n.globalCtx, InvoiceUpdate{PaymentHash: row.Hash, State: state})
	}
}

func (n *Node) applyInvoiceUpdate(ctx context.Context, upd InvoiceUpdate) {
	row, changed, err := n.db.UpdateInvoiceState(ctx, upd.PaymentHash, upd.State)
	if errors.Is(err, db.ErrNotFound) {
		return
	}
	if errors.Is(err, db.ErrStateRegression) {
		log.Debug().Str("hash", upd.PaymentHash).Str("state", upd.State.String()).Msg("ignoring stale invoice update")
		return
	}
	if err != nil {
		log.Error().Str("hash", upd.PaymentHash).Err(err).Msg("failed to update invoice state")
		return
	}
	if !changed {
		return
	}

	n.events.OnInvoiceStateChange(ctx, upd.PaymentHash, upd.State)

	// a relay's hold invoice becoming accepted triggers paying the
	// downstream network invoice it escrows
	if upd.State == db.InvoiceStateAccepted && len(row.Data) > 0 {
		var t db.PayNetworkInvoiceTask
		if err = json.Unmarshal(row.Data, &t); err != nil {
			log.Error().Str("hash", upd.PaymentHash).Err(err).Msg("failed to decode invoice escrow data")
		} else if err = n.PayNetworkInvoice(ctx, t.PaymentRequest, t.PaymentHash, t.Amount); err != nil {
			log.Error().Str("hash", upd.PaymentHash).Err(err).Msg("failed to queue downstream payment")
		}
	}

	if upd.State.IsTerminal() {
		if err = n.db.RemoveMonitoredInvoice(ctx, upd.PaymentHash); err != nil {
			log.Error().Str("hash", upd.PaymentHash).Err(err).Msg("failed to remove settled invoice monitor")
		}
	}
}

func (n *Node) paymentMonitor() {
	for {
		n.reconcilePayments()

		ch, err := n.wallet.PaymentUpdates(n.globalCtx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to subscribe to payment updates")
		} else {
			for upd := range ch {
				n.applyPaymentUpdate(n.globalCtx, upd)
			}
		}

		select {
		case <-n.globalCtx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (n *Node) reconcilePayments() {
	rows, err := n.db.ListMonitoredPayments(n.globalCtx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list monitored payments")
		return
	}
	metrics.MonitoredPayments.Set(float64(len(rows)))

	for _, row := range rows {
		if row.Status.IsTerminal() {
			continue
		}
		status, err := n.wallet.LookupPayment(n.globalCtx, row.Hash)
		if err != nil {
			log.Warn().Str("hash", row.Hash).Err(err).Msg("failed to look up payment")
			continue
		}
		n.applyPaymentUpdate(n.globalCtx, PaymentUpdate{PaymentHash: row.Hash, Status: status})
	}
}

func (n *Node) applyPaymentUpdate(ctx context.Context, upd PaymentUpdate) {
	_, changed, err := n.db.UpdatePaymentStatus(ctx, upd.PaymentHash, upd.Status)
	if errors.Is(err, db.ErrNotFound) {
		return
	}
	if errors.Is(err, db.ErrStateRegression) {
		log.Debug().Str("hash", upd.PaymentHash).Str("status", upd.Status.String()).Msg("ignoring stale payment update")
		return
	}
	if err != nil {
		log.Error().Str("hash", upd.PaymentHash).Err(err).Msg("failed to update payment status")
		return
	}
	if !changed {
		return
	}

	n.events.OnPaymentStatusChange(ctx, upd.PaymentHash, upd.Status)

	if upd.Status.IsTerminal() {
		if err = n.db.RemoveMonitoredPayment(ctx, upd.PaymentHash); err != nil {
			log.Error().Str("hash", upd.PaymentHash).Err(err).Msg("failed to remove finished payment monitor")
		}
	}
}

// preimageMonitor polls settlement authorities for revealed preimages of our
// hold invoices and queues a settle task for each one, exactly once.
func (n *Node) preimageMonitor() {
	for {
		rows, err := n.db.ListMonitoredPreimages(n.globalCtx)
		if err != nil {
			log.Error().Err(err).Msg("failed to list monitored preimages")
		}

		for _, row := range rows {
			if row.Revealed {
				continue
			}
			if err = n.checkPreimage(n.globalCtx, row); err != nil {
				log.Warn().Str("hash", row.Hash).Err(err).Msg("failed to check preimage")
			}
		}

		select {
		case <-n.globalCtx.Done():
			return
		case <-time.After(n.cfg.PreimagePollInterval):
		}
	}
}

func (n *Node) checkPreimage(ctx context.Context, row *db.MonitoredPreimage) error {
	settler, err := n.settlers.Get(ctx, row.SettlerUri)
	if err != nil {
		return err
	}

	preimage, err := settler.RevealPreimage(ctx, row.Hash)
	if err != nil {
		return err
	}
	if preimage == "" {
		// not released yet
		return nil
	}

	err = n.db.Transaction(ctx, func(ctx context.Context) error {
		_, recorded, err := n.db.SetPreimageRevealed(ctx, row.SettlerUri, row.Hash, preimage)
		if err != nil {
			return err
		}
		if !recorded {
			return nil
		}
		if err = n.db.CreateTask(ctx, GossipTaskPool, "settle-invoice", row.Hash,
			"settle:"+row.Hash, db.SettleInvoiceTask{PaymentHash: row.Hash, Preimage: preimage}, nil, nil); err != nil &&
			!errors.Is(err, db.ErrAlreadyExists) {
			return err
		}
		return n.db.RemoveMonitoredPreimage(ctx, row.SettlerUri, row.Hash)
	})
	if err != nil {
		return err
	}
	n.touchWorker()
	return nil
}

// gigStatusMonitor polls the settlement authority for the status of gigs we
// requested and lazily opens one update stream per authority in use.
func (n *Node) gigStatusMonitor() {
	for {
		rows, err := n.db.ListMonitoredGigStatuses(n.globalCtx)
		if err != nil {
			log.Error().Err(err).Msg("failed to list monitored gig statuses")
		}

		for _, row := range rows {
			n.ensureGigStream(row.SettlerUri)
			if row.Status.IsTerminal() {
				continue
			}

			settler, err := n.settlers.Get(n.globalCtx, row.SettlerUri)
			if err != nil {
				log.Warn().Str("settler", row.SettlerUri).Err(err).Msg("failed to resolve settler")
				continue
			}
			upd, err := settler.GetGigStatus(n.globalCtx, row.RequestId, row.ReplyCertificateId)
			if err != nil {
				log.Warn().Str("request", row.RequestId.String()).Err(err).Msg("failed to fetch gig status")
				continue
			}
			if upd != nil {
				n.applyGigStatus(n.globalCtx, row.SettlerUri, *upd)
			}
		}

		select {
		case <-n.globalCtx.Done():
			return
		case <-time.After(n.cfg.GigStatusPollInterval):
		}
	}
}

func (n *Node) ensureGigStream(settlerUri string) {
	n.gigStreamsMx.Lock()
	defer n.gigStreamsMx.Unlock()
	if n.gigStreams[settlerUri] {
		return
	}
	n.gigStreams[settlerUri] = true

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.gigStreamLoop(settlerUri)
	}()
}

func (n *Node) gigStreamLoop(settlerUri string) {
	for {
		settler, err := n.settlers.Get(n.globalCtx, settlerUri)
		if err == nil {
			var ch <-chan GigStatusUpdate
			if ch, err = settler.GigStatusUpdates(n.globalCtx); err == nil {
				for upd := range ch {
					n.applyGigStatus(n.globalCtx, settlerUri, upd)
				}
			}
		}
		if err != nil {
			log.Warn().Str("settler", settlerUri).Err(err).Msg("gig status stream unavailable")
		}

		select {
		case <-n.globalCtx.Done():
			return
		case <-time.After(3 * time.Second):
		}
	}
}

func (n *Node) applyGigStatus(ctx context.Context, settlerUri string, upd GigStatusUpdate) {
	row, changed, err := n.db.UpdateGigStatus(ctx, settlerUri, upd.RequestId, upd.ReplyCertificateId, upd.Status, upd.SymmetricKey)
	if errors.Is(err, db.ErrNotFound) {
		return
	}
	if err != nil {
		log.Error().Str("request", upd.RequestId.String()).Err(err).Msg("failed to update gig status")
		return
	}
	if !changed {
		return
	}

	if row.Status == db.GigStatusAccepted && row.SymmetricKey != "" {
		if err = n.revealReply(ctx, row); err != nil {
			log.Error().Str("request", row.RequestId.String()).Err(err).Msg("failed to decrypt accepted reply")
		}
	}
}

// revealReply decrypts the escrowed reply message with the symmetric key the
// settlement authority released after the reply invoice settled.
func (n *Node) revealReply(ctx context.Context, row *db.MonitoredGigStatus) error {
	key, err := hex.DecodeString(row.SymmetricKey)
	if err != nil {
		return fmt.Errorf("invalid symmetric key: %w", err)
	}

	replies, err := n.db.ListReplyPayloads(ctx, row.RequestId)
	if err != nil {
		return fmt.Errorf("failed to list replies: %w", err)
	}

	for _, reply := range replies {
		if reply.ReplyCertificateId != row.ReplyCertificateId || len(reply.DecryptedMessage) > 0 {
			continue
		}

		var rp frames.ReplyPayload
		if err = json.Unmarshal(reply.Payload, &rp); err != nil {
			return fmt.Errorf("failed to decode stored reply: %w", err)
		}

		message, err := crypto.SymmetricDecrypt(key, rp.EncryptedReplyMessage)
		if err != nil {
			return fmt.Errorf("failed to decrypt reply message: %w", err)
		}

		reply.DecryptedMessage = message
		if err = n.db.UpdateReplyPayload(ctx, reply); err != nil {
			return fmt.Errorf("failed to store decrypted reply: %w", err)
		}
		n.events.OnResponseReady(ctx, reply.RequestId, reply.ReplyId, message)
	}
	return nil
}
