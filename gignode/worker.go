package gignode

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/gigmesh/gig-gossip-network/gignode/db"
	"github.com/gigmesh/gig-gossip-network/gignode/metrics"
	"github.com/gigmesh/gig-gossip-network/pkg/log"
)

func (n *Node) taskExecutor() {
	tick := time.Tick(1 * time.Second)

	for {
		select {
		case <-n.globalCtx.Done():
			return
		default:
		}

		task, err := n.db.AcquireTask(n.globalCtx, GossipTaskPool)
		if err != nil {
			log.Error().Err(err).Msg("failed to acquire task")

			select {
			case <-n.globalCtx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		if task == nil {
			// no tasks ready, wait for a signal or recheck later
			select {
			case <-n.globalCtx.Done():
				return
			case <-n.workerSignal:
			case <-tick:
			}
			continue
		}

		go func() {
			ctx, cancel := context.WithTimeout(n.globalCtx, 60*time.Second)
			defer cancel()

			if err := n.executeTask(ctx, task); err != nil {
				log.Warn().Str("id", task.ID).Str("type", task.Type).Err(err).Msg("task failed, will be retried")
				metrics.TaskFailures.WithLabelValues(task.Type).Inc()

				retryAt := time.Now().Add(time.Duration(2500+rand.Int63()%8000) * time.Millisecond)
				if err = n.db.RetryTask(ctx, task, err.Error(), retryAt); err != nil {
					log.Error().Str("id", task.ID).Err(err).Msg("failed to schedule task retry")
				}
				return
			}

			if err := n.db.CompleteTask(ctx, GossipTaskPool, task); err != nil {
				log.Error().Str("id", task.ID).Err(err).Msg("failed to complete task")
				return
			}
			metrics.TasksExecuted.WithLabelValues(task.Type).Inc()
			n.touchWorker()
		}()
	}
}

func (n *Node) executeTask(ctx context.Context, task *db.Task) error {
	switch task.Type {
	case "pay-network-invoice":
		var t db.PayNetworkInvoiceTask
		if err := json.Unmarshal(task.Data, &t); err != nil {
			return fmt.Errorf("invalid task data: %w", err)
		}

		status, err := n.wallet.SendPayment(ctx, t.PaymentRequest, n.cfg.PaymentTimeout, n.cfg.PaymentFeeLimit)
		if err != nil {
			return fmt.Errorf("failed to send payment: %w", err)
		}
		n.applyPaymentUpdate(ctx, PaymentUpdate{PaymentHash: t.PaymentHash, Status: status})
		return nil
	case "settle-invoice":
		var t db.SettleInvoiceTask
		if err := json.Unmarshal(task.Data, &t); err != nil {
			return fmt.Errorf("invalid task data: %w", err)
		}
		return n.wallet.SettleInvoice(ctx, t.Preimage)
	case "cancel-invoice":
		var t db.CancelInvoiceTask
		if err := json.Unmarshal(task.Data, &t); err != nil {
			return fmt.Errorf("invalid task data: %w", err)
		}
		return n.wallet.CancelInvoice(ctx, t.PaymentHash)
	}

	// unknown types complete without effect instead of retrying forever
	log.Error().Str("type", task.Type).Str("id", task.ID).Msg("unknown task type")
	return nil
}
