package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Broadcast and cancel history are parallel durable sets with the same key
// shape, so a cancel reaches exactly the peers that saw the broadcast.

func broadcastKey(requestId uuid.UUID, peerKey string) []byte {
	return []byte("bh:" + requestId.String() + ":" + peerKey)
}

func cancelKey(requestId uuid.UUID, peerKey string) []byte {
	return []byte("bch:" + requestId.String() + ":" + peerKey)
}

// FilterNotBroadcasted returns the subset of peers with no broadcast history
// record for this request, preserving order.
func (d *DB) FilterNotBroadcasted(ctx context.Context, requestId uuid.UUID, peers []string) ([]string, error) {
	return d.filterUnrecorded(ctx, peers, func(p string) []byte { return broadcastKey(requestId, p) })
}

// MarkBroadcasted durably records that a broadcast was (about to be) sent to
// each peer. Called inside the same transaction as the selection so a
// concurrent duplicate broadcast observes the entries and skips re-sending.
func (d *DB) MarkBroadcasted(ctx context.Context, requestId uuid.UUID, peers []string) error {
	return d.markRecorded(ctx, peers, func(p string) []byte { return broadcastKey(requestId, p) })
}

func (d *DB) FilterNotCancelBroadcasted(ctx context.Context, requestId uuid.UUID, peers []string) ([]string, error) {
	return d.filterUnrecorded(ctx, peers, func(p string) []byte { return cancelKey(requestId, p) })
}

func (d *DB) MarkCancelBroadcasted(ctx context.Context, requestId uuid.UUID, peers []string) error {
	return d.markRecorded(ctx, peers, func(p string) []byte { return cancelKey(requestId, p) })
}

// GetBroadcastedPeers lists every peer already broadcasted-to for a request.
func (d *DB) GetBroadcastedPeers(ctx context.Context, requestId uuid.UUID) ([]string, error) {
	prefix := "bh:" + requestId.String() + ":"
	return d.listSuffixes(ctx, []byte(prefix))
}

func (d *DB) filterUnrecorded(ctx context.Context, peers []string, key func(string) []byte) ([]string, error) {
	tx := d.storage.GetExecutor(ctx)

	var out []string
	for _, p := range peers {
		has, err := tx.Has(key(p))
		if err != nil {
			return nil, fmt.Errorf("failed to check history: %w", err)
		}
		if !has {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *DB) markRecorded(ctx context.Context, peers []string, key func(string) []byte) error {
	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		for _, p := range peers {
			if err := tx.Put(key(p), []byte{}); err != nil {
				return fmt.Errorf("failed to record history: %w", err)
			}
		}
		return nil
	})
}

func (d *DB) listSuffixes(ctx context.Context, prefix []byte) ([]string, error) {
	tx := d.storage.GetExecutor(ctx)

	iter := tx.NewIterator(prefix, true)
	defer iter.Release()

	var out []string
	for iter.Next() {
		out = append(out, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return out, nil
}
