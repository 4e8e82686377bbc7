package db

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

func acceptedBroadcastKey(settlerUri string, requestId uuid.UUID) []byte {
	return []byte("ab:" + requestId.String() + ":" + base64.StdEncoding.EncodeToString([]byte(settlerUri)))
}

func replyPayloadKey(requestId, replyId uuid.UUID) []byte {
	return []byte("rp:" + requestId.String() + ":" + replyId.String())
}

// CreateAcceptedBroadcast persists the escrow row. Returns ErrAlreadyExists
// when the (settler, request) pair was accepted before; callers rely on this
// to replay the stored artifacts instead of deriving new ones.
func (d *DB) CreateAcceptedBroadcast(ctx context.Context, ab *AcceptedBroadcast) error {
	key := acceptedBroadcastKey(ab.SettlerUri, ab.RequestId)

	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		has, err := tx.Has(key)
		if err != nil {
			return fmt.Errorf("failed to check existence: %w", err)
		}
		if has {
			return ErrAlreadyExists
		}

		data, err := json.Marshal(ab)
		if err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}

		if err = tx.Put(key, data); err != nil {
			return fmt.Errorf("failed to put accepted broadcast: %w", err)
		}
		return nil
	})
}

func (d *DB) GetAcceptedBroadcast(ctx context.Context, settlerUri string, requestId uuid.UUID) (*AcceptedBroadcast, error) {
	tx := d.storage.GetExecutor(ctx)

	data, err := tx.Get(acceptedBroadcastKey(settlerUri, requestId))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get accepted broadcast: %w", err)
	}

	var ab *AcceptedBroadcast
	if err = json.Unmarshal(data, &ab); err != nil {
		return nil, fmt.Errorf("failed to decode json data: %w", err)
	}
	return ab, nil
}

// MarkAcceptedBroadcastCancelled flips the cancelled flag, the only mutation
// the row ever takes. No-op when already cancelled.
func (d *DB) MarkAcceptedBroadcastCancelled(ctx context.Context, settlerUri string, requestId uuid.UUID) (*AcceptedBroadcast, error) {
	var result *AcceptedBroadcast
	err := d.Transaction(ctx, func(ctx context.Context) error {
		ab, err := d.GetAcceptedBroadcast(ctx, settlerUri, requestId)
		if err != nil {
			return err
		}

		if !ab.Cancelled {
			ab.Cancelled = true

			data, err := json.Marshal(ab)
			if err != nil {
				return fmt.Errorf("failed to encode json: %w", err)
			}

			tx := d.storage.GetExecutor(ctx)
			if err = tx.Put(acceptedBroadcastKey(settlerUri, requestId), data); err != nil {
				return fmt.Errorf("failed to put accepted broadcast: %w", err)
			}
		}

		result = ab
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *DB) ListAcceptedBroadcasts(ctx context.Context, requestId uuid.UUID) ([]*AcceptedBroadcast, error) {
	tx := d.storage.GetExecutor(ctx)

	iter := tx.NewIterator([]byte("ab:"+requestId.String()+":"), true)
	defer iter.Release()

	var out []*AcceptedBroadcast
	for iter.Next() {
		var ab *AcceptedBroadcast
		if err := json.Unmarshal(iter.Value(), &ab); err != nil {
			return nil, fmt.Errorf("failed to decode json data: %w", err)
		}
		out = append(out, ab)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate accepted broadcasts: %w", err)
	}
	return out, nil
}

func relayedResponseKey(incomingHash string) []byte {
	return []byte("rr:" + incomingHash)
}

// CreateRelayedResponse persists the relay escrow row. Returns
// ErrAlreadyExists when this incoming payment hash was relayed before;
// callers resend the stored invoice instead of deriving a new one.
func (d *DB) CreateRelayedResponse(ctx context.Context, rr *RelayedResponse) error {
	key := relayedResponseKey(rr.IncomingPaymentHash)

	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		has, err := tx.Has(key)
		if err != nil {
			return fmt.Errorf("failed to check existence: %w", err)
		}
		if has {
			return ErrAlreadyExists
		}

		data, err := json.Marshal(rr)
		if err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}

		if err = tx.Put(key, data); err != nil {
			return fmt.Errorf("failed to put relayed response: %w", err)
		}
		return nil
	})
}

func (d *DB) GetRelayedResponse(ctx context.Context, incomingHash string) (*RelayedResponse, error) {
	tx := d.storage.GetExecutor(ctx)

	data, err := tx.Get(relayedResponseKey(incomingHash))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get relayed response: %w", err)
	}

	var rr *RelayedResponse
	if err = json.Unmarshal(data, &rr); err != nil {
		return nil, fmt.Errorf("failed to decode json data: %w", err)
	}
	return rr, nil
}

// StoreReplyPayload records one verified reply on the requester side. Replays
// of the same reply id are no-ops so surfaced new-response events stay unique.
func (d *DB) StoreReplyPayload(ctx context.Context, row *ReplyPayloadRow) (bool, error) {
	key := replyPayloadKey(row.RequestId, row.ReplyId)

	isNew := false
	err := d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		has, err := tx.Has(key)
		if err != nil {
			return fmt.Errorf("failed to check existence: %w", err)
		}
		if has {
			return nil
		}

		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}

		if err = tx.Put(key, data); err != nil {
			return fmt.Errorf("failed to put reply payload: %w", err)
		}
		isNew = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return isNew, nil
}

func (d *DB) GetReplyPayload(ctx context.Context, requestId, replyId uuid.UUID) (*ReplyPayloadRow, error) {
	tx := d.storage.GetExecutor(ctx)

	data, err := tx.Get(replyPayloadKey(requestId, replyId))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get reply payload: %w", err)
	}

	var row *ReplyPayloadRow
	if err = json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to decode json data: %w", err)
	}
	return row, nil
}

// UpdateReplyPayload rewrites an existing reply row, used when the revealed
// symmetric key lets the decrypted message be filled in.
func (d *DB) UpdateReplyPayload(ctx context.Context, row *ReplyPayloadRow) error {
	key := replyPayloadKey(row.RequestId, row.ReplyId)

	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		has, err := tx.Has(key)
		if err != nil {
			return fmt.Errorf("failed to check existence: %w", err)
		}
		if !has {
			return ErrNotFound
		}

		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}

		if err = tx.Put(key, data); err != nil {
			return fmt.Errorf("failed to put reply payload: %w", err)
		}
		return nil
	})
}

func (d *DB) ListReplyPayloads(ctx context.Context, requestId uuid.UUID) ([]*ReplyPayloadRow, error) {
	tx := d.storage.GetExecutor(ctx)

	iter := tx.NewIterator([]byte("rp:"+requestId.String()+":"), true)
	defer iter.Release()

	var out []*ReplyPayloadRow
	for iter.Next() {
		var row *ReplyPayloadRow
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			return nil, fmt.Errorf("failed to decode json data: %w", err)
		}
		out = append(out, row)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate reply payloads: %w", err)
	}
	return out, nil
}
