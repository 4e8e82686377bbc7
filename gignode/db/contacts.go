package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

func contactKey(peerKey string) []byte {
	return []byte("ct:" + peerKey)
}

// TouchContact upserts a peer's last-seen timestamp. The timestamp only moves
// forward, so out-of-order hello events never shrink the active set. A node
// never records itself as its own contact.
func (d *DB) TouchContact(ctx context.Context, peerKey string, seen time.Time) error {
	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		key := contactKey(peerKey)

		var contact Contact
		data, err := tx.Get(key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to get contact: %w", err)
		}
		if err == nil {
			if err = json.Unmarshal(data, &contact); err != nil {
				return fmt.Errorf("failed to decode json data: %w", err)
			}
			if !seen.After(contact.LastSeen) {
				return nil
			}
		}

		contact.PeerKey = peerKey
		contact.LastSeen = seen

		data, err = json.Marshal(&contact)
		if err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		if err = tx.Put(key, data); err != nil {
			return fmt.Errorf("failed to put contact: %w", err)
		}
		return nil
	})
}

func (d *DB) ListContacts(ctx context.Context) ([]*Contact, error) {
	var out []*Contact
	err := listJson(d, ctx, []byte("ct:"), &out)
	return out, err
}

// ListActiveContacts returns the peers seen at or after the cutoff, the set
// broadcast fanout selection draws from.
func (d *DB) ListActiveContacts(ctx context.Context, since time.Time) ([]string, error) {
	contacts, err := d.ListContacts(ctx)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, c := range contacts {
		if !c.LastSeen.Before(since) {
			out = append(out, c.PeerKey)
		}
	}
	return out, nil
}
