package db

import (
	"context"
	"fmt"
	"time"
)

func processedMessageKey(id string) []byte {
	return []byte("pm:" + id)
}

// IsMessageProcessed checks the durable half of the exactly-once dedup set.
func (d *DB) IsMessageProcessed(ctx context.Context, id string) (bool, error) {
	tx := d.storage.GetExecutor(ctx)

	has, err := tx.Has(processedMessageKey(id))
	if err != nil {
		return false, fmt.Errorf("failed to check processed message: %w", err)
	}
	return has, nil
}

// MarkMessageProcessed commits a message id after its handler succeeded.
func (d *DB) MarkMessageProcessed(ctx context.Context, id string, kind int) error {
	row := &ProcessedMessage{
		Id:        id,
		Kind:      kind,
		CreatedAt: time.Now(),
	}
	return d.Transaction(ctx, func(ctx context.Context) error {
		return d.putJson(ctx, processedMessageKey(id), row)
	})
}
