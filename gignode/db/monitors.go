package db

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func monitoredInvoiceKey(hash string) []byte {
	return []byte("mi:" + hash)
}

func monitoredPaymentKey(hash string) []byte {
	return []byte("mp:" + hash)
}

func monitoredPreimageKey(settlerUri, hash string) []byte {
	return []byte("mx:" + base64.StdEncoding.EncodeToString([]byte(settlerUri)) + ":" + hash)
}

func monitoredGigStatusKey(settlerUri string, requestId, replyCertId uuid.UUID) []byte {
	return []byte("mg:" + base64.StdEncoding.EncodeToString([]byte(settlerUri)) + ":" + requestId.String() + ":" + replyCertId.String())
}

// MonitorInvoice registers an invoice hash for state tracking. Registering an
// already-monitored hash is a no-op reported through the bool.
func (d *DB) MonitorInvoice(ctx context.Context, hash string, data []byte) (bool, error) {
	row := &MonitoredInvoice{
		Hash:      hash,
		State:     InvoiceStateOpen,
		Data:      data,
		CreatedAt: time.Now(),
	}
	return d.createIfAbsent(ctx, monitoredInvoiceKey(hash), row)
}

func (d *DB) GetMonitoredInvoice(ctx context.Context, hash string) (*MonitoredInvoice, error) {
	var row *MonitoredInvoice
	if err := d.getJson(ctx, monitoredInvoiceKey(hash), &row); err != nil {
		return nil, err
	}
	return row, nil
}

// UpdateInvoiceState moves the record strictly forward. Equal state is a
// no-op; a lower-ranked state returns ErrStateRegression and leaves the
// record untouched.
func (d *DB) UpdateInvoiceState(ctx context.Context, hash string, state InvoiceState) (*MonitoredInvoice, bool, error) {
	var result *MonitoredInvoice
	changed := false
	err := d.Transaction(ctx, func(ctx context.Context) error {
		row, err := d.GetMonitoredInvoice(ctx, hash)
		if err != nil {
			return err
		}

		if state == row.State {
			result = row
			return nil
		}
		if state.rank() <= row.State.rank() {
			return ErrStateRegression
		}

		row.State = state
		if err = d.putJson(ctx, monitoredInvoiceKey(hash), row); err != nil {
			return err
		}
		result = row
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func (d *DB) RemoveMonitoredInvoice(ctx context.Context, hash string) error {
	return d.deleteKey(ctx, monitoredInvoiceKey(hash))
}

func (d *DB) ListMonitoredInvoices(ctx context.Context) ([]*MonitoredInvoice, error) {
	var out []*MonitoredInvoice
	err := listJson(d, ctx, []byte("mi:"), &out)
	return out, err
}

func (d *DB) MonitorPayment(ctx context.Context, hash string, data []byte) (bool, error) {
	row := &MonitoredPayment{
		Hash:      hash,
		Status:    PaymentStatusInitiated,
		Data:      data,
		CreatedAt: time.Now(),
	}
	return d.createIfAbsent(ctx, monitoredPaymentKey(hash), row)
}

func (d *DB) GetMonitoredPayment(ctx context.Context, hash string) (*MonitoredPayment, error) {
	var row *MonitoredPayment
	if err := d.getJson(ctx, monitoredPaymentKey(hash), &row); err != nil {
		return nil, err
	}
	return row, nil
}

func (d *DB) UpdatePaymentStatus(ctx context.Context, hash string, status PaymentStatus) (*MonitoredPayment, bool, error) {
	var result *MonitoredPayment
	changed := false
	err := d.Transaction(ctx, func(ctx context.Context) error {
		row, err := d.GetMonitoredPayment(ctx, hash)
		if err != nil {
			return err
		}

		if status == row.Status {
			result = row
			return nil
		}
		if status.rank() <= row.Status.rank() {
			return ErrStateRegression
		}

		row.Status = status
		if err = d.putJson(ctx, monitoredPaymentKey(hash), row); err != nil {
			return err
		}
		result = row
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func (d *DB) RemoveMonitoredPayment(ctx context.Context, hash string) error {
	return d.deleteKey(ctx, monitoredPaymentKey(hash))
}

func (d *DB) ListMonitoredPayments(ctx context.Context) ([]*MonitoredPayment, error) {
	var out []*MonitoredPayment
	err := listJson(d, ctx, []byte("mp:"), &out)
	return out, err
}

func (d *DB) MonitorPreimage(ctx context.Context, settlerUri, hash string) (bool, error) {
	row := &MonitoredPreimage{
		SettlerUri: settlerUri,
		Hash:       hash,
		CreatedAt:  time.Now(),
	}
	return d.createIfAbsent(ctx, monitoredPreimageKey(settlerUri, hash), row)
}

// SetPreimageRevealed records the revealed preimage once; later reveals of
// the same hash report no change.
func (d *DB) SetPreimageRevealed(ctx context.Context, settlerUri, hash, preimage string) (*MonitoredPreimage, bool, error) {
	var result *MonitoredPreimage
	changed := false
	err := d.Transaction(ctx, func(ctx context.Context) error {
		var row *MonitoredPreimage
		if err := d.getJson(ctx, monitoredPreimageKey(settlerUri, hash), &row); err != nil {
			return err
		}

		if !row.Revealed {
			row.Revealed = true
			row.Preimage = preimage
			if err := d.putJson(ctx, monitoredPreimageKey(settlerUri, hash), row); err != nil {
				return err
			}
			changed = true
		}
		result = row
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func (d *DB) RemoveMonitoredPreimage(ctx context.Context, settlerUri, hash string) error {
	return d.deleteKey(ctx, monitoredPreimageKey(settlerUri, hash))
}

func (d *DB) ListMonitoredPreimages(ctx context.Context) ([]*MonitoredPreimage, error) {
	var out []*MonitoredPreimage
	err := listJson(d, ctx, []byte("mx:"), &out)
	return out, err
}

func (d *DB) MonitorGigStatus(ctx context.Context, settlerUri string, requestId, replyCertId uuid.UUID, data []byte) (bool, error) {
	row := &MonitoredGigStatus{
		SettlerUri:         settlerUri,
		RequestId:          requestId,
		ReplyCertificateId: replyCertId,
		Status:             GigStatusOpen,
		Data:               data,
		CreatedAt:          time.Now(),
	}
	return d.createIfAbsent(ctx, monitoredGigStatusKey(settlerUri, requestId, replyCertId), row)
}

func (d *DB) GetMonitoredGigStatus(ctx context.Context, settlerUri string, requestId, replyCertId uuid.UUID) (*MonitoredGigStatus, error) {
	var row *MonitoredGigStatus
	if err := d.getJson(ctx, monitoredGigStatusKey(settlerUri, requestId, replyCertId), &row); err != nil {
		return nil, err
	}
	return row, nil
}

// UpdateGigStatus moves the gig forward; terminal rows are kept, not deleted,
// so the revealed symmetric key stays durable.
func (d *DB) UpdateGigStatus(ctx context.Context, settlerUri string, requestId, replyCertId uuid.UUID, status GigStatus, symmetricKey string) (*MonitoredGigStatus, bool, error) {
	key := monitoredGigStatusKey(settlerUri, requestId, replyCertId)

	var result *MonitoredGigStatus
	changed := false
	err := d.Transaction(ctx, func(ctx context.Context) error {
		var row *MonitoredGigStatus
		if err := d.getJson(ctx, key, &row); err != nil {
			return err
		}

		if status == row.Status && symmetricKey == row.SymmetricKey {
			result = row
			return nil
		}
		if status.rank() < row.Status.rank() {
			return ErrStateRegression
		}

		row.Status = status
		if symmetricKey != "" {
			row.SymmetricKey = symmetricKey
		}
		if err := d.putJson(ctx, key, row); err != nil {
			return err
		}
		result = row
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func (d *DB) ListMonitoredGigStatuses(ctx context.Context) ([]*MonitoredGigStatus, error) {
	var out []*MonitoredGigStatus
	err := listJson(d, ctx, []byte("mg:"), &out)
	return out, err
}

func (d *DB) createIfAbsent(ctx context.Context, key []byte, row any) (bool, error) {
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

		if err = d.putJson(ctx, key, row); err != nil {
			return err
		}
		isNew = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return isNew, nil
}

func (d *DB) getJson(ctx context.Context, key []byte, out any) error {
	tx := d.storage.GetExecutor(ctx)

	data, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get record: %w", err)
	}

	if err = json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode json data: %w", err)
	}
	return nil
}

func (d *DB) putJson(ctx context.Context, key []byte, row any) error {
	tx := d.storage.GetExecutor(ctx)

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode json: %w", err)
	}
	if err = tx.Put(key, data); err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

func (d *DB) deleteKey(ctx context.Context, key []byte) error {
	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)
		if err := tx.Delete(key); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return nil
	})
}

func listJson[T any](d *DB, ctx context.Context, prefix []byte, out *[]T) error {
	tx := d.storage.GetExecutor(ctx)

	iter := tx.NewIterator(prefix, true)
	defer iter.Release()

	for iter.Next() {
		var row T
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			return fmt.Errorf("failed to decode json data: %w", err)
		}
		*out = append(*out, row)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to iterate records: %w", err)
	}
	return nil
}
