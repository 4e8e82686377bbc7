package db

import (
	"context"
	"crypto/ed25519"
)

type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

type Executor interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Get(key []byte) (value []byte, err error)
	Has(key []byte) (ret bool, err error)
	NewIterator(prefix []byte, forward bool) Iterator
}

type Storage interface {
	Transaction(ctx context.Context, f func(ctx context.Context) error) error
	GetExecutor(ctx context.Context) Executor
	Backup() error
	Close()
}

type DB struct {
	pubKey  ed25519.PublicKey
	storage Storage
}

func NewDB(storage Storage, pubKey ed25519.PublicKey) *DB {
	return &DB{
		pubKey:  pubKey,
		storage: storage,
	}
}

func (d *DB) Close() {
	d.storage.Close()
}

func (d *DB) Backup() error {
	return d.storage.Backup()
}

func (d *DB) Transaction(ctx context.Context, f func(ctx context.Context) error) error {
	return d.storage.Transaction(ctx, f)
}
