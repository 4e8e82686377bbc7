package leveldb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/gigmesh/gig-gossip-network/gignode/db"
)

type DB struct {
	path string
	_db  *leveldb.DB

	mx sync.Mutex
}

func NewDB(path string) (*DB, bool, error) {
	isNew := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		isNew = true
	}

	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, false, err
	}

	return &DB{
		path: path,
		_db:  ldb,
	}, isNew, nil
}

func (d *DB) Close() {
	d._db.Close()
}

const txKey = "__ldbTx"

type tx struct {
	snap  *leveldb.Snapshot
	batch *leveldb.Batch
}

// Transaction - kinda ACID achievement using leveldb
func (d *DB) Transaction(ctx context.Context, f func(ctx context.Context) error) error {
	t, ok := ctx.Value(txKey).(*tx)
	if ok {
		// already inside tx
		return f(ctx)
	}

	// lock gives us consistency
	d.mx.Lock()
	defer d.mx.Unlock()

	// snapshot gives us kinda reads isolation
	snap, err := d._db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("failed to get db snapshot: %w", err)
	}
	defer snap.Release()

	t = &tx{
		snap:  snap,
		batch: new(leveldb.Batch),
	}

	if err := f(context.WithValue(ctx, txKey, t)); err != nil {
		return err
	}

	// batches are atomic, and durable when sync = true
	if err := d._db.Write(t.batch, &opt.WriteOptions{
		Sync: true,
	}); err != nil {
		return fmt.Errorf("failed to write batch to db: %w", err)
	}
	return nil
}

func (d *DB) GetExecutor(ctx context.Context) db.Executor {
	if t, ok := ctx.Value(txKey).(*tx); ok {
		return txExecutor{t}
	}
	return dbExecutor{d._db}
}

type txExecutor struct {
	t *tx
}

func (e txExecutor) Put(key, value []byte) error {
	e.t.batch.Put(key, value)
	return nil
}

func (e txExecutor) Delete(key []byte) error {
	e.t.batch.Delete(key)
	return nil
}

func (e txExecutor) Get(key []byte) ([]byte, error) {
	return mapNotFound(e.t.snap.Get(key, nil))
}

func (e txExecutor) Has(key []byte) (bool, error) {
	return e.t.snap.Has(key, nil)
}

func (e txExecutor) NewIterator(prefix []byte, forward bool) db.Iterator {
	return wrapIterator(e.t.snap.NewIterator(util.BytesPrefix(prefix), nil), forward)
}

type dbExecutor struct {
	db *leveldb.DB
}

func (e dbExecutor) Put(key, value []byte) error {
	return e.db.Put(key, value, &opt.WriteOptions{Sync: true})
}

func (e dbExecutor) Delete(key []byte) error {
	return e.db.Delete(key, &opt.WriteOptions{Sync: true})
}

func (e dbExecutor) Get(key []byte) ([]byte, error) {
	return mapNotFound(e.db.Get(key, nil))
}

func (e dbExecutor) Has(key []byte) (bool, error) {
	return e.db.Has(key, nil)
}

func (e dbExecutor) NewIterator(prefix []byte, forward bool) db.Iterator {
	return wrapIterator(e.db.NewIterator(util.BytesPrefix(prefix), nil), forward)
}

func mapNotFound(value []byte, err error) ([]byte, error) {
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, db.ErrNotFound
	}
	return value, err
}

type iterWrap struct {
	iterator.Iterator
	forward bool
	started bool
}

func wrapIterator(it iterator.Iterator, forward bool) db.Iterator {
	return &iterWrap{Iterator: it, forward: forward}
}

func (i *iterWrap) Next() bool {
	if i.forward {
		return i.Iterator.Next()
	}
	if !i.started {
		i.started = true
		return i.Iterator.Last()
	}
	return i.Iterator.Prev()
}

// Backup copies the database files into a timestamped sibling directory. The
// named return lets the reopen deferral surface its failure to the caller.
func (d *DB) Backup() (err error) {
	d.mx.Lock()
	defer d.mx.Unlock()

	// Close the database before starting the backup process
	err = d._db.Close()
	if err != nil {
		return fmt.Errorf("failed to close the database before backup: %w", err)
	}

	// Ensure the database is reopened after the backup
	defer func() {
		reopenedDB, reopenErr := leveldb.OpenFile(d.path, nil)
		if reopenErr != nil {
			err = fmt.Errorf("failed to reopen the database after backup: %w", reopenErr)
			return
		}
		d._db = reopenedDB
	}()

	// Proceed with the backup
	backupDir := fmt.Sprintf("%s_backup_%d", d.path, time.Now().UnixMilli())

	err = os.MkdirAll(backupDir, 0755)
	if err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	err = filepath.WalkDir(d.path, func(path string, dir fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to access file %s: %w", path, err)
		}

		if dir.IsDir() {
			return nil
		}

		relativePath, err := filepath.Rel(d.path, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path for %s: %w", path, err)
		}

		destinationPath := filepath.Join(backupDir, relativePath)

		err = os.MkdirAll(filepath.Dir(destinationPath), 0755)
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(destinationPath), err)
		}

		input, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open source file %s: %w", path, err)
		}
		defer input.Close()

		output, err := os.Create(destinationPath)
		if err != nil {
			return fmt.Errorf("failed to create destination file %s: %w", destinationPath, err)
		}
		defer output.Close()

		if _, err := io.Copy(output, input); err != nil {
			return fmt.Errorf("failed to copy data from %s to %s: %w", path, destinationPath, err)
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("failed to complete backup: %w", err)
	}

	return nil
}
