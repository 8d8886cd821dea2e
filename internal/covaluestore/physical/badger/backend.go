// Package badger provides a BadgerDB-backed CoValue row backend.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/storage"
	"github.com/gezibash/arc-sync/pkg/codec"
)

const (
	prefixCoValue   = "cv/"
	prefixSession   = "sess/"
	prefixSignature = "sig/"
	prefixTx        = "tx/"
)

const (
	KeyPath             = "path"
	KeySyncWrites       = "sync_writes"
	KeyValueLogFileSize = "value_log_file_size"
	KeyMemTableSize     = "mem_table_size"
	KeyInMemory         = "in_memory"
)

func init() {
	physical.Register("badger", NewFactory, Defaults)
}

// Defaults returns the default configuration for the BadgerDB backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:             "~/.arcsync/covalues",
		KeySyncWrites:       "true",
		KeyValueLogFileSize: "256MiB",
		KeyMemTableSize:     "64MiB",
		KeyInMemory:         "false",
	}
}

// NewFactory creates a new BadgerDB backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	inMemory, err := storage.GetBool(config, KeyInMemory, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyInMemory, config[KeyInMemory], err.Error())
	}

	if inMemory {
		return newInMemory()
	}

	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("badger", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to create directory", err)
	}

	syncWrites, err := storage.GetBool(config, KeySyncWrites, true)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeySyncWrites, config[KeySyncWrites], err.Error())
	}

	valueLogFileSize, err := storage.GetSize(config, KeyValueLogFileSize, 1<<28)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyValueLogFileSize, config[KeyValueLogFileSize], err.Error())
	}

	memTableSize, err := storage.GetSize(config, KeyMemTableSize, 64<<20)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("badger", KeyMemTableSize, config[KeyMemTableSize], err.Error())
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = syncWrites
	if valueLogFileSize > 0 {
		opts.ValueLogFileSize = valueLogFileSize
	}
	if memTableSize > 0 {
		opts.MemTableSize = memTableSize
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyPath, "failed to open database", err)
	}

	slog.Info("badger covaluestore initialized", "path", path, "sync_writes", syncWrites)
	return NewWithDB(db), nil
}

func newInMemory() (*Backend, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("badger", KeyInMemory, "failed to open in-memory database", err)
	}

	slog.Debug("badger covaluestore initialized (in-memory)")
	return NewWithDB(db), nil
}

// Backend is a BadgerDB implementation of physical.Backend. CoValue
// rows are keyed by CoID and session rows by "<CoID>/<sessionID>".
type Backend struct {
	db     *badger.DB
	closed atomic.Bool
}

// NewWithDB creates a new backend with an existing BadgerDB instance.
func NewWithDB(db *badger.DB) *Backend {
	return &Backend{db: db}
}

// sessionRecord is the stored form of a session row.
type sessionRecord struct {
	CoValue                 string `cbor:"coValue"`
	SessionID               string `cbor:"sessionID"`
	LastIdx                 int    `cbor:"lastIdx"`
	LastSignature           string `cbor:"lastSignature"`
	BytesSinceLastSignature int    `cbor:"bytesSinceLastSignature"`
}

func sessionRowID(coValue, sessionID string) string { return coValue + "/" + sessionID }

func idxKey(prefix, sessionRowID string, idx int) []byte {
	return fmt.Appendf(nil, "%s%s/%010d", prefix, sessionRowID, idx)
}

// GetCoValue returns the header row for id.
func (b *Backend) GetCoValue(_ context.Context, id string) (*physical.CoValueRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var row *physical.CoValueRow
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixCoValue + id))
		if err != nil {
			return err
		}
		header, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		row = &physical.CoValueRow{RowID: id, ID: id, Header: header}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get covalue: %w", err)
	}
	return row, nil
}

// AddCoValue stores a header row unless one exists.
func (b *Backend) AddCoValue(_ context.Context, id string, header []byte) (string, error) {
	if b.closed.Load() {
		return "", physical.ErrClosed
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		key := []byte(prefixCoValue + id)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, header)
	})
	if err != nil {
		return "", fmt.Errorf("badger add covalue: %w", err)
	}
	return id, nil
}

// GetCoValueSessions lists the session rows of a CoValue.
func (b *Backend) GetCoValueSessions(_ context.Context, coValueRowID string) ([]*physical.SessionRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var rows []*physical.SessionRow
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixSession + coValueRowID + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec sessionRecord
			if err := codec.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decode session row: %w", err)
			}
			rows = append(rows, &physical.SessionRow{
				RowID:                   sessionRowID(rec.CoValue, rec.SessionID),
				CoValue:                 rec.CoValue,
				SessionID:               rec.SessionID,
				LastIdx:                 rec.LastIdx,
				LastSignature:           rec.LastSignature,
				BytesSinceLastSignature: rec.BytesSinceLastSignature,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger get sessions: %w", err)
	}
	return rows, nil
}

// GetSignatures returns checkpoints at or after fromIdx.
func (b *Backend) GetSignatures(_ context.Context, session *physical.SessionRow, fromIdx int) ([]physical.Signature, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var sigs []physical.Signature
	err := b.scan(prefixSignature, session.RowID, fromIdx, func(idx int, data []byte) {
		sigs = append(sigs, physical.Signature{Idx: idx, Signature: string(data)})
	})
	if err != nil {
		return nil, fmt.Errorf("badger get signatures: %w", err)
	}
	return sigs, nil
}

// GetNewTransactionsInSession returns stored transactions from fromIdx.
func (b *Backend) GetNewTransactionsInSession(_ context.Context, session *physical.SessionRow, fromIdx int) ([]physical.TransactionRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var txs []physical.TransactionRow
	err := b.scan(prefixTx, session.RowID, fromIdx, func(idx int, data []byte) {
		if idx < session.LastIdx {
			txs = append(txs, physical.TransactionRow{Idx: idx, Data: data})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("badger get transactions: %w", err)
	}
	return txs, nil
}

func (b *Backend) scan(prefix, sessionRowID string, fromIdx int, fn func(idx int, data []byte)) error {
	return b.db.View(func(txn *badger.Txn) error {
		p := []byte(prefix + sessionRowID + "/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: p, PrefetchValues: true})
		defer it.Close()
		for it.Seek(idxKey(prefix, sessionRowID, fromIdx)); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			idx, err := strconv.Atoi(string(item.Key()[len(p):]))
			if err != nil {
				return fmt.Errorf("malformed key %q", item.Key())
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			fn(idx, data)
		}
		return nil
	})
}

// AddSessionUpdate writes a session row.
func (b *Backend) AddSessionUpdate(_ context.Context, _ *physical.SessionRow, update physical.SessionUpdate) (string, error) {
	if b.closed.Load() {
		return "", physical.ErrClosed
	}

	data, err := codec.Marshal(sessionRecord{
		CoValue:                 update.CoValue,
		SessionID:               update.SessionID,
		LastIdx:                 update.LastIdx,
		LastSignature:           update.LastSignature,
		BytesSinceLastSignature: update.BytesSinceLastSignature,
	})
	if err != nil {
		return "", err
	}
	rowID := sessionRowID(update.CoValue, update.SessionID)
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixSession+rowID), data)
	})
	if err != nil {
		return "", fmt.Errorf("badger add session: %w", err)
	}
	return rowID, nil
}

// AddSignatureAfter records a checkpoint signature.
func (b *Backend) AddSignatureAfter(_ context.Context, sessionRowID string, idx int, signature string) error {
	return b.put(idxKey(prefixSignature, sessionRowID, idx), []byte(signature))
}

// AddTransaction stores one transaction row.
func (b *Backend) AddTransaction(_ context.Context, sessionRowID string, idx int, data []byte) error {
	return b.put(idxKey(prefixTx, sessionRowID, idx), data)
}

func (b *Backend) put(key, value []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if err := b.db.Update(func(txn *badger.Txn) error { return txn.Set(key, value) }); err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}
