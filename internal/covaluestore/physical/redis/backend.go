// Package redis provides a Redis-backed CoValue row backend.
package redis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/storage"
	"github.com/gezibash/arc-sync/pkg/codec"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    "arcsync:",
	}
}

// NewFactory creates a new Redis backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	addr := storage.GetString(config, KeyAddr, "")
	if addr == "" {
		return nil, storage.NewConfigError("redis", KeyAddr, "cannot be empty")
	}

	db, err := storage.GetInt(config, KeyDB, 0)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], err.Error())
	}
	if db < 0 {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDB, config[KeyDB], "must be non-negative")
	}

	maxRetries, err := storage.GetInt(config, KeyMaxRetries, 3)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyMaxRetries, config[KeyMaxRetries], err.Error())
	}

	dialTimeout, err := storage.GetDuration(config, KeyDialTimeout, 5*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyDialTimeout, config[KeyDialTimeout], err.Error())
	}

	readTimeout, err := storage.GetDuration(config, KeyReadTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyReadTimeout, config[KeyReadTimeout], err.Error())
	}

	writeTimeout, err := storage.GetDuration(config, KeyWriteTimeout, 3*time.Second)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyWriteTimeout, config[KeyWriteTimeout], err.Error())
	}

	poolSize, err := storage.GetInt(config, KeyPoolSize, 0)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("redis", KeyPoolSize, config[KeyPoolSize], err.Error())
	}

	opts := &redis.Options{
		Addr:         addr,
		Password:     storage.GetString(config, KeyPassword, ""),
		DB:           db,
		MaxRetries:   maxRetries,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	keyPrefix := storage.GetString(config, KeyKeyPrefix, "arcsync:")
	slog.Info("redis covaluestore initialized", "addr", addr, "db", db, "key_prefix", keyPrefix)

	return NewWithClient(client, keyPrefix), nil
}

// Backend is a Redis implementation of physical.Backend. Each CoValue
// is a string key holding its header plus one hash of session rows;
// signatures and transactions live in per-session hashes keyed by index.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a new backend with an existing Redis client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	return &Backend{client: client, prefix: prefix}
}

type sessionRecord struct {
	SessionID               string `cbor:"sessionID"`
	LastIdx                 int    `cbor:"lastIdx"`
	LastSignature           string `cbor:"lastSignature"`
	BytesSinceLastSignature int    `cbor:"bytesSinceLastSignature"`
}

func (b *Backend) coValueKey(id string) string       { return b.prefix + "cv:" + id }
func (b *Backend) sessionsKey(id string) string      { return b.prefix + "sessions:" + id }
func (b *Backend) signaturesKey(ses string) string   { return b.prefix + "sig:" + ses }
func (b *Backend) transactionsKey(ses string) string { return b.prefix + "tx:" + ses }

func sessionRowID(coValue, sessionID string) string { return coValue + "/" + sessionID }

// GetCoValue returns the header row for id.
func (b *Backend) GetCoValue(ctx context.Context, id string) (*physical.CoValueRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	header, err := b.client.Get(ctx, b.coValueKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get covalue: %w", err)
	}
	return &physical.CoValueRow{RowID: id, ID: id, Header: header}, nil
}

// AddCoValue stores a header row unless one exists.
func (b *Backend) AddCoValue(ctx context.Context, id string, header []byte) (string, error) {
	if b.closed.Load() {
		return "", physical.ErrClosed
	}
	if err := b.client.SetNX(ctx, b.coValueKey(id), header, 0).Err(); err != nil {
		return "", fmt.Errorf("redis add covalue: %w", err)
	}
	return id, nil
}

// GetCoValueSessions lists the session rows of a CoValue.
func (b *Backend) GetCoValueSessions(ctx context.Context, coValueRowID string) ([]*physical.SessionRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	fields, err := b.client.HGetAll(ctx, b.sessionsKey(coValueRowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get sessions: %w", err)
	}
	out := make([]*physical.SessionRow, 0, len(fields))
	for _, data := range fields {
		var rec sessionRecord
		if err := codec.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode session row: %w", err)
		}
		out = append(out, &physical.SessionRow{
			RowID:                   sessionRowID(coValueRowID, rec.SessionID),
			CoValue:                 coValueRowID,
			SessionID:               rec.SessionID,
			LastIdx:                 rec.LastIdx,
			LastSignature:           rec.LastSignature,
			BytesSinceLastSignature: rec.BytesSinceLastSignature,
		})
	}
	slices.SortFunc(out, func(a, b *physical.SessionRow) int { return cmp.Compare(a.SessionID, b.SessionID) })
	return out, nil
}

// GetSignatures returns checkpoints at or after fromIdx.
func (b *Backend) GetSignatures(ctx context.Context, session *physical.SessionRow, fromIdx int) ([]physical.Signature, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	fields, err := b.client.HGetAll(ctx, b.signaturesKey(session.RowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get signatures: %w", err)
	}
	var out []physical.Signature
	for field, sig := range fields {
		idx, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("redis get signatures: malformed index %q", field)
		}
		if idx >= fromIdx {
			out = append(out, physical.Signature{Idx: idx, Signature: sig})
		}
	}
	slices.SortFunc(out, func(a, b physical.Signature) int { return cmp.Compare(a.Idx, b.Idx) })
	return out, nil
}

// GetNewTransactionsInSession returns stored transactions from fromIdx.
func (b *Backend) GetNewTransactionsInSession(ctx context.Context, session *physical.SessionRow, fromIdx int) ([]physical.TransactionRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	if fromIdx >= session.LastIdx {
		return nil, nil
	}

	fields := make([]string, 0, session.LastIdx-fromIdx)
	for i := fromIdx; i < session.LastIdx; i++ {
		fields = append(fields, strconv.Itoa(i))
	}
	vals, err := b.client.HMGet(ctx, b.transactionsKey(session.RowID), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get transactions: %w", err)
	}
	out := make([]physical.TransactionRow, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, physical.TransactionRow{Idx: fromIdx + i, Data: []byte(s)})
	}
	return out, nil
}

// AddSessionUpdate writes a session row.
func (b *Backend) AddSessionUpdate(ctx context.Context, _ *physical.SessionRow, update physical.SessionUpdate) (string, error) {
	if b.closed.Load() {
		return "", physical.ErrClosed
	}

	data, err := codec.Marshal(sessionRecord{
		SessionID:               update.SessionID,
		LastIdx:                 update.LastIdx,
		LastSignature:           update.LastSignature,
		BytesSinceLastSignature: update.BytesSinceLastSignature,
	})
	if err != nil {
		return "", err
	}
	if err := b.client.HSet(ctx, b.sessionsKey(update.CoValue), update.SessionID, data).Err(); err != nil {
		return "", fmt.Errorf("redis add session: %w", err)
	}
	return sessionRowID(update.CoValue, update.SessionID), nil
}

// AddSignatureAfter records a checkpoint signature.
func (b *Backend) AddSignatureAfter(ctx context.Context, sessionRowID string, idx int, signature string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if err := b.client.HSet(ctx, b.signaturesKey(sessionRowID), strconv.Itoa(idx), signature).Err(); err != nil {
		return fmt.Errorf("redis add signature: %w", err)
	}
	return nil
}

// AddTransaction stores one transaction row.
func (b *Backend) AddTransaction(ctx context.Context, sessionRowID string, idx int, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	if err := b.client.HSet(ctx, b.transactionsKey(sessionRowID), strconv.Itoa(idx), data).Err(); err != nil {
		return fmt.Errorf("redis add transaction: %w", err)
	}
	return nil
}

// Close closes the client.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
