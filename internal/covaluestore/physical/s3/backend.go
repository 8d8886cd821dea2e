// Package s3 provides an S3-backed CoValue row backend.
package s3

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/storage"
	"github.com/gezibash/arc-sync/pkg/codec"
)

const (
	KeyBucket          = "bucket"
	KeyRegion          = "region"
	KeyEndpoint        = "endpoint"
	KeyPrefix          = "prefix"
	KeyAccessKeyID     = "access_key_id"
	KeySecretAccessKey = "secret_access_key"
	KeyForcePathStyle  = "force_path_style"
)

func init() {
	physical.Register("s3", NewFactory, Defaults)
}

// Defaults returns the default configuration for the S3 backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyRegion:          "us-east-1",
		KeyEndpoint:        "",
		KeyPrefix:          "",
		KeyAccessKeyID:     "",
		KeySecretAccessKey: "",
		KeyForcePathStyle:  "false",
	}
}

// NewFactory creates a new S3 backend from a configuration map.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	bucket := storage.GetString(config, KeyBucket, "")
	if bucket == "" {
		return nil, storage.NewConfigError("s3", KeyBucket, "cannot be empty")
	}

	region := storage.GetString(config, KeyRegion, "us-east-1")
	endpoint := storage.GetString(config, KeyEndpoint, "")
	prefix := storage.GetString(config, KeyPrefix, "")
	accessKeyID := storage.GetString(config, KeyAccessKeyID, "")
	secretAccessKey := storage.GetString(config, KeySecretAccessKey, "")

	forcePathStyle, err := storage.GetBool(config, KeyForcePathStyle, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("s3", KeyForcePathStyle, config[KeyForcePathStyle], err.Error())
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", "", "failed to load AWS config", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = forcePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, storage.NewConfigErrorWithCause("s3", KeyBucket, "bucket not accessible", err)
	}

	slog.Info("s3 covaluestore initialized", "bucket", bucket, "region", region, "prefix", prefix)
	return NewWithClient(client, bucket, prefix), nil
}

// Backend is an S3 implementation of physical.Backend.
//
// Layout under the prefix:
//
//	covalues/<id>/header
//	covalues/<id>/sessions               session rows of the CoValue
//	covalues/<id>/<session>/signatures   checkpoints of one session
//	covalues/<id>/<session>/tx/<idx>     one transaction each
//
// Session and signature objects are read-modify-write, so a bucket
// prefix must have a single writing process.
type Backend struct {
	client *s3.Client
	bucket string
	prefix string
	mu     sync.Mutex
	closed atomic.Bool
}

// NewWithClient creates a backend over an existing client.
func NewWithClient(client *s3.Client, bucket, prefix string) *Backend {
	return &Backend{client: client, bucket: bucket, prefix: prefix}
}

type sessionRecord struct {
	LastIdx                 int    `cbor:"lastIdx"`
	LastSignature           string `cbor:"lastSignature"`
	BytesSinceLastSignature int    `cbor:"bytesSinceLastSignature"`
}

func (b *Backend) key(parts ...string) string {
	k := b.prefix + "covalues"
	for _, p := range parts {
		k += "/" + p
	}
	return k
}

func sessionRowID(coValue, sessionID string) string { return coValue + "/" + sessionID }

// GetCoValue returns the header row for id.
func (b *Backend) GetCoValue(ctx context.Context, id string) (*physical.CoValueRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	header, err := b.get(ctx, b.key(id, "header"))
	if err != nil {
		return nil, err
	}
	return &physical.CoValueRow{RowID: id, ID: id, Header: header}, nil
}

// AddCoValue stores a header row unless one exists.
func (b *Backend) AddCoValue(ctx context.Context, id string, header []byte) (string, error) {
	if b.closed.Load() {
		return "", physical.ErrClosed
	}
	key := b.key(id, "header")
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err == nil {
		return id, nil
	}
	if !isNotFound(err) {
		return "", fmt.Errorf("s3 add covalue: %w", err)
	}
	if err := b.put(ctx, key, header); err != nil {
		return "", err
	}
	return id, nil
}

// GetCoValueSessions lists the session rows of a CoValue.
func (b *Backend) GetCoValueSessions(ctx context.Context, coValueRowID string) ([]*physical.SessionRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	records, err := b.sessions(ctx, coValueRowID)
	if err != nil {
		return nil, err
	}
	out := make([]*physical.SessionRow, 0, len(records))
	for sid, rec := range records {
		out = append(out, &physical.SessionRow{
			RowID:                   sessionRowID(coValueRowID, sid),
			CoValue:                 coValueRowID,
			SessionID:               sid,
			LastIdx:                 rec.LastIdx,
			LastSignature:           rec.LastSignature,
			BytesSinceLastSignature: rec.BytesSinceLastSignature,
		})
	}
	slices.SortFunc(out, func(a, b *physical.SessionRow) int { return cmp.Compare(a.SessionID, b.SessionID) })
	return out, nil
}

func (b *Backend) sessions(ctx context.Context, coValueRowID string) (map[string]sessionRecord, error) {
	records := map[string]sessionRecord{}
	data, err := b.get(ctx, b.key(coValueRowID, "sessions"))
	if errors.Is(err, physical.ErrNotFound) {
		return records, nil
	}
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return records, nil
}

func (b *Backend) signatures(ctx context.Context, sessionRowID string) (map[int]string, error) {
	sigs := map[int]string{}
	data, err := b.get(ctx, b.key(sessionRowID, "signatures"))
	if errors.Is(err, physical.ErrNotFound) {
		return sigs, nil
	}
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(data, &sigs); err != nil {
		return nil, fmt.Errorf("decode signatures: %w", err)
	}
	return sigs, nil
}

// GetSignatures returns checkpoints at or after fromIdx.
func (b *Backend) GetSignatures(ctx context.Context, session *physical.SessionRow, fromIdx int) ([]physical.Signature, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	sigs, err := b.signatures(ctx, session.RowID)
	if err != nil {
		return nil, err
	}
	var out []physical.Signature
	for idx, sig := range sigs {
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
	var out []physical.TransactionRow
	for idx := fromIdx; idx < session.LastIdx; idx++ {
		data, err := b.get(ctx, b.txKey(session.RowID, idx))
		if errors.Is(err, physical.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, physical.TransactionRow{Idx: idx, Data: data})
	}
	return out, nil
}

func (b *Backend) txKey(sessionRowID string, idx int) string {
	return b.key(sessionRowID, "tx", fmt.Sprintf("%010d", idx))
}

// AddSessionUpdate writes a session row.
func (b *Backend) AddSessionUpdate(ctx context.Context, _ *physical.SessionRow, update physical.SessionUpdate) (string, error) {
	if b.closed.Load() {
		return "", physical.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.sessions(ctx, update.CoValue)
	if err != nil {
		return "", err
	}
	records[update.SessionID] = sessionRecord{
		LastIdx:                 update.LastIdx,
		LastSignature:           update.LastSignature,
		BytesSinceLastSignature: update.BytesSinceLastSignature,
	}
	data, err := codec.Marshal(records)
	if err != nil {
		return "", err
	}
	if err := b.put(ctx, b.key(update.CoValue, "sessions"), data); err != nil {
		return "", err
	}
	return sessionRowID(update.CoValue, update.SessionID), nil
}

// AddSignatureAfter records a checkpoint signature.
func (b *Backend) AddSignatureAfter(ctx context.Context, sessionRowID string, idx int, signature string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sigs, err := b.signatures(ctx, sessionRowID)
	if err != nil {
		return err
	}
	sigs[idx] = signature
	data, err := codec.Marshal(sigs)
	if err != nil {
		return err
	}
	return b.put(ctx, b.key(sessionRowID, "signatures"), data)
}

// AddTransaction stores one transaction row.
func (b *Backend) AddTransaction(ctx context.Context, sessionRowID string, idx int, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	return b.put(ctx, b.txKey(sessionRowID, idx), data)
}

func (b *Backend) get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, physical.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	return data, nil
}

func (b *Backend) put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the S3 SDK client needs no cleanup.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}
