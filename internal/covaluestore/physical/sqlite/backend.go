// Package sqlite provides a SQLite-backed CoValue row backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/storage"
)

const (
	KeyPath        = "path"
	KeyJournalMode = "journal_mode"
	KeyBusyTimeout = "busy_timeout"
	KeyCacheSize   = "cache_size"
)

func init() {
	physical.Register("sqlite", NewFactory, Defaults)
}

// Defaults returns the default configuration for the SQLite backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyPath:        "~/.arcsync/covalues.db",
		KeyJournalMode: "wal",
		KeyBusyTimeout: "5000",
		KeyCacheSize:   "-64000",
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS covalues (
    row_id  INTEGER PRIMARY KEY AUTOINCREMENT,
    id      TEXT NOT NULL UNIQUE,
    header  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    row_id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    covalue                     INTEGER NOT NULL,
    session_id                  TEXT NOT NULL,
    last_idx                    INTEGER NOT NULL,
    last_signature              TEXT NOT NULL,
    bytes_since_last_signature  INTEGER NOT NULL DEFAULT 0,
    UNIQUE (covalue, session_id),
    FOREIGN KEY (covalue) REFERENCES covalues(row_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS transactions (
    ses     INTEGER NOT NULL,
    idx     INTEGER NOT NULL,
    tx      BLOB NOT NULL,
    PRIMARY KEY (ses, idx),
    FOREIGN KEY (ses) REFERENCES sessions(row_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS signature_after (
    ses         INTEGER NOT NULL,
    idx         INTEGER NOT NULL,
    signature   TEXT NOT NULL,
    PRIMARY KEY (ses, idx),
    FOREIGN KEY (ses) REFERENCES sessions(row_id) ON DELETE CASCADE
);
`

// NewFactory creates a new SQLite backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (physical.Backend, error) {
	path := storage.GetString(config, KeyPath, "")
	if path == "" {
		return nil, storage.NewConfigError("sqlite", KeyPath, "cannot be empty")
	}
	path = storage.ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to create directory", err)
	}

	journalMode := storage.GetString(config, KeyJournalMode, "wal")
	busyTimeout := storage.GetString(config, KeyBusyTimeout, "5000")
	cacheSize := storage.GetString(config, KeyCacheSize, "-64000")

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%s)&_pragma=cache_size(%s)&_pragma=foreign_keys(1)",
		path, journalMode, busyTimeout, cacheSize)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storage.NewConfigErrorWithCause("sqlite", KeyPath, "failed to initialize schema", err)
	}

	slog.Info("sqlite covaluestore initialized", "path", path, "journal_mode", journalMode)
	return &Backend{db: db}, nil
}

// Backend is a SQLite implementation of physical.Backend. Row IDs are
// the decimal form of the tables' integer keys.
type Backend struct {
	db     *sql.DB
	closed atomic.Bool
}

func parseRowID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sqlite: malformed row id %q", s)
	}
	return id, nil
}

func formatRowID(id int64) string { return strconv.FormatInt(id, 10) }

// GetCoValue returns the header row for id.
func (b *Backend) GetCoValue(ctx context.Context, id string) (*physical.CoValueRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	var (
		rowID  int64
		header []byte
	)
	err := b.db.QueryRowContext(ctx, `SELECT row_id, header FROM covalues WHERE id = ?`, id).Scan(&rowID, &header)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get covalue: %w", err)
	}
	return &physical.CoValueRow{RowID: formatRowID(rowID), ID: id, Header: header}, nil
}

// AddCoValue stores a header row unless one exists.
func (b *Backend) AddCoValue(ctx context.Context, id string, header []byte) (string, error) {
	if b.closed.Load() {
		return "", physical.ErrClosed
	}

	if _, err := b.db.ExecContext(ctx, `INSERT OR IGNORE INTO covalues (id, header) VALUES (?, ?)`, id, header); err != nil {
		return "", fmt.Errorf("sqlite add covalue: %w", err)
	}
	var rowID int64
	if err := b.db.QueryRowContext(ctx, `SELECT row_id FROM covalues WHERE id = ?`, id).Scan(&rowID); err != nil {
		return "", fmt.Errorf("sqlite add covalue: %w", err)
	}
	return formatRowID(rowID), nil
}

// GetCoValueSessions lists the session rows of a CoValue.
func (b *Backend) GetCoValueSessions(ctx context.Context, coValueRowID string) ([]*physical.SessionRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	cv, err := parseRowID(coValueRowID)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT row_id, session_id, last_idx, last_signature, bytes_since_last_signature
		 FROM sessions WHERE covalue = ? ORDER BY session_id`, cv)
	if err != nil {
		return nil, fmt.Errorf("sqlite get sessions: %w", err)
	}
	defer rows.Close()

	var out []*physical.SessionRow
	for rows.Next() {
		var (
			rowID int64
			row   = &physical.SessionRow{CoValue: coValueRowID}
		)
		if err := rows.Scan(&rowID, &row.SessionID, &row.LastIdx, &row.LastSignature, &row.BytesSinceLastSignature); err != nil {
			return nil, fmt.Errorf("sqlite get sessions: %w", err)
		}
		row.RowID = formatRowID(rowID)
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetSignatures returns checkpoints at or after fromIdx.
func (b *Backend) GetSignatures(ctx context.Context, session *physical.SessionRow, fromIdx int) ([]physical.Signature, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	ses, err := parseRowID(session.RowID)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT idx, signature FROM signature_after WHERE ses = ? AND idx >= ? ORDER BY idx`, ses, fromIdx)
	if err != nil {
		return nil, fmt.Errorf("sqlite get signatures: %w", err)
	}
	defer rows.Close()

	var out []physical.Signature
	for rows.Next() {
		var s physical.Signature
		if err := rows.Scan(&s.Idx, &s.Signature); err != nil {
			return nil, fmt.Errorf("sqlite get signatures: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetNewTransactionsInSession returns stored transactions from fromIdx.
func (b *Backend) GetNewTransactionsInSession(ctx context.Context, session *physical.SessionRow, fromIdx int) ([]physical.TransactionRow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	ses, err := parseRowID(session.RowID)
	if err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT idx, tx FROM transactions WHERE ses = ? AND idx >= ? AND idx < ? ORDER BY idx`,
		ses, fromIdx, session.LastIdx)
	if err != nil {
		return nil, fmt.Errorf("sqlite get transactions: %w", err)
	}
	defer rows.Close()

	var out []physical.TransactionRow
	for rows.Next() {
		var t physical.TransactionRow
		if err := rows.Scan(&t.Idx, &t.Data); err != nil {
			return nil, fmt.Errorf("sqlite get transactions: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddSessionUpdate inserts or updates a session row.
func (b *Backend) AddSessionUpdate(ctx context.Context, existing *physical.SessionRow, update physical.SessionUpdate) (string, error) {
	if b.closed.Load() {
		return "", physical.ErrClosed
	}
	cv, err := parseRowID(update.CoValue)
	if err != nil {
		return "", err
	}

	if existing != nil {
		ses, err := parseRowID(existing.RowID)
		if err != nil {
			return "", err
		}
		_, err = b.db.ExecContext(ctx,
			`UPDATE sessions SET last_idx = ?, last_signature = ?, bytes_since_last_signature = ? WHERE row_id = ?`,
			update.LastIdx, update.LastSignature, update.BytesSinceLastSignature, ses)
		if err != nil {
			return "", fmt.Errorf("sqlite update session: %w", err)
		}
		return existing.RowID, nil
	}

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO sessions (covalue, session_id, last_idx, last_signature, bytes_since_last_signature)
		 VALUES (?, ?, ?, ?, ?)`,
		cv, update.SessionID, update.LastIdx, update.LastSignature, update.BytesSinceLastSignature)
	if err != nil {
		return "", fmt.Errorf("sqlite insert session: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("sqlite insert session: %w", err)
	}
	return formatRowID(rowID), nil
}

// AddSignatureAfter records a checkpoint signature.
func (b *Backend) AddSignatureAfter(ctx context.Context, sessionRowID string, idx int, signature string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	ses, err := parseRowID(sessionRowID)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO signature_after (ses, idx, signature) VALUES (?, ?, ?)`, ses, idx, signature); err != nil {
		return fmt.Errorf("sqlite add signature: %w", err)
	}
	return nil
}

// AddTransaction stores one transaction row.
func (b *Backend) AddTransaction(ctx context.Context, sessionRowID string, idx int, data []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	ses, err := parseRowID(sessionRowID)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transactions (ses, idx, tx) VALUES (?, ?, ?)`, ses, idx, data); err != nil {
		return fmt.Errorf("sqlite add transaction: %w", err)
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
