package cache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/gloos/chunkcache/internal/config"
	cerrors "github.com/gloos/chunkcache/pkg/errors"
)

// RecordKind describes how a durable record's value bytes are encoded.
type RecordKind string

const (
	KindBinary RecordKind = "binary"
	KindJSON   RecordKind = "json"
)

// Values below this size are stored uncompressed even when compression is
// enabled; the gzip header overhead outweighs any saving.
const compressionThreshold = 1024

const storeSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	kind       TEXT NOT NULL,
	domain     TEXT NOT NULL,
	file_id    TEXT NOT NULL DEFAULT '',
	meta       TEXT,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	size       INTEGER NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_file_id ON cache_entries (file_id);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries (expires_at);
`

// Record is one durable-tier row.
type Record struct {
	Key        string
	Value      []byte
	Kind       RecordKind
	Domain     Domain
	FileID     string
	Meta       []byte
	CreatedAt  time.Time
	ExpiresAt  time.Time // zero means no expiry
	Size       int64
	Compressed bool
}

// Bytes returns the record's raw value, decompressing when needed.
func (r *Record) Bytes() ([]byte, error) {
	if !r.Compressed {
		return r.Value, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(r.Value))
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeDeserialization, "failed to open compressed record", err).WithKey(r.Key)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeDeserialization, "failed to decompress record", err).WithKey(r.Key)
	}
	return data, nil
}

// DecodeJSON unmarshals a JSON-kind record's value into v.
func (r *Record) DecodeJSON(v any) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeDeserialization, "failed to decode record", err).WithKey(r.Key)
	}
	return nil
}

// DecodeMeta unmarshals the record's metadata sidecar into v.
func (r *Record) DecodeMeta(v any) error {
	if len(r.Meta) == 0 {
		return cerrors.New(cerrors.ErrCodeDeserialization, "record has no metadata").WithKey(r.Key)
	}
	if err := json.Unmarshal(r.Meta, v); err != nil {
		return cerrors.Wrap(cerrors.ErrCodeDeserialization, "failed to decode record metadata", err).WithKey(r.Key)
	}
	return nil
}

// SetOptions control how a durable record is written.
type SetOptions struct {
	TTL    time.Duration
	Domain Domain
	FileID string

	// Meta is an optional structured sidecar stored beside the value,
	// JSON-encoded. Used for chunk descriptors and upload bookkeeping.
	Meta any
}

// SQLiteStore is the durable overflow/resume tier backed by a single
// SQLite database. The connection is opened lazily on first use; a lost
// connection resets internal state so subsequent calls reopen rather than
// fail forever. Secondary indexes on file_id and expires_at support
// per-file invalidation and bulk expiry cleanup without scanning the key
// space.
type SQLiteStore struct {
	cfg    config.StoreConfig
	logger zerolog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore creates a durable store. No I/O happens until first use.
func NewSQLiteStore(cfg config.StoreConfig, logger zerolog.Logger) *SQLiteStore {
	return &SQLiteStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// conn returns the shared database handle, opening it on first use.
func (s *SQLiteStore) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}
	if s.cfg.Path == "" {
		return nil, cerrors.New(cerrors.ErrCodeStoreUnavailable, "no store path configured").WithComponent("store")
	}

	busyMillis := s.cfg.BusyTimeout.Milliseconds()
	if busyMillis <= 0 {
		busyMillis = 5000
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL", s.cfg.Path, busyMillis)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreOpen, "failed to open store", err).WithComponent("store")
	}
	if _, err := db.ExecContext(ctx, storeSchema); err != nil {
		_ = db.Close()
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreOpen, "failed to initialize store schema", err).WithComponent("store")
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("durable store opened")
	return db, nil
}

// dropConn discards the handle after a connection-level failure so the
// next call reopens instead of failing forever.
func (s *SQLiteStore) dropConn(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if err == sql.ErrConnDone || strings.Contains(msg, "database is closed") {
		s.mu.Lock()
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("durable store connection lost, will reopen on next use")
	}
}

// Get fetches a record by key. Expired records are deleted and reported
// absent; they are never returned.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, false, err
	}

	row := db.QueryRowContext(ctx,
		`SELECT key, value, kind, domain, file_id, meta, created_at, expires_at, size, compressed
		 FROM cache_entries WHERE key = ?`, key)

	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		s.dropConn(err)
		return nil, false, cerrors.Wrap(cerrors.ErrCodeStoreRead, "failed to read record", err).WithKey(key)
	}

	if record.Expired(time.Now()) {
		if _, err := s.Delete(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete expired record")
		}
		return nil, false, nil
	}
	return record, true, nil
}

// Set writes a record. Byte slices are persisted raw (optionally gzip
// compressed); all other values are persisted as serialized JSON text.
func (s *SQLiteStore) Set(ctx context.Context, key string, value any, opts SetOptions) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	var (
		raw  []byte
		kind RecordKind
	)
	switch v := value.(type) {
	case []byte:
		raw = v
		kind = KindBinary
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return cerrors.Wrap(cerrors.ErrCodeSerialization, "failed to encode value", err).WithKey(key)
		}
		raw = data
		kind = KindJSON
	}

	size := int64(len(raw))
	stored := raw
	compressed := false
	if s.cfg.Compression && kind == KindBinary && len(raw) >= compressionThreshold {
		var buf bytes.Buffer
		writer := gzip.NewWriter(&buf)
		if _, err := writer.Write(raw); err == nil && writer.Close() == nil && buf.Len() < len(raw) {
			stored = buf.Bytes()
			compressed = true
		}
	}

	var metaJSON []byte
	if opts.Meta != nil {
		metaJSON, err = json.Marshal(opts.Meta)
		if err != nil {
			return cerrors.Wrap(cerrors.ErrCodeSerialization, "failed to encode metadata", err).WithKey(key)
		}
	}

	var expiresAt int64
	if opts.TTL > 0 {
		expiresAt = time.Now().Add(opts.TTL).UnixMilli()
	}

	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (key, value, kind, domain, file_id, meta, created_at, expires_at, size, compressed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, stored, string(kind), string(opts.Domain), opts.FileID, nullableText(metaJSON),
		time.Now().UnixMilli(), expiresAt, size, boolToInt(compressed))
	if err != nil {
		s.dropConn(err)
		return cerrors.Wrap(cerrors.ErrCodeStoreWrite, "failed to write record", err).WithKey(key)
	}
	return nil
}

// Delete removes a record and reports whether it existed.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return false, err
	}

	result, err := db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		s.dropConn(err)
		return false, cerrors.Wrap(cerrors.ErrCodeStoreDelete, "failed to delete record", err).WithKey(key)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// Exists reports whether a live record exists for key.
func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	return found, err
}

// Clear removes every record.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		s.dropConn(err)
		return cerrors.Wrap(cerrors.ErrCodeStoreDelete, "failed to clear store", err)
	}
	return nil
}

// Keys returns every stored key.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT key FROM cache_entries`)
	if err != nil {
		s.dropConn(err)
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreRead, "failed to list keys", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			s.logger.Warn().Err(err).Msg("skipping unreadable key row")
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Count returns the number of stored records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		s.dropConn(err)
		return 0, cerrors.Wrap(cerrors.ErrCodeStoreRead, "failed to count records", err)
	}
	return count, nil
}

// GetByFileID returns every live record owned by a file, via the file_id
// secondary index. A corrupt row is skipped and logged; it never aborts
// the iteration.
func (s *SQLiteStore) GetByFileID(ctx context.Context, fileID string) ([]*Record, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT key, value, kind, domain, file_id, meta, created_at, expires_at, size, compressed
		 FROM cache_entries WHERE file_id = ?`, fileID)
	if err != nil {
		s.dropConn(err)
		return nil, cerrors.Wrap(cerrors.ErrCodeStoreRead, "failed to query by file id", err)
	}
	defer func() { _ = rows.Close() }()

	now := time.Now()
	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			s.logger.Warn().Err(err).Str("file_id", fileID).Msg("skipping corrupt record")
			continue
		}
		if record.Expired(now) {
			continue
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteByFileID removes every record owned by a file and returns how many
// were removed.
func (s *SQLiteStore) DeleteByFileID(ctx context.Context, fileID string) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx, `DELETE FROM cache_entries WHERE file_id = ?`, fileID)
	if err != nil {
		s.dropConn(err)
		return 0, cerrors.Wrap(cerrors.ErrCodeStoreDelete, "failed to delete by file id", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// CleanupExpired removes every record whose expiry has passed, using the
// expires_at index as a range scan up to now. Returns the count removed.
func (s *SQLiteStore) CleanupExpired(ctx context.Context) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	result, err := db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		s.dropConn(err)
		return 0, cerrors.Wrap(cerrors.ErrCodeStoreDelete, "failed to clean up expired records", err)
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// Close releases the database handle. The store may be used again
// afterwards; the next call reopens it.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Expired reports whether the record's TTL has passed at the given time.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record     Record
		kind       string
		domain     string
		meta       sql.NullString
		createdAt  int64
		expiresAt  int64
		compressed int
	)
	if err := row.Scan(&record.Key, &record.Value, &kind, &domain, &record.FileID,
		&meta, &createdAt, &expiresAt, &record.Size, &compressed); err != nil {
		return nil, err
	}

	record.Kind = RecordKind(kind)
	record.Domain = Domain(domain)
	if meta.Valid {
		record.Meta = []byte(meta.String)
	}
	record.CreatedAt = time.UnixMilli(createdAt)
	if expiresAt > 0 {
		record.ExpiresAt = time.UnixMilli(expiresAt)
	}
	record.Compressed = compressed != 0
	return &record, nil
}

func nullableText(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
