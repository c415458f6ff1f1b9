// Package journal keeps a local record of produced signatures.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Entry is one recorded signature.
type Entry struct {
	ID        int64
	SessionID string
	Address   string
	Family    string
	Kind      string
	Device    string
	Network   string
	Signature []byte
	CreatedAt time.Time
}

// Store is an append-only sqlite table of signatures.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Open opens (or creates) the journal under dataDir/journal.db.
func Open(dataDir string, log *zap.Logger) (*Store, error) {
	return OpenDSN(filepath.Join(dataDir, "journal.db"), log)
}

// OpenDSN opens a journal using the given sqlite DSN or path. Tests pass
// ":memory:".
func OpenDSN(dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// A :memory: database is per connection.
	db.SetMaxOpenConns(1)

	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, log: log, now: time.Now}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS signatures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	address TEXT NOT NULL,
	family TEXT NOT NULL,
	kind TEXT NOT NULL,
	device TEXT NOT NULL,
	network TEXT,
	signature TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("create signatures table: %w", err)
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends e and returns its id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("journal not initialized")
	}
	if e.Address == "" || len(e.Signature) == 0 {
		return 0, fmt.Errorf("address and signature are required")
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO signatures (session_id, address, family, kind, device, network, signature, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, e.SessionID, e.Address, e.Family, e.Kind, e.Device, e.Network, hexutil.Encode(e.Signature), created.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("record signature: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record signature: %w", err)
	}
	s.log.Debug("signature recorded", zap.Int64("id", id), zap.String("address", e.Address), zap.String("kind", e.Kind))
	return id, nil
}

// List returns the newest entries first, at most limit of them (all when
// limit <= 0).
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("journal not initialized")
	}
	query := `SELECT id, session_id, address, family, kind, device, COALESCE(network, ''), signature, created_at FROM signatures ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			sig     string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Address, &e.Family, &e.Kind, &e.Device, &e.Network, &sig, &created); err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		if e.Signature, err = hexutil.Decode(sig); err != nil {
			return nil, fmt.Errorf("decode signature %d: %w", e.ID, err)
		}
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}
