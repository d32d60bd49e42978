package progress

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteSnapshotTable = "ventisync_outbox"
	sqliteSnapshotKey   = "default"
)

// SQLiteBackend keeps the outbox snapshot in a single-row SQLite table.
// The connection is opened lazily on first use.
type SQLiteBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteBackend{path: path}, nil
}

func (b *SQLiteBackend) Load() (*outboxSnapshot, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var payload string
	err := b.db.Get(&payload, "SELECT snapshot FROM "+sqliteSnapshotTable+" WHERE state_key = ?", sqliteSnapshotKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot outboxSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLiteBackend) Save(snapshot *outboxSnapshot) error {
	if b == nil || snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = b.db.Exec(`
		INSERT INTO `+sqliteSnapshotTable+` (state_key, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`,
		sqliteSnapshotKey, string(payload))
	return err
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := sqlx.Connect("sqlite3", b.path+"?_foreign_keys=on")
		if err != nil {
			b.initErr = err
			return
		}
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS ` + sqliteSnapshotTable + ` (
				state_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
