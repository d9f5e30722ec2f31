package applet

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed" // Load sqlite WASM binary
)

// SQLiteStore keeps the card state in a single-row SQLite table. Commits run
// in a transaction on a WAL journal, which gives the all-or-nothing update
// the card relies on.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at filename. The special name
// ":memory:" opens a private in-memory database.
func OpenSQLite(filename string) (*SQLiteStore, error) {
	name := "file:" + filepath.Clean(filename) + "?_pragma=journal_mode(wal)&_pragma=synchronous(full)"
	if filename == ":memory:" {
		name = "file::memory:"
	}
	connector, err := (&driver.SQLite{}).OpenConnector(name)
	if err != nil {
		return nil, fmt.Errorf("error creating sqlite connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS card_state
			( id INTEGER PRIMARY KEY CHECK (id = 1)
			, version INTEGER NOT NULL
			, snapshot BLOB NOT NULL
			)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error initializing card state table: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load() (*Durable, error) {
	var snap []byte
	err := s.db.QueryRow(`SELECT snapshot FROM card_state WHERE id = 1`).Scan(&snap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading card state: %w", err)
	}
	return UnmarshalDurable(snap)
}

// Commit implements Store.
func (s *SQLiteStore) Commit(d *Durable) (err error) {
	snap, err := d.Marshal()
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.Exec(`INSERT INTO card_state (id, version, snapshot) VALUES (1, 1, ?)
		ON CONFLICT (id) DO UPDATE SET version = version + 1, snapshot = excluded.snapshot`, snap)
	if err != nil {
		return fmt.Errorf("error writing card state: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("error committing card state: %w", err)
	}
	return nil
}

// Version returns how many commits the store has seen.
func (s *SQLiteStore) Version() (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT version FROM card_state WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
