// Package placeholder provides read-only access to the ownCloud sync
// client's local placeholder metadata database.
package placeholder

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
)

// Record is one row of the client's metadata table.
type Record struct {
	FileID  string
	ModTime int64
	Size    int64
	Type    int64
}

// Store wraps a read-only connection to the client's database.
type Store struct {
	db *sql.DB
}

// Open opens dbPath read-only. The client owns writes to this file; we
// never want a stray write lock from our side.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&immutable=0")
	if err != nil {
		return nil, fmt.Errorf("placeholder: open %s: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("placeholder: ping %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Lookup queries the metadata table for relPath, which must be relative to
// the symlink-resolved sync root. A miss — no row, or a row that fails to
// unpack into the expected four columns — is logged and reported as !ok
// rather than as an error; callers fall back to on-disk stat values.
func (s *Store) Lookup(ctx context.Context, relPath string) (Record, bool) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fileid, modtime, filesize, type FROM metadata WHERE path = ?`, relPath)

	var rec Record
	var fileID sql.NullString
	if err := row.Scan(&fileID, &rec.ModTime, &rec.Size, &rec.Type); err != nil {
		log.Printf("placeholder: lookup miss for %q: %v", relPath, err)
		return Record{}, false
	}
	rec.FileID = fileID.String
	return rec, true
}
