package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS chunks (
  chunk_id   TEXT PRIMARY KEY,
  data       BLOB NOT NULL,
  created_at INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS manifests (
  file_id    TEXT PRIMARY KEY,
  manifest   BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_sessions (
  transfer_id TEXT PRIMARY KEY,
  session     BLOB NOT NULL,
  updated_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS group_epochs (
  group_id    TEXT NOT NULL,
  key_version INTEGER NOT NULL,
  key         BLOB NOT NULL,
  created_at  INTEGER NOT NULL,
  PRIMARY KEY (group_id, key_version)
);
`,
	`
CREATE TABLE IF NOT EXISTS seen_messages (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
}

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migration %d: %w", i, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     path,
	}).Info("Storage opened")

	return &SQLiteStore{db: db}, nil
}

// PutChunk stores chunk bytes write-if-absent. Identical content under the
// same ID is safe to ignore; that is the point of content addressing.
func (s *SQLiteStore) PutChunk(chunkID string, data []byte) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`INSERT INTO chunks (chunk_id, data, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(chunk_id) DO NOTHING`,
		chunkID, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return AlreadyExists, fmt.Errorf("insert chunk %q: %w", chunkID, err)
	}
	return resultFromRows(res)
}

// GetChunk retrieves chunk bytes by content hash.
func (s *SQLiteStore) GetChunk(chunkID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM chunks WHERE chunk_id = ?`, chunkID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select chunk %q: %w", chunkID, err)
	}
	return data, nil
}

// HasChunk reports whether a chunk is stored.
func (s *SQLiteStore) HasChunk(chunkID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM chunks WHERE chunk_id = ?)`, chunkID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chunk %q: %w", chunkID, err)
	}
	return exists == 1, nil
}

// PutManifest stores a serialized manifest, overwriting any prior copy.
func (s *SQLiteStore) PutManifest(fileID string, manifest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO manifests (file_id, manifest, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET manifest = excluded.manifest, updated_at = excluded.updated_at`,
		fileID, manifest, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert manifest %q: %w", fileID, err)
	}
	return nil
}

// GetManifest retrieves a serialized manifest by file ID.
func (s *SQLiteStore) GetManifest(fileID string) ([]byte, error) {
	var manifest []byte
	err := s.db.QueryRow(`SELECT manifest FROM manifests WHERE file_id = ?`, fileID).Scan(&manifest)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select manifest %q: %w", fileID, err)
	}
	return manifest, nil
}

// PutSession stores a serialized transfer session, overwriting any prior copy.
func (s *SQLiteStore) PutSession(transferID string, session []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO transfer_sessions (transfer_id, session, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(transfer_id) DO UPDATE SET session = excluded.session, updated_at = excluded.updated_at`,
		transferID, session, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert session %q: %w", transferID, err)
	}
	return nil
}

// GetSession retrieves a serialized transfer session.
func (s *SQLiteStore) GetSession(transferID string) ([]byte, error) {
	var session []byte
	err := s.db.QueryRow(`SELECT session FROM transfer_sessions WHERE transfer_id = ?`, transferID).Scan(&session)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session %q: %w", transferID, err)
	}
	return session, nil
}

// ListSessions returns all stored sessions keyed by transfer ID.
func (s *SQLiteStore) ListSessions() (map[string][]byte, error) {
	rows, err := s.db.Query(`SELECT transfer_id, session FROM transfer_sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string][]byte)
	for rows.Next() {
		var id string
		var session []byte
		if err := rows.Scan(&id, &session); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions[id] = session
	}
	return sessions, rows.Err()
}

// DeleteSession removes a stored session.
func (s *SQLiteStore) DeleteSession(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM transfer_sessions WHERE transfer_id = ?`, transferID); err != nil {
		return fmt.Errorf("delete session %q: %w", transferID, err)
	}
	return nil
}

// PutGroupEpoch stores a key epoch, write-if-absent on (group, version).
func (s *SQLiteStore) PutGroupEpoch(rec GroupEpochRecord) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO group_epochs (group_id, key_version, key, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(group_id, key_version) DO NOTHING`,
		rec.GroupID, rec.KeyVersion, rec.Key, createdAt,
	)
	if err != nil {
		return AlreadyExists, fmt.Errorf("insert epoch %s/%d: %w", rec.GroupID, rec.KeyVersion, err)
	}
	return resultFromRows(res)
}

// GetGroupEpoch retrieves a specific key epoch.
func (s *SQLiteStore) GetGroupEpoch(groupID string, keyVersion int) (*GroupEpochRecord, error) {
	rec := GroupEpochRecord{GroupID: groupID, KeyVersion: keyVersion}
	err := s.db.QueryRow(
		`SELECT key, created_at FROM group_epochs WHERE group_id = ? AND key_version = ?`,
		groupID, keyVersion,
	).Scan(&rec.Key, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select epoch %s/%d: %w", groupID, keyVersion, err)
	}
	return &rec, nil
}

// LatestGroupEpoch retrieves the highest-version epoch for a group.
func (s *SQLiteStore) LatestGroupEpoch(groupID string) (*GroupEpochRecord, error) {
	rec := GroupEpochRecord{GroupID: groupID}
	err := s.db.QueryRow(
		`SELECT key_version, key, created_at FROM group_epochs
		 WHERE group_id = ? ORDER BY key_version DESC LIMIT 1`,
		groupID,
	).Scan(&rec.KeyVersion, &rec.Key, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select latest epoch %q: %w", groupID, err)
	}
	return &rec, nil
}

// MarkSeen records a delivered message ID for duplicate suppression.
func (s *SQLiteStore) MarkSeen(messageID string, receivedAt int64) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if receivedAt == 0 {
		receivedAt = time.Now().UnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT INTO seen_messages (message_id, received_at) VALUES (?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		messageID, receivedAt,
	)
	if err != nil {
		return AlreadyExists, fmt.Errorf("insert seen message %q: %w", messageID, err)
	}
	return resultFromRows(res)
}

// HasSeen reports whether a message ID was already delivered.
func (s *SQLiteStore) HasSeen(messageID string) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_messages WHERE message_id = ?)`, messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check seen message %q: %w", messageID, err)
	}
	return exists == 1, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func resultFromRows(res sql.Result) (StoreResult, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, fmt.Errorf("read rows affected: %w", err)
	}
	if affected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}
