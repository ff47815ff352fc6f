package storage

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and ephemeral clients.
type MemoryStore struct {
	mu        sync.RWMutex
	chunks    map[string][]byte
	manifests map[string][]byte
	sessions  map[string][]byte
	epochs    map[string]map[int]GroupEpochRecord
	seen      map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:    make(map[string][]byte),
		manifests: make(map[string][]byte),
		sessions:  make(map[string][]byte),
		epochs:    make(map[string]map[int]GroupEpochRecord),
		seen:      make(map[string]int64),
	}
}

// PutChunk stores chunk bytes write-if-absent.
func (s *MemoryStore) PutChunk(chunkID string, data []byte) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chunks[chunkID]; ok {
		return AlreadyExists, nil
	}
	s.chunks[chunkID] = append([]byte(nil), data...)
	return Inserted, nil
}

// GetChunk retrieves chunk bytes by content hash.
func (s *MemoryStore) GetChunk(chunkID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.chunks[chunkID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// HasChunk reports whether a chunk is stored.
func (s *MemoryStore) HasChunk(chunkID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chunks[chunkID]
	return ok, nil
}

// CorruptChunk overwrites stored chunk bytes in place. Test helper for
// integrity-failure scenarios.
func (s *MemoryStore) CorruptChunk(chunkID string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[chunkID] = append([]byte(nil), data...)
}

// PutManifest stores a serialized manifest, overwriting any prior copy.
func (s *MemoryStore) PutManifest(fileID string, manifest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[fileID] = append([]byte(nil), manifest...)
	return nil
}

// GetManifest retrieves a serialized manifest by file ID.
func (s *MemoryStore) GetManifest(fileID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	manifest, ok := s.manifests[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), manifest...), nil
}

// PutSession stores a serialized transfer session.
func (s *MemoryStore) PutSession(transferID string, session []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[transferID] = append([]byte(nil), session...)
	return nil
}

// GetSession retrieves a serialized transfer session.
func (s *MemoryStore) GetSession(transferID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[transferID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), session...), nil
}

// ListSessions returns all stored sessions keyed by transfer ID.
func (s *MemoryStore) ListSessions() (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make(map[string][]byte, len(s.sessions))
	for id, session := range s.sessions {
		sessions[id] = append([]byte(nil), session...)
	}
	return sessions, nil
}

// DeleteSession removes a stored session.
func (s *MemoryStore) DeleteSession(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, transferID)
	return nil
}

// PutGroupEpoch stores a key epoch, write-if-absent on (group, version).
func (s *MemoryStore) PutGroupEpoch(rec GroupEpochRecord) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.epochs[rec.GroupID]
	if !ok {
		versions = make(map[int]GroupEpochRecord)
		s.epochs[rec.GroupID] = versions
	}
	if _, ok := versions[rec.KeyVersion]; ok {
		return AlreadyExists, nil
	}

	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	rec.Key = append([]byte(nil), rec.Key...)
	versions[rec.KeyVersion] = rec
	return Inserted, nil
}

// GetGroupEpoch retrieves a specific key epoch.
func (s *MemoryStore) GetGroupEpoch(groupID string, keyVersion int) (*GroupEpochRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.epochs[groupID][keyVersion]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	out.Key = append([]byte(nil), rec.Key...)
	return &out, nil
}

// LatestGroupEpoch retrieves the highest-version epoch for a group.
func (s *MemoryStore) LatestGroupEpoch(groupID string) (*GroupEpochRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.epochs[groupID]
	if !ok || len(versions) == 0 {
		return nil, ErrNotFound
	}

	best := -1
	for v := range versions {
		if v > best {
			best = v
		}
	}
	rec := versions[best]
	out := rec
	out.Key = append([]byte(nil), rec.Key...)
	return &out, nil
}

// MarkSeen records a delivered message ID for duplicate suppression.
func (s *MemoryStore) MarkSeen(messageID string, receivedAt int64) (StoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[messageID]; ok {
		return AlreadyExists, nil
	}
	if receivedAt == 0 {
		receivedAt = time.Now().UnixMilli()
	}
	s.seen[messageID] = receivedAt
	return Inserted, nil
}

// HasSeen reports whether a message ID was already delivered.
func (s *MemoryStore) HasSeen(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[messageID]
	return ok, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
