package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
)

// Store persists sessions with optimistic concurrency. Get returns an idle
// session at revision 0 for unknown callers. Put with rev 0 creates; any
// other rev must match the stored revision or Put fails with ErrConflict.
type Store interface {
	Get(ctx context.Context, callerID string) (Session, uint64, error)
	Put(ctx context.Context, s Session, rev uint64) (uint64, error)
}

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memEntry
}

type memEntry struct {
	s   Session
	rev uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]memEntry)}
}

func (m *MemoryStore) Get(_ context.Context, callerID string) (Session, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[callerID]
	if !ok {
		return Session{CallerID: callerID, State: StateIdle}, 0, nil
	}
	return e.s, e.rev, nil
}

func (m *MemoryStore) Put(_ context.Context, s Session, rev uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.sessions[s.CallerID]
	if cur.rev != rev {
		return 0, ErrConflict
	}
	next := cur.rev + 1
	m.sessions[s.CallerID] = memEntry{s: s, rev: next}
	return next, nil
}

// KVStore keeps sessions in a JetStream key-value bucket so every replica
// sees the same conversation state. The bucket TTL bounds abandoned sessions.
type KVStore struct {
	kv jetstream.KeyValue
}

func NewKVStore(kv jetstream.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

// kvKey hex-encodes the caller ID; KV keys cannot hold ":" or "+".
func kvKey(callerID string) string {
	return "c." + hex.EncodeToString([]byte(callerID))
}

func (k *KVStore) Get(ctx context.Context, callerID string) (Session, uint64, error) {
	entry, err := k.kv.Get(ctx, kvKey(callerID))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Session{CallerID: callerID, State: StateIdle}, 0, nil
	}
	if err != nil {
		return Session{}, 0, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return Session{}, 0, fmt.Errorf("decode session: %w", err)
	}
	return s, entry.Revision(), nil
}

func (k *KVStore) Put(ctx context.Context, s Session, rev uint64) (uint64, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return 0, fmt.Errorf("encode session: %w", err)
	}

	key := kvKey(s.CallerID)
	var next uint64
	if rev == 0 {
		next, err = k.kv.Create(ctx, key, data)
	} else {
		next, err = k.kv.Update(ctx, key, data, rev)
	}
	if err != nil {
		if staleRevision(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("put session: %w", err)
	}
	return next, nil
}

func staleRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
