// Package dedup recognises repeated uploads of the same bytes by the same
// caller within a retention window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Fingerprint is the hex SHA-256 of an upload's bytes.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Index records (caller, fingerprint) claims. Claim is an atomic
// check-and-record: it returns true when the pair was already claimed and has
// not expired. Release forgets a claim so a rejected upload can be retried.
type Index interface {
	Claim(ctx context.Context, callerID, fingerprint string) (duplicate bool, err error)
	Release(ctx context.Context, callerID, fingerprint string) error
}

type claimKey struct {
	caller string
	fp     string
}

// Memory is an in-process Index. Expired claims are swept lazily.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	claims    map[claimKey]time.Time
	lastSweep time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, claims: make(map[claimKey]time.Time)}
}

func (m *Memory) Claim(_ context.Context, callerID, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)

	k := claimKey{caller: callerID, fp: fingerprint}
	if exp, ok := m.claims[k]; ok && now.Before(exp) {
		return true, nil
	}
	m.claims[k] = now.Add(m.ttl)
	return false, nil
}

func (m *Memory) Release(_ context.Context, callerID, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, claimKey{caller: callerID, fp: fingerprint})
	return nil
}

// Len returns the number of live claims.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(m.now())
	return len(m.claims)
}

func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.ttl/4 && len(m.claims) < 4096 {
		return
	}
	for k, exp := range m.claims {
		if !now.Before(exp) {
			delete(m.claims, k)
		}
	}
	m.lastSweep = now
}

// KV is an Index on a JetStream key-value bucket shared by every replica.
// Retention is the bucket's TTL.
type KV struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

func NewKV(kv jetstream.KeyValue, logger *slog.Logger) *KV {
	return &KV{kv: kv, logger: logger}
}

// kvKey hashes the pair so caller IDs with characters outside the KV key
// alphabet (":" and "+" in phone-number callers) are safe.
func kvKey(callerID, fingerprint string) string {
	return Fingerprint([]byte(callerID + "\x00" + fingerprint))
}

func (k *KV) Claim(ctx context.Context, callerID, fingerprint string) (bool, error) {
	_, err := k.kv.Create(ctx, kvKey(callerID, fingerprint), []byte(time.Now().UTC().Format(time.RFC3339)))
	if err == nil {
		return false, nil
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true, nil
	}
	return false, fmt.Errorf("claim upload fingerprint: %w", err)
}

func (k *KV) Release(ctx context.Context, callerID, fingerprint string) error {
	if err := k.kv.Delete(ctx, kvKey(callerID, fingerprint)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("release upload fingerprint: %w", err)
	}
	return nil
}
