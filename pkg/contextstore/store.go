// Package contextstore persists per-worker context documents and one-shot
// messages shared between workers.
//
// Every document is addressed by (owner, type) and written whole. Writes and
// reads of the same key are serialized by a per-key lock acquired with a
// timeout; distinct keys never contend. Shared envelopes are written once
// under a fresh id and read without locking.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxSize bounds a serialized document or envelope.
	DefaultMaxSize = 1 << 20

	// DefaultLockTimeout bounds how long Save and Load wait for a key.
	DefaultLockTimeout = 5 * time.Second
)

// Envelope is a message one worker shares with another.
type Envelope struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode envelope payload: %w", err)
	}
	return nil
}

// Store is the lock-protected front of a Backend. It is safe for concurrent use.
type Store struct {
	backend     Backend
	maxSize     int
	lockTimeout time.Duration
	shareTTL    time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[Key]*keyLock
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSize sets the maximum serialized size in bytes.
func WithMaxSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithLockTimeout sets how long an operation waits for the per-key lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithShareTTL makes shared envelopes expire after d. Zero keeps them forever.
func WithShareTTL(d time.Duration) Option {
	return func(s *Store) {
		s.shareTTL = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		maxSize:     DefaultMaxSize,
		lockTimeout: DefaultLockTimeout,
		logger:      slog.Default(),
		now:         time.Now,
		locks:       make(map[Key]*keyLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// keyLock is a per-key semaphore shared by every caller holding or waiting
// on the key. It is dropped from the map when refs reaches zero.
type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func (s *Store) acquireRef(key Key) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{sem: semaphore.NewWeighted(1)}
		s.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (s *Store) releaseRef(key Key, kl *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(s.locks, key)
	}
}

// lock acquires the per-key lock. The returned release func must be called
// exactly once.
func (s *Store) lock(ctx context.Context, key Key) (func(), error) {
	kl := s.acquireRef(key)

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	if err := kl.sem.Acquire(lockCtx, 1); err != nil {
		s.releaseRef(key, kl)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &LockTimeoutError{Key: key, Timeout: s.lockTimeout}
	}
	return func() {
		kl.sem.Release(1)
		s.releaseRef(key, kl)
	}, nil
}

// Save serializes data and replaces the document at (owner, docType).
func (s *Store) Save(ctx context.Context, owner, docType string, data any) error {
	key := Key{Owner: owner, Type: docType}
	if err := key.validate(); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal context %s: %w", key, err)
	}
	if len(raw) > s.maxSize {
		return &TooLargeError{Key: key, Size: len(raw), Limit: s.maxSize}
	}

	release, err := s.lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	if err := s.backend.Write(ctx, key, raw); err != nil {
		return fmt.Errorf("write context %s: %w", key, err)
	}

	s.logger.Debug("context saved", "owner", owner, "type", docType, "bytes", len(raw))
	return nil
}

// Load reads the document at (owner, docType) into out. A document that was
// never written yields found == false and a nil error, leaving out untouched.
func (s *Store) Load(ctx context.Context, owner, docType string, out any) (bool, error) {
	key := Key{Owner: owner, Type: docType}
	if err := key.validate(); err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}

	release, err := s.lock(ctx, key)
	if err != nil {
		return false, err
	}
	raw, found, err := s.backend.Read(ctx, key)
	release()

	if err != nil {
		return false, fmt.Errorf("read context %s: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal context %s: %w", key, err)
	}
	return true, nil
}

// LoadValue reads the document at (owner, docType) as a generic JSON value.
func (s *Store) LoadValue(ctx context.Context, owner, docType string) (any, bool, error) {
	var v any
	found, err := s.Load(ctx, owner, docType, &v)
	if err != nil || !found {
		return nil, found, err
	}
	return v, true, nil
}

// Share writes data into a new envelope addressed from one worker to
// another and returns its id.
func (s *Store) Share(ctx context.Context, from, to, msgType string, data any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal shared payload: %w", err)
	}

	env := &Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      msgType,
		Timestamp: s.now().UTC(),
		Payload:   payload,
	}
	if s.shareTTL > 0 {
		exp := env.Timestamp.Add(s.shareTTL)
		env.ExpiresAt = &exp
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	if len(raw) > s.maxSize {
		return "", &TooLargeError{Key: Key{Owner: from, Type: msgType}, Size: len(raw), Limit: s.maxSize}
	}

	if err := s.backend.WriteShared(ctx, env.ID, raw, s.shareTTL); err != nil {
		return "", fmt.Errorf("write envelope: %w", err)
	}

	s.logger.Debug("context shared", "id", env.ID, "from", from, "to", to, "type", msgType)
	return env.ID, nil
}

// GetShared returns the envelope with the given id. Unknown and expired ids
// yield found == false. Reads do not consume the envelope.
func (s *Store) GetShared(ctx context.Context, id string) (*Envelope, bool, error) {
	if err := validateComponent(id); err != nil {
		return nil, false, fmt.Errorf("get shared %q: %w", id, err)
	}

	raw, found, err := s.backend.ReadShared(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("read envelope %s: %w", id, err)
	}
	if !found {
		return nil, false, nil
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false, fmt.Errorf("unmarshal envelope %s: %w", id, err)
	}
	if env.ExpiresAt != nil && !s.now().Before(*env.ExpiresAt) {
		return nil, false, nil
	}
	return &env, true, nil
}
