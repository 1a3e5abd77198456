// Package lock implements the distributed lease-based mutex: TTL +
// heartbeat renewal, transactional CAS-style acquisition, and safe
// release on every exit path including panics.
//
// Grounded on the lease-manager reference
// (other_examples/d6aca7ec_..._lease-manager-repository_after.go):
// its generic KeyValueStore.PutIfAbsent/CompareAndSwap/CompareAndDelete
// becomes a transactional read-then-conditionally-write over
// storage.DocStore, and its LeaseOrchestrator.AcquireAndHold/
// heartbeatLoop becomes Manager.Acquire's background heartbeat
// goroutine.
package lock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quoteflow-io/quoteflow/internal/apperr"
	"github.com/quoteflow-io/quoteflow/internal/config"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

const locksCollection = "distributed_locks"

// Errors returned by Manager methods.
var (
	ErrLockUnavailable = errors.New("lock: held by another holder")
	ErrNotHolder       = errors.New("lock: caller is not the current holder")
)

// Options configures one Acquire call.
type Options struct {
	TTL               time.Duration
	HeartbeatInterval time.Duration
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
}

// DefaultOptions matches the spec's default env-driven configuration:
// LOCK_TTL_MS, LOCK_HEARTBEAT_MS, LOCK_MAX_RETRIES, LOCK_RETRY_BASE_MS,
// LOCK_RETRY_MAX_MS (all plain-integer millisecond counts, not Go
// duration strings).
func DefaultOptions() Options {
	return Options{
		TTL:               envMillis("LOCK_TTL_MS", 30*time.Second),
		HeartbeatInterval: envMillis("LOCK_HEARTBEAT_MS", 10*time.Second),
		MaxRetries:        config.GetEnvInt("LOCK_MAX_RETRIES", 5),
		BaseBackoff:       envMillis("LOCK_RETRY_BASE_MS", 100*time.Millisecond),
		MaxBackoff:        envMillis("LOCK_RETRY_MAX_MS", 5*time.Second),
	}
}

// envMillis reads key as a plain integer count of milliseconds, per the
// spec's "_MS" environment variable convention.
func envMillis(key string, defaultValue time.Duration) time.Duration {
	return time.Duration(config.GetEnvInt(key, int(defaultValue/time.Millisecond))) * time.Millisecond
}

// Manager acquires, extends, and releases lease-based locks over a
// storage.DocStore.
type Manager struct {
	docs storage.DocStore

	mu    sync.Mutex
	held  map[string]*Lock // lockID -> lock this process currently holds
}

// New constructs a Manager bound to docs.
func New(docs storage.DocStore) *Manager {
	return &Manager{docs: docs, held: make(map[string]*Lock)}
}

// Lock is a held lease: its id, holder id, and the heartbeat goroutine
// keeping it alive until Release or expiry.
type Lock struct {
	ID       string
	HolderID string

	manager *Manager
	cancel  context.CancelFunc
	done    chan struct{}
}

func lockID(scope, resourceID string) string {
	return storage.SanitizeScopeID(scope) + ":" + storage.SanitizeScopeID(resourceID)
}

// Acquire attempts a transactional acquisition of scope:resourceID,
// retrying with jittered exponential backoff up to opts.MaxRetries. On
// success it starts a background heartbeat that extends the lease every
// opts.HeartbeatInterval until Release or process exit.
func (m *Manager) Acquire(ctx context.Context, scope, resourceID string, opts Options) (*Lock, error) {
	id := lockID(scope, resourceID)
	holderID := uuid.NewString()

	backoffDur := opts.BaseBackoff
	if backoffDur <= 0 {
		backoffDur = 50 * time.Millisecond
	}

	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			jittered := time.Duration(rand.Int64N(int64(backoffDur)) + int64(backoffDur)/2) //nolint:gosec
			if opts.MaxBackoff > 0 && jittered > opts.MaxBackoff {
				jittered = opts.MaxBackoff
			}

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered):
			}

			backoffDur *= 2
		}

		ok, err := m.tryAcquire(ctx, id, holderID, opts.TTL)
		if err != nil {
			return nil, err
		}

		if ok {
			l := &Lock{ID: id, HolderID: holderID, manager: m, done: make(chan struct{})}

			hbCtx, cancel := context.WithCancel(context.Background())
			l.cancel = cancel

			m.mu.Lock()
			m.held[id] = l
			m.mu.Unlock()

			go m.heartbeatLoop(hbCtx, l, opts)

			return l, nil
		}

		lastErr = fmt.Errorf("%w: %s", ErrLockUnavailable, id)
	}

	return nil, apperr.LockUnavailable(fmt.Sprintf("failed to acquire %s after %d attempts", id, opts.MaxRetries+1), lastErr)
}

// tryAcquire performs the CAS-safe read-then-write inside one
// transaction: absent or expired means free to claim.
func (m *Manager) tryAcquire(ctx context.Context, id, holderID string, ttl time.Duration) (bool, error) {
	acquired := false

	err := m.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		existing, err := tx.Get(ctx, locksCollection, id)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}

		now := time.Now().UTC()

		if err == nil {
			expiresAt, _ := existing["expiresAt"].(time.Time)
			if expiresAtStr, ok := existing["expiresAt"].(string); ok {
				expiresAt, _ = time.Parse(time.RFC3339, expiresAtStr)
			}

			if now.Before(expiresAt) {
				return nil // held by someone else and not yet expired
			}
		}

		doc := storage.Doc{
			"id":              id,
			"holderId":        holderID,
			"acquiredAt":      now,
			"expiresAt":       now.Add(ttl),
			"heartbeatCount":  0,
			"lastHeartbeatAt": now,
		}

		if err := tx.Set(ctx, locksCollection, id, doc); err != nil {
			return err
		}

		acquired = true

		return nil
	})

	return acquired, err
}

func (m *Manager) heartbeatLoop(ctx context.Context, l *Lock, opts Options) {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Extend(context.Background(), l.ID, l.HolderID, opts.TTL); err != nil {
				return
			}
		}
	}
}

// Extend pushes expiresAt forward by ttl and increments the heartbeat
// counter. Only the recorded holder may extend.
func (m *Manager) Extend(ctx context.Context, id, holderID string, ttl time.Duration) error {
	return m.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		existing, err := tx.Get(ctx, locksCollection, id)
		if err != nil {
			return err
		}

		if existing["holderId"] != holderID {
			return fmt.Errorf("%w: %s", ErrNotHolder, id)
		}

		count := heartbeatCountField(existing)

		now := time.Now().UTC()

		return tx.Set(ctx, locksCollection, id, storage.Doc{
			"id":              id,
			"holderId":        holderID,
			"acquiredAt":      existing["acquiredAt"],
			"expiresAt":       now.Add(ttl),
			"heartbeatCount":  count + 1,
			"lastHeartbeatAt": now,
		})
	})
}

// Release stops the heartbeat and transactionally deletes the lock iff
// holderID still owns it. Releasing an absent lock is idempotent;
// releasing one held by a different holder fails without effect.
func (m *Manager) Release(ctx context.Context, id, holderID string) error {
	m.mu.Lock()
	if l, ok := m.held[id]; ok && l.HolderID == holderID {
		l.cancel()
		delete(m.held, id)
	}
	m.mu.Unlock()

	return m.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		existing, err := tx.Get(ctx, locksCollection, id)
		if storage.IsNotFound(err) {
			return nil
		}

		if err != nil {
			return err
		}

		if existing["holderId"] != holderID {
			return fmt.Errorf("%w: %s", ErrNotHolder, id)
		}

		return tx.Delete(ctx, locksCollection, id)
	})
}

// IsLocked is a read-only probe reporting expired locks as unlocked.
func (m *Manager) IsLocked(ctx context.Context, scope, resourceID string) (bool, error) {
	id := lockID(scope, resourceID)

	doc, err := m.docs.Get(ctx, locksCollection, id)
	if storage.IsNotFound(err) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	expiresAt := parseExpiresAt(doc)

	return time.Now().UTC().Before(expiresAt), nil
}

// heartbeatCountField copes with heartbeatCount decoding as either its
// original int (an in-process DocStore) or a float64 (a round trip
// through JSON, as Postgres's JSONB column performs).
func heartbeatCountField(doc storage.Doc) int {
	switch v := doc["heartbeatCount"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func parseExpiresAt(doc storage.Doc) time.Time {
	switch v := doc["expiresAt"].(type) {
	case time.Time:
		return v
	case string:
		t, _ := time.Parse(time.RFC3339, v)

		return t
	default:
		return time.Time{}
	}
}

// WithLock acquires scope:resourceID, invokes fn, and releases on every
// exit path including a panic inside fn. If acquisition fails, fn is
// never invoked and the lock-unavailable error is returned.
func (m *Manager) WithLock(ctx context.Context, scope, resourceID string, opts Options, fn func(ctx context.Context) error) (err error) {
	l, err := m.Acquire(ctx, scope, resourceID, opts)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = m.Release(context.Background(), l.ID, l.HolderID)

			panic(r)
		}

		releaseErr := m.Release(context.Background(), l.ID, l.HolderID)
		if err == nil {
			err = releaseErr
		}
	}()

	return fn(ctx)
}

// ReleaseAll best-effort releases every lock this process currently
// holds — used on host shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	locks := make([]*Lock, 0, len(m.held))
	for _, l := range m.held {
		locks = append(locks, l)
	}
	m.mu.Unlock()

	for _, l := range locks {
		_ = m.Release(ctx, l.ID, l.HolderID)
	}
}
