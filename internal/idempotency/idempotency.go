// Package idempotency implements the fingerprint-based dedup gate:
// a time-bucketed hash collapses repeat logical operations within a
// window, a processing lease prevents concurrent duplicate execution,
// and a bounded in-memory cache (optionally backed by Redis as a
// second-level, multi-process cache) short-circuits repeat calls
// without a DocStore round trip.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/quoteflow-io/quoteflow/internal/config"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

const recordsCollection = "idempotencyKeys"

// envMillis reads key as a plain integer count of milliseconds, per the
// spec's "_MS" environment variable convention.
func envMillis(key string, defaultValue time.Duration) time.Duration {
	return time.Duration(config.GetEnvInt(key, int(defaultValue/time.Millisecond))) * time.Millisecond
}

// Status is the lifecycle state of an idempotency record.
type Status string

// Record statuses.
const (
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// ConflictStrategy governs what Execute does when it finds an
// unexpired Processing lease held by a different caller.
type ConflictStrategy string

// Conflict strategies.
const (
	ReturnCached  ConflictStrategy = "ReturnCached"
	ThrowConflict ConflictStrategy = "ThrowConflict"
	ExecuteAnyway ConflictStrategy = "ExecuteAnyway"
)

// ErrConflict is returned by Execute under ThrowConflict when another
// in-flight call holds the lease.
var ErrConflict = errors.New("idempotency: operation already in flight")

// Options configures one Execute call.
type Options struct {
	TTL          time.Duration
	LeaseTTL     time.Duration
	OnConflict   ConflictStrategy
}

// DefaultOptions matches the spec's default env-driven configuration:
// IDEMPOTENCY_TTL_MS (7200000) and IDEMPOTENCY_LOCK_TTL_MS (300000).
func DefaultOptions() Options {
	return Options{
		TTL:        envMillis("IDEMPOTENCY_TTL_MS", 2*time.Hour),
		LeaseTTL:   envMillis("IDEMPOTENCY_LOCK_TTL_MS", 5*time.Minute),
		OnConflict: ReturnCached,
	}
}

// record is the persisted and cached shape of one idempotency entry.
type record struct {
	Key       string
	Status    Status
	Result    json.RawMessage
	ErrMsg    string
	ExpiresAt time.Time
	LeaseID   string
	LeasedAt  time.Time
}

func (r record) expired(now time.Time) bool { return now.After(r.ExpiresAt) }

func (r record) leaseExpired(now time.Time, leaseTTL time.Duration) bool {
	return now.After(r.LeasedAt.Add(leaseTTL))
}

// Fingerprint computes the time-bucketed dedup key for an operation:
// the sha256 of operationType, the sorted-params encoding and
// floor(now/ttl), which storage.FingerprintHash sorts and joins with "|",
// truncated to its first 16 hex characters and prefixed with
// operationType, e.g. "create_quotation_1a2b3c4d5e6f7890".
func Fingerprint(operationType string, params map[string]any, now time.Time, ttl time.Duration) string {
	sortedJSON := marshalSortedParams(params)
	bucket := storage.DailyBucket(now.Unix(), int64(ttl.Seconds()))
	hash := storage.FingerprintHash(operationType, sortedJSON, bucket)

	return operationType + "_" + hash[:16]
}

// marshalSortedParams produces a deterministic encoding of params (keys
// sorted, each rendered as key=<JSON value> inside one bracketed list,
// not a JSON document), so two callers with the same logical parameters
// in any map iteration order land on the same fingerprint.
func marshalSortedParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	ordered := make([]string, 0, len(keys))

	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		ordered = append(ordered, fmt.Sprintf("%s=%s", k, v))
	}

	return fmt.Sprintf("%v", ordered)
}

// Gate provides Execute-once-per-fingerprint semantics over a
// storage.DocStore, accelerated by a bounded local LRU and an optional
// Redis second-level cache.
type Gate struct {
	docs  storage.DocStore
	local *lru
	redis secondLevelCache
}

// secondLevelCache abstracts the optional Redis-backed shared cache so
// Gate works identically with or without one configured.
type secondLevelCache interface {
	Get(ctx context.Context, key string) (record, bool)
	Set(ctx context.Context, key string, rec record, ttl time.Duration)
}

// New constructs a Gate. redisCache may be nil to disable the
// second-level cache.
func New(docs storage.DocStore, localCapacity int, redisCache secondLevelCache) *Gate {
	return &Gate{docs: docs, local: newLRU(localCapacity), redis: redisCache}
}

// Execute runs fn at most once per fingerprint within the configured
// TTL window, per spec.md §4.5's five-step protocol.
func (g *Gate) Execute(
	ctx context.Context,
	operationType string,
	params map[string]any,
	opts Options,
	fn func(ctx context.Context) (json.RawMessage, error),
) (json.RawMessage, error) {
	now := time.Now().UTC()
	key := Fingerprint(operationType, params, now, opts.TTL)

	if rec, ok := g.local.get(key); ok && rec.Status == StatusCompleted && !rec.expired(now) {
		return rec.Result, nil
	}

	if g.redis != nil {
		if rec, ok := g.redis.Get(ctx, key); ok && rec.Status == StatusCompleted && !rec.expired(now) {
			g.local.put(key, rec)

			return rec.Result, nil
		}
	}

	proceed, cached, err := g.claim(ctx, key, now, opts)
	if err != nil {
		return nil, err
	}

	if !proceed {
		return cached.Result, nil
	}

	result, execErr := fn(ctx)

	final := record{Key: key, ExpiresAt: now.Add(opts.TTL)}
	if execErr != nil {
		final.Status = StatusFailed
		final.ErrMsg = execErr.Error()
	} else {
		final.Status = StatusCompleted
		final.Result = result
	}

	if err := g.persist(ctx, final); err != nil {
		return nil, fmt.Errorf("idempotency: persist final status for %s: %w", key, err)
	}

	g.local.put(key, final)

	if g.redis != nil {
		g.redis.Set(ctx, key, final, opts.TTL)
	}

	if execErr != nil {
		return nil, execErr
	}

	return result, nil
}

// claim performs step 2 of Execute's protocol transactionally: read the
// persistent record, honor a Completed/unexpired hit, resolve lease
// contention per opts.OnConflict, or write a fresh Processing lease.
func (g *Gate) claim(ctx context.Context, key string, now time.Time, opts Options) (proceed bool, cached record, err error) {
	err = g.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		doc, getErr := tx.Get(ctx, recordsCollection, key)

		if getErr != nil && !storage.IsNotFound(getErr) {
			return getErr
		}

		if getErr == nil {
			existing := docToRecord(doc)

			if existing.Status == StatusCompleted && !existing.expired(now) {
				cached = existing

				return nil
			}

			if existing.Status == StatusProcessing && !existing.leaseExpired(now, opts.LeaseTTL) {
				switch opts.OnConflict {
				case ThrowConflict:
					return ErrConflict
				case ExecuteAnyway:
					proceed = true

					return nil
				default: // ReturnCached
					cached = existing

					return nil
				}
			}
		}

		lease := record{
			Key:       key,
			Status:    StatusProcessing,
			ExpiresAt: now.Add(opts.TTL),
			LeaseID:   now.Format(time.RFC3339Nano),
			LeasedAt:  now,
		}

		if err := tx.Set(ctx, recordsCollection, key, recordToDoc(lease)); err != nil {
			return err
		}

		proceed = true

		return nil
	})

	return proceed, cached, err
}

func (g *Gate) persist(ctx context.Context, rec record) error {
	return g.docs.Set(ctx, recordsCollection, rec.Key, recordToDoc(rec))
}

func recordToDoc(r record) storage.Doc {
	return storage.Doc{
		"key":       r.Key,
		"status":    string(r.Status),
		"result":    string(r.Result),
		"errorMsg":  r.ErrMsg,
		"expiresAt": r.ExpiresAt,
		"leaseId":   r.LeaseID,
		"leasedAt":  r.LeasedAt,
	}
}

func docToRecord(doc storage.Doc) record {
	r := record{
		Key:    stringField(doc, "key"),
		Status: Status(stringField(doc, "status")),
		ErrMsg: stringField(doc, "errorMsg"),
		LeaseID: stringField(doc, "leaseId"),
	}

	if s := stringField(doc, "result"); s != "" {
		r.Result = json.RawMessage(s)
	}

	r.ExpiresAt = timeField(doc, "expiresAt")
	r.LeasedAt = timeField(doc, "leasedAt")

	return r
}

func stringField(doc storage.Doc, key string) string {
	s, _ := doc[key].(string)

	return s
}

func timeField(doc storage.Doc, key string) time.Time {
	switch v := doc[key].(type) {
	case time.Time:
		return v
	case string:
		if v == "" {
			return time.Time{}
		}

		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}

		return t
	default:
		return time.Time{}
	}
}
