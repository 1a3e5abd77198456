package hygiene

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func newTestReconciler() (*Reconciler, storage.DocStore) {
	docs := storage.NewMemoryDocStore()

	return New(docs, slog.New(slog.NewTextHandler(io.Discard, nil))), docs
}

func TestReconciler_DedupKeyCollisions_CancelsLaterDuplicate(t *testing.T) {
	r, docs := newTestReconciler()
	ctx := context.Background()

	require.NoError(t, docs.Set(ctx, quotationsCollection, "q1", storage.Doc{
		"id": "q1", "status": "Awaiting", "deduplicationKey": "dup_1",
		"createdAt": "2026-01-01T00:00:00Z",
	}))
	require.NoError(t, docs.Set(ctx, quotationsCollection, "q2", storage.Doc{
		"id": "q2", "status": "Pending", "deduplicationKey": "dup_1",
		"createdAt": "2026-01-01T00:01:00Z",
	}))

	findings, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "dedup_key_collision", findings[0].Class)
	assert.Equal(t, "q2", findings[0].ID)
	assert.True(t, findings[0].Repaired)

	got, err := docs.Get(ctx, quotationsCollection, "q2")
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", got["status"])
	assert.Equal(t, "hygiene_dedup_collision", got["cancellationReason"])
}

func TestReconciler_DedupKeyCollisions_IgnoresTerminalQuotations(t *testing.T) {
	r, docs := newTestReconciler()
	ctx := context.Background()

	require.NoError(t, docs.Set(ctx, quotationsCollection, "q1", storage.Doc{
		"id": "q1", "status": "Received", "deduplicationKey": "dup_1", "createdAt": "2026-01-01T00:00:00Z",
	}))
	require.NoError(t, docs.Set(ctx, quotationsCollection, "q2", storage.Doc{
		"id": "q2", "status": "Cancelled", "deduplicationKey": "dup_1", "createdAt": "2026-01-01T00:01:00Z",
	}))

	findings, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestReconciler_FingerprintCollisions_ReportsWithoutRepairing(t *testing.T) {
	r, docs := newTestReconciler()
	ctx := context.Background()

	require.NoError(t, docs.Set(ctx, ordersCollection, "o1", storage.Doc{
		"id": "o1", "fingerprint": "fp_1", "createdAt": "2026-01-01T00:00:00Z",
	}))
	require.NoError(t, docs.Set(ctx, ordersCollection, "o2", storage.Doc{
		"id": "o2", "fingerprint": "fp_1", "createdAt": "2026-01-01T00:01:00Z",
	}))

	findings, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	for _, f := range findings {
		assert.Equal(t, "fingerprint_collision", f.Class)
		assert.False(t, f.Repaired, "fingerprint collisions are reported, never auto-repaired")
	}
}

func TestReconciler_OrphanedLeases_ReclaimsStaleIdempotencyKey(t *testing.T) {
	r, docs := newTestReconciler()
	ctx := context.Background()

	require.NoError(t, docs.Set(ctx, idempotencyCollection, "key_1", storage.Doc{
		"key": "key_1", "status": "Processing",
		"leasedAt": time.Now().UTC().Add(-20 * time.Minute).Format(time.RFC3339),
	}))

	findings, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "orphaned_idempotency_lease", findings[0].Class)
	assert.True(t, findings[0].Repaired)

	_, err = docs.Get(ctx, idempotencyCollection, "key_1")
	assert.True(t, storage.IsNotFound(err), "a reclaimed idempotency lease is deleted so the key can be retried fresh")
}

func TestReconciler_OrphanedLeases_SkipsFreshLease(t *testing.T) {
	r, docs := newTestReconciler()
	ctx := context.Background()

	require.NoError(t, docs.Set(ctx, idempotencyCollection, "key_1", storage.Doc{
		"key": "key_1", "status": "Processing",
		"leasedAt": time.Now().UTC().Add(-1 * time.Minute).Format(time.RFC3339),
	}))

	findings, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestReconciler_OrphanedLeases_ResetsStaleOutboxMessageToPending(t *testing.T) {
	r, docs := newTestReconciler()
	ctx := context.Background()

	require.NoError(t, docs.Set(ctx, outboxCollection, "msg_1", storage.Doc{
		"id": "msg_1", "status": "Processing",
		"leaseAcquiredAt": time.Now().UTC().Add(-15 * time.Minute).Format(time.RFC3339),
	}))

	findings, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "orphaned_outbox_lease", findings[0].Class)

	got, err := docs.Get(ctx, outboxCollection, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, "Pending", got["status"])
}

func TestReconciler_RunOnce_WritesAuditRecordPerFinding(t *testing.T) {
	r, docs := newTestReconciler()
	ctx := context.Background()

	require.NoError(t, docs.Set(ctx, ordersCollection, "o1", storage.Doc{
		"id": "o1", "fingerprint": "fp_1", "createdAt": "2026-01-01T00:00:00Z",
	}))
	require.NoError(t, docs.Set(ctx, ordersCollection, "o2", storage.Doc{
		"id": "o2", "fingerprint": "fp_1", "createdAt": "2026-01-01T00:01:00Z",
	}))

	findings, err := r.RunOnce(ctx)
	require.NoError(t, err)

	page, err := docs.Query(ctx, auditCollection, storage.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Items, len(findings))
}
