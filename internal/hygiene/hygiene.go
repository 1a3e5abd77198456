// Package hygiene runs the offline and periodic reconciler: a sweep
// over quotations/orders/idempotency/outbox looking for drift that
// should be impossible under the transactional guarantees elsewhere in
// the system (deduplication-key collisions, fingerprint collisions,
// orphaned processing leases) but can still occur from a bug or a
// manual write, and repairs it.
package hygiene

import (
	"context"
	"log/slog"
	"time"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

const (
	quotationsCollection   = "quotations"
	ordersCollection       = "orders"
	idempotencyCollection  = "idempotencyKeys"
	outboxCollection       = "outbox_messages"
	auditCollection        = "hygiene_audit"
)

var terminalStatuses = map[string]struct{}{
	"Received": {}, "Cancelled": {}, "Expired": {},
}

// Finding is one repair the reconciler made or would make.
type Finding struct {
	Class      string
	Collection string
	ID         string
	Detail     string
	Repaired   bool
}

// Reconciler sweeps for and repairs the drift classes described above.
type Reconciler struct {
	docs   storage.DocStore
	logger *slog.Logger
}

// New constructs a Reconciler.
func New(docs storage.DocStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{docs: docs, logger: logger}
}

// RunOnce performs one full sweep and returns every finding, whether or
// not it could be repaired.
func (r *Reconciler) RunOnce(ctx context.Context) ([]Finding, error) {
	var findings []Finding

	dupQuotations, err := r.dedupKeyCollisions(ctx)
	if err != nil {
		return nil, err
	}

	findings = append(findings, dupQuotations...)

	dupOrders, err := r.fingerprintCollisions(ctx)
	if err != nil {
		return nil, err
	}

	findings = append(findings, dupOrders...)

	orphanedLeases, err := r.orphanedLeases(ctx)
	if err != nil {
		return nil, err
	}

	findings = append(findings, orphanedLeases...)

	for _, f := range findings {
		r.audit(ctx, f)
	}

	return findings, nil
}

// Run periodically invokes RunOnce until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			findings, err := r.RunOnce(ctx)
			if err != nil {
				r.logger.Warn("hygiene: sweep failed", "error", err)

				continue
			}

			if len(findings) > 0 {
				r.logger.Info("hygiene: sweep repaired drift", "findings", len(findings))
			}
		}
	}
}

// dedupKeyCollisions looks for two non-terminal quotations sharing a
// deduplicationKey. Repair: keep the earliest-created, cancel the rest
// with cancellationReason="hygiene_dedup_collision".
func (r *Reconciler) dedupKeyCollisions(ctx context.Context) ([]Finding, error) {
	page, err := r.docs.Query(ctx, quotationsCollection, storage.QueryOptions{OrderBy: "createdAt", Limit: 5000})
	if err != nil {
		return nil, err
	}

	byKey := make(map[string][]storage.Doc)

	for _, doc := range page.Items {
		status, _ := doc["status"].(string)
		if _, terminal := terminalStatuses[status]; terminal {
			continue
		}

		key, _ := doc["deduplicationKey"].(string)
		if key == "" {
			continue
		}

		byKey[key] = append(byKey[key], doc)
	}

	var findings []Finding

	for key, docs := range byKey {
		if len(docs) < 2 {
			continue
		}

		for _, dup := range docs[1:] {
			id, _ := dup["id"].(string)

			repaired := true
			if err := r.cancelQuotation(ctx, id); err != nil {
				r.logger.Warn("hygiene: failed to cancel duplicate quotation", "id", id, "error", err)

				repaired = false
			}

			findings = append(findings, Finding{
				Class:      "dedup_key_collision",
				Collection: quotationsCollection,
				ID:         id,
				Detail:     "shares deduplicationKey " + key + " with an earlier non-terminal quotation",
				Repaired:   repaired,
			})
		}
	}

	return findings, nil
}

func (r *Reconciler) cancelQuotation(ctx context.Context, id string) error {
	return r.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.Update(ctx, quotationsCollection, id, storage.Doc{
			"status":             "Cancelled",
			"cancellationReason": "hygiene_dedup_collision",
			"softDeleted":        true,
		})
	})
}

// fingerprintCollisions looks for orders sharing a fingerprint (which
// should be impossible given the order service's check-then-create
// protocol). Repair is reporting only: deleting an order is never
// automatic.
func (r *Reconciler) fingerprintCollisions(ctx context.Context) ([]Finding, error) {
	page, err := r.docs.Query(ctx, ordersCollection, storage.QueryOptions{OrderBy: "createdAt", Limit: 5000})
	if err != nil {
		return nil, err
	}

	byFingerprint := make(map[string][]string)

	for _, doc := range page.Items {
		fp, _ := doc["fingerprint"].(string)
		id, _ := doc["id"].(string)

		if fp == "" {
			continue
		}

		byFingerprint[fp] = append(byFingerprint[fp], id)
	}

	var findings []Finding

	for fp, ids := range byFingerprint {
		if len(ids) < 2 {
			continue
		}

		for _, id := range ids {
			findings = append(findings, Finding{
				Class:      "fingerprint_collision",
				Collection: ordersCollection,
				ID:         id,
				Detail:     "shares fingerprint " + fp + " with another order; manual review required",
				Repaired:   false,
			})
		}
	}

	return findings, nil
}

// orphanedLeases finds idempotency and outbox leases whose processing
// window elapsed long enough ago that the owning process almost
// certainly died before reclaiming it, and resets them so a future
// call/poll can claim the work again.
func (r *Reconciler) orphanedLeases(ctx context.Context) ([]Finding, error) {
	const staleAfter = 10 * time.Minute

	now := time.Now().UTC()

	var findings []Finding

	idempoPage, err := r.docs.Query(ctx, idempotencyCollection, storage.QueryOptions{
		Filters: []storage.Filter{{Field: "status", Op: storage.OpEqual, Value: "Processing"}},
		Limit:   5000,
	})
	if err != nil {
		return nil, err
	}

	for _, doc := range idempoPage.Items {
		leasedAt, _ := parseTime(doc["leasedAt"])
		if leasedAt.IsZero() || now.Sub(leasedAt) < staleAfter {
			continue
		}

		key, _ := doc["key"].(string)

		repaired := true
		if err := r.docs.Delete(ctx, idempotencyCollection, key); err != nil && !storage.IsNotFound(err) {
			repaired = false
		}

		findings = append(findings, Finding{
			Class:      "orphaned_idempotency_lease",
			Collection: idempotencyCollection,
			ID:         key,
			Detail:     "processing lease stale beyond reclaim window",
			Repaired:   repaired,
		})
	}

	outboxPage, err := r.docs.Query(ctx, outboxCollection, storage.QueryOptions{
		Filters: []storage.Filter{{Field: "status", Op: storage.OpEqual, Value: "Processing"}},
		Limit:   5000,
	})
	if err != nil {
		return nil, err
	}

	for _, doc := range outboxPage.Items {
		leasedAt, _ := parseTime(doc["leaseAcquiredAt"])
		if leasedAt.IsZero() || now.Sub(leasedAt) < staleAfter {
			continue
		}

		id, _ := doc["id"].(string)

		repaired := true
		if err := r.docs.Update(ctx, outboxCollection, id, storage.Doc{"status": "Pending"}); err != nil {
			repaired = false
		}

		findings = append(findings, Finding{
			Class:      "orphaned_outbox_lease",
			Collection: outboxCollection,
			ID:         id,
			Detail:     "processing lease stale beyond reclaim window, reset to Pending",
			Repaired:   repaired,
		})
	}

	return findings, nil
}

func (r *Reconciler) audit(ctx context.Context, f Finding) {
	id := f.Collection + ":" + f.ID + ":" + f.Class

	if err := r.docs.Set(ctx, auditCollection, id, storage.Doc{
		"class":      f.Class,
		"collection": f.Collection,
		"documentId": f.ID,
		"detail":     f.Detail,
		"repaired":   f.Repaired,
		"auditedAt":  time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("hygiene: failed to write audit record", "id", id, "error", err)
	}
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if t == "" {
			return time.Time{}, false
		}

		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}

		return parsed, true
	default:
		return time.Time{}, false
	}
}
