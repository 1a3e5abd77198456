package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quoteflow-io/quoteflow/internal/config"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

const defaultLeaseTTL = 60 * time.Second

// Dispatcher polls the outbox for eligible messages, leases them,
// invokes the registered handler, and retries or escalates to the DLQ
// on failure. Multiple Dispatcher instances may run concurrently against
// the same collection as competing consumers — the lease step makes
// that safe.
type Dispatcher struct {
	docs      storage.DocStore
	logger    *slog.Logger
	processID string

	mu       sync.RWMutex
	handlers map[string]Handler

	batchSize    int
	pollInterval time.Duration
	leaseTTL     time.Duration
}

// NewDispatcher constructs a Dispatcher bound to docs. Batch size, poll
// interval, and lease TTL default to the spec's values but are
// overridable via OUTBOX_BATCH_SIZE, OUTBOX_POLL_MS, and
// OUTBOX_LOCK_TTL_MS.
func NewDispatcher(docs storage.DocStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		docs:         docs,
		logger:       logger,
		processID:    uuid.NewString(),
		handlers:     make(map[string]Handler),
		batchSize:    config.GetEnvInt("OUTBOX_BATCH_SIZE", 10),
		pollInterval: envMillis("OUTBOX_POLL_MS", 5*time.Second),
		leaseTTL:     envMillis("OUTBOX_LOCK_TTL_MS", defaultLeaseTTL),
	}
}

// envMillis reads key as a plain integer count of milliseconds, per the
// spec's "_MS" environment variable convention.
func envMillis(key string, defaultValue time.Duration) time.Duration {
	return time.Duration(config.GetEnvInt(key, int(defaultValue/time.Millisecond))) * time.Millisecond
}

// RegisterHandler binds handler to every message type prefixed by
// typePrefix (e.g. "email_" routes email_quote_request and
// email_reminder alike).
func (d *Dispatcher) RegisterHandler(typePrefix string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[typePrefix] = handler
}

func (d *Dispatcher) handlerFor(messageType string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for prefix, h := range d.handlers {
		if strings.HasPrefix(messageType, prefix) {
			return h, true
		}
	}

	return nil, false
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processOnce(ctx)
		}
	}
}

func (d *Dispatcher) processOnce(ctx context.Context) {
	batch, err := d.leaseBatch(ctx)
	if err != nil {
		d.logger.Warn("outbox: failed to lease batch", "error", err)

		return
	}

	for _, msg := range batch {
		d.dispatch(ctx, msg)
	}
}

// leaseBatch polls for Pending/Failed messages due now, plus Processing
// messages whose lease may have expired, then acquires a lease on each
// transactionally: an unexpired lease on a message blocks a competing
// dispatcher from claiming it, while an expired one is reclaimable by any
// dispatcher.
func (d *Dispatcher) leaseBatch(ctx context.Context) ([]Message, error) {
	now := time.Now().UTC()

	page, err := d.docs.Query(ctx, messagesCollection, storage.QueryOptions{
		Filters: []storage.Filter{
			{Field: "status", Op: storage.OpIn, Value: []string{string(StatusPending), string(StatusFailed), string(StatusProcessing)}},
		},
		OrderBy: "createdAt",
		Limit:   d.batchSize,
	})
	if err != nil {
		return nil, err
	}

	leased := make([]Message, 0, len(page.Items))

	for _, doc := range page.Items {
		msg := docToMessage(doc)

		if !msg.ScheduledFor.IsZero() && msg.ScheduledFor.After(now) {
			continue
		}

		if msg.Status == StatusProcessing && now.Before(msg.LeaseAcquired.Add(d.leaseTTL)) {
			continue
		}

		ok, err := d.tryLease(ctx, msg.ID)
		if err != nil {
			d.logger.Warn("outbox: failed to lease message", "id", msg.ID, "error", err)

			continue
		}

		if ok {
			msg.Status = StatusProcessing
			msg.ProcessorID = d.processID
			msg.LeaseAcquired = now
			leased = append(leased, msg)
		}
	}

	return leased, nil
}

func (d *Dispatcher) tryLease(ctx context.Context, id string) (bool, error) {
	leased := false

	err := d.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		doc, err := tx.Get(ctx, messagesCollection, id)
		if err != nil {
			return err
		}

		msg := docToMessage(doc)
		now := time.Now().UTC()

		if msg.Status == StatusProcessing && now.Before(msg.LeaseAcquired.Add(d.leaseTTL)) {
			return nil // unexpired lease held by another dispatcher
		}

		msg.Status = StatusProcessing
		msg.ProcessorID = d.processID
		msg.LeaseAcquired = now

		if err := tx.Set(ctx, messagesCollection, id, messageToDoc(msg)); err != nil {
			return err
		}

		leased = true

		return nil
	})

	return leased, err
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) {
	handler, ok := d.handlerFor(msg.Type)
	if !ok {
		d.markFailed(ctx, msg, ErrNoHandler)

		return
	}

	if err := handler(ctx, msg.Payload, msg.Headers); err != nil {
		d.markFailed(ctx, msg, err)

		return
	}

	d.markCompleted(ctx, msg)
}

func (d *Dispatcher) markCompleted(ctx context.Context, msg Message) {
	msg.Status = StatusCompleted
	msg.ProcessorID = ""
	msg.LeaseAcquired = time.Time{}

	if err := d.docs.Set(ctx, messagesCollection, msg.ID, messageToDoc(msg)); err != nil {
		d.logger.Warn("outbox: failed to mark message completed", "id", msg.ID, "error", err)
	}
}

// markFailed increments retryCount and either schedules the next
// attempt or, once MaxRetries is exhausted, atomically escalates the
// message to the dead-letter collection.
func (d *Dispatcher) markFailed(ctx context.Context, msg Message, cause error) {
	msg.RetryCount++
	msg.LastError = cause.Error()

	if msg.RetryCount >= MaxRetries {
		if err := d.escalateToDeadLetter(ctx, msg); err != nil {
			d.logger.Warn("outbox: failed to escalate to dead letter", "id", msg.ID, "error", err)
		}

		return
	}

	msg.Status = StatusFailed
	msg.ProcessorID = ""
	msg.LeaseAcquired = time.Time{}
	msg.ScheduledFor = time.Now().UTC().Add(retryDelays[msg.RetryCount-1])

	if err := d.docs.Set(ctx, messagesCollection, msg.ID, messageToDoc(msg)); err != nil {
		d.logger.Warn("outbox: failed to schedule retry", "id", msg.ID, "error", err)
	}
}

func (d *Dispatcher) escalateToDeadLetter(ctx context.Context, msg Message) error {
	return d.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		msg.Status = StatusDeadLetter

		if err := tx.Set(ctx, deadLettersCollection, msg.ID, messageToDoc(msg)); err != nil {
			return err
		}

		return tx.Delete(ctx, messagesCollection, msg.ID)
	})
}

// ListDeadLetters returns up to limit dead-lettered messages, most
// recent first.
func (d *Dispatcher) ListDeadLetters(ctx context.Context, limit int) ([]Message, error) {
	page, err := d.docs.Query(ctx, deadLettersCollection, storage.QueryOptions{
		OrderBy: "createdAt",
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	out := make([]Message, 0, len(page.Items))
	for _, doc := range page.Items {
		out = append(out, docToMessage(doc))
	}

	return out, nil
}

// RetryDeadLetter moves a dead-lettered message back to the outbox with
// retryCount reset to 0, atomically.
func (d *Dispatcher) RetryDeadLetter(ctx context.Context, id string) error {
	return d.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		doc, err := tx.Get(ctx, deadLettersCollection, id)
		if err != nil {
			return err
		}

		msg := docToMessage(doc)
		msg.Status = StatusPending
		msg.RetryCount = 0
		msg.LastError = ""
		msg.ScheduledFor = time.Time{}

		if err := tx.Set(ctx, messagesCollection, id, messageToDoc(msg)); err != nil {
			return err
		}

		return tx.Delete(ctx, deadLettersCollection, id)
	})
}
