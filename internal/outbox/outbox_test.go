package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func newTestDispatcher() (*Dispatcher, storage.DocStore) {
	docs := storage.NewMemoryDocStore()

	return NewDispatcher(docs, slog.New(slog.NewTextHandler(io.Discard, nil))), docs
}

func enqueue(t *testing.T, docs storage.DocStore, msg Message) Message {
	t.Helper()

	var out Message

	err := docs.RunInTransaction(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = Enqueue(ctx, tx, msg)

		return err
	})
	require.NoError(t, err)

	return out
}

func TestEnqueue_AssignsIDAndCorrelationIDWhenAbsent(t *testing.T) {
	docs := storage.NewMemoryDocStore()

	msg := enqueue(t, docs, Message{Type: "email_quote_request", Payload: map[string]any{"to": "a@example.com"}})

	assert.NotEmpty(t, msg.ID)
	assert.NotEmpty(t, msg.CorrelationID)
	assert.Equal(t, StatusPending, msg.Status)

	doc, err := docs.Get(context.Background(), messagesCollection, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), doc["status"])
}

func TestEnqueue_PreservesCallerSuppliedID(t *testing.T) {
	docs := storage.NewMemoryDocStore()

	msg := enqueue(t, docs, Message{ID: "msg_fixed", Type: "email_quote_request"})

	assert.Equal(t, "msg_fixed", msg.ID)
}

func TestDispatcher_ProcessOnce_MarksHandledMessageCompleted(t *testing.T) {
	d, docs := newTestDispatcher()
	ctx := context.Background()

	msg := enqueue(t, docs, Message{Type: "email_quote_request", Payload: map[string]any{"to": "a@example.com"}})

	var received map[string]any
	d.RegisterHandler("email_", func(ctx context.Context, payload map[string]any, headers map[string]string) error {
		received = payload

		return nil
	})

	d.processOnce(ctx)

	doc, err := docs.Get(ctx, messagesCollection, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), doc["status"])
	assert.Equal(t, "a@example.com", received["to"])
}

func TestDispatcher_ProcessOnce_NoHandlerMarksFailed(t *testing.T) {
	d, docs := newTestDispatcher()
	ctx := context.Background()

	msg := enqueue(t, docs, Message{Type: "unregistered_type"})

	d.processOnce(ctx)

	doc, err := docs.Get(ctx, messagesCollection, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), doc["status"])
	assert.Equal(t, 1, intField(doc, "retryCount"))
	assert.Contains(t, doc["lastError"], "no handler")
}

func TestDispatcher_ProcessOnce_HandlerFailureSchedulesRetryWithBackoff(t *testing.T) {
	d, docs := newTestDispatcher()
	ctx := context.Background()

	msg := enqueue(t, docs, Message{Type: "webhook_ping"})

	sentinel := errors.New("connection refused")
	d.RegisterHandler("webhook_", func(ctx context.Context, payload map[string]any, headers map[string]string) error {
		return sentinel
	})

	before := time.Now().UTC()
	d.processOnce(ctx)

	doc, err := docs.Get(ctx, messagesCollection, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusFailed), doc["status"])
	assert.Equal(t, sentinel.Error(), doc["lastError"])

	scheduledFor := timeField(doc, "scheduledFor")
	assert.True(t, scheduledFor.After(before.Add(retryDelays[0]-time.Second)), "retry must be scheduled using retryDelays[0] after the first failure")
}

func TestDispatcher_Dispatch_EscalatesToDeadLetterAfterMaxRetries(t *testing.T) {
	d, docs := newTestDispatcher()
	ctx := context.Background()

	msg := enqueue(t, docs, Message{Type: "webhook_ping"})
	msg.RetryCount = MaxRetries - 1

	d.RegisterHandler("webhook_", func(ctx context.Context, payload map[string]any, headers map[string]string) error {
		return errors.New("still failing")
	})

	d.dispatch(ctx, msg)

	_, err := docs.Get(ctx, messagesCollection, msg.ID)
	assert.True(t, storage.IsNotFound(err), "an escalated message must be removed from the live outbox collection")

	doc, err := docs.Get(ctx, deadLettersCollection, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatusDeadLetter), doc["status"])
}

func TestDispatcher_TryLease_FailsWhileUnexpiredLeaseHeldByAnotherDispatcher(t *testing.T) {
	docs := storage.NewMemoryDocStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d1 := NewDispatcher(docs, logger)
	d2 := NewDispatcher(docs, logger)
	ctx := context.Background()

	msg := enqueue(t, docs, Message{Type: "webhook_ping"})

	ok, err := d1.tryLease(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d2.tryLease(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, ok, "a second dispatcher must not win the lease while the first holder's lease is unexpired")
}

func TestDispatcher_LeaseBatch_SkipsMessageWithUnexpiredProcessingLease(t *testing.T) {
	d, docs := newTestDispatcher()
	ctx := context.Background()

	msg := enqueue(t, docs, Message{Type: "webhook_ping"})
	msg.Status = StatusProcessing
	msg.ProcessorID = "other_dispatcher"
	msg.LeaseAcquired = time.Now().UTC()
	require.NoError(t, docs.Set(ctx, messagesCollection, msg.ID, messageToDoc(msg)))

	leased, err := d.leaseBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, leased, "an unexpired lease held by another dispatcher must not be reclaimed")
}

func TestDispatcher_LeaseBatch_ReclaimsMessageWithExpiredProcessingLease(t *testing.T) {
	d, docs := newTestDispatcher()
	ctx := context.Background()

	msg := enqueue(t, docs, Message{Type: "webhook_ping"})
	msg.Status = StatusProcessing
	msg.ProcessorID = "crashed_dispatcher"
	msg.LeaseAcquired = time.Now().UTC().Add(-2 * d.leaseTTL)
	require.NoError(t, docs.Set(ctx, messagesCollection, msg.ID, messageToDoc(msg)))

	leased, err := d.leaseBatch(ctx)
	require.NoError(t, err)
	require.Len(t, leased, 1, "a message whose lease has expired must be reclaimable by any dispatcher")
	assert.Equal(t, d.processID, leased[0].ProcessorID)
}

func TestDispatcher_LeaseBatch_SkipsMessageScheduledInTheFuture(t *testing.T) {
	d, docs := newTestDispatcher()
	ctx := context.Background()

	enqueue(t, docs, Message{Type: "webhook_ping", ScheduledFor: time.Now().UTC().Add(time.Hour)})

	leased, err := d.leaseBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, leased)
}

func TestDispatcher_RetryDeadLetter_MovesMessageBackToPending(t *testing.T) {
	d, docs := newTestDispatcher()
	ctx := context.Background()

	require.NoError(t, docs.Set(ctx, deadLettersCollection, "msg_1", storage.Doc{
		"id": "msg_1", "type": "webhook_ping", "status": string(StatusDeadLetter),
		"retryCount": 5, "lastError": "boom", "createdAt": time.Now().UTC(),
	}))

	require.NoError(t, d.RetryDeadLetter(ctx, "msg_1"))

	_, err := docs.Get(ctx, deadLettersCollection, "msg_1")
	assert.True(t, storage.IsNotFound(err))

	doc, err := docs.Get(ctx, messagesCollection, "msg_1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), doc["status"])
	assert.Equal(t, 0, intField(doc, "retryCount"))
}

func TestDispatcher_ListDeadLetters_ReturnsMostRecentFirst(t *testing.T) {
	d, docs := newTestDispatcher()
	ctx := context.Background()

	require.NoError(t, docs.Set(ctx, deadLettersCollection, "old", storage.Doc{
		"id": "old", "status": string(StatusDeadLetter), "createdAt": "2026-01-01T00:00:00Z",
	}))
	require.NoError(t, docs.Set(ctx, deadLettersCollection, "new", storage.Doc{
		"id": "new", "status": string(StatusDeadLetter), "createdAt": "2026-01-02T00:00:00Z",
	}))

	letters, err := d.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "new", letters[0].ID)
}

func TestMessageToDoc_ConvertDoc_RoundTripsHeadersAndPayload(t *testing.T) {
	msg := Message{
		ID:      "msg_1",
		Type:    "email_quote_request",
		Payload: map[string]any{"to": "a@example.com"},
		Headers: map[string]string{"aggregateRef": "quotation_1"},
	}

	doc := messageToDoc(msg)
	got := docToMessage(doc)

	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, msg.Headers, got.Headers)
}
