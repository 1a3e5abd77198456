// Package outbox implements the transactional outbox: same-transaction
// message enqueue, a leased competing-consumer dispatcher, exponential
// backoff retry, and dead-letter escalation.
//
// Grounded on the mycelian outbox worker
// (other_examples/d4569048_..._outbox-worker.go.go): its
// Run/processOnce/leaseBatch/handle/markDone/markFailed loop becomes
// Dispatcher.Run/processOnce/leaseBatch/dispatch/markCompleted/
// markFailed here, generalized from one domain to a handler registry
// keyed by message type.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

const (
	messagesCollection    = "outbox_messages"
	deadLettersCollection = "outbox_dead_letters"
)

// Status is the lifecycle state of an outbox message.
type Status string

// Message statuses.
const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusDeadLetter Status = "DeadLetter"
)

// retryDelays is consulted by retryCount (0-indexed): the delay before
// the (retryCount+1)'th attempt.
var retryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// MaxRetries bounds how many times a message is retried before it is
// escalated to the dead-letter collection.
const MaxRetries = len(retryDelays)

// ErrNoHandler is returned when a message's type has no registered
// Handler.
var ErrNoHandler = errors.New("outbox: no handler registered for message type")

// Handler processes one outbox message's payload. Handlers are
// registered per message-type prefix (e.g. "email_", "webhook_") by the
// host at startup.
type Handler func(ctx context.Context, payload map[string]any, headers map[string]string) error

// Message is one outbox record.
type Message struct {
	ID             string
	Type           string
	Payload        map[string]any
	Headers        map[string]string
	AggregateRef   string
	CorrelationID  string
	Priority       int
	Status         Status
	RetryCount     int
	LastError      string
	ScheduledFor   time.Time
	ProcessorID    string
	LeaseAcquired  time.Time
	CreatedAt      time.Time
}

// Enqueue writes msg to the outbox using tx — the caller's own
// transaction handle — so the message is persisted iff the domain
// write it accompanies also commits.
func Enqueue(ctx context.Context, tx storage.Tx, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}

	msg.Status = StatusPending
	msg.CreatedAt = time.Now().UTC()

	if err := tx.Set(ctx, messagesCollection, msg.ID, messageToDoc(msg)); err != nil {
		return Message{}, fmt.Errorf("enqueue outbox message %s: %w", msg.ID, err)
	}

	return msg, nil
}
