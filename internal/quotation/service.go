package quotation

import (
	"context"
	"time"

	"github.com/quoteflow-io/quoteflow/internal/eventstore"
	"github.com/quoteflow-io/quoteflow/internal/extraction"
	"github.com/quoteflow-io/quoteflow/internal/outbox"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

const quotationsCollection = "quotations"

const aggregateType = "quotation"

// Service persists Machine transitions: every Apply call is journaled
// to the event store and projected into the quotations collection in
// one transaction.
type Service struct {
	docs   storage.DocStore
	events *eventstore.Store
}

// NewService constructs a quotation Service.
func NewService(docs storage.DocStore, events *eventstore.Store) *Service {
	return &Service{docs: docs, events: events}
}

// Create starts a new machine at Pending and persists its initial
// projection. fields seeds the quotation's business data (productId,
// supplierId, supplierEmail, isAutoGenerated, ...). The projection write
// and the QuotationCreated event append commit in one transaction.
func (s *Service) Create(ctx context.Context, id string, fields storage.Doc) (*Machine, error) {
	m := NewMachine(id, StatePending, fields)
	m.Fields["status"] = string(StatePending)
	m.Fields["createdAt"] = time.Now().UTC()

	err := s.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Set(ctx, quotationsCollection, id, m.Fields); err != nil {
			return err
		}

		_, err := s.events.AppendInTx(ctx, tx, eventstore.Event{
			Type:          "QuotationCreated",
			AggregateID:   id,
			AggregateType: aggregateType,
			Payload:       copyDoc(m.Fields),
		})

		return err
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Load rebuilds a Machine from its current projected document.
func (s *Service) Load(ctx context.Context, id string) (*Machine, error) {
	doc, err := s.docs.Get(ctx, quotationsCollection, id)
	if err != nil {
		return nil, err
	}

	return Restore(doc)
}

// ApplyCommand loads the quotation, applies cmd, and — on success —
// persists the updated projection, appends the resulting domain event, and
// enqueues the transition's outbox message (outbound email on SEND,
// a notification on every other transition), all inside one transaction
// per spec §4.6's "append the event in the same transaction as enqueuing
// outbox messages."
func (s *Service) ApplyCommand(ctx context.Context, id string, cmd Command, payload map[string]any) (*Machine, error) {
	m, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := m.Apply(cmd, payload)
	if err != nil {
		return nil, err
	}

	err = s.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Update(ctx, quotationsCollection, id, m.Fields); err != nil {
			return err
		}

		if _, err := s.events.AppendInTx(ctx, tx, eventstore.Event{
			Type:          result.EventType,
			AggregateID:   id,
			AggregateType: aggregateType,
			Payload:       copyDoc(result.Patch),
		}); err != nil {
			return err
		}

		if msg, ok := outboxMessageFor(cmd, m); ok {
			if _, err := outbox.Enqueue(ctx, tx, msg); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// outboxTypeForCommand names the outbox message type enqueued on each
// transition: "email_" routes to the mail transport (spec §4.6's "outbound
// email on SEND"), "sync_" notifies downstream consumers of every other
// state change.
var outboxTypeForCommand = map[Command]string{
	CommandSend:         "email_quote_request",
	CommandCancel:       "sync_quotation_cancelled",
	CommandReceiveReply: "sync_quotation_reply_received",
	CommandExpire:       "sync_quotation_expired",
	CommandAIExtract:    "sync_quotation_extracted",
	CommandAIFail:       "sync_quotation_extraction_failed",
	CommandMarkReceived: "sync_quotation_received",
}

// outboxMessageFor builds the outbox message a transition enqueues, if any.
func outboxMessageFor(cmd Command, m *Machine) (outbox.Message, bool) {
	msgType, ok := outboxTypeForCommand[cmd]
	if !ok {
		return outbox.Message{}, false
	}

	payload := map[string]any{
		"quotationId": m.ID,
		"status":      string(m.State),
	}

	if cmd == CommandSend {
		if email, ok := m.Fields["supplierEmail"].(string); ok {
			payload["to"] = email
		}

		if productID, ok := m.Fields["productId"].(string); ok {
			payload["productId"] = productID
		}
	}

	return outbox.Message{
		Type:         msgType,
		Payload:      payload,
		AggregateRef: m.ID,
		Headers:      map[string]string{"aggregateRef": m.ID},
	}, true
}

// ExtractionPayload bridges an extraction.Result into the AI_EXTRACT
// command payload: the quoted total becomes the command's price, so a
// successful extraction always routes through the same guard as any
// other price-bearing AI_EXTRACT call.
func ExtractionPayload(result extraction.Result) map[string]any {
	return map[string]any{
		"price":        result.TotalQuote,
		"deliveryDate": result.DeliveryDate,
		"deliveryDays": result.DeliveryDays,
		"paymentTerms": result.PaymentTerms,
		"confidence":   result.Confidence,
	}
}

func copyDoc(d storage.Doc) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}

	return out
}
