package quotation

import (
	"github.com/quoteflow-io/quoteflow/internal/eventstore"
)

// quotationFields lists the payload keys each event type contributes to
// the projected quotation state; everything else on the event is
// transport (correlation id, metadata) the projection does not carry.
var quotationFields = map[string][]string{
	"QuotationSent":             {"emailSentAt"},
	"QuotationReplyReceived":    {"replyReceivedAt"},
	"QuotationExpired":          {"expiredAt"},
	"QuotationExtracted":        {"quotedPrice", "quotedDeliveryDate", "quotedDeliveryDays", "paymentTerms", "aiConfidence", "orderId"},
	"QuotationExtractionFailed": {"retryCount"},
	"QuotationReceived":         {"receivedAt", "invoiceNumber"},
	"QuotationCancelled":        {"cancellationReason", "softDeleted"},
}

var statusForEventType = map[string]State{
	"QuotationCreated":          StatePending,
	"QuotationSent":             StateAwaiting,
	"QuotationReplyReceived":    StateProcessing,
	"QuotationExpired":          StateExpired,
	"QuotationExtracted":        StateOrdered,
	"QuotationExtractionFailed": StateAwaiting,
	"QuotationReceived":         StateReceived,
	"QuotationCancelled":        StateCancelled,
}

// Reduce is the canonical quotation reducer registered with the event
// store under aggregate type "quotation". Each known event type maps to
// a deterministic state update: status, the fields that event type
// owns, and list-replacement for items. Unknown event types leave the
// projected fields untouched — the event store advances the aggregate
// version regardless, so a future event type never breaks replay of an
// older writer's history.
func Reduce(state map[string]any, event eventstore.Event) map[string]any {
	next := make(map[string]any, len(state)+len(event.Payload))

	for k, v := range state {
		next[k] = v
	}

	if status, ok := statusForEventType[event.Type]; ok {
		next["status"] = string(status)
	}

	if event.Type == "QuotationCreated" {
		for k, v := range event.Payload {
			next[k] = v
		}

		return next
	}

	for _, field := range quotationFields[event.Type] {
		if v, ok := event.Payload[field]; ok {
			next[field] = v
		}
	}

	if items, ok := event.Payload["items"]; ok {
		next["items"] = items // list-replacement, never merged element-wise
	}

	return next
}
