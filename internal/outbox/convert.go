package outbox

import (
	"time"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func messageToDoc(m Message) storage.Doc {
	return storage.Doc{
		"id":             m.ID,
		"type":           m.Type,
		"payload":        m.Payload,
		"headers":        m.Headers,
		"aggregateRef":   m.AggregateRef,
		"correlationId":  m.CorrelationID,
		"priority":       m.Priority,
		"status":         string(m.Status),
		"retryCount":     m.RetryCount,
		"lastError":      m.LastError,
		"scheduledFor":   m.ScheduledFor,
		"processorId":    m.ProcessorID,
		"leaseAcquired":  m.LeaseAcquired,
		"createdAt":      m.CreatedAt,
	}
}

func docToMessage(doc storage.Doc) Message {
	m := Message{
		ID:            stringField(doc, "id"),
		Type:          stringField(doc, "type"),
		AggregateRef:  stringField(doc, "aggregateRef"),
		CorrelationID: stringField(doc, "correlationId"),
		Priority:      intField(doc, "priority"),
		Status:        Status(stringField(doc, "status")),
		RetryCount:    intField(doc, "retryCount"),
		LastError:     stringField(doc, "lastError"),
		ProcessorID:   stringField(doc, "processorId"),
		ScheduledFor:  timeField(doc, "scheduledFor"),
		LeaseAcquired: timeField(doc, "leaseAcquired"),
		CreatedAt:     timeField(doc, "createdAt"),
	}

	if payload, ok := doc["payload"].(map[string]any); ok {
		m.Payload = payload
	}

	if headers, ok := doc["headers"].(map[string]any); ok {
		m.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			if s, ok := v.(string); ok {
				m.Headers[k] = s
			}
		}
	}

	return m
}

func stringField(doc storage.Doc, key string) string {
	s, _ := doc[key].(string)

	return s
}

func intField(doc storage.Doc, key string) int {
	switch v := doc[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
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
