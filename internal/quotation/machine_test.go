package quotation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func TestMachine_Apply_SendStampsEmailSentAt(t *testing.T) {
	m := NewMachine("quotation_1", StatePending, storage.Doc{"supplierEmail": "supplier@example.com"})

	result, err := m.Apply(CommandSend, nil)

	require.NoError(t, err)
	assert.Equal(t, StateAwaiting, result.NextState)
	assert.Equal(t, "QuotationSent", result.EventType)
	assert.Equal(t, StateAwaiting, m.State)
	assert.NotNil(t, m.Fields["emailSentAt"])
	assert.Equal(t, string(StateAwaiting), m.Fields["status"])
	assert.Len(t, m.History, 1)
}

func TestMachine_Apply_SendRejectsMalformedEmail(t *testing.T) {
	m := NewMachine("quotation_1", StatePending, storage.Doc{"supplierEmail": "not-an-email"})

	_, err := m.Apply(CommandSend, nil)

	require.ErrorIs(t, err, ErrGuardFailed)
	assert.Equal(t, StatePending, m.State, "a failed guard must leave state unchanged")
	assert.Empty(t, m.History)
}

func TestMachine_Apply_InvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := NewMachine("quotation_1", StatePending, storage.Doc{})

	_, err := m.Apply(CommandMarkReceived, nil)

	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatePending, m.State)
}

func TestMachine_Apply_AIExtractAcceptsDecimalPrice(t *testing.T) {
	m := NewMachine("quotation_1", StateProcessing, storage.Doc{})

	result, err := m.Apply(CommandAIExtract, map[string]any{"price": 42.5})

	require.NoError(t, err)
	assert.Equal(t, StateOrdered, result.NextState)
	assert.Equal(t, "42.5", m.Fields["quotedPrice"])
	assert.Equal(t, "order_1", m.Fields["orderId"])
}

func TestMachine_Apply_AIExtractRejectsMissingPrice(t *testing.T) {
	m := NewMachine("quotation_1", StateProcessing, storage.Doc{})

	_, err := m.Apply(CommandAIExtract, map[string]any{})

	require.ErrorIs(t, err, ErrGuardFailed)
}

func TestRestore_RoundTripsFlatProjection(t *testing.T) {
	doc := storage.Doc{"id": "quotation_1", "status": string(StateAwaiting), "supplierEmail": "a@b.com"}

	m, err := Restore(doc)

	require.NoError(t, err)
	assert.Equal(t, "quotation_1", m.ID)
	assert.Equal(t, StateAwaiting, m.State)
	assert.Equal(t, "a@b.com", m.Fields["supplierEmail"])
}

func TestRestore_RejectsMissingStatus(t *testing.T) {
	_, err := Restore(storage.Doc{"id": "quotation_1"})

	require.ErrorIs(t, err, ErrInvalidTransition)
}
