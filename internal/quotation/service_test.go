package quotation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopspring/decimal"

	"github.com/quoteflow-io/quoteflow/internal/eventstore"
	"github.com/quoteflow-io/quoteflow/internal/extraction"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func newTestService() (*Service, storage.DocStore) {
	docs := storage.NewMemoryDocStore()
	events := eventstore.New(docs)
	events.RegisterReducer(aggregateType, Reduce)

	return NewService(docs, events), docs
}

func TestService_Create_PersistsPendingProjection(t *testing.T) {
	svc, docs := newTestService()

	m, err := svc.Create(context.Background(), "quotation_1", storage.Doc{"supplierEmail": "s@example.com"})
	require.NoError(t, err)
	assert.Equal(t, StatePending, m.State)

	doc, err := docs.Get(context.Background(), quotationsCollection, "quotation_1")
	require.NoError(t, err)
	assert.Equal(t, string(StatePending), doc["status"])
}

func TestService_ApplyCommand_PersistsTransitionAndEvent(t *testing.T) {
	svc, docs := newTestService()

	_, err := svc.Create(context.Background(), "quotation_1", storage.Doc{"supplierEmail": "s@example.com"})
	require.NoError(t, err)

	m, err := svc.ApplyCommand(context.Background(), "quotation_1", CommandSend, nil)
	require.NoError(t, err)
	assert.Equal(t, StateAwaiting, m.State)

	doc, err := docs.Get(context.Background(), quotationsCollection, "quotation_1")
	require.NoError(t, err)
	assert.Equal(t, string(StateAwaiting), doc["status"])
	assert.NotNil(t, doc["emailSentAt"])
}

func TestService_ApplyCommand_GuardFailureLeavesProjectionUnchanged(t *testing.T) {
	svc, docs := newTestService()

	_, err := svc.Create(context.Background(), "quotation_1", storage.Doc{"supplierEmail": "not-an-email"})
	require.NoError(t, err)

	_, err = svc.ApplyCommand(context.Background(), "quotation_1", CommandSend, nil)
	require.ErrorIs(t, err, ErrGuardFailed)

	doc, err := docs.Get(context.Background(), quotationsCollection, "quotation_1")
	require.NoError(t, err)
	assert.Equal(t, string(StatePending), doc["status"])
}

func TestService_Load_RoundTripsAfterMultipleCommands(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Create(context.Background(), "quotation_1", storage.Doc{"supplierEmail": "s@example.com"})
	require.NoError(t, err)

	_, err = svc.ApplyCommand(context.Background(), "quotation_1", CommandSend, nil)
	require.NoError(t, err)

	_, err = svc.ApplyCommand(context.Background(), "quotation_1", CommandReceiveReply, map[string]any{"replyBody": "here is our quote"})
	require.NoError(t, err)

	m, err := svc.Load(context.Background(), "quotation_1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, m.State)
}

func TestExtractionPayload_CarriesTotalQuoteAsPrice(t *testing.T) {
	svc, docs := newTestService()

	_, err := svc.Create(context.Background(), "quotation_1", storage.Doc{"supplierEmail": "s@example.com"})
	require.NoError(t, err)

	_, err = svc.ApplyCommand(context.Background(), "quotation_1", CommandSend, nil)
	require.NoError(t, err)

	_, err = svc.ApplyCommand(context.Background(), "quotation_1", CommandReceiveReply, map[string]any{"replyBody": "here is our quote"})
	require.NoError(t, err)

	payload := ExtractionPayload(extraction.Result{
		TotalQuote:   decimal.NewFromFloat(125.5),
		HasQuote:     true,
		Confidence:   0.8,
		DeliveryDays: 10,
	})

	m, err := svc.ApplyCommand(context.Background(), "quotation_1", CommandAIExtract, payload)
	require.NoError(t, err)
	assert.Equal(t, StateOrdered, m.State)

	doc, err := docs.Get(context.Background(), quotationsCollection, "quotation_1")
	require.NoError(t, err)
	assert.Equal(t, "125.5", doc["quotedPrice"])
}
