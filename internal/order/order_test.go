package order

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoteflow-io/quoteflow/internal/apperr"
	"github.com/quoteflow-io/quoteflow/internal/lock"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func newTestService() *Service {
	docs := storage.NewMemoryDocStore()

	return New(docs, lock.New(docs))
}

func testQuotation() Quotation {
	return Quotation{
		ID:         "quotation_42",
		SupplierID: "supplier_1",
		Items: []Item{
			{ProductID: "prod_a", QuotedUnitPrice: decimal.NewFromFloat(9.99), QuantityToOrder: 3},
		},
	}
}

func TestCreateOrderFromQuotation_CreatesWithDeterministicID(t *testing.T) {
	svc := newTestService()

	o, dup, err := svc.CreateOrderFromQuotation(context.Background(), testQuotation(), "alice")

	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "order_42", o.ID)
	assert.Equal(t, "PendingConfirmation", o.Status)
}

func TestCreateOrderFromQuotation_SecondCallIsIdempotent(t *testing.T) {
	svc := newTestService()
	q := testQuotation()

	first, _, err := svc.CreateOrderFromQuotation(context.Background(), q, "alice")
	require.NoError(t, err)

	second, dup, err := svc.CreateOrderFromQuotation(context.Background(), q, "bob")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alice", second.ConfirmedBy, "the second call must not overwrite the original confirmer")
}

func TestCreateOrderFromQuotation_RejectsNegativePrice(t *testing.T) {
	svc := newTestService()
	q := testQuotation()
	q.Items[0].QuotedUnitPrice = decimal.NewFromFloat(-1)

	_, _, err := svc.CreateOrderFromQuotation(context.Background(), q, "alice")

	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestCreateOrderFromQuotation_RejectsNoItems(t *testing.T) {
	svc := newTestService()
	q := testQuotation()
	q.Items = nil

	_, _, err := svc.CreateOrderFromQuotation(context.Background(), q, "alice")

	require.ErrorIs(t, err, ErrNoItems)
}

func TestDedupeItems_LastWriteWinsPerProduct(t *testing.T) {
	items := []Item{
		{ProductID: "a", QuantityToOrder: 1},
		{ProductID: "b", QuantityToOrder: 2},
		{ProductID: "a", QuantityToOrder: 5},
	}

	out := dedupeItems(items)

	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ProductID)
	assert.Equal(t, 5, out[0].QuantityToOrder)
	assert.Equal(t, "b", out[1].ProductID)
}

func TestDeterministicOrderID_StripsQuotationPrefix(t *testing.T) {
	assert.Equal(t, "order_42", DeterministicOrderID("quotation_42"))
	assert.Equal(t, "order_raw", DeterministicOrderID("raw"))
}
