// Package order implements order creation from a confirmed quotation,
// with three layers of duplicate suppression (deterministic id,
// fingerprint, and a final transactional re-check) before the
// "supreme law" of at-most-one-order-per-quotation is trusted to the
// transaction itself.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteflow-io/quoteflow/internal/apperr"
	"github.com/quoteflow-io/quoteflow/internal/lock"
	"github.com/quoteflow-io/quoteflow/internal/outbox"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

const (
	ordersCollection  = "orders"
	lockScopeCreate   = "ORDER_CREATE"
	orderCreatedEvent = "ORDER_CREATED"
)

// Errors returned by validation.
var (
	ErrNilQuotation  = errors.New("order: quotation is nil")
	ErrMissingID     = errors.New("order: quotation id is empty")
	ErrMissingSupplier = errors.New("order: supplierId is empty")
	ErrNoItems       = errors.New("order: quotation has no items")
	ErrInvalidItem   = errors.New("order: item has an invalid price or quantity")
)

// Item is one line of a confirmed quotation to be ordered.
type Item struct {
	ProductID       string
	QuotedUnitPrice decimal.Decimal
	QuantityToOrder int
}

// Quotation is the minimal confirmed-quotation view CreateOrderFromQuotation needs.
type Quotation struct {
	ID         string
	SupplierID string
	Items      []Item
}

// Order is the persisted order aggregate.
type Order struct {
	ID             string
	QuotationID    string
	SupplierID     string
	Items          []Item
	Fingerprint    string
	Status         string
	CreatedAt      time.Time
	ConfirmedBy    string
}

// Service creates orders with strong deduplication.
type Service struct {
	docs  storage.DocStore
	locks *lock.Manager
}

// New constructs an order Service.
func New(docs storage.DocStore, locks *lock.Manager) *Service {
	return &Service{docs: docs, locks: locks}
}

// DeterministicOrderID mirrors the quotation lifecycle's AI_EXTRACT
// guard: the same "order_" + stripped-quotation-id formula, so both
// paths always agree on one order id per quotation.
func DeterministicOrderID(quotationID string) string {
	return "order_" + stripQuotationPrefix(quotationID)
}

func stripQuotationPrefix(id string) string {
	const prefix = "quotation_"
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		return id[len(prefix):]
	}

	return id
}

func validate(q Quotation) error {
	if q.ID == "" {
		return ErrMissingID
	}

	if q.SupplierID == "" {
		return ErrMissingSupplier
	}

	if len(q.Items) == 0 {
		return ErrNoItems
	}

	for _, item := range q.Items {
		if item.QuotedUnitPrice.IsNegative() {
			return fmt.Errorf("%w: product %s has a negative price", ErrInvalidItem, item.ProductID)
		}

		if item.QuantityToOrder <= 0 {
			return fmt.Errorf("%w: product %s has non-positive quantity", ErrInvalidItem, item.ProductID)
		}
	}

	return nil
}

// fingerprint computes hash(supplierId, dailyBucket, sorted(productId:quantity)).
func fingerprint(q Quotation, now time.Time) string {
	parts := make([]string, 0, len(q.Items))
	for _, item := range q.Items {
		parts = append(parts, fmt.Sprintf("%s:%d", item.ProductID, item.QuantityToOrder))
	}

	sort.Strings(parts)

	bucket := storage.DailyBucket(now.Unix(), 86400)

	return storage.FingerprintHash(append([]string{q.SupplierID, bucket}, parts...)...)
}

// CreateOrderFromQuotation creates (or idempotently returns) the order
// for a confirmed quotation, per spec.md §4.7's four-step uniqueness
// protocol.
func (s *Service) CreateOrderFromQuotation(ctx context.Context, q Quotation, user string) (Order, bool, error) {
	if err := validate(q); err != nil {
		return Order{}, false, apperr.Validation(err.Error(), err)
	}

	orderID := DeterministicOrderID(q.ID)
	now := time.Now().UTC()

	// Step 1: pre-insert check by deterministic id.
	if existing, ok, err := s.getByID(ctx, orderID); err != nil {
		return Order{}, false, err
	} else if ok {
		return existing, true, nil
	}

	// Step 2: fingerprint query.
	fp := fingerprint(q, now)

	if existing, ok, err := s.getByFingerprint(ctx, fp); err != nil {
		return Order{}, false, err
	} else if ok {
		return existing, true, nil
	}

	// Step 3: best-effort lock; unavailability is not fatal, the
	// transaction in step 4 still provides atomicity.
	l, lockErr := s.locks.Acquire(ctx, lockScopeCreate, q.ID, lock.DefaultOptions())
	if lockErr == nil {
		defer func() { _ = s.locks.Release(context.Background(), l.ID, l.HolderID) }()

		if existing, ok, err := s.getByID(ctx, orderID); err != nil {
			return Order{}, false, err
		} else if ok {
			return existing, true, nil
		}
	}

	// Step 4: transactional re-check-then-create.
	var (
		created  Order
		isDup    bool
	)

	err := s.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		if doc, err := tx.Get(ctx, ordersCollection, orderID); err == nil {
			created = docToOrder(doc)
			isDup = true

			return nil
		} else if !storage.IsNotFound(err) {
			return err
		}

		created = Order{
			ID:          orderID,
			QuotationID: q.ID,
			SupplierID:  q.SupplierID,
			Items:       dedupeItems(q.Items),
			Fingerprint: fp,
			Status:      "PendingConfirmation",
			CreatedAt:   now,
			ConfirmedBy: user,
		}

		if err := tx.Set(ctx, ordersCollection, orderID, orderToDoc(created)); err != nil {
			return err
		}

		_, err := outbox.Enqueue(ctx, tx, outbox.Message{
			Type: orderCreatedEvent,
			Payload: map[string]any{
				"orderId":     orderID,
				"quotationId": q.ID,
				"supplierId":  q.SupplierID,
			},
			AggregateRef: orderID,
		})

		return err
	})
	if err != nil {
		return Order{}, false, err
	}

	return created, isDup, nil
}

// dedupeItems enforces the composite key (productId) unique within the
// order, last write wins.
func dedupeItems(items []Item) []Item {
	seen := make(map[string]Item, len(items))

	order := make([]string, 0, len(items))

	for _, item := range items {
		if _, ok := seen[item.ProductID]; !ok {
			order = append(order, item.ProductID)
		}

		seen[item.ProductID] = item
	}

	out := make([]Item, 0, len(order))
	for _, id := range order {
		out = append(out, seen[id])
	}

	return out
}

func (s *Service) getByID(ctx context.Context, id string) (Order, bool, error) {
	doc, err := s.docs.Get(ctx, ordersCollection, id)
	if storage.IsNotFound(err) {
		return Order{}, false, nil
	}

	if err != nil {
		return Order{}, false, err
	}

	return docToOrder(doc), true, nil
}

func (s *Service) getByFingerprint(ctx context.Context, fp string) (Order, bool, error) {
	page, err := s.docs.Query(ctx, ordersCollection, storage.QueryOptions{
		Filters: []storage.Filter{{Field: "fingerprint", Op: storage.OpEqual, Value: fp}},
		Limit:   1,
	})
	if err != nil {
		return Order{}, false, err
	}

	if len(page.Items) == 0 {
		return Order{}, false, nil
	}

	return docToOrder(page.Items[0]), true, nil
}
