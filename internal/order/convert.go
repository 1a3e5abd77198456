package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func orderToDoc(o Order) storage.Doc {
	items := make([]any, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, map[string]any{
			"productId":       item.ProductID,
			"quotedUnitPrice": item.QuotedUnitPrice.String(),
			"quantityToOrder": item.QuantityToOrder,
		})
	}

	return storage.Doc{
		"id":          o.ID,
		"quotationId": o.QuotationID,
		"supplierId":  o.SupplierID,
		"items":       items,
		"fingerprint": o.Fingerprint,
		"status":      o.Status,
		"createdAt":   o.CreatedAt,
		"confirmedBy": o.ConfirmedBy,
	}
}

func docToOrder(doc storage.Doc) Order {
	o := Order{
		ID:          stringField(doc, "id"),
		QuotationID: stringField(doc, "quotationId"),
		SupplierID:  stringField(doc, "supplierId"),
		Fingerprint: stringField(doc, "fingerprint"),
		Status:      stringField(doc, "status"),
		ConfirmedBy: stringField(doc, "confirmedBy"),
		CreatedAt:   timeField(doc, "createdAt"),
	}

	if items, ok := doc["items"].([]any); ok {
		o.Items = make([]Item, 0, len(items))

		for _, raw := range items {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}

			price := decimal.Zero
			if s, ok := m["quotedUnitPrice"].(string); ok {
				if parsed, err := decimal.NewFromString(s); err == nil {
					price = parsed
				}
			}

			qty, _ := m["quantityToOrder"].(float64)
			productID, _ := m["productId"].(string)

			o.Items = append(o.Items, Item{
				ProductID:       productID,
				QuotedUnitPrice: price,
				QuantityToOrder: int(qty),
			})
		}
	}

	return o
}

func stringField(doc storage.Doc, key string) string {
	s, _ := doc[key].(string)

	return s
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
