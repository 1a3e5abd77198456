// Package extraction defines the supplier-reply extraction oracle
// interface and a deterministic regex-based fallback used when the
// primary oracle is unreachable.
package extraction

import (
	"context"

	"github.com/shopspring/decimal"
)

// Item is one line of a supplier's quoted reply. Fields are explicitly
// optional: absence is meaningful (e.g. a supplier quoting "no stock").
type Item struct {
	Name                string
	UnitPrice           *decimal.Decimal
	AvailableQuantity   *float64
	Unit                string
	Available           bool
	PartialAvailability bool
	UnavailableReason   string
}

// Result is the extraction oracle's normalized output.
type Result struct {
	HasQuote         bool
	Items            []Item
	DeliveryDate     string
	DeliveryDays     int
	PaymentTerms     string
	TotalQuote       decimal.Decimal
	SupplierNotes    string
	Confidence       float64
	ExtractionMethod string
}

// Oracle extracts structured quote data from a supplier's free-text
// reply. expectedItems lets an implementation cross-reference the
// reply against what was actually requested.
type Oracle interface {
	Extract(ctx context.Context, emailBody string, expectedItems []string) (Result, error)
}
