package extraction

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	paymentTermsPattern = regexp.MustCompile(`(?i)(pagamento[^\n.]*|net\s*\d+|\d+\s*dias\s*boleto)`)
	deliveryDaysPattern = regexp.MustCompile(`(?i)(?:em\s*)?(\d+)\s*(?:dias\s*úteis|business\s*days)`)
	deliveryDatePattern = regexp.MustCompile(`(\d{2}/\d{2}/\d{4})|(\d{4}-\d{2}-\d{2})`)
	priceLinePattern    = regexp.MustCompile(`(?i)(?:^-\s*|^)([\p{L}\s]+):\s*R\$\s*([\d.,]+)\s*(?:/\s*(\w+))?`)
	notesPattern        = regexp.MustCompile(`(?i)(?:observação|note)\s*:\s*(.+)`)
)

// RegexFallback is the deterministic, dependency-free extractor used
// when the primary Oracle is unreachable, per spec.md §9.
type RegexFallback struct{}

// NewRegexFallback constructs a RegexFallback.
func NewRegexFallback() RegexFallback { return RegexFallback{} }

// Extract implements Oracle using only regular-expression heuristics
// over the reply body; expectedItems is accepted for interface
// compatibility but unused by this fallback.
func (RegexFallback) Extract(_ context.Context, emailBody string, _ []string) (Result, error) {
	result := Result{ExtractionMethod: "regex_fallback"}

	confidence := 0.5

	if terms := paymentTermsPattern.FindString(emailBody); terms != "" {
		result.PaymentTerms = strings.TrimSpace(terms)
		confidence += 0.1
	}

	if m := deliveryDaysPattern.FindStringSubmatch(emailBody); len(m) > 1 {
		if days, err := strconv.Atoi(m[1]); err == nil {
			result.DeliveryDays = days
			confidence += 0.1
		}
	}

	if m := deliveryDatePattern.FindString(emailBody); m != "" {
		result.DeliveryDate = m
	}

	items := extractItems(emailBody)
	if len(items) > 0 {
		result.Items = items
		result.HasQuote = true
		confidence += 0.2

		total := decimal.Zero
		for _, item := range items {
			if item.UnitPrice != nil {
				qty := decimal.NewFromFloat(1.0)
				if item.AvailableQuantity != nil {
					qty = decimal.NewFromFloat(*item.AvailableQuantity)
				}

				total = total.Add(item.UnitPrice.Mul(qty))
			}
		}

		result.TotalQuote = total
	}

	if m := notesPattern.FindStringSubmatch(emailBody); len(m) > 1 {
		result.SupplierNotes = strings.TrimSpace(m[1])
		confidence += 0.05
	}

	if confidence > 1 {
		confidence = 1
	}

	result.Confidence = confidence

	return result, nil
}

func extractItems(body string) []Item {
	var items []Item

	for _, line := range strings.Split(body, "\n") {
		m := priceLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		name := strings.TrimSpace(m[1])
		priceStr := normalizeDecimal(m[2])

		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}

		item := Item{
			Name:      name,
			UnitPrice: &price,
			Unit:      m[3],
			Available: true,
		}

		items = append(items, item)
	}

	return items
}

// normalizeDecimal converts a Brazilian-style decimal (1.234,56) or a
// plain decimal (1234.56) into a Go-parseable string.
func normalizeDecimal(s string) string {
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}

	return s
}
