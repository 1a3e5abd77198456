package quotation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func errTerminal(from State, cmd Command) error {
	return fmt.Errorf("%w: %s cannot apply %s", ErrTerminalStateImmutable, from, cmd)
}

func errInvalid(from State, cmd Command) error {
	return fmt.Errorf("%w: %s -(%s)->", ErrInvalidTransition, from, cmd)
}

// guard validates a command's preconditions against the quotation's
// current fields and the command payload, returning the field patch to
// merge on success. A failed guard must leave the machine's state
// unchanged, so guards run before Apply commits to the next state.
type guard func(fields storage.Doc, payload map[string]any) (storage.Doc, error)

var guards = map[Command]guard{
	CommandSend:         guardSend,
	CommandReceiveReply: guardReceiveReply,
	CommandExpire:       guardExpire,
	CommandAIExtract:    guardAIExtract,
	CommandAIFail:       guardAIFail,
	CommandMarkReceived: guardMarkReceived,
	CommandCancel:       guardCancel,
}

// guardSend requires a well-formed supplierEmail and stamps emailSentAt.
func guardSend(fields storage.Doc, _ map[string]any) (storage.Doc, error) {
	email, _ := fields["supplierEmail"].(string)
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: supplierEmail %q is not well-formed", ErrGuardFailed, email)
	}

	return storage.Doc{"emailSentAt": time.Now().UTC()}, nil
}

// guardReceiveReply requires the quotation to have been sent and the
// reply body to carry at least 10 characters of content.
func guardReceiveReply(fields storage.Doc, payload map[string]any) (storage.Doc, error) {
	if fields["emailSentAt"] == nil {
		return nil, fmt.Errorf("%w: emailSentAt not set", ErrGuardFailed)
	}

	body, _ := payload["replyBody"].(string)
	if utf8.RuneCountInString(body) < 10 {
		return nil, fmt.Errorf("%w: reply body shorter than 10 characters", ErrGuardFailed)
	}

	return storage.Doc{"replyReceivedAt": time.Now().UTC()}, nil
}

// guardExpire has no precondition beyond the transition table itself.
func guardExpire(storage.Doc, map[string]any) (storage.Doc, error) {
	return storage.Doc{"expiredAt": time.Now().UTC()}, nil
}

// guardAIExtract requires a numeric price (0 is a valid quote) and
// derives a deterministic order id from the quotation id. Price travels
// through the command payload as a decimal.Decimal — as produced by
// internal/extraction — or, for callers that only have a plain number,
// a float64.
func guardAIExtract(fields storage.Doc, payload map[string]any) (storage.Doc, error) {
	price, ok := parsePrice(payload["price"])
	if !ok {
		return nil, fmt.Errorf("%w: payload missing numeric price", ErrGuardFailed)
	}

	quotationID, _ := fields["id"].(string)

	return storage.Doc{
		"quotedPrice":        price.String(),
		"quotedDeliveryDate": payload["deliveryDate"],
		"quotedDeliveryDays": payload["deliveryDays"],
		"paymentTerms":       payload["paymentTerms"],
		"aiConfidence":       payload["confidence"],
		"orderId":            deriveOrderID(quotationID),
	}, nil
}

func parsePrice(v any) (decimal.Decimal, bool) {
	switch p := v.(type) {
	case decimal.Decimal:
		return p, true
	case float64:
		return decimal.NewFromFloat(p), true
	default:
		return decimal.Decimal{}, false
	}
}

// deriveOrderID strips the "quotation_" prefix (if present) and
// prepends "order_", giving every confirmed quotation a deterministic,
// collision-free order id without a lookup.
func deriveOrderID(quotationID string) string {
	return "order_" + strings.TrimPrefix(quotationID, "quotation_")
}

// guardAIFail increments retryCount; failure to extract is not itself a
// terminal condition.
func guardAIFail(fields storage.Doc, _ map[string]any) (storage.Doc, error) {
	retry := 0
	switch v := fields["retryCount"].(type) {
	case float64:
		retry = int(v)
	case int:
		retry = v
	}

	return storage.Doc{"retryCount": retry + 1}, nil
}

// guardMarkReceived rejects a second MARK_RECEIVED on the same quotation.
func guardMarkReceived(fields storage.Doc, payload map[string]any) (storage.Doc, error) {
	if fields["receivedAt"] != nil {
		return nil, fmt.Errorf("%w: receivedAt already set", ErrGuardFailed)
	}

	return storage.Doc{
		"receivedAt":    time.Now().UTC(),
		"invoiceNumber": payload["invoiceNumber"],
	}, nil
}

// guardCancel always succeeds; cancellation is permitted from any
// non-terminal state per the transition table.
func guardCancel(_ storage.Doc, payload map[string]any) (storage.Doc, error) {
	reason, _ := payload["reason"].(string)

	return storage.Doc{"cancellationReason": reason, "softDeleted": true}, nil
}
