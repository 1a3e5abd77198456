package eventstore

import (
	"time"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

// Field accessors below cope with the round-trip through JSON a Doc takes
// on its way to and from Postgres: numbers decode as float64 and
// time.Time values decode as RFC3339 strings, never their original Go type.

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

func boolField(doc storage.Doc, key string) bool {
	b, _ := doc[key].(bool)

	return b
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
