package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

func TestFingerprint_DeterministicAcrossParamOrder(t *testing.T) {
	now := time.Now()

	a := Fingerprint("create_quotation", map[string]any{"x": 1, "y": 2}, now, time.Hour)
	b := Fingerprint("create_quotation", map[string]any{"y": 2, "x": 1}, now, time.Hour)

	assert.Equal(t, a, b)
}

func TestFingerprint_DiffersAcrossOperationType(t *testing.T) {
	now := time.Now()

	a := Fingerprint("create_quotation", map[string]any{"x": 1}, now, time.Hour)
	b := Fingerprint("create_order", map[string]any{"x": 1}, now, time.Hour)

	assert.NotEqual(t, a, b)
}

func TestGate_Execute_SecondCallReturnsCachedResult(t *testing.T) {
	gate := New(storage.NewMemoryDocStore(), 16, nil)

	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++

		return json.RawMessage(`{"ok":true}`), nil
	}

	opts := Options{TTL: time.Hour, LeaseTTL: time.Minute, OnConflict: ReturnCached}
	params := map[string]any{"dedupKey": "a"}

	first, err := gate.Execute(context.Background(), "create_quotation", params, opts, fn)
	require.NoError(t, err)

	second, err := gate.Execute(context.Background(), "create_quotation", params, opts, fn)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "fn must run exactly once for the same fingerprint")
}

func TestGate_Execute_DifferentParamsRunIndependently(t *testing.T) {
	gate := New(storage.NewMemoryDocStore(), 16, nil)

	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++

		return json.RawMessage(`{}`), nil
	}

	opts := Options{TTL: time.Hour, LeaseTTL: time.Minute, OnConflict: ReturnCached}

	_, err := gate.Execute(context.Background(), "create_quotation", map[string]any{"dedupKey": "a"}, opts, fn)
	require.NoError(t, err)

	_, err = gate.Execute(context.Background(), "create_quotation", map[string]any{"dedupKey": "b"}, opts, fn)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestGate_Execute_FailurePropagatesAndIsNotCached(t *testing.T) {
	gate := New(storage.NewMemoryDocStore(), 16, nil)

	calls := 0
	fn := func(ctx context.Context) (json.RawMessage, error) {
		calls++

		if calls == 1 {
			return nil, assert.AnError
		}

		return json.RawMessage(`{"ok":true}`), nil
	}

	opts := Options{TTL: time.Hour, LeaseTTL: time.Minute, OnConflict: ReturnCached}
	params := map[string]any{"dedupKey": "a"}

	_, err := gate.Execute(context.Background(), "create_quotation", params, opts, fn)
	require.ErrorIs(t, err, assert.AnError)

	result, err := gate.Execute(context.Background(), "create_quotation", params, opts, fn)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
	assert.Equal(t, 2, calls, "a Failed record must not short-circuit a later retry")
}
