// Package cdc implements the change-data-capture subscription manager:
// it layers debounced batching and automatic reconnection on top of a
// storage.DocStore's raw Watch stream, and provides the deterministic
// applyChangesToArray fold used to keep a client-side list in sync.
package cdc

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/quoteflow-io/quoteflow/internal/config"
	"github.com/quoteflow-io/quoteflow/internal/storage"
)

// envMillis reads key as a plain integer count of milliseconds, per the
// spec's "_MS" environment variable convention.
func envMillis(key string, defaultValue time.Duration) time.Duration {
	return time.Duration(config.GetEnvInt(key, int(defaultValue/time.Millisecond))) * time.Millisecond
}

// Batch is one debounced delivery: up to maxBatchSize changes collected
// within the debounce window.
type Batch struct {
	Changes []storage.Change
}

// Callback receives one debounced batch per invocation.
type Callback func(batch Batch)

// Options configures a subscription's debounce and reconnect behavior.
type Options struct {
	DebounceInterval     time.Duration
	MaxBatchSize         int
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// DefaultOptions matches the spec's default env-driven configuration:
// CDC_DEBOUNCE_MS, CDC_MAX_BATCH, CDC_RECONNECT_DELAY_MS, CDC_MAX_RECONNECT.
func DefaultOptions() Options {
	return Options{
		DebounceInterval:     envMillis("CDC_DEBOUNCE_MS", 100*time.Millisecond),
		MaxBatchSize:         config.GetEnvInt("CDC_MAX_BATCH", 50),
		ReconnectDelay:       envMillis("CDC_RECONNECT_DELAY_MS", time.Second),
		MaxReconnectAttempts: config.GetEnvInt("CDC_MAX_RECONNECT", 5),
	}
}

// Manager opens, debounces, and reconnects Watch streams on behalf of
// callers who only want batched callbacks, not raw per-change delivery.
type Manager struct {
	docs   storage.DocStore
	logger *slog.Logger

	mu    sync.Mutex
	subs  map[string]*subscription
	next  int
}

type subscription struct {
	collection string
	filters    []storage.Filter
	callback   Callback
	opts       Options

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager.
func New(docs storage.DocStore, logger *slog.Logger) *Manager {
	return &Manager{docs: docs, logger: logger, subs: make(map[string]*subscription)}
}

// Subscribe opens a debounced, auto-reconnecting change stream for
// collection and returns a subscriptionId usable with Unsubscribe.
func (m *Manager) Subscribe(ctx context.Context, collection string, filters []storage.Filter, opts Options, callback Callback) string {
	subCtx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		collection: collection,
		filters:    filters,
		callback:   callback,
		opts:       opts,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.next++
	id := strconv.Itoa(m.next)
	m.subs[id] = sub
	m.mu.Unlock()

	go m.run(subCtx, id, sub)

	return id
}

// Unsubscribe cancels the stream for id and clears its buffers. Safe to
// call more than once; unknown ids are a no-op.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	sub.cancel()
	<-sub.done
}

// Close cancels every active subscription and waits for their streams
// to exit, releasing all buffers and outstanding timers.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Unsubscribe(id)
	}
}

func (m *Manager) run(ctx context.Context, id string, sub *subscription) {
	defer close(sub.done)

	attempt := 0

	for {
		err := m.stream(ctx, sub)
		if err == nil || ctx.Err() != nil {
			return
		}

		if !isReconnectable(err) {
			m.logger.Error("cdc: subscription failed permanently", "subscriptionId", id, "error", err)

			return
		}

		attempt++
		if attempt > sub.opts.MaxReconnectAttempts {
			m.logger.Error("cdc: reconnect attempts exhausted", "subscriptionId", id)

			return
		}

		delay := time.Duration(attempt) * sub.opts.ReconnectDelay

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// isReconnectable mirrors the spec's network-class error set
// (Unavailable, Cancelled) — anything else is treated as permanent.
func isReconnectable(err error) bool {
	return storage.IsUnavailable(err) || errors.Is(err, context.Canceled)
}

// stream opens one raw Watch stream and debounces it until the stream
// ends (error, closed channel, or context cancellation).
func (m *Manager) stream(ctx context.Context, sub *subscription) error {
	changes, cancelWatch, err := m.docs.Watch(ctx, sub.collection, sub.filters)
	if err != nil {
		return err
	}

	defer func() { _ = cancelWatch() }()

	var (
		buffer []storage.Change
		timer  *time.Timer
		fire   <-chan time.Time
	)

	flush := func() {
		if len(buffer) == 0 {
			return
		}

		sub.callback(Batch{Changes: buffer})
		buffer = nil
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil

		case change, ok := <-changes:
			if !ok {
				flush()

				return nil
			}

			buffer = appendBounded(buffer, change, sub.opts.MaxBatchSize)

			if timer == nil {
				timer = time.NewTimer(sub.opts.DebounceInterval)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}

				timer.Reset(sub.opts.DebounceInterval)
			}

		case <-fire:
			flush()

			timer = nil
			fire = nil
		}
	}
}

// appendBounded appends change, evicting the oldest buffered change on
// overflow — never across batches, only within the current one.
func appendBounded(buffer []storage.Change, change storage.Change, maxBatchSize int) []storage.Change {
	buffer = append(buffer, change)

	if maxBatchSize > 0 && len(buffer) > maxBatchSize {
		buffer = buffer[len(buffer)-maxBatchSize:]
	}

	return buffer
}

// ApplyChangesToArray deterministically folds changes into current:
// Added prepends if the id is absent, Modified replaces by id, Removed
// drops by id.
func ApplyChangesToArray(current []storage.Doc, changes []storage.Change) []storage.Doc {
	out := make([]storage.Doc, len(current))
	copy(out, current)

	for _, change := range changes {
		switch change.Kind {
		case storage.ChangeAdded:
			if indexByID(out, change.ID) == -1 {
				out = append([]storage.Doc{change.Data}, out...)
			}
		case storage.ChangeModified:
			if idx := indexByID(out, change.ID); idx != -1 {
				out[idx] = change.Data
			} else {
				out = append([]storage.Doc{change.Data}, out...)
			}
		case storage.ChangeRemoved:
			if idx := indexByID(out, change.ID); idx != -1 {
				out = append(out[:idx], out[idx+1:]...)
			}
		}
	}

	return out
}

func indexByID(docs []storage.Doc, id string) int {
	for i, d := range docs {
		if docID, _ := d["id"].(string); docID == id {
			return i
		}
	}

	return -1
}
