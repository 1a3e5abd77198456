package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// notifyChannel is the single Postgres LISTEN/NOTIFY channel every
// collection's change stream multiplexes over; changeEnvelope.Collection
// disambiguates which collection a given notification belongs to.
const notifyChannel = "docstore_changes"

// changeEnvelope is the JSON payload carried by a pg_notify call.
type changeEnvelope struct {
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Kind       ChangeKind `json:"kind"`
}

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
)

// listenWatcher fans a single pq.Listener subscription on notifyChannel
// out to any number of in-process Watch callers, each filtered to its
// own collection (and, best-effort, its own filter set).
type listenWatcher struct {
	listener *pq.Listener
	logger   *slog.Logger
	getDoc   func(ctx context.Context, collection, id string) (Doc, error)

	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	collection string
	filters    []Filter
	out        chan Change
}

func newListenWatcher(dsn string, logger *slog.Logger) (*listenWatcher, error) {
	w := &listenWatcher{logger: logger, subs: make(map[int]*subscription)}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("change-stream listener event", "event", ev, "error", err)
		}
	}

	listener := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, reportProblem)
	if err := listener.Listen(notifyChannel); err != nil {
		_ = listener.Close()

		return nil, err
	}

	w.listener = listener

	go w.dispatchLoop()

	return w, nil
}

func (w *listenWatcher) dispatchLoop() {
	for n := range w.listener.Notify {
		if n == nil {
			// Connection was lost and pq re-established it; pq replays no
			// buffered notifications, so a watcher may miss events during
			// the gap. Callers that need a gap-free stream should
			// periodically reconcile via Query.
			continue
		}

		var env changeEnvelope
		if err := json.Unmarshal([]byte(n.Extra), &env); err != nil {
			w.logger.Warn("failed to decode change-stream payload", "error", err)

			continue
		}

		w.dispatch(env)
	}
}

func (w *listenWatcher) dispatch(env changeEnvelope) {
	w.mu.Lock()
	matching := make([]*subscription, 0, len(w.subs))

	for _, sub := range w.subs {
		if sub.collection == env.Collection {
			matching = append(matching, sub)
		}
	}
	w.mu.Unlock()

	if len(matching) == 0 {
		return
	}

	change := Change{Kind: env.Kind, ID: env.ID}

	// A removed document can't be re-fetched to check filters or attach a
	// body; it is always delivered to every subscriber of the collection.
	if env.Kind != ChangeRemoved && w.getDoc != nil {
		if doc, err := w.getDoc(context.Background(), env.Collection, env.ID); err == nil {
			change.Data = doc
		}
	}

	for _, sub := range matching {
		if env.Kind != ChangeRemoved && len(sub.filters) > 0 && !matchesFilters(change.Data, sub.filters) {
			continue
		}

		select {
		case sub.out <- change:
		default:
			w.logger.Warn("dropping change-stream event for slow subscriber",
				"collection", env.Collection, "id", env.ID)
		}
	}
}

// matchesFilters evaluates a Watch subscription's filters against a
// freshly-fetched document. A filtered field missing from the document
// fails the match; otherwise only equality and inequality are evaluated,
// and ordering and IN filters always pass.
func matchesFilters(doc Doc, filters []Filter) bool {
	for _, f := range filters {
		val, ok := doc[f.Field]
		if !ok {
			return false
		}

		if f.Op == OpEqual && val != f.Value {
			return false
		}

		if f.Op == OpNotEqual && val == f.Value {
			return false
		}
	}

	return true
}

func (w *listenWatcher) subscribe(collection string, filters []Filter) (int, <-chan Change) {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.next
	w.next++

	sub := &subscription{collection: collection, filters: filters, out: make(chan Change, 64)}
	w.subs[id] = sub

	return id, sub.out
}

func (w *listenWatcher) unsubscribe(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if sub, ok := w.subs[id]; ok {
		close(sub.out)
		delete(w.subs, id)
	}
}

func (w *listenWatcher) close() error {
	return w.listener.Close()
}

// Watch opens a change stream for collection. Notifications carry only
// collection/id/kind — not the document body — which keeps the NOTIFY
// payload (capped at 8000 bytes by Postgres) independent of document
// size; the watcher re-fetches the document with Get and attaches it as
// Change.Data, which stays nil for a removal or a failed fetch.
func (s *PostgresDocStore) Watch(
	ctx context.Context,
	collection string,
	filters []Filter,
) (<-chan Change, func() error, error) {
	if err := validateCollection(collection); err != nil {
		return nil, nil, err
	}

	id, out := s.watcher.subscribe(collection, filters)

	cancel := func() error {
		s.watcher.unsubscribe(id)

		return nil
	}

	go func() {
		<-ctx.Done()
		_ = cancel()
	}()

	return out, cancel, nil
}
