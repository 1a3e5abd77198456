package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

// Store provides ACID append, ordered replay, and snapshot-accelerated
// state reconstruction for a document store's event-sourced aggregates.
// Grounded on the Loofy147 eventstore.go shape (AppendEvents/LoadEvents/
// GetCurrentVersion/Snapshot), adapted from a raw *sql.DB to the generic
// storage.DocStore transaction boundary so the same code works against
// any DocStore implementation, not only Postgres.
type Store struct {
	docs storage.DocStore

	mu       sync.RWMutex
	reducers map[string]Reducer
}

// New constructs an event store bound to docs.
func New(docs storage.DocStore) *Store {
	return &Store{docs: docs, reducers: make(map[string]Reducer)}
}

// RegisterReducer binds the canonical reducer for an aggregate type. The
// host (cmd/orchestrator) registers the quotation reducer from
// internal/quotation/reducer.go under aggregate type "quotation" at
// startup.
func (s *Store) RegisterReducer(aggregateType string, reducer Reducer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reducers[aggregateType] = reducer
}

func (s *Store) reducerFor(aggregateType string) (Reducer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reducers[aggregateType]

	return r, ok
}

// currentVersion reads the highest assigned version for ref inside tx,
// defaulting to 0 (so the first Append assigns version 1) on any
// version-query failure per the store's first-write failure semantics.
func currentVersion(ctx context.Context, tx storage.Tx, ref AggregateRef) int {
	page, err := tx.Query(ctx, eventsCollection, storage.QueryOptions{
		Filters: []storage.Filter{
			{Field: "aggregateId", Op: storage.OpEqual, Value: ref.AggregateID},
			{Field: "aggregateType", Op: storage.OpEqual, Value: ref.AggregateType},
		},
		OrderBy: "version",
		Desc:    true,
		Limit:   1,
	})
	if err != nil || len(page.Items) == 0 {
		return 0
	}

	return intField(page.Items[0], "version")
}

// Append assigns the next version for event's aggregate and persists it in
// its own transaction; concurrent appenders to the same aggregate serialize
// through DocStore.RunInTransaction's conflict retry.
func (s *Store) Append(ctx context.Context, event Event) (Event, error) {
	var appended Event

	err := s.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		appended, err = s.AppendInTx(ctx, tx, event)

		return err
	})

	return appended, err
}

// AppendInTx assigns the next version for event's aggregate and persists it
// using the caller's own transaction handle, so the event commits (or rolls
// back) atomically alongside whatever projection and outbox writes the
// caller shares tx with. Callers that already hold a tx must use this
// instead of Append, which would otherwise open a second, independent
// transaction.
func (s *Store) AppendInTx(ctx context.Context, tx storage.Tx, event Event) (Event, error) {
	ref := AggregateRef{AggregateType: event.AggregateType, AggregateID: event.AggregateID}
	version := currentVersion(ctx, tx, ref) + 1

	e := fillEventDefaults(event, version)

	if err := tx.Set(ctx, eventsCollection, eventDocID(ref, version), eventToDoc(e)); err != nil {
		return Event{}, err
	}

	return e, nil
}

// AppendBatch persists events for possibly-mixed aggregates in one
// transaction; per aggregate, versions are assigned sequentially starting
// at currentVersion+1. The causation id of event i+1 defaults to event
// i's id when unset, matching the spec's causal-chain default.
func (s *Store) AppendBatch(ctx context.Context, events []Event) ([]Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	appended := make([]Event, len(events))

	err := s.docs.RunInTransaction(ctx, func(ctx context.Context, tx storage.Tx) error {
		nextVersion := make(map[AggregateRef]int)

		var prevID string

		for i, event := range events {
			ref := AggregateRef{AggregateType: event.AggregateType, AggregateID: event.AggregateID}

			version, seen := nextVersion[ref]
			if !seen {
				version = currentVersion(ctx, tx, ref)
			}
			version++
			nextVersion[ref] = version

			if event.CausationID == "" && i > 0 {
				event.CausationID = prevID
			}

			e := fillEventDefaults(event, version)
			appended[i] = e
			prevID = e.ID

			if err := tx.Set(ctx, eventsCollection, eventDocID(ref, version), eventToDoc(e)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return appended, nil
}

func fillEventDefaults(event Event, version int) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}

	if event.ServerTimestamp.IsZero() {
		event.ServerTimestamp = time.Now().UTC()
	}

	event.Version = version
	event.Immutable = true
	event.Payload = SanitizePayload(event.Payload)

	return event
}

// GetEvents returns events for ref with fromVersion <= version <=
// toVersion (toVersion == 0 means unbounded), ascending by version,
// capped at limit (0 means unbounded).
func (s *Store) GetEvents(ctx context.Context, ref AggregateRef, fromVersion, toVersion, limit int) ([]Event, error) {
	filters := []storage.Filter{
		{Field: "aggregateId", Op: storage.OpEqual, Value: ref.AggregateID},
		{Field: "aggregateType", Op: storage.OpEqual, Value: ref.AggregateType},
	}

	if fromVersion > 0 {
		filters = append(filters, storage.Filter{Field: "version", Op: storage.OpGreaterEqual, Value: float64(fromVersion)})
	}

	if toVersion > 0 {
		filters = append(filters, storage.Filter{Field: "version", Op: storage.OpLessEqual, Value: float64(toVersion)})
	}

	page, err := s.docs.Query(ctx, eventsCollection, storage.QueryOptions{
		Filters: filters,
		OrderBy: "version",
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get events for %s/%s: %w", ref.AggregateType, ref.AggregateID, err)
	}

	events := make([]Event, 0, len(page.Items))
	for _, doc := range page.Items {
		events = append(events, docToEvent(doc))
	}

	return events, nil
}

// ReplayEvents folds every event for ref through reducer starting from
// initial.
func (s *Store) ReplayEvents(
	ctx context.Context,
	ref AggregateRef,
	reducer Reducer,
	initial map[string]any,
) (map[string]any, int, error) {
	events, err := s.GetEvents(ctx, ref, 0, 0, 0)
	if err != nil {
		return nil, 0, err
	}

	state := initial
	version := 0

	for _, e := range events {
		state = reducer(state, e)
		version = e.Version
	}

	return state, version, nil
}

// LoadState reconstructs ref's current state using the registered
// reducer for ref.AggregateType, accelerated by the latest snapshot when
// present: only events with version > snapshot.Version are replayed.
func (s *Store) LoadState(ctx context.Context, ref AggregateRef, initial map[string]any) (map[string]any, int, error) {
	reducer, ok := s.reducerFor(ref.AggregateType)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrNoReducer, ref.AggregateType)
	}

	state := initial
	fromVersion := 0

	snap, err := s.loadSnapshot(ctx, ref)
	if err != nil {
		return nil, 0, err
	}

	version := 0

	if snap != nil {
		state = snap.State
		version = snap.Version
		fromVersion = snap.Version + 1
	}

	events, err := s.GetEvents(ctx, ref, fromVersion, 0, 0)
	if err != nil {
		return nil, 0, err
	}

	for _, e := range events {
		state = reducer(state, e)
		version = e.Version
	}

	return state, version, nil
}

// CreateSnapshot persists state at version for ref. Garbage collection of
// superseded snapshots is out of scope for core correctness.
func (s *Store) CreateSnapshot(ctx context.Context, ref AggregateRef, state map[string]any, version int) error {
	snap := Snapshot{
		AggregateType: ref.AggregateType,
		AggregateID:   ref.AggregateID,
		Version:       version,
		State:         state,
		CreatedAt:     time.Now().UTC(),
	}

	return s.docs.Set(ctx, snapshotsCollection, snapshotDocID(ref), snapshotToDoc(snap))
}

func (s *Store) loadSnapshot(ctx context.Context, ref AggregateRef) (*Snapshot, error) {
	doc, err := s.docs.Get(ctx, snapshotsCollection, snapshotDocID(ref))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	snap := docToSnapshot(doc)

	return &snap, nil
}

func eventToDoc(e Event) storage.Doc {
	return storage.Doc{
		"id":              e.ID,
		"type":            e.Type,
		"aggregateId":     e.AggregateID,
		"aggregateType":   e.AggregateType,
		"version":         e.Version,
		"serverTimestamp": e.ServerTimestamp,
		"clientTimestamp": e.ClientTimestamp,
		"payload":         e.Payload,
		"metadata": map[string]any{
			"source":      e.Metadata.Source,
			"user":        e.Metadata.User,
			"environment": e.Metadata.Environment,
		},
		"correlationId": e.CorrelationID,
		"causationId":   e.CausationID,
		"immutable":     e.Immutable,
	}
}

func docToEvent(doc storage.Doc) Event {
	e := Event{
		ID:            stringField(doc, "id"),
		Type:          stringField(doc, "type"),
		AggregateID:   stringField(doc, "aggregateId"),
		AggregateType: stringField(doc, "aggregateType"),
		Version:       intField(doc, "version"),
		CorrelationID: stringField(doc, "correlationId"),
		CausationID:   stringField(doc, "causationId"),
		Immutable:     boolField(doc, "immutable"),
	}

	if payload, ok := doc["payload"].(map[string]any); ok {
		e.Payload = payload
	}

	if meta, ok := doc["metadata"].(map[string]any); ok {
		e.Metadata = Metadata{
			Source:      stringField(meta, "source"),
			User:        stringField(meta, "user"),
			Environment: stringField(meta, "environment"),
		}
	}

	e.ServerTimestamp = timeField(doc, "serverTimestamp")
	e.ClientTimestamp = timeField(doc, "clientTimestamp")

	return e
}

func snapshotToDoc(snap Snapshot) storage.Doc {
	return storage.Doc{
		"aggregateType": snap.AggregateType,
		"aggregateId":   snap.AggregateID,
		"version":       snap.Version,
		"state":         snap.State,
		"createdAt":     snap.CreatedAt,
	}
}

func docToSnapshot(doc storage.Doc) Snapshot {
	snap := Snapshot{
		AggregateType: stringField(doc, "aggregateType"),
		AggregateID:   stringField(doc, "aggregateId"),
		Version:       intField(doc, "version"),
		CreatedAt:     timeField(doc, "createdAt"),
	}

	if state, ok := doc["state"].(map[string]any); ok {
		snap.State = state
	}

	return snap
}
