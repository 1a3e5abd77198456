// Package eventstore implements the append-only, per-aggregate event log:
// monotonic version assignment inside a transaction, ordered replay, and
// snapshot-accelerated state reconstruction.
package eventstore

import (
	"errors"
	"strconv"
	"time"
)

// Errors returned by Store methods.
var (
	ErrNoReducer = errors.New("eventstore: no reducer registered for aggregate type")
)

// AggregateRef names one aggregate stream.
type AggregateRef struct {
	AggregateType string
	AggregateID   string
}

// Metadata carries provenance about who/what produced an event.
type Metadata struct {
	Source      string `json:"source,omitempty"`
	User        string `json:"user,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Event is one immutable, append-only record in an aggregate's log.
type Event struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	AggregateID     string         `json:"aggregateId"`
	AggregateType   string         `json:"aggregateType"`
	Version         int            `json:"version"`
	ServerTimestamp time.Time      `json:"serverTimestamp"`
	ClientTimestamp time.Time      `json:"clientTimestamp,omitempty"`
	Payload         map[string]any `json:"payload"`
	Metadata        Metadata       `json:"metadata"`
	CorrelationID   string         `json:"correlationId"`
	CausationID     string         `json:"causationId,omitempty"`
	Immutable       bool           `json:"immutable"`
}

// Snapshot accelerates LoadState by skipping replay of everything up to
// and including Version.
type Snapshot struct {
	AggregateType string         `json:"aggregateType"`
	AggregateID   string         `json:"aggregateId"`
	Version       int            `json:"version"`
	State         map[string]any `json:"state"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Reducer folds one event into the running aggregate state. Unknown event
// types must be handled by advancing only the version, never by erroring —
// forward-compatibility with event types introduced by a newer writer is
// an explicit design goal.
type Reducer func(state map[string]any, event Event) map[string]any

const (
	eventsCollection    = "events"
	snapshotsCollection = "event_snapshots"
)

func eventDocID(ref AggregateRef, version int) string {
	return ref.AggregateType + ":" + ref.AggregateID + ":" + strconv.Itoa(version)
}

func snapshotDocID(ref AggregateRef) string {
	return ref.AggregateType + ":" + ref.AggregateID
}
