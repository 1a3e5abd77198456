package quotation

import (
	"fmt"
	"time"

	"github.com/quoteflow-io/quoteflow/internal/storage"
)

// eventTypeForCommand names the domain event type Apply produces for
// each command, mirrored 1:1 by the reducer in reducer.go.
var eventTypeForCommand = map[Command]string{
	CommandSend:         "QuotationSent",
	CommandCancel:       "QuotationCancelled",
	CommandReceiveReply: "QuotationReplyReceived",
	CommandExpire:       "QuotationExpired",
	CommandAIExtract:    "QuotationExtracted",
	CommandAIFail:       "QuotationExtractionFailed",
	CommandMarkReceived: "QuotationReceived",
}

// Transition is one applied step in a Machine's trajectory: enough to
// serialize and restore the machine verbatim.
type Transition struct {
	State     State          `json:"state"`
	Command   Command        `json:"command"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// ApplyResult is what Apply returns on a successful transition: the
// event type to append to the event store and the field patch to merge
// into the quotation's projected state.
type ApplyResult struct {
	EventType string
	NextState State
	Patch     storage.Doc
}

// Machine is an in-memory quotation lifecycle instance: current state,
// the projected field set guards read and write, and the full applied
// trajectory.
type Machine struct {
	ID      string
	State   State
	Fields  storage.Doc
	History []Transition
}

// NewMachine constructs a machine positioned at initialState with the
// given starting field set (normally freshly loaded from a snapshot +
// replay via internal/eventstore).
func NewMachine(id string, initialState State, fields storage.Doc) *Machine {
	if fields == nil {
		fields = storage.Doc{}
	}

	fields["id"] = id

	return &Machine{ID: id, State: initialState, Fields: fields}
}

// Apply validates cmd against the lifecycle graph, runs its guard, and
// — only if both succeed — commits the new state and field patch,
// appending a Transition to History. A guard failure or invalid
// transition leaves the machine entirely unchanged.
func (m *Machine) Apply(cmd Command, payload map[string]any) (ApplyResult, error) {
	next, err := ValidateTransition(m.State, cmd)
	if err != nil {
		return ApplyResult{}, err
	}

	g, ok := guards[cmd]
	if !ok {
		return ApplyResult{}, fmt.Errorf("%w: no guard registered for %s", ErrInvalidTransition, cmd)
	}

	patch, err := g(m.Fields, payload)
	if err != nil {
		return ApplyResult{}, err
	}

	m.State = next

	for k, v := range patch {
		m.Fields[k] = v
	}

	m.Fields["status"] = string(next)

	m.History = append(m.History, Transition{
		State:     next,
		Command:   cmd,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})

	return ApplyResult{EventType: eventTypeForCommand[cmd], NextState: next, Patch: patch}, nil
}

// Restore reconstructs a Machine from the quotation's projected
// document — the same flat storage.Doc Service persists via Set/Update,
// with "id" and "status" as its only machine-level keys and every other
// key belonging to the quotation's business fields.
func Restore(doc storage.Doc) (*Machine, error) {
	id, _ := doc["id"].(string)

	status, _ := doc["status"].(string)
	if status == "" {
		return nil, fmt.Errorf("%w: missing status", ErrInvalidTransition)
	}

	return &Machine{ID: id, State: State(status), Fields: doc}, nil
}
