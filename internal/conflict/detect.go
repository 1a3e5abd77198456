package conflict

import "reflect"

// metadataFields are left out of per-field diffing, and ThreeWayMerge
// copies them from local instead of merging them: they describe the
// record's storage envelope, not its business content. Detect's
// whole-document equality check does include them.
var metadataFields = map[string]struct{}{
	"id":        {},
	"createdAt": {},
	"updatedAt": {},
	"version":   {},
}

// criticalFields is the set of business-meaning fields whose concurrent
// modification can never be auto-resolved.
var criticalFields = map[string]struct{}{
	"status":      {},
	"quotedTotal": {},
	"items":       {},
	"orderId":     {},
	"confirmedAt": {},
}

// FieldClass classifies how a single field differs between two documents.
type FieldClass string

// Field diff classifications.
const (
	FieldAddedLocal    FieldClass = "added_local"
	FieldAddedRemote   FieldClass = "added_remote"
	FieldTypeChange    FieldClass = "type_change"
	FieldArrayConflict FieldClass = "array_conflict"
	FieldObjectConflict FieldClass = "object_conflict"
	FieldValueConflict FieldClass = "value_conflict"
)

// FieldDiff is one differing, non-metadata field between two documents.
type FieldDiff struct {
	Field string
	Class FieldClass
	Local any
	Remote any
}

// Document is a versioned document as seen by Detect: its business data
// plus the version vector recorded against it.
type Document struct {
	Data   map[string]any
	Vector VersionVector
}

// DetectResult is the outcome of Detect.
type DetectResult struct {
	HasConflict    bool
	Relation       Relation
	Diffs          []FieldDiff
	CanAutoResolve bool
}

// Detect compares local and remote. Byte-identical data never conflicts;
// otherwise the verdict follows the version vectors: Greater pushes
// local, Less accepts remote, Concurrent is a real conflict and is
// reported field by field.
func Detect(local, remote Document) DetectResult {
	if reflect.DeepEqual(local.Data, remote.Data) {
		return DetectResult{HasConflict: false, Relation: RelEqual}
	}

	rel := Compare(local.Vector, remote.Vector)

	if rel != RelConcurrent {
		return DetectResult{HasConflict: false, Relation: rel}
	}

	diffs := diffFields(local.Data, remote.Data)
	canAuto := true

	for _, d := range diffs {
		if _, critical := criticalFields[d.Field]; critical {
			canAuto = false

			break
		}
	}

	return DetectResult{
		HasConflict:    true,
		Relation:       RelConcurrent,
		Diffs:          diffs,
		CanAutoResolve: canAuto,
	}
}

func diffFields(local, remote map[string]any) []FieldDiff {
	fields := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		fields[k] = struct{}{}
	}

	for k := range remote {
		fields[k] = struct{}{}
	}

	var diffs []FieldDiff

	for field := range fields {
		if _, meta := metadataFields[field]; meta {
			continue
		}

		lv, lok := local[field]
		rv, rok := remote[field]

		if lok && rok && reflect.DeepEqual(lv, rv) {
			continue
		}

		diffs = append(diffs, FieldDiff{
			Field:  field,
			Class:  classify(lv, lok, rv, rok),
			Local:  lv,
			Remote: rv,
		})
	}

	return diffs
}

func classify(lv any, lok bool, rv any, rok bool) FieldClass {
	switch {
	case lok && !rok:
		return FieldAddedLocal
	case !lok && rok:
		return FieldAddedRemote
	}

	lt := reflect.TypeOf(lv)
	rt := reflect.TypeOf(rv)

	if lt != rt {
		return FieldTypeChange
	}

	switch lv.(type) {
	case []any:
		return FieldArrayConflict
	case map[string]any:
		return FieldObjectConflict
	default:
		return FieldValueConflict
	}
}
