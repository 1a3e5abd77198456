package conflict

import "reflect"

// MergeResult is the outcome of a three-way merge.
type MergeResult struct {
	Success             bool
	Merged              map[string]any
	UnresolvedConflicts []FieldDiff
	AppliedChanges      []string
	Vector              VersionVector
}

// ThreeWayMerge folds base/local/remote per field: unchanged on both
// sides keeps base; changed on exactly one side takes that side;
// changed identically on both takes the common value; changed
// differently on both is an unresolved conflict. The merged version
// vector is the component-wise max of local and remote, incremented at
// device.
func ThreeWayMerge(base, local, remote map[string]any, localVector, remoteVector VersionVector, device string) MergeResult {
	fields := make(map[string]struct{})

	for _, m := range []map[string]any{base, local, remote} {
		for k := range m {
			fields[k] = struct{}{}
		}
	}

	merged := make(map[string]any, len(fields))

	var (
		unresolved []FieldDiff
		applied    []string
	)

	for field := range fields {
		if _, meta := metadataFields[field]; meta {
			if v, ok := local[field]; ok {
				merged[field] = v
			} else if v, ok := remote[field]; ok {
				merged[field] = v
			}

			continue
		}

		bv, bok := base[field]
		lv, lok := local[field]
		rv, rok := remote[field]

		localChanged := !equalPresence(bok, bv, lok, lv)
		remoteChanged := !equalPresence(bok, bv, rok, rv)

		switch {
		case !localChanged && !remoteChanged:
			if bok {
				merged[field] = bv
			}
		case localChanged && !remoteChanged:
			if lok {
				merged[field] = lv
			}

			applied = append(applied, field)
		case !localChanged && remoteChanged:
			if rok {
				merged[field] = rv
			}

			applied = append(applied, field)
		default: // both changed
			if equalPresence(lok, lv, rok, rv) {
				if lok {
					merged[field] = lv
				}

				applied = append(applied, field)

				continue
			}

			unresolved = append(unresolved, FieldDiff{
				Field:  field,
				Class:  classify(lv, lok, rv, rok),
				Local:  lv,
				Remote: rv,
			})

			// Conservative default: keep the local value so the merge
			// still produces a usable document even when flagged.
			if lok {
				merged[field] = lv
			}
		}
	}

	return MergeResult{
		Success:             len(unresolved) == 0,
		Merged:              merged,
		UnresolvedConflicts: unresolved,
		AppliedChanges:      applied,
		Vector:              localVector.Merge(remoteVector).Increment(device),
	}
}

func equalPresence(aok bool, a any, bok bool, b any) bool {
	if aok != bok {
		return false
	}

	if !aok {
		return true
	}

	return reflect.DeepEqual(a, b)
}
