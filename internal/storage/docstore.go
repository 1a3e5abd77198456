package storage

import (
	"context"
)

// ChangeKind identifies the kind of mutation a Watch stream delivers.
type ChangeKind string

// Change kinds mirrored from the spec's change-stream protocol.
const (
	ChangeAdded    ChangeKind = "Added"
	ChangeModified ChangeKind = "Modified"
	ChangeRemoved  ChangeKind = "Removed"
)

// Doc is a document as stored in a collection: a JSON-object-shaped map.
// Callers marshal their typed aggregates into a Doc before writing and
// unmarshal a Doc back into their typed aggregate after reading.
type Doc map[string]any

// ChangeMetadata distinguishes a locally-cached read from one confirmed
// by the server, matching the spec's change-stream protocol.
type ChangeMetadata struct {
	FromCache        bool
	HasPendingWrites bool
}

// Change is a single mutation delivered by Watch.
type Change struct {
	Kind     ChangeKind
	ID       string
	Data     Doc // nil when Kind == ChangeRemoved
	Metadata ChangeMetadata
}

// FilterOp is a comparison operator usable in a Query filter.
type FilterOp string

// Supported filter operators. Kept small and explicit rather than a
// generic expression language: call sites in this codebase use only
// equality, inequality, ordering comparisons and set membership (IN).
const (
	OpEqual        FilterOp = "="
	OpNotEqual     FilterOp = "!="
	OpLessThan     FilterOp = "<"
	OpLessEqual    FilterOp = "<="
	OpGreaterThan  FilterOp = ">"
	OpGreaterEqual FilterOp = ">="
	OpIn           FilterOp = "IN"
)

// Filter is one predicate in a Query; Field addresses a top-level key of
// the document's JSON payload (dotted paths are not supported).
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// QueryOptions configures a Query call.
type QueryOptions struct {
	Filters []Filter
	OrderBy string // document field name; empty orders by the "id" field
	Desc    bool
	Limit   int
	Cursor  string // opaque, returned by a prior Page.NextCursor
}

// Page is one page of Query results.
type Page struct {
	Items      []Doc
	NextCursor string
}

// WriteOpKind identifies the kind of mutation in a BatchWrite.
type WriteOpKind string

// Batch write operation kinds.
const (
	WriteSet    WriteOpKind = "set"
	WriteUpdate WriteOpKind = "update"
	WriteDelete WriteOpKind = "delete"
)

// WriteOp is a single operation inside a BatchWrite call.
type WriteOp struct {
	Kind       WriteOpKind
	Collection string
	ID         string
	Doc        Doc // Doc for Set/Update patch; ignored for Delete
}

// Tx is the read-write handle a RunInTransaction callback receives. It
// sees a consistent read snapshot and may issue reads then writes
// atomically; the store fails the whole transaction on a conflicting
// concurrent write.
type Tx interface {
	Get(ctx context.Context, collection, id string) (Doc, error)
	Set(ctx context.Context, collection, id string, doc Doc) error
	Update(ctx context.Context, collection, id string, patch Doc) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, opts QueryOptions) (Page, error)
	// Notify schedules a change notification to be delivered to Watch
	// subscribers of collection iff the enclosing transaction commits —
	// this is what makes Watch exactly coupled to commit, never to a
	// write that is later rolled back.
	Notify(collection, id string, kind ChangeKind)
}

// DocStore is the typed, transactional interface the core consumes.
// Implementations must honor spec §4.1's failure semantics: Unavailable
// and Cancelled are retryable (apperr.Transient); AlreadyExists,
// NotFound, and FailedPrecondition are terminal to the caller.
type DocStore interface {
	Get(ctx context.Context, collection, id string) (Doc, error)
	Set(ctx context.Context, collection, id string, doc Doc) error
	Update(ctx context.Context, collection, id string, patch Doc) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, opts QueryOptions) (Page, error)

	// RunInTransaction retries transparently on serialization conflicts
	// up to a bounded attempt cap; fn itself is never retried for
	// non-transient failures it returns.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// BatchWrite applies every operation atomically, bounded to a large
	// but finite batch size (maxBatchSize).
	BatchWrite(ctx context.Context, ops []WriteOp) error

	// Watch opens a change stream for collection filtered by filters.
	// The returned cancel function stops the stream and releases its
	// resources; it is safe to call more than once.
	Watch(ctx context.Context, collection string, filters []Filter) (<-chan Change, func() error, error)

	// Close releases pooled resources. Safe to call multiple times.
	Close() error
}

// maxBatchSize bounds BatchWrite; "large but bounded" per spec §4.1.
const maxBatchSize = 500
