package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryDocStore is a thread-safe, in-process implementation of DocStore
// backed by plain maps, mirroring the teacher's InMemoryKeyStore pattern:
// every read returns a defensive copy, every write replaces the stored
// copy wholesale, and a single mutex serializes access. It exists for
// tests that want DocStore semantics without a Postgres instance; it does
// not persist across process restarts and its RunInTransaction provides
// isolation but never fails with ErrTxConflict, since there is no
// concurrent writer to lose a race against outside of the lock below.
type MemoryDocStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Doc

	subMu sync.Mutex
	subs  map[int]*memorySubscription
	next  int
}

type memorySubscription struct {
	collection string
	filters    []Filter
	out        chan Change
}

// NewMemoryDocStore constructs an empty MemoryDocStore.
func NewMemoryDocStore() *MemoryDocStore {
	return &MemoryDocStore{
		collections: make(map[string]map[string]Doc),
		subs:        make(map[int]*memorySubscription),
	}
}

func copyDocValue(d Doc) Doc {
	if d == nil {
		return nil
	}

	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}

	return out
}

func (s *MemoryDocStore) table(collection string) map[string]Doc {
	t, ok := s.collections[collection]
	if !ok {
		t = make(map[string]Doc)
		s.collections[collection] = t
	}

	return t
}

// Get retrieves a document by id.
func (s *MemoryDocStore) Get(_ context.Context, collection, id string) (Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.table(collection)[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	return copyDocValue(doc), nil
}

// Set overwrites (or creates) a document.
func (s *MemoryDocStore) Set(_ context.Context, collection, id string, doc Doc) error {
	s.mu.Lock()
	s.table(collection)[id] = copyDocValue(doc)
	s.mu.Unlock()

	s.publish(collection, id, ChangeModified, doc)

	return nil
}

// Update merges patch into the existing document, failing with
// ErrNotFound if the document does not exist.
func (s *MemoryDocStore) Update(_ context.Context, collection, id string, patch Doc) error {
	s.mu.Lock()

	table := s.table(collection)

	existing, ok := table[id]
	if !ok {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	merged := mergeDoc(existing, patch)
	table[id] = merged

	s.mu.Unlock()

	s.publish(collection, id, ChangeModified, merged)

	return nil
}

// Delete removes a document. Idempotent: deleting an absent document is
// not an error.
func (s *MemoryDocStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	delete(s.table(collection), id)
	s.mu.Unlock()

	s.publish(collection, id, ChangeRemoved, nil)

	return nil
}

// Query composes a filtered, ordered, paginated scan over an in-memory
// snapshot of the collection taken under lock.
func (s *MemoryDocStore) Query(_ context.Context, collection string, opts QueryOptions) (Page, error) {
	s.mu.Lock()

	docs := make([]Doc, 0, len(s.table(collection)))
	for _, d := range s.table(collection) {
		docs = append(docs, copyDocValue(d))
	}

	s.mu.Unlock()

	return runQuery(docs, opts)
}

// runQuery filters, sorts, and paginates docs in memory; shared by
// MemoryDocStore.Query and memoryTx.Query.
func runQuery(docs []Doc, opts QueryOptions) (Page, error) {
	filtered := docs[:0:0]

	for _, d := range docs {
		if matchesAllFilters(d, opts.Filters) {
			filtered = append(filtered, d)
		}
	}

	orderField := opts.OrderBy
	if orderField == "" {
		orderField = "id"
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		less := fmt.Sprint(filtered[i][orderField]) < fmt.Sprint(filtered[j][orderField])
		if opts.Desc {
			return !less
		}

		return less
	})

	if opts.Cursor != "" {
		idx := 0

		for idx < len(filtered) && encodeCursor(fmt.Sprint(filtered[idx][orderField]), fmt.Sprint(filtered[idx]["id"])) <= opts.Cursor {
			idx++
		}

		filtered = filtered[idx:]
	}

	page := Page{Items: filtered}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		page.Items = filtered[:opts.Limit]
		last := page.Items[len(page.Items)-1]
		page.NextCursor = encodeCursor(fmt.Sprint(last[orderField]), fmt.Sprint(last["id"]))
	}

	return page, nil
}

func matchesAllFilters(d Doc, filters []Filter) bool {
	for _, f := range filters {
		if !matchesFilter(d, f) {
			return false
		}
	}

	return true
}

func matchesFilter(d Doc, f Filter) bool {
	v := d[f.Field]

	switch f.Op {
	case OpEqual:
		return fmt.Sprint(v) == fmt.Sprint(f.Value)
	case OpNotEqual:
		return fmt.Sprint(v) != fmt.Sprint(f.Value)
	case OpLessThan, OpLessEqual, OpGreaterThan, OpGreaterEqual:
		return compareOrdered(v, f.Value, f.Op)
	case OpIn:
		values, ok := f.Value.([]string)
		if !ok {
			return false
		}

		for _, candidate := range values {
			if fmt.Sprint(v) == candidate {
				return true
			}
		}

		return false
	default:
		return false
	}
}

func compareOrdered(a, b any, op FilterOp) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)

	if !aok || !bok {
		as, bs := fmt.Sprint(a), fmt.Sprint(b)

		switch op {
		case OpLessThan:
			return as < bs
		case OpLessEqual:
			return as <= bs
		case OpGreaterThan:
			return as > bs
		case OpGreaterEqual:
			return as >= bs
		}

		return false
	}

	switch op {
	case OpLessThan:
		return af < bf
	case OpLessEqual:
		return af <= bf
	case OpGreaterThan:
		return af > bf
	case OpGreaterEqual:
		return af >= bf
	}

	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// BatchWrite applies every operation atomically, within maxBatchSize.
func (s *MemoryDocStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if len(ops) == 0 {
		return nil
	}

	if len(ops) > maxBatchSize {
		return fmt.Errorf("%w: batch of %d exceeds max %d", ErrFailedPrecondition, len(ops), maxBatchSize)
	}

	return s.RunInTransaction(ctx, func(ctx context.Context, tx Tx) error {
		for _, op := range ops {
			var err error

			switch op.Kind {
			case WriteSet:
				err = tx.Set(ctx, op.Collection, op.ID, op.Doc)
			case WriteUpdate:
				err = tx.Update(ctx, op.Collection, op.ID, op.Doc)
			case WriteDelete:
				err = tx.Delete(ctx, op.Collection, op.ID)
			default:
				err = fmt.Errorf("%w: unknown write op %q", ErrFailedPrecondition, op.Kind)
			}

			if err != nil {
				return err
			}

			kind := ChangeModified
			if op.Kind == WriteDelete {
				kind = ChangeRemoved
			}

			tx.Notify(op.Collection, op.ID, kind)
		}

		return nil
	})
}

// RunInTransaction holds the store's single mutex for the duration of fn,
// giving fn a consistent view and serializing it against every other
// reader/writer; there is no separate conflict class to retry since no
// other goroutine can observe or mutate state mid-transaction.
func (s *MemoryDocStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, notifications: nil}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	for _, n := range tx.notifications {
		s.publishLocked(n.collection, n.id, n.kind, n.doc)
	}

	return nil
}

// Watch opens a change stream for collection filtered by filters.
func (s *MemoryDocStore) Watch(ctx context.Context, collection string, filters []Filter) (<-chan Change, func() error, error) {
	s.subMu.Lock()

	id := s.next
	s.next++

	sub := &memorySubscription{collection: collection, filters: filters, out: make(chan Change, 16)}
	s.subs[id] = sub

	s.subMu.Unlock()

	cancel := func() error {
		s.subMu.Lock()
		defer s.subMu.Unlock()

		if sub, ok := s.subs[id]; ok {
			close(sub.out)
			delete(s.subs, id)
		}

		return nil
	}

	go func() {
		<-ctx.Done()
		_ = cancel()
	}()

	return sub.out, cancel, nil
}

// Close releases pooled resources. Safe to call multiple times.
func (s *MemoryDocStore) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for id, sub := range s.subs {
		close(sub.out)
		delete(s.subs, id)
	}

	return nil
}

func (s *MemoryDocStore) publish(collection, id string, kind ChangeKind, data Doc) {
	s.publishLocked(collection, id, kind, data)
}

func (s *MemoryDocStore) publishLocked(collection, id string, kind ChangeKind, data Doc) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, sub := range s.subs {
		if sub.collection != collection {
			continue
		}

		if !matchesAllFilters(data, sub.filters) {
			continue
		}

		change := Change{Kind: kind, ID: id, Data: copyDocValue(data)}

		select {
		case sub.out <- change:
		default:
			// Slow subscriber: drop rather than block the writer that
			// triggered this change, matching Watch's best-effort,
			// eventual-consistency posture documented in docstore.go.
		}
	}
}

// memoryTx adapts MemoryDocStore to Tx under the store's mutex, already
// held by the enclosing RunInTransaction call. Notify is buffered and
// flushed by RunInTransaction only once fn returns successfully, so a
// failed transaction never publishes a change for a write it made.
type memoryTx struct {
	store         *MemoryDocStore
	notifications []memoryNotification
}

type memoryNotification struct {
	collection, id string
	kind           ChangeKind
	doc            Doc
}

func (t *memoryTx) Get(_ context.Context, collection, id string) (Doc, error) {
	doc, ok := t.store.table(collection)[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	return copyDocValue(doc), nil
}

func (t *memoryTx) Set(_ context.Context, collection, id string, doc Doc) error {
	t.store.table(collection)[id] = copyDocValue(doc)

	return nil
}

func (t *memoryTx) Update(_ context.Context, collection, id string, patch Doc) error {
	table := t.store.table(collection)

	existing, ok := table[id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	table[id] = mergeDoc(existing, patch)

	return nil
}

func (t *memoryTx) Delete(_ context.Context, collection, id string) error {
	delete(t.store.table(collection), id)

	return nil
}

func (t *memoryTx) Query(_ context.Context, collection string, opts QueryOptions) (Page, error) {
	docs := make([]Doc, 0, len(t.store.table(collection)))
	for _, d := range t.store.table(collection) {
		docs = append(docs, copyDocValue(d))
	}

	return runQuery(docs, opts)
}

func (t *memoryTx) Notify(collection, id string, kind ChangeKind) {
	var doc Doc
	if d, ok := t.store.table(collection)[id]; ok {
		doc = copyDocValue(d)
	}

	t.notifications = append(t.notifications, memoryNotification{collection: collection, id: id, kind: kind, doc: doc})
}
