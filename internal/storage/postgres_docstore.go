package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cenkalti/backoff/v5"

	"github.com/quoteflow-io/quoteflow/internal/config"
)

// collectionNamePattern guards against SQL injection through a collection
// name: collection names are developer-supplied constants declared in
// the packages that use them, never user input, but every query below
// interpolates the name directly because Postgres does not allow
// parameterizing identifiers. Upper-case letters are accepted because
// the unquoted name folds to lower case, so "idempotencyKeys" reaches the
// table the migration creates under that same unquoted name.
var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	maxTxAttempts          = 5
)

// PostgresDocStore implements DocStore over a JSONB-per-collection
// PostgreSQL schema: each collection is a table
// (id text primary key, data jsonb, version integer, created_at and
// updated_at timestamptz).
// RunInTransaction retries serialization failures transparently, matching
// the teacher's own retry-on-conflict posture for concurrent writers.
type PostgresDocStore struct {
	conn    *Connection
	logger  *slog.Logger
	watcher *listenWatcher
}

// NewPostgresDocStore constructs a DocStore bound to conn. listenerDSN is
// the connection string used for the dedicated LISTEN connection Watch
// needs; pass the same DSN used to build conn.
func NewPostgresDocStore(conn *Connection, listenerDSN string) (*PostgresDocStore, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	w, err := newListenWatcher(listenerDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start change-stream listener: %w", err)
	}

	store := &PostgresDocStore{conn: conn, logger: logger, watcher: w}
	w.getDoc = store.Get

	return store, nil
}

func validateCollection(collection string) error {
	if !collectionNamePattern.MatchString(collection) {
		return fmt.Errorf("%w: invalid collection name %q", ErrFailedPrecondition, collection)
	}

	return nil
}

// Get retrieves a document by id.
func (s *PostgresDocStore) Get(ctx context.Context, collection, id string) (Doc, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, collection) //nolint:gosec // collection validated above

	var raw []byte

	err := s.conn.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	if err != nil {
		return nil, classifyError(err)
	}

	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}

	return doc, nil
}

// Set overwrites (or creates) a document.
func (s *PostgresDocStore) Set(ctx context.Context, collection, id string, doc Doc) error {
	if err := validateCollection(collection); err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, data, version, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (id) DO UPDATE
		SET data = $2, version = %[1]s.version + 1, updated_at = now()
	`, collection) //nolint:gosec // collection validated above

	if _, err := s.conn.ExecContext(ctx, query, id, raw); err != nil {
		return classifyError(err)
	}

	notifyPG(ctx, s.conn, collection, id, ChangeModified)

	return nil
}

// Update merges patch into the existing document (shallow, top-level
// keys), failing with ErrNotFound if the document does not exist.
func (s *PostgresDocStore) Update(ctx context.Context, collection, id string, patch Doc) error {
	return s.RunInTransaction(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.Get(ctx, collection, id)
		if err != nil {
			return err
		}

		merged := mergeDoc(existing, patch)
		if err := tx.Set(ctx, collection, id, merged); err != nil {
			return err
		}

		tx.Notify(collection, id, ChangeModified)

		return nil
	})
}

// Delete removes a document. Idempotent: deleting an absent document is
// not an error.
func (s *PostgresDocStore) Delete(ctx context.Context, collection, id string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, collection) //nolint:gosec // collection validated above

	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return classifyError(err)
	}

	notifyPG(ctx, s.conn, collection, id, ChangeRemoved)

	return nil
}

// Query composes a filtered, ordered, paginated scan.
func (s *PostgresDocStore) Query(ctx context.Context, collection string, opts QueryOptions) (Page, error) {
	if err := validateCollection(collection); err != nil {
		return Page{}, err
	}

	sqlText, args, err := buildQuery(collection, opts)
	if err != nil {
		return Page{}, err
	}

	rows, err := s.conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return Page{}, classifyError(err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]Doc, 0, opts.Limit)

	var lastOrderVal, lastID string

	for rows.Next() {
		var raw []byte

		var orderVal, id string

		if err := rows.Scan(&raw, &orderVal, &id); err != nil {
			return Page{}, err
		}

		var doc Doc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Page{}, fmt.Errorf("failed to decode %s row: %w", collection, err)
		}

		items = append(items, doc)
		lastOrderVal, lastID = orderVal, id
	}

	if err := rows.Err(); err != nil {
		return Page{}, classifyError(err)
	}

	page := Page{Items: items}
	if opts.Limit > 0 && len(items) == opts.Limit {
		page.NextCursor = encodeCursor(lastOrderVal, lastID)
	}

	return page, nil
}

// BatchWrite applies every operation atomically, within maxBatchSize.
func (s *PostgresDocStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
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
				var existing Doc

				existing, err = tx.Get(ctx, op.Collection, op.ID)
				if err == nil {
					err = tx.Set(ctx, op.Collection, op.ID, mergeDoc(existing, op.Doc))
				}
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

// RunInTransaction wraps fn in a serializable sql.Tx, retrying
// serialization/deadlock failures (apperr.Transient) up to maxTxAttempts
// with jittered exponential backoff. Every other error aborts immediately.
func (s *PostgresDocStore) RunInTransaction(
	ctx context.Context,
	fn func(ctx context.Context, tx Tx) error,
) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	var lastErr error

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			d := b.NextBackOff()

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}

		sqlTx, err := s.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return classifyError(err)
		}

		tx := &postgresTx{sqlTx: sqlTx}

		err = fn(ctx, tx)
		if err != nil {
			_ = sqlTx.Rollback()

			return err
		}

		if err := sqlTx.Commit(); err != nil {
			_ = sqlTx.Rollback()

			if isSerializationFailure(err) {
				lastErr = fmt.Errorf("%w: %v", ErrTxConflict, err)

				continue
			}

			return classifyError(err)
		}

		return nil
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", maxTxAttempts, lastErr)
}

// Close stops the change-stream listener and closes the pooled connection.
func (s *PostgresDocStore) Close() error {
	_ = s.watcher.close()

	return s.conn.Close()
}

// postgresTx adapts a *sql.Tx to the Tx interface. Notify issues
// pg_notify inside the same SQL transaction, so Postgres itself only
// ever delivers the notification once the transaction commits — a
// rolled-back write is never observed by a Watch subscriber.
type postgresTx struct {
	sqlTx *sql.Tx
}

func (t *postgresTx) Get(ctx context.Context, collection, id string) (Doc, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = $1 FOR UPDATE`, collection) //nolint:gosec

	var raw []byte

	err := t.sqlTx.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	if err != nil {
		return nil, classifyError(err)
	}

	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, id, err)
	}

	return doc, nil
}

func (t *postgresTx) Set(ctx context.Context, collection, id string, doc Doc) error {
	if err := validateCollection(collection); err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", collection, id, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (id, data, version, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (id) DO UPDATE
		SET data = $2, version = %[1]s.version + 1, updated_at = now()
	`, collection) //nolint:gosec

	if _, err := t.sqlTx.ExecContext(ctx, query, id, raw); err != nil {
		return classifyError(err)
	}

	return nil
}

func (t *postgresTx) Update(ctx context.Context, collection, id string, patch Doc) error {
	existing, err := t.Get(ctx, collection, id)
	if err != nil {
		return err
	}

	return t.Set(ctx, collection, id, mergeDoc(existing, patch))
}

func (t *postgresTx) Delete(ctx context.Context, collection, id string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, collection) //nolint:gosec

	if _, err := t.sqlTx.ExecContext(ctx, query, id); err != nil {
		return classifyError(err)
	}

	return nil
}

func (t *postgresTx) Query(ctx context.Context, collection string, opts QueryOptions) (Page, error) {
	if err := validateCollection(collection); err != nil {
		return Page{}, err
	}

	sqlText, args, err := buildQuery(collection, opts)
	if err != nil {
		return Page{}, err
	}

	rows, err := t.sqlTx.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return Page{}, classifyError(err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]Doc, 0, opts.Limit)

	for rows.Next() {
		var raw []byte

		var orderVal, id string

		if err := rows.Scan(&raw, &orderVal, &id); err != nil {
			return Page{}, err
		}

		var doc Doc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Page{}, err
		}

		items = append(items, doc)
	}

	return Page{Items: items}, rows.Err()
}

func (t *postgresTx) Notify(collection, id string, kind ChangeKind) {
	notifyPG(context.Background(), t.sqlTx, collection, id, kind)
}

// execer is satisfied by both *Connection (via *sql.DB) and *sql.Tx,
// letting notifyPG fire identically from a standalone write or from
// inside an open transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// notifyPG emits a change-stream event on the shared "docstore_changes"
// channel. Issued via the same connection/transaction as the write it
// describes, so Postgres only delivers it once that write is durable —
// errors are logged, never propagated, since a dropped notification
// degrades Watch to eventual-consistency, not correctness.
func notifyPG(ctx context.Context, ex execer, collection, id string, kind ChangeKind) {
	payload, err := json.Marshal(changeEnvelope{Collection: collection, ID: id, Kind: kind})
	if err != nil {
		return
	}

	_, _ = ex.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload))
}

// mergeDoc performs the shallow, top-level merge spec.md's Update
// operation describes.
func mergeDoc(existing, patch Doc) Doc {
	merged := make(Doc, len(existing)+len(patch))

	for k, v := range existing {
		merged[k] = v
	}

	for k, v := range patch {
		merged[k] = v
	}

	return merged
}

// buildQuery composes a parameterized SELECT against a JSONB column.
func buildQuery(collection string, opts QueryOptions) (string, []any, error) {
	var (
		where []string
		args  []any
	)

	for _, f := range opts.Filters {
		if !isSafeField(f.Field) {
			return "", nil, fmt.Errorf("%w: invalid filter field %q", ErrFailedPrecondition, f.Field)
		}

		args = append(args, f.Value)
		placeholder := fmt.Sprintf("$%d", len(args))

		switch v := f.Value.(type) {
		case float64, int, int64:
			where = append(where, fmt.Sprintf("(data->>'%s')::numeric %s %s", f.Field, string(f.Op), placeholder))
		case []string:
			args[len(args)-1] = pq.Array(v)
			where = append(where, fmt.Sprintf("(data->>'%s') = ANY(%s)", f.Field, placeholder))
		default:
			where = append(where, fmt.Sprintf("(data->>'%s') %s %s", f.Field, string(f.Op), placeholder))
		}
	}

	if opts.Cursor != "" {
		orderVal, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return "", nil, err
		}

		cmp := ">"
		if opts.Desc {
			cmp = "<"
		}

		args = append(args, orderVal, id)
		where = append(where, fmt.Sprintf(
			"((data->>'%s'), id) %s ($%d, $%d)", orderField(opts.OrderBy), cmp, len(args)-1, len(args),
		))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	orderDir := "ASC"
	if opts.Desc {
		orderDir = "DESC"
	}

	limitClause := ""
	if opts.Limit > 0 {
		limitClause = fmt.Sprintf("LIMIT %d", opts.Limit)
	}

	sqlText := fmt.Sprintf(
		`SELECT data, COALESCE(data->>'%s', '') AS order_val, id FROM %s %s ORDER BY (data->>'%s') %s, id %s %s`,
		orderField(opts.OrderBy), collection, whereClause, orderField(opts.OrderBy), orderDir, orderDir, limitClause,
	) //nolint:gosec // collection and fields validated

	return sqlText, args, nil
}

func orderField(field string) string {
	if field == "" {
		return "id"
	}

	return field
}

var safeFieldPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isSafeField(field string) bool {
	return safeFieldPattern.MatchString(field)
}

func encodeCursor(orderVal, id string) string {
	return orderVal + "\x1f" + id
}

func decodeCursor(cursor string) (string, string, error) {
	parts := strings.SplitN(cursor, "\x1f", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: malformed cursor", ErrFailedPrecondition)
	}

	return parts[0], parts[1], nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
	}

	return false
}

// classifyError maps a low-level driver error onto the store's sentinel
// errors so callers can branch with errors.Is regardless of the
// underlying driver.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected, "57P03", "08006", "08003":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		case "23505":
			return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
		}
	}

	return err
}
