package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/rs/zerolog"
)

const documentColumns = `collection, id, data, version, created_at, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresDocumentRepository stores documents as JSONB rows keyed by
// (collection, id). Live queries are driven by LISTEN/NOTIFY; see Listen.
type PostgresDocumentRepository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	mu             sync.Mutex
	watchers       map[*snapshotWatcher]string
	onConnectivity []func(online bool)
	online         bool
}

var _ DocumentRepository = (*PostgresDocumentRepository)(nil)

func NewPostgresDocumentRepository(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresDocumentRepository {
	return &PostgresDocumentRepository{
		pool:     pool,
		logger:   logger,
		watchers: map[*snapshotWatcher]string{},
	}
}

func (r *PostgresDocumentRepository) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	return getDocument(ctx, r.pool, collection, id, false)
}

func (r *PostgresDocumentRepository) Query(ctx context.Context, collection string, q models.Query) ([]*models.Document, error) {
	return queryDocuments(ctx, r.pool, collection, q)
}

func (r *PostgresDocumentRepository) Set(ctx context.Context, doc *models.Document) error {
	return setDocument(ctx, r.pool, doc)
}

func (r *PostgresDocumentRepository) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return updateDocument(ctx, r.pool, collection, id, fields)
}

func (r *PostgresDocumentRepository) Delete(ctx context.Context, collection, id string) error {
	return deleteDocument(ctx, r.pool, collection, id, true)
}

// Batch applies ops in a single transaction.
func (r *PostgresDocumentRepository) Batch(ctx context.Context, ops []models.WriteOp) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for i, op := range ops {
			var err error
			switch op.Kind {
			case models.WriteSet:
				err = setDocument(ctx, tx, &models.Document{Collection: op.Collection, ID: op.ID, Data: op.Data})
			case models.WriteUpdate:
				err = updateDocument(ctx, tx, op.Collection, op.ID, op.Data)
			case models.WriteDelete:
				err = deleteDocument(ctx, tx, op.Collection, op.ID, false)
			default:
				err = fmt.Errorf("%w: unknown write kind %q", ErrInvalidQuery, op.Kind)
			}
			if err != nil {
				return fmt.Errorf("batch op %d (%s %s/%s): %w", i, op.Kind, op.Collection, op.ID, err)
			}
		}
		return nil
	})
}

// RunInTx runs fn in a serializable transaction, retrying serialization
// failures a few times before giving up.
func (r *PostgresDocumentRepository) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = r.runTxOnce(ctx, fn)
			return lastErr
		},
		retry.Attempts(3),
		retry.Delay(20*time.Millisecond),
		retry.MaxDelay(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Debug().Uint("attempt", n).Err(err).Msg("retrying serialization failure")
		}),
		retry.RetryIf(isSerializationFailure),
	)
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

func (r *PostgresDocumentRepository) runTxOnce(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return translatePgError(err, "begin transaction")
	}
	if err := fn(&postgresTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translatePgError(err, "commit transaction")
	}
	return nil
}

func (r *PostgresDocumentRepository) Watch(ctx context.Context, collection string, q models.Query) (Watcher, error) {
	if err := ValidateQuery(collection, q); err != nil {
		return nil, err
	}

	eval := func(ctx context.Context) ([]*models.Document, error) {
		return queryDocuments(ctx, r.pool, collection, q)
	}
	onClose := func(w *snapshotWatcher) {
		r.mu.Lock()
		delete(r.watchers, w)
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w := newSnapshotWatcher(ctx, eval, onClose, time.Now)
	r.watchers[w] = collection
	return w, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

type postgresTx struct {
	tx pgx.Tx
}

// Get locks the row for the remainder of the transaction.
func (t *postgresTx) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	return getDocument(ctx, t.tx, collection, id, true)
}

func (t *postgresTx) Query(ctx context.Context, collection string, q models.Query) ([]*models.Document, error) {
	return queryDocuments(ctx, t.tx, collection, q)
}

func (t *postgresTx) Set(ctx context.Context, doc *models.Document) error {
	return setDocument(ctx, t.tx, doc)
}

func (t *postgresTx) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return updateDocument(ctx, t.tx, collection, id, fields)
}

func (t *postgresTx) Delete(ctx context.Context, collection, id string) error {
	return deleteDocument(ctx, t.tx, collection, id, false)
}

func getDocument(ctx context.Context, q querier, collection, id string, forUpdate bool) (*models.Document, error) {
	query := `SELECT ` + documentColumns + `
	          FROM documents
	          WHERE collection = $1 AND id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	doc, err := scanDocument(q.QueryRow(ctx, query, collection, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, translatePgError(err, "get document")
	}
	return doc, nil
}

func queryDocuments(ctx context.Context, q querier, collection string, query models.Query) ([]*models.Document, error) {
	sql, args, err := buildSelect(collection, query)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translatePgError(err, "query documents")
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, translatePgError(err, "scan document")
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, translatePgError(err, "iterate documents")
	}
	return docs, nil
}

// setDocument upserts doc. With a non-zero Version the write only succeeds
// when the stored version still matches.
func setDocument(ctx context.Context, q querier, doc *models.Document) error {
	data, err := json.Marshal(nonNil(doc.Data))
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	if doc.Version == 0 {
		query := `INSERT INTO documents (collection, id, data, version)
		          VALUES ($1, $2, $3, 1)
		          ON CONFLICT (collection, id) DO UPDATE
		          SET data = EXCLUDED.data,
		              version = documents.version + 1,
		              updated_at = NOW()
		          RETURNING version, created_at, updated_at`
		err = q.QueryRow(ctx, query, doc.Collection, doc.ID, data).
			Scan(&doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
		return translatePgError(err, "set document")
	}

	query := `UPDATE documents
	          SET data = $3,
	              version = version + 1,
	              updated_at = NOW()
	          WHERE collection = $1 AND id = $2 AND version = $4
	          RETURNING version, created_at, updated_at`
	err = q.QueryRow(ctx, query, doc.Collection, doc.ID, data, doc.Version).
		Scan(&doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return translatePgError(err, "set document")
}

func updateDocument(ctx context.Context, q querier, collection, id string, fields map[string]any) error {
	patch, err := json.Marshal(nonNil(fields))
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	query := `UPDATE documents
	          SET data = data || $3::jsonb,
	              version = version + 1,
	              updated_at = NOW()
	          WHERE collection = $1 AND id = $2`
	result, err := q.Exec(ctx, query, collection, id, patch)
	if err != nil {
		return translatePgError(err, "update document")
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("failed to update %s: %w", docKey(collection, id), ErrNotFound)
	}
	return nil
}

func deleteDocument(ctx context.Context, q querier, collection, id string, mustExist bool) error {
	result, err := q.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return translatePgError(err, "delete document")
	}
	if mustExist && result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDocument(row pgx.Row) (*models.Document, error) {
	var doc models.Document
	var data []byte
	if err := row.Scan(&doc.Collection, &doc.ID, &data, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &doc.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", docKey(doc.Collection, doc.ID), err)
	}
	if doc.Data == nil {
		doc.Data = map[string]any{}
	}
	return &doc, nil
}

// buildSelect translates a query onto JSONB operators. Field names are bound
// as parameters, never interpolated.
func buildSelect(collection string, q models.Query) (string, []any, error) {
	if err := ValidateQuery(collection, q); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	args := []any{collection}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sb.WriteString(`SELECT ` + documentColumns + ` FROM documents WHERE collection = $1`)
	for _, f := range q.Filters {
		field := arg(f.Field)
		value := f.Value
		if f.Op == models.OpArrayContains {
			value = []any{f.Value}
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return "", nil, fmt.Errorf("%w: filter value for %s: %v", ErrInvalidQuery, f.Field, err)
		}
		v := arg(string(raw))

		switch f.Op {
		case models.OpEqual:
			fmt.Fprintf(&sb, ` AND data -> %s = %s::jsonb`, field, v)
		case models.OpNotEqual:
			fmt.Fprintf(&sb, ` AND data -> %s IS DISTINCT FROM %s::jsonb`, field, v)
		case models.OpLess, models.OpLessEqual, models.OpGreater, models.OpGreaterEqual:
			fmt.Fprintf(&sb, ` AND data -> %s %s %s::jsonb`, field, string(f.Op), v)
		case models.OpIn:
			fmt.Fprintf(&sb, ` AND data -> %s IN (SELECT jsonb_array_elements(%s::jsonb))`, field, v)
		case models.OpArrayContains:
			fmt.Fprintf(&sb, ` AND data -> %s @> %s::jsonb`, field, v)
		}
	}

	sb.WriteString(` ORDER BY `)
	for _, o := range q.OrderBy {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, `data -> %s %s, `, arg(o.Field), dir)
	}
	sb.WriteString(`id ASC`)

	if q.Limit > 0 {
		fmt.Fprintf(&sb, ` LIMIT %d`, q.Limit)
	}
	return sb.String(), args, nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
