package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a thin adapter over the embedded storage engine holding the
// search documents. The engine tolerates one writer and many concurrent
// readers; every write path must go through the write queue's worker, while
// reads (GetByID, Query) are safe from any goroutine.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

const documentsDDL = `
CREATE TABLE IF NOT EXISTS %s (
	id                TEXT PRIMARY KEY,
	city_lower        TEXT NOT NULL,
	property_type_lower TEXT NOT NULL,
	name_lower        TEXT NOT NULL,
	description_lower TEXT NOT NULL,
	address_lower     TEXT NOT NULL,
	min_price         REAL NOT NULL,
	average_rating    REAL NOT NULL,
	max_capacity      INTEGER NOT NULL,
	is_featured       INTEGER NOT NULL,
	is_approved       INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	doc               BLOB NOT NULL
)`

var documentIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_%[1]s_city ON %[1]s(city_lower)",
	"CREATE INDEX IF NOT EXISTS idx_%[1]s_type ON %[1]s(property_type_lower)",
	"CREATE INDEX IF NOT EXISTS idx_%[1]s_price ON %[1]s(min_price)",
	"CREATE INDEX IF NOT EXISTS idx_%[1]s_rating ON %[1]s(average_rating)",
	"CREATE INDEX IF NOT EXISTS idx_%[1]s_name ON %[1]s(name_lower)",
}

// Open creates or opens the file-backed store at path, enabling WAL mode so
// readers keep a consistent snapshot while the single writer mutates.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating index data directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening index store: %w", err)
	}
	s := &Store{
		db:     db,
		path:   path,
		logger: slog.Default().With("component", "index-store"),
	}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising index schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{fmt.Sprintf(documentsDDL, "documents")}
	for _, idx := range documentIndexes {
		stmts = append(stmts, fmt.Sprintf(idx, "documents"))
	}
	stmts = append(stmts, `
CREATE TABLE IF NOT EXISTS index_metadata (
	id                    INTEGER PRIMARY KEY CHECK (id = 1),
	last_full_rebuild_at  INTEGER NOT NULL,
	document_count        INTEGER NOT NULL,
	schema_version        INTEGER NOT NULL
)`)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the location of the store file.
func (s *Store) Path() string {
	return s.path
}

// Ping verifies the store is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert inserts or replaces one document by id.
func (s *Store) Upsert(ctx context.Context, doc *SearchDocument) error {
	doc.Normalize()
	return s.upsertInto(ctx, s.db, "documents", doc)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertInto(ctx context.Context, ex execer, table string, doc *SearchDocument) error {
	blob, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document %s: %w", doc.ID, err)
	}
	_, err = ex.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (id, city_lower, property_type_lower, name_lower, description_lower,
	address_lower, min_price, average_rating, max_capacity, is_featured,
	is_approved, created_at, doc)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	city_lower = excluded.city_lower,
	property_type_lower = excluded.property_type_lower,
	name_lower = excluded.name_lower,
	description_lower = excluded.description_lower,
	address_lower = excluded.address_lower,
	min_price = excluded.min_price,
	average_rating = excluded.average_rating,
	max_capacity = excluded.max_capacity,
	is_featured = excluded.is_featured,
	is_approved = excluded.is_approved,
	created_at = excluded.created_at,
	doc = excluded.doc`, table),
		doc.ID,
		strings.ToLower(doc.City),
		strings.ToLower(doc.PropertyType),
		doc.NameLower,
		doc.DescriptionLower,
		doc.AddressLower,
		doc.MinPrice,
		doc.AverageRating,
		doc.MaxCapacity,
		boolToInt(doc.IsFeatured),
		boolToInt(doc.IsApproved),
		doc.CreatedAt.UnixMilli(),
		blob,
	)
	if err != nil {
		return fmt.Errorf("upserting document %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteByID removes one document. Deleting a missing id is a no-op success.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return nil
}

// GetByID fetches one document, returning (nil, nil) when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*SearchDocument, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM documents WHERE id = ?", id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching document %s: %w", id, err)
	}
	var doc SearchDocument
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling document %s: %w", id, err)
	}
	return &doc, nil
}

// Filter is the set of predicates pushed down into the engine. All populated
// fields combine conjunctively. Text matches name, description, and address
// as a case-insensitive substring. MinPrice and MaxPrice only match documents
// that carry a price at all, so a listing whose last unit was removed drops
// out of price-capped searches instead of matching every cap.
type Filter struct {
	Text         string
	City         string
	PropertyType string
	MinPrice     *float64
	MaxPrice     *float64
	MinRating    *float64
	MinCapacity  *int
	ApprovedOnly bool
}

func (f Filter) whereClause() (string, []any) {
	conds := make([]string, 0, 8)
	args := make([]any, 0, 8)
	if f.ApprovedOnly {
		conds = append(conds, "is_approved = 1")
	}
	if t := strings.ToLower(strings.TrimSpace(f.Text)); t != "" {
		conds = append(conds, "(instr(name_lower, ?) > 0 OR instr(description_lower, ?) > 0 OR instr(address_lower, ?) > 0)")
		args = append(args, t, t, t)
	}
	if f.City != "" {
		conds = append(conds, "city_lower = ?")
		args = append(args, strings.ToLower(f.City))
	}
	if f.PropertyType != "" {
		conds = append(conds, "property_type_lower = ?")
		args = append(args, strings.ToLower(f.PropertyType))
	}
	if f.MinPrice != nil || f.MaxPrice != nil {
		// A listing without a single priced unit has min_price 0; it never
		// satisfies an explicit price filter.
		conds = append(conds, "min_price > 0")
	}
	if f.MinPrice != nil {
		conds = append(conds, "min_price >= ?")
		args = append(args, *f.MinPrice)
	}
	if f.MaxPrice != nil {
		conds = append(conds, "min_price <= ?")
		args = append(args, *f.MaxPrice)
	}
	if f.MinRating != nil {
		conds = append(conds, "average_rating >= ?")
		args = append(args, *f.MinRating)
	}
	if f.MinCapacity != nil {
		conds = append(conds, "max_capacity >= ?")
		args = append(args, *f.MinCapacity)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns the documents matching the filter plus the total match count
// before pagination. Results are ordered by id for determinism; take <= 0
// returns the entire match set. Callers needing richer ordering sort the
// returned slice themselves.
func (s *Store) Query(ctx context.Context, f Filter, skip, take int) ([]*SearchDocument, int, error) {
	where, args := f.whereClause()

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting documents: %w", err)
	}

	q := "SELECT doc FROM documents" + where + " ORDER BY id"
	if take > 0 {
		q += fmt.Sprintf(" LIMIT %d OFFSET %d", take, skip)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*SearchDocument, 0, 64)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, 0, fmt.Errorf("scanning document row: %w", err)
		}
		var doc SearchDocument
		if err := json.Unmarshal(blob, &doc); err != nil {
			return nil, 0, fmt.Errorf("unmarshaling document row: %w", err)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, total, nil
}

// Count returns the number of documents in the store.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// Clear removes every document, leaving metadata untouched.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents"); err != nil {
		return fmt.Errorf("clearing documents: %w", err)
	}
	return nil
}

// BulkInsert upserts a batch of documents inside one transaction.
func (s *Store) BulkInsert(ctx context.Context, docs []*SearchDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning bulk insert: %w", err)
	}
	for _, doc := range docs {
		doc.Normalize()
		if err := s.upsertInto(ctx, tx, "documents", doc); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bulk insert: %w", err)
	}
	return nil
}

// ReplaceAll atomically swaps the entire document set and metadata: the new
// set is written to a shadow table which replaces the live one inside a
// single transaction, so a concurrent reader observes either the complete
// old index or the complete new one, never a mix.
func (s *Store) ReplaceAll(ctx context.Context, docs []*SearchDocument, meta IndexMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning index swap: %w", err)
	}
	rollback := func(err error) error {
		tx.Rollback()
		return err
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS documents_next"); err != nil {
		return rollback(fmt.Errorf("dropping stale shadow table: %w", err))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(documentsDDL, "documents_next")); err != nil {
		return rollback(fmt.Errorf("creating shadow table: %w", err))
	}
	for _, doc := range docs {
		doc.Normalize()
		if err := s.upsertInto(ctx, tx, "documents_next", doc); err != nil {
			return rollback(err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE documents"); err != nil {
		return rollback(fmt.Errorf("dropping live table: %w", err))
	}
	if _, err := tx.ExecContext(ctx, "ALTER TABLE documents_next RENAME TO documents"); err != nil {
		return rollback(fmt.Errorf("promoting shadow table: %w", err))
	}
	for _, idx := range documentIndexes {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(idx, "documents")); err != nil {
			return rollback(fmt.Errorf("recreating index: %w", err))
		}
	}
	if err := setMetadata(ctx, tx, meta); err != nil {
		return rollback(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing index swap: %w", err)
	}
	s.logger.Info("index replaced", "documents", len(docs), "schema_version", meta.SchemaVersion)
	return nil
}

// Metadata returns the singleton index metadata record, zero-valued when the
// store has never completed a full rebuild.
func (s *Store) Metadata(ctx context.Context) (IndexMetadata, error) {
	var (
		meta      IndexMetadata
		rebuiltAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT last_full_rebuild_at, document_count, schema_version FROM index_metadata WHERE id = 1",
	).Scan(&rebuiltAt, &meta.DocumentCount, &meta.SchemaVersion)
	if err == sql.ErrNoRows {
		return IndexMetadata{}, nil
	}
	if err != nil {
		return IndexMetadata{}, fmt.Errorf("fetching index metadata: %w", err)
	}
	meta.LastFullRebuildAt = time.UnixMilli(rebuiltAt).UTC()
	return meta, nil
}

// SetMetadata overwrites the singleton metadata record.
func (s *Store) SetMetadata(ctx context.Context, meta IndexMetadata) error {
	return setMetadata(ctx, s.db, meta)
}

func setMetadata(ctx context.Context, ex execer, meta IndexMetadata) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO index_metadata (id, last_full_rebuild_at, document_count, schema_version)
VALUES (1, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	last_full_rebuild_at = excluded.last_full_rebuild_at,
	document_count = excluded.document_count,
	schema_version = excluded.schema_version`,
		meta.LastFullRebuildAt.UnixMilli(), meta.DocumentCount, meta.SchemaVersion)
	if err != nil {
		return fmt.Errorf("writing index metadata: %w", err)
	}
	return nil
}

// Optimize compacts the store file and checkpoints the write-ahead log. It
// must run on the write queue's worker so it never races a concurrent write.
func (s *Store) Optimize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing wal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuuming store: %w", err)
	}
	s.logger.Info("store compacted", "path", s.path)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
