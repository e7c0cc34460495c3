package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/harun/careline/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	seq INTEGER NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (collection, seq)
);
CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);
`

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteStore keeps every collection in one table of JSON documents.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a records database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open records database: %w", err)
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Import replaces the stored collections with the catalog's contents.
func (s *SQLiteStore) Import(ctx context.Context, cat *Catalog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	for _, name := range cat.Names() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, name); err != nil {
			return fmt.Errorf("failed to clear collection %s: %w", name, err)
		}
		for i, row := range cat.Collection(name).All() {
			doc, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("failed to encode %s row %d: %w", name, i, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO records (collection, seq, doc) VALUES (?, ?, ?)`,
				name, i, string(doc)); err != nil {
				return fmt.Errorf("failed to insert %s row %d: %w", name, i, err)
			}
		}
	}
	return tx.Commit()
}

// Source returns a lookup view over one collection.
func (s *SQLiteStore) Source(collection string) *SQLiteSource {
	return &SQLiteSource{db: s.db, collection: collection}
}

// SQLiteSource answers field lookups with json_extract over one collection.
// Booleans are stored by SQLite as 1/0 and match "true"/"false".
type SQLiteSource struct {
	db         *sql.DB
	collection string
}

// FindByField returns the first matching row in insertion order.
func (s *SQLiteSource) FindByField(ctx context.Context, field, value string) (Record, bool, error) {
	rows, err := s.query(ctx, field, value, 1)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// FilterByField returns every matching row in insertion order.
func (s *SQLiteSource) FilterByField(ctx context.Context, field, value string) ([]Record, error) {
	return s.query(ctx, field, value, -1)
}

func (s *SQLiteSource) query(ctx context.Context, field, value string, limit int) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "careline.records", "records.lookup",
		attribute.String("collection", s.collection),
		attribute.String("field", field),
	)
	defer span.End()

	if !fieldPattern.MatchString(field) {
		err := fmt.Errorf("invalid field name %q", field)
		tracing.RecordSpanError(span, err)
		return nil, err
	}
	switch value {
	case "true":
		value = "1"
	case "false":
		value = "0"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM records
		WHERE collection = ? AND CAST(json_extract(doc, ?) AS TEXT) = ?
		ORDER BY seq
		LIMIT ?`,
		s.collection, "$."+field, value, limit)
	if err != nil {
		tracing.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to query %s: %w", s.collection, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", s.collection, err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode %s row: %w", s.collection, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		tracing.RecordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("matches", len(out)))
	return out, nil
}
