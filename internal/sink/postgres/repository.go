// Package postgres implements the relational sink: single-row inserts into a
// destination table resolved per record.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	ingest "kraken-gateway/internal/ingest/domain"
)

var tablePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Repository inserts normalized records into Postgres. Field names are
// intersected with the table's actual columns before building the insert, so
// unknown fields are dropped instead of failing the row. Column sets are
// cached per table for the process lifetime; data-table schemas only change
// with a migration and a restart.
type Repository struct {
	db *sql.DB

	mu      sync.RWMutex
	columns map[string]map[string]struct{}
}

// NewRepository constructs a relational sink.
func NewRepository(db *sql.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("relational sink: nil db")
	}
	return &Repository{db: db, columns: make(map[string]map[string]struct{})}, nil
}

// InsertRecord writes one row into the destination table. The record's
// timestamp and site id are bound to the table's time and site_id columns when
// present.
func (r *Repository) InsertRecord(ctx context.Context, record ingest.Record, table string) error {
	if r == nil || r.db == nil {
		return errors.New("relational sink: nil db")
	}
	table = strings.ToLower(strings.TrimSpace(table))
	if !tablePattern.MatchString(table) {
		return fmt.Errorf("relational sink: invalid table %q", table)
	}

	known, err := r.tableColumns(ctx, table)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(record.Fields)+2)
	values := make([]any, 0, len(record.Fields)+2)
	if _, ok := known["site_id"]; ok {
		names = append(names, "site_id")
		values = append(values, record.Site.ID)
	}
	if _, ok := known["time"]; ok {
		names = append(names, "time")
		values = append(values, record.Time)
	}

	fieldNames := make([]string, 0, len(record.Fields))
	for name := range record.Fields {
		fieldNames = append(fieldNames, name)
	}
	sort.Strings(fieldNames)
	for _, name := range fieldNames {
		column := strings.ToLower(name)
		if _, ok := known[column]; !ok {
			continue
		}
		names = append(names, column)
		values = append(values, record.Fields[name])
	}

	if len(names) == 0 {
		return fmt.Errorf("relational sink: no insertable columns for %s", table)
	}

	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
	)

	if _, err := r.db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("relational sink: insert into %s: %w", table, err)
	}
	return nil
}

func (r *Repository) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	r.mu.RLock()
	cached, ok := r.columns[table]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT column_name
FROM information_schema.columns
WHERE table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("relational sink: columns of %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("relational sink: columns of %s: %w", table, err)
		}
		columns[strings.ToLower(name)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relational sink: columns of %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("relational sink: unknown table %s", table)
	}

	r.mu.Lock()
	r.columns[table] = columns
	r.mu.Unlock()
	return columns, nil
}
