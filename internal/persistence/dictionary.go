package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/sdoh-analyst/internal/columns"
	"github.com/basket/sdoh-analyst/internal/warehouse"
)

// DictionaryImportedEvent is published after ReplaceDictionary commits.
type DictionaryImportedEvent struct {
	Source  string
	Entries int
}

// ReplaceDictionary swaps the stored dictionary for entries in one
// transaction. Rows with an empty table or column are skipped; later
// duplicates win. It returns the number of rows stored.
func (s *Store) ReplaceDictionary(ctx context.Context, source string, entries []columns.Entry) (int, error) {
	var stored int
	err := retryOnBusy(ctx, 5, func() error {
		stored = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM column_dictionary;`); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO column_dictionary (table_name, column_name, description, source, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(table_name, column_name) DO UPDATE SET
				description = excluded.description,
				source = excluded.source,
				updated_at = CURRENT_TIMESTAMP;
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		seen := make(map[[2]string]struct{}, len(entries))
		for _, e := range entries {
			table := strings.TrimSpace(e.Table)
			column := strings.TrimSpace(e.Column)
			if table == "" || column == "" {
				continue
			}
			if _, err := stmt.ExecContext(ctx, table, column, strings.TrimSpace(e.Description), source); err != nil {
				return err
			}
			key := [2]string{table, column}
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				stored++
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("replace dictionary: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(TopicDictionaryImported, DictionaryImportedEvent{Source: source, Entries: stored})
	}
	return stored, nil
}

// DictionaryEntries returns the stored dictionary ordered by table and column.
func (s *Store) DictionaryEntries(ctx context.Context) ([]columns.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, column_name, description
		FROM column_dictionary
		ORDER BY table_name, column_name;
	`)
	if err != nil {
		return nil, fmt.Errorf("query dictionary: %w", err)
	}
	defer rows.Close()

	var out []columns.Entry
	for rows.Next() {
		var e columns.Entry
		if err := rows.Scan(&e.Table, &e.Column, &e.Description); err != nil {
			return nil, fmt.Errorf("scan dictionary row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dictionary rows: %w", err)
	}
	return out, nil
}

// Annotations makes the store a warehouse.Dictionary.
func (s *Store) Annotations(ctx context.Context) ([]warehouse.Annotation, error) {
	entries, err := s.DictionaryEntries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]warehouse.Annotation, 0, len(entries))
	for _, e := range entries {
		if e.Description == "" {
			continue
		}
		out = append(out, warehouse.Annotation{Table: e.Table, Column: e.Column, Description: e.Description})
	}
	return out, nil
}

var _ warehouse.Dictionary = (*Store)(nil)
