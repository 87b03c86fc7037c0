// Package schema holds the table/column snapshot the SQL validator and the
// schema tools consult. A snapshot is fetched from the warehouse once and
// treated as read-only afterwards.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Column describes one column of a table.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Table describes one base table.
type Table struct {
	Schema      string   `json:"schema,omitempty"`
	Name        string   `json:"name"`
	RowEstimate int64    `json:"row_estimate,omitempty"` // 0 = unknown
	Columns     []Column `json:"columns"`
}

// QualifiedName returns schema.name, or name when no schema is set.
func (t *Table) QualifiedName() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Column returns the named column, case-insensitively.
func (t *Table) Column(name string) (Column, bool) {
	name = fold(name)
	for _, c := range t.Columns {
		if fold(c.Name) == name {
			return c, true
		}
	}
	return Column{}, false
}

// Snapshot is a point-in-time view of the dataset's tables.
type Snapshot struct {
	DefaultSchema string
	tables        map[string]*Table // keyed by folded table name
}

// New creates an empty snapshot. defaultSchema is the schema unqualified names
// resolve against ("public" for Postgres, "main" for SQLite).
func New(defaultSchema string) *Snapshot {
	return &Snapshot{
		DefaultSchema: defaultSchema,
		tables:        make(map[string]*Table),
	}
}

// AddTable inserts or replaces a table.
func (s *Snapshot) AddTable(t Table) *Table {
	if t.Schema == "" {
		t.Schema = s.DefaultSchema
	}
	tc := t
	tc.Columns = append([]Column(nil), t.Columns...)
	s.tables[fold(t.Name)] = &tc
	return &tc
}

// AddColumn appends a column to a table, creating the table when needed.
func (s *Snapshot) AddColumn(table string, c Column) {
	_, name := splitQualified(table)
	t, ok := s.tables[fold(name)]
	if !ok {
		t = s.AddTable(Table{Name: name})
	}
	if _, exists := t.Column(c.Name); exists {
		return
	}
	t.Columns = append(t.Columns, c)
}

// Annotate sets a column description from the data dictionary. Descriptions
// the warehouse already carries win. It reports whether the column exists.
func (s *Snapshot) Annotate(table, column, description string) bool {
	t, ok := s.Table(table)
	if !ok {
		return false
	}
	column = fold(column)
	for i := range t.Columns {
		if fold(t.Columns[i].Name) != column {
			continue
		}
		if t.Columns[i].Description == "" {
			t.Columns[i].Description = strings.TrimSpace(description)
		}
		return true
	}
	return false
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := New(s.DefaultSchema)
	for _, t := range s.tables {
		out.AddTable(*t)
	}
	return out
}

// Table looks up a table by name. A schema qualifier must match the table's
// schema; unqualified names match any schema.
func (s *Snapshot) Table(name string) (*Table, bool) {
	if s == nil {
		return nil, false
	}
	sch, tbl := splitQualified(name)
	t, ok := s.tables[fold(tbl)]
	if !ok {
		return nil, false
	}
	if sch != "" && t.Schema != "" && fold(sch) != fold(t.Schema) {
		return nil, false
	}
	return t, true
}

// HasColumn reports whether table has the given column.
func (s *Snapshot) HasColumn(table, column string) bool {
	t, ok := s.Table(table)
	if !ok {
		return false
	}
	_, ok = t.Column(column)
	return ok
}

// Tables returns all tables sorted by name.
func (s *Snapshot) Tables() []*Table {
	if s == nil {
		return nil
	}
	out := make([]*Table, 0, len(s.tables))
	for _, t := range s.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return fold(out[i].Name) < fold(out[j].Name) })
	return out
}

// TableNames returns the sorted table names.
func (s *Snapshot) TableNames() []string {
	tables := s.Tables()
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of tables.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tables)
}

// Describe renders CREATE TABLE-like text for the named tables, with column
// descriptions as trailing comments. Unknown names produce an error listing
// every missing table.
func (s *Snapshot) Describe(names ...string) (string, error) {
	var missing []string
	var b strings.Builder
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, ok := s.Table(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "CREATE TABLE %s (\n", t.QualifiedName())
		for i, c := range t.Columns {
			fmt.Fprintf(&b, "\t%s %s", c.Name, c.Type)
			if i < len(t.Columns)-1 {
				b.WriteString(",")
			}
			if c.Description != "" {
				fmt.Fprintf(&b, " -- %s", c.Description)
			}
			b.WriteString("\n")
		}
		b.WriteString(")\n")
		if t.RowEstimate > 0 {
			fmt.Fprintf(&b, "/* ~%d rows */\n", t.RowEstimate)
		}
	}
	if len(missing) > 0 {
		return b.String(), fmt.Errorf("unknown tables: %s", strings.Join(missing, ", "))
	}
	return b.String(), nil
}

func splitQualified(name string) (string, string) {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		return unquote(name[:i]), unquote(name[i+1:])
	}
	return "", unquote(name)
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

func fold(s string) string { return strings.ToLower(unquote(strings.TrimSpace(s))) }
