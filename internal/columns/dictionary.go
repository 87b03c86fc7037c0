package columns

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadCSV parses a data dictionary with table, column and description
// columns. A header row is optional; when present it may order the columns
// freely.
func ReadCSV(r io.Reader) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	idx := [3]int{0, 1, 2}
	var out []Entry
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dictionary line %d: %w", line, err)
		}
		if line == 1 {
			if h, ok := headerIndex(rec); ok {
				idx = h
				continue
			}
		}
		if len(rec) < 2 {
			continue
		}
		e := Entry{Table: field(rec, idx[0]), Column: field(rec, idx[1]), Description: field(rec, idx[2])}
		if e.Table == "" || e.Column == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// LoadCSV reads a dictionary file from disk.
func LoadCSV(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

func headerIndex(rec []string) ([3]int, bool) {
	idx := [3]int{-1, -1, -1}
	for i, h := range rec {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "table", "table_name":
			idx[0] = i
		case "column", "column_name":
			idx[1] = i
		case "description", "desc", "comment":
			idx[2] = i
		}
	}
	return idx, idx[0] >= 0 && idx[1] >= 0
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
