package columns

import "github.com/basket/sdoh-analyst/internal/schema"

// FromSnapshot indexes every column the warehouse exposes, so columns
// missing from the dictionary are still found by name.
func FromSnapshot(snap *schema.Snapshot) []Entry {
	if snap == nil {
		return nil
	}
	var out []Entry
	for _, t := range snap.Tables() {
		for _, c := range t.Columns {
			out = append(out, Entry{Table: t.Name, Column: c.Name, Description: c.Description})
		}
	}
	return out
}
