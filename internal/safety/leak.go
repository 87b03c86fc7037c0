package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Redacted replaces a cell that looked like a credential.
const Redacted = "[REDACTED]"

var leakPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}`), "api key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google api key"},
	{regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`), "secret key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}`), "password"},
	{regexp.MustCompile(`postgres(ql)?://[^:\s/]+:[^@\s]+@`), "connection string"},
}

// Leak is one redacted cell.
type Leak struct {
	Kind   string
	Row    int
	Column string
}

// RedactRows blanks string cells that look like credentials, in place.
func RedactRows(columns []string, rows [][]any) []Leak {
	var leaks []Leak
	for i, row := range rows {
		for j, cell := range row {
			s, ok := cell.(string)
			if !ok {
				continue
			}
			kind := leakKind(s)
			if kind == "" {
				continue
			}
			row[j] = Redacted
			col := fmt.Sprintf("#%d", j)
			if j < len(columns) {
				col = columns[j]
			}
			leaks = append(leaks, Leak{Kind: kind, Row: i, Column: col})
		}
	}
	return leaks
}

func leakKind(s string) string {
	for _, p := range leakPatterns {
		if p.re.MatchString(s) {
			return p.kind
		}
	}
	return ""
}

// Summary renders leaks as one warning line.
func Summary(leaks []Leak) string {
	cols := map[string]bool{}
	for _, l := range leaks {
		cols[l.Column] = true
	}
	names := make([]string, 0, len(cols))
	for c := range cols {
		names = append(names, c)
	}
	sort.Strings(names)
	return fmt.Sprintf("%d value(s) redacted because they looked like credentials (columns: %s)", len(leaks), strings.Join(names, ", "))
}
