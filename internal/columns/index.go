// Package columns finds dataset columns from natural-language descriptions.
// Each dictionary row is indexed as "Table: t, Column: c, Description: d" and
// ranked against the query by TF-IDF cosine similarity.
package columns

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	DefaultK         = 6
	DefaultThreshold = 0.1
)

// Entry is one data dictionary row.
type Entry struct {
	Table       string `json:"table"`
	Column      string `json:"column"`
	Description string `json:"description"`
}

// Text is the indexed form of the entry.
func (e Entry) Text() string {
	return "Table: " + e.Table + ", Column: " + e.Column + ", Description: " + e.Description
}

// Match is a ranked search hit.
type Match struct {
	Entry
	Score float64 `json:"score"`
}

type doc struct {
	entry Entry
	vec   map[string]float64
	norm  float64
}

// Index is safe for concurrent use; Replace swaps the whole corpus.
type Index struct {
	k         int
	threshold float64

	mu   sync.RWMutex
	docs []doc
	idf  map[string]float64
}

// NewIndex creates an empty index. Non-positive k and negative threshold
// take the defaults.
func NewIndex(k int, threshold float64) *Index {
	if k <= 0 {
		k = DefaultK
	}
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Index{k: k, threshold: threshold, idf: map[string]float64{}}
}

// Replace rebuilds the index from entries. Duplicate (table, column,
// description) rows are indexed once.
func (ix *Index) Replace(entries []Entry) {
	seen := make(map[Entry]bool, len(entries))
	var uniq []Entry
	for _, e := range entries {
		e.Table = strings.TrimSpace(e.Table)
		e.Column = strings.TrimSpace(e.Column)
		e.Description = strings.TrimSpace(e.Description)
		if e.Table == "" || e.Column == "" || seen[e] {
			continue
		}
		seen[e] = true
		uniq = append(uniq, e)
	}

	tfs := make([]map[string]float64, len(uniq))
	df := make(map[string]int)
	for i, e := range uniq {
		tfs[i] = termFreq(tokenize(e.Text()))
		for term := range tfs[i] {
			df[term]++
		}
	}
	n := float64(len(uniq))
	idf := make(map[string]float64, len(df))
	for term, c := range df {
		idf[term] = math.Log((1+n)/(1+float64(c))) + 1
	}
	docs := make([]doc, len(uniq))
	for i, e := range uniq {
		vec, norm := weigh(tfs[i], idf)
		docs[i] = doc{entry: e, vec: vec, norm: norm}
	}

	ix.mu.Lock()
	ix.docs = docs
	ix.idf = idf
	ix.mu.Unlock()
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// Search returns up to k entries scoring at or above the threshold, best
// first. No match is an empty result, not an error.
func (ix *Index) Search(query string, k int) []Match {
	if k <= 0 {
		k = ix.k
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	qvec, qnorm := weigh(termFreq(tokenize(query)), ix.idf)
	if qnorm == 0 {
		return []Match{}
	}
	out := []Match{}
	for _, d := range ix.docs {
		if d.norm == 0 {
			continue
		}
		var dot float64
		for term, w := range qvec {
			dot += w * d.vec[term]
		}
		score := dot / (qnorm * d.norm)
		if score >= ix.threshold && score > 0 {
			out = append(out, Match{Entry: d.entry, Score: math.Round(score*1000) / 1000})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Column < out[j].Column
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func weigh(tf map[string]float64, idf map[string]float64) (map[string]float64, float64) {
	vec := make(map[string]float64, len(tf))
	var sum float64
	for term, f := range tf {
		w := f * idf[term]
		if w == 0 {
			continue
		}
		vec[term] = w
		sum += w * w
	}
	return vec, math.Sqrt(sum)
}

func termFreq(tokens []string) map[string]float64 {
	tf := make(map[string]float64)
	for _, t := range tokens {
		tf[t]++
	}
	for t, c := range tf {
		tf[t] = 1 + math.Log(c)
	}
	return tf
}

// Field labels from Entry.Text carry no signal.
var stopwords = map[string]bool{
	"table": true, "column": true, "description": true,
	"the": true, "of": true, "a": true, "an": true, "and": true, "or": true,
	"in": true, "for": true, "to": true, "by": true, "with": true, "is": true,
	"what": true, "which": true, "where": true, "are": true, "that": true,
	"on": true, "at": true, "as": true, "per": true, "from": true,
}

// tokenize lowercases, splits on anything that is not a letter or digit
// (so snake_case names split into words) and folds simple plurals.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && !strings.HasSuffix(w, "us"):
		return w[:len(w)-1]
	}
	return w
}
