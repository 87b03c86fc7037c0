// Package sqlguard gates candidate SQL before any adapter runs it. Validation
// is pure: it consults a previously fetched schema snapshot and never talks to
// the database.
package sqlguard

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/basket/sdoh-analyst/internal/schema"
)

// Limits configures the result-size heuristic. Zero values take defaults.
type Limits struct {
	// MaxJoins bounds the number of relations beyond the first.
	MaxJoins int `yaml:"max_joins"`
	// MaxEstimatedRows bounds the estimated size of a filterless cartesian product.
	MaxEstimatedRows int64 `yaml:"max_estimated_rows"`
	// DefaultRowEstimate is assumed for tables with no row estimate.
	DefaultRowEstimate int64 `yaml:"default_row_estimate"`
	// AllowWildcard permits SELECT * and alias.* projections.
	AllowWildcard bool `yaml:"allow_wildcard"`
}

const (
	defaultMaxJoins           = 6
	defaultMaxEstimatedRows   = 100_000
	defaultDefaultRowEstimate = 10_000
)

// DefaultLimits returns the documented heuristic thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxJoins:           defaultMaxJoins,
		MaxEstimatedRows:   defaultMaxEstimatedRows,
		DefaultRowEstimate: defaultDefaultRowEstimate,
	}
}

// Validator approves or rejects candidate statements.
type Validator struct {
	limits Limits
}

// New creates a Validator with the given limits.
func New(l Limits) *Validator {
	if l.MaxJoins <= 0 {
		l.MaxJoins = defaultMaxJoins
	}
	if l.MaxEstimatedRows <= 0 {
		l.MaxEstimatedRows = defaultMaxEstimatedRows
	}
	if l.DefaultRowEstimate <= 0 {
		l.DefaultRowEstimate = defaultDefaultRowEstimate
	}
	return &Validator{limits: l}
}

// Limits returns the effective limits.
func (v *Validator) Limits() Limits { return v.limits }

// Validate runs the read-only, schema and size checks in order and returns
// the first failure as a rejected verdict.
func (v *Validator) Validate(stmt string, snap *schema.Snapshot) Verdict {
	toks, err := lex(stmt)
	if err != nil {
		return reject(stmt, &UnsafeStatementError{Reason: err.Error()})
	}
	if err := checkReadOnly(toks); err != nil {
		return reject(stmt, err)
	}

	a := analyze(trimSemicolons(toks), snap)
	if a.err != nil {
		return reject(stmt, a.err)
	}
	if err := a.resolveColumns(); err != nil {
		return reject(stmt, err)
	}
	if err := v.checkSize(a); err != nil {
		return reject(stmt, err)
	}
	return approve(stmt)
}

func checkReadOnly(toks []token) error {
	segments, cur := 0, 0
	for _, t := range toks {
		if t.is(";") {
			if cur > 0 {
				segments++
			}
			cur = 0
			continue
		}
		cur++
	}
	if cur > 0 {
		segments++
	}
	switch {
	case segments == 0:
		return &UnsafeStatementError{Reason: "empty statement"}
	case segments > 1:
		return &UnsafeStatementError{Reason: "multiple statements are not allowed"}
	}

	depth := 0
	for _, t := range toks {
		switch {
		case t.is("("):
			depth++
		case t.is(")"):
			depth--
			if depth < 0 {
				return &UnsafeStatementError{Reason: "unbalanced parentheses"}
			}
		}
	}
	if depth != 0 {
		return &UnsafeStatementError{Reason: "unbalanced parentheses"}
	}

	var head token
	for _, t := range toks {
		if !t.is("(") && !t.is(";") {
			head = t
			break
		}
	}
	if _, ok := leadingKeywords[head.upper()]; !ok {
		return &UnsafeStatementError{Reason: fmt.Sprintf("only read-only SELECT queries are allowed, got %q", head.text)}
	}

	for i, t := range toks {
		if t.isIdent() && i+1 < len(toks) && toks[i+1].is("(") {
			// quoted names still resolve to the same function
			if name := strings.ToUpper(t.text); isPrivileged(name) {
				return &UnsafeStatementError{Reason: fmt.Sprintf("function %s is not allowed", strings.ToLower(name))}
			}
		}
		u := t.upper()
		if u == "" {
			continue
		}
		if _, bad := mutatingKeywords[u]; bad {
			return &UnsafeStatementError{Reason: fmt.Sprintf("%s is not allowed in a read-only query", u)}
		}
		if _, cmd := statementKeywords[u]; cmd && (i == 0 || toks[i-1].is("(") || toks[i-1].is(";")) {
			return &UnsafeStatementError{Reason: fmt.Sprintf("%s is not allowed in a read-only query", u)}
		}
	}
	return nil
}

func isPrivileged(upper string) bool {
	_, ok := privilegedFunctions[upper]
	return ok
}

func trimSemicolons(toks []token) []token {
	out := toks[:0:0]
	for _, t := range toks {
		if !t.is(";") {
			out = append(out, t)
		}
	}
	return out
}

type relation struct {
	alias string        // folded alias, or the folded table name
	table *schema.Table // nil for CTEs, subqueries and table functions
	fn    string        // folded name of a table function
}

type colRef struct {
	schemaQ   string
	qualifier string
	name      string
}

type analysis struct {
	toks []token
	snap *schema.Snapshot

	match     map[int]int // open paren -> close paren
	encl      []int       // innermost enclosing open paren, -1 at top level
	funcParen map[int]bool

	ctes         map[string]struct{}
	aliases      map[string]struct{}
	consumed     map[int]bool
	derivedClose map[int]bool   // close paren of a FROM-item subquery/function -> in FROM list
	derivedFunc  map[int]string // close paren of a FROM-item function -> its name

	rels             []relation
	cartesian        map[int]bool
	pendingCartesian bool
	cols             []colRef
	wildcards        int
	hasWhere         bool
	limit            int64

	err error
}

func analyze(toks []token, snap *schema.Snapshot) *analysis {
	a := &analysis{
		toks:         toks,
		snap:         snap,
		match:        make(map[int]int),
		encl:         make([]int, len(toks)),
		funcParen:    make(map[int]bool),
		ctes:         make(map[string]struct{}),
		aliases:      make(map[string]struct{}),
		consumed:     make(map[int]bool),
		derivedClose: make(map[int]bool),
		derivedFunc:  make(map[int]string),
		cartesian:    make(map[int]bool),
		limit:        -1,
	}
	a.indexParens()
	a.findCTEs()
	a.scan()
	return a
}

func (a *analysis) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *analysis) indexParens() {
	var stack []int
	for i, t := range a.toks {
		if len(stack) > 0 {
			a.encl[i] = stack[len(stack)-1]
		} else {
			a.encl[i] = -1
		}
		switch {
		case t.is("("):
			if i > 0 {
				prev := a.toks[i-1]
				u := prev.upper()
				a.funcParen[i] = prev.kind == tokQuotedIdent ||
					(prev.kind == tokIdent && (!isKeyword(u) || u == "EXTRACT" || u == "CAST"))
			}
			stack = append(stack, i)
		case t.is(")"):
			if len(stack) > 0 {
				a.match[stack[len(stack)-1]] = i
				stack = stack[:len(stack)-1]
			}
		}
	}
}

// findCTEs records `name AS (SELECT ...)` and `name (cols) AS (SELECT ...)`.
func (a *analysis) findCTEs() {
	toks := a.toks
	for i := 0; i+2 < len(toks); i++ {
		if !toks[i].isIdent() || isKeyword(toks[i].upper()) {
			continue
		}
		j := i + 1
		var colList []int
		if toks[j].is("(") {
			end, ok := a.match[j]
			if !ok {
				continue
			}
			for k := j + 1; k < end; k++ {
				if toks[k].isIdent() {
					colList = append(colList, k)
				} else if !toks[k].is(",") {
					colList = nil
					break
				}
			}
			if colList == nil {
				continue
			}
			j = end + 1
		}
		if j >= len(toks) || toks[j].upper() != "AS" {
			continue
		}
		k := j + 1
		for k < len(toks) && (toks[k].upper() == "NOT" || toks[k].upper() == "MATERIALIZED") {
			k++
		}
		if k+1 >= len(toks) || !toks[k].is("(") {
			continue
		}
		if _, ok := leadingKeywords[toks[k+1].upper()]; !ok {
			continue
		}
		a.ctes[fold(toks[i].text)] = struct{}{}
		for m := i; m < k; m++ {
			a.consumed[m] = true
		}
		for _, c := range colList {
			a.aliases[fold(toks[c].text)] = struct{}{}
		}
	}
}

func (a *analysis) scan() {
	toks := a.toks
	for i := 0; i < len(toks); i++ {
		if a.consumed[i] {
			continue
		}
		t := toks[i]
		switch {
		case t.is(")"):
			if inList, ok := a.derivedClose[i]; ok {
				i = a.afterItem(i+1, &relation{fn: a.derivedFunc[i]}, inList) - 1
			}

		case t.is("*"):
			if i > 0 {
				p := toks[i-1]
				if p.is(",") || p.upper() == "SELECT" || p.upper() == "DISTINCT" || p.upper() == "ALL" {
					a.wildcards++
				}
			}

		case t.kind == tokIdent:
			u := t.upper()
			switch u {
			case "FROM":
				if a.inFunction(i) || a.isDistinctFrom(i) {
					continue
				}
				i = a.fromItem(i+1, true) - 1
				continue
			case "TABLE":
				if i == 0 {
					i = a.fromItem(i+1, false) - 1
					continue
				}
			case "JOIN":
				if i > 0 && toks[i-1].upper() == "CROSS" && len(a.rels) > 0 {
					a.cartesian[len(a.rels)-1] = true
					a.pendingCartesian = true
				}
				i = a.fromItem(i+1, false) - 1
				continue
			case "WHERE":
				a.hasWhere = true
			case "LIMIT":
				if i+1 < len(toks) && toks[i+1].kind == tokNumber {
					if n, err := strconv.ParseInt(toks[i+1].text, 10, 64); err == nil {
						a.limit = n
					}
				}
			case "AS", "WINDOW":
				if i+1 < len(toks) && toks[i+1].isIdent() {
					a.aliases[fold(toks[i+1].text)] = struct{}{}
					a.consumed[i+1] = true
				}
			case "OVER":
				if i+1 < len(toks) && toks[i+1].isIdent() {
					a.consumed[i+1] = true
				}
			}
			if isKeyword(u) {
				continue
			}
			i = a.columnRef(i) - 1

		case t.kind == tokQuotedIdent:
			i = a.columnRef(i) - 1
		}
	}
}

func (a *analysis) inFunction(i int) bool {
	open := a.encl[i]
	return open >= 0 && a.funcParen[open]
}

// isDistinctFrom detects IS [NOT] DISTINCT FROM.
func (a *analysis) isDistinctFrom(i int) bool {
	return i >= 2 && a.toks[i-1].upper() == "DISTINCT" &&
		(a.toks[i-2].upper() == "IS" || a.toks[i-2].upper() == "NOT")
}

// fromItem parses one FROM-list entry starting at i and returns the index the
// scan resumes at.
func (a *analysis) fromItem(i int, inFromList bool) int {
	toks := a.toks
	for i < len(toks) && (toks[i].upper() == "LATERAL" || toks[i].upper() == "ONLY") {
		i++
	}
	if i >= len(toks) {
		return i
	}
	t := toks[i]
	if t.is("(") {
		a.derivedClose[a.match[i]] = inFromList
		return i
	}
	if !t.isIdent() {
		return i
	}

	parts := []string{t.text}
	j := i
	for j+2 < len(toks) && toks[j+1].is(".") && toks[j+2].isIdent() {
		parts = append(parts, toks[j+2].text)
		j += 2
	}
	if j+1 < len(toks) && toks[j+1].is("(") {
		// table-valued function; its alias follows the closing paren
		a.derivedClose[a.match[j+1]] = inFromList
		a.derivedFunc[a.match[j+1]] = fold(parts[len(parts)-1])
		return j + 1
	}

	rel := relation{alias: fold(parts[len(parts)-1])}
	_, isCTE := a.ctes[rel.alias]
	if !(len(parts) == 1 && isCTE) {
		name := strings.Join(parts, ".")
		tbl, ok := a.snap.Table(name)
		if !ok {
			a.fail(&UnknownSchemaObjectError{Kind: "table", Name: name})
		}
		rel.table = tbl
	}
	return a.afterItem(j+1, &rel, inFromList)
}

// afterItem reads an optional alias and column-alias list, records the
// relation, and follows a comma to the next FROM-list entry.
func (a *analysis) afterItem(k int, rel *relation, inFromList bool) int {
	toks := a.toks
	if rel == nil {
		rel = &relation{}
	}
	if k < len(toks) && toks[k].upper() == "AS" {
		k++
	}
	if k < len(toks) && toks[k].isIdent() && !a.consumed[k] {
		u := toks[k].upper()
		_, boundary := clauseBoundary[u]
		if toks[k].kind == tokQuotedIdent || (!boundary && !isKeyword(u)) {
			rel.alias = fold(toks[k].text)
			k++
			if k < len(toks) && toks[k].is("(") {
				end := a.match[k]
				for m := k + 1; m < end; m++ {
					if toks[m].isIdent() {
						a.aliases[fold(toks[m].text)] = struct{}{}
					}
				}
				k = end + 1
			}
		}
	}

	a.rels = append(a.rels, *rel)
	if a.pendingCartesian {
		a.cartesian[len(a.rels)-1] = true
		a.pendingCartesian = false
	}

	if inFromList && k < len(toks) && toks[k].is(",") {
		a.cartesian[len(a.rels)-1] = true
		a.pendingCartesian = true
		return a.fromItem(k+1, true)
	}
	return k
}

// columnRef records an identifier chain starting at i and returns the index
// just past it.
func (a *analysis) columnRef(i int) int {
	toks := a.toks
	parts := []string{toks[i].text}
	j := i
	for j+2 < len(toks) && toks[j+1].is(".") && (toks[j+2].isIdent() || toks[j+2].is("*")) {
		parts = append(parts, toks[j+2].text)
		j += 2
	}
	next := j + 1
	if next < len(toks) && toks[next].is("(") {
		return next // function call
	}
	if i > 0 && toks[i-1].is("::") {
		return next // type name
	}

	last := parts[len(parts)-1]
	if last == "*" {
		a.wildcards++
		a.cols = append(a.cols, colRef{qualifier: parts[len(parts)-2], name: "*"})
		return next
	}

	switch len(parts) {
	case 1:
		if a.implicitAlias(i) {
			a.aliases[fold(last)] = struct{}{}
			return next
		}
		a.cols = append(a.cols, colRef{name: last})
	case 2:
		a.cols = append(a.cols, colRef{qualifier: parts[0], name: last})
	default:
		a.cols = append(a.cols, colRef{
			schemaQ:   parts[len(parts)-3],
			qualifier: parts[len(parts)-2],
			name:      last,
		})
	}
	return next
}

// implicitAlias reports whether the bare word at i names the value before it,
// as in `SELECT count(x) total`.
func (a *analysis) implicitAlias(i int) bool {
	if i == 0 {
		return false
	}
	prev := a.toks[i-1]
	if prev.upper() == "END" {
		return true
	}
	return isValueToken(prev)
}

func (a *analysis) relByQualifier(q string) *relation {
	q = fold(q)
	for i := range a.rels {
		if a.rels[i].alias == q {
			return &a.rels[i]
		}
	}
	for i := range a.rels {
		if t := a.rels[i].table; t != nil && fold(t.Name) == q {
			return &a.rels[i]
		}
	}
	return nil
}

func (a *analysis) resolveColumns() error {
	for _, c := range a.cols {
		if c.qualifier != "" {
			rel := a.relByQualifier(c.qualifier)
			if rel == nil {
				if _, ok := a.ctes[fold(c.qualifier)]; ok {
					continue
				}
				name := c.qualifier
				if c.schemaQ != "" {
					name = c.schemaQ + "." + c.qualifier
				}
				tbl, ok := a.snap.Table(name)
				if !ok {
					return &UnknownSchemaObjectError{Kind: "table", Name: name}
				}
				rel = &relation{table: tbl}
			}
			if rel.table == nil || c.name == "*" {
				continue
			}
			if _, ok := rel.table.Column(c.name); !ok {
				return &UnknownSchemaObjectError{Kind: "column", Name: c.name, Table: rel.table.Name}
			}
			continue
		}

		name := fold(c.name)
		if _, ok := a.aliases[name]; ok {
			continue
		}
		if _, ok := a.ctes[name]; ok {
			continue
		}
		if a.inRealTable(c.name) || a.derivedSupplies(name) {
			continue
		}
		return &UnknownSchemaObjectError{Kind: "column", Name: c.name, Table: a.singleTableName()}
	}
	return nil
}

func (a *analysis) inRealTable(name string) bool {
	for _, r := range a.rels {
		if r.table == nil {
			continue
		}
		if _, ok := r.table.Column(name); ok {
			return true
		}
	}
	return false
}

// derivedSupplies reports whether a subquery or table function in FROM
// produces a column called name that no alias already accounts for. Subquery
// select lists are scanned in place, so their names are either real columns
// or recorded aliases; only table functions and bare VALUES lists add more.
func (a *analysis) derivedSupplies(name string) bool {
	for _, r := range a.rels {
		if r.table != nil {
			continue
		}
		if r.fn == "" {
			if _, isCTE := a.ctes[r.alias]; !isCTE && isValuesColumn(name) {
				return true
			}
			continue
		}
		// a scalar set-returning function yields one column named after the
		// function, or after its alias
		if name == r.fn || name == r.alias {
			return true
		}
		if _, ok := tableFunctionColumns[r.fn][name]; ok {
			return true
		}
	}
	return false
}

// isValuesColumn matches the column1, column2 names both engines give an
// unaliased VALUES list.
func isValuesColumn(name string) bool {
	rest, ok := strings.CutPrefix(name, "column")
	if !ok || rest == "" {
		return false
	}
	_, err := strconv.Atoi(rest)
	return err == nil
}

func (a *analysis) singleTableName() string {
	if len(a.rels) == 1 && a.rels[0].table != nil {
		return a.rels[0].table.Name
	}
	return ""
}

func (v *Validator) checkSize(a *analysis) error {
	if a.wildcards > 0 && !v.limits.AllowWildcard {
		return &ResultTooLargeError{Reason: "SELECT * and alias.* are not allowed; list the columns you need"}
	}
	if joins := len(a.rels) - 1; joins > v.limits.MaxJoins {
		return &ResultTooLargeError{Reason: fmt.Sprintf("%d joins exceed the limit of %d", joins, v.limits.MaxJoins)}
	}
	if len(a.cartesian) == 0 || a.hasWhere {
		return nil
	}
	if a.limit >= 0 && a.limit <= v.limits.MaxEstimatedRows {
		return nil
	}
	est := int64(1)
	for idx := range a.cartesian {
		rows := v.limits.DefaultRowEstimate
		if t := a.rels[idx].table; t != nil && t.RowEstimate > 0 {
			rows = t.RowEstimate
		}
		est = mulSat(est, rows)
	}
	if est > v.limits.MaxEstimatedRows {
		return &ResultTooLargeError{
			Reason:   "cartesian product without a WHERE clause",
			Estimate: est,
			Limit:    v.limits.MaxEstimatedRows,
		}
	}
	return nil
}

func mulSat(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}

func fold(s string) string { return strings.ToLower(s) }
