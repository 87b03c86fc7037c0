package sqlguard

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokIdent       tokenKind = iota // bare identifier or keyword
	tokQuotedIdent                  // "name", `name` or [name]
	tokString                       // '...', E'...', $$...$$
	tokNumber
	tokParam // $1, ?, :name
	tokPunct // ( ) , ; . * and operators
)

type token struct {
	kind tokenKind
	text string // identifiers are kept as written; quoted idents are unquoted
	pos  int
}

// upper returns the keyword form of a bare identifier, or "" for any other
// token kind. Quoted identifiers never act as keywords.
func (t token) upper() string {
	if t.kind != tokIdent {
		return ""
	}
	return strings.ToUpper(t.text)
}

func (t token) is(punct string) bool { return t.kind == tokPunct && t.text == punct }

func (t token) isIdent() bool { return t.kind == tokIdent || t.kind == tokQuotedIdent }

// lex splits a statement into tokens, dropping whitespace and comments.
// String literals are kept as opaque tokens so keywords inside them are never
// mistaken for SQL.
func lex(src string) ([]token, error) {
	var out []token
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++

		case c == '-' && i+1 < n && src[i+1] == '-':
			for i < n && src[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && src[i+1] == '*':
			depth := 0
			start := i
			for i < n {
				if i+1 < n && src[i] == '/' && src[i+1] == '*' {
					depth++
					i += 2
					continue
				}
				if i+1 < n && src[i] == '*' && src[i+1] == '/' {
					depth--
					i += 2
					if depth == 0 {
						break
					}
					continue
				}
				i++
			}
			if depth != 0 {
				return nil, fmt.Errorf("unterminated comment at offset %d", start)
			}

		case c == '\'' || ((c == 'E' || c == 'e') && i+1 < n && src[i+1] == '\''):
			start := i
			escaped := c != '\''
			if escaped {
				i++
			}
			end, err := scanQuoted(src, i, '\'', escaped)
			if err != nil {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			out = append(out, token{kind: tokString, text: src[start:end], pos: start})
			i = end

		case c == '$' && i+1 < n && (src[i+1] == '$' || isIdentStart(src[i+1])) && dollarTag(src[i:]) != "":
			tag := dollarTag(src[i:])
			start := i
			rest := src[i+len(tag):]
			idx := strings.Index(rest, tag)
			if idx < 0 {
				return nil, fmt.Errorf("unterminated dollar-quoted string at offset %d", start)
			}
			i += len(tag) + idx + len(tag)
			out = append(out, token{kind: tokString, text: src[start:i], pos: start})

		case c == '$' && i+1 < n && isDigit(src[i+1]):
			start := i
			i++
			for i < n && isDigit(src[i]) {
				i++
			}
			out = append(out, token{kind: tokParam, text: src[start:i], pos: start})

		case c == '?':
			out = append(out, token{kind: tokParam, text: "?", pos: i})
			i++

		case c == '"' || c == '`':
			start := i
			end, err := scanQuoted(src, i, c, false)
			if err != nil {
				return nil, fmt.Errorf("unterminated quoted identifier at offset %d", start)
			}
			inner := src[start+1 : end-1]
			inner = strings.ReplaceAll(inner, string([]byte{c, c}), string(c))
			out = append(out, token{kind: tokQuotedIdent, text: inner, pos: start})
			i = end

		case c == '[' && len(out) > 0 && out[len(out)-1].upper() != "ARRAY" && !isValueToken(out[len(out)-1]):
			// SQLite-style [identifier]; array subscripts follow a value token.
			start := i
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated bracket identifier at offset %d", start)
			}
			out = append(out, token{kind: tokQuotedIdent, text: src[i+1 : i+end], pos: start})
			i += end + 1

		case isDigit(c) || (c == '.' && i+1 < n && isDigit(src[i+1])):
			start := i
			for i < n && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '+' || src[i] == '-') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			out = append(out, token{kind: tokNumber, text: src[start:i], pos: start})

		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(src[i]) {
				i++
			}
			out = append(out, token{kind: tokIdent, text: src[start:i], pos: start})

		case c == ':' && i+1 < n && src[i+1] == ':':
			out = append(out, token{kind: tokPunct, text: "::", pos: i})
			i += 2

		case c == ':' && i+1 < n && isIdentStart(src[i+1]):
			start := i
			i++
			for i < n && isIdentPart(src[i]) {
				i++
			}
			out = append(out, token{kind: tokParam, text: src[start:i], pos: start})

		default:
			op := string(c)
			if i+1 < n {
				two := src[i : i+2]
				switch two {
				case "<=", ">=", "<>", "!=", "||", "->", "@>", "<@", "&&":
					op = two
				}
			}
			out = append(out, token{kind: tokPunct, text: op, pos: i})
			i += len(op)
		}
	}
	return out, nil
}

// scanQuoted returns the index just past the closing quote of a quoted run
// starting at src[i] == q. Doubled quotes are escapes. Backslash escapes
// apply only to E'...' strings; both Postgres and SQLite read a backslash in
// a plain literal as itself.
func scanQuoted(src string, i int, q byte, backslash bool) (int, error) {
	i++
	for i < len(src) {
		if src[i] == q {
			if i+1 < len(src) && src[i+1] == q {
				i += 2
				continue
			}
			return i + 1, nil
		}
		if backslash && src[i] == '\\' && i+1 < len(src) {
			i += 2
			continue
		}
		i++
	}
	return 0, fmt.Errorf("unterminated")
}

// dollarTag returns "$tag$" when s starts with a dollar-quote opener.
func dollarTag(s string) string {
	if len(s) < 2 || s[0] != '$' {
		return ""
	}
	j := 1
	for j < len(s) && isIdentPart(s[j]) && s[j] != '$' {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[:j+1]
	}
	return ""
}

func isValueToken(t token) bool {
	switch t.kind {
	case tokIdent:
		return !isKeyword(t.upper())
	case tokQuotedIdent, tokString, tokNumber, tokParam:
		return true
	case tokPunct:
		return t.text == ")" || t.text == "]"
	}
	return false
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c|0x20 >= 'a' && c|0x20 <= 'z') || c >= 0x80 }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) || c == '$' }
