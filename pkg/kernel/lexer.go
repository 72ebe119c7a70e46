package kernel

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokParam
	tokSymbol
)

type token struct {
	kind  tokenKind
	text  string // source text, quotes included
	value any    // decoded literal, identifier name or parameter name
	pos   int
}

// keyword reports whether t is the identifier kw, ignoring case.
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.value.(string), kw)
}

func (t token) symbol(s string) bool {
	return t.kind == tokSymbol && t.text == s
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++

		case r == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1]), unicode.IsDigit(r):
			start := i
			i++
			isFloat := false
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E') {
				if rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E' {
					isFloat = true
				}
				i++
			}
			text := string(rs[start:i])
			if isFloat {
				f, err := strconv.ParseFloat(text, 64)
				if err != nil {
					return nil, errors.Wrapf(ErrSyntax, "invalid number %q at offset %d", text, start)
				}
				toks = append(toks, token{kind: tokFloat, text: text, value: f, pos: start})
			} else {
				n, err := strconv.ParseInt(text, 10, 64)
				if err != nil {
					return nil, errors.Wrapf(ErrSyntax, "invalid integer %q at offset %d", text, start)
				}
				toks = append(toks, token{kind: tokInt, text: text, value: n, pos: start})
			}

		case r == '\'' || r == '"':
			start := i
			s, next, err := lexString(rs, i)
			if err != nil {
				return nil, err
			}
			i = next
			toks = append(toks, token{kind: tokString, text: string(rs[start:i]), value: s, pos: start})

		case r == '`':
			start := i
			end := i + 1
			for end < len(rs) && rs[end] != '`' {
				end++
			}
			if end == len(rs) {
				return nil, errors.Wrapf(ErrSyntax, "unterminated identifier at offset %d", start)
			}
			i = end + 1
			toks = append(toks, token{kind: tokIdent, text: string(rs[start:i]), value: string(rs[start+1 : end]), pos: start})

		case r == '$':
			start := i
			i++
			for i < len(rs) && isIdentRune(rs[i]) {
				i++
			}
			if i == start+1 {
				return nil, errors.Wrapf(ErrSyntax, "parameter name expected at offset %d", start)
			}
			toks = append(toks, token{kind: tokParam, text: string(rs[start:i]), value: string(rs[start+1 : i]), pos: start})

		case isIdentRune(r):
			start := i
			for i < len(rs) && isIdentRune(rs[i]) {
				i++
			}
			name := string(rs[start:i])
			toks = append(toks, token{kind: tokIdent, text: name, value: name, pos: start})

		case strings.ContainsRune(":,()=;", r):
			toks = append(toks, token{kind: tokSymbol, text: string(r), pos: i})
			i++

		default:
			return nil, errors.Wrapf(ErrSyntax, "unexpected character %q at offset %d", r, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func lexString(rs []rune, i int) (string, int, error) {
	quote := rs[i]
	start := i
	var sb strings.Builder
	for i++; i < len(rs); i++ {
		r := rs[i]
		if r == quote {
			return sb.String(), i + 1, nil
		}
		if r != '\\' {
			sb.WriteRune(r)
			continue
		}
		i++
		if i == len(rs) {
			break
		}
		switch rs[i] {
		case 'n':
			sb.WriteRune('\n')
		case 't':
			sb.WriteRune('\t')
		case 'r':
			sb.WriteRune('\r')
		default:
			sb.WriteRune(rs[i])
		}
	}
	return "", 0, errors.Wrapf(ErrSyntax, "unterminated string at offset %d", start)
}
