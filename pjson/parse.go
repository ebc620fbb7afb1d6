// Package pjson implements best-effort parsing of incomplete JSON fragments
// and the format handlers that turn a running token buffer into structured
// output emissions (object, array and enum shapes). The parser repairs
// truncated input by discarding unusable trailing tokens and closing open
// strings and containers, so a prefix of a valid JSON document almost always
// yields a usable value.
package pjson

import (
	"encoding/json"
	"strings"
)

// State reports how a partial parse concluded.
type State int

// Parse outcomes.
const (
	// StateFailed means no value could be recovered from the fragment.
	StateFailed State = iota
	// StateRepaired means the fragment parsed after repair; trailing
	// in-progress values may have been completed or dropped.
	StateRepaired
	// StateSuccessful means the fragment was already valid JSON.
	StateSuccessful
)

// Parse attempts to parse text as JSON, repairing a truncated tail when
// necessary. The returned value is nil when the state is StateFailed.
func Parse(text string) (any, State) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, StateFailed
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v, StateSuccessful
	}
	repaired, ok := repair(trimmed)
	if !ok {
		return nil, StateFailed
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, StateFailed
	}
	return v, StateRepaired
}

type phase uint8

const (
	phObjKeyFirst phase = iota // after '{', expecting first key or '}'
	phObjKey                   // after ',', expecting a key
	phObjColon                 // after a key, expecting ':'
	phObjValue                 // after ':', expecting a value
	phObjAfter                 // after a value, expecting ',' or '}'
	phArrValFirst              // after '[', expecting first value or ']'
	phArrVal                   // after ',', expecting a value
	phArrAfter                 // after a value, expecting ',' or ']'
)

type frame struct {
	open byte // '{' or '['
	ph   phase
	// memberStart is the index of the current member's start: the ','
	// preceding it, or the member itself when it is the first one. Used to
	// discard unusable trailing members.
	memberStart int
}

// repair scans s with a minimal JSON state machine, discards a trailing
// member that cannot be completed (a partial key, a dangling ':' or ','),
// completes trailing literals and numbers, closes an open string value, and
// appends closers for every open container.
func repair(s string) (string, bool) {
	var stack []frame
	inString, isKey, escape := false, false, false
	hexRem := 0
	tokenStart := -1
	n := len(s)

	top := func() *frame {
		if len(stack) == 0 {
			return nil
		}
		return &stack[len(stack)-1]
	}
	markValueEnd := func() {
		if f := top(); f != nil {
			if f.open == '{' {
				f.ph = phObjAfter
			} else {
				f.ph = phArrAfter
			}
		}
	}

	for i := 0; i < n; i++ {
		c := s[i]
		if inString {
			if hexRem > 0 {
				if !isHexDigit(c) {
					return "", false
				}
				hexRem--
				continue
			}
			if escape {
				escape = false
				if c == 'u' {
					hexRem = 4
				}
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
				if isKey {
					isKey = false
					if f := top(); f != nil {
						f.ph = phObjColon
					}
				} else {
					markValueEnd()
				}
			}
			continue
		}
		if tokenStart >= 0 {
			if isTokenByte(c) {
				continue
			}
			tokenStart = -1
			markValueEnd()
			// c still needs handling below
		}
		switch c {
		case ' ', '\t', '\n', '\r':
		case '{', '[':
			f := frame{open: c, memberStart: i + 1}
			if c == '{' {
				f.ph = phObjKeyFirst
			} else {
				f.ph = phArrValFirst
			}
			stack = append(stack, f)
		case '}':
			if f := top(); f == nil || f.open != '{' {
				return "", false
			}
			stack = stack[:len(stack)-1]
			markValueEnd()
		case ']':
			if f := top(); f == nil || f.open != '[' {
				return "", false
			}
			stack = stack[:len(stack)-1]
			markValueEnd()
		case '"':
			inString = true
			if f := top(); f != nil {
				switch {
				case f.open == '{' && (f.ph == phObjKeyFirst || f.ph == phObjKey):
					isKey = true
					if f.ph == phObjKeyFirst {
						f.memberStart = i
					}
				case f.open == '[' && f.ph == phArrValFirst:
					f.memberStart = i
				}
			}
		case ':':
			f := top()
			if f == nil || f.open != '{' || f.ph != phObjColon {
				return "", false
			}
			f.ph = phObjValue
		case ',':
			f := top()
			if f == nil {
				return "", false
			}
			f.memberStart = i
			if f.open == '{' {
				if f.ph != phObjAfter {
					return "", false
				}
				f.ph = phObjKey
			} else {
				if f.ph != phArrAfter {
					return "", false
				}
				f.ph = phArrVal
			}
		default:
			if f := top(); f != nil {
				switch {
				case f.open == '{' && f.ph == phObjValue:
				case f.open == '[' && f.ph == phArrValFirst:
					f.memberStart = i
				case f.open == '[' && f.ph == phArrVal:
				default:
					return "", false
				}
			}
			tokenStart = i
		}
	}

	end := n
	// cutMember discards the in-progress trailing member of the innermost
	// container and restores a consistent phase. Fails at the root: a lone
	// partial scalar with no container cannot be salvaged by truncation.
	cutMember := func() bool {
		f := top()
		if f == nil {
			return false
		}
		end = f.memberStart
		prevComplete := end < n && s[end] == ','
		if f.open == '{' {
			if prevComplete {
				f.ph = phObjAfter
			} else {
				f.ph = phObjKeyFirst
			}
		} else {
			if prevComplete {
				f.ph = phArrAfter
			} else {
				f.ph = phArrValFirst
			}
		}
		return true
	}

	body := s
	switch {
	case inString:
		if isKey {
			if !cutMember() {
				return "", false
			}
			body = s[:end]
		} else {
			e := n
			if hexRem > 0 {
				e = n - (2 + (4 - hexRem)) // drop the partial \uXXXX escape
			} else if escape {
				e = n - 1 // drop the dangling backslash
			}
			body = s[:e] + `"`
			markValueEnd()
		}
	case tokenStart >= 0:
		tok := s[tokenStart:]
		if lit, ok := completeLiteral(tok); ok {
			body = s[:tokenStart] + lit
			markValueEnd()
		} else if num, ok := trimNumber(tok); ok {
			body = s[:tokenStart] + num
			markValueEnd()
		} else {
			if !cutMember() {
				return "", false
			}
			body = s[:end]
		}
	default:
		if f := top(); f != nil {
			switch f.ph {
			case phObjKey, phObjColon, phObjValue, phArrVal:
				if !cutMember() {
					return "", false
				}
				body = s[:end]
			}
		}
	}

	if len(stack) == 0 {
		return body, true
	}
	var b strings.Builder
	b.Grow(len(body) + len(stack))
	b.WriteString(body)
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].open == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String(), true
}

// completeLiteral completes an unambiguous prefix of true, false or null.
func completeLiteral(tok string) (string, bool) {
	for _, lit := range []string{"true", "false", "null"} {
		if strings.HasPrefix(lit, tok) {
			return lit, true
		}
	}
	return "", false
}

// trimNumber strips a trailing incomplete exponent or sign from a number
// token. Returns false when nothing numeric remains.
func trimNumber(tok string) (string, bool) {
	out := tok
	for len(out) > 0 && strings.ContainsRune("+-.eE", rune(out[len(out)-1])) {
		out = out[:len(out)-1]
	}
	if out == "" || out[len(out)-1] < '0' || out[len(out)-1] > '9' {
		return "", false
	}
	return out, true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isTokenByte(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c == '+' || c == '-' || c == '.':
		return true
	}
	return false
}
