// Package jsonrepair recovers a JSON object from free-form generative-model output.
//
// Model responses wrap JSON in prose and markdown fences, leave trailing commas,
// use bare keys or single quotes, and get cut off mid-string. Repair tries an
// ordered chain of cheap strategies and returns the first object that parses.
// A nil result is an expected outcome, not an error.
package jsonrepair

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// fix is a single textual repair step.
type fix func(string) string

// repairs run cumulatively, in order, with a parse attempt after each one.
var repairs = []fix{
	escapeInnerQuotes,
	closeUnterminatedString,
	dropTrailingCommas,
	quoteBareKeys,
	singleToDoubleQuotes,
	closeBrackets,
	stripControlChars,
	unescapeQuotes,
}

var (
	fencePattern         = regexp.MustCompile("(?s)```[A-Za-z]*\\s*(.*?)```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyPattern       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	openSinglePattern    = regexp.MustCompile(`([{\[,:]\s*)'`)
	closeSinglePattern   = regexp.MustCompile(`'(\s*[,:}\]])`)
)

// Repair returns the JSON object embedded in text, or nil if none can be recovered.
func Repair(text string) map[string]interface{} {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if obj, ok := parse(text); ok {
		return obj
	}
	if !strings.Contains(text, "{") {
		return nil
	}

	if obj, ok := parse(extractObject(text)); ok {
		return obj
	}

	unfenced := stripFences(text)
	if obj, ok := parse(unfenced); ok {
		return obj
	}

	candidate := extractObject(unfenced)
	for _, f := range repairs {
		candidate = f(candidate)
		if obj, ok := parse(candidate); ok {
			return obj
		}
	}
	return nil
}

func parse(s string) (map[string]interface{}, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// extractObject returns the first balanced {...} span. Braces inside strings do not
// count. If the object never closes, everything from the first brace is returned so
// later repairs can finish it.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}

	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if c == '\\' {
			i++
			continue
		}
		if inString {
			if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func stripFences(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	// Truncated responses often open a fence and never close it.
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.Contains(rest[:nl], "{") {
			rest = rest[nl+1:]
		}
		return strings.TrimSpace(strings.ReplaceAll(rest, "```", ""))
	}
	return s
}

// escapeInnerQuotes escapes a quote inside a string unless the next
// non-space character could follow a closing quote.
func escapeInnerQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		if c == '"' {
			switch {
			case !inString:
				inString = true
			case closesString(s[i+1:]):
				inString = false
			default:
				b.WriteString(`\"`)
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func closesString(rest string) bool {
	rest = strings.TrimLeft(rest, " \t\r\n")
	return rest == "" || strings.IndexByte(":,}]", rest[0]) >= 0
}

func closeUnterminatedString(s string) string {
	count := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			count++
		}
	}
	if count%2 == 1 {
		return s + `"`
	}
	return s
}

func dropTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

func quoteBareKeys(s string) string {
	return bareKeyPattern.ReplaceAllString(s, `$1"$2":`)
}

func singleToDoubleQuotes(s string) string {
	if !strings.Contains(s, `"`) {
		return strings.ReplaceAll(s, "'", `"`)
	}
	// Mixed quoting: only touch quotes next to structural characters so
	// apostrophes inside values survive.
	s = openSinglePattern.ReplaceAllString(s, `$1"`)
	return closeSinglePattern.ReplaceAllString(s, `"$1`)
}

func closeBrackets(s string) string {
	var stack []byte
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' {
			i++
			continue
		}
		if inString {
			if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 && !inString {
		return s
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	b.Reset()
	b.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case r < 0x20:
			return -1
		}
		return r
	}, s)
}

func unescapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	return strings.ReplaceAll(s, `\n`, " ")
}

// Float reads a numeric field. Numeric strings are accepted.
// present is false when the key is absent or null; ok is false when the value
// is present but not a finite number.
func Float(obj map[string]interface{}, key string) (v float64, present bool, ok bool) {
	raw, exists := obj[key]
	if !exists || raw == nil {
		return 0, false, false
	}
	switch x := raw.(type) {
	case float64:
		return x, true, true
	case json.Number:
		f, err := x.Float64()
		return f, true, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, true, false
		}
		return f, true, true
	default:
		return 0, true, false
	}
}

// String reads a string field.
func String(obj map[string]interface{}, key string) (string, bool) {
	s, ok := obj[key].(string)
	return s, ok
}
