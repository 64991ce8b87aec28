package completion

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/resilience"
)

// Decode unmarshals text into out. Strict JSON is tried first, then the
// repaired form. A failure of both yields *resilience.MalformedOutputError.
func Decode(text string, out any) error {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		if err := json.Unmarshal([]byte(trimmed), out); err == nil {
			return nil
		}
	}

	repaired := Repair(text)
	if repaired == "" {
		return &resilience.MalformedOutputError{Err: eris.New("completion: empty output"), Raw: text}
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return &resilience.MalformedOutputError{Err: eris.Wrap(err, "completion: decode repaired output"), Raw: text}
	}
	return nil
}

// Repair strips markdown fences, cuts to the outermost object, escapes raw
// control characters inside strings, drops trailing commas and closes
// truncated brackets.
func Repair(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end > start {
		text = text[start : end+1]
	} else {
		text = text[start:]
	}

	text = strings.TrimSpace(text)
	text = escapeControlChars(text)
	text = stripTrailingCommas(text)
	return repairTruncatedJSON(text)
}

// escapeControlChars escapes newlines and tabs inside string literals and
// drops other control bytes, which strict JSON rejects.
func escapeControlChars(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escape := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escape {
			escape = false
			b.WriteByte(c)
			continue
		}
		if c == '\\' && inString {
			escape = true
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = !inString
			b.WriteByte(c)
			continue
		}
		if c < 0x20 {
			if !inString {
				if c == '\n' || c == '\r' || c == '\t' {
					b.WriteByte(c)
				}
				continue
			}
			switch c {
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// stripTrailingCommas removes commas that directly precede a closing
// bracket or brace outside of strings.
func stripTrailingCommas(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inString := false
	escape := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escape {
			escape = false
			b.WriteByte(c)
			continue
		}
		if c == '\\' && inString {
			escape = true
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = !inString
		}
		if c == ',' && !inString {
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\n' || text[j] == '\r' || text[j] == '\t') {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// repairTruncatedJSON closes any unclosed strings, brackets or braces.
func repairTruncatedJSON(text string) string {
	if len(text) == 0 {
		return text
	}

	var stack []byte
	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escape {
			escape = false
			continue
		}
		if c == '\\' && inString {
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
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

	if inString {
		text = strings.TrimSuffix(text, `\`) + `"`
	}

	for i := len(stack) - 1; i >= 0; i-- {
		text = strings.TrimRight(text, " \t\n\r,")
		text = strings.TrimSuffix(text, ":")
		text += string(stack[i])
	}

	return text
}

// Clip cuts text to at most n bytes without splitting a UTF-8 sequence.
func Clip(text string, n int) string {
	if n < 0 {
		n = 0
	}
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}
