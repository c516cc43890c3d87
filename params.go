package wireql

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// renderQuery substitutes %s placeholders in query with escaped literals
// for each value in args, per §4.5. The placeholder count must match the
// argument count exactly.
func renderQuery(query string, args []any, noBackslashEscapes bool) (string, error) {
	if len(args) == 0 {
		if strings.Contains(query, "%s") {
			return "", newErr(KindProgramming, "placeholder count mismatch: query has %s but no arguments were given")
		}
		return query, nil
	}

	var b strings.Builder
	argIdx := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '%' && i+1 < len(query) && query[i+1] == 's' {
			if argIdx >= len(args) {
				return "", newErr(KindProgramming, "placeholder count mismatch: more %s than arguments")
			}
			lit, err := literalFor(args[argIdx], noBackslashEscapes)
			if err != nil {
				return "", err
			}
			b.WriteString(lit)
			argIdx++
			i++
			continue
		}
		b.WriteByte(query[i])
	}
	if argIdx != len(args) {
		return "", newErr(KindProgramming, "placeholder count mismatch: fewer %s than arguments")
	}
	return b.String(), nil
}

// literalFor renders one Go value as a MySQL SQL literal, per §4.5's
// substitution rules.
func literalFor(v any, noBackslashEscapes bool) (string, error) {
	switch t := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quoteString(t, noBackslashEscapes), nil
	case []byte:
		return quoteBinary(t, noBackslashEscapes), nil
	case bool:
		if t {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(t), nil
	case int8:
		return strconv.FormatInt(int64(t), 10), nil
	case int16:
		return strconv.FormatInt(int64(t), 10), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case time.Time:
		return quoteString(formatDatetimeLiteral(t), noBackslashEscapes), nil
	case time.Duration:
		return quoteString(formatDurationLiteral(t), noBackslashEscapes), nil
	case fmt.Stringer:
		return quoteString(t.String(), noBackslashEscapes), nil
	default:
		return "", newErr(KindProgramming, fmt.Sprintf("unsupported parameter type %T", v))
	}
}

func formatDatetimeLiteral(t time.Time) string {
	if t.IsZero() {
		return "0000-00-00 00:00:00"
	}
	if t.Nanosecond() == 0 {
		return t.Format("2006-01-02 15:04:05")
	}
	return t.Format("2006-01-02 15:04:05.000000")
}

func formatDurationLiteral(d time.Duration) string {
	neg := ""
	if d < 0 {
		neg = "-"
		d = -d
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	return fmt.Sprintf("%s%02d:%02d:%02d", neg, h, m, s)
}

// quoteString escapes and single-quotes a string value. Under
// NO_BACKSLASH_ESCAPES, only the quote character itself is escaped (by
// doubling); otherwise MySQL's traditional backslash escaping applies.
func quoteString(s string, noBackslashEscapes bool) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	if noBackslashEscapes {
		for i := 0; i < len(s); i++ {
			if s[i] == '\'' {
				b.WriteString("''")
			} else {
				b.WriteByte(s[i])
			}
		}
	} else {
		for i := 0; i < len(s); i++ {
			switch r := s[i]; r {
			case 0:
				b.WriteString(`\0`)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\\':
				b.WriteString(`\\`)
			case '\'':
				b.WriteString(`\'`)
			case '"':
				b.WriteString(`\"`)
			case '\032':
				b.WriteString(`\Z`)
			default:
				b.WriteByte(r)
			}
		}
	}
	b.WriteByte('\'')
	return b.String()
}

// quoteBinary renders a []byte as a MySQL `_binary'...'` literal, per
// §4.5.
func quoteBinary(p []byte, noBackslashEscapes bool) string {
	return "_binary" + quoteString(string(p), noBackslashEscapes)
}

// splitInsertValues locates the "VALUES (...)" clause of an
// INSERT-shaped statement for executemany batching (§4.5). It matches
// case-insensitively on "VALUES" followed by a parenthesized template,
// optionally followed by an "ON DUPLICATE KEY UPDATE" tail. Returns ok
// == false when the statement is not a recognizable single-row INSERT.
func splitInsertValues(query string) (prefix, template, tail string, ok bool) {
	upper := strings.ToUpper(query)
	idx := strings.Index(upper, "VALUES")
	if idx < 0 {
		return "", "", "", false
	}
	rest := strings.TrimLeft(query[idx+len("VALUES"):], " \t\n\r")
	if len(rest) == 0 || rest[0] != '(' {
		return "", "", "", false
	}
	depth := 0
	end := -1
	inStr := byte(0)
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if inStr != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == inStr {
				inStr = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inStr = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return "", "", "", false
	}
	prefix = query[:idx+len("VALUES")] + " "
	template = rest[:end+1]
	tail = rest[end+1:]
	return prefix, template, strings.TrimSpace(tail), true
}
