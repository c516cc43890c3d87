package wireql

import (
	"testing"
	"time"
)

func TestRenderQuerySubstitutesPlaceholders(t *testing.T) {
	got, err := renderQuery("SELECT * FROM t WHERE id = %s AND name = %s", []any{42, "o'brien"}, false)
	if err != nil {
		t.Fatalf("renderQuery: %v", err)
	}
	want := `SELECT * FROM t WHERE id = 42 AND name = 'o\'brien'`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRenderQueryNoArgsNoPlaceholdersIsUnchanged(t *testing.T) {
	got, err := renderQuery("SELECT 1", nil, false)
	if err != nil {
		t.Fatalf("renderQuery: %v", err)
	}
	if got != "SELECT 1" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderQueryMismatchedPlaceholderCountErrors(t *testing.T) {
	if _, err := renderQuery("SELECT %s, %s", []any{1}, false); err == nil {
		t.Fatal("expected an error for too few arguments")
	}
	if _, err := renderQuery("SELECT %s", []any{1, 2}, false); err == nil {
		t.Fatal("expected an error for too many arguments")
	}
	if _, err := renderQuery("SELECT 1", []any{1}, false); err == nil {
		t.Fatal("expected an error when args are given but no placeholders appear")
	}
}

func TestLiteralForTypes(t *testing.T) {
	cases := []struct {
		name string
		v    any
		want string
	}{
		{"nil", nil, "NULL"},
		{"bool true", true, "1"},
		{"bool false", false, "0"},
		{"int", 7, "7"},
		{"uint64", uint64(18446744073709551615), "18446744073709551615"},
		{"float64", 3.5, "3.5"},
		{"bytes", []byte{0xde, 0xad}, "_binary'\xde\xad'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := literalFor(tc.v, false)
			if err != nil {
				t.Fatalf("literalFor(%v): %v", tc.v, err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLiteralForTimeAndDuration(t *testing.T) {
	ts := time.Date(2024, 3, 15, 12, 30, 45, 0, time.UTC)
	got, err := literalFor(ts, false)
	if err != nil {
		t.Fatalf("literalFor(time.Time): %v", err)
	}
	if got != "'2024-03-15 12:30:45'" {
		t.Fatalf("got %q", got)
	}

	got, err = literalFor(-90*time.Minute, false)
	if err != nil {
		t.Fatalf("literalFor(time.Duration): %v", err)
	}
	if got != "'-01:30:00'" {
		t.Fatalf("got %q", got)
	}
}

func TestLiteralForUnsupportedTypeErrors(t *testing.T) {
	if _, err := literalFor(struct{ X int }{1}, false); err == nil {
		t.Fatal("expected an error for an unsupported parameter type")
	}
}

func TestQuoteStringBackslashEscaping(t *testing.T) {
	got := quoteString("a'b\\c\nd", false)
	want := `'a\'b\\c\nd'`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestQuoteStringNoBackslashEscapesOnlyDoublesQuote(t *testing.T) {
	got := quoteString(`a'b\c`, true)
	want := `'a''b\c'`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSplitInsertValuesSimple(t *testing.T) {
	prefix, template, tail, ok := splitInsertValues("INSERT INTO t (a, b) VALUES (%s, %s)")
	if !ok {
		t.Fatal("expected a recognizable INSERT statement")
	}
	if prefix != "INSERT INTO t (a, b) VALUES " {
		t.Fatalf("got prefix %q", prefix)
	}
	if template != "(%s, %s)" {
		t.Fatalf("got template %q", template)
	}
	if tail != "" {
		t.Fatalf("got tail %q, want empty", tail)
	}
}

func TestSplitInsertValuesWithOnDuplicateKeyTail(t *testing.T) {
	prefix, template, tail, ok := splitInsertValues(
		"INSERT INTO t (a) VALUES (%s) ON DUPLICATE KEY UPDATE a = VALUES(a)")
	if !ok {
		t.Fatal("expected a recognizable INSERT statement")
	}
	if template != "(%s)" {
		t.Fatalf("got template %q", template)
	}
	if tail != "ON DUPLICATE KEY UPDATE a = VALUES(a)" {
		t.Fatalf("got tail %q", tail)
	}
	_ = prefix
}

func TestSplitInsertValuesIgnoresParensInsideStringLiteral(t *testing.T) {
	prefix, template, _, ok := splitInsertValues("INSERT INTO t (a) VALUES ('x)y', %s)")
	if !ok {
		t.Fatal("expected a recognizable INSERT statement")
	}
	if template != "('x)y', %s)" {
		t.Fatalf("got template %q, want the embedded ')' inside the string literal to be ignored", template)
	}
	_ = prefix
}

func TestSplitInsertValuesNotAnInsertStatement(t *testing.T) {
	if _, _, _, ok := splitInsertValues("SELECT * FROM t"); ok {
		t.Fatal("expected ok=false for a non-INSERT statement")
	}
}
