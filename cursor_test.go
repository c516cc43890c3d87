package wireql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wireql/wireql/internal/wire"
)

// writeColumnDef writes one Protocol::ColumnDefinition41 packet for name
// with the given field type, using utf8_general_ci.
func writeColumnDef(pc *wire.Conn, t *testing.T, name string, typ wire.FieldType) {
	t.Helper()
	pkt := []byte{}
	pkt = wire.PutLengthEncodedString(pkt, []byte("def"))
	pkt = wire.PutLengthEncodedString(pkt, []byte("testdb"))
	pkt = wire.PutLengthEncodedString(pkt, []byte("t"))
	pkt = wire.PutLengthEncodedString(pkt, []byte("t"))
	pkt = wire.PutLengthEncodedString(pkt, []byte(name))
	pkt = wire.PutLengthEncodedString(pkt, []byte(name))
	pkt = wire.PutLengthEncodedInteger(pkt, 0x0c)
	pkt = append(pkt, 0x21, 0)
	pkt = append(pkt, 1, 0, 0, 0)
	pkt = append(pkt, byte(typ))
	pkt = append(pkt, 0, 0)
	pkt = append(pkt, 0)
	if err := pc.WritePacket(pkt); err != nil {
		t.Fatalf("writing column def: %v", err)
	}
}

func writeEOF(t *testing.T, pc *wire.Conn, status uint16) {
	t.Helper()
	pkt := []byte{wire.EOFPacketHeader, 0, 0, byte(status), byte(status >> 8)}
	if err := pc.WritePacket(pkt); err != nil {
		t.Fatalf("writing EOF: %v", err)
	}
}

func writeTextRow(t *testing.T, pc *wire.Conn, values ...string) {
	t.Helper()
	var pkt []byte
	for _, v := range values {
		pkt = wire.PutLengthEncodedString(pkt, []byte(v))
	}
	if err := pc.WritePacket(pkt); err != nil {
		t.Fatalf("writing row: %v", err)
	}
}

// serveAfterHandshake drives the shared pre-query handshake/autocommit
// dance, then hands control to query for however many COM_QUERY commands
// the test wants to script responses for.
func serveAfterHandshake(t *testing.T, pc *wire.Conn, query func()) {
	t.Helper()
	seed := []byte("01234567890123456789")
	writeGreeting(t, pc, seed)
	if _, err := pc.ReadPacket(); err != nil {
		return
	}
	writeOK(t, pc, 0, 0)
	pc.ResetSequence()
	if _, err := pc.ReadPacket(); err != nil {
		return
	}
	writeOK(t, pc, 0, 0)
	query()
}

func TestCursorDictFetchAllDecodesColumnNames(t *testing.T) {
	fs := startFakeServer(t, func(pc *wire.Conn) {
		serveAfterHandshake(t, pc, func() {
			pc.ResetSequence()
			if _, err := pc.ReadPacket(); err != nil { // COM_QUERY
				return
			}
			pc.WritePacket(wire.PutLengthEncodedInteger(nil, 2))
			writeColumnDef(pc, t, "id", wire.TypeLong)
			writeColumnDef(pc, t, "name", wire.TypeVarString)
			writeEOF(t, pc, 2)
			writeTextRow(t, pc, "1", "alice")
			writeTextRow(t, pc, "2", "bob")
			writeEOF(t, pc, 2)
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, baseTestConfig(t, fs))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	cur := conn.Cursor(CursorDict)
	defer cur.Close()
	if _, err := cur.Execute(ctx, "SELECT id, name FROM t"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rows, err := cur.FetchAll()
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	row0 := rows[0].(map[string]any)
	if row0["id"] != int64(1) || row0["name"] != "alice" {
		t.Fatalf("unexpected row: %+v", row0)
	}
	row1 := rows[1].(map[string]any)
	if row1["id"] != int64(2) || row1["name"] != "bob" {
		t.Fatalf("unexpected row: %+v", row1)
	}
}

func TestCursorExecuteManyBatchesIntoOneStatement(t *testing.T) {
	var capturedQueries []string
	fs := startFakeServer(t, func(pc *wire.Conn) {
		serveAfterHandshake(t, pc, func() {
			for {
				pc.ResetSequence()
				pkt, err := pc.ReadPacket()
				if err != nil || len(pkt) == 0 {
					return
				}
				if wire.Command(pkt[0]) != wire.ComQuery {
					return
				}
				capturedQueries = append(capturedQueries, string(pkt[1:]))
				writeOK(t, pc, 3, 0)
				return
			}
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, baseTestConfig(t, fs))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	cur := conn.Cursor(CursorTuple)
	defer cur.Close()

	n, err := cur.ExecuteMany(ctx, "INSERT INTO t (a, b) VALUES (%s, %s)", [][]any{
		{1, "x"},
		{2, "y"},
		{3, "z"},
	})
	if err != nil {
		t.Fatalf("ExecuteMany: %v", err)
	}
	if n != 3 {
		t.Fatalf("got affected=%d, want 3", n)
	}
	if len(capturedQueries) != 1 {
		t.Fatalf("expected executemany to batch into a single statement, server saw %d: %v", len(capturedQueries), capturedQueries)
	}
	got := capturedQueries[0]
	for _, want := range []string{"(1, 'x')", "(2, 'y')", "(3, 'z')"} {
		if !containsSubstring(got, want) {
			t.Fatalf("batched statement %q missing %q", got, want)
		}
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestCursorScrollBufferedAbsoluteAndRelative(t *testing.T) {
	fs := startFakeServer(t, func(pc *wire.Conn) {
		serveAfterHandshake(t, pc, func() {
			pc.ResetSequence()
			if _, err := pc.ReadPacket(); err != nil {
				return
			}
			pc.WritePacket(wire.PutLengthEncodedInteger(nil, 1))
			writeColumnDef(pc, t, "n", wire.TypeLong)
			writeEOF(t, pc, 2)
			writeTextRow(t, pc, "10")
			writeTextRow(t, pc, "20")
			writeTextRow(t, pc, "30")
			writeEOF(t, pc, 2)
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, baseTestConfig(t, fs))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	cur := conn.Cursor(CursorTuple)
	defer cur.Close()
	if _, err := cur.Execute(ctx, "SELECT n FROM t"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if err := cur.Scroll(2, ScrollAbsolute); err != nil {
		t.Fatalf("Scroll absolute: %v", err)
	}
	row, ok, err := cur.FetchOne()
	if err != nil || !ok {
		t.Fatalf("FetchOne after absolute scroll: ok=%v err=%v", ok, err)
	}
	if row.([]any)[0] != int64(30) {
		t.Fatalf("got %v, want row 3 (30)", row)
	}

	if err := cur.Scroll(-2, ScrollRelative); err != nil {
		t.Fatalf("Scroll relative: %v", err)
	}
	row, ok, err = cur.FetchOne()
	if err != nil || !ok {
		t.Fatalf("FetchOne after relative scroll: ok=%v err=%v", ok, err)
	}
	if row.([]any)[0] != int64(20) {
		t.Fatalf("got %v, want row 2 (20)", row)
	}
}

func TestCursorScrollStreamingBackwardNotSupported(t *testing.T) {
	fs := startFakeServer(t, func(pc *wire.Conn) {
		serveAfterHandshake(t, pc, func() {
			pc.ResetSequence()
			if _, err := pc.ReadPacket(); err != nil {
				return
			}
			pc.WritePacket(wire.PutLengthEncodedInteger(nil, 1))
			writeColumnDef(pc, t, "n", wire.TypeLong)
			writeEOF(t, pc, 2)
			writeTextRow(t, pc, "1")
			writeTextRow(t, pc, "2")
			writeEOF(t, pc, 2)
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, baseTestConfig(t, fs))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	cur := conn.Cursor(CursorStreamingTuple)
	defer cur.Close()
	if _, err := cur.Execute(ctx, "SELECT n FROM t"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	err = cur.Scroll(-1, ScrollRelative)
	if err == nil {
		t.Fatal("expected an error scrolling backward on a streaming cursor")
	}
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindNotSupported {
		t.Fatalf("got %v, want a KindNotSupported *Error", err)
	}
}

func TestCursorNextSetAdvancesToSecondResultSet(t *testing.T) {
	fs := startFakeServer(t, func(pc *wire.Conn) {
		serveAfterHandshake(t, pc, func() {
			pc.ResetSequence()
			if _, err := pc.ReadPacket(); err != nil { // COM_QUERY
				return
			}
			// First statement: one row, status announces more results.
			pc.WritePacket(wire.PutLengthEncodedInteger(nil, 1))
			writeColumnDef(pc, t, "n", wire.TypeLong)
			writeEOF(t, pc, wire.StatusMoreResultsExists)
			writeTextRow(t, pc, "1")
			writeEOF(t, pc, wire.StatusMoreResultsExists)

			// Second statement: a plain OK, no further results.
			writeOK(t, pc, 5, 0)
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, baseTestConfig(t, fs))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	cur := conn.Cursor(CursorTuple)
	defer cur.Close()
	if _, err := cur.Execute(ctx, "SELECT n FROM t; UPDATE t SET n = n"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rows, err := cur.FetchAll()
	if err != nil {
		t.Fatalf("FetchAll on first result set: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	ok, err := cur.NextSet(ctx)
	if err != nil {
		t.Fatalf("NextSet: %v", err)
	}
	if !ok {
		t.Fatal("NextSet reported no further result set")
	}
	if cur.Description() != nil {
		t.Fatalf("expected the second result set to be an OK result with no description")
	}
	if cur.RowCount() != 5 {
		t.Fatalf("got RowCount()=%d, want 5", cur.RowCount())
	}

	ok, err = cur.NextSet(ctx)
	if err != nil {
		t.Fatalf("NextSet at end: %v", err)
	}
	if ok {
		t.Fatal("expected no third result set")
	}
}

func TestCursorCloseIsIdempotentAndBlocksFurtherUse(t *testing.T) {
	fs := startFakeServer(t, func(pc *wire.Conn) {
		serveAfterHandshake(t, pc, func() {
			pc.ResetSequence()
			if _, err := pc.ReadPacket(); err != nil {
				return
			}
			pc.WritePacket(wire.PutLengthEncodedInteger(nil, 1))
			writeColumnDef(pc, t, "n", wire.TypeLong)
			writeEOF(t, pc, 2)
			writeTextRow(t, pc, "1")
			writeEOF(t, pc, 2)
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Connect(ctx, baseTestConfig(t, fs))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	cur := conn.Cursor(CursorTuple)
	if _, err := cur.Execute(ctx, "SELECT n FROM t"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := cur.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := cur.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
	if _, _, err := cur.FetchOne(); err == nil {
		t.Fatal("expected FetchOne on a closed cursor to fail")
	}
}
