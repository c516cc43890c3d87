package wireql

import (
	"context"
	"fmt"

	"github.com/wireql/wireql/internal/wire"
)

// ScrollMode selects how Cursor.Scroll interprets its value argument.
type ScrollMode int

const (
	// ScrollRelative moves by value rows from the current position.
	ScrollRelative ScrollMode = iota
	// ScrollAbsolute moves to row index value.
	ScrollAbsolute
)

// Cursor is the capability interface §9 asks for re-expressed as a flat
// struct configured by CursorClass, instead of a subclass per variant
// (TupleCursor / DictCursor / StreamingTupleCursor / StreamingDictCursor).
// It holds a non-owning back-reference to its Connection: a cursor
// becomes invalid once that connection closes (§9).
type Cursor struct {
	conn  *Connection
	class CursorClass

	rs          *ResultSet
	description []ColumnDef

	rowcount  int64
	rownumber int
	lastrowid uint64
	arraysize int
	closed    bool
}

// NewCursor constructs a Cursor bound to conn. Connection.Cursor is the
// usual entry point; this is exported for callers assembling a cursor
// without going through that convenience method.
func NewCursor(conn *Connection, class CursorClass) *Cursor {
	return &Cursor{conn: conn, class: class, rowcount: -1, arraysize: 1}
}

// Cursor returns a new Cursor over c using cls, or the Config's default
// CursorClass when cls is omitted via CursorTuple's zero value semantics
// — callers wanting a non-default class pass it explicitly.
func (c *Connection) Cursor(class CursorClass) *Cursor {
	if class == CursorTuple {
		class = c.cfg.CursorClass
	}
	return NewCursor(c, class)
}

func (cu *Cursor) isStreaming() bool {
	return cu.class == CursorStreamingTuple || cu.class == CursorStreamingDict
}

func (cu *Cursor) isDict() bool {
	return cu.class == CursorDict || cu.class == CursorStreamingDict
}

// Description returns the column definitions of the most recent result
// set, or nil for a command that returned no rows.
func (cu *Cursor) Description() []ColumnDef { return cu.description }

// RowCount returns the affected/selected row count from the most recent
// execute, or -1 if not yet known (initial state, or a streaming
// cursor's row total, which is never known up front).
func (cu *Cursor) RowCount() int64 { return cu.rowcount }

// RowNumber returns the zero-based index of the next row Fetch* will
// return.
func (cu *Cursor) RowNumber() int { return cu.rownumber }

// LastRowID returns the last-insert-id from the most recent execute.
func (cu *Cursor) LastRowID() uint64 { return cu.lastrowid }

// ArraySize is the default batch size FetchMany uses when size is
// omitted; defaults to 1.
func (cu *Cursor) ArraySize() int { return cu.arraysize }

// SetArraySize changes ArraySize.
func (cu *Cursor) SetArraySize(n int) {
	if n > 0 {
		cu.arraysize = n
	}
}

func (cu *Cursor) checkOpen() error {
	if cu.closed {
		return wrapErr(KindProgramming, "cursor closed", ErrCursorClosed)
	}
	return nil
}

// resetResult drains any previous result set before starting a new one,
// matching §4.5: an Execute always leaves the cursor pointed at exactly
// one fresh result.
func (cu *Cursor) resetResult() error {
	if cu.rs != nil {
		if err := cu.rs.drain(); err != nil {
			return err
		}
	}
	cu.rs = nil
	cu.description = nil
	cu.rowcount = -1
	cu.rownumber = 0
	cu.lastrowid = 0
	return nil
}

// Execute renders query against args and runs it as a single command
// (§4.5).
func (cu *Cursor) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	if err := cu.checkOpen(); err != nil {
		return 0, err
	}
	if err := cu.resetResult(); err != nil {
		return 0, err
	}

	rendered, err := renderQuery(query, args, cu.conn.status&wire.StatusNoBackslashEscapes != 0)
	if err != nil {
		return 0, err
	}

	rs, err := cu.conn.Query(ctx, rendered, cu.isStreaming())
	if err != nil {
		return 0, err
	}
	cu.applyResultSet(rs)
	return cu.rowcount, nil
}

func (cu *Cursor) applyResultSet(rs *ResultSet) {
	cu.rs = rs
	if rs.IsOK() {
		ar, li, _, _ := rs.OK()
		cu.description = nil
		cu.rowcount = int64(ar)
		cu.lastrowid = li
		return
	}
	cu.description = rs.Columns
	if cu.isStreaming() {
		cu.rowcount = -1
	} else {
		cu.rowcount = int64(rs.RowCount())
	}
}

// ExecuteMany batches an INSERT ... VALUES (...) statement across every
// row in argsSeq into as few multi-row INSERTs as fit under
// max_allowed_packet, per §4.5. Non-INSERT statements fall back to N
// sequential Execute calls. Returns total affected rows.
func (cu *Cursor) ExecuteMany(ctx context.Context, query string, argsSeq [][]any) (int64, error) {
	if err := cu.checkOpen(); err != nil {
		return 0, err
	}
	if len(argsSeq) == 0 {
		return 0, nil
	}

	prefix, template, tail, ok := splitInsertValues(query)
	if !ok {
		var total int64
		for _, args := range argsSeq {
			n, err := cu.Execute(ctx, query, args...)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	}

	noBackslash := cu.conn.status&wire.StatusNoBackslashEscapes != 0
	maxPacket := cu.conn.cfg.MaxAllowedPacket

	var total int64
	var batch []string
	batchLen := len(prefix) + len(tail)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		stmt := prefix + joinRows(batch) + " " + tail
		n, err := cu.Execute(ctx, stmt)
		if err != nil {
			return err
		}
		total += n
		batch = batch[:0]
		batchLen = len(prefix) + len(tail)
		return nil
	}

	for _, args := range argsSeq {
		rendered, err := renderQuery(template, args, noBackslash)
		if err != nil {
			return total, err
		}
		rowLen := len(rendered) + 2 // ", " separator slack
		if len(batch) > 0 && batchLen+rowLen > maxPacket {
			if err := flush(); err != nil {
				return total, err
			}
		}
		batch = append(batch, rendered)
		batchLen += rowLen
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

func joinRows(rows []string) string {
	if len(rows) == 1 {
		return rows[0]
	}
	out := rows[0]
	for _, r := range rows[1:] {
		out += ", " + r
	}
	return out
}

// CallProc binds args into server variables @_name_0.. and issues CALL
// name(...), per §4.5. The original args are returned unchanged; OUT and
// INOUT retrieval is the caller's responsibility via a follow-up SELECT
// (§9 Open Question, preserved as a deliberate deviation).
func (cu *Cursor) CallProc(ctx context.Context, name string, args []any) ([]any, error) {
	if err := cu.checkOpen(); err != nil {
		return nil, err
	}
	noBackslash := cu.conn.status&wire.StatusNoBackslashEscapes != 0

	varNames := make([]string, len(args))
	for i, a := range args {
		varNames[i] = fmt.Sprintf("@_%s_%d", name, i)
		lit, err := literalFor(a, noBackslash)
		if err != nil {
			return nil, err
		}
		if _, err := cu.conn.Exec(ctx, fmt.Sprintf("SET %s := %s", varNames[i], lit)); err != nil {
			return nil, err
		}
	}

	call := "CALL " + name + "(" + joinIdents(varNames) + ")"
	if _, err := cu.Execute(ctx, call); err != nil {
		return nil, err
	}
	return args, nil
}

func joinIdents(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

// decodeRow converts a raw []any row into the shape the cursor's class
// promises: []any for tuple cursors, map[string]any for dict cursors
// (duplicate column names collide, last occurrence wins, per §9).
func (cu *Cursor) decodeRow(row []any) any {
	if !cu.isDict() {
		return row
	}
	m := make(map[string]any, len(row))
	for i, col := range cu.description {
		m[col.Name] = row[i]
	}
	return m
}

// FetchOne returns the next row, or ok == false once exhausted.
func (cu *Cursor) FetchOne() (row any, ok bool, err error) {
	if err := cu.checkOpen(); err != nil {
		return nil, false, err
	}
	if cu.rs == nil || cu.rs.IsOK() {
		return nil, false, nil
	}
	raw, ok, err := cu.rs.Next()
	if err != nil || !ok {
		return nil, false, err
	}
	cu.rownumber++
	return cu.decodeRow(raw), true, nil
}

// FetchMany returns up to size rows (ArraySize() if size <= 0).
func (cu *Cursor) FetchMany(size int) ([]any, error) {
	if size <= 0 {
		size = cu.arraysize
	}
	rows := make([]any, 0, size)
	for i := 0; i < size; i++ {
		row, ok, err := cu.FetchOne()
		if err != nil {
			return rows, err
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchAll returns every remaining row. For a streaming cursor this
// iterates row-by-row rather than reading into memory up front (§4.5),
// though the returned slice itself still accumulates in the caller's
// memory — callers wanting bounded memory should call FetchOne in a
// loop directly.
func (cu *Cursor) FetchAll() ([]any, error) {
	var rows []any
	for {
		row, ok, err := cu.FetchOne()
		if err != nil {
			return rows, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// Scroll repositions the cursor. Buffered cursors move an in-memory
// index; streaming cursors only support forward relative motion,
// implemented by reading and discarding rows (§4.5).
func (cu *Cursor) Scroll(value int, mode ScrollMode) error {
	if err := cu.checkOpen(); err != nil {
		return err
	}
	if cu.rs == nil || cu.rs.IsOK() {
		return newErr(KindProgramming, "scroll called with no open result set")
	}

	if cu.isStreaming() {
		if mode == ScrollAbsolute || value < 0 {
			return newErr(KindNotSupported, "backward scroll is not supported on a streaming cursor")
		}
		for i := 0; i < value; i++ {
			if _, ok, err := cu.FetchOne(); err != nil {
				return err
			} else if !ok {
				return newErr(KindData, "scroll moved past the end of the streamed result")
			}
		}
		return nil
	}

	target := value
	if mode == ScrollRelative {
		target = cu.rownumber + value
	}
	if target < 0 || target > len(cu.rs.buffered) {
		return newErr(KindProgramming, "scroll target is outside the buffered result set")
	}
	cu.rownumber = target
	cu.rs.pos = target
	return nil
}

// NextSet advances to the next result set when the previous one's
// status flags announced MORE_RESULTS_EXISTS (§4.4). ok is false when
// there is no further result set.
func (cu *Cursor) NextSet(ctx context.Context) (ok bool, err error) {
	if err := cu.checkOpen(); err != nil {
		return false, err
	}
	if cu.rs == nil || !cu.rs.MoreResults() {
		return false, nil
	}
	if err := cu.rs.drain(); err != nil {
		return false, err
	}
	rs, err := cu.conn.readResultSetHeaderOrOK(cu.isStreaming())
	if err != nil {
		return false, err
	}
	cu.applyResultSet(rs)
	cu.rownumber = 0
	return true, nil
}

// Close drains any unread rows (for a streaming cursor) and marks the
// cursor closed. Idempotent (§4.5/§8).
func (cu *Cursor) Close() error {
	if cu.closed {
		return nil
	}
	cu.closed = true
	if cu.rs != nil {
		return cu.rs.drain()
	}
	return nil
}
