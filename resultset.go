package wireql

import (
	"fmt"

	"github.com/wireql/wireql/internal/charset"
	"github.com/wireql/wireql/internal/wire"
)

// okResult is the decoded form of an OK packet (§4.4).
type okResult struct {
	affectedRows uint64
	lastInsertID uint64
	statusFlags  uint16
	warningCount uint16
	info         string
}

// readOK decodes an OK packet payload. payload[0] (the header byte) must
// already be stripped by the caller.
func readOK(payload []byte) (okResult, error) {
	var r okResult
	var n int
	r.affectedRows, _, n = wire.ReadLengthEncodedInteger(payload)
	if n == 0 {
		return r, fmt.Errorf("wireql: truncated OK packet: affected_rows")
	}
	payload = payload[n:]
	r.lastInsertID, _, n = wire.ReadLengthEncodedInteger(payload)
	if n == 0 {
		return r, fmt.Errorf("wireql: truncated OK packet: last_insert_id")
	}
	payload = payload[n:]
	if len(payload) < 4 {
		return r, fmt.Errorf("wireql: truncated OK packet: status/warnings")
	}
	r.statusFlags = uint16(payload[0]) | uint16(payload[1])<<8
	r.warningCount = uint16(payload[2]) | uint16(payload[3])<<8
	payload = payload[4:]
	if len(payload) > 0 {
		s, _, _, err := wire.ReadLengthEncodedString(payload)
		if err == nil {
			r.info = string(s)
		}
	}
	return r, nil
}

// readERR decodes an ERR packet payload (header byte already stripped)
// into the driver's structured *Error, per §4.4/§7.
func readERR(payload []byte) *Error {
	if len(payload) < 2 {
		return newErr(KindInterface, "truncated ERR packet")
	}
	number := uint16(payload[0]) | uint16(payload[1])<<8
	payload = payload[2:]
	var sqlState string
	if len(payload) > 0 && payload[0] == '#' {
		if len(payload) < 6 {
			return newErr(KindInterface, "truncated ERR packet: sqlstate")
		}
		sqlState = string(payload[1:6])
		payload = payload[6:]
	}
	return newServerError(number, sqlState, string(payload))
}

// ColumnDef is the column tuple described in §3, assembled into a
// Cursor's description.
type ColumnDef struct {
	Catalog  string
	Schema   string
	Table    string
	OrgTable string
	Name     string
	OrgName  string

	CharsetID uint16
	Length    uint32
	Type      wire.FieldType
	Flags     uint16
	Decimals  uint8
}

func (c ColumnDef) unsigned() bool { return c.Flags&wire.FlagUnsigned != 0 }

func readColumnDef(payload []byte) (ColumnDef, error) {
	var col ColumnDef
	var n int

	read := func() ([]byte, error) {
		s, isNull, consumed, err := wire.ReadLengthEncodedString(payload)
		if err != nil {
			return nil, err
		}
		payload = payload[consumed:]
		if isNull {
			return nil, nil
		}
		return s, nil
	}

	var s []byte
	var err error
	if s, err = read(); err != nil {
		return col, err
	}
	col.Catalog = string(s)
	if s, err = read(); err != nil {
		return col, err
	}
	col.Schema = string(s)
	if s, err = read(); err != nil {
		return col, err
	}
	col.Table = string(s)
	if s, err = read(); err != nil {
		return col, err
	}
	col.OrgTable = string(s)
	if s, err = read(); err != nil {
		return col, err
	}
	col.Name = string(s)
	if s, err = read(); err != nil {
		return col, err
	}
	col.OrgName = string(s)

	// length-encoded "fixed length fields" length (always 0x0c), skip it.
	_, _, n = wire.ReadLengthEncodedInteger(payload)
	if n == 0 {
		return col, wire.ErrMalformedPacket
	}
	payload = payload[n:]

	if len(payload) < 10 {
		return col, wire.ErrMalformedPacket
	}
	col.CharsetID = uint16(payload[0]) | uint16(payload[1])<<8
	col.Length = uint32(payload[2]) | uint32(payload[3])<<8 | uint32(payload[4])<<16 | uint32(payload[5])<<24
	col.Type = wire.FieldType(payload[6])
	col.Flags = uint16(payload[7]) | uint16(payload[8])<<8
	col.Decimals = payload[9]
	return col, nil
}

// readResultSetHeader reads the leading length-encoded column-count field
// of a result-set header packet, per §4.4.
func readResultSetHeader(payload []byte) (columnCount uint64, err error) {
	v, _, n := wire.ReadLengthEncodedInteger(payload)
	if n == 0 {
		return 0, wire.ErrMalformedPacket
	}
	return v, nil
}

// isEOFPacket reports whether payload (with its header byte still
// present) is a legacy EOF packet: header 0xfe and short enough that it
// cannot be a length-encoded-integer-prefixed row whose first byte
// happens to collide with 0xfe.
func isEOFPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == wire.EOFPacketHeader && len(payload) < 9
}

func isOKPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == wire.OKPacketHeader
}

func isErrPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == wire.ErrPacketHeader
}

func isLocalInfilePacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == wire.LocalInfileHeader
}

// decodeTextRow decodes one text-protocol row (§3) into one value per
// column, honoring columns[i]'s type/charset/unsigned flag via
// internal/charset.
func decodeTextRow(payload []byte, columns []ColumnDef) ([]any, error) {
	values := make([]any, len(columns))
	for i, col := range columns {
		raw, isNull, n, err := wire.ReadLengthEncodedString(payload)
		if err != nil {
			return nil, err
		}
		payload = payload[n:]
		if isNull {
			values[i] = nil
			continue
		}
		v, err := charset.DecodeValue(col.Type, uint8(col.CharsetID), raw, col.unsigned())
		if err != nil {
			return nil, wrapErr(KindData, fmt.Sprintf("decoding column %q", col.Name), err)
		}
		values[i] = v
	}
	return values, nil
}

// ResultSet is one command's worth of server response: either an OK
// result (isOK true, no columns) or a set of columns plus rows, buffered
// eagerly or streamed one at a time depending on how the cursor that
// requested it was configured (§4.4/§4.5).
type ResultSet struct {
	Columns []ColumnDef

	isOK bool
	ok   okResult

	conn      *Connection
	streaming bool
	status    uint16

	buffered [][]any
	pos      int
	rowsDone bool // true once the terminator packet has been consumed
}

// IsOK reports whether this ResultSet represents a non-row-returning
// command (its Columns are empty; use OK() for affected rows etc).
func (rs *ResultSet) IsOK() bool { return rs.isOK }

// OK returns the decoded OK-packet fields. Only meaningful when IsOK()
// is true.
func (rs *ResultSet) OK() (affectedRows, lastInsertID uint64, warningCount uint16, info string) {
	return rs.ok.affectedRows, rs.ok.lastInsertID, rs.ok.warningCount, rs.ok.info
}

// MoreResults reports whether the terminating status flags announce a
// further result set (§4.4's multi-result-set handling).
func (rs *ResultSet) MoreResults() bool { return rs.status&wire.StatusMoreResultsExists != 0 }

// bufferAll eagerly reads every row into memory, used for buffered
// cursors (§4.4 "rows are consumed eagerly into a list").
func (rs *ResultSet) bufferAll(deprecateEOF bool) error {
	for {
		pkt, err := rs.conn.pc.ReadPacket()
		if err != nil {
			return wrapErr(KindInterface, "reading row", err)
		}
		if rs.isTerminator(pkt, deprecateEOF) {
			rs.rowsDone = true
			return nil
		}
		row, err := decodeTextRow(pkt, rs.Columns)
		if err != nil {
			return err
		}
		rs.buffered = append(rs.buffered, row)
	}
}

func (rs *ResultSet) isTerminator(pkt []byte, deprecateEOF bool) bool {
	if deprecateEOF {
		if isOKPacket(pkt) {
			ok, err := readOK(pkt[1:])
			if err == nil {
				rs.status = ok.statusFlags
				rs.conn.applyOK(ok)
			}
			return true
		}
		return false
	}
	if isEOFPacket(pkt) {
		rs.status = uint16(pkt[3]) | uint16(pkt[4])<<8
		rs.conn.status = rs.status
		return true
	}
	return false
}

// Next pulls the next row. For a buffered ResultSet it indexes into the
// already-decoded slice; for a streaming one it reads exactly one row
// packet off the wire (§4.4 "each fetchone pulls exactly one row
// packet"). ok is false once rows are exhausted.
func (rs *ResultSet) Next() (row []any, ok bool, err error) {
	if !rs.streaming {
		if rs.pos >= len(rs.buffered) {
			return nil, false, nil
		}
		row = rs.buffered[rs.pos]
		rs.pos++
		return row, true, nil
	}

	if rs.rowsDone {
		return nil, false, nil
	}
	pkt, err := rs.conn.pc.ReadPacket()
	if err != nil {
		rs.conn.failAndClose(err)
		return nil, false, wrapErr(KindInterface, "reading streamed row", err)
	}
	deprecateEOF := rs.conn.capabilities&wire.ClientDeprecateEOF != 0
	if rs.isTerminator(pkt, deprecateEOF) {
		rs.rowsDone = true
		return nil, false, nil
	}
	row, err = decodeTextRow(pkt, rs.Columns)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// drain discards any unread rows, restoring the connection to IDLE
// (§4.4/§4.5's close() contract for streaming cursors, and Exec's
// "caller ran Exec against a row-returning statement" fallback).
func (rs *ResultSet) drain() error {
	if rs.isOK || rs.rowsDone {
		return nil
	}
	for {
		_, ok, err := rs.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// RowCount returns the number of buffered rows, or -1 for a streaming
// result set (whose total count is not known up front).
func (rs *ResultSet) RowCount() int {
	if rs.streaming {
		return -1
	}
	return len(rs.buffered)
}
