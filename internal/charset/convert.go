package charset

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wireql/wireql/internal/wire"
)

// Decoder converts a column's raw text-protocol bytes into a native Go
// value. unsigned reflects the FlagUnsigned bit on the column definition.
type Decoder func(raw []byte, unsigned bool) (any, error)

// Decoders maps a server type code to the decoder used for that column,
// matching §4's "per-column (type_code, charset) -> decoder lookup".
// Charset only matters for the string family, where it decides whether a
// value decodes to a Go string or to raw []byte (the "binary" charset, id
// 63, always means []byte — BLOB/BINARY columns share type codes with
// TEXT/CHAR columns and are told apart only by charset).
var Decoders = map[wire.FieldType]Decoder{
	wire.TypeTiny:       decodeInt,
	wire.TypeShort:      decodeInt,
	wire.TypeLong:       decodeInt,
	wire.TypeInt24:      decodeInt,
	wire.TypeLongLong:   decodeInt,
	wire.TypeYear:       decodeInt,
	wire.TypeFloat:      decodeFloat(32),
	wire.TypeDouble:     decodeFloat(64),
	wire.TypeDecimal:    decodeDecimalText,
	wire.TypeNewDecimal: decodeDecimalText,
	wire.TypeDate:       decodeDate,
	wire.TypeNewDate:    decodeDate,
	wire.TypeDatetime:   decodeDatetime,
	wire.TypeTimestamp:  decodeDatetime,
	wire.TypeTime:       decodeDuration,
	wire.TypeNull:       decodeNull,
	wire.TypeJSON:       decodeJSON,
}

// DecodeValue decodes raw according to typeCode/charsetID/unsigned. Types
// not present in Decoders (VARCHAR, STRING, BLOB, ENUM, SET, BIT,
// GEOMETRY, …) fall through to the string/bytes rule: the "binary"
// charset (id 63) decodes to []byte, everything else to string, matching
// how the text protocol actually represents them (length-encoded byte
// strings either way — the charset is what tells the cursor whether to
// treat them as text).
func DecodeValue(typeCode wire.FieldType, charsetID uint8, raw []byte, unsigned bool) (any, error) {
	if dec, ok := Decoders[typeCode]; ok {
		return dec(raw, unsigned)
	}
	if charsetID == 63 { // binary
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}
	return string(raw), nil
}

func decodeNull([]byte, bool) (any, error) { return nil, nil }

func decodeInt(raw []byte, unsigned bool) (any, error) {
	s := string(raw)
	if unsigned {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("charset: decoding unsigned integer %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("charset: decoding integer %q: %w", s, err)
	}
	return v, nil
}

// decodeFloat returns a decoder for the given bit size. MySQL FLOAT
// columns are lossily rounded to 32-bit precision server-side (§8's
// documented lossy round-trip); DOUBLE decodes at full float64 precision.
func decodeFloat(bits int) Decoder {
	return func(raw []byte, _ bool) (any, error) {
		v, err := strconv.ParseFloat(string(raw), bits)
		if err != nil {
			return nil, fmt.Errorf("charset: decoding float %q: %w", raw, err)
		}
		if bits == 32 {
			return float32(v), nil
		}
		return v, nil
	}
}

// decodeDecimalText leaves DECIMAL/NEWDECIMAL as the server's exact
// decimal text representation rather than lossily parsing into a binary
// float, matching the "no silent precision loss" expectation callers have
// for money-shaped columns. Callers that want a float/big.Rat can convert
// the returned string themselves.
func decodeDecimalText(raw []byte, _ bool) (any, error) {
	return string(raw), nil
}

const (
	dateLayout     = "2006-01-02"
	datetimeLayout = "2006-01-02 15:04:05.999999"
)

func decodeDate(raw []byte, _ bool) (any, error) {
	s := string(raw)
	if s == "0000-00-00" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("charset: decoding date %q: %w", s, err)
	}
	return t, nil
}

func decodeDatetime(raw []byte, _ bool) (any, error) {
	s := string(raw)
	if strings.HasPrefix(s, "0000-00-00") {
		return time.Time{}, nil
	}
	t, err := time.Parse(datetimeLayout, s)
	if err != nil {
		return nil, fmt.Errorf("charset: decoding datetime %q: %w", s, err)
	}
	return t, nil
}

// decodeJSON parses a JSON column's text representation into the native
// Go shape encoding/json would produce for it (map[string]any, []any,
// float64, string, bool, or nil), matching §1's "native value" decode
// list for the JSON type.
func decodeJSON(raw []byte, _ bool) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("charset: decoding json %q: %w", raw, err)
	}
	return v, nil
}

// decodeDuration decodes a MySQL TIME value, which may be negative and
// may exceed 24 hours, into a time.Duration (the "timedelta" analogue
// §3 names).
func decodeDuration(raw []byte, _ bool) (any, error) {
	s := string(raw)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	var h, m int
	var sec float64
	n, err := fmt.Sscanf(s, "%d:%d:%f", &h, &m, &sec)
	if err != nil || n != 3 {
		return nil, fmt.Errorf("charset: decoding time %q: %w", raw, err)
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second))
	if neg {
		d = -d
	}
	return d, nil
}
