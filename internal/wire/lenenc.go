package wire

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedPacket is returned by the length-encoded decoders when a
// packet is truncated mid-field.
var ErrMalformedPacket = errors.New("wire: malformed packet")

// ReadLengthEncodedInteger decodes a length-encoded integer per the
// GLOSSARY: <0xfb literal, 0xfc+2, 0xfd+3, 0xfe+8. It returns the value,
// whether the field was SQL NULL (0xfb as a lone marker), and the number
// of bytes consumed.
func ReadLengthEncodedInteger(data []byte) (value uint64, isNull bool, n int) {
	if len(data) == 0 {
		return 0, false, 0
	}
	switch data[0] {
	case 0xfb:
		return 0, true, 1
	case 0xfc:
		if len(data) < 3 {
			return 0, false, 0
		}
		return uint64(binary.LittleEndian.Uint16(data[1:3])), false, 3
	case 0xfd:
		if len(data) < 4 {
			return 0, false, 0
		}
		return uint64(data[1]) | uint64(data[2])<<8 | uint64(data[3])<<16, false, 4
	case 0xfe:
		if len(data) < 9 {
			return 0, false, 0
		}
		return binary.LittleEndian.Uint64(data[1:9]), false, 9
	default:
		return uint64(data[0]), false, 1
	}
}

// PutLengthEncodedInteger appends the length-encoded form of v to dst.
func PutLengthEncodedInteger(dst []byte, v uint64) []byte {
	switch {
	case v < 251:
		return append(dst, byte(v))
	case v < 1<<16:
		dst = append(dst, 0xfc)
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		return append(dst, b[:]...)
	case v < 1<<24:
		return append(dst, 0xfd, byte(v), byte(v>>8), byte(v>>16))
	default:
		dst = append(dst, 0xfe)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return append(dst, b[:]...)
	}
}

// ReadLengthEncodedString decodes a length-encoded string: a
// length-encoded integer length prefix followed by that many raw bytes.
// isNull signals SQL NULL (0xfb marker) per §3.
func ReadLengthEncodedString(data []byte) (s []byte, isNull bool, n int, err error) {
	length, isNull, consumed := ReadLengthEncodedInteger(data)
	if consumed == 0 {
		return nil, false, 0, ErrMalformedPacket
	}
	if isNull {
		return nil, true, consumed, nil
	}
	end := consumed + int(length)
	if end > len(data) {
		return nil, false, 0, ErrMalformedPacket
	}
	return data[consumed:end], false, end, nil
}

// PutLengthEncodedString appends the length-encoded form of s to dst.
func PutLengthEncodedString(dst []byte, s []byte) []byte {
	dst = PutLengthEncodedInteger(dst, uint64(len(s)))
	return append(dst, s...)
}

// ReadNullTerminatedString reads bytes up to (and consuming) the next NUL.
func ReadNullTerminatedString(data []byte) (s []byte, n int, err error) {
	for i, b := range data {
		if b == 0 {
			return data[:i], i + 1, nil
		}
	}
	return nil, 0, ErrMalformedPacket
}
