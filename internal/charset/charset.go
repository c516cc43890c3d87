// Package charset maps MySQL charset names to collation ids for the
// handshake response (§4.2 step 4) and decodes column bytes into native
// Go values by (type code, charset) per §3's Row definition (C1).
package charset

import "fmt"

// CollationByName covers the charset/collation pairs a client commonly
// negotiates. utf8mb4_general_ci is the driver default, matching modern
// MySQL/MariaDB defaults.
var CollationByName = map[string]uint8{
	"big5":     1,
	"latin1":   8,
	"ascii":    11,
	"utf8":     33,
	"utf8mb4":  45,
	"binary":   63,
	"gbk":      28,
	"utf16":    54,
	"utf32":    60,
	"sjis":     13,
	"cp1251":   51,
	"koi8r":    7,
	"latin2":   9,
}

// DefaultCollation is the collation id sent when the caller does not name
// a charset explicitly.
const DefaultCollation uint8 = 45 // utf8mb4_general_ci

// CollationID returns the collation id for name, defaulting to
// DefaultCollation when name is unrecognized or empty.
func CollationID(name string) uint8 {
	if name == "" {
		return DefaultCollation
	}
	if id, ok := CollationByName[name]; ok {
		return id
	}
	return DefaultCollation
}

// ErrUnknownCharset names a charset no entry in CollationByName matches,
// for callers that want to fail loudly instead of silently falling back.
type ErrUnknownCharset string

func (e ErrUnknownCharset) Error() string {
	return fmt.Sprintf("charset: unknown charset %q", string(e))
}
