// Package wire implements MySQL/MariaDB packet framing: the
// [len:3][seq:1][payload] layer every command and response rides on top
// of. It knows nothing about what a payload means — that's the job of the
// connection/result-set state machine one layer up.
package wire

import (
	"bufio"
	"errors"
	"io"
	"net"
)

// MaxPayload is the largest single packet payload (2^24 - 1 bytes). A
// logical message longer than this is split across multiple packets, the
// last of which may be shorter than MaxPayload (or exactly zero bytes, to
// signal "no more data" when the message length is itself a multiple of
// MaxPayload).
const MaxPayload = 1<<24 - 1

const defaultBufSize = 4 * 1024

// ErrSequenceMismatch is returned when a packet's sequence id does not
// match the id the reader expected next — a strong signal the connection's
// protocol state is no longer trustworthy and must be closed, not reused.
var ErrSequenceMismatch = errors.New("wire: packet sequence mismatch")

// Conn wraps a net.Conn with MySQL packet framing and per-command sequence
// tracking. It reuses a single growable read buffer across calls the way
// go-sql-driver/mysql's internal bufio type does, instead of allocating a
// fresh slice per packet.
type Conn struct {
	nc  net.Conn
	br  *bufio.Reader
	seq uint8

	// buf is the scratch buffer ReadPacket appends into and returns a
	// sub-slice of; callers must treat the returned slice as valid only
	// until the next Read/WritePacket call.
	buf []byte
}

// NewConn wraps nc for packet-level reads and writes.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:  nc,
		br:  bufio.NewReaderSize(nc, defaultBufSize),
		buf: make([]byte, 0, defaultBufSize),
	}
}

// ResetSequence resets the sequence counter to zero. Called at the start
// of every client-initiated command (§4.1).
func (c *Conn) ResetSequence() { c.seq = 0 }

// Sequence returns the next sequence id ReadPacket/WritePacket will use.
func (c *Conn) Sequence() uint8 { return c.seq }

// SetSequence forces the next expected/sent sequence id. Used when
// resuming a multi-packet exchange whose sequence id is dictated by the
// peer (e.g. echoing a client's handshake response to a backend).
func (c *Conn) SetSequence(seq uint8) { c.seq = seq }

// Upgrade replaces the underlying net.Conn (e.g. after a TLS handshake)
// without touching the sequence counter, matching the server's own
// expectation that sequencing continues across the TLS upgrade.
func (c *Conn) Upgrade(nc net.Conn) {
	c.nc = nc
	c.br = bufio.NewReaderSize(nc, defaultBufSize)
}

// NetConn returns the current underlying connection (useful for callers
// driving a raw TLS handshake or setting deadlines).
func (c *Conn) NetConn() net.Conn { return c.nc }

// ReadPacket reads one logical packet, transparently concatenating any
// 0xFFFFFF-length continuation packets per §3. The returned slice aliases
// an internal buffer and is only valid until the next ReadPacket call.
func (c *Conn) ReadPacket() ([]byte, error) {
	c.buf = c.buf[:0]
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
			return nil, unexpectedEOF(err)
		}
		length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
		seq := hdr[3]
		if seq != c.seq {
			return nil, ErrSequenceMismatch
		}
		c.seq++

		start := len(c.buf)
		c.buf = append(c.buf, make([]byte, length)...)
		if length > 0 {
			if _, err := io.ReadFull(c.br, c.buf[start:]); err != nil {
				return nil, unexpectedEOF(err)
			}
		}
		if length < MaxPayload {
			return c.buf, nil
		}
		// Exactly 0xFFFFFF bytes: a continuation packet follows.
	}
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WritePacket writes payload as one or more packets, splitting at
// MaxPayload. A payload whose length is an exact multiple of MaxPayload
// (including zero) is followed by an explicit empty packet, per §3/§4.1.
func (c *Conn) WritePacket(payload []byte) error {
	for {
		n := len(payload)
		if n > MaxPayload {
			n = MaxPayload
		}
		var hdr [4]byte
		hdr[0] = byte(n)
		hdr[1] = byte(n >> 8)
		hdr[2] = byte(n >> 16)
		hdr[3] = c.seq
		c.seq++

		if _, err := c.nc.Write(hdr[:]); err != nil {
			return err
		}
		if n > 0 {
			if _, err := c.nc.Write(payload[:n]); err != nil {
				return err
			}
		}
		payload = payload[n:]
		if n < MaxPayload {
			return nil
		}
	}
}
