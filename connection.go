// Package wireql is an asynchronous-style MySQL/MariaDB client driver
// speaking the server wire protocol directly, plus a bounded connection
// pool. It follows the generic cursor-based client convention: acquire a
// connection, obtain a cursor, execute, fetch.
package wireql

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wireql/wireql/internal/auth"
	"github.com/wireql/wireql/internal/charset"
	"github.com/wireql/wireql/internal/wire"
)

// Connection owns a single MySQL/MariaDB session: the packet stream, the
// negotiated capabilities, and the server-reported state from the most
// recent command. At most one command may be in flight at a time (§3,
// §5); Connection enforces this with a simple busy flag rather than real
// locking, since a connection is never meant to be shared across
// goroutines concurrently (the pool hands each caller exclusive use).
type Connection struct {
	cfg Config

	pc  *wire.Conn
	raw net.Conn

	mu     sync.Mutex
	closed bool
	inUse  bool // a command is in flight or a result set is partially read

	capabilities wire.Capability
	serverVersion string
	protocolVersion byte
	threadID        uint32
	collation       uint8

	db         string
	autocommit bool
	status     uint16

	affectedRows uint64
	insertID     uint64
	warningCount uint16
	message      string

	authRegistry *auth.Registry
	serverPubKey *rsa.PublicKey

	createdAt int64 // unix seconds, stamped by the pool; zero outside one
}

// Connect performs a full handshake against cfg and returns a ready
// Connection. It is the Go analogue of §6's connect().
func Connect(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.ReadDefaultFile != "" {
		group := cfg.ReadDefaultGroup
		if group == "" {
			group = "client"
		}
		d, err := ReadDefaultsFile(cfg.ReadDefaultFile, group)
		if err != nil {
			return nil, err
		}
		cfg = MergeDefaults(cfg, d)
	}
	cfg = cfg.withDefaults()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, cfg.network(), cfg.address())
	if err != nil {
		return nil, wrapErr(KindOperational, "dial", err)
	}

	c := &Connection{
		cfg:          cfg,
		raw:          nc,
		pc:           wire.NewConn(nc),
		autocommit:   cfg.Autocommit,
		db:           cfg.DB,
		authRegistry: auth.NewRegistry(),
	}
	if cfg.ServerPublicKey != nil {
		c.serverPubKey = cfg.ServerPublicKey
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	if err := c.handshake(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	if err := c.postHandshakeSetup(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// handshake drives §4.2: read greeting, optionally upgrade to TLS, send
// the handshake response, then drive the auth plugin state machine.
func (c *Connection) handshake(ctx context.Context) error {
	greeting, err := c.pc.ReadPacket()
	if err != nil {
		return wrapErr(KindInterface, "reading server greeting", err)
	}
	hs, err := parseHandshakeV10(greeting)
	if err != nil {
		return wrapErr(KindInterface, "parsing server greeting", err)
	}
	c.protocolVersion = hs.protocolVersion
	c.serverVersion = hs.serverVersion
	c.threadID = hs.threadID
	c.capabilities = hs.serverCapabilities

	clientCaps := computeClientCapabilities(hs.serverCapabilities, c.cfg)

	if clientCaps&wire.ClientSSL != 0 {
		if err := c.sendSSLRequest(clientCaps); err != nil {
			return err
		}
		tlsConn := tls.Client(c.pc.NetConn(), c.cfg.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return wrapErr(KindOperational, "TLS handshake", err)
		}
		c.pc.Upgrade(tlsConn)
		c.raw = tlsConn
	}

	seed := hs.authPluginData
	pluginName := auth.Name(hs.authPluginName)
	if c.cfg.AuthPlugin != "" {
		pluginName = c.cfg.AuthPlugin
	}

	if err := c.sendHandshakeResponse(clientCaps, pluginName, seed); err != nil {
		return err
	}

	if err := c.driveAuth(ctx, pluginName, seed); err != nil {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.AuthFailure(c.cfg.PoolName, string(pluginName))
		}
		return err
	}
	return nil
}

type handshakeV10 struct {
	protocolVersion   byte
	serverVersion     string
	threadID          uint32
	authPluginData    []byte
	serverCapabilities wire.Capability
	serverCharset     byte
	serverStatus      uint16
	authPluginName    string
}

func parseHandshakeV10(p []byte) (handshakeV10, error) {
	var hs handshakeV10
	if len(p) < 1 {
		return hs, wire.ErrMalformedPacket
	}
	hs.protocolVersion = p[0]
	p = p[1:]

	ver, n, err := wire.ReadNullTerminatedString(p)
	if err != nil {
		return hs, err
	}
	hs.serverVersion = string(ver)
	p = p[n:]

	if len(p) < 4 {
		return hs, wire.ErrMalformedPacket
	}
	hs.threadID = uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
	p = p[4:]

	if len(p) < 9 {
		return hs, wire.ErrMalformedPacket
	}
	authData1 := append([]byte{}, p[:8]...)
	p = p[9:] // 8 bytes of scramble + 1 filler byte

	if len(p) < 2 {
		return hs, wire.ErrMalformedPacket
	}
	capLow := uint32(p[0]) | uint32(p[1])<<8
	p = p[2:]

	var authDataLen int
	if len(p) >= 1 {
		hs.serverCharset = p[0]
		p = p[1:]
	}
	if len(p) >= 2 {
		hs.serverStatus = uint16(p[0]) | uint16(p[1])<<8
		p = p[2:]
	}
	if len(p) >= 2 {
		capHigh := uint32(p[0]) | uint32(p[1])<<8
		hs.serverCapabilities = wire.Capability(capLow | capHigh<<16)
		p = p[2:]
	} else {
		hs.serverCapabilities = wire.Capability(capLow)
	}
	if hs.serverCapabilities&wire.ClientPluginAuth != 0 && len(p) >= 1 {
		authDataLen = int(p[0])
		p = p[1:]
	}
	if len(p) >= 10 {
		p = p[10:] // reserved
	}
	if hs.serverCapabilities&wire.ClientSecureConnection != 0 {
		n2 := authDataLen - 8
		if n2 < 13 {
			n2 = 13
		}
		if len(p) < n2 {
			return hs, wire.ErrMalformedPacket
		}
		authData2 := p[:n2]
		// last byte of authData2 is typically a trailing NUL.
		authData2 = trimTrailingNUL(authData2)
		hs.authPluginData = append(authData1, authData2...)
		p = p[n2:]
	} else {
		hs.authPluginData = authData1
	}
	if hs.serverCapabilities&wire.ClientPluginAuth != 0 {
		name, _, err := wire.ReadNullTerminatedString(p)
		if err == nil {
			hs.authPluginName = string(name)
		} else {
			hs.authPluginName = string(trimTrailingNUL(p))
		}
	}
	if hs.authPluginName == "" {
		hs.authPluginName = string(auth.MySQLNativePassword)
	}
	return hs, nil
}

func trimTrailingNUL(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}

// computeClientCapabilities builds the flag set per §4.2 step 2.
func computeClientCapabilities(serverCaps wire.Capability, cfg Config) wire.Capability {
	caps := wire.BaseCapabilities | wire.Capability(cfg.ClientFlags)
	if cfg.TLS != nil {
		caps |= wire.ClientSSL
	}
	if cfg.LocalInfile {
		caps |= wire.ClientLocalFiles
	}
	if cfg.DB != "" {
		caps |= wire.ClientConnectWithDB
	}
	caps &= serverCaps | wire.ClientSSL | wire.ClientLocalFiles // drop bits the server did not advertise, except SSL and LOCAL FILES, which follow cfg
	return caps
}

func (c *Connection) sendSSLRequest(caps wire.Capability) error {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(caps), byte(caps>>8), byte(caps>>16), byte(caps>>24))
	buf = append(buf, 0xff, 0xff, 0xff, 0) // max packet size (2^24-1), little-endian with high byte 0
	buf = append(buf, charset.CollationID(c.cfg.Charset))
	buf = append(buf, make([]byte, 23)...)
	return c.pc.WritePacket(buf)
}

func (c *Connection) sendHandshakeResponse(caps wire.Capability, pluginName auth.Name, seed []byte) error {
	plugin, err := c.authRegistry.Lookup(pluginName)
	if err != nil {
		return wrapErr(KindNotSupported, "unsupported authentication plugin", err)
	}
	scramble, err := plugin.Scramble(c.cfg.Password, seed, auth.Secure(c.isSecureTransport()))
	if err != nil {
		return wrapErr(KindInterface, "computing auth scramble", err)
	}

	buf := make([]byte, 0, 128)
	buf = append(buf, byte(caps), byte(caps>>8), byte(caps>>16), byte(caps>>24))
	buf = append(buf, 0xff, 0xff, 0xff, 0)
	buf = append(buf, charset.CollationID(c.cfg.Charset))
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, []byte(c.cfg.User)...)
	buf = append(buf, 0)
	buf = wire.PutLengthEncodedString(buf, scramble)
	if caps&wire.ClientConnectWithDB != 0 {
		buf = append(buf, []byte(c.cfg.DB)...)
		buf = append(buf, 0)
	}
	if caps&wire.ClientPluginAuth != 0 {
		buf = append(buf, []byte(pluginName)...)
		buf = append(buf, 0)
	}
	c.capabilities = caps
	c.collation = charset.CollationID(c.cfg.Charset)
	return c.pc.WritePacket(buf)
}

func (c *Connection) isSecureTransport() bool {
	if c.cfg.UnixSocket != "" {
		return true
	}
	_, isTLS := c.pc.NetConn().(*tls.Conn)
	return isTLS
}

// driveAuth handles the response to the handshake response: OK, ERR,
// AuthSwitchRequest (0xFE), or AuthMoreData (0x01), per §4.3.
func (c *Connection) driveAuth(ctx context.Context, pluginName auth.Name, seed []byte) error {
	plugin, err := c.authRegistry.Lookup(pluginName)
	if err != nil {
		return wrapErr(KindNotSupported, "unsupported authentication plugin", err)
	}

	for {
		pkt, err := c.pc.ReadPacket()
		if err != nil {
			return wrapErr(KindInterface, "reading auth response", err)
		}
		if len(pkt) == 0 {
			return newErr(KindInterface, "empty auth response packet")
		}
		switch pkt[0] {
		case wire.OKPacketHeader:
			_, err := readOK(pkt[1:])
			return err
		case wire.ErrPacketHeader:
			return readERR(pkt[1:])
		case 0xFE: // AuthSwitchRequest, or old-style EOF with no payload
			if len(pkt) == 1 {
				return newErr(KindOperational, "server requested an auth method this driver cannot negotiate")
			}
			name, n, rerr := wire.ReadNullTerminatedString(pkt[1:])
			if rerr != nil {
				return wrapErr(KindInterface, "parsing AuthSwitchRequest", rerr)
			}
			newSeed := append([]byte(nil), trimTrailingNUL(pkt[1+n:])...)
			pluginName = auth.Name(name)
			plugin, err = c.authRegistry.Lookup(pluginName)
			if err != nil {
				return wrapErr(KindNotSupported, "unsupported authentication plugin", err)
			}
			seed = newSeed
			resp, err := plugin.Scramble(c.cfg.Password, seed, auth.Secure(c.isSecureTransport()))
			if err != nil {
				return wrapErr(KindInterface, "computing auth scramble", err)
			}
			if err := c.pc.WritePacket(resp); err != nil {
				return wrapErr(KindInterface, "writing auth switch response", err)
			}
		case 0x01: // AuthMoreData
			resp, done, needsPubKey, herr := plugin.HandleMoreData(pkt[1:], c.cfg.Password, seed, auth.Secure(c.isSecureTransport()), c.serverPubKey)
			if herr != nil {
				return wrapErr(KindInterface, "processing AuthMoreData", herr)
			}
			if needsPubKey {
				data := append([]byte(nil), pkt[1:]...)
				pub, err := c.requestServerPublicKey()
				if err != nil {
					return err
				}
				c.serverPubKey = pub
				resp, done, _, herr = plugin.HandleMoreData(data, c.cfg.Password, seed, auth.Secure(c.isSecureTransport()), c.serverPubKey)
				if herr != nil {
					return wrapErr(KindInterface, "processing AuthMoreData", herr)
				}
			}
			if done && resp == nil {
				continue
			}
			if err := c.pc.WritePacket(resp); err != nil {
				return wrapErr(KindInterface, "writing AuthMoreData response", err)
			}
			if done {
				continue
			}
		default:
			return newErr(KindInterface, fmt.Sprintf("unexpected byte 0x%02x in auth phase", pkt[0]))
		}
	}
}

// requestServerPublicKey sends the 0x02 request byte used by
// caching_sha2_password/sha256_password when no cached key is available,
// and decodes the PEM response (§4.3).
func (c *Connection) requestServerPublicKey() (*rsa.PublicKey, error) {
	if err := c.pc.WritePacket([]byte{0x02}); err != nil {
		return nil, wrapErr(KindInterface, "requesting server public key", err)
	}
	pkt, err := c.pc.ReadPacket()
	if err != nil {
		return nil, wrapErr(KindInterface, "reading server public key", err)
	}
	return auth.DecodePublicKey(pkt)
}

// postHandshakeSetup applies sql_mode, init_command, and autocommit, per
// §4.2 step 6.
func (c *Connection) postHandshakeSetup(ctx context.Context) error {
	var stmts []string
	if c.cfg.SQLMode != "" {
		stmts = append(stmts, fmt.Sprintf("SET sql_mode='%s'", strings.ReplaceAll(c.cfg.SQLMode, "'", "''")))
	}
	stmts = append(stmts, fmt.Sprintf("SET autocommit=%d", boolToInt(c.cfg.Autocommit)))
	if c.cfg.InitCommand != "" {
		stmts = append(stmts, c.cfg.InitCommand)
	}
	for _, s := range stmts {
		if _, err := c.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- command dispatch (§4.4) ------------------------------------------

func (c *Connection) acquireBusy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return wrapErr(KindProgramming, "connection closed", ErrConnClosed)
	}
	if c.inUse {
		return newErr(KindProgramming, "a command is already in flight on this connection")
	}
	c.inUse = true
	return nil
}

func (c *Connection) releaseBusy() {
	c.mu.Lock()
	c.inUse = false
	c.mu.Unlock()
}

// writeCommand resets the sequence counter and sends a single-packet
// COM_* payload, per §4.1.
func (c *Connection) writeCommand(cmd wire.Command, rest []byte) error {
	c.pc.ResetSequence()
	buf := make([]byte, 0, 1+len(rest))
	buf = append(buf, byte(cmd))
	buf = append(buf, rest...)
	return c.pc.WritePacket(buf)
}

// Exec runs query and returns the OK-packet-derived row count, for
// statements that never produce a result set (DDL/DML without RETURNING,
// SET, etc.) It is also used internally to drive the setup statements.
func (c *Connection) Exec(ctx context.Context, query string) (okResult, error) {
	rs, err := c.Query(ctx, query, false)
	if err != nil {
		return okResult{}, err
	}
	if !rs.isOK {
		// caller used Exec on a statement that returned rows; drain them
		// so the connection returns to IDLE, matching §5's "never leave
		// unread data" rule.
		_ = rs.drain()
	}
	return rs.ok, nil
}

// Query runs query as a single COM_QUERY and returns the resulting
// ResultSet, buffered eagerly unless streaming is true (§4.4/§4.5).
func (c *Connection) Query(ctx context.Context, query string, streaming bool) (rs *ResultSet, err error) {
	if c.cfg.Metrics != nil {
		start := time.Now()
		defer func() { c.cfg.Metrics.QueryCompleted(c.cfg.PoolName, time.Since(start), err) }()
	}

	if err = c.acquireBusy(); err != nil {
		return nil, err
	}
	defer c.releaseBusy()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.raw.SetDeadline(deadline)
		defer c.raw.SetDeadline(time.Time{})
	}

	if err = c.writeCommand(wire.ComQuery, []byte(query)); err != nil {
		c.failAndClose(err)
		return nil, wrapErr(KindInterface, "writing query", err)
	}
	rs, err = c.readResultSetHeaderOrOK(streaming)
	return rs, err
}

func (c *Connection) readResultSetHeaderOrOK(streaming bool) (*ResultSet, error) {
	pkt, err := c.pc.ReadPacket()
	if err != nil {
		c.failAndClose(err)
		return nil, wrapErr(KindInterface, "reading command response", err)
	}
	switch {
	case isOKPacket(pkt):
		ok, err := readOK(pkt[1:])
		if err != nil {
			c.failAndClose(err)
			return nil, wrapErr(KindInterface, "decoding OK packet", err)
		}
		c.applyOK(ok)
		return &ResultSet{isOK: true, ok: ok, conn: c, status: ok.statusFlags}, nil
	case isErrPacket(pkt):
		return nil, readERR(pkt[1:])
	case isLocalInfilePacket(pkt):
		return c.handleLocalInfile(pkt[1:])
	default:
		return c.readResultSet(pkt, streaming)
	}
}

func (c *Connection) applyOK(ok okResult) {
	c.affectedRows = ok.affectedRows
	c.insertID = ok.lastInsertID
	c.warningCount = ok.warningCount
	c.message = ok.info
	c.status = ok.statusFlags
}

// readResultSet reads the column definitions (and, pre-DEPRECATE_EOF, the
// terminating EOF) then either buffers every row or leaves the
// connection primed for streaming reads, per §4.4.
func (c *Connection) readResultSet(headerPkt []byte, streaming bool) (*ResultSet, error) {
	columnCount, err := readResultSetHeader(headerPkt)
	if err != nil {
		c.failAndClose(err)
		return nil, wrapErr(KindInterface, "reading result set header", err)
	}

	columns := make([]ColumnDef, 0, columnCount)
	for i := uint64(0); i < columnCount; i++ {
		pkt, err := c.pc.ReadPacket()
		if err != nil {
			c.failAndClose(err)
			return nil, wrapErr(KindInterface, "reading column definition", err)
		}
		col, err := readColumnDef(pkt)
		if err != nil {
			c.failAndClose(err)
			return nil, wrapErr(KindInterface, "decoding column definition", err)
		}
		columns = append(columns, col)
	}

	deprecateEOF := c.capabilities&wire.ClientDeprecateEOF != 0
	if !deprecateEOF {
		pkt, err := c.pc.ReadPacket()
		if err != nil {
			c.failAndClose(err)
			return nil, wrapErr(KindInterface, "reading column EOF", err)
		}
		if !isEOFPacket(pkt) {
			return nil, newErr(KindInterface, "expected EOF after column definitions")
		}
	}

	rs := &ResultSet{
		Columns:   columns,
		conn:      c,
		streaming: streaming,
	}
	if streaming {
		c.status |= wire.StatusCursorExists
		return rs, nil
	}
	if err := rs.bufferAll(deprecateEOF); err != nil {
		c.failAndClose(err)
		return nil, err
	}
	return rs, nil
}

// failAndClose is called whenever the packet stream can no longer be
// trusted (framing error, unexpected EOF, cancellation mid-read): per
// §5, such a connection must never be returned to the pool.
func (c *Connection) failAndClose(cause error) {
	slog.Warn("wireql: closing connection after protocol error", "error", cause, "thread_id", c.threadID)
	c.raw.Close()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// handleLocalInfile services a LOCAL INFILE request (§4.4). If the
// caller enabled local_infile, the named path is streamed back as a
// series of packets; otherwise an empty packet is sent and the server's
// ensuing ERR is allowed to propagate. No path validation is performed
// here by design (§9 REDESIGN — an opt-in LocalInfileHandler exists for
// callers that want to sandbox this).
func (c *Connection) handleLocalInfile(payload []byte) (*ResultSet, error) {
	path := string(payload)
	if !c.cfg.LocalInfile {
		if err := c.pc.WritePacket(nil); err != nil {
			return nil, wrapErr(KindInterface, "acknowledging declined LOCAL INFILE", err)
		}
		return c.readResultSetHeaderOrOK(false)
	}

	var rc ReadCloserSize
	var err error
	if c.cfg.LocalInfileHandler != nil {
		rc, err = c.cfg.LocalInfileHandler(path)
	} else {
		rc, err = openLocalInfileDefault(path)
	}
	if err != nil {
		_ = c.pc.WritePacket(nil)
		return nil, wrapErr(KindOperational, "opening LOCAL INFILE source", err)
	}
	defer rc.Close()

	buf := make([]byte, wire.MaxPayload)
	for {
		n, rerr := io.ReadFull(rc, buf)
		if n > 0 {
			if werr := c.pc.WritePacket(buf[:n]); werr != nil {
				return nil, wrapErr(KindInterface, "streaming LOCAL INFILE", werr)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			_ = c.pc.WritePacket(nil)
			return nil, wrapErr(KindOperational, "reading LOCAL INFILE source", rerr)
		}
	}
	if err := c.pc.WritePacket(nil); err != nil {
		return nil, wrapErr(KindInterface, "terminating LOCAL INFILE stream", err)
	}
	return c.readResultSetHeaderOrOK(false)
}

func openLocalInfileDefault(path string) (ReadCloserSize, error) {
	return os.Open(path)
}

// --- session-level operations (§6) -------------------------------------

// Ping issues a lightweight COM_PING, failing if the server does not
// respond with OK. Reconnection is never attempted here (§4.6's acquire
// algorithm is what decides whether to discard and redial).
func (c *Connection) Ping(ctx context.Context) error {
	if err := c.acquireBusy(); err != nil {
		return err
	}
	defer c.releaseBusy()
	if err := c.writeCommand(wire.ComPing, nil); err != nil {
		c.failAndClose(err)
		return wrapErr(KindInterface, "writing ping", err)
	}
	pkt, err := c.pc.ReadPacket()
	if err != nil {
		c.failAndClose(err)
		return wrapErr(KindInterface, "reading ping response", err)
	}
	if isErrPacket(pkt) {
		return readERR(pkt[1:])
	}
	ok, err := readOK(pkt[1:])
	if err != nil {
		return wrapErr(KindInterface, "decoding ping OK", err)
	}
	c.applyOK(ok)
	return nil
}

// SelectDB issues COM_INIT_DB, switching the connection's current
// database.
func (c *Connection) SelectDB(ctx context.Context, name string) error {
	if err := c.acquireBusy(); err != nil {
		return err
	}
	defer c.releaseBusy()
	if err := c.writeCommand(wire.ComInitDB, []byte(name)); err != nil {
		c.failAndClose(err)
		return wrapErr(KindInterface, "writing COM_INIT_DB", err)
	}
	pkt, err := c.pc.ReadPacket()
	if err != nil {
		c.failAndClose(err)
		return wrapErr(KindInterface, "reading COM_INIT_DB response", err)
	}
	if isErrPacket(pkt) {
		return readERR(pkt[1:])
	}
	ok, err := readOK(pkt[1:])
	if err != nil {
		return wrapErr(KindInterface, "decoding COM_INIT_DB OK", err)
	}
	c.applyOK(ok)
	c.db = name
	return nil
}

// ShowWarnings runs SHOW WARNINGS and returns the buffered rows.
func (c *Connection) ShowWarnings(ctx context.Context) (*ResultSet, error) {
	return c.Query(ctx, "SHOW WARNINGS", false)
}

// Begin issues BEGIN, starting a server-side transaction.
func (c *Connection) Begin(ctx context.Context) error {
	_, err := c.Exec(ctx, "BEGIN")
	return err
}

// Commit issues COMMIT.
func (c *Connection) Commit(ctx context.Context) error {
	_, err := c.Exec(ctx, "COMMIT")
	return err
}

// Rollback issues ROLLBACK.
func (c *Connection) Rollback(ctx context.Context) error {
	_, err := c.Exec(ctx, "ROLLBACK")
	return err
}

// SetAutocommit toggles the session's autocommit mode.
func (c *Connection) SetAutocommit(ctx context.Context, on bool) error {
	_, err := c.Exec(ctx, fmt.Sprintf("SET autocommit=%d", boolToInt(on)))
	if err == nil {
		c.autocommit = on
	}
	return err
}

// Autocommit reports the last-known autocommit state.
func (c *Connection) Autocommit() bool { return c.autocommit }

// InTransaction reports whether the server's last reported status flags
// include IN_TRANS.
func (c *Connection) InTransaction() bool { return c.status&wire.StatusInTrans != 0 }

// ServerStatus returns the server status flags observed in the most
// recent OK/EOF packet (§3).
func (c *Connection) ServerStatus() uint16 { return c.status }

// AffectedRows returns the affected-rows count from the most recent OK
// packet (§3/§8).
func (c *Connection) AffectedRows() uint64 { return c.affectedRows }

// InsertID returns the last-insert-id from the most recent OK packet.
func (c *Connection) InsertID() uint64 { return c.insertID }

// WarningCount returns the warning count from the most recent OK packet.
func (c *Connection) WarningCount() uint16 { return c.warningCount }

// DB returns the currently selected database.
func (c *Connection) DB() string { return c.db }

// ServerVersion returns the version string the server reported at
// handshake.
func (c *Connection) ServerVersion() string { return c.serverVersion }

// Closed reports whether Close has been called on this connection.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends COM_QUIT and closes the underlying stream. Idempotent
// (§8's idempotence property).
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.pc.WritePacket([]byte{byte(wire.ComQuit)})
	return c.raw.Close()
}

// EnsureClosed is Close but never returns an error (§6's
// ensure_closed()), for defer sites that don't want to handle shutdown
// races.
func (c *Connection) EnsureClosed() { _ = c.Close() }

// --- savepoint-based nested transactions and XA (§3) -------------------

// Savepoint implements one level of a SAVEPOINT-emulated nested
// transaction, per §3's "Transaction-object family".
type Savepoint struct {
	conn *Connection
	name string
}

// NewSavepoint issues SAVEPOINT name and returns a handle whose Commit
// releases it and whose Rollback rolls back to it; the outermost
// transaction still controls the real COMMIT/ROLLBACK.
func (c *Connection) NewSavepoint(ctx context.Context, name string) (*Savepoint, error) {
	if _, err := c.Exec(ctx, "SAVEPOINT "+quoteIdent(name)); err != nil {
		return nil, err
	}
	return &Savepoint{conn: c, name: name}, nil
}

// Commit releases the savepoint (commits only the innermost level;
// §9's "NestedTransaction.commit" semantics).
func (s *Savepoint) Commit(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, "RELEASE SAVEPOINT "+quoteIdent(s.name))
	return err
}

// Rollback rolls back to the savepoint without ending the outer
// transaction.
func (s *Savepoint) Rollback(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(s.name))
	return err
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// XATransaction drives a two-phase commit with an externally supplied
// xid (§3).
type XATransaction struct {
	conn *Connection
	xid  string
}

// NewXATransaction issues XA START xid.
func (c *Connection) NewXATransaction(ctx context.Context, xid string) (*XATransaction, error) {
	if _, err := c.Exec(ctx, fmt.Sprintf("XA START '%s'", escapeLiteral(xid))); err != nil {
		return nil, err
	}
	return &XATransaction{conn: c, xid: xid}, nil
}

// End issues XA END xid, the required step before PREPARE.
func (x *XATransaction) End(ctx context.Context) error {
	_, err := x.conn.Exec(ctx, fmt.Sprintf("XA END '%s'", escapeLiteral(x.xid)))
	return err
}

// Prepare issues XA PREPARE xid.
func (x *XATransaction) Prepare(ctx context.Context) error {
	_, err := x.conn.Exec(ctx, fmt.Sprintf("XA PREPARE '%s'", escapeLiteral(x.xid)))
	return err
}

// Commit issues XA COMMIT xid.
func (x *XATransaction) Commit(ctx context.Context) error {
	_, err := x.conn.Exec(ctx, fmt.Sprintf("XA COMMIT '%s'", escapeLiteral(x.xid)))
	return err
}

// Rollback issues XA ROLLBACK xid.
func (x *XATransaction) Rollback(ctx context.Context) error {
	_, err := x.conn.Exec(ctx, fmt.Sprintf("XA ROLLBACK '%s'", escapeLiteral(x.xid)))
	return err
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

