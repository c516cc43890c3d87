package wireql

import (
	"crypto/rsa"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/wireql/wireql/internal/auth"
	"github.com/wireql/wireql/metrics"
)

// CursorClass selects which Cursor variant Connection.Cursor constructs,
// re-expressing §9's "pluggable cursor classes" as a flat enum instead of
// a subclass hierarchy.
type CursorClass int

const (
	// CursorTuple buffers all rows eagerly and decodes them as []any.
	CursorTuple CursorClass = iota
	// CursorDict buffers all rows eagerly and decodes them as map[string]any.
	CursorDict
	// CursorStreamingTuple holds one row in memory at a time, []any.
	CursorStreamingTuple
	// CursorStreamingDict holds one row in memory at a time, map[string]any.
	CursorStreamingDict
)

// Config carries every option connect() takes in §6. A DSN string parses
// into one of these (dsn.go); callers may also build one directly.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	DB         string
	UnixSocket string

	Charset string
	SQLMode string

	// ReadDefaultFile/ReadDefaultGroup name a my.cnf-style file and group
	// to merge in under these explicit fields (explicit wins, §6).
	ReadDefaultFile  string
	ReadDefaultGroup string

	ClientFlags       uint32 // extra capability bits OR'd onto the base set
	CursorClass       CursorClass
	InitCommand       string
	ConnectTimeout    time.Duration
	Autocommit        bool
	LocalInfile       bool
	LocalInfileHandler func(path string) (ReadCloserSize, error)

	TLS        *tls.Config
	AuthPlugin auth.Name // forces a plugin instead of following the server's choice
	ProgramName string

	// ServerPublicKey is a cached RSA public key for the SHA-256 family of
	// auth plugins, letting a caller avoid the extra round trip spent
	// requesting it from the server (§4.3).
	ServerPublicKey *rsa.PublicKey

	// MaxAllowedPacket bounds how large a single packet executemany is
	// allowed to build (§4.5); defaults to 16MiB - 1 when zero, mirroring
	// the server's own default.
	MaxAllowedPacket int

	// Metrics, when set, receives per-query and per-auth-failure
	// observations, labeled PoolName. A Pool populates both of these
	// automatically from its own PoolConfig.Metrics/Name; a caller using
	// Connect directly may also set them to get the same instrumentation.
	Metrics  *metrics.Collector
	PoolName string
}

// ReadCloserSize is the handle LOCAL INFILE streams from: a reader the
// driver reads to EOF and then closes. It carries no size information.
type ReadCloserSize interface {
	Read(p []byte) (int, error)
	Close() error
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.Charset == "" {
		c.Charset = "utf8mb4"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.MaxAllowedPacket == 0 {
		c.MaxAllowedPacket = 16*1024*1024 - 1
	}
	return c
}

func (c Config) network() string {
	if c.UnixSocket != "" {
		return "unix"
	}
	return "tcp"
}

func (c Config) address() string {
	if c.UnixSocket != "" {
		return c.UnixSocket
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
