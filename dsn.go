package wireql

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ParseDSN parses a `user:pass@tcp(host:port)/db?opt=val` style DSN, the
// convention popularized by go-sql-driver/mysql, into a Config. It is
// sugar over building a Config directly (§4.8) — both are accepted
// everywhere a Config is.
func ParseDSN(dsn string) (Config, error) {
	var cfg Config

	rest := dsn
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		if colon := strings.Index(userinfo, ":"); colon >= 0 {
			cfg.User = userinfo[:colon]
			cfg.Password = userinfo[colon+1:]
		} else {
			cfg.User = userinfo
		}
	}

	netOpen := strings.Index(rest, "(")
	if netOpen < 0 {
		return cfg, newErr(KindProgramming, "dsn: missing network address, e.g. tcp(host:port)")
	}
	network := rest[:netOpen]
	netClose := strings.Index(rest, ")")
	if netClose < 0 || netClose < netOpen {
		return cfg, newErr(KindProgramming, "dsn: unterminated network address")
	}
	addr := rest[netOpen+1 : netClose]
	rest = rest[netClose+1:]

	if network == "unix" {
		cfg.UnixSocket = addr
	} else {
		host, portStr, err := splitHostPort(addr)
		if err != nil {
			return cfg, wrapErr(KindProgramming, "dsn: invalid address", err)
		}
		cfg.Host = host
		if portStr != "" {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return cfg, wrapErr(KindProgramming, "dsn: invalid port", err)
			}
			cfg.Port = port
		}
	}

	if !strings.HasPrefix(rest, "/") {
		return cfg, newErr(KindProgramming, "dsn: missing leading '/' before database name")
	}
	rest = rest[1:]

	dbPart := rest
	var query string
	if q := strings.Index(rest, "?"); q >= 0 {
		dbPart = rest[:q]
		query = rest[q+1:]
	}
	cfg.DB = dbPart

	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		switch strings.ToLower(k) {
		case "charset":
			cfg.Charset = v
		case "sql_mode":
			cfg.SQLMode = v
		case "autocommit":
			cfg.Autocommit = v == "true" || v == "1"
		case "local_infile":
			cfg.LocalInfile = v == "true" || v == "1"
		case "tls":
			if v == "true" || v == "skip-verify" {
				cfg.TLS = &tls.Config{InsecureSkipVerify: v == "skip-verify"} //nolint:gosec // explicit opt-in
			}
		case "timeout":
			if d, err := time.ParseDuration(v); err == nil {
				cfg.ConnectTimeout = d
			}
		}
	}
	return cfg, nil
}

func splitHostPort(addr string) (host, port string, err error) {
	if addr == "" {
		return "", "", nil
	}
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx], addr[idx+1:], nil
	}
	return addr, "", nil
}

// PoolConfigFile is the top-level shape dsn.LoadPoolConfig parses, a
// named map of DSN/pool settings (§3/§4.8), mirroring the teacher's
// Config/PoolDefaults/TenantConfig layering generalized from "per
// tenant" to "per named pool".
type PoolConfigFile struct {
	Defaults PoolDefaultsYAML          `yaml:"defaults"`
	Pools    map[string]PoolEntryYAML `yaml:"pools"`
}

// PoolDefaultsYAML holds sizing/timeout defaults applied when a pool
// entry omits them.
type PoolDefaultsYAML struct {
	MinConnections int            `yaml:"min_connections"`
	MaxConnections int            `yaml:"max_connections"`
	PoolRecycle    *time.Duration `yaml:"pool_recycle,omitempty"`
	AcquireTimeout time.Duration  `yaml:"acquire_timeout"`
	DialTimeout    time.Duration  `yaml:"dial_timeout"`
	IdleTimeout    time.Duration  `yaml:"idle_timeout"`
}

// PoolEntryYAML is one named pool's configuration.
type PoolEntryYAML struct {
	DSN            string         `yaml:"dsn"`
	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	PoolRecycle    *time.Duration `yaml:"pool_recycle,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration `yaml:"dial_timeout,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// LoadPoolConfig reads and parses a YAML pool-config file, substituting
// `${VAR}` environment references exactly as the teacher's config.Load
// does, and returns one PoolConfig per named pool with defaults merged
// in.
func LoadPoolConfig(path string) (map[string]PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr(KindOperational, "reading pool config file", err)
	}
	data = substituteEnvVars(data)

	var file PoolConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, wrapErr(KindProgramming, "parsing pool config file", err)
	}

	out := make(map[string]PoolConfig, len(file.Pools))
	for name, entry := range file.Pools {
		cfg, err := ParseDSN(entry.DSN)
		if err != nil {
			return nil, wrapErr(KindProgramming, fmt.Sprintf("pool %q: parsing dsn", name), err)
		}
		pc := PoolConfig{
			Config:         cfg,
			Name:           name,
			MinSize:        intOr(entry.MinConnections, file.Defaults.MinConnections),
			MaxSize:        intOr(entry.MaxConnections, file.Defaults.MaxConnections),
			PoolRecycle:    recycleOr(entry.PoolRecycle, file.Defaults.PoolRecycle),
			AcquireTimeout: durOr(entry.AcquireTimeout, file.Defaults.AcquireTimeout),
			IdleTimeout:    durOr(entry.IdleTimeout, file.Defaults.IdleTimeout),
		}
		if d := durOr(entry.DialTimeout, file.Defaults.DialTimeout); d > 0 {
			pc.ConnectTimeout = d
		}
		out[name] = pc
	}
	return out, nil
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func durOr(p *time.Duration, def time.Duration) time.Duration {
	if p != nil {
		return *p
	}
	return def
}

// recycleOr resolves a pool entry's pool_recycle against the file-level
// default, preserving nil (meaning "the YAML never set this") rather than
// collapsing it to a zero time.Duration — PoolConfig.withDefaults relies
// on that distinction to tell "unset" apart from an explicit 0.
func recycleOr(entry, def *time.Duration) *time.Duration {
	if entry != nil {
		return entry
	}
	return def
}

// Defaults is the subset of connect() options a my.cnf [group] can
// supply (§6).
type Defaults struct {
	Host           string
	User           string
	Password       string
	Port           int
	Socket         string
	DefaultCharset string
}

// ReadDefaultsFile reads a my.cnf-style file and extracts host, user,
// password, port, socket, and default-character-set from the named
// [group]. This is the minimal reader §6 describes as part of
// connect()'s own surface — not the general my.cnf option-group
// ecosystem (include directives, vendor-specific groups), which
// spec.md's Non-goals exclude. No INI library exists anywhere in the
// retrieved pack, so this is implemented with bufio.Scanner.
func ReadDefaultsFile(path, group string) (Defaults, error) {
	var d Defaults
	f, err := os.Open(path)
	if err != nil {
		return d, wrapErr(KindOperational, "opening defaults file", err)
	}
	defer f.Close()

	wantHeader := "[" + group + "]"
	inGroup := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			inGroup = line == wantHeader
			continue
		}
		if !inGroup {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "host":
			d.Host = val
		case "user":
			d.User = val
		case "password":
			d.Password = val
		case "port":
			if p, err := strconv.Atoi(val); err == nil {
				d.Port = p
			}
		case "socket":
			d.Socket = val
		case "default-character-set":
			d.DefaultCharset = val
		}
	}
	if err := sc.Err(); err != nil {
		return d, wrapErr(KindOperational, "scanning defaults file", err)
	}
	return d, nil
}

// MergeDefaults merges read-defaults-file values into cfg for any field
// cfg left unset, per §6's "explicit wins" rule.
func MergeDefaults(cfg Config, d Defaults) Config {
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.User == "" {
		cfg.User = d.User
	}
	if cfg.Password == "" {
		cfg.Password = d.Password
	}
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.UnixSocket == "" {
		cfg.UnixSocket = d.Socket
	}
	if cfg.Charset == "" {
		cfg.Charset = d.DefaultCharset
	}
	return cfg
}

// WatchTLSFiles watches certPath/keyPath with fsnotify and invokes cb
// with the reloaded certificate whenever either changes, debounced by
// 500ms exactly as the teacher's config.Watcher does, so a long-lived
// pool can pick up a rotated client certificate without restarting
// (§4.8).
func WatchTLSFiles(certPath, keyPath string, cb func(tls.Certificate, error)) (stop func() error, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, wrapErr(KindOperational, "creating TLS file watcher", err)
	}
	if err := w.Add(certPath); err != nil {
		w.Close()
		return nil, wrapErr(KindOperational, "watching TLS cert file", err)
	}
	if err := w.Add(keyPath); err != nil {
		w.Close()
		return nil, wrapErr(KindOperational, "watching TLS key file", err)
	}

	stopCh := make(chan struct{})
	reload := func() {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		cb(cert, err)
	}

	go func() {
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(500*time.Millisecond, reload)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("wireql: TLS file watcher error", "error", err)
			case <-stopCh:
				return
			}
		}
	}()

	return func() error {
		close(stopCh)
		return w.Close()
	}, nil
}
