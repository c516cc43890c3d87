// Package auth implements the MySQL/MariaDB authentication plugins named
// in §4.3: mysql_native_password, caching_sha2_password, sha256_password,
// and mysql_clear_password, plus the AuthSwitchRequest/AuthMoreData
// dance and the RSA public-key exchange the two SHA-256 plugins fall
// back to outside TLS. Grounded directly on the worked auth flow in
// other_examples' santhosh-tekuri binlog client, cross-checked against
// the scramble math in go-sql-driver/mysql and the teacher's
// mysqlNativePasswordHash helper.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// ErrUnsupportedPlugin is returned when the server names a plugin this
// package does not implement and the caller supplied no custom plugin.
var ErrUnsupportedPlugin = errors.New("auth: unsupported authentication plugin")

// Name is a recognized plugin name, used both as the wire string and as a
// map key for the registry below.
type Name string

const (
	MySQLNativePassword  Name = "mysql_native_password"
	CachingSHA2Password  Name = "caching_sha2_password"
	SHA256Password       Name = "sha256_password"
	MySQLClearPassword   Name = "mysql_clear_password"
)

// Secure reports whether the transport the plugin is negotiating over is
// already confidential (TLS or a Unix domain socket). Plugins that would
// otherwise require an RSA round-trip send the password in the clear
// instead when this is true, per §4.3.
type Secure bool

// Plugin is the capability interface §9 asks for: a flat tagged variant
// over a dynamic-dispatch class hierarchy.
type Plugin interface {
	// Name returns the wire name of this plugin.
	Name() Name
	// Scramble computes the initial auth-response bytes to send in the
	// handshake response, given the password and the server's seed
	// (the concatenated auth-plugin-data).
	Scramble(password string, seed []byte, secure Secure) ([]byte, error)
	// HandleMoreData responds to an AuthMoreData (0x01) packet. It
	// returns the bytes to send back (possibly empty, meaning "nothing
	// to send, wait for the next server packet") and whether
	// authentication is now complete from this plugin's perspective.
	HandleMoreData(data []byte, password string, seed []byte, secure Secure, pubKey *rsa.PublicKey) (response []byte, done bool, needsPubKey bool, err error)
}

// Registry maps a plugin name to its implementation. Populated with the
// four built-ins; callers may register an additional custom plugin (the
// "open-extension hook" in §9) with Register.
type Registry struct {
	plugins map[Name]Plugin
}

// NewRegistry returns a Registry pre-populated with the four built-in
// plugins.
func NewRegistry() *Registry {
	r := &Registry{plugins: make(map[Name]Plugin, 4)}
	r.Register(nativePassword{})
	r.Register(cachingSHA2{})
	r.Register(sha256Password{})
	r.Register(clearPassword{})
	return r
}

// Register adds or replaces a plugin implementation.
func (r *Registry) Register(p Plugin) { r.plugins[p.Name()] = p }

// Lookup returns the plugin for name, or ErrUnsupportedPlugin.
func (r *Registry) Lookup(name Name) (Plugin, error) {
	if p, ok := r.plugins[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlugin, name)
}

// --- mysql_native_password ---------------------------------------------

type nativePassword struct{}

func (nativePassword) Name() Name { return MySQLNativePassword }

func (nativePassword) Scramble(password string, seed []byte, _ Secure) ([]byte, error) {
	return scrambleNative([]byte(password), seed), nil
}

func (nativePassword) HandleMoreData([]byte, string, []byte, Secure, *rsa.PublicKey) ([]byte, bool, bool, error) {
	return nil, true, false, errors.New("auth: mysql_native_password does not use AuthMoreData")
}

// scrambleNative computes SHA1(password) XOR SHA1(seed || SHA1(SHA1(password))),
// the single-round scramble defined by §4.3. An empty password scrambles
// to an empty response.
func scrambleNative(password, seed []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h1 := sha1.Sum(password) //nolint:gosec
	h2 := sha1.Sum(h1[:])    //nolint:gosec
	h := sha1.New()          //nolint:gosec
	h.Write(seed)
	h.Write(h2[:])
	h3 := h.Sum(nil)
	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// --- caching_sha2_password ----------------------------------------------

type cachingSHA2 struct{}

func (cachingSHA2) Name() Name { return CachingSHA2Password }

func (cachingSHA2) Scramble(password string, seed []byte, _ Secure) ([]byte, error) {
	return scrambleSHA256(password, seed), nil
}

// HandleMoreData drives the fast/full-auth fork described in §4.3: byte
// 0x03 means the server accepted the cached hash (fast path, nothing more
// to send); byte 0x04 means full authentication is required, at which
// point the cleartext password is sent directly over TLS/Unix transports,
// or RSA-OAEP encrypted otherwise (requesting the server's public key
// first if the caller hasn't cached one).
func (cachingSHA2) HandleMoreData(data []byte, password string, seed []byte, secure Secure, pubKey *rsa.PublicKey) ([]byte, bool, bool, error) {
	if len(data) != 1 {
		return nil, false, false, errors.New("auth: malformed caching_sha2_password AuthMoreData")
	}
	switch data[0] {
	case 0x03:
		return nil, true, false, nil
	case 0x04:
		if secure {
			return nullTerminated(password), true, false, nil
		}
		if pubKey == nil {
			return nil, false, true, nil // caller must request the public key and retry
		}
		enc, err := encryptPasswordXORSeed(password, seed, pubKey)
		if err != nil {
			return nil, false, false, err
		}
		return enc, true, false, nil
	default:
		return nil, false, false, fmt.Errorf("auth: unexpected caching_sha2_password status 0x%02x", data[0])
	}
}

// scrambleSHA256 computes SHA256(password) XOR SHA256(SHA256(SHA256(password)) || seed),
// the first-round scramble for both SHA-256 based plugins (§4.3).
func scrambleSHA256(password string, seed []byte) []byte {
	if password == "" {
		return nil
	}
	pw := []byte(password)
	h1 := sha256.Sum256(pw)
	h2 := sha256.Sum256(h1[:])
	h3 := sha256.Sum256(append(append([]byte{}, h2[:]...), seed...))
	out := make([]byte, len(h1))
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// --- sha256_password ------------------------------------------------------

type sha256Password struct{}

func (sha256Password) Name() Name { return SHA256Password }

// Scramble for sha256_password: an empty password is sent as a single NUL
// byte; otherwise the plugin always needs the RSA round trip (no fast
// cache path exists for this plugin, unlike caching_sha2_password), signaled
// by returning a nil response here and letting the connection state
// machine request the public key on the first AuthMoreData/AuthSwitch it
// receives.
func (sha256Password) Scramble(password string, _ []byte, secure Secure) ([]byte, error) {
	if password == "" {
		return []byte{0}, nil
	}
	if secure {
		return nullTerminated(password), nil
	}
	return nil, nil
}

func (sha256Password) HandleMoreData(data []byte, password string, seed []byte, secure Secure, pubKey *rsa.PublicKey) ([]byte, bool, bool, error) {
	if secure || password == "" {
		return nil, true, false, nil
	}
	if pubKey == nil {
		return nil, false, true, nil
	}
	enc, err := encryptPasswordXORSeed(password, seed, pubKey)
	if err != nil {
		return nil, false, false, err
	}
	return enc, true, false, nil
}

// --- mysql_clear_password --------------------------------------------------

type clearPassword struct{}

func (clearPassword) Name() Name { return MySQLClearPassword }

func (clearPassword) Scramble(password string, _ []byte, _ Secure) ([]byte, error) {
	return nullTerminated(password), nil
}

func (clearPassword) HandleMoreData([]byte, string, []byte, Secure, *rsa.PublicKey) ([]byte, bool, bool, error) {
	return nil, true, false, errors.New("auth: mysql_clear_password does not use AuthMoreData")
}

// --- RSA public-key exchange shared by the two SHA-256 plugins -------------

// DecodePublicKey parses the PEM-encoded RSA public key the server sends
// in response to a public-key request (0x02).
func DecodePublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("auth: no PEM block in server public key response")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing server public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: server public key is not RSA")
	}
	return rsaPub, nil
}

// encryptPasswordXORSeed XORs the NUL-terminated password with the
// (repeated) seed and encrypts the result with RSA-OAEP, per §4.3.
func encryptPasswordXORSeed(password string, seed []byte, pub *rsa.PublicKey) ([]byte, error) {
	if len(seed) == 0 {
		return nil, errors.New("auth: empty seed for RSA password encryption")
	}
	plain := append([]byte(password), 0)
	for i := range plain {
		plain[i] ^= seed[i%len(seed)]
	}
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plain, nil) //nolint:gosec // protocol-mandated
}

func nullTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}
