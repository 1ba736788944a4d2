// Package parcel is the entry point for sending and consuming queue messages.
// Connections are configured from DSNs, either explicitly with Configure or
// from PARCEL_DSN environment variables, and are resolved lazily: the first
// operation on a message type opens the backend for its connection name and
// every later operation on the same connection reuses it.
package parcel

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/parcelmq/parcel-go/backend"
	"github.com/parcelmq/parcel-go/codec"
	"github.com/parcelmq/parcel-go/config"
	"github.com/parcelmq/parcel-go/contracts"
)

// DefaultConnection is the connection name used when a DSN has no fragment.
const DefaultConnection = ""

type registry struct {
	mu       sync.RWMutex
	conns    map[string]*config.Conn
	backends map[string]backend.Interface // keyed by Conn.CacheKey
	codecs   map[string]*codec.Codec      // keyed by Conn.CacheKey
	injected map[string]backend.Interface // test backends by connection name
	envRead  bool
}

var reg = &registry{
	conns:    make(map[string]*config.Conn),
	backends: make(map[string]backend.Interface),
	codecs:   make(map[string]*codec.Codec),
	injected: make(map[string]backend.Interface),
}

// disabledOverride: 0 follow the environment, 1 forced on, -1 forced off.
var disabledOverride int32
var disabledMu sync.Mutex

// Configure registers a connection from its DSN. The DSN fragment is the
// connection name; no fragment registers the default connection.
func Configure(dsn string) error {
	conn, err := config.ParseDSN(dsn)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.conns[conn.Name] = conn
	return nil
}

// ConfigureEnviron registers connections from PARCEL_DSN and PARCEL_DSN_1
// through PARCEL_DSN_N. The numbered variables are read in order and the
// scan stops at the first gap.
func ConfigureEnviron() error {
	if dsn := os.Getenv(config.EnvDSN); dsn != "" {
		if err := Configure(dsn); err != nil {
			return err
		}
	}
	for i := 1; ; i++ {
		dsn := os.Getenv(fmt.Sprintf("%s_%d", config.EnvDSN, i))
		if dsn == "" {
			break
		}
		if err := Configure(dsn); err != nil {
			return err
		}
	}
	return nil
}

// SetBackend binds a backend instance to a connection name directly,
// bypassing DSN resolution. Intended for tests.
func SetBackend(name string, b backend.Interface) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.injected[name] = b
	reg.envRead = true
}

// Reset closes every open backend and clears all configuration. Intended for
// tests.
func Reset() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, b := range reg.backends {
		_ = b.Close()
	}
	reg.conns = make(map[string]*config.Conn)
	reg.backends = make(map[string]backend.Interface)
	reg.codecs = make(map[string]*codec.Codec)
	reg.injected = make(map[string]backend.Interface)
	reg.envRead = false

	disabledMu.Lock()
	disabledOverride = 0
	disabledMu.Unlock()
}

// SetDisabled forces sending on or off, overriding PARCEL_DISABLED.
func SetDisabled(disabled bool) {
	disabledMu.Lock()
	defer disabledMu.Unlock()
	if disabled {
		disabledOverride = 1
	} else {
		disabledOverride = -1
	}
}

// Disabled reports whether sends are currently dropped instead of delivered.
// Unless overridden with SetDisabled it follows the PARCEL_DISABLED
// environment variable.
func Disabled() bool {
	disabledMu.Lock()
	override := disabledOverride
	disabledMu.Unlock()
	switch override {
	case 1:
		return true
	case -1:
		return false
	}
	v, err := strconv.ParseBool(os.Getenv(config.EnvDisabled))
	return err == nil && v
}

// queuePrefix returns the process-wide queue name prefix: PARCEL_PREFIX wins
// over the connection's prefix option.
func queuePrefix(conn *config.Conn) string {
	if p := os.Getenv(config.EnvPrefix); p != "" {
		return p
	}
	if conn != nil {
		return conn.Prefix()
	}
	return ""
}

// connFor looks up the connection by name, reading the environment once if
// nothing was configured explicitly.
func connFor(name string) (*config.Conn, error) {
	reg.mu.RLock()
	conn, ok := reg.conns[name]
	envRead := reg.envRead
	reg.mu.RUnlock()
	if ok {
		return conn, nil
	}
	if !envRead {
		reg.mu.Lock()
		reg.envRead = true
		reg.mu.Unlock()
		if err := ConfigureEnviron(); err != nil {
			return nil, err
		}
		reg.mu.RLock()
		conn, ok = reg.conns[name]
		reg.mu.RUnlock()
		if ok {
			return conn, nil
		}
	}
	return nil, &contracts.ConfigError{
		Reason: fmt.Sprintf("no connection configured for name %q", name),
	}
}

// backendFor resolves the backend for a connection name, opening it on first
// use. Concurrent callers for the same connection share one instance.
func backendFor(name string) (backend.Interface, *config.Conn, error) {
	reg.mu.RLock()
	injected, ok := reg.injected[name]
	reg.mu.RUnlock()
	if ok {
		conn, _ := connFor(name)
		return injected, conn, nil
	}

	conn, err := connFor(name)
	if err != nil {
		return nil, nil, err
	}

	key := conn.CacheKey()
	reg.mu.RLock()
	b, ok := reg.backends[key]
	reg.mu.RUnlock()
	if ok {
		return b, conn, nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if b, ok = reg.backends[key]; ok {
		return b, conn, nil
	}
	b, err = backend.Open(conn)
	if err != nil {
		return nil, nil, err
	}
	reg.backends[key] = b
	slog.Debug("backend opened", "scheme", conn.Scheme, "connection", name)
	return b, conn, nil
}

// codecFor builds the codec for a connection from its serializer and key
// options, memoized alongside the backend.
func codecFor(conn *config.Conn) (*codec.Codec, error) {
	if conn == nil {
		return codec.New()
	}

	key := conn.CacheKey()
	reg.mu.RLock()
	cd, ok := reg.codecs[key]
	reg.mu.RUnlock()
	if ok {
		return cd, nil
	}

	var opts []codec.Option
	if s := conn.Serializer(); s != "" {
		opts = append(opts, codec.WithSerializer(s))
	}
	switch {
	case conn.ManagedKeyID() != "":
		opts = append(opts, codec.WithManagedKey(conn.ManagedKeyID()))
	case conn.KeyFile() != "":
		opts = append(opts, codec.WithKeyFile(conn.KeyFile()))
	case conn.Key() != "":
		opts = append(opts, codec.WithKey([]byte(conn.Key())))
	}

	cd, err := codec.New(opts...)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.codecs[key]; ok {
		return existing, nil
	}
	reg.codecs[key] = cd
	return cd, nil
}
