package kv

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/logging"
)

// Factory builds a backend from a DSN.
type Factory func(dsn string) (KeyValueStore, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register installs a factory for a DSN scheme, overriding built-ins.
func Register(scheme string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[strings.ToLower(scheme)] = f
}

func lookup(scheme string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[scheme]
	return f, ok
}

// Open builds a backend from dsn and applies quota:
//
//	memory://               in-process, native quota
//	file:///var/lib/attend  one JSON file per key
//	sqlite:///path/to.db    modernc.org/sqlite
//	postgres://user@host/db lib/pq
func Open(dsn string, quota int64, log *logging.Logger) (KeyValueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "memory://"
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessagef("storage dsn: %v", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if f, ok := lookup(scheme); ok {
		s, err := f(dsn)
		if err != nil {
			return nil, err
		}
		return WithQuota(s, quota), nil
	}
	switch scheme {
	case "memory", "mem":
		return NewMemory(quota), nil
	case "file", "":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		s, err := NewFile(path, log)
		if err != nil {
			return nil, err
		}
		return WithQuota(s, quota), nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		s, err := NewSQLite(path)
		if err != nil {
			return nil, errclass.ErrStorageFailure.Wrap(err, "open sqlite backend")
		}
		return WithQuota(s, quota), nil
	case "postgres", "postgresql":
		s, err := NewPostgres(dsn)
		if err != nil {
			return nil, errclass.ErrStorageFailure.Wrap(err, "open postgres backend")
		}
		return WithQuota(s, quota), nil
	default:
		return nil, errclass.ErrBackendUnsupported.WithMessagef("storage scheme %q", scheme)
	}
}

func dsnPath(u *url.URL, raw string) (string, error) {
	path := u.Path
	if u.Host != "" {
		// file://relative/dir parses "relative" as host.
		path = u.Host + u.Path
	}
	if u.Scheme == "" {
		path = raw
	}
	if path == "" {
		return "", errclass.ErrConfigInvalid.WithMessagef("storage dsn %q has no path", raw)
	}
	return filepath.Clean(path), nil
}

// Describe renders a DSN for logs with credentials removed.
func Describe(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	u.User = url.User(u.User.Username())
	return fmt.Sprint(u)
}
