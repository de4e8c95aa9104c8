package kv

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/fsutil"
	"github.com/qrclock/attendcore/pkg/keyutil"
	"github.com/qrclock/attendcore/pkg/logging"
)

const fileExt = ".json"

// File stores one file per key under a directory. Writes are atomic
// (temp file, fsync, rename).
type File struct {
	dir string
	log *logging.Logger

	mu      sync.Mutex
	written map[string][sha256.Size]byte // digest of our own last write per key
}

// NewFile creates dir if needed and returns a file backend rooted there.
func NewFile(dir string, log *logging.Logger) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "create storage dir")
	}
	return &File{dir: dir, log: logging.OrGlobal(log), written: make(map[string][sha256.Size]byte)}, nil
}

// Dir returns the storage directory.
func (f *File) Dir() string { return f.dir }

func (f *File) path(key string) (string, error) {
	return keyutil.FileName(f.dir, key, fileExt)
}

func (f *File) Get(_ context.Context, key string) ([]byte, bool, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return data, true, nil
}

func (f *File) Set(_ context.Context, key string, value []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.written[key] = sha256.Sum256(value)
	f.mu.Unlock()
	return fsutil.AtomicWrite(p, value, 0o644)
}

func (f *File) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.written, key)
	f.mu.Unlock()
	return fsutil.Remove(p)
}

func (f *File) Keys(context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list storage dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if key, ok := keyFromName(e.Name()); ok && !e.IsDir() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *File) Usage(ctx context.Context) (Usage, error) {
	keys, err := f.Keys(ctx)
	if err != nil {
		return Usage{}, err
	}
	var used int64
	for _, k := range keys {
		info, err := os.Stat(filepath.Join(f.dir, k+fileExt))
		if err != nil {
			continue
		}
		used += int64(len(k)) + info.Size()
	}
	return Usage{UsedBytes: used}, nil
}

// Watch reports keys changed by other processes until ctx is done. Events
// caused by this backend's own writes are suppressed by content digest.
func (f *File) Watch(ctx context.Context, fn func(key string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", f.dir, err)
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				key, ok := keyFromName(filepath.Base(ev.Name))
				if !ok || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
					continue
				}
				if f.ownWrite(key) {
					continue
				}
				f.log.Debug("storage key changed out of band", map[string]any{"key": key, "op": ev.Op.String()})
				fn(key)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.log.Warn("storage watcher error", map[string]any{"error": err.Error()})
			}
		}
	}()
	return nil
}

func (f *File) ownWrite(key string) bool {
	f.mu.Lock()
	sum, ok := f.written[key]
	f.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(f.dir, key+fileExt))
	if err != nil {
		// Removed: ours only if we no longer track a write for it.
		return !ok
	}
	return ok && sha256.Sum256(data) == sum
}

func (f *File) Close() error { return nil }

func keyFromName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return "", false
	}
	key := strings.TrimSuffix(name, fileExt)
	return key, keyutil.ValidateKey(key) == nil
}
