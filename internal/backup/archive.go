package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/qrclock/attendcore/pkg/config"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/fsutil"
	"github.com/qrclock/attendcore/pkg/model"
)

// archivePattern matches the names ArchiveName produces.
const archivePattern = "attendcore-backup-*.{json,json.gz}"

// Archive is a destination for exported backup artifacts.
type Archive interface {
	Put(ctx context.Context, name string, data []byte) (model.BackupInfo, error)
	// Get returns errclass.ErrNotFound for an unknown name.
	Get(ctx context.Context, name string) ([]byte, error)
	// List returns archived backups, newest first.
	List(ctx context.Context) ([]model.BackupInfo, error)
}

// OpenArchive picks the archive for cfg: S3 when a bucket is set, a local
// directory when dir is set, otherwise none.
func OpenArchive(ctx context.Context, cfg config.BackupConfig) (Archive, error) {
	switch {
	case cfg.S3.Bucket != "":
		return NewS3Archive(ctx, cfg.S3)
	case cfg.Dir != "":
		return NewDirArchive(cfg.Dir)
	default:
		return nil, nil
	}
}

// DirArchive keeps artifacts as files in a local directory.
type DirArchive struct {
	dir string
}

// NewDirArchive creates dir if needed.
func NewDirArchive(dir string) (*DirArchive, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &DirArchive{dir: dir}, nil
}

func (a *DirArchive) path(name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", errclass.ErrNameInvalid.WithMessagef("invalid backup name %q", name)
	}
	return filepath.Join(a.dir, name), nil
}

// Put writes the artifact atomically.
func (a *DirArchive) Put(_ context.Context, name string, data []byte) (model.BackupInfo, error) {
	p, err := a.path(name)
	if err != nil {
		return model.BackupInfo{}, err
	}
	if err := fsutil.AtomicWrite(p, data, 0o600); err != nil {
		return model.BackupInfo{}, err
	}
	st, err := os.Stat(p)
	if err != nil {
		return model.BackupInfo{}, fmt.Errorf("stat backup: %w", err)
	}
	return model.BackupInfo{Name: name, Timestamp: st.ModTime().UTC(), SizeBytes: st.Size(), Location: p}, nil
}

func (a *DirArchive) Get(_ context.Context, name string) ([]byte, error) {
	p, err := a.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errclass.ErrNotFound.WithMessagef("backup %s not found", name)
	}
	return data, err
}

func (a *DirArchive) List(_ context.Context) ([]model.BackupInfo, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var out []model.BackupInfo
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		if ok, _ := doublestar.Match(archivePattern, de.Name()); !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, model.BackupInfo{
			Name:      de.Name(),
			Timestamp: info.ModTime().UTC(),
			SizeBytes: info.Size(),
			Location:  filepath.Join(a.dir, de.Name()),
		})
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(infos []model.BackupInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].Timestamp.Equal(infos[j].Timestamp) {
			return infos[i].Timestamp.After(infos[j].Timestamp)
		}
		return infos[i].Name > infos[j].Name
	})
}
