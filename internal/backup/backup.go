// Package backup generates, verifies, archives and imports signed
// full-state snapshots of the attendance collections.
//
// A snapshot's signature covers the canonical JSON of its data block only.
// Import validates the artifact completely before it touches any
// collection, takes a safety backup of the current state, and rolls back
// to that safety backup when a write fails midway.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/internal/integrity"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/internal/store"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/jsonutil"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/metrics"
	"github.com/qrclock/attendcore/pkg/model"
	"github.com/qrclock/attendcore/pkg/uuidutil"
)

// DefaultKeepSafety is how many safety backups are kept when unset.
const DefaultKeepSafety = 3

// RecordStore is the part of the persistent store imports write through,
// so cached indexes follow the imported state.
type RecordStore interface {
	Put(ctx context.Context, c model.Collection, recs []model.Record, ev audit.Event) error
	Upsert(ctx context.Context, c model.Collection, recs []model.Record, ev audit.Event) (int, error)
}

// Saver persists raw values, compressing them as needed.
type Saver interface {
	SaveOptimized(ctx context.Context, key string, data []byte) error
}

// Options configures an Engine.
type Options struct {
	Store       RecordStore
	Audit       *audit.Log
	Saver       Saver
	Archive     Archive
	Compress    bool
	KeepSafety  int
	GeneratedBy string
	Clock       clock.PassiveClock
	Logger      *logging.Logger
	Metrics     *metrics.Registry
}

// Engine is the backup and restore engine.
type Engine struct {
	kv     kv.KeyValueStore
	signer *integrity.Signer
	opts   Options
	log    *logging.Logger

	// mu serializes imports and safety backup bookkeeping.
	mu sync.Mutex
}

// New creates an engine over backend. signer is required: unsigned
// backups are never produced or accepted.
func New(backend kv.KeyValueStore, signer *integrity.Signer, opts Options) (*Engine, error) {
	if signer == nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("backup engine needs a signer")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.New(backend, audit.Options{Clock: opts.Clock, Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if opts.Store == nil {
		opts.Store = store.New(backend, store.Options{Audit: opts.Audit, Clock: opts.Clock, Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if opts.KeepSafety <= 0 {
		opts.KeepSafety = DefaultKeepSafety
	}
	if opts.GeneratedBy == "" {
		opts.GeneratedBy = "attendcore"
	}
	return &Engine{
		kv:     backend,
		signer: signer,
		opts:   opts,
		log:    logging.OrGlobal(opts.Logger).WithFields(map[string]any{"component": "backup"}),
	}, nil
}

// Generate reads every backed-up collection into a signed snapshot.
// Missing collections are captured as empty arrays.
func (e *Engine) Generate(ctx context.Context, reason string) (model.BackupSnapshot, error) {
	data := make(map[string]json.RawMessage, len(model.BackupCollections))
	names := make([]string, 0, len(model.BackupCollections))
	total := 0
	for _, c := range model.BackupCollections {
		key := c.String()
		raw, ok, err := e.kv.Get(ctx, key)
		if err != nil {
			return model.BackupSnapshot{}, errclass.ErrStorageFailure.Wrap(err, "read "+key)
		}
		plain := []byte("[]")
		if ok {
			if plain, err = compression.Unpack(raw); err != nil {
				return model.BackupSnapshot{}, errclass.ErrStorageFailure.Wrap(err, "unpack "+key)
			}
		}
		var items []json.RawMessage
		if err := json.Unmarshal(plain, &items); err != nil {
			return model.BackupSnapshot{}, errclass.ErrStorageFailure.Wrap(err, key+" is not a JSON array")
		}
		if items == nil {
			plain = []byte("[]")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, plain); err != nil {
			return model.BackupSnapshot{}, errclass.ErrStorageFailure.Wrap(err, "compact "+key)
		}
		data[key] = buf.Bytes()
		names = append(names, key)
		total += len(items)
	}
	sort.Strings(names)

	sig, err := e.sign(data)
	if err != nil {
		return model.BackupSnapshot{}, err
	}
	return model.BackupSnapshot{
		Metadata: model.BackupMetadata{
			Version:     model.BackupFormatVersion,
			Timestamp:   e.opts.Clock.Now().UTC(),
			GeneratedBy: e.opts.GeneratedBy,
			Reason:      reason,
			ItemCount:   total,
			Collections: names,
		},
		Data:      data,
		Signature: sig,
	}, nil
}

func (e *Engine) sign(data map[string]json.RawMessage) (model.HashValue, error) {
	canonical, err := jsonutil.CanonicalMarshal(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize backup data: %w", err)
	}
	return e.signer.SignBytes(canonical), nil
}

// Verify recomputes the signature over the data block. Any mismatch or an
// unsupported format version is an import validation failure.
func (e *Engine) Verify(snap model.BackupSnapshot) error {
	if !strings.HasPrefix(snap.Metadata.Version, "1.") {
		return errclass.ErrImportValidation.WithMessagef("unsupported backup version %q", snap.Metadata.Version)
	}
	if snap.Data == nil {
		return errclass.ErrImportValidation.WithMessage("backup has no data block")
	}
	canonical, err := jsonutil.CanonicalMarshal(snap.Data)
	if err != nil {
		return errclass.ErrImportValidation.Wrap(err, "canonicalize backup data")
	}
	if !e.signer.VerifyBytes(canonical, snap.Signature) {
		return errclass.ErrImportValidation.WithMessage("backup signature mismatch")
	}
	return nil
}

// Export writes snap as an indented JSON artifact, gzipped when gz is set.
func Export(w io.Writer, snap model.BackupSnapshot, gz bool) error {
	data, err := Marshal(snap, gz)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Marshal encodes snap the way Export writes it.
func Marshal(snap model.BackupSnapshot, gz bool) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal backup: %w", err)
	}
	data = append(data, '\n')
	if gz {
		return compression.GzipBytes(data, compression.LevelDefault)
	}
	return data, nil
}

// Parse decodes an artifact, gzipped or plain, and checks its shape. It
// does not verify the signature.
func Parse(artifact []byte) (model.BackupSnapshot, error) {
	if compression.IsGzip(artifact) {
		plain, err := compression.GunzipBytes(artifact)
		if err != nil {
			return model.BackupSnapshot{}, errclass.ErrImportValidation.Wrap(err, "decompress artifact")
		}
		artifact = plain
	}
	if err := validateShape(artifact); err != nil {
		return model.BackupSnapshot{}, errclass.ErrImportValidation.Wrap(err, "artifact does not match backup schema")
	}
	var snap model.BackupSnapshot
	if err := json.Unmarshal(artifact, &snap); err != nil {
		return model.BackupSnapshot{}, errclass.ErrImportValidation.Wrap(err, "decode artifact")
	}
	return snap, nil
}

// Create generates a snapshot, stores it in the archive when one is
// configured, and audits the creation.
func (e *Engine) Create(ctx context.Context, actor model.Actor, reason string) (model.BackupSnapshot, *model.BackupInfo, error) {
	snap, err := e.Generate(ctx, reason)
	if err != nil {
		e.record("create", false)
		return model.BackupSnapshot{}, nil, err
	}

	var info *model.BackupInfo
	if e.opts.Archive != nil {
		data, err := Marshal(snap, e.opts.Compress)
		if err != nil {
			e.record("create", false)
			return model.BackupSnapshot{}, nil, err
		}
		name := ArchiveName(snap.Metadata.Timestamp, e.opts.Compress)
		stored, err := e.opts.Archive.Put(ctx, name, data)
		if err != nil {
			e.record("create", false)
			return model.BackupSnapshot{}, nil, errclass.ErrStorageFailure.Wrap(err, "archive backup")
		}
		info = &stored
	}

	details := map[string]any{
		"itemCount":   snap.Metadata.ItemCount,
		"collections": len(snap.Metadata.Collections),
	}
	if info != nil {
		details["location"] = info.Location
	}
	if _, err := e.opts.Audit.Append(ctx, audit.Event{
		Action:   model.ActionBackupCreate,
		ActorID:  actor.ID,
		TargetID: string(snap.Signature),
		Module:   "backup",
		Severity: model.SeverityInfo,
		Details:  details,
	}); err != nil {
		e.log.ErrorErr("audit backup create", err, nil)
	}
	e.record("create", true)
	e.log.Info("backup created", map[string]any{"items": snap.Metadata.ItemCount, "archived": info != nil})
	return snap, info, nil
}

// List returns the archived backups, newest first.
func (e *Engine) List(ctx context.Context) ([]model.BackupInfo, error) {
	if e.opts.Archive == nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("no backup archive configured")
	}
	return e.opts.Archive.List(ctx)
}

// Load reads an archived artifact by name.
func (e *Engine) Load(ctx context.Context, name string) ([]byte, error) {
	if e.opts.Archive == nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("no backup archive configured")
	}
	data, err := e.opts.Archive.Get(ctx, name)
	if errors.Is(err, errclass.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "read archived backup "+name)
	}
	return data, nil
}

// SafetyBackups returns the safety backups stored under the backups key,
// newest last.
func (e *Engine) SafetyBackups(ctx context.Context) ([]model.BackupSnapshot, error) {
	raw, ok, err := e.kv.Get(ctx, model.CollectionBackups.String())
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "read safety backups")
	}
	if !ok {
		return nil, nil
	}
	plain, err := compression.Unpack(raw)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "unpack safety backups")
	}
	var out []model.BackupSnapshot
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "decode safety backups")
	}
	return out, nil
}

func (e *Engine) pushSafety(ctx context.Context, snap model.BackupSnapshot) error {
	list, err := e.SafetyBackups(ctx)
	if err != nil {
		return err
	}
	list = append(list, snap)
	if len(list) > e.opts.KeepSafety {
		list = list[len(list)-e.opts.KeepSafety:]
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal safety backups: %w", err)
	}
	return e.save(ctx, model.CollectionBackups.String(), data)
}

func (e *Engine) save(ctx context.Context, key string, data []byte) error {
	var err error
	if e.opts.Saver != nil {
		err = e.opts.Saver.SaveOptimized(ctx, key, data)
	} else {
		err = e.kv.Set(ctx, key, data)
	}
	if err != nil && errclass.Code(err) == "" {
		err = errclass.ErrStorageFailure.Wrap(err, "write "+key)
	}
	return err
}

func (e *Engine) record(op string, success bool) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordBackup(op, success)
	}
}

// ArchiveName is the file name an archived backup taken at ts gets.
func ArchiveName(ts time.Time, gz bool) string {
	name := fmt.Sprintf("attendcore-backup-%s-%s.json", ts.UTC().Format("20060102T150405Z"), uuidutil.Short(uuidutil.NewV4()))
	if gz {
		name += ".gz"
	}
	return name
}
