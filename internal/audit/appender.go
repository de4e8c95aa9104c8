// Package audit keeps the append-only, hash-chained audit log.
//
// Entries live as a JSON array under the audit-log key. Every entry's hash
// covers its content and the previous entry's hash. When the retention cap
// drops the oldest entries, the new head keeps its PrevHash as the chain
// anchor, so verification still holds for the retained window.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/jsonutil"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/metrics"
	"github.com/qrclock/attendcore/pkg/model"
	"github.com/qrclock/attendcore/pkg/uuidutil"
)

// DefaultMaxEntries is the retention cap when none is configured.
const DefaultMaxEntries = 1000

var key = model.CollectionAuditLog.String()

// Event is the caller-supplied part of an audit entry.
type Event struct {
	Action   model.AuditAction
	ActorID  string
	TargetID string
	Module   string
	Severity model.Severity
	Details  map[string]any
}

// Options configures a Log.
type Options struct {
	MaxEntries int
	Clock      clock.PassiveClock
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

// Log appends audit entries to a KeyValueStore.
type Log struct {
	store      kv.KeyValueStore
	maxEntries int
	clock      clock.PassiveClock
	log        *logging.Logger
	metrics    *metrics.Registry

	mu sync.Mutex
}

// New creates a Log over store.
func New(store kv.KeyValueStore, opts Options) *Log {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Log{
		store:      store,
		maxEntries: opts.MaxEntries,
		clock:      opts.Clock,
		log:        logging.OrGlobal(opts.Logger),
		metrics:    opts.Metrics,
	}
}

// Append adds one entry, dropping the oldest entries beyond the cap.
func (l *Log) Append(ctx context.Context, ev Event) (model.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.load(ctx)
	if err != nil {
		return model.AuditEntry{}, err
	}
	if ev.Severity == "" {
		ev.Severity = model.SeverityInfo
	}
	var prev model.HashValue
	if n := len(entries); n > 0 {
		prev = entries[n-1].Hash
	}
	entry := model.AuditEntry{
		ID:        uuidutil.NewV7(),
		Timestamp: l.clock.Now().UTC(),
		Action:    ev.Action,
		ActorID:   ev.ActorID,
		TargetID:  ev.TargetID,
		Module:    ev.Module,
		Severity:  ev.Severity,
		Details:   ev.Details,
		PrevHash:  prev,
	}
	hash, err := ComputeHash(entry)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("compute audit hash: %w", err)
	}
	entry.Hash = hash

	entries = append(entries, entry)
	if over := len(entries) - l.maxEntries; over > 0 {
		entries = entries[over:]
	}
	if err := l.save(ctx, entries); err != nil {
		return model.AuditEntry{}, err
	}
	l.metrics.AuditAppend()
	if entry.Severity == model.SeverityCritical {
		l.log.Warn("critical audit event", map[string]any{
			"action": string(entry.Action), "target": entry.TargetID, "actor": entry.ActorID,
		})
	}
	return entry, nil
}

// Filter selects entries in List. Zero fields match everything.
type Filter struct {
	Action   model.AuditAction
	TargetID string
	ActorID  string
	Module   string
	Since    time.Time
	Limit    int // newest Limit entries
}

func (f Filter) match(e model.AuditEntry) bool {
	return (f.Action == "" || e.Action == f.Action) &&
		(f.TargetID == "" || e.TargetID == f.TargetID) &&
		(f.ActorID == "" || e.ActorID == f.ActorID) &&
		(f.Module == "" || e.Module == f.Module) &&
		(f.Since.IsZero() || !e.Timestamp.Before(f.Since))
}

// List returns matching entries oldest first.
func (l *Log) List(ctx context.Context, f Filter) ([]model.AuditEntry, error) {
	l.mu.Lock()
	entries, err := l.load(ctx)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Count returns the number of retained entries.
func (l *Log) Count(ctx context.Context) (int, error) {
	entries, err := l.List(ctx, Filter{})
	return len(entries), err
}

// Export writes all retained entries as an indented JSON array.
func (l *Log) Export(ctx context.Context, w io.Writer) error {
	entries, err := l.List(ctx, Filter{})
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// Prune keeps the newest maxEntries entries and returns how many were dropped.
func (l *Log) Prune(ctx context.Context, maxEntries int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	over := len(entries) - maxEntries
	if over <= 0 {
		return 0, nil
	}
	if err := l.save(ctx, entries[over:]); err != nil {
		return 0, err
	}
	return over, nil
}

// PruneBefore drops entries older than cutoff, always keeping the newest
// keep entries. Returns how many were dropped.
func (l *Log) PruneBefore(ctx context.Context, cutoff time.Time, keep int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.load(ctx)
	if err != nil {
		return 0, err
	}
	drop := 0
	for drop < len(entries)-keep && entries[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return 0, nil
	}
	if err := l.save(ctx, entries[drop:]); err != nil {
		return 0, err
	}
	return drop, nil
}

func (l *Log) load(ctx context.Context) ([]model.AuditEntry, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "read audit log")
	}
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	plain, err := compression.Unpack(raw)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "unpack audit log")
	}
	var entries []model.AuditEntry
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "decode audit log")
	}
	return entries, nil
}

func (l *Log) save(ctx context.Context, entries []model.AuditEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal audit log: %w", err)
	}
	if err := l.store.Set(ctx, key, data); err != nil {
		return errclass.ErrStorageFailure.Wrap(err, "write audit log")
	}
	return nil
}

// ComputeHash returns the chain hash of e, ignoring e.Hash.
func ComputeHash(e model.AuditEntry) (model.HashValue, error) {
	e.Hash = ""
	data, err := jsonutil.CanonicalMarshal(e)
	if err != nil {
		return "", fmt.Errorf("canonical marshal: %w", err)
	}
	sum := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(sum[:])), nil
}
