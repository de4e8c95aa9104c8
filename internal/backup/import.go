package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/internal/store"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
	"github.com/qrclock/attendcore/pkg/progress"
)

// Mode selects how an import applies a snapshot.
type Mode string

const (
	// ModeReplace overwrites every collection in the snapshot wholesale.
	ModeReplace Mode = "replace"
	// ModeMerge upserts the selected collections item by item.
	ModeMerge Mode = "merge"
)

// ImportOptions controls Import and Restore.
type ImportOptions struct {
	Mode Mode
	// Collections are doublestar patterns over collection keys. Empty
	// selects every collection in the snapshot.
	Collections []string
	Actor       model.Actor
	Progress    progress.Callback
}

// CollectionResult reports one applied collection.
type CollectionResult struct {
	Collection string `json:"collection"`
	Items      int    `json:"items"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	Mode         Mode               `json:"mode"`
	Applied      []CollectionResult `json:"applied"`
	Skipped      []string           `json:"skipped,omitempty"`
	SafetyBackup time.Time          `json:"safetyBackup,omitempty"`
	Signature    model.HashValue    `json:"signature"`
}

// Items is the total number of items applied.
func (r ImportResult) Items() int {
	n := 0
	for _, c := range r.Applied {
		n += c.Items
	}
	return n
}

type pendingCollection struct {
	key      string
	records  []model.Record
	entries  []model.AuditEntry
	policies []model.SyncPolicy
}

func (p pendingCollection) items() int {
	return len(p.records) + len(p.entries) + len(p.policies)
}

// Import parses, verifies and applies an exported artifact.
func (e *Engine) Import(ctx context.Context, artifact []byte, opts ImportOptions) (ImportResult, error) {
	snap, err := Parse(artifact)
	if err != nil {
		if perr := e.authorize(ctx, opts.Actor); perr != nil {
			return ImportResult{}, perr
		}
		return ImportResult{}, e.reject(ctx, opts.Actor, err)
	}
	return e.Restore(ctx, snap, opts)
}

// Restore verifies snap and applies it. Nothing is written unless the
// whole snapshot validates; a write failure midway rolls every collection
// back to the safety backup taken first.
func (e *Engine) Restore(ctx context.Context, snap model.BackupSnapshot, opts ImportOptions) (ImportResult, error) {
	if opts.Mode == "" {
		opts.Mode = ModeReplace
	}
	if opts.Mode != ModeReplace && opts.Mode != ModeMerge {
		return ImportResult{}, errclass.ErrConfigInvalid.WithMessagef("unknown import mode %q", opts.Mode)
	}
	for _, pat := range opts.Collections {
		if !doublestar.ValidatePattern(pat) {
			return ImportResult{}, errclass.ErrConfigInvalid.WithMessagef("invalid collection pattern %q", pat)
		}
	}
	if err := e.authorize(ctx, opts.Actor); err != nil {
		return ImportResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.Verify(snap); err != nil {
		return ImportResult{}, e.reject(ctx, opts.Actor, err)
	}
	plan, skipped, err := planImport(snap, opts)
	if err != nil {
		return ImportResult{}, e.reject(ctx, opts.Actor, err)
	}

	result := ImportResult{Mode: opts.Mode, Skipped: skipped, Signature: snap.Signature}
	if len(plan) == 0 {
		return result, nil
	}

	safety, err := e.Generate(ctx, "pre-import safety backup")
	if err != nil {
		e.record("import", false)
		return result, err
	}
	if err := e.pushSafety(ctx, safety); err != nil {
		e.record("import", false)
		return result, fmt.Errorf("store safety backup: %w", err)
	}
	result.SafetyBackup = safety.Metadata.Timestamp

	prog := progress.New("import", len(plan), opts.Progress)
	for _, p := range plan {
		n, err := e.apply(ctx, p, opts.Mode, opts.Actor)
		if err != nil {
			e.rollback(ctx, safety, p.key, err)
			e.record("import", false)
			if errclass.Code(err) == "" {
				err = errclass.ErrStorageFailure.Wrap(err, "import "+p.key)
			}
			return result, err
		}
		result.Applied = append(result.Applied, CollectionResult{Collection: p.key, Items: n})
		prog.Increment(p.key)
	}

	names := make([]string, 0, len(result.Applied))
	for _, a := range result.Applied {
		names = append(names, a.Collection)
	}
	if _, err := e.opts.Audit.Append(ctx, audit.Event{
		Action:   model.ActionBackupImport,
		ActorID:  opts.Actor.ID,
		TargetID: string(snap.Signature),
		Module:   "backup",
		Severity: model.SeverityInfo,
		Details: map[string]any{
			"mode":         string(opts.Mode),
			"collections":  names,
			"items":        result.Items(),
			"safetyBackup": result.SafetyBackup,
		},
	}); err != nil {
		e.log.ErrorErr("audit backup import", err, nil)
	}
	e.record("import", true)
	e.log.Info("backup imported", map[string]any{"mode": opts.Mode, "collections": len(names), "items": result.Items()})
	return result, nil
}

func (e *Engine) authorize(ctx context.Context, actor model.Actor) error {
	if actor.Privileged() {
		return nil
	}
	if _, err := e.opts.Audit.Append(ctx, audit.Event{
		Action:   model.ActionAccessDenied,
		ActorID:  actor.ID,
		TargetID: "backup-import",
		Module:   "backup",
		Severity: model.SeverityCritical,
		Details:  map[string]any{"role": string(actor.Role)},
	}); err != nil {
		e.log.ErrorErr("audit denied import", err, nil)
	}
	return errclass.ErrPolicyViolation.WithMessagef("actor %q may not import backups", actor.ID)
}

func (e *Engine) reject(ctx context.Context, actor model.Actor, cause error) error {
	if !errors.Is(cause, errclass.ErrImportValidation) {
		cause = errclass.ErrImportValidation.Wrap(cause, "invalid backup")
	}
	if _, err := e.opts.Audit.Append(ctx, audit.Event{
		Action:   model.ActionBackupRejected,
		ActorID:  actor.ID,
		TargetID: "backup-import",
		Module:   "backup",
		Severity: model.SeverityCritical,
		Details:  map[string]any{"reason": cause.Error()},
	}); err != nil {
		e.log.ErrorErr("audit backup rejection", err, nil)
	}
	e.record("import", false)
	e.log.Warn("backup rejected", map[string]any{"reason": cause.Error()})
	return cause
}

// planImport decodes every selected collection up front. The audit log is
// applied first so the entries written by later collections chain onto it.
func planImport(snap model.BackupSnapshot, opts ImportOptions) ([]pendingCollection, []string, error) {
	keys := make([]string, 0, len(snap.Data))
	for k := range snap.Data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ai, aj := keys[i] == model.CollectionAuditLog.String(), keys[j] == model.CollectionAuditLog.String()
		if ai != aj {
			return ai
		}
		return keys[i] < keys[j]
	})

	var plan []pendingCollection
	var skipped []string
	for _, key := range keys {
		if !isBackedUp(key) || !selected(opts.Collections, key) {
			skipped = append(skipped, key)
			continue
		}
		if opts.Mode == ModeMerge && key == model.CollectionAuditLog.String() {
			skipped = append(skipped, key)
			continue
		}
		p, err := decodeCollection(key, snap.Data[key])
		if err != nil {
			return nil, nil, err
		}
		plan = append(plan, p)
	}
	return plan, skipped, nil
}

func decodeCollection(key string, raw json.RawMessage) (pendingCollection, error) {
	p := pendingCollection{key: key}
	switch c := model.Collection(key); {
	case isRecordCollection(c):
		recs, err := store.DecodeRecords(raw)
		if err != nil {
			return p, errclass.ErrImportValidation.Wrap(err, "decode "+key)
		}
		for i, r := range recs {
			if r.ID == "" {
				return p, errclass.ErrImportValidation.WithMessagef("%s item %d has no id", key, i)
			}
		}
		p.records = recs
	case c == model.CollectionAuditLog:
		if err := json.Unmarshal(raw, &p.entries); err != nil {
			return p, errclass.ErrImportValidation.Wrap(err, "decode "+key)
		}
	case c == model.CollectionSyncPolicies:
		if err := json.Unmarshal(raw, &p.policies); err != nil {
			return p, errclass.ErrImportValidation.Wrap(err, "decode "+key)
		}
		for i, pol := range p.policies {
			if pol.DataType == "" {
				return p, errclass.ErrImportValidation.WithMessagef("%s item %d has no dataType", key, i)
			}
		}
	}
	return p, nil
}

func (e *Engine) apply(ctx context.Context, p pendingCollection, mode Mode, actor model.Actor) (int, error) {
	c := model.Collection(p.key)
	switch {
	case isRecordCollection(c):
		ev := audit.Event{
			Action:   model.ActionBackupImport,
			ActorID:  actor.ID,
			TargetID: p.key,
			Module:   "backup",
			Severity: model.SeverityInfo,
			Details:  map[string]any{"mode": string(mode), "items": len(p.records)},
		}
		if mode == ModeMerge {
			return e.opts.Store.Upsert(ctx, c, p.records, ev)
		}
		return len(p.records), e.opts.Store.Put(ctx, c, p.records, ev)
	case c == model.CollectionAuditLog:
		entries := p.entries
		if entries == nil {
			entries = []model.AuditEntry{}
		}
		data, err := json.Marshal(entries)
		if err != nil {
			return 0, err
		}
		return len(entries), e.save(ctx, p.key, data)
	case c == model.CollectionSyncPolicies:
		policies := p.policies
		if mode == ModeMerge {
			var err error
			if policies, err = e.mergePolicies(ctx, p.policies); err != nil {
				return 0, err
			}
		}
		if policies == nil {
			policies = []model.SyncPolicy{}
		}
		data, err := json.Marshal(policies)
		if err != nil {
			return 0, err
		}
		return len(p.policies), e.save(ctx, p.key, data)
	}
	return 0, nil
}

func (e *Engine) mergePolicies(ctx context.Context, incoming []model.SyncPolicy) ([]model.SyncPolicy, error) {
	key := model.CollectionSyncPolicies.String()
	raw, ok, err := e.kv.Get(ctx, key)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "read "+key)
	}
	var current []model.SyncPolicy
	if ok {
		plain, err := compression.Unpack(raw)
		if err != nil {
			return nil, errclass.ErrStorageFailure.Wrap(err, "unpack "+key)
		}
		if err := json.Unmarshal(plain, &current); err != nil {
			return nil, errclass.ErrStorageFailure.Wrap(err, "decode "+key)
		}
	}
	pos := make(map[string]int, len(current))
	for i, p := range current {
		pos[p.DataType] = i
	}
	for _, p := range incoming {
		if i, ok := pos[p.DataType]; ok {
			current[i] = p
			continue
		}
		pos[p.DataType] = len(current)
		current = append(current, p)
	}
	return current, nil
}

// rollback restores every collection from the safety backup. Failures
// are logged; the caller still reports the original error.
func (e *Engine) rollback(ctx context.Context, safety model.BackupSnapshot, failedKey string, cause error) {
	e.log.ErrorErr("import failed, rolling back", cause, map[string]any{"collection": failedKey})
	plan, _, err := planImport(safety, ImportOptions{Mode: ModeReplace})
	if err != nil {
		e.log.ErrorErr("decode safety backup", err, nil)
		return
	}
	for _, p := range plan {
		if _, err := e.apply(ctx, p, ModeReplace, model.SystemActor); err != nil {
			e.log.ErrorErr("roll back collection", err, map[string]any{"collection": p.key})
		}
	}
	if _, err := e.opts.Audit.Append(ctx, audit.Event{
		Action:   model.ActionBackupImport,
		ActorID:  model.SystemActor.ID,
		TargetID: failedKey,
		Module:   "backup",
		Severity: model.SeverityCritical,
		Details:  map[string]any{"rolledBack": true, "error": cause.Error()},
	}); err != nil {
		e.log.ErrorErr("audit import rollback", err, nil)
	}
}

func isBackedUp(key string) bool {
	for _, c := range model.BackupCollections {
		if c.String() == key {
			return true
		}
	}
	return false
}

func isRecordCollection(c model.Collection) bool {
	for _, rc := range model.RecordCollections {
		if rc == c {
			return true
		}
	}
	return false
}

func selected(patterns []string, key string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, key); ok {
			return true
		}
	}
	return false
}
