// Package store is the persistent record store: collection CRUD with
// soft-delete over a KeyValueStore, with every successful mutation audited.
//
// Each collection is one storage key holding a JSON array of records.
// Mutations work on a copy of the collection index and only replace the
// cached index once the write and its audit entry are durable, so a failed
// write leaves the collection at its last durably written state.
package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"k8s.io/utils/clock"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/integrity"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/keyutil"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/metrics"
	"github.com/qrclock/attendcore/pkg/model"
	"github.com/qrclock/attendcore/pkg/uuidutil"
)

// Optimizer is the storage optimizer hook. SaveOptimized persists a value,
// compressing or cleaning up as needed; AfterWrite runs opportunistic
// cleanup once usage is critical.
type Optimizer interface {
	SaveOptimized(ctx context.Context, key string, data []byte) error
	AfterWrite(ctx context.Context)
}

// Options configures a Store.
type Options struct {
	Signer    *integrity.Signer // nil disables signing
	Audit     *audit.Log        // nil uses an audit log on the same backend
	Optimizer Optimizer
	Clock     clock.PassiveClock
	Logger    *logging.Logger
	Metrics   *metrics.Registry
}

// Store is the persistent record store.
type Store struct {
	kv        kv.KeyValueStore
	signer    *integrity.Signer
	audit     *audit.Log
	optimizer Optimizer
	clock     clock.PassiveClock
	log       *logging.Logger
	metrics   *metrics.Registry

	mu    sync.Mutex
	cache map[model.Collection]*index
}

// New creates a store over backend.
func New(backend kv.KeyValueStore, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.New(backend, audit.Options{Clock: opts.Clock, Logger: opts.Logger, Metrics: opts.Metrics})
	}
	return &Store{
		kv:        backend,
		signer:    opts.Signer,
		audit:     opts.Audit,
		optimizer: opts.Optimizer,
		clock:     opts.Clock,
		log:       logging.OrGlobal(opts.Logger),
		metrics:   opts.Metrics,
		cache:     make(map[model.Collection]*index),
	}
}

// SetOptimizer installs the optimizer hook after construction; the
// optimizer itself depends on the backend the store was built with.
func (s *Store) SetOptimizer(o Optimizer) {
	s.mu.Lock()
	s.optimizer = o
	s.mu.Unlock()
}

// Audit returns the audit log mutations are recorded in.
func (s *Store) Audit() *audit.Log { return s.audit }

// Get returns a record by id, active or deleted.
func (s *Store) Get(ctx context.Context, c model.Collection, id string) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, _, err := s.load(ctx, c)
	if err != nil {
		return model.Record{}, err
	}
	e, ok := ix.get(keyutil.NormalizeID(id))
	if !ok {
		return model.Record{}, notFound(c, id)
	}
	return e.Record(), nil
}

// GetActive returns the live records of c in stored order.
func (s *Store) GetActive(ctx context.Context, c model.Collection) ([]model.Record, error) {
	return s.list(ctx, c, model.StateActive)
}

// GetDeleted returns the soft-deleted records of c.
func (s *Store) GetDeleted(ctx context.Context, c model.Collection) ([]model.Record, error) {
	return s.list(ctx, c, model.StateDeleted)
}

// All returns every record of c, active and deleted.
func (s *Store) All(ctx context.Context, c model.Collection) ([]model.Record, error) {
	return s.list(ctx, c, 0)
}

func (s *Store) list(ctx context.Context, c model.Collection, state model.EntryState) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, _, err := s.load(ctx, c)
	if err != nil {
		return nil, err
	}
	return ix.list(state), nil
}

// Add creates a record from item. A missing id is generated; reserved
// metadata fields in item are ignored.
func (s *Store) Add(ctx context.Context, c model.Collection, item map[string]any, actor model.Actor) (model.Record, error) {
	rec, err := model.RecordFromMap(item)
	if err != nil {
		return model.Record{}, errclass.ErrNameInvalid.WithMessage(err.Error())
	}
	rec.ID = keyutil.NormalizeID(rec.ID)
	if rec.ID == "" {
		rec.ID = uuidutil.NewV7()
	}
	if err := keyutil.ValidateID(rec.ID); err != nil {
		return model.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ix, prev, err := s.load(ctx, c)
	if err != nil {
		return model.Record{}, err
	}
	if _, exists := ix.get(rec.ID); exists {
		return model.Record{}, errclass.ErrAlreadyExists.WithMessagef("%s/%s", c, rec.ID)
	}

	rec.CreatedAt = s.clock.Now().UTC()
	rec.UpdatedAt, rec.IsDeleted, rec.DeletedAt, rec.DeletedBy = nil, false, nil, ""
	rec.Version = 1
	if err := s.sign(c, &rec); err != nil {
		return model.Record{}, err
	}

	next := ix.clone()
	next.put(model.Active(rec))
	if err := s.commit(ctx, c, next, prev, audit.Event{
		Action: model.ActionCreate, ActorID: actor.ID, TargetID: rec.ID, Module: c.String(),
	}); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// Update merges patch into a live record. expectedVersion, when non-zero,
// must match the stored version. Soft-deleted records are rejected with
// ErrStaleOperation; a signed record that fails verification is rejected
// with ErrIntegrityViolation instead of being re-signed.
func (s *Store) Update(ctx context.Context, c model.Collection, id string, patch map[string]any, actor model.Actor, expectedVersion int64) (model.Record, error) {
	id = keyutil.NormalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, prev, err := s.load(ctx, c)
	if err != nil {
		return model.Record{}, err
	}
	e, ok := ix.get(id)
	if !ok {
		return model.Record{}, notFound(c, id)
	}
	if !e.IsActive() {
		return model.Record{}, errclass.ErrStaleOperation.WithMessagef("%s/%s is deleted", c, id)
	}
	before := e.Record()
	if expectedVersion != 0 && before.Version != expectedVersion {
		return model.Record{}, errclass.ErrVersionConflict.WithMessagef("%s/%s is at version %d, expected %d", c, id, before.Version, expectedVersion)
	}
	if err := s.checkNotTampered(ctx, c, before, actor); err != nil {
		return model.Record{}, err
	}

	after := before.Clone()
	if after.Payload == nil {
		after.Payload = map[string]any{}
	}
	for k, v := range patch {
		if model.IsReservedField(k) {
			continue
		}
		after.Payload[k] = v
	}
	changed := changedFields(before.Payload, after.Payload)
	now := s.clock.Now().UTC()
	after.UpdatedAt = &now
	after.Version++
	if err := s.sign(c, &after); err != nil {
		return model.Record{}, err
	}

	next := ix.clone()
	next.put(model.Active(after))
	if err := s.commit(ctx, c, next, prev, audit.Event{
		Action: model.ActionUpdate, ActorID: actor.ID, TargetID: id, Module: c.String(),
		Details: map[string]any{
			"changedFields": changed,
			"before":        model.CloneMap(before.Payload),
			"after":         model.CloneMap(after.Payload),
		},
	}); err != nil {
		return model.Record{}, err
	}
	return after, nil
}

// SoftDelete marks a record deleted. Deleting a deleted record is a no-op
// that returns it unchanged and writes no audit entry.
func (s *Store) SoftDelete(ctx context.Context, c model.Collection, id string, actor model.Actor) (model.Record, error) {
	id = keyutil.NormalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, prev, err := s.load(ctx, c)
	if err != nil {
		return model.Record{}, err
	}
	e, ok := ix.get(id)
	if !ok {
		return model.Record{}, notFound(c, id)
	}
	if !e.IsActive() {
		return e.Record(), nil
	}
	rec := e.Record()
	rec.Version++
	next := ix.clone()
	entry := model.Deleted(rec, model.DeletionMeta{DeletedAt: s.clock.Now().UTC(), DeletedBy: actor.ID})
	next.put(entry)
	if err := s.commit(ctx, c, next, prev, audit.Event{
		Action: model.ActionDelete, ActorID: actor.ID, TargetID: id, Module: c.String(),
	}); err != nil {
		return model.Record{}, err
	}
	return entry.Record(), nil
}

// Restore brings a soft-deleted record back and clears its deletion
// metadata. Restoring a live record is a no-op.
func (s *Store) Restore(ctx context.Context, c model.Collection, id string, actor model.Actor) (model.Record, error) {
	id = keyutil.NormalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, prev, err := s.load(ctx, c)
	if err != nil {
		return model.Record{}, err
	}
	e, ok := ix.get(id)
	if !ok {
		return model.Record{}, notFound(c, id)
	}
	if e.IsActive() {
		return e.Record(), nil
	}
	meta, _ := e.Deletion()
	rec := e.Record()
	rec.Version++
	entry := model.Active(rec)
	next := ix.clone()
	next.put(entry)
	if err := s.commit(ctx, c, next, prev, audit.Event{
		Action: model.ActionRestore, ActorID: actor.ID, TargetID: id, Module: c.String(),
		Details: map[string]any{"deletedBy": meta.DeletedBy},
	}); err != nil {
		return model.Record{}, err
	}
	return entry.Record(), nil
}

// PermanentDelete physically removes a record. It is reserved for
// privileged actors; the audit entry keeps the last known record.
func (s *Store) PermanentDelete(ctx context.Context, c model.Collection, id string, actor model.Actor) (model.Record, error) {
	id = keyutil.NormalizeID(id)
	if !actor.Privileged() {
		if _, err := s.audit.Append(ctx, audit.Event{
			Action: model.ActionAccessDenied, ActorID: actor.ID, TargetID: id, Module: c.String(),
			Severity: model.SeverityWarning, Details: map[string]any{"operation": string(model.ActionPermanentDelete)},
		}); err != nil {
			return model.Record{}, err
		}
		return model.Record{}, errclass.ErrPolicyViolation.WithMessagef("actor %s (%s) may not permanently delete", actor.ID, actor.Role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, prev, err := s.load(ctx, c)
	if err != nil {
		return model.Record{}, err
	}
	e, ok := ix.get(id)
	if !ok {
		return model.Record{}, notFound(c, id)
	}
	rec := e.Record()
	snapshot, err := recordMap(rec)
	if err != nil {
		return model.Record{}, err
	}
	next := ix.clone()
	next.remove(id)
	if err := s.commit(ctx, c, next, prev, audit.Event{
		Action: model.ActionPermanentDelete, ActorID: actor.ID, TargetID: id, Module: c.String(),
		Severity: model.SeverityWarning, Details: map[string]any{"record": snapshot},
	}); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// Resign stores a new signature on a record as one audited mutation. It is
// the persistence half of a privileged integrity repair.
func (s *Store) Resign(ctx context.Context, c model.Collection, id string, sig model.HashValue, ev audit.Event) (model.Record, error) {
	id = keyutil.NormalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, prev, err := s.load(ctx, c)
	if err != nil {
		return model.Record{}, err
	}
	e, ok := ix.get(id)
	if !ok {
		return model.Record{}, notFound(c, id)
	}
	rec := e.Record()
	rec.Signature = sig
	rec.Version++
	var entry model.Entry
	if meta, deleted := e.Deletion(); deleted {
		entry = model.Deleted(rec, meta)
	} else {
		entry = model.Active(rec)
	}
	next := ix.clone()
	next.put(entry)
	if ev.TargetID == "" {
		ev.TargetID = id
	}
	if err := s.commit(ctx, c, next, prev, ev); err != nil {
		return model.Record{}, err
	}
	return entry.Record(), nil
}

// Put replaces a collection wholesale. ev is the single audit entry for
// the replacement. Records are stored as given, signatures included.
func (s *Store) Put(ctx context.Context, c model.Collection, recs []model.Record, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, prev, err := s.load(ctx, c)
	if err != nil {
		return err
	}
	next := newIndex()
	for _, r := range recs {
		next.put(model.EntryFromRecord(r))
	}
	return s.commit(ctx, c, next, prev, ev)
}

// Upsert merges recs into a collection item by item, replacing records
// with the same id and appending new ones. ev is the single audit entry.
func (s *Store) Upsert(ctx context.Context, c model.Collection, recs []model.Record, ev audit.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ix, prev, err := s.load(ctx, c)
	if err != nil {
		return 0, err
	}
	next := ix.clone()
	for _, r := range recs {
		next.put(model.EntryFromRecord(r))
	}
	if err := s.commit(ctx, c, next, prev, ev); err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Invalidate drops the cached index of c.
func (s *Store) Invalidate(c model.Collection) {
	s.mu.Lock()
	delete(s.cache, c)
	s.mu.Unlock()
}

// Watch invalidates cached collections when the backend reports writes
// from another process. Backends that cannot watch are ignored.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.kv.(kv.Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func(key string) {
		s.log.Info("collection changed out of band", map[string]any{"collection": key})
		s.Invalidate(model.Collection(key))
	})
}

// load returns the current index of c and the raw stored bytes. Out-of-band
// writes are picked up because the cached index is keyed by content digest.
func (s *Store) load(ctx context.Context, c model.Collection) (*index, []byte, error) {
	if err := keyutil.ValidateKey(c.String()); err != nil {
		return nil, nil, err
	}
	raw, ok, err := s.kv.Get(ctx, c.String())
	if err != nil {
		return nil, nil, errclass.ErrStorageFailure.Wrap(err, "read "+c.String())
	}
	if !ok {
		raw = nil
	}
	if cached, hit := s.cache[c]; hit && len(raw) > 0 && cached.digest == sha256.Sum256(raw) {
		return cached, raw, nil
	}
	ix, err := parseIndex(raw)
	if err != nil {
		return nil, nil, errclass.ErrStorageFailure.Wrap(err, "decode "+c.String())
	}
	s.cache[c] = ix
	return ix, raw, nil
}

// commit persists next, appends ev and then publishes next to the cache.
// If the audit append fails the previous bytes are written back.
func (s *Store) commit(ctx context.Context, c model.Collection, next *index, prev []byte, ev audit.Event) error {
	data, err := next.encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", c, err)
	}
	key := c.String()
	if s.optimizer != nil {
		err = s.optimizer.SaveOptimized(ctx, key, data)
	} else {
		err = s.kv.Set(ctx, key, data)
	}
	if err != nil {
		s.log.Warn("collection write failed", map[string]any{"collection": key, "error": err.Error()})
		return storageErr(err, "write "+key)
	}
	if _, err := s.audit.Append(ctx, ev); err != nil {
		if rbErr := s.restoreRaw(ctx, key, prev); rbErr != nil {
			s.log.ErrorErr("rollback after audit failure", rbErr, map[string]any{"collection": key})
		}
		delete(s.cache, c)
		return storageErr(err, "audit "+key)
	}

	if stored, ok, err := s.kv.Get(ctx, key); err == nil && ok {
		next.digest = sha256.Sum256(stored)
		s.cache[c] = next
	} else {
		delete(s.cache, c)
	}
	s.metrics.StoreMutation(key, string(ev.Action))
	if s.optimizer != nil {
		s.optimizer.AfterWrite(ctx)
	}
	return nil
}

func (s *Store) restoreRaw(ctx context.Context, key string, prev []byte) error {
	if prev == nil {
		return s.kv.Delete(ctx, key)
	}
	return s.kv.Set(ctx, key, prev)
}

func (s *Store) sign(c model.Collection, rec *model.Record) error {
	if !integrity.IsSigned(c) || s.signer == nil {
		rec.Signature = ""
		return nil
	}
	sig, err := s.signer.Sign(c, *rec)
	if err != nil {
		return err
	}
	rec.Signature = sig
	return nil
}

// checkNotTampered refuses to re-sign a record whose stored signature no
// longer matches, and records the detection.
func (s *Store) checkNotTampered(ctx context.Context, c model.Collection, rec model.Record, actor model.Actor) error {
	if s.signer == nil || !integrity.IsSigned(c) || rec.Signature == "" {
		return nil
	}
	ok, err := s.signer.Verify(c, rec)
	if err != nil || ok {
		return err
	}
	s.metrics.IntegrityViolation("record")
	if _, err := s.audit.Append(ctx, audit.Event{
		Action: model.ActionTamperDetected, ActorID: actor.ID, TargetID: rec.ID, Module: c.String(),
		Severity: model.SeverityCritical, Details: map[string]any{"operation": string(model.ActionUpdate)},
	}); err != nil {
		return err
	}
	return errclass.ErrIntegrityViolation.WithMessagef("%s/%s signature does not match its critical fields", c, rec.ID)
}

func notFound(c model.Collection, id string) error {
	return errclass.ErrNotFound.WithMessagef("%s/%s", c, id)
}

func storageErr(err error, msg string) error {
	if errors.Is(err, errclass.ErrStorageFailure) {
		return err
	}
	return errclass.ErrStorageFailure.Wrap(err, msg)
}

func changedFields(before, after map[string]any) []string {
	var out []string
	for k, v := range after {
		if old, ok := before[k]; !ok || !reflect.DeepEqual(old, v) {
			out = append(out, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}
