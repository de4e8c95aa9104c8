// Package policy maps each data type to its synchronization policy.
//
// Resolution order: built-in defaults, then policies from the config file,
// then overrides persisted under the sync-policies key.
package policy

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/model"
)

var key = model.CollectionSyncPolicies.String()

// Fallback applies to data types without a policy.
var Fallback = model.SyncPolicy{
	Priority:       model.PriorityMedium,
	Strategy:       model.StrategyImmediate,
	BatchSize:      10,
	RetryOnFailure: true,
}

// Defaults returns the built-in policy table.
func Defaults() map[string]model.SyncPolicy {
	list := []model.SyncPolicy{
		{DataType: "clock-records", Priority: model.PriorityCritical, Strategy: model.StrategyImmediate, BatchSize: 10, RetryOnFailure: true},
		{DataType: "absence-requests", Priority: model.PriorityHigh, Strategy: model.StrategyImmediate, BatchSize: 5, RetryOnFailure: true},
		{DataType: "workers", Priority: model.PriorityMedium, Strategy: model.StrategyBatch, BatchSize: 20, RetryOnFailure: true},
		{DataType: "positions", Priority: model.PriorityMedium, Strategy: model.StrategyBatch, BatchSize: 20, RetryOnFailure: true},
		{DataType: "notifications", Priority: model.PriorityLow, Strategy: model.StrategyScheduled, BatchSize: 50, RetryOnFailure: true},
		{DataType: "user-settings", Priority: model.PriorityLow, Strategy: model.StrategyManual, BatchSize: 1, RetryOnFailure: true},
		{DataType: "audit-log", Priority: model.PriorityBackground, Strategy: model.StrategyScheduled, BatchSize: 100, RetryOnFailure: true, RequireStableConnection: true},
	}
	out := make(map[string]model.SyncPolicy, len(list))
	for _, p := range list {
		out[p.DataType] = p
	}
	return out
}

// StatusSource supplies the current connection status.
type StatusSource interface {
	Status() model.ConnectionStatus
}

// Options configures an Engine.
type Options struct {
	Audit      *audit.Log
	Connection StatusSource
	// Seed overrides defaults without being persisted.
	Seed   []model.PolicyOverride
	Logger *logging.Logger
}

// Engine resolves and stores sync policies.
type Engine struct {
	kv   kv.KeyValueStore
	base map[string]model.SyncPolicy
	opts Options
	log  *logging.Logger

	mu sync.Mutex
}

// New creates an engine over backend.
func New(backend kv.KeyValueStore, opts Options) *Engine {
	base := Defaults()
	for _, p := range opts.Seed {
		base[p.DataType] = merge(base[p.DataType], p)
	}
	return &Engine{kv: backend, base: base, opts: opts, log: logging.OrGlobal(opts.Logger)}
}

// merge applies o over prev, starting from Fallback for unknown types.
func merge(prev model.SyncPolicy, o model.PolicyOverride) model.SyncPolicy {
	if prev.DataType == "" {
		prev = Fallback
		prev.DataType = o.DataType
	}
	return o.Apply(prev)
}

// Get resolves the policy of dataType. Unknown types get Fallback, and a
// read failure falls back to the non-persisted table.
func (e *Engine) Get(ctx context.Context, dataType string) model.SyncPolicy {
	overrides, err := e.overrides(ctx)
	if err != nil {
		e.log.ErrorErr("load sync policy overrides", err, nil)
	}
	if p, ok := overrides[dataType]; ok {
		return p
	}
	if p, ok := e.base[dataType]; ok {
		return p
	}
	p := Fallback
	p.DataType = dataType
	return p
}

// GetPriority returns the priority of dataType.
func (e *Engine) GetPriority(ctx context.Context, dataType string) model.Priority {
	return e.Get(ctx, dataType).Priority
}

// GetBatchSize returns the batch size of dataType, at least 1.
func (e *Engine) GetBatchSize(ctx context.Context, dataType string) int {
	if n := e.Get(ctx, dataType).BatchSize; n > 0 {
		return n
	}
	return 1
}

// ShouldSync reports whether dataType may sync automatically now. Manual
// types never do; stable-connection types need better than poor quality.
func (e *Engine) ShouldSync(ctx context.Context, dataType string) bool {
	if e.opts.Connection == nil {
		return false
	}
	st := e.opts.Connection.Status()
	if !st.Online {
		return false
	}
	p := e.Get(ctx, dataType)
	if p.Strategy == model.StrategyManual {
		return false
	}
	if p.RequireStableConnection && !st.Quality.BetterThanPoor() {
		return false
	}
	return true
}

// List returns every known policy sorted by data type.
func (e *Engine) List(ctx context.Context) ([]model.SyncPolicy, error) {
	overrides, err := e.overrides(ctx)
	if err != nil {
		return nil, err
	}
	all := make(map[string]model.SyncPolicy, len(e.base)+len(overrides))
	for k, p := range e.base {
		all[k] = p
	}
	for k, p := range overrides {
		all[k] = p
	}
	out := make([]model.SyncPolicy, 0, len(all))
	for _, p := range all {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DataType < out[j].DataType })
	return out, nil
}

// Set persists an override. Unset fields of o inherit from the current
// policy.
func (e *Engine) Set(ctx context.Context, o model.PolicyOverride, actor model.Actor) (model.SyncPolicy, error) {
	if strings.TrimSpace(o.DataType) == "" {
		return model.SyncPolicy{}, errclass.ErrNameInvalid.WithMessage("policy needs a data type")
	}
	if o.Strategy != "" && !o.Strategy.Valid() {
		return model.SyncPolicy{}, errclass.ErrConfigInvalid.WithMessagef("unknown strategy %q", o.Strategy)
	}
	if o.Priority != 0 && (o.Priority < model.PriorityCritical || o.Priority > model.PriorityBackground) {
		return model.SyncPolicy{}, errclass.ErrConfigInvalid.WithMessagef("priority out of range: %d", o.Priority)
	}
	if o.BatchSize < 0 {
		return model.SyncPolicy{}, errclass.ErrConfigInvalid.WithMessage("batch size must not be negative")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	overrides, err := e.overrides(ctx)
	if err != nil {
		return model.SyncPolicy{}, err
	}
	before := e.resolve(overrides, o.DataType)
	p := merge(before, o)
	overrides[p.DataType] = p
	if err := e.save(ctx, overrides); err != nil {
		return p, err
	}
	e.auditChange(ctx, actor, p.DataType, before, &p)
	return p, nil
}

// Reset drops the override of dataType, or all overrides when dataType is
// empty. It returns how many overrides were removed.
func (e *Engine) Reset(ctx context.Context, dataType string, actor model.Actor) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	overrides, err := e.overrides(ctx)
	if err != nil {
		return 0, err
	}
	var removed []string
	for k := range overrides {
		if dataType == "" || k == dataType {
			removed = append(removed, k)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	sort.Strings(removed)
	prev := make(map[string]model.SyncPolicy, len(removed))
	for _, k := range removed {
		prev[k] = overrides[k]
		delete(overrides, k)
	}
	if err := e.save(ctx, overrides); err != nil {
		return 0, err
	}
	for _, k := range removed {
		after := e.resolve(overrides, k)
		e.auditChange(ctx, actor, k, prev[k], &after)
	}
	return len(removed), nil
}

func (e *Engine) resolve(overrides map[string]model.SyncPolicy, dataType string) model.SyncPolicy {
	if p, ok := overrides[dataType]; ok {
		return p
	}
	if p, ok := e.base[dataType]; ok {
		return p
	}
	p := Fallback
	p.DataType = dataType
	return p
}

func (e *Engine) auditChange(ctx context.Context, actor model.Actor, dataType string, before model.SyncPolicy, after *model.SyncPolicy) {
	if e.opts.Audit == nil {
		return
	}
	if _, err := e.opts.Audit.Append(ctx, audit.Event{
		Action:   model.ActionPolicyChange,
		ActorID:  actor.ID,
		TargetID: dataType,
		Module:   "policy",
		Severity: model.SeverityInfo,
		Details:  map[string]any{"before": before, "after": after},
	}); err != nil {
		e.log.ErrorErr("audit policy change", err, nil)
	}
}

func (e *Engine) overrides(ctx context.Context) (map[string]model.SyncPolicy, error) {
	out := map[string]model.SyncPolicy{}
	raw, ok, err := e.kv.Get(ctx, key)
	if err != nil {
		return out, errclass.ErrStorageFailure.Wrap(err, "read sync policies")
	}
	if !ok {
		return out, nil
	}
	plain, err := compression.Unpack(raw)
	if err != nil {
		return out, errclass.ErrStorageFailure.Wrap(err, "unpack sync policies")
	}
	var list []model.SyncPolicy
	if err := json.Unmarshal(plain, &list); err != nil {
		return out, errclass.ErrStorageFailure.Wrap(err, "decode sync policies")
	}
	for _, p := range list {
		out[p.DataType] = p
	}
	return out, nil
}

func (e *Engine) save(ctx context.Context, overrides map[string]model.SyncPolicy) error {
	list := make([]model.SyncPolicy, 0, len(overrides))
	for _, p := range overrides {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DataType < list[j].DataType })
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := e.kv.Set(ctx, key, data); err != nil {
		return errclass.ErrStorageFailure.Wrap(err, "write sync policies")
	}
	return nil
}
