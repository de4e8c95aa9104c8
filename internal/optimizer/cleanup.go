package optimizer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

// KeyResult is the cleanup outcome for one key.
type KeyResult struct {
	Key     string `json:"key"`
	Before  int    `json:"before"`
	After   int    `json:"after"`
	Dropped int    `json:"dropped"`
}

// CleanupResult summarizes a cleanup run or plan.
type CleanupResult struct {
	DryRun     bool        `json:"dryRun"`
	Cutoff     time.Time   `json:"cutoff"`
	Keys       []KeyResult `json:"keys"`
	FreedBytes int64       `json:"freedBytes"`
}

// Dropped is the total number of removed entries.
func (r CleanupResult) Dropped() int {
	n := 0
	for _, k := range r.Keys {
		n += k.Dropped
	}
	return n
}

// Freed reports whether the run removed anything.
func (r CleanupResult) Freed() bool {
	return r.Dropped() > 0 || r.FreedBytes > 0
}

// CleanupOldData drops entries older than maxAgeDays or beyond the
// maxCount newest from every bounded collection and reports whether any
// space was freed.
func (o *Optimizer) CleanupOldData(ctx context.Context, maxAgeDays, maxCount int) (bool, error) {
	o.cleaning.Store(true)
	defer o.cleaning.Store(false)
	res, err := o.run(ctx, maxAgeDays, maxCount, "")
	return res.Freed(), err
}

// RunCleanup is CleanupOldData returning the per-key result.
func (o *Optimizer) RunCleanup(ctx context.Context, maxAgeDays, maxCount int) (CleanupResult, error) {
	o.cleaning.Store(true)
	defer o.cleaning.Store(false)
	return o.run(ctx, maxAgeDays, maxCount, "")
}

// PlanCleanup computes what a cleanup would drop without writing.
func (o *Optimizer) PlanCleanup(ctx context.Context, maxAgeDays, maxCount int) (CleanupResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res := CleanupResult{DryRun: true, Cutoff: o.cutoff(maxAgeDays)}
	keys, err := o.boundedKeys(ctx, "")
	if err != nil {
		return res, err
	}
	for _, key := range keys {
		_, kr, err := o.planKey(ctx, key, res.Cutoff, maxCount)
		if err != nil {
			return res, err
		}
		if kr.Before > 0 {
			res.Keys = append(res.Keys, kr)
		}
	}
	return res, nil
}

func (o *Optimizer) run(ctx context.Context, maxAgeDays, maxCount int, skip string) (CleanupResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	res := CleanupResult{Cutoff: o.cutoff(maxAgeDays)}
	before, err := o.kv.Usage(ctx)
	if err != nil {
		return res, errclass.ErrStorageFailure.Wrap(err, "read usage")
	}
	keys, err := o.boundedKeys(ctx, skip)
	if err != nil {
		return res, err
	}
	for _, key := range keys {
		kr, err := o.cleanKey(ctx, key, res.Cutoff, maxCount)
		if err != nil {
			return res, err
		}
		if kr.Before > 0 {
			res.Keys = append(res.Keys, kr)
		}
	}
	if after, err := o.kv.Usage(ctx); err == nil && after.UsedBytes < before.UsedBytes {
		res.FreedBytes = before.UsedBytes - after.UsedBytes
	}
	if res.Dropped() > 0 {
		o.metrics.CleanupFreed(res.FreedBytes)
		o.log.Info("storage cleanup", map[string]any{"dropped": res.Dropped(), "freedBytes": res.FreedBytes})
		if o.audit != nil {
			details := map[string]any{"freedBytes": res.FreedBytes, "maxAgeDays": maxAgeDays, "maxCount": maxCount}
			for _, k := range res.Keys {
				details[k.Key] = k.Dropped
			}
			if _, err := o.audit.Append(ctx, audit.Event{
				Action: model.ActionCleanup, ActorID: model.SystemActor.ID, Module: "optimizer",
				Severity: model.SeverityInfo, Details: details,
			}); err != nil {
				o.log.ErrorErr("audit cleanup", err, nil)
			}
		}
	}
	return res, nil
}

func (o *Optimizer) cutoff(maxAgeDays int) time.Time {
	if maxAgeDays <= 0 {
		return time.Time{}
	}
	return o.clock.Now().UTC().AddDate(0, 0, -maxAgeDays)
}

func (o *Optimizer) boundedKeys(ctx context.Context, skip string) ([]string, error) {
	all, err := o.kv.Keys(ctx)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "list keys")
	}
	var out []string
	for _, k := range all {
		if k != skip && o.isBounded(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (o *Optimizer) cleanKey(ctx context.Context, key string, cutoff time.Time, maxCount int) (KeyResult, error) {
	kept, kr, err := o.planKey(ctx, key, cutoff, maxCount)
	if err != nil || kr.Dropped == 0 {
		return kr, err
	}
	if key == model.CollectionAuditLog.String() && o.audit != nil {
		// Prune through the log so appends are serialized with it.
		n1 := 0
		if !cutoff.IsZero() {
			if n1, err = o.audit.PruneBefore(ctx, cutoff, 0); err != nil {
				return kr, err
			}
		}
		n2 := 0
		if limit := o.limit(key, maxCount); limit > 0 {
			if n2, err = o.audit.Prune(ctx, limit); err != nil {
				return kr, err
			}
		}
		kr.Dropped = n1 + n2
		kr.After = kr.Before - kr.Dropped
		return kr, nil
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return kr, err
	}
	if err := o.kv.Set(ctx, key, o.maybePack(data)); err != nil {
		return kr, errclass.ErrStorageFailure.Wrap(err, "write "+key)
	}
	return kr, nil
}

// planKey returns the items of key that survive cleanup.
func (o *Optimizer) planKey(ctx context.Context, key string, cutoff time.Time, maxCount int) ([]json.RawMessage, KeyResult, error) {
	kr := KeyResult{Key: key}
	raw, ok, err := o.kv.Get(ctx, key)
	if err != nil {
		return nil, kr, errclass.ErrStorageFailure.Wrap(err, "read "+key)
	}
	if !ok {
		return nil, kr, nil
	}
	plain, err := compression.Unpack(raw)
	if err != nil {
		return nil, kr, errclass.ErrStorageFailure.Wrap(err, "unpack "+key)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(plain, &items); err != nil {
		// Not an array; nothing to bound.
		return nil, kr, nil
	}
	kr.Before = len(items)

	droppable := make([]bool, len(items))
	drop := make([]bool, len(items))
	nDroppable := 0
	for i, it := range items {
		stamp, canDrop := itemStamp(key, it)
		droppable[i] = canDrop
		if !canDrop {
			continue
		}
		nDroppable++
		if !cutoff.IsZero() && !stamp.IsZero() && stamp.Before(cutoff) {
			drop[i] = true
		}
	}
	// Beyond the limit, drop the oldest droppable entries. Arrays are
	// stored oldest first.
	limit := o.limit(key, maxCount)
	remaining := len(items)
	for i := range items {
		if drop[i] {
			remaining--
		}
	}
	for i := 0; i < len(items) && limit > 0 && remaining > limit; i++ {
		if droppable[i] && !drop[i] {
			drop[i] = true
			remaining--
		}
	}
	kept := make([]json.RawMessage, 0, remaining)
	for i, it := range items {
		if !drop[i] {
			kept = append(kept, it)
		}
	}
	kr.After = len(kept)
	kr.Dropped = kr.Before - kr.After
	return kept, kr, nil
}

func (o *Optimizer) limit(key string, maxCount int) int {
	if key == model.CollectionBackups.String() && o.cfg.KeepBackups > 0 && (maxCount <= 0 || o.cfg.KeepBackups < maxCount) {
		return o.cfg.KeepBackups
	}
	return maxCount
}

type stampFields struct {
	CreatedAt  string `json:"createdAt"`
	Timestamp  string `json:"timestamp"`
	EnqueuedAt string `json:"enqueuedAt"`
	Status     string `json:"status"`
	Metadata   *struct {
		Timestamp string `json:"timestamp"`
	} `json:"metadata"`
}

// itemStamp returns an item's age reference and whether cleanup may drop
// it at all. Queued operations are only droppable once terminal.
func itemStamp(key string, item json.RawMessage) (time.Time, bool) {
	var f stampFields
	if err := json.Unmarshal(item, &f); err != nil {
		return time.Time{}, false
	}
	var s string
	switch key {
	case model.CollectionSyncQueue.String():
		if !model.OpStatus(f.Status).Terminal() {
			return time.Time{}, false
		}
		s = f.EnqueuedAt
	case model.CollectionBackups.String():
		if f.Metadata != nil {
			s = f.Metadata.Timestamp
		}
	case model.CollectionAuditLog.String():
		s = f.Timestamp
	default:
		s = f.CreatedAt
		if s == "" {
			s = f.Timestamp
		}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t, true
}

func matchAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	return false
}
