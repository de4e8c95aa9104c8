package optimizer

import (
	"context"
	"encoding/json"

	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/pkg/errclass"
)

// HistoricalResult describes one historical split.
type HistoricalResult struct {
	Key             string `json:"key"`
	BeforeBytes     int64  `json:"beforeBytes"`
	AfterBytes      int64  `json:"afterBytes"`
	HistoricalCount int    `json:"historicalCount"`
	RecentCount     int    `json:"recentCount"`
	Applied         bool   `json:"applied"`
}

// Report is the outcome of OptimizeAllStorage.
type Report struct {
	BeforeBytes  int64              `json:"beforeBytes"`
	AfterBytes   int64              `json:"afterBytes"`
	SavedBytes   int64              `json:"savedBytes"`
	SavedPercent float64            `json:"savedPercent"`
	Compressed   []HistoricalResult `json:"compressed"`
	Cleanup      CleanupResult      `json:"cleanup"`
}

// CompressHistoricalData keeps the newest RecentWindow elements of the
// array under key verbatim and packs the rest. The archive is only
// written when it is smaller than the stored value.
func (o *Optimizer) CompressHistoricalData(ctx context.Context, key string) (HistoricalResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.compressKey(ctx, key)
}

func (o *Optimizer) compressKey(ctx context.Context, key string) (HistoricalResult, error) {
	res := HistoricalResult{Key: key}
	raw, ok, err := o.kv.Get(ctx, key)
	if err != nil {
		return res, errclass.ErrStorageFailure.Wrap(err, "read "+key)
	}
	if !ok {
		return res, errclass.ErrNotFound.WithMessagef("key %s not found", key)
	}
	res.BeforeBytes = kv.EntrySize(key, raw)
	res.AfterBytes = res.BeforeBytes
	plain, err := compression.Unpack(raw)
	if err != nil {
		return res, errclass.ErrStorageFailure.Wrap(err, "unpack "+key)
	}
	archive, split, err := o.compressor.SplitHistorical(plain, o.cfg.RecentWindow)
	if err != nil || !split {
		// Non-arrays and arrays within the window stay as they are.
		return res, nil
	}
	var arc compression.HistoricalArchive
	if err := json.Unmarshal(archive, &arc); err != nil {
		return res, err
	}
	res.HistoricalCount = arc.HistoricalCount
	res.RecentCount = len(arc.Recent)
	if size := kv.EntrySize(key, archive); size < res.BeforeBytes {
		if err := o.kv.Set(ctx, key, archive); err != nil {
			return res, errclass.ErrStorageFailure.Wrap(err, "write "+key)
		}
		res.AfterBytes = size
		res.Applied = true
		o.log.Debug("historical data compressed", map[string]any{"key": key, "historical": res.HistoricalCount})
	}
	return res, nil
}

// DecompressHistoricalRecords returns the full array under key, expanding
// packed or split storage.
func (o *Optimizer) DecompressHistoricalRecords(ctx context.Context, key string) ([]json.RawMessage, error) {
	raw, ok, err := o.kv.Get(ctx, key)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "read "+key)
	}
	if !ok {
		return []json.RawMessage{}, nil
	}
	plain, err := compression.Unpack(raw)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "unpack "+key)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(plain, &items); err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "decode "+key)
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return items, nil
}

// OptimizeAllStorage splits every compress target, runs cleanup with the
// configured limits and reports the bytes saved.
func (o *Optimizer) OptimizeAllStorage(ctx context.Context) (Report, error) {
	var rep Report
	before, err := o.kv.Usage(ctx)
	if err != nil {
		return rep, errclass.ErrStorageFailure.Wrap(err, "read usage")
	}
	rep.BeforeBytes = before.UsedBytes

	keys, err := o.kv.Keys(ctx)
	if err != nil {
		return rep, errclass.ErrStorageFailure.Wrap(err, "list keys")
	}
	o.mu.Lock()
	for _, k := range keys {
		if !matchAny(o.cfg.CompressTargets, k) {
			continue
		}
		r, err := o.compressKey(ctx, k)
		if err != nil {
			o.mu.Unlock()
			return rep, err
		}
		rep.Compressed = append(rep.Compressed, r)
	}
	o.mu.Unlock()

	if o.cleaning.CompareAndSwap(false, true) {
		rep.Cleanup, err = o.run(ctx, o.cfg.MaxAgeDays, o.cfg.MaxCount, "")
		o.cleaning.Store(false)
		if err != nil {
			return rep, err
		}
	}

	after, err := o.kv.Usage(ctx)
	if err != nil {
		return rep, errclass.ErrStorageFailure.Wrap(err, "read usage")
	}
	rep.AfterBytes = after.UsedBytes
	if rep.AfterBytes < rep.BeforeBytes {
		rep.SavedBytes = rep.BeforeBytes - rep.AfterBytes
		rep.SavedPercent = float64(rep.SavedBytes) * 100 / float64(rep.BeforeBytes)
	}
	o.metrics.SetStorageUsage(after.Percent())
	o.log.Info("storage optimized", map[string]any{"savedBytes": rep.SavedBytes, "savedPercent": rep.SavedPercent})
	return rep, nil
}
