// Package optimizer keeps the key-value store under its quota: it compresses
// large values on write, splits historical arrays, and drops old entries
// from bounded collections.
package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"k8s.io/utils/clock"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/pkg/config"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/metrics"
)

// Level grades storage usage.
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Config holds the quota thresholds and compression settings.
type Config struct {
	WarningPercent         float64
	CriticalPercent        float64
	MaxAgeDays             int
	MaxCount               int
	CompressThresholdBytes int
	CompressThresholdItems int
	RecentWindow           int
	// KeepBackups bounds the safety backups kept under the backups key.
	KeepBackups int
	// CleanupTargets are doublestar patterns over bounded keys.
	CleanupTargets []string
	// CompressTargets are the large collections OptimizeAllStorage splits.
	CompressTargets []string
}

// DefaultCleanupTargets are the collections cleanup may shrink. Evidence
// collections (clock-records, absence-requests) are never among them.
var DefaultCleanupTargets = []string{"audit-log", "notifications", "sync-queue", "backups"}

// DefaultCompressTargets are the collections that grow without bound.
var DefaultCompressTargets = []string{"clock-records", "absence-requests", "audit-log", "notifications"}

// ConfigFromStorage maps the storage config section.
func ConfigFromStorage(c config.StorageConfig, keepBackups int) Config {
	return Config{
		WarningPercent:         c.WarningPercent,
		CriticalPercent:        c.CriticalPercent,
		MaxAgeDays:             c.MaxAgeDays,
		MaxCount:               c.MaxCount,
		CompressThresholdBytes: c.CompressThresholdBytes,
		CompressThresholdItems: c.CompressThresholdItems,
		RecentWindow:           c.RecentWindow,
		KeepBackups:            keepBackups,
	}
}

func (c *Config) applyDefaults() {
	if c.WarningPercent <= 0 {
		c.WarningPercent = 80
	}
	if c.CriticalPercent <= 0 {
		c.CriticalPercent = 95
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 90
	}
	if c.MaxCount <= 0 {
		c.MaxCount = 1000
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 50
	}
	if len(c.CleanupTargets) == 0 {
		c.CleanupTargets = DefaultCleanupTargets
	}
	if len(c.CompressTargets) == 0 {
		c.CompressTargets = DefaultCompressTargets
	}
}

// Optimizer implements the store's optimizer hook.
type Optimizer struct {
	kv         kv.KeyValueStore
	audit      *audit.Log
	cfg        Config
	compressor *compression.Compressor
	clock      clock.PassiveClock
	log        *logging.Logger
	metrics    *metrics.Registry

	mu       sync.Mutex // serializes cleanup runs
	cleaning atomic.Bool
}

// Options carries the optimizer's collaborators.
type Options struct {
	Compressor *compression.Compressor
	Clock      clock.PassiveClock
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

// New creates an optimizer. auditLog is used to prune the audit log so
// its hash chain stays anchored.
func New(backend kv.KeyValueStore, auditLog *audit.Log, cfg Config, opts Options) *Optimizer {
	cfg.applyDefaults()
	if opts.Compressor == nil {
		opts.Compressor = compression.NewCompressor(compression.CodecGzip, compression.LevelDefault)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Optimizer{
		kv:         backend,
		audit:      auditLog,
		cfg:        cfg,
		compressor: opts.Compressor,
		clock:      opts.Clock,
		log:        logging.OrGlobal(opts.Logger),
		metrics:    opts.Metrics,
	}
}

// KeyUsage is the stored size of one key.
type KeyUsage struct {
	Key        string `json:"key"`
	Bytes      int64  `json:"bytes"`
	Compressed bool   `json:"compressed"`
}

// UsageReport summarizes storage consumption.
type UsageReport struct {
	kv.Usage
	Percent float64    `json:"percent"`
	Level   Level      `json:"level"`
	Keys    []KeyUsage `json:"keys,omitempty"`
}

// Usage returns the backend usage and its level without the per-key scan.
func (o *Optimizer) Usage(ctx context.Context) (UsageReport, error) {
	u, err := o.kv.Usage(ctx)
	if err != nil {
		return UsageReport{}, errclass.ErrStorageFailure.Wrap(err, "read usage")
	}
	rep := UsageReport{Usage: u, Percent: u.Percent(), Level: o.level(u)}
	o.metrics.SetStorageUsage(rep.Percent)
	return rep, nil
}

// UsageReport adds per-key sizes, largest first.
func (o *Optimizer) UsageReport(ctx context.Context) (UsageReport, error) {
	rep, err := o.Usage(ctx)
	if err != nil {
		return rep, err
	}
	keys, err := o.kv.Keys(ctx)
	if err != nil {
		return rep, errclass.ErrStorageFailure.Wrap(err, "list keys")
	}
	for _, k := range keys {
		v, ok, err := o.kv.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		rep.Keys = append(rep.Keys, KeyUsage{
			Key:        k,
			Bytes:      kv.EntrySize(k, v),
			Compressed: compression.IsPacked(v) || compression.IsHistorical(v),
		})
	}
	sort.SliceStable(rep.Keys, func(i, j int) bool { return rep.Keys[i].Bytes > rep.Keys[j].Bytes })
	return rep, nil
}

func (o *Optimizer) level(u kv.Usage) Level {
	p := u.Percent()
	switch {
	case u.QuotaBytes <= 0:
		return LevelOK
	case p >= o.cfg.CriticalPercent:
		return LevelCritical
	case p >= o.cfg.WarningPercent:
		return LevelWarning
	default:
		return LevelOK
	}
}

// SaveOptimized writes data under key. Values above the byte or item
// threshold are packed. At critical usage cleanup runs before the write;
// a quota failure triggers one cleanup and one retry.
func (o *Optimizer) SaveOptimized(ctx context.Context, key string, data []byte) error {
	value := o.maybePack(data)

	if rep, err := o.Usage(ctx); err == nil && rep.Level == LevelCritical {
		o.log.Warn("storage critical before write, cleaning up", map[string]any{"key": key, "percent": rep.Percent})
		if _, err := o.cleanup(ctx, key); err != nil {
			o.log.ErrorErr("pre-write cleanup failed", err, nil)
		}
	}

	err := o.kv.Set(ctx, key, value)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errclass.ErrQuotaExceeded) {
		return errclass.ErrStorageFailure.Wrap(err, "write "+key)
	}
	freed, cerr := o.cleanup(ctx, key)
	if cerr != nil {
		o.log.ErrorErr("cleanup after quota failure", cerr, nil)
	}
	if !freed {
		return errclass.ErrStorageFailure.Wrap(err, "write "+key)
	}
	if err := o.kv.Set(ctx, key, value); err != nil {
		return errclass.ErrStorageFailure.Wrap(err, "write "+key+" after cleanup")
	}
	return nil
}

// AfterWrite runs cleanup when usage has reached the critical threshold.
func (o *Optimizer) AfterWrite(ctx context.Context) {
	rep, err := o.Usage(ctx)
	if err != nil || rep.Level != LevelCritical {
		return
	}
	if _, err := o.cleanup(ctx, ""); err != nil {
		o.log.ErrorErr("opportunistic cleanup failed", err, nil)
	}
}

func (o *Optimizer) maybePack(data []byte) []byte {
	if !o.compressor.IsEnabled() || !o.shouldCompress(data) {
		return data
	}
	packed, err := o.compressor.Pack(data)
	if err != nil || len(packed) >= len(data) {
		return data
	}
	return packed
}

func (o *Optimizer) shouldCompress(data []byte) bool {
	if o.cfg.CompressThresholdBytes > 0 && len(data) > o.cfg.CompressThresholdBytes {
		return true
	}
	if o.cfg.CompressThresholdItems > 0 && len(data) > 0 && data[0] == '[' {
		var items []json.RawMessage
		if json.Unmarshal(data, &items) == nil && len(items) > o.cfg.CompressThresholdItems {
			return true
		}
	}
	return false
}

// cleanup runs CleanupOldData with the configured limits, skipping the
// key currently being written. Re-entrant calls return immediately.
func (o *Optimizer) cleanup(ctx context.Context, skip string) (bool, error) {
	if !o.cleaning.CompareAndSwap(false, true) {
		return false, nil
	}
	defer o.cleaning.Store(false)
	res, err := o.run(ctx, o.cfg.MaxAgeDays, o.cfg.MaxCount, skip)
	return res.Freed(), err
}

// isBounded reports whether key is a cleanup target.
func (o *Optimizer) isBounded(key string) bool {
	return matchAny(o.cfg.CleanupTargets, key)
}
