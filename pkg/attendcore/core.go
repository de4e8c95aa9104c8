package attendcore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"k8s.io/utils/clock"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/backup"
	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/internal/connection"
	"github.com/qrclock/attendcore/internal/doctor"
	"github.com/qrclock/attendcore/internal/integrity"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/internal/lock"
	"github.com/qrclock/attendcore/internal/loop"
	"github.com/qrclock/attendcore/internal/optimizer"
	"github.com/qrclock/attendcore/internal/policy"
	"github.com/qrclock/attendcore/internal/remote"
	"github.com/qrclock/attendcore/internal/store"
	"github.com/qrclock/attendcore/internal/syncqueue"
	"github.com/qrclock/attendcore/pkg/config"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/metrics"
	"github.com/qrclock/attendcore/pkg/model"
)

// Options overrides parts of the wiring. Zero values use the config.
type Options struct {
	// DataDir is the directory the file backend and doctor use when the
	// storage DSN is empty.
	DataDir string
	// Backend replaces the backend opened from storage.dsn.
	Backend kv.KeyValueStore
	// Remote replaces the transport opened from sync.remote.
	Remote       syncqueue.Remote
	Connectivity connection.ConnectivitySource
	Prober       connection.Prober
	Clock        clock.Clock
	Logger       *logging.Logger
	Metrics      *metrics.Registry
	// Holder names this process in the writer lease.
	Holder string
}

// Core is the wired attendance core.
type Core struct {
	cfg  *config.Config
	opts Options
	log  *logging.Logger

	KV        kv.KeyValueStore
	Audit     *audit.Log
	Signer    *integrity.Signer
	Store     *store.Store
	Verifier  *integrity.Verifier
	Optimizer *optimizer.Optimizer
	Policies  *policy.Engine
	Monitor   *connection.Monitor
	Queue     *syncqueue.Queue
	Backup    *backup.Engine
	// Lease is nil unless writer_lock.enabled is set.
	Lease   *lock.Manager
	Metrics *metrics.Registry

	client  remote.Client
	syncer  *syncqueue.Scheduler
	cleaner *optimizer.Scheduler

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// Open builds every service from cfg.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.OrGlobal(nil)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	if opts.Holder == "" {
		opts.Holder = defaultHolder()
	}
	c := &Core{cfg: cfg, opts: opts, log: opts.Logger, Metrics: opts.Metrics}

	backend := opts.Backend
	if backend == nil {
		dsn := cfg.Storage.DSN
		if dsn == "" && opts.DataDir != "" {
			dsn = "file://" + opts.DataDir
		}
		var err error
		if backend, err = kv.Open(dsn, cfg.Storage.QuotaBytes, opts.Logger); err != nil {
			return nil, err
		}
	}
	c.KV = backend

	secret := cfg.SigningSecret()
	if secret == "" {
		backend.Close()
		return nil, errclass.ErrConfigInvalid.WithMessagef("signing secret is not set (signing.secret or $%s)", config.SecretEnv)
	}
	signer, err := integrity.NewSigner([]byte(secret), cfg.Signing.KeyContext)
	if err != nil {
		backend.Close()
		return nil, err
	}
	c.Signer = signer

	compressor, err := compression.NewCompressorFromString(cfg.Storage.Codec)
	if err != nil {
		backend.Close()
		return nil, errclass.ErrConfigInvalid.Wrap(err, "storage.codec")
	}

	c.Audit = audit.New(backend, audit.Options{
		MaxEntries: cfg.Audit.MaxEntries,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	c.Optimizer = optimizer.New(backend, c.Audit, optimizer.ConfigFromStorage(cfg.Storage, cfg.Backup.KeepSafety), optimizer.Options{
		Compressor: compressor,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	c.Store = store.New(backend, store.Options{
		Signer:    signer,
		Audit:     c.Audit,
		Optimizer: c.Optimizer,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	c.Verifier = integrity.NewVerifier(signer, c.Store, c.Audit, opts.Logger, opts.Metrics)

	prober := opts.Prober
	if prober == nil && cfg.Connection.ProbeURL != "" {
		prober = connection.NewHTTPProber(cfg.Connection.ProbeURL, cfg.Connection.ProbeTimeout)
	}
	c.Monitor = connection.NewMonitor(connection.Options{
		Source:     opts.Connectivity,
		Prober:     prober,
		Interval:   cfg.Connection.ProbeInterval,
		Timeout:    cfg.Connection.ProbeTimeout,
		Thresholds: connection.Thresholds{Good: cfg.Connection.GoodRTT, Medium: cfg.Connection.MediumRTT},
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	})
	c.Policies = policy.New(backend, policy.Options{
		Audit:      c.Audit,
		Connection: c.Monitor,
		Seed:       cfg.Sync.Policies,
		Logger:     opts.Logger,
	})

	rem := opts.Remote
	if rem == nil {
		client, err := remote.Open(cfg.Sync.Remote, remote.Options{
			Secret:  secret,
			Token:   cfg.Sync.Token,
			Timeout: cfg.Sync.AttemptTimeout,
			Name:    opts.Holder,
		})
		if err != nil {
			backend.Close()
			return nil, err
		}
		if client != nil {
			c.client = client
			rem = client
		}
	}
	c.Queue = syncqueue.New(backend, rem, c.Policies, syncqueue.Options{
		MaxAttempts:    cfg.Sync.MaxAttempts,
		InitialBackoff: cfg.Sync.InitialBackoff,
		MaxBackoff:     cfg.Sync.MaxBackoff,
		AttemptTimeout: cfg.Sync.AttemptTimeout,
		Connection:     c.Monitor,
		Saver:          c.Optimizer,
		Audit:          c.Audit,
		Clock:          opts.Clock,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
	})

	archive, err := backup.OpenArchive(ctx, cfg.Backup)
	if err != nil {
		c.closeTransport()
		backend.Close()
		return nil, err
	}
	c.Backup, err = backup.New(backend, signer, backup.Options{
		Store:       c.Store,
		Audit:       c.Audit,
		Saver:       c.Optimizer,
		Archive:     archive,
		Compress:    cfg.Backup.Compress,
		KeepSafety:  cfg.Backup.KeepSafety,
		GeneratedBy: "attendcore/" + opts.Holder,
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		c.closeTransport()
		backend.Close()
		return nil, err
	}

	if cfg.WriterLock.Enabled {
		c.Lease = lock.NewManager(backend, cfg.WriterLock.LeaseTTL, opts.Clock)
	}

	c.syncer = syncqueue.NewScheduler(c.Queue, c.Monitor, cfg.Sync.SweepInterval)
	c.cleaner = optimizer.NewScheduler(c.Optimizer, cfg.Storage.CleanupInterval)
	return c, nil
}

// Config returns the configuration the core was opened with.
func (c *Core) Config() *config.Config { return c.cfg }

// Start launches the background schedulers. Calling it twice is a no-op.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	if c.cfg.Storage.Watch {
		if err := c.Store.Watch(ctx); err != nil {
			cancel()
			return fmt.Errorf("watch backend: %w", err)
		}
	}
	c.Monitor.Start(ctx)
	c.syncer.Start(ctx)
	c.cleaner.Start(ctx)
	c.cancel = cancel
	c.started = true
	c.log.Info("attendcore started", map[string]any{"backend": kv.Describe(c.cfg.Storage.DSN)})
	return nil
}

// Close stops the schedulers and releases the transport and backend.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.started {
		c.cleaner.Stop()
		c.syncer.Stop()
		c.Monitor.Stop()
		c.cancel()
		c.started = false
	}
	c.mu.Unlock()
	c.closeTransport()
	return c.KV.Close()
}

func (c *Core) closeTransport() {
	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.log.ErrorErr("close remote transport", err, nil)
		}
	}
}

// Doctor returns a doctor over every wired component.
func (c *Core) Doctor() *doctor.Doctor {
	opts := doctor.Options{
		Audit:     c.Audit,
		Integrity: c.Verifier,
		Queue:     c.Queue,
		Storage:   c.Optimizer,
		DataDir:   c.dataDir(),
	}
	if c.Lease != nil {
		opts.Lease = c.Lease
	}
	return doctor.NewDoctor(opts)
}

func (c *Core) dataDir() string {
	if f, ok := unwrapFile(c.KV); ok {
		return f.Dir()
	}
	return ""
}

func unwrapFile(s kv.KeyValueStore) (*kv.File, bool) {
	for {
		switch v := s.(type) {
		case *kv.File:
			return v, true
		case interface{ Inner() kv.KeyValueStore }:
			s = v.Inner()
		default:
			return nil, false
		}
	}
}

// WithWriterLease runs fn under the writer lease when it is enabled, and
// directly otherwise.
func (c *Core) WithWriterLease(ctx context.Context, purpose string, fn func(ctx context.Context) error) error {
	if c.Lease == nil {
		return fn(ctx)
	}
	return c.Lease.Hold(ctx, c.opts.Holder, purpose, fn)
}

// HoldWriterLease acquires the writer lease and renews it every third of
// its TTL until release is called. Without writer_lock.enabled it returns a
// no-op release.
func (c *Core) HoldWriterLease(ctx context.Context, purpose string) (release func(), err error) {
	if c.Lease == nil {
		return func() {}, nil
	}
	rec, err := c.Lease.Acquire(ctx, c.opts.Holder, purpose)
	if err != nil {
		return nil, err
	}
	renew := loop.New("writer-lease", c.cfg.WriterLock.LeaseTTL/3, func(ctx context.Context) {
		if _, err := c.Lease.Renew(ctx, rec.HolderNonce); err != nil {
			c.log.ErrorErr("renew writer lease", err, map[string]any{"holder": rec.Holder})
		}
	}, c.log)
	renew.Start(ctx)
	return func() {
		renew.Stop()
		if err := c.Lease.Release(context.WithoutCancel(ctx), rec.HolderNonce); err != nil {
			c.log.ErrorErr("release writer lease", err, nil)
		}
	}, nil
}

// Add stores a new record and queues it for sync.
func (c *Core) Add(ctx context.Context, coll model.Collection, item map[string]any, actor model.Actor) (model.Record, error) {
	rec, err := c.Store.Add(ctx, coll, item, actor)
	if err != nil {
		return rec, err
	}
	c.enqueue(ctx, coll, model.OpAdd, rec)
	return rec, nil
}

// Update patches a record and queues the new state for sync.
func (c *Core) Update(ctx context.Context, coll model.Collection, id string, patch map[string]any, actor model.Actor, expectedVersion int64) (model.Record, error) {
	rec, err := c.Store.Update(ctx, coll, id, patch, actor, expectedVersion)
	if err != nil {
		return rec, err
	}
	c.enqueue(ctx, coll, model.OpUpdate, rec)
	return rec, nil
}

// SoftDelete marks a record deleted and queues the deletion for sync.
// Deleting an already deleted record queues nothing.
func (c *Core) SoftDelete(ctx context.Context, coll model.Collection, id string, actor model.Actor) (model.Record, error) {
	before, err := c.Store.Get(ctx, coll, id)
	if err != nil {
		return before, err
	}
	rec, err := c.Store.SoftDelete(ctx, coll, id, actor)
	if err != nil {
		return rec, err
	}
	if rec.Version != before.Version {
		c.enqueue(ctx, coll, model.OpDelete, rec)
	}
	return rec, nil
}

// Restore reactivates a soft-deleted record and queues it for sync.
// Restoring a live record queues nothing.
func (c *Core) Restore(ctx context.Context, coll model.Collection, id string, actor model.Actor) (model.Record, error) {
	before, err := c.Store.Get(ctx, coll, id)
	if err != nil {
		return before, err
	}
	rec, err := c.Store.Restore(ctx, coll, id, actor)
	if err != nil {
		return rec, err
	}
	if rec.Version != before.Version {
		c.enqueue(ctx, coll, model.OpUpdate, rec)
	}
	return rec, nil
}

// PermanentDelete purges a soft-deleted record and queues the deletion.
func (c *Core) PermanentDelete(ctx context.Context, coll model.Collection, id string, actor model.Actor) (model.Record, error) {
	rec, err := c.Store.PermanentDelete(ctx, coll, id, actor)
	if err != nil {
		return rec, err
	}
	c.enqueue(ctx, coll, model.OpDelete, rec)
	return rec, nil
}

// enqueue queues a local mutation. The local write already succeeded, so a
// queue failure is logged rather than returned.
func (c *Core) enqueue(ctx context.Context, coll model.Collection, kind model.OpKind, rec model.Record) {
	payload, err := recordPayload(rec)
	if err == nil {
		_, err = c.Queue.Enqueue(ctx, coll.String(), kind, payload)
	}
	if err != nil {
		c.log.ErrorErr("enqueue sync operation", err, map[string]any{"collection": coll.String(), "id": rec.ID})
	}
}

func recordPayload(rec model.Record) (map[string]any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "attendcore"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
