// Package syncqueue is the durable queue of pending remote mutations.
//
// Operations drain in priority order, then in enqueue order, in batches of
// consecutive same-type operations. A failed attempt re-queues the
// operation behind a per-operation backoff until the attempt ceiling
// makes it terminally failed. Batches of one data type never run
// concurrently.
package syncqueue

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/client-go/util/flowcontrol"
	"k8s.io/utils/clock"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/compression"
	"github.com/qrclock/attendcore/internal/kv"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/metrics"
	"github.com/qrclock/attendcore/pkg/model"
	"github.com/qrclock/attendcore/pkg/uuidutil"
)

var key = model.CollectionSyncQueue.String()

// Remote applies a batch of operations of one data type.
type Remote interface {
	Send(ctx context.Context, dataType string, ops []model.SyncOperation) error
}

// Policies resolves per-type sync behavior.
type Policies interface {
	Get(ctx context.Context, dataType string) model.SyncPolicy
	ShouldSync(ctx context.Context, dataType string) bool
}

// Connectivity gates manual drains.
type Connectivity interface {
	Online() bool
}

// Saver writes the queue through the storage optimizer.
type Saver interface {
	SaveOptimized(ctx context.Context, key string, data []byte) error
}

// Options configures a Queue.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	Connection     Connectivity
	Saver          Saver
	Audit          *audit.Log
	Clock          clock.Clock
	Logger         *logging.Logger
	Metrics        *metrics.Registry
}

// Queue is the durable sync queue.
type Queue struct {
	kv       kv.KeyValueStore
	remote   Remote
	policies Policies
	opts     Options
	backoff  *flowcontrol.Backoff
	log      *logging.Logger

	mu       sync.Mutex // guards the durable read-modify-write
	inflight map[string]bool
	done     int

	typeMu    sync.Mutex
	typeLocks map[string]*sync.Mutex

	hookMu    sync.Mutex
	onEnqueue func(model.SyncOperation)
}

// New creates a queue. remote may be nil, in which case every drain
// attempt fails with a sync failure.
func New(backend kv.KeyValueStore, remote Remote, policies Policies, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	b := flowcontrol.NewBackOff(opts.InitialBackoff, opts.MaxBackoff)
	b.Clock = opts.Clock
	return &Queue{
		kv:        backend,
		remote:    remote,
		policies:  policies,
		opts:      opts,
		backoff:   b,
		log:       logging.OrGlobal(opts.Logger),
		inflight:  map[string]bool{},
		typeLocks: map[string]*sync.Mutex{},
	}
}

// OnEnqueue registers fn to run after every successful Enqueue.
func (q *Queue) OnEnqueue(fn func(model.SyncOperation)) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	q.onEnqueue = fn
}

// Enqueue appends a pending operation tagged with its type's priority.
func (q *Queue) Enqueue(ctx context.Context, dataType string, kind model.OpKind, payload map[string]any) (model.SyncOperation, error) {
	if strings.TrimSpace(dataType) == "" {
		return model.SyncOperation{}, errclass.ErrNameInvalid.WithMessage("operation needs a data type")
	}
	switch kind {
	case model.OpAdd, model.OpUpdate, model.OpDelete:
	default:
		return model.SyncOperation{}, errclass.ErrNameInvalid.WithMessagef("unknown operation kind %q", kind)
	}
	op := model.SyncOperation{
		ID:         uuidutil.NewV7(),
		DataType:   dataType,
		Kind:       kind,
		Payload:    model.CloneMap(payload),
		Priority:   q.policies.Get(ctx, dataType).Priority,
		Status:     model.StatusPending,
		EnqueuedAt: q.opts.Clock.Now().UTC(),
	}

	q.mu.Lock()
	ops, err := q.load(ctx)
	if err == nil {
		op.Seq = nextSeq(ops)
		err = q.save(ctx, append(ops, op))
	}
	q.mu.Unlock()
	if err != nil {
		return model.SyncOperation{}, err
	}
	q.log.Debug("sync operation enqueued", map[string]any{"id": op.ID, "dataType": dataType, "priority": op.Priority.String()})

	q.hookMu.Lock()
	fn := q.onEnqueue
	q.hookMu.Unlock()
	if fn != nil {
		fn(op)
	}
	return op, nil
}

func nextSeq(ops []model.SyncOperation) int64 {
	var max int64
	for _, op := range ops {
		if op.Seq > max {
			max = op.Seq
		}
	}
	return max + 1
}

// List returns every queued operation in durable order.
func (q *Queue) List(ctx context.Context) ([]model.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Status counts operations by status. Done counts operations completed by
// this queue since it was created, as completed operations leave the
// durable queue.
func (q *Queue) Status(ctx context.Context) (model.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return model.QueueStatus{}, err
	}
	st := model.QueueStatus{Done: q.done, ByDataType: map[string]int{}}
	for _, op := range ops {
		switch op.Status {
		case model.StatusPending:
			st.Pending++
			st.ByDataType[op.DataType]++
		case model.StatusProcessing:
			st.Processing++
			st.ByDataType[op.DataType]++
		case model.StatusFailed:
			st.Failed++
		case model.StatusDone:
			st.Done++
		}
	}
	q.opts.Metrics.SetQueueDepth(string(model.StatusPending), st.Pending)
	q.opts.Metrics.SetQueueDepth(string(model.StatusProcessing), st.Processing)
	q.opts.Metrics.SetQueueDepth(string(model.StatusFailed), st.Failed)
	return st, nil
}

// Failed returns the terminally failed operations.
func (q *Queue) Failed(ctx context.Context) ([]model.SyncOperation, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.SyncOperation
	for _, op := range ops {
		if op.Status == model.StatusFailed {
			out = append(out, op)
		}
	}
	return out, nil
}

// Retry re-arms a failed operation as a fresh pending copy at the end of
// the queue. The failed original is removed.
func (q *Queue) Retry(ctx context.Context, id string) (model.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return model.SyncOperation{}, err
	}
	idx := -1
	for i, op := range ops {
		if op.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.SyncOperation{}, errclass.ErrNotFound.WithMessagef("sync operation %s not found", id)
	}
	orig := ops[idx]
	if orig.Status != model.StatusFailed {
		return model.SyncOperation{}, errclass.ErrStaleOperation.WithMessagef("sync operation %s is %s, not failed", id, orig.Status)
	}
	fresh := model.SyncOperation{
		ID:         uuidutil.NewV7(),
		DataType:   orig.DataType,
		Kind:       orig.Kind,
		Payload:    model.CloneMap(orig.Payload),
		Priority:   orig.Priority,
		Status:     model.StatusPending,
		EnqueuedAt: q.opts.Clock.Now().UTC(),
		Seq:        nextSeq(ops),
	}
	rest := append(append([]model.SyncOperation{}, ops[:idx]...), ops[idx+1:]...)
	if err := q.save(ctx, append(rest, fresh)); err != nil {
		return model.SyncOperation{}, err
	}
	q.log.Info("failed sync operation re-armed", map[string]any{"id": id, "newId": fresh.ID})
	return fresh, nil
}

// Purge removes every terminal operation with the given status.
func (q *Queue) Purge(ctx context.Context, status model.OpStatus) (int, error) {
	if !status.Terminal() {
		return 0, errclass.ErrPolicyViolation.WithMessagef("only terminal operations can be purged, not %q", status)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	kept := ops[:0:0]
	for _, op := range ops {
		if op.Status != status {
			kept = append(kept, op)
		}
	}
	n := len(ops) - len(kept)
	if n == 0 {
		return 0, nil
	}
	return n, q.save(ctx, kept)
}

func (q *Queue) load(ctx context.Context) ([]model.SyncOperation, error) {
	raw, ok, err := q.kv.Get(ctx, key)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "read sync queue")
	}
	if !ok {
		return nil, nil
	}
	plain, err := compression.Unpack(raw)
	if err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "unpack sync queue")
	}
	var ops []model.SyncOperation
	if err := json.Unmarshal(plain, &ops); err != nil {
		return nil, errclass.ErrStorageFailure.Wrap(err, "decode sync queue")
	}
	return ops, nil
}

func (q *Queue) save(ctx context.Context, ops []model.SyncOperation) error {
	if ops == nil {
		ops = []model.SyncOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	if q.opts.Saver != nil {
		return q.opts.Saver.SaveOptimized(ctx, key, data)
	}
	if err := q.kv.Set(ctx, key, data); err != nil {
		return errclass.ErrStorageFailure.Wrap(err, "write sync queue")
	}
	return nil
}

func (q *Queue) typeLock(dataType string) *sync.Mutex {
	q.typeMu.Lock()
	defer q.typeMu.Unlock()
	l, ok := q.typeLocks[dataType]
	if !ok {
		l = &sync.Mutex{}
		q.typeLocks[dataType] = l
	}
	return l
}

// sortOps orders by priority, then enqueue sequence.
func sortOps(ops []model.SyncOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority < ops[j].Priority
		}
		return ops[i].Seq < ops[j].Seq
	})
}
