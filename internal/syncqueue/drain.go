package syncqueue

import (
	"context"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/model"
)

// DrainOptions selects what a drain may process.
type DrainOptions struct {
	// Manual bypasses policy gating and backoff; it still needs a link.
	Manual bool
	// DataTypes restricts the drain; empty means all types.
	DataTypes []string
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Batches   int                   `json:"batches"`
	Processed int                   `json:"processed"`
	Succeeded int                   `json:"succeeded"`
	Retried   int                   `json:"retried"`
	Failed    []model.SyncOperation `json:"failed,omitempty"`
	// Order lists processed operation ids in send order.
	Order []string `json:"order,omitempty"`
}

// Drain sends eligible operations in priority then FIFO order. Cancelling
// ctx stops further batches; a batch already sent runs to completion.
func (q *Queue) Drain(ctx context.Context, opts DrainOptions) (DrainResult, error) {
	var res DrainResult
	if opts.Manual && q.opts.Connection != nil && !q.opts.Connection.Online() {
		q.log.Info("manual drain skipped while offline")
		return res, nil
	}
	batches, err := q.plan(ctx, opts)
	if err != nil {
		return res, err
	}
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}
		if err := q.runBatch(ctx, b, &res); err != nil {
			return res, err
		}
	}
	if res.Processed > 0 {
		q.log.Info("sync queue drained", map[string]any{
			"batches": res.Batches, "succeeded": res.Succeeded, "retried": res.Retried, "failed": len(res.Failed),
		})
	}
	return res, nil
}

type batch struct {
	dataType string
	ids      []string
}

// plan selects and groups eligible operations. Operations left in
// processing by a previous process are returned to pending first.
func (q *Queue) plan(ctx context.Context, opts DrainOptions) ([]batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	recovered := false
	for i := range ops {
		if ops[i].Status == model.StatusProcessing && !q.inflight[ops[i].ID] {
			ops[i].Status = model.StatusPending
			recovered = true
		}
	}
	if recovered {
		if err := q.save(ctx, ops); err != nil {
			return nil, err
		}
	}

	want := map[string]bool{}
	for _, t := range opts.DataTypes {
		want[t] = true
	}
	allowed := map[string]bool{}
	now := q.opts.Clock.Now()
	var eligible []model.SyncOperation
	for _, op := range ops {
		if op.Status != model.StatusPending || q.inflight[op.ID] {
			continue
		}
		if len(want) > 0 && !want[op.DataType] {
			continue
		}
		if !opts.Manual {
			ok, seen := allowed[op.DataType]
			if !seen {
				ok = q.policies.ShouldSync(ctx, op.DataType)
				allowed[op.DataType] = ok
			}
			if !ok || q.backoff.IsInBackOffSinceUpdate(op.ID, now) {
				continue
			}
		}
		eligible = append(eligible, op)
	}
	sortOps(eligible)

	var out []batch
	for _, op := range eligible {
		if n := len(out); n > 0 && out[n-1].dataType == op.DataType && len(out[n-1].ids) < q.batchSize(ctx, op.DataType) {
			out[n-1].ids = append(out[n-1].ids, op.ID)
			continue
		}
		out = append(out, batch{dataType: op.DataType, ids: []string{op.ID}})
	}
	return out, nil
}

func (q *Queue) batchSize(ctx context.Context, dataType string) int {
	if n := q.policies.Get(ctx, dataType).BatchSize; n > 0 {
		return n
	}
	return 1
}

func (q *Queue) runBatch(ctx context.Context, b batch, res *DrainResult) error {
	lock := q.typeLock(b.dataType)
	lock.Lock()
	defer lock.Unlock()

	claimed, err := q.claim(ctx, b)
	if err != nil || len(claimed) == 0 {
		return err
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.AttemptTimeout)
	var sendErr error
	if q.remote == nil {
		sendErr = errclass.ErrSyncFailure.WithMessage("no remote configured")
	} else {
		sendErr = q.remote.Send(sendCtx, b.dataType, claimed)
	}
	cancel()
	q.opts.Metrics.SyncAttempt(b.dataType, sendErr == nil)

	res.Batches++
	for _, op := range claimed {
		res.Order = append(res.Order, op.ID)
	}
	return q.settle(ctx, b.dataType, claimed, sendErr, res)
}

// claim marks the batch's still-pending operations as processing.
func (q *Queue) claim(ctx context.Context, b batch) ([]model.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int, len(ops))
	for i, op := range ops {
		idx[op.ID] = i
	}
	var claimed []model.SyncOperation
	for _, id := range b.ids {
		i, ok := idx[id]
		if !ok || ops[i].Status != model.StatusPending || q.inflight[id] {
			continue
		}
		ops[i].Status = model.StatusProcessing
		claimed = append(claimed, ops[i])
	}
	if len(claimed) == 0 {
		return nil, nil
	}
	if err := q.save(ctx, ops); err != nil {
		return nil, err
	}
	for _, op := range claimed {
		q.inflight[op.ID] = true
	}
	return claimed, nil
}

// settle records the outcome of a sent batch.
func (q *Queue) settle(ctx context.Context, dataType string, sent []model.SyncOperation, sendErr error, res *DrainResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer func() {
		for _, op := range sent {
			delete(q.inflight, op.ID)
		}
	}()
	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	inBatch := make(map[string]bool, len(sent))
	for _, op := range sent {
		inBatch[op.ID] = true
	}
	pol := q.policies.Get(ctx, dataType)
	rejected := errclass.Code(sendErr) == errclass.ErrSyncRejected.Code
	now := q.opts.Clock.Now().UTC()

	var terminal []model.SyncOperation
	kept := ops[:0:0]
	for _, op := range ops {
		if !inBatch[op.ID] || op.Status != model.StatusProcessing {
			kept = append(kept, op)
			continue
		}
		res.Processed++
		if sendErr == nil {
			res.Succeeded++
			q.done++
			q.backoff.DeleteEntry(op.ID)
			continue
		}
		op.Attempts++
		op.LastError = sendErr.Error()
		op.LastAttemptAt = &now
		if rejected || !pol.RetryOnFailure || op.Attempts >= q.opts.MaxAttempts {
			op.Status = model.StatusFailed
			q.backoff.DeleteEntry(op.ID)
			terminal = append(terminal, op)
		} else {
			op.Status = model.StatusPending
			q.backoff.Next(op.ID, now)
			res.Retried++
		}
		kept = append(kept, op)
	}
	if err := q.save(ctx, kept); err != nil {
		return err
	}
	res.Failed = append(res.Failed, terminal...)
	for _, op := range terminal {
		q.reportTerminal(ctx, op)
	}
	return nil
}

func (q *Queue) reportTerminal(ctx context.Context, op model.SyncOperation) {
	q.opts.Metrics.SyncTerminalFailure(op.DataType)
	q.log.Error("sync operation failed permanently", map[string]any{
		"id": op.ID, "dataType": op.DataType, "attempts": op.Attempts, "error": op.LastError,
	})
	if q.opts.Audit == nil {
		return
	}
	if _, err := q.opts.Audit.Append(ctx, audit.Event{
		Action:   model.ActionSyncFailed,
		ActorID:  model.SystemActor.ID,
		TargetID: op.ID,
		Module:   "syncqueue",
		Severity: model.SeverityWarning,
		Details:  map[string]any{"dataType": op.DataType, "attempts": op.Attempts, "lastError": op.LastError},
	}); err != nil {
		q.log.ErrorErr("audit sync failure", err, nil)
	}
}
