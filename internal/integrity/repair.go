package integrity

import (
	"context"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/pkg/errclass"
	"github.com/qrclock/attendcore/pkg/logging"
	"github.com/qrclock/attendcore/pkg/metrics"
	"github.com/qrclock/attendcore/pkg/model"
)

// Records is the record access the verifier needs.
type Records interface {
	Get(ctx context.Context, c model.Collection, id string) (model.Record, error)
	All(ctx context.Context, c model.Collection) ([]model.Record, error)
	// Resign persists sig on the record and appends ev as the mutation's
	// audit entry.
	Resign(ctx context.Context, c model.Collection, id string, sig model.HashValue, ev audit.Event) (model.Record, error)
}

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, ev audit.Event) (model.AuditEntry, error)
}

// Result is the verification outcome of one record.
type Result struct {
	Collection model.Collection     `json:"collection"`
	ID         string               `json:"id"`
	State      model.IntegrityState `json:"state"`
	Deleted    bool                 `json:"deleted,omitempty"`
}

// Verifier scans collections and repairs tampered records.
type Verifier struct {
	signer  *Signer
	records Records
	audit   Auditor
	log     *logging.Logger
	metrics *metrics.Registry
}

// NewVerifier creates a verifier.
func NewVerifier(signer *Signer, records Records, auditor Auditor, log *logging.Logger, reg *metrics.Registry) *Verifier {
	return &Verifier{signer: signer, records: records, audit: auditor, log: logging.OrGlobal(log), metrics: reg}
}

// Check verifies one record.
func (v *Verifier) Check(ctx context.Context, c model.Collection, id string) (Result, error) {
	rec, err := v.records.Get(ctx, c, id)
	if err != nil {
		return Result{}, err
	}
	return v.result(c, rec)
}

func (v *Verifier) result(c model.Collection, rec model.Record) (Result, error) {
	state, err := v.signer.State(c, rec)
	if err != nil {
		return Result{}, err
	}
	return Result{Collection: c, ID: rec.ID, State: state, Deleted: rec.IsDeleted}, nil
}

// ScanOptions controls Scan.
type ScanOptions struct {
	// RecordDetections appends a tamper_detected audit entry per tampered record.
	RecordDetections bool
	Actor            model.Actor
}

// Scan verifies every record of a signed collection, including deleted ones.
func (v *Verifier) Scan(ctx context.Context, c model.Collection, opts ScanOptions) ([]Result, error) {
	if !IsSigned(c) {
		return nil, nil
	}
	recs, err := v.records.All(ctx, c)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(recs))
	for _, rec := range recs {
		r, err := v.result(c, rec)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
		if r.State != model.IntegrityTampered {
			continue
		}
		v.metrics.IntegrityViolation("record")
		v.log.Warn("tampered record detected", map[string]any{"collection": c.String(), "id": rec.ID})
		if opts.RecordDetections {
			if _, err := v.audit.Append(ctx, audit.Event{
				Action: model.ActionTamperDetected, ActorID: opts.Actor.ID, TargetID: rec.ID,
				Module: c.String(), Severity: model.SeverityCritical,
			}); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

// Tampered filters results down to tampered records.
func Tampered(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.State == model.IntegrityTampered {
			out = append(out, r)
		}
	}
	return out
}

// Repair recomputes and stores the signature of a tampered record.
// Only privileged actors may repair; a denied attempt is audited and
// returns ErrPolicyViolation. Repairing a record that verifies is a no-op.
func (v *Verifier) Repair(ctx context.Context, c model.Collection, id string, actor model.Actor, reason string) (model.Record, error) {
	if !IsSigned(c) {
		return model.Record{}, errclass.ErrPolicyViolation.WithMessagef("collection %s is not signed", c)
	}
	if !actor.Privileged() {
		if _, err := v.audit.Append(ctx, audit.Event{
			Action: model.ActionRepairDenied, ActorID: actor.ID, TargetID: id, Module: c.String(),
			Severity: model.SeverityCritical, Details: map[string]any{"role": string(actor.Role), "reason": reason},
		}); err != nil {
			return model.Record{}, err
		}
		return model.Record{}, errclass.ErrPolicyViolation.WithMessagef("actor %s (%s) may not repair records", actor.ID, actor.Role)
	}

	rec, err := v.records.Get(ctx, c, id)
	if err != nil {
		return model.Record{}, err
	}
	ok, err := v.signer.Verify(c, rec)
	if err != nil {
		return model.Record{}, err
	}
	if ok {
		return rec, nil
	}
	sig, err := v.signer.Sign(c, rec)
	if err != nil {
		return model.Record{}, err
	}
	repaired, err := v.records.Resign(ctx, c, id, sig, audit.Event{
		Action: model.ActionRepair, ActorID: actor.ID, TargetID: id, Module: c.String(),
		Severity: model.SeverityWarning,
		Details: map[string]any{
			"previousSignature": string(rec.Signature),
			"reason":            reason,
		},
	})
	if err != nil {
		return model.Record{}, err
	}
	v.log.Info("record signature repaired", map[string]any{"collection": c.String(), "id": id, "actor": actor.ID})
	return repaired, nil
}
