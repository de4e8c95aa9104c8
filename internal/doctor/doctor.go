// Package doctor runs health checks over an attendcore data store.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/qrclock/attendcore/internal/audit"
	"github.com/qrclock/attendcore/internal/integrity"
	"github.com/qrclock/attendcore/internal/optimizer"
	"github.com/qrclock/attendcore/pkg/fsutil"
	"github.com/qrclock/attendcore/pkg/model"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Target      string `json:"target,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == "critical" || f.Severity == "error" {
		r.Healthy = false
	}
}

// ChainVerifier verifies the audit hash chain.
type ChainVerifier interface {
	VerifyChain(ctx context.Context) (audit.ChainReport, error)
}

// Scanner verifies the records of a signed collection.
type Scanner interface {
	Scan(ctx context.Context, c model.Collection, opts integrity.ScanOptions) ([]integrity.Result, error)
}

// FailedOps lists sync operations that reached the retry ceiling.
type FailedOps interface {
	Failed(ctx context.Context) ([]model.SyncOperation, error)
}

// UsageSource reports storage usage.
type UsageSource interface {
	Usage(ctx context.Context) (optimizer.UsageReport, error)
}

// LeaseSource reports the writer lease state.
type LeaseSource interface {
	Status(ctx context.Context) (model.LeaseState, *model.Lease, error)
}

// Options wires the checked components. Nil components are skipped.
type Options struct {
	Audit     ChainVerifier
	Integrity Scanner
	Queue     FailedOps
	Storage   UsageSource
	Lease     LeaseSource
	// DataDir is the file backend directory searched for orphan temp files.
	DataDir string
	Actor   model.Actor
	Now     func() time.Time
}

// Doctor performs health checks.
type Doctor struct {
	opts Options
}

// NewDoctor creates a new doctor.
func NewDoctor(opts Options) *Doctor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Actor.ID == "" {
		opts.Actor = model.SystemActor
	}
	return &Doctor{opts: opts}
}

// Check runs all diagnostic checks. strict records a tamper_detected audit
// entry for every tampered record found.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkAuditChain(ctx, result)
	d.checkRecordIntegrity(ctx, result, strict)
	d.checkFailedSync(ctx, result)
	d.checkQuota(ctx, result)
	d.checkLease(ctx, result)
	d.checkOrphanTmp(result)

	return result, nil
}

func (d *Doctor) checkAuditChain(ctx context.Context, result *Result) {
	if d.opts.Audit == nil {
		return
	}
	rep, err := d.opts.Audit.VerifyChain(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "audit",
			Description: fmt.Sprintf("cannot read audit log: %v", err),
			Severity:    "error",
		})
		return
	}
	for _, b := range rep.Broken {
		result.add(Finding{
			Category:    "audit",
			Description: fmt.Sprintf("audit chain broken at entry %d: %s", b.Index, b.Reason),
			Severity:    "critical",
			Target:      b.EntryID,
		})
	}
}

func (d *Doctor) checkRecordIntegrity(ctx context.Context, result *Result, strict bool) {
	if d.opts.Integrity == nil {
		return
	}
	for _, c := range model.RecordCollections {
		if !integrity.IsSigned(c) {
			continue
		}
		results, err := d.opts.Integrity.Scan(ctx, c, integrity.ScanOptions{RecordDetections: strict, Actor: d.opts.Actor})
		if err != nil {
			result.add(Finding{
				Category:    "integrity",
				Description: fmt.Sprintf("scan %s failed: %v", c, err),
				Severity:    "error",
			})
			continue
		}
		for _, r := range integrity.Tampered(results) {
			result.add(Finding{
				Category:    "integrity",
				Description: fmt.Sprintf("%s record %s fails signature verification", c, r.ID),
				Severity:    "critical",
				Target:      r.ID,
			})
		}
	}
}

func (d *Doctor) checkFailedSync(ctx context.Context, result *Result) {
	if d.opts.Queue == nil {
		return
	}
	failed, err := d.opts.Queue.Failed(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "sync",
			Description: fmt.Sprintf("cannot read sync queue: %v", err),
			Severity:    "error",
		})
		return
	}
	for _, op := range failed {
		result.add(Finding{
			Category:    "sync",
			Description: fmt.Sprintf("%s %s failed after %d attempts: %s", op.DataType, op.Kind, op.Attempts, op.LastError),
			Severity:    "warning",
			Target:      op.ID,
		})
	}
}

func (d *Doctor) checkQuota(ctx context.Context, result *Result) {
	if d.opts.Storage == nil {
		return
	}
	rep, err := d.opts.Storage.Usage(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "storage",
			Description: fmt.Sprintf("cannot read storage usage: %v", err),
			Severity:    "error",
		})
		return
	}
	switch rep.Level {
	case optimizer.LevelCritical:
		result.add(Finding{
			Category:    "storage",
			Description: fmt.Sprintf("storage usage critical at %.1f%%", rep.Percent),
			Severity:    "critical",
		})
	case optimizer.LevelWarning:
		result.add(Finding{
			Category:    "storage",
			Description: fmt.Sprintf("storage usage high at %.1f%%", rep.Percent),
			Severity:    "warning",
		})
	}
}

func (d *Doctor) checkLease(ctx context.Context, result *Result) {
	if d.opts.Lease == nil {
		return
	}
	state, rec, err := d.opts.Lease.Status(ctx)
	if err != nil {
		result.add(Finding{
			Category:    "lease",
			Description: fmt.Sprintf("cannot read writer lease: %v", err),
			Severity:    "error",
		})
		return
	}
	if state == model.LeaseExpired {
		result.add(Finding{
			Category:    "lease",
			Description: fmt.Sprintf("stale writer lease held by %s (expired %s)", rec.Holder, rec.ExpiresAt.Format(time.RFC3339)),
			Severity:    "info",
		})
	}
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	if d.opts.DataDir == "" {
		return
	}
	entries, err := os.ReadDir(d.opts.DataDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if fsutil.IsTemp(e.Name()) {
			result.add(Finding{
				Category:    "tmp",
				Description: fmt.Sprintf("orphan temp file: %s", e.Name()),
				Severity:    "info",
				Target:      filepath.Join(d.opts.DataDir, e.Name()),
			})
		}
	}
}
