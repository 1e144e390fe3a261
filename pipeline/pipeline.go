// Package pipeline runs the extraction phases in dependency order:
// enumerate the working set, describe it, enrich it, emit the corpus, and
// upload the diff into the vector index. Per-ref failures never stop
// sibling refs; only cancellation, fatal errors, and the quota wall stop a
// run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"orgatlas.dev/bridge"
	"orgatlas.dev/cache"
	"orgatlas.dev/corpus"
	"orgatlas.dev/enrich"
	"orgatlas.dev/progress"
	"orgatlas.dev/ratelimit"
	"orgatlas.dev/retry"
	"orgatlas.dev/salesforce"
	"orgatlas.dev/uploader"
)

// ErrQuotaWall is returned when a phase accumulates enough quota-classified
// failures that continuing would only burn the remaining API budget. The
// run is resumable.
var ErrQuotaWall = errors.New("quota wall: too many quota failures, halting")

// Phase names in canonical execution order.
const (
	PhaseEnumerate   = "enumerate"
	PhaseDescribe    = "describe"
	PhaseStats       = "stats"
	PhaseAutomation  = "automation"
	PhaseSecurity    = "security"
	PhaseHistory     = "history"
	PhaseOrgSecurity = "org-security"
	PhaseEmit        = "emit"
	PhaseUpload      = "upload"
)

// AllPhases is the canonical order.
var AllPhases = []string{
	PhaseEnumerate,
	PhaseDescribe,
	PhaseStats,
	PhaseAutomation,
	PhaseSecurity,
	PhaseHistory,
	PhaseOrgSecurity,
	PhaseEmit,
	PhaseUpload,
}

// DefaultQuotaWall is how many quota-classified ref failures in one phase
// halt the run.
const DefaultQuotaWall = 5

// ExpandPhases validates a selection and adds the prerequisites each
// selected phase needs, returning the result in canonical order. An empty
// selection means all phases.
func ExpandPhases(selected []string) ([]string, error) {
	if len(selected) == 0 {
		return append([]string(nil), AllPhases...), nil
	}

	valid := make(map[string]bool, len(AllPhases))
	for _, phase := range AllPhases {
		valid[phase] = true
	}

	want := make(map[string]bool)
	for _, phase := range selected {
		phase = strings.TrimSpace(phase)
		if !valid[phase] {
			return nil, fmt.Errorf("unknown phase %q (valid: %s)", phase, strings.Join(AllPhases, ", "))
		}
		want[phase] = true
	}

	// Everything downstream of describe needs described records in memory.
	for _, phase := range []string{PhaseStats, PhaseAutomation, PhaseSecurity, PhaseHistory, PhaseEmit, PhaseUpload} {
		if want[phase] {
			want[PhaseDescribe] = true
		}
	}
	if want[PhaseUpload] {
		want[PhaseEmit] = true
	}

	var out []string
	for _, phase := range AllPhases {
		if want[phase] {
			out = append(out, phase)
		}
	}
	return out, nil
}

// PhaseResult is the per-phase tally in the final report.
type PhaseResult struct {
	Done   int
	Failed int
}

// Report is what a run produced.
type Report struct {
	RunID      string
	Enumerated int
	Emitted    int
	Phases     map[string]PhaseResult
	Upload     *uploader.Report
	Cache      cache.Stats
	Elapsed    time.Duration
}

// Errored is the total failed refs across phases.
func (r *Report) Errored() int {
	total := 0
	for _, result := range r.Phases {
		total += result.Failed
	}
	if r.Upload != nil {
		total += len(r.Upload.Failures)
	}
	return total
}

// Summary renders the report for the end of a run.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s finished in %s\n", r.RunID, r.Elapsed.Round(time.Second))
	fmt.Fprintf(&b, "  objects enumerated: %s\n", humanize.Comma(int64(r.Enumerated)))

	phases := make([]string, 0, len(r.Phases))
	for phase := range r.Phases {
		phases = append(phases, phase)
	}
	sort.Strings(phases)
	for _, phase := range phases {
		result := r.Phases[phase]
		fmt.Fprintf(&b, "  %s: %s done, %s failed\n", phase,
			humanize.Comma(int64(result.Done)), humanize.Comma(int64(result.Failed)))
	}

	fmt.Fprintf(&b, "  chunks emitted: %s\n", humanize.Comma(int64(r.Emitted)))
	if r.Upload != nil {
		fmt.Fprintf(&b, "  upload: %s upserted, %s deleted, %s failed (%d new / %d changed / %d removed / %d unchanged refs)\n",
			humanize.Comma(int64(r.Upload.ChunksUpserted)),
			humanize.Comma(int64(r.Upload.ChunksDeleted)),
			humanize.Comma(int64(r.Upload.ChunksFailed)),
			r.Upload.RefsNew, r.Upload.RefsChanged, r.Upload.RefsDeleted, r.Upload.RefsUnchanged)
	}
	fmt.Fprintf(&b, "  cache: %s hits, %s misses (%.0f%% hit rate), %s saved\n",
		humanize.Comma(r.Cache.Hits), humanize.Comma(r.Cache.Misses),
		r.Cache.HitRate()*100, humanize.Bytes(uint64(r.Cache.BytesSaved)))
	return b.String()
}

// Orchestrator wires the phases together. Optional collaborators may be
// nil; their phases then fail fast when selected.
type Orchestrator struct {
	Enumerator  *salesforce.Enumerator
	Describer   *salesforce.Describer
	Enrichers   map[string]enrich.Enricher
	OrgSecurity *enrich.OrgSecurityEnricher
	Emitter     *corpus.Emitter
	Uploader    *uploader.Uploader
	Progress    *progress.Store
	Limiter     *ratelimit.Limiter
	CacheStats  func() cache.Stats

	// Policy, when set, lets the orchestrator observe quota give-ups as
	// they happen and cancel the running phase at the wall instead of
	// waiting for the phase to finish.
	Policy *retry.Policy

	// QuotaWall overrides DefaultQuotaWall when positive.
	QuotaWall int

	Log *logrus.Logger
}

// Run executes the selected phases. The returned report is valid even when
// err is non-nil; ErrQuotaWall and per-ref failures leave the progress
// store in a resumable state.
func (o *Orchestrator) Run(ctx context.Context, phases []string) (*Report, error) {
	started := time.Now()
	report := &Report{
		RunID:  o.Progress.RunID(),
		Phases: make(map[string]PhaseResult),
	}
	defer func() {
		report.Elapsed = time.Since(started)
		if o.CacheStats != nil {
			report.Cache = o.CacheStats()
		}
		if err := o.Progress.Flush(); err != nil {
			o.Log.WithError(err).Warn("progress flush failed")
		}
	}()

	if o.Limiter != nil {
		limiterCtx, stopLimiter := context.WithCancel(ctx)
		defer stopLimiter()
		go o.Limiter.Run(limiterCtx)
	}

	selected := make(map[string]bool, len(phases))
	for _, phase := range phases {
		selected[phase] = true
	}

	var records map[string]*salesforce.ObjectRecord
	var orgSecurity *salesforce.OrgSecurity
	var chunks []corpus.Chunk

	if selected[PhaseEnumerate] {
		refs, err := o.Enumerator.Enumerate(ctx)
		if err != nil {
			return report, fmt.Errorf("enumerate: %w", err)
		}
		report.Enumerated = len(refs)
		o.Progress.Seed(PhaseDescribe, refs)
		o.Log.WithField("objects", len(refs)).Info("working set enumerated")
	}

	if selected[PhaseDescribe] {
		refs := o.workingSet()
		if len(refs) == 0 {
			return report, fmt.Errorf("describe: no working set; run the enumerate phase first")
		}
		report.Enumerated = len(refs)

		phaseCtx, watch, disarm := o.armQuotaWall(ctx)
		described, failures, err := o.describeAll(phaseCtx, refs)
		disarm()
		records = described
		report.Phases[PhaseDescribe] = PhaseResult{Done: len(records), Failed: len(failures)}
		if wall := o.wallError(PhaseDescribe, watch); wall != nil {
			return report, wall
		}
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			return report, fmt.Errorf("describe: %w", err)
		}
		if wall := o.checkQuotaWall(PhaseDescribe, failures); wall != nil {
			return report, wall
		}
	}

	for _, phase := range []string{PhaseStats, PhaseAutomation, PhaseSecurity, PhaseHistory} {
		if !selected[phase] {
			continue
		}
		enricher, ok := o.Enrichers[phase]
		if !ok || enricher == nil {
			return report, fmt.Errorf("%s: enricher not configured", phase)
		}
		phaseCtx, watch, disarm := o.armQuotaWall(ctx)
		failures, err := o.enrichPhase(phaseCtx, phase, enricher, records)
		disarm()
		done, failed, _ := o.Progress.Counts(phase)
		report.Phases[phase] = PhaseResult{Done: done, Failed: failed}
		if wall := o.wallError(phase, watch); wall != nil {
			return report, wall
		}
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			return report, fmt.Errorf("%s: %w", phase, err)
		}
		if wall := o.checkQuotaWall(phase, failures); wall != nil {
			return report, wall
		}
	}

	if selected[PhaseOrgSecurity] {
		if o.OrgSecurity == nil {
			return report, fmt.Errorf("org-security: enricher not configured")
		}
		phaseCtx, watch, disarm := o.armQuotaWall(ctx)
		security, failures, err := o.OrgSecurity.Extract(phaseCtx)
		disarm()

		var cleaned map[string]error
		if security != nil {
			refs := entityRefs(security)
			o.Progress.Seed(PhaseOrgSecurity, refs)
			cleaned = o.recordFailures(PhaseOrgSecurity, failures)
			if err == nil {
				for _, ref := range refs {
					if _, failed := failures[ref]; !failed {
						o.Progress.Mark(PhaseOrgSecurity, ref, progress.StateDone, "")
					}
				}
			}
		}
		done, failed, _ := o.Progress.Counts(PhaseOrgSecurity)
		report.Phases[PhaseOrgSecurity] = PhaseResult{Done: done, Failed: failed}
		if wall := o.wallError(PhaseOrgSecurity, watch); wall != nil {
			return report, wall
		}
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			return report, fmt.Errorf("org-security: %w", err)
		}
		orgSecurity = security
		enrich.AttachObjectCRUD(records, orgSecurity)
		if wall := o.checkQuotaWall(PhaseOrgSecurity, cleaned); wall != nil {
			return report, wall
		}
	}

	if selected[PhaseEmit] {
		if len(records) == 0 {
			return report, fmt.Errorf("emit: nothing described")
		}
		emitted, err := o.Emitter.Emit(records, orgSecurity)
		if err != nil {
			return report, fmt.Errorf("emit: %w", err)
		}
		chunks = emitted
		report.Emitted = len(chunks)
		o.Log.WithField("chunks", len(chunks)).Info("corpus emitted")
	}

	if selected[PhaseUpload] {
		if o.Uploader == nil {
			return report, fmt.Errorf("upload: uploader not configured")
		}
		uploadReport, err := o.Uploader.Run(ctx, chunks)
		report.Upload = uploadReport
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			return report, fmt.Errorf("upload: %w", err)
		}
	}

	return report, nil
}

// workingSet returns every ref the describe phase has ever been seeded
// with, done or not.
func (o *Orchestrator) workingSet() []string {
	snapshot := o.Progress.Snapshot()
	phase, ok := snapshot[PhaseDescribe]
	if !ok {
		return nil
	}
	refs := make([]string, 0, len(phase))
	for ref := range phase {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// describeAll fetches object records for the full working set. The cache
// makes re-describes of finished refs cheap on resume. Each ref is marked
// in-flight only when a worker actually picks it up; refs interrupted by
// cancellation go back to pending.
func (o *Orchestrator) describeAll(ctx context.Context, refs []string) (map[string]*salesforce.ObjectRecord, map[string]error, error) {
	o.Describer.OnStart = func(ref string) {
		o.Progress.Mark(PhaseDescribe, ref, progress.StateInFlight, "")
	}
	defer func() { o.Describer.OnStart = nil }()

	records, failures, err := o.Describer.Describe(ctx, refs)
	for ref := range records {
		o.Progress.Mark(PhaseDescribe, ref, progress.StateDone, "")
	}
	return records, o.recordFailures(PhaseDescribe, failures), err
}

// enrichPhase seeds the phase's working set and runs one enricher over it.
// Refs are marked done only when the sweep finishes cleanly; an interrupted
// sweep leaves them pending for the next run.
func (o *Orchestrator) enrichPhase(ctx context.Context, phase string, enricher enrich.Enricher, records map[string]*salesforce.ObjectRecord) (map[string]error, error) {
	if len(records) == 0 {
		return nil, errors.New("nothing described")
	}

	refs := make([]string, 0, len(records))
	for ref := range records {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	o.Progress.Seed(phase, refs)

	failures, err := enricher.Enrich(ctx, records)
	cleaned := o.recordFailures(phase, failures)
	if err != nil {
		return cleaned, err
	}

	for _, ref := range refs {
		if _, failed := failures[ref]; !failed {
			o.Progress.Mark(phase, ref, progress.StateDone, "")
		}
	}
	return cleaned, nil
}

// recordFailures splits a sweep's failures into real errors and refs that
// were merely interrupted by cancellation. Real failures are marked errored
// and returned; interrupted refs go back to pending and are dropped.
func (o *Orchestrator) recordFailures(phase string, failures map[string]error) map[string]error {
	real := make(map[string]error, len(failures))
	for ref, ferr := range failures {
		if errors.Is(ferr, context.Canceled) || errors.Is(ferr, context.DeadlineExceeded) {
			o.Progress.Mark(phase, ref, progress.StatePending, "")
			continue
		}
		real[ref] = ferr
		o.Progress.Mark(phase, ref, progress.StateError, ferr.Error())
		o.Log.WithError(ferr).WithFields(logrus.Fields{"phase": phase, "object": ref}).Warn("object failed")
	}
	return real
}

// entityRefs lists the progress refs of the snapshot's CRUD-bearing
// entities, matching the refs the enricher's detail sweep uses.
func entityRefs(security *salesforce.OrgSecurity) []string {
	refs := make([]string, 0, len(security.Profiles)+len(security.PermissionSets))
	for _, p := range security.Profiles {
		refs = append(refs, "profile:"+p.ID)
	}
	for _, ps := range security.PermissionSets {
		refs = append(refs, "permset:"+ps.ID)
	}
	sort.Strings(refs)
	return refs
}

// quotaWatch counts quota-classified give-ups during one phase and cancels
// the phase at the threshold, leaving every unattempted ref pending.
type quotaWatch struct {
	mu        sync.Mutex
	threshold int
	cancel    context.CancelFunc
	count     int
	tripped   bool
}

func (w *quotaWatch) observe(class bridge.Class) {
	if class != bridge.ClassQuota {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	if w.count >= w.threshold && !w.tripped {
		w.tripped = true
		w.cancel()
	}
}

func (w *quotaWatch) hit() (bool, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped, w.count
}

// armQuotaWall installs the quota observer on the retry policy for the
// duration of one phase. The returned context is cancelled the moment the
// wall trips; disarm removes the observer again.
func (o *Orchestrator) armQuotaWall(ctx context.Context) (context.Context, *quotaWatch, func()) {
	threshold := o.QuotaWall
	if threshold <= 0 {
		threshold = DefaultQuotaWall
	}
	phaseCtx, cancel := context.WithCancel(ctx)
	watch := &quotaWatch{threshold: threshold, cancel: cancel}
	if o.Policy != nil {
		o.Policy.OnExhausted = watch.observe
	}
	disarm := func() {
		if o.Policy != nil {
			o.Policy.OnExhausted = nil
		}
		cancel()
	}
	return phaseCtx, watch, disarm
}

// wallError reports a tripped wall for the phase, nil otherwise.
func (o *Orchestrator) wallError(phase string, watch *quotaWatch) error {
	tripped, count := watch.hit()
	if !tripped {
		return nil
	}
	o.Log.WithFields(logrus.Fields{"phase": phase, "quota_failures": count}).Error("quota wall hit, halting run")
	return fmt.Errorf("%s: %d quota failures: %w", phase, count, ErrQuotaWall)
}

// checkQuotaWall returns ErrQuotaWall (wrapped with the phase) when enough
// of a phase's failures are quota-classified. It is the post-phase fallback
// for orchestrators wired without a retry policy.
func (o *Orchestrator) checkQuotaWall(phase string, failures map[string]error) error {
	threshold := o.QuotaWall
	if threshold <= 0 {
		threshold = DefaultQuotaWall
	}

	quota := 0
	for _, err := range failures {
		if retry.ClassOf(err) == bridge.ClassQuota {
			quota++
		}
	}
	if quota < threshold {
		return nil
	}

	o.Log.WithFields(logrus.Fields{"phase": phase, "quota_failures": quota}).Error("quota wall hit, halting run")
	return fmt.Errorf("%s: %d quota failures: %w", phase, quota, ErrQuotaWall)
}
