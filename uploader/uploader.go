// Package uploader reconciles the emitted chunk set against the vector
// index: unchanged objects are skipped, changed objects are replaced whole,
// vanished objects are removed. Upserts flow through embedding batches and
// a bounded worker pool.
package uploader

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"orgatlas.dev/bridge"
	"orgatlas.dev/corpus"
	"orgatlas.dev/manifest"
	"orgatlas.dev/progress"
	"orgatlas.dev/retry"
	"orgatlas.dev/vector"
)

const (
	// DefaultEmbedBatch is the number of chunks per embedding call.
	DefaultEmbedBatch = 96
	// DefaultWorkers bounds concurrent embed+upsert batches.
	DefaultWorkers = 8
	// Phase is the progress phase uploads are tracked under.
	Phase = "upload"

	// deleteBatch caps ids per delete call, matching index API limits.
	deleteBatch = 1000
	// fetchBatch caps ids per metadata fetch when reading current state.
	fetchBatch = 100
)

// Marker records per-ref failures. *progress.Store satisfies it.
type Marker interface {
	Mark(phase, ref string, state progress.State, errMsg string)
}

// Config tunes an Uploader. Zero values select the defaults; Manifest and
// Marker are optional.
type Config struct {
	Namespace  string
	EmbedBatch int
	Workers    int
	Manifest   *manifest.Manifest
	Marker     Marker

	// Replace disables the content-hash diff: every emitted ref is
	// rewritten. Stale refs are still removed.
	Replace bool
}

// Uploader pushes corpus chunks into a vector index incrementally.
type Uploader struct {
	index      vector.Index
	embedder   vector.Embedder
	policy     *retry.Policy
	manifest   *manifest.Manifest
	marker     Marker
	namespace  string
	embedBatch int
	workers    int
	replace    bool
	log        *logrus.Logger
}

// New creates an Uploader.
func New(index vector.Index, embedder vector.Embedder, policy *retry.Policy, cfg Config, log *logrus.Logger) *Uploader {
	if cfg.EmbedBatch <= 0 {
		cfg.EmbedBatch = DefaultEmbedBatch
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Uploader{
		index:      index,
		embedder:   embedder,
		policy:     policy,
		manifest:   cfg.Manifest,
		marker:     cfg.Marker,
		namespace:  cfg.Namespace,
		embedBatch: cfg.EmbedBatch,
		workers:    cfg.Workers,
		replace:    cfg.Replace,
		log:        log,
	}
}

// Plan is the classified diff between the emitted chunk set and the
// current index contents.
type Plan struct {
	New       []string
	Changed   []string
	Deleted   []string
	Unchanged []string

	// Deletes are chunk ids removed before any upsert runs.
	Deletes []string
	// Upserts are the chunks to embed and push, sorted by id.
	Upserts []corpus.Chunk
}

// Empty reports whether the plan requires no index writes.
func (p *Plan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Upserts) == 0
}

// Report summarizes an upload run.
type Report struct {
	RefsNew       int
	RefsChanged   int
	RefsDeleted   int
	RefsUnchanged int

	ChunksUpserted int
	ChunksDeleted  int
	ChunksFailed   int

	// Failures maps object refs to the error that stopped their chunks.
	Failures map[string]error
}

type refState struct {
	hash string
	ids  []string
}

// RefFromID recovers the object ref from a chunk id, stripping the document
// prefix and any part suffix.
func RefFromID(id string) string {
	base := id
	if i := strings.LastIndex(base, "_part_"); i >= 0 {
		if _, err := strconv.Atoi(base[i+len("_part_"):]); err == nil {
			base = base[:i]
		}
	}
	for _, prefix := range []string{"salesforce_object_", "security_"} {
		if strings.HasPrefix(base, prefix) {
			return strings.TrimPrefix(base, prefix)
		}
	}
	return base
}

// BuildPlan diffs chunks against the live index state.
func (u *Uploader) BuildPlan(ctx context.Context, chunks []corpus.Chunk) (*Plan, error) {
	current, err := u.currentFromIndex(ctx)
	if err != nil {
		return nil, err
	}
	if u.replace {
		forceChanged(current)
	}
	return diff(current, chunks), nil
}

// BuildPlanOffline diffs chunks against the local manifest instead of the
// index. Dry runs use it to report pending work without network calls.
func (u *Uploader) BuildPlanOffline(chunks []corpus.Chunk) (*Plan, error) {
	if u.manifest == nil {
		return nil, fmt.Errorf("offline plan requires a manifest")
	}
	snapshot, err := u.manifest.Snapshot(u.namespace)
	if err != nil {
		return nil, err
	}
	current := make(map[string]refState)
	for id, entry := range snapshot {
		state := current[entry.ObjectRef]
		state.hash = entry.ContentHash
		state.ids = append(state.ids, id)
		current[entry.ObjectRef] = state
	}
	if u.replace {
		forceChanged(current)
	}
	return diff(current, chunks), nil
}

// forceChanged blanks recorded hashes so the diff rewrites every ref.
func forceChanged(current map[string]refState) {
	for ref, state := range current {
		state.hash = ""
		current[ref] = state
	}
}

// Run builds a plan against the live index and applies it.
func (u *Uploader) Run(ctx context.Context, chunks []corpus.Chunk) (*Report, error) {
	plan, err := u.BuildPlan(ctx, chunks)
	if err != nil {
		return nil, err
	}
	return u.Apply(ctx, plan)
}

// Apply executes a plan: deletes first, then embed+upsert batches through
// the worker pool. Per-batch failures are collected, not fatal.
func (u *Uploader) Apply(ctx context.Context, plan *Plan) (*Report, error) {
	report := &Report{
		RefsNew:       len(plan.New),
		RefsChanged:   len(plan.Changed),
		RefsDeleted:   len(plan.Deleted),
		RefsUnchanged: len(plan.Unchanged),
		Failures:      make(map[string]error),
	}

	failedDeletes, err := u.applyDeletes(ctx, plan.Deletes, report)
	if err != nil {
		return report, err
	}

	// Upserting a ref whose stale chunks survived a failed delete would
	// leave duplicates in the index, so those refs sit this run out.
	upserts := plan.Upserts
	if len(failedDeletes) > 0 {
		upserts = make([]corpus.Chunk, 0, len(plan.Upserts))
		for _, chunk := range plan.Upserts {
			if failedDeletes[chunk.Metadata.ObjectName] {
				report.ChunksFailed++
				continue
			}
			upserts = append(upserts, chunk)
		}
	}
	if err := u.applyUpserts(ctx, upserts, report); err != nil {
		return report, err
	}

	u.log.WithFields(logrus.Fields{
		"namespace": u.namespace,
		"upserted":  report.ChunksUpserted,
		"deleted":   report.ChunksDeleted,
		"failed":    report.ChunksFailed,
	}).Info("upload complete")
	return report, nil
}

// applyDeletes removes stale chunks batch by batch. A failed batch marks its
// refs errored and is reported back so their upserts can be skipped; only
// cancellation aborts the sweep.
func (u *Uploader) applyDeletes(ctx context.Context, ids []string, report *Report) (map[string]bool, error) {
	failed := make(map[string]bool)
	for start := 0; start < len(ids); start += deleteBatch {
		end := start + deleteBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		err := u.policy.Do(ctx, "index delete", func(ctx context.Context) (bridge.Class, error) {
			if err := u.index.Delete(ctx, u.namespace, batch); err != nil {
				return bridge.ClassTransport, err
			}
			return bridge.ClassOK, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			u.log.WithError(err).WithField("chunks", len(batch)).Warn("delete batch failed")
			for _, id := range batch {
				ref := RefFromID(id)
				if failed[ref] {
					continue
				}
				failed[ref] = true
				report.Failures[ref] = err
				if u.marker != nil {
					u.marker.Mark(Phase, ref, progress.StateError, err.Error())
				}
			}
			continue
		}
		report.ChunksDeleted += len(batch)

		if u.manifest != nil {
			if err := u.manifest.RecordDeletes(u.namespace, batch); err != nil {
				u.log.WithError(err).Warn("manifest delete record failed")
			}
		}
	}
	return failed, nil
}

func (u *Uploader) applyUpserts(ctx context.Context, chunks []corpus.Chunk, report *Report) error {
	if len(chunks) == 0 {
		return nil
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(u.workers)

	for start := 0; start < len(chunks); start += u.embedBatch {
		end := start + u.embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		group.Go(func() error {
			if err := u.uploadBatch(groupCtx, batch); err != nil {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				u.log.WithError(err).WithField("chunks", len(batch)).Warn("upsert batch failed")
				mu.Lock()
				report.ChunksFailed += len(batch)
				for _, ref := range batchRefs(batch) {
					report.Failures[ref] = err
					if u.marker != nil {
						u.marker.Mark(Phase, ref, progress.StateError, err.Error())
					}
				}
				mu.Unlock()
				return nil
			}
			mu.Lock()
			report.ChunksUpserted += len(batch)
			mu.Unlock()
			return nil
		})
	}
	return group.Wait()
}

func (u *Uploader) uploadBatch(ctx context.Context, batch []corpus.Chunk) error {
	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = chunk.Text
	}

	var vectors [][]float64
	err := u.policy.Do(ctx, "embed batch", func(ctx context.Context) (bridge.Class, error) {
		out, err := u.embedder.Embed(ctx, texts)
		if err != nil {
			return bridge.ClassTransport, err
		}
		vectors = out
		return bridge.ClassOK, nil
	})
	if err != nil {
		return fmt.Errorf("embed %d chunks: %w", len(batch), err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
	}

	indexed := make([]vector.IndexedChunk, len(batch))
	for i, chunk := range batch {
		indexed[i] = vector.IndexedChunk{
			ID:     chunk.ID,
			Values: vectors[i],
			Metadata: map[string]any{
				"object_name":  chunk.Metadata.ObjectName,
				"type":         chunk.Metadata.Type,
				"content_hash": chunk.Metadata.ContentHash,
				"part_index":   chunk.Metadata.PartIndex,
				"total_parts":  chunk.Metadata.TotalParts,
				"sibling_ids":  chunk.Metadata.SiblingIDs,
				"text":         chunk.Text,
			},
		}
	}

	err = u.policy.Do(ctx, "index upsert", func(ctx context.Context) (bridge.Class, error) {
		if err := u.index.Upsert(ctx, u.namespace, indexed); err != nil {
			return bridge.ClassTransport, err
		}
		return bridge.ClassOK, nil
	})
	if err != nil {
		return fmt.Errorf("upsert %d chunks: %w", len(batch), err)
	}

	if u.manifest != nil {
		entries := make(map[string]manifest.Entry, len(batch))
		now := time.Now().UTC()
		for _, chunk := range batch {
			entries[chunk.ID] = manifest.Entry{
				ObjectRef:   chunk.Metadata.ObjectName,
				ContentHash: chunk.Metadata.ContentHash,
				UploadedAt:  now,
			}
		}
		if err := u.manifest.RecordUpserts(u.namespace, entries); err != nil {
			u.log.WithError(err).Warn("manifest upsert record failed")
		}
	}
	return nil
}

func (u *Uploader) currentFromIndex(ctx context.Context) (map[string]refState, error) {
	ids, err := u.index.List(ctx, u.namespace, "")
	if err != nil {
		return nil, fmt.Errorf("list index namespace %s: %w", u.namespace, err)
	}

	current := make(map[string]refState)
	for start := 0; start < len(ids); start += fetchBatch {
		end := start + fetchBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		fetched, err := u.index.Fetch(ctx, u.namespace, batch)
		if err != nil {
			return nil, fmt.Errorf("fetch index metadata: %w", err)
		}
		for _, id := range batch {
			ref, hash := "", ""
			if chunk, ok := fetched[id]; ok {
				ref, _ = chunk.Metadata["object_name"].(string)
				hash, _ = chunk.Metadata["content_hash"].(string)
			}
			if ref == "" {
				ref = RefFromID(id)
			}
			state := current[ref]
			if state.hash == "" {
				state.hash = hash
			}
			state.ids = append(state.ids, id)
			current[ref] = state
		}
	}
	return current, nil
}

func diff(current map[string]refState, chunks []corpus.Chunk) *Plan {
	byRef := make(map[string][]corpus.Chunk)
	newHash := make(map[string]string)
	for _, chunk := range chunks {
		ref := chunk.Metadata.ObjectName
		byRef[ref] = append(byRef[ref], chunk)
		newHash[ref] = chunk.Metadata.ContentHash
	}

	plan := &Plan{}
	for ref, group := range byRef {
		state, exists := current[ref]
		switch {
		case !exists:
			plan.New = append(plan.New, ref)
			plan.Upserts = append(plan.Upserts, group...)
		case state.hash != newHash[ref]:
			plan.Changed = append(plan.Changed, ref)
			plan.Deletes = append(plan.Deletes, state.ids...)
			plan.Upserts = append(plan.Upserts, group...)
		default:
			plan.Unchanged = append(plan.Unchanged, ref)
		}
	}
	for ref, state := range current {
		if _, ok := byRef[ref]; !ok {
			plan.Deleted = append(plan.Deleted, ref)
			plan.Deletes = append(plan.Deletes, state.ids...)
		}
	}

	sort.Strings(plan.New)
	sort.Strings(plan.Changed)
	sort.Strings(plan.Deleted)
	sort.Strings(plan.Unchanged)
	sort.Strings(plan.Deletes)
	sort.Slice(plan.Upserts, func(i, j int) bool { return plan.Upserts[i].ID < plan.Upserts[j].ID })
	return plan
}

func batchRefs(batch []corpus.Chunk) []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, chunk := range batch {
		if _, ok := seen[chunk.Metadata.ObjectName]; ok {
			continue
		}
		seen[chunk.Metadata.ObjectName] = struct{}{}
		refs = append(refs, chunk.Metadata.ObjectName)
	}
	sort.Strings(refs)
	return refs
}
