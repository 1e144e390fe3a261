// Package coalesce turns per-object lookups into batched queries. Callers
// hand over the full set of object references for a data type; the coalescer
// serves what it can from the cache and fetches the remainder in IN-clause
// batches, splitting a batch in half whenever the server rejects its query
// as malformed. Objects absent from the batch results are cached with an
// empty payload so the next run skips them entirely.
package coalesce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/bridge"
	"orgatlas.dev/cache"
	"orgatlas.dev/retry"
)

// DefaultBatchSize is the number of references folded into one IN clause.
const DefaultBatchSize = 200

// EmptyPayload marks a reference the server returned no rows for.
var EmptyPayload = []byte(`[]`)

// BatchFn fetches payloads for a batch of references in one remote call.
// The returned map holds one payload per reference that had rows; missing
// references mean the server had nothing for them.
type BatchFn func(ctx context.Context, refs []string) (map[string][]byte, error)

// Result is the outcome of a coalesced fetch.
type Result struct {
	// Payloads maps every requested reference to its payload. References
	// the server had no rows for map to EmptyPayload.
	Payloads map[string][]byte
	// Errors maps references whose batches failed terminally.
	Errors map[string]error
	// Hits and Misses count cache outcomes for the request.
	Hits   int
	Misses int
}

// Coalescer batches lookups for one data type against one cache store.
type Coalescer struct {
	store     cache.Store
	batchSize int
	log       *logrus.Logger
}

// New creates a coalescer; batchSize <= 0 selects the default.
func New(store cache.Store, batchSize int, log *logrus.Logger) *Coalescer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Coalescer{store: store, batchSize: batchSize, log: log}
}

// Quote builds the quoted IN-clause list for a batch of references.
func Quote(refs []string) string {
	quoted := make([]string, len(refs))
	for i, ref := range refs {
		quoted[i] = "'" + strings.ReplaceAll(ref, "'", "\\'") + "'"
	}
	return strings.Join(quoted, ", ")
}

// Fetch resolves payloads for all refs, consulting the cache first and
// batching the remainder through fetch. Params distinguish cache entries for
// the same data type issued with different query shapes.
func (c *Coalescer) Fetch(ctx context.Context, dataType string, refs []string, params map[string]string, fetch BatchFn) (*Result, error) {
	result := &Result{
		Payloads: make(map[string][]byte, len(refs)),
		Errors:   make(map[string]error),
	}

	// Cache partition: resolve what we can locally.
	var missing []string
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := c.store.Get(ctx, c.key(dataType, ref, params))
		if err == nil {
			result.Payloads[ref] = payload
			result.Hits++
			continue
		}
		if !errors.Is(err, cache.ErrMiss) {
			return nil, fmt.Errorf("cache lookup for %s/%s: %w", dataType, ref, err)
		}
		result.Misses++
		missing = append(missing, ref)
	}
	if len(missing) == 0 {
		return result, nil
	}
	sort.Strings(missing)

	for start := 0; start < len(missing); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		if err := c.fetchBatch(ctx, dataType, missing[start:end], params, fetch, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// fetchBatch executes one batch, recursively halving it when the server
// classifies the query as malformed. At batch size one a syntactic failure
// is attributed to the reference itself.
func (c *Coalescer) fetchBatch(ctx context.Context, dataType string, refs []string, params map[string]string, fetch BatchFn, result *Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payloads, err := fetch(ctx, refs)
	if err != nil {
		if retry.ClassOf(err) == bridge.ClassSyntactic && len(refs) > 1 {
			mid := len(refs) / 2
			c.log.WithFields(logrus.Fields{
				"data_type": dataType,
				"batch":     len(refs),
			}).Warn("Batch query rejected, splitting in half")
			if err := c.fetchBatch(ctx, dataType, refs[:mid], params, fetch, result); err != nil {
				return err
			}
			return c.fetchBatch(ctx, dataType, refs[mid:], params, fetch, result)
		}
		// Terminal for this batch: attribute the failure to each member so
		// the pipeline can record it without losing the rest of the run.
		for _, ref := range refs {
			result.Errors[ref] = err
		}
		return nil
	}

	for _, ref := range refs {
		payload, ok := payloads[ref]
		if !ok {
			payload = EmptyPayload
		}
		result.Payloads[ref] = payload
		if err := c.store.Put(ctx, c.key(dataType, ref, params), payload); err != nil {
			return fmt.Errorf("cache write for %s/%s: %w", dataType, ref, err)
		}
	}
	return nil
}

func (c *Coalescer) key(dataType, ref string, params map[string]string) cache.Key {
	return cache.Key{DataType: dataType, ObjectRef: ref, Params: params}
}

// GroupByRef buckets query rows by a reference field, marshaling each bucket
// back to JSON. It is the standard adapter between a raw query result and
// the BatchFn contract.
func GroupByRef(rows []map[string]any, refField string) (map[string][]byte, error) {
	buckets := make(map[string][]map[string]any)
	for _, row := range rows {
		ref, ok := row[refField].(string)
		if !ok || ref == "" {
			continue
		}
		buckets[ref] = append(buckets[ref], row)
	}
	out := make(map[string][]byte, len(buckets))
	for ref, bucket := range buckets {
		raw, err := json.Marshal(bucket)
		if err != nil {
			return nil, fmt.Errorf("marshal rows for %s: %w", ref, err)
		}
		out[ref] = raw
	}
	return out, nil
}
