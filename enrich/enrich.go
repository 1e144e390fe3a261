// Package enrich implements the per-object data layers attached to described
// records: usage statistics, automation references, field-level security,
// custom field audit history, and the org-wide security model. Each enricher
// is independently invocable, reads the shared record set, and writes only
// its own block.
package enrich

import (
	"context"
	"fmt"
	"sort"
	"time"

	"orgatlas.dev/salesforce"
)

// QueryClient is the slice of the Salesforce client the enrichers need.
type QueryClient interface {
	Query(ctx context.Context, soql string) ([]map[string]any, error)
	QueryTooling(ctx context.Context, soql string) ([]map[string]any, error)
}

// Enricher attaches one block to every record in the set. Failures are
// per-ref; only cancellation aborts the sweep.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, records map[string]*salesforce.ObjectRecord) (map[string]error, error)
}

// sortedRefs returns the record keys in deterministic order.
func sortedRefs(records map[string]*salesforce.ObjectRecord) []string {
	refs := make([]string, 0, len(records))
	for ref := range records {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Row value accessors. Query rows arrive as map[string]any with JSON types;
// these keep the per-enricher parsing terse.

func rowString(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

func rowBool(row map[string]any, key string) bool {
	if v, ok := row[key].(bool); ok {
		return v
	}
	return false
}

func rowInt(row map[string]any, key string) int64 {
	switch v := row[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func rowTime(row map[string]any, key string) time.Time {
	raw := rowString(row, key)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000-0700"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// rowNested digs into a nested relationship object, e.g. Parent.Profile.Name.
func rowNested(row map[string]any, keys ...string) string {
	current := any(row)
	for _, key := range keys {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = m[key]
	}
	if s, ok := current.(string); ok {
		return s
	}
	return ""
}

func escapeSOQL(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func fmtCount(n int) string {
	return fmt.Sprintf("%d", n)
}
