package coalesce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orgatlas.dev/bridge"
	"orgatlas.dev/cache"
	"orgatlas.dev/retry"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir(), time.Hour, testLogger())
	require.NoError(t, err)
	return store
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'Account', 'Contact'", Quote([]string{"Account", "Contact"}))
	assert.Equal(t, "'O\\'Brien__c'", Quote([]string{"O'Brien__c"}))
	assert.Equal(t, "", Quote(nil))
}

func TestFetchBatchesAndCaches(t *testing.T) {
	c := New(newStore(t), 2, testLogger())

	var batches [][]string
	fetch := func(ctx context.Context, refs []string) (map[string][]byte, error) {
		batches = append(batches, refs)
		out := make(map[string][]byte)
		for _, ref := range refs {
			out[ref] = []byte(`[{"obj":"` + ref + `"}]`)
		}
		return out, nil
	}

	refs := []string{"Account", "Contact", "Lead"}
	result, err := c.Fetch(context.Background(), "flows", refs, nil, fetch)
	require.NoError(t, err)

	// Batch size 2 over 3 refs yields two batches.
	assert.Len(t, batches, 2)
	assert.Len(t, result.Payloads, 3)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 0, result.Hits)
	assert.Equal(t, 3, result.Misses)

	// Second fetch is served entirely from cache.
	batches = nil
	result, err = c.Fetch(context.Background(), "flows", refs, nil, fetch)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Equal(t, 3, result.Hits)
	assert.Equal(t, 0, result.Misses)
}

func TestFetchCachesMissingRefsAsEmpty(t *testing.T) {
	c := New(newStore(t), 10, testLogger())

	fetch := func(ctx context.Context, refs []string) (map[string][]byte, error) {
		// Server has rows for Account only.
		return map[string][]byte{"Account": []byte(`[{"n":1}]`)}, nil
	}

	result, err := c.Fetch(context.Background(), "triggers", []string{"Account", "EmptyObj__c"}, nil, fetch)
	require.NoError(t, err)
	assert.Equal(t, EmptyPayload, result.Payloads["EmptyObj__c"])

	// The empty result must also come back as a cache hit next time.
	result, err = c.Fetch(context.Background(), "triggers", []string{"EmptyObj__c"}, nil, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Hits)
	assert.Equal(t, EmptyPayload, result.Payloads["EmptyObj__c"])
}

func TestFetchHalvesBatchOnSyntacticError(t *testing.T) {
	c := New(newStore(t), 4, testLogger())

	syntactic := &retry.ClassifiedError{Class: bridge.ClassSyntactic, Attempts: 1, Err: errors.New("MALFORMED_QUERY")}

	var sizes []int
	fetch := func(ctx context.Context, refs []string) (map[string][]byte, error) {
		sizes = append(sizes, len(refs))
		if len(refs) > 1 {
			return nil, syntactic
		}
		return map[string][]byte{refs[0]: []byte(`[{"ok":true}]`)}, nil
	}

	refs := []string{"A", "B", "C", "D"}
	result, err := c.Fetch(context.Background(), "rules", refs, nil, fetch)
	require.NoError(t, err)

	// 4 -> 2+2 -> 1+1+1+1
	assert.Equal(t, []int{4, 2, 1, 1, 2, 1, 1}, sizes)
	assert.Len(t, result.Payloads, 4)
	assert.Empty(t, result.Errors)
}

func TestFetchSingleRefSyntacticIsAttributed(t *testing.T) {
	c := New(newStore(t), 4, testLogger())

	syntactic := &retry.ClassifiedError{Class: bridge.ClassSyntactic, Attempts: 1, Err: errors.New("INVALID_FIELD")}
	fetch := func(ctx context.Context, refs []string) (map[string][]byte, error) {
		return nil, syntactic
	}

	result, err := c.Fetch(context.Background(), "rules", []string{"Broken__c"}, nil, fetch)
	require.NoError(t, err)
	assert.ErrorIs(t, result.Errors["Broken__c"], syntactic)
	assert.NotContains(t, result.Payloads, "Broken__c")
}

func TestFetchTransportErrorFailsBatchMembers(t *testing.T) {
	c := New(newStore(t), 10, testLogger())

	transport := &retry.ClassifiedError{Class: bridge.ClassTransport, Attempts: 5, Err: errors.New("dial timeout")}
	fetch := func(ctx context.Context, refs []string) (map[string][]byte, error) {
		return nil, transport
	}

	result, err := c.Fetch(context.Background(), "flows", []string{"A", "B"}, nil, fetch)
	require.NoError(t, err)
	assert.Len(t, result.Errors, 2)
	assert.ErrorIs(t, result.Errors["A"], transport)
}

func TestFetchParamsPartitionCache(t *testing.T) {
	c := New(newStore(t), 10, testLogger())

	calls := 0
	fetch := func(ctx context.Context, refs []string) (map[string][]byte, error) {
		calls++
		return map[string][]byte{"Account": []byte(`[1]`)}, nil
	}

	_, err := c.Fetch(context.Background(), "stats", []string{"Account"}, map[string]string{"limit": "100"}, fetch)
	require.NoError(t, err)
	_, err = c.Fetch(context.Background(), "stats", []string{"Account"}, map[string]string{"limit": "500"}, fetch)
	require.NoError(t, err)

	// Different params must not share an entry.
	assert.Equal(t, 2, calls)
}

func TestFetchCancellation(t *testing.T) {
	c := New(newStore(t), 10, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, "flows", []string{"A"}, nil, func(ctx context.Context, refs []string) (map[string][]byte, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGroupByRef(t *testing.T) {
	rows := []map[string]any{
		{"TableEnumOrId": "Account", "Name": "AccTrigger"},
		{"TableEnumOrId": "Account", "Name": "AccTrigger2"},
		{"TableEnumOrId": "Contact", "Name": "ConTrigger"},
		{"TableEnumOrId": "", "Name": "Orphan"},
	}

	grouped, err := GroupByRef(rows, "TableEnumOrId")
	require.NoError(t, err)
	assert.Len(t, grouped, 2)
	assert.Contains(t, string(grouped["Account"]), "AccTrigger2")
	assert.NotContains(t, grouped, "")
}
