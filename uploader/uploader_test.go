package uploader

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orgatlas.dev/corpus"
	"orgatlas.dev/manifest"
	"orgatlas.dev/progress"
	"orgatlas.dev/retry"
	"orgatlas.dev/vector"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func instantPolicy() *retry.Policy {
	policy := retry.NewPolicy(nil, testLogger())
	policy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return policy
}

type recordingMarker struct {
	mu    sync.Mutex
	marks map[string]progress.State
}

func (m *recordingMarker) Mark(phase, ref string, state progress.State, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks == nil {
		m.marks = make(map[string]progress.State)
	}
	m.marks[phase+"/"+ref] = state
}

func objectChunk(ref, hash string) corpus.Chunk {
	id := "salesforce_object_" + ref
	return corpus.Chunk{
		ID:   id,
		Text: "Object: " + ref,
		Metadata: corpus.Metadata{
			ObjectName:  ref,
			Type:        "salesforce_object",
			ContentHash: hash,
			PartIndex:   1,
			TotalParts:  1,
			SiblingIDs:  []string{id},
		},
	}
}

func securityChunk(ref, hash string) corpus.Chunk {
	id := "security_" + ref
	return corpus.Chunk{
		ID:   id,
		Text: "Security Information for Object: " + ref,
		Metadata: corpus.Metadata{
			ObjectName:  ref,
			Type:        "security_permissions",
			ContentHash: hash,
			PartIndex:   1,
			TotalParts:  1,
			SiblingIDs:  []string{id},
		},
	}
}

func newTestUploader(t *testing.T, index vector.Index, embedder vector.Embedder, cfg Config) *Uploader {
	t.Helper()
	if cfg.Namespace == "" {
		cfg.Namespace = "prod"
	}
	return New(index, embedder, instantPolicy(), cfg, testLogger())
}

func TestRefFromID(t *testing.T) {
	cases := []struct {
		name string
		id   string
		want string
	}{
		{name: "object", id: "salesforce_object_Account", want: "Account"},
		{name: "object part", id: "salesforce_object_Order__c_part_12", want: "Order__c"},
		{name: "security", id: "security_Account", want: "Account"},
		{name: "custom object keeps trailing underscores", id: "salesforce_object_My_Part__c", want: "My_Part__c"},
		{name: "unknown prefix passes through", id: "misc_thing", want: "misc_thing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RefFromID(tc.id))
		})
	}
}

func TestBuildPlanClassifiesRefs(t *testing.T) {
	index := vector.NewMockIndex()
	ctx := context.Background()
	require.NoError(t, index.Upsert(ctx, "prod", []vector.IndexedChunk{
		{ID: "salesforce_object_Account", Metadata: map[string]any{"object_name": "Account", "content_hash": "h1"}},
		{ID: "security_Account", Metadata: map[string]any{"object_name": "Account", "content_hash": "h1"}},
		{ID: "salesforce_object_Contact", Metadata: map[string]any{"object_name": "Contact", "content_hash": "h2"}},
		{ID: "salesforce_object_Gone__c", Metadata: map[string]any{"object_name": "Gone__c", "content_hash": "h9"}},
	}))

	u := newTestUploader(t, index, vector.NewMockEmbedder(), Config{})
	plan, err := u.BuildPlan(ctx, []corpus.Chunk{
		objectChunk("Account", "h1-changed"),
		securityChunk("Account", "h1-changed"),
		objectChunk("Contact", "h2"),
		objectChunk("Lead", "h3"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Lead"}, plan.New)
	assert.Equal(t, []string{"Account"}, plan.Changed)
	assert.Equal(t, []string{"Gone__c"}, plan.Deleted)
	assert.Equal(t, []string{"Contact"}, plan.Unchanged)
	assert.Equal(t, []string{"salesforce_object_Account", "salesforce_object_Gone__c", "security_Account"}, plan.Deletes)

	upsertIDs := make([]string, len(plan.Upserts))
	for i, chunk := range plan.Upserts {
		upsertIDs[i] = chunk.ID
	}
	assert.Equal(t, []string{"salesforce_object_Account", "salesforce_object_Lead", "security_Account"}, upsertIDs)
	assert.False(t, plan.Empty())
}

func TestBuildPlanEmptyIndexIsAllNew(t *testing.T) {
	u := newTestUploader(t, vector.NewMockIndex(), vector.NewMockEmbedder(), Config{})
	plan, err := u.BuildPlan(context.Background(), []corpus.Chunk{objectChunk("Account", "h1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"Account"}, plan.New)
	assert.Empty(t, plan.Deletes)
	require.Len(t, plan.Upserts, 1)
}

func TestBuildPlanReplaceRewritesUnchangedRefs(t *testing.T) {
	index := vector.NewMockIndex()
	ctx := context.Background()
	require.NoError(t, index.Upsert(ctx, "prod", []vector.IndexedChunk{
		{ID: "salesforce_object_Account", Metadata: map[string]any{"object_name": "Account", "content_hash": "h1"}},
		{ID: "salesforce_object_Gone__c", Metadata: map[string]any{"object_name": "Gone__c", "content_hash": "h9"}},
	}))

	u := newTestUploader(t, index, vector.NewMockEmbedder(), Config{Replace: true})
	plan, err := u.BuildPlan(ctx, []corpus.Chunk{objectChunk("Account", "h1")})
	require.NoError(t, err)

	assert.Equal(t, []string{"Account"}, plan.Changed)
	assert.Empty(t, plan.Unchanged)
	// Stale refs still come out.
	assert.Equal(t, []string{"Gone__c"}, plan.Deleted)
	assert.Equal(t, []string{"salesforce_object_Account", "salesforce_object_Gone__c"}, plan.Deletes)
}

func TestApplyDeletesBeforeUpserts(t *testing.T) {
	index := vector.NewMockIndex()
	ctx := context.Background()
	require.NoError(t, index.Upsert(ctx, "prod", []vector.IndexedChunk{
		{ID: "salesforce_object_Account", Metadata: map[string]any{"object_name": "Account", "content_hash": "old"}},
	}))

	u := newTestUploader(t, index, vector.NewMockEmbedder(), Config{})
	report, err := u.Run(ctx, []corpus.Chunk{objectChunk("Account", "new")})
	require.NoError(t, err)

	assert.Equal(t, 1, report.RefsChanged)
	assert.Equal(t, 1, report.ChunksDeleted)
	assert.Equal(t, 1, report.ChunksUpserted)
	assert.Equal(t, 0, report.ChunksFailed)
	assert.Empty(t, report.Failures)

	// The replaced chunk carries the new hash.
	fetched, err := index.Fetch(ctx, "prod", []string{"salesforce_object_Account"})
	require.NoError(t, err)
	assert.Equal(t, "new", fetched["salesforce_object_Account"].Metadata["content_hash"])
}

func TestApplyUnchangedRefIsSkipped(t *testing.T) {
	index := vector.NewMockIndex()
	ctx := context.Background()
	require.NoError(t, index.Upsert(ctx, "prod", []vector.IndexedChunk{
		{ID: "salesforce_object_Account", Metadata: map[string]any{"object_name": "Account", "content_hash": "h1"}},
	}))
	baseline := index.UpsertCalls

	u := newTestUploader(t, index, vector.NewMockEmbedder(), Config{})
	report, err := u.Run(ctx, []corpus.Chunk{objectChunk("Account", "h1")})
	require.NoError(t, err)

	assert.Equal(t, 1, report.RefsUnchanged)
	assert.Equal(t, 0, report.ChunksUpserted)
	assert.Equal(t, baseline, index.UpsertCalls)
}

func TestApplyBatchesByEmbedSize(t *testing.T) {
	index := vector.NewMockIndex()
	embedder := vector.NewMockEmbedder()
	u := newTestUploader(t, index, embedder, Config{EmbedBatch: 2, Workers: 1})

	chunks := []corpus.Chunk{
		objectChunk("A1", "h"),
		objectChunk("A2", "h"),
		objectChunk("A3", "h"),
		objectChunk("A4", "h"),
		objectChunk("A5", "h"),
	}
	report, err := u.Run(context.Background(), chunks)
	require.NoError(t, err)

	assert.Equal(t, 5, report.ChunksUpserted)
	assert.Equal(t, 3, embedder.EmbedCalls)
	assert.Equal(t, 5, index.Size("prod"))
}

func TestApplyFailedBatchReportsPartialSuccess(t *testing.T) {
	index := vector.NewMockIndex()
	index.FailUpserts = true
	marker := &recordingMarker{}
	u := newTestUploader(t, index, vector.NewMockEmbedder(), Config{Marker: marker})

	report, err := u.Run(context.Background(), []corpus.Chunk{
		objectChunk("Account", "h1"),
		securityChunk("Account", "h1"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, report.ChunksFailed)
	assert.Equal(t, 0, report.ChunksUpserted)
	require.Contains(t, report.Failures, "Account")
	assert.Equal(t, progress.StateError, marker.marks[Phase+"/Account"])
}

func TestApplyDeleteFailureSkipsRefNotRun(t *testing.T) {
	index := vector.NewMockIndex()
	ctx := context.Background()
	require.NoError(t, index.Upsert(ctx, "prod", []vector.IndexedChunk{
		{ID: "salesforce_object_Account", Metadata: map[string]any{"object_name": "Account", "content_hash": "old"}},
	}))
	index.FailDeletes = true
	marker := &recordingMarker{}
	u := newTestUploader(t, index, vector.NewMockEmbedder(), Config{Marker: marker})

	report, err := u.Run(ctx, []corpus.Chunk{
		objectChunk("Account", "new"),
		objectChunk("Contact", "h2"),
	})
	require.NoError(t, err)

	// Account's stale chunks could not be removed, so its upsert is held
	// back; Contact still goes through.
	assert.Equal(t, 0, report.ChunksDeleted)
	assert.Equal(t, 1, report.ChunksFailed)
	assert.Equal(t, 1, report.ChunksUpserted)
	require.Contains(t, report.Failures, "Account")
	assert.NotContains(t, report.Failures, "Contact")
	assert.Equal(t, progress.StateError, marker.marks[Phase+"/Account"])

	fetched, err := index.Fetch(ctx, "prod", []string{"salesforce_object_Account", "salesforce_object_Contact"})
	require.NoError(t, err)
	assert.Equal(t, "old", fetched["salesforce_object_Account"].Metadata["content_hash"])
	assert.Equal(t, "h2", fetched["salesforce_object_Contact"].Metadata["content_hash"])
}

func TestApplyEmbedFailureReportsRefs(t *testing.T) {
	embedder := vector.NewMockEmbedder()
	embedder.FailEmbeds = true
	u := newTestUploader(t, vector.NewMockIndex(), embedder, Config{})

	report, err := u.Run(context.Background(), []corpus.Chunk{objectChunk("Account", "h1")})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ChunksFailed)
	require.Contains(t, report.Failures, "Account")
}

func TestManifestTracksUploads(t *testing.T) {
	m, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	defer m.Close()

	index := vector.NewMockIndex()
	ctx := context.Background()
	u := newTestUploader(t, index, vector.NewMockEmbedder(), Config{Manifest: m})

	_, err = u.Run(ctx, []corpus.Chunk{objectChunk("Account", "h1"), objectChunk("Contact", "h2")})
	require.NoError(t, err)

	hashes, err := m.HashesByRef("prod")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Account": "h1", "Contact": "h2"}, hashes)

	// Second run with Account removed records the delete.
	_, err = u.Run(ctx, []corpus.Chunk{objectChunk("Contact", "h2")})
	require.NoError(t, err)

	ids, err := m.IDs("prod")
	require.NoError(t, err)
	assert.Equal(t, []string{"salesforce_object_Contact"}, ids)
}

func TestBuildPlanOffline(t *testing.T) {
	m, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.RecordUpserts("prod", map[string]manifest.Entry{
		"salesforce_object_Account": {ObjectRef: "Account", ContentHash: "h1"},
		"salesforce_object_Contact": {ObjectRef: "Contact", ContentHash: "h2"},
	}))

	u := newTestUploader(t, vector.NewMockIndex(), vector.NewMockEmbedder(), Config{Manifest: m})
	plan, err := u.BuildPlanOffline([]corpus.Chunk{
		objectChunk("Account", "h1"),
		objectChunk("Contact", "changed"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Account"}, plan.Unchanged)
	assert.Equal(t, []string{"Contact"}, plan.Changed)
	assert.Empty(t, plan.Deleted)
}

func TestBuildPlanOfflineRequiresManifest(t *testing.T) {
	u := newTestUploader(t, vector.NewMockIndex(), vector.NewMockEmbedder(), Config{})
	_, err := u.BuildPlanOffline(nil)
	assert.Error(t, err)
}
