package vector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestPineconeUpsertAndDelete(t *testing.T) {
	var upserted, deleted map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("Api-Key"))
		switch r.URL.Path {
		case "/vectors/upsert":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&upserted))
			w.Write([]byte(`{"upsertedCount":1}`))
		case "/vectors/delete":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&deleted))
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	index := NewPineconeIndex(server.URL, "test-key", testLogger())
	ctx := context.Background()

	err := index.Upsert(ctx, "prod", []IndexedChunk{{
		ID:       "salesforce_object_Account",
		Values:   []float64{0.1, 0.2},
		Metadata: map[string]any{"object_name": "Account"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "prod", upserted["namespace"])

	err = index.Delete(ctx, "prod", []string{"salesforce_object_Account"})
	require.NoError(t, err)
	assert.Equal(t, []any{"salesforce_object_Account"}, deleted["ids"])
}

func TestPineconeListPagination(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vectors/list", r.URL.Path)
		calls++
		if r.URL.Query().Get("paginationToken") == "" {
			w.Write([]byte(`{"vectors":[{"id":"a"},{"id":"b"}],"pagination":{"next":"tok1"}}`))
		} else {
			w.Write([]byte(`{"vectors":[{"id":"c"}],"pagination":{"next":""}}`))
		}
	}))
	defer server.Close()

	index := NewPineconeIndex(server.URL, "k", testLogger())
	ids, err := index.List(context.Background(), "prod", "salesforce_object_")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 2, calls)
}

func TestPineconeFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vectors/fetch", r.URL.Path)
		w.Write([]byte(`{"vectors":{"x":{"id":"x","metadata":{"content_hash":"h1"}}}}`))
	}))
	defer server.Close()

	index := NewPineconeIndex(server.URL, "k", testLogger())
	chunks, err := index.Fetch(context.Background(), "prod", []string{"x", "missing"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "h1", chunks["x"].Metadata["content_hash"])
}

func TestPineconeServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	index := NewPineconeIndex(server.URL, "k", testLogger())
	err := index.Upsert(context.Background(), "prod", []IndexedChunk{{ID: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestPineconeEmptyBatchesAreNoOps(t *testing.T) {
	index := NewPineconeIndex("http://127.0.0.1:1", "k", testLogger())
	assert.NoError(t, index.Upsert(context.Background(), "prod", nil))
	assert.NoError(t, index.Delete(context.Background(), "prod", nil))
}

func TestOpenAIEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, DefaultEmbeddingModel, body["model"])

		// Return vectors out of order; the client must reorder by index.
		w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0.2]},
			{"index":0,"embedding":[0.1]}
		]}`))
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(server.URL, "sk-test", "", testLogger())
	vectors, err := embedder.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float64{0.1}, vectors[0])
	assert.Equal(t, []float64{0.2}, vectors[1])
}

func TestOpenAIEmbedCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"index":0,"embedding":[0.1]}]}`))
	}))
	defer server.Close()

	embedder := NewOpenAIEmbedder(server.URL, "sk-test", "", testLogger())
	_, err := embedder.Embed(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestMockIndexRoundTrip(t *testing.T) {
	index := NewMockIndex()
	ctx := context.Background()

	require.NoError(t, index.Upsert(ctx, "prod", []IndexedChunk{
		{ID: "salesforce_object_Account"},
		{ID: "salesforce_object_Contact"},
		{ID: "security_Account"},
	}))

	ids, err := index.List(ctx, "prod", "salesforce_object_")
	require.NoError(t, err)
	assert.Equal(t, []string{"salesforce_object_Account", "salesforce_object_Contact"}, ids)

	// Idempotent delete of an absent id.
	require.NoError(t, index.Delete(ctx, "prod", []string{"missing", "security_Account"}))
	assert.Equal(t, 2, index.Size("prod"))
}

func TestMockEmbedderDeterministic(t *testing.T) {
	embedder := NewMockEmbedder()
	a, err := embedder.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	b, err := embedder.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
