// Package vector defines the client contracts for the embedding model and
// the similarity-search index, plus REST implementations for the providers
// the pipeline ships with. The pipeline depends only on the interfaces;
// tests substitute the mocks.
package vector

import (
	"context"
)

// IndexedChunk is the stored form of a chunk in the index: id, vector, and
// the chunk metadata needed for change detection.
type IndexedChunk struct {
	ID       string         `json:"id"`
	Values   []float64      `json:"values,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Embedder turns chunk texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	// Dimensions is the vector width the embedder produces.
	Dimensions() int
}

// Index is the similarity-search index contract. All operations are scoped
// to a namespace so several corpora can share an index.
type Index interface {
	// Upsert inserts or replaces chunks by id.
	Upsert(ctx context.Context, namespace string, chunks []IndexedChunk) error
	// Delete removes chunks by id. Deleting absent ids is a no-op.
	Delete(ctx context.Context, namespace string, ids []string) error
	// List returns all chunk ids in the namespace with the given id prefix.
	// An empty prefix lists everything.
	List(ctx context.Context, namespace, prefix string) ([]string, error)
	// Fetch returns stored chunks by id; absent ids are simply omitted.
	Fetch(ctx context.Context, namespace string, ids []string) (map[string]IndexedChunk, error)
}
