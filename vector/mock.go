package vector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MockIndex is an in-memory Index for tests and dry runs.
type MockIndex struct {
	mu         sync.Mutex
	namespaces map[string]map[string]IndexedChunk

	UpsertCalls int
	DeleteCalls int
	FailUpserts bool
	FailDeletes bool
}

// NewMockIndex creates an empty in-memory index.
func NewMockIndex() *MockIndex {
	return &MockIndex{namespaces: make(map[string]map[string]IndexedChunk)}
}

func (m *MockIndex) ns(namespace string) map[string]IndexedChunk {
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]IndexedChunk)
		m.namespaces[namespace] = ns
	}
	return ns
}

// Upsert implements Index.
func (m *MockIndex) Upsert(ctx context.Context, namespace string, chunks []IndexedChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls++
	if m.FailUpserts {
		return fmt.Errorf("mock index: upsert failure")
	}
	ns := m.ns(namespace)
	for _, chunk := range chunks {
		ns[chunk.ID] = chunk
	}
	return nil
}

// Delete implements Index; absent ids are ignored.
func (m *MockIndex) Delete(ctx context.Context, namespace string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls++
	if m.FailDeletes {
		return fmt.Errorf("mock index: delete failure")
	}
	ns := m.ns(namespace)
	for _, id := range ids {
		delete(ns, id)
	}
	return nil
}

// List implements Index.
func (m *MockIndex) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.ns(namespace) {
		if prefix == "" || strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Fetch implements Index.
func (m *MockIndex) Fetch(ctx context.Context, namespace string, ids []string) (map[string]IndexedChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]IndexedChunk)
	ns := m.ns(namespace)
	for _, id := range ids {
		if chunk, ok := ns[id]; ok {
			out[id] = chunk
		}
	}
	return out, nil
}

// Size returns the number of stored chunks in a namespace.
func (m *MockIndex) Size(namespace string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ns(namespace))
}

// MockEmbedder produces deterministic vectors derived from text length.
type MockEmbedder struct {
	mu         sync.Mutex
	EmbedCalls int
	FailEmbeds bool
}

// NewMockEmbedder creates a mock embedder.
func NewMockEmbedder() *MockEmbedder {
	return &MockEmbedder{}
}

// Dimensions implements Embedder.
func (m *MockEmbedder) Dimensions() int { return 3 }

// Embed implements Embedder.
func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	m.mu.Lock()
	m.EmbedCalls++
	fail := m.FailEmbeds
	m.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("mock embedder: embed failure")
	}

	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = []float64{float64(len(text)), float64(i), 1}
	}
	return vectors, nil
}
