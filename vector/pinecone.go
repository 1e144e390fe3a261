package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// PineconeIndex talks to a Pinecone serverless index over its data-plane
// REST API.
type PineconeIndex struct {
	host   string
	apiKey string
	client *http.Client
	log    *logrus.Logger
}

// NewPineconeIndex creates a client for the given index host
// (e.g. "https://my-index-abc123.svc.us-east-1-aws.pinecone.io").
func NewPineconeIndex(host, apiKey string, log *logrus.Logger) *PineconeIndex {
	return &PineconeIndex{
		host:   host,
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
}

// Upsert implements Index.
func (p *PineconeIndex) Upsert(ctx context.Context, namespace string, chunks []IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	body := map[string]any{
		"vectors":   chunks,
		"namespace": namespace,
	}
	return p.do(ctx, http.MethodPost, "/vectors/upsert", body, nil)
}

// Delete implements Index. Absent ids delete cleanly.
func (p *PineconeIndex) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{
		"ids":       ids,
		"namespace": namespace,
	}
	return p.do(ctx, http.MethodPost, "/vectors/delete", body, nil)
}

// List implements Index, following Pinecone's paginated list endpoint.
func (p *PineconeIndex) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	var ids []string
	token := ""
	for {
		query := url.Values{}
		query.Set("namespace", namespace)
		query.Set("limit", "100")
		if prefix != "" {
			query.Set("prefix", prefix)
		}
		if token != "" {
			query.Set("paginationToken", token)
		}

		var resp struct {
			Vectors []struct {
				ID string `json:"id"`
			} `json:"vectors"`
			Pagination struct {
				Next string `json:"next"`
			} `json:"pagination"`
		}
		if err := p.do(ctx, http.MethodGet, "/vectors/list?"+query.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		for _, v := range resp.Vectors {
			ids = append(ids, v.ID)
		}
		if resp.Pagination.Next == "" {
			return ids, nil
		}
		token = resp.Pagination.Next
	}
}

// Fetch implements Index.
func (p *PineconeIndex) Fetch(ctx context.Context, namespace string, ids []string) (map[string]IndexedChunk, error) {
	if len(ids) == 0 {
		return map[string]IndexedChunk{}, nil
	}
	query := url.Values{}
	query.Set("namespace", namespace)
	for _, id := range ids {
		query.Add("ids", id)
	}

	var resp struct {
		Vectors map[string]IndexedChunk `json:"vectors"`
	}
	if err := p.do(ctx, http.MethodGet, "/vectors/fetch?"+query.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Vectors == nil {
		resp.Vectors = map[string]IndexedChunk{}
	}
	return resp.Vectors, nil
}

func (p *PineconeIndex) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode pinecone request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.host+path, reader)
	if err != nil {
		return fmt.Errorf("build pinecone request: %w", err)
	}
	req.Header.Set("Api-Key", p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pinecone %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read pinecone response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pinecone %s %s: status %d: %s", method, path, resp.StatusCode, truncate(raw, 300))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode pinecone response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
