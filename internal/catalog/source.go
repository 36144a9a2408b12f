package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"offpos/internal/model"
)

// SyncError reports a network or server failure during a refresh. Status is
// the HTTP status when a response arrived, 0 otherwise.
type SyncError struct {
	Status int
	Err    error
}

func (e *SyncError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("catalog sync: %v", e.Err)
	}
	return fmt.Sprintf("catalog sync: status %d: %v", e.Status, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Source fetches the product list for a filter.
type Source interface {
	Fetch(ctx context.Context, f model.Filter) ([]model.CachedProduct, error)
}

// HTTPSource POSTs the filter as JSON to the product listing endpoint.
type HTTPSource struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPSource(endpoint, token string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		Endpoint: endpoint,
		Token:    token,
		Client:   &http.Client{Timeout: timeout},
	}
}

const maxListBytes = 64 << 20

func (s *HTTPSource) Fetch(ctx context.Context, f model.Filter) ([]model.CachedProduct, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal filter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &SyncError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &SyncError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, &SyncError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &SyncError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	products, err := decodeList(data)
	if err != nil {
		return nil, &SyncError{Status: resp.StatusCode, Err: err}
	}
	return products, nil
}

// decodeList accepts a bare array or an object wrapping it under "data".
func decodeList(data []byte) ([]model.CachedProduct, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var out []model.CachedProduct
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode product list: %w", err)
		}
		return out, nil
	}
	var wrapped struct {
		Data *[]model.CachedProduct `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode product list: %w", err)
	}
	if wrapped.Data == nil {
		return nil, fmt.Errorf("decode product list: no data array")
	}
	return *wrapped.Data, nil
}
