package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Source provides the raw mission catalog.
type Source interface {
	Fetch(ctx context.Context) ([]*Mission, error)
}

// HTTPSource pulls the catalog from a JSON endpoint.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]*Mission, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: status %d", resp.StatusCode)
	}
	var missions []*Mission
	if err := json.NewDecoder(resp.Body).Decode(&missions); err != nil {
		return nil, fmt.Errorf("catalog decode: %w", err)
	}
	return missions, nil
}
