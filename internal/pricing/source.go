package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Source fetches the raw bytes of a pricing document (signed envelope or, when
// enforcement is disabled, a bare document).
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FileSource reads a static pricing table from local disk.
type FileSource struct {
	Path string
}

func (s *FileSource) Fetch(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	return data, nil
}

// HTTPSource fetches the pricing document from a remote URL with a bounded
// timeout.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource creates a remote source with the given fetch timeout.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building pricing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching pricing document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing source returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading pricing response: %w", err)
	}
	return data, nil
}
