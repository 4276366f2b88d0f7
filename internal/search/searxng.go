// Package search provides web search backends for the search tool.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/toolloop/internal/httpkit"
	"github.com/nugget/toolloop/internal/tools"
)

// SearXNG queries a SearXNG instance through its JSON API. It
// implements [tools.Searcher].
type SearXNG struct {
	baseURL    string
	language   string
	httpClient *http.Client
}

// NewSearXNG creates a SearXNG backend. baseURL is the root URL of the
// instance, for example "http://localhost:8888". language may be empty.
func NewSearXNG(baseURL, language string, logger *slog.Logger) *SearXNG {
	return &SearXNG{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(1, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type searxngResponse struct {
	Results []searxngResult `json:"results"`
}

type searxngResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Search returns at most topK hits for query.
func (s *SearXNG) Search(ctx context.Context, query string, topK int) ([]tools.SearchHit, error) {
	params := url.Values{
		"q":      {query},
		"format": {"json"},
	}
	if s.language != "" {
		params.Set("language", s.language)
	}

	reqURL := fmt.Sprintf("%s/search?%s", s.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("searxng: HTTP %d: %s", resp.StatusCode, body)
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	hits := make([]tools.SearchHit, 0, min(topK, len(sr.Results)))
	for _, r := range sr.Results {
		if len(hits) == topK {
			break
		}
		hits = append(hits, tools.SearchHit{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return hits, nil
}
