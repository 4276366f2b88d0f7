package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CalculatorInput is the argument object for the calculator tool.
type CalculatorInput struct {
	Expression string `json:"expression" jsonschema_description:"Arithmetic expression using numbers, + - * / % ** and parentheses, plus sqrt(x), pow(x, y), abs, sin, cos, tan, log, round, pi and e. Example: 123*987"`
}

// TimeInput is the argument object for the get_time tool.
type TimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema_description:"IANA time zone such as Europe/Oslo. Defaults to the server's local zone."`
}

// SearchInput is the argument object for the search tool.
type SearchInput struct {
	Query string `json:"query" jsonschema_description:"What to search for"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"minimum=1,maximum=20" jsonschema_description:"Maximum number of results (default 3)"`
}

// SearchHit is one search result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet"`
}

// Searcher is implemented by search backends.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]SearchHit, error)
}

// ErrNoSearchProvider is returned by the search tool when no backend is
// configured.
var ErrNoSearchProvider = errors.New("no search provider configured")

// Builtins configures the default tool catalog.
type Builtins struct {
	// Now is the clock for get_time. Defaults to time.Now.
	Now func() time.Time
	// Searcher backs the search tool. When nil the tool reports
	// ErrNoSearchProvider.
	Searcher Searcher
}

// Tool categories used by the default catalog.
const (
	CategoryCompute   = "compute"
	CategoryRetrieval = "retrieval"
	CategoryMemory    = "memory"
)

// RegisterBuiltins registers calculator, get_time and search.
func RegisterBuiltins(r *Registry, b Builtins) error {
	if b.Now == nil {
		b.Now = time.Now
	}

	err := errors.Join(
		RegisterFunc(r, "calculator",
			"Evaluate an arithmetic expression. Split complicated calculations into several calls.",
			handleCalculator),
		RegisterFunc(r, "get_time",
			"Get the current date and time, optionally in a specific time zone.",
			func(ctx context.Context, in TimeInput) (any, error) { return handleTime(b.Now, in) }),
		RegisterFunc(r, "search",
			"Search for information about a topic and return the top results.",
			func(ctx context.Context, in SearchInput) (any, error) { return handleSearch(ctx, b.Searcher, in) }),
	)
	if err != nil {
		return err
	}
	return errors.Join(
		r.SetCategory("calculator", CategoryCompute),
		r.SetCategory("get_time", CategoryCompute),
		r.SetCategory("search", CategoryRetrieval),
	)
}

func handleCalculator(_ context.Context, in CalculatorInput) (any, error) {
	expr := strings.TrimSpace(in.Expression)
	v, err := evalExpression(expr)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return fmt.Sprintf("%s = %s", expr, formatNumber(v)), nil
}

func handleTime(now func() time.Time, in TimeInput) (any, error) {
	t := now()
	zone := "local"
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown time zone %q", in.Timezone)
		}
		t = t.In(loc)
		zone = in.Timezone
	}
	return fmt.Sprintf("Current time (%s): %s (%s)", zone, t.Format(time.RFC3339), t.Weekday()), nil
}

func handleSearch(ctx context.Context, s Searcher, in SearchInput) (any, error) {
	if s == nil {
		return nil, ErrNoSearchProvider
	}
	topK := in.TopK
	if topK <= 0 {
		topK = 3
	}
	hits, err := s.Search(ctx, in.Query, topK)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", in.Query, err)
	}
	if len(hits) == 0 {
		return fmt.Sprintf("No results for %q.", in.Query), nil
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
