// Package search looks up web results that agents add to a turn's context.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultEndpoint is the DuckDuckGo instant answer API.
const DefaultEndpoint = "https://api.duckduckgo.com/"

const (
	// DefaultLimit is the number of results returned when the caller passes
	// a non-positive limit.
	DefaultLimit = 5

	defaultCacheTTL   = 10 * time.Minute
	defaultMaxEntries = 100
	maxSnippet        = 200
)

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("search query is empty")

// Result is one web result.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher finds web results for a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// DuckDuckGo searches through the DuckDuckGo API. It needs no API key.
// Results are cached per query and concurrent lookups of the same query
// share one request.
type DuckDuckGo struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	results []Result
	stored  time.Time
}

// Option configures a DuckDuckGo searcher.
type Option func(*DuckDuckGo)

// WithEndpoint overrides the API endpoint.
func WithEndpoint(endpoint string) Option {
	return func(d *DuckDuckGo) { d.endpoint = endpoint }
}

// WithHTTPClient sets the HTTP client used for lookups.
func WithHTTPClient(c *http.Client) Option {
	return func(d *DuckDuckGo) { d.httpClient = c }
}

// WithCacheTTL sets how long results are reused. Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(d *DuckDuckGo) { d.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *DuckDuckGo) { d.logger = l }
}

// NewDuckDuckGo creates a searcher.
func NewDuckDuckGo(opts ...Option) *DuckDuckGo {
	d := &DuckDuckGo{
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
		ttl:        defaultCacheTTL,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Search implements Searcher.
func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	key := strings.ToLower(query)

	if results, ok := d.cached(key); ok {
		d.logger.Debug("search cache hit", "query", query)
		return head(results, limit), nil
	}

	v, err, _ := d.group.Do(key, func() (any, error) {
		started := time.Now()
		results, err := d.fetch(ctx, query)
		if err != nil {
			return nil, err
		}
		d.logger.Info("Web search finished",
			"query", query, "results", len(results), "duration_ms", time.Since(started).Milliseconds())
		d.store(key, results)
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return head(v.([]Result), limit), nil
}

func (d *DuckDuckGo) cached(key string) ([]Result, bool) {
	if d.ttl <= 0 {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.cache[key]
	if !ok {
		return nil, false
	}
	if d.now().Sub(e.stored) >= d.ttl {
		delete(d.cache, key)
		return nil, false
	}
	return e.results, true
}

func (d *DuckDuckGo) store(key string, results []Result) {
	if d.ttl <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache[key] = cacheEntry{results: results, stored: d.now()}
	if len(d.cache) <= d.maxEntries {
		return
	}
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range d.cache {
		if oldestKey == "" || e.stored.Before(oldest) {
			oldestKey, oldest = k, e.stored
		}
	}
	delete(d.cache, oldestKey)
}

// instantAnswer is the subset of the API response that carries results.
type instantAnswer struct {
	Heading       string  `json:"Heading"`
	AbstractText  string  `json:"AbstractText"`
	AbstractURL   string  `json:"AbstractURL"`
	Results       []topic `json:"Results"`
	RelatedTopics []topic `json:"RelatedTopics"`
}

// topic is either a result or a named group of results.
type topic struct {
	Text     string  `json:"Text"`
	FirstURL string  `json:"FirstURL"`
	Topics   []topic `json:"Topics"`
}

func (d *DuckDuckGo) fetch(ctx context.Context, query string) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	q.Set("no_html", "1")
	q.Set("skip_disambig", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var ans instantAnswer
	if err := json.NewDecoder(resp.Body).Decode(&ans); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return ans.results(), nil
}

func (a instantAnswer) results() []Result {
	var out []Result
	seen := make(map[string]bool)
	add := func(r Result) {
		if r.URL == "" || seen[r.URL] {
			return
		}
		seen[r.URL] = true
		out = append(out, r)
	}

	if a.AbstractText != "" {
		add(Result{Title: a.Heading, URL: a.AbstractURL, Snippet: a.AbstractText})
	}
	var walk func([]topic)
	walk = func(topics []topic) {
		for _, t := range topics {
			if len(t.Topics) > 0 {
				walk(t.Topics)
				continue
			}
			title, snippet, found := strings.Cut(t.Text, " - ")
			if !found {
				title, snippet = t.Text, ""
			}
			add(Result{Title: strings.TrimSpace(title), URL: t.FirstURL, Snippet: strings.TrimSpace(snippet)})
		}
	}
	walk(a.Results)
	walk(a.RelatedTopics)
	return out
}

func head(results []Result, limit int) []Result {
	if len(results) > limit {
		results = results[:limit]
	}
	return append([]Result(nil), results...)
}

// Format renders results as a numbered list for a model prompt.
func Format(results []Result) string {
	if len(results) == 0 {
		return "No web results were found for this question."
	}
	var b strings.Builder
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = r.URL
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, title, r.URL)
		if r.Snippet != "" {
			snippet := []rune(r.Snippet)
			if len(snippet) > maxSnippet {
				snippet = append(snippet[:maxSnippet], []rune("...")...)
			}
			fmt.Fprintf(&b, "   %s\n", string(snippet))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
