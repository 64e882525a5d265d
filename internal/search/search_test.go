package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const answerJSON = `{
  "Heading": "Go (programming language)",
  "AbstractText": "Go is a statically typed, compiled language.",
  "AbstractURL": "https://en.wikipedia.org/wiki/Go_(programming_language)",
  "Results": [{"Text": "Official site - The Go Programming Language", "FirstURL": "https://go.dev/"}],
  "RelatedTopics": [
    {"Text": "Gopher - The Go mascot", "FirstURL": "https://example.com/gopher"},
    {"Name": "See also", "Topics": [
      {"Text": "Goroutine", "FirstURL": "https://example.com/goroutine"},
      {"Text": "Duplicate - again", "FirstURL": "https://go.dev/"}
    ]}
  ]
}`

func newServer(t *testing.T, calls *atomic.Int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		assert.NotEmpty(t, r.URL.Query().Get("q"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearchParsesInstantAnswer(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, &calls, http.StatusOK, answerJSON)
	d := NewDuckDuckGo(WithEndpoint(srv.URL))

	results, err := d.Search(context.Background(), "golang", 10)
	require.NoError(t, err)
	assert.Equal(t, []Result{
		{Title: "Go (programming language)", URL: "https://en.wikipedia.org/wiki/Go_(programming_language)", Snippet: "Go is a statically typed, compiled language."},
		{Title: "Official site", URL: "https://go.dev/", Snippet: "The Go Programming Language"},
		{Title: "Gopher", URL: "https://example.com/gopher", Snippet: "The Go mascot"},
		{Title: "Goroutine", URL: "https://example.com/goroutine"},
	}, results)

	limited, err := d.Search(context.Background(), "golang", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSearchCachesByQuery(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, &calls, http.StatusOK, answerJSON)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDuckDuckGo(WithEndpoint(srv.URL), WithCacheTTL(time.Minute))
	d.now = func() time.Time { return now }

	_, err := d.Search(context.Background(), "Golang", 0)
	require.NoError(t, err)
	_, err = d.Search(context.Background(), "  golang ", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	now = now.Add(time.Minute)
	_, err = d.Search(context.Background(), "golang", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearchCacheEvictsOldest(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, &calls, http.StatusOK, answerJSON)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDuckDuckGo(WithEndpoint(srv.URL))
	d.now = func() time.Time { return now }
	d.maxEntries = 2

	for _, q := range []string{"a", "b", "c"} {
		now = now.Add(time.Second)
		_, err := d.Search(context.Background(), q, 0)
		require.NoError(t, err)
	}
	assert.Len(t, d.cache, 2)
	assert.NotContains(t, d.cache, "a")
}

func TestSearchErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, &calls, http.StatusServiceUnavailable, "down")
	d := NewDuckDuckGo(WithEndpoint(srv.URL))

	_, err := d.Search(context.Background(), "   ", 0)
	require.ErrorIs(t, err, ErrEmptyQuery)
	assert.Zero(t, calls.Load())

	_, err = d.Search(context.Background(), "golang", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Empty(t, d.cache)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "No web results were found for this question.", Format(nil))

	out := Format([]Result{
		{Title: "Go", URL: "https://go.dev/", Snippet: strings.Repeat("s", 250)},
		{URL: "https://example.com/"},
	})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "1. Go", lines[0])
	assert.Equal(t, "   https://go.dev/", lines[1])
	assert.Equal(t, "   "+strings.Repeat("s", 200)+"...", lines[2])
	assert.Equal(t, "2. https://example.com/", lines[3])
}
