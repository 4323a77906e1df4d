package collector

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const rssAppBody = `{
  "version": "https://jsonfeed.org/version/1.1",
  "title": "Elon Musk / X",
  "items": [
    {
      "id": "a1",
      "url": "https://x.com/elonmusk/status/100",
      "title": "first",
      "content_text": "first post",
      "date_published": "2025-05-01T10:00:00.000Z",
      "authors": [{"name": "@elonmusk"}],
      "image": "https://pbs.twimg.com/media/1.jpg"
    },
    {
      "id": "a2",
      "url": "https://x.com/elonmusk/status/101",
      "title": "second",
      "content_html": "<p>second <b>post</b></p>",
      "date_published": "2025-05-01T11:00:00.000Z",
      "attachments": [{"url": "https://pbs.twimg.com/media/2.jpg", "mime_type": "image/jpeg"}]
    }
  ]
}`

const rssXMLBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Blog</title>
  <item>
    <title>Hello</title>
    <link>https://blog.example.com/hello</link>
    <guid>post-1</guid>
    <description>Hello world</description>
    <pubDate>Mon, 02 Jan 2006 15:04:05 +0000</pubDate>
    <enclosure url="https://blog.example.com/a.png" type="image/png" length="1"/>
  </item>
</channel>
</rss>`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFetcher() *FeedFetcher {
	return NewFeedFetcher(2*time.Second, NewNormalizer(FallbackRandom), testLogger())
}

func TestFeedFetcherJSONFeed(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, rssAppBody)
	}))
	defer srv.Close()

	res := newTestFetcher().Fetch(context.Background(), Source{ID: "acct1", Platform: PlatformTwitter, FeedURL: srv.URL})
	require.NoError(t, res.Err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Len(t, res.Items, 2)
	require.Equal(t, browserUserAgent, gotUA)

	first, second := res.Items[0], res.Items[1]
	require.Equal(t, "100", first.ID)
	require.Equal(t, "first post", first.Body)
	require.Equal(t, "@elonmusk", first.Author)
	require.Equal(t, "https://pbs.twimg.com/media/1.jpg", first.ImageURL)
	require.Equal(t, "101", second.ID)
	require.Equal(t, "<p>second <b>post</b></p>", second.Body)
	require.Equal(t, "https://pbs.twimg.com/media/2.jpg", second.ImageURL)
}

func TestFeedFetcherRSSXML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = io.WriteString(w, rssXMLBody)
	}))
	defer srv.Close()

	res := newTestFetcher().Fetch(context.Background(), Source{ID: "blog", Platform: PlatformRSS, FeedURL: srv.URL})
	require.NoError(t, res.Err)
	require.Len(t, res.Items, 1)
	it := res.Items[0]
	require.Equal(t, "post-1", it.ID)
	require.Equal(t, "Hello", it.Title)
	require.Equal(t, "https://blog.example.com/hello", it.Link)
	require.Equal(t, "https://blog.example.com/a.png", it.ImageURL)
	require.Equal(t, 2006, it.PublishedAt.Year())
}

func TestFeedFetcherFailuresReturnEmpty(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"server error", http.StatusInternalServerError, "boom", true},
		{"not found", http.StatusNotFound, "", true},
		{"malformed json", http.StatusOK, "{not json", true},
		{"empty items", http.StatusOK, `{"items": []}`, true},
		{"absent items", http.StatusOK, `{"title": "x"}`, true},
		{"empty body", http.StatusOK, "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(c.status)
				_, _ = io.WriteString(w, c.body)
			}))
			defer srv.Close()

			res := newTestFetcher().Fetch(context.Background(), Source{ID: "acct1", Platform: PlatformTwitter, FeedURL: srv.URL})
			require.Empty(t, res.Items)
			require.Equal(t, c.wantErr, res.Err != nil)
		})
	}
}

func TestFeedFetcherNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	res := newTestFetcher().Fetch(context.Background(), Source{ID: "acct1", Platform: PlatformTwitter, FeedURL: url})
	require.Empty(t, res.Items)
	require.Error(t, res.Err)
}

func TestFeedFetcherCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newTestFetcher().Fetch(ctx, Source{ID: "acct1", Platform: PlatformTwitter, FeedURL: "http://127.0.0.1:1/feed"})
	require.Empty(t, res.Items)
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestFeedFetcherRepeatedFetchSameURL(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		_, _ = io.WriteString(w, rssAppBody)
	}))
	defer srv.Close()

	f := newTestFetcher()
	src := Source{ID: "acct1", Platform: PlatformTwitter, FeedURL: srv.URL}
	for i := 0; i < 3; i++ {
		require.Len(t, f.Fetch(context.Background(), src).Items, 2)
	}
	require.Equal(t, 3, hits)
}
