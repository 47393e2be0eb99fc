package memory_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcache/internal/store"
	"github.com/JakeFAU/crawlcache/internal/store/memory"
)

// fakeClock is a settable store.Clock for deterministic timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestUpsertLookupRoundTrip(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := memory.New(nil, clock)
	ctx := context.Background()

	result := store.CrawlResult{
		HTML:             "<html><body>hi</body></html>",
		CleanedHTML:      "<body>hi</body>",
		Markdown:         "# Hi",
		ExtractedContent: "hi",
		Media: store.Media{
			"images": {{"src": "/logo.png", "alt": "logo"}},
		},
		Links: store.Links{
			Internal: []store.Link{{Href: "/about", Text: "About"}},
			External: []store.Link{{Href: "https://b.test", Text: "B"}},
		},
		Metadata:   store.Metadata{"title": "Hi"},
		Screenshot: "aGVsbG8=",
	}
	require.NoError(t, s.Upsert(ctx, "https://a.test", result))

	rec, err := s.Lookup(ctx, "https://a.test")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://a.test", rec.URL)
	assert.Equal(t, result.HTML, rec.HTML)
	assert.Equal(t, result.CleanedHTML, rec.CleanedHTML)
	assert.Equal(t, result.Markdown, rec.Markdown)
	assert.Equal(t, result.ExtractedContent, rec.ExtractedContent)
	assert.True(t, rec.Success)
	assert.Equal(t, result.Links, rec.Links)
	assert.Equal(t, result.Screenshot, rec.Screenshot)
	assert.Equal(t, 1, rec.Media.ItemCount())
	assert.Equal(t, "Hi", rec.Metadata["title"])
	assert.True(t, clock.Now().Truncate(time.Millisecond).Equal(rec.Timestamp))
}

func TestLookupMissingReturnsNil(t *testing.T) {
	t.Parallel()

	s := memory.New(nil, newFakeClock())
	rec, err := s.Lookup(context.Background(), "https://nowhere.test")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpsertReplacesEntireRecord(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := memory.New(nil, clock)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "https://a.test", store.CrawlResult{
		Markdown: "old",
		Metadata: store.Metadata{"kept?": "no"},
	}))
	clock.Advance(time.Second)
	failed := false
	require.NoError(t, s.Upsert(ctx, "https://a.test", store.CrawlResult{
		Markdown: "new",
		Success:  &failed,
	}))

	rec, err := s.Lookup(ctx, "https://a.test")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "new", rec.Markdown)
	assert.False(t, rec.Success)
	assert.Empty(t, rec.Metadata, "replacement must not merge old fields")

	_, total, err := s.ListPage(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestUpsertEmptyURLRejected(t *testing.T) {
	t.Parallel()

	s := memory.New(nil, newFakeClock())
	assert.Error(t, s.Upsert(context.Background(), "", store.CrawlResult{}))
}

func TestTimestampNeverDecreases(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := memory.New(nil, clock)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "https://a.test", store.CrawlResult{}))
	first, err := s.Lookup(ctx, "https://a.test")
	require.NoError(t, err)

	// Step the clock backwards; the stored timestamp must hold.
	clock.Set(clock.Now().Add(-time.Hour))
	require.NoError(t, s.Upsert(ctx, "https://a.test", store.CrawlResult{Markdown: "rewritten"}))
	second, err := s.Lookup(ctx, "https://a.test")
	require.NoError(t, err)

	assert.Equal(t, "rewritten", second.Markdown)
	assert.False(t, second.Timestamp.Before(first.Timestamp))
}

func seedRecords(t *testing.T, s *memory.Store, clock *fakeClock, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		url := fmt.Sprintf("https://example.test/page-%03d", i)
		require.NoError(t, s.Upsert(ctx, url, store.CrawlResult{
			ExtractedContent: fmt.Sprintf("content %d", i),
		}))
		clock.Advance(time.Second)
	}
}

func TestListPagePartitionsRecords(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := memory.New(nil, clock)
	ctx := context.Background()
	seedRecords(t, s, clock, 25)

	page3, total, err := s.ListPage(ctx, 3, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 25, total)
	assert.Len(t, page3, 5)

	// Concatenated pages cover each record exactly once, newest first.
	seen := make(map[string]bool)
	var last *store.Record
	for page := 1; page <= 3; page++ {
		records, total, err := s.ListPage(ctx, page, 10)
		require.NoError(t, err)
		assert.EqualValues(t, 25, total)
		for i := range records {
			rec := records[i]
			assert.False(t, seen[rec.URL], "record %s appeared twice", rec.URL)
			seen[rec.URL] = true
			if last != nil {
				assert.False(t, rec.Timestamp.After(last.Timestamp))
			}
			last = &rec
		}
	}
	assert.Len(t, seen, 25)

	empty, total, err := s.ListPage(ctx, 4, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 25, total)
	assert.Empty(t, empty)
}

func TestListPageRejectsBadArgs(t *testing.T) {
	t.Parallel()

	s := memory.New(nil, newFakeClock())
	ctx := context.Background()

	_, _, err := s.ListPage(ctx, 0, 10)
	assert.Error(t, err)
	_, _, err = s.ListPage(ctx, 1, 0)
	assert.Error(t, err)
	_, _, err = s.Search(ctx, "q", -1, 10)
	assert.Error(t, err)
}

func TestSearchMatchesURLAndContent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := memory.New(nil, clock)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "https://go.dev/blog", store.CrawlResult{ExtractedContent: "generics landed"}))
	clock.Advance(time.Second)
	require.NoError(t, s.Upsert(ctx, "https://rust-lang.org", store.CrawlResult{ExtractedContent: "borrow checker"}))
	clock.Advance(time.Second)
	require.NoError(t, s.Upsert(ctx, "https://a.test/go-tips", store.CrawlResult{ExtractedContent: "tips"}))

	records, total, err := s.Search(ctx, "go", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, records, 2)
	assert.Equal(t, "https://a.test/go-tips", records[0].URL)
	assert.Equal(t, "https://go.dev/blog", records[1].URL)

	// Matching is case-sensitive.
	_, total, err = s.Search(ctx, "GO", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)

	// Content matches too.
	records, total, err = s.Search(ctx, "borrow", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, "https://rust-lang.org", records[0].URL)

	// An empty query matches everything.
	_, total, err = s.Search(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func TestDeleteReportsExistence(t *testing.T) {
	t.Parallel()

	s := memory.New(nil, newFakeClock())
	ctx := context.Background()

	deleted, err := s.Delete(ctx, "https://a.test")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, s.Upsert(ctx, "https://a.test", store.CrawlResult{}))
	deleted, err = s.Delete(ctx, "https://a.test")
	require.NoError(t, err)
	assert.True(t, deleted)

	rec, err := s.Lookup(ctx, "https://a.test")
	require.NoError(t, err)
	assert.Nil(t, rec)

	deleted, err = s.Delete(ctx, "https://a.test")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestClearRemovesAllRecords(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := memory.New(nil, clock)
	ctx := context.Background()
	seedRecords(t, s, clock, 5)

	require.NoError(t, s.Clear(ctx))

	records, total, err := s.ListPage(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
	assert.Empty(t, records)

	rec, err := s.Lookup(ctx, "https://example.test/page-000")
	require.NoError(t, err)
	assert.Nil(t, rec)

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{}, stats)

	// The store stays usable after a clear.
	require.NoError(t, s.Upsert(ctx, "https://a.test", store.CrawlResult{}))
	_, total, err = s.ListPage(ctx, 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestClearEmptyStoreIsNoOp(t *testing.T) {
	t.Parallel()

	s := memory.New(nil, newFakeClock())
	require.NoError(t, s.Clear(context.Background()))
}

func TestStatisticsSingleSuccessfulCrawl(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := memory.New(nil, clock)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "https://a.test", store.CrawlResult{
		Markdown:         "# Hi",
		ExtractedContent: "hi",
		Links: store.Links{
			Internal: []store.Link{{Href: "/about", Text: "About"}},
		},
	}))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalURLs)
	assert.EqualValues(t, 1, stats.SuccessfulCrawls)
	assert.EqualValues(t, 0, stats.FailedCrawls)
	assert.InDelta(t, 2.0, stats.AvgContentLength, 0.001)
	assert.InDelta(t, 0.0, stats.AvgMediaPerURL, 0.001)
	assert.InDelta(t, 1.0, stats.AvgLinksPerURL, 0.001)
	require.NotNil(t, stats.FirstCrawl)
	require.NotNil(t, stats.LastCrawl)
	assert.True(t, stats.FirstCrawl.Equal(*stats.LastCrawl))
}

func TestStatisticsMixedOutcomes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := memory.New(nil, clock)
	ctx := context.Background()

	failed := false
	require.NoError(t, s.Upsert(ctx, "https://a.test", store.CrawlResult{
		ExtractedContent: "abcd",
		Media:            store.Media{"images": {{"src": "/1.png"}, {"src": "/2.png"}}},
		Links:            store.Links{External: []store.Link{{Href: "https://b.test"}}},
	}))
	clock.Advance(time.Minute)
	require.NoError(t, s.Upsert(ctx, "https://b.test", store.CrawlResult{
		ExtractedContent: "ab",
		Success:          &failed,
	}))

	stats, err := s.Statistics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalURLs)
	assert.EqualValues(t, 1, stats.SuccessfulCrawls)
	assert.EqualValues(t, 1, stats.FailedCrawls)
	assert.InDelta(t, 3.0, stats.AvgContentLength, 0.001)
	assert.InDelta(t, 1.0, stats.AvgMediaPerURL, 0.001)
	assert.InDelta(t, 0.5, stats.AvgLinksPerURL, 0.001)
	require.NotNil(t, stats.FirstCrawl)
	require.NotNil(t, stats.LastCrawl)
	assert.True(t, stats.FirstCrawl.Before(*stats.LastCrawl))
}

func TestStatisticsEmptyStore(t *testing.T) {
	t.Parallel()

	s := memory.New(nil, newFakeClock())
	stats, err := s.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.Stats{}, stats)
	assert.Nil(t, stats.FirstCrawl)
	assert.Nil(t, stats.LastCrawl)
}

func TestExportJSONRoundTrip(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := memory.New(nil, clock)
	ctx := context.Background()
	seedRecords(t, s, clock, 3)

	var chunks [][]byte
	sink := func(chunk []byte) error {
		chunks = append(chunks, append([]byte(nil), chunk...))
		return nil
	}
	require.NoError(t, s.Export(ctx, store.FormatJSON, sink))

	require.Len(t, chunks, 1)
	var decoded []store.Record
	require.NoError(t, json.Unmarshal(chunks[0], &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, "https://example.test/page-002", decoded[0].URL)
	assert.Equal(t, "https://example.test/page-000", decoded[2].URL)
}

func TestExportUnsupportedFormat(t *testing.T) {
	t.Parallel()

	s := memory.New(nil, newFakeClock())
	err := s.Export(context.Background(), store.Format("xml"), func([]byte) error { return nil })
	var unsupported *store.UnsupportedFormatError
	require.ErrorAs(t, err, &unsupported)
}

func TestConcurrentUpserts(t *testing.T) {
	t.Parallel()

	s := memory.New(nil, newFakeClock())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("https://example.test/page-%02d", i%5)
			_ = s.Upsert(ctx, url, store.CrawlResult{ExtractedContent: fmt.Sprintf("v%d", i)})
		}(i)
	}
	wg.Wait()

	_, total, err := s.ListPage(ctx, 1, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
}
