// Package memory provides an in-memory record store for development and
// testing. It mirrors the Postgres backend's semantics, including the
// serialized form of the structured sub-fields, so both backends decode
// through the same codec.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/crawlcache/internal/progress"
	"github.com/JakeFAU/crawlcache/internal/store"
)

// record is the stored row shape: sub-fields stay encoded until read, exactly
// like the relational backend.
type record struct {
	url              string
	html             string
	cleanedHTML      string
	markdown         string
	extractedContent string
	success          bool
	media            []byte
	links            []byte
	metadata         []byte
	screenshot       string
	ts               int64
}

// Store is an in-memory store.Store implementation.
type Store struct {
	mu       sync.RWMutex
	records  map[string]record
	notifier progress.Notifier
	clock    store.Clock
}

// New constructs a Store. notifier and clock may be nil.
func New(notifier progress.Notifier, clock store.Clock) *Store {
	if notifier == nil {
		notifier = progress.Nop{}
	}
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Store{
		records:  make(map[string]record),
		notifier: notifier,
		clock:    clock,
	}
}

// announce brackets an operation with start/end announcements; the returned
// func is meant to be deferred so the end announcement fires on every exit
// path.
func (s *Store) announce(label string) func() {
	s.notifier.Announce(true, label)
	return func() { s.notifier.Announce(false, "") }
}

// Init is a no-op; the map is created at construction.
func (s *Store) Init(_ context.Context) error {
	defer s.announce("Initializing database...")()
	return nil
}

// Upsert inserts or replaces the record for url. The stored timestamp never
// decreases for a key.
func (s *Store) Upsert(_ context.Context, url string, result store.CrawlResult) error {
	if url == "" {
		return errors.New("url is required")
	}
	defer s.announce(fmt.Sprintf("Caching data for %s...", url))()

	rec := result.Normalize(url)
	media, err := store.EncodeMedia(rec.Media)
	if err != nil {
		return err
	}
	links, err := store.EncodeLinks(rec.Links)
	if err != nil {
		return err
	}
	metadata, err := store.EncodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.clock.Now().UnixMilli()
	if prev, ok := s.records[url]; ok && prev.ts > ts {
		ts = prev.ts
	}
	s.records[url] = record{
		url:              url,
		html:             rec.HTML,
		cleanedHTML:      rec.CleanedHTML,
		markdown:         rec.Markdown,
		extractedContent: rec.ExtractedContent,
		success:          rec.Success,
		media:            media,
		links:            links,
		metadata:         metadata,
		screenshot:       rec.Screenshot,
		ts:               ts,
	}
	return nil
}

// Lookup returns the decoded record for url, or nil if absent.
func (s *Store) Lookup(_ context.Context, url string) (*store.Record, error) {
	defer s.announce(fmt.Sprintf("Retrieving cached data for %s...", url))()

	s.mu.RLock()
	row, ok := s.records[url]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	rec, err := decode(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes the record for url and reports whether one existed.
func (s *Store) Delete(_ context.Context, url string) (bool, error) {
	defer s.announce(fmt.Sprintf("Deleting record for %s...", url))()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[url]; !ok {
		return false, nil
	}
	delete(s.records, url)
	return true, nil
}

// Clear removes every record.
func (s *Store) Clear(_ context.Context) error {
	defer s.announce("Clearing database...")()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]record)
	return nil
}

// ListPage returns the requested page ordered by recency plus the total
// record count.
func (s *Store) ListPage(_ context.Context, page, perPage int) ([]store.Record, int64, error) {
	if err := checkPageArgs(page, perPage); err != nil {
		return nil, 0, err
	}
	defer s.announce(fmt.Sprintf("Loading page %d...", page))()

	rows := s.sorted(func(record) bool { return true })
	records, err := decodePage(rows, page, perPage)
	if err != nil {
		return nil, 0, err
	}
	return records, int64(len(rows)), nil
}

// Search returns the page of records whose URL or extracted content contains
// query as a case-sensitive substring, plus the matching count.
func (s *Store) Search(_ context.Context, query string, page, perPage int) ([]store.Record, int64, error) {
	if err := checkPageArgs(page, perPage); err != nil {
		return nil, 0, err
	}
	defer s.announce(fmt.Sprintf("Searching for '%s' on page %d...", query, page))()

	rows := s.sorted(func(r record) bool {
		return strings.Contains(r.url, query) || strings.Contains(r.extractedContent, query)
	})
	records, err := decodePage(rows, page, perPage)
	if err != nil {
		return nil, 0, err
	}
	return records, int64(len(rows)), nil
}

// Statistics aggregates store-wide crawl statistics.
func (s *Store) Statistics(_ context.Context) (store.Stats, error) {
	defer s.announce("Calculating statistics...")()

	s.mu.RLock()
	rows := make([]record, 0, len(s.records))
	for _, r := range s.records {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	stats := store.Stats{TotalURLs: int64(len(rows))}
	if len(rows) == 0 {
		return stats, nil
	}

	var (
		contentLen int64
		mediaItems int64
		linkItems  int64
		minTS      = rows[0].ts
		maxTS      = rows[0].ts
	)
	for _, r := range rows {
		if r.success {
			stats.SuccessfulCrawls++
		} else {
			stats.FailedCrawls++
		}
		contentLen += int64(len(r.extractedContent))
		media, err := store.DecodeMedia(r.media)
		if err != nil {
			return store.Stats{}, err
		}
		links, err := store.DecodeLinks(r.links)
		if err != nil {
			return store.Stats{}, err
		}
		mediaItems += int64(media.ItemCount())
		linkItems += int64(links.ItemCount())
		if r.ts < minTS {
			minTS = r.ts
		}
		if r.ts > maxTS {
			maxTS = r.ts
		}
	}
	total := float64(stats.TotalURLs)
	stats.AvgContentLength = store.Round2(float64(contentLen) / total)
	stats.AvgMediaPerURL = store.Round2(float64(mediaItems) / total)
	stats.AvgLinksPerURL = store.Round2(float64(linkItems) / total)
	first := time.UnixMilli(minTS).UTC()
	last := time.UnixMilli(maxTS).UTC()
	stats.FirstCrawl = &first
	stats.LastCrawl = &last
	return stats, nil
}

// Export streams the full record set to sink in the requested format.
func (s *Store) Export(_ context.Context, format store.Format, sink store.Sink) error {
	defer s.announce(fmt.Sprintf("Exporting data as %s...", format))()

	exp, err := store.NewExporter(format, sink)
	if err != nil {
		return err
	}
	for _, row := range s.sorted(func(record) bool { return true }) {
		rec, err := decode(row)
		if err != nil {
			return err
		}
		if err := exp.Add(rec); err != nil {
			return err
		}
	}
	return exp.Flush()
}

// Close implements store.Store; it performs no action.
func (s *Store) Close() {}

// sorted snapshots the matching rows ordered by timestamp descending, URL
// ascending. The URL tiebreak keeps pagination a stable partition.
func (s *Store) sorted(match func(record) bool) []record {
	s.mu.RLock()
	rows := make([]record, 0, len(s.records))
	for _, r := range s.records {
		if match(r) {
			rows = append(rows, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ts != rows[j].ts {
			return rows[i].ts > rows[j].ts
		}
		return rows[i].url < rows[j].url
	})
	return rows
}

func decodePage(rows []record, page, perPage int) ([]store.Record, error) {
	offset := (page - 1) * perPage
	if offset >= len(rows) {
		return []store.Record{}, nil
	}
	end := offset + perPage
	if end > len(rows) {
		end = len(rows)
	}
	records := make([]store.Record, 0, end-offset)
	for _, row := range rows[offset:end] {
		rec, err := decode(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func decode(row record) (store.Record, error) {
	media, err := store.DecodeMedia(row.media)
	if err != nil {
		return store.Record{}, err
	}
	links, err := store.DecodeLinks(row.links)
	if err != nil {
		return store.Record{}, err
	}
	metadata, err := store.DecodeMetadata(row.metadata)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{
		URL:              row.url,
		HTML:             row.html,
		CleanedHTML:      row.cleanedHTML,
		Markdown:         row.markdown,
		ExtractedContent: row.extractedContent,
		Success:          row.success,
		Media:            media,
		Links:            links,
		Metadata:         metadata,
		Screenshot:       row.screenshot,
		Timestamp:        time.UnixMilli(row.ts).UTC(),
	}, nil
}

func checkPageArgs(page, perPage int) error {
	if page < 1 {
		return fmt.Errorf("page must be >= 1, got %d", page)
	}
	if perPage < 1 {
		return fmt.Errorf("page size must be > 0, got %d", perPage)
	}
	return nil
}
