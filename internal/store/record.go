// Package store defines the persisted crawl record model and the interface
// every storage backend implements. By keeping the record shape and the
// serialization boundary here, the Postgres and in-memory backends stay
// interchangeable for callers and tests.
package store

import (
	"math"
	"time"
)

// Link is a single hyperlink extracted from a crawled page.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// Links groups extracted links into the two recognized buckets.
type Links struct {
	Internal []Link `json:"internal,omitempty"`
	External []Link `json:"external,omitempty"`
}

// ItemCount returns the number of links across both buckets.
func (l Links) ItemCount() int {
	return len(l.Internal) + len(l.External)
}

// MediaItem is a single media descriptor. Its keys are extractor-defined
// (src, alt, score, ...) so it stays an open mapping.
type MediaItem map[string]any

// Media maps extractor-defined buckets (images, videos, audios, ...) to lists
// of media descriptors.
type Media map[string][]MediaItem

// ItemCount returns the number of media descriptors across all buckets.
func (m Media) ItemCount() int {
	total := 0
	for _, items := range m {
		total += len(items)
	}
	return total
}

// Metadata holds arbitrary page metadata key/value pairs.
type Metadata map[string]any

// Record is the persisted unit of crawl output, keyed by URL. The store owns
// Timestamp; everything else is supplied by the extraction collaborator.
type Record struct {
	URL              string    `json:"url"`
	HTML             string    `json:"html"`
	CleanedHTML      string    `json:"cleaned_html"`
	Markdown         string    `json:"markdown"`
	ExtractedContent string    `json:"extracted_content"`
	Success          bool      `json:"success"`
	Media            Media     `json:"media"`
	Links            Links     `json:"links"`
	Metadata         Metadata  `json:"metadata"`
	Screenshot       string    `json:"screenshot"`
	Timestamp        time.Time `json:"timestamp"`
}

// CrawlResult is what the extraction collaborator hands to Upsert. Success is
// a pointer so "not supplied" is distinguishable from false; it defaults to
// true. Nil sub-field mappings default to empty mappings.
type CrawlResult struct {
	HTML             string   `json:"html"`
	CleanedHTML      string   `json:"cleaned_html"`
	Markdown         string   `json:"markdown"`
	ExtractedContent string   `json:"extracted_content"`
	Success          *bool    `json:"success"`
	Media            Media    `json:"media"`
	Links            Links    `json:"links"`
	Metadata         Metadata `json:"metadata"`
	Screenshot       string   `json:"screenshot"`
}

// Normalize applies the upsert defaults and returns the record to persist.
// The caller (the storage backend) is responsible for setting Timestamp.
func (c CrawlResult) Normalize(url string) Record {
	rec := Record{
		URL:              url,
		HTML:             c.HTML,
		CleanedHTML:      c.CleanedHTML,
		Markdown:         c.Markdown,
		ExtractedContent: c.ExtractedContent,
		Success:          true,
		Media:            c.Media,
		Links:            c.Links,
		Metadata:         c.Metadata,
		Screenshot:       c.Screenshot,
	}
	if c.Success != nil {
		rec.Success = *c.Success
	}
	if rec.Media == nil {
		rec.Media = Media{}
	}
	if rec.Metadata == nil {
		rec.Metadata = Metadata{}
	}
	return rec
}

// Stats aggregates store-wide crawl statistics. FirstCrawl/LastCrawl are nil
// when the store is empty.
type Stats struct {
	TotalURLs        int64      `json:"total_urls"`
	SuccessfulCrawls int64      `json:"successful_crawls"`
	FailedCrawls     int64      `json:"failed_crawls"`
	AvgContentLength float64    `json:"avg_content_length"`
	AvgMediaPerURL   float64    `json:"avg_media_per_url"`
	AvgLinksPerURL   float64    `json:"avg_links_per_url"`
	FirstCrawl       *time.Time `json:"first_crawl"`
	LastCrawl        *time.Time `json:"last_crawl"`
}

// Round2 truncates a statistic to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
