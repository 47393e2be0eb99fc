package store

import "context"

// Store is the record store contract shared by the Postgres backend and the
// in-memory backend. Absence is a result, not an error: Lookup returns
// (nil, nil) and Delete returns (false, nil) for unknown URLs.
type Store interface {
	// Init creates the backing schema. It is idempotent.
	Init(ctx context.Context) error

	// Upsert inserts or atomically replaces the record for url. The store
	// sets the record timestamp; it never decreases across writes to the
	// same key.
	Upsert(ctx context.Context, url string, result CrawlResult) error

	// Lookup returns the decoded record for url, or nil if absent.
	Lookup(ctx context.Context, url string) (*Record, error)

	// Delete removes the record for url and reports whether one existed.
	Delete(ctx context.Context, url string) (bool, error)

	// Clear removes every record in the store.
	Clear(ctx context.Context) error

	// ListPage returns the 1-indexed page of records ordered by timestamp
	// descending, plus the total record count.
	ListPage(ctx context.Context, page, perPage int) ([]Record, int64, error)

	// Search is ListPage restricted to records whose URL or extracted
	// content contains query as a case-sensitive substring. The returned
	// count is the number of matching records.
	Search(ctx context.Context, query string, page, perPage int) ([]Record, int64, error)

	// Statistics aggregates store-wide crawl statistics.
	Statistics(ctx context.Context) (Stats, error)

	// Export encodes the full record set in the requested format and
	// delivers it to sink chunk by chunk.
	Export(ctx context.Context, format Format, sink Sink) error

	// Close releases backend resources.
	Close()
}
