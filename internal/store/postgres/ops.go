package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawlcache/internal/store"
)

// selectColumns is the canonical column order for full-record reads.
const selectColumns = "url, html, cleaned_html, markdown, extracted_content, " +
	"success, media, links, metadata, screenshot, timestamp"

// Init creates the backing table and recency index. It is idempotent.
func (s *Store) Init(ctx context.Context) error {
	return s.run(ctx, "Initializing database...", func(ctx context.Context, tx pgx.Tx) error {
		table := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				url TEXT PRIMARY KEY,
				html TEXT NOT NULL DEFAULT '',
				cleaned_html TEXT NOT NULL DEFAULT '',
				markdown TEXT NOT NULL DEFAULT '',
				extracted_content TEXT NOT NULL DEFAULT '',
				success INTEGER NOT NULL DEFAULT 1,
				media TEXT NOT NULL DEFAULT '{}',
				links TEXT NOT NULL DEFAULT '{}',
				metadata TEXT NOT NULL DEFAULT '{}',
				screenshot TEXT NOT NULL DEFAULT '',
				timestamp BIGINT NOT NULL
			)`, s.table)
		if _, err := tx.Exec(ctx, table); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
		index := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s_timestamp_idx ON %s (timestamp DESC, url ASC)",
			s.table, s.table,
		)
		if _, err := tx.Exec(ctx, index); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
		return nil
	})
}

// Upsert inserts or atomically replaces the record for url in a single
// statement. The stored timestamp never decreases for a key, even if the
// clock steps backwards between writes.
func (s *Store) Upsert(ctx context.Context, url string, result store.CrawlResult) error {
	if url == "" {
		return errors.New("url is required")
	}
	label := fmt.Sprintf("Caching data for %s...", url)
	return s.run(ctx, label, func(ctx context.Context, tx pgx.Tx) error {
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
		query := fmt.Sprintf(`
			INSERT INTO %s (url, html, cleaned_html, markdown, extracted_content,
				success, media, links, metadata, screenshot, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (url) DO UPDATE SET
				html = EXCLUDED.html,
				cleaned_html = EXCLUDED.cleaned_html,
				markdown = EXCLUDED.markdown,
				extracted_content = EXCLUDED.extracted_content,
				success = EXCLUDED.success,
				media = EXCLUDED.media,
				links = EXCLUDED.links,
				metadata = EXCLUDED.metadata,
				screenshot = EXCLUDED.screenshot,
				timestamp = GREATEST(%s.timestamp, EXCLUDED.timestamp)`,
			s.table, s.table)
		_, err = tx.Exec(ctx, query,
			rec.URL,
			rec.HTML,
			rec.CleanedHTML,
			rec.Markdown,
			rec.ExtractedContent,
			boolToInt(rec.Success),
			string(media),
			string(links),
			string(metadata),
			rec.Screenshot,
			s.clock.Now().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert record: %w", err)
		}
		return nil
	})
}

// Lookup returns the decoded record for url, or nil if no record exists.
func (s *Store) Lookup(ctx context.Context, url string) (*store.Record, error) {
	label := fmt.Sprintf("Retrieving cached data for %s...", url)
	var found *store.Record
	err := s.run(ctx, label, func(ctx context.Context, tx pgx.Tx) error {
		found = nil
		query := fmt.Sprintf("SELECT %s FROM %s WHERE url = $1", selectColumns, s.table)
		rec, err := scanRecord(tx.QueryRow(ctx, query, url))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("lookup record: %w", err)
		}
		found = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Delete removes the record for url and reports whether one existed.
func (s *Store) Delete(ctx context.Context, url string) (bool, error) {
	label := fmt.Sprintf("Deleting record for %s...", url)
	var deleted bool
	err := s.run(ctx, label, func(ctx context.Context, tx pgx.Tx) error {
		query := fmt.Sprintf("DELETE FROM %s WHERE url = $1", s.table)
		tag, err := tx.Exec(ctx, query, url)
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// Clear removes every record in a single statement.
func (s *Store) Clear(ctx context.Context) error {
	return s.run(ctx, "Clearing database...", func(ctx context.Context, tx pgx.Tx) error {
		query := fmt.Sprintf("DELETE FROM %s", s.table)
		if _, err := tx.Exec(ctx, query); err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
		return nil
	})
}

// ListPage returns the requested page of records ordered by recency, plus the
// total record count. A page past the end yields an empty slice.
func (s *Store) ListPage(ctx context.Context, page, perPage int) ([]store.Record, int64, error) {
	if err := checkPageArgs(page, perPage); err != nil {
		return nil, 0, err
	}
	label := fmt.Sprintf("Loading page %d...", page)
	var (
		records []store.Record
		total   int64
	)
	err := s.run(ctx, label, func(ctx context.Context, tx pgx.Tx) error {
		records, total = nil, 0
		countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)
		if err := tx.QueryRow(ctx, countQuery).Scan(&total); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		query := fmt.Sprintf(
			"SELECT %s FROM %s ORDER BY timestamp DESC, url ASC LIMIT $1 OFFSET $2",
			selectColumns, s.table,
		)
		rows, err := tx.Query(ctx, query, perPage, (page-1)*perPage)
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		records, err = collectRecords(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Search returns the page of records whose URL or extracted content contains
// query as a case-sensitive substring, plus the matching record count. An
// empty query matches every record.
func (s *Store) Search(ctx context.Context, query string, page, perPage int) ([]store.Record, int64, error) {
	if err := checkPageArgs(page, perPage); err != nil {
		return nil, 0, err
	}
	label := fmt.Sprintf("Searching for '%s' on page %d...", query, page)
	var (
		records []store.Record
		total   int64
	)
	err := s.run(ctx, label, func(ctx context.Context, tx pgx.Tx) error {
		records, total = nil, 0
		// strpos keeps matching case-sensitive and needs no LIKE escaping.
		countQuery := fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE strpos(url, $1) > 0 OR strpos(extracted_content, $1) > 0",
			s.table,
		)
		if err := tx.QueryRow(ctx, countQuery, query).Scan(&total); err != nil {
			return fmt.Errorf("count matches: %w", err)
		}
		pageQuery := fmt.Sprintf(
			`SELECT %s FROM %s
			WHERE strpos(url, $1) > 0 OR strpos(extracted_content, $1) > 0
			ORDER BY timestamp DESC, url ASC LIMIT $2 OFFSET $3`,
			selectColumns, s.table,
		)
		rows, err := tx.Query(ctx, pageQuery, query, perPage, (page-1)*perPage)
		if err != nil {
			return fmt.Errorf("search records: %w", err)
		}
		records, err = collectRecords(rows)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Statistics aggregates store-wide crawl statistics. Media and link counts
// decode every stored sub-field, so a corrupt blob surfaces as a
// SerializationError instead of skewing the averages.
func (s *Store) Statistics(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	err := s.run(ctx, "Calculating statistics...", func(ctx context.Context, tx pgx.Tx) error {
		stats = store.Stats{}
		query := fmt.Sprintf(`
			SELECT COUNT(*),
				COALESCE(SUM(CASE WHEN success <> 0 THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
				COALESCE(AVG(LENGTH(extracted_content)), 0),
				MIN(timestamp),
				MAX(timestamp)
			FROM %s`, s.table)
		var (
			avgContent  float64
			first, last *int64
		)
		err := tx.QueryRow(ctx, query).Scan(
			&stats.TotalURLs,
			&stats.SuccessfulCrawls,
			&stats.FailedCrawls,
			&avgContent,
			&first,
			&last,
		)
		if err != nil {
			return fmt.Errorf("aggregate statistics: %w", err)
		}
		stats.AvgContentLength = store.Round2(avgContent)
		if first != nil {
			t := time.UnixMilli(*first).UTC()
			stats.FirstCrawl = &t
		}
		if last != nil {
			t := time.UnixMilli(*last).UTC()
			stats.LastCrawl = &t
		}
		if stats.TotalURLs == 0 {
			return nil
		}

		subQuery := fmt.Sprintf("SELECT media, links FROM %s", s.table)
		rows, err := tx.Query(ctx, subQuery)
		if err != nil {
			return fmt.Errorf("read sub-fields: %w", err)
		}
		defer rows.Close()
		var mediaItems, linkItems int64
		for rows.Next() {
			var mediaBlob, linksBlob []byte
			if err := rows.Scan(&mediaBlob, &linksBlob); err != nil {
				return fmt.Errorf("scan sub-fields: %w", err)
			}
			media, err := store.DecodeMedia(mediaBlob)
			if err != nil {
				return err
			}
			links, err := store.DecodeLinks(linksBlob)
			if err != nil {
				return err
			}
			mediaItems += int64(media.ItemCount())
			linkItems += int64(links.ItemCount())
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read sub-fields: %w", err)
		}
		stats.AvgMediaPerURL = store.Round2(float64(mediaItems) / float64(stats.TotalURLs))
		stats.AvgLinksPerURL = store.Round2(float64(linkItems) / float64(stats.TotalURLs))
		return nil
	})
	if err != nil {
		return store.Stats{}, err
	}
	return stats, nil
}

// Export streams the full record set to sink in the requested format. A
// transient failure is retried only while nothing has reached the sink;
// afterwards the error surfaces so consumers never see duplicated chunks.
func (s *Store) Export(ctx context.Context, format store.Format, sink store.Sink) error {
	label := fmt.Sprintf("Exporting data as %s...", format)
	return s.run(ctx, label, func(ctx context.Context, tx pgx.Tx) error {
		exp, err := store.NewExporter(format, sink)
		if err != nil {
			return err
		}
		query := fmt.Sprintf(
			"SELECT %s FROM %s ORDER BY timestamp DESC, url ASC",
			selectColumns, s.table,
		)
		rows, err := tx.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("read records: %w", err)
		}
		defer rows.Close()
		if err := exportRows(rows, exp); err != nil {
			if exp.Emitted() {
				return &terminalError{err: err}
			}
			return err
		}
		return nil
	})
}

func exportRows(rows pgx.Rows, exp store.Exporter) error {
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		if err := exp.Add(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read records: %w", err)
	}
	return exp.Flush()
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
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

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord decodes one full-record row in selectColumns order.
func scanRecord(row rowScanner) (store.Record, error) {
	var (
		rec     store.Record
		success int32
		media   []byte
		links   []byte
		meta    []byte
		ts      int64
	)
	err := row.Scan(
		&rec.URL,
		&rec.HTML,
		&rec.CleanedHTML,
		&rec.Markdown,
		&rec.ExtractedContent,
		&success,
		&media,
		&links,
		&meta,
		&rec.Screenshot,
		&ts,
	)
	if err != nil {
		return store.Record{}, err
	}
	rec.Success = success != 0
	if rec.Media, err = store.DecodeMedia(media); err != nil {
		return store.Record{}, err
	}
	if rec.Links, err = store.DecodeLinks(links); err != nil {
		return store.Record{}, err
	}
	if rec.Metadata, err = store.DecodeMetadata(meta); err != nil {
		return store.Record{}, err
	}
	rec.Timestamp = time.UnixMilli(ts).UTC()
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]store.Record, error) {
	defer rows.Close()
	records := []store.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return records, nil
}
