// Package main hosts the crawlcache service entrypoint.
//
// Architecture overview:
//   - Record store: internal/store defines the persisted record model (URL-keyed crawl output with JSON-shaped
//     media/links/metadata sub-fields) and the Store interface; internal/store/postgres implements it against
//     PostgreSQL with per-operation transaction scope, bounded retries with fixed delay, and a
//     StorageUnavailableError once the budget is exhausted. internal/store/memory is the in-memory twin used for
//     development and tests.
//   - Progress notification: every store operation announces itself through an injected progress.Notifier before and
//     after its body, including on failure. The Broadcaster fans announcements out synchronously in subscription
//     order; bundled sinks log via zap and export Prometheus gauges/counters.
//   - HTTP API: internal/api.Server exposes the store operations (upsert, lookup, paginated listing, substring
//     search, statistics, delete, bulk clear) plus a chunked export endpoint that streams json/csv/markdown output
//     with a flush per chunk.
//   - Configuration & plumbing: Viper populates config from env/files (prefix CRAWLCACHE); zap provides structured
//     logging; Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - The store is the single writer of the backing table. Operations may be invoked concurrently; each acquires its
//     own transaction, so callers only contend on the database's own locking.
//   - StorageUnavailable responses (HTTP 503) are temporary-failure signals: the whole request is safe to retry.
//   - Timestamps are stored as UTC epoch milliseconds and never decrease for a key across re-caches.
//
// Quick checklist:
//   - Configure env vars: CRAWLCACHE_SERVER_PORT, CRAWLCACHE_STORE_DSN (postgres backend),
//     CRAWLCACHE_STORE_BACKEND=memory for a throwaway store, CRAWLCACHE_AUTH_ENABLED/CRAWLCACHE_AUTH_API_KEY.
//   - Run locally: go run ./cmd/crawlcache -config config.yaml (or rely solely on env overrides).
package main
