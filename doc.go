// Package main hosts the harvester entrypoint.
//
// Architecture overview:
//   - Discovery: internal/discover fetches the index page with Colly and records
//     every anchor with its table cell, row header and nearest heading.
//   - Classification: internal/classify buckets each link into a program and a
//     fiscal year, rejecting unsupported extensions and deprecated files.
//   - Freshness: internal/freshness issues a HEAD probe for known files and
//     skips those whose ETag or Last-Modified still match the manifest.
//   - Commit: internal/pipeline downloads into a temp file, hashes it, renames
//     it into place and only then upserts the manifest record.
//   - Manifest: internal/manifest keeps one JSON file with a .bak copy and
//     falls back to the backup when the primary is unreadable.
//   - Orchestration: internal/orchestrator retries whole runs with capped
//     exponential backoff and fires them on a quarterly calendar.
//   - Reconcile: internal/reconcile removes stale records and reports
//     orphaned files without deleting them.
//
// Quick checklist:
//   - Configure env vars: HARVEST_SOURCE_INDEX_URL, HARVEST_STORAGE_ROOT,
//     HARVEST_HARVEST_CONCURRENCY, HARVEST_ORCHESTRATOR_MONTHS, optional
//     HARVEST_STORAGE_GCS_BUCKET, HARVEST_PUBSUB_TOPIC_NAME and HARVEST_DB_DSN.
//     A .env file in the working directory is loaded first.
//   - Run once: go run . crawl --config config.yaml
//   - Long running: go run . serve --schedule
package main
