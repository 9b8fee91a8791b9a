// Package ingest defines the core types shared across the ingestion pipeline:
// the canonical Article, raw connector payloads, cursors, dedup decisions, the
// error taxonomy, and the narrow interfaces each stage depends on.
package ingest
