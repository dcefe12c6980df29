// Package metrics defines and registers the Prometheus instrumentation for
// the KV engine, vector index, query planner, WAL, replication, and entity
// store, exposed over /metrics via promhttp for scraping.
package metrics
