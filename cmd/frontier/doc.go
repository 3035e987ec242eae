// Package main hosts the frontier service entrypoint.
//
// Architecture overview:
//   - Store: one of memory, postgres, sqlite or redis (store.backend). Every
//     state transition is a single atomic store operation, so any number of
//     processes may share one store.
//   - Frontier: internal/frontier canonicalizes URLs, computes the dedup key
//     and priority, and moves entries PENDING -> IN_FLIGHT -> DONE.
//   - Serve: the chi HTTP API, a reaper that returns stale claims to PENDING
//     and purges old DONE entries, and an optional Kafka intake consumer.
//   - Drain: a worker pool that claims everything, prints it as JSON lines and
//     marks it done, stopping once nothing is pending or in flight.
//
// Quick checklist:
//   - Configure env vars: FRONTIER_STORE_BACKEND, FRONTIER_POSTGRES_DSN,
//     FRONTIER_SQLITE_PATH or FRONTIER_REDIS_ADDR, FRONTIER_FRONTIER_STALE_AFTER,
//     FRONTIER_KAFKA_ENABLED and friends. A .env file in the working directory
//     is read first.
//   - Run locally: go run ./cmd/frontier serve --config config.yaml
//   - Seed work: go run ./cmd/frontier add links.jsonl
package main
