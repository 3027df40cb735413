// Package db provides the sqlite side-store of the relay. The flat-file
// collections in the store package are the wire contract; this package keeps
// everything that must outlive them:
//
//   - The structured log sink (`logs`).
//   - The audit archive of envelopes evicted from the queues by the
//     retention policy (`archived_envelopes`).
//   - The retired-id ledgers that back the bounded processed-id sets
//     (`retired_ids`), keeping deduplication airtight after eviction.
//
// It manages the connection (WAL, foreign keys), the embedded goose
// migrations, and implements the repository interfaces declared in the
// domain package.
package db
