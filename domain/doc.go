// Package domain defines the core types and contracts of the Vitalink relay.
// It contains the wire-level Envelope model shared by every queue, the
// account and patient record structures owned by the record store, and the
// repository interfaces that define the contracts for the sqlite side-store
// (logs, archived envelopes, retired ids).
//
// The package is independent of any storage technology: the flat-file store
// and the sqlite repositories both implement against these types, so the
// relay, consumer, and outbox only ever see domain values.
package domain
