// Package store implements the flat-file persistence layer of the relay:
// the keyed record collections (accounts, per-patient record lists, id
// registries), the durable queues (outbox, inbox, transaction log), the
// processed-id sets, and the session file.
//
// Every collection is a UTF-8 JSON document at a fixed path under the data
// directory. Reads are tolerant by contract: an absent or unparsable file
// yields the collection's type-correct empty default and never an error.
// Writes replace the whole document through a temp-file rename, so a reader
// never observes a partial write. The collection-to-shape mapping is a fixed
// table resolved once at construction.
package store
