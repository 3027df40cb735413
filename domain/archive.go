package domain

// Ledgers of the retired-id table. An id moves into a ledger when it is
// evicted from the corresponding flat-file processed-id set; dedup checks the
// set first and the ledger second, so exactly-once survives eviction.
const (
	LedgerTransactions = "transactions"
	LedgerInbox        = "inbox"
)

// ArchivedEnvelope is an envelope that was removed from a queue by the
// retention policy, kept for audit instead of silently deleted.
type ArchivedEnvelope struct {
	Envelope
	Queue  string // The queue the envelope was evicted from
	Reason string // Why it was evicted, e.g. "stale", "never_eligible"
}

// ArchiveRepository defines the interface for the eviction side-store: the
// audit archive of evicted envelopes and the retired-id ledgers backing the
// bounded processed-id sets.
type ArchiveRepository interface {
	// ArchiveEnvelopes stores evicted envelopes. Re-archiving an already
	// archived message id is not an error.
	ArchiveEnvelopes(queue, reason string, envelopes []Envelope) error
	// GetArchivedEnvelopes retrieves the archive content for one queue.
	GetArchivedEnvelopes(queue string) ([]*ArchivedEnvelope, error)
	// RetireIDs moves processed ids into the named ledger.
	RetireIDs(ledger string, ids []string) error
	// IsRetired reports whether the id is present in the named ledger.
	IsRetired(ledger string, id string) (bool, error)
}
