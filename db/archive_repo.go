package db

import (
	"fmt"
	"time"

	"github.com/vitalink-app/vitalink/domain"
)

var _ domain.ArchiveRepository = (*Repository)(nil)

// dbArchivedEnvelope represents an evicted envelope as stored in the archive.
type dbArchivedEnvelope struct {
	MessageID    string    `db:"message_id"`
	Queue        string    `db:"queue"`
	Timestamp    string    `db:"timestamp"`
	OriginUserID string    `db:"origin_user_id"`
	Object       string    `db:"object"`
	Action       string    `db:"action"`
	Payload      Metadata  `db:"payload"`
	Reason       string    `db:"reason"`
	ArchivedAt   time.Time `db:"archived_at"`
}

func toDomainArchived(row *dbArchivedEnvelope) *domain.ArchivedEnvelope {
	return &domain.ArchivedEnvelope{
		Envelope: domain.Envelope{
			MessageID:    row.MessageID,
			Timestamp:    row.Timestamp,
			OriginUserID: row.OriginUserID,
			Object:       row.Object,
			Action:       row.Action,
			Payload:      domain.Payload(row.Payload),
		},
		Queue:  row.Queue,
		Reason: row.Reason,
	}
}

// ArchiveEnvelopes stores evicted envelopes in the audit archive. An envelope
// already archived for the same queue is left untouched, so redelivered
// duplicates do not fail the eviction pass.
func (repo *Repository) ArchiveEnvelopes(queue, reason string, envelopes []domain.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	query := `INSERT OR IGNORE INTO archived_envelopes
	          (message_id, queue, timestamp, origin_user_id, object, action, payload, reason, archived_at)
	          VALUES (:message_id, :queue, :timestamp, :origin_user_id, :object, :action, :payload, :reason, :archived_at)`

	now := time.Now()
	for _, envelope := range envelopes {
		row := &dbArchivedEnvelope{
			MessageID:    envelope.MessageID,
			Queue:        queue,
			Timestamp:    envelope.Timestamp,
			OriginUserID: envelope.OriginUserID,
			Object:       envelope.Object,
			Action:       envelope.Action,
			Payload:      Metadata(envelope.Payload),
			Reason:       reason,
			ArchivedAt:   now,
		}
		if _, err := repo.dbConn.NamedExec(query, row); err != nil {
			return fmt.Errorf("archiving envelope %s from %s: %w", envelope.MessageID, queue, err)
		}
	}
	return nil
}

// GetArchivedEnvelopes retrieves the archive content for one queue.
func (repo *Repository) GetArchivedEnvelopes(queue string) ([]*domain.ArchivedEnvelope, error) {
	var rows []*dbArchivedEnvelope
	query := `SELECT * FROM archived_envelopes WHERE queue = ? ORDER BY archived_at, message_id`

	err := repo.dbConn.Select(&rows, query, queue)
	if err != nil {
		return nil, fmt.Errorf("fetching archived envelopes for %s: %w", queue, err)
	}

	archived := make([]*domain.ArchivedEnvelope, len(rows))
	for i, row := range rows {
		archived[i] = toDomainArchived(row)
	}
	return archived, nil
}

// RetireIDs moves processed ids into the named ledger. Retiring an id twice
// is not an error.
func (repo *Repository) RetireIDs(ledger string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `INSERT OR IGNORE INTO retired_ids (id, ledger, retired_at) VALUES (?, ?, ?)`

	now := time.Now()
	for _, id := range ids {
		if _, err := repo.dbConn.Exec(query, id, ledger, now); err != nil {
			return fmt.Errorf("retiring id %s to %s: %w", id, ledger, err)
		}
	}
	return nil
}

// IsRetired reports whether the id is present in the named ledger.
func (repo *Repository) IsRetired(ledger string, id string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM retired_ids WHERE id = ? AND ledger = ?`

	err := repo.dbConn.Get(&count, query, id, ledger)
	if err != nil {
		return false, fmt.Errorf("checking retired id %s in %s: %w", id, ledger, err)
	}
	return count > 0, nil
}
