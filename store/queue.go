package store

import (
	"slices"

	"github.com/vitalink-app/vitalink/domain"
)

// Queue returns the full content of a durable envelope queue.
func (s *Store) Queue(collection Collection) []domain.Envelope {
	queue := []domain.Envelope{}
	s.read(collection, &queue)
	return queue
}

// SaveQueue replaces a durable envelope queue.
func (s *Store) SaveQueue(collection Collection, queue []domain.Envelope) error {
	return s.write(collection, queue)
}

// AppendQueue appends envelopes to a durable queue in one write.
func (s *Store) AppendQueue(collection Collection, envelopes ...domain.Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}
	queue := s.Queue(collection)
	queue = append(queue, envelopes...)
	return s.write(collection, queue)
}

// RemoveFromQueue rewrites a queue without the envelope carrying the given
// message id. Removing an id that is not present is not an error; the
// deletion acknowledgement may be redelivered.
func (s *Store) RemoveFromQueue(collection Collection, messageID string) error {
	queue := s.Queue(collection)
	trimmed := slices.DeleteFunc(queue, func(e domain.Envelope) bool {
		return e.MessageID == messageID
	})
	if len(trimmed) == len(queue) {
		return nil
	}
	return s.write(collection, trimmed)
}

// IDSet returns a processed-id set in insertion order.
func (s *Store) IDSet(collection Collection) []string {
	ids := []string{}
	s.read(collection, &ids)
	return ids
}

// SaveIDSet replaces a processed-id set.
func (s *Store) SaveIDSet(collection Collection, ids []string) error {
	return s.write(collection, ids)
}
