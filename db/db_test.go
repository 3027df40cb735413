package db

import (
	"os"
	"testing"

	"github.com/vitalink-app/vitalink/domain"
)

func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tempFile, err := os.CreateTemp(t.TempDir(), "test_*.db")
	if err != nil {
		t.Fatalf("os.CreateTemp() failed: %v", err)
	}
	tempFile.Close()

	dbConn, err := New(tempFile.Name())
	if err != nil {
		t.Fatalf("db.New() failed: %v", err)
	}

	repo := NewRepo(dbConn)

	teardown := func() {
		repo.Close()
		os.Remove(tempFile.Name())
	}

	return repo, teardown
}

func testEnvelope(id, origin, object, action string) domain.Envelope {
	return domain.Envelope{
		MessageID:    id,
		Timestamp:    "2026-08-20T10:00:00-03:00",
		OriginUserID: origin,
		Object:       object,
		Action:       action,
		Payload:      domain.Payload{"key": "value"},
	}
}

func TestNew(t *testing.T) {
	t.Run("should run migrations on a fresh database", func(t *testing.T) {
		repo, teardown := setupTestDB(t)
		defer teardown()

		tables := []string{"logs", "archived_envelopes", "retired_ids"}
		for _, table := range tables {
			var count int
			err := repo.dbConn.Get(&count, "SELECT COUNT(*) FROM "+table)
			if err != nil {
				t.Fatalf("querying %s: %v", table, err)
			}
			if count != 0 {
				t.Fatalf("\nwanted:\n0 rows in %s\ngot:\n%d", table, count)
			}
		}
	})
}
