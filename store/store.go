package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"

	"github.com/vitalink-app/vitalink/domain"
)

// Collection names a record collection or queue document managed by the
// store. The set of collections is closed; each maps to one JSON file.
type Collection string

const (
	Accounts    Collection = "accounts"    // List of domain.Account
	DoctorIDs   Collection = "doctor_ids"  // Flat list of allocated doctor ids
	PatientIDs  Collection = "patient_ids" // Flat list of allocated patient ids
	Diagnostics Collection = "patient_diagnostics"
	Events      Collection = "patient_events"
	Medications Collection = "patient_medications"
	Evolution   Collection = "patient_evolution"

	Outbox       Collection = "outbox_messages"
	Inbox        Collection = "inbox_messages"
	Transactions Collection = "transactions" // Append-only ingestion log of the relay

	ProcessedTransactionIDs Collection = "processed_transaction_ids"
	ProcessedInboxIDs       Collection = "processed_inbox_ids"

	SessionFile Collection = "session"
)

// collectionFiles is the fixed collection-to-file table, resolved once when
// the store is constructed.
var collectionFiles = map[Collection]string{
	Accounts:                "accounts.json",
	DoctorIDs:               "doctor_ids.json",
	PatientIDs:              "patient_ids.json",
	Diagnostics:             "patient_diagnostics.json",
	Events:                  "patient_events.json",
	Medications:             "patient_medications.json",
	Evolution:               "patient_evolution.json",
	Outbox:                  "outbox_messages.json",
	Inbox:                   "inbox_messages.json",
	Transactions:            "transactions.json",
	ProcessedTransactionIDs: "processed_transaction_ids.json",
	ProcessedInboxIDs:       "processed_inbox_ids.json",
	SessionFile:             "session.json",
}

// RecordCollectionFor maps a business object name to its per-patient record
// collection. The bool is false for objects without one.
func RecordCollectionFor(object string) (Collection, bool) {
	switch object {
	case "diagnostic":
		return Diagnostics, true
	case "event":
		return Events, true
	case "medication":
		return Medications, true
	}
	return "", false
}

// RegistryFor maps a profile type to its id-registry collection.
func RegistryFor(profileType string) (Collection, bool) {
	switch profileType {
	case domain.ProfileDoctor:
		return DoctorIDs, true
	case domain.ProfilePatient:
		return PatientIDs, true
	}
	return "", false
}

// Store provides read/modify/write access to the flat-file collections under
// a single data directory.
type Store struct {
	baseDir string
	paths   map[Collection]string
}

// New creates a store rooted at baseDir, creating the directory if absent.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir %s : %w", baseDir, err)
	}
	paths := make(map[Collection]string, len(collectionFiles))
	for collection, file := range collectionFiles {
		paths[collection] = path.Join(baseDir, file)
	}
	return &Store{baseDir: baseDir, paths: paths}, nil
}

// BaseDir returns the data directory the store is rooted at.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// read unmarshals the collection file into out. Absent and malformed files
// leave out untouched, so callers pass in the empty default.
func (s *Store) read(collection Collection, out any) {
	raw, err := os.ReadFile(s.paths[collection])
	if err != nil {
		return
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Printf("[store] %s is malformed, treating as empty: %v", collection, err)
	}
}

// write replaces the collection file with the JSON encoding of value. The
// document is written to a temp file and renamed into place so no partial
// write is ever visible.
func (s *Store) write(collection Collection, value any) error {
	raw, err := json.MarshalIndent(value, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding %s : %w", collection, err)
	}
	tmp, err := os.CreateTemp(s.baseDir, string(collection)+"_*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s : %w", collection, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s : %w", collection, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file for %s : %w", collection, err)
	}
	if err := os.Rename(tmp.Name(), s.paths[collection]); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing %s : %w", collection, err)
	}
	return nil
}

// Accounts returns all user accounts.
func (s *Store) Accounts() []domain.Account {
	accounts := []domain.Account{}
	s.read(Accounts, &accounts)
	return accounts
}

// SaveAccounts replaces the accounts collection.
func (s *Store) SaveAccounts(accounts []domain.Account) error {
	return s.write(Accounts, accounts)
}

// Records returns a keyed per-patient record collection (diagnostics, events
// or medications).
func (s *Store) Records(collection Collection) domain.PatientRecords {
	records := domain.PatientRecords{}
	s.read(collection, &records)
	return records
}

// SaveRecords replaces a keyed per-patient record collection.
func (s *Store) SaveRecords(collection Collection, records domain.PatientRecords) error {
	return s.write(collection, records)
}

// Evolution returns the full evolution-metric history keyed by patient id.
func (s *Store) Evolution() domain.Evolution {
	evolution := domain.Evolution{}
	s.read(Evolution, &evolution)
	return evolution
}

// SaveEvolution replaces the evolution-metric history.
func (s *Store) SaveEvolution(evolution domain.Evolution) error {
	return s.write(Evolution, evolution)
}

// Registry returns an id registry (flat list of allocated ids).
func (s *Store) Registry(collection Collection) []string {
	ids := []string{}
	s.read(collection, &ids)
	return ids
}

// SaveRegistry replaces an id registry.
func (s *Store) SaveRegistry(collection Collection, ids []string) error {
	return s.write(collection, ids)
}

// Session returns the persisted session, or nil when no session exists.
func (s *Store) Session() *domain.Session {
	session := domain.Session{}
	s.read(SessionFile, &session)
	if !session.LoggedIn || session.User == "" {
		return nil
	}
	return &session
}

// SaveSession persists the session.
func (s *Store) SaveSession(session domain.Session) error {
	return s.write(SessionFile, session)
}

// ClearSession removes the persisted session. A missing session file is not
// an error.
func (s *Store) ClearSession() error {
	err := os.Remove(s.paths[SessionFile])
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing session : %w", err)
	}
	return nil
}
