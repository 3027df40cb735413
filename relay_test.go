package vitalink

import (
	"path"
	"testing"

	"github.com/vitalink-app/vitalink/db"
	"github.com/vitalink-app/vitalink/domain"
	"github.com/vitalink-app/vitalink/store"
)

func setupTestClient(t *testing.T, options ...func(*Client) error) *Client {
	t.Helper()

	fileStore, err := store.New(path.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("store.New() failed: %v", err)
	}

	client, err := New(append([]func(*Client) error{WithStore(fileStore)}, options...)...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return client
}

// seedAccounts persists a linked doctor/patient pair: alice (doctor,
// 10000001) and bob (patient, 20000001, invited or linked per the flags).
func seedAccounts(t *testing.T, client *Client, linked, invited bool) {
	t.Helper()

	doctor := domain.Account{
		ID:          "10000001",
		ProfileType: domain.ProfileDoctor,
		Name:        "Dr. Alice",
		User:        "alice",
		Password:    "secret",
	}
	patient := domain.Account{
		ID:          "20000001",
		ProfileType: domain.ProfilePatient,
		Name:        "Bob",
		User:        "bob",
		Password:    "hunter2",
		PatientInfo: &domain.PatientInfo{PatientCode: "20000001"},
	}
	if linked {
		doctor.LinkedPatients = []string{patient.ID}
		patient.PatientInfo.ResponsibleDoctors = []string{doctor.ID}
	}
	if invited {
		patient.Invitations = []string{doctor.ID}
	}

	if err := client.Store.SaveAccounts([]domain.Account{doctor, patient}); err != nil {
		t.Fatalf("seeding accounts: %v", err)
	}
	if err := client.Store.SaveRegistry(store.DoctorIDs, []string{doctor.ID}); err != nil {
		t.Fatalf("seeding doctor registry: %v", err)
	}
	if err := client.Store.SaveRegistry(store.PatientIDs, []string{patient.ID}); err != nil {
		t.Fatalf("seeding patient registry: %v", err)
	}
}

// findByAction returns the first envelope with the given action, or nil.
func findByAction(envelopes []domain.Envelope, action string) *domain.Envelope {
	for i := range envelopes {
		if envelopes[i].Action == action {
			return &envelopes[i]
		}
	}
	return nil
}

func TestRelay_RunCycle(t *testing.T) {
	t.Run("should answer a failed login with a correlated comeback", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, false, false)

		messageID, ok := client.Enqueue("account", "try_login",
			domain.Payload{"user": "alice", "password": "wrong"},
			WithOriginOverride("alice"))
		if !ok {
			t.Fatalf("\nwanted:\nenqueued\ngot:\ndropped")
		}

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		inbox := client.Store.Queue(store.Inbox)
		cback := findByAction(inbox, "try_login_cback")
		if cback == nil {
			t.Fatalf("\nwanted:\ntry_login_cback in inbox\ngot:\n%v", inbox)
		}
		if cback.Executed() {
			t.Fatalf("\nwanted:\nexecuted false\ngot:\ntrue")
		}
		if cback.Reason() != "invalid username or password" {
			t.Fatalf("\nwanted:\ninvalid username or password\ngot:\n%s", cback.Reason())
		}
		if cback.RequestMessageID() != messageID {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", messageID, cback.RequestMessageID())
		}

		ack := findByAction(inbox, "delete_from_outbox")
		if ack == nil {
			t.Fatalf("\nwanted:\ndelete_from_outbox in inbox\ngot:\n%v", inbox)
		}
		if ack.Payload["message_id_to_delete"] != messageID {
			t.Fatalf("\nwanted:\n%s\ngot:\n%v", messageID, ack.Payload["message_id_to_delete"])
		}

		// Outbox pruning is driven by the acknowledgement, not by the relay.
		if outbox := client.Store.Queue(store.Outbox); len(outbox) != 1 {
			t.Fatalf("\nwanted:\n1 envelope still in outbox\ngot:\n%d", len(outbox))
		}
	})

	t.Run("should answer a successful login with the account user data", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, false, false)

		client.Enqueue("account", "try_login",
			domain.Payload{"user": "alice", "password": "secret"},
			WithOriginOverride("alice"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		cback := findByAction(client.Store.Queue(store.Inbox), "try_login_cback")
		if cback == nil || !cback.Executed() {
			t.Fatalf("\nwanted:\nexecuted try_login_cback\ngot:\n%v", cback)
		}

		userData, ok := cback.Payload["user_data"].(map[string]any)
		if !ok {
			t.Fatalf("\nwanted:\nuser_data in payload\ngot:\n%v", cback.Payload)
		}
		if userData["user"] != "alice" || userData["profile_type"] != domain.ProfileDoctor {
			t.Fatalf("\nwanted:\nalice/doctor\ngot:\n%v/%v", userData["user"], userData["profile_type"])
		}
	})

	t.Run("should not dispatch the same envelope twice across cycles", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, false, false)

		client.Enqueue("account", "try_login",
			domain.Payload{"user": "alice", "password": "wrong"},
			WithOriginOverride("alice"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("first relay cycle: %v", err)
		}
		want := len(client.Store.Queue(store.Inbox))

		// The request is still in the outbox and gets re-ingested; dedup
		// keeps it from producing a second response.
		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("second relay cycle: %v", err)
		}

		got := len(client.Store.Queue(store.Inbox))
		if got != want {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", want, got)
		}
	})

	t.Run("should not re-dispatch an envelope whose id was evicted to the ledger", func(t *testing.T) {
		dbConn, err := db.New(path.Join(t.TempDir(), "side.db"))
		if err != nil {
			t.Fatalf("db.New() failed: %v", err)
		}
		repo := db.NewRepo(dbConn)

		client := setupTestClient(t, WithRepo(repo))
		defer client.Close()
		client.Config.ProcessedIDCap = 1
		seedAccounts(t, client, false, false)

		first, _ := client.Enqueue("account", "try_login",
			domain.Payload{"user": "alice", "password": "wrong"},
			WithOriginOverride("alice"))
		second, _ := client.Enqueue("account", "try_login",
			domain.Payload{"user": "alice", "password": "wrong"},
			WithOriginOverride("alice"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("first relay cycle: %v", err)
		}

		// The cap pushed the first id out of the flat-file set and into
		// the retired ledger.
		ids := client.Store.IDSet(store.ProcessedTransactionIDs)
		if len(ids) != 1 || ids[0] != second {
			t.Fatalf("\nwanted:\n[%s]\ngot:\n%v", second, ids)
		}
		retired, err := repo.IsRetired(domain.LedgerTransactions, first)
		if err != nil {
			t.Fatalf("checking ledger: %v", err)
		}
		if !retired {
			t.Fatalf("\nwanted:\n%s retired\ngot:\nnot retired", first)
		}

		// Both requests are still in the unpruned outbox and get
		// re-ingested; the ledger keeps the evicted one from producing a
		// second response.
		want := len(client.Store.Queue(store.Inbox))
		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("second relay cycle: %v", err)
		}
		if got := len(client.Store.Queue(store.Inbox)); got != want {
			t.Fatalf("\nwanted:\n%d\ngot:\n%d", want, got)
		}
	})

	t.Run("should not forward outbound-only actions to the inbox", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, true, false)

		client.Enqueue("diagnostic", "add_diagnostic",
			domain.Payload{"patient_user": "bob", "id": "diag_1", "name": "flu"},
			WithOriginOverride("alice"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		inbox := client.Store.Queue(store.Inbox)
		if found := findByAction(inbox, "add_diagnostic"); found != nil {
			t.Fatalf("\nwanted:\nno add_diagnostic in inbox\ngot:\n%v", found)
		}
		if found := findByAction(inbox, "delete_from_outbox"); found == nil {
			t.Fatalf("\nwanted:\ndelete_from_outbox in inbox\ngot:\n%v", inbox)
		}
	})

	t.Run("should append a record under the target patient without the routing field", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, true, false)

		client.Enqueue("diagnostic", "add_diagnostic",
			domain.Payload{"patient_user": "bob", "id": "diag_1", "name": "flu", "date": "2026-08-20"},
			WithOriginOverride("alice"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		records := client.Store.Records(store.Diagnostics)
		if len(records["bob"]) != 1 {
			t.Fatalf("\nwanted:\n1 diagnostic for bob\ngot:\n%d", len(records["bob"]))
		}
		record := records["bob"][0]
		if record.ID() != "diag_1" || record["name"] != "flu" {
			t.Fatalf("\nwanted:\ndiag_1/flu\ngot:\n%v", record)
		}
		if _, ok := record["patient_user"]; ok {
			t.Fatalf("\nwanted:\nno patient_user in stored record\ngot:\n%v", record)
		}
	})

	t.Run("should merge an edit over the stored record", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, true, false)

		client.Enqueue("diagnostic", "add_diagnostic",
			domain.Payload{"patient_user": "bob", "id": "diag_1", "name": "flu", "date": "2026-08-20"},
			WithOriginOverride("alice"))
		client.Enqueue("diagnostic", "edit_diagnostic",
			domain.Payload{"patient_user": "bob", "id": "diag_1", "name": "influenza"},
			WithOriginOverride("alice"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		record := client.Store.Records(store.Diagnostics)["bob"][0]
		if record["name"] != "influenza" {
			t.Fatalf("\nwanted:\ninfluenza\ngot:\n%v", record["name"])
		}
		// Fields absent from the edit keep their stored values.
		if record["date"] != "2026-08-20" {
			t.Fatalf("\nwanted:\n2026-08-20\ngot:\n%v", record["date"])
		}
	})

	t.Run("should create the account and register its id", func(t *testing.T) {
		client := setupTestClient(t)

		client.Enqueue("account", "create_account",
			domain.Payload{
				"name": "Carol", "user": "carol", "password": "pw",
				"profile_type": domain.ProfilePatient,
			},
			WithOriginOverride("carol"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		accounts := client.Store.Accounts()
		if len(accounts) != 1 {
			t.Fatalf("\nwanted:\n1 account\ngot:\n%d", len(accounts))
		}
		account := accounts[0]
		if account.PatientInfo == nil || account.PatientInfo.PatientCode != account.ID {
			t.Fatalf("\nwanted:\npatient_code equal to account id\ngot:\n%v", account.PatientInfo)
		}

		registry := client.Store.Registry(store.PatientIDs)
		if len(registry) != 1 || registry[0] != account.ID {
			t.Fatalf("\nwanted:\n[%s]\ngot:\n%v", account.ID, registry)
		}

		cback := findByAction(client.Store.Queue(store.Inbox), "create_account_cback")
		if cback == nil || !cback.Executed() {
			t.Fatalf("\nwanted:\nexecuted create_account_cback\ngot:\n%v", cback)
		}
	})

	t.Run("should create a shadow patient profile for a doctor who is also a patient", func(t *testing.T) {
		client := setupTestClient(t)

		client.Enqueue("account", "create_account",
			domain.Payload{
				"name": "Dr. Dave", "user": "dave", "password": "pw",
				"profile_type": domain.ProfileDoctor, "is_also_patient": true,
			},
			WithOriginOverride("dave"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		accounts := client.Store.Accounts()
		if len(accounts) != 2 {
			t.Fatalf("\nwanted:\n2 accounts\ngot:\n%d", len(accounts))
		}

		doctorIdx := domain.FindAccountByUser(accounts, "dave")
		shadowIdx := domain.FindAccountByUser(accounts, "dave_patient_profile")
		if doctorIdx < 0 || shadowIdx < 0 {
			t.Fatalf("\nwanted:\ndoctor and shadow accounts\ngot:\n%v", accounts)
		}

		doctor, shadow := accounts[doctorIdx], accounts[shadowIdx]
		if doctor.SelfPatientID != shadow.ID {
			t.Fatalf("\nwanted:\n%s\ngot:\n%s", shadow.ID, doctor.SelfPatientID)
		}
		if len(doctor.LinkedPatients) != 1 || doctor.LinkedPatients[0] != shadow.ID {
			t.Fatalf("\nwanted:\n[%s]\ngot:\n%v", shadow.ID, doctor.LinkedPatients)
		}
		if !shadow.IsLinkedTo(doctor.ID) {
			t.Fatalf("\nwanted:\nshadow linked to %s\ngot:\n%v", doctor.ID, shadow.PatientInfo)
		}
	})

	t.Run("should reject a duplicate username", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, false, false)

		client.Enqueue("account", "create_account",
			domain.Payload{
				"name": "Impostor", "user": "alice", "password": "pw",
				"profile_type": domain.ProfilePatient,
			},
			WithOriginOverride("alice"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		cback := findByAction(client.Store.Queue(store.Inbox), "create_account_cback")
		if cback == nil || cback.Executed() {
			t.Fatalf("\nwanted:\nfailed create_account_cback\ngot:\n%v", cback)
		}
		if len(client.Store.Accounts()) != 2 {
			t.Fatalf("\nwanted:\n2 accounts\ngot:\n%d", len(client.Store.Accounts()))
		}
	})

	t.Run("should re-validate the current password on change_password", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, false, false)

		client.Enqueue("account", "change_password",
			domain.Payload{"current_password": "stale", "new_password": "next"},
			WithOriginOverride("alice"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		cback := findByAction(client.Store.Queue(store.Inbox), "change_password_cback")
		if cback == nil || cback.Executed() {
			t.Fatalf("\nwanted:\nfailed change_password_cback\ngot:\n%v", cback)
		}

		accounts := client.Store.Accounts()
		if accounts[domain.FindAccountByUser(accounts, "alice")].Password != "secret" {
			t.Fatalf("\nwanted:\npassword unchanged\ngot:\n%s", accounts[0].Password)
		}
	})

	t.Run("should link both sides when an invitation is accepted", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, false, true)

		client.Enqueue("linking_accounts", "respond_to_invitation",
			domain.Payload{"doctor_id": "10000001", "response": "accept"},
			WithOriginOverride("bob"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		accounts := client.Store.Accounts()
		doctor := accounts[domain.FindAccountByUser(accounts, "alice")]
		patient := accounts[domain.FindAccountByUser(accounts, "bob")]

		if !patient.IsLinkedTo(doctor.ID) {
			t.Fatalf("\nwanted:\npatient linked to %s\ngot:\n%v", doctor.ID, patient.PatientInfo)
		}
		if len(doctor.LinkedPatients) != 1 || doctor.LinkedPatients[0] != patient.ID {
			t.Fatalf("\nwanted:\n[%s]\ngot:\n%v", patient.ID, doctor.LinkedPatients)
		}
		if len(patient.Invitations) != 0 {
			t.Fatalf("\nwanted:\nno pending invitations\ngot:\n%v", patient.Invitations)
		}

		notice := findByAction(client.Store.Queue(store.Inbox), "establish_link")
		if notice == nil {
			t.Fatalf("\nwanted:\nestablish_link in inbox\ngot:\nnone")
		}
		// The notification is addressed to the doctor's own session.
		if notice.OriginUserID != "alice" || notice.Payload["type"] != "link_established" {
			t.Fatalf("\nwanted:\nalice/link_established\ngot:\n%s/%v", notice.OriginUserID, notice.Payload["type"])
		}
	})

	t.Run("should reject an invitation response without a pending invitation", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, false, false)

		client.Enqueue("linking_accounts", "respond_to_invitation",
			domain.Payload{"doctor_id": "10000001", "response": "accept"},
			WithOriginOverride("bob"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		cback := findByAction(client.Store.Queue(store.Inbox), "respond_to_invitation_cback")
		if cback == nil || cback.Executed() {
			t.Fatalf("\nwanted:\nfailed respond_to_invitation_cback\ngot:\n%v", cback)
		}
	})

	t.Run("should remove both sides of the link on unlink", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, true, false)

		client.Enqueue("linking_accounts", "unlink_accounts",
			domain.Payload{"target_user_id": "10000001"},
			WithOriginOverride("bob"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		accounts := client.Store.Accounts()
		doctor := accounts[domain.FindAccountByUser(accounts, "alice")]
		patient := accounts[domain.FindAccountByUser(accounts, "bob")]

		if len(doctor.LinkedPatients) != 0 {
			t.Fatalf("\nwanted:\nno linked patients\ngot:\n%v", doctor.LinkedPatients)
		}
		if patient.IsLinkedTo(doctor.ID) {
			t.Fatalf("\nwanted:\npatient unlinked\ngot:\n%v", patient.PatientInfo)
		}
	})

	t.Run("should clean up registries, links and records on delete_account", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, true, false)

		records := domain.PatientRecords{"bob": {{"id": "diag_1", "name": "flu"}}}
		if err := client.Store.SaveRecords(store.Diagnostics, records); err != nil {
			t.Fatalf("seeding records: %v", err)
		}
		evolution := domain.Evolution{"20000001": {"2026-08-20": {"weight": 80.5}}}
		if err := client.Store.SaveEvolution(evolution); err != nil {
			t.Fatalf("seeding evolution: %v", err)
		}

		client.Enqueue("account", "delete_account", domain.Payload{}, WithOriginOverride("bob"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		accounts := client.Store.Accounts()
		if len(accounts) != 1 || accounts[0].User != "alice" {
			t.Fatalf("\nwanted:\nonly alice remaining\ngot:\n%v", accounts)
		}
		if len(accounts[0].LinkedPatients) != 0 {
			t.Fatalf("\nwanted:\nno linked patients\ngot:\n%v", accounts[0].LinkedPatients)
		}
		if registry := client.Store.Registry(store.PatientIDs); len(registry) != 0 {
			t.Fatalf("\nwanted:\nempty patient registry\ngot:\n%v", registry)
		}
		if remaining := client.Store.Records(store.Diagnostics); len(remaining["bob"]) != 0 {
			t.Fatalf("\nwanted:\nno diagnostics for bob\ngot:\n%v", remaining["bob"])
		}
		if remaining := client.Store.Evolution(); len(remaining) != 0 {
			t.Fatalf("\nwanted:\nempty evolution\ngot:\n%v", remaining)
		}
	})

	t.Run("should merge filled metrics into the evolution history", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, true, false)

		client.Enqueue("evolution", "fill_metric",
			domain.Payload{
				"patient_id": "20000001", "date": "2026-08-20",
				"metrics": map[string]any{"weight": 80.5},
			},
			WithOriginOverride("bob"))
		client.Enqueue("evolution", "fill_metric",
			domain.Payload{
				"patient_id": "20000001", "date": "2026-08-20",
				"metrics": map[string]any{"blood_pressure": "120/80"},
			},
			WithOriginOverride("bob"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		history := client.Store.Evolution()["20000001"]["2026-08-20"]
		if history["weight"] != 80.5 || history["blood_pressure"] != "120/80" {
			t.Fatalf("\nwanted:\nboth metrics merged\ngot:\n%v", history)
		}
	})

	t.Run("should prune history entries of metrics no longer tracked", func(t *testing.T) {
		client := setupTestClient(t)
		seedAccounts(t, client, true, false)

		accounts := client.Store.Accounts()
		idx := domain.FindAccountByUser(accounts, "bob")
		accounts[idx].PatientInfo.TrackedMetrics = []string{"weight", "blood_pressure"}
		if err := client.Store.SaveAccounts(accounts); err != nil {
			t.Fatalf("seeding tracked metrics: %v", err)
		}
		evolution := domain.Evolution{"20000001": {"2026-08-20": {"weight": 80.5, "blood_pressure": "120/80"}}}
		if err := client.Store.SaveEvolution(evolution); err != nil {
			t.Fatalf("seeding evolution: %v", err)
		}

		client.Enqueue("evolution", "update_tracked_metrics",
			domain.Payload{"patient_id": "20000001", "tracked_metrics": []any{"weight"}},
			WithOriginOverride("bob"))

		if err := client.RunRelayCycle(); err != nil {
			t.Fatalf("relay cycle: %v", err)
		}

		accounts = client.Store.Accounts()
		tracked := accounts[domain.FindAccountByUser(accounts, "bob")].PatientInfo.TrackedMetrics
		if len(tracked) != 1 || tracked[0] != "weight" {
			t.Fatalf("\nwanted:\n[weight]\ngot:\n%v", tracked)
		}

		history := client.Store.Evolution()["20000001"]["2026-08-20"]
		if _, ok := history["blood_pressure"]; ok {
			t.Fatalf("\nwanted:\nblood_pressure pruned\ngot:\n%v", history)
		}
		if history["weight"] != 80.5 {
			t.Fatalf("\nwanted:\nweight kept\ngot:\n%v", history)
		}
	})
}
