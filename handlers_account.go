package vitalink

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/vitalink-app/vitalink/domain"
	"github.com/vitalink-app/vitalink/store"
)

// stringField returns a string payload field, or "".
func stringField(payload domain.Payload, key string) string {
	value, _ := payload[key].(string)
	return value
}

// boolField returns a bool payload field, or false.
func boolField(payload domain.Payload, key string) bool {
	value, _ := payload[key].(bool)
	return value
}

// patientInfoFromPayload extracts the patient_info section of a payload.
func patientInfoFromPayload(value any) *domain.PatientInfo {
	section, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	info := &domain.PatientInfo{}
	info.HeightCM, _ = section["height_cm"].(string)
	info.Sex, _ = section["sex"].(string)
	if dob, ok := section["date_of_birth"].(map[string]any); ok {
		info.DateOfBirth = make(map[string]string, len(dob))
		for key, raw := range dob {
			if v, ok := raw.(string); ok {
				info.DateOfBirth[key] = v
			}
		}
	}
	return info
}

// allocateID generates a unique 8-digit numeric id for a profile type and
// records it in the corresponding id registry.
func (relay *Relay) allocateID(profileType string) (string, error) {
	registry, ok := store.RegistryFor(profileType)
	if !ok {
		return "", fmt.Errorf("no id registry for profile type %q", profileType)
	}
	existing := relay.client.Store.Registry(registry)
	for {
		id := fmt.Sprintf("%d", 10000000+rand.Intn(90000000))
		if slices.Contains(existing, id) {
			continue
		}
		existing = append(existing, id)
		if err := relay.client.Store.SaveRegistry(registry, existing); err != nil {
			return "", fmt.Errorf("saving id registry : %w", err)
		}
		return id, nil
	}
}

// handleTryLogin validates credentials and emits a try_login_cback. On
// success the payload carries the user_data the consumer needs to establish
// the session.
func (relay *Relay) handleTryLogin(tx domain.Envelope, batch *responseBatch) {
	user := stringField(tx.Payload, "user")
	password := stringField(tx.Payload, "password")
	accounts := relay.client.Store.Accounts()

	idx := domain.FindAccountByUser(accounts, user)
	if idx < 0 || accounts[idx].Password != password {
		batch.add(domain.NewEnvelope(user, "account", "try_login_cback", domain.Payload{
			"request_message_id": tx.MessageID,
			"executed":           false,
			"reason":             "invalid username or password",
		}))
		return
	}

	account := accounts[idx]
	batch.add(domain.NewEnvelope(user, "account", "try_login_cback", domain.Payload{
		"request_message_id": tx.MessageID,
		"executed":           true,
		"user_data": map[string]any{
			"id":           account.ID,
			"name":         account.Name,
			"user":         account.User,
			"profile_type": account.ProfileType,
		},
	}))
}

// handleCreateAccount validates the payload, allocates the account id, and
// persists the new account. A doctor created with is_also_patient also gets
// a shadow patient profile cross-linked to the doctor account.
func (relay *Relay) handleCreateAccount(tx domain.Envelope, batch *responseBatch) {
	payload := tx.Payload
	name := stringField(payload, "name")
	user := stringField(payload, "user")
	password := stringField(payload, "password")
	profileType := stringField(payload, "profile_type")

	if name == "" || user == "" || password == "" || profileType == "" {
		// Structurally invalid request: logged, not answered.
		relay.client.WriteLog("ERROR", "create_account payload is missing required fields",
			LogWithEnvelopeID(tx.MessageID))
		return
	}

	accounts := relay.client.Store.Accounts()
	if domain.FindAccountByUser(accounts, user) >= 0 {
		batch.comeback(tx, false, fmt.Sprintf("user %q already exists", user))
		return
	}

	userID, err := relay.allocateID(profileType)
	if err != nil {
		relay.client.WriteLog("ERROR", fmt.Sprintf("allocating id : %v", err), LogWithEnvelopeID(tx.MessageID))
		batch.comeback(tx, false, "could not allocate an account id")
		return
	}

	account := domain.Account{
		ID:          userID,
		ProfileType: profileType,
		Name:        name,
		User:        user,
		Password:    password,
	}

	switch {
	case profileType == domain.ProfileDoctor && boolField(payload, "is_also_patient"):
		patientID, err := relay.allocateID(domain.ProfilePatient)
		if err != nil {
			relay.client.WriteLog("ERROR", fmt.Sprintf("allocating patient id : %v", err), LogWithEnvelopeID(tx.MessageID))
			batch.comeback(tx, false, "could not allocate a patient profile id")
			return
		}
		info := patientInfoFromPayload(payload["patient_info"])
		if info == nil {
			info = &domain.PatientInfo{}
		}
		info.PatientCode = patientID
		info.ResponsibleDoctors = []string{userID}
		shadow := domain.Account{
			ID:          patientID,
			ProfileType: domain.ProfilePatient,
			Name:        name,
			User:        user + "_patient_profile",
			Password:    "internal_use_only",
			PatientInfo: info,
		}
		accounts = append(accounts, shadow)
		account.LinkedPatients = []string{patientID}
		account.SelfPatientID = patientID

	case profileType == domain.ProfilePatient:
		info := patientInfoFromPayload(payload["patient_info"])
		if info == nil {
			info = &domain.PatientInfo{}
		}
		info.PatientCode = userID
		account.PatientInfo = info
	}

	accounts = append(accounts, account)
	if err := relay.client.Store.SaveAccounts(accounts); err != nil {
		relay.client.WriteLog("ERROR", fmt.Sprintf("saving accounts : %v", err), LogWithEnvelopeID(tx.MessageID))
		batch.comeback(tx, false, "could not persist the new account")
		return
	}
	batch.comeback(tx, true, "")
}

// handleChangePassword re-validates the current password on every apply, so
// a duplicate application after a crash fails instead of double-applying.
func (relay *Relay) handleChangePassword(tx domain.Envelope, batch *responseBatch) {
	accounts := relay.client.Store.Accounts()
	idx := domain.FindAccountByUser(accounts, tx.OriginUserID)
	if idx < 0 {
		batch.comeback(tx, false, "account not found")
		return
	}
	if accounts[idx].Password != stringField(tx.Payload, "current_password") {
		batch.comeback(tx, false, "current password is incorrect")
		return
	}
	accounts[idx].Password = stringField(tx.Payload, "new_password")
	if err := relay.client.Store.SaveAccounts(accounts); err != nil {
		relay.client.WriteLog("ERROR", fmt.Sprintf("saving accounts : %v", err), LogWithEnvelopeID(tx.MessageID))
		batch.comeback(tx, false, "could not persist the password change")
		return
	}
	batch.comeback(tx, true, "")
}

// handleDeleteAccount removes the account, its id-registry entry, the cross
// references held by linked accounts, and the patient's record collections.
// The store is left consistent in one logical step per collection.
func (relay *Relay) handleDeleteAccount(tx domain.Envelope, batch *responseBatch) {
	accounts := relay.client.Store.Accounts()
	idx := domain.FindAccountByUser(accounts, tx.OriginUserID)
	if idx < 0 {
		batch.comeback(tx, false, "account not found")
		return
	}
	account := accounts[idx]
	accounts = slices.Delete(accounts, idx, idx+1)

	switch account.ProfileType {
	case domain.ProfileDoctor:
		for i := range accounts {
			if accounts[i].ProfileType == domain.ProfilePatient && accounts[i].PatientInfo != nil {
				accounts[i].PatientInfo.ResponsibleDoctors = slices.DeleteFunc(
					accounts[i].PatientInfo.ResponsibleDoctors,
					func(id string) bool { return id == account.ID },
				)
			}
		}
		relay.releaseID(store.DoctorIDs, account.ID, tx.MessageID)

	case domain.ProfilePatient:
		for i := range accounts {
			if accounts[i].ProfileType == domain.ProfileDoctor {
				accounts[i].LinkedPatients = slices.DeleteFunc(
					accounts[i].LinkedPatients,
					func(id string) bool { return id == account.ID },
				)
			}
		}
		relay.releaseID(store.PatientIDs, account.ID, tx.MessageID)
		relay.dropPatientRecords(account, tx.MessageID)
	}

	if err := relay.client.Store.SaveAccounts(accounts); err != nil {
		relay.client.WriteLog("ERROR", fmt.Sprintf("saving accounts : %v", err), LogWithEnvelopeID(tx.MessageID))
		batch.comeback(tx, false, "could not persist the account deletion")
		return
	}
	batch.comeback(tx, true, "")
}

// releaseID removes an id from its registry.
func (relay *Relay) releaseID(registry store.Collection, id, envelopeID string) {
	ids := relay.client.Store.Registry(registry)
	trimmed := slices.DeleteFunc(ids, func(existing string) bool { return existing == id })
	if len(trimmed) == len(ids) {
		return
	}
	if err := relay.client.Store.SaveRegistry(registry, trimmed); err != nil {
		relay.client.WriteLog("WARN", fmt.Sprintf("releasing id %s : %v", id, err), LogWithEnvelopeID(envelopeID))
	}
}

// dropPatientRecords removes a deleted patient's entries from every record
// collection. Record collections are keyed by username; evolution is keyed
// by patient id.
func (relay *Relay) dropPatientRecords(account domain.Account, envelopeID string) {
	for _, collection := range []store.Collection{store.Diagnostics, store.Events, store.Medications} {
		records := relay.client.Store.Records(collection)
		if _, ok := records[account.User]; !ok {
			continue
		}
		delete(records, account.User)
		if err := relay.client.Store.SaveRecords(collection, records); err != nil {
			relay.client.WriteLog("WARN", fmt.Sprintf("dropping %s for %s : %v", collection, account.User, err),
				LogWithEnvelopeID(envelopeID))
		}
	}
	evolution := relay.client.Store.Evolution()
	if _, ok := evolution[account.ID]; ok {
		delete(evolution, account.ID)
		if err := relay.client.Store.SaveEvolution(evolution); err != nil {
			relay.client.WriteLog("WARN", fmt.Sprintf("dropping evolution for %s : %v", account.ID, err),
				LogWithEnvelopeID(envelopeID))
		}
	}
}
