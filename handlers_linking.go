package vitalink

import (
	"fmt"
	"slices"

	"github.com/vitalink-app/vitalink/domain"
)

// handleInvitePatient validates and records a doctor's invitation to a
// patient. On success the invited patient also receives a directed
// establish_link notification.
func (relay *Relay) handleInvitePatient(tx domain.Envelope, batch *responseBatch) {
	accounts := relay.client.Store.Accounts()
	doctorIdx := domain.FindAccountByUser(accounts, tx.OriginUserID)
	patientIdx := domain.FindAccountByUser(accounts, stringField(tx.Payload, "patient_user_to_invite"))

	if doctorIdx < 0 || patientIdx < 0 {
		batch.comeback(tx, false, "doctor or patient not found")
		return
	}
	doctor := accounts[doctorIdx]
	patient := accounts[patientIdx]
	if patient.ProfileType != domain.ProfilePatient {
		batch.comeback(tx, false, "target user is not a patient")
		return
	}
	if patient.IsLinkedTo(doctor.ID) {
		batch.comeback(tx, false, "patient is already linked")
		return
	}
	if patient.HasInvitationFrom(doctor.ID) {
		batch.comeback(tx, false, "invitation already sent")
		return
	}

	accounts[patientIdx].Invitations = append(accounts[patientIdx].Invitations, doctor.ID)
	if err := relay.client.Store.SaveAccounts(accounts); err != nil {
		relay.client.WriteLog("ERROR", fmt.Sprintf("saving accounts : %v", err), LogWithEnvelopeID(tx.MessageID))
		batch.comeback(tx, false, "could not persist the invitation")
		return
	}
	batch.comeback(tx, true, "")

	// Directed notification to the invited patient's own session.
	batch.add(domain.NewEnvelope(patient.User, "linking_accounts", "establish_link", domain.Payload{
		"type": "new_invitation",
		"doctor_info": map[string]any{
			"id":   doctor.ID,
			"name": doctor.Name,
		},
	}))
}

// handleRespondToInvitation consumes a pending invitation. On accept, both
// sides of the doctor-patient link are written in the same store update, so
// the link never exists on only one side.
func (relay *Relay) handleRespondToInvitation(tx domain.Envelope, batch *responseBatch) {
	doctorID := stringField(tx.Payload, "doctor_id")
	response := stringField(tx.Payload, "response")

	accounts := relay.client.Store.Accounts()
	patientIdx := domain.FindAccountByUser(accounts, tx.OriginUserID)
	if patientIdx < 0 {
		batch.comeback(tx, false, "patient account not found")
		return
	}
	if !accounts[patientIdx].HasInvitationFrom(doctorID) {
		batch.comeback(tx, false, "no pending invitation from this doctor")
		return
	}

	accounts[patientIdx].Invitations = slices.DeleteFunc(accounts[patientIdx].Invitations,
		func(id string) bool { return id == doctorID })

	accepted := response == "accept"
	if accepted {
		if accounts[patientIdx].PatientInfo == nil {
			accounts[patientIdx].PatientInfo = &domain.PatientInfo{}
		}
		accounts[patientIdx].PatientInfo.ResponsibleDoctors = append(
			accounts[patientIdx].PatientInfo.ResponsibleDoctors, doctorID)

		doctorIdx := domain.FindAccountByID(accounts, doctorID)
		if doctorIdx >= 0 {
			accounts[doctorIdx].LinkedPatients = append(accounts[doctorIdx].LinkedPatients, accounts[patientIdx].ID)
		}
	}

	if err := relay.client.Store.SaveAccounts(accounts); err != nil {
		relay.client.WriteLog("ERROR", fmt.Sprintf("saving accounts : %v", err), LogWithEnvelopeID(tx.MessageID))
		batch.comeback(tx, false, "could not persist the invitation response")
		return
	}
	batch.comeback(tx, true, "")

	if accepted {
		// Directed notification to the doctor's own session.
		doctorIdx := domain.FindAccountByID(accounts, doctorID)
		if doctorIdx >= 0 {
			patient := accounts[patientIdx]
			batch.add(domain.NewEnvelope(accounts[doctorIdx].User, "linking_accounts", "establish_link", domain.Payload{
				"type": "link_established",
				"patient_info": map[string]any{
					"id":   patient.ID,
					"name": patient.Name,
				},
			}))
		}
	}
}

// handleUnlinkAccounts removes both sides of an existing doctor-patient
// link in one store update, whichever side initiated the unlink.
func (relay *Relay) handleUnlinkAccounts(tx domain.Envelope, batch *responseBatch) {
	targetID := stringField(tx.Payload, "target_user_id")

	accounts := relay.client.Store.Accounts()
	originIdx := domain.FindAccountByUser(accounts, tx.OriginUserID)
	targetIdx := domain.FindAccountByID(accounts, targetID)
	if originIdx < 0 || targetIdx < 0 {
		batch.comeback(tx, false, "account to unlink not found")
		return
	}

	unlink := func(doctorIdx, patientIdx int) {
		doctorID := accounts[doctorIdx].ID
		patientID := accounts[patientIdx].ID
		accounts[doctorIdx].LinkedPatients = slices.DeleteFunc(accounts[doctorIdx].LinkedPatients,
			func(id string) bool { return id == patientID })
		if accounts[patientIdx].PatientInfo != nil {
			accounts[patientIdx].PatientInfo.ResponsibleDoctors = slices.DeleteFunc(
				accounts[patientIdx].PatientInfo.ResponsibleDoctors,
				func(id string) bool { return id == doctorID })
		}
	}

	switch {
	case accounts[originIdx].ProfileType == domain.ProfileDoctor &&
		accounts[targetIdx].ProfileType == domain.ProfilePatient:
		unlink(originIdx, targetIdx)
	case accounts[originIdx].ProfileType == domain.ProfilePatient &&
		accounts[targetIdx].ProfileType == domain.ProfileDoctor:
		unlink(targetIdx, originIdx)
	default:
		batch.comeback(tx, false, "accounts are not a doctor-patient pair")
		return
	}

	if err := relay.client.Store.SaveAccounts(accounts); err != nil {
		relay.client.WriteLog("ERROR", fmt.Sprintf("saving accounts : %v", err), LogWithEnvelopeID(tx.MessageID))
		batch.comeback(tx, false, "could not persist the unlink")
		return
	}
	batch.comeback(tx, true, "")
}
