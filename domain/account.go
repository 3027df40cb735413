package domain

import "slices"

// Profile types an account can carry. A doctor account may additionally own a
// shadow patient profile when created with "is_also_patient".
const (
	ProfileDoctor  = "doctor"
	ProfilePatient = "patient"
)

// PatientInfo holds the patient-specific portion of an account.
type PatientInfo struct {
	HeightCM           string            `json:"height_cm,omitempty"`
	DateOfBirth        map[string]string `json:"date_of_birth,omitempty"`
	Sex                string            `json:"sex,omitempty"`
	PatientCode        string            `json:"patient_code,omitempty"`         // Equal to the account id
	ResponsibleDoctors []string          `json:"responsible_doctors,omitempty"`  // Doctor ids linked to this patient
	TrackedMetrics     []string          `json:"tracked_metrics,omitempty"`      // Evolution metrics currently tracked
}

// Account is a user account record as stored in the accounts collection.
// Accounts are mutated only by relay-side handlers, never by the consumer.
type Account struct {
	ID             string       `json:"id"`
	ProfileType    string       `json:"profile_type"`
	Name           string       `json:"name"`
	User           string       `json:"user"`
	Password       string       `json:"password"`
	PatientInfo    *PatientInfo `json:"patient_info,omitempty"`
	LinkedPatients []string     `json:"linked_patients,omitempty"` // Patient ids linked to this doctor
	SelfPatientID  string       `json:"self_patient_id,omitempty"` // Shadow patient profile of a doctor
	Invitations    []string     `json:"invitations,omitempty"`     // Doctor ids with a pending invitation
}

// IsLinkedTo reports whether the doctor id is among the patient's
// responsible doctors.
func (a Account) IsLinkedTo(doctorID string) bool {
	return a.PatientInfo != nil && slices.Contains(a.PatientInfo.ResponsibleDoctors, doctorID)
}

// HasInvitationFrom reports whether the doctor id has a pending invitation on
// this account.
func (a Account) HasInvitationFrom(doctorID string) bool {
	return slices.Contains(a.Invitations, doctorID)
}

// FindAccountByUser returns the index of the account with the given username,
// or -1.
func FindAccountByUser(accounts []Account, user string) int {
	return slices.IndexFunc(accounts, func(a Account) bool { return a.User == user })
}

// FindAccountByID returns the index of the account with the given id, or -1.
func FindAccountByID(accounts []Account, id string) int {
	return slices.IndexFunc(accounts, func(a Account) bool { return a.ID == id })
}
