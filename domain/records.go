package domain

// Record is one item in a per-patient list (a diagnostic, an event, or a
// medication). The shape is action-specific; only the id is interpreted by
// the relay, for edits and deletes.
type Record map[string]any

// ID returns the record's item id, or "".
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// PatientRecords maps a patient's username to that patient's record list.
type PatientRecords map[string][]Record

// EvolutionHistory maps a date to the metric values filled on that date.
type EvolutionHistory map[string]map[string]any

// Evolution maps a patient id to that patient's evolution history.
type Evolution map[string]EvolutionHistory
