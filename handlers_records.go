package vitalink

import (
	"fmt"
	"slices"

	"github.com/vitalink-app/vitalink/domain"
	"github.com/vitalink-app/vitalink/store"
)

// recordFromPayload copies the payload minus the routing field: the target
// patient is carried separately from the stored record.
func recordFromPayload(payload domain.Payload) domain.Record {
	record := make(domain.Record, len(payload))
	for key, value := range payload {
		if key == "patient_user" {
			continue
		}
		record[key] = value
	}
	return record
}

// recordAdd returns the handler appending a new item to a patient's list in
// the given collection.
func (relay *Relay) recordAdd(collection store.Collection) relayHandler {
	return func(tx domain.Envelope, batch *responseBatch) {
		patient := stringField(tx.Payload, "patient_user")
		if patient == "" {
			relay.client.WriteLog("ERROR", fmt.Sprintf("%s/%s payload has no patient_user", tx.Object, tx.Action),
				LogWithEnvelopeID(tx.MessageID))
			return
		}
		records := relay.client.Store.Records(collection)
		records[patient] = append(records[patient], recordFromPayload(tx.Payload))
		if err := relay.client.Store.SaveRecords(collection, records); err != nil {
			relay.client.WriteLog("ERROR", fmt.Sprintf("saving %s : %v", collection, err), LogWithEnvelopeID(tx.MessageID))
		}
	}
}

// recordEdit returns the handler merging the payload over the stored item
// with the payload's id. Fields absent from the payload keep their stored
// values.
func (relay *Relay) recordEdit(collection store.Collection) relayHandler {
	return func(tx domain.Envelope, batch *responseBatch) {
		patient := stringField(tx.Payload, "patient_user")
		itemID := stringField(tx.Payload, "id")
		if patient == "" || itemID == "" {
			relay.client.WriteLog("ERROR", fmt.Sprintf("%s/%s payload needs patient_user and id", tx.Object, tx.Action),
				LogWithEnvelopeID(tx.MessageID))
			return
		}
		records := relay.client.Store.Records(collection)
		idx := slices.IndexFunc(records[patient], func(r domain.Record) bool { return r.ID() == itemID })
		if idx < 0 {
			relay.client.WriteLog("WARN", fmt.Sprintf("item %s not found in %s for %s", itemID, collection, patient),
				LogWithEnvelopeID(tx.MessageID))
			return
		}
		update := recordFromPayload(tx.Payload)
		for key, value := range update {
			records[patient][idx][key] = value
		}
		if err := relay.client.Store.SaveRecords(collection, records); err != nil {
			relay.client.WriteLog("ERROR", fmt.Sprintf("saving %s : %v", collection, err), LogWithEnvelopeID(tx.MessageID))
		}
	}
}

// recordDelete returns the handler removing the item identified by the
// object-specific id field (falling back to "id") from a patient's list.
func (relay *Relay) recordDelete(collection store.Collection, idField string) relayHandler {
	return func(tx domain.Envelope, batch *responseBatch) {
		patient := stringField(tx.Payload, "patient_user")
		itemID := stringField(tx.Payload, idField)
		if itemID == "" {
			itemID = stringField(tx.Payload, "id")
		}
		if patient == "" || itemID == "" {
			relay.client.WriteLog("ERROR", fmt.Sprintf("%s/%s payload needs patient_user and %s", tx.Object, tx.Action, idField),
				LogWithEnvelopeID(tx.MessageID))
			return
		}
		records := relay.client.Store.Records(collection)
		trimmed := slices.DeleteFunc(records[patient], func(r domain.Record) bool { return r.ID() == itemID })
		if len(trimmed) == len(records[patient]) {
			relay.client.WriteLog("WARN", fmt.Sprintf("item %s not found in %s for %s", itemID, collection, patient),
				LogWithEnvelopeID(tx.MessageID))
			return
		}
		records[patient] = trimmed
		if err := relay.client.Store.SaveRecords(collection, records); err != nil {
			relay.client.WriteLog("ERROR", fmt.Sprintf("saving %s : %v", collection, err), LogWithEnvelopeID(tx.MessageID))
		}
	}
}

// handleFillMetric merges the payload's metric values into the patient's
// evolution history for the given date. Re-applying the same fill is
// idempotent: the merge converges on the same values.
func (relay *Relay) handleFillMetric(tx domain.Envelope, batch *responseBatch) {
	patientID := stringField(tx.Payload, "patient_id")
	date := stringField(tx.Payload, "date")
	metrics, _ := tx.Payload["metrics"].(map[string]any)
	if patientID == "" || date == "" || metrics == nil {
		batch.comeback(tx, false, "fill_metric needs patient_id, date and metrics")
		return
	}

	evolution := relay.client.Store.Evolution()
	history := evolution[patientID]
	if history == nil {
		history = domain.EvolutionHistory{}
	}
	if history[date] == nil {
		history[date] = make(map[string]any)
	}
	for metric, value := range metrics {
		history[date][metric] = value
	}
	evolution[patientID] = history
	if err := relay.client.Store.SaveEvolution(evolution); err != nil {
		relay.client.WriteLog("ERROR", fmt.Sprintf("saving evolution : %v", err), LogWithEnvelopeID(tx.MessageID))
		batch.comeback(tx, false, "could not persist the metric values")
		return
	}
	batch.comeback(tx, true, "")
}

// handleUpdateTrackedMetrics replaces a patient's tracked-metric list and
// retroactively prunes history entries of metrics no longer tracked.
func (relay *Relay) handleUpdateTrackedMetrics(tx domain.Envelope, batch *responseBatch) {
	patientID := stringField(tx.Payload, "patient_id")
	raw, _ := tx.Payload["tracked_metrics"].([]any)
	tracked := make([]string, 0, len(raw))
	for _, value := range raw {
		if metric, ok := value.(string); ok {
			tracked = append(tracked, metric)
		}
	}
	if patientID == "" {
		batch.comeback(tx, false, "update_tracked_metrics needs patient_id")
		return
	}

	accounts := relay.client.Store.Accounts()
	idx := domain.FindAccountByID(accounts, patientID)
	if idx < 0 {
		batch.comeback(tx, false, "patient account not found")
		return
	}
	if accounts[idx].PatientInfo == nil {
		accounts[idx].PatientInfo = &domain.PatientInfo{}
	}
	previous := accounts[idx].PatientInfo.TrackedMetrics
	accounts[idx].PatientInfo.TrackedMetrics = tracked
	if err := relay.client.Store.SaveAccounts(accounts); err != nil {
		relay.client.WriteLog("ERROR", fmt.Sprintf("saving accounts : %v", err), LogWithEnvelopeID(tx.MessageID))
		batch.comeback(tx, false, "could not persist the tracked metrics")
		return
	}

	var untracked []string
	for _, metric := range previous {
		if !slices.Contains(tracked, metric) {
			untracked = append(untracked, metric)
		}
	}
	if len(untracked) > 0 {
		evolution := relay.client.Store.Evolution()
		if history, ok := evolution[patientID]; ok {
			for _, entry := range history {
				for _, metric := range untracked {
					delete(entry, metric)
				}
			}
			evolution[patientID] = history
			if err := relay.client.Store.SaveEvolution(evolution); err != nil {
				relay.client.WriteLog("WARN", fmt.Sprintf("pruning untracked metrics : %v", err),
					LogWithEnvelopeID(tx.MessageID))
			}
		}
	}
	batch.comeback(tx, true, "")
}
