package vitalink

import (
	"fmt"

	"github.com/vitalink-app/vitalink/domain"
	"github.com/vitalink-app/vitalink/store"
)

// relayHandler applies the business logic of one (object, action) pair
// against the record store and appends any response envelopes to the batch.
type relayHandler func(tx domain.Envelope, batch *responseBatch)

// responseBatch collects the envelopes one relay cycle emits into the inbox.
// Within a cycle, envelopes are appended in the order their source
// transactions were dispatched.
type responseBatch struct {
	envelopes []domain.Envelope
}

func (batch *responseBatch) add(envelope domain.Envelope) {
	batch.envelopes = append(batch.envelopes, envelope)
}

// comeback appends the correlated acknowledgement for a request.
func (batch *responseBatch) comeback(request domain.Envelope, executed bool, reason string) {
	batch.add(domain.Comeback(request, executed, reason))
}

// Relay is the simulated server: the sole writer of business records. Each
// cycle it ingests new outbound envelopes into the append-only transaction
// log, dispatches each exactly once, and emits responses into the inbox.
type Relay struct {
	client       *Client
	handlers     map[domain.ActionKey]relayHandler
	outboundOnly map[domain.ActionKey]struct{}
}

func newRelay(client *Client) *Relay {
	relay := &Relay{
		client:       client,
		handlers:     make(map[domain.ActionKey]relayHandler),
		outboundOnly: make(map[domain.ActionKey]struct{}),
	}
	relay.registerHandlers()
	return relay
}

// register adds a handler for an (object, action) pair. Outbound-only pairs
// are consumed by the relay and never forwarded verbatim to the inbox.
func (relay *Relay) register(object, action string, handler relayHandler, outboundOnly bool) {
	key := domain.ActionKey{Object: object, Action: action}
	relay.handlers[key] = handler
	if outboundOnly {
		relay.outboundOnly[key] = struct{}{}
	}
}

func (relay *Relay) registerHandlers() {
	relay.register("account", "try_login", relay.handleTryLogin, true)
	relay.register("account", "create_account", relay.handleCreateAccount, true)
	relay.register("account", "change_password", relay.handleChangePassword, true)
	relay.register("account", "delete_account", relay.handleDeleteAccount, true)

	relay.register("linking_accounts", "invite_patient", relay.handleInvitePatient, true)
	relay.register("linking_accounts", "respond_to_invitation", relay.handleRespondToInvitation, true)
	relay.register("linking_accounts", "unlink_accounts", relay.handleUnlinkAccounts, true)

	relay.register("diagnostic", "add_diagnostic", relay.recordAdd(store.Diagnostics), true)
	relay.register("diagnostic", "edit_diagnostic", relay.recordEdit(store.Diagnostics), true)
	relay.register("diagnostic", "delete_diagnostic", relay.recordDelete(store.Diagnostics, "diagnostic_id"), true)

	relay.register("event", "add_event", relay.recordAdd(store.Events), true)
	relay.register("event", "edit_event", relay.recordEdit(store.Events), true)
	relay.register("event", "delete_event", relay.recordDelete(store.Events, "event_id"), true)

	relay.register("medication", "add_med", relay.recordAdd(store.Medications), true)
	relay.register("medication", "edit_med", relay.recordEdit(store.Medications), true)
	relay.register("medication", "delete_med", relay.recordDelete(store.Medications, "med_id"), true)

	relay.register("evolution", "fill_metric", relay.handleFillMetric, true)
	relay.register("evolution", "update_tracked_metrics", relay.handleUpdateTrackedMetrics, true)
}

// ingest moves the current outbox content into the append-only transaction
// log and returns the ingested batch. The outbox itself is not cleared here:
// removal is driven later by the delete_from_outbox acknowledgement, so
// outbound cleanup is an observed, retryable effect.
func (relay *Relay) ingest() ([]domain.Envelope, error) {
	outbox := relay.client.Store.Queue(store.Outbox)
	if len(outbox) == 0 {
		return nil, nil
	}
	if err := relay.client.Store.AppendQueue(store.Transactions, outbox...); err != nil {
		return nil, fmt.Errorf("appending to transaction log : %w", err)
	}
	relay.client.WriteLog("INFO", fmt.Sprintf("ingested %d envelopes from outbox", len(outbox)))
	return outbox, nil
}

// alreadyProcessed consults the flat-file processed set first and the
// retired-id ledger second, so deduplication holds after eviction.
func (relay *Relay) alreadyProcessed(processed map[string]struct{}, id string) bool {
	if _, ok := processed[id]; ok {
		return true
	}
	if relay.client.Repo == nil {
		return false
	}
	retired, err := relay.client.Repo.IsRetired(domain.LedgerTransactions, id)
	if err != nil {
		relay.client.WriteLog("WARN", fmt.Sprintf("checking retired ledger for %s : %v", id, err))
		return false
	}
	return retired
}

// runCycle executes one Ingest, Dedupe, Dispatch, Respond, Acknowledge pass.
func (relay *Relay) runCycle() error {
	batch, err := relay.ingest()
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	processedList := relay.client.Store.IDSet(store.ProcessedTransactionIDs)
	processed := make(map[string]struct{}, len(processedList))
	for _, id := range processedList {
		processed[id] = struct{}{}
	}

	responses := &responseBatch{}
	for _, tx := range batch {
		if relay.alreadyProcessed(processed, tx.MessageID) {
			continue
		}

		// Marked processed before dispatch: a crash after the mark loses the
		// effect instead of double-applying it.
		processed[tx.MessageID] = struct{}{}
		processedList = append(processedList, tx.MessageID)

		key := tx.Key()
		if _, ok := relay.outboundOnly[key]; !ok {
			// Everything not outbound-only is also forwarded unchanged, as a
			// broadcast to other sessions interested in the change.
			responses.add(tx)
		}

		if handler, ok := relay.handlers[key]; ok {
			handler(tx, responses)
		} else {
			relay.client.WriteLog("WARN", fmt.Sprintf("no handler for %s/%s", tx.Object, tx.Action),
				LogWithEnvelopeID(tx.MessageID))
		}

		// Regardless of outcome, tell the origin to prune its outbox.
		responses.add(domain.NewEnvelope(tx.OriginUserID, "outbox", "delete_from_outbox", domain.Payload{
			"message_id_to_delete": tx.MessageID,
		}))
	}

	if err := relay.client.Store.AppendQueue(store.Inbox, responses.envelopes...); err != nil {
		return fmt.Errorf("appending responses to inbox : %w", err)
	}

	// The id set is persisted even when retiring overflow ids fails, so
	// already-dispatched transactions are never re-applied.
	processedList, retireErr := relay.boundProcessed(processedList)
	if err := relay.client.Store.SaveIDSet(store.ProcessedTransactionIDs, processedList); err != nil {
		return fmt.Errorf("persisting processed transaction ids : %w", err)
	}
	return retireErr
}

// boundProcessed enforces the processed-id cap: overflow ids move to the
// retired ledger before leaving the flat-file set. On failure the ids are
// returned unbounded.
func (relay *Relay) boundProcessed(ids []string) ([]string, error) {
	limit := relay.client.Config.ProcessedIDCap
	if limit <= 0 || len(ids) <= limit {
		return ids, nil
	}
	// Without a ledger to retire into, the set stays unbounded; trimming
	// here would open a double-apply window.
	if relay.client.Repo == nil {
		return ids, nil
	}
	overflow := ids[:len(ids)-limit]
	if err := relay.client.Repo.RetireIDs(domain.LedgerTransactions, overflow); err != nil {
		return ids, fmt.Errorf("retiring %d transaction ids : %w", len(overflow), err)
	}
	return ids[len(ids)-limit:], nil
}
