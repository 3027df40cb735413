package vitalink

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vitalink-app/vitalink/domain"
	"github.com/vitalink-app/vitalink/store"
)

// consumerHandler applies the local side effects of one routed inbox
// envelope. Handlers receive the cycle state so they can touch the session
// and the processed-id set being built.
type consumerHandler func(cycle *consumerCycle, envelope domain.Envelope) error

// Consumer scans the durable inbox, routes envelopes addressed to the active
// session, and applies local side effects exactly once.
type Consumer struct {
	client   *Client
	handlers map[domain.ActionKey]consumerHandler
}

func newConsumer(client *Client) *Consumer {
	consumer := &Consumer{
		client:   client,
		handlers: make(map[domain.ActionKey]consumerHandler),
	}
	consumer.handlers[domain.ActionKey{Object: "account", Action: "try_login_cback"}] = (*consumerCycle).handleLoginComeback
	consumer.handlers[domain.ActionKey{Object: "outbox", Action: "delete_from_outbox"}] = (*consumerCycle).handleDeleteFromOutbox
	consumer.handlers[domain.ActionKey{Object: "inbox", Action: "delete_from_inbox"}] = (*consumerCycle).handleDeleteFromInbox
	consumer.handlers[domain.ActionKey{Object: "linking_accounts", Action: "establish_link"}] = (*consumerCycle).handleNotice
	return consumer
}

// consumerCycle is the state of one Filter, Decode, Route, Mark-processed,
// Compact pass.
type consumerCycle struct {
	consumer     *Consumer
	session      *domain.Session
	processed    []string
	processedSet map[string]struct{}
}

// eligible implements the filter stage: an envelope is processed this cycle
// iff it is addressed to the active session's user, or no session exists and
// it correlates with the locally pending pre-session request.
func (cycle *consumerCycle) eligible(envelope domain.Envelope) bool {
	if cycle.session.Active() {
		return envelope.OriginUserID == cycle.session.User
	}
	pending := cycle.session.PendingRequestID
	return pending != "" && envelope.RequestMessageID() == pending
}

// alreadyRouted consults the flat-file processed set first and the retired
// ledger second, guarding against redelivered duplicates after eviction.
func (cycle *consumerCycle) alreadyRouted(id string) bool {
	if _, ok := cycle.processedSet[id]; ok {
		return true
	}
	client := cycle.consumer.client
	if client.Repo == nil {
		return false
	}
	retired, err := client.Repo.IsRetired(domain.LedgerInbox, id)
	if err != nil {
		client.WriteLog("WARN", fmt.Sprintf("checking retired ledger for %s : %v", id, err))
		return false
	}
	return retired
}

// runCycle executes one full consumption pass against the given session.
func (consumer *Consumer) runCycle(session *domain.Session) error {
	client := consumer.client
	inbox := client.Store.Queue(store.Inbox)
	if len(inbox) == 0 {
		return nil
	}

	cycle := &consumerCycle{
		consumer:  consumer,
		session:   session,
		processed: client.Store.IDSet(store.ProcessedInboxIDs),
	}
	cycle.processedSet = make(map[string]struct{}, len(cycle.processed))
	for _, id := range cycle.processed {
		cycle.processedSet[id] = struct{}{}
	}

	cutoff := time.Now().Add(-client.Config.Retention())
	var remaining, stale []domain.Envelope
	for _, envelope := range inbox {
		if cycle.alreadyRouted(envelope.MessageID) {
			// Redelivered duplicate: drop from the queue, never re-route.
			continue
		}
		if !cycle.eligible(envelope) {
			if envelope.Time().Before(cutoff) {
				stale = append(stale, envelope)
			} else {
				remaining = append(remaining, envelope)
			}
			continue
		}
		if err := DecodeEnvelope(envelope); err != nil {
			client.WriteLog("WARN", fmt.Sprintf("dropping undecodable envelope : %v", err),
				LogWithEnvelopeID(envelope.MessageID))
			continue
		}

		cycle.route(envelope)

		if _, ok := cycle.processedSet[envelope.MessageID]; !ok {
			cycle.processedSet[envelope.MessageID] = struct{}{}
			cycle.processed = append(cycle.processed, envelope.MessageID)
		}

		if envelope.IsComeback() && session.PendingRequestID != "" &&
			envelope.RequestMessageID() == session.PendingRequestID {
			session.PendingRequestID = ""
		}
	}

	// Envelopes ineligible beyond the retention window are archived rather
	// than silently deleted. Without an archive, or when archiving fails,
	// they stay in the queue; the persistence below still runs either way,
	// so envelopes routed this cycle are never re-routed.
	var archiveErr error
	if len(stale) > 0 {
		if client.Repo != nil {
			if err := client.Repo.ArchiveEnvelopes(string(store.Inbox), "stale", stale); err != nil {
				archiveErr = fmt.Errorf("archiving stale inbox envelopes : %w", err)
				remaining = append(remaining, stale...)
			}
		} else {
			remaining = append(remaining, stale...)
		}
	}

	processed, retireErr := consumer.boundProcessed(cycle.processed)
	if err := client.Store.SaveIDSet(store.ProcessedInboxIDs, processed); err != nil {
		return fmt.Errorf("persisting processed inbox ids : %w", err)
	}
	if err := client.Store.SaveQueue(store.Inbox, remaining); err != nil {
		return fmt.Errorf("compacting inbox : %w", err)
	}
	if archiveErr != nil {
		return archiveErr
	}
	return retireErr
}

// boundProcessed enforces the processed-id cap, retiring overflow ids to the
// inbox ledger. On failure the ids are returned unbounded.
func (consumer *Consumer) boundProcessed(ids []string) ([]string, error) {
	limit := consumer.client.Config.ProcessedIDCap
	if limit <= 0 || len(ids) <= limit || consumer.client.Repo == nil {
		return ids, nil
	}
	overflow := ids[:len(ids)-limit]
	if err := consumer.client.Repo.RetireIDs(domain.LedgerInbox, overflow); err != nil {
		return ids, fmt.Errorf("retiring %d inbox ids : %w", len(overflow), err)
	}
	return ids[len(ids)-limit:], nil
}

// route dispatches one eligible, decoded envelope. Comebacks without a
// specific handler go to the generic acknowledgement handler; everything
// else unknown is a broadcast surfaced to the shell.
func (cycle *consumerCycle) route(envelope domain.Envelope) {
	client := cycle.consumer.client
	handler, ok := cycle.consumer.handlers[envelope.Key()]
	if !ok {
		if envelope.IsComeback() {
			handler = (*consumerCycle).handleComeback
		} else {
			handler = (*consumerCycle).handleNotice
		}
	}
	if err := handler(cycle, envelope); err != nil {
		client.WriteLog("ERROR", fmt.Sprintf("handling %s/%s : %v", envelope.Object, envelope.Action, err),
			LogWithEnvelopeID(envelope.MessageID))
	}
}

// handleLoginComeback establishes the session on a successful login. The
// session is re-resolved within the running cycle, so later envelopes of the
// same batch addressed to the new session are processed immediately.
func (cycle *consumerCycle) handleLoginComeback(envelope domain.Envelope) error {
	client := cycle.consumer.client
	ack := Acknowledgement{
		Object:           envelope.Object,
		Action:           strings.TrimSuffix(envelope.Action, domain.ComebackSuffix),
		Executed:         envelope.Executed(),
		Reason:           envelope.Reason(),
		RequestMessageID: envelope.RequestMessageID(),
	}
	defer client.notifyAck(ack)

	if !ack.Executed {
		client.notifyFailure(ack.Reason)
		return nil
	}

	userData, ok := envelope.Payload["user_data"].(map[string]any)
	if !ok {
		return fmt.Errorf("try_login_cback payload has no user_data")
	}
	user, _ := userData["user"].(string)
	profileType, _ := userData["profile_type"].(string)
	if user == "" || profileType == "" {
		return fmt.Errorf("try_login_cback user_data is incomplete")
	}

	cycle.session.LoggedIn = true
	cycle.session.User = user
	cycle.session.ProfileType = profileType
	if err := client.Store.SaveSession(*cycle.session); err != nil {
		return fmt.Errorf("persisting session : %w", err)
	}
	client.notifySuccess(fmt.Sprintf("logged in as %s", user))
	return nil
}

var ackMessages = map[domain.ActionKey]string{
	{Object: "account", Action: "create_account"}:                 "account created",
	{Object: "account", Action: "change_password"}:                "password changed",
	{Object: "account", Action: "delete_account"}:                 "account deleted",
	{Object: "linking_accounts", Action: "invite_patient"}:        "invitation sent",
	{Object: "linking_accounts", Action: "respond_to_invitation"}: "invitation response recorded",
	{Object: "linking_accounts", Action: "unlink_accounts"}:       "accounts unlinked",
	{Object: "evolution", Action: "fill_metric"}:                  "metrics saved",
	{Object: "evolution", Action: "update_tracked_metrics"}:       "tracked metrics updated",
}

// handleComeback is the generic acknowledgement handler: it surfaces the
// outcome to the shell and applies the local post-conditions that belong to
// the core (the shell applies its own, like navigation, through the ack
// hook).
func (cycle *consumerCycle) handleComeback(envelope domain.Envelope) error {
	client := cycle.consumer.client
	ack := Acknowledgement{
		Object:           envelope.Object,
		Action:           strings.TrimSuffix(envelope.Action, domain.ComebackSuffix),
		Executed:         envelope.Executed(),
		Reason:           envelope.Reason(),
		RequestMessageID: envelope.RequestMessageID(),
	}
	defer client.notifyAck(ack)

	if !ack.Executed {
		client.notifyFailure(ack.Reason)
		return nil
	}

	// A deleted account forces a local logout.
	if ack.Object == "account" && ack.Action == "delete_account" {
		if err := client.Store.ClearSession(); err != nil {
			return err
		}
		*cycle.session = domain.Session{}
	}

	message, ok := ackMessages[domain.ActionKey{Object: ack.Object, Action: ack.Action}]
	if !ok {
		message = fmt.Sprintf("%s completed", ack.Action)
	}
	client.notifySuccess(message)
	return nil
}

// handleDeleteFromOutbox prunes the acknowledged envelope from the outbox,
// completing the at-least-once delivery loop.
func (cycle *consumerCycle) handleDeleteFromOutbox(envelope domain.Envelope) error {
	id, _ := envelope.Payload["message_id_to_delete"].(string)
	if id == "" {
		return fmt.Errorf("delete_from_outbox payload has no message_id_to_delete")
	}
	return cycle.consumer.client.Store.RemoveFromQueue(store.Outbox, id)
}

// handleDeleteFromInbox prunes an id from the processed-inbox set being
// built by this cycle.
func (cycle *consumerCycle) handleDeleteFromInbox(envelope domain.Envelope) error {
	id, _ := envelope.Payload["message_id_to_delete"].(string)
	if id == "" {
		return fmt.Errorf("delete_from_inbox payload has no message_id_to_delete")
	}
	delete(cycle.processedSet, id)
	cycle.processed = slices.DeleteFunc(cycle.processed, func(existing string) bool { return existing == id })
	return nil
}

// handleNotice passes broadcast and notification envelopes through to the
// shell, which reacts by updating its own state.
func (cycle *consumerCycle) handleNotice(envelope domain.Envelope) error {
	cycle.consumer.client.notifyNotice(envelope)
	return nil
}
