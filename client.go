// Package vitalink provides a local two-sided message relay simulating
// client/server synchronization for a record-keeping application, without a
// real network. It is designed to be decoupled from GUI implementations and
// provides hooks for building the user-facing shell on top of it.
//
// The core functionality includes:
//   - A durable outbound queue (outbox) wrapping caller intent into stamped,
//     uniquely identified envelopes
//   - A relay stage playing the role of a server: ingestion into an
//     append-only transaction log, exactly-once dispatch of business
//     handlers against the flat-file record store, response generation
//   - A durable inbound queue (inbox) with idempotent consumption,
//     request/response correlation, and session establishment
//   - SQLite side-storage for structured logs and retention archives
package vitalink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitalink-app/vitalink/domain"
	"github.com/vitalink-app/vitalink/store"
)

// Repository defines the methods consumed by the client to interact with the
// SQLite side-store: the structured log sink, the archive of evicted
// envelopes, and the retired-id ledgers.
type Repository interface {
	InsertLog(log *domain.Log) error
	GetLogs() ([]*domain.Log, error)
	ArchiveEnvelopes(queue, reason string, envelopes []domain.Envelope) error
	GetArchivedEnvelopes(queue string) ([]*domain.ArchivedEnvelope, error)
	RetireIDs(ledger string, ids []string) error
	IsRetired(ledger string, id string) (bool, error)
	Close() error
}

// Acknowledgement is the decoded outcome of a comeback envelope, handed to
// the shell through the ack hook so it can apply its own post-conditions
// (navigation, closing dialogs, reloading views).
type Acknowledgement struct {
	Object           string // Business object of the original request
	Action           string // Original action, without the comeback suffix
	Executed         bool   // Whether the request was applied
	Reason           string // Human-readable failure reason, empty on success
	RequestMessageID string // Message id of the original request
}

// Client is the main struct orchestrating the relay. It owns the outbox, the
// simulated-server relay, the inbox consumer, and the session context, and
// serves as the surface consumed by the embedding shell.
type Client struct {
	DataDir string          // The data directory holding every flat-file collection
	Config  *Config         // The relay configuration (separate from the shell config)
	Store   *store.Store    // Flat-file record store and queues
	Repo    Repository      // Side-store repository interface
	Session *domain.Session // The active session context, passed explicitly into cycles

	relay    *Relay
	consumer *Consumer

	OnSuccess func(message string) error           // Ran on each successful acknowledgement - used by the shell to notify the user
	OnFailure func(reason string) error            // Ran on each failed acknowledgement - used by the shell to notify the user
	OnAck     func(ack Acknowledgement) error      // Ran on each acknowledgement with the decoded outcome
	OnNotice  func(envelope domain.Envelope) error // Ran on each broadcast/notification envelope addressed to this session
	OnLog     func(log domain.Log) error

	mu sync.Mutex // Serializes enqueue and the two cycles
}

// New creates a new Client instance and applies the provided options. The
// relay and consumer are wired once all options have been applied; WithDataDir
// (or WithStore) is required.
func New(options ...func(*Client) error) (*Client, error) {
	client := &Client{
		Session: &domain.Session{},
	}
	if err := client.WithOptions(options...); err != nil {
		return nil, err
	}
	if client.Store == nil {
		return nil, fmt.Errorf("client has no store configured, use WithDataDir or WithStore")
	}
	if client.Config == nil {
		client.Config = defaultConfig()
	}
	if session := client.Store.Session(); session.Active() {
		client.Session = session
	}
	client.relay = newRelay(client)
	client.consumer = newConsumer(client)
	return client, nil
}

// WithOptions applies a series of configuration functions to the client.
func (client *Client) WithOptions(options ...func(*Client) error) error {
	for _, option := range options {
		err := option(client)
		if err != nil {
			return fmt.Errorf("applying option on vitalink : %w", err)
		}
	}
	return nil
}

// Enqueue wraps the caller's intent into a stamped envelope, appends it to
// the durable outbox, and returns the new message id for correlation.
//
// The origin is resolved from the active session; actions preceding session
// establishment (login, account creation) supply WithOriginOverride. When no
// origin can be resolved the action is dropped and ok is false: an orphaned
// envelope is never enqueued.
func (client *Client) Enqueue(object, action string, payload domain.Payload, options ...EnqueueOption) (messageID string, ok bool) {
	client.mu.Lock()
	defer client.mu.Unlock()

	req := &enqueueRequest{}
	for _, option := range options {
		option(req)
	}

	origin := req.originOverride
	if client.Session.Active() {
		origin = client.Session.User
	}
	if origin == "" {
		client.WriteLog("WARN", fmt.Sprintf("no origin for %s/%s, dropping enqueue", object, action))
		return "", false
	}

	envelope := domain.NewEnvelope(origin, object, action, payload)
	if err := client.Store.AppendQueue(store.Outbox, envelope); err != nil {
		client.WriteLog("ERROR", fmt.Sprintf("appending %s/%s to outbox : %v", object, action, err))
		return "", false
	}
	return envelope.MessageID, true
}

// RunRelayCycle executes one full processing cycle of the simulated server:
// ingest, dedupe, dispatch, respond, acknowledge. The cycle completes fully,
// including persistence, before it returns.
func (client *Client) RunRelayCycle() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.relay.runCycle()
}

// RunConsumerCycle executes one full inbox consumption cycle against the
// client's session context: filter, decode, route, mark processed, compact.
func (client *Client) RunConsumerCycle() error {
	client.mu.Lock()
	defer client.mu.Unlock()
	return client.consumer.runCycle(client.Session)
}

// Run drives both cycles on their configured tick periods until the context
// is cancelled. Cycles never overlap: each tick is handled to completion on
// a single goroutine before the next is observed.
func (client *Client) Run(ctx context.Context) error {
	relayTicker := time.NewTicker(client.Config.RelayTick())
	defer relayTicker.Stop()
	consumerTicker := time.NewTicker(client.Config.ConsumerTick())
	defer consumerTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-relayTicker.C:
			if err := client.RunRelayCycle(); err != nil {
				client.WriteLog("ERROR", fmt.Sprintf("relay cycle : %v", err))
			}
		case <-consumerTicker.C:
			if err := client.RunConsumerCycle(); err != nil {
				client.WriteLog("ERROR", fmt.Sprintf("consumer cycle : %v", err))
			}
		}
	}
}

// CurrentUser returns the username of the active session, or "".
func (client *Client) CurrentUser() string {
	if !client.Session.Active() {
		return ""
	}
	return client.Session.User
}

// CurrentProfileType returns the profile type of the active session, or "".
func (client *Client) CurrentProfileType() string {
	if !client.Session.Active() {
		return ""
	}
	return client.Session.ProfileType
}

// SetPendingRequest records the message id of the last unacknowledged
// pre-session request. Overwriting it abandons interest in the previous
// request's response.
func (client *Client) SetPendingRequest(messageID string) {
	client.Session.PendingRequestID = messageID
}

// PendingRequest returns the pending pre-session request id, or "".
func (client *Client) PendingRequest() string {
	return client.Session.PendingRequestID
}

// WriteLog records a leveled log entry in the side-store and hands it to the
// log hook if one is registered.
func (client *Client) WriteLog(level string, message string, options ...func(log *domain.Log) error) error {
	switch level {
	case "DEBUG":
	case "INFO":
	case "WARN":
	case "ERROR":
	case "FATAL":
	default:
		return fmt.Errorf("level should be either: debug, info, warn, error, fatal")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating new uuid : %w", err)
	}
	entry := domain.Log{
		ID:        id,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		err := option(&entry)
		if err != nil {
			return fmt.Errorf("applying log option : %w", err)
		}
	}
	if client.Repo != nil {
		if err := client.Repo.InsertLog(&entry); err != nil {
			return fmt.Errorf("inserting log : %w", err)
		}
	}
	if client.OnLog != nil {
		if err := client.OnLog(entry); err != nil {
			return fmt.Errorf("log handler : %w", err)
		}
	}
	return nil
}

// Close releases the side-store connection.
func (client *Client) Close() error {
	if client.Repo == nil {
		return nil
	}
	return client.Repo.Close()
}

func (client *Client) notifySuccess(message string) {
	if client.OnSuccess != nil {
		if err := client.OnSuccess(message); err != nil {
			client.WriteLog("WARN", fmt.Sprintf("success handler : %v", err))
		}
	}
}

func (client *Client) notifyFailure(reason string) {
	if client.OnFailure != nil {
		if err := client.OnFailure(reason); err != nil {
			client.WriteLog("WARN", fmt.Sprintf("failure handler : %v", err))
		}
	}
}

func (client *Client) notifyAck(ack Acknowledgement) {
	if client.OnAck != nil {
		if err := client.OnAck(ack); err != nil {
			client.WriteLog("WARN", fmt.Sprintf("ack handler : %v", err))
		}
	}
}

func (client *Client) notifyNotice(envelope domain.Envelope) {
	if client.OnNotice != nil {
		if err := client.OnNotice(envelope); err != nil {
			client.WriteLog("WARN", fmt.Sprintf("notice handler : %v", err))
		}
	}
}
