package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Timestamps on envelopes and records use the backend's reference timezone
// (UTC-3), matching the format the record files were introduced with.
var ReferenceZone = time.FixedZone("-03:00", -3*60*60)

// Payload is the action-specific key/value data carried by an Envelope.
type Payload map[string]any

// Envelope is the atomic transport unit of the relay. One envelope carries a
// single intended state change or notification. An envelope is immutable once
// enqueued; its lifecycle is tracked by queue membership, never by mutating
// fields.
type Envelope struct {
	MessageID    string  `json:"message_id"`     // Globally unique, minted by the sender, never reused
	Timestamp    string  `json:"timestamp"`      // Creation time, RFC 3339 in the reference timezone
	OriginUserID string  `json:"origin_user_id"` // The acting principal the envelope belongs to
	Object       string  `json:"object"`         // Business object, e.g. "account", "diagnostic"
	Action       string  `json:"action"`         // Operation on the object, e.g. "try_login"
	Payload      Payload `json:"payload"`        // Action-specific data
}

// ActionKey identifies a business operation. Handler tables on both the relay
// and the consumer are keyed by it.
type ActionKey struct {
	Object string
	Action string
}

// Key returns the envelope's (object, action) pair.
func (e Envelope) Key() ActionKey {
	return ActionKey{Object: e.Object, Action: e.Action}
}

// ComebackSuffix marks response envelopes correlated to an original request
// through the payload's request_message_id.
const ComebackSuffix = "_cback"

// IsComeback reports whether the envelope is a correlated acknowledgement.
func (e Envelope) IsComeback() bool {
	return strings.HasSuffix(e.Action, ComebackSuffix)
}

// RequestMessageID returns the id of the request this envelope acknowledges,
// or "" if the payload carries none.
func (e Envelope) RequestMessageID() string {
	id, _ := e.Payload["request_message_id"].(string)
	return id
}

// Executed reports the outcome carried by a comeback envelope.
func (e Envelope) Executed() bool {
	executed, _ := e.Payload["executed"].(bool)
	return executed
}

// Reason returns the human-readable failure reason of a comeback envelope.
func (e Envelope) Reason() string {
	reason, _ := e.Payload["reason"].(string)
	return reason
}

// Time parses the envelope timestamp. The zero time is returned for
// envelopes whose timestamp does not parse; callers treat those as ancient.
func (e Envelope) Time() time.Time {
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewMessageID mints a globally unique message id: a time prefix for rough
// ordering in the queue files plus a random uuid suffix for uniqueness.
func NewMessageID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("msg_%d_%s", time.Now().Unix(), suffix)
}

// NewEnvelope builds a stamped envelope with a freshly minted message id.
func NewEnvelope(origin, object, action string, payload Payload) Envelope {
	if payload == nil {
		payload = make(Payload)
	}
	return Envelope{
		MessageID:    NewMessageID(),
		Timestamp:    time.Now().In(ReferenceZone).Format(time.RFC3339),
		OriginUserID: origin,
		Object:       object,
		Action:       action,
		Payload:      payload,
	}
}

// Comeback builds the acknowledgement envelope for a request: same object,
// the action with the comeback suffix, addressed back to the origin, carrying
// the correlation id and the outcome.
func Comeback(request Envelope, executed bool, reason string) Envelope {
	if executed {
		reason = ""
	}
	return NewEnvelope(request.OriginUserID, request.Object, request.Action+ComebackSuffix, Payload{
		"request_message_id": request.MessageID,
		"executed":           executed,
		"reason":             reason,
	})
}
