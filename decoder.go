package vitalink

import (
	"fmt"
	"strings"

	"github.com/vitalink-app/vitalink/domain"
)

// DecodeEnvelope is the structural gate applied to every inbox envelope
// before routing. It verifies that all required fields of the wire contract
// are present; envelopes failing it are dropped with a diagnostic and never
// retried.
func DecodeEnvelope(envelope domain.Envelope) error {
	var missing []string
	if envelope.MessageID == "" {
		missing = append(missing, "message_id")
	}
	if envelope.Timestamp == "" {
		missing = append(missing, "timestamp")
	}
	if envelope.OriginUserID == "" {
		missing = append(missing, "origin_user_id")
	}
	if envelope.Object == "" {
		missing = append(missing, "object")
	}
	if envelope.Action == "" {
		missing = append(missing, "action")
	}
	if envelope.Payload == nil {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return fmt.Errorf("envelope %s is missing required fields: %s", envelope.MessageID, strings.Join(missing, ", "))
	}
	return nil
}
