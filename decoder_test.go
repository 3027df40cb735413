package vitalink

import (
	"strings"
	"testing"

	"github.com/vitalink-app/vitalink/domain"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Run("should accept a complete envelope", func(t *testing.T) {
		envelope := domain.NewEnvelope("alice", "diagnostic", "add_diagnostic", domain.Payload{"id": "diag_1"})

		if err := DecodeEnvelope(envelope); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	})

	t.Run("should name every missing field", func(t *testing.T) {
		envelope := domain.Envelope{
			MessageID: "msg_1755694800_00000001",
			Object:    "diagnostic",
		}

		err := DecodeEnvelope(envelope)
		if err == nil {
			t.Fatalf("\nwanted:\nnon-nil\ngot:\nnil")
		}

		for _, field := range []string{"timestamp", "origin_user_id", "action", "payload"} {
			if !strings.Contains(err.Error(), field) {
				t.Fatalf("\nwanted:\nerror naming %s\ngot:\n%v", field, err)
			}
		}
	})

	t.Run("should accept an empty but present payload", func(t *testing.T) {
		envelope := domain.NewEnvelope("alice", "account", "delete_account", nil)

		if err := DecodeEnvelope(envelope); err != nil {
			t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
		}
	})
}
