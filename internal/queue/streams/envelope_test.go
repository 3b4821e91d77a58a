package streams

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validEnvelope() Envelope {
	return Envelope{
		EventID:        "evt-1",
		EventType:      "turn_completed",
		SessionID:      "sess-1",
		PayloadVersion: EventPayloadVersion,
		Data:           json.RawMessage(`{"turn":3}`),
	}
}

func TestEnvelopeValidateBasic(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr string
	}{
		{"valid", func(e *Envelope) {}, ""},
		{"missing event_id", func(e *Envelope) { e.EventID = "" }, "event_id"},
		{"missing event_type", func(e *Envelope) { e.EventType = "" }, "event_type"},
		{"missing payload_version", func(e *Envelope) { e.PayloadVersion = "" }, "payload_version"},
		{"missing data", func(e *Envelope) { e.Data = nil }, "data"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnvelope()
			tc.mutate(&env)
			err := env.ValidateBasic()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateBasic: %v", err)
				}
				if env.OccurredAt.IsZero() {
					t.Fatal("OccurredAt not defaulted")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := validEnvelope()
	env.OccurredAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if got.EventID != env.EventID || got.EventType != env.EventType || got.SessionID != env.SessionID {
		t.Fatalf("round trip = %+v", got)
	}
	if !got.OccurredAt.Equal(env.OccurredAt) {
		t.Fatalf("OccurredAt = %v", got.OccurredAt)
	}
	if string(got.Data) != string(env.Data) {
		t.Fatalf("Data = %s", got.Data)
	}
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}
