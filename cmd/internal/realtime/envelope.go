package realtime

import (
	"encoding/json"
	"time"

	v1 "beacon/shared/contracts/notify/v1"
)

// newEnvelope builds an outbound envelope. A payload that fails to marshal is dropped.
func newEnvelope(typ string, payload any, now time.Time, newID IDSource) v1.Envelope {
	env := v1.Envelope{V: v1.Version, Type: typ, TS: now}
	if newID != nil {
		if id, err := newID(now); err == nil {
			env.ID = id
		}
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			env.Payload = b
		}
	}
	return env
}

func errorEnvelope(code, msg string, now time.Time, newID IDSource) v1.Envelope {
	return newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, now, newID)
}
