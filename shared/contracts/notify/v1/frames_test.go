package v1

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestDecodeFrame(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		typ     string
		payload string
		want    Frame
		wantErr bool
	}{
		{name: "ping", typ: TypePing, want: Ping{}},
		{name: "mark all read", typ: TypeMarkAllRead, want: MarkAllRead{}},
		{name: "mark read", typ: TypeMarkRead, payload: `{"notification_id":" n-1 "}`, want: MarkRead{NotificationID: "n-1"}},
		{name: "mark read missing id", typ: TypeMarkRead, payload: `{}`, wantErr: true},
		{name: "mark read missing payload", typ: TypeMarkRead, wantErr: true},
		{name: "dismiss", typ: TypeDismiss, payload: `{"notification_id":"n-2"}`, want: Dismiss{NotificationID: "n-2"}},
		{name: "dismiss bad json", typ: TypeDismiss, payload: `{"notification_id":`, wantErr: true},
		{
			name:    "subscribe normalizes",
			typ:     TypeSubscribe,
			payload: `{"categories":["Leads"," leads ","","property"]}`,
			want:    Subscribe{Categories: []string{"leads", "property"}},
		},
		{name: "unsubscribe", typ: TypeUnsubscribe, payload: `{"categories":["chat"]}`, want: Unsubscribe{Categories: []string{"chat"}}},
		{name: "unknown", typ: "typing_start", want: Unknown{Type: "typing_start"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := Envelope{V: Version, Type: tc.typ, TS: time.Now().UTC()}
			if tc.payload != "" {
				env.Payload = json.RawMessage(tc.payload)
			}

			got, err := DecodeFrame(env)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("DecodeFrame(%s) expected error, got %#v", tc.typ, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame(%s) unexpected error: %v", tc.typ, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("DecodeFrame(%s)=%#v want=%#v", tc.typ, got, tc.want)
			}
			if got.FrameType() != tc.typ {
				t.Fatalf("FrameType()=%q want=%q", got.FrameType(), tc.typ)
			}
		})
	}
}

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	if err := (Envelope{V: Version, Type: "anything"}).Validate(); err != nil {
		t.Fatalf("unknown type must pass structural validation: %v", err)
	}
	if err := (Envelope{V: "v0", Type: TypePing}).Validate(); err == nil {
		t.Fatalf("expected version mismatch error")
	}
	if err := (Envelope{V: Version}).Validate(); err == nil {
		t.Fatalf("expected missing type error")
	}
	if err := (Envelope{Type: TypePing}).Validate(); err == nil {
		t.Fatalf("expected missing version error")
	}
}
