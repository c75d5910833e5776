package outbox

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEnqueueRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  EnqueueRequest
		err  error
	}{
		{
			name: "missing entity type",
			req:  EnqueueRequest{Operation: "Create", Endpoint: "/api/sales", Payload: `{}`},
			err:  ErrEntityTypeRequired,
		},
		{
			name: "missing operation",
			req:  EnqueueRequest{EntityType: "Sale", Endpoint: "/api/sales", Payload: `{}`},
			err:  ErrOperationRequired,
		},
		{
			name: "missing endpoint",
			req:  EnqueueRequest{EntityType: "Sale", Operation: "Create", Payload: `{}`},
			err:  ErrEndpointRequired,
		},
		{
			name: "missing payload",
			req:  EnqueueRequest{EntityType: "Sale", Operation: "Create", Endpoint: "/api/sales"},
			err:  ErrPayloadRequired,
		},
		{
			name: "empty string payload",
			req:  EnqueueRequest{EntityType: "Sale", Operation: "Create", Endpoint: "/api/sales", Payload: ""},
			err:  ErrPayloadRequired,
		},
		{
			name: "invalid payload",
			req:  EnqueueRequest{EntityType: "Sale", Operation: "Create", Endpoint: "/api/sales", Payload: `{`},
			err:  ErrInvalidPayload,
		},
		{
			name: "unmarshalable payload",
			req:  EnqueueRequest{EntityType: "Sale", Operation: "Create", Endpoint: "/api/sales", Payload: func() {}},
			err:  ErrInvalidPayload,
		},
		{
			name: "valid",
			req:  EnqueueRequest{EntityType: "Sale", Operation: "Create", Endpoint: "/api/sales", Payload: `{"id":1}`},
			err:  nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.err == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestEncodePayloadForms(t *testing.T) {
	type sale struct {
		ID    string  `json:"id"`
		Total float64 `json:"total"`
	}

	cases := []struct {
		name    string
		payload any
		want    string
	}{
		{name: "raw message", payload: json.RawMessage(`{"a":1}`), want: `{"a":1}`},
		{name: "bytes", payload: []byte(`[1,2]`), want: `[1,2]`},
		{name: "string", payload: `"text"`, want: `"text"`},
		{name: "struct", payload: sale{ID: "s-1", Total: 9.5}, want: `{"id":"s-1","total":9.5}`},
		{name: "map", payload: map[string]int{"n": 2}, want: `{"n":2}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := encodePayload(tc.payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestEncodePayloadCopiesInput(t *testing.T) {
	raw := []byte(`{"a":1}`)

	got, err := encodePayload(raw)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw[1] = 'x'

	if string(got) != `{"a":1}` {
		t.Fatalf("payload aliased caller buffer: %s", got)
	}
}

func TestEnqueueRequestMethodDefaults(t *testing.T) {
	if got := (EnqueueRequest{}).method(); got != "POST" {
		t.Fatalf("expected POST, got %s", got)
	}
	if got := (EnqueueRequest{Method: " patch "}).method(); got != "PATCH" {
		t.Fatalf("expected PATCH, got %s", got)
	}
}

func TestSupportedMethod(t *testing.T) {
	for _, method := range []string{"POST", "put", "Patch", "DELETE"} {
		if !SupportedMethod(method) {
			t.Fatalf("expected %s to be supported", method)
		}
	}
	for _, method := range []string{"GET", "HEAD", "OPTIONS", ""} {
		if SupportedMethod(method) {
			t.Fatalf("expected %q to be unsupported", method)
		}
	}
}
