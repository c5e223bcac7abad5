package bus

import (
	"encoding/json"
	"testing"
)

func TestMarshalPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"bytes pass through", []byte(`{"a":1}`), `{"a":1}`},
		{"raw message passes through", json.RawMessage(`{"b":2}`), `{"b":2}`},
		{"string passes through", `{"c":3}`, `{"c":3}`},
		{"struct is marshalled", struct {
			D int `json:"d"`
		}{D: 4}, `{"d":4}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := marshalPayload(tt.payload)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("payload = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRouteEvents(t *testing.T) {
	g := &RedisGateway{
		events: newEmitter(),
		keys: func(data []byte) []string {
			var m struct {
				Name    string `json:"name"`
				Meeting string `json:"meeting"`
			}
			if err := json.Unmarshal(data, &m); err != nil {
				return nil
			}
			keys := []string{m.Name}
			if m.Meeting != "" {
				keys = append(keys, m.Name+m.Meeting)
			}
			return keys
		},
	}

	var bare, scoped int
	g.On("ev", func(json.RawMessage) { bare++ })
	g.Once("evm-1", func(json.RawMessage) { scoped++ })

	g.routeEvents(Message{Channel: "ch", Data: json.RawMessage(`{"name":"ev","meeting":"m-1"}`)})
	g.routeEvents(Message{Channel: "ch", Data: json.RawMessage(`{"name":"ev","meeting":"m-1"}`)})
	g.routeEvents(Message{Channel: "ch", Data: json.RawMessage(`{"name":"other"}`)})

	if bare != 2 {
		t.Errorf("persistent listener fired %d times, want 2", bare)
	}
	if scoped != 1 {
		t.Errorf("once listener fired %d times, want 1", scoped)
	}
}

func TestRouteEventsWithoutKeyFunc(t *testing.T) {
	g := &RedisGateway{events: newEmitter()}
	// Must not panic.
	g.routeEvents(Message{Channel: "ch", Data: json.RawMessage(`{}`)})
}
