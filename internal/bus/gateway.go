package bus

import (
	"context"
	"encoding/json"
)

// Message is one decoded payload delivered from a subscribed channel.
type Message struct {
	Channel string
	Data    json.RawMessage
}

// Handler consumes messages from a subscribed channel in publish order.
type Handler func(Message)

// ListenerFunc consumes the payload of one emitted event.
type ListenerFunc func(json.RawMessage)

// KeyFunc maps a raw inbound message to the event keys it should fire.
// Returning nil means the message carries no recognizable event.
type KeyFunc func(data []byte) []string

// Gateway is the messaging transport the SFU core talks through.
//
// Subscribe delivers every message of a channel, in order, to one handler.
// SubscribeEvents routes a channel into the event emitter instead, so that
// listeners registered with On/Once receive payloads keyed by KeyFunc.
type Gateway interface {
	Publish(ctx context.Context, channel string, payload any) error
	Subscribe(ctx context.Context, channel string, h Handler) error
	SubscribeEvents(ctx context.Context, channel string) error
	On(event string, fn ListenerFunc) (cancel func())
	Once(event string, fn ListenerFunc) (cancel func())
	IsChannelAvailable(ctx context.Context, channel string) (bool, error)
	StoreMeetingEvent(ctx context.Context, meetingID string, event any) error
	Close() error
}
