package pubsub

import (
	"encoding/json"
	"strings"
	"time"
)

// Well-known channels.
const (
	ChannelGameEvents  = "game_events"
	ChannelLobbyEvents = "lobby_events"
	ChannelUserEvents  = "user_events"
)

// Event types published on ChannelGameEvents.
const (
	EventGameUpdated = "game:updated"
	EventGameDeleted = "game:deleted"
	EventGameExpired = "game:expired"
)

// Event is the envelope every published event travels in.
type Event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent wraps data in an envelope stamped with the current time.
func NewEvent(eventType string, data any) (Event, error) {
	ev := Event{Event: eventType, Timestamp: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, err
		}
		ev.Data = raw
	}
	return ev, nil
}

// DecodeEvent parses an envelope.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(payload, &ev)
	return ev, err
}

var prefixChannels = []struct {
	prefix  string
	channel string
}{
	{"game:", ChannelGameEvents},
	{"lobby:", ChannelLobbyEvents},
	{"user:", ChannelUserEvents},
	{"auth:", ChannelUserEvents},
	{"rate:", ChannelUserEvents},
}

// ChannelForEvent picks the channel for an event type from its prefix, or
// fallback when no prefix matches.
func ChannelForEvent(eventType, fallback string) string {
	for _, pc := range prefixChannels {
		if strings.HasPrefix(eventType, pc.prefix) {
			return pc.channel
		}
	}
	return fallback
}
