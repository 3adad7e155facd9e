package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Outbound event names.
const (
	EventOrgJoin           = "org:join"
	EventJoinConversation  = "join:conversation"
	EventLeaveConversation = "leave:conversation"
	EventCampaignJoin      = "campaign:join"
	EventCampaignLeave     = "campaign:leave"
)

// Inbound event names.
const (
	EventMessageNew            = "message:new"
	EventMessageStatus         = "message:status"
	EventConversationUpdated   = "conversation:updated"
	EventCampaignUpdate        = "campaign:update"
	EventCampaignProgress      = "campaign:progress"
	EventCampaignContact       = "campaign:contact"
	EventCampaignContactStatus = "campaign:contact:status"
	EventCampaignCompleted     = "campaign:completed"
)

var errEmptyEvent = errors.New("realtime: event name required")

// Envelope is the frame exchanged on the push channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload into a frame for event.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if strings.TrimSpace(event) == "" {
		return Envelope{}, errEmptyEvent
	}
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("realtime: encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Decode unmarshals the frame payload into target.
func (e Envelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("realtime: %s frame has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("realtime: decode %s payload: %w", e.Event, err)
	}
	return nil
}

// WireTime accepts RFC 3339 strings or unix milliseconds.
type WireTime struct {
	time.Time
}

func (w *WireTime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" || raw == `""` {
		w.Time = time.Time{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		if millis, err := strconv.ParseInt(text, 10, 64); err == nil {
			w.Time = time.UnixMilli(millis).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return fmt.Errorf("realtime: invalid timestamp %q: %w", text, err)
		}
		w.Time = parsed.UTC()
		return nil
	}
	millis, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("realtime: invalid timestamp %s: %w", raw, err)
	}
	w.Time = time.UnixMilli(int64(millis)).UTC()
	return nil
}

func (w WireTime) MarshalJSON() ([]byte, error) {
	if w.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(w.Time.UTC().Format(time.RFC3339Nano))
}
