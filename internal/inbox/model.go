package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wadesk/syncd/internal/realtime"
)

const (
	maxIdentifierLength = 190
	maxPreviewRunes     = 120
)

// ErrInvalidConversationID indicates that a conversation identifier is empty or too long.
var ErrInvalidConversationID = errors.New("inbox: invalid conversation id")

// ConversationID represents a validated conversation identifier.
type ConversationID string

// NewConversationID validates raw input and returns a ConversationID.
func NewConversationID(rawInput string) (ConversationID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidConversationID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidConversationID, maxIdentifierLength)
	}
	return ConversationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ConversationID) String() string {
	return string(id)
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ParseMessageStatus maps a backend status string onto a MessageStatus.
func ParseMessageStatus(raw string) (MessageStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued", "accepted":
		return StatusPending, true
	case "sent":
		return StatusSent, true
	case "delivered":
		return StatusDelivered, true
	case "read", "seen":
		return StatusRead, true
	case "failed", "error", "undelivered":
		return StatusFailed, true
	default:
		return "", false
	}
}

func (s MessageStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Advance returns the status after observing next. Failed is terminal and
// overrides everything; otherwise only forward moves along
// pending, sent, delivered, read are accepted.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if s == StatusFailed {
		return StatusFailed
	}
	if next == StatusFailed {
		return StatusFailed
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// Direction tells whether a message was received from or sent to the contact.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

func parseDirection(raw string) Direction {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "outbound", "outgoing", "out":
		return DirectionOutbound
	default:
		return DirectionInbound
	}
}

// Origin tags a message as a local optimistic record or a server-confirmed one.
type Origin string

const (
	OriginOptimistic Origin = "optimistic"
	OriginConfirmed  Origin = "confirmed"
)

// TemplateRef names an approved template and its positional variables.
type TemplateRef struct {
	Name      string   `json:"name"`
	Language  string   `json:"language,omitempty"`
	Variables []string `json:"variables,omitempty"`
}

// Message is one entry of a conversation's message log.
type Message struct {
	ID            string        `json:"id"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Origin        Origin        `json:"origin"`
	Direction     Direction     `json:"direction"`
	Type          string        `json:"type"`
	Content       string        `json:"content"`
	Template      *TemplateRef  `json:"template,omitempty"`
	Status        MessageStatus `json:"status"`
	FailureReason string        `json:"failureReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// ContactRef identifies the contact on the other side of a conversation.
type ContactRef struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// UnmarshalJSON accepts either a bare contact id or a contact object.
func (c *ContactRef) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*c = ContactRef{}
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*c = ContactRef{ID: id}
		return nil
	}
	var wire struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Phone       string `json:"phone"`
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	phone := wire.Phone
	if phone == "" {
		phone = wire.PhoneNumber
	}
	*c = ContactRef{ID: wire.ID, Name: wire.Name, Phone: phone}
	return nil
}

// Conversation is the list-level view of one conversation.
type Conversation struct {
	ID                 string        `json:"id"`
	Contact            ContactRef    `json:"contact"`
	Status             string        `json:"status,omitempty"`
	LastMessageAt      time.Time     `json:"lastMessageAt"`
	LastMessagePreview string        `json:"lastMessagePreview"`
	LastMessageID      string        `json:"lastMessageId,omitempty"`
	LastMessageStatus  MessageStatus `json:"lastMessageStatus,omitempty"`
	UnreadCount        int           `json:"unreadCount"`
}

// Filter narrows the conversation list requested from the backend.
type Filter struct {
	Status string `json:"status,omitempty"`
	Search string `json:"search,omitempty"`
	Page   int    `json:"page,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// MessageContent accepts plain text or a structured body carrying text, body or caption.
type MessageContent string

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*m = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*m = MessageContent(text)
		return nil
	}
	var structured struct {
		Text    string `json:"text"`
		Body    string `json:"body"`
		Caption string `json:"caption"`
	}
	if err := json.Unmarshal(data, &structured); err != nil {
		return err
	}
	for _, candidate := range []string{structured.Text, structured.Body, structured.Caption} {
		if candidate != "" {
			*m = MessageContent(candidate)
			return nil
		}
	}
	*m = ""
	return nil
}

// WireMessage is the backend representation of a message, shared by the REST
// API and push frames.
type WireMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId,omitempty"`
	Direction      string            `json:"direction"`
	Type           string            `json:"type"`
	Content        MessageContent    `json:"content"`
	Status         string            `json:"status"`
	Error          string            `json:"error,omitempty"`
	TemplateName   string            `json:"templateName,omitempty"`
	CreatedAt      realtime.WireTime `json:"createdAt"`
}

var errMissingMessageID = errors.New("inbox: message id required")

// ToMessage converts the wire form into a confirmed Message.
func (w WireMessage) ToMessage() (Message, error) {
	id := strings.TrimSpace(w.ID)
	if id == "" {
		return Message{}, errMissingMessageID
	}
	status, ok := ParseMessageStatus(w.Status)
	if !ok {
		status = StatusSent
	}
	messageType := strings.TrimSpace(w.Type)
	if messageType == "" {
		messageType = "text"
	}
	message := Message{
		ID:            id,
		Origin:        OriginConfirmed,
		Direction:     parseDirection(w.Direction),
		Type:          messageType,
		Content:       string(w.Content),
		Status:        status,
		FailureReason: w.Error,
		CreatedAt:     w.CreatedAt.Time,
	}
	if w.TemplateName != "" {
		message.Template = &TemplateRef{Name: w.TemplateName}
	}
	return message, nil
}

// WireConversation is the backend representation of a conversation list entry.
type WireConversation struct {
	ID                 string            `json:"id"`
	Contact            ContactRef        `json:"contact"`
	Status             string            `json:"status"`
	LastMessageAt      realtime.WireTime `json:"lastMessageAt"`
	LastMessagePreview string            `json:"lastMessagePreview"`
	UnreadCount        int               `json:"unreadCount"`
}

// ToConversation converts the wire form into a Conversation.
func (w WireConversation) ToConversation() (Conversation, error) {
	id, err := NewConversationID(w.ID)
	if err != nil {
		return Conversation{}, err
	}
	unread := w.UnreadCount
	if unread < 0 {
		unread = 0
	}
	return Conversation{
		ID:                 id.String(),
		Contact:            w.Contact,
		Status:             strings.ToLower(strings.TrimSpace(w.Status)),
		LastMessageAt:      w.LastMessageAt.Time,
		LastMessagePreview: w.LastMessagePreview,
		UnreadCount:        unread,
	}, nil
}

// SendRequest describes an outbound text or template message.
type SendRequest struct {
	ConversationID string       `json:"conversationId"`
	To             string       `json:"to,omitempty"`
	Text           string       `json:"text,omitempty"`
	Template       *TemplateRef `json:"template,omitempty"`
}

func previewOf(message Message) string {
	text := message.Content
	if text == "" && message.Template != nil {
		text = message.Template.Name
	}
	if text == "" {
		text = "[" + message.Type + "]"
	}
	if utf8.RuneCountInString(text) <= maxPreviewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxPreviewRunes]) + "…"
}
