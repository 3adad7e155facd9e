package inbox

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/realtime"
)

type messageNewPayload struct {
	ConversationID string      `json:"conversationId"`
	Message        WireMessage `json:"message"`
}

type messageStatusPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	Error          string `json:"error"`
}

type conversationUpdatedPayload struct {
	ID                 string             `json:"id"`
	ConversationID     string             `json:"conversationId"`
	Contact            *ContactRef        `json:"contact"`
	Status             *string            `json:"status"`
	LastMessageAt      *realtime.WireTime `json:"lastMessageAt"`
	LastMessagePreview *string            `json:"lastMessagePreview"`
	UnreadCount        *int               `json:"unreadCount"`
}

func (r *Reconciler) handleMessageNew(envelope realtime.Envelope) {
	var payload messageNewPayload
	if err := envelope.Decode(&payload); err != nil {
		r.logger.Debug("message:new ignored", zap.Error(err))
		return
	}
	conversationID := strings.TrimSpace(payload.ConversationID)
	if conversationID == "" {
		conversationID = strings.TrimSpace(payload.Message.ConversationID)
	}
	message, err := payload.Message.ToMessage()
	if conversationID == "" || err != nil {
		r.logger.Debug("message:new ignored", zap.String("reason", reasonInvalidPayload))
		return
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = r.clock().UTC()
	}

	r.mu.Lock()
	firstSighting := r.rememberLocked(message.ID)
	active := conversationID == r.activeID
	changedMessages := false
	if active {
		changedMessages = r.appendOrMergeLocked(conversationID, message)
	}
	_, known := r.conversations[conversationID]
	if known {
		r.touchConversationLocked(conversationID, message)
		if !active && firstSighting && message.Direction == DirectionInbound {
			r.conversations[conversationID].UnreadCount++
		}
	}
	r.mu.Unlock()

	if changedMessages {
		r.notify(Change{Kind: ChangeMessage, ConversationID: conversationID})
	}
	if known {
		r.notify(Change{Kind: ChangeList, ConversationID: conversationID})
	}
}

// appendOrMergeLocked inserts message into the conversation log in creation
// order unless a record with the same id exists, in which case only its
// status moves forward.
func (r *Reconciler) appendOrMergeLocked(conversationID string, message Message) bool {
	log := r.messages[conversationID]
	if pending, ok := r.takePendingStatusLocked(message.ID); ok {
		message.Status = message.Status.Advance(pending)
	}
	if index := indexByID(log, message.ID); index >= 0 {
		advanced := log[index].Status.Advance(message.Status)
		if advanced == log[index].Status {
			return false
		}
		log[index].Status = advanced
		return true
	}
	position := sort.Search(len(log), func(i int) bool {
		return log[i].CreatedAt.After(message.CreatedAt)
	})
	log = append(log, Message{})
	copy(log[position+1:], log[position:])
	log[position] = message
	r.messages[conversationID] = log
	return true
}

func (r *Reconciler) handleMessageStatus(envelope realtime.Envelope) {
	var payload messageStatusPayload
	if err := envelope.Decode(&payload); err != nil {
		r.logger.Debug("message:status ignored", zap.Error(err))
		return
	}
	messageID := strings.TrimSpace(payload.MessageID)
	status, ok := ParseMessageStatus(payload.Status)
	if messageID == "" || !ok {
		r.logger.Debug("message:status ignored", zap.String("reason", reasonInvalidPayload))
		return
	}
	conversationID := strings.TrimSpace(payload.ConversationID)

	r.mu.Lock()
	changedMessages := false
	if r.activeID != "" && (conversationID == "" || conversationID == r.activeID) {
		log := r.messages[r.activeID]
		if index := indexByID(log, messageID); index >= 0 {
			advanced := log[index].Status.Advance(status)
			if advanced != log[index].Status {
				log[index].Status = advanced
				if advanced == StatusFailed && payload.Error != "" {
					log[index].FailureReason = payload.Error
				}
				changedMessages = true
			}
		} else {
			r.stashStatusLocked(messageID, status)
		}
	}
	changedList := false
	listTarget := ""
	for id, conversation := range r.conversations {
		if conversation.LastMessageID != messageID {
			continue
		}
		if conversationID != "" && id != conversationID {
			continue
		}
		advanced := conversation.LastMessageStatus.Advance(status)
		if advanced != conversation.LastMessageStatus {
			conversation.LastMessageStatus = advanced
			changedList = true
			listTarget = id
		}
	}
	activeID := r.activeID
	r.mu.Unlock()

	if changedMessages {
		r.notify(Change{Kind: ChangeMessage, ConversationID: activeID})
	}
	if changedList {
		r.notify(Change{Kind: ChangeList, ConversationID: listTarget})
	}
}

func (r *Reconciler) handleConversationUpdated(envelope realtime.Envelope) {
	var payload conversationUpdatedPayload
	if err := envelope.Decode(&payload); err != nil {
		r.logger.Debug("conversation:updated ignored", zap.Error(err))
		return
	}
	conversationID := strings.TrimSpace(payload.ID)
	if conversationID == "" {
		conversationID = strings.TrimSpace(payload.ConversationID)
	}
	if conversationID == "" {
		return
	}

	r.mu.Lock()
	conversation, ok := r.conversations[conversationID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("conversation:updated for unknown conversation ignored",
			zap.String("conversation_id", conversationID))
		return
	}
	if payload.Contact != nil && payload.Contact.ID != "" {
		conversation.Contact = *payload.Contact
	}
	if payload.Status != nil {
		conversation.Status = strings.ToLower(strings.TrimSpace(*payload.Status))
	}
	if payload.LastMessagePreview != nil {
		conversation.LastMessagePreview = *payload.LastMessagePreview
	}
	if payload.LastMessageAt != nil && !payload.LastMessageAt.IsZero() {
		conversation.LastMessageAt = payload.LastMessageAt.Time
	}
	// Push updates never lower the unread count; mark-read does.
	if payload.UnreadCount != nil && conversationID != r.activeID && *payload.UnreadCount > conversation.UnreadCount {
		conversation.UnreadCount = *payload.UnreadCount
	}
	r.resortLocked()
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeList, ConversationID: conversationID})
}
