package realtime

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrInvalidRoom indicates a room without a kind or resource id.
var ErrInvalidRoom = errors.New("realtime: invalid room")

// RoomKind namespaces rooms by the resource they scope.
type RoomKind string

const (
	RoomConversation RoomKind = "conversation"
	RoomCampaign     RoomKind = "campaign"
)

// Room is a server-side topic scoped to one resource.
type Room struct {
	Kind       RoomKind `json:"kind"`
	ResourceID string   `json:"resourceId"`
}

// ConversationRoom returns the room carrying events for a conversation.
func ConversationRoom(conversationID string) Room {
	return Room{Kind: RoomConversation, ResourceID: strings.TrimSpace(conversationID)}
}

// CampaignRoom returns the room carrying events for a campaign.
func CampaignRoom(campaignID string) Room {
	return Room{Kind: RoomCampaign, ResourceID: strings.TrimSpace(campaignID)}
}

// ParseRoom parses the namespaced form produced by Room.ID.
func ParseRoom(roomID string) (Room, error) {
	kind, resourceID, ok := strings.Cut(strings.TrimSpace(roomID), ":")
	if !ok {
		return Room{}, fmt.Errorf("%w: %q", ErrInvalidRoom, roomID)
	}
	room := Room{Kind: RoomKind(kind), ResourceID: strings.TrimSpace(resourceID)}
	if err := room.Validate(); err != nil {
		return Room{}, err
	}
	return room, nil
}

// ID returns the namespaced room identifier, e.g. conversation:42.
func (r Room) ID() string {
	return string(r.Kind) + ":" + r.ResourceID
}

func (r Room) String() string {
	return r.ID()
}

// Validate ensures the room can be joined.
func (r Room) Validate() error {
	if r.ResourceID == "" {
		return fmt.Errorf("%w: empty resource id", ErrInvalidRoom)
	}
	switch r.Kind {
	case RoomConversation, RoomCampaign:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRoom, r.Kind)
	}
}

func (r Room) joinEvent() string {
	if r.Kind == RoomCampaign {
		return EventCampaignJoin
	}
	return EventJoinConversation
}

func (r Room) leaveEvent() string {
	if r.Kind == RoomCampaign {
		return EventCampaignLeave
	}
	return EventLeaveConversation
}

// RoomMembership records whether a room is wanted and whether a join was emitted
// on the current connection.
type RoomMembership struct {
	Room    Room `json:"room"`
	Desired bool `json:"desired"`
	Joined  bool `json:"joined"`
}

// RoomSender emits one outbound frame carrying a plain id payload.
type RoomSender func(event string, resourceID string) error

// RoomTracker keeps the set of desired rooms and re-derives joins from it
// whenever a connection is attached.
type RoomTracker struct {
	mu     sync.Mutex
	order  []string
	rooms  map[string]*RoomMembership
	sender RoomSender
	logger *zap.Logger
}

// NewRoomTracker returns an empty tracker.
func NewRoomTracker(logger *zap.Logger) *RoomTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomTracker{
		rooms:  make(map[string]*RoomMembership),
		logger: logger,
	}
}

// Want marks room desired. The join is emitted immediately when a connection
// is attached, otherwise on the next Attach. Returns false when already wanted.
func (t *RoomTracker) Want(room Room) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := room.ID()
	if _, exists := t.rooms[id]; exists {
		return false
	}
	membership := &RoomMembership{Room: room, Desired: true}
	t.rooms[id] = membership
	t.order = append(t.order, id)
	if t.sender != nil {
		membership.Joined = t.emit(room.joinEvent(), room)
	}
	return true
}

// Unwant prunes room and emits a leave when connected. Unknown rooms are a no-op.
func (t *RoomTracker) Unwant(room Room) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := room.ID()
	if _, exists := t.rooms[id]; !exists {
		return false
	}
	delete(t.rooms, id)
	for index, candidate := range t.order {
		if candidate == id {
			t.order = append(t.order[:index], t.order[index+1:]...)
			break
		}
	}
	if t.sender != nil {
		t.emit(room.leaveEvent(), room)
	}
	return true
}

// Attach binds a live connection and emits a join for every desired room.
// It returns the rooms a join was emitted for.
func (t *RoomTracker) Attach(sender RoomSender) []Room {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sender = sender
	joined := make([]Room, 0, len(t.order))
	for _, id := range t.order {
		membership := t.rooms[id]
		membership.Joined = t.emit(membership.Room.joinEvent(), membership.Room)
		if membership.Joined {
			joined = append(joined, membership.Room)
		}
	}
	return joined
}

// Detach drops the connection; memberships stay desired but no longer joined.
func (t *RoomTracker) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sender = nil
	for _, membership := range t.rooms {
		membership.Joined = false
	}
}

// Memberships returns a copy of the tracked rooms in the order they were wanted.
func (t *RoomTracker) Memberships() []RoomMembership {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]RoomMembership, 0, len(t.order))
	for _, id := range t.order {
		result = append(result, *t.rooms[id])
	}
	return result
}

// IsWanted reports whether room is currently desired.
func (t *RoomTracker) IsWanted(room Room) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, exists := t.rooms[room.ID()]
	return exists
}

func (t *RoomTracker) emit(event string, room Room) bool {
	if err := t.sender(event, room.ResourceID); err != nil {
		t.logger.Warn("room frame not sent",
			zap.String("event", event),
			zap.String("room", room.ID()),
			zap.Error(err))
		return false
	}
	return true
}
