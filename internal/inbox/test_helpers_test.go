package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wadesk/syncd/internal/realtime"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu            sync.Mutex
	conversations []WireConversation
	listErr       error
	messages      map[string][]WireMessage
	messagesErr   error
	messageGates  map[string]chan struct{}
	markRead      []string
	sent          []SendRequest
	sendGate      chan struct{}
	sendErr       error
	sendCounter   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages:     make(map[string][]WireMessage),
		messageGates: make(map[string]chan struct{}),
	}
}

func (f *fakeAPI) ListConversations(ctx context.Context, filter Filter) ([]WireConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]WireConversation(nil), f.conversations...), nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID string) ([]WireMessage, error) {
	f.mu.Lock()
	gate := f.messageGates[conversationID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	return append([]WireMessage(nil), f.messages[conversationID]...), nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markRead = append(f.markRead, conversationID)
	return nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, request SendRequest) (WireMessage, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, request)
	if f.sendErr != nil {
		return WireMessage{}, f.sendErr
	}
	f.sendCounter++
	return WireMessage{
		ID:             fmt.Sprintf("srv-%d", f.sendCounter),
		ConversationID: request.ConversationID,
		Direction:      "outbound",
		Type:           "text",
		Content:        MessageContent(request.Text),
		Status:         "sent",
		CreatedAt:      realtime.WireTime{Time: baseTime.Add(time.Hour)},
	}, nil
}

func (f *fakeAPI) gateMessages(conversationID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.messageGates[conversationID] = gate
	return gate
}

type fakePush struct {
	mu       sync.Mutex
	handlers map[string]map[realtime.HandlerID]realtime.Handler
	nextID   realtime.HandlerID
	wanted   []string
	unwanted []string
}

func newFakePush() *fakePush {
	return &fakePush{handlers: make(map[string]map[realtime.HandlerID]realtime.Handler)}
}

func (f *fakePush) SubscribeRoom(room realtime.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wanted = append(f.wanted, room.ID())
	return nil
}

func (f *fakePush) UnsubscribeRoom(room realtime.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unwanted = append(f.unwanted, room.ID())
	return nil
}

func (f *fakePush) On(event string, handler realtime.Handler) realtime.HandlerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[realtime.HandlerID]realtime.Handler)
	}
	f.handlers[event][f.nextID] = handler
	return f.nextID
}

func (f *fakePush) Off(event string, id realtime.HandlerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], id)
}

func (f *fakePush) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, handlers := range f.handlers {
		total += len(handlers)
	}
	return total
}

func (f *fakePush) emit(t *testing.T, event string, payload any) {
	t.Helper()
	envelope, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("envelope error: %v", err)
	}
	f.mu.Lock()
	handlers := make([]realtime.Handler, 0, len(f.handlers[event]))
	for _, handler := range f.handlers[event] {
		handlers = append(handlers, handler)
	}
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(envelope)
	}
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("corr-%d", s.next), nil
}

type memoryCache struct {
	mu            sync.Mutex
	conversations []Conversation
	saves         int
	loadErr       error
}

func (m *memoryCache) SaveConversations(ctx context.Context, conversations []Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations = append([]Conversation(nil), conversations...)
	m.saves++
	return nil
}

func (m *memoryCache) LoadConversations(ctx context.Context) ([]Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]Conversation(nil), m.conversations...), nil
}

var errBackendDown = errors.New("backend unavailable")

func newTestReconciler(t *testing.T, api *fakeAPI, push *fakePush, cache Cache) *Reconciler {
	t.Helper()
	reconciler, err := NewReconciler(Config{
		API:        api,
		Push:       push,
		Cache:      cache,
		IDProvider: &sequenceIDs{},
		Clock:      func() time.Time { return baseTime.Add(30 * time.Minute) },
	})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	return reconciler
}

func wireConversation(id string, unread int, minutesAgo int) WireConversation {
	return WireConversation{
		ID:                 id,
		Contact:            ContactRef{ID: "contact-" + id, Phone: "+1555000" + id},
		Status:             "OPEN",
		LastMessageAt:      realtime.WireTime{Time: baseTime.Add(-time.Duration(minutesAgo) * time.Minute)},
		LastMessagePreview: "hello from " + id,
		UnreadCount:        unread,
	}
}

func wireMessage(id, direction, status string, minute int) WireMessage {
	return WireMessage{
		ID:        id,
		Direction: direction,
		Type:      "text",
		Content:   MessageContent("body " + id),
		Status:    status,
		CreatedAt: realtime.WireTime{Time: baseTime.Add(time.Duration(minute) * time.Minute)},
	}
}

func mustLoad(t *testing.T, reconciler *Reconciler) {
	t.Helper()
	if err := reconciler.LoadConversations(context.Background(), Filter{}); err != nil {
		t.Fatalf("load failed: %v", err)
	}
}

func mustSelect(t *testing.T, reconciler *Reconciler, id string) *Selection {
	t.Helper()
	selection, err := reconciler.SelectConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("select %s failed: %v", id, err)
	}
	return selection
}

func mustConversation(t *testing.T, reconciler *Reconciler, id string) Conversation {
	t.Helper()
	conversation, ok := reconciler.Conversation(id)
	if !ok {
		t.Fatalf("conversation %s missing", id)
	}
	return conversation
}

func messageIDs(messages []Message) []string {
	ids := make([]string, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	return ids
}

func waitUntil(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
