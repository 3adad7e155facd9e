package inbox

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/observe"
	"github.com/wadesk/syncd/internal/realtime"
)

const (
	maxPendingStatuses = 256
	maxSeenMessageIDs  = 1024
)

// API is the REST collaborator used by the reconciler.
type API interface {
	ListConversations(ctx context.Context, filter Filter) ([]WireConversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]WireMessage, error)
	MarkRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, request SendRequest) (WireMessage, error)
}

// PushChannel is the subset of the Connection Manager the reconciler uses.
type PushChannel interface {
	SubscribeRoom(room realtime.Room) error
	UnsubscribeRoom(room realtime.Room) error
	On(event string, handler realtime.Handler) realtime.HandlerID
	Off(event string, id realtime.HandlerID)
}

// Cache persists the last good conversation baseline.
type Cache interface {
	SaveConversations(ctx context.Context, conversations []Conversation) error
	LoadConversations(ctx context.Context) ([]Conversation, error)
}

// IDProvider issues correlation ids for optimistic messages.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config wires the reconciler's collaborators.
type Config struct {
	API        API
	Push       PushChannel
	Cache      Cache
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// ChangeKind names the part of the view model that changed.
type ChangeKind string

const (
	ChangeList    ChangeKind = "list"
	ChangeActive  ChangeKind = "active"
	ChangeMessage ChangeKind = "message"
)

// Change is delivered to OnChange observers after every mutation.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversationId,omitempty"`
}

// ActiveView is the reconciled state of the selected conversation.
type ActiveView struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Loading      bool         `json:"loading"`
	Error        string       `json:"error,omitempty"`
}

// ListView is the reconciled conversation list.
type ListView struct {
	Conversations []Conversation `json:"conversations"`
	ActiveID      string         `json:"activeId,omitempty"`
	Filter        Filter         `json:"filter"`
	Loading       bool           `json:"loading"`
	FromCache     bool           `json:"fromCache"`
	Error         string         `json:"error,omitempty"`
}

// Reconciler merges REST baselines with streamed inbox events.
type Reconciler struct {
	api        API
	push       PushChannel
	cache      Cache
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	observers  *observe.Registry[Change]
	handlerIDs map[string]realtime.HandlerID

	mu             sync.Mutex
	conversations  map[string]*Conversation
	order          []string
	messages       map[string][]Message
	activeID       string
	generation     uint64
	listGeneration uint64
	filter         Filter
	listLoading    bool
	listFromCache  bool
	listErr        error
	messagesBusy   bool
	messagesErr    error
	pendingStatus  map[string]MessageStatus
	pendingOrder   []string
	seen           map[string]struct{}
	seenOrder      []string
	closed         bool
}

// NewReconciler validates cfg and registers the inbox push handlers.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.API == nil {
		return nil, newReconcilerError(opReconcilerNew, reasonMissingAPI, errMissingAPI)
	}
	if cfg.Push == nil {
		return nil, newReconcilerError(opReconcilerNew, reasonMissingPush, errMissingPush)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reconciler := &Reconciler{
		api:           cfg.API,
		push:          cfg.Push,
		cache:         cfg.Cache,
		idProvider:    idProvider,
		clock:         clock,
		logger:        logger,
		observers:     observe.NewRegistry[Change](),
		handlerIDs:    make(map[string]realtime.HandlerID),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		pendingStatus: make(map[string]MessageStatus),
		seen:          make(map[string]struct{}),
	}
	reconciler.handlerIDs[realtime.EventMessageNew] = cfg.Push.On(realtime.EventMessageNew, reconciler.handleMessageNew)
	reconciler.handlerIDs[realtime.EventMessageStatus] = cfg.Push.On(realtime.EventMessageStatus, reconciler.handleMessageStatus)
	reconciler.handlerIDs[realtime.EventConversationUpdated] = cfg.Push.On(realtime.EventConversationUpdated, reconciler.handleConversationUpdated)
	return reconciler, nil
}

// OnChange registers callback for view-model changes.
func (r *Reconciler) OnChange(callback func(Change)) func() {
	return r.observers.Add(callback)
}

// LoadConversations replaces the conversation list baseline with a REST fetch.
// Message logs already in memory are kept. On failure the previous list stays
// and the error is exposed through List().Error.
func (r *Reconciler) LoadConversations(ctx context.Context, filter Filter) error {
	r.mu.Lock()
	r.listGeneration++
	generation := r.listGeneration
	r.filter = filter
	r.listLoading = true
	r.mu.Unlock()
	r.notify(Change{Kind: ChangeList})

	wire, err := r.api.ListConversations(ctx, filter)

	r.mu.Lock()
	if generation != r.listGeneration {
		r.mu.Unlock()
		return nil
	}
	r.listLoading = false
	if err != nil {
		r.listErr = newReconcilerError(opLoadConversations, reasonRESTFailed, err)
		listErr := r.listErr
		r.mu.Unlock()
		r.logError(opLoadConversations, reasonRESTFailed, err)
		r.notify(Change{Kind: ChangeList})
		return listErr
	}

	previous := r.conversations
	next := make(map[string]*Conversation, len(wire))
	for _, entry := range wire {
		conversation, convErr := entry.ToConversation()
		if convErr != nil {
			r.logger.Debug("conversation skipped", zap.Error(convErr))
			continue
		}
		if prior, ok := previous[conversation.ID]; ok && prior.LastMessagePreview == conversation.LastMessagePreview {
			conversation.LastMessageID = prior.LastMessageID
			conversation.LastMessageStatus = prior.LastMessageStatus
		}
		if conversation.ID == r.activeID {
			conversation.UnreadCount = 0
		}
		stored := conversation
		next[conversation.ID] = &stored
	}
	r.conversations = next
	r.resortLocked()
	r.listErr = nil
	r.listFromCache = false
	snapshot := r.conversationsLocked()
	r.mu.Unlock()

	r.saveBaseline(ctx, snapshot)
	r.notify(Change{Kind: ChangeList})
	return nil
}

// Refresh reloads the list with the last filter.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	filter := r.filter
	r.mu.Unlock()
	return r.LoadConversations(ctx, filter)
}

// RestoreFromCache seeds the list from the local cache when no REST baseline
// has been requested yet.
func (r *Reconciler) RestoreFromCache(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	cached, err := r.cache.LoadConversations(ctx)
	if err != nil {
		r.logError(opRestoreCache, reasonCacheFailed, err)
		return newReconcilerError(opRestoreCache, reasonCacheFailed, err)
	}

	r.mu.Lock()
	if r.listGeneration != 0 || len(r.conversations) > 0 {
		r.mu.Unlock()
		return nil
	}
	for _, conversation := range cached {
		if strings.TrimSpace(conversation.ID) == "" {
			continue
		}
		stored := conversation
		r.conversations[conversation.ID] = &stored
	}
	r.resortLocked()
	r.listFromCache = true
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeList})
	return nil
}

// Selection is the handle returned by SelectConversation. It goes stale as
// soon as another conversation is selected.
type Selection struct {
	reconciler     *Reconciler
	conversationID string
	generation     uint64
}

// ConversationID returns the selected conversation.
func (s *Selection) ConversationID() string {
	return s.conversationID
}

// Stale reports whether a newer selection replaced this one.
func (s *Selection) Stale() bool {
	s.reconciler.mu.Lock()
	defer s.reconciler.mu.Unlock()
	return s.reconciler.generation != s.generation
}

// SelectConversation makes conversationID active: it swaps the conversation
// room, zeroes the unread count, marks it read and fetches its messages. A
// fetch that resolves after a newer selection is discarded.
func (r *Reconciler) SelectConversation(ctx context.Context, conversationID string) (*Selection, error) {
	id, err := NewConversationID(conversationID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	previousID := r.activeID
	r.generation++
	selection := &Selection{reconciler: r, conversationID: id.String(), generation: r.generation}
	r.activeID = id.String()
	r.messagesBusy = true
	r.messagesErr = nil
	if conversation, ok := r.conversations[id.String()]; ok {
		conversation.UnreadCount = 0
	}
	r.mu.Unlock()

	if previousID != "" && previousID != id.String() {
		if roomErr := r.push.UnsubscribeRoom(realtime.ConversationRoom(previousID)); roomErr != nil {
			r.logError(opSelect, reasonRoomFailed, roomErr, zap.String("conversation_id", previousID))
		}
	}
	if roomErr := r.push.SubscribeRoom(realtime.ConversationRoom(id.String())); roomErr != nil {
		r.logError(opSelect, reasonRoomFailed, roomErr, zap.String("conversation_id", id.String()))
	}
	r.notify(Change{Kind: ChangeActive, ConversationID: id.String()})
	r.notify(Change{Kind: ChangeList, ConversationID: id.String()})

	if markErr := r.api.MarkRead(ctx, id.String()); markErr != nil {
		r.logError(opMarkRead, reasonRESTFailed, markErr, zap.String("conversation_id", id.String()))
	}

	wire, fetchErr := r.api.ListMessages(ctx, id.String())

	r.mu.Lock()
	if r.generation != selection.generation {
		r.mu.Unlock()
		r.logger.Debug("stale message fetch discarded", zap.String("conversation_id", id.String()))
		return selection, nil
	}
	r.messagesBusy = false
	if fetchErr != nil {
		r.messagesErr = newReconcilerError(opSelect, reasonRESTFailed, fetchErr)
		messagesErr := r.messagesErr
		r.mu.Unlock()
		r.logError(opSelect, reasonRESTFailed, fetchErr, zap.String("conversation_id", id.String()))
		r.notify(Change{Kind: ChangeActive, ConversationID: id.String()})
		return selection, messagesErr
	}

	fetched := make([]Message, 0, len(wire))
	for _, entry := range wire {
		message, convErr := entry.ToMessage()
		if convErr != nil {
			continue
		}
		fetched = append(fetched, message)
	}
	r.messages[id.String()] = r.mergeMessagesLocked(r.messages[id.String()], fetched)
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeActive, ConversationID: id.String()})
	return selection, nil
}

// MarkRead zeroes the unread count of conversationID and tells the backend.
func (r *Reconciler) MarkRead(ctx context.Context, conversationID string) error {
	id, err := NewConversationID(conversationID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if conversation, ok := r.conversations[id.String()]; ok {
		conversation.UnreadCount = 0
	}
	r.mu.Unlock()
	r.notify(Change{Kind: ChangeList, ConversationID: id.String()})

	if err := r.api.MarkRead(ctx, id.String()); err != nil {
		r.logError(opMarkRead, reasonRESTFailed, err, zap.String("conversation_id", id.String()))
		return newReconcilerError(opMarkRead, reasonRESTFailed, err)
	}
	return nil
}

// SendMessage appends a pending optimistic text message to the active
// conversation and sends it. The returned record is the confirmed message, or
// the optimistic one marked failed together with the send error.
func (r *Reconciler) SendMessage(ctx context.Context, text string) (Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, ErrEmptyMessage
	}
	return r.sendOptimistic(ctx, Message{Type: "text", Content: trimmed}, SendRequest{Text: trimmed})
}

// SendTemplate is SendMessage for an approved template.
func (r *Reconciler) SendTemplate(ctx context.Context, template TemplateRef) (Message, error) {
	template.Name = strings.TrimSpace(template.Name)
	if template.Name == "" {
		return Message{}, ErrEmptyMessage
	}
	ref := template
	return r.sendOptimistic(ctx, Message{Type: "template", Template: &ref}, SendRequest{Template: &ref})
}

// Retry re-sends a failed optimistic message in place.
func (r *Reconciler) Retry(ctx context.Context, correlationID string) (Message, error) {
	r.mu.Lock()
	conversationID, index := r.findCorrelationLocked(correlationID)
	if index < 0 {
		r.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	log := r.messages[conversationID]
	message := log[index]
	if message.Origin != OriginOptimistic || message.Status != StatusFailed {
		r.mu.Unlock()
		return message, ErrUnknownMessage
	}
	log[index].Status = StatusPending
	log[index].FailureReason = ""
	request := SendRequest{
		ConversationID: conversationID,
		To:             r.contactPhoneLocked(conversationID),
		Text:           message.Content,
		Template:       message.Template,
	}
	if message.Template != nil {
		request.Text = ""
	}
	r.mu.Unlock()
	r.notify(Change{Kind: ChangeMessage, ConversationID: conversationID})

	return r.deliver(ctx, opRetry, conversationID, correlationID, request)
}

func (r *Reconciler) sendOptimistic(ctx context.Context, draft Message, request SendRequest) (Message, error) {
	correlationID, err := r.idProvider.NewID()
	if err != nil {
		r.logError(opSend, reasonIDFailed, err)
		return Message{}, newReconcilerError(opSend, reasonIDFailed, err)
	}

	r.mu.Lock()
	conversationID := r.activeID
	if conversationID == "" {
		r.mu.Unlock()
		return Message{}, ErrNoActiveConversation
	}
	optimistic := draft
	optimistic.ID = "local-" + correlationID
	optimistic.CorrelationID = correlationID
	optimistic.Origin = OriginOptimistic
	optimistic.Direction = DirectionOutbound
	optimistic.Status = StatusPending
	optimistic.CreatedAt = r.clock().UTC()
	r.messages[conversationID] = append(r.messages[conversationID], optimistic)
	r.touchConversationLocked(conversationID, optimistic)
	request.ConversationID = conversationID
	request.To = r.contactPhoneLocked(conversationID)
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeMessage, ConversationID: conversationID})
	r.notify(Change{Kind: ChangeList, ConversationID: conversationID})

	return r.deliver(ctx, opSend, conversationID, correlationID, request)
}

// deliver performs the REST send for an optimistic record and reconciles the
// outcome by correlation id.
func (r *Reconciler) deliver(ctx context.Context, operation, conversationID, correlationID string, request SendRequest) (Message, error) {
	wire, sendErr := r.api.SendMessage(ctx, request)

	r.mu.Lock()
	log := r.messages[conversationID]
	index := indexByCorrelation(log, correlationID)
	if index < 0 {
		r.mu.Unlock()
		if sendErr != nil {
			return Message{}, newReconcilerError(operation, reasonRESTFailed, sendErr)
		}
		confirmed, _ := wire.ToMessage()
		return confirmed, nil
	}

	if sendErr != nil {
		log[index].Status = StatusFailed
		log[index].FailureReason = sendErr.Error()
		failed := log[index]
		r.mu.Unlock()
		r.logError(operation, reasonRESTFailed, sendErr,
			zap.String("conversation_id", conversationID),
			zap.String("correlation_id", correlationID))
		r.notify(Change{Kind: ChangeMessage, ConversationID: conversationID})
		return failed, newReconcilerError(operation, reasonRESTFailed, sendErr)
	}

	confirmed, convErr := wire.ToMessage()
	if convErr != nil {
		// The send went through but the backend did not echo a usable record;
		// keep the optimistic entry and let push events confirm it.
		log[index].Status = log[index].Status.Advance(StatusSent)
		accepted := log[index]
		r.mu.Unlock()
		r.notify(Change{Kind: ChangeMessage, ConversationID: conversationID})
		return accepted, nil
	}
	optimistic := log[index]
	confirmed.CorrelationID = correlationID
	confirmed.Direction = DirectionOutbound
	confirmed.Status = StatusPending.Advance(confirmed.Status)
	if confirmed.Content == "" {
		confirmed.Content = optimistic.Content
	}
	if confirmed.Template == nil {
		confirmed.Template = optimistic.Template
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = optimistic.CreatedAt
	}
	if echo := indexByID(log, confirmed.ID); echo >= 0 && echo != index {
		confirmed.Status = confirmed.Status.Advance(log[echo].Status)
		log[index] = confirmed
		log = append(log[:echo], log[echo+1:]...)
	} else {
		log[index] = confirmed
	}
	if pending, ok := r.takePendingStatusLocked(confirmed.ID); ok {
		confirmed.Status = confirmed.Status.Advance(pending)
		log[indexByID(log, confirmed.ID)].Status = confirmed.Status
	}
	r.messages[conversationID] = log
	r.rememberLocked(confirmed.ID)
	if conversation, ok := r.conversations[conversationID]; ok && conversation.LastMessageID == optimistic.ID {
		conversation.LastMessageID = confirmed.ID
		conversation.LastMessageStatus = confirmed.Status
	}
	r.mu.Unlock()

	r.notify(Change{Kind: ChangeMessage, ConversationID: conversationID})
	return confirmed, nil
}

// Conversations returns the list ordered by last activity, newest first.
func (r *Reconciler) Conversations() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationsLocked()
}

// Conversation returns one list entry.
func (r *Reconciler) Conversation(conversationID string) (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conversation, ok := r.conversations[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return *conversation, true
}

// List returns the conversation list together with its load state.
func (r *Reconciler) List() ListView {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := ListView{
		Conversations: r.conversationsLocked(),
		ActiveID:      r.activeID,
		Filter:        r.filter,
		Loading:       r.listLoading,
		FromCache:     r.listFromCache,
	}
	if r.listErr != nil {
		view.Error = r.listErr.Error()
	}
	return view
}

// Active returns the selected conversation and its message log.
func (r *Reconciler) Active() (ActiveView, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeID == "" {
		return ActiveView{}, false
	}
	view := ActiveView{
		Conversation: Conversation{ID: r.activeID},
		Messages:     append([]Message(nil), r.messages[r.activeID]...),
		Loading:      r.messagesBusy,
	}
	if conversation, ok := r.conversations[r.activeID]; ok {
		view.Conversation = *conversation
	}
	if r.messagesErr != nil {
		view.Error = r.messagesErr.Error()
	}
	return view, true
}

// Messages returns the in-memory message log of conversationID.
func (r *Reconciler) Messages(conversationID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages[conversationID]...)
}

// ActiveID returns the selected conversation id, if any.
func (r *Reconciler) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Close leaves the active room and deregisters push handlers.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	activeID := r.activeID
	r.activeID = ""
	r.generation++
	r.mu.Unlock()

	for event, id := range r.handlerIDs {
		r.push.Off(event, id)
	}
	if activeID != "" {
		if err := r.push.UnsubscribeRoom(realtime.ConversationRoom(activeID)); err != nil {
			r.logError(opSelect, reasonRoomFailed, err, zap.String("conversation_id", activeID))
		}
	}
}

func (r *Reconciler) notify(change Change) {
	r.observers.Notify(change)
}

func (r *Reconciler) saveBaseline(ctx context.Context, conversations []Conversation) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SaveConversations(ctx, conversations); err != nil {
		r.logError(opLoadConversations, reasonCacheFailed, err)
	}
}

func (r *Reconciler) conversationsLocked() []Conversation {
	result := make([]Conversation, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, *r.conversations[id])
	}
	return result
}

func (r *Reconciler) resortLocked() {
	order := make([]string, 0, len(r.conversations))
	for id := range r.conversations {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		left := r.conversations[order[i]]
		right := r.conversations[order[j]]
		if !left.LastMessageAt.Equal(right.LastMessageAt) {
			return left.LastMessageAt.After(right.LastMessageAt)
		}
		return left.ID < right.ID
	})
	r.order = order
}

// touchConversationLocked moves list metadata forward for message.
func (r *Reconciler) touchConversationLocked(conversationID string, message Message) {
	conversation, ok := r.conversations[conversationID]
	if !ok {
		return
	}
	if message.CreatedAt.Before(conversation.LastMessageAt) {
		return
	}
	conversation.LastMessageAt = message.CreatedAt
	conversation.LastMessagePreview = previewOf(message)
	conversation.LastMessageID = message.ID
	conversation.LastMessageStatus = message.Status
	r.resortLocked()
}

func (r *Reconciler) contactPhoneLocked(conversationID string) string {
	if conversation, ok := r.conversations[conversationID]; ok {
		return conversation.Contact.Phone
	}
	return ""
}

func (r *Reconciler) findCorrelationLocked(correlationID string) (string, int) {
	if correlationID == "" {
		return "", -1
	}
	for conversationID, log := range r.messages {
		if index := indexByCorrelation(log, correlationID); index >= 0 {
			return conversationID, index
		}
	}
	return "", -1
}

// mergeMessagesLocked folds a fetched log into what is already in memory:
// statuses only move forward, and records the fetch does not carry
// (optimistic sends, streamed arrivals) are kept.
func (r *Reconciler) mergeMessagesLocked(existing, fetched []Message) []Message {
	known := make(map[string]Message, len(existing))
	for _, message := range existing {
		known[message.ID] = message
	}
	merged := make([]Message, 0, len(existing)+len(fetched))
	included := make(map[string]struct{}, len(fetched))
	for _, message := range fetched {
		if _, duplicate := included[message.ID]; duplicate {
			continue
		}
		if prior, ok := known[message.ID]; ok {
			message.Status = message.Status.Advance(prior.Status)
			message.CorrelationID = prior.CorrelationID
		}
		if pending, ok := r.takePendingStatusLocked(message.ID); ok {
			message.Status = message.Status.Advance(pending)
		}
		included[message.ID] = struct{}{}
		r.rememberLocked(message.ID)
		merged = append(merged, message)
	}
	for _, message := range existing {
		if _, ok := included[message.ID]; ok {
			continue
		}
		included[message.ID] = struct{}{}
		merged = append(merged, message)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}

func (r *Reconciler) stashStatusLocked(messageID string, status MessageStatus) {
	if current, ok := r.pendingStatus[messageID]; ok {
		r.pendingStatus[messageID] = current.Advance(status)
		return
	}
	if len(r.pendingOrder) >= maxPendingStatuses {
		oldest := r.pendingOrder[0]
		r.pendingOrder = r.pendingOrder[1:]
		delete(r.pendingStatus, oldest)
	}
	r.pendingStatus[messageID] = status
	r.pendingOrder = append(r.pendingOrder, messageID)
}

func (r *Reconciler) takePendingStatusLocked(messageID string) (MessageStatus, bool) {
	status, ok := r.pendingStatus[messageID]
	if !ok {
		return "", false
	}
	delete(r.pendingStatus, messageID)
	for index, id := range r.pendingOrder {
		if id == messageID {
			r.pendingOrder = append(r.pendingOrder[:index], r.pendingOrder[index+1:]...)
			break
		}
	}
	return status, true
}

// rememberLocked records a message id as seen and reports whether it was new.
func (r *Reconciler) rememberLocked(messageID string) bool {
	if _, ok := r.seen[messageID]; ok {
		return false
	}
	if len(r.seenOrder) >= maxSeenMessageIDs {
		oldest := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, oldest)
	}
	r.seen[messageID] = struct{}{}
	r.seenOrder = append(r.seenOrder, messageID)
	return true
}

func indexByID(log []Message, messageID string) int {
	for index := range log {
		if log[index].ID == messageID {
			return index
		}
	}
	return -1
}

func indexByCorrelation(log []Message, correlationID string) int {
	for index := range log {
		if log[index].CorrelationID == correlationID {
			return index
		}
	}
	return -1
}
