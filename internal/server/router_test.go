package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/campaigns"
	"github.com/wadesk/syncd/internal/inbox"
	"github.com/wadesk/syncd/internal/realtime"
	"github.com/wadesk/syncd/internal/restapi"
)

type stubConnection struct {
	snapshot   realtime.Snapshot
	reconnects int
}

func (s *stubConnection) Snapshot() realtime.Snapshot { return s.snapshot }

func (s *stubConnection) Reconnect() error {
	s.reconnects++
	return nil
}

type stubInbox struct {
	mu        sync.Mutex
	list      inbox.ListView
	active    *inbox.ActiveView
	filters   []inbox.Filter
	refreshes int
	selectErr error
	sendErr   error
	sent      []string
	templates []inbox.TemplateRef
	retried   []string
	read      []string
}

func (s *stubInbox) List() inbox.ListView { return s.list }

func (s *stubInbox) Active() (inbox.ActiveView, bool) {
	if s.active == nil {
		return inbox.ActiveView{}, false
	}
	return *s.active, true
}

func (s *stubInbox) LoadConversations(ctx context.Context, filter inbox.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, filter)
	return nil
}

func (s *stubInbox) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return nil
}

func (s *stubInbox) SelectConversation(ctx context.Context, conversationID string) (*inbox.Selection, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	return nil, nil
}

func (s *stubInbox) MarkRead(ctx context.Context, conversationID string) error {
	s.read = append(s.read, conversationID)
	return nil
}

func (s *stubInbox) SendMessage(ctx context.Context, text string) (inbox.Message, error) {
	s.sent = append(s.sent, text)
	if s.sendErr != nil {
		return inbox.Message{ID: "local-1", CorrelationID: "corr-1", Status: inbox.StatusFailed}, s.sendErr
	}
	return inbox.Message{ID: "srv-1", CorrelationID: "corr-1", Status: inbox.StatusSent, Content: text}, nil
}

func (s *stubInbox) SendTemplate(ctx context.Context, template inbox.TemplateRef) (inbox.Message, error) {
	s.templates = append(s.templates, template)
	return inbox.Message{ID: "srv-2", Status: inbox.StatusSent, Template: &template}, nil
}

func (s *stubInbox) Retry(ctx context.Context, correlationID string) (inbox.Message, error) {
	s.retried = append(s.retried, correlationID)
	return inbox.Message{}, inbox.ErrUnknownMessage
}

type stubCampaigns struct {
	progress campaigns.Progress
	watchErr error
	watched  []string
	unwatch  []string
}

func (s *stubCampaigns) Progress() campaigns.Progress { return s.progress }

func (s *stubCampaigns) Watch(ctx context.Context, campaignID string) error {
	s.watched = append(s.watched, campaignID)
	if s.watchErr != nil {
		return s.watchErr
	}
	s.progress.CampaignID = campaignID
	s.progress.Watching = true
	return nil
}

func (s *stubCampaigns) Unwatch(campaignID string) error {
	s.unwatch = append(s.unwatch, campaignID)
	return nil
}

type testFixture struct {
	handler    http.Handler
	connection *stubConnection
	inbox      *stubInbox
	campaigns  *stubCampaigns
	dispatcher *ChangeDispatcher
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := &testFixture{
		connection: &stubConnection{snapshot: realtime.Snapshot{State: realtime.StateConnected, TenantID: "tenant-1"}},
		inbox:      &stubInbox{list: inbox.ListView{Conversations: []inbox.Conversation{{ID: "c1", UnreadCount: 2}}}},
		campaigns:  &stubCampaigns{},
		dispatcher: NewChangeDispatcher(),
	}
	registry := prometheus.NewRegistry()
	realtime.NewMetrics(registry)
	handler, err := NewHTTPHandler(Dependencies{
		Connection:        fixture.connection,
		Inbox:             fixture.inbox,
		Campaigns:         fixture.campaigns,
		Dispatcher:        fixture.dispatcher,
		Gatherer:          registry,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func (f *testFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestConnectionSnapshotEndpoint(t *testing.T) {
	fixture := newFixture(t)
	recorder := fixture.do(http.MethodGet, "/connection", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var payload struct {
		State    string `json:"state"`
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.State != "connected" || payload.TenantID != "tenant-1" {
		t.Fatalf("unexpected snapshot %+v", payload)
	}

	if recorder := fixture.do(http.MethodPost, "/connection/reconnect", ""); recorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected reconnect status %d", recorder.Code)
	}
	if fixture.connection.reconnects != 1 {
		t.Fatalf("expected reconnect to be requested")
	}
}

func TestRefreshUsesFilterWhenBodyPresent(t *testing.T) {
	fixture := newFixture(t)
	if recorder := fixture.do(http.MethodPost, "/inbox/conversations/refresh", ""); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodPost, "/inbox/conversations/refresh", `{"status":" open ","limit":20}`); recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if fixture.inbox.refreshes != 1 {
		t.Fatalf("expected one plain refresh, got %d", fixture.inbox.refreshes)
	}
	if len(fixture.inbox.filters) != 1 || fixture.inbox.filters[0].Status != "open" || fixture.inbox.filters[0].Limit != 20 {
		t.Fatalf("unexpected filters %+v", fixture.inbox.filters)
	}
}

func TestSelectRejectsInvalidConversation(t *testing.T) {
	fixture := newFixture(t)
	fixture.inbox.selectErr = inbox.ErrInvalidConversationID
	recorder := fixture.do(http.MethodPost, "/inbox/conversations/%20/select", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"error":"invalid_id"}` {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestSendMessageRoutesTextAndTemplates(t *testing.T) {
	fixture := newFixture(t)
	if recorder := fixture.do(http.MethodPost, "/inbox/messages", `{"text":"hello"}`); recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodPost, "/inbox/messages", `{"templateName":"welcome","variables":["Ana"]}`); recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if len(fixture.inbox.sent) != 1 || fixture.inbox.sent[0] != "hello" {
		t.Fatalf("unexpected text sends %v", fixture.inbox.sent)
	}
	if len(fixture.inbox.templates) != 1 || fixture.inbox.templates[0].Name != "welcome" {
		t.Fatalf("unexpected template sends %+v", fixture.inbox.templates)
	}
}

func TestSendFailureReturnsFailedRecord(t *testing.T) {
	fixture := newFixture(t)
	fixture.inbox.sendErr = &restapi.APIError{StatusCode: http.StatusUnprocessableEntity, Code: "outside_window"}
	recorder := fixture.do(http.MethodPost, "/inbox/messages", `{"text":"late"}`)
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected bad gateway, got %d", recorder.Code)
	}
	var payload struct {
		Error   string        `json:"error"`
		Message inbox.Message `json:"message"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.Error != "outside_window" || payload.Message.Status != inbox.StatusFailed || payload.Message.CorrelationID != "corr-1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestRetryUnknownMessageIsNotFound(t *testing.T) {
	fixture := newFixture(t)
	recorder := fixture.do(http.MethodPost, "/inbox/messages/corr-9/retry", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
	if len(fixture.inbox.retried) != 1 || fixture.inbox.retried[0] != "corr-9" {
		t.Fatalf("unexpected retries %v", fixture.inbox.retried)
	}
}

func TestActiveWithoutSelection(t *testing.T) {
	fixture := newFixture(t)
	if recorder := fixture.do(http.MethodGet, "/inbox/active", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
}

func TestCampaignWatchLifecycle(t *testing.T) {
	fixture := newFixture(t)
	recorder := fixture.do(http.MethodPut, "/campaigns/camp-1/watch", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var progress campaigns.Progress
	if err := json.Unmarshal(recorder.Body.Bytes(), &progress); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if progress.CampaignID != "camp-1" || !progress.Watching {
		t.Fatalf("unexpected progress %+v", progress)
	}
	if recorder := fixture.do(http.MethodDelete, "/campaigns/camp-1/watch", ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("unexpected unwatch status %d", recorder.Code)
	}
	if len(fixture.campaigns.unwatch) != 1 {
		t.Fatalf("expected unwatch call")
	}
}

func TestCampaignWatchSnapshotFailureStillReturnsProgress(t *testing.T) {
	fixture := newFixture(t)
	fixture.campaigns.watchErr = &restapi.APIError{StatusCode: http.StatusServiceUnavailable}
	recorder := fixture.do(http.MethodPut, "/campaigns/camp-2/watch", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected progress despite snapshot failure, got %d", recorder.Code)
	}
}

func TestMetricsEndpointExposesPushCollectors(t *testing.T) {
	fixture := newFixture(t)
	recorder := fixture.do(http.MethodGet, "/metrics", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "wadesk_push_state") {
		t.Fatalf("expected push state gauge in exposition")
	}
}

func TestEventStreamDeliversViewEvents(t *testing.T) {
	fixture := newFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fixture.dispatcher.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	fixture.dispatcher.Publish(ViewEventInbox, inbox.Change{Kind: inbox.ChangeList, ConversationID: "c1"})

	streamReader := bufio.NewReader(streamResp.Body)
	seen := map[string]string{}
	type readResult struct {
		line string
		err  error
	}
	currentEventType := ""
	timeout := time.After(5 * time.Second)
	for seen[ViewEventInbox] == "" {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := streamReader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-timeout:
			t.Fatal("timed out waiting for view event")
		case res := <-resultCh:
			if res.err != nil {
				t.Fatalf("failed to read stream: %v", res.err)
			}
			line := strings.TrimSpace(res.line)
			if strings.HasPrefix(line, "event:") {
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if strings.HasPrefix(line, "data:") {
				seen[currentEventType] = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}

	if !strings.Contains(seen[ViewEventConnection], `"state":"connected"`) {
		t.Fatalf("expected initial connection snapshot, got %q", seen[ViewEventConnection])
	}
	var event struct {
		Kind    string       `json:"kind"`
		Payload inbox.Change `json:"payload"`
	}
	if err := json.Unmarshal([]byte(seen[ViewEventInbox]), &event); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if event.Kind != ViewEventInbox || event.Payload.ConversationID != "c1" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingConnection {
		t.Fatalf("expected missing connection error, got %v", err)
	}
}
