package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wadesk/syncd/internal/inbox"
	"github.com/wadesk/syncd/internal/session"
)

func mustIdentity(t *testing.T) session.Identity {
	t.Helper()
	identity, err := session.NewIdentity("token-abc", "tenant-1", "user-1")
	if err != nil {
		t.Fatalf("failed to build identity: %v", err)
	}
	return identity
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		BaseURL:    server.URL + "/api/",
		Identity:   mustIdentity(t),
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, payload any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		t.Errorf("encode failed: %v", err)
	}
}

func TestListConversationsSendsCredentialsAndFilter(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/inbox/conversations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-abc" {
			t.Errorf("unexpected authorization %q", got)
		}
		if got := r.Header.Get("X-Tenant-ID"); got != "tenant-1" {
			t.Errorf("unexpected tenant header %q", got)
		}
		query := r.URL.Query()
		if query.Get("status") != "open" || query.Get("search") != "ana" || query.Get("page") != "2" || query.Get("limit") != "25" {
			t.Errorf("unexpected query %v", query)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"data": map[string]any{
				"conversations": []map[string]any{
					{"id": "c1", "contact": map[string]any{"id": "k1", "phoneNumber": "+1555"}, "unreadCount": 2, "lastMessageAt": "2024-05-01T09:00:00Z"},
				},
				"total": 1,
			},
		})
	}))

	conversations, err := client.ListConversations(context.Background(), inbox.Filter{Status: "open", Search: "ana", Page: 2, Limit: 25})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(conversations) != 1 || conversations[0].ID != "c1" || conversations[0].UnreadCount != 2 {
		t.Fatalf("unexpected conversations: %+v", conversations)
	}
	if conversations[0].Contact.Phone != "+1555" {
		t.Fatalf("expected phone alias decoded, got %+v", conversations[0].Contact)
	}
}

func TestListMessagesAcceptsBareArray(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/inbox/conversations/c%2F1/messages" && r.URL.RawPath != "/api/inbox/conversations/c%2F1/messages" {
			t.Errorf("unexpected path %s (%s)", r.URL.Path, r.URL.RawPath)
		}
		writeJSON(t, w, http.StatusOK, []map[string]any{
			{"id": "m1", "direction": "inbound", "content": map[string]any{"text": "hi"}, "status": "delivered"},
		})
	}))

	messages, err := client.ListMessages(context.Background(), "c/1")
	if err != nil {
		t.Fatalf("list messages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "m1" || messages[0].Content != "hi" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestSendTemplateMessageBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/inbox/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body sendMessageBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode failed: %v", err)
		}
		if body.Type != "template" || body.TemplateName != "welcome" || len(body.Variables) != 2 || body.Text != "" {
			t.Errorf("unexpected body %+v", body)
		}
		writeJSON(t, w, http.StatusCreated, map[string]any{
			"data": map[string]any{"id": "srv-1", "status": "sent", "direction": "outbound"},
		})
	}))

	message, err := client.SendMessage(context.Background(), inbox.SendRequest{
		ConversationID: "c1",
		To:             "+1555",
		Template:       &inbox.TemplateRef{Name: "welcome", Variables: []string{"Ana", "Friday"}},
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if message.ID != "srv-1" || message.ConversationID != "c1" {
		t.Fatalf("unexpected message: %+v", message)
	}
}

func TestMarkReadIgnoresEmptyBody(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/inbox/conversations/c1/read" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	if err := client.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
}

func TestGetCampaignRetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(t, w, http.StatusBadGateway, map[string]any{"error": "upstream"})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"id": "camp-1", "status": "running", "totalContacts": 10, "sentCount": 4, "failedCount": 1,
		})
	}))

	campaign, err := client.GetCampaign(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("get campaign failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	if campaign.SentCount != 4 || campaign.TotalContacts != 10 {
		t.Fatalf("unexpected campaign: %+v", campaign)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusNotFound, map[string]any{"code": "campaign_not_found", "message": "no such campaign"})
	}))

	_, err := client.GetCampaign(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "campaign_not_found" || apiErr.Message != "no such campaign" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestSendFailureIsAPIError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnprocessableEntity, map[string]any{
			"error": map[string]any{"code": "outside_window", "message": "24h window closed"},
		})
	}))

	_, err := client.SendMessage(context.Background(), inbox.SendRequest{ConversationID: "c1", Text: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "outside_window" || apiErr.Message != "24h window closed" {
		t.Fatalf("unexpected error: %v", err)
	}
	if apiErr.Temporary() {
		t.Fatalf("422 must not be temporary")
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(ClientConfig{Identity: mustIdentity(t)}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config for empty url, got %v", err)
	}
	if _, err := NewClient(ClientConfig{BaseURL: "ftp://example.com", Identity: mustIdentity(t)}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config for scheme, got %v", err)
	}
	if _, err := NewClient(ClientConfig{BaseURL: "https://example.com"}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config for identity, got %v", err)
	}
}

func TestUnwrapLeavesPlainObjects(t *testing.T) {
	raw := json.RawMessage(`{"id":"camp-1","status":"running"}`)
	if got := string(unwrap(raw, "campaign")); got != string(raw) {
		t.Fatalf("unexpected unwrap result %s", got)
	}
	nested := json.RawMessage(`{"data":{"campaign":{"id":"camp-2"}}}`)
	if got := string(unwrap(nested, "campaign")); got != `{"id":"camp-2"}` {
		t.Fatalf("unexpected nested unwrap result %s", got)
	}
}
