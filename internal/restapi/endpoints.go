package restapi

import (
	"context"
	"net/url"
	"strconv"

	"github.com/wadesk/syncd/internal/campaigns"
	"github.com/wadesk/syncd/internal/inbox"
)

type sendMessageBody struct {
	ConversationID string   `json:"conversationId"`
	To             string   `json:"to,omitempty"`
	Type           string   `json:"type"`
	Text           string   `json:"text,omitempty"`
	TemplateName   string   `json:"templateName,omitempty"`
	Language       string   `json:"language,omitempty"`
	Variables      []string `json:"variables,omitempty"`
}

// ListConversations fetches the conversation list baseline.
func (c *Client) ListConversations(ctx context.Context, filter inbox.Filter) ([]inbox.WireConversation, error) {
	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}
	if filter.Search != "" {
		query.Set("search", filter.Search)
	}
	if filter.Page > 0 {
		query.Set("page", strconv.Itoa(filter.Page))
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	var conversations []inbox.WireConversation
	if err := c.getJSON(ctx, "/inbox/conversations", query, &conversations, "conversations"); err != nil {
		return nil, err
	}
	return conversations, nil
}

// ListMessages fetches the message log of one conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]inbox.WireMessage, error) {
	var messages []inbox.WireMessage
	path := "/inbox/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.getJSON(ctx, path, nil, &messages, "messages"); err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead marks every message of a conversation as read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/inbox/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.postJSON(ctx, path, struct{}{}, nil)
}

// SendMessage sends a text or template message and returns the created record.
func (c *Client) SendMessage(ctx context.Context, request inbox.SendRequest) (inbox.WireMessage, error) {
	body := sendMessageBody{
		ConversationID: request.ConversationID,
		To:             request.To,
		Type:           "text",
		Text:           request.Text,
	}
	if request.Template != nil {
		body.Type = "template"
		body.Text = ""
		body.TemplateName = request.Template.Name
		body.Language = request.Template.Language
		body.Variables = request.Template.Variables
	}
	var message inbox.WireMessage
	if err := c.postJSON(ctx, "/inbox/messages", body, &message, "message"); err != nil {
		return inbox.WireMessage{}, err
	}
	if message.ConversationID == "" {
		message.ConversationID = request.ConversationID
	}
	return message, nil
}

// GetCampaign fetches the campaign snapshot used as the progress baseline.
func (c *Client) GetCampaign(ctx context.Context, campaignID string) (campaigns.WireCampaign, error) {
	var campaign campaigns.WireCampaign
	if err := c.getJSON(ctx, "/campaigns/"+url.PathEscape(campaignID), nil, &campaign, "campaign"); err != nil {
		return campaigns.WireCampaign{}, err
	}
	return campaign, nil
}
