// Package zulip is a narrow chat client: post and update stream
// messages, plus the payload types of outgoing webhooks. Rendering of
// batch activity into chat text lives here too, so nothing outside
// this package deals in markdown.
package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	Site   string
	Email  string
	APIKey string
	HTTP   *http.Client
}

func New(site, email, apiKey string) *Client {
	return &Client{
		Site:   strings.TrimSuffix(site, "/"),
		Email:  email,
		APIKey: apiKey,
		HTTP:   &http.Client{Timeout: 10 * time.Second},
	}
}

// SendMessage posts to a stream topic and returns the message id.
func (c *Client) SendMessage(ctx context.Context, stream, topic, content string) (int64, error) {
	form := url.Values{
		"type":    {"stream"},
		"to":      {stream},
		"topic":   {topic},
		"content": {content},
	}
	var resp struct {
		ID     int64  `json:"id"`
		Result string `json:"result"`
		Msg    string `json:"msg"`
	}
	if err := c.post(ctx, "/api/v1/messages", form, &resp); err != nil {
		return 0, err
	}
	if resp.Result != "success" {
		return 0, fmt.Errorf("zulip: send message: %s", resp.Msg)
	}
	return resp.ID, nil
}

// UpdateMessage replaces the content of an earlier message.
func (c *Client) UpdateMessage(ctx context.Context, id int64, content string) error {
	form := url.Values{"content": {content}}
	var resp struct {
		Result string `json:"result"`
		Msg    string `json:"msg"`
	}
	if err := c.patch(ctx, fmt.Sprintf("/api/v1/messages/%d", id), form, &resp); err != nil {
		return err
	}
	if resp.Result != "success" {
		return fmt.Errorf("zulip: update message %d: %s", id, resp.Msg)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, form, out)
}

func (c *Client) patch(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPatch, path, form, out)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.Site+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.Email, c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("zulip: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("zulip: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// OutgoingMessage is the message part of an outgoing-webhook call.
type OutgoingMessage struct {
	SenderFullName string `json:"sender_full_name"`
	SenderEmail    string `json:"sender_email"`
	Content        string `json:"content"`
	Stream         string `json:"display_recipient"`
	Subject        string `json:"subject"`
}

// OutgoingPayload is what Zulip posts to the bot's webhook endpoint.
type OutgoingPayload struct {
	Token   string          `json:"token"`
	Trigger string          `json:"trigger"`
	BotName string          `json:"bot_full_name"`
	Message OutgoingMessage `json:"message"`
}

// BotResponse is the reply body for an outgoing webhook.
type BotResponse struct {
	Content string `json:"content"`
}
