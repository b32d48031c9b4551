package refinerysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Refinery HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Issue represents one item in a batch.
type Issue struct {
	Number      string `json:"number"`
	Title       string `json:"title"`
	URL         string `json:"url,omitempty"`
	Status      string `json:"status"`
	FinalPoints *int   `json:"final_points,omitempty"`
	Rationale   string `json:"rationale,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
}

// Batch represents an estimation round.
type Batch struct {
	PublicID    string  `json:"public_id"`
	Date        string  `json:"date"`
	Facilitator string  `json:"facilitator"`
	Status      string  `json:"status"`
	Deadline    string  `json:"deadline"`
	CreatedAt   string  `json:"created_at"`
	Issues      []Issue `json:"issues,omitempty"`
}

// Status reports the active batch plus vote coverage.
type Status struct {
	Batch        Batch          `json:"batch"`
	Roster       []string       `json:"roster"`
	Waiting      []string       `json:"waiting,omitempty"`
	VotesByIssue map[string]int `json:"votes_by_issue,omitempty"`
}

// VoteEntry is one item of a ballot.
type VoteEntry struct {
	Ref     string `json:"ref"`
	Points  int    `json:"points,omitempty"`
	Abstain bool   `json:"abstain,omitempty"`
}

// ItemResult is a per-issue evaluation outcome.
type ItemResult struct {
	Ref    string `json:"ref"`
	Status string `json:"status"`
	Points int    `json:"points,omitempty"`
	Basis  string `json:"basis,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Evaluation summarizes what happened when voting closed.
type Evaluation struct {
	BatchStatus string       `json:"batch_status"`
	Items       []ItemResult `json:"items"`
}

// VoteReceipt confirms a recorded ballot.
type VoteReceipt struct {
	Voter      string      `json:"voter"`
	Recorded   int         `json:"recorded"`
	Abstained  int         `json:"abstained"`
	Replaced   int         `json:"replaced"`
	Evaluation *Evaluation `json:"evaluation,omitempty"`
}

// Estimate is a final per-issue result.
type Estimate struct {
	IssueNumber string `json:"issue_number"`
	Points      int    `json:"points"`
	Rationale   string `json:"rationale,omitempty"`
	Resolution  string `json:"resolution"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	BatchID int64          `json:"batch_id"`
	Issue   string         `json:"issue,omitempty"`
	Actor   string         `json:"actor"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartBatch opens a voting round over the given issue URLs.
func (c *Client) StartBatch(ctx context.Context, issueURLs []string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, "v0/batch", map[string]any{"issues": issueURLs}, &resp)
	return resp, err
}

// Status returns the active batch.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/batch", nil, &resp)
	return resp, err
}

// SubmitVotes records a complete ballot. onBehalfOf may be empty.
func (c *Client) SubmitVotes(ctx context.Context, onBehalfOf string, entries []VoteEntry) (VoteReceipt, error) {
	body := map[string]any{"entries": entries}
	if onBehalfOf != "" {
		body["on_behalf_of"] = onBehalfOf
	}
	var resp VoteReceipt
	err := c.do(ctx, http.MethodPost, "v0/votes", body, &resp)
	return resp, err
}

// Complete closes voting early and evaluates.
func (c *Client) Complete(ctx context.Context) (Evaluation, error) {
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, "v0/batch/complete", nil, &resp)
	return resp, err
}

// Cancel discards the active batch.
func (c *Client) Cancel(ctx context.Context) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, "v0/batch/cancel", nil, &resp)
	return resp, err
}

// AddVoters enrolls names on the active roster.
func (c *Client) AddVoters(ctx context.Context, names []string) error {
	return c.do(ctx, http.MethodPost, "v0/voters", map[string]any{"names": names}, nil)
}

// RemoveVoters drops names from the active roster.
func (c *Client) RemoveVoters(ctx context.Context, names []string) error {
	return c.do(ctx, http.MethodPost, "v0/voters/remove", map[string]any{"names": names}, nil)
}

// Estimates returns the final estimates of a batch.
func (c *Client) Estimates(ctx context.Context, publicID string) ([]Estimate, error) {
	var resp []Estimate
	endpoint := fmt.Sprintf("v0/batches/%s/estimates", url.PathEscape(publicID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest last.
func (c *Client) Events(ctx context.Context, limit int, evtType string) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
