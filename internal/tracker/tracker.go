// Package tracker resolves issue titles from the team's issue
// tracker. Only title lookup is implemented; batches carry the URL
// for everything else.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

var issuePathRe = regexp.MustCompile(`^https?://[^/]+/([^/]+)/([^/]+)/issues/(\d+)/?$`)

// Title fetches the issue title behind a tracker URL.
func (c *Client) Title(ctx context.Context, url string) (string, error) {
	m := issuePathRe.FindStringSubmatch(url)
	if m == nil {
		return "", fmt.Errorf("not an issue URL: %q", url)
	}
	api := fmt.Sprintf("%s/repos/%s/%s/issues/%s", c.BaseURL, m[1], m[2], m[3])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", api, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", api, resp.StatusCode)
	}

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode issue: %w", err)
	}
	if body.Title == "" {
		return "", fmt.Errorf("issue %s has no title", url)
	}
	return body.Title, nil
}
