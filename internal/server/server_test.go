package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"refinery/internal/bot"
	"refinery/internal/config"
	"refinery/internal/db"
	"refinery/internal/engine"
	"refinery/internal/engine/auth"
	"refinery/internal/migrate"
)

const testJWTSecret = "test-secret"

type stubTitles struct{}

func (stubTitles) Title(_ context.Context, url string) (string, error) {
	return "Title for " + url, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Voters = []string{"alice", "bob"}
	cfg.Zulip.WebhookToken = "hook-token"
	cfg.Zulip.BotName = "refinery"
	eng := engine.New(conn, cfg, stubTitles{})
	eng.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine:   eng,
		Bot:      bot.New(eng, cfg),
		App:      cfg,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(name string) map[string]string {
	return map[string]string{"X-Actor-Id": name}
}

func issueURL(num string) string {
	return "https://github.com/acme/widgets/issues/" + num
}

func TestHealthNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/batch", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code == "" {
		t.Fatalf("expected error code in envelope, got %s", string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	srv := newTestServer(t)

	signed, err := auth.MintToken(testJWTSecret, "dana", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/batch", map[string]any{
		"issues": []string{issueURL("101")},
	}, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start batch status %d: %s", res.StatusCode, string(data))
	}
	var created BatchResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if created.Facilitator != "dana" {
		t.Fatalf("facilitator = %s, want dana", created.Facilitator)
	}

	badRes, _ := doJSON(t, http.MethodGet, srv.URL+"/v0/batch", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", badRes.StatusCode)
	}
}

func TestBatchLifecycle(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/batch", map[string]any{
		"issues": []string{issueURL("101")},
	}, asActor("dana"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start batch status %d: %s", res.StatusCode, string(data))
	}
	var created BatchResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if created.Status != "voting" {
		t.Fatalf("status = %s, want voting", created.Status)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/batch", nil, asActor("dana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch status %d: %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if len(status.Waiting) != 2 {
		t.Fatalf("waiting = %v, want alice and bob", status.Waiting)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/votes", map[string]any{
		"entries": []map[string]any{{"ref": "101", "points": 5}},
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("alice vote status %d: %s", res.StatusCode, string(data))
	}
	var aliceVote VoteResponse
	_ = json.Unmarshal(data, &aliceVote)
	if aliceVote.Evaluation != nil {
		t.Fatalf("first vote should not trigger evaluation")
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/votes", map[string]any{
		"entries": []map[string]any{{"ref": "101", "points": 5}},
	}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bob vote status %d: %s", res.StatusCode, string(data))
	}
	var bobVote VoteResponse
	if err := json.Unmarshal(data, &bobVote); err != nil {
		t.Fatalf("unmarshal vote: %v", err)
	}
	if bobVote.Evaluation == nil || bobVote.Evaluation.BatchStatus != "completed" {
		t.Fatalf("expected completed evaluation, got %s", string(data))
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/batch", nil, asActor("dana"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after completion, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/batches/"+created.PublicID+"/estimates", nil, asActor("dana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("estimates status %d: %s", res.StatusCode, string(data))
	}
	var estimates []EstimateResponse
	if err := json.Unmarshal(data, &estimates); err != nil {
		t.Fatalf("unmarshal estimates: %v", err)
	}
	if len(estimates) != 1 || estimates[0].Points != 5 {
		t.Fatalf("estimates = %+v, want one 5-point entry", estimates)
	}

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v0/events?type=batch.completed", nil, asActor("dana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	_ = json.Unmarshal(data, &events)
	if len(events) != 1 {
		t.Fatalf("expected a single batch.completed event, got %s", string(data))
	}
}

func TestVoteValidation(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/votes", map[string]any{
		"entries": []map[string]any{{"ref": "101", "points": 5}},
	}, asActor("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without active batch, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "no_active_batch" {
		t.Fatalf("code = %s, want no_active_batch", envelope.Error.Code)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/batch", map[string]any{
		"issues": []string{issueURL("101")},
	}, asActor("dana"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start batch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/votes", map[string]any{
		"entries": []map[string]any{{"ref": "101", "points": 4}},
	}, asActor("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for off-scale point, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/votes", map[string]any{
		"on_behalf_of": "ghost",
		"entries":      []map[string]any{{"ref": "101", "points": 5}},
	}, asActor("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-facilitator proxy, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSecondBatchConflicts(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/batch", map[string]any{
		"issues": []string{issueURL("101")},
	}, asActor("dana"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start batch status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/batch", map[string]any{
		"issues": []string{issueURL("102")},
	}, asActor("erin"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/batch/cancel", nil, asActor("erin"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-facilitator cancel, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/batch/cancel", nil, asActor("dana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
}

func TestZulipWebhook(t *testing.T) {
	srv := newTestServer(t)

	payload := map[string]any{
		"token":   "wrong",
		"trigger": "mention",
		"message": map[string]any{
			"sender_full_name": "dana",
			"content":          "@**refinery** help",
		},
	}
	res, data := doJSON(t, http.MethodPost, srv.URL+"/zulip", payload, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}

	payload["token"] = "hook-token"
	res, data = doJSON(t, http.MethodPost, srv.URL+"/zulip", payload, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var reply struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Content == "" {
		t.Fatalf("expected a bot reply, got %s", string(data))
	}
}
