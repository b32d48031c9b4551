package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"refinery/internal/bot"
	"refinery/internal/config"
	"refinery/internal/db"
	"refinery/internal/engine"
	"refinery/internal/engine/auth"
	"refinery/internal/migrate"
	"refinery/internal/server"
)

type stubTitles struct{}

func (stubTitles) Title(_ context.Context, url string) (string, error) {
	return "Title for " + url, nil
}

// Local smoke run of the API: start a batch, cast two ballots, print the
// evaluation. Not part of the build.
func main() {
	workspace := "/tmp/refinery-check"
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		panic(err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	cfg := config.Default()
	cfg.Voters = []string{"alice", "bob"}
	e := engine.New(conn, cfg, stubTitles{})
	jwtSecret := "test-secret"
	h, err := server.New(server.Config{
		Engine:   e,
		Bot:      bot.New(e, cfg),
		App:      cfg,
		BasePath: "/v0",
		Auth:     server.AuthConfig{JWTSecret: jwtSecret},
	})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	post(ts.URL, jwtSecret, "dana", "/v0/batch", map[string]any{
		"issues": []string{"https://github.com/acme/widgets/issues/101"},
	})
	post(ts.URL, jwtSecret, "alice", "/v0/votes", map[string]any{
		"entries": []map[string]any{{"ref": "101", "points": 5}},
	})
	post(ts.URL, jwtSecret, "bob", "/v0/votes", map[string]any{
		"entries": []map[string]any{{"ref": "101", "points": 5}},
	})
}

func post(base, secret, actor, path string, body map[string]any) {
	token, err := auth.MintToken(secret, actor, time.Hour)
	if err != nil {
		panic(err)
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("%s %s status=%d resp=%v\n", actor, path, res.StatusCode, resp)
}
