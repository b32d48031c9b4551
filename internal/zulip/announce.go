package zulip

import (
	"context"
	"log"
	"time"

	"refinery/internal/repo"
)

const (
	defaultAnnounceInterval = 2 * time.Second
	announceBatchSize       = 100
)

// Sender posts one message to a stream topic.
type Sender interface {
	SendMessage(ctx context.Context, stream, topic, content string) (int64, error)
}

// Announcer tails the events table and posts announcements to the
// team stream. Only events already committed are ever announced, so a
// rolled-back command never produces chat noise.
type Announcer struct {
	Repo     repo.Repo
	Sender   Sender
	Stream   string
	Topic    string
	Interval time.Duration

	cursor      int64
	initialized bool
}

func NewAnnouncer(r repo.Repo, sender Sender, stream, topic string) *Announcer {
	return &Announcer{Repo: r, Sender: sender, Stream: stream, Topic: topic, Interval: defaultAnnounceInterval}
}

// Run polls until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()
	for {
		a.Drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Drain announces every undelivered event. A failed send stops the
// pass; the event is retried on the next one.
func (a *Announcer) Drain(ctx context.Context) {
	if !a.initialized {
		cur, err := a.Repo.LatestEventID(ctx)
		if err != nil {
			log.Printf("announcer: init cursor failed: %v", err)
			return
		}
		a.cursor = cur
		a.initialized = true
	}
	evts, err := a.Repo.EventsAfter(ctx, announceBatchSize, a.cursor)
	if err != nil {
		log.Printf("announcer: fetch events failed: %v", err)
		return
	}
	for _, evt := range evts {
		text, ok := EventText(evt)
		if !ok {
			a.cursor = evt.ID
			continue
		}
		if _, err := a.Sender.SendMessage(ctx, a.Stream, a.Topic, text); err != nil {
			log.Printf("announcer: send failed: %v", err)
			return
		}
		a.cursor = evt.ID
	}
}
