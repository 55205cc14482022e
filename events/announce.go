package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/r3labs/sse/v2"

	"github.com/marcus-crane/lightshow/notify"
	"github.com/marcus-crane/lightshow/shared"
)

type announcement struct {
	Title   string    `json:"title"`
	Message string    `json:"message"`
	High    bool      `json:"high_priority,omitempty"`
	At      time.Time `json:"at"`
}

// Announcer relays operator alerts to every browser listening on the
// announcements stream before passing them on to next.
type Announcer struct {
	server *sse.Server
	next   notify.Notifier
}

func NewAnnouncer(server *sse.Server, next notify.Notifier) *Announcer {
	if !server.StreamExists(shared.STREAM_ANNOUNCEMENTS) {
		server.CreateStream(shared.STREAM_ANNOUNCEMENTS)
	}
	if next == nil {
		next = notify.Noop{}
	}
	return &Announcer{server: server, next: next}
}

func (a *Announcer) Notify(ctx context.Context, alert notify.Alert) error {
	at := alert.At
	if at.IsZero() {
		at = time.Now()
	}
	data, err := json.Marshal(announcement{
		Title:   alert.Title,
		Message: alert.Message,
		High:    alert.Priority == notify.PriorityHigh,
		At:      at.UTC(),
	})
	if err != nil {
		return err
	}
	if !a.server.TryPublish(shared.STREAM_ANNOUNCEMENTS, &sse.Event{Event: []byte("alert"), Data: data}) {
		slog.With(slog.String("title", alert.Title)).Warn("Announcement stream is backed up, alert not relayed to browsers")
	}
	return a.next.Notify(ctx, alert)
}
