// Package notify sends operator alerts for authority handoffs and fatal
// invariant violations.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/gregdel/pushover"
)

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

type Alert struct {
	Title    string
	Message  string
	Priority Priority
	At       time.Time
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// New returns a pushover notifier when both credentials are set and a no-op
// notifier otherwise.
func New(token, recipient string) Notifier {
	if token == "" || recipient == "" {
		slog.Debug("Pushover credentials not set, operator alerts disabled")
		return Noop{}
	}
	return NewPushover(pushover.New(token), recipient)
}

type Noop struct{}

func (Noop) Notify(context.Context, Alert) error { return nil }

type sender interface {
	SendMessage(message *pushover.Message, recipient *pushover.Recipient) (*pushover.Response, error)
}

type Pushover struct {
	app       sender
	recipient *pushover.Recipient
}

func NewPushover(app sender, recipient string) *Pushover {
	return &Pushover{
		app:       app,
		recipient: pushover.NewRecipient(recipient),
	}
}

func (p *Pushover) Notify(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	priority := pushover.PriorityNormal
	if alert.Priority == PriorityHigh {
		priority = pushover.PriorityHigh
	}
	at := alert.At
	if at.IsZero() {
		at = time.Now()
	}
	message := &pushover.Message{
		Message:    alert.Message,
		Title:      alert.Title,
		Priority:   priority,
		Timestamp:  at.Unix(),
		DeviceName: "Lightshow",
	}
	_, err := p.app.SendMessage(message, p.recipient)
	return err
}
