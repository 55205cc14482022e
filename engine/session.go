package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-crane/lightshow/broadcast"
	"github.com/marcus-crane/lightshow/clocksync"
	"github.com/marcus-crane/lightshow/coordinator"
	"github.com/marcus-crane/lightshow/db"
	"github.com/marcus-crane/lightshow/ingest"
	"github.com/marcus-crane/lightshow/notify"
)

const linkBuffer = 32

var (
	ErrHandshake    = errors.New("dj handshake failed")
	ErrLinkStalled  = errors.New("dj link outbound buffer full")
	ErrEvicted      = errors.New("session evicted")
	ErrShuttingDown = errors.New("server shutting down")
)

type Reader interface {
	Read(ctx context.Context) ([]byte, error)
}

// Conn is a message-oriented, bidirectional transport such as a WebSocket.
// Read must return once ctx is done.
type Conn interface {
	Reader
	Write(ctx context.Context, data []byte) error
	Close(err error) error
}

// link is the server side of one DJ connection.
type link struct {
	id      string
	channel *ingest.Channel
	out     chan ingest.Outbound
	cancel  context.CancelCauseFunc
}

// send never blocks the caller; a DJ that cannot keep up with its control
// messages is disconnected.
func (l *link) send(msg ingest.Outbound) {
	select {
	case l.out <- msg:
	default:
		l.cancel(ErrLinkStalled)
	}
}

func (e *Engine) link(id string) *link {
	e.linksMu.RLock()
	defer e.linksMu.RUnlock()
	return e.links[id]
}

// ServeDJ runs a DJ session over conn until either side goes away. The
// first message must be a hello carrying the bearer credential.
func (e *Engine) ServeDJ(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	id := uuid.NewString()
	log := slog.With(slog.String("session_id", id))

	hello, err := e.readHello(ctx, conn)
	if err != nil {
		log.Debug("DJ handshake failed", slog.String("error", err.Error()))
		conn.Close(err)
		return err
	}

	sess, ts, err := e.coord.Admit(ctx, id, hello.Name, hello.Token)
	if err != nil && !IsFatal(err) {
		log.Warn("Rejected DJ session", slog.String("error", err.Error()))
		e.writeOutbound(ctx, conn, ingest.Outbound{Type: ingest.TypeError, Message: "authentication failed"})
		conn.Close(err)
		return err
	}
	log = log.With(slog.String("name", sess.Name))

	l := &link{
		id:      id,
		channel: ingest.NewChannel(id, ingest.Options{BandCount: e.opts.BandCount}, e.clock, e.metrics.Ingest),
		out:     make(chan ingest.Outbound, linkBuffer),
		cancel:  cancel,
	}
	e.clock.Add(id)
	e.linksMu.Lock()
	e.links[id] = l
	e.linksMu.Unlock()

	l.send(ingest.Outbound{Type: ingest.TypeWelcome, SessionID: id, State: string(sess.State)})
	e.mu.Lock()
	e.handleTransitions(ts, id)
	if err == nil {
		err = e.syncAuthority()
	}
	e.mu.Unlock()
	if err != nil {
		e.fail(err)
	}
	log.Info("DJ session admitted", slog.String("state", string(sess.State)))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.writeLoop(ctx, l, conn)
	}()
	readErr := e.readLoop(ctx, l, conn)
	cancel(readErr)
	wg.Wait()

	cause := context.Cause(ctx)
	reason := "connection closed"
	if cause != nil && !errors.Is(cause, context.Canceled) {
		reason = cause.Error()
	}
	e.dropSession(id, reason)
	conn.Close(cause)
	log.Info("DJ session ended", slog.String("reason", reason))

	if errors.Is(cause, context.Canceled) || errors.Is(cause, ErrEvicted) || errors.Is(cause, ErrShuttingDown) {
		return nil
	}
	return cause
}

func (e *Engine) readHello(ctx context.Context, conn Conn) (ingest.Inbound, error) {
	hctx, cancel := context.WithTimeout(ctx, e.opts.HelloTimeout)
	defer cancel()
	data, err := conn.Read(hctx)
	if err != nil {
		return ingest.Inbound{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	msg, err := ingest.Decode(data)
	if err != nil {
		return ingest.Inbound{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if msg.Type != ingest.TypeHello {
		return ingest.Inbound{}, fmt.Errorf("%w: expected hello, got %s", ErrHandshake, msg.Type)
	}
	return msg, nil
}

func (e *Engine) readLoop(ctx context.Context, l *link, conn Conn) error {
	log := slog.With(slog.String("session_id", l.id))
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		now := e.opts.Now()
		msg, err := ingest.Decode(data)
		if err != nil {
			e.metrics.Ingest.Invalid()
			log.Debug("Dropped undecodable message", slog.String("error", err.Error()))
			continue
		}
		e.coord.Touch(l.id, now)

		switch msg.Type {
		case ingest.TypeFrame:
			if _, err := l.channel.Accept(msg, now); err != nil {
				log.Debug("Dropped audio frame", slog.String("error", err.Error()))
			}
		case ingest.TypePong:
			_, err := e.clock.Observe(l.id, clocksync.Reply{ID: msg.ProbeID, Received: msg.ReceivedTime()})
			switch {
			case errors.Is(err, clocksync.ErrClockDivergence):
				e.metrics.Clock.Resync()
				log.Warn("Clock offset diverged, resyncing", slog.String("error", err.Error()))
			case err != nil:
				log.Debug("Ignored probe reply", slog.String("error", err.Error()))
			}
		case ingest.TypeHello:
			log.Debug("Ignored repeated hello")
		}
	}
}

func (e *Engine) writeLoop(ctx context.Context, l *link, conn Conn) {
	ticker := time.NewTicker(e.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		var msg ingest.Outbound
		select {
		case <-ctx.Done():
			return
		case msg = <-l.out:
		case <-ticker.C:
			probe, err := e.clock.NextProbe(l.id)
			if err != nil {
				return
			}
			msg = ingest.Outbound{Type: ingest.TypePing, ProbeID: probe.ID, Sent: probe.Sent.UnixMilli()}
		}
		if err := e.writeOutbound(ctx, conn, msg); err != nil {
			l.cancel(err)
			return
		}
	}
}

func (e *Engine) writeOutbound(ctx context.Context, conn Conn, msg ingest.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, e.opts.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, data)
}

// Evict disconnects a session. If it was live, the next queued session is
// promoted before Evict returns.
func (e *Engine) Evict(id, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evict(id, reason)
}

// evict must be called with e.mu held.
func (e *Engine) evict(id, reason string) error {
	if _, ok := e.coord.Get(id); !ok {
		return coordinator.ErrUnknownSession
	}
	ts, err := e.coord.Disconnect(id, reason)
	e.handleTransitions(ts, "")
	if l := e.link(id); l != nil {
		l.cancel(fmt.Errorf("%w: %s", ErrEvicted, reason))
	}
	if err != nil {
		return err
	}
	return e.syncAuthority()
}

// dropSession runs the disconnect path. The coordinator hands authority on
// before the link is forgotten, so a tick never sees the live session
// without a successor when one was queued.
func (e *Engine) dropSession(id, reason string) {
	e.mu.Lock()
	ts, err := e.coord.Disconnect(id, reason)
	e.handleTransitions(ts, "")
	if err == nil {
		err = e.syncAuthority()
	}
	e.mu.Unlock()

	e.linksMu.Lock()
	delete(e.links, id)
	e.linksMu.Unlock()
	e.clock.Remove(id)

	if err != nil && IsFatal(err) {
		e.fail(err)
	}
}

// handleTransitions records, announces and alerts on authority changes.
// Transitions of the quiet session are not echoed back to it.
func (e *Engine) handleTransitions(ts []coordinator.Transition, quiet string) {
	for _, t := range ts {
		if e.opts.Recorder != nil {
			e.opts.Recorder.Session(db.SessionRecord{
				SessionID: t.SessionID,
				Name:      t.Name,
				From:      string(t.From),
				To:        string(t.To),
				Reason:    t.Reason,
				CreatedAt: t.At.UnixMilli(),
			})
		}
		if t.SessionID != quiet && t.To != coordinator.StateDisconnected {
			if l := e.link(t.SessionID); l != nil {
				l.send(ingest.Outbound{Type: ingest.TypeAuthority, SessionID: t.SessionID, State: string(t.To)})
			}
		}
		if t.To == coordinator.StateLive {
			slog.With(slog.String("session_id", t.SessionID), slog.String("name", t.Name)).Info("DJ session is live", slog.String("reason", t.Reason))
			e.alert(notify.Alert{
				Title:   "Live authority handed off",
				Message: fmt.Sprintf("%s is now live: %s", displayName(t), t.Reason),
				At:      t.At,
			})
		}
		if err := e.fanout.Publish(broadcast.Message{Kind: KindAuthority, Payload: t, Essential: true}, broadcast.ClassAdmin); err != nil {
			slog.With(slog.String("error", err.Error())).Debug("Failed to announce authority transition")
		}
	}
}

func displayName(t coordinator.Transition) string {
	if t.Name != "" {
		return t.Name
	}
	return t.SessionID
}
