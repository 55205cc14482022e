// Package coordinator arbitrates which DJ session holds live authority.
//
// Every transition happens under one mutex, so the at-most-one-live invariant
// is never checked-then-set across components. Losing the live session and
// promoting its successor happen in the same critical section: no reader can
// observe zero authority while a queued session was eligible.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marcus-crane/lightshow/auth"
	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/shared"
)

var (
	// ErrAuthorityConflict means more than one session held live authority.
	// It indicates a broken invariant and is fatal.
	ErrAuthorityConflict  = errors.New("authority conflict")
	ErrUpstreamDisconnect = errors.New("upstream disconnected")
	ErrUnknownSession     = errors.New("unknown session")
	ErrInvalidTransition  = errors.New("invalid authority transition")
)

type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateQueued        State = "queued"
	StateLive          State = "live"
	StateIdle          State = "idle"
	StateDisconnected  State = "disconnected"
)

// Session is bounded to a single live connection. A DJ reconnecting with the
// same credential gets a brand new Session.
type Session struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Subject     string    `json:"subject"`
	State       State     `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	queuedOrder uint64
}

type Transition struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type Options struct {
	// AutoPromote lets a queued session take authority when nobody is live.
	// Handoff after the live session leaves always happens.
	AutoPromote bool
	Verifier    auth.Verifier
	Now         func() time.Time
	Counters    *metrics.AuthorityCounters
}

type Coordinator struct {
	mu        sync.Mutex
	opts      Options
	sessions  map[string]*Session
	live      string
	nextOrder uint64
}

func New(opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Counters == nil {
		opts.Counters = &metrics.AuthorityCounters{}
	}
	return &Coordinator{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Admit runs the connecting -> authenticated -> queued (-> live) path.
// Credential verification happens outside the lock; if the session
// disconnects meanwhile the admission fails with ErrUpstreamDisconnect.
func (c *Coordinator) Admit(ctx context.Context, id, name, token string) (Session, []Transition, error) {
	c.mu.Lock()
	if _, exists := c.sessions[id]; exists {
		c.mu.Unlock()
		return Session{}, nil, fmt.Errorf("%w: session %s already registered", ErrInvalidTransition, id)
	}
	now := c.opts.Now()
	c.sessions[id] = &Session{ID: id, Name: name, State: StateConnecting, ConnectedAt: now, LastSeen: now}
	c.mu.Unlock()

	identity, err := c.opts.Verifier.Verify(ctx, token)
	if err == nil && !mayPerform(identity.Role) {
		err = fmt.Errorf("%w: role %q may not perform", auth.ErrAuthFailure, identity.Role)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[id]
	if !ok {
		return Session{}, nil, fmt.Errorf("%w: session %s left during verification", ErrUpstreamDisconnect, id)
	}
	if err != nil {
		delete(c.sessions, id)
		c.opts.Counters.AuthFailure()
		if !errors.Is(err, auth.ErrAuthFailure) {
			err = fmt.Errorf("%w: %v", auth.ErrAuthFailure, err)
		}
		return Session{}, nil, err
	}

	if sess.Name == "" {
		sess.Name = identity.Name
	}
	sess.Subject = identity.Subject

	var ts []Transition
	ts = append(ts, c.transition(sess, StateAuthenticated, "credential verified"))
	c.enqueue(sess)
	ts = append(ts, c.transition(sess, StateQueued, "admitted"))
	c.opts.Counters.Connected()

	if c.live == "" && c.opts.AutoPromote {
		ts = append(ts, c.promoteNext("no live session")...)
	}
	return *sess, ts, c.checkInvariant()
}

// mayPerform accepts DJ and admin credentials. Authorities that do not issue
// roles at all are trusted to only hand out performer tokens.
func mayPerform(role string) bool {
	return role == "" || role == shared.ROLE_DJ || role == shared.ROLE_ADMIN
}

// Disconnect is terminal for the session. If it was live, the next queued
// session is promoted before the lock is released.
func (c *Coordinator) Disconnect(id, reason string) ([]Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[id]
	if !ok {
		return nil, nil
	}
	wasLive := sess.State == StateLive
	admitted := sess.State != StateConnecting
	ts := []Transition{c.transition(sess, StateDisconnected, reason)}
	delete(c.sessions, id)
	if admitted {
		c.opts.Counters.Disconnected()
	}

	if wasLive {
		c.live = ""
		ts = append(ts, c.promoteNext("live session disconnected")...)
	}
	return ts, c.checkInvariant()
}

// Demote forcibly moves the live session to idle and hands authority to the
// oldest queued session, if any. With nobody queued the show freezes on its
// last pattern and preset.
func (c *Coordinator) Demote(id string) ([]Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	if sess.State != StateLive {
		return nil, fmt.Errorf("%w: %s is %s, not live", ErrInvalidTransition, id, sess.State)
	}
	ts := []Transition{c.transition(sess, StateIdle, "demoted by admin")}
	c.live = ""
	ts = append(ts, c.promoteNext("previous live session demoted")...)
	return ts, c.checkInvariant()
}

// Promote gives authority to a specific queued or idle session, demoting the
// current live session to idle first.
func (c *Coordinator) Promote(id string) ([]Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	switch sess.State {
	case StateLive:
		return nil, nil
	case StateQueued, StateIdle:
	default:
		return nil, fmt.Errorf("%w: cannot promote a %s session", ErrInvalidTransition, sess.State)
	}

	var ts []Transition
	if current, ok := c.sessions[c.live]; ok {
		ts = append(ts, c.transition(current, StateIdle, "superseded by admin promotion"))
		c.live = ""
	}
	ts = append(ts, c.makeLive(sess, "promoted by admin"))
	return ts, c.checkInvariant()
}

// Requeue puts an idle session at the back of the queue.
func (c *Coordinator) Requeue(id string) ([]Transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	if sess.State != StateIdle {
		return nil, fmt.Errorf("%w: only idle sessions can be requeued, %s is %s", ErrInvalidTransition, id, sess.State)
	}
	c.enqueue(sess)
	ts := []Transition{c.transition(sess, StateQueued, "requeued by admin")}
	if c.live == "" && c.opts.AutoPromote {
		ts = append(ts, c.promoteNext("no live session")...)
	}
	return ts, c.checkInvariant()
}

// Touch records activity for a session.
func (c *Coordinator) Touch(id string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[id]; ok && at.After(sess.LastSeen) {
		sess.LastSeen = at
	}
}

// Expired returns the admitted sessions not seen within timeout.
func (c *Coordinator) Expired(timeout time.Duration) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	var ids []string
	for id, sess := range c.sessions {
		if sess.State != StateConnecting && now.Sub(sess.LastSeen) > timeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Live returns the session currently holding authority.
func (c *Coordinator) Live() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[c.live]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

func (c *Coordinator) Get(id string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Sessions lists sessions oldest connection first.
func (c *Coordinator) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// LiveCount is exposed for invariant checks in tests and sweeps.
func (c *Coordinator) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLive()
}

func (c *Coordinator) enqueue(sess *Session) {
	c.nextOrder++
	sess.queuedOrder = c.nextOrder
}

// promoteNext must be called with c.mu held and no live session.
func (c *Coordinator) promoteNext(reason string) []Transition {
	var next *Session
	for _, s := range c.sessions {
		if s.State != StateQueued {
			continue
		}
		if next == nil || s.queuedOrder < next.queuedOrder {
			next = s
		}
	}
	if next == nil {
		return nil
	}
	c.opts.Counters.Handoff()
	return []Transition{c.makeLive(next, reason)}
}

func (c *Coordinator) makeLive(sess *Session, reason string) Transition {
	c.live = sess.ID
	return c.transition(sess, StateLive, reason)
}

func (c *Coordinator) transition(sess *Session, to State, reason string) Transition {
	t := Transition{
		SessionID: sess.ID,
		Name:      sess.Name,
		From:      sess.State,
		To:        to,
		Reason:    reason,
		At:        c.opts.Now(),
	}
	sess.State = to
	slog.Debug("Authority transition",
		slog.String("session_id", sess.ID),
		slog.String("from", string(t.From)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	return t
}

func (c *Coordinator) countLive() int {
	n := 0
	for _, s := range c.sessions {
		if s.State == StateLive {
			n++
		}
	}
	return n
}

// checkInvariant must be called with c.mu held.
func (c *Coordinator) checkInvariant() error {
	n := c.countLive()
	if n > 1 {
		return fmt.Errorf("%w: %d live sessions", ErrAuthorityConflict, n)
	}
	if n == 1 {
		if s, ok := c.sessions[c.live]; !ok || s.State != StateLive {
			return fmt.Errorf("%w: live pointer %q does not match session states", ErrAuthorityConflict, c.live)
		}
	} else if c.live != "" {
		return fmt.Errorf("%w: live pointer %q set with no live session", ErrAuthorityConflict, c.live)
	}
	return nil
}
