package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus-crane/lightshow/broadcast"
	"github.com/marcus-crane/lightshow/coordinator"
	"github.com/marcus-crane/lightshow/scene"
	"github.com/marcus-crane/lightshow/show"
)

// Admin command types accepted on the control channel and the webhook.
const (
	CmdSetPattern        = "set_pattern"
	CmdSetPreset         = "set_preset"
	CmdSetEffect         = "set_effect"
	CmdAssignZonePattern = "assign_zone_pattern"
	CmdPromote           = "promote"
	CmdDemote            = "demote"
	CmdEvict             = "evict"
	CmdRequeue           = "requeue"
	CmdShowStart         = "show_start"
	CmdShowPause         = "show_pause"
	CmdShowResume        = "show_resume"
	CmdShowStop          = "show_stop"
	CmdShowSeek          = "show_seek"
	// CmdAck reports the highest sequence a client has applied. It gets no reply.
	CmdAck = "ack"
)

type Command struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Pattern string        `json:"pattern,omitempty"`
	Preset  string        `json:"preset,omitempty"`
	Zone    string        `json:"zone,omitempty"`
	Effect  *scene.Effect `json:"effect,omitempty"`
	Session string        `json:"session_id,omitempty"`
	AtMs    int64         `json:"at_ms,omitempty"`
	Seq     uint64        `json:"seq,omitempty"`
}

// Ack answers a Command. Seq is the show sequence after the command was
// applied, so the panel can match it against state updates.
type Ack struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Seq   uint64 `json:"seq"`
}

// Execute applies one admin command and publishes its effect before
// returning the ack.
func (e *Engine) Execute(cmd Command) Ack {
	e.mu.Lock()
	err := e.execute(cmd)
	seq := e.machine.Sequence()
	e.mu.Unlock()

	ack := Ack{ID: cmd.ID, Type: cmd.Type, OK: err == nil, Seq: seq}
	log := slog.With(slog.String("command", cmd.Type), slog.String("command_id", cmd.ID))
	if err != nil {
		ack.Error = err.Error()
		if IsFatal(err) {
			e.fail(err)
		} else {
			log.Info("Admin command rejected", slog.String("error", err.Error()))
		}
		return ack
	}
	log.Debug("Admin command applied", slog.Uint64("seq", seq))
	return ack
}

// execute must be called with e.mu held.
func (e *Engine) execute(cmd Command) error {
	switch cmd.Type {
	case CmdSetPattern:
		return e.applyAdmin(show.SetPattern{Pattern: cmd.Pattern})
	case CmdSetPreset:
		return e.applyAdmin(show.SetPreset{Preset: cmd.Preset})
	case CmdSetEffect:
		if cmd.Effect == nil {
			return fmt.Errorf("%w: set_effect needs an effect", show.ErrInvalidCommand)
		}
		return e.applyAdmin(show.SetEffect{Zone: cmd.Zone, Effect: *cmd.Effect})
	case CmdAssignZonePattern:
		return e.applyAdmin(show.AssignZonePattern{Zone: cmd.Zone, Pattern: cmd.Pattern})
	case CmdShowStart:
		return e.applyAdmin(show.Start{})
	case CmdShowPause:
		return e.applyAdmin(show.Pause{})
	case CmdShowResume:
		return e.applyAdmin(show.Resume{})
	case CmdShowStop:
		return e.applyAdmin(show.Stop{})
	case CmdShowSeek:
		return e.applyAdmin(show.Seek{To: time.Duration(cmd.AtMs) * time.Millisecond})
	case CmdPromote:
		return e.afterAuthority(e.coord.Promote(cmd.Session))
	case CmdDemote:
		return e.afterAuthority(e.coord.Demote(cmd.Session))
	case CmdRequeue:
		return e.afterAuthority(e.coord.Requeue(cmd.Session))
	case CmdEvict:
		return e.evict(cmd.Session, "evicted by admin")
	default:
		return fmt.Errorf("%w: unknown command %q", show.ErrInvalidCommand, cmd.Type)
	}
}

func (e *Engine) applyAdmin(mut show.Mutation) error {
	c, ok, err := e.machine.Apply(show.SourceAdmin, mut)
	if err != nil || !ok {
		return err
	}
	return e.publishState(c)
}

func (e *Engine) afterAuthority(ts []coordinator.Transition, err error) error {
	e.handleTransitions(ts, "")
	if err != nil {
		return err
	}
	return e.syncAuthority()
}

// ServeAdmin reads commands from an admin connection and answers each one
// on the client's own queue, in the order received.
func (e *Engine) ServeAdmin(ctx context.Context, client *broadcast.Client, r Reader) error {
	for {
		data, err := r.Read(ctx)
		if err != nil {
			return err
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			e.reply(client, Ack{Type: "unknown", Error: fmt.Sprintf("%s: %v", show.ErrInvalidCommand, err)})
			continue
		}
		if cmd.Type == CmdAck {
			client.Ack(cmd.Seq)
			continue
		}
		if err := e.reply(client, e.Execute(cmd)); err != nil {
			return err
		}
	}
}

// ReadAcks consumes a render client's inbound messages, which only carry
// acknowledgements.
func (e *Engine) ReadAcks(ctx context.Context, client *broadcast.Client, r Reader) error {
	for {
		data, err := r.Read(ctx)
		if err != nil {
			return err
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err == nil && cmd.Type == CmdAck {
			client.Ack(cmd.Seq)
		}
	}
}

func (e *Engine) reply(client *broadcast.Client, ack Ack) error {
	return e.fanout.SendTo(client.ID, broadcast.Message{Kind: KindAck, Payload: ack})
}
