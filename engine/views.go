package engine

import (
	"log/slog"
	"slices"
	"time"

	"github.com/marcus-crane/lightshow/broadcast"
	"github.com/marcus-crane/lightshow/coordinator"
	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/show"
)

// SessionView is a coordinator session joined with its clock and audio state.
type SessionView struct {
	coordinator.Session
	Degraded bool    `json:"degraded"`
	OffsetMs float64 `json:"offset_ms"`
	RTTMs    float64 `json:"rtt_ms"`
	BPM      float64 `json:"bpm"`
}

// Meters is the live readout sent to admin clients a few times a second.
type Meters struct {
	Seq          uint64                  `json:"seq"`
	Tick         uint64                  `json:"tick"`
	Phase        show.Phase              `json:"phase"`
	Elapsed      time.Duration           `json:"elapsed"`
	Bands        []float64               `json:"bands"`
	Amplitude    float64                 `json:"amplitude"`
	BPM          float64                 `json:"bpm"`
	ConsensusBPM float64                 `json:"consensus_bpm"`
	Beat         bool                    `json:"beat"`
	ActiveDJ     string                  `json:"active_dj,omitempty"`
	Sessions     []SessionView           `json:"sessions"`
	Clients      map[broadcast.Class]int `json:"clients"`
}

func (e *Engine) Sessions() []SessionView {
	sessions := e.coord.Sessions()
	out := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		v := SessionView{Session: s}
		if st, ok := e.clock.Stats(s.ID); ok {
			v.Degraded = st.Degraded
			v.OffsetMs = float64(st.Offset) / float64(time.Millisecond)
			v.RTTMs = float64(st.RTT) / float64(time.Millisecond)
		}
		if l := e.link(s.ID); l != nil {
			if f, ok := l.channel.Latest(); ok {
				v.BPM = f.BPM
			}
		}
		out = append(out, v)
	}
	return out
}

func (e *Engine) sessionInfo() []metrics.SessionInfo {
	views := e.Sessions()
	out := make([]metrics.SessionInfo, 0, len(views))
	for _, v := range views {
		out = append(out, metrics.SessionInfo{
			ID:        v.ID,
			Name:      v.Name,
			State:     string(v.State),
			Degraded:  v.Degraded,
			Connected: v.ConnectedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// ConsensusBPM is the median BPM across non-degraded sessions.
func (e *Engine) ConsensusBPM() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consensus
}

// Sweep flags sessions whose probes went unanswered and evicts sessions
// that have gone quiet. It runs from a background job.
func (e *Engine) Sweep() {
	for _, id := range e.clock.Sweep() {
		e.metrics.Clock.Degraded()
		slog.With(slog.String("session_id", id)).Warn("No probe replies, clock sync degraded")
	}
	for _, id := range e.coord.Expired(e.opts.SessionTimeout) {
		slog.With(slog.String("session_id", id)).Warn("Evicting silent DJ session")
		if err := e.Evict(id, "session timed out"); err != nil {
			if IsFatal(err) {
				e.fail(err)
				return
			}
			slog.With(slog.String("session_id", id)).Debug("Evicting session", slog.String("error", err.Error()))
		}
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := slices.Clone(values)
	slices.Sort(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
