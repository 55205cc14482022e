// Package metrics holds the process-wide counters observed by the external
// reporter. Each pipeline stage is handed only its own counter group; the
// Collector itself is read-only.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

type IngestCounters struct {
	accepted  atomic.Uint64
	coalesced atomic.Uint64
	invalid   atomic.Uint64
	stale     atomic.Uint64
}

func (c *IngestCounters) Accepted() { c.accepted.Add(1) }
func (c *IngestCounters) Coalesced() { c.coalesced.Add(1) }
func (c *IngestCounters) Invalid() { c.invalid.Add(1) }
func (c *IngestCounters) Stale() { c.stale.Add(1) }

type ClockCounters struct {
	resyncs  atomic.Uint64
	degraded atomic.Uint64
}

func (c *ClockCounters) Resync() { c.resyncs.Add(1) }
func (c *ClockCounters) Degraded() { c.degraded.Add(1) }

type AuthorityCounters struct {
	connects     atomic.Uint64
	disconnects  atomic.Uint64
	authFailures atomic.Uint64
	handoffs     atomic.Uint64
	connected    atomic.Int64
}

func (c *AuthorityCounters) Connected() {
	c.connects.Add(1)
	c.connected.Add(1)
}

func (c *AuthorityCounters) Disconnected() {
	c.disconnects.Add(1)
	c.connected.Add(-1)
}

func (c *AuthorityCounters) AuthFailure() { c.authFailures.Add(1) }
func (c *AuthorityCounters) Handoff() { c.handoffs.Add(1) }

type ShowCounters struct {
	ticks          atomic.Uint64
	framesRendered atomic.Uint64
	mutations      atomic.Uint64
	patternChanges atomic.Uint64
	cuesFired      atomic.Uint64
	tickOverruns   atomic.Uint64
	sequence       atomic.Uint64
	bpm            atomic.Uint64
	consensusBPM   atomic.Uint64

	mu            sync.RWMutex
	activePattern string
	activePreset  string
	activeDJ      string
}

func (c *ShowCounters) Tick() { c.ticks.Add(1) }
func (c *ShowCounters) FrameRendered() { c.framesRendered.Add(1) }
func (c *ShowCounters) PatternChanged() { c.patternChanges.Add(1) }
func (c *ShowCounters) CueFired() { c.cuesFired.Add(1) }
func (c *ShowCounters) TickOverrun() { c.tickOverruns.Add(1) }
func (c *ShowCounters) SetBPM(bpm float64) { c.bpm.Store(math.Float64bits(bpm)) }
func (c *ShowCounters) SetConsensusBPM(v float64) {
	c.consensusBPM.Store(math.Float64bits(v))
}

func (c *ShowCounters) Mutated(seq uint64) {
	c.mutations.Add(1)
	c.sequence.Store(seq)
}

func (c *ShowCounters) SetActive(pattern, preset, dj string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activePattern = pattern
	c.activePreset = preset
	c.activeDJ = dj
}

type FanoutCounters struct {
	delivered atomic.Uint64
	dropped   atomic.Uint64
	stalls    atomic.Uint64
	plugin    atomic.Int64
	browser   atomic.Int64
	admin     atomic.Int64
}

func (c *FanoutCounters) Delivered() { c.delivered.Add(1) }
func (c *FanoutCounters) Dropped() { c.dropped.Add(1) }
func (c *FanoutCounters) Stalled() { c.stalls.Add(1) }

// ClientDelta adjusts the connected client gauge of a channel class.
func (c *FanoutCounters) ClientDelta(class string, delta int64) {
	switch class {
	case "plugin":
		c.plugin.Add(delta)
	case "browser":
		c.browser.Add(delta)
	case "admin":
		c.admin.Add(delta)
	}
}

type StoreCounters struct {
	writes  atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

func (c *StoreCounters) Written() { c.writes.Add(1) }
func (c *StoreCounters) Dropped() { c.dropped.Add(1) }
func (c *StoreCounters) Failed() { c.errors.Add(1) }

// SessionInfo is the per-session connection state reported to the reporter.
type SessionInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Degraded  bool   `json:"degraded"`
	Connected string `json:"connected_at"`
}

type Collector struct {
	started time.Time

	Ingest    *IngestCounters
	Clock     *ClockCounters
	Authority *AuthorityCounters
	Show      *ShowCounters
	Fanout    *FanoutCounters
	Store     *StoreCounters

	mu       sync.RWMutex
	sessions func() []SessionInfo
}

// New initialises the process-wide counters. Call once at startup.
func New(now time.Time) *Collector {
	return &Collector{
		started:   now,
		Ingest:    &IngestCounters{},
		Clock:     &ClockCounters{},
		Authority: &AuthorityCounters{},
		Show:      &ShowCounters{},
		Fanout:    &FanoutCounters{},
		Store:     &StoreCounters{},
	}
}

// ObserveSessions registers the read-only source of per-session state.
func (c *Collector) ObserveSessions(source func() []SessionInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = source
}

type Snapshot struct {
	UptimeSeconds   float64       `json:"uptime_seconds"`
	FramesAccepted  uint64        `json:"frames_accepted"`
	FramesCoalesced uint64        `json:"frames_coalesced"`
	FramesInvalid   uint64        `json:"frames_invalid"`
	FramesStale     uint64        `json:"frames_stale"`
	FramesRendered  uint64        `json:"frames_processed"`
	Ticks           uint64        `json:"ticks"`
	TickOverruns    uint64        `json:"tick_overruns"`
	Mutations       uint64        `json:"mutations"`
	Sequence        uint64        `json:"sequence"`
	PatternChanges  uint64        `json:"pattern_changes"`
	CuesFired       uint64        `json:"cues_fired"`
	ClockResyncs    uint64        `json:"clock_resyncs"`
	ClockDegraded   uint64        `json:"clock_degraded"`
	DJConnections   int64         `json:"dj_connections"`
	DJConnects      uint64        `json:"dj_connects_total"`
	DJDisconnects   uint64        `json:"dj_disconnects_total"`
	AuthFailures    uint64        `json:"auth_failures"`
	Handoffs        uint64        `json:"handoffs"`
	Delivered       uint64        `json:"messages_delivered"`
	Dropped         uint64        `json:"messages_dropped"`
	ClientStalls    uint64        `json:"client_stalls"`
	PluginClients   int64         `json:"plugin_clients"`
	BrowserClients  int64         `json:"browser_clients"`
	AdminClients    int64         `json:"admin_clients"`
	StoreWrites     uint64        `json:"store_writes"`
	StoreDropped    uint64        `json:"store_dropped"`
	StoreErrors     uint64        `json:"store_errors"`
	CurrentBPM      float64       `json:"current_bpm"`
	ConsensusBPM    float64       `json:"consensus_bpm"`
	ActivePattern   string        `json:"active_pattern"`
	ActivePreset    string        `json:"active_preset"`
	ActiveDJ        string        `json:"active_dj"`
	Sessions        []SessionInfo `json:"sessions"`
}

func (c *Collector) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		UptimeSeconds:   now.Sub(c.started).Seconds(),
		FramesAccepted:  c.Ingest.accepted.Load(),
		FramesCoalesced: c.Ingest.coalesced.Load(),
		FramesInvalid:   c.Ingest.invalid.Load(),
		FramesStale:     c.Ingest.stale.Load(),
		FramesRendered:  c.Show.framesRendered.Load(),
		Ticks:           c.Show.ticks.Load(),
		TickOverruns:    c.Show.tickOverruns.Load(),
		Mutations:       c.Show.mutations.Load(),
		Sequence:        c.Show.sequence.Load(),
		PatternChanges:  c.Show.patternChanges.Load(),
		CuesFired:       c.Show.cuesFired.Load(),
		ClockResyncs:    c.Clock.resyncs.Load(),
		ClockDegraded:   c.Clock.degraded.Load(),
		DJConnections:   c.Authority.connected.Load(),
		DJConnects:      c.Authority.connects.Load(),
		DJDisconnects:   c.Authority.disconnects.Load(),
		AuthFailures:    c.Authority.authFailures.Load(),
		Handoffs:        c.Authority.handoffs.Load(),
		Delivered:       c.Fanout.delivered.Load(),
		Dropped:         c.Fanout.dropped.Load(),
		ClientStalls:    c.Fanout.stalls.Load(),
		PluginClients:   c.Fanout.plugin.Load(),
		BrowserClients:  c.Fanout.browser.Load(),
		AdminClients:    c.Fanout.admin.Load(),
		StoreWrites:     c.Store.writes.Load(),
		StoreDropped:    c.Store.dropped.Load(),
		StoreErrors:     c.Store.errors.Load(),
		CurrentBPM:      math.Float64frombits(c.Show.bpm.Load()),
		ConsensusBPM:    math.Float64frombits(c.Show.consensusBPM.Load()),
	}

	c.Show.mu.RLock()
	s.ActivePattern = c.Show.activePattern
	s.ActivePreset = c.Show.activePreset
	s.ActiveDJ = c.Show.activeDJ
	c.Show.mu.RUnlock()

	c.mu.RLock()
	source := c.sessions
	c.mu.RUnlock()
	if source != nil {
		s.Sessions = source()
	}
	return s
}
