package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type promCollector struct {
	c   *Collector
	now func() time.Time

	uptime        *prometheus.Desc
	frames        *prometheus.Desc
	rendered      *prometheus.Desc
	patternChange *prometheus.Desc
	cuesFired     *prometheus.Desc
	sequence      *prometheus.Desc
	djConnections *prometheus.Desc
	handoffs      *prometheus.Desc
	authFailures  *prometheus.Desc
	clockResyncs  *prometheus.Desc
	messages      *prometheus.Desc
	stalls        *prometheus.Desc
	clients       *prometheus.Desc
	bpm           *prometheus.Desc
	active        *prometheus.Desc
	session       *prometheus.Desc
}

func newPromCollector(c *Collector, now func() time.Time) *promCollector {
	return &promCollector{
		c:             c,
		now:           now,
		uptime:        prometheus.NewDesc("lightshow_uptime_seconds", "Seconds since the server started.", nil, nil),
		frames:        prometheus.NewDesc("lightshow_ingest_frames_total", "Audio frames seen by ingest, by outcome.", []string{"outcome"}, nil),
		rendered:      prometheus.NewDesc("lightshow_frames_processed_total", "Render batches produced by the tick loop.", nil, nil),
		patternChange: prometheus.NewDesc("lightshow_pattern_changes_total", "Active pattern changes.", nil, nil),
		cuesFired:     prometheus.NewDesc("lightshow_cues_fired_total", "Timeline cues applied.", nil, nil),
		sequence:      prometheus.NewDesc("lightshow_show_sequence", "Current show state sequence number.", nil, nil),
		djConnections: prometheus.NewDesc("lightshow_dj_connections", "Connected DJ sessions.", nil, nil),
		handoffs:      prometheus.NewDesc("lightshow_authority_handoffs_total", "Live authority handoffs.", nil, nil),
		authFailures:  prometheus.NewDesc("lightshow_auth_failures_total", "Rejected credentials.", nil, nil),
		clockResyncs:  prometheus.NewDesc("lightshow_clock_resyncs_total", "Clock estimator resyncs after divergence.", nil, nil),
		messages:      prometheus.NewDesc("lightshow_broadcast_messages_total", "Broadcast messages by outcome.", []string{"outcome"}, nil),
		stalls:        prometheus.NewDesc("lightshow_broadcast_client_stalls_total", "Clients disconnected for stalling.", nil, nil),
		clients:       prometheus.NewDesc("lightshow_broadcast_clients", "Connected broadcast clients by channel class.", []string{"class"}, nil),
		bpm:           prometheus.NewDesc("lightshow_bpm", "BPM of the live session and the cross-session consensus.", []string{"source"}, nil),
		active:        prometheus.NewDesc("lightshow_active_info", "Active pattern, preset and DJ.", []string{"pattern", "preset", "dj"}, nil),
		session:       prometheus.NewDesc("lightshow_dj_session_info", "Per-session authority state.", []string{"id", "name", "state"}, nil),
	}
}

func (p *promCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		p.uptime, p.frames, p.rendered, p.patternChange, p.cuesFired, p.sequence, p.djConnections,
		p.handoffs, p.authFailures, p.clockResyncs, p.messages, p.stalls, p.clients, p.bpm, p.active, p.session,
	} {
		ch <- d
	}
}

func (p *promCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.c.Snapshot(p.now())
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	gauge(p.uptime, s.UptimeSeconds)
	counter(p.frames, s.FramesAccepted, "accepted")
	counter(p.frames, s.FramesCoalesced, "coalesced")
	counter(p.frames, s.FramesInvalid, "invalid")
	counter(p.frames, s.FramesStale, "stale")
	counter(p.rendered, s.FramesRendered)
	counter(p.patternChange, s.PatternChanges)
	counter(p.cuesFired, s.CuesFired)
	gauge(p.sequence, float64(s.Sequence))
	gauge(p.djConnections, float64(s.DJConnections))
	counter(p.handoffs, s.Handoffs)
	counter(p.authFailures, s.AuthFailures)
	counter(p.clockResyncs, s.ClockResyncs)
	counter(p.messages, s.Delivered, "delivered")
	counter(p.messages, s.Dropped, "dropped")
	counter(p.stalls, s.ClientStalls)
	gauge(p.clients, float64(s.PluginClients), "plugin")
	gauge(p.clients, float64(s.BrowserClients), "browser")
	gauge(p.clients, float64(s.AdminClients), "admin")
	gauge(p.bpm, s.CurrentBPM, "live")
	gauge(p.bpm, s.ConsensusBPM, "consensus")
	gauge(p.active, 1, s.ActivePattern, s.ActivePreset, s.ActiveDJ)
	for _, sess := range s.Sessions {
		gauge(p.session, 1, sess.ID, sess.Name, sess.State)
	}
}

// Handler exposes the collector in the Prometheus text format on its own registry.
func (c *Collector) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newPromCollector(c, time.Now))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
