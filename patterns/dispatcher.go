package patterns

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/marcus-crane/lightshow/metrics"
	"github.com/marcus-crane/lightshow/scene"
	"github.com/marcus-crane/lightshow/show"
)

// minBrightness is the floor below which a scaled primitive is invisible
// and dropped before caps are counted.
const minBrightness = 0.01

type ZoneRender struct {
	Zone       string      `json:"zone" msgpack:"zone"`
	Pattern    string      `json:"pattern" msgpack:"pattern"`
	Primitives []Primitive `json:"primitives" msgpack:"primitives"`
	Dropped    int         `json:"dropped,omitempty" msgpack:"dropped,omitempty"`
}

// Batch is the render output of one tick, stamped with the ShowState
// sequence it was computed from.
type Batch struct {
	Seq      uint64       `json:"seq" msgpack:"seq"`
	Tick     uint64       `json:"tick" msgpack:"tick"`
	Pattern  string       `json:"pattern" msgpack:"pattern"`
	Preset   string       `json:"preset,omitempty" msgpack:"preset,omitempty"`
	BPM      float64      `json:"bpm" msgpack:"bpm"`
	Beat     bool         `json:"beat" msgpack:"beat"`
	Zones    []ZoneRender `json:"zones" msgpack:"zones"`
	Checksum uint64       `json:"checksum" msgpack:"checksum"`
}

type Options struct {
	// Interval is the tick cadence, used to express beat cooldowns in ticks
	Interval time.Duration
	Counters *metrics.ShowCounters
}

type gateKey struct {
	zone   string
	effect string
}

type Dispatcher struct {
	registry *Registry
	opts     Options

	mu       sync.Mutex
	fired    map[gateKey]uint64
	assigned map[string]string
}

func NewDispatcher(registry *Registry, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = 21 * time.Millisecond
	}
	if opts.Counters == nil {
		opts.Counters = &metrics.ShowCounters{}
	}
	return &Dispatcher{
		registry: registry,
		opts:     opts,
		fired:    make(map[gateKey]uint64),
		assigned: make(map[string]string),
	}
}

// Render evaluates every zone against a single state snapshot, so pattern
// and configuration always come from the same sequence number.
func (d *Dispatcher) Render(s show.State) Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := Batch{
		Seq:     s.Sequence,
		Tick:    s.Tick,
		Pattern: s.ActivePattern,
		Preset:  s.ActivePreset,
		BPM:     s.Audio.BPM,
		Beat:    s.Audio.Beat,
		Zones:   make([]ZoneRender, 0, len(s.Zones)),
	}
	for _, z := range s.Zones {
		b.Zones = append(b.Zones, d.renderZone(s, z))
	}
	b.Checksum = checksum(b.Zones)
	d.opts.Counters.FrameRendered()
	return b
}

func (d *Dispatcher) renderZone(s show.State, z scene.Zone) ZoneRender {
	id := s.PatternFor(z)
	out := ZoneRender{Zone: z.ID, Pattern: id}
	p, ok := d.registry.Get(id)
	if !ok {
		slog.With(slog.String("zone", z.ID), slog.String("pattern", id)).Debug("No such pattern, zone renders nothing")
		return out
	}
	if d.assigned[z.ID] != id {
		d.registry.Reset(id, z.ID)
		d.assigned[z.ID] = id
		for k := range d.fired {
			if k.zone == z.ID {
				delete(d.fired, k)
			}
		}
	}

	cooldown := uint64(math.Ceil(float64(z.Effect.BeatCooldown) / float64(d.opts.Interval)))
	beat := s.Audio.Beat && s.Audio.Amplitude >= z.Effect.BeatThreshold
	ready := func(effect string) bool {
		if !beat {
			return false
		}
		last, ok := d.fired[gateKey{z.ID, effect}]
		return !ok || s.Tick-last >= cooldown
	}

	in := Input{
		Zone:  z,
		Frame: s.Audio,
		Tick:  s.Tick,
		ready: ready,
		noise: func(i int) float64 { return noise(z.ID, s.Tick, i) },
	}
	out.Primitives, out.Dropped = d.limit(z, s.Tick, p.Evaluate(in), ready)
	return out
}

// limit applies intensity scaling first, then the beat gate, then the per
// effect and per zone caps.
func (d *Dispatcher) limit(z scene.Zone, tick uint64, raw []Primitive, ready func(string) bool) ([]Primitive, int) {
	e := z.Effect
	out := make([]Primitive, 0, min(len(raw), e.MaxPrimitives))
	perEffect := make(map[string]int)
	gates := make(map[string]bool)
	dropped := 0

	for _, p := range raw {
		p.Zone = z.ID
		p.Scale *= e.Intensity
		p.Brightness = clamp01(p.Brightness * e.Intensity)
		if !(p.Brightness >= minBrightness) {
			dropped++
			continue
		}
		if p.Beat {
			open, seen := gates[p.Effect]
			if !seen {
				open = ready(p.Effect)
				gates[p.Effect] = open
				if open {
					d.fired[gateKey{z.ID, p.Effect}] = tick
				}
			}
			if !open {
				dropped++
				continue
			}
		}
		if len(out) >= e.MaxPrimitives || perEffect[p.Effect] >= e.MaxPerEffect {
			dropped++
			continue
		}
		perEffect[p.Effect]++
		out = append(out, p)
	}
	return out, dropped
}

func noise(zone string, tick uint64, i int) float64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], tick)
	binary.LittleEndian.PutUint64(buf[8:], uint64(int64(i)))
	h := xxhash.New()
	_, _ = h.WriteString(zone)
	_, _ = h.Write(buf[:])
	return float64(h.Sum64()>>11) / (1 << 53)
}

// checksum lets render clients detect a batch that was mangled in transit.
func checksum(zones []ZoneRender) uint64 {
	h := xxhash.New()
	buf := make([]byte, 0, 64)
	for _, z := range zones {
		_, _ = h.WriteString(z.Zone)
		_, _ = h.WriteString(z.Pattern)
		for _, p := range z.Primitives {
			buf = buf[:0]
			buf = append(buf, p.Effect...)
			buf = append(buf, p.Kind...)
			for _, v := range p.Pos {
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
			}
			buf = binary.LittleEndian.AppendUint32(buf, p.Color)
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Scale))
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Brightness))
			_, _ = h.Write(buf)
		}
	}
	return h.Sum64()
}
