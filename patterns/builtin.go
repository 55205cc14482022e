package patterns

import (
	"math"
	"sync"

	"github.com/marcus-crane/lightshow/scene"
)

// hsv converts a hue in [0, 1) with full saturation and the given value to
// packed 0xRRGGBB.
func hsv(h, v float64) uint32 {
	h = h - math.Floor(h)
	v = clamp01(v)
	i := int(h * 6)
	f := h*6 - float64(i)
	q := v * (1 - f)
	t := v * f
	var r, g, b float64
	switch i % 6 {
	case 0:
		r, g, b = v, t, 0
	case 1:
		r, g, b = q, v, 0
	case 2:
		r, g, b = 0, v, t
	case 3:
		r, g, b = 0, q, v
	case 4:
		r, g, b = t, 0, v
	default:
		r, g, b = v, 0, q
	}
	return uint32(r*255)<<16 | uint32(g*255)<<8 | uint32(b*255)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Spectrum draws one bar per analysis band with sparkles on loud passages.
type Spectrum struct{}

func (*Spectrum) ID() string { return "spectrum" }

func (*Spectrum) Describe() Descriptor {
	return Descriptor{
		Name:        "Spectrum",
		Description: "One bar per frequency band, sparkles scale with amplitude",
		Effects:     []string{"bars", "sparkle"},
	}
}

func (*Spectrum) Evaluate(in Input) []Primitive {
	n := len(in.Frame.Bands)
	out := make([]Primitive, 0, n)
	for i, energy := range in.Frame.Bands {
		u := (float64(i) + 0.5) / float64(n)
		out = append(out, Primitive{
			Effect:     "bars",
			Kind:       "bar",
			Pos:        in.Zone.Bounds.Lerp(scene.Vec3{u, clamp01(energy), 0.5}),
			Color:      hsv(u, 1),
			Scale:      clamp01(energy),
			Brightness: 0.3 + 0.7*clamp01(energy),
		})
	}
	sparkles := int(in.Frame.Amplitude * 16 * in.Zone.Effect.Intensity)
	for i := 0; i < sparkles; i++ {
		out = append(out, Primitive{
			Effect:     "sparkle",
			Kind:       "particle",
			Pos:        in.Zone.Bounds.Lerp(scene.Vec3{in.Noise(3 * i), in.Noise(3*i + 1), in.Noise(3*i + 2)}),
			Color:      0xffffff,
			Scale:      0.2,
			Brightness: in.Frame.Amplitude,
		})
	}
	return out
}

// Pulse glows with the bass and fires a ring burst on each beat.
type Pulse struct{}

const pulseRing = 12

func (*Pulse) ID() string { return "pulse" }

func (*Pulse) Describe() Descriptor {
	return Descriptor{
		Name:        "Pulse",
		Description: "Bass glow with a particle ring on every beat",
		Effects:     []string{"glow", "burst"},
		BeatEffects: []string{"burst"},
	}
}

func (*Pulse) Evaluate(in Input) []Primitive {
	bass := clamp01(in.Frame.Bass())
	out := []Primitive{{
		Effect:     "glow",
		Kind:       "light",
		Pos:        in.Zone.Bounds.Lerp(scene.Vec3{0.5, 0.5, 0.5}),
		Color:      hsv(0.95, 1),
		Scale:      bass,
		Brightness: clamp01(in.Frame.Amplitude),
	}}
	if !in.BeatReady("burst") {
		return out
	}
	for i := 0; i < pulseRing; i++ {
		a := 2 * math.Pi * float64(i) / pulseRing
		out = append(out, Primitive{
			Effect:     "burst",
			Kind:       "particle",
			Pos:        in.Zone.Bounds.Lerp(scene.Vec3{0.5 + 0.4*math.Cos(a), 0.5, 0.5 + 0.4*math.Sin(a)}),
			Color:      hsv(float64(i)/pulseRing, 1),
			Scale:      0.5,
			Brightness: 1,
			Beat:       true,
		})
	}
	return out
}

// Particles streams rising particles whose speed follows the BPM.
type Particles struct {
	mu     sync.Mutex
	phases map[string]float64
}

const particleStep = 0.021

func NewParticles() *Particles {
	return &Particles{phases: make(map[string]float64)}
}

func (*Particles) ID() string { return "particles" }

func (*Particles) Describe() Descriptor {
	return Descriptor{
		Name:        "Particles",
		Description: "Rising particle stream driven by tempo and amplitude",
		Effects:     []string{"stream"},
	}
}

func (p *Particles) Reset(zone string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.phases, zone)
}

func (p *Particles) Evaluate(in Input) []Primitive {
	p.mu.Lock()
	phase := p.phases[in.Zone.ID] + in.Frame.BPM/60*particleStep
	phase -= math.Floor(phase)
	p.phases[in.Zone.ID] = phase
	p.mu.Unlock()

	count := int(in.Frame.Amplitude * 48 * in.Zone.Effect.Intensity)
	out := make([]Primitive, 0, count)
	for i := 0; i < count; i++ {
		y := in.Noise(2*i) + phase
		out = append(out, Primitive{
			Effect:     "stream",
			Kind:       "particle",
			Pos:        in.Zone.Bounds.Lerp(scene.Vec3{in.Noise(2*i + 1), y - math.Floor(y), in.Noise(-i - 1)}),
			Color:      hsv(phase, 1),
			Scale:      0.3,
			Brightness: clamp01(in.Frame.Amplitude),
		})
	}
	return out
}

// Flood asks for far more primitives than any zone allows. It exists to
// load-test render clients against the caps.
type Flood struct{}

const floodRequest = 500

func (*Flood) ID() string { return "flood" }

func (*Flood) Evaluate(in Input) []Primitive {
	out := make([]Primitive, floodRequest)
	for i := range out {
		out[i] = Primitive{
			Effect:     "flood",
			Kind:       "block",
			Pos:        in.Zone.Bounds.Lerp(scene.Vec3{in.Noise(i), 0, 0}),
			Color:      0xff0000,
			Scale:      1,
			Brightness: 1,
		}
	}
	return out
}
