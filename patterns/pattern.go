// Package patterns turns audio state into bounded per-zone render
// primitives.
package patterns

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marcus-crane/lightshow/audio"
	"github.com/marcus-crane/lightshow/scene"
)

var ErrDuplicatePattern = errors.New("pattern already registered")

// Primitive is one render command. Scale and Brightness are in unit range
// before intensity scaling.
type Primitive struct {
	Zone       string     `json:"zone" msgpack:"zone"`
	Effect     string     `json:"effect" msgpack:"effect"`
	Kind       string     `json:"kind" msgpack:"kind"`
	Pos        scene.Vec3 `json:"pos" msgpack:"pos"`
	Color      uint32     `json:"color" msgpack:"color"`
	Scale      float64    `json:"scale" msgpack:"scale"`
	Brightness float64    `json:"brightness" msgpack:"brightness"`
	// Beat marks primitives of a beat-triggered effect
	Beat bool `json:"beat,omitempty" msgpack:"beat,omitempty"`
}

// Input is everything a pattern may look at for one zone on one tick.
type Input struct {
	Zone  scene.Zone
	Frame audio.Frame
	Tick  uint64
	ready func(effect string) bool
	noise func(i int) float64
}

// BeatReady reports whether a beat-triggered effect may fire this tick.
// Primitives marked Beat are dropped when it returns false, so patterns only
// need to ask to avoid wasted work.
func (in Input) BeatReady(effect string) bool {
	if in.ready == nil {
		return false
	}
	return in.ready(effect)
}

// Noise returns a deterministic value in [0, 1) for this zone, tick and i.
func (in Input) Noise(i int) float64 {
	if in.noise == nil {
		return 0
	}
	return in.noise(i)
}

type Pattern interface {
	ID() string
	Evaluate(in Input) []Primitive
}

type Descriptor struct {
	ID          string   `json:"id" msgpack:"id"`
	Name        string   `json:"name" msgpack:"name"`
	Description string   `json:"description,omitempty" msgpack:"description,omitempty"`
	Effects     []string `json:"effects,omitempty" msgpack:"effects,omitempty"`
	BeatEffects []string `json:"beat_effects,omitempty" msgpack:"beat_effects,omitempty"`
}

// Describer is optional metadata advertised to render clients.
type Describer interface {
	Describe() Descriptor
}

// Resetter is implemented by patterns holding per-zone state that must be
// cleared when a zone switches to them.
type Resetter interface {
	Reset(zone string)
}

type entry struct {
	pattern  Pattern
	desc     Descriptor
	resetter Resetter
}

// Registry holds the known patterns. Optional capabilities are probed once
// when a pattern is registered and never again.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) Register(p Pattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePattern, id)
	}
	e := &entry{pattern: p, desc: Descriptor{ID: id, Name: id}}
	if d, ok := p.(Describer); ok {
		e.desc = d.Describe()
		e.desc.ID = id
	}
	if rs, ok := p.(Resetter); ok {
		e.resetter = rs
	}
	r.entries[id] = e
	return nil
}

func (r *Registry) Get(id string) (Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.pattern, true
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Reset clears per-zone state if the pattern supports it.
func (r *Registry) Reset(id, zone string) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if ok && e.resetter != nil {
		e.resetter.Reset(zone)
	}
}

func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Builtins returns a registry with every built-in pattern.
func Builtins() *Registry {
	r := NewRegistry()
	for _, p := range []Pattern{&Spectrum{}, &Pulse{}, NewParticles(), &Flood{}} {
		// ids are unique
		_ = r.Register(p)
	}
	return r
}
