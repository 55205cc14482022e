// Package showfile loads the YAML show definition: zones, presets and the
// timeline of cues.
package showfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus-crane/lightshow/scene"
	"github.com/marcus-crane/lightshow/show"
	"github.com/marcus-crane/lightshow/timeline"
)

var ErrInvalidShow = errors.New("invalid show file")

type File struct {
	Name    string         `yaml:"name"`
	Bands   int            `yaml:"bands"`
	Pattern string         `yaml:"pattern"`
	Preset  string         `yaml:"preset"`
	Zones   []scene.Zone   `yaml:"zones"`
	Presets []show.Preset  `yaml:"presets"`
	Cues    []timeline.Cue `yaml:"cues"`
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read show file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a show definition and fills in defaults. Unknown keys are
// rejected so a typo never silently drops a cue.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("%w: %v", ErrInvalidShow, err)
	}
	return f.withDefaults(), nil
}

// Default is the show used when no file is configured.
func Default() File {
	return File{
		Name:    "default",
		Pattern: "spectrum",
		Zones: []scene.Zone{
			{ID: "stage-left", Bounds: scene.Bounds{Min: scene.Vec3{-24, 64, -8}, Max: scene.Vec3{-8, 80, 8}}, Effect: scene.DefaultEffect()},
			{ID: "stage-center", Bounds: scene.Bounds{Min: scene.Vec3{-8, 64, -8}, Max: scene.Vec3{8, 88, 8}}, Effect: scene.DefaultEffect()},
			{ID: "stage-right", Bounds: scene.Bounds{Min: scene.Vec3{8, 64, -8}, Max: scene.Vec3{24, 80, 8}}, Effect: scene.DefaultEffect()},
		},
	}
}

func (f File) withDefaults() File {
	if f.Pattern == "" {
		f.Pattern = "spectrum"
	}
	for i := range f.Zones {
		f.Zones[i].Effect = effectDefaults(f.Zones[i].Effect)
	}
	for i := range f.Presets {
		f.Presets[i].Effects = effectMapDefaults(f.Presets[i].Effects)
	}
	for i := range f.Cues {
		c := &f.Cues[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("cue-%d", i+1)
		}
		if c.Mode == "" {
			c.Mode = timeline.Sticky
		}
		c.Effects = effectMapDefaults(c.Effects)
	}
	return f
}

func effectDefaults(e scene.Effect) scene.Effect {
	d := scene.DefaultEffect()
	if e == (scene.Effect{}) {
		return d
	}
	if e.MaxPrimitives == 0 {
		e.MaxPrimitives = d.MaxPrimitives
	}
	if e.MaxPerEffect == 0 {
		e.MaxPerEffect = d.MaxPerEffect
	}
	return e
}

func effectMapDefaults(m map[string]scene.Effect) map[string]scene.Effect {
	for k, e := range m {
		m[k] = effectDefaults(e)
	}
	return m
}

// Validate checks the show against itself and, when known is set, against
// the registered patterns.
func (f File) Validate(known func(string) bool) error {
	if f.Bands < 0 {
		return fmt.Errorf("%w: bands must not be negative", ErrInvalidShow)
	}
	if len(f.Zones) == 0 {
		return fmt.Errorf("%w: at least one zone is required", ErrInvalidShow)
	}
	checkPattern := func(where, id string) error {
		if id != "" && known != nil && !known(id) {
			return fmt.Errorf("%w: %s references unknown pattern %q", ErrInvalidShow, where, id)
		}
		return nil
	}
	if err := checkPattern("show", f.Pattern); err != nil {
		return err
	}

	zones := make(map[string]bool, len(f.Zones))
	for _, z := range f.Zones {
		if z.ID == "" || z.ID == timeline.AllZones {
			return fmt.Errorf("%w: zone id %q is reserved or empty", ErrInvalidShow, z.ID)
		}
		if zones[z.ID] {
			return fmt.Errorf("%w: duplicate zone %q", ErrInvalidShow, z.ID)
		}
		zones[z.ID] = true
		if err := z.Effect.Validate(); err != nil {
			return fmt.Errorf("%w: zone %s: %v", ErrInvalidShow, z.ID, err)
		}
		if err := checkPattern("zone "+z.ID, z.Pattern); err != nil {
			return err
		}
	}
	checkEffects := func(where string, effects map[string]scene.Effect) error {
		for zone, e := range effects {
			if zone != timeline.AllZones && !zones[zone] {
				return fmt.Errorf("%w: %s targets unknown zone %q", ErrInvalidShow, where, zone)
			}
			if err := e.Validate(); err != nil {
				return fmt.Errorf("%w: %s zone %s: %v", ErrInvalidShow, where, zone, err)
			}
		}
		return nil
	}

	presets := make(map[string]bool, len(f.Presets))
	for _, p := range f.Presets {
		if p.ID == "" {
			return fmt.Errorf("%w: preset without an id", ErrInvalidShow)
		}
		if presets[p.ID] {
			return fmt.Errorf("%w: duplicate preset %q", ErrInvalidShow, p.ID)
		}
		presets[p.ID] = true
		if err := checkPattern("preset "+p.ID, p.Pattern); err != nil {
			return err
		}
		if err := checkEffects("preset "+p.ID, p.Effects); err != nil {
			return err
		}
	}
	if f.Preset != "" && !presets[f.Preset] {
		return fmt.Errorf("%w: default preset %q is not defined", ErrInvalidShow, f.Preset)
	}

	cues := make(map[string]bool, len(f.Cues))
	for _, c := range f.Cues {
		where := "cue " + c.ID
		if cues[c.ID] {
			return fmt.Errorf("%w: duplicate cue %q", ErrInvalidShow, c.ID)
		}
		cues[c.ID] = true
		if c.At < 0 {
			return fmt.Errorf("%w: %s has a negative offset", ErrInvalidShow, where)
		}
		switch c.Mode {
		case timeline.Sticky:
			if c.Window != 0 {
				return fmt.Errorf("%w: %s is sticky and cannot have a window", ErrInvalidShow, where)
			}
		case timeline.OneShot:
			if c.Window < 0 {
				return fmt.Errorf("%w: %s has a negative window", ErrInvalidShow, where)
			}
		default:
			return fmt.Errorf("%w: %s has unknown mode %q", ErrInvalidShow, where, c.Mode)
		}
		if c.Pattern == "" && c.Preset == "" && len(c.Effects) == 0 {
			return fmt.Errorf("%w: %s changes nothing", ErrInvalidShow, where)
		}
		if c.Preset != "" && !presets[c.Preset] {
			return fmt.Errorf("%w: %s references unknown preset %q", ErrInvalidShow, where, c.Preset)
		}
		if err := checkPattern(where, c.Pattern); err != nil {
			return err
		}
		if err := checkEffects(where, c.Effects); err != nil {
			return err
		}
	}
	return nil
}

// Duration is the offset of the last cue plus its window.
func (f File) Duration() time.Duration {
	var d time.Duration
	for _, c := range f.Cues {
		if end := c.At + c.Window; end > d {
			d = end
		}
	}
	return d
}

func (f File) ShowOptions() show.Options {
	return show.Options{
		Zones:   f.Zones,
		Presets: f.Presets,
		Cues:    f.Cues,
		Pattern: f.Pattern,
		Preset:  f.Preset,
	}
}
