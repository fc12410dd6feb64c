// Package effect applies named per-frame pixel filters to clip frames.
package effect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"

	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/shader"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

// Frame is what a kernel reads: the source texture, its size in pixels and the
// effect progress exposed to shaders as u.time.
type Frame struct {
	Src    *shader.Texture
	Width  float64
	Height float64
	Time   float64
}

// Kernel computes one output pixel.
type Kernel func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color

// Effect is a named filter. WGSL holds the GPU body defining
// fn effect(uv: vec2<f32>) -> vec4<f32>; Kernel is its CPU twin.
type Effect struct {
	Name    string
	Params  []shader.Param
	Helpers string
	WGSL    string
	Kernel  Kernel
}

// Descriptor is the public description of a registered effect.
type Descriptor struct {
	Name   string         `json:"name"`
	Params []shader.Param `json:"params"`
	GPU    bool           `json:"gpu"`
}

var ErrDuplicateEffect = errors.New("effect already registered")

// UnknownEffectError is returned for a name that was never registered.
type UnknownEffectError struct {
	Name string
}

func (e *UnknownEffectError) Error() string {
	return fmt.Sprintf("unknown effect %q", e.Name)
}

// InvalidEffectParameterError is returned when a bound value does not match
// the declared parameter type.
type InvalidEffectParameterError struct {
	Effect string
	Param  string
	Type   shader.ParamType
	Value  any
}

func (e *InvalidEffectParameterError) Error() string {
	return fmt.Sprintf("effect %q: parameter %q: %v is not a valid %s", e.Effect, e.Param, e.Value, e.Type)
}

type entry struct {
	Effect
	program *shader.Program
}

// Registry holds effects by name. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	effects  map[string]*entry
	compiler shader.Compiler
	logger   *slog.Logger
}

type Option func(*Registry)

// WithCompiler compiles every registered program. Compile failures are logged
// and leave the effect on the CPU path.
func WithCompiler(c shader.Compiler) Option {
	return func(r *Registry) { r.compiler = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{effects: make(map[string]*entry)}
	for _, o := range opts {
		o(r)
	}
	r.logger = logging.WithComponent(logging.OrDiscard(r.logger), "effects")
	return r
}

// NewDefaultRegistry returns a registry holding the built-in effects.
func NewDefaultRegistry(opts ...Option) (*Registry, error) {
	r := NewRegistry(opts...)
	for _, e := range Builtins() {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates the effect's shader against the effect template and adds
// it under its name.
func (r *Registry) Register(e Effect) error {
	if e.Name == "" || e.Kernel == nil {
		return fmt.Errorf("effect %q: name and kernel are required", e.Name)
	}
	prog, err := shader.EffectTemplate.Assemble(e.Name, e.Helpers, e.WGSL, e.Params)
	if err != nil {
		return fmt.Errorf("register effect: %w", err)
	}
	if r.compiler != nil {
		if err := prog.Compile(r.compiler); err != nil {
			r.logger.Warn("effect shader not compiled, using CPU kernel", "effect", e.Name, "error", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.effects[e.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateEffect, e.Name)
	}
	r.effects[e.Name] = &entry{Effect: e, program: prog}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.effects[name]
	if !ok {
		return nil, &UnknownEffectError{Name: name}
	}
	return e, nil
}

// Lookup returns the effect registered under name.
func (r *Registry) Lookup(name string) (Effect, bool) {
	e, err := r.lookup(name)
	if err != nil {
		return Effect{}, false
	}
	return e.Effect, true
}

// Program returns the assembled WGSL program of an effect.
func (r *Registry) Program(name string) (*shader.Program, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.program, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.effects))
	for n := range r.effects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe lists every effect with its parameters.
func (r *Registry) Describe() []Descriptor {
	out := make([]Descriptor, 0)
	for _, n := range r.Names() {
		e, err := r.lookup(n)
		if err != nil {
			continue
		}
		out = append(out, Descriptor{Name: n, Params: e.Params, GPU: e.program.Compiled()})
	}
	return out
}

// Validate checks that name is registered and params bind, without rendering.
func (r *Registry) Validate(name string, params map[string]any) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	_, err = bind(e, params)
	return err
}

func bind(e *entry, params map[string]any) (shader.Values, error) {
	vals, err := shader.Bind(e.Params, params)
	if err != nil {
		var pe *shader.ParamError
		if errors.As(err, &pe) {
			return nil, &InvalidEffectParameterError{Effect: e.Name, Param: pe.Name, Type: pe.Type, Value: pe.Value}
		}
		return nil, err
	}
	return vals, nil
}

// Apply runs one effect over img and returns a new image of the same size.
// progress is the effect's position in its span, in [0,1].
func (r *Registry) Apply(ctx context.Context, img *image.NRGBA, name string, params map[string]any, progress float64) (*image.NRGBA, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	vals, err := bind(e, params)
	if err != nil {
		return nil, err
	}
	src := shader.ToNRGBA(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	f := &Frame{Src: shader.NewTexture(src), Width: float64(w), Height: float64(h), Time: progress}
	return shader.Render(ctx, w, h, func(uv shader.Vec2, _, _ int) shader.Color {
		return e.Kernel(f, uv, vals)
	})
}

// Chain applies effects left to right, each consuming the previous output.
func (r *Registry) Chain(ctx context.Context, img *image.NRGBA, effects []timeline.AppliedEffect) (*image.NRGBA, error) {
	out := img
	for _, e := range effects {
		next, err := r.Apply(ctx, out, e.Name, e.Params, e.Progress)
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}
