// Package transition blends an outgoing and an incoming frame with named
// two-input shaders.
package transition

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
)

// Kernel computes one output pixel. from and to are already aspect corrected,
// so kernels work purely in canvas coordinates.
type Kernel func(from, to shader.Sampler, uv shader.Vec2, progress, ratio float64, p shader.Values) shader.Color

// Transition is a named blend. WGSL holds the GPU body defining
// fn transition(uv: vec2<f32>) -> vec4<f32>; Kernel is its CPU twin.
type Transition struct {
	Name    string
	Params  []shader.Param
	Helpers string
	WGSL    string
	Kernel  Kernel
}

// Descriptor is the public description of a registered transition.
type Descriptor struct {
	Name   string         `json:"name"`
	Params []shader.Param `json:"params"`
	GPU    bool           `json:"gpu"`
}

var ErrDuplicateTransition = errors.New("transition already registered")

// UnknownTransitionError is returned for a name that was never registered.
type UnknownTransitionError struct {
	Name string
}

func (e *UnknownTransitionError) Error() string {
	return fmt.Sprintf("unknown transition %q", e.Name)
}

type entry struct {
	Transition
	program *shader.Program
}

// Registry holds transitions by name. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transitions map[string]*entry
	compiler    shader.Compiler
	logger      *slog.Logger
}

type Option func(*Registry)

// WithCompiler compiles every registered program. Compile failures are logged
// and leave the transition on the CPU path.
func WithCompiler(c shader.Compiler) Option {
	return func(r *Registry) { r.compiler = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{transitions: make(map[string]*entry)}
	for _, o := range opts {
		o(r)
	}
	r.logger = logging.WithComponent(logging.OrDiscard(r.logger), "transitions")
	return r
}

// NewDefaultRegistry returns a registry holding the built-in transitions.
func NewDefaultRegistry(opts ...Option) (*Registry, error) {
	r := NewRegistry(opts...)
	for _, t := range Builtins() {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register assembles the transition's WGSL into the template, rejecting bodies
// that call undefined helpers or read undeclared uniforms.
func (r *Registry) Register(t Transition) error {
	if t.Name == "" || t.Kernel == nil {
		return fmt.Errorf("transition %q: name and kernel are required", t.Name)
	}
	prog, err := shader.TransitionTemplate.Assemble(t.Name, t.Helpers, t.WGSL, t.Params)
	if err != nil {
		return fmt.Errorf("register transition: %w", err)
	}
	if r.compiler != nil {
		if err := prog.Compile(r.compiler); err != nil {
			r.logger.Warn("transition shader not compiled, using CPU kernel", "transition", t.Name, "error", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transitions[t.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTransition, t.Name)
	}
	r.transitions[t.Name] = &entry{Transition: t, program: prog}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transitions[name]
	if !ok {
		return nil, &UnknownTransitionError{Name: name}
	}
	return t, nil
}

// Program returns the assembled WGSL program of a transition.
func (r *Registry) Program(name string) (*shader.Program, error) {
	t, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return t.program, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transitions))
	for n := range r.transitions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Describe() []Descriptor {
	out := make([]Descriptor, 0)
	for _, n := range r.Names() {
		t, err := r.lookup(n)
		if err != nil {
			continue
		}
		out = append(out, Descriptor{Name: n, Params: t.Params, GPU: t.program.Compiled()})
	}
	return out
}

// Validate checks that name is registered and params bind.
func (r *Registry) Validate(name string, params map[string]any) error {
	t, err := r.lookup(name)
	if err != nil {
		return err
	}
	if _, err := shader.Bind(t.Params, params); err != nil {
		return fmt.Errorf("transition %q: %w", name, err)
	}
	return nil
}

// aspectSampler maps canvas coordinates onto a source whose aspect differs from
// the canvas ratio, like the template's getFromColor and getToColor.
type aspectSampler struct {
	tex   *shader.Texture
	scale shader.Vec2
}

func newAspectSampler(tex *shader.Texture, ratio float64) aspectSampler {
	r := tex.Aspect()
	return aspectSampler{tex: tex, scale: shader.Vec2{X: max(ratio/r, 1), Y: max(r/ratio, 1)}}
}

func (a aspectSampler) Sample(uv shader.Vec2) shader.Color {
	if a.scale.X == 1 && a.scale.Y == 1 {
		return a.tex.Sample(uv)
	}
	return a.tex.Sample(shader.Center.Add(uv.Sub(shader.Center).Mul(a.scale)))
}

func (a aspectSampler) Aspect() float64 {
	return a.tex.Aspect()
}

// Apply blends from into to at progress. The output has the size of from;
// ratio is the canvas aspect and defaults to from's aspect when zero. The
// call is stateless, so progress may move in either direction between calls.
func (r *Registry) Apply(ctx context.Context, name string, from, to image.Image, progress, ratio float64, params map[string]any) (*image.NRGBA, error) {
	t, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	vals, err := shader.Bind(t.Params, params)
	if err != nil {
		return nil, fmt.Errorf("transition %q: %w", name, err)
	}

	src := shader.ToNRGBA(from)
	fromTex := shader.NewTexture(src)
	toTex := shader.NewTexture(shader.ToNRGBA(to))
	if ratio <= 0 {
		ratio = fromTex.Aspect()
	}
	fs := newAspectSampler(fromTex, ratio)
	ts := newAspectSampler(toTex, ratio)
	progress = shader.Clamp01(progress)

	w, h := src.Rect.Dx(), src.Rect.Dy()
	return shader.Render(ctx, w, h, func(uv shader.Vec2, _, _ int) shader.Color {
		return t.Kernel(fs, ts, uv, progress, ratio, vals)
	})
}
