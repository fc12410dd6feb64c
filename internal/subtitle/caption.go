package subtitle

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sort"
	"sync"

	"github.com/gogpu/gg"
	"github.com/gogpu/gg/text"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/heimdex/heimdex-render/internal/shader"
)

// Built-in font names, always present in a registry.
const (
	FontSans = "sans"
	FontMono = "mono"
)

// Style controls caption placement and colours. Zero values take defaults:
// the sans font, a size of 1/18 of the frame height, white text, no
// background and bottom placement.
type Style struct {
	Font       string
	Size       float64
	Color      string
	Background string
	Position   string
}

// FontRegistry maps font names to parsed font sources. Captions never fall
// back to system fonts; unknown names use the sans font.
type FontRegistry struct {
	mu      sync.RWMutex
	sources map[string]*text.FontSource
}

// NewFontRegistry returns a registry holding the Go fonts as sans and mono.
func NewFontRegistry() (*FontRegistry, error) {
	r := &FontRegistry{sources: make(map[string]*text.FontSource)}
	if err := r.Register(FontSans, goregular.TTF); err != nil {
		return nil, err
	}
	if err := r.Register(FontMono, gomono.TTF); err != nil {
		return nil, err
	}
	return r, nil
}

// Register parses TTF/OTF data under name, replacing any previous font.
func (r *FontRegistry) Register(name string, data []byte) error {
	src, err := text.NewFontSource(data)
	if err != nil {
		return fmt.Errorf("font %q: %w", name, err)
	}
	r.mu.Lock()
	old := r.sources[name]
	r.sources[name] = src
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// RegisterFile loads a font file under name.
func (r *FontRegistry) RegisterFile(name, path string) error {
	src, err := text.NewFontSourceFromFile(path)
	if err != nil {
		return fmt.Errorf("font %q: %w", name, err)
	}
	r.mu.Lock()
	old := r.sources[name]
	r.sources[name] = src
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (r *FontRegistry) source(name string) *text.FontSource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sources[name]; ok {
		return s
	}
	return r.sources[FontSans]
}

func (r *FontRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *FontRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for n, s := range r.sources {
		errs = append(errs, s.Close())
		delete(r.sources, n)
	}
	return errors.Join(errs...)
}

// Renderer draws wrapped, centred caption text.
type Renderer struct {
	fonts *FontRegistry
}

func NewRenderer(fonts *FontRegistry) *Renderer {
	return &Renderer{fonts: fonts}
}

func parseColor(s string, def color.NRGBA) (color.NRGBA, error) {
	if s == "" {
		return def, nil
	}
	c, err := shader.ParseHex(s)
	if err != nil {
		return color.NRGBA{}, err
	}
	return c.NRGBA(), nil
}

// Draw burns txt into dc.
func (r *Renderer) Draw(dc *gg.Context, txt string, st Style) error {
	if txt == "" {
		return nil
	}
	fg, err := parseColor(st.Color, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	if err != nil {
		return fmt.Errorf("caption color: %w", err)
	}
	bg, err := parseColor(st.Background, color.NRGBA{})
	if err != nil {
		return fmt.Errorf("caption background: %w", err)
	}

	w, h := float64(dc.Width()), float64(dc.Height())
	size := st.Size
	if size <= 0 {
		size = h / 18
	}
	face := r.fonts.source(st.Font).Face(size)
	m := face.Metrics()
	lh := m.LineHeight()
	lines := text.WrapText(txt, face, w*0.9, text.WrapWordChar)

	margin := h * 0.05
	blockH := lh * float64(len(lines))
	var top float64
	switch st.Position {
	case "top":
		top = margin
	case "center":
		top = (h - blockH) / 2
	default:
		top = h - margin - blockH
	}

	pad := size * 0.25
	dc.SetFont(face)
	for i, line := range lines {
		lw := face.Advance(line.Text)
		x := (w - lw) / 2
		y := top + float64(i)*lh
		if bg.A > 0 && line.Text != "" {
			dc.SetColor(bg)
			dc.DrawRectangle(x-pad, y, lw+2*pad, lh)
			if err := dc.Fill(); err != nil {
				return fmt.Errorf("caption background: %w", err)
			}
		}
		dc.SetColor(fg)
		dc.DrawString(line.Text, x, y+m.Ascent)
	}
	return nil
}

// Render returns a transparent w x h frame carrying only the caption.
func (r *Renderer) Render(w, h int, txt string, st Style) (*image.NRGBA, error) {
	dc := gg.NewContext(w, h)
	defer func() { _ = dc.Close() }()
	dc.Clear()
	if err := r.Draw(dc, txt, st); err != nil {
		return nil, err
	}
	return shader.ToNRGBA(dc.Image()), nil
}
