package transition

import (
	"math"

	"github.com/heimdex/heimdex-render/internal/shader"
)

func num(name string, def float64) shader.Param {
	return shader.Param{Name: name, Type: shader.TypeNumber, Default: def}
}

type blendFunc func(uv shader.Vec2, progress float64) float64

// blend builds a kernel that mixes from and to at the same coordinate with a
// per-pixel weight.
func blend(weight blendFunc) Kernel {
	return func(from, to shader.Sampler, uv shader.Vec2, progress, _ float64, _ shader.Values) shader.Color {
		return shader.Mix(from.Sample(uv), to.Sample(uv), weight(uv, progress))
	}
}

// circleRadius is the distance from the centre to a corner in aspect-corrected
// units.
func circleRadius(ratio float64) float64 {
	return 0.5 * math.Sqrt(ratio*ratio+1)
}

func circleDist(uv shader.Vec2, ratio float64) float64 {
	return uv.Sub(shader.Center).Mul(shader.Vec2{X: ratio, Y: 1}).Len()
}

// Builtins returns the transitions shipped with the renderer. Every built-in
// yields the outgoing frame at progress 0 and the incoming frame at progress 1.
func Builtins() []Transition {
	return []Transition{
		{
			Name: "fade",
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    return mix(getFromColor(uv), getToColor(uv), u.progress);
}`,
			Kernel: blend(func(_ shader.Vec2, p float64) float64 { return p }),
		},
		{
			Name: "fadeColor",
			Params: []shader.Param{
				{Name: "color", Type: shader.TypeColor, Default: shader.Black},
				num("colorPhase", 0.4),
			},
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    let c = vec4<f32>(u.color, 1.0);
    let a = mix(c, getFromColor(uv), smoothstep(1.0 - u.colorPhase, 0.0, u.progress));
    let b = mix(c, getToColor(uv), smoothstep(u.colorPhase, 1.0, u.progress));
    return mix(a, b, u.progress);
}`,
			Kernel: func(from, to shader.Sampler, uv shader.Vec2, progress, _ float64, p shader.Values) shader.Color {
				c := p.Color("color")
				c.A = 1
				phase := p.Float("colorPhase")
				a := shader.Mix(c, from.Sample(uv), shader.Smoothstep(1-phase, 0, progress))
				b := shader.Mix(c, to.Sample(uv), shader.Smoothstep(phase, 1, progress))
				return shader.Mix(a, b, progress)
			},
		},
		{
			Name: "wipeLeft",
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    return mix(getFromColor(uv), getToColor(uv), step(1.0 - uv.x, u.progress));
}`,
			Kernel: blend(func(uv shader.Vec2, p float64) float64 { return shader.Step(1-uv.X, p) }),
		},
		{
			Name: "wipeRight",
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    return mix(getFromColor(uv), getToColor(uv), step(uv.x, u.progress));
}`,
			Kernel: blend(func(uv shader.Vec2, p float64) float64 { return shader.Step(uv.X, p) }),
		},
		{
			Name: "wipeUp",
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    return mix(getFromColor(uv), getToColor(uv), step(uv.y, u.progress));
}`,
			Kernel: blend(func(uv shader.Vec2, p float64) float64 { return shader.Step(uv.Y, p) }),
		},
		{
			Name: "wipeDown",
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    return mix(getFromColor(uv), getToColor(uv), step(1.0 - uv.y, u.progress));
}`,
			Kernel: blend(func(uv shader.Vec2, p float64) float64 { return shader.Step(1-uv.Y, p) }),
		},
		{
			Name: "slideLeft",
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    let p = uv + vec2<f32>(u.progress, 0.0);
    if (p.x < 1.0) {
        return getFromColor(p);
    }
    return getToColor(p - vec2<f32>(1.0, 0.0));
}`,
			Kernel: func(from, to shader.Sampler, uv shader.Vec2, progress, _ float64, _ shader.Values) shader.Color {
				if progress <= 0 {
					return from.Sample(uv)
				}
				if progress >= 1 {
					return to.Sample(uv)
				}
				p := uv.Add(shader.Vec2{X: progress})
				if p.X < 1 {
					return from.Sample(p)
				}
				return to.Sample(p.Sub(shader.Vec2{X: 1}))
			},
		},
		{
			Name: "slideRight",
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    let p = uv - vec2<f32>(u.progress, 0.0);
    if (p.x >= 0.0) {
        return getFromColor(p);
    }
    return getToColor(p + vec2<f32>(1.0, 0.0));
}`,
			Kernel: func(from, to shader.Sampler, uv shader.Vec2, progress, _ float64, _ shader.Values) shader.Color {
				if progress <= 0 {
					return from.Sample(uv)
				}
				if progress >= 1 {
					return to.Sample(uv)
				}
				p := uv.Sub(shader.Vec2{X: progress})
				if p.X >= 0 {
					return from.Sample(p)
				}
				return to.Sample(p.Add(shader.Vec2{X: 1}))
			},
		},
		{
			Name:   "circleOpen",
			Params: []shader.Param{num("smoothness", 0.05)},
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    let maxR = 0.5 * sqrt(u.ratio * u.ratio + 1.0);
    let r = u.progress * (maxR + u.smoothness);
    let d = length((uv - vec2<f32>(0.5)) * vec2<f32>(u.ratio, 1.0));
    return mix(getFromColor(uv), getToColor(uv), 1.0 - smoothstep(r - u.smoothness, r, d));
}`,
			Kernel: func(from, to shader.Sampler, uv shader.Vec2, progress, ratio float64, p shader.Values) shader.Color {
				sm := p.Float("smoothness")
				r := progress * (circleRadius(ratio) + sm)
				m := 1 - shader.Smoothstep(r-sm, r, circleDist(uv, ratio))
				return shader.Mix(from.Sample(uv), to.Sample(uv), m)
			},
		},
		{
			Name:   "circleClose",
			Params: []shader.Param{num("smoothness", 0.05)},
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    let maxR = 0.5 * sqrt(u.ratio * u.ratio + 1.0);
    let r = (1.0 - u.progress) * (maxR + u.smoothness);
    let d = length((uv - vec2<f32>(0.5)) * vec2<f32>(u.ratio, 1.0));
    return mix(getFromColor(uv), getToColor(uv), smoothstep(r - u.smoothness, r, d));
}`,
			Kernel: func(from, to shader.Sampler, uv shader.Vec2, progress, ratio float64, p shader.Values) shader.Color {
				sm := p.Float("smoothness")
				r := (1 - progress) * (circleRadius(ratio) + sm)
				m := shader.Smoothstep(r-sm, r, circleDist(uv, ratio))
				return shader.Mix(from.Sample(uv), to.Sample(uv), m)
			},
		},
		{
			Name:   "radial",
			Params: []shader.Param{num("smoothness", 0.1)},
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    let rp = uv * 2.0 - 1.0;
    let threshold = (u.progress - 0.5) * 3.14159265 * 2.5;
    return mix(getToColor(uv), getFromColor(uv), smoothstep(0.0, u.smoothness, atan2(rp.y, rp.x) - threshold));
}`,
			Kernel: func(from, to shader.Sampler, uv shader.Vec2, progress, _ float64, p shader.Values) shader.Color {
				rp := uv.Scale(2).Sub(shader.Vec2{X: 1, Y: 1})
				threshold := (progress - 0.5) * math.Pi * 2.5
				m := shader.Smoothstep(0, p.Float("smoothness"), math.Atan2(rp.Y, rp.X)-threshold)
				return shader.Mix(to.Sample(uv), from.Sample(uv), m)
			},
		},
		{
			Name: "pixelize",
			Params: []shader.Param{
				{Name: "squaresMin", Type: shader.TypeVec2, Default: shader.Vec2{X: 20, Y: 20}},
				{Name: "steps", Type: shader.TypeInt, Default: 50},
			},
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    let d = min(u.progress, 1.0 - u.progress);
    var dist = d;
    if (u.steps > 0) {
        dist = ceil(d * f32(u.steps)) / f32(u.steps);
    }
    var p = uv;
    if (dist > 0.0) {
        let sq = 2.0 * dist / u.squaresMin;
        p = (floor(uv / sq) + 0.5) * sq;
    }
    return mix(getFromColor(p), getToColor(p), u.progress);
}`,
			Kernel: func(from, to shader.Sampler, uv shader.Vec2, progress, _ float64, p shader.Values) shader.Color {
				d := min(progress, 1-progress)
				dist := d
				if steps := p.Int("steps"); steps > 0 {
					dist = math.Ceil(d*float64(steps)) / float64(steps)
				}
				pos := uv
				if sm := p.Vec2("squaresMin"); dist > 0 && sm.X > 0 && sm.Y > 0 {
					sq := shader.Vec2{X: 2 * dist / sm.X, Y: 2 * dist / sm.Y}
					pos = shader.Vec2{
						X: (math.Floor(uv.X/sq.X) + 0.5) * sq.X,
						Y: (math.Floor(uv.Y/sq.Y) + 0.5) * sq.Y,
					}
				}
				return shader.Mix(from.Sample(pos), to.Sample(pos), progress)
			},
		},
		{
			Name:   "dissolve",
			Params: []shader.Param{num("cells", 64), num("smoothness", 0.1)},
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    let n = rand(floor(uv * vec2<f32>(u.ratio, 1.0) * u.cells));
    let m = clamp((u.progress * (1.0 + u.smoothness) - n) / u.smoothness, 0.0, 1.0);
    return mix(getFromColor(uv), getToColor(uv), m);
}`,
			Kernel: func(from, to shader.Sampler, uv shader.Vec2, progress, ratio float64, p shader.Values) shader.Color {
				sm := max(p.Float("smoothness"), 1e-3)
				n := shader.Hash(uv.Mul(shader.Vec2{X: ratio, Y: 1}).Scale(p.Float("cells")).Floor())
				m := shader.Clamp01((progress*(1+sm) - n) / sm)
				return shader.Mix(from.Sample(uv), to.Sample(uv), m)
			},
		},
		{
			Name:   "zoomIn",
			Params: []shader.Param{num("zoom", 1)},
			WGSL: `
fn transition(uv: vec2<f32>) -> vec4<f32> {
    let s = 1.0 + u.progress * u.zoom;
    let a = getFromColor(0.5 + (uv - 0.5) / s);
    return mix(a, getToColor(uv), u.progress);
}`,
			Kernel: func(from, to shader.Sampler, uv shader.Vec2, progress, _ float64, p shader.Values) shader.Color {
				s := 1 + progress*p.Float("zoom")
				a := from.Sample(shader.Center.Add(uv.Sub(shader.Center).Scale(1 / s)))
				return shader.Mix(a, to.Sample(uv), progress)
			},
		},
	}
}
