package effect

import (
	"math"

	"github.com/heimdex/heimdex-render/internal/shader"
)

func num(name string, def float64) shader.Param {
	return shader.Param{Name: name, Type: shader.TypeNumber, Default: def}
}

func integer(name string, def int) shader.Param {
	return shader.Param{Name: name, Type: shader.TypeInt, Default: def}
}

func lumaNTSC(c shader.Color) float64 {
	return 0.299*c.R + 0.587*c.G + 0.114*c.B
}

func rand1(n float64) float64 {
	return shader.Fract(math.Sin(n) * 43758.5453123)
}

func mixRGB(c shader.Color, r, g, b, t float64) shader.Color {
	return c.WithRGB(shader.MixF(c.R, r, t), shader.MixF(c.G, g, t), shader.MixF(c.B, b, t))
}

func satRGB(c shader.Color) shader.Color {
	return c.WithRGB(shader.Clamp01(c.R), shader.Clamp01(c.G), shader.Clamp01(c.B))
}

// Builtins returns the effects shipped with the renderer.
func Builtins() []Effect {
	return []Effect{
		{
			Name:   "grayscale",
			Params: []shader.Param{num("amount", 1)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    let g = dot(c.rgb, vec3<f32>(0.299, 0.587, 0.114));
    return vec4<f32>(mix(c.rgb, vec3<f32>(g), u.amount), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				g := lumaNTSC(c)
				return mixRGB(c, g, g, g, p.Float("amount"))
			},
		},
		{
			Name:   "sepia",
			Params: []shader.Param{num("maxIntensity", 1)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    let intensity = (sin(u.time) * 0.5 + 0.5) * u.maxIntensity;
    let s = vec3<f32>(
        dot(c.rgb, vec3<f32>(0.393, 0.769, 0.189)),
        dot(c.rgb, vec3<f32>(0.349, 0.686, 0.168)),
        dot(c.rgb, vec3<f32>(0.272, 0.534, 0.131)));
    return vec4<f32>(mix(c.rgb, saturate(s), intensity), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				intensity := (math.Sin(f.Time)*0.5 + 0.5) * p.Float("maxIntensity")
				r := shader.Clamp01(0.393*c.R + 0.769*c.G + 0.189*c.B)
				g := shader.Clamp01(0.349*c.R + 0.686*c.G + 0.168*c.B)
				b := shader.Clamp01(0.272*c.R + 0.534*c.G + 0.131*c.B)
				return mixRGB(c, r, g, b, intensity)
			},
		},
		{
			Name:   "invert",
			Params: []shader.Param{num("amount", 1)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    return vec4<f32>(mix(c.rgb, vec3<f32>(1.0) - c.rgb, u.amount), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				return mixRGB(c, 1-c.R, 1-c.G, 1-c.B, p.Float("amount"))
			},
		},
		{
			Name:   "brightness",
			Params: []shader.Param{num("amount", 0)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    return vec4<f32>(saturate(c.rgb + vec3<f32>(u.amount)), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				a := p.Float("amount")
				return satRGB(c.WithRGB(c.R+a, c.G+a, c.B+a))
			},
		},
		{
			Name:   "contrast",
			Params: []shader.Param{num("amount", 1)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    return vec4<f32>(saturate((c.rgb - vec3<f32>(0.5)) * u.amount + vec3<f32>(0.5)), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				a := p.Float("amount")
				return satRGB(c.WithRGB((c.R-0.5)*a+0.5, (c.G-0.5)*a+0.5, (c.B-0.5)*a+0.5))
			},
		},
		{
			Name:   "saturation",
			Params: []shader.Param{num("amount", 1)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    return vec4<f32>(saturate(mix(vec3<f32>(luma(c.rgb)), c.rgb, u.amount)), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				l := c.Luma()
				a := p.Float("amount")
				return satRGB(c.WithRGB(shader.MixF(l, c.R, a), shader.MixF(l, c.G, a), shader.MixF(l, c.B, a)))
			},
		},
		{
			Name:   "hueRotate",
			Params: []shader.Param{num("angle", 0), num("speed", 2.5)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    let a = radians(u.angle) + u.time * u.speed;
    let k = vec3<f32>(0.57735);
    let rgb = c.rgb * cos(a) + cross(k, c.rgb) * sin(a) + k * dot(k, c.rgb) * (1.0 - cos(a));
    return vec4<f32>(saturate(rgb), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				a := p.Float("angle")*math.Pi/180 + f.Time*p.Float("speed")
				const k = 0.57735
				cos, sin := math.Cos(a), math.Sin(a)
				d := k * (c.R + c.G + c.B) * (1 - cos)
				// cross((k,k,k), rgb)
				cx := k * (c.B - c.G)
				cy := k * (c.R - c.B)
				cz := k * (c.G - c.R)
				return satRGB(c.WithRGB(c.R*cos+cx*sin+k*d, c.G*cos+cy*sin+k*d, c.B*cos+cz*sin+k*d))
			},
		},
		{
			Name: "tint",
			Params: []shader.Param{
				{Name: "color", Type: shader.TypeColor, Default: shader.RGB(1, 0.6, 0.2)},
				num("amount", 0.5),
			},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    return vec4<f32>(mix(c.rgb, c.rgb * u.color, u.amount), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				t := p.Color("color")
				return mixRGB(c, c.R*t.R, c.G*t.G, c.B*t.B, p.Float("amount"))
			},
		},
		{
			Name:   "blur",
			Params: []shader.Param{num("radius", 2)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let d = vec2<f32>(u.radius / u.width, u.radius / u.height);
    var acc = vec4<f32>(0.0);
    for (var j = -1; j <= 1; j++) {
        for (var i = -1; i <= 1; i++) {
            let w = (2.0 - abs(f32(i))) * (2.0 - abs(f32(j)));
            acc += getColor(uv + vec2<f32>(f32(i), f32(j)) * d) * w;
        }
    }
    return acc / 16.0;
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				d := shader.Vec2{X: p.Float("radius") / f.Width, Y: p.Float("radius") / f.Height}
				var acc shader.Color
				for j := -1; j <= 1; j++ {
					for i := -1; i <= 1; i++ {
						w := (2 - math.Abs(float64(i))) * (2 - math.Abs(float64(j)))
						off := shader.Vec2{X: float64(i), Y: float64(j)}.Mul(d)
						acc = acc.Add(f.Src.Sample(uv.Add(off)).Scale(w))
					}
				}
				return acc.Scale(1.0 / 16)
			},
		},
		{
			Name:   "sharpen",
			Params: []shader.Param{num("amount", 1)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let dx = vec2<f32>(1.0 / u.width, 0.0);
    let dy = vec2<f32>(0.0, 1.0 / u.height);
    let c = getColor(uv);
    let n = getColor(uv + dx) + getColor(uv - dx) + getColor(uv + dy) + getColor(uv - dy);
    let rgb = c.rgb * (1.0 + 4.0 * u.amount) - n.rgb * u.amount;
    return vec4<f32>(saturate(rgb), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				dx := shader.Vec2{X: 1 / f.Width}
				dy := shader.Vec2{Y: 1 / f.Height}
				c := f.Src.Sample(uv)
				n := f.Src.Sample(uv.Add(dx)).Add(f.Src.Sample(uv.Sub(dx))).
					Add(f.Src.Sample(uv.Add(dy))).Add(f.Src.Sample(uv.Sub(dy)))
				a := p.Float("amount")
				return satRGB(c.WithRGB(c.R*(1+4*a)-n.R*a, c.G*(1+4*a)-n.G*a, c.B*(1+4*a)-n.B*a))
			},
		},
		{
			Name:   "pixelate",
			Params: []shader.Param{num("pixelSize", 0.02), num("jitterStrength", 0.8)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let cell = floor(uv / u.pixelSize) * u.pixelSize;
    let n = vec2<f32>(rand(cell + u.time * 1.5), rand(cell * 2.3 + u.time * 1.7));
    let jitter = (n - vec2<f32>(0.5)) * u.jitterStrength * u.pixelSize;
    return getColor(cell + jitter);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				size := p.Float("pixelSize")
				if size <= 0 {
					return f.Src.Sample(uv)
				}
				cell := uv.Scale(1 / size).Floor().Scale(size)
				t := f.Time
				n1 := shader.Hash(shader.Vec2{X: cell.X + t*1.5, Y: cell.Y + t*1.5})
				n2 := shader.Hash(shader.Vec2{X: cell.X*2.3 + t*1.7, Y: cell.Y*2.3 + t*1.7})
				s := p.Float("jitterStrength") * size
				jitter := shader.Vec2{X: (n1 - 0.5) * s, Y: (n2 - 0.5) * s}
				return f.Src.Sample(cell.Add(jitter))
			},
		},
		{
			Name:   "vignette",
			Params: []shader.Param{num("intensity", 0.5), num("softness", 0.2)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    let v = smoothstep(0.5, 0.5 - u.softness, distance(uv, vec2<f32>(0.5)));
    return vec4<f32>(c.rgb * mix(1.0 - u.intensity, 1.0, v), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				v := shader.Smoothstep(0.5, 0.5-p.Float("softness"), uv.Dist(shader.Center))
				return c.ScaleRGB(shader.MixF(1-p.Float("intensity"), 1, v))
			},
		},
		{
			Name: "rgbShift",
			Params: []shader.Param{
				num("shiftAmount", 0.01), num("angle", 0),
				num("wobbleAmount", 0.003), num("wobbleSpeed", 20),
			},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let base = getColor(uv);
    if (base.a < 0.01) {
        return base;
    }
    let dir = vec2<f32>(cos(u.angle), sin(u.angle));
    let wobble = vec2<f32>(sin(u.time * u.wobbleSpeed) * u.wobbleAmount, 0.0);
    let r = getColor(saturate(uv + dir * u.shiftAmount + wobble)).r;
    let b = getColor(saturate(uv - dir * u.shiftAmount - wobble)).b;
    return vec4<f32>(r, base.g, b, base.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				base := f.Src.Sample(uv)
				if base.A < 0.01 {
					return base
				}
				a := p.Float("angle")
				dir := shader.Vec2{X: math.Cos(a), Y: math.Sin(a)}.Scale(p.Float("shiftAmount"))
				wobble := shader.Vec2{X: math.Sin(f.Time*p.Float("wobbleSpeed")) * p.Float("wobbleAmount")}
				r := f.Src.Sample(uv.Add(dir).Add(wobble).Clamp(0, 1)).R
				b := f.Src.Sample(uv.Sub(dir).Sub(wobble).Clamp(0, 1)).B
				return shader.Color{R: r, G: base.G, B: b, A: base.A}
			},
		},
		{
			Name: "chromatic",
			Params: []shader.Param{
				num("intensity", 0.005),
				{Name: "direction", Type: shader.TypeVec2, Default: shader.Vec2{X: 1}},
			},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let off = u.direction * u.intensity;
    let c = getColor(uv);
    return vec4<f32>(getColor(uv + off).r, c.g, getColor(uv - off).b, c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				off := p.Vec2("direction").Scale(p.Float("intensity"))
				c := f.Src.Sample(uv)
				return shader.Color{R: f.Src.Sample(uv.Add(off)).R, G: c.G, B: f.Src.Sample(uv.Sub(off)).B, A: c.A}
			},
		},
		{
			Name:   "posterize",
			Params: []shader.Param{integer("levels", 5)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    let n = f32(max(u.levels, 2) - 1);
    return vec4<f32>(floor(c.rgb * n + vec3<f32>(0.5)) / n, c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				n := float64(max(p.Int("levels"), 2) - 1)
				q := func(v float64) float64 { return math.Floor(v*n+0.5) / n }
				return c.WithRGB(q(c.R), q(c.G), q(c.B))
			},
		},
		{
			Name: "wave",
			Params: []shader.Param{
				num("amplitude", 0.02), num("frequency", 3), num("speed", 0.5), integer("direction", 0),
			},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    var off = vec2<f32>(0.0);
    if (u.direction == 0) {
        off.y = sin((uv.x + u.time * u.speed) * u.frequency * 6.2831853) * u.amplitude;
    } else {
        off.x = sin((uv.y + u.time * u.speed) * u.frequency * 6.2831853) * u.amplitude;
    }
    return getColor(uv + off);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				amp, freq, speed := p.Float("amplitude"), p.Float("frequency"), p.Float("speed")
				var off shader.Vec2
				if p.Int("direction") == 0 {
					off.Y = math.Sin((uv.X+f.Time*speed)*freq*2*math.Pi) * amp
				} else {
					off.X = math.Sin((uv.Y+f.Time*speed)*freq*2*math.Pi) * amp
				}
				return f.Src.Sample(uv.Add(off))
			},
		},
		{
			Name:    "glitch",
			Params:  []shader.Param{num("intensity", 0.5), num("sliceCount", 12), num("rgbShift", 0.01)},
			Helpers: `fn rand1(n: f32) -> f32 { return fract(sin(n) * 43758.5453123); }`,
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let band = floor(uv.y * u.sliceCount);
    let p = vec2<f32>(uv.x + (rand1(band + u.time * 10.0) - 0.5) * 0.2 * u.intensity, uv.y);
    let s = u.rgbShift * u.intensity;
    let base = getColor(p);
    let r = getColor(p + vec2<f32>(s, 0.0)).r;
    let g = getColor(p + vec2<f32>(-s * 0.5, 0.0)).g;
    let b = getColor(p + vec2<f32>(s * 0.75, 0.0)).b;
    let noise = rand(vec2<f32>(u.time * 50.0, uv.y * 100.0)) * 0.15 * u.intensity;
    return vec4<f32>(saturate(vec3<f32>(r, g, b) + vec3<f32>(noise)), base.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				intensity := p.Float("intensity")
				band := math.Floor(uv.Y * p.Float("sliceCount"))
				pos := shader.Vec2{X: uv.X + (rand1(band+f.Time*10)-0.5)*0.2*intensity, Y: uv.Y}
				s := p.Float("rgbShift") * intensity
				base := f.Src.Sample(pos)
				r := f.Src.Sample(pos.Add(shader.Vec2{X: s})).R
				g := f.Src.Sample(pos.Add(shader.Vec2{X: -s * 0.5})).G
				b := f.Src.Sample(pos.Add(shader.Vec2{X: s * 0.75})).B
				noise := shader.Hash(shader.Vec2{X: f.Time * 50, Y: uv.Y * 100}) * 0.15 * intensity
				return satRGB(shader.Color{R: r + noise, G: g + noise, B: b + noise, A: base.A})
			},
		},
		{
			Name:   "blink",
			Params: []shader.Param{num("blinkSpeed", 2), num("minIntensity", 0.3), num("maxIntensity", 1)},
			WGSL: `
fn effect(uv: vec2<f32>) -> vec4<f32> {
    let c = getColor(uv);
    let t = sin(u.time * u.blinkSpeed * 6.2831853) * 0.5 + 0.5;
    return vec4<f32>(c.rgb * mix(u.minIntensity, u.maxIntensity, t), c.a);
}`,
			Kernel: func(f *Frame, uv shader.Vec2, p shader.Values) shader.Color {
				c := f.Src.Sample(uv)
				t := math.Sin(f.Time*p.Float("blinkSpeed")*2*math.Pi)*0.5 + 0.5
				return c.ScaleRGB(shader.MixF(p.Float("minIntensity"), p.Float("maxIntensity"), t))
			},
		},
	}
}
