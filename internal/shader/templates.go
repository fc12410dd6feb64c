package shader

import _ "embed"

//go:embed wgsl/transition.wgsl
var transitionSource string

//go:embed wgsl/effect.wgsl
var effectSource string

// TransitionTemplate wraps a body defining
// fn transition(uv: vec2<f32>) -> vec4<f32>. Bodies read progress, ratio and
// their parameters from u and call getFromColor / getToColor.
var TransitionTemplate = &Template{
	Entry:   "transition",
	Fields:  []string{"progress", "ratio", "_fromR", "_toR"},
	Helpers: []string{"getFromColor", "getToColor", "getCenteredCoord", "distanceFromCenter", "angleFromCenter", "rand"},
	Source:  transitionSource,
}

// EffectTemplate wraps a body defining fn effect(uv: vec2<f32>) -> vec4<f32>.
// u.time is the clip progress in [0,1].
var EffectTemplate = &Template{
	Entry:   "effect",
	Fields:  []string{"time", "width", "height"},
	Helpers: []string{"getColor", "luma", "rand"},
	Source:  effectSource,
}
