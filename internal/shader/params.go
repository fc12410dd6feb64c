package shader

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ParamType is the declared type of a shader parameter.
type ParamType string

const (
	TypeNumber ParamType = "number"
	TypeInt    ParamType = "int"
	TypeVec2   ParamType = "vec2"
	TypeVec3   ParamType = "vec3"
	TypeColor  ParamType = "color"
	TypeString ParamType = "string"
)

// WGSL returns the uniform field type, or "" for CPU-only parameters.
func (t ParamType) WGSL() string {
	switch t {
	case TypeNumber:
		return "f32"
	case TypeInt:
		return "i32"
	case TypeVec2:
		return "vec2<f32>"
	case TypeVec3, TypeColor:
		return "vec3<f32>"
	default:
		return ""
	}
}

// Param declares one parameter and its default value. Defaults use the bound
// representation: float64, int, Vec2, [3]float64, Color or string.
type Param struct {
	Name    string    `json:"name"`
	Type    ParamType `json:"type"`
	Default any       `json:"default"`
}

// ParamError reports a value that does not match its declared type.
type ParamError struct {
	Name  string
	Type  ParamType
	Value any
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %q: %v (%T) is not a valid %s", e.Name, e.Value, e.Value, e.Type)
}

// Values holds bound parameter values keyed by name.
type Values map[string]any

// Bind converts raw values (as decoded from JSON) against specs. Missing values
// take their defaults and keys without a declaration are ignored.
func Bind(specs []Param, raw map[string]any) (Values, error) {
	out := make(Values, len(specs))
	for _, p := range specs {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			out[p.Name] = p.Default
			continue
		}
		bound, err := coerce(p.Type, v)
		if err != nil {
			return nil, &ParamError{Name: p.Name, Type: p.Type, Value: v}
		}
		out[p.Name] = bound
	}
	return out, nil
}

func coerce(t ParamType, v any) (any, error) {
	switch t {
	case TypeNumber:
		return toFloat(v)
	case TypeInt:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("not an integer")
		}
		return int(f), nil
	case TypeVec2:
		switch x := v.(type) {
		case Vec2:
			return x, nil
		case map[string]any:
			fx, err := toFloat(x["x"])
			if err != nil {
				return nil, err
			}
			fy, err := toFloat(x["y"])
			if err != nil {
				return nil, err
			}
			return Vec2{fx, fy}, nil
		}
		f, err := toFloats(v, 2)
		if err != nil {
			return nil, err
		}
		return Vec2{f[0], f[1]}, nil
	case TypeVec3:
		if x, ok := v.([3]float64); ok {
			return x, nil
		}
		f, err := toFloats(v, 3)
		if err != nil {
			return nil, err
		}
		return [3]float64{f[0], f[1], f[2]}, nil
	case TypeColor:
		switch x := v.(type) {
		case Color:
			return x, nil
		case string:
			return ParseHex(x)
		}
		f, err := toFloats(v, 3)
		if err != nil {
			f, err = toFloats(v, 4)
			if err != nil {
				return nil, err
			}
			return Color{f[0], f[1], f[2], f[3]}, nil
		}
		return RGB(f[0], f[1], f[2]), nil
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("not a string")
	}
	return nil, fmt.Errorf("unknown parameter type %q", t)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("not a number")
}

func toFloats(v any, n int) ([]float64, error) {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case []float64:
		for _, f := range x {
			items = append(items, f)
		}
	default:
		return nil, fmt.Errorf("not a list")
	}
	if len(items) != n {
		return nil, fmt.Errorf("want %d components, got %d", n, len(items))
	}
	out := make([]float64, n)
	for i, it := range items {
		f, err := toFloat(it)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// Float returns a number parameter, converting ints.
func (v Values) Float(name string) float64 {
	switch x := v[name].(type) {
	case float64:
		return x
	case int:
		return float64(x)
	}
	return 0
}

func (v Values) Int(name string) int {
	switch x := v[name].(type) {
	case int:
		return x
	case float64:
		return int(x)
	}
	return 0
}

func (v Values) Vec2(name string) Vec2 {
	x, _ := v[name].(Vec2)
	return x
}

func (v Values) Vec3(name string) [3]float64 {
	x, _ := v[name].([3]float64)
	return x
}

func (v Values) Color(name string) Color {
	x, _ := v[name].(Color)
	return x
}

func (v Values) String(name string) string {
	x, _ := v[name].(string)
	return x
}

// Key renders the values in a stable order, for logs and cache keys.
func (v Values) Key() string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", k, v[k])
	}
	return b.String()
}
