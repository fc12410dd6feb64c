package shader

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gogpu/naga"
)

// Template is a WGSL program skeleton with three named insertion points:
// {{fields}} for parameter uniforms, {{helpers}} for author helper functions and
// {{body}} for the entry function.
type Template struct {
	Entry   string   // function the body must define
	Fields  []string // uniform fields the template always declares
	Helpers []string // functions the template defines for bodies to call
	Source  string
}

// Program is an assembled and validated WGSL program.
type Program struct {
	Name   string
	Source string
	SPIRV  []byte
}

// Compiled reports whether the program went through a compiler successfully.
func (p *Program) Compiled() bool {
	return len(p.SPIRV) > 0
}

// Compiler turns WGSL into a GPU binary.
type Compiler interface {
	Compile(source string) ([]byte, error)
}

// NagaCompiler compiles WGSL to SPIR-V with naga.
type NagaCompiler struct{}

func (NagaCompiler) Compile(source string) ([]byte, error) {
	return naga.Compile(source)
}

// Compile runs c over the program and keeps the binary.
func (p *Program) Compile(c Compiler) error {
	out, err := c.Compile(p.Source)
	if err != nil {
		return &CompileError{Name: p.Name, Err: err}
	}
	p.SPIRV = out
	return nil
}

// CompileError wraps a compiler failure.
type CompileError struct {
	Name string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile %s: %v", e.Name, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// ValidationError lists everything wrong with a shader body.
type ValidationError struct {
	Name          string
	MissingEntry  string
	Undefined     []string
	UnknownFields []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.MissingEntry != "" {
		parts = append(parts, fmt.Sprintf("missing entry function %s", e.MissingEntry))
	}
	if len(e.Undefined) > 0 {
		parts = append(parts, "undefined functions "+strings.Join(e.Undefined, ", "))
	}
	if len(e.UnknownFields) > 0 {
		parts = append(parts, "undeclared uniforms "+strings.Join(e.UnknownFields, ", "))
	}
	return fmt.Sprintf("shader %q: %s", e.Name, strings.Join(parts, "; "))
}

// Assemble validates helpers and body against the template and params, then
// fills the insertion points.
func (t *Template) Assemble(name, helpers, body string, params []Param) (*Program, error) {
	if err := t.Validate(name, helpers, body, params); err != nil {
		return nil, err
	}
	var fields strings.Builder
	for _, p := range params {
		if typ := p.Type.WGSL(); typ != "" {
			fmt.Fprintf(&fields, "    %s: %s,\n", p.Name, typ)
		}
	}
	src := strings.NewReplacer(
		"{{fields}}", fields.String(),
		"{{helpers}}", strings.TrimSpace(helpers),
		"{{body}}", strings.TrimSpace(body),
	).Replace(t.Source)
	return &Program{Name: name, Source: src}, nil
}

var (
	commentLine  = regexp.MustCompile(`//[^\n]*`)
	commentBlock = regexp.MustCompile(`(?s)/\*.*?\*/`)
	fnDecl       = regexp.MustCompile(`\bfn\s+([A-Za-z_]\w*)\s*\(`)
	callSite     = regexp.MustCompile(`\b([A-Za-z_]\w*)\s*\(`)
	uniformRef   = regexp.MustCompile(`\bu\.([A-Za-z_]\w*)`)
)

// Validate statically checks that body defines the entry function, calls only
// functions it or the template defines (or WGSL builtins), and reads only
// declared uniform fields.
func (t *Template) Validate(name, helpers, body string, params []Param) error {
	code := stripComments(helpers + "\n" + body)

	defined := make(map[string]bool)
	for _, h := range t.Helpers {
		defined[h] = true
	}
	for _, m := range fnDecl.FindAllStringSubmatch(code, -1) {
		defined[m[1]] = true
	}

	verr := &ValidationError{Name: name}
	if !hasDecl(body, t.Entry) {
		verr.MissingEntry = t.Entry
	}

	undefined := make(map[string]bool)
	for _, loc := range callSite.FindAllStringSubmatchIndex(code, -1) {
		ident := code[loc[2]:loc[3]]
		if defined[ident] || wgslBuiltins[ident] || wgslKeywords[ident] {
			continue
		}
		undefined[ident] = true
	}
	verr.Undefined = sortedKeys(undefined)

	declared := make(map[string]bool)
	for _, f := range t.Fields {
		declared[f] = true
	}
	for _, p := range params {
		if p.Type.WGSL() != "" {
			declared[p.Name] = true
		}
	}
	unknown := make(map[string]bool)
	for _, m := range uniformRef.FindAllStringSubmatch(code, -1) {
		if !declared[m[1]] {
			unknown[m[1]] = true
		}
	}
	verr.UnknownFields = sortedKeys(unknown)

	if verr.MissingEntry != "" || len(verr.Undefined) > 0 || len(verr.UnknownFields) > 0 {
		return verr
	}
	return nil
}

func hasDecl(code, fn string) bool {
	for _, m := range fnDecl.FindAllStringSubmatch(stripComments(code), -1) {
		if m[1] == fn {
			return true
		}
	}
	return false
}

func stripComments(s string) string {
	return commentLine.ReplaceAllString(commentBlock.ReplaceAllString(s, " "), " ")
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var wgslKeywords = setOf(
	"if", "else", "for", "while", "loop", "switch", "return", "fn", "let", "var",
)

var wgslBuiltins = setOf(
	"abs", "acos", "acosh", "all", "any", "asin", "asinh", "atan", "atan2", "atanh",
	"ceil", "clamp", "cos", "cosh", "cross", "degrees", "determinant", "distance",
	"dot", "exp", "exp2", "floor", "fma", "fract", "inverseSqrt", "length", "log",
	"log2", "max", "min", "mix", "modf", "normalize", "pow", "radians", "reflect",
	"round", "saturate", "select", "sign", "sin", "sinh", "smoothstep", "sqrt",
	"step", "tan", "tanh", "transpose", "trunc",
	"textureSample", "textureSampleLevel", "textureDimensions", "textureLoad",
	"vec2", "vec3", "vec4", "vec2f", "vec3f", "vec4f", "vec2i", "vec3i", "vec4i",
	"f32", "i32", "u32", "bool", "mat2x2", "mat3x3", "mat4x4", "mat2x2f",
	"mat3x3f", "mat4x4f", "array", "bitcast",
)

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
