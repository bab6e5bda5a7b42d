// Package shader compiles the ray-tracing shader library.
package shader

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/hlsl"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"
	"github.com/gogpu/wgpu/hal"
)

// Shader errors.
var (
	// ErrShaderModel is returned when the target model cannot express
	// ray-tracing libraries.
	ErrShaderModel = errors.New("shader: shader model does not support ray tracing")

	// ErrMissingExport is returned when a library lacks a required entry point.
	ErrMissingExport = errors.New("shader: missing export")

	// ErrEmptyLibrary is returned when a source declares no entry points.
	ErrEmptyLibrary = errors.New("shader: library has no entry points")
)

// Entry points of the scene library.
const (
	RayGen     = "rayGen"
	Miss       = "miss"
	ClosestHit = "chs"
	PlaneHit   = "planeChs"
	ShadowHit  = "shadowChs"
	ShadowMiss = "shadowMiss"
)

// SceneExports lists the entry points the scene pipeline requires.
var SceneExports = []string{RayGen, Miss, ClosestHit, PlaneHit, ShadowHit, ShadowMiss}

//go:embed shaders/raytracing.wgsl
var defaultSource string

// entryPoint matches a stage attribute and the function it decorates.
var entryPoint = regexp.MustCompile(`(?s)@(?:compute|vertex|fragment)\b[^{;]*?\bfn\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// Library is a compiled shader library. Bytecode is SPIR-V for the hal;
// HLSL is the same library translated for the target model.
type Library struct {
	Name     string
	Model    hlsl.ShaderModel
	HLSL     string
	Bytecode []byte
	Exports  []string

	// Workgroups holds the x and y workgroup size of each compute export.
	Workgroups map[string][2]uint32
}

// Profile returns the library target profile, e.g. "lib_6_3".
func (l *Library) Profile() string {
	return "lib_" + l.Model.ProfileSuffix()
}

// Has reports whether the library exports name.
func (l *Library) Has(name string) bool {
	return slices.Contains(l.Exports, name)
}

// Require returns ErrMissingExport unless every name is exported.
func (l *Library) Require(names ...string) error {
	for _, n := range names {
		if !l.Has(n) {
			return fmt.Errorf("%w: %s does not export %q", ErrMissingExport, l.Name, n)
		}
	}
	return nil
}

// SPIRV returns the bytecode as little-endian 32-bit words.
func (l *Library) SPIRV() []uint32 {
	words := make([]uint32, len(l.Bytecode)/4)
	for i := range words {
		words[i] = uint32(l.Bytecode[i*4]) |
			uint32(l.Bytecode[i*4+1])<<8 |
			uint32(l.Bytecode[i*4+2])<<16 |
			uint32(l.Bytecode[i*4+3])<<24
	}
	return words
}

// CreateModule creates a hal shader module from the library bytecode.
func (l *Library) CreateModule(device hal.Device) (hal.ShaderModule, error) {
	mod, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: l.Name,
		Source: hal.ShaderSource{
			SPIRV: l.SPIRV(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create shader module %s: %w", l.Name, err)
	}
	return mod, nil
}

// Compiler turns shader source into a library.
type Compiler interface {
	Compile(name, source string) (*Library, error)
}

// NagaCompiler compiles WGSL libraries with naga.
type NagaCompiler struct {
	// Model is the target shader model. The zero value selects 6.3.
	Model hlsl.ShaderModel
}

// Compile implements Compiler. The source is lowered once; the IR feeds
// both the SPIR-V and the HLSL backends.
func (c NagaCompiler) Compile(name, source string) (*Library, error) {
	model := c.Model
	if model == hlsl.ShaderModel5_0 {
		model = hlsl.ShaderModel6_3
	}
	if !model.SupportsRayTracing() {
		return nil, fmt.Errorf("%w: %v", ErrShaderModel, model)
	}
	if len(EntryPoints(source)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyLibrary, name)
	}

	ast, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse shader %s: %w", name, err)
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, fmt.Errorf("failed to lower shader %s: %w", name, err)
	}
	verrs, err := naga.Validate(module)
	if err != nil {
		return nil, fmt.Errorf("failed to validate shader %s: %w", name, err)
	}
	if len(verrs) > 0 {
		return nil, fmt.Errorf("failed to validate shader %s: %w", name, verrs[0])
	}

	code, err := naga.GenerateSPIRV(module, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader %s: %w", name, err)
	}
	opts := hlsl.DefaultOptions()
	opts.ShaderModel = model
	src, info, err := hlsl.Compile(module, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to translate shader %s to HLSL: %w", name, err)
	}
	if info.RequiredShaderModel > model {
		return nil, fmt.Errorf("%w: %s needs %v", ErrShaderModel, name, info.RequiredShaderModel)
	}

	lib := &Library{
		Name:       name,
		Model:      model,
		HLSL:       src,
		Bytecode:   code,
		Workgroups: make(map[string][2]uint32),
	}
	for _, ep := range module.EntryPoints {
		lib.Exports = append(lib.Exports, ep.Name)
		if ep.Stage == ir.StageCompute {
			lib.Workgroups[ep.Name] = [2]uint32{ep.Workgroup[0], ep.Workgroup[1]}
		}
	}
	return lib, nil
}

// EntryPoints returns the names of the stage entry points in source, in
// declaration order.
func EntryPoints(source string) []string {
	var names []string
	for _, m := range entryPoint.FindAllStringSubmatch(source, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// Load compiles the library at path and checks it exports required.
func Load(c Compiler, path string, required ...string) (*Library, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shader library: %w", err)
	}
	lib, err := c.Compile(filepath.Base(path), string(src))
	if err != nil {
		return nil, err
	}
	if err := lib.Require(required...); err != nil {
		return nil, err
	}
	return lib, nil
}

// Default compiles the built-in scene library.
func Default(c Compiler) (*Library, error) {
	lib, err := c.Compile("raytracing.wgsl", defaultSource)
	if err != nil {
		return nil, err
	}
	if err := lib.Require(SceneExports...); err != nil {
		return nil, err
	}
	return lib, nil
}
