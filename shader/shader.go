// Package shader compiles and loads shader blobs for the harness.
package shader

import (
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"

	"github.com/vkngwrapper/frame-harness/gpu"
)

// Shader model profiles accepted by Compile.
const (
	ProfileVS5_0 = "vs_5_0"
	ProfilePS5_0 = "ps_5_0"
	ProfileVS5_1 = "vs_5_1"
	ProfilePS5_1 = "ps_5_1"
)

// Compiler turns shader source into device bytecode.
type Compiler interface {
	// Compile compiles src, reporting diagnostics against name.
	// It returns *BuildError if the source does not compile.
	Compile(name string, src []byte, entry, profile string) (gpu.ShaderBytecode, error)
}

// BuildError carries the compiler's diagnostic text.
type BuildError struct {
	Name       string
	Diagnostic string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("shader: %s: %s", e.Name, e.Diagnostic)
}

// NewBuildError returns a *BuildError with stack attached.
func NewBuildError(name, diagnostic string) error {
	return errors.WithStack(&BuildError{Name: name, Diagnostic: diagnostic})
}

// StageOf returns the pipeline stage a profile targets.
func StageOf(profile string) (gpu.ShaderStage, error) {
	switch {
	case strings.HasPrefix(profile, "vs_"):
		return gpu.StageVertex, nil
	case strings.HasPrefix(profile, "ps_"):
		return gpu.StagePixel, nil
	}
	return 0, errors.Newf("shader: unknown profile %q", profile)
}

func readSource(name string, data []byte, err error) ([]byte, error) {
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, NewBuildError(name, "file not found")
		}
		return nil, errors.Wrapf(err, "shader: read %s", name)
	}
	return data, nil
}

func checkBlob(name string, data []byte, err error) (gpu.ShaderBytecode, error) {
	data, err = readSource(name, data, err)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, NewBuildError(name, "empty shader blob")
	}
	return data, nil
}

// LoadFile reads a precompiled blob. A missing file is reported as a
// *BuildError so it flows through the same diagnostic path as a
// failed compilation.
func LoadFile(path string) (gpu.ShaderBytecode, error) {
	data, err := os.ReadFile(path)
	return checkBlob(path, data, err)
}

// LoadFS is LoadFile reading name from fsys.
func LoadFS(fsys fs.FS, name string) (gpu.ShaderBytecode, error) {
	data, err := fs.ReadFile(fsys, name)
	return checkBlob(name, data, err)
}

func compile(c Compiler, name string, src []byte, entry, profile string) (gpu.ShaderBytecode, error) {
	blob, err := c.Compile(name, src, entry, profile)
	if err != nil {
		var be *BuildError
		if errors.As(err, &be) {
			gpu.Logger().Error("shader build failed", "file", be.Name, "diagnostic", be.Diagnostic)
		}
		return nil, err
	}
	return blob, nil
}

// CompileFile reads path and compiles it with c.
func CompileFile(c Compiler, path, entry, profile string) (gpu.ShaderBytecode, error) {
	src, err := os.ReadFile(path)
	if src, err = readSource(path, src, err); err != nil {
		return nil, err
	}
	return compile(c, path, src, entry, profile)
}

// CompileFS is CompileFile reading name from fsys.
func CompileFS(c Compiler, fsys fs.FS, name, entry, profile string) (gpu.ShaderBytecode, error) {
	src, err := fs.ReadFile(fsys, name)
	if src, err = readSource(name, src, err); err != nil {
		return nil, err
	}
	return compile(c, name, src, entry, profile)
}
