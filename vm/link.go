package vm

import (
	"fmt"
	"slices"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/isolate-runtime/errors"
)

// checkImports verifies that every function and memory lib imports is
// exported by a module already instantiated in the isolate or by a piece
// that precedes lib in the same load. Libraries are instantiated lazily, so
// this is where a kernel that cannot link gets rejected.
func (n *wazeroNative) checkImports(lib *library, earlier []*library) error {
	for _, def := range lib.compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if !n.exportsFunction(module, name, def, earlier) {
			return errors.InvalidResource(errors.PhasePrepare,
				fmt.Sprintf("library %q: unresolved function import %s.%s", lib.name, module, name), nil)
		}
	}
	for _, def := range lib.compiled.ImportedMemories() {
		module, name, _ := def.Import()
		if !n.exportsMemory(module, name, earlier) {
			return errors.InvalidResource(errors.PhasePrepare,
				fmt.Sprintf("library %q: unresolved memory import %s.%s", lib.name, module, name), nil)
		}
	}
	return nil
}

func (n *wazeroNative) exportsFunction(module, name string, want api.FunctionDefinition, earlier []*library) bool {
	if lib := findLibrary(module, earlier); lib != nil {
		got, ok := lib.compiled.ExportedFunctions()[name]
		return ok && sameSignature(got, want)
	}
	mod := n.runtime.Module(module)
	if mod == nil {
		return false
	}
	fn := mod.ExportedFunction(name)
	return fn != nil && sameSignature(fn.Definition(), want)
}

func (n *wazeroNative) exportsMemory(module, name string, earlier []*library) bool {
	if lib := findLibrary(module, earlier); lib != nil {
		_, ok := lib.compiled.ExportedMemories()[name]
		return ok
	}
	mod := n.runtime.Module(module)
	return mod != nil && mod.ExportedMemory(name) != nil
}

func findLibrary(name string, libs []*library) *library {
	for _, l := range libs {
		if l.name == name {
			return l
		}
	}
	return nil
}

func sameSignature(a, b api.FunctionDefinition) bool {
	return slices.Equal(a.ParamTypes(), b.ParamTypes()) &&
		slices.Equal(a.ResultTypes(), b.ResultTypes())
}
