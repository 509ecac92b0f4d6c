package wasmfs

import "errors"

var (
	ErrInstantiateWASI = errors.New("instantiate wasi")
	ErrCompileModule   = errors.New("compile wasm module")
	ErrRunModule       = errors.New("run wasm module")
	ErrOpenMount       = errors.New("open mount")
)
