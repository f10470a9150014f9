package wasm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// caller invokes a JSON-in/JSON-out plugin export.
type caller interface {
	Call(ctx context.Context, export string, input []byte) ([]byte, error)
	Closed() bool
	Close(ctx context.Context) error
}

// Bridge calls plugin exports across the wasm linear memory boundary.
//
// Every lifecycle export has the signature fn(ptr u32, len u32) -> u64 and
// returns (out_ptr << 32) | out_len. The host frees the output with the
// module's free after copying it.
type Bridge struct {
	module  api.Module
	memory  api.Memory
	malloc  api.Function
	free    api.Function
	exports map[string]api.Function
	timeout time.Duration
}

// Lifecycle export names.
const (
	ExportMount   = "plugin_mount"
	ExportUpdate  = "plugin_update"
	ExportUnmount = "plugin_unmount"
)

// NewBridge checks that module exports memory, malloc, free and the three
// lifecycle functions.
func NewBridge(module api.Module, timeout time.Duration) (*Bridge, error) {
	b := &Bridge{
		module:  module,
		timeout: timeout,
		exports: make(map[string]api.Function, 3),
	}

	b.memory = module.Memory()
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	if b.malloc = module.ExportedFunction("malloc"); b.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export malloc function")
	}
	if b.free = module.ExportedFunction("free"); b.free == nil {
		return nil, fmt.Errorf("WASM module does not export free function")
	}
	for _, name := range []string{ExportMount, ExportUpdate, ExportUnmount} {
		fn := module.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", name)
		}
		b.exports[name] = fn
	}
	return b, nil
}

// Call invokes export with input and returns its output bytes.
func (b *Bridge) Call(ctx context.Context, export string, input []byte) ([]byte, error) {
	fn, ok := b.exports[export]
	if !ok {
		return nil, fmt.Errorf("unknown export %s", export)
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr, inputLen = ptr, uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == sys.ExitCodeDeadlineExceeded {
			return nil, fmt.Errorf("%s exceeded its %s budget: %w", export, b.timeout, err)
		}
		return nil, fmt.Errorf("%s failed: %w", export, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no results", export)
	}

	outputPtr := uint32(results[0] >> 32)
	outputLen := uint32(results[0])
	if outputLen == 0 {
		return nil, nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view into linear memory; copy before freeing.
	output := append([]byte(nil), view...)
	_ = b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *Bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *Bridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}

// Closed reports whether the module instance has been closed, either by
// Close or by the runtime when a call overran its deadline.
func (b *Bridge) Closed() bool {
	return b.module.IsClosed()
}

// Close closes the module.
func (b *Bridge) Close(ctx context.Context) error {
	return b.module.Close(ctx)
}
