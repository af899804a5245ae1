package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// WASMBridge calls plugin operations with JSON input and output.
//
// Each operation has the signature fn(input_ptr: u32, input_len: u32) -> u64
// where the result packs (output_ptr << 32) | output_len. Input memory is
// obtained from the module's malloc export and released with free.
type WASMBridge struct {
	module api.Module
	memory api.Memory
	malloc api.Function
	free   api.Function

	// operations maps operation names to their exports.
	operations map[string]api.Function
}

// NewWASMBridge binds the memory management exports and every listed
// operation.
func NewWASMBridge(module api.Module, operations []string) (*WASMBridge, error) {
	b := &WASMBridge{
		module:     module,
		memory:     module.Memory(),
		malloc:     module.ExportedFunction("malloc"),
		free:       module.ExportedFunction("free"),
		operations: make(map[string]api.Function, len(operations)),
	}

	if b.memory == nil {
		return nil, fmt.Errorf("module does not export memory")
	}
	if b.malloc == nil {
		return nil, fmt.Errorf("module does not export malloc function")
	}
	if b.free == nil {
		return nil, fmt.Errorf("module does not export free function")
	}

	for _, op := range operations {
		fn := module.ExportedFunction(op)
		if fn == nil {
			return nil, fmt.Errorf("module does not export %s function", op)
		}
		b.operations[op] = fn
	}

	return b, nil
}

// pluginError is the error payload a plugin returns instead of a result.
type pluginError struct {
	Kind      string `json:"kind"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Temporary bool   `json:"temporary,omitempty"`
}

// Invoke calls op with req encoded as JSON and decodes the response into
// resp. A response carrying an "error" object is converted to an
// *engine.EngineError.
func (b *WASMBridge) Invoke(ctx context.Context, op string, req, resp interface{}) error {
	fn, ok := b.operations[op]
	if !ok {
		return fmt.Errorf("operation %s not bound", op)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := b.call(ctx, fn, input)
	if err != nil {
		return err
	}

	var envelope struct {
		Error *pluginError `json:"error"`
	}
	if err := json.Unmarshal(output, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", op, err)
	}
	if envelope.Error != nil {
		return envelope.Error.toEngineError(op)
	}

	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(output, resp); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", op, err)
	}
	return nil
}

func (p *pluginError) toEngineError(op string) error {
	var e *engine.EngineError
	switch engine.ErrorKind(p.Kind) {
	case engine.ErrorKindTransientCapacity:
		e = engine.NewTransientCapacityError(p.Message, nil)
	case engine.ErrorKindConfiguration:
		e = engine.NewConfigurationError(p.Message, nil)
	default:
		e = engine.NewAPIError(p.Message, nil).WithCode(engine.ErrCodeProviderFailed)
	}
	if p.Code != "" {
		e = e.WithCode(p.Code)
	}
	return e.WithOperation(op).WithTemporary(p.Temporary)
}

// call writes input into module memory, runs fn and copies its output.
func (b *WASMBridge) call(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate module memory: %w", err)
		}
		defer func() { _ = b.deallocate(ctx, ptr) }()

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to module memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("module function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("module function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed & 0xFFFFFFFF)
	if outputLen == 0 {
		return []byte("{}"), nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from module memory")
	}
	// Read returns a view into module memory.
	output := make([]byte, len(view))
	copy(output, view)

	if outputPtr != inputPtr {
		_ = b.deallocate(ctx, outputPtr)
	}

	return output, nil
}

func (b *WASMBridge) allocate(ctx context.Context, size uint32) (uint32, error) {
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

func (b *WASMBridge) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := b.free.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}
