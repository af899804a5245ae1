// Package host runs control-plane plugins compiled to WebAssembly and exposes
// them as an engine.ResourceClient.
//
// A plugin is a module plus a YAML manifest naming the operations it exports
// and the host capabilities it needs. Modules run under wazero with a memory
// cap and a per-call timeout; calls into one module are serialized.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// Config tunes the plugin sandbox.
type Config struct {
	// CallTimeout bounds a single operation.
	CallTimeout time.Duration

	// MemoryLimitPages caps module memory in 64KiB pages.
	MemoryLimitPages uint32
}

// DefaultConfig returns the sandbox defaults: 30s calls and 16MiB memory.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      30 * time.Second,
		MemoryLimitPages: 256,
	}
}

// Plugin is a ResourceClient backed by a WebAssembly module.
type Plugin struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	bridge   *WASMBridge
	enforcer *CapabilityEnforcer
	timeout  time.Duration
	logger   zerolog.Logger

	// mu serializes calls; module instances are not reentrant.
	mu     sync.Mutex
	closed bool
}

var _ engine.ResourceClient = (*Plugin)(nil)

// NewPlugin compiles and instantiates a plugin module.
func NewPlugin(ctx context.Context, manifest *Manifest, module []byte, cfg Config, logger zerolog.Logger) (*Plugin, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultConfig().MemoryLimitPages
	}

	logger = logger.With().
		Str("component", "wasm").
		Str("plugin", manifest.Key()).
		Logger()

	enforcer := NewCapabilityEnforcer(manifest.GetCapabilities())

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := registerHostFunctions(ctx, runtime, enforcer, logger); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	moduleConfig := wazero.NewModuleConfig().
		WithName(manifest.Name).
		WithStartFunctions("_initialize")
	mod, err := runtime.InstantiateWithConfig(ctx, module, moduleConfig)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	bridge, err := NewWASMBridge(mod, manifest.Operations)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to bind module: %w", err)
	}

	logger.Debug().Strs("operations", manifest.Operations).Msg("Plugin loaded")

	return &Plugin{
		manifest: manifest,
		runtime:  runtime,
		module:   mod,
		bridge:   bridge,
		enforcer: enforcer,
		timeout:  cfg.CallTimeout,
		logger:   logger,
	}, nil
}

// registerHostFunctions exposes the "env" module to plugins.
//
//	log(level i32, ptr i32, len i32)
//	read_env(ptr i32, len i32) -> i64      packed (ptr << 32) | len, 0 if unset
//	http_request(mptr, mlen, uptr, ulen i32) -> i32   status, -1 on error
func registerHostFunctions(ctx context.Context, runtime wazero.Runtime, enforcer *CapabilityEnforcer, logger zerolog.Logger) error {
	builder := runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			logger.WithLevel(pluginLevel(level)).Msg(string(msg))
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			key, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return 0
			}
			value, err := enforcer.ReadEnv(string(key))
			if err != nil {
				logger.Warn().Err(err).Msg("Plugin environment read denied")
				return 0
			}
			if value == "" {
				return 0
			}
			return writeGuest(ctx, mod, []byte(value))
		}).
		Export("read_env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, methodPtr, methodLen, urlPtr, urlLen uint32) int32 {
			method, ok := mod.Memory().Read(methodPtr, methodLen)
			if !ok {
				return -1
			}
			url, ok := mod.Memory().Read(urlPtr, urlLen)
			if !ok {
				return -1
			}
			status, err := enforcer.HTTPRequest(ctx, string(method), string(url))
			if err != nil {
				logger.Warn().Err(err).Str("url", string(url)).Msg("Plugin HTTP request failed")
				return -1
			}
			return int32(status)
		}).
		Export("http_request")

	_, err := builder.Instantiate(ctx)
	return err
}

// writeGuest copies data into memory allocated by the calling module.
func writeGuest(ctx context.Context, mod api.Module, data []byte) uint64 {
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}

func pluginLevel(level uint32) zerolog.Level {
	switch level {
	case 0:
		return zerolog.DebugLevel
	case 1:
		return zerolog.InfoLevel
	case 2:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// Manifest returns the plugin manifest.
func (p *Plugin) Manifest() *Manifest {
	return p.manifest
}

// Close releases the module and runtime.
func (p *Plugin) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

// invoke runs one operation under the call timeout.
func (p *Plugin) invoke(ctx context.Context, op string, req, resp interface{}) error {
	return p.invokeWithTimeout(ctx, op, p.timeout, req, resp)
}

func (p *Plugin) invokeWithTimeout(ctx context.Context, op string, timeout time.Duration, req, resp interface{}) error {
	if !p.manifest.Supports(op) {
		return engine.NewConfigurationError(
			fmt.Sprintf("plugin %s does not implement %s", p.manifest.Key(), op), nil).
			WithOperation(op)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return engine.NewAPIError("plugin is closed", nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithOperation(op)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.bridge.Invoke(callCtx, op, req, resp)
	if err == nil {
		return nil
	}

	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		return err
	}
	if callCtx.Err() != nil {
		// The runtime has already closed the module.
		p.closed = true
		_ = p.runtime.Close(context.Background())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return engine.NewAPIError(fmt.Sprintf("plugin call exceeded %s", timeout), err).
			WithCode(engine.ErrCodeTimeout).
			WithOperation(op)
	}
	return engine.NewAPIError("plugin call failed", err).
		WithCode(engine.ErrCodeProviderFailed).
		WithOperation(op)
}
