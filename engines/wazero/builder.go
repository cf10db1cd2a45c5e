package wazero

import (
	"context"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	wapc "github.com/wapc/wapc-host-go"
)

// Builder assembles EngineProvider instances.
//
// Exactly one of WithModuleBytes or WithCompiledModule must be provided. A pre-compiled
// module must come together with the runtime that compiled it.
type Builder struct {
	moduleBytes []byte
	compiled    wazero.CompiledModule
	runtime     wazero.Runtime

	wasiParams *wapc.WasiParams
	deadlines  *EpochDeadlines

	cacheEnabled bool
	cacheDir     string

	stdout io.Writer
	stderr io.Writer
}

// NewBuilder creates a builder instance.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithModuleBytes provides the contents of the WebAssembly module.
func (b *Builder) WithModuleBytes(moduleBytes []byte) *Builder {
	b.moduleBytes = moduleBytes
	return b
}

// WithCompiledModule provides a preloaded wazero.CompiledModule. The wazero.Runtime
// used to compile it must be provided via WithRuntime.
func (b *Builder) WithCompiledModule(compiled wazero.CompiledModule) *Builder {
	b.compiled = compiled
	return b
}

// WithRuntime provides a preinitialized wazero.Runtime. When used, runtime-level
// options are the caller's responsibility: the compilation cache must be configured on
// the runtime itself, and epoch interruptions require a runtime created with
// close-on-context-done enabled.
func (b *Builder) WithRuntime(runtime wazero.Runtime) *Builder {
	b.runtime = runtime
	return b
}

// WithWasiParams enables WASI with the supplied parameters.
func (b *Builder) WithWasiParams(params *wapc.WasiParams) *Builder {
	b.wasiParams = params
	return b
}

// WithEpochInterruptions enables epoch-based interruption and sets the deadlines to be
// enforced, expressed in ticks.
//
// initDeadline applies to the starter functions; funcDeadline applies to regular guest
// calls. Ticks advance only when the embedder calls IncrementEpoch; it is up to the
// embedder how much time a single tick is granted.
func (b *Builder) WithEpochInterruptions(initDeadline, funcDeadline uint64) *Builder {
	b.deadlines = &EpochDeadlines{WapcInit: initDeadline, WapcFunc: funcDeadline}
	return b
}

// WithCacheDir enables wazero's compilation cache backed by the given directory, so
// repeated loads of the same module skip recompilation.
func (b *Builder) WithCacheDir(dir string) *Builder {
	b.cacheEnabled = true
	b.cacheDir = dir
	return b
}

// WithStdout sets the writer that receives the guest's standard out (WASI fd_write).
func (b *Builder) WithStdout(w io.Writer) *Builder {
	b.stdout = w
	return b
}

// WithStderr sets the writer that receives the guest's standard error.
func (b *Builder) WithStderr(w io.Writer) *Builder {
	b.stderr = w
	return b
}

// BuildPre compiles and links the module once, returning an EngineProviderPre that can
// rehydrate any number of independent EngineProvider instances without recompilation.
func (b *Builder) BuildPre(ctx context.Context) (*EngineProviderPre, error) {
	if b.moduleBytes != nil && b.compiled != nil {
		return nil, fmt.Errorf("%w: module bytes and a compiled module cannot be provided at the same time", ErrInvalidConfig)
	}
	if b.moduleBytes == nil && b.compiled == nil {
		return nil, fmt.Errorf("%w: neither module bytes nor a compiled module have been provided", ErrInvalidConfig)
	}
	if b.compiled != nil && b.runtime == nil {
		return nil, fmt.Errorf("%w: a compiled module requires the runtime that compiled it", ErrInvalidConfig)
	}

	createdRuntime := b.runtime == nil
	runtime := b.runtime
	if runtime == nil {
		config := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
		if b.cacheEnabled {
			cache, err := wazero.NewCompilationCacheWithDir(b.cacheDir)
			if err != nil {
				return nil, fmt.Errorf("could not open compilation cache: %w", err)
			}
			config = config.WithCompilationCache(cache)
		}
		runtime = wazero.NewRuntimeWithConfig(ctx, config)
	}
	fail := func(err error) (*EngineProviderPre, error) {
		if createdRuntime {
			_ = runtime.Close(ctx)
		}
		return nil, err
	}

	stdout := b.stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := b.stderr
	if stderr == nil {
		stderr = io.Discard
	}

	if _, err := instantiateWapcHost(ctx, runtime); err != nil {
		return fail(fmt.Errorf("could not instantiate wapc host module: %w", err))
	}
	if _, err := instantiateAssemblyScript(ctx, runtime); err != nil {
		return fail(fmt.Errorf("could not instantiate env host module: %w", err))
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return fail(fmt.Errorf("could not instantiate WASI: %w", err))
	}
	if _, err := instantiateWasiUnstable(ctx, runtime, stdout); err != nil {
		return fail(fmt.Errorf("could not instantiate wasi_unstable host module: %w", err))
	}

	compiled := b.compiled
	if compiled == nil {
		var err error
		if compiled, err = runtime.CompileModule(ctx, b.moduleBytes); err != nil {
			return fail(err)
		}
	}

	// Starters run under the provider's control, with exit-code handling and epoch
	// deadlines, so the module config must not auto-invoke _start.
	moduleConfig := wazero.NewModuleConfig().
		WithStartFunctions().
		WithStdout(stdout).
		WithStderr(stderr)

	if params := b.wasiParams; params != nil {
		moduleConfig = moduleConfig.WithArgs(params.Argv...)
		for key, value := range params.EnvVars {
			moduleConfig = moduleConfig.WithEnv(key, value)
		}
		fsConfig := wazero.NewFSConfig()
		for _, dir := range params.PreopenedDirs {
			fsConfig = fsConfig.WithDirMount(dir, dir)
		}
		for guestPath, hostDir := range params.MapDirs {
			fsConfig = fsConfig.WithDirMount(hostDir, guestPath)
		}
		moduleConfig = moduleConfig.WithFSConfig(fsConfig)
	}

	pre := &EngineProviderPre{
		runtime:      runtime,
		compiled:     compiled,
		moduleConfig: moduleConfig,
		deadlines:    b.deadlines,
	}
	if b.deadlines != nil {
		pre.clock = newEpochClock()
	}
	return pre, nil
}

// Build creates a standalone EngineProvider. When the builder created the runtime, the
// provider owns it and closing the provider closes the runtime with it; a runtime
// supplied via WithRuntime is left open.
func (b *Builder) Build(ctx context.Context) (*EngineProvider, error) {
	pre, err := b.BuildPre(ctx)
	if err != nil {
		return nil, err
	}
	provider := pre.Rehydrate()
	provider.ownsRuntime = b.runtime == nil
	return provider, nil
}
