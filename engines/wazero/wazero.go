// Package wazero implements the waPC engine provider capability on top of the wazero
// WebAssembly runtime. It wires the full waPC import surface, optional WASI, epoch-based
// interruption, module hot-swap, and a pre-instantiated fast path for pools.
package wazero

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	wapc "github.com/wapc/wapc-host-go"
)

var (
	// ErrGuestCallNotFound is returned when the guest does not export __guest_call.
	ErrGuestCallNotFound = errors.New("guest call function (__guest_call) not exported by wasm module")

	// ErrInvalidConfig is returned when the Builder was given a contradictory or
	// incomplete configuration.
	ErrInvalidConfig = errors.New("invalid engine provider configuration")
)

// interruptedMessage is recorded into the guest error slot when an execution deadline
// preempts guest code.
const interruptedMessage = "guest code interrupted, execution deadline exceeded"

// Ensure the provider conforms to the waPC capability.
var _ = (wapc.WebAssemblyEngineProvider)((*EngineProvider)(nil))

type (
	// EngineProviderPre holds a compiled, linked module from which independent
	// EngineProvider instances can be produced cheaply. Rehydrated providers share
	// the runtime, the compiled artifact, and the host modules, but own their
	// execution state.
	EngineProviderPre struct {
		runtime      wazero.Runtime
		compiled     wazero.CompiledModule
		moduleConfig wazero.ModuleConfig
		deadlines    *EpochDeadlines
		clock        *epochClock
	}

	// EngineProvider is a waPC engine provider that encapsulates the wazero
	// WebAssembly runtime.
	EngineProvider struct {
		runtime      wazero.Runtime
		compiled     wazero.CompiledModule
		moduleConfig wazero.ModuleConfig
		deadlines    *EpochDeadlines
		clock        *epochClock

		state     *wapc.ModuleState
		module    api.Module
		guestCall api.Function

		// sharedCompiled marks the compiled artifact as owned by the pre this provider
		// was rehydrated from; it must not be closed when a replacement swaps it out.
		sharedCompiled bool
		ownsRuntime    bool
	}
)

// Rehydrate creates an EngineProvider ready to be handed to wapc.New. Each call
// produces an independent instance.
func (pre *EngineProviderPre) Rehydrate() *EngineProvider {
	return &EngineProvider{
		runtime:        pre.runtime,
		compiled:       pre.compiled,
		moduleConfig:   pre.moduleConfig,
		deadlines:      pre.deadlines,
		clock:          pre.clock,
		sharedCompiled: true,
	}
}

// IncrementEpoch advances the engine tick by one, preempting any in-flight execution
// whose deadline has elapsed. The embedder drives this from an out-of-band clock; the
// duration of a tick is whatever the embedder makes it.
func (pre *EngineProviderPre) IncrementEpoch() {
	if pre.clock != nil {
		pre.clock.increment()
	}
}

// Close releases the runtime and everything compiled or instantiated within it,
// including rehydrated providers.
func (pre *EngineProviderPre) Close(ctx context.Context) error {
	return pre.runtime.Close(ctx)
}

// IncrementEpoch advances the engine tick by one. Providers rehydrated from the same
// pre share a clock; ticking any of them ticks all of them.
func (p *EngineProvider) IncrementEpoch() {
	if p.clock != nil {
		p.clock.increment()
	}
}

// Init implements the same method as documented on wapc.WebAssemblyEngineProvider.
func (p *EngineProvider) Init(ctx context.Context, state *wapc.ModuleState) error {
	if state == nil {
		return errors.New("cannot initialize engine provider with nil module state")
	}
	p.state = state

	ctx = withModuleState(ctx, state)
	module, guestCall, err := p.instantiate(ctx)
	if err != nil {
		return err
	}
	p.module = module
	p.guestCall = guestCall
	return nil
}

// Call implements the same method as documented on wapc.WebAssemblyEngineProvider.
//
// Any trap raised by the guest - including an epoch interruption - is recorded into the
// guest error slot and reported as a waPC-level failure (return code 0), not as an
// engine-level error.
func (p *EngineProvider) Call(ctx context.Context, opLength, msgLength int32) (int32, error) {
	if p.module == nil {
		return 0, errors.New("engine provider not initialized")
	}

	ctx = withModuleState(ctx, p.state)
	callCtx, finish := p.armDeadline(ctx, p.funcDeadline())
	results, err := p.guestCall.Call(callCtx, uint64(uint32(opLength)), uint64(uint32(msgLength)))
	interrupted := finish()

	if err != nil {
		if interrupted {
			p.state.SetGuestError(interruptedMessage)
		} else {
			p.state.SetGuestError(err.Error())
		}
		// A trap closes the wazero instance. Bring up a fresh one so subsequent calls
		// on this runtime find a live module.
		if p.module.IsClosed() {
			if module, guestCall, rerr := p.instantiate(ctx); rerr == nil {
				p.module = module
				p.guestCall = guestCall
			}
		}
		return 0, nil
	}

	if len(results) != 1 {
		return 0, fmt.Errorf("%s returned %d results, expected 1", wapc.FunctionGuestCall, len(results))
	}
	return int32(results[0]), nil
}

// Replace implements the same method as documented on wapc.WebAssemblyEngineProvider.
//
// The new module is compiled with the same runtime and linker, the cached __guest_call
// handle is refreshed, and the starter functions run again. The bound ModuleState is
// preserved. On failure the previous instance keeps serving.
func (p *EngineProvider) Replace(ctx context.Context, code []byte) error {
	if p.state == nil {
		return errors.New("engine provider not initialized")
	}

	ctx = withModuleState(ctx, p.state)
	compiled, err := p.runtime.CompileModule(ctx, code)
	if err != nil {
		return err
	}

	oldCompiled := p.compiled
	oldModule := p.module
	p.compiled = compiled

	module, guestCall, err := p.instantiate(ctx)
	if err != nil {
		p.compiled = oldCompiled
		_ = compiled.Close(ctx)
		return err
	}

	p.module = module
	p.guestCall = guestCall
	if oldModule != nil {
		_ = oldModule.Close(ctx)
	}
	if !p.sharedCompiled {
		_ = oldCompiled.Close(ctx)
	}
	p.sharedCompiled = false
	return nil
}

// Close implements the same method as documented on wapc.WebAssemblyEngineProvider.
func (p *EngineProvider) Close(ctx context.Context) error {
	if p.module != nil {
		_ = p.module.Close(ctx)
		p.module = nil
		p.guestCall = nil
	}
	if p.ownsRuntime {
		return p.runtime.Close(ctx)
	}
	return nil
}

// instantiate builds a fresh instance from the compiled module, verifies the required
// exports, and runs the starter functions in order.
func (p *EngineProvider) instantiate(ctx context.Context) (api.Module, api.Function, error) {
	module, guestCall, err := p.newInstance(ctx)
	if err != nil {
		return nil, nil, err
	}

	for _, starter := range wapc.StarterFunctions {
		fn := module.ExportedFunction(starter)
		if fn == nil {
			continue
		}

		callCtx, finish := p.armDeadline(ctx, p.initDeadline())
		_, err := fn.Call(callCtx)
		interrupted := finish()
		if err == nil {
			continue
		}
		if interrupted {
			_ = module.Close(ctx)
			return nil, nil, fmt.Errorf("%w: %s", wapc.ErrInitTimeout, starter)
		}

		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			// TinyGo WASI guests exit from a stub main; a zero exit code is starter
			// success. The exit closed the instance, so bring up a fresh one before
			// moving to the next starter.
			if module.IsClosed() {
				if module, guestCall, err = p.newInstance(ctx); err != nil {
					return nil, nil, err
				}
			}
			continue
		}

		_ = module.Close(ctx)
		return nil, nil, fmt.Errorf("starter function %s failed: %w", starter, err)
	}

	return module, guestCall, nil
}

func (p *EngineProvider) newInstance(ctx context.Context) (api.Module, api.Function, error) {
	// Anonymous instances so that providers rehydrated from one pre can coexist in the
	// shared runtime.
	module, err := p.runtime.InstantiateModule(ctx, p.compiled, p.moduleConfig.WithName(""))
	if err != nil {
		return nil, nil, err
	}
	if module.Memory() == nil {
		_ = module.Close(ctx)
		return nil, nil, errors.New(`module does not export "memory"`)
	}
	guestCall := module.ExportedFunction(wapc.FunctionGuestCall)
	if guestCall == nil {
		_ = module.Close(ctx)
		return nil, nil, ErrGuestCallNotFound
	}
	return module, guestCall, nil
}

func (p *EngineProvider) initDeadline() uint64 {
	if p.deadlines == nil {
		return 0
	}
	return p.deadlines.WapcInit
}

func (p *EngineProvider) funcDeadline() uint64 {
	if p.deadlines == nil {
		return 0
	}
	return p.deadlines.WapcFunc
}

// armDeadline registers the upcoming execution with the epoch clock. The returned
// finish function disarms it and reports whether the execution was interrupted.
func (p *EngineProvider) armDeadline(ctx context.Context, ticks uint64) (context.Context, func() bool) {
	if p.clock == nil || ticks == 0 {
		return ctx, func() bool { return false }
	}
	return p.clock.arm(ctx, ticks)
}
