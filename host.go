package wapc

import (
	"context"
	"fmt"
	"sync"
)

// Host is a WebAssembly host runtime for waPC-compliant modules.
//
// Use an instance of this struct to provide a means of invoking procedure calls by
// specifying an operation name and a set of bytes representing the opaque operation
// payload. Host makes no assumptions about the contents or format of either the payload
// or the operation name, other than that the operation name is a UTF-8 encoded string.
//
// A Host is non-reentrant: Call and ReplaceModule serialize on the engine, and invoking
// either from inside a host callback deadlocks. This is unsupported.
type Host struct {
	// mu gives Call and ReplaceModule exclusive access to the engine.
	mu     sync.Mutex
	engine WebAssemblyEngineProvider
	state  *ModuleState
}

// New creates a new instance of a waPC-compliant host runtime paired with a given
// low-level engine provider. The host callback may be nil if the guest never calls back
// into the host.
func New(ctx context.Context, engine WebAssemblyEngineProvider, hostCallHandler HostCallHandler) (*Host, error) {
	state := newModuleState(hostCallHandler, nextModuleID())

	h := &Host{
		engine: engine,
		state:  state,
	}

	if err := engine.Init(ctx, state); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitFailed, err)
	}

	return h, nil
}

// ID returns the unique identifier of this module. If a parent process has instantiated
// multiple Hosts, then the single shared host callback function will receive this value
// to allow disambiguation of modules.
func (h *Host) ID() uint64 {
	return h.state.id
}

// SetLogger sets the logger used for the guest's __console_log messages.
func (h *Host) SetLogger(logger Logger) {
	h.state.SetLogger(logger)
}

// Call invokes the __guest_call function within the guest module as per the waPC
// protocol. Provide an operation name and an opaque payload of bytes and the function
// returns either an opaque reply of bytes or an error.
//
// The first time Call is invoked, the WebAssembly module might incur a "cold start"
// penalty, depending on which underlying engine is in use.
func (h *Host) Call(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.state.stageInvocation(operation, payload)

	code, err := h.engine.Call(ctx, int32(len(operation)), int32(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGuestCall, err)
	}

	if code == 0 {
		if msg, ok := h.state.GetGuestError(); ok {
			return nil, fmt.Errorf("%w: %s", ErrGuestCall, msg)
		}
		return nil, fmt.Errorf("%w: %s", ErrGuestCall, "No error message set for call failure")
	}

	// The response wins when the guest published both a response and an error.
	if response, ok := h.state.GetGuestResponse(); ok {
		return response, nil
	}
	if msg, ok := h.state.GetGuestError(); ok {
		return nil, fmt.Errorf("%w: %s", ErrGuestCall, msg)
	}
	return nil, fmt.Errorf("%w: %s", ErrGuestCall, "No error message OR response set for call success")
}

// ReplaceModule performs a live "hot swap" of the WebAssembly module, re-running the
// starter functions and preserving the module id and host callback. Since all internal
// waPC execution is single-threaded and non-reentrant, never invoke Call from another
// goroutine while performing a swap.
//
// If the underlying engine is a JITting engine, a swap re-introduces a "cold start"
// delay upon the next call.
//
// When hot swapping a WASI module, the parameters used to create the WASI module -
// environment variables, mapped directories, pre-opened files - cannot be altered. Not
// abiding by this could lead to privilege escalation attacks or non-deterministic
// behavior after the swap.
func (h *Host) ReplaceModule(ctx context.Context, code []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.engine.Replace(ctx, code); err != nil {
		return fmt.Errorf("%w: %w", ErrReplacementFailed, err)
	}
	return nil
}

// Close tears down the engine. Any lingering in-flight imports observe the last slot
// state; the state itself is never freed out from under them.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.Close(ctx)
}
