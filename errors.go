package wapc

import "errors"

var (
	// ErrInitFailed is returned when engine initialization or a starter function failed.
	ErrInitFailed = errors.New("initialization failed")

	// ErrInitTimeout is returned when a starter function exceeded its epoch deadline.
	ErrInitTimeout = errors.New("initialization failed, execution deadline exceeded")

	// ErrGuestCall is returned when the guest reported a failure. The wrapped message is
	// the guest-published error, or a synthetic message when the guest published none.
	ErrGuestCall = errors.New("guest call failure")

	// ErrReplacementFailed is returned when swapping out one module for another failed.
	ErrReplacementFailed = errors.New("module replacement failed")

	// ErrProviderFailure wraps faults originating from a WebAssembly engine provider.
	ErrProviderFailure = errors.New("wasm provider failure")

	// ErrHostCall marks an error during a host call. It is signalled to the guest via a
	// zero return code and the __host_error slot; embedders observe the failure only
	// through their own callback's return value.
	ErrHostCall = errors.New("error during host call")

	// ErrNoPool is returned when operating on a HostPool that was never initialized or
	// has already been shut down.
	ErrNoPool = errors.New("no pool available, HostPool not initialized or already shut down")

	// ErrRequestFailed is returned when a pooled call could not be submitted to or
	// answered by a worker.
	ErrRequestFailed = errors.New("request failed")
)

// missingCallbackMessage is what a guest reads from __host_error when no host callback
// is installed.
const missingCallbackMessage = "Missing host callback function!"
