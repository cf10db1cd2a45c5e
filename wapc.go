package wapc

import "context"

// Function names exported by the host under the "wapc" import namespace.
const (
	// FunctionHostCall is the waPC protocol function `__host_call`.
	FunctionHostCall = "__host_call"
	// FunctionConsoleLog is the waPC protocol function `__console_log`.
	FunctionConsoleLog = "__console_log"
	// FunctionGuestRequest is the waPC protocol function `__guest_request`.
	FunctionGuestRequest = "__guest_request"
	// FunctionHostResponse is the waPC protocol function `__host_response`.
	FunctionHostResponse = "__host_response"
	// FunctionHostResponseLen is the waPC protocol function `__host_response_len`.
	FunctionHostResponseLen = "__host_response_len"
	// FunctionGuestResponse is the waPC protocol function `__guest_response`.
	FunctionGuestResponse = "__guest_response"
	// FunctionGuestError is the waPC protocol function `__guest_error`.
	FunctionGuestError = "__guest_error"
	// FunctionHostError is the waPC protocol function `__host_error`.
	FunctionHostError = "__host_error"
	// FunctionHostErrorLen is the waPC protocol function `__host_error_len`.
	FunctionHostErrorLen = "__host_error_len"
)

// Function names exported by the guest and consumed by the host.
const (
	// FunctionGuestCall is the required guest entry point `__guest_call`. Its signature
	// in WebAssembly 1.0 (MVP) Text Format:
	//	(func $__guest_call (param $operation_len i32) (param $payload_len i32) (result (;errno;) i32))
	FunctionGuestCall = "__guest_call"
	// FunctionStart is the WASI/TinyGo start function `_start`.
	FunctionStart = "_start"
	// FunctionWapcInit is the waPC initializer `wapc_init`.
	FunctionWapcInit = "wapc_init"
)

// HostModule is the import namespace guests use for the waPC protocol functions.
const HostModule = "wapc"

// StarterFunctions are the optional guest initializers, invoked once after
// instantiation and again after every successful module replacement - order is
// important.
var StarterFunctions = []string{FunctionStart, FunctionWapcInit}

type (
	// Logger is the function to call from __console_log inside a waPC module.
	Logger func(msg string)

	// HostCallHandler is a function to invoke to handle when a guest is performing a
	// host call. The id parameter carries the unique module identifier of the calling
	// Host, allowing a single handler shared across hosts to disambiguate callers.
	HostCallHandler func(ctx context.Context, id uint64, binding, namespace, operation string, payload []byte) ([]byte, error)

	// Invocation is an operation and payload pair staged for the current guest call.
	Invocation struct {
		Operation string
		Msg       []byte
	}

	// WebAssemblyEngineProvider encapsulates low-level WebAssembly interactions such as
	// reading from and writing to linear memory, executing functions, and mapping
	// imports in a way that conforms to the waPC conversation protocol.
	WebAssemblyEngineProvider interface {
		// Init binds the runtime state to the engine, resolves all imports, and runs
		// the starter functions.
		Init(ctx context.Context, state *ModuleState) error
		// Call executes __guest_call. Returns 1 for success, 0 for failure, or an error
		// for engine-level faults. When Call returns, the guest response and optionally
		// the guest error have been set on the bound ModuleState.
		Call(ctx context.Context, opLength, msgLength int32) (int32, error)
		// Replace substitutes the module image, re-runs starters, and preserves the
		// bound ModuleState. Engines that do not support replacement return an error.
		Replace(ctx context.Context, code []byte) error
		// Close releases the engine's execution state.
		Close(ctx context.Context) error
	}
)

// WasiParams defines the options for enabling WASI on a module (if applicable).
type WasiParams struct {
	// Argv is the command line arguments to expose to WASI.
	Argv []string
	// MapDirs maps guest paths to host directories.
	MapDirs map[string]string
	// EnvVars is the environment variables and values to expose.
	EnvVars map[string]string
	// PreopenedDirs is the directories WASI has access to.
	PreopenedDirs []string
}

// NoOpHostCallHandler is a noop host call handler to use if your host does not need to
// support host calls.
func NoOpHostCallHandler(ctx context.Context, id uint64, binding, namespace, operation string, payload []byte) ([]byte, error) {
	return []byte{}, nil
}

// Println will print the supplied message to standard error. Newline is appended to the
// end of the message.
func Println(message string) {
	println(message)
}

// Print will print the supplied message to standard error.
func Print(message string) {
	print(message)
}
