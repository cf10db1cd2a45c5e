package wapc_test

import (
	"context"
	"errors"
	"time"

	wapc "github.com/wapc/wapc-host-go"
)

// testEngine is an in-process engine provider used to exercise the host runtime and
// pools without a compiled guest. Its call function plays the role of __guest_call.
type testEngine struct {
	state  *wapc.ModuleState
	callFn func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error)

	initErr    error
	replaceErr error
	// replaceFn, when set, installs the replacement's behavior the way a real engine
	// swaps in a new module image.
	replaceFn func(code []byte)
	replaced  [][]byte
	closed    bool
}

func (e *testEngine) Init(ctx context.Context, state *wapc.ModuleState) error {
	if e.initErr != nil {
		return e.initErr
	}
	e.state = state
	return nil
}

func (e *testEngine) Call(ctx context.Context, opLength, msgLength int32) (int32, error) {
	return e.callFn(ctx, e.state, opLength, msgLength)
}

func (e *testEngine) Replace(ctx context.Context, code []byte) error {
	if e.replaceErr != nil {
		return e.replaceErr
	}
	if e.replaceFn != nil {
		e.replaceFn(code)
	}
	e.replaced = append(e.replaced, code)
	return nil
}

func (e *testEngine) Close(ctx context.Context) error {
	e.closed = true
	return nil
}

// newEchoEngine answers every call with the request payload, the way a guest echo
// handler would.
func newEchoEngine() *testEngine {
	return &testEngine{
		callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
			invocation := state.GetGuestRequest()
			state.SetGuestResponse(invocation.Msg)
			return 1, nil
		},
	}
}

// newSlowEchoEngine is newEchoEngine with a fixed per-call latency, for pool tests.
func newSlowEchoEngine(delay time.Duration) *testEngine {
	return &testEngine{
		callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
			time.Sleep(delay)
			invocation := state.GetGuestRequest()
			state.SetGuestResponse(invocation.Msg)
			return 1, nil
		},
	}
}

// newHostCallEngine relays every request through the host callback, copying the staged
// callback result into the guest slots the way a guest would via __host_response and
// __host_error.
func newHostCallEngine(binding, namespace string) *testEngine {
	return &testEngine{
		callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
			invocation := state.GetGuestRequest()
			code := state.DoHostCall(ctx, binding, namespace, invocation.Operation, invocation.Msg)
			if code == 0 {
				message, _ := state.GetHostError()
				state.SetGuestError(message)
				return 0, nil
			}
			response, _ := state.GetHostResponse()
			state.SetGuestResponse(response)
			return 1, nil
		},
	}
}

var errEngineFault = errors.New("engine exploded")
