package wapc_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	wapc "github.com/wapc/wapc-host-go"
)

var ctx = context.Background()

func TestCall(t *testing.T) {
	t.Run("Successful Call", func(t *testing.T) {
		host, err := wapc.New(ctx, newEchoEngine(), wapc.NoOpHostCallHandler)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		payload := []byte("hello world")
		response, err := host.Call(ctx, "echo", payload)
		if err != nil {
			t.Errorf("Unexpected error when calling engine - %s", err)
		}
		if string(response) != string(payload) {
			t.Errorf("Unexpected response, got %q, expected %q", response, payload)
		}
	})

	t.Run("Guest Published Error", func(t *testing.T) {
		engine := &testEngine{
			callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
				state.SetGuestError("Planned Failure")
				return 0, nil
			},
		}
		host, err := wapc.New(ctx, engine, nil)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		_, err = host.Call(ctx, "nope", []byte(""))
		if !errors.Is(err, wapc.ErrGuestCall) {
			t.Errorf("Expected guest call failure, got %v", err)
		}
		if !strings.Contains(err.Error(), "Planned Failure") {
			t.Errorf("Expected guest error message in %q", err.Error())
		}
	})

	t.Run("Failure Without Error Message", func(t *testing.T) {
		engine := &testEngine{
			callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
				return 0, nil
			},
		}
		host, err := wapc.New(ctx, engine, nil)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		_, err = host.Call(ctx, "anything", []byte(""))
		if !errors.Is(err, wapc.ErrGuestCall) {
			t.Errorf("Expected guest call failure, got %v", err)
		}
		if !strings.Contains(err.Error(), "No error message set for call failure") {
			t.Errorf("Expected synthetic failure message in %q", err.Error())
		}
	})

	t.Run("Success Without Response", func(t *testing.T) {
		engine := &testEngine{
			callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
				return 1, nil
			},
		}
		host, err := wapc.New(ctx, engine, nil)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		_, err = host.Call(ctx, "anything", []byte(""))
		if !errors.Is(err, wapc.ErrGuestCall) {
			t.Errorf("Expected guest call failure, got %v", err)
		}
		if !strings.Contains(err.Error(), "No error message OR response set for call success") {
			t.Errorf("Expected synthetic success message in %q", err.Error())
		}
	})

	t.Run("Success With Response And Error", func(t *testing.T) {
		// The response wins on return code 1.
		engine := &testEngine{
			callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
				state.SetGuestResponse([]byte("result"))
				state.SetGuestError("spurious")
				return 1, nil
			},
		}
		host, err := wapc.New(ctx, engine, nil)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		response, err := host.Call(ctx, "both", []byte(""))
		if err != nil {
			t.Errorf("Unexpected error when both slots set - %s", err)
		}
		if string(response) != "result" {
			t.Errorf("Unexpected response, got %q", response)
		}
	})

	t.Run("Engine Fault", func(t *testing.T) {
		engine := &testEngine{
			callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
				return 0, errEngineFault
			},
		}
		host, err := wapc.New(ctx, engine, nil)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		_, err = host.Call(ctx, "anything", []byte(""))
		if !errors.Is(err, wapc.ErrGuestCall) {
			t.Errorf("Expected guest call failure for engine fault, got %v", err)
		}
		if !strings.Contains(err.Error(), "engine exploded") {
			t.Errorf("Expected engine fault message in %q", err.Error())
		}
	})

	t.Run("Empty Response", func(t *testing.T) {
		// A published empty response is a success, not a missing response.
		engine := &testEngine{
			callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
				state.SetGuestResponse([]byte{})
				return 1, nil
			},
		}
		host, err := wapc.New(ctx, engine, nil)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		response, err := host.Call(ctx, "empty", []byte(""))
		if err != nil {
			t.Errorf("Unexpected error for empty response - %s", err)
		}
		if len(response) != 0 {
			t.Errorf("Unexpected response bytes %q", response)
		}
	})
}

func TestInitFailed(t *testing.T) {
	engine := &testEngine{initErr: errEngineFault}
	_, err := wapc.New(ctx, engine, nil)
	if !errors.Is(err, wapc.ErrInitFailed) {
		t.Errorf("Expected init failure, got %v", err)
	}
}

func TestModuleID(t *testing.T) {
	first, err := wapc.New(ctx, newEchoEngine(), nil)
	if err != nil {
		t.Fatalf("Error creating host - %s", err)
	}
	second, err := wapc.New(ctx, newEchoEngine(), nil)
	if err != nil {
		t.Fatalf("Error creating host - %s", err)
	}

	if first.ID() == 0 {
		t.Errorf("Module ids start at 1, got 0")
	}
	if second.ID() <= first.ID() {
		t.Errorf("Module ids must be monotone, got %d then %d", first.ID(), second.ID())
	}
}

func TestHostCall(t *testing.T) {
	t.Run("Round Trip", func(t *testing.T) {
		var hostID uint64
		handler := func(ctx context.Context, id uint64, binding, namespace, operation string, payload []byte) ([]byte, error) {
			if binding != "myBinding" {
				t.Errorf("Unexpected binding %q", binding)
			}
			if namespace != "sample" {
				t.Errorf("Unexpected namespace %q", namespace)
			}
			if operation != "hello" {
				t.Errorf("Unexpected operation %q", operation)
			}
			if string(payload) != "Simon" {
				t.Errorf("Unexpected payload %q", payload)
			}
			if id != hostID {
				t.Errorf("Unexpected module id %d, expected %d", id, hostID)
			}
			return []byte("Hello"), nil
		}

		host, err := wapc.New(ctx, newHostCallEngine("myBinding", "sample"), handler)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}
		hostID = host.ID()

		response, err := host.Call(ctx, "hello", []byte("Simon"))
		if err != nil {
			t.Errorf("Unexpected error when calling host callback - %s", err)
		}
		if string(response) != "Hello" {
			t.Errorf("Unexpected response, got %q", response)
		}
	})

	t.Run("Callback Error", func(t *testing.T) {
		handler := func(ctx context.Context, id uint64, binding, namespace, operation string, payload []byte) ([]byte, error) {
			return nil, errors.New("capability offline")
		}

		host, err := wapc.New(ctx, newHostCallEngine("", "sample"), handler)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		_, err = host.Call(ctx, "hello", []byte(""))
		if !errors.Is(err, wapc.ErrGuestCall) {
			t.Errorf("Expected guest call failure, got %v", err)
		}
		if !strings.Contains(err.Error(), "capability offline") {
			t.Errorf("Expected callback error message in %q", err.Error())
		}
	})

	t.Run("Missing Callback", func(t *testing.T) {
		host, err := wapc.New(ctx, newHostCallEngine("", "sample"), nil)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		_, err = host.Call(ctx, "hello", []byte(""))
		if err == nil || !strings.Contains(err.Error(), "Missing host callback function!") {
			t.Errorf("Expected missing callback message, got %v", err)
		}
	})
}

func TestSlotIsolation(t *testing.T) {
	// The slots observed at the start of a call reflect only the current invocation.
	calls := 0
	engine := &testEngine{
		callFn: func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
			if _, ok := state.GetGuestResponse(); ok {
				t.Errorf("Guest response leaked from previous call")
			}
			if _, ok := state.GetGuestError(); ok {
				t.Errorf("Guest error leaked from previous call")
			}
			if _, ok := state.GetHostResponse(); ok {
				t.Errorf("Host response leaked from previous call")
			}
			if _, ok := state.GetHostError(); ok {
				t.Errorf("Host error leaked from previous call")
			}
			calls++
			state.SetGuestResponse([]byte("done"))
			state.SetGuestError("noise")
			return 1, nil
		},
	}

	host, err := wapc.New(ctx, engine, wapc.NoOpHostCallHandler)
	if err != nil {
		t.Fatalf("Error creating host - %s", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := host.Call(ctx, "op", []byte("payload")); err != nil {
			t.Errorf("Unexpected error on call %d - %s", i, err)
		}
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestReplaceModule(t *testing.T) {
	t.Run("Replacement Preserves Identity", func(t *testing.T) {
		callbackCh := make(chan struct{}, 2)
		handler := func(ctx context.Context, id uint64, binding, namespace, operation string, payload []byte) ([]byte, error) {
			callbackCh <- struct{}{}
			return []byte(""), nil
		}

		engine := newHostCallEngine("", "testing")
		host, err := wapc.New(ctx, engine, handler)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}
		id := host.ID()

		if err := host.ReplaceModule(ctx, []byte("new module image")); err != nil {
			t.Fatalf("Unexpected error replacing module - %s", err)
		}
		if len(engine.replaced) != 1 {
			t.Errorf("Expected engine to receive replacement bytes")
		}
		if host.ID() != id {
			t.Errorf("Module id changed across replacement, got %d, expected %d", host.ID(), id)
		}

		// The installed host callback survives the swap.
		if _, err := host.Call(ctx, "echo", []byte("after swap")); err != nil {
			t.Errorf("Unexpected error calling after replacement - %s", err)
		}
		select {
		case <-callbackCh:
		default:
			t.Errorf("Host callback was not preserved across replacement")
		}
	})

	t.Run("Replacement Changes Behavior", func(t *testing.T) {
		// After a successful swap, the next call reflects the new module wholesale.
		engine := &testEngine{}
		engine.callFn = func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
			state.SetGuestResponse([]byte("module A"))
			return 1, nil
		}
		engine.replaceFn = func(code []byte) {
			engine.callFn = func(ctx context.Context, state *wapc.ModuleState, opLength, msgLength int32) (int32, error) {
				state.SetGuestResponse(append([]byte("module B: "), code...))
				return 1, nil
			}
		}

		host, err := wapc.New(ctx, engine, nil)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		response, err := host.Call(ctx, "which", []byte(""))
		if err != nil {
			t.Fatalf("Unexpected error before replacement - %s", err)
		}
		if string(response) != "module A" {
			t.Errorf("Unexpected response before replacement, got %q", response)
		}

		if err := host.ReplaceModule(ctx, []byte("image-b")); err != nil {
			t.Fatalf("Unexpected error replacing module - %s", err)
		}

		response, err = host.Call(ctx, "which", []byte(""))
		if err != nil {
			t.Fatalf("Unexpected error after replacement - %s", err)
		}
		if string(response) != "module B: image-b" {
			t.Errorf("Expected the replaced module's behavior, got %q", response)
		}
	})

	t.Run("Replacement Failure", func(t *testing.T) {
		engine := newEchoEngine()
		engine.replaceErr = errEngineFault
		host, err := wapc.New(ctx, engine, nil)
		if err != nil {
			t.Fatalf("Error creating host - %s", err)
		}

		err = host.ReplaceModule(ctx, []byte("bad image"))
		if !errors.Is(err, wapc.ErrReplacementFailed) {
			t.Errorf("Expected replacement failure, got %v", err)
		}
	})
}

func TestClose(t *testing.T) {
	engine := newEchoEngine()
	host, err := wapc.New(ctx, engine, nil)
	if err != nil {
		t.Fatalf("Error creating host - %s", err)
	}
	if err := host.Close(ctx); err != nil {
		t.Errorf("Unexpected error closing host - %s", err)
	}
	if !engine.closed {
		t.Errorf("Expected engine to be closed")
	}
}
