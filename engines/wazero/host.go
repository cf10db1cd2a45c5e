package wazero

import (
	"context"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	wapc "github.com/wapc/wapc-host-go"
)

// moduleStateKey carries the *wapc.ModuleState of the current conversation through the
// call context. The host modules below are instantiated once per runtime and shared by
// every instance rehydrated from the same pre, so per-call state cannot live in them.
type moduleStateKey struct{}

func withModuleState(ctx context.Context, state *wapc.ModuleState) context.Context {
	return context.WithValue(ctx, moduleStateKey{}, state)
}

// fromModuleState returns the bound state or nil if there was none. It is never nil on
// any path that goes through EngineProvider.
func fromModuleState(ctx context.Context) *wapc.ModuleState {
	state, _ := ctx.Value(moduleStateKey{}).(*wapc.ModuleState)
	return state
}

// instantiateWapcHost builds the "wapc" import namespace with the full protocol table.
func instantiateWapcHost(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	return r.NewHostModuleBuilder(wapc.HostModule).
		NewFunctionBuilder().WithFunc(hostCall).Export(wapc.FunctionHostCall).
		NewFunctionBuilder().WithFunc(consoleLog).Export(wapc.FunctionConsoleLog).
		NewFunctionBuilder().WithFunc(guestRequest).Export(wapc.FunctionGuestRequest).
		NewFunctionBuilder().WithFunc(hostResponse).Export(wapc.FunctionHostResponse).
		NewFunctionBuilder().WithFunc(hostResponseLen).Export(wapc.FunctionHostResponseLen).
		NewFunctionBuilder().WithFunc(guestResponse).Export(wapc.FunctionGuestResponse).
		NewFunctionBuilder().WithFunc(guestError).Export(wapc.FunctionGuestError).
		NewFunctionBuilder().WithFunc(hostError).Export(wapc.FunctionHostError).
		NewFunctionBuilder().WithFunc(hostErrorLen).Export(wapc.FunctionHostErrorLen).
		Instantiate(ctx)
}

// hostCall implements __host_call: the guest requests a host callback using parameters
// read from linear memory; 1 means success, 0 failure.
func hostCall(ctx context.Context, m api.Module, bindPtr, bindLen, nsPtr, nsLen, opPtr, opLen, payloadPtr, payloadLen uint32) int32 {
	state := fromModuleState(ctx)
	if state == nil {
		return 0
	}

	mem := m.Memory()
	binding := requireReadString(mem, "binding", bindPtr, bindLen)
	namespace := requireReadString(mem, "namespace", nsPtr, nsLen)
	operation := requireReadString(mem, "operation", opPtr, opLen)
	payload := requireRead(mem, "payload", payloadPtr, payloadLen)

	return state.DoHostCall(ctx, binding, namespace, operation, payload)
}

// consoleLog implements __console_log: best-effort, no reply, no error path.
func consoleLog(ctx context.Context, m api.Module, ptr, len uint32) {
	if state := fromModuleState(ctx); state != nil {
		state.DoConsoleLog(requireReadString(m.Memory(), "msg", ptr, len))
	}
}

// guestRequest implements __guest_request: the host writes the staged operation and
// payload at the offsets the guest pre-allocated.
func guestRequest(ctx context.Context, m api.Module, opPtr, ptr uint32) {
	state := fromModuleState(ctx)
	if state == nil {
		return
	}
	invocation := state.GetGuestRequest()
	if invocation == nil {
		return
	}

	mem := m.Memory()
	if invocation.Operation != "" {
		requireWrite(mem, "operation", opPtr, []byte(invocation.Operation))
	}
	if invocation.Msg != nil {
		requireWrite(mem, "msg", ptr, invocation.Msg)
	}
}

// guestResponse implements __guest_response: the guest publishes its response bytes.
func guestResponse(ctx context.Context, m api.Module, ptr, len uint32) {
	if state := fromModuleState(ctx); state != nil {
		state.SetGuestResponse(requireRead(m.Memory(), "guestResponse", ptr, len))
	}
}

// guestError implements __guest_error: the guest publishes an error message.
func guestError(ctx context.Context, m api.Module, ptr, len uint32) {
	if state := fromModuleState(ctx); state != nil {
		state.SetGuestError(requireReadString(m.Memory(), "guestError", ptr, len))
	}
}

// hostResponse implements __host_response: the host writes the pending callback
// response at the given offset.
func hostResponse(ctx context.Context, m api.Module, ptr uint32) {
	if state := fromModuleState(ctx); state != nil {
		if response, ok := state.GetHostResponse(); ok && response != nil {
			requireWrite(m.Memory(), "hostResponse", ptr, response)
		}
	}
}

// hostResponseLen implements __host_response_len.
func hostResponseLen(ctx context.Context, m api.Module) uint32 {
	if state := fromModuleState(ctx); state != nil {
		if response, ok := state.GetHostResponse(); ok {
			return uint32(len(response))
		}
	}
	return 0
}

// hostError implements __host_error: the host writes the pending callback error bytes.
func hostError(ctx context.Context, m api.Module, ptr uint32) {
	if state := fromModuleState(ctx); state != nil {
		if message, ok := state.GetHostError(); ok && message != "" {
			requireWrite(m.Memory(), "hostError", ptr, []byte(message))
		}
	}
}

// hostErrorLen implements __host_error_len.
func hostErrorLen(ctx context.Context, m api.Module) uint32 {
	if state := fromModuleState(ctx); state != nil {
		if message, ok := state.GetHostError(); ok {
			return uint32(len(message))
		}
	}
	return 0
}

// instantiateAssemblyScript satisfies the "env" "abort" import emitted by
// AssemblyScript guests that did not target WASI. Only proc_exit(255) is emulated.
func instantiateAssemblyScript(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	return r.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, messageOffset, fileNameOffset, line, col uint32) {
			_ = m.CloseWithExitCode(ctx, 255)
		}).
		Export("abort").
		Instantiate(ctx)
}

// instantiateWasiUnstable satisfies guests built against the legacy "wasi_unstable"
// namespace. Only fd_write to standard out is supported; everything the guest writes
// there lands on the configured writer.
func instantiateWasiUnstable(ctx context.Context, r wazero.Runtime, writer io.Writer) (api.Module, error) {
	const (
		errnoSuccess = 0
		errnoBadf    = 8
	)
	return r.NewHostModuleBuilder("wasi_unstable").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, fd, iovs, iovsLen, resultNwritten uint32) uint32 {
			if fd != 1 {
				return errnoBadf
			}
			mem := m.Memory()
			written := uint32(0)
			for i := uint32(0); i < iovsLen; i++ {
				base, ok := mem.ReadUint32Le(iovs + i*8)
				if !ok {
					return errnoBadf
				}
				length, ok := mem.ReadUint32Le(iovs + i*8 + 4)
				if !ok {
					return errnoBadf
				}
				buf := requireRead(mem, "iovec", base, length)
				if _, err := writer.Write(buf); err != nil {
					return errnoBadf
				}
				written += length
			}
			if !mem.WriteUint32Le(resultNwritten, written) {
				return errnoBadf
			}
			return errnoSuccess
		}).
		Export("fd_write").
		Instantiate(ctx)
}

// requireReadString is a convenience function that casts requireRead.
func requireReadString(mem api.Memory, fieldName string, offset, byteCount uint32) string {
	return string(requireRead(mem, fieldName, offset, byteCount))
}

// requireRead is like api.Memory.Read except that it panics if the offset and byteCount
// are out of range. The panic surfaces as a trap on the in-flight call.
func requireRead(mem api.Memory, fieldName string, offset, byteCount uint32) []byte {
	buf, ok := mem.Read(offset, byteCount)
	if !ok {
		panic(fmt.Errorf("out of range reading %s", fieldName))
	}
	return buf
}

// requireWrite is like api.Memory.Write except that it panics on a bounds violation.
func requireWrite(mem api.Memory, fieldName string, offset uint32, b []byte) {
	if !mem.Write(offset, b) {
		panic(fmt.Errorf("out of range writing %s", fieldName))
	}
}
