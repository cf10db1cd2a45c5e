package wapc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// moduleCounter issues process-wide module identifiers. The first Host created gets
// id 1.
var moduleCounter atomic.Uint64

func nextModuleID() uint64 {
	return moduleCounter.Add(1)
}

// ModuleState is essentially a handle passed to a runtime engine to allow it to read
// and write relevant data as different low-level functions are executed during a waPC
// conversation.
//
// A ModuleState may be observed concurrently through its lock, but writers complete in
// bounded work and the lock is never held across a callback invocation.
type ModuleState struct {
	mu sync.RWMutex

	guestRequest  *Invocation
	guestResponse []byte
	guestError    string
	hostResponse  []byte
	hostError     string

	guestResponseSet bool
	guestErrorSet    bool
	hostResponseSet  bool
	hostErrorSet     bool

	hostCallback HostCallHandler
	logger       Logger
	id           uint64
}

func newModuleState(hostCallback HostCallHandler, id uint64) *ModuleState {
	return &ModuleState{
		hostCallback: hostCallback,
		logger:       Println,
		id:           id,
	}
}

// ID returns the unique identifier of the module this state belongs to.
func (s *ModuleState) ID() uint64 {
	return s.id
}

// stageInvocation publishes the invocation for the next guest call and clears the four
// output slots. Clearing is atomic with respect to other accesses on the same state.
func (s *ModuleState) stageInvocation(operation string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guestRequest = &Invocation{Operation: operation, Msg: payload}
	s.guestResponse = nil
	s.guestResponseSet = false
	s.guestError = ""
	s.guestErrorSet = false
	s.hostResponse = nil
	s.hostResponseSet = false
	s.hostError = ""
	s.hostErrorSet = false
}

// GetGuestRequest retrieves the current guest request, if any.
func (s *ModuleState) GetGuestRequest() *Invocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guestRequest
}

// SetGuestResponse sets the response data from a guest call.
func (s *ModuleState) SetGuestResponse(response []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guestResponse = response
	s.guestResponseSet = true
}

// GetGuestResponse queries the value of the current guest response.
func (s *ModuleState) GetGuestResponse() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guestResponse, s.guestResponseSet
}

// SetGuestError records an error that occurred inside the execution of a guest call.
func (s *ModuleState) SetGuestError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guestError = message
	s.guestErrorSet = true
}

// GetGuestError queries the value of the current guest error.
func (s *ModuleState) GetGuestError() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.guestError, s.guestErrorSet
}

// GetHostResponse queries the value of the current host-call response.
func (s *ModuleState) GetHostResponse() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostResponse, s.hostResponseSet
}

// GetHostError queries the value of the current host-call error.
func (s *ModuleState) GetHostError() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostError, s.hostErrorSet
}

// DoHostCall is invoked when the guest module wishes to make a call on the host. It
// clears the host response and host error slots, invokes the installed callback, and
// stores exactly one of the two: the response on success (returning 1) or the rendered
// error on failure (returning 0). A missing callback is reported to the guest as an
// error.
func (s *ModuleState) DoHostCall(ctx context.Context, binding, namespace, operation string, payload []byte) int32 {
	s.mu.Lock()
	s.hostResponse = nil
	s.hostResponseSet = false
	s.hostError = ""
	s.hostErrorSet = false
	callback := s.hostCallback
	id := s.id
	s.mu.Unlock()

	var response []byte
	err := errors.New(missingCallbackMessage)
	if callback != nil {
		response, err = callback(ctx, id, binding, namespace, operation, payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.hostError = err.Error()
		s.hostErrorSet = true
		return 0
	}
	s.hostResponse = response
	s.hostResponseSet = true
	return 1
}

// DoConsoleLog attempts to log a message from the guest. There are no guarantees this
// will happen, and no error is reported to the guest if the host discards the message.
func (s *ModuleState) DoConsoleLog(msg string) {
	s.mu.RLock()
	logger := s.logger
	s.mu.RUnlock()
	if logger != nil {
		logger(msg)
	}
}

// SetLogger sets the logger used for __console_log messages.
func (s *ModuleState) SetLogger(logger Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}
