/*
Package callbacks provides a host-call router for waPC hosts.

When a host initiates a waPC runtime, it can register a single function to handle the
calls guests make back into the host. The callbacks package provides a router that can
be registered as that function: it routes each host call to a registered callback based
on the binding, namespace, and operation specified by the guest, letting hosts extend
many different capabilities to guest modules behind one handler.
*/
package callbacks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCanceled is returned when the callback context is canceled or expired.
	//
	// Context is checked before calling the callback function. If the context is
	// canceled or expired, the router will return this error and not execute the
	// callback function.
	ErrCanceled = errors.New("context canceled or expired")

	// ErrNotFound is returned when no callback is registered for the requested
	// binding, namespace, and operation.
	//
	// The router will not execute any PreFunc or PostFunc functions if the callback
	// function is not found.
	ErrNotFound = errors.New("callback not found")

	// ErrCallbackExists is returned when the callback already exists.
	ErrCallbackExists = errors.New("callback already exists")

	// ErrInvalidNamespace is returned when a callback config has an empty namespace.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrInvalidOperation is returned when a callback config has an empty operation.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrInvalidFunc is returned when a callback config has a nil function.
	ErrInvalidFunc = errors.New("invalid func cannot be nil")
)

// RouterConfig is a configuration struct used to create a new Router instance.
type RouterConfig struct {
	// PreFunc is a user-defined function registered to a router instance and called
	// before callback function execution.
	//
	// This function aims to enable middleware-like functionality for the callback
	// router. Users can use PreFunc for logging, metrics, or any security-based
	// validations that should be executed and checked before calling the registered
	// callback.
	//
	// If the PreFunc function returns an error, the router will return the error and
	// response payload to the caller and abandon any attempt to call the registered
	// callback function.
	PreFunc func(CallbackRequest) ([]byte, error)

	// PostFunc is a user-defined function registered to a router instance and called
	// after callback function execution.
	//
	// Users can use PostFunc for logging, metrics, or any post-callback validations.
	PostFunc func(CallbackResult)
}

// Router routes guest host calls to registered callback functions by binding,
// namespace, and operation.
type Router struct {
	sync.RWMutex

	// callbacks is a map of registered callbacks. The key is a string of the form
	// binding:namespace:operation.
	callbacks map[string]*Callback

	preFunc  func(CallbackRequest) ([]byte, error)
	postFunc func(CallbackResult)
}

// CallbackConfig registers a single callback function with a router.
type CallbackConfig struct {
	// Binding is the guest-specified binding this callback serves. An empty binding is
	// valid; guests commonly leave it blank.
	Binding string

	// Namespace is the guest-specified namespace this callback serves.
	Namespace string

	// Operation is the guest-specified operation this callback serves.
	Operation string

	// Func is the callback function itself.
	Func func(ctx context.Context, moduleID uint64, payload []byte) ([]byte, error)
}

// Validate checks a CallbackConfig for required fields.
func (c CallbackConfig) Validate() error {
	if c.Namespace == "" {
		return ErrInvalidNamespace
	}
	if c.Operation == "" {
		return ErrInvalidOperation
	}
	if c.Func == nil {
		return ErrInvalidFunc
	}
	return nil
}

// Callback is a registered callback function with its routing key fields.
type Callback struct {
	Binding   string
	Namespace string
	Operation string
	Func      func(ctx context.Context, moduleID uint64, payload []byte) ([]byte, error)
}

// CallbackRequest describes a host call before execution.
type CallbackRequest struct {
	ModuleID  uint64
	Binding   string
	Namespace string
	Operation string
	Input     []byte
	StartTime time.Time
}

// CallbackResult describes a completed host call.
type CallbackResult struct {
	ModuleID  uint64
	Binding   string
	Namespace string
	Operation string
	Input     []byte
	Output    []byte
	Err       error
	StartTime time.Time
	EndTime   time.Time
}

// New creates a new Router instance.
func New(cfg RouterConfig) (*Router, error) {
	r := &Router{
		callbacks: make(map[string]*Callback),
		preFunc:   cfg.PreFunc,
		postFunc:  cfg.PostFunc,
	}
	return r, nil
}

// Close clears the router's callback map and shuts down the router.
func (r *Router) Close() {
	r.Lock()
	defer r.Unlock()
	r.callbacks = make(map[string]*Callback)
}

// RegisterCallback adds a callback to the router. If the callback already exists, an
// error is returned.
func (r *Router) RegisterCallback(cfg CallbackConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if _, err := r.Lookup(cfg.Binding, cfg.Namespace, cfg.Operation); err == nil {
		return ErrCallbackExists
	}

	r.Lock()
	defer r.Unlock()
	r.callbacks[key(cfg.Binding, cfg.Namespace, cfg.Operation)] = &Callback{
		Binding:   cfg.Binding,
		Namespace: cfg.Namespace,
		Operation: cfg.Operation,
		Func:      cfg.Func,
	}
	return nil
}

// UnregisterCallback removes a callback from the router. If the callback does not
// exist, no error is returned.
func (r *Router) UnregisterCallback(cfg CallbackConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()
	delete(r.callbacks, key(cfg.Binding, cfg.Namespace, cfg.Operation))
	return nil
}

// HostCall routes a guest host call to the registered callback. Its signature matches
// the waPC host-callback contract, so a router can be handed directly to wapc.New.
//
// If a PreFunc is defined, HostCall executes it before the identified callback. After
// execution, HostCall calls any PostFunc defined.
func (r *Router) HostCall(ctx context.Context, id uint64, binding, namespace, operation string, payload []byte) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ErrCanceled
	}

	req := CallbackRequest{
		ModuleID:  id,
		Binding:   binding,
		Namespace: namespace,
		Operation: operation,
		Input:     payload,
		StartTime: time.Now(),
	}

	r.RLock()
	defer r.RUnlock()

	cb, ok := r.callbacks[key(binding, namespace, operation)]
	if !ok {
		return nil, ErrNotFound
	}

	if r.preFunc != nil {
		rsp, err := r.preFunc(req)
		if err != nil {
			return rsp, err
		}
	}

	output, err := cb.Func(ctx, id, payload)

	if r.postFunc != nil {
		go r.postFunc(CallbackResult{
			ModuleID:  id,
			Binding:   binding,
			Namespace: namespace,
			Operation: operation,
			Input:     payload,
			Output:    output,
			Err:       err,
			StartTime: req.StartTime,
			EndTime:   time.Now(),
		})
	}

	return output, err
}

// Lookup returns a copy of the callback registered for the given binding, namespace,
// and operation. If the callback function is not found, Lookup returns ErrNotFound.
func (r *Router) Lookup(binding, namespace, operation string) (Callback, error) {
	r.RLock()
	defer r.RUnlock()

	if cb, ok := r.callbacks[key(binding, namespace, operation)]; ok {
		return Callback{
			Binding:   cb.Binding,
			Namespace: cb.Namespace,
			Operation: cb.Operation,
			Func:      cb.Func,
		}, nil
	}
	return Callback{}, ErrNotFound
}

func key(binding, namespace, operation string) string {
	return fmt.Sprintf("%s:%s:%s", binding, namespace, operation)
}
