package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	wapc "github.com/wapc/wapc-host-go"
	"github.com/wapc/wapc-host-go/engines/wazero"
)

// ErrInvalidModuleConfig is returned when a ModuleConfig is invalid.
var ErrInvalidModuleConfig = errors.New("invalid module config")

const (
	// DefaultPoolSize is the default host pool size per module.
	DefaultPoolSize = 100

	// DefaultPoolTimeout is how long Run waits for a free host.
	DefaultPoolTimeout = 5 * time.Second
)

// ModuleConfig is used to configure WebAssembly modules for the Server to load and
// ready for execution.
type ModuleConfig struct {
	// Name is the name of the module, used as a lookup key by the server.
	Name string

	// Filepath is the path to load the .wasm module file from the file system.
	Filepath string

	// PoolSize controls the size of the module's host pool. For each invocation of
	// Run, a host is taken from the pool and re-added upon completion. The pool size
	// should be large enough to support concurrent executions of module operations.
	//
	// If PoolSize is not provided, DefaultPoolSize is used.
	PoolSize int
}

// Module is a guest WebAssembly module loaded via the Server. Each module exposes
// operations callable via the Run method, served by a pool of hosts.
type Module struct {
	// Name is the name of the module, used as a lookup key by the server.
	Name string

	ctx    context.Context
	cancel context.CancelFunc

	pre      *wazero.EngineProviderPre
	pool     *wapc.Pool
	poolSize uint64

	logger *zap.Logger
}

// Run executes the named operation within the guest module, passing it the supplied
// payload, and returns the guest's response.
func (m *Module) Run(operation string, payload []byte) ([]byte, error) {
	if m.pool == nil {
		return nil, ErrModuleNotFound
	}

	h, err := m.pool.Get(DefaultPoolTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch host from pool: %w", err)
	}
	defer func() {
		if err := m.pool.Return(h); err != nil {
			m.logger.Warn("unable to return host to pool",
				zap.String("module", m.Name), zap.Error(err))
		}
	}()

	return h.Call(m.ctx, operation, payload)
}
