/*
Package server provides a simplified interface for loading and executing waPC guest
modules.

The server loads guest WebAssembly modules by name, keeps a pool of host runtimes per
module, and exposes the exported operations of each module through a single Run call.
Use this package if you have a Go application and want to enable extended functionality
via WebAssembly - stored procedures, serverless functions, or language-agnostic plugins.

Usage:

	srv, err := server.New(server.Config{
		Callback: router.HostCall,
	})
	if err != nil {
		// do something
	}

	err = srv.LoadModule(server.ModuleConfig{
		Name:     "my-guest-module",
		Filepath: "./my-guest-module.wasm",
	})
	if err != nil {
		// do something
	}

	m, err := srv.Module("my-guest-module")
	if err != nil {
		// do something
	}

	rsp, err := m.Run("Hello", []byte("world"))
	if err != nil {
		// do something
	}
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	wapc "github.com/wapc/wapc-host-go"
	"github.com/wapc/wapc-host-go/engines/wazero"
)

var (
	// ErrModuleNotFound is returned when a module is not found.
	ErrModuleNotFound = errors.New("module not found")

	// ErrCallbackNil is returned when the callback function is nil.
	ErrCallbackNil = errors.New("callback cannot be nil")
)

// Config is used to configure the initial Server.
type Config struct {
	// Callback is a user-defined function that is called when waPC guests use the
	// host-call function. Host calls enable waPC guests to perform a callback to the
	// host application; this capability allows a host to expose functionality to a
	// guest via the waPC protocol.
	Callback wapc.HostCallHandler

	// Logger receives structured lifecycle events. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Server provides the ability to load and execute waPC guest modules.
type Server struct {
	sync.RWMutex

	callback wapc.HostCallHandler
	logger   *zap.Logger

	// modules is a map for storing and fetching modules that have already been loaded.
	modules map[string]*Module
}

// New creates a new waPC Server. Once the Server is created, users can load waPC guest
// modules and execute their exported operations.
func New(cfg Config) (*Server, error) {
	s := &Server{
		modules: make(map[string]*Module),
		logger:  cfg.Logger,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	if cfg.Callback == nil {
		return s, ErrCallbackNil
	}
	s.callback = cfg.Callback

	return s, nil
}

// Close shuts down the server and cleans up any loaded modules, including their pools.
func (s *Server) Close() {
	s.Lock()
	defer s.Unlock()
	for name, m := range s.modules {
		m.pool.Close(m.ctx)
		m.pre.Close(m.ctx)
		m.cancel()
		delete(s.modules, name)
	}
}

// LoadModule fetches the WebAssembly module specified by the user-provided ModuleConfig
// and initializes a pool of host runtimes for it.
//
// Once a module is loaded, users can fetch it from the Server and call its exported
// operations.
func (s *Server) LoadModule(cfg ModuleConfig) error {
	if cfg.Name == "" || cfg.Filepath == "" {
		return fmt.Errorf("%w: name and filepath cannot be empty", ErrInvalidModuleConfig)
	}

	m := &Module{
		Name:   cfg.Name,
		logger: s.logger,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.poolSize = uint64(DefaultPoolSize)
	if cfg.PoolSize > 0 {
		m.poolSize = uint64(cfg.PoolSize)
	}

	guest, err := os.ReadFile(cfg.Filepath)
	if err != nil {
		m.cancel()
		return fmt.Errorf("unable to read wasm module file: %w", err)
	}

	// Compile and link once; every pooled host gets a cheap rehydrated instance.
	m.pre, err = wazero.NewBuilder().
		WithModuleBytes(guest).
		WithStdout(os.Stdout).
		WithStderr(os.Stderr).
		BuildPre(m.ctx)
	if err != nil {
		m.cancel()
		return fmt.Errorf("unable to load module with wasm file %s: %w", cfg.Filepath, err)
	}

	m.pool, err = wapc.NewPool(m.ctx, func() (*wapc.Host, error) {
		return wapc.New(m.ctx, m.pre.Rehydrate(), s.callback)
	}, m.poolSize)
	if err != nil {
		m.pre.Close(m.ctx)
		m.cancel()
		return fmt.Errorf("unable to create host pool for wasm file %s: %w", cfg.Filepath, err)
	}

	s.logger.Info("loaded wasm module",
		zap.String("module", cfg.Name),
		zap.String("filepath", cfg.Filepath),
		zap.Uint64("pool_size", m.poolSize))

	s.Lock()
	defer s.Unlock()
	s.modules[m.Name] = m

	return nil
}

// Module returns the named module. If the module is not found, ErrModuleNotFound is
// returned.
func (s *Server) Module(name string) (*Module, error) {
	s.RLock()
	defer s.RUnlock()
	if m, ok := s.modules[name]; ok {
		return m, nil
	}
	return &Module{}, ErrModuleNotFound
}
