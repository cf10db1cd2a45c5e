package wapc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPoolName is the diagnostic label used when a HostPool is built without one.
	DefaultPoolName = "waPC host pool"
	// DefaultMinWorkers is the number of workers spawned eagerly at build time.
	DefaultMinWorkers = 1
	// DefaultMaxWorkers is the elastic ceiling on the worker count.
	DefaultMaxWorkers = 2
	// DefaultMaxWait is how long a submit waits before the pool grows.
	DefaultMaxWait = 100 * time.Millisecond
	// DefaultMaxIdle is the idle TTL for workers spawned beyond the minimum.
	DefaultMaxIdle = 5 * time.Minute
)

type (
	// HostPool converts the non-reentrant Host.Call into a concurrent service: at most
	// one active call per worker, at most maxWorkers workers. Each worker owns an
	// independent Host produced by the pool's factory; workers park on a bounded request
	// channel and self-terminate once idle beyond the minimum.
	//
	// The pool offers no cross-worker ordering guarantee. Within a single worker, calls
	// are serialized in arrival order.
	HostPool struct {
		name       string
		factory    HostFactory
		maxWorkers int
		maxWait    time.Duration
		maxIdle    time.Duration
		logger     *zap.Logger

		requests chan *poolRequest
		active   atomic.Int64

		mu   sync.Mutex
		done chan struct{}
		shut bool
	}

	poolRequest struct {
		reply     chan poolResult
		operation string
		payload   []byte
	}

	poolResult struct {
		msg []byte
		err error
	}

	// HostPoolBuilder assembles a HostPool.
	HostPoolBuilder struct {
		name       string
		factory    HostFactory
		minWorkers int
		maxWorkers int
		maxWait    time.Duration
		maxIdle    time.Duration
		logger     *zap.Logger
	}
)

// NewHostPoolBuilder instantiates a new HostPoolBuilder with default settings.
func NewHostPoolBuilder() *HostPoolBuilder {
	return &HostPoolBuilder{
		name:       DefaultPoolName,
		minWorkers: DefaultMinWorkers,
		maxWorkers: DefaultMaxWorkers,
		maxWait:    DefaultMaxWait,
		maxIdle:    DefaultMaxIdle,
		logger:     zap.NewNop(),
	}
}

// Name sets the diagnostic label for the pool.
func (b *HostPoolBuilder) Name(name string) *HostPoolBuilder {
	b.name = name
	return b
}

// Factory sets the Host generator function used when spawning new workers.
func (b *HostPoolBuilder) Factory(factory HostFactory) *HostPoolBuilder {
	b.factory = factory
	return b
}

// MinWorkers sets the base number of workers to spawn eagerly.
func (b *HostPoolBuilder) MinWorkers(min int) *HostPoolBuilder {
	b.minWorkers = min
	return b
}

// MaxWorkers sets the upper limit on the number of workers to spawn.
func (b *HostPoolBuilder) MaxWorkers(max int) *HostPoolBuilder {
	b.maxWorkers = max
	return b
}

// MaxWait sets the maximum amount of time a submit waits before spawning a new worker.
func (b *HostPoolBuilder) MaxWait(d time.Duration) *HostPoolBuilder {
	b.maxWait = d
	return b
}

// MaxIdle sets the timeout for workers beyond the minimum to self-close.
func (b *HostPoolBuilder) MaxIdle(d time.Duration) *HostPoolBuilder {
	b.maxIdle = d
	return b
}

// Logger sets the structured logger for pool lifecycle events.
func (b *HostPoolBuilder) Logger(logger *zap.Logger) *HostPoolBuilder {
	b.logger = logger
	return b
}

// Build assembles a HostPool with the current configuration and spawns the minimum
// number of workers.
func (b *HostPoolBuilder) Build() (*HostPool, error) {
	if b.factory == nil {
		return nil, fmt.Errorf("%w: a waPC host pool must have a factory function", ErrRequestFailed)
	}

	p := &HostPool{
		name:       b.name,
		factory:    b.factory,
		maxWorkers: b.maxWorkers,
		maxWait:    b.maxWait,
		maxIdle:    b.maxIdle,
		logger:     b.logger,
		requests:   make(chan *poolRequest, 1),
		done:       make(chan struct{}),
	}

	p.logger.Debug("creating new waPC host pool",
		zap.String("pool", p.name),
		zap.Int("min_workers", b.minWorkers),
		zap.Int("max_workers", b.maxWorkers))

	// Eager workers carry no idle timeout; only workers added by grow idle out, so the
	// count settles back to minWorkers after a burst.
	for i := 0; i < b.minWorkers; i++ {
		p.spawn(p.active.Add(1), 0)
	}

	return p, nil
}

// ActiveWorkers returns the current number of live workers.
func (p *HostPool) ActiveWorkers() int {
	return int(p.active.Load())
}

// grow reserves a worker slot and spawns into it, respecting the elastic ceiling. The
// reservation is a CAS so concurrent submitters cannot overshoot maxWorkers.
func (p *HostPool) grow() {
	for {
		n := p.active.Load()
		if int(n) >= p.maxWorkers {
			return
		}
		if p.active.CompareAndSwap(n, n+1) {
			p.spawn(n+1, p.maxIdle)
			return
		}
	}
}

// spawn starts one worker in an already-reserved slot. An idle timeout of zero means
// the worker parks forever.
func (p *HostPool) spawn(i int64, maxIdle time.Duration) {
	go func() {
		defer p.active.Add(-1)

		p.logger.Debug("host worker started", zap.String("pool", p.name), zap.Int64("worker", i))

		h, err := p.factory()
		if err != nil {
			p.logger.Error("host worker factory failed",
				zap.String("pool", p.name), zap.Int64("worker", i), zap.Error(err))
			return
		}
		defer h.Close(context.Background())

		for {
			var req *poolRequest
			if maxIdle > 0 {
				idle := time.NewTimer(maxIdle)
				select {
				case req = <-p.requests:
					idle.Stop()
				case <-p.done:
					idle.Stop()
					p.logger.Debug("host worker closing, pool shut down",
						zap.String("pool", p.name), zap.Int64("worker", i))
					return
				case <-idle.C:
					p.logger.Debug("host worker closing, idle timeout",
						zap.String("pool", p.name), zap.Int64("worker", i))
					return
				}
			} else {
				select {
				case req = <-p.requests:
				case <-p.done:
					p.logger.Debug("host worker closing, pool shut down",
						zap.String("pool", p.name), zap.Int64("worker", i))
					return
				}
			}

			result, err := h.Call(context.Background(), req.operation, req.payload)
			// The reply channel is buffered, so a cancelled caller is simply no
			// observer; the result is dropped on the floor.
			req.reply <- poolResult{msg: result, err: err}
		}
	}()
}

// Call submits an operation to one of the workers and waits for its reply. If no worker
// accepts the request within the pool's max wait and headroom remains, the pool grows by
// one worker before retrying the submit with no further timeout.
func (p *HostPool) Call(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	req := &poolRequest{
		reply:     make(chan poolResult, 1),
		operation: operation,
		payload:   payload,
	}

	select {
	case <-p.done:
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, ErrNoPool)
	default:
	}

	wait := time.NewTimer(p.maxWait)
	select {
	case p.requests <- req:
		wait.Stop()
	case <-p.done:
		wait.Stop()
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, ErrNoPool)
	case <-wait.C:
		p.logger.Debug("timeout on pool", zap.String("pool", p.name))
		p.grow()
		select {
		case p.requests <- req:
		case <-p.done:
			return nil, fmt.Errorf("%w: %w", ErrRequestFailed, ErrNoPool)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrRequestFailed, ctx.Err())
		}
	}

	select {
	case res := <-req.reply:
		return res.msg, res.err
	case <-ctx.Done():
		// The worker is not interrupted; it discovers the missing observer when it
		// replies. Bound runaway guests with engine deadlines instead.
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, ctx.Err())
	}
}

// Shutdown shuts down the host pool. Existing workers observe the closure and exit
// cleanly. Shutting down twice returns ErrNoPool.
func (p *HostPool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return ErrNoPool
	}
	p.shut = true
	close(p.done)
	p.logger.Debug("waPC host pool shut down", zap.String("pool", p.name))
	return nil
}
