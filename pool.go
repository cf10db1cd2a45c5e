package wapc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

type (
	// Pool is a fixed-size pool of Hosts fronted by a ring buffer. It is the cheap
	// alternative to HostPool when the level of concurrency is known up front: callers
	// Get a host, invoke it, and Return it.
	Pool struct {
		rb    *queue.RingBuffer
		hosts []*Host
	}

	// HostFactory produces a fresh Host backed by an independent engine instance.
	HostFactory func() (*Host, error)

	// HostInitialize is an optional hook run against each Host as the pool fills.
	HostInitialize func(h *Host) error
)

// NewPool builds a pool containing size Hosts produced by the factory.
func NewPool(ctx context.Context, factory HostFactory, size uint64, initializer ...HostInitialize) (*Pool, error) {
	var initialize HostInitialize
	if len(initializer) > 0 {
		initialize = initializer[0]
	}
	rb := queue.NewRingBuffer(size)
	hosts := make([]*Host, size)
	for i := uint64(0); i < size; i++ {
		h, err := factory()
		if err != nil {
			return nil, err
		}

		if initialize != nil {
			if err = initialize(h); err != nil {
				return nil, fmt.Errorf("could not initialize host: %w", err)
			}
		}

		ok, err := rb.Offer(h)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("could not add host %d to pool of size %d", i, size)
		}

		hosts[i] = h
	}

	return &Pool{
		rb:    rb,
		hosts: hosts,
	}, nil
}

// Get returns a Host from the pool if one can be retrieved within the passed timeout
// window, if not it returns an error.
func (p *Pool) Get(timeout time.Duration) (*Host, error) {
	hostIface, err := p.rb.Poll(timeout)
	if err != nil {
		return nil, fmt.Errorf("get from pool timed out: %w", err)
	}

	h, ok := hostIface.(*Host)
	if !ok {
		return nil, errors.New("item retrieved from pool is not a host")
	}

	return h, nil
}

// Return takes a Host and adds it back to the pool. This should only be called with a
// Host previously obtained from Get.
func (p *Pool) Return(h *Host) error {
	ok, err := p.rb.Offer(h)
	if err != nil {
		return err
	}

	if !ok {
		return errors.New("cannot return host to full pool")
	}

	return nil
}

// Close closes down all the Hosts contained by the pool.
func (p *Pool) Close(ctx context.Context) {
	p.rb.Dispose()

	for _, h := range p.hosts {
		_ = h.Close(ctx)
	}
}
