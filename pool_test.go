package wapc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wapc "github.com/wapc/wapc-host-go"
)

func TestPool(t *testing.T) {
	ctx := context.Background()

	factory := func() (*wapc.Host, error) {
		return wapc.New(ctx, newEchoEngine(), wapc.NoOpHostCallHandler)
	}

	pool, err := wapc.NewPool(ctx, factory, 10)
	require.NoError(t, err)
	defer pool.Close(ctx)

	for i := 0; i < 100; i++ {
		host, err := pool.Get(10 * time.Millisecond)
		require.NoError(t, err)

		result, err := host.Call(ctx, "echo", []byte("waPC"))
		require.NoError(t, err)

		assert.Equal(t, "waPC", string(result))
		err = pool.Return(host)
		require.NoError(t, err)
	}
}

func TestPoolInitializer(t *testing.T) {
	ctx := context.Background()

	initialized := 0
	factory := func() (*wapc.Host, error) {
		return wapc.New(ctx, newEchoEngine(), wapc.NoOpHostCallHandler)
	}
	pool, err := wapc.NewPool(ctx, factory, 3, func(h *wapc.Host) error {
		initialized++
		h.SetLogger(wapc.Println)
		return nil
	})
	require.NoError(t, err)
	defer pool.Close(ctx)

	assert.Equal(t, 3, initialized)
}

func TestPoolFactoryError(t *testing.T) {
	ctx := context.Background()

	factory := func() (*wapc.Host, error) {
		return wapc.New(ctx, &testEngine{initErr: errEngineFault}, nil)
	}
	_, err := wapc.NewPool(ctx, factory, 2)
	require.Error(t, err)
}

func TestPoolGetTimeout(t *testing.T) {
	ctx := context.Background()

	factory := func() (*wapc.Host, error) {
		return wapc.New(ctx, newEchoEngine(), nil)
	}
	pool, err := wapc.NewPool(ctx, factory, 1)
	require.NoError(t, err)
	defer pool.Close(ctx)

	host, err := pool.Get(10 * time.Millisecond)
	require.NoError(t, err)

	// The pool is drained; Get must time out.
	_, err = pool.Get(10 * time.Millisecond)
	assert.Error(t, err)

	require.NoError(t, pool.Return(host))
}
