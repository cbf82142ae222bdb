package resolver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrostrun/execengine/pkg/types"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Count())

	err := r.Register("t1", Entry{
		Handler:      func(ctx context.Context, p map[string]interface{}) (interface{}, error) { return "ok", nil },
		DeclaredKind: types.KindTool,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())
	assert.True(t, r.IsRegistered("t1"))

	err = r.Register("t1", Entry{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	meta, ok := r.Resolve("t1")
	require.True(t, ok)
	assert.Equal(t, types.KindTool, meta.DeclaredKind)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("t1", Entry{Handler: noop}))
	r.Unregister("t1")
	assert.False(t, r.IsRegistered("t1"))
	r.Unregister("does-not-exist") // must not panic
}

func TestRegistry_InvokeUnknownTarget(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestRegistry_InvokePropagatesHandlerError(t *testing.T) {
	r := NewRegistry()
	want := errors.New("boom")
	require.NoError(t, r.Register("t1", Entry{
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) { return nil, want },
	}))

	_, err := r.Invoke(context.Background(), "t1", nil)
	assert.Equal(t, want, err)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	done := make(chan struct{})

	go func() {
		for i := 0; i < 20; i++ {
			r.Register(fmt.Sprintf("t%d", i), Entry{Handler: noop})
		}
		close(done)
	}()

	for i := 0; i < 20; i++ {
		r.Count()
		r.RegisteredTargets()
	}
	<-done
	assert.Equal(t, 20, r.Count())
}

func noop(ctx context.Context, p map[string]interface{}) (interface{}, error) { return nil, nil }

func TestRegistry_ValidateParams_UnregisteredTarget(t *testing.T) {
	r := NewRegistry()
	ok, err := r.ValidateParams("missing", nil)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestRegistry_ValidateParams_NilValidateAcceptsAnyShape(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("t1", Entry{Handler: noop}))

	ok, err := r.ValidateParams("t1", map[string]interface{}{"anything": true})
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestRegistry_ValidateParams_RunsDeclaredSchemaCheck(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("t1", Entry{
		Handler: noop,
		Validate: func(params map[string]interface{}) error {
			if _, ok := params["x"]; !ok {
				return errors.New("missing x")
			}
			return nil
		},
	}))

	ok, err := r.ValidateParams("t1", nil)
	assert.True(t, ok)
	assert.Error(t, err)

	ok, err = r.ValidateParams("t1", map[string]interface{}{"x": 1})
	assert.True(t, ok)
	assert.NoError(t, err)
}
