package action_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/action"
)

func TestExecute(t *testing.T) {
	t.Parallel()
	d := action.NewDispatcher()
	require.NoError(t, d.Register("task", "complete", "crm", func(_ context.Context, actx *action.Context) (any, error) {
		return map[string]any{"id": actx.ID, "status": "done", "by": actx.User.ID}, nil
	}))

	result, err := d.Execute(context.Background(), &action.Context{
		Object: "task",
		Action: "complete",
		ID:     "t1",
		User:   &tabula.User{ID: "u1"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "t1", "status": "done", "by": "u1"}, result)
}

func TestExecuteUnknownAction(t *testing.T) {
	t.Parallel()
	d := action.NewDispatcher()
	_, err := d.Execute(context.Background(), &action.Context{Object: "task", Action: "nope"})
	require.ErrorIs(t, err, action.ErrActionNotFound)
	assert.True(t, tabula.IsNotFound(err))
	assert.Contains(t, err.Error(), "task:nope")
}

func TestExecutePropagatesHandlerError(t *testing.T) {
	t.Parallel()
	d := action.NewDispatcher()
	boom := errors.New("boom")
	require.NoError(t, d.Register("task", "explode", "crm", func(context.Context, *action.Context) (any, error) {
		return nil, boom
	}))
	_, err := d.Execute(context.Background(), &action.Context{Object: "task", Action: "explode"})
	require.ErrorIs(t, err, boom)
}

func TestRegisterReplacesAndValidates(t *testing.T) {
	t.Parallel()
	d := action.NewDispatcher()
	require.NoError(t, d.Register("task", "complete", "crm", func(context.Context, *action.Context) (any, error) {
		return "first", nil
	}))
	require.NoError(t, d.Register("task", "complete", "crm_ext", func(context.Context, *action.Context) (any, error) {
		return "second", nil
	}))
	result, err := d.Execute(context.Background(), &action.Context{Object: "task", Action: "complete"})
	require.NoError(t, err)
	assert.Equal(t, "second", result)

	require.Error(t, d.Register("", "complete", "crm", nil))
	require.Error(t, d.Register("task", "x", "crm", nil))
}

func TestListAndRemovePackage(t *testing.T) {
	t.Parallel()
	d := action.NewDispatcher()
	require.NoError(t, d.Register("task", "complete", "crm", func(context.Context, *action.Context) (any, error) { return nil, nil }))
	require.NoError(t, d.Register("deal", "win", "crm", func(context.Context, *action.Context) (any, error) { return nil, nil }))
	require.NoError(t, d.Register("task", "archive", "core", func(context.Context, *action.Context) (any, error) { return nil, nil }))

	assert.Equal(t, []string{"deal:win", "task:archive", "task:complete"}, d.List())
	assert.True(t, d.Has("task", "archive"))

	assert.Equal(t, 2, d.RemovePackage("crm"))
	assert.Equal(t, []string{"task:archive"}, d.List())
	assert.False(t, d.Has("deal", "win"))
}
