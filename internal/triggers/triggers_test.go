package triggers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/internal/auth"
	"github.com/objectstack/objectstack/pkg/object"
)

func TestMaybeRun(t *testing.T) {
	ctx := context.Background()

	t.Run("no_hook_registered", func(t *testing.T) {
		r := NewRegistry()
		replacement, err := r.MaybeRun(ctx, BeforeSave, "Game", auth.Nobody(), object.Object{"a": 1}, nil)
		require.NoError(t, err)
		require.Nil(t, replacement)
	})

	t.Run("hook_replaces_payload", func(t *testing.T) {
		r := NewRegistry()
		r.Register(BeforeSave, "Game", func(_ context.Context, _ *auth.Identity, updated, original object.Object) (object.Object, error) {
			require.Nil(t, original)
			out := updated.Copy()
			out["checked"] = true
			return out, nil
		})

		replacement, err := r.MaybeRun(ctx, BeforeSave, "Game", auth.Nobody(), object.Object{"a": 1}, nil)
		require.NoError(t, err)
		require.Equal(t, object.Object{"a": 1, "checked": true}, replacement)
	})

	t.Run("hook_errors_propagate", func(t *testing.T) {
		r := NewRegistry()
		wantErr := errors.New("rejected")
		r.Register(BeforeSave, "Game", func(context.Context, *auth.Identity, object.Object, object.Object) (object.Object, error) {
			return nil, wantErr
		})

		_, err := r.MaybeRun(ctx, BeforeSave, "Game", auth.Nobody(), object.Object{}, nil)
		require.ErrorIs(t, err, wantErr)
	})

	t.Run("hooks_are_scoped_to_class_and_kind", func(t *testing.T) {
		r := NewRegistry()
		r.Register(BeforeSave, "Game", func(context.Context, *auth.Identity, object.Object, object.Object) (object.Object, error) {
			return object.Object{"hit": true}, nil
		})

		replacement, err := r.MaybeRun(ctx, BeforeSave, "Other", auth.Nobody(), object.Object{}, nil)
		require.NoError(t, err)
		require.Nil(t, replacement)

		replacement, err = r.MaybeRun(ctx, AfterSave, "Game", auth.Nobody(), object.Object{}, nil)
		require.NoError(t, err)
		require.Nil(t, replacement)
	})
}
