package installations

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/pkg/object"
	serverErrors "github.com/objectstack/objectstack/pkg/server/errors"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/storage/memory"
)

func seedInstallation(t *testing.T, store storage.Datastore, doc object.Object) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), object.ClassInstallation, doc))
}

func listInstallations(t *testing.T, store storage.Datastore) []object.Object {
	t.Helper()
	docs, err := store.Find(context.Background(), object.ClassInstallation,
		storage.Filter{}, storage.FindOptions{Limit: -1})
	require.NoError(t, err)
	return docs
}

func TestReconcileValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		payload  object.Object
		targetID string
		wantCode int32
	}{
		{
			name:     "create_requires_an_id_field",
			payload:  object.Object{"deviceType": "ios"},
			wantCode: serverErrors.CodeMissingDeviceField,
		},
		{
			name:     "create_requires_device_type",
			payload:  object.Object{"installationId": "abc"},
			wantCode: serverErrors.CodeMissingDeviceField,
		},
		{
			name:     "android_may_not_carry_device_token",
			payload:  object.Object{"deviceType": "android", "deviceToken": "tok"},
			wantCode: serverErrors.CodeInvalidDeviceToken,
		},
		{
			name:     "update_of_missing_object_fails",
			payload:  object.Object{"badge": 1},
			targetID: "nope",
			wantCode: serverErrors.CodeObjectNotFound,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := NewReconciler(memory.New())
			_, _, err := r.Reconcile(ctx, test.payload, test.targetID)
			require.Equal(t, test.wantCode, serverErrors.CodeOf(err))
		})
	}
}

func TestReconcileNormalization(t *testing.T) {
	ctx := context.Background()
	r := NewReconciler(memory.New())

	longToken := strings.Repeat("AB", 32)
	data, targetID, err := r.Reconcile(ctx, object.Object{
		"deviceType":     "ios",
		"deviceToken":    longToken,
		"installationId": "ABC-DEF",
	}, "")
	require.NoError(t, err)
	require.Empty(t, targetID)
	require.Equal(t, strings.ToLower(longToken), data["deviceToken"])
	require.Equal(t, "abc-def", data["installationId"])

	// Short tokens are not iOS tokens and keep their case.
	data, _, err = r.Reconcile(ctx, object.Object{
		"deviceType":  "ios",
		"deviceToken": "ShortToken",
	}, "")
	require.NoError(t, err)
	require.Equal(t, "ShortToken", data["deviceToken"])
}

func TestReconcileMergesTokenMatchWithNewInstallationID(t *testing.T) {
	// One existing record holds deviceToken T without an installationId; an
	// incoming write carries T plus a fresh installationId. The write lands
	// on the existing record.
	ctx := context.Background()
	store := memory.New()
	seedInstallation(t, store, object.Object{
		"objectId":    "i1",
		"deviceType":  "ios",
		"deviceToken": "tok-t",
	})

	r := NewReconciler(store)
	data, targetID, err := r.Reconcile(ctx, object.Object{
		"deviceType":     "ios",
		"deviceToken":    "tok-t",
		"installationId": "new-install",
	}, "")
	require.NoError(t, err)
	require.Equal(t, "i1", targetID)
	require.Equal(t, "new-install", data["installationId"])
	require.Len(t, listInstallations(t, store), 1)
}

func TestReconcileCleansOutStaleTokenMatches(t *testing.T) {
	// Two records hold deviceToken T with distinct installationIds; the
	// incoming write supplies a third installationId. Both stale records are
	// destroyed and the write creates a fresh record.
	ctx := context.Background()
	store := memory.New()
	seedInstallation(t, store, object.Object{
		"objectId": "i1", "deviceType": "ios", "deviceToken": "tok-t", "installationId": "a",
	})
	seedInstallation(t, store, object.Object{
		"objectId": "i2", "deviceType": "ios", "deviceToken": "tok-t", "installationId": "b",
	})

	r := NewReconciler(store)
	_, targetID, err := r.Reconcile(ctx, object.Object{
		"deviceType":     "ios",
		"deviceToken":    "tok-t",
		"installationId": "c",
	}, "")
	require.NoError(t, err)
	require.Empty(t, targetID)
	require.Empty(t, listInstallations(t, store))
}

func TestReconcileAmbiguousTokenMatches(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedInstallation(t, store, object.Object{
		"objectId": "i1", "deviceType": "ios", "deviceToken": "tok-t", "installationId": "a",
	})
	seedInstallation(t, store, object.Object{
		"objectId": "i2", "deviceType": "ios", "deviceToken": "tok-t", "installationId": "b",
	})

	r := NewReconciler(store)
	_, _, err := r.Reconcile(ctx, object.Object{
		"deviceType":  "ios",
		"deviceToken": "tok-t",
	}, "")
	require.Equal(t, serverErrors.CodeAmbiguousDevice, serverErrors.CodeOf(err))
}

func TestReconcileRedirectsToInstallationMatch(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	seedInstallation(t, store, object.Object{
		"objectId": "i1", "deviceType": "ios", "installationId": "abc",
	})

	r := NewReconciler(store)
	data, targetID, err := r.Reconcile(ctx, object.Object{
		"objectId":       "ignored",
		"deviceType":     "ios",
		"installationId": "abc",
	}, "")
	require.NoError(t, err)
	require.Equal(t, "i1", targetID)
	require.NotContains(t, data, "objectId")
}

func TestReconcileMergePrefersTokenMatchOverInstallationMatch(t *testing.T) {
	// The token match has no installationId; the write merges into it and
	// the record found by installationId is destroyed.
	ctx := context.Background()
	store := memory.New()
	seedInstallation(t, store, object.Object{
		"objectId": "byInstall", "deviceType": "ios", "installationId": "abc",
	})
	seedInstallation(t, store, object.Object{
		"objectId": "byToken", "deviceType": "ios", "deviceToken": "tok-t",
	})

	r := NewReconciler(store)
	_, targetID, err := r.Reconcile(ctx, object.Object{
		"deviceType":     "ios",
		"deviceToken":    "tok-t",
		"installationId": "abc",
	}, "")
	require.NoError(t, err)
	require.Equal(t, "byToken", targetID)

	remaining := listInstallations(t, store)
	require.Len(t, remaining, 1)
	require.Equal(t, "byToken", remaining[0].ObjectID())
}

func TestReconcileImmutableFields(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) storage.Datastore {
		store := memory.New()
		seedInstallation(t, store, object.Object{
			"objectId":       "i1",
			"deviceType":     "ios",
			"deviceToken":    "tok-old",
			"installationId": "abc",
		})
		return store
	}

	t.Run("installation_id_may_not_change", func(t *testing.T) {
		r := NewReconciler(newStore(t))
		_, _, err := r.Reconcile(ctx, object.Object{"installationId": "other"}, "i1")
		require.Equal(t, serverErrors.CodeImmutableDevice, serverErrors.CodeOf(err))
	})

	t.Run("device_type_may_not_change", func(t *testing.T) {
		r := NewReconciler(newStore(t))
		_, _, err := r.Reconcile(ctx, object.Object{"deviceType": "android"}, "i1")
		require.Equal(t, serverErrors.CodeImmutableDevice, serverErrors.CodeOf(err))
	})

	t.Run("device_token_may_not_change_without_installation_ids", func(t *testing.T) {
		store := memory.New()
		seedInstallation(t, store, object.Object{
			"objectId": "i1", "deviceType": "ios", "deviceToken": "tok-old",
		})
		r := NewReconciler(store)
		_, _, err := r.Reconcile(ctx, object.Object{"deviceToken": "tok-new"}, "i1")
		require.Equal(t, serverErrors.CodeImmutableDevice, serverErrors.CodeOf(err))
	})

	t.Run("badge_update_passes", func(t *testing.T) {
		r := NewReconciler(newStore(t))
		_, targetID, err := r.Reconcile(ctx, object.Object{"badge": 3}, "i1")
		require.NoError(t, err)
		require.Equal(t, "i1", targetID)
	})
}
