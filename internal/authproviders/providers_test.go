package authproviders

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectstack/objectstack/pkg/object"
)

func TestAnonymous(t *testing.T) {
	ctx := context.Background()
	p := Anonymous{}

	require.NoError(t, p.ValidateAuthData(ctx, object.Object{"id": "device-1"}))
	require.Error(t, p.ValidateAuthData(ctx, object.Object{}))
	require.NoError(t, p.ValidateAppID(ctx, nil, object.Object{"id": "device-1"}))
}

func fakeGraph(t *testing.T, userID, appID string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/me", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "" {
			http.Error(w, `{"error":"no token"}`, http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"id":"` + userID + `"}`))
	})
	mux.HandleFunc("/app", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"` + appID + `"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFacebookValidateAuthData(t *testing.T) {
	ctx := context.Background()
	srv := fakeGraph(t, "fb-user", "app-1")
	p := NewFacebook(WithGraphURL(srv.URL))

	require.NoError(t, p.ValidateAuthData(ctx, object.Object{
		"id": "fb-user", "access_token": "tok",
	}))

	err := p.ValidateAuthData(ctx, object.Object{
		"id": "someone-else", "access_token": "tok",
	})
	require.Error(t, err)

	err = p.ValidateAuthData(ctx, object.Object{"id": "fb-user"})
	require.Error(t, err)
}

func TestFacebookValidateAppID(t *testing.T) {
	ctx := context.Background()
	srv := fakeGraph(t, "fb-user", "app-1")
	p := NewFacebook(WithGraphURL(srv.URL))

	authData := object.Object{"id": "fb-user", "access_token": "tok"}

	require.NoError(t, p.ValidateAppID(ctx, []string{"app-1", "app-2"}, authData))
	require.Error(t, p.ValidateAppID(ctx, []string{"other"}, authData))
	require.Error(t, p.ValidateAppID(ctx, nil, authData))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("anonymous", Anonymous{})

	p, ok := r.Get("anonymous")
	require.True(t, ok)
	require.NotNil(t, p)

	_, ok = r.Get("twitter")
	require.False(t, ok)
}
