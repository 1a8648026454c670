package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestE2B(t *testing.T, handler http.HandlerFunc) *E2BProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewE2BProvider(E2BConfig{APIKey: "key", APIURL: srv.URL, Template: "tpl"}, srv.Client(), nil)
	require.NoError(t, err)
	return p
}

func TestE2BProvider_Create(t *testing.T) {
	p := newTestE2B(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sandboxes", r.URL.Path)

		var body e2bCreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tpl", body.TemplateID)
		assert.Equal(t, "app-1", body.Metadata["makex.app_id"])

		json.NewEncoder(w).Encode(e2bSandboxResponse{SandboxID: "sbx123"})
	})

	inst, err := p.Create(context.Background(), CreateRequest{AppID: "app-1", AppName: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "sbx123", inst.ID)
	assert.Equal(t, "8081-sbx123.e2b.app", inst.Endpoints.AppHost)
	assert.Equal(t, "8000-sbx123.e2b.app", inst.Endpoints.APIHost)
}

func TestE2BProvider_PauseResume(t *testing.T) {
	var calls []string
	p := newTestE2B(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/sandboxes/sbx123/connect" {
			json.NewEncoder(w).Encode(e2bSandboxResponse{SandboxID: "sbx123", Domain: "eu.e2b.app"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	require.NoError(t, p.Pause(ctx, "sbx123"))

	ep, err := p.Resume(ctx, "sbx123")
	require.NoError(t, err)
	assert.Equal(t, "8081-sbx123.eu.e2b.app", ep.AppHost)

	assert.Equal(t, []string{"POST /sandboxes/sbx123/pause", "POST /sandboxes/sbx123/connect"}, calls)
}

func TestE2BProvider_KillNotFound(t *testing.T) {
	p := newTestE2B(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		http.Error(w, `{"message":"sandbox not found"}`, http.StatusNotFound)
	})

	err := p.Kill(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestE2BProvider_ServerError(t *testing.T) {
	p := newTestE2B(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := p.Create(context.Background(), CreateRequest{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "status 500")
}

func TestNewE2BProvider_RequiresKey(t *testing.T) {
	_, err := NewE2BProvider(E2BConfig{}, nil, nil)
	assert.Error(t, err)
}
