package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFly(t *testing.T, handler http.HandlerFunc) *FlyProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewFlyProvider(FlyConfig{
		APIToken:       "tok",
		OrganizationID: "org",
		GraphQLURL:     srv.URL + "/graphql",
		MachinesURL:    srv.URL + "/v1",
	}, srv.Client(), nil)
	require.NoError(t, err)
	return p
}

func TestFlyProvider_Create(t *testing.T) {
	var mutations []string
	var machinePath string
	p := newTestFly(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch {
		case r.URL.Path == "/graphql":
			var req graphQLRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if strings.Contains(req.Query, "createApp") {
				mutations = append(mutations, "createApp")
			} else {
				input := req.Variables["input"].(map[string]any)
				mutations = append(mutations, "allocate:"+input["type"].(string))
			}
			w.Write([]byte(`{"data":{}}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/machines"):
			machinePath = r.URL.Path
			var req flyCreateMachineRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Len(t, req.Config.Services, 2)
			assert.Equal(t, DefaultAppPort, req.Config.Services[0].InternalPort)
			json.NewEncoder(w).Encode(flyMachine{ID: "m1", State: "created"})
		case strings.HasSuffix(r.URL.Path, "/wait"):
			assert.Equal(t, "started", r.URL.Query().Get("state"))
			w.Write([]byte(`{"ok":true}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	inst, err := p.Create(context.Background(), CreateRequest{AppName: "My Cool_App"})
	require.NoError(t, err)

	assert.Equal(t, []string{"createApp", "allocate:shared_v4", "allocate:v6"}, mutations)
	app, machine, err := splitFlyID(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "m1", machine)
	assert.True(t, strings.HasPrefix(app, "makex-my-cool-app-"), app)
	assert.Equal(t, "/v1/apps/"+app+"/machines", machinePath)
	assert.Equal(t, app+".fly.dev", inst.Endpoints.AppHost)
	assert.Equal(t, app+".fly.dev:8443", inst.Endpoints.APIHost)
}

func TestFlyProvider_GraphQLError(t *testing.T) {
	p := newTestFly(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"Name has already been taken"}]}`))
	})

	_, err := p.Create(context.Background(), CreateRequest{AppName: "demo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Name has already been taken")
}

func TestFlyProvider_CreateCleansUpOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		failOn  string
		deletes []string
	}{
		{
			name:    "machine create fails",
			failOn:  "machines",
			deletes: []string{"app"},
		},
		{
			name:    "machine never starts",
			failOn:  "wait",
			deletes: []string{"machine", "app"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var deletes []string
			p := newTestFly(t, func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.URL.Path == "/graphql":
					w.Write([]byte(`{"data":{}}`))
				case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/machines"):
					if tt.failOn == "machines" {
						w.WriteHeader(http.StatusInternalServerError)
						return
					}
					json.NewEncoder(w).Encode(flyMachine{ID: "m1", State: "created"})
				case strings.HasSuffix(r.URL.Path, "/wait"):
					w.WriteHeader(http.StatusRequestTimeout)
				case r.Method == http.MethodDelete && strings.HasSuffix(r.URL.Path, "/machines/m1"):
					deletes = append(deletes, "machine")
				case r.Method == http.MethodDelete:
					deletes = append(deletes, "app")
				default:
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
			})

			_, err := p.Create(context.Background(), CreateRequest{AppName: "demo"})
			require.Error(t, err)
			assert.Equal(t, tt.deletes, deletes)
		})
	}
}

func TestFlyProvider_KillDeletesMachineThenApp(t *testing.T) {
	var calls []string
	p := newTestFly(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if strings.Contains(r.URL.Path, "/machines/") {
			assert.Equal(t, "true", r.URL.Query().Get("force"))
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	require.NoError(t, p.Kill(context.Background(), "makex-demo-1234/m1"))
	assert.Equal(t, []string{
		"DELETE /v1/apps/makex-demo-1234/machines/m1",
		"DELETE /v1/apps/makex-demo-1234",
	}, calls)
}

func TestFlyProvider_PauseResume(t *testing.T) {
	var calls []string
	p := newTestFly(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Write([]byte(`{}`))
	})
	ctx := context.Background()

	require.NoError(t, p.Pause(ctx, "app/m1"))
	ep, err := p.Resume(ctx, "app/m1")
	require.NoError(t, err)
	assert.Equal(t, "app.fly.dev", ep.AppHost)
	assert.Equal(t, []string{
		"POST /v1/apps/app/machines/m1/stop",
		"POST /v1/apps/app/machines/m1/start",
		"GET /v1/apps/app/machines/m1/wait",
	}, calls)
}

func TestSplitFlyID(t *testing.T) {
	_, _, err := splitFlyID("no-slash")
	assert.Error(t, err)
	_, _, err = splitFlyID("/m1")
	assert.Error(t, err)
}
