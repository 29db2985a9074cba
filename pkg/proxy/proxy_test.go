package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/log"
	"github.com/islam56naser/okapi-1/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func tenantInstance(md *types.ModuleDescriptor) *types.ModuleInstance {
	re := &types.RoutingEntry{Methods: []string{"POST"}, PathPattern: "/_/tenant"}
	return types.NewModuleInstance(md, re, "/_/tenant", "POST")
}

// TestCallSystemInterfaceHeaders tests the identifying headers of a call
func TestCallSystemInterfaceHeaders(t *testing.T) {
	var gotTenant, gotReqID, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get(HeaderTenant)
		gotReqID = r.Header.Get(HeaderRequestID)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set(HeaderTrace, "GET test 42us")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer srv.Close()

	md := &types.ModuleDescriptor{ID: "mod-users-1.0.0"}
	p := NewHTTPProxy(NewStaticEndpoints(map[string]string{"mod-users-1.0.0": srv.URL}))

	res, err := p.CallSystemInterface(context.Background(), "diku", tenantInstance(md), `{"module_to":"mod-users-1.0.0"}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, `{"ok":true}`, res.Body)
	assert.Equal(t, []string{"GET test 42us"}, res.Trace)
	assert.Equal(t, "diku", gotTenant)
	assert.Regexp(t, `^\d{6}/_$`, gotReqID)
	assert.Equal(t, `{"module_to":"mod-users-1.0.0"}`, gotBody)
}

// TestCallSystemInterfaceErrors tests status code to error kind mapping
func TestCallSystemInterfaceErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantUser bool
		wantNF   bool
	}{
		{name: "bad request", status: http.StatusBadRequest, wantUser: true},
		{name: "not found", status: http.StatusNotFound, wantNF: true},
		{name: "server error", status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", tt.status)
			}))
			defer srv.Close()

			md := &types.ModuleDescriptor{ID: "mod-users-1.0.0"}
			p := NewHTTPProxy(NewStaticEndpoints(map[string]string{"mod-users-1.0.0": srv.URL}))

			res, err := p.CallSystemInterface(context.Background(), "diku", tenantInstance(md), "")
			require.Error(t, err)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, tt.wantUser, errs.IsUser(err))
			assert.Equal(t, tt.wantNF, errs.IsNotFound(err))
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

// TestCallSystemInterfaceRetry tests that marked instances retry
// server failures but not client errors
func TestCallSystemInterfaceRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	md := &types.ModuleDescriptor{ID: "mod-perms-1.0.0"}
	p := NewHTTPProxy(NewStaticEndpoints(map[string]string{"mod-perms-1.0.0": srv.URL}))

	inst := tenantInstance(md).WithRetry()
	res, err := p.CallSystemInterface(context.Background(), "diku", inst, "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	// Client errors do not improve with repetition.
	atomic.StoreInt32(&calls, 10)
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv2.Close()
	atomic.StoreInt32(&calls, 0)
	p2 := NewHTTPProxy(NewStaticEndpoints(map[string]string{"mod-perms-1.0.0": srv2.URL}))
	_, err = p2.CallSystemInterface(context.Background(), "diku", tenantInstance(md).WithRetry(), "")
	assert.True(t, errs.IsUser(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestResolverNameFallback tests version-to-name endpoint fallback
func TestResolverNameFallback(t *testing.T) {
	r := NewStaticEndpoints(map[string]string{"mod-users": "http://users.local"})

	url, err := r.Resolve("mod-users-1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "http://users.local", url)

	r.Register("mod-users-1.2.0", "http://exact.local")
	url, err = r.Resolve("mod-users-1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "http://exact.local", url)

	_, err = r.Resolve("mod-other-1.0.0")
	assert.Error(t, err)
}

// TestAutoDeploy tests deploy bookkeeping and its endpoint check
func TestAutoDeploy(t *testing.T) {
	p := NewHTTPProxy(NewStaticEndpoints(map[string]string{"mod-users-1.0.0": "http://users.local"}))
	md := &types.ModuleDescriptor{ID: "mod-users-1.0.0"}

	require.NoError(t, p.AutoDeploy(context.Background(), md))
	assert.True(t, p.IsDeployed("mod-users-1.0.0"))

	require.NoError(t, p.AutoUndeploy(context.Background(), md))
	assert.False(t, p.IsDeployed("mod-users-1.0.0"))

	err := p.AutoDeploy(context.Background(), &types.ModuleDescriptor{ID: "mod-none-1.0.0"})
	assert.True(t, errs.IsUser(err))
}
