// Package proxy performs the gateway's outbound system-interface
// calls: tenant init hooks, permission announcements and timer
// invocations. Calls are plain HTTP with the gateway's identifying
// headers; delivery to the permissions module is retried because a
// lost announcement would strand the module's permission sets.
package proxy

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/islam56naser/okapi-1/pkg/errs"
	"github.com/islam56naser/okapi-1/pkg/log"
	"github.com/islam56naser/okapi-1/pkg/metrics"
	"github.com/islam56naser/okapi-1/pkg/types"
)

// Okapi-compatible header names.
const (
	HeaderTenant    = "X-Okapi-Tenant"
	HeaderRequestID = "X-Okapi-Request-Id"
	HeaderTrace     = "X-Okapi-Trace"
)

const (
	retryAttempts = 5
	retryDelay    = 250 * time.Millisecond
)

// CallResult is the module's response to a system-interface call.
type CallResult struct {
	StatusCode int
	Body       string
	// Trace carries the X-Okapi-Trace values the module returned.
	Trace []string
}

// Proxy invokes system interfaces on modules and manages their
// deployment lifecycle.
type Proxy interface {
	// CallSystemInterface performs one system-interface call on
	// behalf of a tenant. Non-2xx responses are returned as errors
	// carrying the response body.
	CallSystemInterface(ctx context.Context, tenantID string, inst *types.ModuleInstance, body string) (*CallResult, error)

	// AutoDeploy makes the module callable before its hooks run.
	AutoDeploy(ctx context.Context, md *types.ModuleDescriptor) error

	// AutoUndeploy releases a module no tenant references anymore.
	AutoUndeploy(ctx context.Context, md *types.ModuleDescriptor) error
}

// HTTPProxy is the production Proxy over net/http.
type HTTPProxy struct {
	resolver EndpointResolver
	client   *http.Client

	mu       sync.Mutex
	deployed map[string]bool
}

// NewHTTPProxy creates a proxy resolving module URLs through the
// given resolver.
func NewHTTPProxy(resolver EndpointResolver) *HTTPProxy {
	return &HTTPProxy{
		resolver: resolver,
		client:   &http.Client{Timeout: 30 * time.Second},
		deployed: make(map[string]bool),
	}
}

// CallSystemInterface implements Proxy.
func (p *HTTPProxy) CallSystemInterface(ctx context.Context, tenantID string, inst *types.ModuleInstance, body string) (*CallResult, error) {
	baseURL, err := p.resolver.Resolve(inst.Module.ID)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("no endpoint for module %s: %v", inst.Module.ID, err))
	}

	start := time.Now()
	var res *CallResult
	call := func() error {
		var callErr error
		res, callErr = p.doCall(ctx, tenantID, inst, baseURL, body)
		return callErr
	}

	if inst.Retry {
		err = retry.Do(call,
			retry.Attempts(retryAttempts),
			retry.Delay(retryDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
			retry.RetryIf(func(err error) bool {
				// Client errors will not improve with repetition.
				return !errs.IsUser(err) && !errs.IsNotFound(err)
			}),
		)
	} else {
		err = call()
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.HookInvocationsTotal.WithLabelValues(inst.Path, result).Inc()
	metrics.HookDuration.Observe(time.Since(start).Seconds())
	return res, err
}

func (p *HTTPProxy) doCall(ctx context.Context, tenantID string, inst *types.ModuleInstance, baseURL, body string) (*CallResult, error) {
	url := strings.TrimSuffix(baseURL, "/") + inst.Path
	req, err := http.NewRequestWithContext(ctx, inst.Method, url, strings.NewReader(body))
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("failed to build request: %v", err))
	}
	reqID := newRequestID(inst.Path)
	req.Header.Set(HeaderTenant, tenantID)
	req.Header.Set(HeaderRequestID, reqID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")

	logger := log.WithTenantID(tenantID)
	logger.Debug().
		Str("module_id", inst.Module.ID).
		Str("method", inst.Method).
		Str("url", url).
		Str("request_id", reqID).
		Msg("calling system interface")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("call to %s failed: %v", inst.Module.ID, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Internal(fmt.Errorf("failed to read response from %s: %v", inst.Module.ID, err))
	}

	res := &CallResult{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Trace:      resp.Header.Values(HeaderTrace),
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return res, nil
	case resp.StatusCode == http.StatusNotFound:
		return res, errs.NotFound("%s %s: %s", inst.Method, url, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return res, errs.User("%s %s: %s", inst.Method, url, strings.TrimSpace(string(respBody)))
	default:
		return res, errs.Internalf("%s %s returned %d: %s", inst.Method, url, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

// AutoDeploy implements Proxy. Endpoints are static here, so deploy
// reduces to verifying the module is resolvable and marking it live.
func (p *HTTPProxy) AutoDeploy(ctx context.Context, md *types.ModuleDescriptor) error {
	if _, err := p.resolver.Resolve(md.ID); err != nil {
		return errs.User("module %s has no registered endpoint", md.ID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deployed[md.ID] = true
	log.WithModuleID(md.ID).Info().Msg("module deployed")
	return nil
}

// AutoUndeploy implements Proxy.
func (p *HTTPProxy) AutoUndeploy(ctx context.Context, md *types.ModuleDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.deployed, md.ID)
	log.WithModuleID(md.ID).Info().Msg("module undeployed")
	return nil
}

// IsDeployed reports whether the module is currently marked live.
func (p *HTTPProxy) IsDeployed(moduleID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deployed[moduleID]
}

var _ Proxy = (*HTTPProxy)(nil)

// newRequestID builds a per-call request ID of the form used by the
// gateway's request log: a random six-digit number and the first path
// segment of the call.
func newRequestID(path string) string {
	seg := strings.TrimPrefix(path, "/")
	if i := strings.Index(seg, "/"); i >= 0 {
		seg = seg[:i]
	}
	return fmt.Sprintf("%06d/%s", rand.Intn(1000000), seg)
}
