package retentionpolicy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-github/v62/github"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	gh := github.NewClient(&http.Client{Timeout: 2 * time.Second})
	base, err := url.Parse(ts.URL + "/")
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	gh.BaseURL = base

	return &Client{
		gh:           gh,
		http:         ts.Client(),
		token:        TokenProviderFromString("test-token"),
		registryHost: defaultRegistryHost,
		governor:     NewGovernor(10),
	}, ts
}

// TestClient_DoRetrying_RetriesOn429 exercises testable scenario S5: a
// registry stub returning 429 once, then succeeding, should be retried
// exactly once rather than failing the call.
func TestClient_DoRetrying_RetriesOn429(t *testing.T) {
	t.Parallel()

	attempts := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := c.doRetrying(context.Background(), EndpointDeletePackageVersion, PointCostDELETE, func() (*http.Request, error) {
		return c.gh.NewRequest(http.MethodDelete, "whatever", nil)
	}, nil)
	if err != nil {
		t.Fatalf("doRetrying error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one transient retry)", attempts)
	}
}

func TestClient_DoRetrying_TerminalOn404(t *testing.T) {
	t.Parallel()

	attempts := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.doRetrying(context.Background(), EndpointGetPackage, PointCostGET, func() (*http.Request, error) {
		return c.gh.NewRequest(http.MethodGet, "whatever", nil)
	}, nil)
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on a terminal 4xx)", attempts)
	}
}

func TestClient_DoRetrying_BackoffOn5xxThenSucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := c.doRetrying(context.Background(), EndpointDeletePackageVersion, PointCostDELETE, func() (*http.Request, error) {
		return c.gh.NewRequest(http.MethodDelete, "whatever", nil)
	}, nil)
	if err != nil {
		t.Fatalf("doRetrying error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClassifyGitHubError(t *testing.T) {
	t.Parallel()

	forbidden := &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusForbidden}}
	if _, ok := classifyGitHubError(forbidden, "x").(*AuthenticationError); !ok {
		t.Errorf("classifyGitHubError(403) should produce an AuthenticationError, got %T", classifyGitHubError(forbidden, "x"))
	}

	notFound := &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusNotFound}}
	if _, ok := classifyGitHubError(notFound, "x").(*PerVersionError); !ok {
		t.Errorf("classifyGitHubError(404) should produce a PerVersionError, got %T", classifyGitHubError(notFound, "x"))
	}
}
