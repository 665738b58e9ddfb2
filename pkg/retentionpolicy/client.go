// Copyright 2021 The GCR Cleaner Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retentionpolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gcrv1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-github/v62/github"
	"github.com/pkg/errors"
)

// TokenProvider supplies the bearer token used to authenticate against both
// the GitHub Packages REST API and the OCI manifest endpoint.
type TokenProvider interface {
	Token() (string, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func() (string, error)

func (f TokenProviderFunc) Token() (string, error) { return f() }

// TokenProviderFromString returns a TokenProvider that always returns s.
func TokenProviderFromString(s string) TokenProviderFunc {
	return func() (string, error) { return s, nil }
}

const defaultRegistryHost = "ghcr.io"

// Client is a stateful wrapper over the registry's package endpoints and
// the OCI manifest endpoint (§4.3). It exclusively owns the Governor and
// the mutable owner field (§3). mu guards owner; the Governor does its own
// locking.
type Client struct {
	gh           *github.Client
	http         *http.Client
	token        TokenProvider
	registryHost string

	governor *Governor

	mu    sync.Mutex
	owner string
}

// NewClient builds a Client authenticated with token, gating all calls
// through governor. requestTimeout bounds each individual HTTP call
// (§5's suggested 30s total-deadline); a zero value defaults to 30s.
func NewClient(token TokenProvider, governor *Governor, requestTimeout time.Duration) (*Client, error) {
	tok, err := token.Token()
	if err != nil {
		return nil, WrapAuthenticationError(err, "failed to read initial token")
	}

	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: requestTimeout}
	ghClient := github.NewClient(httpClient).WithAuthToken(tok)

	return &Client{
		gh:           ghClient,
		http:         httpClient,
		token:        token,
		registryHost: defaultRegistryHost,
		governor:     governor,
	}, nil
}

// Owner returns the owner populated from the first Package response, per
// §3's ownership rule. It is empty until ListPackages or GetPackage has
// returned at least one result.
func (c *Client) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *Client) setOwnerIfEmpty(login string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner == "" {
		c.owner = login
	}
}

// doRetrying issues one logical call through buildReq/gh.Do, applying the
// failure semantics of §4.2: a 429 or a 403 carrying Retry-After is
// re-queued after the indicated delay up to MaxTransientRetries; a 5xx is
// retried with exponential backoff (base 500ms, cap 8s); any other error is
// terminal.
func (c *Client) doRetrying(ctx context.Context, e Endpoint, cost PointCost, buildReq func() (*http.Request, error), v interface{}) (*github.Response, error) {
	bo := NewBackoff()
	transientRetries := 0

	for {
		req, err := buildReq()
		if err != nil {
			return nil, errors.Wrap(err, "failed to build request")
		}

		release, err := c.governor.Acquire(ctx, e, cost)
		if err != nil {
			return nil, err
		}
		resp, err := c.gh.Do(ctx, req, v)
		release()

		if resp != nil {
			c.governor.UpdateFromHeaders(resp.Response.Header)
		}
		if err == nil {
			return resp, nil
		}

		status := 0
		var retryAfter string
		if resp != nil && resp.Response != nil {
			status = resp.Response.StatusCode
			retryAfter = resp.Response.Header.Get("Retry-After")
		}

		switch {
		case status == http.StatusTooManyRequests || (status == http.StatusForbidden && retryAfter != ""):
			if transientRetries >= MaxTransientRetries {
				return resp, err
			}
			transientRetries++
			if !sleepCtx(ctx, retryAfterDelay(retryAfter)) {
				return resp, ctx.Err()
			}
			continue
		case status >= 500:
			next := bo.NextBackOff()
			if next == backoff.Stop {
				return resp, err
			}
			if !sleepCtx(ctx, next) {
				return resp, ctx.Err()
			}
			continue
		default:
			return resp, err
		}
	}
}

func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return backoffInitial
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return backoffInitial
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// packagesPath builds the list-packages path for either account kind.
func packagesPath(account Account) string {
	if account.Kind == AccountKindOrganization {
		return fmt.Sprintf("orgs/%s/packages", url.PathEscape(account.Login))
	}
	return "user/packages"
}

type packageResponse struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// ListPackages enumerates all container packages for account. Unavailable
// to temporal tokens per §4.3; callers are responsible for routing temporal
// tokens to GetPackage instead (see enumerator.go).
func (c *Client) ListPackages(ctx context.Context, account Account) ([]Package, error) {
	var out []Package

	opts := &github.ListOptions{PerPage: 100}
	for {
		page := opts.Page
		var body []packageResponse
		resp, err := c.doRetrying(ctx, EndpointListPackages, PointCostGET, func() (*http.Request, error) {
			req, err := c.gh.NewRequest(http.MethodGet, packagesPath(account), nil)
			if err != nil {
				return nil, err
			}
			q := req.URL.Query()
			q.Set("package_type", "container")
			q.Set("per_page", fmt.Sprintf("%d", opts.PerPage))
			if page > 0 {
				q.Set("page", fmt.Sprintf("%d", page))
			}
			req.URL.RawQuery = q.Encode()
			return req, nil
		}, &body)
		if err != nil {
			return nil, classifyGitHubError(err, "failed to list packages")
		}

		for _, p := range body {
			c.setOwnerIfEmpty(p.Owner.Login)
			out = append(out, Package{Name: p.Name, OwnerLogin: p.Owner.Login})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return out, nil
}

// GetPackage looks up a single package by literal name, the fallback path
// used for temporal tokens (§4.3, §4.4).
func (c *Client) GetPackage(ctx context.Context, account Account, name string) (Package, error) {
	path := fmt.Sprintf("%s/container/%s", packagesPath(account), url.PathEscape(name))

	var p packageResponse
	_, err := c.doRetrying(ctx, EndpointGetPackage, PointCostGET, func() (*http.Request, error) {
		return c.gh.NewRequest(http.MethodGet, path, nil)
	}, &p)
	if err != nil {
		return Package{}, classifyGitHubError(err, fmt.Sprintf("failed to get package %q", name))
	}

	c.setOwnerIfEmpty(p.Owner.Login)
	return Package{Name: p.Name, OwnerLogin: p.Owner.Login}, nil
}

type versionResponse struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  struct {
		Container struct {
			Tags []string `json:"tags"`
		} `json:"container"`
	} `json:"metadata"`
	Name string `json:"name"` // the digest, for container packages.
}

// ListPackageVersions returns at most 100 versions per call; pagination
// past the first page is an acknowledged Non-goal (§4.3, §6.1 Non-goals).
func (c *Client) ListPackageVersions(ctx context.Context, account Account, pkg Package) ([]PackageVersion, error) {
	path := fmt.Sprintf("%s/container/%s/versions", packagesPath(account), url.PathEscape(pkg.Name))

	var page []versionResponse
	_, err := c.doRetrying(ctx, EndpointListPackageVersions, PointCostGET, func() (*http.Request, error) {
		req, err := c.gh.NewRequest(http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("per_page", "100")
		q.Set("state", "active")
		req.URL.RawQuery = q.Encode()
		return req, nil
	}, &page)
	if err != nil {
		return nil, classifyGitHubError(err, fmt.Sprintf("failed to list versions for package %q", pkg.Name))
	}

	out := make([]PackageVersion, 0, len(page))
	for _, v := range page {
		out = append(out, PackageVersion{
			ID:        v.ID,
			Digest:    v.Name,
			CreatedAt: v.CreatedAt,
			UpdatedAt: v.UpdatedAt,
			Tags:      v.Metadata.Container.Tags,
		})
	}
	return out, nil
}

// DeletePackageVersion issues the DELETE for one version.
func (c *Client) DeletePackageVersion(ctx context.Context, account Account, pkg Package, id int64) error {
	path := fmt.Sprintf("%s/container/%s/versions/%d", packagesPath(account), url.PathEscape(pkg.Name), id)

	_, err := c.doRetrying(ctx, EndpointDeletePackageVersion, PointCostDELETE, func() (*http.Request, error) {
		return c.gh.NewRequest(http.MethodDelete, path, nil)
	}, nil)
	if err != nil {
		return classifyGitHubError(err, fmt.Sprintf("failed to delete version %d of package %q", id, pkg.Name))
	}
	return nil
}

// manifestDoc is what FetchManifest returns: either an OCI image index (the
// ManifestRefs field populated) or a single-platform manifest (empty).
type manifestDoc struct {
	ManifestRefs []ManifestRef
}

// FetchManifest hits the OCI endpoint for tag and parses the response as an
// image index. A JSON document without a "manifests" array is returned as
// single-platform (an empty manifestDoc). Failures (request errors, non-200
// responses, undecodable bodies) are reported as ManifestResolutionError and
// the caller treats the tag as single-platform (§4.5 step 4, §7).
func (c *Client) FetchManifest(ctx context.Context, owner, name, tag string) (manifestDoc, error) {
	release, err := c.governor.Acquire(ctx, EndpointManifest, PointCostGET)
	if err != nil {
		return manifestDoc{}, err
	}
	defer release()

	u := fmt.Sprintf("https://%s/v2/%s/manifests/%s", c.registryHost, url.PathEscape(owner)+"%2F"+url.PathEscape(name), url.PathEscape(tag))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return manifestDoc{}, WrapManifestResolutionError(err, "failed to build manifest request")
	}
	req.Header.Set("Accept", "application/vnd.oci.image.index.v1+json,application/vnd.docker.distribution.manifest.list.v2+json,application/vnd.oci.image.manifest.v1+json,application/vnd.docker.distribution.manifest.v2+json")

	tok, err := c.token.Token()
	if err != nil {
		return manifestDoc{}, WrapManifestResolutionError(err, "failed to read token for manifest fetch")
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.http.Do(req)
	if err != nil {
		return manifestDoc{}, WrapManifestResolutionError(err, fmt.Sprintf("manifest request for %s:%s failed", name, tag))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return manifestDoc{}, WrapManifestResolutionError(fmt.Errorf("unexpected status %d", resp.StatusCode), fmt.Sprintf("manifest fetch for %s:%s returned non-200", name, tag))
	}

	var idx gcrv1.IndexManifest
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&idx); err != nil {
		return manifestDoc{}, WrapManifestResolutionError(err, fmt.Sprintf("failed to decode manifest for %s:%s", name, tag))
	}
	if len(idx.Manifests) == 0 {
		// A valid single-platform manifest with no "manifests" array:
		// single-platform treatment per §6.4.
		return manifestDoc{}, nil
	}

	refs := make([]ManifestRef, 0, len(idx.Manifests))
	for _, m := range idx.Manifests {
		ref := ManifestRef{Digest: m.Digest.String()}
		if m.Platform != nil {
			ref.Platform = Platform{
				OS:           m.Platform.OS,
				Architecture: m.Platform.Architecture,
				Variant:      m.Platform.Variant,
			}
		}
		refs = append(refs, ref)
	}
	return manifestDoc{ManifestRefs: refs}, nil
}

// classifyGitHubError maps a raw go-github error onto the §7 taxonomy. An
// error that has already been classified upstream (e.g. a
// RateLimitExhaustionError surfaced by the Rate Governor's deadline check) is
// passed through unchanged rather than re-wrapped as a generic PerVersionError.
func classifyGitHubError(err error, msg string) error {
	switch err.(type) {
	case *RateLimitExhaustionError, *AuthenticationError, *PerVersionError, *ManifestResolutionError, *ConfigurationError:
		return err
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return WrapAuthenticationError(err, msg)
		}
	}
	return WrapPerVersionError(err, msg)
}
