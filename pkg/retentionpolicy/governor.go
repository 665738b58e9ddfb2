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
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Endpoint identifies one of the registry's REST surfaces for the purpose of
// per-endpoint token-bucket accounting.
type Endpoint string

const (
	EndpointListPackages        Endpoint = "list_packages"
	EndpointGetPackage          Endpoint = "get_package"
	EndpointListPackageVersions Endpoint = "list_package_versions"
	EndpointDeletePackageVersion Endpoint = "delete_package_version"

	// EndpointManifest is a notional endpoint: manifest fetches are
	// accounted separately and never affect the GitHub API's primary
	// budget (§4.3).
	EndpointManifest Endpoint = "fetch_manifest"
)

// PointCost is the token-bucket cost of one call against an endpoint.
type PointCost int

const (
	PointCostGET    PointCost = 1
	PointCostDELETE PointCost = 5
)

const (
	defaultConcurrencyCeiling = 100
	bucketCapacityPoints      = 900
	bucketRefillPointsPerSec  = 15

	maxTransientRetries = 3
	backoffInitial       = 500 * time.Millisecond
	backoffMaxInterval   = 8 * time.Second
)

// Governor is the shared quota broker described in §4.2: a concurrency
// semaphore, per-endpoint token buckets, and the primary rate-limit
// counter parsed from response headers. It is owned exclusively by the
// Client (§3's ownership rule); nothing else holds a mutable reference.
type Governor struct {
	sem *semaphore.Weighted

	bucketsMu sync.Mutex
	buckets   map[Endpoint]*rate.Limiter

	primaryMu      sync.Mutex
	primaryRemain  int
	primaryResetAt time.Time
	inFlight       int
}

// NewGovernor constructs a Governor with the given concurrency ceiling. A
// ceiling of 0 or less defaults to 100 (§4.2).
func NewGovernor(concurrencyCeiling int64) *Governor {
	if concurrencyCeiling <= 0 {
		concurrencyCeiling = defaultConcurrencyCeiling
	}

	return &Governor{
		sem:           semaphore.NewWeighted(concurrencyCeiling),
		buckets:       make(map[Endpoint]*rate.Limiter),
		primaryRemain: 1, // optimistic until the first response tells us otherwise.
	}
}

func (g *Governor) bucketFor(e Endpoint) *rate.Limiter {
	g.bucketsMu.Lock()
	defer g.bucketsMu.Unlock()

	l, ok := g.buckets[e]
	if !ok {
		l = rate.NewLimiter(rate.Limit(bucketRefillPointsPerSec), bucketCapacityPoints)
		g.buckets[e] = l
	}
	return l
}

// Snapshot returns a read-only view of the current budget, useful for
// logging and tests.
func (g *Governor) Snapshot() RateBudget {
	g.primaryMu.Lock()
	defer g.primaryMu.Unlock()

	return RateBudget{
		PrimaryRemaining: g.primaryRemain,
		PrimaryResetAt:   g.primaryResetAt,
		InFlight:         g.inFlight,
	}
}

// Acquire blocks until the caller may issue a call to endpoint e at the
// given point cost, per the protocol in §4.2: semaphore permit, bucket
// deduction, then a wait on the primary counter if exhausted. It returns a
// release function that MUST be called exactly once after the HTTP round
// trip completes (success or failure).
func (g *Governor) Acquire(ctx context.Context, e Endpoint, cost PointCost) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if err := g.bucketFor(e).WaitN(ctx, int(cost)); err != nil {
		g.sem.Release(1)
		return nil, err
	}

	if err := g.waitForPrimaryBudget(ctx); err != nil {
		g.sem.Release(1)
		return nil, err
	}

	g.primaryMu.Lock()
	g.inFlight++
	g.primaryMu.Unlock()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		g.primaryMu.Lock()
		g.inFlight--
		g.primaryMu.Unlock()
		g.sem.Release(1)
	}, nil
}

// waitForPrimaryBudget blocks until the primary rate-limit counter has reset,
// per §4.2 step 4. If ctx carries a deadline and the reset falls beyond it,
// §7's rate-limit-exhaustion rule applies immediately rather than blocking
// past the run's overall deadline: the wait is abandoned and a
// RateLimitExhaustionError is returned so the caller can count the affected
// candidate as failed instead of hanging until the registry's reset window.
func (g *Governor) waitForPrimaryBudget(ctx context.Context) error {
	g.primaryMu.Lock()
	remain := g.primaryRemain
	resetAt := g.primaryResetAt
	g.primaryMu.Unlock()

	if remain > 0 || resetAt.IsZero() {
		return nil
	}

	if deadline, ok := ctx.Deadline(); ok && resetAt.After(deadline) {
		return NewRateLimitExhaustionError("primary rate-limit reset exceeds the run's overall deadline")
	}

	wait := time.Until(resetAt)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateFromHeaders records the primary rate-limit remaining/reset values
// observed on an HTTP response, per §4.2 step 4.
func (g *Governor) UpdateFromHeaders(h http.Header) {
	remaining := h.Get("x-ratelimit-remaining")
	reset := h.Get("x-ratelimit-reset")
	if remaining == "" && reset == "" {
		return
	}

	g.primaryMu.Lock()
	defer g.primaryMu.Unlock()

	if remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			g.primaryRemain = n
		}
	}
	if reset != "" {
		if n, err := strconv.ParseInt(reset, 10, 64); err == nil {
			g.primaryResetAt = time.Unix(n, 0)
		}
	}
}

// NewBackoff builds the exponential backoff policy used for 5xx retries
// (base 500ms, cap 8s), bounded to 3 retries, per §4.2.
func NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.MaxInterval = backoffMaxInterval
	b.Multiplier = 2
	return backoff.WithMaxRetries(b, maxTransientRetries)
}

// MaxTransientRetries is the bounded retry count for 429/403-retry-after
// signals, per §4.2.
const MaxTransientRetries = maxTransientRetries
