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

import "github.com/pkg/errors"

// ConfigurationError wraps a fatal, pre-network-call input problem: a bad
// flag value, a missing required input, or a wildcard pattern supplied
// alongside a temporal token (§7).
type ConfigurationError struct {
	cause error
}

func NewConfigurationError(msg string) error {
	return &ConfigurationError{cause: errors.New(msg)}
}

func WrapConfigurationError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{cause: errors.Wrap(err, msg)}
}

func (e *ConfigurationError) Error() string { return e.cause.Error() }
func (e *ConfigurationError) Unwrap() error { return e.cause }

// AuthenticationError wraps a fatal 401/403 observed on the first registry
// call (§7).
type AuthenticationError struct {
	cause error
}

func WrapAuthenticationError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &AuthenticationError{cause: errors.Wrap(err, msg)}
}

func (e *AuthenticationError) Error() string { return e.cause.Error() }
func (e *AuthenticationError) Unwrap() error { return e.cause }

// PerVersionError wraps a non-fatal registry error attached to one specific
// PackageVersion: a 404 at delete time, a 5xx surviving retries, or a 429
// surviving the retry budget (§7). These never abort a run; they are
// recorded in the failed list by the Deletion Executor.
type PerVersionError struct {
	cause error
}

func WrapPerVersionError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &PerVersionError{cause: errors.Wrap(err, msg)}
}

func (e *PerVersionError) Error() string { return e.cause.Error() }
func (e *PerVersionError) Unwrap() error { return e.cause }

// ManifestResolutionError wraps a non-fatal manifest fetch/parse failure:
// network failure, non-OCI body, or parse failure (§7). The tag is treated
// as single-platform and the run continues; logged at warning by the
// Version Selector.
type ManifestResolutionError struct {
	cause error
}

func WrapManifestResolutionError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &ManifestResolutionError{cause: errors.Wrap(err, msg)}
}

func (e *ManifestResolutionError) Error() string { return e.cause.Error() }
func (e *ManifestResolutionError) Unwrap() error { return e.cause }

// RateLimitExhaustionError wraps the case where the primary budget is gone
// and its reset exceeds the run's overall deadline; remaining candidates
// are skipped and counted as failed rather than the run aborting (§7).
type RateLimitExhaustionError struct {
	cause error
}

func NewRateLimitExhaustionError(msg string) error {
	return &RateLimitExhaustionError{cause: errors.New(msg)}
}

func WrapRateLimitExhaustionError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &RateLimitExhaustionError{cause: errors.Wrap(err, msg)}
}

func (e *RateLimitExhaustionError) Error() string { return e.cause.Error() }
func (e *RateLimitExhaustionError) Unwrap() error { return e.cause }
