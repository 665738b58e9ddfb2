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

	"golang.org/x/exp/slices"
)

// listStrategy is the tagged variant named in §9's design notes: one
// ListStrategy with two variants (FullList, LiteralLookup) selected once at
// start-up from the token kind, not polymorphism over a class hierarchy.
type listStrategy uint8

const (
	listStrategyFull listStrategy = iota
	listStrategyLiteral
)

// Enumerator selects the packages a run should process (§4.4).
type Enumerator struct {
	client  *Client
	logger  *Logger
	account Account
	names   *MatcherPattern
	literal []string
	mode    listStrategy
}

// NewEnumerator builds an Enumerator. token determines which ListStrategy
// variant is used: non-temporal tokens list all packages and filter with
// names; temporal tokens require literalNames (no wildcards/negation) and
// look each one up individually.
func NewEnumerator(client *Client, logger *Logger, account Account, token TokenKind, names *MatcherPattern, literalNames []string) *Enumerator {
	mode := listStrategyFull
	if token.Temporal() {
		mode = listStrategyLiteral
	}

	return &Enumerator{
		client:  client,
		logger:  logger,
		account: account,
		names:   names,
		literal: literalNames,
		mode:    mode,
	}
}

// Enumerate produces the packages to process. Output order is the
// registry's listing order; downstream stages must not depend on it
// (§4.4).
func (e *Enumerator) Enumerate(ctx context.Context) ([]Package, error) {
	switch e.mode {
	case listStrategyLiteral:
		return e.enumerateLiteral(ctx)
	default:
		return e.enumerateFull(ctx)
	}
}

func (e *Enumerator) enumerateFull(ctx context.Context) ([]Package, error) {
	all, err := e.client.ListPackages(ctx, e.account)
	if err != nil {
		return nil, err
	}

	out := make([]Package, 0, len(all))
	for _, p := range all {
		if e.names.Matches(p.Name) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Enumerator) enumerateLiteral(ctx context.Context) ([]Package, error) {
	var seen []string
	out := make([]Package, 0, len(e.literal))
	for _, name := range e.literal {
		if slices.Contains(seen, name) {
			continue
		}
		seen = append(seen, name)

		pkg, err := e.client.GetPackage(ctx, e.account, name)
		if err != nil {
			if _, ok := errAsPerVersion(err); ok {
				e.logger.Warn("package not found, dropping", "package", name, "error", err)
				continue
			}
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, nil
}

func errAsPerVersion(err error) (*PerVersionError, bool) {
	pe, ok := err.(*PerVersionError)
	return pe, ok
}
