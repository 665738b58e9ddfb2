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
	"strings"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// TokenKind distinguishes long-lived tokens (PAT, app-installation) from
// short-lived workflow tokens, which the Matcher restricts per §4.1.
type TokenKind uint8

const (
	TokenKindPersonalAccessToken TokenKind = iota
	TokenKindAppInstallation
	TokenKindWorkflowTemporary
)

// Temporal reports whether this token kind disallows wildcard/negation
// patterns.
func (k TokenKind) Temporal() bool {
	return k == TokenKindWorkflowTemporary
}

// MatcherPattern is a compiled include/exclude rule built from a raw,
// comma- or space-separated pattern list. A name matches iff at least one
// include pattern matches it (or the include list is empty) and no exclude
// pattern matches it. Patterns operate on the whole token, case-sensitively.
type MatcherPattern struct {
	includes []glob.Glob
	excludes []glob.Glob

	// rawIncludes/rawExcludes keep the uncompiled patterns for diagnostics.
	rawIncludes []string
	rawExcludes []string
}

// BuildMatcherPattern compiles raw into a MatcherPattern. raw is split on
// commas and whitespace; a leading "!" marks a pattern as an exclusion. When
// token is a temporal (short-lived workflow) token, any wildcard ("*", "?")
// or negation ("!") in raw is rejected per §4.1's temporal-token
// restriction.
func BuildMatcherPattern(raw string, token TokenKind) (*MatcherPattern, error) {
	fields := splitPatternList(raw)

	m := &MatcherPattern{}
	for _, f := range fields {
		negate := strings.HasPrefix(f, "!")
		body := f
		if negate {
			body = strings.TrimPrefix(f, "!")
		}
		if body == "" {
			continue
		}

		if token.Temporal() && (negate || strings.ContainsAny(body, "*?")) {
			return nil, &ConfigurationError{cause: errors.Errorf("pattern %q uses wildcards or negation, which short-lived workflow tokens cannot use", f)}
		}

		g, err := glob.Compile(body)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile pattern %q", body)
		}

		if negate {
			m.excludes = append(m.excludes, g)
			m.rawExcludes = append(m.rawExcludes, body)
		} else {
			m.includes = append(m.includes, g)
			m.rawIncludes = append(m.rawIncludes, body)
		}
	}

	return m, nil
}

// Matches reports whether name satisfies the pattern: at least one include
// glob matches (or there are no includes at all), and no exclude glob
// matches.
func (m *MatcherPattern) Matches(name string) bool {
	if m == nil {
		return true
	}

	for _, g := range m.excludes {
		if g.Match(name) {
			return false
		}
	}

	if len(m.includes) == 0 {
		return true
	}

	for _, g := range m.includes {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// MatchesAny reports whether at least one entry in tags satisfies Matches.
// An empty tags list never matches (callers handle untagged versions via
// TagSelection separately, per §4.1's edge case note).
func (m *MatcherPattern) MatchesAny(tags []string) bool {
	for _, t := range tags {
		if m.Matches(t) {
			return true
		}
	}
	return false
}

// MatchesAll reports whether every entry in tags satisfies Matches. Used by
// the partial-tag-match warning in selector.go (see SPEC_FULL.md §10).
func (m *MatcherPattern) MatchesAll(tags []string) bool {
	for _, t := range tags {
		if !m.Matches(t) {
			return false
		}
	}
	return true
}

func splitPatternList(raw string) []string {
	raw = strings.ReplaceAll(raw, ",", " ")
	return strings.Fields(raw)
}
