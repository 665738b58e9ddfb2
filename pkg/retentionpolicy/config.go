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

	"github.com/pkg/errors"
)

// RawConfig is the flat shape the CLI layer parses flags (and an optional
// TOML file, per SPEC_FULL.md §6.1) into, before it is validated and
// compiled into the richer types the engine consumes.
type RawConfig struct {
	Account         string
	AccountIsOrg    bool
	Token           string
	TokenKind       string
	ImageNames      string
	ImageTags       string
	ShasToSkip      string
	TagSelection    string
	KeepNMostRecent int
	TimestampToUse  string
	CutOff          string
	DryRun          bool
}

// ParseTokenKind maps the CLI's --token-kind value (or an empty string,
// defaulting to "pat") onto TokenKind, per §6.2.
func ParseTokenKind(s string) (TokenKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "pat", "classic":
		return TokenKindPersonalAccessToken, nil
	case "app", "app-installation":
		return TokenKindAppInstallation, nil
	case "workflow", "temporal":
		return TokenKindWorkflowTemporary, nil
	default:
		return 0, NewConfigurationError("unknown token kind " + s)
	}
}

// ParseTagSelection maps --tag-selection onto TagSelection, per §6.1.
func ParseTagSelection(s string) (TagSelection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tagged":
		return TagSelectionTagged, nil
	case "untagged":
		return TagSelectionUntagged, nil
	case "both", "":
		return TagSelectionBoth, nil
	default:
		return 0, NewConfigurationError("unknown tag-selection " + s)
	}
}

// ParseTimestampField maps --timestamp-to-use onto TimestampField, per
// §6.1.
func ParseTimestampField(s string) (TimestampField, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created_at", "":
		return TimestampCreatedAt, nil
	case "updated_at":
		return TimestampUpdatedAt, nil
	default:
		return 0, NewConfigurationError("unknown timestamp-to-use " + s)
	}
}

// ParseSkipSHAs splits a comma/space-separated digest list into a set.
func ParseSkipSHAs(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range splitPatternList(raw) {
		out[f] = struct{}{}
	}
	return out
}

// Validate checks RawConfig for the fatal configuration errors named in
// §7: missing required inputs, and wildcard/negation patterns supplied
// alongside a temporal token.
func (r RawConfig) Validate() error {
	if strings.TrimSpace(r.Account) == "" {
		return NewConfigurationError("--account is required")
	}
	if strings.TrimSpace(r.Token) == "" {
		return NewConfigurationError("--token is required")
	}
	if r.KeepNMostRecent < 0 {
		return NewConfigurationError("--keep-n-most-recent must be non-negative")
	}

	tokenKind, err := ParseTokenKind(r.TokenKind)
	if err != nil {
		return err
	}
	if tokenKind.Temporal() {
		if strings.ContainsAny(r.ImageNames, "*?!") {
			return NewConfigurationError("--image-names may not use wildcards or negation with a short-lived workflow token")
		}
		if strings.ContainsAny(r.ImageTags, "*?!") {
			return NewConfigurationError("--image-tags may not use wildcards or negation with a short-lived workflow token")
		}
	}

	if _, err := ParseTagSelection(r.TagSelection); err != nil {
		return err
	}
	if _, err := ParseTimestampField(r.TimestampToUse); err != nil {
		return err
	}
	if _, err := ParseCutOff(r.CutOff); err != nil {
		return errors.Wrap(err, "invalid --cut-off")
	}

	return nil
}
