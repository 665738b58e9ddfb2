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

import "time"

// AccountKind identifies whether an Account refers to a personal user or an
// organization. The registry exposes different listing endpoints for each.
type AccountKind uint8

const (
	AccountKindUser AccountKind = iota
	AccountKindOrganization
)

// Account identifies the registry owner a run operates against. It is set
// once from configuration and never mutated.
type Account struct {
	Kind  AccountKind
	Login string
}

// TagSelection controls which half of a package's versions (by tagged
// status) participate in deletion.
type TagSelection uint8

const (
	TagSelectionTagged TagSelection = iota
	TagSelectionUntagged
	TagSelectionBoth
)

// TimestampField selects which PackageVersion timestamp the cut-off duration
// and keep-n-most-recent ordering are measured against.
type TimestampField uint8

const (
	TimestampCreatedAt TimestampField = iota
	TimestampUpdatedAt
)

// Package is a single container package owned by an Account.
type Package struct {
	Name       string
	OwnerLogin string
}

// PackageVersion is a single immutable image entry within a Package. It is
// never mutated locally once fetched.
type PackageVersion struct {
	ID        int64
	Digest    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Tags      []string
}

// Tagged reports whether v carries at least one tag.
func (v PackageVersion) Tagged() bool {
	return len(v.Tags) > 0
}

// Timestamp returns the value of the given timestamp field.
func (v PackageVersion) Timestamp(field TimestampField) time.Time {
	if field == TimestampUpdatedAt {
		return v.UpdatedAt
	}
	return v.CreatedAt
}

// Platform identifies one target architecture of a multi-platform manifest.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// ManifestRef is one child of a multi-platform OCI image index.
type ManifestRef struct {
	Digest   string
	Platform Platform
}

// TagAssociation records that a digest is referenced by a given tag under a
// given platform, so the Version Selector can explain why a digest was
// protected.
type TagAssociation struct {
	Tag      string
	Platform Platform
}

// KeptDigestSet is the set of digests protected from deletion in a run,
// built after manifest resolution completes.
type KeptDigestSet struct {
	digests map[string]struct{}
}

// NewKeptDigestSet constructs an empty KeptDigestSet.
func NewKeptDigestSet() *KeptDigestSet {
	return &KeptDigestSet{digests: make(map[string]struct{})}
}

// Add marks digest as protected.
func (k *KeptDigestSet) Add(digest string) {
	k.digests[digest] = struct{}{}
}

// Contains reports whether digest is protected.
func (k *KeptDigestSet) Contains(digest string) bool {
	_, ok := k.digests[digest]
	return ok
}

// Len reports the number of protected digests.
func (k *KeptDigestSet) Len() int {
	return len(k.digests)
}

// DeletionCandidate is a version slated for deletion, or actually deleted,
// or failed to delete, depending on the stage of the pipeline holding it.
type DeletionCandidate struct {
	PackageName  string
	VersionID    int64
	Digest       string
	DisplayLabel string

	// Associations lists the (tag, platform) pairs that referenced this
	// digest before it was orphaned, if any. Populated only for untagged
	// candidates that were once a multi-platform child.
	Associations []TagAssociation

	// FailureReason is set only when the candidate ended up in the failed
	// list.
	FailureReason string
}

// RateBudget is a live, read-only snapshot of remaining quota, useful for
// logging and tests. The governor is the sole writer.
type RateBudget struct {
	PrimaryRemaining int
	PrimaryResetAt   time.Time
	InFlight         int
}
