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
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/snok/container-retention-policy/internal/worker"
)

// SelectorInput bundles the per-package inputs to the selection algorithm
// (§4.5).
type SelectorInput struct {
	TagPattern      *MatcherPattern
	CutOff          time.Duration
	TimestampField  TimestampField
	TagSelection    TagSelection
	SkipSHAs        map[string]struct{}
	KeepNMostRecent int
}

// SelectionResult is the outcome of running the Version Selector over one
// package's version list.
type SelectionResult struct {
	ToDelete []DeletionCandidate
	Kept     []PackageVersion
	// Warnings aggregates manifest-resolution failures for this package;
	// it is never fatal (§7) and may be nil.
	Warnings error
}

// ManifestFetcher is the narrow dependency the Version Selector needs from
// the Registry Client: fetching one tag's manifest. Kept as an interface
// (mirroring the teacher's small single-method interfaces like TagFilter)
// so selector tests can substitute a stub instead of a live registry.
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, owner, name, tag string) (manifestDoc, error)
}

// Selector implements the core algorithm of §4.5.
type Selector struct {
	client ManifestFetcher
	logger *Logger
	now    func() time.Time

	// manifestConcurrency bounds the fan-out of per-tag manifest fetches
	// within a single package.
	manifestConcurrency int64
}

// NewSelector builds a Selector. now defaults to time.Now if nil (tests
// supply a fixed clock for deterministic cut-off comparisons).
func NewSelector(client ManifestFetcher, logger *Logger, now func() time.Time) *Selector {
	if now == nil {
		now = time.Now
	}
	return &Selector{client: client, logger: logger, now: now, manifestConcurrency: 16}
}

type taggedVersion struct {
	version   PackageVersion
	candidate bool
}

type manifestFetchResult struct {
	tag string
	doc manifestDoc
	err error
}

// Select runs the nine-step algorithm of §4.5 over versions belonging to
// pkg, owned by owner.
func (s *Selector) Select(ctx context.Context, owner string, pkg Package, versions []PackageVersion, in SelectorInput) (SelectionResult, error) {
	tagged, untagged := partitionTagged(versions)

	// Step 2: compute delete_candidates over the tagged list.
	tv := make([]taggedVersion, len(tagged))
	for i, v := range tagged {
		tv[i] = taggedVersion{version: v, candidate: s.isDeleteCandidate(v, in)}
		if tv[i].candidate {
			s.warnOnPartialTagMatch(pkg, v, in.TagPattern)
		}
	}

	// Step 3: tags_to_keep = tagged \ delete_candidates.
	var tagsToKeep []PackageVersion
	for _, t := range tv {
		if !t.candidate {
			tagsToKeep = append(tagsToKeep, t.version)
		}
	}

	// Step 4: resolve manifests for EVERY tag of EVERY tagged version.
	digestAssociations, warnings := s.resolveManifests(ctx, owner, pkg, tagged)

	// Step 5: kept_digests = digests referenced by tags_to_keep ∪ S.
	tagToDigests := make(map[string][]string)
	for digest, assocs := range digestAssociations {
		for _, a := range assocs {
			tagToDigests[a.Tag] = append(tagToDigests[a.Tag], digest)
		}
	}

	kept := NewKeptDigestSet()
	for sha := range in.SkipSHAs {
		kept.Add(sha)
	}
	for _, v := range tagsToKeep {
		kept.Add(v.Digest)
		for _, t := range v.Tags {
			for _, digest := range tagToDigests[t] {
				kept.Add(digest)
			}
		}
	}

	// Step 6: partition untagged by digest protection. Tie-break: a digest
	// shared by a kept tag and a deleted tag is kept (safety bias) — this
	// falls out naturally since kept.Add is only ever additive.
	var untaggedToDelete []PackageVersion
	for _, v := range untagged {
		if kept.Contains(v.Digest) {
			continue
		}
		untaggedToDelete = append(untaggedToDelete, v)
	}

	// Step 7: apply keep-n-most-recent to delete_candidates AFTER digest
	// protection, sorting by F descending. K is never adjusted for
	// already-filtered versions.
	deleteCandidates := make([]PackageVersion, 0, len(tv))
	for _, t := range tv {
		if t.candidate {
			deleteCandidates = append(deleteCandidates, t.version)
		}
	}
	deleteCandidates, keptByN := applyKeepNMostRecent(deleteCandidates, in.KeepNMostRecent, in.TimestampField)

	// Step 8: partition by tag-selection mode.
	var finalTagged []PackageVersion
	var finalUntagged []PackageVersion
	switch in.TagSelection {
	case TagSelectionTagged:
		finalTagged = deleteCandidates
	case TagSelectionUntagged:
		finalUntagged = untaggedToDelete
	default: // both
		finalTagged = deleteCandidates
		finalUntagged = untaggedToDelete
	}

	// Step 9: emit DeletionCandidate records.
	toDelete := make([]DeletionCandidate, 0, len(finalTagged)+len(finalUntagged))
	for _, v := range finalTagged {
		toDelete = append(toDelete, DeletionCandidate{
			PackageName:  pkg.Name,
			VersionID:    v.ID,
			Digest:       v.Digest,
			DisplayLabel: tagLabel(v),
		})
	}
	for _, v := range finalUntagged {
		assocs := digestAssociations[v.Digest]
		toDelete = append(toDelete, DeletionCandidate{
			PackageName:  pkg.Name,
			VersionID:    v.ID,
			Digest:       v.Digest,
			DisplayLabel: untaggedLabel(assocs),
			Associations: assocs,
		})
	}

	keptOut := make([]PackageVersion, 0, len(tagsToKeep)+len(keptByN)+len(untagged)-len(untaggedToDelete))
	keptOut = append(keptOut, tagsToKeep...)
	keptOut = append(keptOut, keptByN...)
	for _, v := range untagged {
		if kept.Contains(v.Digest) {
			keptOut = append(keptOut, v)
		}
	}

	return SelectionResult{ToDelete: toDelete, Kept: keptOut, Warnings: warnings}, nil
}

func partitionTagged(versions []PackageVersion) (tagged, untagged []PackageVersion) {
	for _, v := range versions {
		if v.Tagged() {
			tagged = append(tagged, v)
		} else {
			untagged = append(untagged, v)
		}
	}
	return tagged, untagged
}

// isDeleteCandidate implements §4.5 step 2.
func (s *Selector) isDeleteCandidate(v PackageVersion, in SelectorInput) bool {
	if in.TagSelection != TagSelectionTagged && in.TagSelection != TagSelectionBoth {
		return false
	}
	if s.now().Sub(v.Timestamp(in.TimestampField)) <= in.CutOff {
		return false
	}
	if !in.TagPattern.MatchesAny(v.Tags) {
		return false
	}
	if _, skip := in.SkipSHAs[v.Digest]; skip {
		return false
	}
	return true
}

// warnOnPartialTagMatch logs a warning when v matched the filter via some
// but not all of its tags, since the registry cannot delete a single tag
// off a version (see SPEC_FULL.md §10).
func (s *Selector) warnOnPartialTagMatch(pkg Package, v PackageVersion, pattern *MatcherPattern) {
	if len(v.Tags) <= 1 {
		return
	}
	if pattern.MatchesAll(v.Tags) {
		return
	}
	s.logger.Warn("version matched filter on some but not all of its tags; deleting the whole version",
		"package", pkg.Name, "version_id", v.ID, "tags", v.Tags)
}

// resolveManifests implements §4.5 step 4: fetch every tag's manifest once,
// parsing as an OCI image index first, falling back to single-platform on
// any failure. Failures never abort the run; they are aggregated into the
// returned error and logged at warning.
func (s *Selector) resolveManifests(ctx context.Context, owner string, pkg Package, tagged []PackageVersion) (map[string][]TagAssociation, error) {
	type tagJob struct {
		version PackageVersion
		tag     string
	}

	var jobs []tagJob
	for _, v := range tagged {
		for _, t := range v.Tags {
			jobs = append(jobs, tagJob{version: v, tag: t})
		}
	}

	assocs := make(map[string][]TagAssociation)
	if len(jobs) == 0 {
		return assocs, nil
	}

	w := worker.New[manifestFetchResult](s.manifestConcurrency)

	for _, j := range jobs {
		j := j
		if err := w.Do(ctx, func() (manifestFetchResult, error) {
			doc, err := s.client.FetchManifest(ctx, owner, pkg.Name, j.tag)
			return manifestFetchResult{tag: j.tag, doc: doc, err: err}, nil
		}); err != nil {
			return assocs, err
		}
	}

	results, err := w.Done(ctx)
	if err != nil {
		return assocs, err
	}

	var merr *multierror.Error
	for _, r := range results {
		if r.Error != nil {
			merr = multierror.Append(merr, r.Error)
			continue
		}
		if r.Value.err != nil {
			s.logger.Warn("manifest resolution failed, treating as single-platform", "package", pkg.Name, "tag", r.Value.tag, "error", r.Value.err)
			merr = multierror.Append(merr, r.Value.err)
			continue
		}
		for _, ref := range r.Value.doc.ManifestRefs {
			assocs[ref.Digest] = append(assocs[ref.Digest], TagAssociation{Tag: r.Value.tag, Platform: ref.Platform})
		}
	}

	if merr != nil {
		return assocs, merr.ErrorOrNil()
	}
	return assocs, nil
}

// applyKeepNMostRecent implements §4.5 step 7: sort candidates by F
// descending and move the first K into the kept list.
func applyKeepNMostRecent(candidates []PackageVersion, k int, field TimestampField) (toDelete, kept []PackageVersion) {
	if k <= 0 || len(candidates) == 0 {
		return candidates, nil
	}

	sorted := make([]PackageVersion, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp(field).After(sorted[j].Timestamp(field))
	})

	if k >= len(sorted) {
		return nil, sorted
	}
	return sorted[k:], sorted[:k]
}

func tagLabel(v PackageVersion) string {
	if len(v.Tags) > 0 {
		return v.Tags[0]
	}
	return "<untagged>"
}

func untaggedLabel(assocs []TagAssociation) string {
	if len(assocs) == 0 {
		return "<untagged> (orphaned)"
	}
	tags := make([]string, 0, len(assocs))
	seen := make(map[string]struct{}, len(assocs))
	for _, a := range assocs {
		if _, ok := seen[a.Tag]; ok {
			continue
		}
		seen[a.Tag] = struct{}{}
		tags = append(tags, a.Tag)
	}
	label := "<untagged> (part of: "
	for i, t := range tags {
		if i > 0 {
			label += ", "
		}
		label += t
	}
	return label + ")"
}
