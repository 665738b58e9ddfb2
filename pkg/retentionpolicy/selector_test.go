package retentionpolicy

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher answers FetchManifest from a fixed table keyed by tag.
type stubFetcher struct {
	byTag map[string]manifestDoc
	fail  map[string]bool
}

func (s *stubFetcher) FetchManifest(_ context.Context, _, _, tag string) (manifestDoc, error) {
	if s.fail[tag] {
		return manifestDoc{}, fmt.Errorf("simulated manifest failure for %s", tag)
	}
	return s.byTag[tag], nil
}

func testLogger() *Logger {
	return NewLogger("error", io.Discard)
}

func mustPattern(t *testing.T, raw string) *MatcherPattern {
	t.Helper()
	m, err := BuildMatcherPattern(raw, TokenKindPersonalAccessToken)
	if err != nil {
		t.Fatalf("BuildMatcherPattern(%q) error = %v", raw, err)
	}
	return m
}

// labelsOf and digestsOf flatten a DeletionCandidate slice down to the
// fields the set-equality assertions below care about.
func labelsOf(cands []DeletionCandidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.DisplayLabel
	}
	return out
}

func digestsOf(cands []DeletionCandidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Digest
	}
	return out
}

// S1: single-platform age cut-off.
func TestSelector_S1_AgeCutOff(t *testing.T) {
	t.Parallel()

	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	versions := []PackageVersion{
		{ID: 1, Digest: "sha256:v1d", CreatedAt: fixedNow.Add(-1 * 24 * time.Hour), Tags: []string{"v1d"}},
		{ID: 2, Digest: "sha256:v10d", CreatedAt: fixedNow.Add(-10 * 24 * time.Hour), Tags: []string{"v10d"}},
		{ID: 3, Digest: "sha256:v30d", CreatedAt: fixedNow.Add(-30 * 24 * time.Hour), Tags: []string{"v30d"}},
	}

	sel := NewSelector(&stubFetcher{}, testLogger(), func() time.Time { return fixedNow })
	in := SelectorInput{
		TagPattern:     mustPattern(t, ""),
		CutOff:         7 * 24 * time.Hour,
		TimestampField: TimestampCreatedAt,
		TagSelection:   TagSelectionBoth,
		SkipSHAs:       map[string]struct{}{},
	}

	result, err := sel.Select(context.Background(), "acme", Package{Name: "app"}, versions, in)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"v10d", "v30d"}, labelsOf(result.ToDelete))
}

// S2: negation pattern.
func TestSelector_S2_NegationPattern(t *testing.T) {
	t.Parallel()

	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	versions := []PackageVersion{
		{ID: 1, Digest: "sha256:prod", CreatedAt: fixedNow.Add(-1 * time.Hour), Tags: []string{"prod"}},
		{ID: 2, Digest: "sha256:qa", CreatedAt: fixedNow.Add(-1 * time.Hour), Tags: []string{"qa"}},
		{ID: 3, Digest: "sha256:dev123", CreatedAt: fixedNow.Add(-1 * time.Hour), Tags: []string{"dev-123"}},
		{ID: 4, Digest: "sha256:dev124", CreatedAt: fixedNow.Add(-1 * time.Hour), Tags: []string{"dev-124"}},
	}

	sel := NewSelector(&stubFetcher{}, testLogger(), func() time.Time { return fixedNow })
	in := SelectorInput{
		TagPattern:     mustPattern(t, "!prod !qa"),
		CutOff:         0,
		TimestampField: TimestampCreatedAt,
		TagSelection:   TagSelectionBoth,
		SkipSHAs:       map[string]struct{}{},
	}

	result, err := sel.Select(context.Background(), "acme", Package{Name: "app"}, versions, in)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"dev-123", "dev-124"}, labelsOf(result.ToDelete))
}

// S3: multi-platform protection.
func TestSelector_S3_MultiPlatformProtection(t *testing.T) {
	t.Parallel()

	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	versions := []PackageVersion{
		{ID: 1, Digest: "sha256:index", CreatedAt: fixedNow, Tags: []string{"v1"}},
		{ID: 2, Digest: "sha256:A", CreatedAt: fixedNow},
		{ID: 3, Digest: "sha256:B", CreatedAt: fixedNow},
		{ID: 4, Digest: "sha256:C", CreatedAt: fixedNow},
	}

	fetcher := &stubFetcher{byTag: map[string]manifestDoc{
		"v1": {ManifestRefs: []ManifestRef{
			{Digest: "sha256:A", Platform: Platform{Architecture: "amd64"}},
			{Digest: "sha256:B", Platform: Platform{Architecture: "arm64"}},
		}},
	}}

	sel := NewSelector(fetcher, testLogger(), func() time.Time { return fixedNow })
	in := SelectorInput{
		TagPattern:     mustPattern(t, ""),
		CutOff:         0,
		TimestampField: TimestampCreatedAt,
		TagSelection:   TagSelectionBoth,
		SkipSHAs:       map[string]struct{}{},
	}

	result, err := sel.Select(context.Background(), "acme", Package{Name: "app"}, versions, in)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"sha256:C"}, digestsOf(result.ToDelete))
}

// S4: keep-n-most-recent.
func TestSelector_S4_KeepNMostRecent(t *testing.T) {
	t.Parallel()

	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var versions []PackageVersion
	for i := 0; i < 10; i++ {
		versions = append(versions, PackageVersion{
			ID:        int64(i),
			Digest:    fmt.Sprintf("sha256:v%d", i),
			CreatedAt: fixedNow.Add(-time.Duration(i+1) * time.Hour),
			Tags:      []string{fmt.Sprintf("v%d", i)},
		})
	}

	sel := NewSelector(&stubFetcher{}, testLogger(), func() time.Time { return fixedNow })
	in := SelectorInput{
		TagPattern:      mustPattern(t, ""),
		CutOff:          0,
		TimestampField:  TimestampCreatedAt,
		TagSelection:    TagSelectionBoth,
		SkipSHAs:        map[string]struct{}{},
		KeepNMostRecent: 3,
	}

	result, err := sel.Select(context.Background(), "acme", Package{Name: "app"}, versions, in)
	require.NoError(t, err)
	require.Len(t, result.ToDelete, 7)

	deleted := labelsOf(result.ToDelete)
	assert.NotContains(t, deleted, "v0")
	assert.NotContains(t, deleted, "v1")
	assert.NotContains(t, deleted, "v2")
}

// S6: manifest fetch failure degrades to single-platform and does not abort
// the run.
func TestSelector_S6_ManifestFetchFailureDegrades(t *testing.T) {
	t.Parallel()

	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	versions := []PackageVersion{
		{ID: 1, Digest: "sha256:v2", CreatedAt: fixedNow, Tags: []string{"v2"}},
		{ID: 2, Digest: "sha256:orphan", CreatedAt: fixedNow},
	}

	fetcher := &stubFetcher{fail: map[string]bool{"v2": true}}

	sel := NewSelector(fetcher, testLogger(), func() time.Time { return fixedNow })
	in := SelectorInput{
		TagPattern:     mustPattern(t, ""),
		CutOff:         0,
		TimestampField: TimestampCreatedAt,
		TagSelection:   TagSelectionBoth,
		SkipSHAs:       map[string]struct{}{},
	}

	result, err := sel.Select(context.Background(), "acme", Package{Name: "app"}, versions, in)
	require.NoError(t, err)
	assert.Error(t, result.Warnings, "expected a non-nil Warnings aggregate after manifest failure")

	assert.Contains(t, digestsOf(result.ToDelete), "sha256:orphan")
}

func TestApplyKeepNMostRecent(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	versions := []PackageVersion{
		{ID: 1, CreatedAt: base.Add(-3 * time.Hour)},
		{ID: 2, CreatedAt: base.Add(-1 * time.Hour)},
		{ID: 3, CreatedAt: base.Add(-2 * time.Hour)},
	}

	toDelete, kept := applyKeepNMostRecent(versions, 1, TimestampCreatedAt)
	require.Len(t, kept, 1)
	assert.Equal(t, int64(2), kept[0].ID)
	assert.Len(t, toDelete, 2)
}

func TestUntaggedLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "<untagged> (orphaned)", untaggedLabel(nil))

	got := untaggedLabel([]TagAssociation{{Tag: "v1"}, {Tag: "v1"}, {Tag: "v2"}})
	assert.Equal(t, "<untagged> (part of: v1, v2)", got)
}
