package retentionpolicy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEngine_Run_AggregatesAcrossPackages drives Engine.Run against a stub
// registry serving two packages: one whose version listing fails outright,
// and one that succeeds end to end through the executor. It confirms §7's
// aggregate-reporting rule — a per-package failure is collected rather than
// aborting the run, and the run's RunResult stays partial rather than
// empty.
func TestEngine_Run_AggregatesAcrossPackages(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()

	mux.HandleFunc("/user/packages", func(w http.ResponseWriter, r *http.Request) {
		body := []packageResponse{
			{Name: "pkg-a", Owner: struct {
				Login string `json:"login"`
			}{Login: "acme-owner"}},
			{Name: "pkg-b", Owner: struct {
				Login string `json:"login"`
			}{Login: "acme-owner"}},
		}
		json.NewEncoder(w).Encode(body)
	})

	mux.HandleFunc("/user/packages/container/pkg-a/versions", func(w http.ResponseWriter, r *http.Request) {
		body := []versionResponse{{
			ID:   101,
			Name: "sha256:a1",
		}}
		json.NewEncoder(w).Encode(body)
	})

	mux.HandleFunc("/user/packages/container/pkg-a/versions/101", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/user/packages/container/pkg-b/versions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client, _ := newTestClient(t, mux.ServeHTTP)

	account := Account{Kind: AccountKindUser, Login: "acme"}
	engine := NewEngine(client, testLogger(), account, TokenKindPersonalAccessToken, nil, nil, false, 4, 4)

	in := SelectorInput{
		TagPattern:     nil,
		CutOff:         0,
		TimestampField: TimestampCreatedAt,
		TagSelection:   TagSelectionBoth,
		SkipSHAs:       map[string]struct{}{},
	}

	result, err := engine.Run(context.Background(), in)
	require.Error(t, err, "pkg-b's version listing failure must surface as an aggregated error")
	assert.True(t, strings.Contains(err.Error(), "pkg-b"), "aggregated error should mention the failing package, got: %v", err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok, "expected the aggregated error to be a *multierror.Error, got %T", err)
	assert.Len(t, merr.Errors, 1, "exactly one package failed")

	require.Len(t, result.Deleted, 1, "pkg-a's single version should have been deleted despite pkg-b failing")
	assert.Equal(t, int64(101), result.Deleted[0].VersionID)
	assert.Equal(t, "pkg-a", result.Deleted[0].PackageName)
	assert.Empty(t, result.Failed)
}

// TestEngine_Run_NoPackagesMatched confirms a run over zero enumerated
// packages returns a clean, empty RunResult rather than an error.
func TestEngine_Run_NoPackagesMatched(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/user/packages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]packageResponse{})
	})

	client, _ := newTestClient(t, mux.ServeHTTP)

	account := Account{Kind: AccountKindUser, Login: "acme"}
	engine := NewEngine(client, testLogger(), account, TokenKindPersonalAccessToken, nil, nil, false, 4, 4)

	in := SelectorInput{
		TimestampField: TimestampCreatedAt,
		TagSelection:   TagSelectionBoth,
		SkipSHAs:       map[string]struct{}{},
	}

	result, err := engine.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, result.Deleted)
	assert.Empty(t, result.Failed)
}
