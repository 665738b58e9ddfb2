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

	"github.com/snok/container-retention-policy/internal/worker"
)

// VersionDeleter is the narrow dependency the Deletion Executor needs from
// the Registry Client.
type VersionDeleter interface {
	DeletePackageVersion(ctx context.Context, account Account, pkg Package, id int64) error
}

// Executor fans deletions concurrently through the Rate Governor (via the
// client's own gating), collecting successes and failures (§4.6).
type Executor struct {
	client      VersionDeleter
	logger      *Logger
	dryRun      bool
	concurrency int64
}

// NewExecutor builds an Executor. concurrency bounds the flat fan-out of
// per-version deletions within one package.
func NewExecutor(client VersionDeleter, logger *Logger, dryRun bool, concurrency int64) *Executor {
	if concurrency < 1 {
		concurrency = 25
	}
	return &Executor{client: client, logger: logger, dryRun: dryRun, concurrency: concurrency}
}

// ExecutionResult holds the two output lists described in §4.7 and §6.5.
type ExecutionResult struct {
	Deleted []DeletionCandidate
	Failed  []DeletionCandidate
}

// Execute deletes candidates, preferring tagged-manifest deletions before
// their orphaned untagged children within the same package, since the
// registry may cascade (§4.6). No ordering guarantee is offered across
// packages or within a tier.
func (e *Executor) Execute(ctx context.Context, account Account, pkg Package, candidates []DeletionCandidate) ExecutionResult {
	tagged, untagged := splitByAssociations(candidates)

	result := ExecutionResult{}
	for _, tier := range [][]DeletionCandidate{tagged, untagged} {
		deleted, failed := e.executeTier(ctx, account, pkg, tier)
		result.Deleted = append(result.Deleted, deleted...)
		result.Failed = append(result.Failed, failed...)
	}
	return result
}

// splitByAssociations separates candidates that are themselves tagged
// manifests (DisplayLabel is not the untagged marker) from their orphaned
// untagged children.
func splitByAssociations(candidates []DeletionCandidate) (tagged, untagged []DeletionCandidate) {
	for _, c := range candidates {
		if len(c.Associations) > 0 || c.DisplayLabel == "<untagged> (orphaned)" {
			untagged = append(untagged, c)
			continue
		}
		tagged = append(tagged, c)
	}
	return tagged, untagged
}

func (e *Executor) executeTier(ctx context.Context, account Account, pkg Package, tier []DeletionCandidate) (deleted, failed []DeletionCandidate) {
	if len(tier) == 0 {
		return nil, nil
	}

	if e.dryRun {
		for _, c := range tier {
			e.logger.Info("would delete version", "package", pkg.Name, "version_id", c.VersionID, "label", c.DisplayLabel, "associations", c.Associations)
		}
		return tier, nil
	}

	w := worker.New[DeletionCandidate](e.concurrency)
	for _, c := range tier {
		c := c
		if err := w.Do(ctx, func() (DeletionCandidate, error) {
			if err := e.client.DeletePackageVersion(ctx, account, pkg, c.VersionID); err != nil {
				c.FailureReason = err.Error()
				return c, err
			}
			return c, nil
		}); err != nil {
			c.FailureReason = err.Error()
			failed = append(failed, c)
		}
	}

	results, err := w.Done(ctx)
	if err != nil {
		e.logger.Error("deletion worker failed to drain", "package", pkg.Name, "error", err)
		return deleted, failed
	}

	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Error != nil {
			e.logger.Warn("failed to delete version", "package", pkg.Name, "version_id", r.Value.VersionID, "error", r.Error)
			failed = append(failed, r.Value)
			continue
		}
		deleted = append(deleted, r.Value)
	}

	return deleted, failed
}
