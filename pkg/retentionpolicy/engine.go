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

	"github.com/hashicorp/go-multierror"

	"github.com/snok/container-retention-policy/internal/worker"
)

// Engine orchestrates enumerator -> selector -> executor across every
// matched package, aggregating per-package errors (§2's pipeline, §7's
// aggregate-reporting rule). Its RunResult is handed to Report by the
// caller.
type Engine struct {
	client             *Client
	logger             *Logger
	enumCfg            enumeratorConfig
	selector           *Selector
	executor           *Executor
	packageConcurrency int64
}

type enumeratorConfig struct {
	account      Account
	tokenKind    TokenKind
	names        *MatcherPattern
	literalNames []string
}

// NewEngine wires the pipeline stages together around a shared Client.
// packageConcurrency bounds the task-per-package fan-out of §9's concurrency
// idiom; a value below 1 defaults to 16.
func NewEngine(client *Client, logger *Logger, account Account, tokenKind TokenKind, names *MatcherPattern, literalNames []string, dryRun bool, packageConcurrency, deleteConcurrency int64) *Engine {
	if packageConcurrency < 1 {
		packageConcurrency = 16
	}
	return &Engine{
		client:             client,
		logger:             logger,
		enumCfg:            enumeratorConfig{account: account, tokenKind: tokenKind, names: names, literalNames: literalNames},
		selector:           NewSelector(client, logger, nil),
		executor:           NewExecutor(client, logger, dryRun, deleteConcurrency),
		packageConcurrency: packageConcurrency,
	}
}

// RunResult is the final, aggregated outcome of one invocation of the
// engine, ready for the Output Reporter.
type RunResult struct {
	Deleted []DeletionCandidate
	Failed  []DeletionCandidate
}

// packageOutcome is one package's contribution to the run: either a partial
// ExecutionResult, or an error if the package never reached the executor.
type packageOutcome struct {
	pkg     Package
	deleted []DeletionCandidate
	failed  []DeletionCandidate
	err     error
}

// Run enumerates packages, then fans version selection and deletion out
// one task per package (§9's concurrency idiom), gated throughout by the
// Rate Governor shared through eng.client. A per-package failure (selection
// or deletion) never aborts processing of the remaining packages; all
// per-package errors are aggregated and returned alongside a, possibly
// partial, RunResult — matching §7's propagation rule that the Version
// Selector only reports per-package errors in aggregate.
func (eng *Engine) Run(ctx context.Context, in SelectorInput) (RunResult, error) {
	enumerator := NewEnumerator(eng.client, eng.logger, eng.enumCfg.account, eng.enumCfg.tokenKind, eng.enumCfg.names, eng.enumCfg.literalNames)

	packages, err := enumerator.Enumerate(ctx)
	if err != nil {
		return RunResult{}, err
	}

	w := worker.New[packageOutcome](eng.packageConcurrency)
	for _, pkg := range packages {
		pkg := pkg
		if err := w.Do(ctx, func() (packageOutcome, error) {
			return eng.runOnePackage(ctx, pkg, in), nil
		}); err != nil {
			return RunResult{}, err
		}
	}

	results, err := w.Done(ctx)
	if err != nil {
		return RunResult{}, err
	}

	var result RunResult
	var merr *multierror.Error

	for _, r := range results {
		if r == nil {
			continue
		}
		outcome := r.Value
		if outcome.err != nil {
			merr = multierror.Append(merr, outcome.err)
			continue
		}
		result.Deleted = append(result.Deleted, outcome.deleted...)
		result.Failed = append(result.Failed, outcome.failed...)
	}

	return result, merr.ErrorOrNil()
}

// runOnePackage runs the selector and executor for a single package. It
// never returns a Go error directly; failures are carried on
// packageOutcome.err so the worker fan-out in Run can aggregate them.
func (eng *Engine) runOnePackage(ctx context.Context, pkg Package, in SelectorInput) packageOutcome {
	versions, err := eng.client.ListPackageVersions(ctx, eng.enumCfg.account, pkg)
	if err != nil {
		return packageOutcome{pkg: pkg, err: err}
	}

	selection, err := eng.selector.Select(ctx, eng.client.Owner(), pkg, versions, in)
	if err != nil {
		return packageOutcome{pkg: pkg, err: err}
	}
	if selection.Warnings != nil {
		eng.logger.Warn("manifest resolution warnings for package", "package", pkg.Name, "error", selection.Warnings)
	}

	execution := eng.executor.Execute(ctx, eng.enumCfg.account, pkg, selection.ToDelete)
	return packageOutcome{pkg: pkg, deleted: execution.Deleted, failed: execution.Failed}
}
