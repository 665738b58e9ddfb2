// Copyright 2019 The GCR Cleaner Authors
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

// Package main defines the CLI interface for the retention policy engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/snok/container-retention-policy/internal/version"
	rp "github.com/snok/container-retention-policy/pkg/retentionpolicy"
)

var raw rp.RawConfig

var (
	configFile         string
	logLevel           string
	maxConcurrency     int64
	packageConcurrency int64
	deleteConcurrency  int64
	requestTimeout     time.Duration
	runTimeout         time.Duration
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           version.Name,
		Short:         "Enforce a retention policy against a GitHub Packages container registry",
		Version:       version.HumanVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runE,
	}

	flags := cmd.Flags()
	flags.StringVar(&raw.Account, "account", os.Getenv("RETENTION_POLICY_ACCOUNT"), "account login to operate against")
	flags.BoolVar(&raw.AccountIsOrg, "account-is-org", false, "treat --account as an organization rather than a user")
	flags.StringVar(&raw.Token, "token", os.Getenv("RETENTION_POLICY_TOKEN"), "authentication token")
	flags.StringVar(&raw.TokenKind, "token-kind", "pat", "token kind: pat, app-installation, or workflow")
	flags.StringVar(&raw.ImageNames, "image-names", "", "image-name include/exclude patterns")
	flags.StringVar(&raw.ImageTags, "image-tags", "", "image-tag include/exclude patterns")
	flags.StringVar(&raw.ShasToSkip, "shas-to-skip", "", "digests that must never be deleted")
	flags.StringVar(&raw.TagSelection, "tag-selection", "both", "one of: tagged, untagged, both")
	flags.IntVar(&raw.KeepNMostRecent, "keep-n-most-recent", 0, "always keep the N most recent matching tagged versions")
	flags.StringVar(&raw.TimestampToUse, "timestamp-to-use", "created_at", "one of: created_at, updated_at")
	flags.StringVar(&raw.CutOff, "cut-off", "0s", "age cut-off duration expression, e.g. \"2w 3d 5h 2s\"")
	flags.BoolVar(&raw.DryRun, "dry-run", false, "log intended deletions without issuing them")

	flags.StringVar(&configFile, "config", "", "optional TOML file providing defaults for the flags above")
	flags.StringVar(&logLevel, "log-level", os.Getenv("RETENTION_POLICY_LOG_LEVEL"), "debug, info, warn, error")
	flags.Int64Var(&maxConcurrency, "max-concurrency", 100, "concurrency ceiling for the rate governor")
	flags.Int64Var(&packageConcurrency, "package-concurrency", 16, "task-per-package fan-out for version selection")
	flags.Int64Var(&deleteConcurrency, "delete-concurrency", 25, "flat concurrency of per-version deletions within a package")
	flags.DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "per-HTTP-call timeout")
	flags.DurationVar(&runTimeout, "run-timeout", 0, "overall deadline for the run; 0 disables it. Once the primary rate-limit reset would fall past this deadline, remaining candidates are counted as failed instead of waiting")

	return cmd
}

// tomlConfig mirrors RawConfig's fields, except Token, for file-based
// defaults. Explicit
// flags always override values loaded from --config (SPEC_FULL.md §6.1).
type tomlConfig struct {
	Account         string `toml:"account"`
	AccountIsOrg    bool   `toml:"account_is_org"`
	TokenKind       string `toml:"token_kind"`
	ImageNames      string `toml:"image_names"`
	ImageTags       string `toml:"image_tags"`
	ShasToSkip      string `toml:"shas_to_skip"`
	TagSelection    string `toml:"tag_selection"`
	KeepNMostRecent int    `toml:"keep_n_most_recent"`
	TimestampToUse  string `toml:"timestamp_to_use"`
	CutOff          string `toml:"cut_off"`
	DryRun          bool   `toml:"dry_run"`
}

func applyFileDefaults(cmd *cobra.Command, path string) error {
	var fc tomlConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to parse --config %q: %w", path, err)
	}

	set := func(name string, dest *string, val string) {
		if val != "" && !cmd.Flags().Changed(name) {
			*dest = val
		}
	}
	setBool := func(name string, dest *bool, val bool) {
		if !cmd.Flags().Changed(name) {
			*dest = val
		}
	}
	setInt := func(name string, dest *int, val int) {
		if val != 0 && !cmd.Flags().Changed(name) {
			*dest = val
		}
	}

	set("account", &raw.Account, fc.Account)
	setBool("account-is-org", &raw.AccountIsOrg, fc.AccountIsOrg)
	set("token-kind", &raw.TokenKind, fc.TokenKind)
	set("image-names", &raw.ImageNames, fc.ImageNames)
	set("image-tags", &raw.ImageTags, fc.ImageTags)
	set("shas-to-skip", &raw.ShasToSkip, fc.ShasToSkip)
	set("tag-selection", &raw.TagSelection, fc.TagSelection)
	setInt("keep-n-most-recent", &raw.KeepNMostRecent, fc.KeepNMostRecent)
	set("timestamp-to-use", &raw.TimestampToUse, fc.TimestampToUse)
	set("cut-off", &raw.CutOff, fc.CutOff)
	setBool("dry-run", &raw.DryRun, fc.DryRun)

	return nil
}

func runE(cmd *cobra.Command, _ []string) error {
	if configFile != "" {
		if err := applyFileDefaults(cmd, configFile); err != nil {
			return err
		}
	}

	if err := raw.Validate(); err != nil {
		return err
	}

	logger := rp.NewLogger(logLevel, os.Stderr)

	tokenKind, err := rp.ParseTokenKind(raw.TokenKind)
	if err != nil {
		return err
	}
	tagSelection, err := rp.ParseTagSelection(raw.TagSelection)
	if err != nil {
		return err
	}
	timestampField, err := rp.ParseTimestampField(raw.TimestampToUse)
	if err != nil {
		return err
	}
	cutOff, err := rp.ParseCutOff(raw.CutOff)
	if err != nil {
		return err
	}

	accountKind := rp.AccountKindUser
	if raw.AccountIsOrg {
		accountKind = rp.AccountKindOrganization
	}
	account := rp.Account{Kind: accountKind, Login: raw.Account}

	var literalNames []string
	imageNamesPattern, err := rp.BuildMatcherPattern(raw.ImageNames, tokenKind)
	if err != nil {
		return err
	}
	if tokenKind.Temporal() {
		literalNames = splitFields(raw.ImageNames)
	}

	imageTagsPattern, err := rp.BuildMatcherPattern(raw.ImageTags, tokenKind)
	if err != nil {
		return err
	}

	governor := rp.NewGovernor(maxConcurrency)
	client, err := rp.NewClient(rp.TokenProviderFromString(raw.Token), governor, requestTimeout)
	if err != nil {
		return err
	}

	engine := rp.NewEngine(client, logger, account, tokenKind, imageNamesPattern, literalNames, raw.DryRun, packageConcurrency, deleteConcurrency)

	in := rp.SelectorInput{
		TagPattern:      imageTagsPattern,
		CutOff:          cutOff,
		TimestampField:  timestampField,
		TagSelection:    tagSelection,
		SkipSHAs:        rp.ParseSkipSHAs(raw.ShasToSkip),
		KeepNMostRecent: raw.KeepNMostRecent,
	}

	runCtx := context.Background()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, runTimeout)
		defer cancel()
	}

	result, err := engine.Run(runCtx, in)
	if err != nil {
		logger.Warn("one or more packages failed during this run", "error", err)
	}

	deletedCSV, failedCSV := rp.Report(result.Deleted, result.Failed)
	fmt.Fprintf(cmd.OutOrStdout(), "deleted=%s\n", deletedCSV)
	fmt.Fprintf(cmd.OutOrStdout(), "failed=%s\n", failedCSV)

	var authErr *rp.AuthenticationError
	if errors.As(err, &authErr) {
		return err
	}
	return nil
}

func splitFields(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}
