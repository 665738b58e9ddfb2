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

import "strings"

// Report formats the deleted and failed lists as comma-separated
// "<image-name>:<version-label>" strings, per §4.7 and §6.5. The label is
// the candidate's DisplayLabel as set in selector.go: the first tag for a
// tagged version, otherwise "<untagged> (part of: ...)" or
// "<untagged> (orphaned)". The version id is never used as a label.
func Report(deleted, failed []DeletionCandidate) (deletedCSV, failedCSV string) {
	return formatCandidates(deleted), formatCandidates(failed)
}

func formatCandidates(candidates []DeletionCandidate) string {
	var b strings.Builder
	for i, c := range candidates {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(c.PackageName)
		b.WriteString(":")
		b.WriteString(c.DisplayLabel)
	}
	return b.String()
}
