// Bisectd is a self-hosted git bisect automation service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package bisect

import (
	"fmt"
	"strings"

	"bisectd/internal/store"
	"bisectd/pkg/models"
)

// progressTailLines is how many recent probe lines the status comment shows.
const progressTailLines = 12

func startCommentBody(job *models.Job) string {
	var b strings.Builder
	b.WriteString("🔍 **Bisect started**\n\n")
	fmt.Fprintf(&b, "Searching for the first bad commit between `%s` (good) and `%s` (bad).\n\n", job.GoodSHA, job.BadSHA)
	fmt.Fprintf(&b, "- Test command: `%s`\n", job.TestCommand)
	fmt.Fprintf(&b, "- Requested by: @%s\n", job.Requester)
	return b.String()
}

func progressCommentBody(job *models.Job, lines []string) string {
	var b strings.Builder
	b.WriteString(startCommentBody(job))
	if len(lines) > 0 {
		b.WriteString("\n```\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n```\n")
	}
	return b.String()
}

func successCommentBody(run *jobRun, culprit string) string {
	var b strings.Builder
	b.WriteString("🎯 **Bisect complete**\n\n")
	fmt.Fprintf(&b, "First bad commit: `%s`\n", culprit)
	if run.culpritSubject != "" {
		fmt.Fprintf(&b, "\n> %s", run.culpritSubject)
		if run.culpritAuthor != "" {
			fmt.Fprintf(&b, " — %s", run.culpritAuthor)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\ncc @%s\n", run.job.Requester)
	return b.String()
}

func failureCommentBody(job *models.Job, reason string) string {
	var b strings.Builder
	b.WriteString("❌ **Bisect failed**\n\n")
	fmt.Fprintf(&b, "%s\n", reason)
	fmt.Fprintf(&b, "\ncc @%s\n", job.Requester)
	return b.String()
}

func cancelledCommentBody(job *models.Job) string {
	return fmt.Sprintf("🛑 **Bisect cancelled**\n\ncc @%s\n", job.Requester)
}

// terminalCommentBody renders the final state of the status comment.
func terminalCommentBody(run *jobRun, outcome store.Outcome) string {
	switch outcome.Status {
	case models.JobStatusCompleted:
		return successCommentBody(run, outcome.CulpritSHA)
	case models.JobStatusCancelled:
		return cancelledCommentBody(run.job)
	default:
		return failureCommentBody(run.job, outcome.ErrorMessage)
	}
}
