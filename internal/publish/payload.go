// SPDX-License-Identifier: MPL-2.0

package publish

import (
	"time"

	"matrixci/internal/coverage"
)

type (
	// Report is what gets published for one pipeline run.
	Report struct {
		Profile *coverage.Profile
		Branch  string
		Commit  string
		// Cells is the number of cells whose results were folded into Profile.
		Cells int
	}

	payload struct {
		ServiceName  string       `json:"service_name"`
		ServiceJobID string       `json:"service_job_id"`
		RunAt        string       `json:"run_at"`
		Git          *gitInfo     `json:"git,omitempty"`
		Cells        int          `json:"cells"`
		SourceFiles  []sourceFile `json:"source_files"`
	}

	gitInfo struct {
		Branch string   `json:"branch,omitempty"`
		Head   *gitHead `json:"head,omitempty"`
	}

	gitHead struct {
		ID string `json:"id"`
	}

	// sourceFile carries per-line hits: nil for lines that are not statements,
	// 1 for covered statements, 0 for missed ones.
	sourceFile struct {
		Name     string `json:"name"`
		Coverage []*int `json:"coverage"`
	}
)

func buildPayload(r Report, service, jobID string, at time.Time) payload {
	p := payload{
		ServiceName:  service,
		ServiceJobID: jobID,
		RunAt:        at.UTC().Format(time.RFC3339),
		Cells:        r.Cells,
		SourceFiles:  []sourceFile{},
	}
	if r.Branch != "" || r.Commit != "" {
		p.Git = &gitInfo{Branch: r.Branch}
		if r.Commit != "" {
			p.Git.Head = &gitHead{ID: r.Commit}
		}
	}
	if r.Profile == nil {
		return p
	}

	one, zero := 1, 0
	for _, name := range r.Profile.FileNames() {
		fc := r.Profile.Files[name]
		lines := fc.Statements.Sorted()
		if len(lines) == 0 || lines[len(lines)-1] < 1 {
			continue
		}
		hits := make([]*int, lines[len(lines)-1])
		for _, line := range lines {
			if line < 1 {
				continue
			}
			if _, ok := fc.Covered[line]; ok {
				hits[line-1] = &one
			} else {
				hits[line-1] = &zero
			}
		}
		p.SourceFiles = append(p.SourceFiles, sourceFile{Name: name, Coverage: hits})
	}
	return p
}
