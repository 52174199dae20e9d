// Package reporting renders an assessment session into operator-facing
// report formats.
package reporting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/greyhat-cli/api/schemas"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Report is a finished session flattened for rendering. Findings are ordered
// most severe first.
type Report struct {
	Session     schemas.SessionRecord `json:"session"`
	Findings    []schemas.Finding     `json:"findings"`
	Invocations int                   `json:"invocations"`
	Summary     map[string]int        `json:"summary"`
	GeneratedAt time.Time             `json:"generated_at"`
}

var severityRank = map[schemas.Severity]int{
	schemas.SeverityCritical: 0,
	schemas.SeverityHigh:     1,
	schemas.SeverityMedium:   2,
	schemas.SeverityLow:      3,
	schemas.SeverityInfo:     4,
}

// Build assembles the report, sorting findings by severity then observation
// time.
func Build(session schemas.SessionRecord, findings []schemas.Finding, invocations int) Report {
	sorted := append([]schemas.Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := severityRank[sorted[i].Severity], severityRank[sorted[j].Severity]
		if ri != rj {
			return ri < rj
		}
		return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
	})

	summary := make(map[string]int)
	for _, f := range sorted {
		summary[string(f.Severity)]++
	}

	return Report{
		Session:     session,
		Findings:    sorted,
		Invocations: invocations,
		Summary:     summary,
		GeneratedAt: time.Now().UTC(),
	}
}

// JSON renders the report as indented JSON.
func (r Report) JSON() ([]byte, error) {
	return codec.MarshalIndent(r, "", "  ")
}

// Markdown renders the report for human review.
func (r Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Security Assessment Report\n\n")
	fmt.Fprintf(&b, "- **Target:** %s (%s)\n", r.Session.Target.Raw, r.Session.Target.Kind)
	fmt.Fprintf(&b, "- **Session:** %s\n", r.Session.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", r.Session.Status)
	fmt.Fprintf(&b, "- **Started:** %s\n", r.Session.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Tool invocations:** %d\n", r.Invocations)
	fmt.Fprintf(&b, "- **Generated:** %s\n\n", r.GeneratedAt.Format(time.RFC3339))

	b.WriteString("## Summary\n\n")
	if len(r.Findings) == 0 {
		b.WriteString("No findings were recorded.\n")
		return b.String()
	}
	b.WriteString("| Severity | Count |\n|---|---|\n")
	for _, sev := range []schemas.Severity{
		schemas.SeverityCritical, schemas.SeverityHigh, schemas.SeverityMedium,
		schemas.SeverityLow, schemas.SeverityInfo,
	} {
		if n := r.Summary[string(sev)]; n > 0 {
			fmt.Fprintf(&b, "| %s | %d |\n", sev, n)
		}
	}

	b.WriteString("\n## Findings\n")
	for i, f := range r.Findings {
		fmt.Fprintf(&b, "\n### %d. %s [%s]\n\n", i+1, f.Title, strings.ToUpper(string(f.Severity)))
		if f.Description != "" {
			fmt.Fprintf(&b, "%s\n", f.Description)
		}
		if len(f.Evidence) > 0 && string(f.Evidence) != "{}" && string(f.Evidence) != "null" {
			fmt.Fprintf(&b, "\n**Evidence:**\n\n```json\n%s\n```\n", string(f.Evidence))
		}
		if f.Remediation != "" {
			fmt.Fprintf(&b, "\n**Remediation:** %s\n", f.Remediation)
		}
		fmt.Fprintf(&b, "\n_Observed %s, status %s._\n", f.ObservedAt.Format(time.RFC3339), f.Status)
	}
	return b.String()
}
