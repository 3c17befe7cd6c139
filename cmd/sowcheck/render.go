package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	crdberrors "github.com/cockroachdb/errors"
	"github.com/muesli/termenv"

	"sowcheck/internal/scenario"
)

// maxRenderedMissing caps the missing keys printed in the summary. Every
// missing key is still logged.
const maxRenderedMissing = 20

var (
	green = lipgloss.Color("76")
	red   = lipgloss.Color("204")
	dim   = lipgloss.Color("243")
)

type styles struct {
	success lipgloss.Style
	failure lipgloss.Style
	label   lipgloss.Style
}

// newRenderer picks a colour profile for w: colours only on a terminal,
// never under CI or NO_COLOR.
func newRenderer(w io.Writer) *lipgloss.Renderer {
	profile := termenv.Ascii
	if f, ok := w.(*os.File); ok && os.Getenv("CI") == "" && os.Getenv("NO_COLOR") == "" {
		profile = termenv.NewOutput(f).Profile
	}
	return lipgloss.NewRenderer(w, termenv.WithProfile(profile))
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		success: r.NewStyle().Foreground(green),
		failure: r.NewStyle().Foreground(red),
		label:   r.NewStyle().Foreground(dim),
	}
}

// render prints the run summary to w.
func render(w io.Writer, res scenario.Result, err error, r *lipgloss.Renderer) {
	st := newStyles(r)
	var sb strings.Builder

	switch {
	case err != nil:
		sb.WriteString(st.failure.Render("✗") + " " + err.Error() + "\n")
		if hint := crdberrors.FlattenHints(err); hint != "" {
			sb.WriteString(st.label.Render("  hint: ") + hint + "\n")
		}
	case res.Verdict == nil && res.WriteSummary != nil:
		s := res.WriteSummary
		sb.WriteString(st.success.Render("✓") + fmt.Sprintf(" wrote %d entries\n", s.Acked))
	case res.Verdict == nil:
		sb.WriteString(st.success.Render("✓") + " nothing to do for role " + string(res.Role) + "\n")
	case res.Verdict.Passed:
		v := res.Verdict
		sb.WriteString(st.success.Render("✓") + fmt.Sprintf(" convergence verified: %d/%d keys observed in %s\n",
			v.ObservedCount, v.Expected, v.Elapsed.Round(time.Millisecond)))
	default:
		v := res.Verdict
		sb.WriteString(st.failure.Render("✗") + fmt.Sprintf(" convergence failed: %d/%d keys observed, %d missing\n",
			v.ObservedCount, v.Expected, len(v.Missing)))
	}

	pairs := [][2]string{
		{"role", string(res.Role)},
		{"state", string(res.State)},
		{"cluster size", strconv.Itoa(res.ClusterSize)},
	}
	if n := len(res.Membership); n > 0 {
		pairs = append(pairs, [2]string{"membership changes",
			fmt.Sprintf("%d (now %d)", n, res.Membership[n-1].To)})
	}
	if s := res.WriteSummary; s != nil {
		pairs = append(pairs,
			[2]string{"issued", strconv.Itoa(s.Issued)},
			[2]string{"failed", strconv.Itoa(s.Failed)},
			[2]string{"outstanding", strconv.Itoa(s.Outstanding)},
		)
	}
	if res.Verdict != nil {
		obs := res.Observation
		pairs = append(pairs,
			[2]string{"snapshot records", strconv.Itoa(obs.SnapshotRecords)},
			[2]string{"stream events", strconv.Itoa(obs.StreamEvents)},
			[2]string{"foreign keys", strconv.Itoa(obs.Foreign)},
		)
		if res.StoreSize >= 0 {
			pairs = append(pairs, [2]string{"store size", strconv.Itoa(res.StoreSize)})
		}
	}
	sb.WriteString(keyValues(st, "  ", pairs))

	if res.Verdict != nil && len(res.Verdict.Missing) > 0 {
		missing := res.Verdict.Missing
		shown := missing[:min(len(missing), maxRenderedMissing)]
		line := strings.Join(shown, ", ")
		if rest := len(missing) - len(shown); rest > 0 {
			line += fmt.Sprintf(" (+%d more)", rest)
		}
		sb.WriteString(st.label.Render("  missing: ") + st.failure.Render(line) + "\n")
	}
	_, _ = io.WriteString(w, sb.String())
}

func keyValues(st styles, indent string, pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", width+1, p[0]+":")
		sb.WriteString(indent + st.label.Render(label) + " " + p[1] + "\n")
	}
	return sb.String()
}
