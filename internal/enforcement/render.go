package enforcement

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

const renderedOutputLines = 10

// Render writes the human-readable report of a trigger run. Runs that
// checked nothing print only when verbose.
func Render(w io.Writer, r Report, verbose bool) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	dim := color.New(color.Faint)

	var skipped string
	switch {
	case r.Disabled:
		skipped = "Enforcement is disabled"
	case r.NothingStaged:
		skipped = "No staged files to check"
	case len(r.Results) == 0:
		skipped = fmt.Sprintf("No rules configured for %s", r.Trigger)
	}
	if skipped != "" {
		if verbose {
			dim.Fprintln(w, skipped)
		}
		return
	}

	fmt.Fprintf(w, "\nPoni enforcement checks (%s):\n\n", r.Trigger)
	for _, res := range r.Results {
		if res.Passed {
			green.Fprint(w, "  ✓ ")
			fmt.Fprintln(w, res.Rule)
			continue
		}
		red.Fprint(w, "  ✗ ")
		fmt.Fprintln(w, res.Rule)
		out := strings.TrimRight(res.Output, "\n")
		if out == "" {
			continue
		}
		lines := strings.Split(out, "\n")
		for _, line := range lines[:min(len(lines), renderedOutputLines)] {
			dim.Fprintf(w, "    %s\n", line)
		}
		if len(lines) > renderedOutputLines {
			dim.Fprintln(w, "    ...")
		}
	}

	fmt.Fprintln(w)
	if failed := len(r.Failed()); failed > 0 {
		red.Fprintf(w, "Blocked. Fix %d issue(s) above.\n", failed)
		return
	}
	green.Fprintln(w, "All checks passed.")
}
