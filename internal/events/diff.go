package events

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// PlanDiff renders a line diff between the remaining steps of the previous
// plan and the new plan: one step per line, prefixed with "+", "-", or " ".
// Identical plans produce an empty diff.
func PlanDiff(oldSteps, newSteps []string) string {
	oldText := strings.Join(oldSteps, "\n")
	newText := strings.Join(newSteps, "\n")
	if oldText == newText {
		return ""
	}

	dmp := diffmatchpatch.New()
	chars1, chars2, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lines)

	var b strings.Builder
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewPlanReplanned builds the replan event, diffing the old remaining steps
// against the new plan.
func NewPlanReplanned(oldSteps, newSteps []string) PlanReplanned {
	return PlanReplanned{
		NewPlan: newSteps,
		Diff:    PlanDiff(oldSteps, newSteps),
	}
}
