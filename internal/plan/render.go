package plan

import (
	"fmt"
	"strings"
)

// Render produces the reviewer-facing markdown view of a plan.
func Render(p Plan) string {
	var b strings.Builder
	title := p.Title
	if title == "" {
		title = ApprovalTitle(p.Type)
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- **ID:** %s\n", p.ID)
	fmt.Fprintf(&b, "- **Type:** %s\n", p.Type)
	fmt.Fprintf(&b, "- **Status:** %s\n", p.Status)
	fmt.Fprintf(&b, "- **Priority:** %s\n", p.Priority)
	fmt.Fprintf(&b, "- **Risk:** %s\n", p.Risk)
	if p.Recipient != "" {
		fmt.Fprintf(&b, "- **Recipient:** %s\n", p.Recipient)
	}
	if p.Source.Ref != "" {
		fmt.Fprintf(&b, "- **Source:** %s\n", sourceLabel(p.Source))
	}
	if p.Reversibility != "" {
		fmt.Fprintf(&b, "- **Reversibility:** %s\n", p.Reversibility)
	}
	if len(p.Tags) > 0 {
		fmt.Fprintf(&b, "- **Tags:** %s\n", strings.Join(p.Tags, ", "))
	}

	b.WriteString("\n## Summary\n\n")
	summary := p.Summary
	if summary == "" {
		summary = Summarize(p.Content)
	}
	b.WriteString(summary)
	b.WriteString("\n")

	b.WriteString("\n## Sensitivity\n\n")
	if len(p.Flags) == 0 {
		b.WriteString("No flags raised.\n")
	}
	for _, f := range p.Flags {
		fmt.Fprintf(&b, "- `%s` (%s): %s\n", f.Type, f.Severity, f.Reason)
	}

	writeList(&b, "Checklist", p.Checklist, func(i int, s string) string {
		mark := " "
		if p.Status == StatusExecuted {
			mark = "x"
		}
		return fmt.Sprintf("- [%s] %s", mark, s)
	})
	writeList(&b, "Execution Steps", p.ExecutionSteps, func(i int, s string) string {
		return fmt.Sprintf("%d. %s", i+1, s)
	})

	if p.Decision != nil {
		b.WriteString("\n## Decision\n\n")
		fmt.Fprintf(&b, "- **Kind:** %s\n", p.Decision.Kind)
		fmt.Fprintf(&b, "- **By:** %s\n", p.Decision.DecidedBy)
		fmt.Fprintf(&b, "- **At:** %s\n", formatTime(p.Decision.DecidedAt))
		if p.Decision.Notes != "" {
			fmt.Fprintf(&b, "- **Notes:** %s\n", p.Decision.Notes)
		}
	}
	if p.Attempts > 0 || p.Executed() {
		b.WriteString("\n## Execution\n\n")
		fmt.Fprintf(&b, "- **Attempts:** %d\n", p.Attempts)
		if p.LastError != "" {
			fmt.Fprintf(&b, "- **Last error:** %s\n", p.LastError)
		}
		if p.Stalled() {
			fmt.Fprintf(&b, "- **Stalled since:** %s\n", formatTime(p.StalledAt))
		}
		if p.Executed() {
			fmt.Fprintf(&b, "- **Executed at:** %s\n", formatTime(*p.ExecutedAt))
		}
		if p.Result != "" {
			fmt.Fprintf(&b, "- **Result:** %s\n", p.Result)
		}
	}

	b.WriteString("\n## Content\n\n")
	b.WriteString(p.Content)
	if !strings.HasSuffix(p.Content, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string, format func(int, string) string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", heading)
	for i, item := range items {
		b.WriteString(format(i, item))
		b.WriteString("\n")
	}
}

func sourceLabel(src Source) string {
	if src.Producer == "" {
		return src.Ref
	}
	return src.Producer + ":" + src.Ref
}
