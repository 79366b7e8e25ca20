package server

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/scholium/scholium/store"
)

const tableTimeLayout = "2006-01-02 15:04"

// summarizeSearch is the one-line text companion of the structured payload.
func summarizeSearch(out *searchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d results, status %s", out.Count, out.Status)
	if len(out.Sources) > 0 {
		fmt.Fprintf(&b, ", sources %s", strings.Join(out.Sources, "+"))
	}
	if out.SessionID != "" {
		fmt.Fprintf(&b, ", session %s", out.SessionID)
	}
	if len(out.StepErrors) > 0 {
		fmt.Fprintf(&b, ", %d step errors", len(out.StepErrors))
	}
	return b.String()
}

// renderArticleTable renders the human-readable form of a search result.
func renderArticleTable(out *searchResult) string {
	var b strings.Builder
	b.WriteString(summarizeSearch(out))
	b.WriteString("\n\n")
	w := tabwriter.NewWriter(&b, 0, 8, 2, ' ', 0)
	if len(out.Articles) == 0 {
		fmt.Fprintln(w, "#\tID")
		for i, id := range out.IDs {
			fmt.Fprintf(w, "%d\t%s\n", i+1, id)
		}
	} else {
		fmt.Fprintln(w, "#\tSCORE\tYEAR\tCITES\tID\tTITLE\tJOURNAL")
		for i, a := range out.Articles {
			fmt.Fprintf(w, "%d\t%.2f\t%s\t%s\t%s\t%s\t%s\n",
				i+1, a.Score, orDash(a.Year), intPtrOrDash(a.Citations),
				a.ID, truncate(a.Title, 60), truncate(a.Journal, 24))
		}
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func renderMetaTable(metas []store.Meta) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSCOPE\tSTEPS\tTAGS\tUPDATED\tDESCRIPTION")
	for _, m := range metas {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			m.Name, m.Scope, m.StepCount, strings.Join(m.Tags, ","),
			timeOrDash(m.UpdatedAt), truncate(m.Description, 48))
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func renderRunTable(name string, runs []store.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run history for %q, newest first\n\n", name)
	w := tabwriter.NewWriter(&b, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tARTICLES\tNEW\tREMOVED\tUNCHANGED")
	for _, r := range runs {
		newN, removedN, unchanged := "-", "-", "-"
		if r.Diff != nil {
			newN = strconv.Itoa(len(r.Diff.New))
			removedN = strconv.Itoa(len(r.Diff.Removed))
			unchanged = strconv.Itoa(r.Diff.Unchanged)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncate(r.RunID, 8), r.Status, timeOrDash(r.StartedAt),
			r.ArticleCount, newN, removedN, unchanged)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func renderScheduleTable(entries []store.ScheduleEntry) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PIPELINE\tCRON\tENABLED\tNEXT RUN\tLAST RUN\tLAST STATUS\tRUNS\tDIFF\tNOTIFY")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Pipeline, e.Cron, yesNo(e.Enabled), timeOrDash(e.NextRun),
			timeOrDash(e.LastRun), strOrDash(e.LastStatus), e.RunCount,
			yesNo(e.Diff), yesNo(e.Notify))
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func renderScheduleStatus(st scheduleStatus) string {
	e := st.Entry
	lines := []string{
		fmt.Sprintf("pipeline: %s", e.Pipeline),
		fmt.Sprintf("cron: %s", e.Cron),
		fmt.Sprintf("enabled: %s", yesNo(e.Enabled)),
		fmt.Sprintf("in flight: %s", yesNo(st.InFlight)),
		fmt.Sprintf("next run: %s", timeOrDash(e.NextRun)),
		fmt.Sprintf("last run: %s (%s)", timeOrDash(e.LastRun), strOrDash(e.LastStatus)),
		fmt.Sprintf("runs: %d", e.RunCount),
		fmt.Sprintf("diff: %s, notify: %s", yesNo(e.Diff), yesNo(e.Notify)),
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func timeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(tableTimeLayout)
}

func orDash(n int) string {
	if n == 0 {
		return "-"
	}
	return strconv.Itoa(n)
}

func intPtrOrDash(p *int) string {
	if p == nil {
		return "-"
	}
	return strconv.Itoa(*p)
}

func strOrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
