package client

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/hooksync/hooksync/catalog"
	"github.com/hooksync/hooksync/hooks"
	"github.com/hooksync/hooksync/remediation"
)

var (
	colorBad  = color.New(color.FgRed).SprintFunc()
	colorWarn = color.New(color.FgYellow).SprintFunc()
	colorGood = color.New(color.FgGreen).SprintFunc()
	colorDim  = color.New(color.Faint).SprintFunc()
)

func renderClassification(c hooks.Classification) string {
	var b strings.Builder
	switch c.AggregateStatus {
	case hooks.AggregateEnabled:
		b.WriteString(colorGood(string(c.AggregateStatus)))
	case hooks.AggregateMixed:
		b.WriteString(colorWarn(string(c.AggregateStatus)))
	default:
		b.WriteString(string(c.AggregateStatus))
	}
	if c.HasConflict() {
		fmt.Fprintf(&b, " %s", colorBad("conflict="+c.Mask().String()))
	}
	if c.Degraded {
		fmt.Fprintf(&b, " %s", colorWarn("degraded"))
	}
	return b.String()
}

func renderStatus(s hooks.Status) string {
	switch s {
	case hooks.StatusEnabled:
		return colorGood(string(s))
	case hooks.StatusMissing:
		return colorBad(string(s))
	case hooks.StatusUnknown:
		return colorWarn(string(s))
	case hooks.StatusRemoved:
		return colorDim(string(s))
	}
	return string(s)
}

func renderResult(r remediation.Result) string {
	switch r {
	case remediation.Succeeded:
		return colorGood(string(r))
	case remediation.Partial:
		return colorWarn(string(r))
	case remediation.Failed:
		return colorBad(string(r))
	}
	return string(r)
}

func printHookList(w io.Writer, hs []*catalog.Hook) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCLUSTER\tCOMMAND\tSTAGE\tNAME\tSTATE")
	for _, h := range hs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", h.ID, h.ClusterID, h.Command, h.Stage, h.Name, renderClassification(h.Classification))
	}
	tw.Flush()
}

func printHook(w io.Writer, h *catalog.Hook) {
	fmt.Fprintf(w, "hook %s (%s)\n", h.ID, h.Definition.String())
	fmt.Fprintf(w, "  content type: %s\n", h.ContentType)
	if h.Checksum != "" {
		fmt.Fprintf(w, "  checksum:     %s\n", h.Checksum.Short())
	}
	fmt.Fprintf(w, "  state:        %s\n", renderClassification(h.Classification))

	byServer := make(map[string]hooks.Replica, len(h.Replicas))
	for _, r := range h.Replicas {
		byServer[r.ServerID] = r
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  SERVER\tSTATUS\tCHECKSUM\tUPDATED")
	seen := make(map[string]bool, len(h.Expected))
	for _, s := range h.Expected {
		seen[s] = true
		r, ok := byServer[s]
		if !ok {
			fmt.Fprintf(tw, "  %s\t%s\t\t\n", s, colorDim("never seen"))
			continue
		}
		printReplicaRow(tw, r)
	}
	for _, r := range h.Replicas {
		if !seen[r.ServerID] {
			printReplicaRow(tw, r)
		}
	}
	tw.Flush()
}

func printReplicaRow(w io.Writer, r hooks.Replica) {
	fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", r.ServerID, renderStatus(r.Status), r.Checksum.Short(), r.UpdatedAt.Format(time.RFC3339))
}

func printReport(w io.Writer, r *remediation.Report) {
	fmt.Fprintf(w, "%s %s (%s): %s, %d/%d servers ok\n", r.Op, r.HookID, r.Scope, renderResult(r.Result), r.Succeeded(), len(r.Servers))
	for _, s := range r.Servers {
		if s.OK {
			fmt.Fprintf(w, "  %s: ok\n", s.ServerID)
		} else {
			fmt.Fprintf(w, "  %s: %s %s\n", s.ServerID, colorBad(string(s.ErrKind)), s.Error)
		}
	}
	if r.HookRemoved {
		fmt.Fprintf(w, "  hook removed\n")
	} else {
		fmt.Fprintf(w, "  state: %s\n", renderClassification(r.Classification))
	}
}
