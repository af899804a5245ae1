package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/resize"
	"github.com/openfroyo/rightsize/pkg/stores"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResults(w io.Writer, results []*engine.RunResult) error {
	if jsonOutput {
		return writeJSON(w, results)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tINSTANCE\tSTATUS\tDURATION\tFAILING STEP\tERROR")
	for _, r := range results {
		instance := ""
		if v, ok := r.Parameters[resize.ParamInstanceID]; ok {
			instance = v.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, instance, r.Status, r.Duration.Round(time.Second), dash(r.FailingStep), dash(r.ErrorMessage()))
	}
	return tw.Flush()
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if jsonOutput {
		if runs == nil {
			runs = []*stores.Run{}
		}
		return writeJSON(w, runs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWORKFLOW\tINSTANCE\tSTATUS\tSTARTED\tDURATION\tFAILING STEP")
	for _, r := range runs {
		instance := ""
		if v, ok := r.Parameters[resize.ParamInstanceID]; ok {
			instance = v.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Workflow, instance, r.Status, r.StartedAt.Local().Format(time.RFC3339),
			r.Duration.Round(time.Second), dash(r.FailingStep))
	}
	return tw.Flush()
}

type runDetail struct {
	*stores.Run
	Events []*stores.Event `json:"events"`
}

func printRun(w io.Writer, run *stores.Run, events []*stores.Event) error {
	if jsonOutput {
		if events == nil {
			events = []*stores.Event{}
		}
		return writeJSON(w, runDetail{Run: run, Events: events})
	}

	fmt.Fprintf(w, "Run:         %s\n", run.ID)
	fmt.Fprintf(w, "Workflow:    %s (%s)\n", run.Workflow, run.Fingerprint)
	fmt.Fprintf(w, "Status:      %s\n", run.Status)
	fmt.Fprintf(w, "Started:     %s\n", run.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Duration:    %s\n", run.Duration.Round(time.Second))
	if run.FailingStep != "" {
		fmt.Fprintf(w, "Failing:     %s\n", run.FailingStep)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:       %s (%s)\n", run.Error, run.ErrorKind)
	}

	fmt.Fprintln(w, "\nSteps:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  STEP\tACTION\tSTATUS\tATTEMPTS\tDURATION\tERROR")
	for _, s := range run.Steps {
		name := s.Name
		if s.Cleanup {
			name += " (cleanup)"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%s\t%s\n",
			name, s.Action, s.Status, s.Attempts, s.Duration.Round(time.Millisecond), dash(s.Error))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		for _, e := range events {
			fmt.Fprintf(w, "  %s  %-7s %-20s %s\n", e.Timestamp.Local().Format(time.RFC3339), e.Level, e.Type, e.Message)
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
