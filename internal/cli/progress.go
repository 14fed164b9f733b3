package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kiranshivaraju/listingintel/pkg/client"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// progressView renders orchestrator callbacks as a progress bar.
type progressView struct {
	bar *progressbar.ProgressBar
}

func newProgressView(w io.Writer, quiet bool) *progressView {
	if quiet {
		w = io.Discard
	}
	return &progressView{
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("starting"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
		),
	}
}

// callbacks returns the orchestrator hooks that drive the bar.
func (v *progressView) callbacks() client.Config {
	return client.Config{
		OnUpdate: func(j client.Job) {
			v.bar.Describe(describe(j))
			_ = v.bar.Set(j.Progress)
		},
		OnError: func(err error) {
			if errors.Is(err, client.ErrRecoverable) {
				v.bar.Describe("reconnecting")
			}
		},
	}
}

func (v *progressView) finish() {
	_ = v.bar.Finish()
}

func describe(j client.Job) string {
	if j.PartialOutput != nil && *j.PartialOutput != "" {
		return fmt.Sprintf("%s: %s", j.Status, *j.PartialOutput)
	}
	return string(j.Status)
}

// printJob writes the job outcome to stdout.
func (a *app) printJob(cmd *cobra.Command, job client.Job) error {
	out := cmd.OutOrStdout()
	if a.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	fmt.Fprintf(out, "%s %s: %s\n", job.Type, job.SubjectID, job.Status)
	if job.Error != nil {
		fmt.Fprintf(out, "error: %s\n", *job.Error)
	}
	if len(job.Result) > 0 {
		var pretty any
		if err := json.Unmarshal(job.Result, &pretty); err != nil {
			fmt.Fprintln(out, string(job.Result))
			return nil
		}
		b, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintln(out, string(b))
	}
	return nil
}
