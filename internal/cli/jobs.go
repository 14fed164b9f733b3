package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/listingintel/pkg/client"
	"github.com/kiranshivaraju/listingintel/pkg/models"
	"github.com/spf13/cobra"
)

func newStartCmd(a *app) *cobra.Command {
	var (
		params string
		force  bool
		detach bool
	)

	cmd := &cobra.Command{
		Use:   "start <subject-id> <job-type>",
		Short: "Start an analysis and follow it to completion",
		Long: "Start an analysis and follow it to completion. A result already fetched in the last 24h " +
			"is printed from the local cache unless --force is given.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			var raw json.RawMessage
			if params != "" {
				if !json.Valid([]byte(params)) {
					return errors.New("--params must be valid JSON")
				}
				raw = json.RawMessage(params)
			}

			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.close()

			if force {
				if err := s.results.Delete(key.String()); err != nil {
					return fmt.Errorf("drop cached result: %w", err)
				}
			} else if e, ok := s.results.Load(key.String()); ok {
				var job client.Job
				if err := e.Decode(&job); err == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "using cached result; pass --force to run again")
					return a.printJob(cmd, job)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			view := newProgressView(cmd.ErrOrStderr(), a.jsonOut || detach)
			o := s.orchestrator(view.callbacks())
			job, err := o.Start(ctx, key.SubjectID, key.Type, raw)
			if err != nil {
				o.Close()
				return fmt.Errorf("start job: %w", err)
			}
			if detach {
				o.Close()
				fmt.Fprintf(cmd.OutOrStdout(), "started job %s (%s)\n", job.ID, job.Status)
				return nil
			}
			return a.follow(ctx, cmd, o, view, key)
		},
	}

	cmd.Flags().StringVar(&params, "params", "", "job parameters as a JSON object")
	cmd.Flags().BoolVar(&force, "force", false, "ignore a cached result and run again")
	cmd.Flags().BoolVar(&detach, "detach", false, "start the job and return without following it")
	return cmd
}

func newAttachCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <subject-id> <job-type>",
		Short: "Resume following a job started earlier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}

			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			view := newProgressView(cmd.ErrOrStderr(), a.jsonOut)
			o := s.orchestrator(view.callbacks())
			if _, err := o.Attach(ctx, key.SubjectID, key.Type); err != nil {
				o.Close()
				if errors.Is(err, client.ErrNotFound) {
					return fmt.Errorf("no job for %s; start one with %s start %s %s", key, AppName, key.SubjectID, key.Type)
				}
				return fmt.Errorf("attach: %w", err)
			}
			return a.follow(ctx, cmd, o, view, key)
		},
	}
}

// follow waits for the orchestrator's outcome. An interrupt detaches and
// leaves the job running on the server.
func (a *app) follow(ctx context.Context, cmd *cobra.Command, o *client.Orchestrator, view *progressView, key models.JobKey) error {
	defer o.Close()

	job, err := o.Wait(ctx)
	view.finish()

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		fmt.Fprintf(cmd.ErrOrStderr(), "detached; resume with: %s attach %s %s\n", AppName, key.SubjectID, key.Type)
		return nil
	}
	if err != nil {
		var failed *client.JobFailedError
		if errors.As(err, &failed) {
			_ = a.printJob(cmd, failed.Job)
			if failed.Job.TimedOut() {
				return fmt.Errorf("%w; run %s start again", err, AppName)
			}
		}
		return err
	}
	return a.printJob(cmd, job)
}

func parseKey(args []string) (models.JobKey, error) {
	t, err := models.ParseJobType(args[1])
	if err != nil {
		return models.JobKey{}, err
	}
	return models.JobKey{SubjectID: args[0], Type: t}, nil
}
