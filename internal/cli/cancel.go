package cli

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/listingintel/pkg/client"
	"github.com/spf13/cobra"
)

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <subject-id> <job-type>",
		Short: "Cancel a running job",
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

			o := s.orchestrator(client.Config{})
			defer o.Close()

			job, err := o.Attach(cmd.Context(), key.SubjectID, key.Type)
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("no job for %s", key)
			}
			if err != nil {
				return fmt.Errorf("find job: %w", err)
			}
			if job.Terminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s already %s\n", job.ID, job.Status)
				return nil
			}

			if err := o.Cancel(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled job %s\n", job.ID)
			return nil
		},
	}
}
