package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear [<subject-id> <job-type>]",
		Short: "Forget cached job state",
		Long:  "With a subject and job type, forget everything cached for that job. Without arguments, remove expired entries.",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return errors.New("expected no arguments or <subject-id> <job-type>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newSession()
			if err != nil {
				return err
			}
			defer s.close()

			if len(args) == 0 {
				removed := 0
				for _, store := range []interface{ ClearStale() (int, error) }{s.hot, s.results} {
					n, err := store.ClearStale()
					if err != nil {
						return fmt.Errorf("clear stale entries: %w", err)
					}
					removed += n
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale entries\n", removed)
				return nil
			}

			key, err := parseKey(args)
			if err != nil {
				return err
			}
			if err := s.hot.Delete(key.String()); err != nil {
				return err
			}
			if err := s.results.Delete(key.String()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", key)
			return nil
		},
	}
}
