package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/aapsync/internal/schedules"
)

func schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Work with schedule recurrence rules",
	}
	cmd.AddCommand(previewCmd())
	return cmd
}

func previewCmd() *cobra.Command {
	var (
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:     "preview <rrule>",
		Short:   "Print the next occurrences of a recurrence rule",
		Example: `  aapsync schedules preview "DTSTART:20260101T020000Z RRULE:FREQ=DAILY"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}
			now := time.Now().UTC()
			if from != "" {
				var err error
				if now, err = parseTime(from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}

			occurrences, err := schedules.Preview(args[0], now, count)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(occurrences) == 0 {
				fmt.Fprintln(out, "no upcoming occurrences")
				return nil
			}
			for _, o := range occurrences {
				fmt.Fprintln(out, o.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of occurrences")
	cmd.Flags().StringVar(&from, "from", "", "list occurrences after this time (default now)")
	return cmd
}
