package cmd

import (
	"amqpav/internal/client"
	"fmt"
	"github.com/spf13/cobra"
)

func newScanCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <file>...",
		Short: "Submit several files and wait for all verdicts concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			c, closeBroker, err := rt.openClient()
			if err != nil {
				return err
			}
			defer closeBroker()

			futures := make([]*client.Future, 0, len(args))
			for _, path := range args {
				id, err := c.CheckFile(ctx, path)
				if err != nil {
					return err
				}
				rt.logger.Info("file submitted", "path", path, "message_id", id)
				futures = append(futures, c.AwaitResultAsync(ctx, id))
			}

			var failed int
			for i, f := range futures {
				r, err := f.Wait(ctx)
				if err != nil {
					return err
				}
				if r.Err != nil {
					failed++
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\terror: %v\n", r.MessageID, args[i], r.Err)
					continue
				}
				verdict := "infected"
				if r.Clean {
					verdict = "clean"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.MessageID, args[i], verdict)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d scans failed", failed, len(args))
			}
			return nil
		},
	}
}
