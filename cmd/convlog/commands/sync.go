package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [conversation]...",
		Short: "Download new entries for every (or the given) conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			tr, _, err := appCtx.Tracker(cmd.Context(), handle)
			if err != nil {
				return err
			}
			defer tr.Close()

			var syncErr error
			if len(args) == 0 {
				syncErr = tr.SyncAll(cmd.Context())
			} else {
				for _, id := range args {
					if _, err := tr.Sync(cmd.Context(), id); err != nil && syncErr == nil {
						syncErr = err
					}
				}
			}

			for _, st := range tr.States() {
				line := fmt.Sprintf("%-40s %-8s %3.0f%%", st.ConversationID, st.Status, st.SyncProgress()*100)
				if st.LastError != "" {
					line += "  " + st.LastError
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return syncErr
		},
	}
}
