package commands

import (
	"convlog/internal/model"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <message>",
		Short: "Encrypt and append a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			client, err := appCtx.Client(cmd.Context(), handle)
			if err != nil {
				return err
			}
			msg, index, err := client.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s at %d\n", msg.ID, index)
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	var markRead bool
	cmd := &cobra.Command{
		Use:   "read <conversation>",
		Short: "Print the decrypted timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			client, err := appCtx.Client(cmd.Context(), handle)
			if err != nil {
				return err
			}
			tl, err := client.Timeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			last := -1
			for _, m := range tl.Messages {
				text := m.Text
				if m.Status != model.MessageAvailable {
					text = "[" + text + "]"
				}
				fmt.Fprintf(out, "%s %-12s %s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Author, text)
				last = m.Index
			}
			for _, w := range tl.Warnings {
				fmt.Fprintf(out, "warning: entry %d from %s hidden: %s\n", w.Index, w.Author, w.Reason)
			}

			if markRead && last >= 0 {
				if _, err := client.MarkRead(cmd.Context(), args[0], last); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&markRead, "mark-read", true, "append a read receipt for the last message")
	return cmd
}
