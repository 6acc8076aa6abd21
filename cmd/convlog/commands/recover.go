package commands

import (
	"convlog/internal/model"
	"convlog/internal/service/recovery"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Restore an account on this device",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Recover from the seed phrase read on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			seed, err := readSeed(cmd.InOrStdin())
			if err != nil {
				return err
			}
			res, err := appCtx.Recovery.RecoverFromSeedPhrase(cmd.Context(), seed, handle)
			if err != nil {
				return err
			}
			printResult(cmd, res)
			return nil
		},
	}, &cobra.Command{
		Use:   "backup <file>",
		Short: "Rejoin the conversations listed in an exported backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			b, err := recovery.ParseBackup(data)
			if err != nil {
				return err
			}
			res, err := appCtx.Recovery.RecoverFromBackup(cmd.Context(), b, handle)
			if err != nil {
				return err
			}
			printResult(cmd, res)
			return nil
		},
	})
	return cmd
}

func printResult(cmd *cobra.Command, res model.RecoveryResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Recovered %d conversations.\n", res.ConversationsRecovered)
	for _, id := range res.Failed {
		fmt.Fprintf(out, "  not recovered: %s\n", id)
	}
}

func exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup of the account's conversation keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			b, err := appCtx.Recovery.ExportRecoveryData(cmd.Context(), handle)
			if err != nil {
				return err
			}
			data, err := recovery.MarshalBackup(b)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return os.WriteFile(output, data, 0o600)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default stdout)")
	return cmd
}
