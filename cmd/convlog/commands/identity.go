package commands

import (
	"convlog/internal/model"
	"fmt"

	"github.com/spf13/cobra"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the account identity",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Derive keys from a seed phrase read on stdin and publish the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			seed, err := readSeed(cmd.InOrStdin())
			if err != nil {
				return err
			}
			acct, err := appCtx.Identities.Initialize(cmd.Context(), seed, handle)
			if err != nil {
				return err
			}
			if err := appCtx.IDs.Publish(cmd.Context(), acct); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity %s ready.\nFingerprint: %s\n", acct.Handle, acct.Fingerprint())
			return nil
		},
	}, &cobra.Command{
		Use:   "show",
		Short: "Print the public keys of the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			acct, err := appCtx.Identities.Load(cmd.Context(), handle)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "handle:      %s\n", acct.Handle)
			fmt.Fprintf(out, "fingerprint: %s\n", acct.Fingerprint())
			fmt.Fprintf(out, "identity:    %s\n", model.HexKey(acct.Identity.PublicKey))
			fmt.Fprintf(out, "messaging:   %s\n", model.HexKey(acct.Messaging.Encryption.PublicKey))
			return nil
		},
	}, &cobra.Command{
		Use:   "forget",
		Short: "Delete the account keys from this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			return appCtx.Identities.Forget(cmd.Context(), handle)
		},
	})
	return cmd
}
