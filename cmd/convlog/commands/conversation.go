package commands

import (
	"convlog/internal/model"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func createCmd() *cobra.Command {
	var (
		group bool
		name  string
	)
	cmd := &cobra.Command{
		Use:   "create <handle>...",
		Short: "Start a direct conversation or a group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			client, err := appCtx.Client(cmd.Context(), handle)
			if err != nil {
				return err
			}
			core, err := client.Create(cmd.Context(), args, group, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nlog key:       %s\ndiscovery key: %s\n", core.ID, core.LogPublicKey, core.DiscoveryKey)
			return nil
		},
	}
	cmd.Flags().BoolVar(&group, "group", false, "create a group")
	cmd.Flags().StringVar(&name, "name", "", "group name")
	return cmd
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <conversation> <log key> [discovery key]",
		Short: "Join a conversation by its public coordinates",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			logKey, err := model.ParseHexKey(args[1])
			if err != nil {
				return fmt.Errorf("log key: %w", err)
			}
			var discoveryKey model.HexKey
			if len(args) == 3 {
				if discoveryKey, err = model.ParseHexKey(args[2]); err != nil {
					return fmt.Errorf("discovery key: %w", err)
				}
			}
			client, err := appCtx.Client(cmd.Context(), handle)
			if err != nil {
				return err
			}
			core, err := client.Join(cmd.Context(), args[0], logKey, discoveryKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined %s (%s)\n", core.ID, strings.Join(core.Handles(), ", "))
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the conversations known on this device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireHandle(); err != nil {
				return err
			}
			client, err := appCtx.Client(cmd.Context(), handle)
			if err != nil {
				return err
			}
			cores, err := client.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range cores {
				remote := "?"
				if c.RemoteLength != nil {
					remote = fmt.Sprint(*c.RemoteLength)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s/%s  %s\n", c.ID, fmt.Sprint(c.LocalLength), remote, strings.Join(c.Handles(), ","))
			}
			return nil
		},
	}
}
