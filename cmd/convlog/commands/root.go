// Package commands implements the convlog command line.
package commands

import (
	"bufio"
	"context"
	"convlog/internal/config"
	"convlog/internal/service/app"
	"convlog/internal/utils/log"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configPath string
	handle     string

	cfg    config.Config
	appCtx *app.App
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "convlog",
		Short:        "End-to-end encrypted conversation logs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
			if err := log.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			appCtx, err = app.Open(cmd.Context(), cfg)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			log.Sync()
			if appCtx == nil {
				return nil
			}
			err := appCtx.Close()
			appCtx = nil
			return err
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&handle, "handle", "", "account handle")

	root.AddCommand(
		identityCmd(),
		recoverCmd(),
		exportCmd(),
		createCmd(),
		joinCmd(),
		listCmd(),
		syncCmd(),
		sendCmd(),
		readCmd(),
	)
	return root
}

func requireHandle() error {
	if handle == "" {
		return errors.New("--handle is required")
	}
	return nil
}

// readSeed takes the seed phrase from the first line of r so it never ends
// up in shell history.
func readSeed(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("seed phrase expected on stdin")
	}
	return line, nil
}
