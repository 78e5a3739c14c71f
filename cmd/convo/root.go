package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// shutdownTimeout bounds the final save and exporter flush on exit.
const shutdownTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "convo",
		Short: "Streaming chat sessions against the console API",
		Long: `convo keeps a set of chat sessions, streams model replies into them and
keeps them in sync with the console's session store.

Quick Start:
  convo chat                      # Interactive chat
  convo sessions list             # List saved sessions
  convo --offline chat            # Keep sessions in memory only`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags)
		},
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", os.Getenv("CONVO_CONFIG"), "Configuration file (YAML)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flags.offline, "offline", false, "Keep sessions in memory instead of the console API")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newChatCmd(flags), newSessionsCmd(flags))
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// closeApp runs the final save with its own deadline, independent of any
// cancelled command context.
func closeApp(a *app) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Close(ctx)
}
