package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/convo"
)

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved sessions",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved sessions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLoadedEngine(flags, func(e *convo.Engine) error {
					printSessions(os.Stdout, e.Sessions(), nil)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print the messages of a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				return withLoadedEngine(flags, func(e *convo.Engine) error {
					sess, err := e.Session(id)
					if err != nil {
						return err
					}
					printHistory(os.Stdout, sess)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rename <id> <title>",
			Short: "Rename a session",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				return withLoadedEngine(flags, func(e *convo.Engine) error {
					ctx, cancel := signalContext()
					defer cancel()
					return e.Rename(ctx, id, args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				return withLoadedEngine(flags, func(e *convo.Engine) error {
					ctx, cancel := signalContext()
					defer cancel()
					if err := e.DeleteSession(ctx, id); err != nil {
						return err
					}
					fmt.Printf("deleted %s\n", id)
					return nil
				})
			},
		},
	)
	return cmd
}

// withLoadedEngine bootstraps, loads the persisted sessions and runs fn.
func withLoadedEngine(flags *globalFlags, fn func(e *convo.Engine) error) error {
	a, err := bootstrap(flags, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeApp(a); err != nil {
			a.logger.Error("shutdown failed", "error", err)
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()
	if err := a.engine.Load(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	return fn(a.engine)
}
