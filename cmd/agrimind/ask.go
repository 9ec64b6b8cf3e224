package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haricheung/agrimind/internal/types"
	"github.com/haricheung/agrimind/internal/ui"
)

// askCmd runs a single query and prints the outcome.
var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Run one query through the pipeline and exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		events := a.bus.SubscribeAll()
		displayCtx, stopDisplay := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			ui.New(events, cmd.OutOrStdout()).Run(displayCtx)
			close(done)
		}()

		err = a.orch.Send(ctx, strings.Join(args, " "))
		if err == nil && a.sess.Snapshot().PendingApproval != "" && askDecision != "" {
			err = a.orch.ResolveApproval(askDecision == "approve", "")
		}
		// Let the display drain what the run published before stopping it.
		a.bus.Unsubscribe(events)
		<-done
		stopDisplay()
		if err != nil {
			return err
		}
		if a.sess.Memory().Status == types.StatusError {
			return errors.New("run finished with errors; see the run log")
		}
		return nil
	},
}

var askDecision string

func init() {
	askCmd.Flags().StringVar(&askDecision, "decision", "",
		"resolve a pending approval automatically: approve or deny")
	askCmd.PreRunE = func(_ *cobra.Command, _ []string) error {
		switch askDecision {
		case "", "approve", "deny":
			return nil
		}
		return fmt.Errorf("--decision must be approve or deny")
	}
}
