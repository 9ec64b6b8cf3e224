package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/haricheung/agrimind/internal/types"
	"github.com/haricheung/agrimind/internal/ui"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive advisory session in the terminal",
	RunE:  runChat,
}

const chatHelp = `Describe your farm and the problem you see. Commands:
  /approve [reason]  accept the pending recommendation
  /deny [reason]     reject the pending recommendation
  /history           list archived records
  /help              show this help
  exit               quit`

func runChat(_ *cobra.Command, _ []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	// Pipeline tracing goes to a file so it does not interleave with the REPL.
	if f, err := openLogFile(cfg.Log.Dir); err == nil {
		log.SetOutput(f)
		defer f.Close()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[32magrimind>\033[0m ",
		HistoryFile:     filepath.Join(cfg.Log.Dir, "chat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	events := a.bus.SubscribeAll()
	defer a.bus.Unsubscribe(events)
	go ui.New(events, rl.Stdout()).Run(ctx)

	fmt.Fprintln(rl.Stdout(), "🚜 agrimind: agricultural advisory agents (type /help)")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case input == "/help":
			fmt.Fprintln(rl.Stdout(), chatHelp)
		case input == "/history":
			printHistory(rl.Stdout(), a.sess.Memory().History)
		case strings.HasPrefix(input, "/approve"), strings.HasPrefix(input, "/deny"):
			approved := strings.HasPrefix(input, "/approve")
			reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(input, "/approve"), "/deny"))
			if err := a.orch.ResolveApproval(approved, reason); err != nil {
				fmt.Fprintf(rl.Stdout(), "⚠️  %v\n", err)
			}
		default:
			if err := a.orch.Send(ctx, input); err != nil {
				fmt.Fprintf(rl.Stdout(), "⚠️  %v\n", err)
			}
		}
	}
}

func printHistory(w io.Writer, records []types.HistoricalRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no archived records")
		return
	}
	for _, r := range records {
		fmt.Fprintf(w, "  %s  %-12s %-10s %-11s %s\n", r.Timestamp.Format("2006-01-02"), r.Season, r.CropType, r.Outcome, r.Issue)
	}
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "agrimind.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
