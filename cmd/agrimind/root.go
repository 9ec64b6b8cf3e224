package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haricheung/agrimind/internal/agents"
	"github.com/haricheung/agrimind/internal/auditor"
	"github.com/haricheung/agrimind/internal/bus"
	"github.com/haricheung/agrimind/internal/config"
	"github.com/haricheung/agrimind/internal/history"
	"github.com/haricheung/agrimind/internal/metrics"
	"github.com/haricheung/agrimind/internal/orchestrator"
	"github.com/haricheung/agrimind/internal/session"
	"github.com/haricheung/agrimind/internal/tasklog"
)

var (
	cfgFile  string
	parallel bool
	loader   = config.NewLoader()
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "agrimind",
	Short: "Multi-agent agricultural advisory pipeline",
	Long: `agrimind routes a farmer's question through intake, agronomy,
pest-disease and weather specialists, a synthesizer, a quality reviewer and a
supervisor gate. Safe recommendations are archived automatically; risky ones
wait for a human decision.

Running 'agrimind' without arguments starts interactive chat mode.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cfgFile != "" {
			loader.WithConfigFile(cfgFile)
		}
		if f := cmd.Flags().Lookup("parallel"); f != nil && f.Changed {
			loader.Viper().Set("analysis.parallel", parallel)
		}
		var err error
		cfg, err = loader.Load()
		return err
	},
	RunE: runChat,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./.agrimind.yaml or ~/.config/agrimind/.agrimind.yaml)")
	rootCmd.PersistentFlags().BoolVar(&parallel, "parallel", false,
		"run the three specialist agents concurrently")
	rootCmd.PersistentFlags().String("model", "", "model name (overrides llm.model)")
	rootCmd.PersistentFlags().String("history-db", "", "LevelDB directory for persistent history (default: in memory)")

	_ = loader.Viper().BindPFlag("llm.model", rootCmd.PersistentFlags().Lookup("model"))
	_ = loader.Viper().BindPFlag("history.db", rootCmd.PersistentFlags().Lookup("history-db"))

	rootCmd.AddCommand(serveCmd, chatCmd, askCmd)
}

// app is one wired session with its observers.
type app struct {
	bus     *bus.Bus
	metrics *metrics.Metrics
	store   history.Store
	sess    *session.Session
	orch    *orchestrator.Orchestrator
	audit   *auditor.Auditor
}

// newApp builds the pipeline described by cfg and starts the auditor.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	gen, err := cfg.NewGenerator(ctx)
	if err != nil {
		return nil, err
	}
	store, err := cfg.OpenHistory(time.Now())
	if err != nil {
		return nil, err
	}

	b := bus.New()
	m := metrics.New()
	sess := session.New(store, b, m)
	inv := agents.NewInvoker(gen, cfg.LLM.Temperature, m)
	orch := orchestrator.New(sess, inv,
		orchestrator.WithMetrics(m),
		orchestrator.WithRunLogs(tasklog.NewRegistry(cfg.RunLogDir())),
		orchestrator.WithParallelAnalysis(cfg.Analysis.Parallel),
	)

	aud := auditor.New(b.Tap(), cfg.AuditLogPath())
	go aud.Run(ctx)

	log.Printf("[MAIN] provider=%s model=%s parallel=%v history=%q", cfg.LLM.Provider, cfg.LLM.Model, cfg.Analysis.Parallel, cfg.History.DB)
	return &app{bus: b, metrics: m, store: store, sess: sess, orch: orch, audit: aud}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Printf("[MAIN] WARNING: close history: %v", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nagrimind: shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
