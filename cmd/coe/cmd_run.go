package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"coe/pkg/agent"
	"coe/pkg/boss"
	"coe/pkg/config"
	"coe/pkg/events"
	"coe/pkg/executor"
	"coe/pkg/phase"
	"coe/pkg/protocol"
	"coe/pkg/retry"
	"coe/pkg/scheduler"
	"coe/pkg/store"

	"github.com/spf13/cobra"
)

// newRunCmd creates the "coe run" subcommand.
func newRunCmd(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine in the foreground",
		Long: `Recovers work interrupted by the previous run, assesses the system, and
then drains the ticket queue until interrupted. Other coe commands wake the
running engine through the kick file in $COE_HOME.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, env)
		},
	}
}

// engine is the wired set of components behind "coe run".
type engine struct {
	store  *store.SQLite
	bus    *events.Bus
	boss   *boss.Engine
	phases *phase.Engine
	closer []func() error
}

// buildEngine wires the engine components around st.
func buildEngine(st *store.SQLite, cfg config.Source, caller protocol.Caller, logger *slog.Logger) *engine {
	bus := events.NewBus(logger)
	sched := scheduler.New(st, bus, cfg, logger)
	policy := retry.New(st, sched, bus, cfg, logger)
	exec := executor.New(st, caller, sched, policy, bus, cfg, logger)
	b := boss.New(cfg, st, caller, sched, exec, policy, bus, logger)
	exec.SetActionRunner(b)

	phases := phase.New(st, sched, bus, logger)
	phases.Attach(bus)
	return &engine{store: st, bus: bus, boss: b, phases: phases}
}

// forwardEvents publishes every engine event to the configured external
// bus, if any.
func (e *engine) forwardEvents(c config.Config, logger *slog.Logger) error {
	if c.EventForward.Backend == "" {
		return nil
	}
	pub, err := events.NewPublisher(c.EventForward.Backend, c.EventForward.URL)
	if err != nil {
		return fmt.Errorf("event forwarding: %w", err)
	}
	fwd := events.NewForwarder(pub, c.EventForward.Prefix, logger)
	off := fwd.Attach(e.bus)
	e.closer = append(e.closer, func() error {
		off()
		return fwd.Close()
	})
	logger.Info("forwarding events", "backend", c.EventForward.Backend, "prefix", c.EventForward.Prefix)
	return nil
}

// onKick reconciles with changes other processes wrote and advances the
// active plan if its gate now passes.
func (e *engine) onKick(ctx context.Context, logger *slog.Logger) {
	if _, _, err := e.phases.CheckAndAdvance(ctx, ""); err != nil {
		var nf *protocol.PlanNotFoundError
		if !errors.As(err, &nf) {
			logger.Warn("phase check on kick failed", "error", err)
		}
	}
	e.boss.Sync(ctx, "kick file")
}

func (e *engine) close() error {
	var errs []error
	for _, c := range e.closer {
		errs = append(errs, c())
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}

func runEngine(ctx context.Context, env *cliEnv) error {
	logger := env.logger(os.Stderr)
	slog.SetDefault(logger)

	paths, err := env.paths()
	if err != nil {
		return err
	}
	provider, err := config.NewProvider(paths.ConfigPath, logger)
	if err != nil {
		return err
	}
	cfg := provider.Snapshot()
	provider.OnChange(func(c config.Config) {
		logger.Info("config reloaded", "ai_mode", string(c.AIMode), "auto_run", c.AutoRun())
	})

	st, err := store.Open(paths.DBPath)
	if err != nil {
		return err
	}

	e := buildEngine(st, provider, agent.NewDefault(provider, logger), logger)
	defer func() {
		if err := e.close(); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()
	if err := e.forwardEvents(cfg, logger); err != nil {
		return err
	}

	go provider.Watch(ctx)
	go watchKick(ctx, paths.KickPath, logger, func() { e.onKick(ctx, logger) })

	logger.Info("coe engine starting", "db", paths.DBPath, "config", paths.ConfigPath, "ai_mode", string(cfg.AIMode))
	return e.boss.Run(ctx)
}
