package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"lms/internal/catalog"
	"lms/internal/chaos"
	"lms/internal/circulation"
	"lms/internal/config"
	"lms/internal/membership"
	"lms/internal/server"
)

func newChaosCmd(c *cli) *cobra.Command {
	var (
		borrowers int
		rounds    int
		pause     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chaos",
		Short: "Run the circulation race experiments as a game day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if borrowers < 1 {
				return fmt.Errorf("need at least one borrower")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGameDay(ctx, c, cmd.OutOrStdout(), borrowers, rounds, pause)
		},
	}
	cmd.Flags().IntVar(&borrowers, "borrowers", 16, "concurrent borrowers per round")
	cmd.Flags().IntVar(&rounds, "rounds", 3, "borrow-race rounds")
	cmd.Flags().DurationVar(&pause, "pause", 5*time.Second, "pause between experiments")
	return cmd
}

func runGameDay(ctx context.Context, c *cli, out io.Writer, borrowers, rounds int, pause time.Duration) error {
	opts := []server.Option{server.WithLimiter(rate.NewLimiter(rate.Inf, 0))}
	if c.cfg.StorageDriver == config.StoragePostgres {
		opts = append(opts, server.WithMigrations())
	}
	app, err := c.app(ctx, opts...)
	if err != nil {
		return err
	}
	defer app.Close()

	probe, ok := app.Ledger.(chaos.Probe)
	if !ok {
		return fmt.Errorf("ledger %T cannot report consistency", app.Ledger)
	}

	// Each run seeds its own book and members so repeated game days do not collide.
	runID := uuid.NewString()[:8]
	isbn := "chaos-" + runID
	if _, err := app.Catalog.AddBook(ctx, catalog.NewBook{ISBN: isbn, Title: "Chaos " + runID, Author: "lms"}); err != nil {
		return fmt.Errorf("seed book: %w", err)
	}
	members := make([]uuid.UUID, 0, borrowers)
	for i := 0; i < borrowers; i++ {
		m, err := app.Members.RegisterMember(ctx, membership.Registration{
			Username: fmt.Sprintf("chaos-%s-%d", runID, i),
			Name:     "Chaos Borrower",
			Password: uuid.NewString(),
		})
		if err != nil {
			return fmt.Errorf("seed member: %w", err)
		}
		members = append(members, m.ID)
	}

	engine := chaos.NewEngine(c.logger)
	for i := 0; i < rounds; i++ {
		engine.RegisterExperiment(chaos.ConcurrentBorrowExperiment(app.Circulation, probe, isbn, members))
	}
	engine.RegisterExperiment(chaos.ConcurrentRenewExperiment(app.Circulation, probe, isbn, members[0], borrowers, circulation.DefaultPolicy()))

	if err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Circulation race game day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     pause,
	}); err != nil {
		return err
	}
	fmt.Fprintf(out, "game day passed: %d experiments\n", len(engine.Experiments()))
	return nil
}
