package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/irfndi/celebrum-distiller/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// withApp builds the app for one command invocation and always closes it.
func withApp(cmd *cobra.Command, configPath string, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, configPath, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		a.logger.WithError(err).Warn("Shutdown finished with errors")
	}
	return runErr
}

func newRunCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run TOPIC...",
		Short: "Analyze topics with every agent and save one decision per topic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				runner, err := a.batchRunner(ctx)
				if err != nil {
					return err
				}
				result, runErr := runner.Run(ctx, args)
				if result != nil {
					if err := printJSON(cmd.OutOrStdout(), result); err != nil {
						return err
					}
				}
				return runErr
			})
		},
	}
}

func newVerifyCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Resolve matured predictions against realized prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				stats, err := a.verifier.RunVerification(ctx, time.Now().UTC())
				if stats != nil {
					if perr := printJSON(cmd.OutOrStdout(), stats); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func newAdaptCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "adapt",
		Short: "Recompute voting weights from verified outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				ws, err := a.adapter.AdaptWeights(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				if ws == nil {
					a.logger.Info("Not enough verified samples, weights unchanged")
					return printJSON(cmd.OutOrStdout(), map[string]any{"updated": false})
				}
				a.logger.WithFields(logrus.Fields{
					"horizon": ws.Horizon,
					"samples": ws.SampleCount,
				}).Info("Saved adapted weights")
				return printJSON(cmd.OutOrStdout(), map[string]any{"updated": true, "weight_set": ws})
			})
		},
	}
}

func newAccuracyCommand(configPath func() string) *cobra.Command {
	var (
		horizon    string
		windowDays int
	)
	cmd := &cobra.Command{
		Use:   "accuracy",
		Short: "Report direction accuracy over the rolling window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := models.ParseHorizon(horizon)
			if err != nil {
				return err
			}
			if windowDays < 0 {
				return errors.New("--window must not be negative")
			}
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				report, err := a.verifier.Accuracy(ctx, h, windowDays, time.Now().UTC())
				if err != nil {
					return fmt.Errorf("accuracy at %s: %w", h, err)
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().StringVar(&horizon, "horizon", string(models.HorizonT7), "verification horizon: t1, t7 or t30")
	cmd.Flags().IntVar(&windowDays, "window", 0, "window in days (0 uses verification.window_days)")
	return cmd
}

func newMigrateCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the store applies pending migrations.
			return withApp(cmd, configPath(), func(ctx context.Context, a *app) error {
				if err := a.store.HealthCheck(ctx); err != nil {
					return fmt.Errorf("database unreachable after migration: %w", err)
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.cfg.Database.Driver)
				return err
			})
		},
	}
}
