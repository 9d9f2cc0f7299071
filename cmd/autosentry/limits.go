package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/infrastructure/redisconn"
	"github.com/niftyninja9/autosentry/internal/limits"
	"github.com/niftyninja9/autosentry/internal/session"
)

func newLimitsCmd() *cobra.Command {
	limitsCmd := &cobra.Command{
		Use:   "limits",
		Short: "Inspect or reset the daily trading counters",
	}

	var index string

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print today's loss/profit/trade counters per scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimits(func(ctx context.Context, dl *limits.DailyLimits, cfg *config.Config) error {
				keys := scopeArgs(cfg, index)
				for _, key := range keys {
					name := key
					if name == "" {
						name = limits.ScopeGlobal
					}
					counters, err := dl.Snapshot(ctx, key)
					if err != nil {
						return fmt.Errorf("read %s: %w", name, err)
					}
					fmt.Printf("%-12s loss=%.2f profit=%.2f trades=%d\n",
						name, counters.Loss, counters.Profit, counters.Trades)
				}
				decision := dl.CanTrade(ctx, "")
				if decision.Allowed {
					fmt.Println("entries: allowed")
				} else {
					fmt.Printf("entries: blocked (%s)\n", decision.Reason)
				}
				return nil
			})
		},
	}
	showCmd.Flags().StringVar(&index, "index", "", "Single index scope (default: all configured plus GLOBAL)")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear today's counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLimits(func(ctx context.Context, dl *limits.DailyLimits, cfg *config.Config) error {
				keys := scopeArgs(cfg, index)
				for _, key := range keys {
					if err := dl.ResetDailyCounters(ctx, key); err != nil {
						return err
					}
				}
				fmt.Printf("reset %d scope(s)\n", len(keys))
				return nil
			})
		},
	}
	resetCmd.Flags().StringVar(&index, "index", "", "Single index scope (default: all configured plus GLOBAL)")

	limitsCmd.AddCommand(showCmd)
	limitsCmd.AddCommand(resetCmd)
	return limitsCmd
}

func scopeArgs(cfg *config.Config, index string) []string {
	if index != "" {
		return []string{index}
	}
	keys := []string{""}
	for _, idx := range cfg.Indices {
		keys = append(keys, idx.Key)
	}
	return keys
}

func withLimits(fn func(context.Context, *limits.DailyLimits, *config.Config) error) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	setLogLevel(cfg.Logging.Level)

	rdb, err := redisconn.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	sess, err := session.New(cfg.Session, cfg.Risk.EntryCutoffHHMM)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, limits.New(rdb, cfg.Risk, sess), cfg)
}
