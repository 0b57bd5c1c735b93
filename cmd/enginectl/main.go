// Command enginectl is an operator CLI for the reward engine: connect to
// the same Postgres the engine uses, inspect a user's accrual state, force
// an early unfreeze, or print the loaded config, following the
// cobra/viper command-and-flag-binding shape used by the pack's
// quantum-node CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/bkc-labs/reward-engine/internal/config"
	"github.com/bkc-labs/reward-engine/internal/model"
	"github.com/bkc-labs/reward-engine/internal/userstore"
)

var databaseURL string

var rootCmd = &cobra.Command{
	Use:   "enginectl",
	Short: "Operator CLI for the reward accrual engine",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (defaults to DATABASE_URL)")
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("database-url"))
	viper.SetEnvPrefix("engine")
	viper.BindEnv("database_url", "DATABASE_URL")

	rootCmd.AddCommand(userCmd, configCmd)
	userCmd.AddCommand(userShowCmd, userUnfreezeCmd)
	configCmd.AddCommand(configShowCmd)
}

func resolveDatabaseURL() string {
	if databaseURL != "" {
		return databaseURL
	}
	return viper.GetString("database_url")
}

func connect(ctx context.Context) (*userstore.Postgres, *pgxpool.Pool, error) {
	url := resolveDatabaseURL()
	if url == "" {
		return nil, nil, fmt.Errorf("no database URL: pass --database-url or set DATABASE_URL")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return userstore.NewPostgres(pool), pool, nil
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Inspect or modify a user's accrual state",
}

var userShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print a user's balances, level, mining state and freeze status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, pool, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		u, err := store.Get(ctx, userID)
		if err != nil {
			return err
		}
		printUser(u)
		return nil
	},
}

var userUnfreezeCmd = &cobra.Command{
	Use:   "unfreeze <user-id>",
	Short: "Clear a user's freeze state ahead of its natural expiry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, pool, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		u, err := store.Get(ctx, userID)
		if err != nil {
			return err
		}
		if u.State != model.StateFrozen {
			fmt.Printf("user %d is not frozen (state=%s)\n", u.ID, u.State)
			return nil
		}
		u.State = model.StateActive
		u.FrozenUntil = time.Time{}
		if err := store.Save(ctx, u); err != nil {
			return err
		}
		fmt.Printf("user %d unfrozen\n", u.ID)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the engine's parameter set",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the parameter set the engine loads from its environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		fmt.Printf("phases:\n")
		for i, p := range cfg.Phases {
			fmt.Printf("  %d: threshold=%d base_rate=%.4f finizen_bonus=%.2f daily_cap_fin=%.2f\n",
				i+1, p.UserThreshold, p.BaseRate, p.FinizenBonus, p.DailyCapFIN)
		}
		fmt.Printf("settlement_threshold_fin: %d\n", cfg.SettlementThresholdFIN)
		fmt.Printf("anti_bot_hard_threshold: %.2f\n", cfg.AntiBotHardThreshold)
		fmt.Printf("anti_bot_soft_threshold: %.2f\n", cfg.AntiBotSoftThreshold)
		fmt.Printf("worker_pool_size: %d\n", cfg.WorkerPoolSize)
		fmt.Printf("shard_count: %d\n", cfg.ShardCount)
		return nil
	},
}

func parseUserID(raw string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", raw, err)
	}
	return id, nil
}

func printUser(u model.User) {
	fmt.Printf("user_id:             %d\n", u.ID)
	fmt.Printf("state:               %s\n", u.State)
	fmt.Printf("level:               %d\n", u.Level)
	fmt.Printf("total_xp:            %d\n", u.TotalXP)
	fmt.Printf("total_rp:            %d\n", u.TotalRP)
	fmt.Printf("rp_tier:             %s\n", u.RPTier)
	fmt.Printf("fin_balance:         %d\n", u.FINBalance)
	fmt.Printf("pending_settlement:  %d\n", u.PendingSettlement)
	fmt.Printf("human_probability:   %.3f\n", u.HumanProbability)
	fmt.Printf("streak_days:         %d\n", u.StreakDays)
	fmt.Printf("confirmed_bot_count: %d\n", u.ConfirmedBotCount)
	if !u.FrozenUntil.IsZero() {
		fmt.Printf("frozen_until:        %s\n", u.FrozenUntil.Format(time.RFC3339))
	}
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
