package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/cynsta/spendguard/internal/config"
	"github.com/cynsta/spendguard/internal/ledger"
)

var (
	bootstrapName  string
	bootstrapCents int64
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create an agent with an initial budget",
	Long:  "Creates an agent directly in the ledger and funds it to its hard limit. Intended for first-time setup of a sidecar deployment before any client is pointed at it.",
	RunE:  runBootstrap,
}

func init() {
	bootstrapCmd.Flags().StringVar(&bootstrapName, "name", "default-agent", "agent name")
	bootstrapCmd.Flags().Int64Var(&bootstrapCents, "budget-cents", 5000, "hard budget limit in cents")
	rootCmd.AddCommand(bootstrapCmd)
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if cfg.Storage.Backend != config.StoragePostgres {
		return fmt.Errorf("bootstrap requires the postgres storage backend; memory agents are created over the API")
	}
	if bootstrapCents < 0 {
		return fmt.Errorf("budget-cents must not be negative")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := ledger.NewPostgresStore(pool)

	agent, err := store.CreateAgent(ctx, bootstrapName)
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	agent, err = store.SetBudget(ctx, agent.ID, bootstrapCents, bootstrapCents)
	if err != nil {
		return fmt.Errorf("funding agent: %w", err)
	}

	slog.Info("created agent", "id", agent.ID, "name", agent.Name)
	fmt.Printf("\n=== Agent Bootstrapped ===\n")
	fmt.Printf("Agent:   %s (%s)\n", agent.Name, agent.ID)
	fmt.Printf("Budget:  %d cents\n", agent.RemainingCents)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -X POST http://localhost:%d/v1/chat/completions \\\n", cfg.Server.Port)
	fmt.Printf("    -H 'x-cynsta-agent-id: %s' \\\n", agent.ID)
	fmt.Printf("    -H 'Content-Type: application/json' \\\n")
	fmt.Printf("    -d '{\"model\":\"gpt-4o-mini\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n")

	return nil
}
