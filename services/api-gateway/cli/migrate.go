package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zianncupcake/myfoods-backend/internal/cliutil"
	"github.com/zianncupcake/myfoods-backend/internal/postgres"
	"github.com/zianncupcake/myfoods-backend/internal/postgres/migrations"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|version]",
	Short:     "Run audit database migrations",
	ValidArgs: []string{"up", "down", "status", "version"},
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	Long: `Connect to PostgreSQL and apply the audit schema with goose.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.
The command defaults to "up".`,
	RunE: runMigrate,
}

func init() {
	// Not bound to viper: serve owns the postgres_dsn key binding.
	migrateCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN (overrides config)")
	migrateCmd.Flags().Duration("timeout", time.Minute, "overall migration timeout")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dsn, _ := cmd.Flags().GetString("postgres-dsn")
	if dsn == "" {
		dsn = viper.GetString("postgres_dsn")
	}
	if dsn == "" {
		return fmt.Errorf("postgres_dsn is required")
	}
	command := "up"
	if len(args) == 1 {
		command = args[0]
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	logger := cliutil.NewLogger(viper.GetString("log_level"), "api-gateway")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	db := postgres.OpenDB(pool)
	defer db.Close()

	if err := migrations.Run(ctx, db, command, logger); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrate %s complete\n", command)
	return nil
}
