package main

import (
	"InsuranceLedger/internal/config"
	"InsuranceLedger/internal/observability"
	"InsuranceLedger/internal/persistence"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	logger := observability.NewLogger("migrate")
	var migrator *persistence.Migrator
	var db *sql.DB

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back the insurance ledger schema",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			url := v.GetString("db-url")
			if url == "" {
				return fmt.Errorf("--db-url or %s_DB_URL is required", config.EnvPrefix)
			}
			var err error
			db, err = sql.Open("postgres", url)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			migrator = persistence.NewMigrator(db, v.GetString("migrations-dir"), logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if db != nil {
				db.Close()
			}
		},
	}
	root.PersistentFlags().String("db-url", "", "Postgres connection string")
	root.PersistentFlags().String("migrations-dir", "migrations", "directory holding {version}_{name}.up.sql / .down.sql")
	_ = v.BindPFlag("db-url", root.PersistentFlags().Lookup("db-url"))
	_ = v.BindPFlag("migrations-dir", root.PersistentFlags().Lookup("migrations-dir"))

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := migrator.Up(cmd.Context()); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Msg("all migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := migrator.Down(cmd.Context()); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				statuses, err := migrator.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
				for _, st := range statuses {
					applied := "no"
					if st.Applied {
						applied = st.AppliedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", st.Version, st.Filename, applied)
				}
				return w.Flush()
			},
		},
	)

	if err := root.Execute(); err != nil {
		logger.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}
