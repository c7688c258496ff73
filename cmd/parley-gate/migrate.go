package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"parley.chat/internal/migrate"
)

var seedsDir string

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|seed]",
	Short:     "Apply or inspect the PostgreSQL schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status", "seed"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Postgres.DSN == "" {
			return errors.New("missing DSN: set postgres.dsn or PARLEY_POSTGRES_DSN")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		db, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		var opts []migrate.Option
		if seedsDir != "" {
			opts = append(opts, migrate.WithSeeds(os.DirFS(seedsDir)))
		}
		mgr := migrate.NewManager(db, migrate.Embedded(), opts...)
		out := cmd.OutOrStdout()

		switch args[0] {
		case "up":
			applied, err := mgr.Up(ctx)
			for _, name := range applied {
				fmt.Fprintln(out, "applied", name)
			}
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema is up to date")
			}
		case "down":
			name, err := mgr.Down(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "reverted", name)
		case "status":
			applied, err := mgr.Status(ctx)
			if err != nil {
				return err
			}
			pending, err := mgr.Pending(ctx)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintln(out, "applied", name)
			}
			for _, name := range pending {
				fmt.Fprintln(out, "pending", name)
			}
		case "seed":
			return mgr.Seed(ctx)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&seedsDir, "seeds", "", "Directory with seed SQL files")
	rootCmd.AddCommand(migrateCmd)
}
