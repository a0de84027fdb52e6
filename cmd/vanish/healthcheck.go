package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"vanish/cfg"
	"vanish/svc/db"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Exit non-zero when the database cannot be reached",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cfg.Load()
		if err != nil {
			return errors.Wrap(err, "load configuration")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := db.OpenReadOnly(c.DatabasePath)
		if err != nil {
			return errors.Wrap(err, "open database")
		}
		defer sqlDB.Close()
		return errors.Wrap(sqlDB.PingContext(ctx), "ping database")
	},
}
