package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/omd02/ratelimit/limit"
)

var statsCmd = &cobra.Command{
	Use:   "stats <limit-expr> [identity...]",
	Short: "Print the current remaining quota and reset time for a limit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := limit.Parse(args[0])
		if err != nil {
			return err
		}

		s, backend, err := openStrategy(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close()

		stats, err := s.GetWindowStats(cmd.Context(), l, args[1:]...)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remaining=%d reset_in=%s\n",
			stats.Remaining, stats.ResetTime.Sub(time.Now()).Round(time.Second))
		return nil
	},
}
