package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omd02/ratelimit/limit"
)

var hitCmd = &cobra.Command{
	Use:   "hit <limit-expr> [identity...]",
	Short: "Attempt to consume one unit of a limit, printing whether it was admitted",
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

		ok, err := s.Hit(cmd.Context(), l, args[1:]...)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintln(cmd.OutOrStdout(), "admitted")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "denied")
		}
		return nil
	},
}
