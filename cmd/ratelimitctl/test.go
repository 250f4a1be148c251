package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omd02/ratelimit/limit"
)

var testCmd = &cobra.Command{
	Use:   "test <limit-expr> [identity...]",
	Short: "Report whether a hit would be admitted right now, without consuming it",
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

		ok, err := s.Test(cmd.Context(), l, args[1:]...)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintln(cmd.OutOrStdout(), "would admit")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "would deny")
		}
		return nil
	},
}
