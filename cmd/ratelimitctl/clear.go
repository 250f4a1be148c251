package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omd02/ratelimit/limit"
)

var clearCmd = &cobra.Command{
	Use:   "clear <limit-expr> [identity...]",
	Short: "Delete all storage state backing a limit and identity",
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

		if err := s.Clear(cmd.Context(), l, args[1:]...); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cleared")
		return nil
	},
}
