package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <dean_mac>",
		Short: "Reset a connected DEAN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand([]string{"reset", args[0]})
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
