package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newQuitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Shut down the hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand([]string{"quit"})
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
