package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Push each connected DEAN's current name/location to its device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand([]string{"apply"})
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
