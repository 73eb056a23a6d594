package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFeatureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feature <dean_mac> <start|stop>",
		Short: "Start or stop a DEAN's feature-collection stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand(append([]string{"feature"}, args...))
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
