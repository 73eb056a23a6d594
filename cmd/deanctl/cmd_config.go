package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config <dean_mac> <name|location> <value>",
		Short: "Set a DEAN's name or location",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand(append([]string{"config"}, args...))
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
