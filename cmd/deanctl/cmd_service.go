package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "service <relay_mac> <enable|disable|activate|deactivate> <service_name> [char_name]",
		Short: "Enable or disable a characteristic on a connected DEAN",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand(append([]string{"service"}, args...))
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
