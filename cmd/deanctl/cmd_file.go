package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "file <dean_mac> <source_path> <target_path>",
		Short: "Push an arbitrary file to a connected DEAN",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand(append([]string{"file"}, args...))
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
