package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newModelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "model <dean_mac> <update|train|remove>",
		Short: "Push, train, or remove a DEAN's inference model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand(append([]string{"model"}, args...))
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		},
	}
}
