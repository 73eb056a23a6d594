package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every registered DEAN and its connection state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := sendCommand([]string{"list"})
			if err != nil {
				return err
			}
			fmt.Println(colorizeConnected(reply))
			return nil
		},
	}
}

// colorizeConnected highlights the trailing true/false token each row
// of `list`'s output ends with, when stdout is a terminal.
func colorizeConnected(reply string) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return reply
	}
	lines := strings.Split(reply, "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " ")
		trailing := line[len(trimmed):]
		switch {
		case strings.HasSuffix(trimmed, "true"):
			lines[i] = trimmed[:len(trimmed)-4] + "\033[32mtrue\033[0m" + trailing
		case strings.HasSuffix(trimmed, "false"):
			lines[i] = trimmed[:len(trimmed)-5] + "\033[31mfalse\033[0m" + trailing
		}
	}
	return strings.Join(lines, "\n")
}
