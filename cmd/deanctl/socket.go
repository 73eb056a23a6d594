package main

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

const dialTimeout = 5 * time.Second

// sendCommand opens one connection to the command socket, sends the
// optional shared secret and the encoded command line, and returns the
// reply. One command is handled per connection, and the hub closes the
// connection once it has written the reply, so the client reads until
// EOF rather than a single line — `list`'s reply spans several.
func sendCommand(args []string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if secret != "" {
		if _, err := fmt.Fprintln(conn, secret); err != nil {
			return "", fmt.Errorf("send secret: %w", err)
		}
	}

	if _, err := fmt.Fprintln(conn, encodeCommand(args)); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	return strings.TrimRight(string(reply), "\n"), nil
}

// encodeCommand renders args in the wire protocol's Python
// str([...])-shape: ['config', 'AA:BB:CC:DD:EE:FF', 'name', 'Kitchen'].
func encodeCommand(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", "\\'") + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
