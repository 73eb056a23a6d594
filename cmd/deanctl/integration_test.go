package main

import (
	"context"
	"testing"
	"time"

	"github.com/csoslab/slimhub/command"
	"github.com/csoslab/slimhub/config"
	"github.com/csoslab/slimhub/identity"
	"github.com/csoslab/slimhub/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// TestSendCommandRoundTripsThroughARealCommandServer drives deanctl's
// own wire encoding against a live command.Server, the way a shipped
// binary would talk to a running hub.
func TestSendCommandRoundTripsThroughARealCommandServer(t *testing.T) {
	ident := identity.NewTable()
	_, err := ident.Ensure("AA:BB:CC:DD:EE:01", "relay-1", "sound", "KITCHEN")
	require.NoError(t, err)

	srv := command.NewServer(config.CommandConfig{Addr: "127.0.0.1:0"}, t.TempDir(), "",
		ident, func() map[string]*session.Session { return nil }, nil, func() {}, logrus.NewEntry(logrus.New()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, 5*time.Millisecond)

	origAddr, origSecret := addr, secret
	addr, secret = srv.Addr(), ""
	defer func() { addr, secret = origAddr, origSecret }()

	reply, err := sendCommand([]string{"list"})
	require.NoError(t, err)
	require.Contains(t, reply, "Address")
}
