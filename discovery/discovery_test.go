package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/csoslab/slimhub/identity"
	"github.com/csoslab/slimhub/link"
	"github.com/csoslab/slimhub/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSupervisorCreatesSessionOnFirstSight(t *testing.T) {
	scanner := NewSimScanner()
	analytics := NewAnalyticsTable("")
	ident := identity.NewTable()
	log := logrus.NewEntry(logrus.New())

	var created []string
	factory := func(ctx context.Context, adv Advertisement) (*session.Session, error) {
		created = append(created, adv.RelayAddress)
		l := link.NewSimLink(adv.RelayAddress, nil)
		queues := &session.Queues{Sound: make(chan session.WorkItem, 1), Data: make(chan session.WorkItem, 1), Log: make(chan session.WorkItem, 1)}
		return session.New(adv.RelayAddress, adv.DeviceType, l, ident, queues, nil, nil, nil, log), nil
	}

	sup := NewSupervisor(scanner, "dean-service", 10*time.Second, 2*time.Second, factory, analytics, log)
	scanner.Advertise(Advertisement{RelayAddress: "AA:BB:CC:DD:EE:01", ServiceUUIDs: []string{"dean-service"}, DeviceType: "sound"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sup.scanOnce(ctx)

	require.Len(t, created, 1)
	require.Contains(t, sup.Sessions(), "AA:BB:CC:DD:EE:01")
}

func TestSupervisorIgnoresUnmatchedServiceUUID(t *testing.T) {
	scanner := NewSimScanner()
	analytics := NewAnalyticsTable("")
	log := logrus.NewEntry(logrus.New())

	var created []string
	factory := func(ctx context.Context, adv Advertisement) (*session.Session, error) {
		created = append(created, adv.RelayAddress)
		return nil, nil
	}

	sup := NewSupervisor(scanner, "dean-service", 10*time.Second, 2*time.Second, factory, analytics, log)
	scanner.Advertise(Advertisement{RelayAddress: "AA:BB:CC:DD:EE:02", ServiceUUIDs: []string{"other-service"}})

	sup.scanOnce(context.Background())
	require.Empty(t, created)
}

func TestAnalyticsRecordsConnectAndDisconnect(t *testing.T) {
	a := NewAnalyticsTable("")
	a.RecordConnectAttempt("AA:BB:CC:DD:EE:03")
	a.RecordDisconnect("AA:BB:CC:DD:EE:03", "link closed", 2*time.Second)

	rec := a.Get("AA:BB:CC:DD:EE:03")
	require.Equal(t, 1, rec.Connects)
	require.Equal(t, 1, rec.Disconnects)
	require.Equal(t, "link closed", rec.LastDisconnectReason)
	require.Equal(t, 2*time.Second, rec.LongestUptime)
}
