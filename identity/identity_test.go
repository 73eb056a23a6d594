package identity

import (
	"testing"

	"github.com/csoslab/slimhub/codec"
	"github.com/stretchr/testify/require"
)

func TestObserveCreatesAndRefreshes(t *testing.T) {
	tbl := NewTable()
	mac := [codec.MACLen]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}

	e := tbl.Observe(mac, "relay-1", "sensor", "KITCHEN")
	require.Equal(t, "AA:BB:CC:DD:EE:01", e.Mac)
	require.Equal(t, "relay-1", e.RelayAddress)
	require.Equal(t, "KITCHEN", e.Location)
	require.True(t, e.Connected)

	e2 := tbl.Observe(mac, "relay-2", "sensor", "BEDROOM")
	require.Equal(t, "relay-2", e2.RelayAddress)
	require.Equal(t, "KITCHEN", e2.Location, "location must not be silently overwritten once set")
}

func TestSetFieldOverridesExplicitly(t *testing.T) {
	tbl := NewTable()
	mac := [codec.MACLen]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	tbl.Observe(mac, "relay", "sensor", "LIVING")

	require.NoError(t, tbl.SetField("01:02:03:04:05:06", "location", "BEDROOM"))
	e := tbl.Get("01:02:03:04:05:06")
	require.Equal(t, "BEDROOM", e.Location)

	require.Error(t, tbl.SetField("01:02:03:04:05:06", "bogus", "x"))
}

func TestParseUpstreamFailsOnShortPacket(t *testing.T) {
	tbl := NewTable()
	_, _, err := tbl.ParseUpstream([]byte{1, 2, 3}, "relay", "sensor", "")
	require.Error(t, err)
}

func TestBuildDownstreamRoundTrip(t *testing.T) {
	tbl := NewTable()
	out, err := tbl.BuildDownstream("AA:BB:CC:DD:EE:01", []byte("payload"))
	require.NoError(t, err)
	require.Len(t, out, codec.MACLen+len("payload"))

	mac, rest, err := codec.StripMAC(out)
	require.NoError(t, err)
	require.Equal(t, MacBytesToString(mac), "AA:BB:CC:DD:EE:01")
	require.Equal(t, []byte("payload"), rest)
}

func TestMarkDisconnected(t *testing.T) {
	tbl := NewTable()
	mac := [codec.MACLen]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	tbl.Observe(mac, "relay-1", "sensor", "")
	tbl.MarkDisconnected("relay-1")
	e := tbl.Get("AA:BB:CC:DD:EE:01")
	require.False(t, e.Connected)
}

func TestNormalizeMacRejectsGarbage(t *testing.T) {
	_, err := NormalizeMac("not-a-mac")
	require.Error(t, err)
}
