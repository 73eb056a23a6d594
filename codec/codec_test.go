package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlRoundTrip(t *testing.T) {
	c := Control{Cmd: CmdStart}
	got, err := UnpackControl(c.Pack())
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestAckRoundTrip(t *testing.T) {
	a := Ack{Cmd: CmdData, Seq: 42}
	got, err := UnpackAck(a.Pack())
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestDataPadsShortPayload(t *testing.T) {
	d := Data{Cmd: CmdData, Seq: 2, Size: 44, Payload: bytes.Repeat([]byte{0x07}, 44)}
	packed := d.Pack()
	require.Len(t, packed, 133)
	require.Equal(t, byte(0xFF), packed[5+44])
	require.Equal(t, byte(0xFF), packed[132])

	got, err := UnpackData(packed)
	require.NoError(t, err)
	require.Equal(t, uint16(44), got.Size)
	require.Equal(t, d.Payload, got.Payload[:44])
}

func TestUnpackFailsCleanlyOnShortInput(t *testing.T) {
	_, err := UnpackControl(nil)
	require.Error(t, err)
	_, err = UnpackAck([]byte{1})
	require.Error(t, err)
	_, err = UnpackData([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestMACPrefixRoundTrip(t *testing.T) {
	mac := [MACLen]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	framed := PrependMAC(mac, []byte("hello"))
	require.Len(t, framed, MACLen+5)

	gotMAC, rest, err := StripMAC(framed)
	require.NoError(t, err)
	require.Equal(t, mac, gotMAC)
	require.Equal(t, []byte("hello"), rest)
}

func TestStripMACTooShort(t *testing.T) {
	_, _, err := StripMAC([]byte{1, 2, 3})
	require.Error(t, err)
}
