package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/csoslab/slimhub/codec"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu    sync.Mutex
	sent  [][]byte
}

func (w *fakeWriter) Write(ctx context.Context, characteristic, targetMac string, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent = append(w.sent, append([]byte(nil), payload...))
	return nil
}

func (w *fakeWriter) last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.sent) == 0 {
		return nil
	}
	return w.sent[len(w.sent)-1]
}

func writeTempFile(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.bin")
	data := bytes.Repeat([]byte{0x42}, n)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestHappyPathThreeChunks(t *testing.T) {
	path := writeTempFile(t, 300) // 2 full 128B chunks + 1 44B chunk
	src := NewFileSource(path)
	w := &fakeWriter{}
	r := NewRegistry()
	log := logrus.NewEntry(logrus.New())
	ctx := context.Background()
	mac := "AA:BB:CC:DD:EE:01"

	require.NoError(t, r.Start(ctx, w, mac, StreamModel, src))
	ctrl, err := codec.UnpackControl(w.last())
	require.NoError(t, err)
	require.Equal(t, byte(codec.CmdStart), ctrl.Cmd)

	ackAndCheck := func(seq int, wantCmd byte, wantSeq uint16, wantSize uint16) {
		ack := codec.Ack{Cmd: codec.CmdData, Seq: uint16(seq)}.Pack()
		r.HandleNotification(ctx, w, mac, StreamModel, ack, log)
		d, err := codec.UnpackData(w.last())
		require.NoError(t, err)
		require.Equal(t, wantCmd, d.Cmd)
		require.Equal(t, wantSeq, d.Seq)
		require.Equal(t, wantSize, d.Size)
	}

	ackAndCheck(0, codec.CmdData, 0, 128)
	ackAndCheck(1, codec.CmdData, 1, 128)
	ackAndCheck(2, codec.CmdData, 2, 44)

	ack3 := codec.Ack{Cmd: codec.CmdData, Seq: 3}.Pack()
	r.HandleNotification(ctx, w, mac, StreamModel, ack3, log)
	ctrl, err = codec.UnpackControl(w.last())
	require.NoError(t, err)
	require.Equal(t, byte(codec.CmdEnd), ctrl.Cmd)

	state, _ := r.Status(mac, StreamModel)
	require.Equal(t, Finishing, state)

	end := codec.Control{Cmd: codec.CmdEnd}.Pack()
	r.HandleNotification(ctx, w, mac, StreamModel, end, log)
	state, _ = r.Status(mac, StreamModel)
	require.Equal(t, Idle, state)
}

func TestFileStartCarriesTargetPathAndLength(t *testing.T) {
	path := writeTempFile(t, 10)
	src := NewFileSourceWithTarget(path, "/dean/config.json")
	w := &fakeWriter{}
	r := NewRegistry()
	ctx := context.Background()
	mac := "AA:BB:CC:DD:EE:02"

	require.NoError(t, r.Start(ctx, w, mac, StreamFile, src))

	data, err := codec.UnpackData(w.last())
	require.NoError(t, err)
	require.Equal(t, byte(codec.CmdStart), data.Cmd)
	require.Equal(t, uint16(10), data.Size)
	require.True(t, bytes.HasPrefix(data.Payload, []byte("/dean/config.json")))
}

func TestModelStartStaysBareControl(t *testing.T) {
	path := writeTempFile(t, 10)
	src := NewFileSource(path)
	w := &fakeWriter{}
	r := NewRegistry()
	ctx := context.Background()
	mac := "AA:BB:CC:DD:EE:03"

	require.NoError(t, r.Start(ctx, w, mac, StreamModel, src))
	require.Len(t, w.last(), 1)
}

func TestSecondStartRejectedWhileInProgress(t *testing.T) {
	path := writeTempFile(t, 10)
	src := NewFileSource(path)
	w := &fakeWriter{}
	r := NewRegistry()
	ctx := context.Background()
	mac := "AA:BB:CC:DD:EE:01"

	require.NoError(t, r.Start(ctx, w, mac, StreamModel, src))
	err := r.Start(ctx, w, mac, StreamModel, src)
	require.Error(t, err)
}

func TestFailResetsState(t *testing.T) {
	path := writeTempFile(t, 10)
	src := NewFileSource(path)
	w := &fakeWriter{}
	r := NewRegistry()
	log := logrus.NewEntry(logrus.New())
	ctx := context.Background()
	mac := "AA:BB:CC:DD:EE:01"

	require.NoError(t, r.Start(ctx, w, mac, StreamModel, src))
	fail := codec.Control{Cmd: codec.CmdFail}.Pack()
	r.HandleNotification(ctx, w, mac, StreamModel, fail, log)

	state, err := r.Status(mac, StreamModel)
	require.Equal(t, Failed, state)
	require.Error(t, err)
}

func TestClearAllResetsDisconnectedSession(t *testing.T) {
	path := writeTempFile(t, 10)
	src := NewFileSource(path)
	w := &fakeWriter{}
	r := NewRegistry()
	ctx := context.Background()
	mac := "AA:BB:CC:DD:EE:01"

	require.NoError(t, r.Start(ctx, w, mac, StreamModel, src))
	r.ClearAll()
	state, _ := r.Status(mac, StreamModel)
	require.Equal(t, Idle, state)
}
