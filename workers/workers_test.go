package workers

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/csoslab/slimhub/codec"
	"github.com/csoslab/slimhub/session"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func featureDataFrame(vec []float32) []byte {
	payload := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(v))
	}
	return codec.Data{Cmd: codec.CmdFeatureData, Seq: 0, Size: uint16(len(payload)), Payload: payload}.Pack()
}

func TestSoundFeatureCollectorFlushesOnFinish(t *testing.T) {
	dir := t.TempDir()
	c := NewSoundFeatureCollector(dir, logrus.NewEntry(logrus.New()))
	queue := make(chan session.WorkItem, 4)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	queue <- session.WorkItem{Address: "AA:BB", Payload: featureDataFrame([]float32{1, 2, 3}), ReceivedTime: at}
	queue <- session.WorkItem{Address: "AA:BB", Payload: featureDataFrame([]float32{4, 5, 6}), ReceivedTime: at}
	queue <- session.WorkItem{Address: "AA:BB", Payload: codec.Control{Cmd: codec.CmdFeatureFinish}.Pack(), ReceivedTime: at}
	close(queue)

	c.Run(queue)

	path := filepath.Join(dir, "datasets", "AA:BB", "features", "2026-01-02", "03-04-05.npz")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(8))
}

func TestSoundFeatureCollectorDropsInconsistentWidth(t *testing.T) {
	dir := t.TempDir()
	c := NewSoundFeatureCollector(dir, logrus.NewEntry(logrus.New()))
	queue := make(chan session.WorkItem, 4)

	at := time.Now()
	queue <- session.WorkItem{Address: "AA:BB", Payload: featureDataFrame([]float32{1, 2, 3}), ReceivedTime: at}
	queue <- session.WorkItem{Address: "AA:BB", Payload: featureDataFrame([]float32{1, 2}), ReceivedTime: at}
	queue <- session.WorkItem{Address: "AA:BB", Payload: codec.Control{Cmd: codec.CmdFeatureFinish}.Pack(), ReceivedTime: at}
	close(queue)

	c.Run(queue)

	dir2 := filepath.Join(dir, "datasets", "AA:BB", "features", at.Format("2006-01-02"))
	_, err := os.ReadDir(dir2)
	require.True(t, os.IsNotExist(err), "no snapshot should be written for inconsistent widths")
}

func TestDataPersisterWritesRawDataCSV(t *testing.T) {
	dir := t.TempDir()
	p := NewDataPersister(dir, logrus.NewEntry(logrus.New()))
	queue := make(chan session.WorkItem, 2)

	payload := make([]byte, rawDataFrameSize)
	payload[0], payload[1], payload[2] = 0, 0, 7

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	queue <- session.WorkItem{
		Location: "KITCHEN", DeviceType: "sound", Address: "AA:BB",
		Service: "inference", Char: "rawdata", ReceivedTime: at, Payload: payload,
	}
	close(queue)
	p.Run(queue)

	path := filepath.Join(dir, "KITCHEN", "sound", "AA:BB", "inference", "rawdata", "2026-03-04.txt")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), rawDataCSVHeader)
	require.Contains(t, string(content), "2026-03-04 05:06:07")
}

func TestDataPersisterWritesDebugStrJSONWithTimestamp(t *testing.T) {
	dir := t.TempDir()
	p := NewDataPersister(dir, logrus.NewEntry(logrus.New()))
	queue := make(chan session.WorkItem, 1)

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	queue <- session.WorkItem{
		Location: "KITCHEN", DeviceType: "sound", Address: "AA:BB",
		Service: "inference", Char: "debugstr", ReceivedTime: at,
		Payload: []byte(`{"msg":"heap low","free_heap":1024}`),
	}
	close(queue)
	p.Run(queue)

	path := filepath.Join(dir, "KITCHEN", "sound", "AA:BB", "inference", "debugstr", "2026-03-04.txt")
	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(content, &parsed))
	require.Equal(t, "2026-03-04 05:06:07", parsed["timestamp"])
}

func TestLogFanoutCategorizesHeapState(t *testing.T) {
	dir := t.TempDir()
	l := NewLogFanout(dir, logrus.NewEntry(logrus.New()))
	queue := make(chan session.WorkItem, 1)

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	queue <- session.WorkItem{
		Address: "AA:BB", Char: "debugstr", ReceivedTime: at,
		Payload: []byte(`{"free_heap":2048}`),
	}
	close(queue)
	l.Run(queue)

	path := filepath.Join(dir, "display", "2026-03-04.txt")
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), "[HEAP STATE]")
}
