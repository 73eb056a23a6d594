// Package workers implements the Sound feature collector, Data
// persister, and Log fan-out — the three independent consumers of the
// Session dispatcher's bounded work queues (spec.md §4.7).
package workers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/csoslab/slimhub/session"
	"github.com/sirupsen/logrus"
)

// DataPersister appends structured lines to dated text files under
// data/<location>/<device_type>/<address>/<service>/<char>/<date>.txt.
type DataPersister struct {
	baseDir string
	files   *fileCache
	log     *logrus.Entry
}

// NewDataPersister returns a DataPersister rooted at baseDir (the
// configured "data" directory).
func NewDataPersister(baseDir string, log *logrus.Entry) *DataPersister {
	return &DataPersister{baseDir: baseDir, files: newFileCache(), log: log}
}

// Run drains queue until it is closed, then closes every open file and
// returns — the channel-close shutdown idiom stands in for the
// original's None-sentinel queue item, since a closed channel already
// drains any buffered items before Run's range loop exits.
func (p *DataPersister) Run(queue <-chan session.WorkItem) {
	for item := range queue {
		p.handle(item)
	}
	p.files.closeAll()
}

func (p *DataPersister) pathFor(item session.WorkItem) string {
	dated := item.ReceivedTime.Format("2006-01-02") + ".txt"
	return filepath.Join(p.baseDir, item.Location, item.DeviceType, item.Address, item.Service, item.Char, dated)
}

func (p *DataPersister) handle(item session.WorkItem) {
	switch item.Char {
	case "rawdata":
		p.writeRawData(item)
	case "debugstr":
		p.writeDebugStr(item)
	default:
		p.log.WithField("char", item.Char).Warn("data persister: unrecognized characteristic, dropping")
	}
}

func (p *DataPersister) writeRawData(item session.WorkItem) {
	frame, err := decodeRawDataFrame(item.Payload)
	if err != nil {
		p.log.WithError(err).Warn("rawdata decode failed, dropping")
		return
	}

	path := p.pathFor(item)
	f, err := p.files.open(path)
	if err != nil {
		p.log.WithError(err).WithField("path", path).Error("open data file")
		return
	}
	if p.files.size(path) == 0 {
		if _, err := f.WriteString(rawDataCSVHeader); err != nil {
			p.log.WithError(err).Error("write CSV header")
		}
	}

	ts := item.ReceivedTime.Format("2006-01-02 15:04:05")
	if _, err := f.WriteString(formatRawDataCSVRow(ts, frame)); err != nil {
		p.log.WithError(err).Error("write rawdata row")
	}
}

func (p *DataPersister) writeDebugStr(item session.WorkItem) {
	path := p.pathFor(item)
	f, err := p.files.open(path)
	if err != nil {
		p.log.WithError(err).WithField("path", path).Error("open data file")
		return
	}

	ts := item.ReceivedTime.Format("2006-01-02 15:04:05")

	var parsed map[string]any
	if err := json.Unmarshal(item.Payload, &parsed); err == nil {
		parsed["timestamp"] = ts
		encoded, err := json.Marshal(parsed)
		if err != nil {
			p.log.WithError(err).Error("re-marshal debugstr")
			return
		}
		f.Write(append(encoded, '\n'))
		return
	}

	// Not valid JSON: fall back to a timestamp-prefixed raw line.
	var line bytes.Buffer
	fmt.Fprintf(&line, "%s,%s", ts, item.Payload)
	if !bytes.HasSuffix(line.Bytes(), []byte("\n")) {
		line.WriteByte('\n')
	}
	f.Write(line.Bytes())
}
