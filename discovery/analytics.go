package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Record is one DEAN's reconnect history: connect and disconnect
// counts, session uptime, and the last reason a session ended.
type Record struct {
	RelayAddress         string        `json:"relayAddress"`
	Connects             int           `json:"connects"`
	Disconnects          int           `json:"disconnects"`
	LastDisconnectReason string        `json:"lastDisconnectReason,omitempty"`
	LastConnectedAt      time.Time     `json:"lastConnectedAt,omitempty"`
	LongestUptime        time.Duration `json:"longestUptime"`
	totalUptime          time.Duration
}

// AverageUptime returns the mean session duration across every
// recorded disconnect.
func (r Record) AverageUptime() time.Duration {
	if r.Disconnects == 0 {
		return 0
	}
	return r.totalUptime / time.Duration(r.Disconnects)
}

// AnalyticsTable is the per-DEAN reconnect analytics record set,
// persisted to reconnect-analytics.json under its data path. Neither
// the Command Plane's `list` nor the dashboard reads it. It
// consolidates the reconnect/backoff bookkeeping that recurs,
// duplicated, across the original prototypes into one component.
type AnalyticsTable struct {
	mu       sync.Mutex
	records  map[string]*Record
	dataPath string
}

// NewAnalyticsTable loads any persisted analytics from dataPath (if
// non-empty) and returns a table ready for use.
func NewAnalyticsTable(dataPath string) *AnalyticsTable {
	a := &AnalyticsTable{records: make(map[string]*Record), dataPath: dataPath}
	a.load()
	return a
}

func (a *AnalyticsTable) getOrCreate(relayAddress string) *Record {
	r, ok := a.records[relayAddress]
	if !ok {
		r = &Record{RelayAddress: relayAddress}
		a.records[relayAddress] = r
	}
	return r
}

// RecordConnectAttempt marks a new connect attempt for relayAddress.
func (a *AnalyticsTable) RecordConnectAttempt(relayAddress string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.getOrCreate(relayAddress)
	r.Connects++
	r.LastConnectedAt = time.Now()
	a.save()
}

// RecordDisconnect marks the end of a session, rolling uptime into the
// longest/average tracking and recording reason as the last-disconnect
// diagnostic.
func (a *AnalyticsTable) RecordDisconnect(relayAddress, reason string, uptime time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.getOrCreate(relayAddress)
	r.Disconnects++
	r.LastDisconnectReason = reason
	r.totalUptime += uptime
	if uptime > r.LongestUptime {
		r.LongestUptime = uptime
	}
	log.WithFields(log.Fields{"relay": relayAddress, "reason": reason, "uptime": uptime}).Info("session ended")
	a.save()
}

// Get returns a copy of relayAddress's record, or the zero Record if
// none exists yet.
func (a *AnalyticsTable) Get(relayAddress string) Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.records[relayAddress]; ok {
		return *r
	}
	return Record{RelayAddress: relayAddress}
}

// All returns a point-in-time copy of every record.
func (a *AnalyticsTable) All() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, *r)
	}
	return out
}

func (a *AnalyticsTable) filePath() string {
	return filepath.Join(a.dataPath, "reconnect-analytics.json")
}

// save persists the table atomically (tmp file + rename). Must be
// called with a.mu held.
func (a *AnalyticsTable) save() {
	if a.dataPath == "" {
		return
	}
	data, err := json.MarshalIndent(a.records, "", "  ")
	if err != nil {
		log.WithError(err).Error("marshal reconnect analytics")
		return
	}
	if err := os.MkdirAll(a.dataPath, 0o755); err != nil {
		log.WithError(err).Error("create analytics dir")
		return
	}
	tmp := a.filePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.WithError(err).Error("write reconnect analytics tmp")
		return
	}
	if err := os.Rename(tmp, a.filePath()); err != nil {
		log.WithError(err).Error("rename reconnect analytics")
		os.Remove(tmp)
	}
}

func (a *AnalyticsTable) load() {
	if a.dataPath == "" {
		return
	}
	data, err := os.ReadFile(a.filePath())
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warn("read reconnect analytics")
		}
		return
	}
	var records map[string]*Record
	if err := json.Unmarshal(data, &records); err != nil {
		log.WithError(err).Warn("parse reconnect analytics")
		return
	}
	a.records = records
	log.Infof("loaded reconnect analytics for %d devices", len(a.records))
}
