// Package config loads and live-reloads the hub's YAML configuration.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the top-level hub configuration.
type Config struct {
	Link         LinkConfig         `yaml:"link"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Presence     PresenceConfig     `yaml:"presence"`
	Floorplan    []RoomEdge         `yaml:"floorplan"`
	Rooms        []string           `yaml:"rooms"` // Rooms[n] is the floor-plan name for rawdata room byte n
	Workers      WorkersConfig      `yaml:"workers"`
	Command      CommandConfig      `yaml:"command"`
	Server       ServerConfig       `yaml:"server"`
	Logs         LogsConfig         `yaml:"logs"`
	ProgramData  string             `yaml:"programdata"`
	Data         string             `yaml:"data"`
}

// LinkConfig configures the BLE-style point-to-point link.
type LinkConfig struct {
	ServiceUUID string `yaml:"service_uuid"`
}

// DiscoveryConfig configures the scan cadence.
type DiscoveryConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"` // default 10s
	ScanWindow   time.Duration `yaml:"scan_window"`   // default 2s
}

// PresenceConfig configures the presence tracker's timing constants.
// Overridable for tests; zero values fall back to the spec defaults.
type PresenceConfig struct {
	NoiseThreshold     time.Duration `yaml:"noise_threshold"`      // default 10s
	ExitVerifyingTime  time.Duration `yaml:"exit_verifying_time"`  // default 20s
	InactivityTimeout  time.Duration `yaml:"inactivity_timeout"`   // default 30s
	TimeoutBuffer      time.Duration `yaml:"timeout_buffer"`       // default 5s
}

// RoomEdge is one undirected weighted edge of the floor-plan graph.
type RoomEdge struct {
	A      string  `yaml:"a"`
	B      string  `yaml:"b"`
	Weight float64 `yaml:"weight_seconds"`
}

// WorkersConfig sizes the bounded worker queues.
type WorkersConfig struct {
	QueueDepth int `yaml:"queue_depth"` // default 256
}

// CommandConfig configures the command-plane TCP socket.
type CommandConfig struct {
	Addr         string `yaml:"addr"` // default 127.0.0.1:6604
	SecretBcrypt string `yaml:"secret_bcrypt"`
	TrainCmd     string `yaml:"train_cmd"` // default "python3 training.py"
}

// ServerConfig configures the read-only operator dashboard.
type ServerConfig struct {
	Port int `yaml:"port"` // default 8090
}

// LogsConfig configures the logrus file sink.
type LogsConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

func defaults() *Config {
	return &Config{
		Link: LinkConfig{
			ServiceUUID: "0000dea0-0000-1000-8000-00805f9b34fb",
		},
		Discovery: DiscoveryConfig{
			ScanInterval: 10 * time.Second,
			ScanWindow:   2 * time.Second,
		},
		Presence: PresenceConfig{
			NoiseThreshold:    10 * time.Second,
			ExitVerifyingTime: 20 * time.Second,
			InactivityTimeout: 30 * time.Second,
			TimeoutBuffer:     5 * time.Second,
		},
		Floorplan: []RoomEdge{
			{A: "LIVING", B: "ENTRY", Weight: 4},
			{A: "ENTRY", B: "KITCHEN", Weight: 6},
			{A: "LIVING", B: "KITCHEN", Weight: 5},
			{A: "KITCHEN", B: "BEDROOM", Weight: 8},
			{A: "LIVING", B: "TOILET", Weight: 3},
			{A: "BEDROOM", B: "TOILET", Weight: 5},
		},
		// Index == the room byte a DEAN's rawdata struct sends.
		Rooms: []string{"LIVING", "ENTRY", "KITCHEN", "BEDROOM", "TOILET"},
		Workers: WorkersConfig{
			QueueDepth: 256,
		},
		Command: CommandConfig{
			Addr:     "127.0.0.1:6604",
			TrainCmd: "python3 training.py",
		},
		Server: ServerConfig{
			Port: 8090,
		},
		Logs: LogsConfig{
			Path:          "programdata/logging.log",
			RetentionDays: 30,
		},
		ProgramData: "programdata",
		Data:        "data",
	}
}

// Load reads path, overlaying it onto the package defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher live-reloads per-DEAN override files dropped into
// <programdata>/config/ without requiring a hub restart.
type Watcher struct {
	mu      sync.RWMutex
	dir     string
	watcher *fsnotify.Watcher
	onWrite func(path string)
	log     *logrus.Entry
}

// NewWatcher starts watching dir for create/write events. onWrite is
// invoked (on the watcher's own goroutine) for every create or write
// event, with no debouncing.
func NewWatcher(dir string, onWrite func(path string), log *logrus.Entry) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fw.Close()
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w := &Watcher{dir: dir, watcher: fw, onWrite: onWrite, log: log}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.log.WithField("path", ev.Name).Debug("config override changed")
			w.onWrite(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
