package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/csoslab/slimhub/command"
	"github.com/csoslab/slimhub/config"
	"github.com/csoslab/slimhub/discovery"
	"github.com/csoslab/slimhub/identity"
	"github.com/csoslab/slimhub/link"
	"github.com/csoslab/slimhub/presence"
	"github.com/csoslab/slimhub/server"
	"github.com/csoslab/slimhub/session"
	"github.com/csoslab/slimhub/workers"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

// shutdownGrace bounds how long disconnecting every live Session is
// allowed to take before the process exits anyway (spec.md §4.9).
const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	os.MkdirAll(filepath.Dir(cfg.Logs.Path), 0o755)
	logFile, err := os.OpenFile(cfg.Logs.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		log.SetOutput(logFile)
	}

	log.Infof("Starting Slimhub v%s", Version)
	log.Infof("  command socket: %s", cfg.Command.Addr)
	log.Infof("  dashboard port: %d", cfg.Server.Port)
	log.Infof("  programdata: %s  data: %s", cfg.ProgramData, cfg.Data)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")
		cancel()
	}()

	ident := identity.NewTable()

	cfgStore, err := identity.NewFileConfigStore(filepath.Join(cfg.ProgramData, "config"))
	if err != nil {
		log.Fatalf("config store init: %v", err)
	}

	queues := &session.Queues{
		Sound: make(chan session.WorkItem, cfg.Workers.QueueDepth),
		Data:  make(chan session.WorkItem, cfg.Workers.QueueDepth),
		Log:   make(chan session.WorkItem, cfg.Workers.QueueDepth),
	}

	soundCollector := workers.NewSoundFeatureCollector(cfg.ProgramData, log.WithField("worker", "sound"))
	dataPersister := workers.NewDataPersister(cfg.Data, log.WithField("worker", "data"))
	logFanout := workers.NewLogFanout(cfg.Data, log.WithField("worker", "log"))

	var workerWG sync.WaitGroup
	workerWG.Add(3)
	go func() { defer workerWG.Done(); soundCollector.Run(queues.Sound) }()
	go func() { defer workerWG.Done(); dataPersister.Run(queues.Data) }()
	go func() { defer workerWG.Done(); logFanout.Run(queues.Log) }()

	edges := make([]presence.Edge, len(cfg.Floorplan))
	for i, e := range cfg.Floorplan {
		edges[i] = presence.Edge{A: e.A, B: e.B, Weight: e.Weight}
	}
	graph := presence.NewGraph(edges)
	presenceCfg := presence.Config{
		NoiseThreshold:    cfg.Presence.NoiseThreshold,
		ExitVerifyingTime: cfg.Presence.ExitVerifyingTime,
		InactivityTimeout: cfg.Presence.InactivityTimeout,
		TimeoutBuffer:     cfg.Presence.TimeoutBuffer,
	}
	tracker := presence.NewTracker(graph, presenceCfg, func(address string, grade presence.Callback) {
		log.WithFields(log.Fields{"address": address, "grade": grade}).Info("presence callback")
	}, log.WithField("component", "presence"))

	presenceStop := make(chan struct{})
	go tracker.Run(presenceStop)

	analytics := discovery.NewAnalyticsTable(cfg.ProgramData)
	scanner := discovery.NewSimScanner()

	factory := func(ctx context.Context, adv discovery.Advertisement) (*session.Session, error) {
		l := link.NewSimLink(adv.RelayAddress, nil)
		return session.New(adv.RelayAddress, adv.DeviceType, l, ident, queues, tracker, cfg.Rooms, cfgStore,
			log.WithField("component", "session")), nil
	}
	supervisor := discovery.NewSupervisor(scanner, cfg.Link.ServiceUUID, cfg.Discovery.ScanInterval, cfg.Discovery.ScanWindow, factory, analytics, log.WithField("component", "discovery"))
	go supervisor.Run(ctx)

	configWatcher, err := config.NewWatcher(filepath.Join(cfg.ProgramData, "config"), func(path string) {
		if !strings.HasSuffix(path, ".json") {
			return
		}
		mac := identity.Unslug(strings.TrimSuffix(filepath.Base(path), ".json"))
		sess, ok := findSession(ident, supervisor, mac)
		if !ok {
			log.WithField("path", path).Debug("override file changed for an unknown or disconnected DEAN")
			return
		}
		if err := sess.ReloadConfig(ctx); err != nil {
			log.WithError(err).WithField("mac", mac).Warn("config reload failed")
		}
	}, log.WithField("component", "config-watcher"))
	if err != nil {
		log.WithError(err).Warn("config watcher disabled")
	} else {
		defer configWatcher.Close()
	}

	modelsWatcher, err := config.NewWatcher(filepath.Join(cfg.ProgramData, "models"), func(path string) {
		if !strings.HasSuffix(path, ".tflite") {
			return
		}
		mac := identity.Unslug(strings.TrimSuffix(filepath.Base(path), ".tflite"))
		sess, ok := findSession(ident, supervisor, mac)
		if !ok {
			log.WithField("path", path).Debug("model artifact dropped for an unknown or disconnected DEAN")
			return
		}
		if err := command.StartModelUpdate(ctx, sess, mac, cfg.ProgramData); err != nil {
			log.WithError(err).WithField("mac", mac).Warn("model update from watcher failed")
		}
	}, log.WithField("component", "models-watcher"))
	if err != nil {
		log.WithError(err).Warn("models watcher disabled")
	} else {
		defer modelsWatcher.Close()
	}

	cmdSrv := command.NewServer(cfg.Command, cfg.ProgramData, cfg.Command.TrainCmd, ident, supervisor.Sessions, tracker, cancel,
		log.WithField("component", "command"))
	go func() {
		if err := cmdSrv.ListenAndServe(ctx); err != nil {
			log.WithError(err).Error("command server stopped")
		}
	}()

	dashSrv := server.New(cfg.Server.Port, ident, supervisor.Sessions, tracker, func() {
		log.Info("dashboard refresh requested")
	}, log.WithField("component", "server"))

	if err := dashSrv.Run(ctx); err != nil {
		log.WithError(err).Error("dashboard server stopped")
	}

	log.Info("shutting down")
	cmdSrv.Close()
	close(presenceStop)
	disconnectAll(supervisor, shutdownGrace)

	close(queues.Sound)
	close(queues.Data)
	close(queues.Log)
	workerWG.Wait()
	log.Info("shutdown complete")
}

// findSession resolves mac to its currently connected Session via the
// Identity Table and the Supervisor's live session set, the same
// lookup the Command Plane's sessionForDean does.
func findSession(ident *identity.Table, sup *discovery.Supervisor, mac string) (*session.Session, bool) {
	entry := ident.Get(mac)
	if entry == nil {
		return nil, false
	}
	sess, ok := sup.Sessions()[entry.RelayAddress]
	if !ok || !sess.IsConnected() {
		return nil, false
	}
	return sess, true
}

// disconnectAll stops every live Session in parallel, waiting up to
// grace before giving up (spec.md §4.9).
func disconnectAll(sup *discovery.Supervisor, grace time.Duration) {
	sessions := sup.Sessions()
	var wg sync.WaitGroup
	wg.Add(len(sessions))
	for _, sess := range sessions {
		go func(s *session.Session) {
			defer wg.Done()
			s.Stop()
		}(sess)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("shutdown grace period elapsed with sessions still stopping")
	}
}
