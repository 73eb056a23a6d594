// Package session owns the Node Session: one instance per physically
// connected DEAN, carrying its link handle, discovered characteristics,
// and per-destination transfer state. Outbound writes go straight to
// the link; there is no outbound write queue.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/csoslab/slimhub/codec"
	"github.com/csoslab/slimhub/identity"
	"github.com/csoslab/slimhub/link"
	"github.com/csoslab/slimhub/transfer"
	"github.com/sirupsen/logrus"
)

// Well-known (service, characteristic) names, matched against the
// Characteristics a Link reports after Connect.
const (
	ServiceConfig    = "config"
	CharConfigName   = "config/name"
	CharConfigLoc    = "config/location"
	CharConfigReset  = "config/reset"

	ServiceCTS       = "cts"
	CharCurrentTime  = "cts/current_time"

	ServiceSound     = "sound"
	CharModel        = "sound/model"

	ServiceInference = "inference"
	CharRawData      = "inference/rawdata"
	CharDebugStr     = "inference/debugstr"
)

// connectRetries and connectBackoff implement spec.md §4.3's connect
// retry policy.
const (
	connectRetries       = 3
	connectBackoff       = 2 * time.Second
	serviceDiscoveryPoll = 100 * time.Millisecond
	serviceDiscoveryWait = time.Second
	interSubscribeDelay  = 200 * time.Millisecond
)

// WorkItem is one entry on a worker queue: a decoded notification bound
// for the Sound, Data, or Log worker.
type WorkItem struct {
	Location     string
	DeviceType   string
	Address      string
	Service      string
	Char         string
	ReceivedTime time.Time
	Payload      []byte
}

// Queues groups the bounded channels a Session's dispatcher feeds.
// Producers must tolerate back-pressure: drop-on-full is acceptable
// here (telemetry), never for control paths.
type Queues struct {
	Sound chan WorkItem
	Data  chan WorkItem
	Log   chan WorkItem
}

func (q *Queues) push(ch chan WorkItem, item WorkItem, log *logrus.Entry, queueName string) {
	select {
	case ch <- item:
	default:
		log.WithField("queue", queueName).Warn("worker queue full, dropping item")
	}
}

// PresenceSink is invoked synchronously, on the Session's own
// dispatcher goroutine, whenever a rawdata frame's first byte signals a
// presence event — the one path spec.md requires to reach the tracker
// before any other processing of that frame.
type PresenceSink interface {
	HandleSignal(address string, location string, signal int, at time.Time)
}

// ConfigStore persists and loads per-DEAN name/location overrides.
type ConfigStore interface {
	Load(address string) (name, location string, ok bool)
	Save(address, name, location string) error
}

// Session is one physically connected DEAN.
type Session struct {
	RelayAddress string
	DeviceType   string

	mu        sync.Mutex
	name      string
	location  string
	connected bool

	link      link.Link
	chars     map[string]bool
	transfers *transfer.Registry

	identity *identity.Table
	queues   *Queues
	presence PresenceSink
	rooms    []string
	config   ConfigStore

	log *logrus.Entry

	subMu       sync.RWMutex
	subscribers []chan []byte
	catchup     *catchupBuffer

	cancel context.CancelFunc
}

// New constructs a Session bound to an already-created Link. Run
// must be called before it does anything useful. rooms maps a rawdata
// presence signal's room byte to the configured floor-plan room name
// it refers to (rooms[code] == name; indexes beyond len(rooms) fall
// back to a numeric label).
func New(relayAddress, deviceType string, l link.Link, ident *identity.Table, queues *Queues, presence PresenceSink, rooms []string, cfgStore ConfigStore, log *logrus.Entry) *Session {
	return &Session{
		RelayAddress: relayAddress,
		DeviceType:   deviceType,
		link:         l,
		chars:        make(map[string]bool),
		transfers:    transfer.NewRegistry(),
		identity:     ident,
		queues:       queues,
		presence:     presence,
		rooms:        rooms,
		config:       cfgStore,
		log:          log.WithField("relay", relayAddress),
		catchup:      newCatchupBuffer(defaultCatchupSize),
	}
}

// Catchup returns recent raw notification bytes for a dashboard client
// subscribing mid-stream, so it doesn't start from nothing.
func (s *Session) Catchup() []byte {
	return s.catchup.bytes()
}

// IsConnected reports whether the link is currently believed up.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Name and Location return the current operator-assigned fields.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// Transfers exposes the per-destination transfer state machine registry
// so the Command Plane can drive it.
func (s *Session) Transfers() *transfer.Registry { return s.transfers }

// Link exposes the underlying transport. The transfer engine and the
// command handlers write through Session.Write instead.
func (s *Session) Link() link.Link { return s.link }

// Characteristics returns the characteristics discovered at connect
// time.
func (s *Session) Characteristics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.chars))
	for name := range s.chars {
		out = append(out, name)
	}
	return out
}

// Reset writes the reset control characteristic, the Command Plane's
// `reset` handler.
func (s *Session) Reset(ctx context.Context) error {
	if !s.hasChar(CharConfigReset) {
		return fmt.Errorf("device exposes no reset characteristic")
	}
	return s.link.Write(ctx, CharConfigReset, []byte{1})
}

// EnableCharacteristic subscribes to a single characteristic on demand,
// the Command Plane's `service enable`/`activate` handler — mirrors
// enableServices but for one name, outside the fixed connect-time set.
func (s *Session) EnableCharacteristic(ctx context.Context, name string) error {
	if !s.hasChar(name) {
		return fmt.Errorf("device exposes no characteristic %q", name)
	}
	return s.link.Subscribe(ctx, name)
}

// DisableCharacteristic unsubscribes a characteristic previously
// enabled, the Command Plane's `service disable`/`deactivate` handler.
func (s *Session) DisableCharacteristic(name string) error {
	if !s.hasChar(name) {
		return fmt.Errorf("device exposes no characteristic %q", name)
	}
	return s.link.Unsubscribe(name)
}

// SetConfig overrides the in-memory name/location and, when the device
// exposes the config service, pushes both fields to it — the Command
// Plane's `config` and `apply` handlers.
func (s *Session) SetConfig(ctx context.Context, name, location string) error {
	s.mu.Lock()
	s.name, s.location = name, location
	s.mu.Unlock()
	if err := s.config.Save(s.RelayAddress, name, location); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	if !s.hasChar(CharConfigName) {
		return nil
	}
	if err := s.link.Write(ctx, CharConfigName, []byte(name)); err != nil {
		return fmt.Errorf("push name: %w", err)
	}
	if err := s.link.Write(ctx, CharConfigLoc, []byte(location)); err != nil {
		return fmt.Errorf("push location: %w", err)
	}
	return nil
}

// Run connects, performs the lifecycle steps of spec.md §4.3, and then
// dispatches notifications until ctx is cancelled or the link fails.
// It returns only on teardown.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	if err := s.connectWithRetry(runCtx); err != nil {
		s.teardown()
		return err
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	if err := s.loadOrPullConfig(runCtx); err != nil {
		s.log.WithError(err).Warn("config load/pull failed")
	}
	s.syncClock(runCtx)
	s.enableServices(runCtx)

	s.dispatchLoop(runCtx)
	s.teardown()
	return nil
}

func (s *Session) connectWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, serviceDiscoveryWait)
		err := s.link.Connect(connectCtx)
		cancel()
		if err == nil {
			s.discoverCharacteristics(ctx)
			return nil
		}
		lastErr = err
		s.log.WithError(err).Warnf("connect attempt %d/%d failed", attempt+1, connectRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return fmt.Errorf("connect failed after %d attempts: %w", connectRetries, lastErr)
}

// discoverCharacteristics polls Characteristics() at 100ms granularity
// for up to 1s, per spec.md §4.3 step 2.
func (s *Session) discoverCharacteristics(ctx context.Context) {
	deadline := time.Now().Add(serviceDiscoveryWait)
	for time.Now().Before(deadline) {
		chars := s.link.Characteristics()
		if len(chars) > 0 {
			s.mu.Lock()
			for _, c := range chars {
				s.chars[c] = true
			}
			s.mu.Unlock()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(serviceDiscoveryPoll):
		}
	}
}

func (s *Session) hasChar(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chars[name]
}

func (s *Session) loadOrPullConfig(ctx context.Context) error {
	if _, _, ok := s.config.Load(s.RelayAddress); ok {
		return s.ReloadConfig(ctx)
	}
	if !s.hasChar(CharConfigName) {
		return fmt.Errorf("no persisted config and device exposes no config service")
	}
	return fmt.Errorf("no persisted config for %s; device read-back requires link support not modeled here", s.RelayAddress)
}

// ReloadConfig re-reads this Session's persisted name/location override
// and pushes it to the device, without writing the override back out —
// the config-override watcher's hook for a file an operator edited
// directly rather than through the `config` command (SPEC_FULL.md §10).
func (s *Session) ReloadConfig(ctx context.Context) error {
	name, location, ok := s.config.Load(s.RelayAddress)
	if !ok {
		return fmt.Errorf("no persisted config for %s", s.RelayAddress)
	}
	s.mu.Lock()
	s.name, s.location = name, location
	s.mu.Unlock()
	if !s.hasChar(CharConfigName) {
		return nil
	}
	if err := s.link.Write(ctx, CharConfigName, []byte(name)); err != nil {
		return fmt.Errorf("push name: %w", err)
	}
	if err := s.link.Write(ctx, CharConfigLoc, []byte(location)); err != nil {
		return fmt.Errorf("push location: %w", err)
	}
	return nil
}

// syncClock writes a packed current-time struct if the device exposes a
// current-time characteristic, matching spec.md §4.3 step 4.
func (s *Session) syncClock(ctx context.Context) {
	if !s.hasChar(CharCurrentTime) {
		return
	}
	now := time.Now()
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(now.Year()))
	buf[2] = byte(now.Month())
	buf[3] = byte(now.Day())
	buf[4] = byte(now.Hour())
	buf[5] = byte(now.Minute())
	buf[6] = byte(now.Second())
	isoWeekday := int(now.Weekday()) // Go: Sunday=0
	if isoWeekday == 0 {
		isoWeekday = 7 // ISO: Monday=1 ... Sunday=7
	}
	buf[7] = byte(isoWeekday)
	buf[8] = 0
	if err := s.link.Write(ctx, CharCurrentTime, buf); err != nil {
		s.log.WithError(err).Warn("clock sync failed")
	}
}

// enableServices subscribes, with a 200ms inter-subscribe delay, to each
// characteristic of the fixed default set (model, rawdata, debugstr)
// that the device exposes. The set is not configurable; any other
// characteristic is subscribed on demand through EnableCharacteristic.
func (s *Session) enableServices(ctx context.Context) {
	defaultEnabled := []string{CharModel, CharRawData, CharDebugStr}
	for _, name := range defaultEnabled {
		if !s.hasChar(name) {
			continue
		}
		if err := s.link.Subscribe(ctx, name); err != nil {
			s.log.WithError(err).Warnf("subscribe %s failed", name)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interSubscribeDelay):
		}
	}
}

func (s *Session) dispatchLoop(ctx context.Context) {
	notifyCh := s.link.Notify()
	errCh := s.link.Err()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				return
			}
			s.log.WithError(err).Warn("link error, tearing down session")
			return
		case n, ok := <-notifyCh:
			if !ok {
				return
			}
			s.dispatch(ctx, n)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, n link.Notification) {
	s.broadcast(n.Data)

	entry, payload, err := s.identity.ParseUpstream(n.Data, s.RelayAddress, s.DeviceType, s.Location())
	if err != nil {
		s.log.WithError(err).Warn("frame shorter than MAC prefix, dropping")
		return
	}

	switch n.Characteristic {
	case CharModel:
		s.dispatchModel(ctx, entry.Mac, payload, n.ReceivedAt)
	case CharRawData:
		s.dispatchRawData(entry.Mac, payload, n.ReceivedAt)
	case CharDebugStr:
		s.enqueue(WorkItem{
			Location: entry.Location, DeviceType: entry.DeviceType, Address: entry.Mac,
			Service: ServiceInference, Char: "debugstr", ReceivedTime: n.ReceivedAt, Payload: payload,
		}, true, true)
	}
}

func (s *Session) dispatchModel(ctx context.Context, destMac string, payload []byte, at time.Time) {
	if len(payload) >= 1 {
		if ctrl, err := codec.UnpackControl(payload); err == nil {
			switch ctrl.Cmd {
			case codec.CmdFeatureStart, codec.CmdFeatureData, codec.CmdFeatureFinish, codec.CmdFeatureEnd:
				s.enqueue(WorkItem{
					Location: s.Location(), DeviceType: s.DeviceType, Address: destMac,
					Service: ServiceSound, Char: "model", ReceivedTime: at, Payload: payload,
				}, false, false)
				return
			}
		}
	}
	s.transfers.HandleNotification(ctx, s, destMac, transfer.StreamModel, payload, s.log)
}

func (s *Session) dispatchRawData(destMac string, payload []byte, at time.Time) {
	if len(payload) < 1 {
		s.log.Warn("rawdata frame too short to classify, dropping")
		return
	}
	if payload[0] == 1 {
		signal, loc, sigAt := s.decodePresenceSignal(payload)
		s.presence.HandleSignal(destMac, loc, signal, sigAt)
		return
	}
	s.enqueue(WorkItem{
		Location: s.Location(), DeviceType: s.DeviceType, Address: destMac,
		Service: ServiceInference, Char: "rawdata", ReceivedTime: at, Payload: payload,
	}, true, false)
}

// decodePresenceSignal interprets the fixed rawdata struct per spec.md
// §4.3 (`<BBBfffffB20b`): byte0=marker, byte1=signal code, byte2=room.
// byte2 is resolved against the configured room list so the resulting
// location matches the floor-plan graph's node names; an out-of-range
// code falls back to a numeric label rather than panicking.
func (s *Session) decodePresenceSignal(data []byte) (signal int, location string, at time.Time) {
	if len(data) < 3 {
		return 0, "", time.Now()
	}
	code := int(data[2])
	if code < len(s.rooms) {
		return int(data[1]), s.rooms[code], time.Now()
	}
	return int(data[1]), fmt.Sprintf("room-%d", code), time.Now()
}

func (s *Session) enqueue(item WorkItem, toData, toLog bool) {
	if toData {
		s.queues.push(s.queues.Data, item, s.log, "data")
	}
	if toLog {
		s.queues.push(s.queues.Log, item, s.log, "log")
	}
	if !toData && !toLog {
		s.queues.push(s.queues.Sound, item, s.log, "sound")
	}
}

// Subscribe registers a channel for a raw-byte broadcast of every
// notification this Session receives — used by the dashboard's SSE
// handler.
func (s *Session) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (s *Session) Unsubscribe(ch chan []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, c := range s.subscribers {
		if c == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *Session) broadcast(data []byte) {
	s.catchup.write(data)
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- data:
		default:
		}
	}
}

// Write frames payload with the target DEAN's MAC and writes it to the
// given characteristic — the outbound path for Command Plane handlers.
func (s *Session) Write(ctx context.Context, characteristic, targetMac string, payload []byte) error {
	framed, err := s.identity.BuildDownstream(targetMac, payload)
	if err != nil {
		return err
	}
	return s.link.Write(ctx, characteristic, framed)
}

// Stop cancels Run's context, causing an orderly teardown.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.transfers.ClearAll()
	s.identity.MarkDisconnected(s.RelayAddress)
	_ = s.link.Close()
	s.subMu.Lock()
	for _, ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = nil
	s.subMu.Unlock()
}
