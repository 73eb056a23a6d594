// Package presence implements the Presence Tracker: a graph-based
// room-occupancy state machine driven by ENTER/EXIT signals from
// distributed DEAN sensors, with pending-move timeouts and graded
// strong/weak enter/exit callbacks.
package presence

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Signal codes, matching spec.md §4.6.
const (
	SignalEnter = 10
	SignalExit  = 20
)

// Callback grades, dispatched to the originating device.
type Callback int

const (
	StrongEnter Callback = iota
	WeakEnter
	StrongExit
	WeakExit
)

func (c Callback) String() string {
	switch c {
	case StrongEnter:
		return "strong_enter"
	case WeakEnter:
		return "weak_enter"
	case StrongExit:
		return "strong_exit"
	case WeakExit:
		return "weak_exit"
	default:
		return "unknown"
	}
}

// CallbackFunc is invoked once per graded event, for the device whose
// address originated (or is the target of) the transition.
type CallbackFunc func(address string, grade Callback)

// deviceRecord is a DevicePresenceRecord (spec.md §3).
type deviceRecord struct {
	location       string
	lastSignalTime time.Time
	active         bool
}

// pendingMove mirrors spec.md's PendingMove.
type pendingMove struct {
	from      string
	to        string
	startTime time.Time
	timeout   time.Duration
}

// Config holds the tracker's timing constants; zero fields fall back
// to spec.md §4.6 defaults.
type Config struct {
	NoiseThreshold    time.Duration
	ExitVerifyingTime time.Duration
	InactivityTimeout time.Duration
	TimeoutBuffer     time.Duration
}

func (c Config) withDefaults() Config {
	if c.NoiseThreshold == 0 {
		c.NoiseThreshold = 10 * time.Second
	}
	if c.ExitVerifyingTime == 0 {
		c.ExitVerifyingTime = 20 * time.Second
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = 30 * time.Second
	}
	if c.TimeoutBuffer == 0 {
		c.TimeoutBuffer = 5 * time.Second
	}
	return c
}

// Tracker serializes all presence-state transitions through a single
// handler — the only safe discipline, since a move's validity depends
// on a globally consistent view of the pending-move bundle.
type Tracker struct {
	mu       sync.Mutex
	graph    *Graph
	cfg      Config
	devices  map[string]*deviceRecord
	pending  []pendingMove
	activeRoom string
	onEvent  CallbackFunc
	log      *logrus.Entry
}

// NewTracker builds a Tracker over graph with the given config.
func NewTracker(graph *Graph, cfg Config, onEvent CallbackFunc, log *logrus.Entry) *Tracker {
	return &Tracker{
		graph:   graph,
		cfg:     cfg.withDefaults(),
		devices: make(map[string]*deviceRecord),
		onEvent: onEvent,
		log:     log,
	}
}

// HandleSignal processes one ENTER/EXIT signal from address, reporting
// location L at time t. This is the single serialized entry point
// (spec.md §4.6's "single active signal at a time").
func (tr *Tracker) HandleSignal(address string, location string, signal int, t time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	rec, known := tr.devices[address]

	if signal == SignalEnter {
		if known && rec.location == location && rec.active {
			// Redundant ENTER at the room already occupied: noise,
			// always absorbed regardless of elapsed time (spec.md S3).
			rec.lastSignalTime = t
			return
		}
		tr.handleEnter(address, rec, known, location, t)
		return
	}

	// signal == SignalExit. A device with no record has nothing to
	// exit from.
	if !known {
		return
	}

	currentRoom := rec.location

	{
		// 1. Outdated-signal guard: EXIT from a room the device has
		// already left (current record is at a different room) is a
		// late echo.
		if currentRoom != location {
			return
		}
		if rec.active {
			// First EXIT seen while active in this room: deactivate,
			// build the pending-move bundle, dispatch weak_exit.
			rec.active = false
			tr.deactivateRoom(currentRoom)
			tr.pending = tr.buildPendingMoves(currentRoom, t)
			rec.lastSignalTime = t
			tr.dispatch(address, WeakExit)
			return
		}
		// Already mid-exit (a pending-move bundle is outstanding for
		// this room): subsequent EXIT echoes are noise-filtered by
		// elapsed time since the last one.
		dt := t.Sub(rec.lastSignalTime)
		switch {
		case dt < tr.cfg.NoiseThreshold:
			// 2. Noise filter: refresh timestamp, no callback.
			rec.lastSignalTime = t
		case dt < tr.cfg.ExitVerifyingTime:
			// 3. Ambiguous window: refresh timestamp, no callback.
			rec.lastSignalTime = t
		default:
			// 4. Same-room exit verify: force exit, remove record.
			tr.pending = nil
			delete(tr.devices, address)
			tr.dispatch(address, StrongExit)
		}
		return
	}
}

// handleEnter resolves an ENTER against the live pending-move bundle
// (spec.md §4.6 steps 6/7). A brand-new device with no pending bundle
// to test against is the "Unknown" bootstrap case and gets a
// strong_enter; every other unmatched ENTER is graded weak_enter.
func (tr *Tracker) handleEnter(address string, rec *deviceRecord, known bool, location string, t time.Time) {
	// Tie-break: smallest elapsed time wins when multiple pending
	// entries match the same destination.
	var match *pendingMove
	for i := range tr.pending {
		m := &tr.pending[i]
		if m.to != location {
			continue
		}
		if match == nil || t.Sub(m.startTime) < t.Sub(match.startTime) {
			match = m
		}
	}

	if !known {
		rec = &deviceRecord{}
		tr.devices[address] = rec
	}
	rec.location = location
	rec.lastSignalTime = t
	rec.active = true
	tr.activateRoom(location)

	switch {
	case match == nil:
		if !known && len(tr.pending) == 0 {
			tr.dispatch(address, StrongEnter)
			return
		}
		// 7. No pending moves matching this room: unexpected ENTER.
		tr.dispatch(address, WeakEnter)
	case t.Sub(match.startTime) <= match.timeout:
		tr.pending = nil
		tr.dispatch(address, StrongEnter)
	default:
		tr.pending = nil
		tr.dispatch(address, WeakEnter)
	}
}

// buildPendingMoves computes the candidate destination bundle for an
// EXIT from room, per spec.md §4.6 step 5 — every room reachable via
// shortest path, timeout = dist + TimeoutBuffer.
func (tr *Tracker) buildPendingMoves(room string, t time.Time) []pendingMove {
	reachable := tr.graph.Reachable(room)
	out := make([]pendingMove, 0, len(reachable))
	for dest, dist := range reachable {
		out = append(out, pendingMove{
			from:      room,
			to:        dest,
			startTime: t,
			timeout:   time.Duration(dist*float64(time.Second)) + tr.cfg.TimeoutBuffer,
		})
	}
	return out
}

func (tr *Tracker) activateRoom(room string) {
	tr.activeRoom = room
}

func (tr *Tracker) deactivateRoom(room string) {
	if tr.activeRoom == room {
		tr.activeRoom = ""
	}
}

func (tr *Tracker) dispatch(address string, grade Callback) {
	if tr.onEvent != nil {
		tr.onEvent(address, grade)
	}
}

// Tick runs the background 1s timer logic: expiring overdue pending
// moves (force-activating the bundle's `from` room) and sweeping
// inactive devices past InactivityTimeout.
func (tr *Tracker) Tick(now time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if len(tr.pending) > 0 {
		first := tr.pending[0]
		if now.Sub(first.startTime) > first.timeout {
			tr.activateRoom(first.from)
			for _, rec := range tr.devices {
				if !rec.active && rec.location == first.from {
					rec.active = true
					rec.lastSignalTime = now
				}
			}
			tr.pending = nil
		}
	}

	for addr, rec := range tr.devices {
		if !rec.active {
			continue
		}
		if now.Sub(rec.lastSignalTime) >= tr.cfg.InactivityTimeout {
			tr.deactivateRoom(rec.location)
			delete(tr.devices, addr)
			tr.dispatch(addr, StrongExit)
		}
	}
}

// Run drives Tick on a 1-second ticker until stop is closed.
func (tr *Tracker) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			tr.Tick(now)
		}
	}
}

// ActiveRoom returns the currently activated room, or "" if no device
// presence records exist (spec.md invariant I3).
func (tr *Tracker) ActiveRoom() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.activeRoom
}

// DeviceSnapshot describes one device's presence record for operator
// visibility (the dashboard's /api/presence).
type DeviceSnapshot struct {
	Address        string
	Location       string
	LastSignalTime time.Time
	Active         bool
}

// Snapshot returns a point-in-time copy of every device presence
// record.
func (tr *Tracker) Snapshot() []DeviceSnapshot {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]DeviceSnapshot, 0, len(tr.devices))
	for addr, rec := range tr.devices {
		out = append(out, DeviceSnapshot{
			Address: addr, Location: rec.location,
			LastSignalTime: rec.lastSignalTime, Active: rec.active,
		})
	}
	return out
}
