package presence

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	address string
	grade   Callback
}

func newTestTracker(t *testing.T, edges []Edge) (*Tracker, *[]recordedEvent) {
	t.Helper()
	events := &[]recordedEvent{}
	g := NewGraph(edges)
	tr := NewTracker(g, Config{}, func(addr string, grade Callback) {
		*events = append(*events, recordedEvent{addr, grade})
	}, logrus.NewEntry(logrus.New()))
	return tr, events
}

func at(seconds int) time.Time {
	return time.Unix(1_700_000_000, 0).Add(time.Duration(seconds) * time.Second)
}

func TestNoiseFilterAbsorbsRepeatedEnter(t *testing.T) {
	tr, events := newTestTracker(t, []Edge{{A: "KITCHEN", B: "ROOM", Weight: 5}})

	tr.HandleSignal("DEAN-K", "KITCHEN", SignalEnter, at(0))
	tr.HandleSignal("DEAN-K", "KITCHEN", SignalEnter, at(3))

	require.Len(t, *events, 1, "second signal within noise threshold must be absorbed")
	require.Equal(t, StrongEnter, (*events)[0].grade)
	require.Equal(t, "KITCHEN", tr.ActiveRoom())
}

func TestValidMoveWithinTimeout(t *testing.T) {
	tr, events := newTestTracker(t, []Edge{{A: "KITCHEN", B: "ROOM", Weight: 5}})

	tr.HandleSignal("DEAN-K", "KITCHEN", SignalEnter, at(-100))
	*events = nil

	tr.HandleSignal("DEAN-K", "KITCHEN", SignalExit, at(0))
	require.Equal(t, WeakExit, (*events)[len(*events)-1].grade)
	require.Equal(t, "", tr.ActiveRoom())

	tr.HandleSignal("DEAN-R", "ROOM", SignalEnter, at(6))
	last := (*events)[len(*events)-1]
	require.Equal(t, "DEAN-R", last.address)
	require.Equal(t, StrongEnter, last.grade)
	require.Equal(t, "ROOM", tr.ActiveRoom())
}

func TestTimedOutMoveDispatchesWeakEnter(t *testing.T) {
	tr, events := newTestTracker(t, []Edge{{A: "KITCHEN", B: "ROOM", Weight: 5}})

	tr.HandleSignal("DEAN-K", "KITCHEN", SignalEnter, at(-100))
	tr.HandleSignal("DEAN-K", "KITCHEN", SignalExit, at(0))

	tr.HandleSignal("DEAN-R", "ROOM", SignalEnter, at(12))
	last := (*events)[len(*events)-1]
	require.Equal(t, WeakEnter, last.grade)
	require.Equal(t, "ROOM", tr.ActiveRoom())
}

func TestInactivitySweepForcesExit(t *testing.T) {
	tr, events := newTestTracker(t, []Edge{{A: "ROOM", B: "OTHER", Weight: 5}})

	tr.HandleSignal("DEAN-R", "ROOM", SignalEnter, at(0))
	*events = nil

	tr.Tick(at(35))
	require.Len(t, *events, 1)
	require.Equal(t, StrongExit, (*events)[0].grade)
	require.Equal(t, "", tr.ActiveRoom())

	// A subsequent ENTER is treated as a fresh arrival.
	tr.HandleSignal("DEAN-R", "ROOM", SignalEnter, at(36))
	last := (*events)[len(*events)-1]
	require.Equal(t, StrongEnter, last.grade)
}

func TestOutdatedExitEchoDropped(t *testing.T) {
	tr, events := newTestTracker(t, []Edge{{A: "KITCHEN", B: "ROOM", Weight: 5}})

	tr.HandleSignal("DEAN-K", "KITCHEN", SignalEnter, at(0))
	tr.HandleSignal("DEAN-K", "ROOM", SignalEnter, at(10)) // device moved on
	*events = nil

	tr.HandleSignal("DEAN-K", "KITCHEN", SignalExit, at(11)) // stale echo
	require.Empty(t, *events)
}
