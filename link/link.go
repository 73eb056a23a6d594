// Package link defines the transport contract between a Session and a
// physically connected DEAN node, and a local-process simulator used in
// development and tests. A production build supplies a Link backed by
// the platform's BLE central stack; this package does not depend on one
// directly so the rest of the module stays portable.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by SimLink's Write, Subscribe and Deliver once
// the link is closed.
var ErrClosed = errors.New("link: closed")

// Link is a single physical connection to one relay (a DEAN node, or a
// gateway relaying for nearby peripherals). Its shape — channel-based
// notifications, explicit Err(), idempotent Close() — mirrors the
// connection-oriented session contract used elsewhere in this codebase
// for other point-to-point links.
type Link interface {
	// Connect performs service discovery. It must return once the
	// characteristic map is populated or ctx expires.
	Connect(ctx context.Context) error

	// Characteristics returns the discovered (service, characteristic)
	// names available on this link, valid only after Connect returns.
	Characteristics() []string

	// Subscribe begins delivering notifications for the given
	// characteristic onto the channel returned by Notify.
	Subscribe(ctx context.Context, characteristic string) error

	// Unsubscribe stops delivering notifications for characteristic.
	Unsubscribe(characteristic string) error

	// Write sends payload to characteristic.
	Write(ctx context.Context, characteristic string, payload []byte) error

	// Notify returns the channel of incoming notifications.
	Notify() <-chan Notification

	// Err returns a channel that receives at most one error when the
	// link fails asynchronously (radio drop, relay disconnect).
	Err() <-chan error

	// Close tears down the link. Safe to call more than once.
	Close() error
}

// Notification is one inbound frame on a subscribed characteristic.
type Notification struct {
	Characteristic string
	Data           []byte
	ReceivedAt     time.Time
}

// SimLink is an in-process Link used by tests and by the development
// supervisor when no real radio is present. Every Write is handed to
// the observer installed with OnWrite, and Deliver injects inbound
// notifications, letting tests drive a full Session/Transfer round
// trip without real hardware.
type SimLink struct {
	mu            sync.Mutex
	relay         string
	chars         []string
	subscribed    map[string]bool
	notifyCh      chan Notification
	errCh         chan error
	closed        bool
	writeObserver func(characteristic string, payload []byte)
}

// NewSimLink returns a SimLink advertising the given characteristics.
func NewSimLink(relay string, characteristics []string) *SimLink {
	return &SimLink{
		relay:      relay,
		chars:      characteristics,
		subscribed: make(map[string]bool),
		notifyCh:   make(chan Notification, 64),
		errCh:      make(chan error, 1),
	}
}

// OnWrite installs a callback invoked synchronously from Write, before
// the write is considered complete — tests use this to synthesize the
// device-side ack/data response to a hub write.
func (s *SimLink) OnWrite(fn func(characteristic string, payload []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeObserver = fn
}

func (s *SimLink) Connect(ctx context.Context) error { return nil }

func (s *SimLink) Characteristics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chars...)
}

func (s *SimLink) Subscribe(ctx context.Context, characteristic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.subscribed[characteristic] = true
	return nil
}

func (s *SimLink) Unsubscribe(characteristic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribed, characteristic)
	return nil
}

func (s *SimLink) Write(ctx context.Context, characteristic string, payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	observer := s.writeObserver
	s.mu.Unlock()
	if observer != nil {
		observer(characteristic, payload)
	}
	return nil
}

// Deliver injects a notification as though it arrived over the radio.
func (s *SimLink) Deliver(characteristic string, data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case s.notifyCh <- Notification{Characteristic: characteristic, Data: data, ReceivedAt: time.Now()}:
		return nil
	default:
		return fmt.Errorf("link: notify buffer full for %s", characteristic)
	}
}

func (s *SimLink) Notify() <-chan Notification { return s.notifyCh }

func (s *SimLink) Err() <-chan error { return s.errCh }

// Fail asynchronously reports err on the Err channel, as a real radio
// failure would.
func (s *SimLink) Fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *SimLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notifyCh)
	return nil
}
