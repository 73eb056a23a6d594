// Package discovery implements the Discovery & Supervision Loop: a
// periodic scan for advertising DEAN nodes, session creation on first
// sight, and reconnection once a Session reports itself disconnected.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/csoslab/slimhub/session"
	"github.com/sirupsen/logrus"
)

// Advertisement is one observed broadcast from a relay address.
type Advertisement struct {
	RelayAddress string
	ServiceUUIDs []string
	DeviceType   string
}

// Scanner performs one scan pass, returning every advertisement heard
// within window. Implementations own the underlying radio.
type Scanner interface {
	Scan(ctx context.Context, window time.Duration) ([]Advertisement, error)
}

// SessionFactory builds a Session for a freshly discovered relay
// address; the Supervisor then runs it.
type SessionFactory func(ctx context.Context, adv Advertisement) (*session.Session, error)

// Supervisor runs the scan loop and owns the set of live Sessions,
// keyed by relay address.
type Supervisor struct {
	scanner      Scanner
	serviceUUID  string
	scanInterval time.Duration
	scanWindow   time.Duration
	factory      SessionFactory
	analytics    *AnalyticsTable
	log          *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewSupervisor builds a Supervisor scanning for serviceUUID every
// scanInterval, listening scanWindow per pass, creating Sessions via
// factory.
func NewSupervisor(scanner Scanner, serviceUUID string, scanInterval, scanWindow time.Duration, factory SessionFactory, analytics *AnalyticsTable, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		scanner:      scanner,
		serviceUUID:  serviceUUID,
		scanInterval: scanInterval,
		scanWindow:   scanWindow,
		factory:      factory,
		analytics:    analytics,
		log:          log,
		sessions:     make(map[string]*session.Session),
	}
}

// Run scans every scanInterval for scanWindow until ctx is cancelled.
// A new scan is never started while one is in flight, and the
// advertisements found in a single pass are handed to ensure one at a
// time. ensure returns once a Session's Run has been started on its own
// goroutine; it does not wait for the connect, so connects for several
// advertisements can overlap.
func (sup *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(sup.scanInterval)
	defer ticker.Stop()

	sup.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sup.scanOnce(ctx)
		}
	}
}

func (sup *Supervisor) scanOnce(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, sup.scanWindow)
	defer cancel()

	ads, err := sup.scanner.Scan(scanCtx, sup.scanWindow)
	if err != nil {
		sup.log.WithError(err).Warn("scan failed")
		return
	}

	for _, adv := range ads {
		if !hasUUID(adv.ServiceUUIDs, sup.serviceUUID) {
			continue
		}
		sup.ensure(ctx, adv)
	}
}

func hasUUID(uuids []string, want string) bool {
	for _, u := range uuids {
		if u == want {
			return true
		}
	}
	return false
}

// ensure creates a Session on first sight of relayAddress, or
// reconnects one that has gone idle. An already-connected Session is
// left untouched.
func (sup *Supervisor) ensure(ctx context.Context, adv Advertisement) {
	sup.mu.Lock()
	s, ok := sup.sessions[adv.RelayAddress]
	sup.mu.Unlock()

	if ok {
		if s.IsConnected() {
			return
		}
		sup.launch(ctx, adv, s)
		return
	}

	s, err := sup.factory(ctx, adv)
	if err != nil {
		sup.log.WithError(err).WithField("relay", adv.RelayAddress).Warn("session creation failed")
		return
	}
	sup.mu.Lock()
	sup.sessions[adv.RelayAddress] = s
	sup.mu.Unlock()
	sup.launch(ctx, adv, s)
}

func (sup *Supervisor) launch(ctx context.Context, adv Advertisement, s *session.Session) {
	started := time.Now()
	sup.analytics.RecordConnectAttempt(adv.RelayAddress)
	go func() {
		err := s.Run(ctx)
		reason := "closed"
		if err != nil {
			reason = err.Error()
		}
		sup.analytics.RecordDisconnect(adv.RelayAddress, reason, time.Since(started))
	}()
}

// Sessions returns a point-in-time snapshot of every known Session,
// keyed by relay address, for the Command Plane's session lookups and
// the dashboard.
func (sup *Supervisor) Sessions() map[string]*session.Session {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	out := make(map[string]*session.Session, len(sup.sessions))
	for k, v := range sup.sessions {
		out[k] = v
	}
	return out
}
