package discovery

import (
	"context"
	"sync"
	"time"
)

// SimScanner is a Scanner test double: advertisements are registered
// (or withdrawn) out-of-band and handed back verbatim on the next
// Scan, mirroring the teacher's AddServer/GetServers bookkeeping
// idiom without the BareMetalHost watch machinery it has no analogue
// for here.
type SimScanner struct {
	mu  sync.Mutex
	ads map[string]Advertisement
}

// NewSimScanner returns an empty SimScanner.
func NewSimScanner() *SimScanner {
	return &SimScanner{ads: make(map[string]Advertisement)}
}

// Advertise registers (or updates) a visible advertisement.
func (s *SimScanner) Advertise(adv Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ads[adv.RelayAddress] = adv
}

// Withdraw removes a relay address from the advertising set, as if
// the node had gone out of range.
func (s *SimScanner) Withdraw(relayAddress string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ads, relayAddress)
}

// Scan returns every currently-advertising node. window is accepted to
// satisfy the Scanner interface; SimScanner has no radio dwell time.
func (s *SimScanner) Scan(ctx context.Context, window time.Duration) ([]Advertisement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Advertisement, 0, len(s.ads))
	for _, a := range s.ads {
		out = append(out, a)
	}
	return out, nil
}
