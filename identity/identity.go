// Package identity maintains the Identity Table: the authoritative map
// from a DEAN's canonical MAC to its last-known relay address, device
// type, human-assigned name/location, and connection state.
package identity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/csoslab/slimhub/codec"
)

// Entry is one row of the Identity Table.
type Entry struct {
	Mac          string
	RelayAddress string
	DeviceType   string
	Name         string
	Location     string
	LastSeen     time.Time
	Connected    bool
}

// Table is the process-wide Identity Table. Safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTable returns an empty Identity Table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// NormalizeMac uppercases and colon-delimits a MAC given in any of the
// usual separator styles ("aa-bb-cc-dd-ee-ff", "aabbccddeeff", ...).
func NormalizeMac(value string) (string, error) {
	cleaned := strings.ToUpper(strings.NewReplacer(":", "", "-", "", " ", "").Replace(value))
	if len(cleaned) != 12 {
		return "", fmt.Errorf("invalid MAC string: %q", value)
	}
	for _, r := range cleaned {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return "", fmt.Errorf("invalid MAC string: %q", value)
		}
	}
	var parts [6]string
	for i := 0; i < 6; i++ {
		parts[i] = cleaned[i*2 : i*2+2]
	}
	return strings.Join(parts[:], ":"), nil
}

// MacBytesToString formats a raw 6-byte MAC as "AA:BB:CC:DD:EE:FF".
func MacBytesToString(mac [codec.MACLen]byte) string {
	parts := make([]string, codec.MACLen)
	for i, b := range mac {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// MacStringToBytes parses a normalized "AA:BB:..." MAC into raw bytes.
func MacStringToBytes(mac string) ([codec.MACLen]byte, error) {
	var out [codec.MACLen]byte
	normalized, err := NormalizeMac(mac)
	if err != nil {
		return out, err
	}
	parts := strings.Split(normalized, ":")
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return out, fmt.Errorf("invalid MAC string: %q", mac)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// Observe upserts the entry for mac: relay address and
// last-seen/connected are refreshed unconditionally, device type
// whenever a non-empty one is given; location is only filled if it was
// previously empty. This is the hot-path call made by
// the Session notification dispatcher for every received frame.
func (t *Table) Observe(mac [codec.MACLen]byte, relayAddress, deviceType, locationHint string) *Entry {
	macStr := MacBytesToString(mac)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[macStr]
	if !ok {
		entry = &Entry{Mac: macStr}
		t.entries[macStr] = entry
	}
	entry.RelayAddress = relayAddress
	if deviceType != "" {
		entry.DeviceType = deviceType
	}
	entry.LastSeen = time.Now()
	entry.Connected = true
	if locationHint != "" && entry.Location == "" {
		entry.Location = locationHint
	}
	return entry
}

// Ensure upserts the entry for a formatted MAC string without implying
// a live observation (no last-seen/connected update) — used by the
// Command Plane's `config` handler to create an entry for a DEAN the
// operator is pre-configuring before it has ever connected.
func (t *Table) Ensure(mac, relayAddress, deviceType, locationHint string) (*Entry, error) {
	normalized, err := NormalizeMac(mac)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[normalized]
	if !ok {
		entry = &Entry{Mac: normalized}
		t.entries[normalized] = entry
	}
	if relayAddress != "" {
		entry.RelayAddress = relayAddress
	}
	if deviceType != "" && entry.DeviceType == "" {
		entry.DeviceType = deviceType
	}
	if locationHint != "" && entry.Location == "" {
		entry.Location = locationHint
	}
	return entry, nil
}

// ParseUpstream strips the 6-byte MAC prefix from an upstream packet,
// observes the originating DEAN, and returns the entry and remaining
// payload. Fails if packet is shorter than the MAC prefix.
func (t *Table) ParseUpstream(packet []byte, relayAddress, deviceType, locationHint string) (*Entry, []byte, error) {
	mac, payload, err := codec.StripMAC(packet)
	if err != nil {
		return nil, nil, err
	}
	entry := t.Observe(mac, relayAddress, deviceType, locationHint)
	return entry, payload, nil
}

// BuildDownstream frames payload with mac's 6-byte prefix. Total
// allocation never exceeds 6+len(payload).
func (t *Table) BuildDownstream(mac string, payload []byte) ([]byte, error) {
	macBytes, err := MacStringToBytes(mac)
	if err != nil {
		return nil, err
	}
	return codec.PrependMAC(macBytes, payload), nil
}

// Get returns the entry for mac, or nil if unknown.
func (t *Table) Get(mac string) *Entry {
	normalized, err := NormalizeMac(mac)
	if err != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[normalized]
	if !ok {
		return nil
	}
	snapshot := *e
	return &snapshot
}

// RelayFor returns the relay address currently associated with mac, or
// "" if unknown.
func (t *Table) RelayFor(mac string) string {
	if e := t.Get(mac); e != nil {
		return e.RelayAddress
	}
	return ""
}

// IterEntries returns a point-in-time snapshot of every known entry.
func (t *Table) IterEntries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// MarkDisconnected flips Connected=false on every entry currently
// routed through relayAddress — called when a Session's link drops.
func (t *Table) MarkDisconnected(relayAddress string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.RelayAddress == relayAddress {
			e.Connected = false
		}
	}
}

// SetField updates Name or Location for mac explicitly (the Command
// Plane's `config` handler); these fields are never overwritten
// silently by Observe once set this way, matching spec.md's invariant
// that name/location are only changed on explicit configuration.
func (t *Table) SetField(mac, field, value string) error {
	normalized, err := NormalizeMac(mac)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[normalized]
	if !ok {
		entry = &Entry{Mac: normalized}
		t.entries[normalized] = entry
	}
	switch field {
	case "name":
		entry.Name = value
	case "location":
		entry.Location = value
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}
