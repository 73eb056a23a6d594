package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/csoslab/slimhub/transfer"
	"github.com/gorilla/mux"
)

type deanInfo struct {
	Mac          string    `json:"mac"`
	RelayAddress string    `json:"relayAddress"`
	DeviceType   string    `json:"deviceType"`
	Name         string    `json:"name"`
	Location     string    `json:"location"`
	Connected    bool      `json:"connected"`
	LastSeen     time.Time `json:"lastSeen"`
}

// handleListDeans is the dashboard's equivalent of the teacher's
// handleListServers: a JSON snapshot of the Identity Table.
func (s *Server) handleListDeans(w http.ResponseWriter, r *http.Request) {
	entries := s.identity.IterEntries()
	out := make([]deanInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, deanInfo{
			Mac: e.Mac, RelayAddress: e.RelayAddress, DeviceType: e.DeviceType,
			Name: e.Name, Location: e.Location, Connected: e.Connected, LastSeen: e.LastSeen,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleDeanPresence(w http.ResponseWriter, r *http.Request) {
	mac := mux.Vars(r)["mac"]
	for _, snap := range s.presence.Snapshot() {
		if snap.Address == mac {
			writeJSON(w, presenceDeviceSnapshot{
				Address: snap.Address, Location: snap.Location,
				LastSignalTime: snap.LastSignalTime, Active: snap.Active,
			})
			return
		}
	}
	http.Error(w, "no presence record for "+mac, http.StatusNotFound)
}

type presenceInfo struct {
	ActiveRoom string                    `json:"activeRoom"`
	Devices    []presenceDeviceSnapshot `json:"devices"`
}

type presenceDeviceSnapshot struct {
	Address        string    `json:"address"`
	Location       string    `json:"location"`
	LastSignalTime time.Time `json:"lastSignalTime"`
	Active         bool      `json:"active"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	snaps := s.presence.Snapshot()
	devices := make([]presenceDeviceSnapshot, 0, len(snaps))
	for _, d := range snaps {
		devices = append(devices, presenceDeviceSnapshot{
			Address: d.Address, Location: d.Location, LastSignalTime: d.LastSignalTime, Active: d.Active,
		})
	}
	writeJSON(w, presenceInfo{ActiveRoom: s.presence.ActiveRoom(), Devices: devices})
}

type transferInfo struct {
	RelayAddress string `json:"relayAddress"`
	Mac          string `json:"mac"`
	Stream       string `json:"stream"`
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
}

// handleTransfers reports every non-idle (destination, stream) state
// machine across every Session in the supplied snapshot, connected or
// not, for operator visibility into
// stuck or failed transfers alongside the Command Plane's `list`.
func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	entries := s.identity.IterEntries()
	sessions := s.sessions()

	out := []transferInfo{}
	for _, entry := range entries {
		sess, ok := sessions[entry.RelayAddress]
		if !ok {
			continue
		}
		for _, stream := range []transfer.Stream{transfer.StreamFile, transfer.StreamModel} {
			state, err := sess.Transfers().Status(entry.Mac, stream)
			if state == transfer.Idle {
				continue
			}
			info := transferInfo{RelayAddress: entry.RelayAddress, Mac: entry.Mac, Stream: stream.String(), State: state.String()}
			if err != nil {
				info.Error = err.Error()
			}
			out = append(out, info)
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresh != nil {
		s.refresh()
	}
	writeJSON(w, map[string]string{"status": "refresh triggered"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
