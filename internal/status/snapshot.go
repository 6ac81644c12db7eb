// Package status serves the controller's local read-only HTTP surface:
// a JSON status snapshot, a liveness probe, and Prometheus metrics.
package status

import (
	"sync/atomic"
	"time"

	"github.com/azazel-zero/firstminute/internal/stage"
)

// Snapshot is the point-in-time view of the controller published to the
// status endpoint. Its JSON shape is the
// documented external contract: {state, suspicion, reason,
// wifi: {link: {...}, wifi_tags: [...]}, last_probe: {...} | null}.
type Snapshot struct {
	Stage     stage.Stage `json:"state"`
	Suspicion float64     `json:"suspicion"`
	Reason    string      `json:"reason"`
	Wifi      WifiView    `json:"wifi"`
	LastProbe *ProbeView  `json:"last_probe"`

	LastTick  time.Time `json:"last_tick"`
	TickCount uint64    `json:"tick_count"`
	Version   string    `json:"version"`
}

// WifiView nests the link state and safety tags under "wifi", per the
// documented status-endpoint contract.
type WifiView struct {
	Link     LinkView `json:"link"`
	WifiTags []string `json:"wifi_tags"`
}

// LinkView is the Wi-Fi link-state subset shown in the status snapshot.
type LinkView struct {
	Connected bool   `json:"connected"`
	SSID      string `json:"ssid"`
	BSSID     string `json:"bssid"`
}

// ProbeView is the JSON-friendly subset of a probe outcome shown in the
// status snapshot. It's nil until the first probe battery completes.
type ProbeView struct {
	Captive bool `json:"captive"`
	TLS     bool `json:"tls"`
	DNS     int  `json:"dns"`
	Route   bool `json:"route"`
}

// Store holds the most recent Snapshot behind an atomic pointer so the
// controller's tick goroutine can publish updates while the status
// endpoint's request goroutines read concurrently, without a mutex on the
// hot read path.
type Store struct {
	version string
	ptr     atomic.Pointer[Snapshot]
}

// NewStore builds a Store seeded with an empty, INIT-stage snapshot.
func NewStore(version string) *Store {
	s := &Store{version: version}
	s.ptr.Store(&Snapshot{Stage: stage.Init, Version: version})
	return s
}

// Publish atomically replaces the current snapshot. The Store's version
// is stamped onto every published snapshot, so callers building a
// Snapshot don't need to thread it through.
func (s *Store) Publish(snap Snapshot) {
	snap.Version = s.version
	s.ptr.Store(&snap)
}

// Load returns the most recently published snapshot.
func (s *Store) Load() Snapshot {
	return *s.ptr.Load()
}
