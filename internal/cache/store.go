// Package cache holds the authoritative last-known state per appliance.
// Updates are ordered by coordinator-assigned sequence numbers, never by
// wall clock, so late network responses cannot regress the cache.
package cache

import (
	"sync"
	"time"

	"github.com/frostbridge/frostbridge/internal/liebherr"
)

// DeviceState is one versioned snapshot of an appliance. Fresh distinguishes
// confirmed-by-latest-poll data from stale-but-displayed data; Unreachable
// means the vendor API reports the device offline.
type DeviceState struct {
	Appliance   liebherr.Appliance
	Controls    []liebherr.Control
	Seq         uint64
	UpdatedAt   time.Time
	Fresh       bool
	Unreachable bool
}

// Control finds a control by its key, or nil.
func (s *DeviceState) Control(key string) *liebherr.Control {
	for i := range s.Controls {
		if s.Controls[i].Key() == key {
			return &s.Controls[i]
		}
	}
	return nil
}

// clone returns a deep copy so callers hold immutable snapshots.
func (s DeviceState) clone() DeviceState {
	out := s
	out.Controls = make([]liebherr.Control, len(s.Controls))
	for i, c := range s.Controls {
		out.Controls[i] = cloneControl(c)
	}
	return out
}

func cloneControl(c liebherr.Control) liebherr.Control {
	out := c
	out.ZoneID = clonePtr(c.ZoneID)
	out.Current = clonePtr(c.Current)
	out.Target = clonePtr(c.Target)
	out.Min = clonePtr(c.Min)
	out.Max = clonePtr(c.Max)
	out.Value = clonePtr(c.Value)
	out.SupportedModes = append([]string(nil), c.SupportedModes...)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Store is the in-memory device registry. Safe for concurrent use; reads
// never block on refreshes in progress.
type Store struct {
	mu      sync.RWMutex
	devices map[string]DeviceState
}

func NewStore() *Store {
	return &Store{devices: make(map[string]DeviceState)}
}

// Upsert applies state only if seq is newer than the stored snapshot's
// sequence, discarding out-of-order results silently. Returns whether the
// update was applied.
func (s *Store) Upsert(deviceID string, state DeviceState, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.devices[deviceID]; ok && seq <= existing.Seq {
		return false
	}
	state.Seq = seq
	s.devices[deviceID] = state.clone()
	return true
}

// MarkStale clears the freshness flag without discarding last-known values,
// so adapters can keep displaying data with a staleness indicator.
func (s *Store) MarkStale(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.devices[deviceID]
	if !ok {
		return
	}
	state.Fresh = false
	s.devices[deviceID] = state
}

// MarkUnreachable records that the vendor API reports the device offline.
// Distinct from staleness: the data is current, the device is not.
func (s *Store) MarkUnreachable(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.devices[deviceID]
	if !ok {
		return
	}
	state.Unreachable = true
	s.devices[deviceID] = state
}

// Get returns a snapshot copy. It never blocks and never fails; ok is false
// only before the first successful discovery of the device.
func (s *Store) Get(deviceID string) (DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return state.clone(), true
}

// All returns snapshot copies of every known device.
func (s *Store) All() []DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeviceState, 0, len(s.devices))
	for _, state := range s.devices {
		out = append(out, state.clone())
	}
	return out
}

// IDs returns the known device identifiers.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.devices))
	for id := range s.devices {
		out = append(out, id)
	}
	return out
}
