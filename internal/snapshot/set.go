package snapshot

import (
	"sort"
	"time"
)

// Set is one complete, self-consistent view of the fleet taken in a
// single poll cycle. Sets are immutable: readers on any goroutine may
// hold one indefinitely while newer cycles publish fresh instances.
type Set struct {
	taken   time.Time
	devices map[string]Device
	ids     []string
}

// NewSet builds a Set from the devices of one cycle. Duplicate IDs can
// happen when the fleet changes between listing pages; the last
// occurrence wins.
func NewSet(taken time.Time, devices []Device) *Set {
	m := make(map[string]Device, len(devices))
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		if _, dup := m[d.ID]; !dup {
			ids = append(ids, d.ID)
		}
		m[d.ID] = d
	}
	sort.Strings(ids)
	return &Set{taken: taken, devices: m, ids: ids}
}

// Taken reports when the cycle producing this set completed. The zero
// time marks the placeholder set published before the first success.
func (s *Set) Taken() time.Time {
	return s.taken
}

func (s *Set) Len() int {
	return len(s.devices)
}

// Get looks up one device by its Sigfox ID.
func (s *Set) Get(id string) (Device, bool) {
	d, ok := s.devices[id]
	return d, ok
}

// IDs returns all device IDs in sorted order.
func (s *Set) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Devices returns all devices sorted by ID, so iteration order is
// stable across callers.
func (s *Set) Devices() []Device {
	out := make([]Device, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.devices[id])
	}
	return out
}
