package memory

import (
	"fmt"
	"log"
	"strings"
)

const snapshotVersion = 1

// Snapshot is the serializable state of a Store.
type Snapshot struct {
	Version      int            `json:"version"`
	Session      string         `json:"session"`
	Persona      string         `json:"persona,omitempty"`
	ShortEnabled bool           `json:"shortEnabled,omitempty"`
	Shorts       []string       `json:"shorts,omitempty"`
	Units        []UnitSnapshot `json:"units,omitempty"`
}

type UnitSnapshot struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Users    []string `json:"users,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Images   []string `json:"images,omitempty"`
	Weight   float64  `json:"weight"`
	Vector   string   `json:"vector,omitempty"`
	Created  int64    `json:"created"`
	LastSeen int64    `json:"lastSeen"`
}

// Snapshot captures the store state for persistence.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Version:      snapshotVersion,
		Session:      s.session,
		Persona:      s.persona,
		ShortEnabled: s.shortOn,
		Shorts:       append([]string(nil), s.shorts...),
	}
	for _, u := range s.units {
		snap.Units = append(snap.Units, UnitSnapshot{
			ID:       u.ID,
			Text:     u.Text,
			Users:    append([]string(nil), u.Users...),
			Groups:   append([]string(nil), u.Groups...),
			Keywords: append([]string(nil), u.Keywords...),
			Images:   append([]string(nil), u.Images...),
			Weight:   u.Weight,
			Vector:   encodeVector(u.Vector),
			Created:  u.Created,
			LastSeen: u.LastSeen,
		})
	}
	return snap
}

// Restore replaces the store state with a decoded snapshot. Units with
// missing required fields are skipped with a warning; an unparsable vector
// drops only the vector.
func (s *Store) Restore(snap Snapshot) error {
	if snap.Version != snapshotVersion {
		return fmt.Errorf("restore memory: unsupported snapshot version %d", snap.Version)
	}

	units := make(map[string]*Unit, len(snap.Units))
	now := s.now().Unix()
	for _, us := range snap.Units {
		if strings.TrimSpace(us.ID) == "" || strings.TrimSpace(us.Text) == "" {
			log.Printf("[memory] restore: skipping unit with missing id or text")
			continue
		}
		vector, err := decodeVector(us.Vector)
		if err != nil {
			log.Printf("[memory] restore: unit %s vector dropped: %v", us.ID, err)
			vector = nil
		}
		created := us.Created
		if created <= 0 {
			created = now
		}
		lastSeen := us.LastSeen
		if lastSeen <= 0 {
			lastSeen = created
		}
		weight := us.Weight
		if weight < 0 {
			weight = 0
		}
		units[us.ID] = &Unit{
			ID:       us.ID,
			Text:     us.Text,
			Session:  snap.Session,
			Users:    us.Users,
			Groups:   us.Groups,
			Keywords: us.Keywords,
			Images:   us.Images,
			Weight:   weight,
			Vector:   vector,
			Created:  created,
			LastSeen: lastSeen,
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Session != "" {
		s.session = snap.Session
	}
	s.units = units
	s.persona = snap.Persona
	s.shortOn = snap.ShortEnabled
	s.shorts = snap.Shorts
	if len(s.shorts) > s.shortLimit {
		s.shorts = s.shorts[len(s.shorts)-s.shortLimit:]
	}
	return nil
}
