package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stellarlinkco/aicore/internal/tag"
)

const (
	newUnitWeight   = 5.0
	userReinforce   = 1.0
	assistReinforce = 0.1
	idleDecrement   = 0.01
	maxIDCollisions = 1000
	keywordBoost    = 2.0
)

// Store holds the scored, decaying memory units of one session layer, plus
// the layer's persona text and its bounded short-memory rollups.
type Store struct {
	mu sync.Mutex

	session string
	units   map[string]*Unit
	persona string
	shortOn bool
	shorts  []string

	limit      int
	weightCap  float64
	shortLimit int

	embedder  Embedder
	embedDim  int
	images    ImageFinder
	queryVecs map[string][]float32

	now func() time.Time
}

type Option func(*Store)

// WithEmbedder enables vector similarity; dim is the expected dimension.
func WithEmbedder(e Embedder, dim int) Option {
	return func(s *Store) {
		s.embedder = e
		s.embedDim = dim
	}
}

// WithImageFinder wires the inline image lookup used by Add.
func WithImageFinder(f ImageFinder) Option {
	return func(s *Store) { s.images = f }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(session string, limit int, weightCap float64, shortLimit int, opts ...Option) *Store {
	if limit <= 0 {
		limit = 50
	}
	if weightCap <= 0 {
		weightCap = 10
	}
	if shortLimit <= 0 {
		shortLimit = 10
	}
	s := &Store{
		session:    session,
		units:      make(map[string]*Unit),
		queryVecs:  make(map[string][]float32),
		limit:      limit,
		weightCap:  weightCap,
		shortLimit: shortLimit,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Session() string { return s.session }

// SetImageFinder wires the inline image lookup after construction, for
// callers that build the finder once the surrounding session exists.
func (s *Store) SetImageFinder(f ImageFinder) {
	s.mu.Lock()
	s.images = f
	s.mu.Unlock()
}

// Add records a memory, deduplicating against an existing unit with the same
// text and overlapping user/group references. Dedup unions keywords instead
// of inserting.
func (s *Store) Add(ctx context.Context, p AddParams) error {
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return fmt.Errorf("add memory: empty text")
	}

	s.mu.Lock()
	for _, u := range s.units {
		if u.Text != text {
			continue
		}
		if len(p.Users)+len(p.Groups) > 0 &&
			!refsOverlap(u.Users, p.Users) && !refsOverlap(u.Groups, p.Groups) {
			continue
		}
		u.Keywords = unionStrings(u.Keywords, p.Keywords)
		u.LastSeen = s.now().Unix()
		s.mu.Unlock()
		return nil
	}

	id, err := s.newID()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	var images []string
	if s.images != nil {
		for _, name := range tag.Attachments(text) {
			if ref, ok := s.images.FindImage(name); ok {
				images = append(images, ref)
			}
		}
	}

	var vector []float32
	if s.embedder != nil {
		v, err := s.embedder.Embed(ctx, text)
		if err != nil {
			log.Printf("[memory] embed new unit warning: %v", err)
		} else if s.embedDim > 0 && len(v) != s.embedDim {
			log.Printf("[memory] embed new unit: dimension %d, want %d, dropping vector", len(v), s.embedDim)
		} else {
			vector = v
		}
	}

	now := s.now().Unix()
	unit := &Unit{
		ID:       id,
		Text:     text,
		Session:  s.session,
		Users:    append([]string(nil), p.Users...),
		Groups:   append([]string(nil), p.Groups...),
		Keywords: unionStrings(nil, p.Keywords),
		Images:   images,
		Weight:   newUnitWeight,
		Vector:   vector,
		Created:  now,
		LastSeen: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	s.units[unit.ID] = unit
	return nil
}

// newID must be called with the lock held.
func (s *Store) newID() (string, error) {
	for i := 0; i < maxIDCollisions; i++ {
		id := uuid.NewString()
		if _, exists := s.units[id]; !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("add memory: id generation exhausted after %d attempts", maxIDCollisions)
}

// evictLocked frees space for one incoming unit: while at or above the cap,
// drop the unit with the lowest decay-scaled weight. The newcomer always
// gets its slot.
func (s *Store) evictLocked() {
	now := s.now()
	for len(s.units) >= s.limit {
		worstID := ""
		worst := 0.0
		for id, u := range s.units {
			eff := s.decayAt(u, now) * u.Weight
			if worstID == "" || eff < worst {
				worstID = id
				worst = eff
			}
		}
		if worstID == "" {
			return
		}
		delete(s.units, worstID)
	}
}

// Delete removes every unit whose text or keyword set matches any needle.
// Returns the number removed.
func (s *Store) Delete(needles ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, u := range s.units {
		for _, needle := range needles {
			needle = strings.TrimSpace(needle)
			if needle == "" {
				continue
			}
			if u.Text == needle || containsString(u.Keywords, needle) || id == needle {
				delete(s.units, id)
				removed++
				break
			}
		}
	}
	return removed
}

// UpdateWeight reinforces every unit whose keywords occur in text and applies
// a small downward pressure to the rest. Weight stays within [0, cap].
func (s *Store) UpdateWeight(text, role string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	inc := assistReinforce
	if role == "user" {
		inc = userReinforce
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	for _, u := range s.units {
		if keywordHit(u.Keywords, text) {
			u.Weight += inc
			if u.Weight > s.weightCap {
				u.Weight = s.weightCap
			}
			u.LastSeen = now
		} else {
			u.Weight -= idleDecrement
			if u.Weight < 0 {
				u.Weight = 0
			}
		}
	}
}

// Sweep evicts units whose decay-scaled weight has fallen below floor.
func (s *Store) Sweep(floor float64) int {
	if floor <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, u := range s.units {
		if s.decayAt(u, now)*u.Weight < floor {
			delete(s.units, id)
			removed++
		}
	}
	return removed
}

func (s *Store) Persona() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

func (s *Store) SetPersona(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persona = p
}

func (s *Store) ShortEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shortOn
}

func (s *Store) SetShortEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shortOn = on
}

// AddShort appends a short-memory rollup, trimming the oldest past the cap.
func (s *Store) AddShort(summary string) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shorts = append(s.shorts, summary)
	if len(s.shorts) > s.shortLimit {
		s.shorts = s.shorts[len(s.shorts)-s.shortLimit:]
	}
}

func (s *Store) Shorts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.shorts...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.units)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for _, u := range s.units {
		total += u.Weight
	}
	return Stats{
		Units:        len(s.units),
		ShortEntries: len(s.shorts),
		TotalWeight:  total,
		Persona:      strings.TrimSpace(s.persona) != "",
	}
}

// Units returns copies of all units, ordered by creation time.
func (s *Store) Units() []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Unit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, copyUnit(u))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created == out[j].Created {
			return out[i].ID < out[j].ID
		}
		return out[i].Created < out[j].Created
	})
	return out
}

// Get returns a copy of the unit with the given id.
func (s *Store) Get(id string) (Unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[id]
	if !ok {
		return Unit{}, false
	}
	return copyUnit(u), true
}

// ImageRefs returns all image references attached to stored units.
func (s *Store) ImageRefs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []string
	for _, u := range s.units {
		refs = append(refs, u.Images...)
	}
	return refs
}

func copyUnit(u *Unit) Unit {
	c := *u
	c.Users = append([]string(nil), u.Users...)
	c.Groups = append([]string(nil), u.Groups...)
	c.Keywords = append([]string(nil), u.Keywords...)
	c.Images = append([]string(nil), u.Images...)
	c.Vector = append([]float32(nil), u.Vector...)
	return c
}

func refsOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func unionStrings(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, lists := range [][]string{base, extra} {
		for _, v := range lists {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func keywordHit(keywords []string, text string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
