package memory

import (
	"context"
	"log"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	vectorWeight  = 0.4
	usersWeight   = 0.2
	groupsWeight  = 0.2
	keywordWeight = 0.2

	ageHalfDays       = 7.0
	inactiveHalfHours = 4.0
)

// Decay blends "still young" and "recently relevant" freshness. Result is
// always in (0, 1] and decreases in both age and inactivity.
func (s *Store) Decay(u *Unit) float64 {
	return s.decayAt(u, s.now())
}

func (s *Store) decayAt(u *Unit, now time.Time) float64 {
	ageDays := now.Sub(time.Unix(u.Created, 0)).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	idleHours := now.Sub(time.Unix(u.LastSeen, 0)).Hours()
	if idleHours < 0 {
		idleHours = 0
	}
	return math.Max(math.Exp(-ageDays/ageHalfDays), math.Exp(-idleHours/inactiveHalfHours))
}

// Similarity compares a unit against the query along up to four dimensions.
// Dimensions with an empty query side contribute nothing to the denominator,
// so a keywords-only query is compared purely on keyword overlap.
func Similarity(u *Unit, queryVec []float32, users, groups, keywords []string) float64 {
	sum := 0.0
	total := 0.0

	if len(queryVec) > 0 && len(u.Vector) == len(queryVec) {
		if cos, err := cosineSimilarity(u.Vector, queryVec); err == nil {
			sum += vectorWeight * (cos + 1) / 2
			total += vectorWeight
		}
	}
	if len(users) > 0 {
		sum += usersWeight * jaccard(u.Users, users)
		total += usersWeight
	}
	if len(groups) > 0 {
		sum += groupsWeight * jaccard(u.Groups, groups)
		total += groupsWeight
	}
	if len(keywords) > 0 {
		sum += keywordWeight * float64(intersectCount(u.Keywords, keywords)) / float64(len(keywords))
		total += keywordWeight
	}

	if total == 0 {
		return 0
	}
	return sum / total
}

// Score is the blended retrieval rank of a unit for a query.
func Score(u *Unit, queryVec []float32, users, groups, keywords []string) float64 {
	return u.Weight*0.03 + Similarity(u, queryVec, users, groups, keywords)*0.7
}

// Search ranks stored units for the query. Sorting works on copies so the
// transient keyword boost never leaks into stored weights.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) []Unit {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	method := opts.Method
	if method == "" {
		method = MethodScore
	}

	var queryVec []float32
	if s.embedder != nil && (method == MethodSimilarity || method == MethodScore) {
		queryVec = s.queryVector(ctx, query)
		if queryVec != nil {
			s.refreshStaleVectors(ctx)
		}
	}

	s.mu.Lock()
	candidates := make([]Unit, 0, len(s.units))
	for _, u := range s.units {
		if opts.ImagesOnly && len(u.Images) == 0 {
			continue
		}
		c := copyUnit(u)
		if keywordHit(c.Keywords, query) {
			c.Weight += keywordBoost
		}
		candidates = append(candidates, c)
	}
	s.mu.Unlock()

	sortUnits(candidates, method, queryVec, opts)

	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}
	return candidates
}

const queryVecCacheCap = 128

// queryVector embeds the query text, memoized per text so repeated
// searches skip the provider round trip.
func (s *Store) queryVector(ctx context.Context, query string) []float32 {
	s.mu.Lock()
	v, ok := s.queryVecs[query]
	s.mu.Unlock()
	if ok {
		return v
	}

	v, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("[memory] embed query warning: %v", err)
		return nil
	}
	if s.embedDim > 0 && len(v) != s.embedDim {
		log.Printf("[memory] query embedding dimension %d, want %d, skipping vector match", len(v), s.embedDim)
		return nil
	}

	s.mu.Lock()
	if len(s.queryVecs) >= queryVecCacheCap {
		s.queryVecs = make(map[string][]float32, queryVecCacheCap)
	}
	s.queryVecs[query] = v
	s.mu.Unlock()
	return v
}

// refreshStaleVectors re-embeds units whose vector dimension no longer
// matches the configured expectation.
func (s *Store) refreshStaleVectors(ctx context.Context) {
	if s.embedder == nil || s.embedDim <= 0 {
		return
	}

	s.mu.Lock()
	var stale []*Unit
	for _, u := range s.units {
		if len(u.Vector) != 0 && len(u.Vector) != s.embedDim {
			stale = append(stale, u)
		}
	}
	s.mu.Unlock()

	for _, u := range stale {
		v, err := s.embedder.Embed(ctx, u.Text)
		if err != nil {
			log.Printf("[memory] re-embed unit %s warning: %v", u.ID, err)
			continue
		}
		if len(v) != s.embedDim {
			continue
		}
		s.mu.Lock()
		if cur, ok := s.units[u.ID]; ok {
			cur.Vector = v
		}
		s.mu.Unlock()
	}
}

func sortUnits(units []Unit, method string, queryVec []float32, opts SearchOptions) {
	less := func(i, j int) bool { return units[i].ID < units[j].ID }
	switch method {
	case MethodWeight:
		less = func(i, j int) bool { return units[i].Weight > units[j].Weight }
	case MethodSimilarity:
		less = func(i, j int) bool {
			return Similarity(&units[i], queryVec, opts.Users, opts.Groups, opts.Keywords) >
				Similarity(&units[j], queryVec, opts.Users, opts.Groups, opts.Keywords)
		}
	case MethodScore:
		less = func(i, j int) bool {
			return Score(&units[i], queryVec, opts.Users, opts.Groups, opts.Keywords) >
				Score(&units[j], queryVec, opts.Users, opts.Groups, opts.Keywords)
		}
	case MethodEarly:
		less = func(i, j int) bool { return units[i].Created < units[j].Created }
	case MethodLate:
		less = func(i, j int) bool { return units[i].Created > units[j].Created }
	case MethodRecent:
		less = func(i, j int) bool { return units[i].LastSeen > units[j].LastSeen }
	}
	sort.SliceStable(units, less)
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := intersectCount(a, b)
	union := len(uniqueStrings(a)) + len(uniqueStrings(b)) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func intersectCount(a, b []string) int {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	n := 0
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		v = strings.TrimSpace(v)
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		if _, ok := set[v]; ok {
			n++
		}
	}
	return n
}

func uniqueStrings(list []string) []string {
	return unionStrings(nil, list)
}
