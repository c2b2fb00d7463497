package entity

import (
	"context"
	"log"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Party is a resolved user or group.
type Party struct {
	ID   string
	Name string
}

// Directory is the platform lookup collaborator. It is a fallback only;
// resolution works without one.
type Directory interface {
	ListGroupMembers(ctx context.Context, groupID string) ([]Party, error)
	ListFriends(ctx context.Context) ([]Party, error)
	GetMemberInfo(ctx context.Context, groupID, userID string) (Party, error)
}

// Buffer exposes the parts of a conversation buffer the resolver scans.
type Buffer interface {
	Senders() [][2]string
	ImageRefs() []string
}

// ImageSource exposes stored image references of one party's memory.
type ImageSource interface {
	ImageRefs() []string
}

var (
	numericIDRegex  = regexp.MustCompile(`^\d+$`)
	decoratedRegex  = regexp.MustCompile(`^(.*?)\((\d+)\)$`)
	fuzzyNameMinLen = 5
	fuzzyMaxDist    = 2
)

// Resolver maps free-text names to parties through an ordered fallback
// chain: direct id, decorated alias, session identity, buffer scan, fuzzy
// buffer scan, directory, fuzzy session name. The ignore list suppresses
// specific ids at every stage.
type Resolver struct {
	SessionID   string
	SessionName string
	GroupID     string
	IsGroup     bool

	Buffer    Buffer
	Dir       Directory
	Ignore    func(id string) bool
	Assets    map[string]string
	AvatarURL func(kind, id string) (string, bool)

	// PartyImages returns the memory image source of a party, if any.
	PartyImages func(partyID string) (ImageSource, bool)
}

func (r *Resolver) ignored(id string) bool {
	return r.Ignore != nil && r.Ignore(id)
}

// FindUser resolves input to a user. The boolean is false when every stage
// misses or the resolved id is ignored.
func (r *Resolver) FindUser(ctx context.Context, input string) (Party, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Party{}, false
	}

	if numericIDRegex.MatchString(input) {
		if r.ignored(input) {
			return Party{}, false
		}
		return Party{ID: input, Name: r.nameForID(ctx, input)}, true
	}

	if m := decoratedRegex.FindStringSubmatch(input); m != nil {
		id := m[2]
		if r.ignored(id) {
			return Party{}, false
		}
		return Party{ID: id, Name: strings.TrimSpace(m[1])}, true
	}

	if input == r.SessionName && r.SessionID != "" && !r.IsGroup && !r.ignored(r.SessionID) {
		return Party{ID: r.SessionID, Name: r.SessionName}, true
	}

	if p, ok := r.scanBuffer(input, false); ok {
		return p, true
	}
	if len([]rune(input)) >= fuzzyNameMinLen {
		if p, ok := r.scanBuffer(input, true); ok {
			return p, true
		}
	}

	if p, ok := r.lookupDirectory(ctx, input); ok {
		return p, true
	}

	if r.SessionName != "" && r.SessionID != "" && !r.ignored(r.SessionID) &&
		levenshtein.ComputeDistance(input, r.SessionName) <= fuzzyMaxDist {
		return Party{ID: r.SessionID, Name: r.SessionName}, true
	}
	return Party{}, false
}

// FindGroup resolves input to a group: direct id, decorated alias, then the
// session itself when it is a group.
func (r *Resolver) FindGroup(input string) (Party, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Party{}, false
	}
	if numericIDRegex.MatchString(input) {
		if r.ignored(input) {
			return Party{}, false
		}
		return Party{ID: input}, true
	}
	if m := decoratedRegex.FindStringSubmatch(input); m != nil {
		if r.ignored(m[2]) {
			return Party{}, false
		}
		return Party{ID: m[2], Name: strings.TrimSpace(m[1])}, true
	}
	if r.IsGroup && (input == r.SessionName || levenshtein.ComputeDistance(input, r.SessionName) <= fuzzyMaxDist) {
		if r.ignored(r.GroupID) {
			return Party{}, false
		}
		return Party{ID: r.GroupID, Name: r.SessionName}, true
	}
	return Party{}, false
}

// scanBuffer matches input against buffer senders, newest first. Fuzzy mode
// allows a bounded edit distance.
func (r *Resolver) scanBuffer(input string, fuzzy bool) (Party, bool) {
	if r.Buffer == nil {
		return Party{}, false
	}
	for _, s := range r.Buffer.Senders() {
		id, name := s[0], s[1]
		if name == "" || r.ignored(id) {
			continue
		}
		if fuzzy {
			if levenshtein.ComputeDistance(input, name) <= fuzzyMaxDist {
				return Party{ID: id, Name: name}, true
			}
			continue
		}
		if name == input {
			return Party{ID: id, Name: name}, true
		}
	}
	return Party{}, false
}

func (r *Resolver) lookupDirectory(ctx context.Context, input string) (Party, bool) {
	if r.Dir == nil {
		return Party{}, false
	}
	var parties []Party
	var err error
	if r.IsGroup {
		parties, err = r.Dir.ListGroupMembers(ctx, r.GroupID)
	} else {
		parties, err = r.Dir.ListFriends(ctx)
	}
	if err != nil {
		log.Printf("[entity] directory lookup failed: %v", err)
		return Party{}, false
	}
	for _, p := range parties {
		if r.ignored(p.ID) {
			continue
		}
		if p.Name == input {
			return p, true
		}
	}
	for _, p := range parties {
		if r.ignored(p.ID) || len([]rune(input)) < fuzzyNameMinLen {
			continue
		}
		if levenshtein.ComputeDistance(input, p.Name) <= fuzzyMaxDist {
			return p, true
		}
	}
	return Party{}, false
}

// nameForID finds a display name for a known id, best effort.
func (r *Resolver) nameForID(ctx context.Context, id string) string {
	if r.Buffer != nil {
		for _, s := range r.Buffer.Senders() {
			if s[0] == id && s[1] != "" {
				return s[1]
			}
		}
	}
	if r.Dir != nil && r.IsGroup {
		if p, err := r.Dir.GetMemberInfo(ctx, r.GroupID, id); err == nil && p.Name != "" {
			return p.Name
		}
	}
	return ""
}
