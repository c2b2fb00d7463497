package memory

// Unit is one long-term memory record owned by a session layer.
type Unit struct {
	ID       string
	Text     string
	Session  string
	Users    []string
	Groups   []string
	Keywords []string
	Images   []string
	Weight   float64
	Vector   []float32
	Created  int64
	LastSeen int64
}

// Sort methods accepted by Search.
const (
	MethodWeight     = "weight"
	MethodSimilarity = "similarity"
	MethodScore      = "score"
	MethodEarly      = "early"
	MethodLate       = "late"
	MethodRecent     = "recent"
)

// SearchOptions narrows and orders a Search call.
type SearchOptions struct {
	TopK       int
	Users      []string
	Groups     []string
	Keywords   []string
	ImagesOnly bool
	Method     string
}

// AddParams describes a memory to record.
type AddParams struct {
	Text     string
	Users    []string
	Groups   []string
	Keywords []string
}

// ImageFinder resolves an inline image name to a storable reference.
type ImageFinder interface {
	FindImage(name string) (string, bool)
}

// Stats is a compact snapshot used by status reporting.
type Stats struct {
	Units        int
	ShortEntries int
	TotalWeight  float64
	Persona      bool
}
