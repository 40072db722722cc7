package cache

// State is the lifecycle state of a cache entry.
type State = int32

const (
	// Absent: the resource has never been committed, or was evicted.
	Absent State = iota

	// Partial: a write handle is (or was) staging bytes for the resource.
	Partial

	// Verified: the final file exists and its digest matched. Immutable
	// until the dataset version is superseded or the entry is evicted.
	Verified

	// Corrupt: verification failed or a write error was detected. The
	// resource is eligible for re-download.
	Corrupt
)

// StateName returns a human-readable name for logging.
func StateName(s State) string {
	switch s {
	case Absent:
		return "absent"
	case Partial:
		return "partial"
	case Verified:
		return "verified"
	case Corrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}
