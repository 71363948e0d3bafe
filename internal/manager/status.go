package manager

// Status is the lifecycle state of a download.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusFetching    Status = "fetching"
	StatusParsing     Status = "parsing"
	StatusDownloading Status = "downloading"
	// StatusMerging is kept for clients that display it; segments are
	// appended while downloading so nothing happens in this state.
	StatusMerging    Status = "merging"
	StatusConverting Status = "converting"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusIdle:     {StatusFetching, StatusError, StatusCancelled},
	StatusFetching: {StatusParsing, StatusError, StatusCancelled},
	// parsing -> fetching follows a master playlist to its variant.
	StatusParsing:     {StatusFetching, StatusDownloading, StatusError, StatusCancelled},
	StatusDownloading: {StatusMerging, StatusError, StatusCancelled},
	StatusMerging:     {StatusConverting, StatusComplete, StatusError, StatusCancelled},
	StatusConverting:  {StatusComplete, StatusError, StatusCancelled},
}

// CanTransition reports whether a download may move from one status to
// another. Terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal is true for complete, error and cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// IsActive is true while the pipeline is working on the download.
func (s Status) IsActive() bool {
	return !s.IsTerminal() && s != ""
}

func (s Status) String() string {
	return string(s)
}
