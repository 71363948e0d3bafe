package hls

import (
	"errors"
	"fmt"
)

// ErrNoVariants is returned when a caller asks for a default variant from an
// empty set.
var ErrNoVariants = errors.New("no quality variants available")

// ParseError reports a playlist that is malformed or carries no entries.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid playlist: line %d: %s", e.Line, e.Reason)
	}
	return "invalid playlist: " + e.Reason
}

// InvalidPlaylistError reports a playlist of the wrong kind for the operation.
type InvalidPlaylistError struct {
	Want PlaylistType
	Got  PlaylistType
}

func (e *InvalidPlaylistError) Error() string {
	return fmt.Sprintf("expected %s playlist, got %s", e.Want, e.Got)
}
