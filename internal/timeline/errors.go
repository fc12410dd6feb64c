package timeline

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidClip       = errors.New("invalid clip")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrClipNotFound      = errors.New("clip not found")
	ErrTrackNotFound     = errors.New("track not found")
	ErrDuplicateClip     = errors.New("duplicate clip id")
)

// OverlapError rejects a mutation that would make two clips on one track
// overlap outside a transition window. The timeline is left unchanged.
type OverlapError struct {
	Track   int
	ClipID  string
	OtherID string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("clip %q overlaps %q on track %d", e.ClipID, e.OtherID, e.Track)
}
