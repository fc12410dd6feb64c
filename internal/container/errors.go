package container

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned by Pump when the demuxer was cancelled mid-stream.
	ErrCancelled = errors.New("container: demux cancelled")

	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("container: write after close")

	// Per-track failures carried by EventTrackError.
	ErrUnknownTrack      = errors.New("fragment references unknown track")
	ErrDataOutOfRange    = errors.New("sample data outside media data box")
	ErrTimestampBackward = errors.New("fragment decode time goes backwards")
	ErrShortRun          = errors.New("track run has fewer entries than samples")
)

// MalformedContainerError reports a box with an invalid size or an unsupported
// top-level structure. The demuxer stops at the first one.
type MalformedContainerError struct {
	Offset  int64
	BoxType string
	Reason  string
	Err     error
}

func (e *MalformedContainerError) Error() string {
	msg := fmt.Sprintf("malformed container at offset %d", e.Offset)
	if e.BoxType != "" {
		msg += fmt.Sprintf(" (%q box)", e.BoxType)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedContainerError) Unwrap() error {
	return e.Err
}

// TruncatedContainerError reports input that ended inside a box.
type TruncatedContainerError struct {
	Offset  int64
	BoxType string
	Need    int64
	Have    int64
}

func (e *TruncatedContainerError) Error() string {
	if e.BoxType == "" {
		return fmt.Sprintf("truncated container at offset %d: have %d bytes of box header", e.Offset, e.Have)
	}
	return fmt.Sprintf("truncated container at offset %d: %q box needs %d bytes, have %d",
		e.Offset, e.BoxType, e.Need, e.Have)
}

// TrackError wraps a per-track failure with its location.
type TrackError struct {
	TrackID uint32
	Offset  int64
	Err     error
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("track %d at offset %d: %v", e.TrackID, e.Offset, e.Err)
}

func (e *TrackError) Unwrap() error {
	return e.Err
}
