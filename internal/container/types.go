// Package container demultiplexes fragmented ISO base media files (fMP4) pushed
// in arbitrary chunks into per-track sample batches.
package container

import (
	"time"
)

// MediaKind classifies a track by its handler type.
type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
	KindOther MediaKind = "other"
)

func kindFromHandler(h string) MediaKind {
	switch h {
	case "vide":
		return KindVideo
	case "soun":
		return KindAudio
	default:
		return KindOther
	}
}

// Sample is one decodable unit of a track. Timestamp is the decode time in the
// track timescale; the presentation time adds CompositionOffset.
type Sample struct {
	TrackID           uint32
	Kind              MediaKind
	Timestamp         int64
	Timescale         uint32
	Duration          uint32
	CompositionOffset int32
	Keyframe          bool
	Payload           []byte
}

// Time returns the decode timestamp as a duration.
func (s Sample) Time() time.Duration {
	return ticksToDuration(s.Timestamp, s.Timescale)
}

// PresentationTime returns the composition timestamp as a duration.
func (s Sample) PresentationTime() time.Duration {
	return ticksToDuration(s.Timestamp+int64(s.CompositionOffset), s.Timescale)
}

// End returns the decode time at which the sample stops being current.
func (s Sample) End() time.Duration {
	return ticksToDuration(s.Timestamp+int64(s.Duration), s.Timescale)
}

// TrackInfo describes one track of a container.
type TrackInfo struct {
	ID         uint32
	Kind       MediaKind
	Handler    string
	Codec      string
	Timescale  uint32
	Duration   time.Duration
	Width      int
	Height     int
	SampleRate int
	Channels   int
}

// Info is the container metadata resolved from the movie box. It is produced
// once per stream and must be treated as read-only.
type Info struct {
	MajorBrand string
	Brands     []string
	Tracks     []TrackInfo
	Duration   time.Duration
	Fragmented bool
}

// Track returns the track with the given ID.
func (i *Info) Track(id uint32) (TrackInfo, bool) {
	for _, t := range i.Tracks {
		if t.ID == id {
			return t, true
		}
	}
	return TrackInfo{}, false
}

// FirstTrack returns the first track of the given kind.
func (i *Info) FirstTrack(kind MediaKind) (TrackInfo, bool) {
	for _, t := range i.Tracks {
		if t.Kind == kind {
			return t, true
		}
	}
	return TrackInfo{}, false
}

// EventType identifies the payload of an Event.
type EventType int

const (
	EventReady EventType = iota
	EventSamples
	EventTrackError
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventSamples:
		return "samples"
	case EventTrackError:
		return "track_error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Demuxer. EventReady carries Info and is always the first
// event. EventSamples carries a batch of samples for TrackID in non-decreasing
// timestamp order. EventTrackError reports a failure confined to TrackID.
type Event struct {
	Type    EventType
	Info    *Info
	TrackID uint32
	Samples []Sample
	Err     error
}

func ticksToDuration(ticks int64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	sec := ticks / int64(timescale)
	rem := ticks % int64(timescale)
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(timescale)
}
