// Package export writes compositions in interchange formats other editors
// can open.
package export

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-render/internal/timeline"
)

// Event is one EDL edit: a source range placed at a record range.
type Event struct {
	Reel             string
	Track            string // V or A
	Dissolve         bool
	TransitionFrames int
	TransitionName   string
	SrcIn, SrcOut    time.Duration
	RecIn, RecOut    time.Duration
	ClipName         string
	MediaPath        string
}

// Events lists the edits of a snapshot in track then start order. Video and
// image clips reference their media, colour clips become black reels and
// generated text is left out. Audio clips are listed on the A track.
func Events(snap *timeline.Snapshot) []Event {
	var out []Event
	for _, c := range snap.Clips() {
		ev := Event{
			Reel:      "AX",
			Track:     "V",
			SrcIn:     c.SourceOffset,
			SrcOut:    c.SourceOffset + c.SourceDuration(),
			RecIn:     c.Start,
			RecOut:    c.End,
			ClipName:  clipName(c),
			MediaPath: c.Source.Src,
		}
		switch c.Source.Type {
		case timeline.SourceVideo:
		case timeline.SourceImage:
			ev.SrcIn, ev.SrcOut = 0, c.Duration()
		case timeline.SourceColor:
			ev.Reel = "BL"
			ev.SrcIn, ev.SrcOut = 0, c.Duration()
			ev.MediaPath = ""
		default:
			continue
		}
		if tr := c.TransitionIn; tr != nil && tr.Duration > 0 {
			ev.Dissolve = true
			ev.TransitionName = tr.Name
			ev.TransitionFrames = int(math.Round(tr.Duration.Seconds() * snap.FPS))
		}
		out = append(out, ev)
	}
	for _, c := range snap.AudioClips() {
		if c.Source.Type != timeline.SourceAudio {
			continue
		}
		out = append(out, Event{
			Reel:      "AX",
			Track:     "A",
			SrcIn:     c.SourceOffset,
			SrcOut:    c.SourceOffset + c.SourceDuration(),
			RecIn:     c.Start,
			RecOut:    c.End,
			ClipName:  clipName(c),
			MediaPath: c.Source.Src,
		})
	}
	return out
}

func clipName(c *timeline.Clip) string {
	name := c.ID
	if c.Source.Src != "" {
		name = strings.TrimSuffix(filepath.Base(c.Source.Src), filepath.Ext(c.Source.Src))
	}
	if n := SanitizeName(name, 160); n != "" {
		return n
	}
	return c.ID
}

// GenerateEDL renders events as a CMX3600 edit decision list.
func GenerateEDL(events []Event, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	for i, ev := range events {
		transition := "C       "
		if ev.Dissolve {
			transition = fmt.Sprintf("D    %03d", ev.TransitionFrames)
		}
		lines = append(lines, fmt.Sprintf("%03d  %-8s %-5s %s %s %s %s %s", i+1, ev.Reel, ev.Track, transition,
			timecode(ev.SrcIn, fps), timecode(ev.SrcOut, fps), timecode(ev.RecIn, fps), timecode(ev.RecOut, fps)))
		lines = append(lines, fmt.Sprintf("* FROM CLIP NAME:  %s", ev.ClipName))
		if ev.MediaPath != "" {
			lines = append(lines, fmt.Sprintf("* MEDIA PATH:  %s", ev.MediaPath))
		}
		if ev.TransitionName != "" {
			lines = append(lines, fmt.Sprintf("* TRANSITION:  %s", ev.TransitionName))
		}
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func timecode(d time.Duration, fps int) string {
	totalFrames := int(math.Round(d.Seconds() * float64(fps)))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
