// Package subtitle parses SRT subtitle files and burns captions into frames.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Segment is one cue: Text is shown over [Start, End).
type Segment struct {
	Index int           `json:"index"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

var timing = regexp.MustCompile(`(\d{1,2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{1,2}):(\d{2}):(\d{2})[,.](\d{3})`)

// ParseSRT reads SRT cues. Blocks without a valid timing line, or whose end
// precedes their start, are skipped. Segments are returned ordered by start.
func ParseSRT(r io.Reader) ([]Segment, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var (
		segs  []Segment
		block []string
	)
	flush := func() {
		if seg, ok := parseBlock(block, len(segs)+1); ok {
			segs = append(segs, seg)
		}
		block = block[:0]
	}
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			line = strings.TrimPrefix(line, "\ufeff")
			first = false
		}
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read srt: %w", err)
	}
	flush()

	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	return segs, nil
}

func parseBlock(lines []string, next int) (Segment, bool) {
	if len(lines) == 0 {
		return Segment{}, false
	}
	seg := Segment{Index: next}
	i := 0
	if n, err := strconv.Atoi(lines[0]); err == nil && len(lines) > 1 {
		seg.Index = n
		i = 1
	}
	m := timing.FindStringSubmatch(lines[i])
	if m == nil {
		return Segment{}, false
	}
	seg.Start = clock(m[1:5])
	seg.End = clock(m[5:9])
	if seg.End < seg.Start {
		return Segment{}, false
	}
	seg.Text = strings.Join(lines[i+1:], "\n")
	return seg, true
}

func clock(parts []string) time.Duration {
	var v [4]int
	for i, p := range parts {
		v[i], _ = strconv.Atoi(p)
	}
	return time.Duration(v[0])*time.Hour +
		time.Duration(v[1])*time.Minute +
		time.Duration(v[2])*time.Second +
		time.Duration(v[3])*time.Millisecond
}

// At returns the segment showing at t. Segments must be ordered by start.
func At(segs []Segment, t time.Duration) (Segment, bool) {
	i := sort.Search(len(segs), func(i int) bool { return segs[i].Start > t })
	for j := i - 1; j >= 0; j-- {
		if t < segs[j].End {
			return segs[j], true
		}
	}
	return Segment{}, false
}
