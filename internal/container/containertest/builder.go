// Package containertest builds small fragmented MP4 streams for tests.
package containertest

import (
	"encoding/binary"
)

// Track describes one track of a synthetic init segment.
type Track struct {
	ID              uint32
	Handler         string // "vide" or "soun"
	Codec           string // sample entry four-cc, e.g. "jpeg", "mp4a"
	Timescale       uint32
	Width, Height   uint16
	SampleRate      uint32
	Channels        uint16
	DefaultDuration uint32
}

// Sample is one sample of a Run.
type Sample struct {
	Duration uint32
	Payload  []byte
	NonSync  bool
	CTO      int32
}

// Run is the content of one track fragment.
type Run struct {
	TrackID  uint32
	BaseTime uint64
	NoTfdt   bool
	Samples  []Sample
}

func U16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func U32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func U64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

// Box encodes a box with a 32-bit size.
func Box(typ string, payload ...[]byte) []byte {
	size := 8
	for _, p := range payload {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(size))
	out = append(out, typ...)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

// LargeBox encodes a box with a 64-bit size.
func LargeBox(typ string, payload ...[]byte) []byte {
	size := 16
	for _, p := range payload {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, 1)
	out = append(out, typ...)
	out = binary.BigEndian.AppendUint64(out, uint64(size))
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

// FullBox encodes a box with a version and flags header.
func FullBox(typ string, version byte, flags uint32, payload ...[]byte) []byte {
	vf := U32(uint32(version)<<24 | flags&0xffffff)
	return Box(typ, append([][]byte{vf}, payload...)...)
}

func zeros(n int) []byte { return make([]byte, n) }

func identityMatrix() []byte {
	var m []byte
	for _, v := range []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000} {
		m = append(m, U32(v)...)
	}
	return m
}

// Init returns an ftyp and moov describing tracks, with an mvex so the stream is
// fragmented.
func Init(tracks ...Track) []byte {
	ftyp := Box("ftyp", []byte("iso6"), U32(0x200), []byte("iso6isommp41"))

	mvhd := FullBox("mvhd", 0, 0,
		U32(0), U32(0), U32(1000), U32(0),
		U32(0x00010000), U16(0x0100), U16(0), zeros(8),
		identityMatrix(), zeros(24), U32(uint32(len(tracks)+1)))

	parts := [][]byte{mvhd}
	var trexes [][]byte
	for _, t := range tracks {
		parts = append(parts, trak(t))
		trexes = append(trexes, FullBox("trex", 0, 0,
			U32(t.ID), U32(1), U32(t.DefaultDuration), U32(0), U32(0)))
	}
	parts = append(parts, Box("mvex", trexes...))

	out := append([]byte(nil), ftyp...)
	return append(out, Box("moov", parts...)...)
}

func trak(t Track) []byte {
	var volume uint16
	if t.Handler == "soun" {
		volume = 0x0100
	}
	tkhd := FullBox("tkhd", 0, 3,
		U32(0), U32(0), U32(t.ID), U32(0), U32(0), zeros(8),
		U16(0), U16(0), U16(volume), U16(0),
		identityMatrix(), U32(uint32(t.Width)<<16), U32(uint32(t.Height)<<16))
	mdhd := FullBox("mdhd", 0, 0, U32(0), U32(0), U32(t.Timescale), U32(0), U16(0x55c4), U16(0))
	hdlr := FullBox("hdlr", 0, 0, U32(0), []byte(t.Handler), zeros(12), []byte("heimdex\x00"))

	var entry []byte
	if t.Handler == "soun" {
		entry = Box(t.Codec, zeros(6), U16(1), zeros(8),
			U16(t.Channels), U16(16), U16(0), U16(0), U32(t.SampleRate<<16))
	} else {
		entry = Box(t.Codec, zeros(6), U16(1), zeros(16),
			U16(t.Width), U16(t.Height), U32(0x00480000), U32(0x00480000),
			U32(0), U16(1), zeros(32), U16(0x18), U16(0xffff))
	}
	stsd := FullBox("stsd", 0, 0, U32(1), entry)
	minf := Box("minf", Box("stbl", stsd))
	return Box("trak", tkhd, Box("mdia", mdhd, hdlr, minf))
}

// Fragment returns a moof and its mdat. Each run's samples are laid out in the
// mdat in run order and addressed with explicit data offsets.
func Fragment(seq uint32, runs ...Run) []byte {
	build := func(offsets []int32) []byte {
		parts := [][]byte{FullBox("mfhd", 0, 0, U32(seq))}
		for i, r := range runs {
			tfhd := FullBox("tfhd", 0, 0x020000, U32(r.TrackID))
			entries := [][]byte{U32(uint32(len(r.Samples))), U32(uint32(offsets[i]))}
			for _, s := range r.Samples {
				var flags uint32
				if s.NonSync {
					flags = 0x00010000
				}
				entries = append(entries, U32(s.Duration), U32(uint32(len(s.Payload))), U32(flags), U32(uint32(s.CTO)))
			}
			trun := FullBox("trun", 1, 0x000f01, entries...)
			if r.NoTfdt {
				parts = append(parts, Box("traf", tfhd, trun))
			} else {
				parts = append(parts, Box("traf", tfhd, FullBox("tfdt", 1, 0, U64(r.BaseTime)), trun))
			}
		}
		return Box("moof", parts...)
	}

	offsets := make([]int32, len(runs))
	pos := int32(len(build(offsets)) + 8)
	var data [][]byte
	for i, r := range runs {
		offsets[i] = pos
		for _, s := range r.Samples {
			pos += int32(len(s.Payload))
			data = append(data, s.Payload)
		}
	}
	out := build(offsets)
	return append(out, Box("mdat", data...)...)
}

// Stream concatenates segments.
func Stream(segments ...[]byte) []byte {
	var out []byte
	for _, s := range segments {
		out = append(out, s...)
	}
	return out
}
