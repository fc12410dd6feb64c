package container

import (
	"bytes"
	"encoding/binary"
	"fmt"

	mp4 "github.com/abema/go-mp4"
)

// tfhd and trun flag bits (ISO/IEC 14496-12 8.8.7, 8.8.8).
const (
	tfhdBaseDataOffsetPresent    = 0x000001
	tfhdDefaultDurationPresent   = 0x000008
	tfhdDefaultSizePresent       = 0x000010
	tfhdDefaultFlagsPresent      = 0x000020
	tfhdDefaultBaseIsMoof        = 0x020000
	trunDataOffsetPresent        = 0x000001
	trunFirstSampleFlagsPresent  = 0x000004
	trunSampleDurationPresent    = 0x000100
	trunSampleSizePresent        = 0x000200
	trunSampleFlagsPresent       = 0x000400
	trunCompositionOffsetPresent = 0x000800

	sampleIsNonSync = 0x00010000
)

// trackState is the per-track demux state carried across fragments.
type trackState struct {
	info TrackInfo

	defaultDuration uint32
	defaultSize     uint32
	defaultFlags    uint32

	nextDecodeTime int64
}

// fragment is a parsed moof waiting for its mdat.
type fragment struct {
	offset int64
	trafs  []trafData
}

type trafData struct {
	tfhd *mp4.Tfhd
	tfdt *mp4.Tfdt
	runs []*mp4.Trun
}

type span struct {
	off, end uint64
}

func (s span) contains(off uint64) bool {
	return off >= s.off && off < s.end
}

func containing(spans []span, off uint64) int {
	for i, s := range spans {
		if s.contains(off) {
			return i
		}
	}
	return -1
}

func spansOf(infos []*mp4.BoxInfo) []span {
	out := make([]span, len(infos))
	for i, bi := range infos {
		out[i] = span{off: bi.Offset, end: bi.Offset + bi.Size}
	}
	return out
}

func parseFtyp(box []byte) (string, []string) {
	if len(box) < 16 {
		return "", nil
	}
	major := string(box[8:12])
	var brands []string
	for off := 16; off+4 <= len(box); off += 4 {
		brands = append(brands, string(box[off:off+4]))
	}
	return major, brands
}

// parseMoov resolves track metadata from a complete moov box.
func parseMoov(box []byte) (*Info, map[uint32]*trackState, error) {
	moov := mp4.BoxTypeMoov()
	trak := mp4.BoxTypeTrak()
	mdia := mp4.BoxTypeMdia()

	traks, err := mp4.ExtractBox(bytes.NewReader(box), nil, mp4.BoxPath{moov, trak})
	if err != nil {
		return nil, nil, fmt.Errorf("locate tracks: %w", err)
	}
	stsds, err := mp4.ExtractBox(bytes.NewReader(box), nil,
		mp4.BoxPath{moov, trak, mdia, mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), mp4.BoxTypeStsd()})
	if err != nil {
		return nil, nil, fmt.Errorf("locate sample descriptions: %w", err)
	}
	boxes, err := mp4.ExtractBoxesWithPayload(bytes.NewReader(box), nil, []mp4.BoxPath{
		{moov, mp4.BoxTypeMvhd()},
		{moov, trak, mp4.BoxTypeTkhd()},
		{moov, trak, mdia, mp4.BoxTypeMdhd()},
		{moov, trak, mdia, mp4.BoxTypeHdlr()},
		{moov, mp4.BoxTypeMvex(), mp4.BoxTypeTrex()},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("decode movie box: %w", err)
	}

	spans := spansOf(traks)
	states := make([]*trackState, len(traks))
	for i := range states {
		states[i] = &trackState{}
	}
	info := &Info{}
	var movieTimescale uint32
	var movieDuration uint64
	trex := map[uint32]*mp4.Trex{}

	for _, b := range boxes {
		switch p := b.Payload.(type) {
		case *mp4.Mvhd:
			movieTimescale = p.Timescale
			if p.GetVersion() == 0 {
				movieDuration = uint64(p.DurationV0)
			} else {
				movieDuration = p.DurationV1
			}
		case *mp4.Trex:
			trex[p.TrackID] = p
			info.Fragmented = true
		case *mp4.Tkhd:
			if i := containing(spans, b.Info.Offset); i >= 0 {
				states[i].info.ID = p.TrackID
				states[i].info.Width = int(p.Width >> 16)
				states[i].info.Height = int(p.Height >> 16)
			}
		case *mp4.Mdhd:
			if i := containing(spans, b.Info.Offset); i >= 0 {
				states[i].info.Timescale = p.Timescale
				d := uint64(p.DurationV0)
				if p.GetVersion() != 0 {
					d = p.DurationV1
				}
				states[i].info.Duration = ticksToDuration(int64(d), p.Timescale)
			}
		case *mp4.Hdlr:
			if i := containing(spans, b.Info.Offset); i >= 0 {
				h := string(p.HandlerType[:])
				states[i].info.Handler = h
				states[i].info.Kind = kindFromHandler(h)
			}
		}
	}

	for _, sd := range stsds {
		i := containing(spans, sd.Offset)
		if i < 0 {
			continue
		}
		parseSampleEntry(box, sd, &states[i].info)
	}

	byID := make(map[uint32]*trackState, len(states))
	for _, st := range states {
		if st.info.ID == 0 {
			return nil, nil, fmt.Errorf("track without header")
		}
		if _, dup := byID[st.info.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate track id %d", st.info.ID)
		}
		if st.info.Kind == "" {
			st.info.Kind = KindOther
		}
		if t, ok := trex[st.info.ID]; ok {
			st.defaultDuration = t.DefaultSampleDuration
			st.defaultSize = t.DefaultSampleSize
			st.defaultFlags = t.DefaultSampleFlags
		}
		byID[st.info.ID] = st
		info.Tracks = append(info.Tracks, st.info)
		if st.info.Duration > info.Duration {
			info.Duration = st.info.Duration
		}
	}
	if d := ticksToDuration(int64(movieDuration), movieTimescale); d > info.Duration {
		info.Duration = d
	}
	return info, byID, nil
}

// parseSampleEntry reads the codec four-cc and the basic geometry of the first
// entry of an stsd box straight from the movie bytes.
func parseSampleEntry(box []byte, stsd *mp4.BoxInfo, ti *TrackInfo) {
	// full box header plus entry_count
	entry := stsd.Offset + stsd.HeaderSize + 8
	end := stsd.Offset + stsd.Size
	if end > uint64(len(box)) || entry+8 > end {
		return
	}
	size := uint64(binary.BigEndian.Uint32(box[entry:]))
	ti.Codec = string(box[entry+4 : entry+8])
	if size < 8 || entry+size > end {
		return
	}
	payload := box[entry+8 : entry+size]
	switch ti.Kind {
	case KindVideo:
		if len(payload) >= 28 {
			if w := int(binary.BigEndian.Uint16(payload[24:])); w > 0 {
				ti.Width = w
			}
			if h := int(binary.BigEndian.Uint16(payload[26:])); h > 0 {
				ti.Height = h
			}
		}
	case KindAudio:
		if len(payload) >= 28 {
			ti.Channels = int(binary.BigEndian.Uint16(payload[16:]))
			ti.SampleRate = int(binary.BigEndian.Uint32(payload[24:]) >> 16)
		}
	}
}

// parseMoof decodes the track fragments of a complete moof box.
func parseMoof(box []byte, offset int64) (*fragment, error) {
	moof := mp4.BoxTypeMoof()
	traf := mp4.BoxTypeTraf()

	trafs, err := mp4.ExtractBox(bytes.NewReader(box), nil, mp4.BoxPath{moof, traf})
	if err != nil {
		return nil, fmt.Errorf("locate track fragments: %w", err)
	}
	boxes, err := mp4.ExtractBoxesWithPayload(bytes.NewReader(box), nil, []mp4.BoxPath{
		{moof, traf, mp4.BoxTypeTfhd()},
		{moof, traf, mp4.BoxTypeTfdt()},
		{moof, traf, mp4.BoxTypeTrun()},
	})
	if err != nil {
		return nil, fmt.Errorf("decode movie fragment: %w", err)
	}

	spans := spansOf(trafs)
	frag := &fragment{offset: offset, trafs: make([]trafData, len(trafs))}
	for _, b := range boxes {
		i := containing(spans, b.Info.Offset)
		if i < 0 {
			continue
		}
		switch p := b.Payload.(type) {
		case *mp4.Tfhd:
			frag.trafs[i].tfhd = p
		case *mp4.Tfdt:
			frag.trafs[i].tfdt = p
		case *mp4.Trun:
			frag.trafs[i].runs = append(frag.trafs[i].runs, p)
		}
	}
	for i, t := range frag.trafs {
		if t.tfhd == nil {
			return nil, fmt.Errorf("track fragment %d has no header", i)
		}
	}
	return frag, nil
}

// resolveTraf turns one track fragment into samples using the bytes of the mdat
// that follows the moof. dataStart and dataEnd are absolute stream offsets of the
// mdat payload; prevEnd is where the previous traf's data ended.
func resolveTraf(t trafData, st *trackState, moofOffset int64, mdat []byte, dataStart, prevEnd int64) ([]Sample, int64, error) {
	tfhd := t.tfhd
	base := moofOffset
	switch {
	case tfhd.CheckFlag(tfhdBaseDataOffsetPresent):
		base = int64(tfhd.BaseDataOffset)
	case !tfhd.CheckFlag(tfhdDefaultBaseIsMoof) && prevEnd > 0:
		base = prevEnd
	}

	defDuration := st.defaultDuration
	if tfhd.CheckFlag(tfhdDefaultDurationPresent) {
		defDuration = tfhd.DefaultSampleDuration
	}
	defSize := st.defaultSize
	if tfhd.CheckFlag(tfhdDefaultSizePresent) {
		defSize = tfhd.DefaultSampleSize
	}
	defFlags := st.defaultFlags
	if tfhd.CheckFlag(tfhdDefaultFlagsPresent) {
		defFlags = tfhd.DefaultSampleFlags
	}

	decodeTime := st.nextDecodeTime
	if t.tfdt != nil {
		bt := int64(t.tfdt.BaseMediaDecodeTimeV1)
		if t.tfdt.GetVersion() == 0 {
			bt = int64(t.tfdt.BaseMediaDecodeTimeV0)
		}
		if bt < st.nextDecodeTime {
			return nil, prevEnd, ErrTimestampBackward
		}
		decodeTime = bt
	}

	dataEnd := dataStart + int64(len(mdat))
	cursor := base
	var samples []Sample
	for _, run := range t.runs {
		if run.CheckFlag(trunDataOffsetPresent) {
			cursor = base + int64(run.DataOffset)
		} else if cursor == moofOffset {
			cursor = dataStart
		}
		if uint32(len(run.Entries)) < run.SampleCount && run.GetFlags()&0x000f00 != 0 {
			return nil, prevEnd, ErrShortRun
		}
		for i := uint32(0); i < run.SampleCount; i++ {
			var e mp4.TrunEntry
			if int(i) < len(run.Entries) {
				e = run.Entries[i]
			}
			dur := defDuration
			if run.CheckFlag(trunSampleDurationPresent) {
				dur = e.SampleDuration
			}
			size := defSize
			if run.CheckFlag(trunSampleSizePresent) {
				size = e.SampleSize
			}
			flags := defFlags
			switch {
			case run.CheckFlag(trunSampleFlagsPresent):
				flags = e.SampleFlags
			case i == 0 && run.CheckFlag(trunFirstSampleFlagsPresent):
				flags = run.FirstSampleFlags
			}
			var cto int32
			if run.CheckFlag(trunCompositionOffsetPresent) {
				if run.GetVersion() == 0 {
					cto = int32(e.SampleCompositionTimeOffsetV0)
				} else {
					cto = e.SampleCompositionTimeOffsetV1
				}
			}

			if cursor < dataStart || cursor+int64(size) > dataEnd {
				return nil, prevEnd, ErrDataOutOfRange
			}
			rel := cursor - dataStart
			samples = append(samples, Sample{
				TrackID:           st.info.ID,
				Kind:              st.info.Kind,
				Timestamp:         decodeTime,
				Timescale:         st.info.Timescale,
				Duration:          dur,
				CompositionOffset: cto,
				Keyframe:          flags&sampleIsNonSync == 0,
				Payload:           mdat[rel : rel+int64(size) : rel+int64(size)],
			})
			decodeTime += int64(dur)
			cursor += int64(size)
		}
	}
	st.nextDecodeTime = decodeTime
	return samples, cursor, nil
}
