package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/heimdex/heimdex-render/internal/logging"
)

const (
	// DefaultEventBuffer bounds how far the demuxer may run ahead of its consumer.
	DefaultEventBuffer = 4

	// DefaultMaxBoxSize caps the size of a box the demuxer will buffer whole.
	DefaultMaxBoxSize = 512 << 20
)

// Top-level boxes accepted in a stream. Anything else is malformed.
var topLevelBoxes = map[string]bool{
	"ftyp": true, "styp": true, "moov": true, "moof": true, "mdat": true,
	"free": true, "skip": true, "wide": true, "sidx": true, "ssix": true,
	"mfra": true, "emsg": true, "prft": true, "uuid": true, "meta": true,
	"pdin": true,
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(d *Demuxer) {
		if n >= 0 {
			d.eventBuffer = n
		}
	}
}

// WithMaxBoxSize sets the largest box the demuxer will hold in memory.
func WithMaxBoxSize(n int64) Option {
	return func(d *Demuxer) {
		if n > 0 {
			d.maxBox = n
		}
	}
}

// WithLogger sets the demuxer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Demuxer) {
		d.logger = logger
	}
}

// Demuxer parses a pushed byte stream into events. Write, Close and Cancel may
// be called from different goroutines; writes are serialized internally and the
// stream must still be fed in order by a single producer.
type Demuxer struct {
	eventBuffer int
	maxBox      int64
	logger      *slog.Logger

	events     chan Event
	done       chan struct{}
	cancelOnce sync.Once
	eventsOnce sync.Once

	mu        sync.Mutex
	consumed  int64
	buf       []byte
	off       int
	skip      int64
	skipType  string
	skipStart int64
	closed    bool
	cancelled bool
	err       error

	major   string
	brands  []string
	info    *Info
	tracks  map[uint32]*trackState
	pending *fragment
}

// NewDemuxer creates a demuxer ready to accept writes.
func NewDemuxer(opts ...Option) *Demuxer {
	d := &Demuxer{
		eventBuffer: DefaultEventBuffer,
		maxBox:      DefaultMaxBoxSize,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrDiscard(d.logger)
	d.events = make(chan Event, d.eventBuffer)
	return d
}

// Events returns the event stream. It is closed after Close, Cancel or the first
// malformed-container failure.
func (d *Demuxer) Events() <-chan Event {
	return d.events
}

// Offset returns the number of stream bytes fully parsed or skipped.
func (d *Demuxer) Offset() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consumed
}

// Info returns the container metadata, or nil before the movie box was parsed.
func (d *Demuxer) Info() *Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Cancelled reports whether Cancel was called.
func (d *Demuxer) Cancelled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Write appends chunk to the stream and parses every box that is now complete.
// It blocks while the event channel is full. After Cancel it is a no-op.
func (d *Demuxer) Write(ctx context.Context, chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancelled {
		return nil
	}
	if d.err != nil {
		return d.err
	}
	if d.closed {
		return ErrClosed
	}

	if d.skip > 0 {
		n := min(d.skip, int64(len(chunk)))
		d.skip -= n
		d.consumed += n
		chunk = chunk[n:]
	}
	if len(chunk) > 0 {
		d.buf = append(d.buf, chunk...)
	}

	if err := d.parse(ctx); err != nil {
		if d.cancelled {
			return nil
		}
		return err
	}
	return nil
}

// Close signals end of input. A partially received box is reported as a
// TruncatedContainerError. The event channel is closed on return.
func (d *Demuxer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancelled || d.closed {
		return nil
	}
	d.closed = true
	defer d.closeEvents()

	if d.err != nil {
		return d.err
	}
	if d.skip > 0 {
		return &TruncatedContainerError{
			Offset:  d.skipStart,
			BoxType: d.skipType,
			Need:    d.consumed - d.skipStart + d.skip,
			Have:    d.consumed - d.skipStart,
		}
	}
	if rest := d.unread(); len(rest) > 0 {
		terr := &TruncatedContainerError{Offset: d.consumed, Have: int64(len(rest))}
		if typ, size, _, ok := peekHeader(rest); ok {
			terr.BoxType = typ
			terr.Need = int64(size)
		}
		return terr
	}
	if d.pending != nil {
		return &TruncatedContainerError{Offset: d.pending.offset, BoxType: "mdat"}
	}
	if d.info == nil {
		return &MalformedContainerError{Offset: d.consumed, BoxType: "moov", Reason: "stream ended without a movie box"}
	}
	return nil
}

// Cancel stops parsing, drops buffered bytes and closes the event channel. It is
// idempotent and safe after Close. A Write blocked on a full channel returns.
func (d *Demuxer) Cancel() {
	d.cancelOnce.Do(func() { close(d.done) })

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = true
	d.buf, d.off = nil, 0
	d.pending = nil
	d.tracks = nil
	d.closeEvents()
}

func (d *Demuxer) closeEvents() {
	d.eventsOnce.Do(func() { close(d.events) })
}

func (d *Demuxer) fail(err error) error {
	d.err = err
	d.buf, d.off = nil, 0
	d.pending = nil
	d.closeEvents()
	return err
}

func (d *Demuxer) emit(ctx context.Context, ev Event) error {
	select {
	case d.events <- ev:
		return nil
	case <-d.done:
		d.cancelled = true
		d.closeEvents()
		return ErrCancelled
	case <-ctx.Done():
		// the box is already consumed, so the stream cannot resume
		return d.fail(ctx.Err())
	}
}

// peekHeader decodes a box header from the start of b. ok is false when more
// bytes are needed.
func peekHeader(b []byte) (typ string, size uint64, hdr int, ok bool) {
	if len(b) < 8 {
		return "", 0, 0, false
	}
	size = uint64(binary.BigEndian.Uint32(b))
	typ = string(b[4:8])
	hdr = 8
	if size == 1 {
		if len(b) < 16 {
			return typ, 0, 0, false
		}
		size = binary.BigEndian.Uint64(b[8:])
		hdr = 16
	}
	return typ, size, hdr, true
}

func (d *Demuxer) parse(ctx context.Context) error {
	for {
		if d.skip > 0 {
			n := min(d.skip, int64(len(d.unread())))
			d.skip -= n
			d.consumed += n
			d.drop(int(n))
			if d.skip > 0 {
				return nil
			}
		}

		rest := d.unread()
		typ, size, hdr, ok := peekHeader(rest)
		if !ok {
			return nil
		}
		switch {
		case size == 0:
			return d.fail(&MalformedContainerError{Offset: d.consumed, BoxType: typ, Reason: "open-ended box size is not supported"})
		case size < uint64(hdr):
			return d.fail(&MalformedContainerError{Offset: d.consumed, BoxType: typ, Reason: fmt.Sprintf("box size %d smaller than its header", size)})
		case !topLevelBoxes[typ]:
			return d.fail(&MalformedContainerError{Offset: d.consumed, BoxType: typ, Reason: "unsupported top-level box"})
		}

		if !d.buffered(typ) {
			d.skip = int64(size)
			d.skipType = typ
			d.skipStart = d.consumed
			continue
		}
		if size > uint64(d.maxBox) {
			return d.fail(&MalformedContainerError{Offset: d.consumed, BoxType: typ, Reason: fmt.Sprintf("box size %d exceeds limit %d", size, d.maxBox)})
		}
		if uint64(len(rest)) < size {
			return nil
		}

		box := rest[:size:size]
		offset := d.consumed
		d.consumed += int64(size)
		d.drop(int(size))
		if err := d.handle(ctx, typ, box, hdr, offset); err != nil {
			return err
		}
	}
}

func (d *Demuxer) unread() []byte {
	return d.buf[d.off:]
}

// drop discards n unread bytes. The rest moves to a new array once the
// consumed prefix passes half the buffer; the old array is never rewritten,
// so a box being handled stays intact.
func (d *Demuxer) drop(n int) {
	d.off += n
	switch {
	case d.off >= len(d.buf):
		d.buf, d.off = nil, 0
	case d.off > len(d.buf)/2:
		d.buf, d.off = append([]byte(nil), d.buf[d.off:]...), 0
	}
}

func (d *Demuxer) buffered(typ string) bool {
	switch typ {
	case "ftyp", "styp", "moov", "moof":
		return true
	case "mdat":
		return d.pending != nil
	default:
		return false
	}
}

func (d *Demuxer) handle(ctx context.Context, typ string, box []byte, hdr int, offset int64) error {
	switch typ {
	case "ftyp", "styp":
		if d.major == "" {
			d.major, d.brands = parseFtyp(box)
		}
	case "moov":
		if d.info != nil {
			return d.fail(&MalformedContainerError{Offset: offset, BoxType: typ, Reason: "duplicate movie box"})
		}
		info, tracks, err := parseMoov(box)
		if err != nil {
			return d.fail(&MalformedContainerError{Offset: offset, BoxType: typ, Reason: "invalid movie box", Err: err})
		}
		info.MajorBrand = d.major
		info.Brands = d.brands
		d.info = info
		d.tracks = tracks
		d.logger.Debug("container ready", "tracks", len(info.Tracks), "duration", info.Duration)
		return d.emit(ctx, Event{Type: EventReady, Info: info})
	case "moof":
		if d.info == nil {
			return d.fail(&MalformedContainerError{Offset: offset, BoxType: typ, Reason: "movie fragment before movie box"})
		}
		if d.pending != nil {
			return d.fail(&MalformedContainerError{Offset: offset, BoxType: typ, Reason: "movie fragment without media data"})
		}
		frag, err := parseMoof(box, offset)
		if err != nil {
			return d.fail(&MalformedContainerError{Offset: offset, BoxType: typ, Reason: "invalid movie fragment", Err: err})
		}
		d.pending = frag
	case "mdat":
		frag := d.pending
		d.pending = nil
		// samples slice this copy, not the input buffer
		return d.emitFragment(ctx, frag, bytes.Clone(box[hdr:]), offset+int64(hdr))
	}
	return nil
}

func (d *Demuxer) emitFragment(ctx context.Context, frag *fragment, mdat []byte, dataStart int64) error {
	var prevEnd int64
	for _, t := range frag.trafs {
		id := t.tfhd.TrackID
		st, ok := d.tracks[id]
		if !ok {
			if err := d.trackError(ctx, id, frag.offset, ErrUnknownTrack); err != nil {
				return err
			}
			continue
		}
		samples, end, err := resolveTraf(t, st, frag.offset, mdat, dataStart, prevEnd)
		if err != nil {
			if err := d.trackError(ctx, id, frag.offset, err); err != nil {
				return err
			}
			continue
		}
		prevEnd = end
		if len(samples) == 0 || st.info.Kind == KindOther {
			continue
		}
		if err := d.emit(ctx, Event{Type: EventSamples, TrackID: id, Samples: samples}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) trackError(ctx context.Context, id uint32, offset int64, err error) error {
	d.logger.Warn("track fragment rejected", "track_id", id, "offset", offset, "error", err)
	return d.emit(ctx, Event{
		Type:    EventTrackError,
		TrackID: id,
		Err:     &TrackError{TrackID: id, Offset: offset, Err: err},
	})
}
