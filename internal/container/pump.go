package container

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the read size used by Pump when none is given.
const DefaultChunkSize = 64 * 1024

// Pump feeds r into d in chunks of chunkSize and closes d at EOF. It is the
// single producer for d; it returns ErrCancelled when d is cancelled and the
// reader is abandoned.
func Pump(ctx context.Context, r io.Reader, d *Demuxer, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)
	for {
		if d.Cancelled() {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := r.Read(buf)
		if n > 0 {
			if werr := d.Write(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			if d.Cancelled() {
				return ErrCancelled
			}
			return d.Close()
		}
		if err != nil {
			return fmt.Errorf("read container stream: %w", err)
		}
	}
}
