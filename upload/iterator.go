package upload

import (
	"context"
	"io"
)

// Iterator produces the lazy sequence of byte chunks an upload transmits.
// Each call to Next yields the next chunk along with a flag marking the last
// one, which decides the framing of the final request.
//
// An Iterator is only valid for a single upload attempt: the consumption
// cursor lives in the shared Buffer, so retries construct a fresh Iterator
// instead of rewinding this one.
type Iterator struct {
	buf    *Buffer
	limit  int
	single bool
	done   bool
}

// NewIterator creates an iterator over buf.
//
// chunkLimit caps the size of each yielded chunk. When singleChunk is set the
// iterator instead accumulates the entire stream, across as many internal
// reads as it takes, and yields it as one final chunk once the upstream ends.
func NewIterator(buf *Buffer, chunkLimit int, singleChunk bool) *Iterator {
	return &Iterator{
		buf:    buf,
		limit:  chunkLimit,
		single: singleChunk,
	}
}

// Next returns the next chunk. final reports whether this is the last chunk
// of the stream. When the buffer is empty and the upstream has not ended,
// Next suspends until data arrives or the upstream finishes. A terminated
// sequence returns io.EOF.
func (it *Iterator) Next(ctx context.Context) (data []byte, final bool, err error) {
	if it.done {
		return nil, true, io.EOF
	}

	if it.single {
		return it.nextSingle(ctx)
	}

	for {
		changed := it.buf.Changed()

		if data := it.buf.Pull(it.limit); len(data) > 0 {
			final := it.buf.Finished() && it.buf.Len() == 0
			it.done = final
			return data, final, nil
		}

		if it.buf.Finished() {
			it.done = true
			return nil, true, io.EOF
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-changed:
		}
	}
}

// nextSingle drains the whole stream into one chunk, waiting for the
// upstream to end before yielding.
func (it *Iterator) nextSingle(ctx context.Context) ([]byte, bool, error) {
	var all []byte
	for {
		changed := it.buf.Changed()

		all = append(all, it.buf.Pull(DrainAll)...)

		if it.buf.Finished() && it.buf.Len() == 0 {
			it.done = true
			if len(all) == 0 {
				return nil, true, io.EOF
			}
			return all, true, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-changed:
		}
	}
}
