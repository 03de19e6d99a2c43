package upload

import (
	"errors"
	"sync"
)

// DrainAll can be passed to Buffer.Pull as the limit to remove everything
// currently buffered.
const DrainAll = -1

// ErrBufferFinished is returned by Buffer.Write after Finish was called.
var ErrBufferFinished = errors.New("buffer: write after finish")

// ErrBufferAborted is returned by Buffer.Write after Abort was called.
var ErrBufferAborted = errors.New("buffer: aborted")

// Buffer is the in-memory byte queue between the upstream producer and the
// network consumer of an upload. Bytes leave in strict FIFO order; Unshift is
// the only way to put bytes back and exists solely to restore data the server
// did not acknowledge.
//
// Every mutation wakes waiters blocked on Changed, so a consumer can sleep
// until more data arrives or the producer marks the end of the stream.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	limit    int
	finished bool
	aborted  bool
	changed  chan struct{}
}

// NewBuffer creates an empty Buffer without a capacity bound.
func NewBuffer() *Buffer {
	return NewBufferLimit(0)
}

// NewBufferLimit creates an empty Buffer holding at most limit written bytes.
// A write that does not fit is admitted piecewise, parking until the consumer
// drains below the limit, so even a single oversized Write cannot make the
// whole source resident. limit <= 0 means unbounded. Unshift is exempt from
// the limit: restored bytes were already admitted once.
func NewBufferLimit(limit int) *Buffer {
	return &Buffer{
		limit:   limit,
		changed: make(chan struct{}),
	}
}

// Write appends p to the back of the queue, blocking while the buffer is
// full. It implements io.Writer so an upstream reader can be piped straight
// into the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	written := 0
	for {
		b.mu.Lock()
		switch {
		case b.aborted:
			b.mu.Unlock()
			return written, ErrBufferAborted
		case b.finished:
			b.mu.Unlock()
			return written, ErrBufferFinished
		case b.limit <= 0:
			b.data = append(b.data, p[written:]...)
			written = len(p)
			b.notifyLocked()
			b.mu.Unlock()
			return written, nil
		}

		if room := b.limit - len(b.data); room > 0 {
			n := len(p) - written
			if n > room {
				n = room
			}
			b.data = append(b.data, p[written:written+n]...)
			written += n
			b.notifyLocked()
			if written == len(p) {
				b.mu.Unlock()
				return written, nil
			}
		}

		changed := b.changed
		b.mu.Unlock()
		<-changed
	}
}

// Unshift prepends p to the front of the queue so it is returned by the next
// Pull. Allowed after Finish: re-queued bytes were already part of the stream.
func (b *Buffer) Unshift(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	restored := make([]byte, 0, len(p)+len(b.data))
	restored = append(restored, p...)
	b.data = append(restored, b.data...)
	b.notifyLocked()
}

// Pull removes and returns up to limit bytes from the front of the queue.
// It returns fewer bytes if less data is buffered and never blocks.
// A limit of DrainAll removes everything currently buffered.
func (b *Buffer) Pull(limit int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if limit == 0 || len(b.data) == 0 {
		return nil
	}

	n := len(b.data)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[n:]
	b.notifyLocked()
	return out
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Finish marks the end of the upstream. Subsequent writes fail; buffered
// bytes remain pullable.
func (b *Buffer) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return
	}
	b.finished = true
	b.notifyLocked()
}

// Abort fails all current and future writes, unblocking a parked writer.
// Buffered bytes stay pullable. Called when the consuming side terminates so
// the producing goroutine does not keep draining its source.
func (b *Buffer) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.aborted {
		return
	}
	b.aborted = true
	b.notifyLocked()
}

// Finished reports whether the upstream has ended.
func (b *Buffer) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// Changed returns a channel that is closed on the next buffer mutation.
// Grab the channel before inspecting buffer state to avoid missed wake-ups.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}
