package gadget

import (
	"os"
	"sync"

	"github.com/qdbridge/qdb/pkg"
)

// readBufferSize is the maximum chunk size read from the OUT endpoint in
// one call, matching the high-speed bulk max packet size headroom.
const readBufferSize = 4096

// reader is the OUT-endpoint worker: it blocks on Read in a loop and
// enqueues each successful read as a discrete chunk for the facade to
// dequeue.
type reader struct {
	file *os.File

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool

	done chan struct{}
}

func newReader(file *os.File) *reader {
	r := &reader{file: file, done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *reader) start() {
	go r.run()
}

func (r *reader) run() {
	defer close(r.done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.file.Read(buf)
		if err != nil {
			pkg.LogDebug(pkg.ComponentGadget, "reader worker exiting", "error", err)
			r.mu.Lock()
			r.closed = true
			r.cond.Broadcast()
			r.mu.Unlock()
			return
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		r.mu.Lock()
		r.queue = append(r.queue, chunk)
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

// dequeue blocks until a chunk is available or the reader has stopped. It
// returns ok=false once stopped with nothing left to deliver.
func (r *reader) dequeue() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.queue) == 0 && !r.closed {
		r.cond.Wait()
	}
	if len(r.queue) == 0 {
		return nil, false
	}
	chunk := r.queue[0]
	r.queue = r.queue[1:]
	return chunk, true
}

// stop waits for the reader goroutine to exit. The caller is responsible
// for closing the underlying file first so a blocked Read returns.
func (r *reader) stop() {
	<-r.done
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}
