package gadget

import (
	"os"
	"sync/atomic"

	"github.com/qdbridge/qdb/pkg"
)

type writeRequest struct {
	data   []byte
	result chan writeResult
}

type writeResult struct {
	n   int
	err error
}

// writer is the IN-endpoint worker: it serializes writes onto the
// endpoint one at a time, performing each synchronously.
type writer struct {
	file *os.File

	requests chan writeRequest
	stopCh   chan struct{}
	done     chan struct{}
	closed   int32
}

func newWriter(file *os.File) *writer {
	return &writer{
		file:     file,
		requests: make(chan writeRequest),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *writer) start() {
	go w.run()
}

func (w *writer) run() {
	defer close(w.done)
	for {
		select {
		case req := <-w.requests:
			n, err := w.file.Write(req.data)
			if err != nil {
				pkg.LogWarn(pkg.ComponentGadget, "IN endpoint write failed, rejecting further writes", "error", err)
				atomic.StoreInt32(&w.closed, 1)
			}
			req.result <- writeResult{n: n, err: err}
		case <-w.stopCh:
			return
		}
	}
}

// write submits data to the writer worker and blocks until it has been
// written. It fails immediately with pkg.ErrEndpointClosed if the writer
// has already been stopped or an earlier write to the endpoint failed,
// rather than blocking on a dead endpoint.
func (w *writer) write(data []byte) (int, error) {
	if atomic.LoadInt32(&w.closed) != 0 {
		return 0, pkg.ErrEndpointClosed
	}

	result := make(chan writeResult, 1)
	select {
	case w.requests <- writeRequest{data: data, result: result}:
	case <-w.stopCh:
		return 0, pkg.ErrEndpointClosed
	}

	select {
	case r := <-result:
		return r.n, r.err
	case <-w.stopCh:
		return 0, pkg.ErrEndpointClosed
	}
}

// stop marks the writer closed and waits for its goroutine to exit. The
// caller is responsible for closing the underlying file first so a
// blocked Write returns.
func (w *writer) stop() {
	atomic.StoreInt32(&w.closed, 1)
	close(w.stopCh)
	<-w.done
}
