package gadget

import (
	"os"
	"path/filepath"
	"sync"

	errs "github.com/efficientgo/core/errors"
	"golang.org/x/sys/unix"

	"github.com/qdbridge/qdb/pkg"
)

// MountPoint is the FunctionFS mount point this bridge expects, containing
// ep0 (control), ep1 (OUT), and ep2 (IN).
const MountPoint = "/dev/usb-ffs/qdb/"

const (
	controlEndpointFile = "ep0"
	outEndpointFile      = "ep1"
	inEndpointFile       = "ep2"
)

// Bridge presents a single byte-stream abstraction backed by three
// FunctionFS endpoint files. Open performs the full initialization
// sequence (write descriptors and strings, open the bulk endpoints, start
// the worker goroutines); Close closes ep2, ep1 and ep0 and then waits for
// the worker goroutines to exit.
type Bridge struct {
	mountPoint string

	mu     sync.Mutex
	opened bool
	closed bool

	control *os.File
	out     *os.File
	in      *os.File

	reader *reader
	writer *writer
}

// New creates a Bridge bound to the given FunctionFS mount point.
func New(mountPoint string) *Bridge {
	return &Bridge{mountPoint: mountPoint}
}

// openEndpoint opens a FunctionFS endpoint file with unix.Open rather than
// os.OpenFile: a raw fd lets Open retry on EINTR itself instead of relying
// on the os package's own retry loop, which matters for ep0's ioctl-driven
// setup sequence. The fd is wrapped in an *os.File so the rest of the
// bridge can keep using the ordinary Read/Write/Close API.
func openEndpoint(path string, flags int) (*os.File, error) {
	var fd int
	var err error
	for {
		fd, err = unix.Open(path, flags, 0)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// Open performs the FunctionFS initialization sequence: open ep0, write
// the descriptors and strings blobs, open ep1 and ep2, then start the
// reader and writer workers.
func (b *Bridge) Open() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return pkg.ErrAlreadyRunning
	}

	controlPath := filepath.Join(b.mountPoint, controlEndpointFile)
	if _, err := os.Stat(controlPath); err != nil {
		return errs.Wrapf(pkg.ErrFunctionFSMissing, "%s", controlPath)
	}

	control, err := openEndpoint(controlPath, unix.O_RDWR)
	if err != nil {
		return errs.Wrapf(err, "open control endpoint %s", controlPath)
	}

	if _, err := control.Write(descriptorsBlob()); err != nil {
		control.Close()
		return errs.Wrap(err, "write descriptors blob")
	}
	if _, err := control.Write(stringsBlob()); err != nil {
		control.Close()
		return errs.Wrap(err, "write strings blob")
	}

	outPath := filepath.Join(b.mountPoint, outEndpointFile)
	out, err := openEndpoint(outPath, unix.O_RDONLY)
	if err != nil {
		control.Close()
		return errs.Wrapf(err, "open OUT endpoint %s", outPath)
	}

	inPath := filepath.Join(b.mountPoint, inEndpointFile)
	in, err := openEndpoint(inPath, unix.O_WRONLY)
	if err != nil {
		out.Close()
		control.Close()
		return errs.Wrapf(err, "open IN endpoint %s", inPath)
	}

	b.control, b.out, b.in = control, out, in
	b.reader = newReader(out)
	b.writer = newWriter(in)
	b.reader.start()
	b.writer.start()
	b.opened = true

	pkg.LogInfo(pkg.ComponentGadget, "functionfs initialized", "mount", b.mountPoint)
	return nil
}

// Read returns the next chunk the reader worker produced, copying it into
// dst. It blocks until a chunk is available or the bridge is closed. If
// the next chunk does not fit in dst, ErrBufferTooSmall is returned and
// the chunk is dropped (matching the facade's minimum obligation to
// deliver only chunks that fit).
func (b *Bridge) Read(dst []byte) (int, error) {
	b.mu.Lock()
	closed := b.closed
	r := b.reader
	b.mu.Unlock()
	if closed || r == nil {
		return 0, pkg.ErrGadgetNotOpen
	}

	chunk, ok := r.dequeue()
	if !ok {
		return 0, pkg.ErrGadgetNotOpen
	}
	if len(chunk) > len(dst) {
		return 0, pkg.ErrBufferTooSmall
	}
	return copy(dst, chunk), nil
}

// Write submits a whole buffer to the writer worker and blocks until it
// has been written to the IN endpoint. It fails immediately with
// ErrGadgetNotOpen if the bridge has never been opened or has since been
// closed. While the bridge is open, once a write to the IN endpoint has
// failed, every later Write fails immediately with ErrEndpointClosed.
func (b *Bridge) Write(data []byte) (int, error) {
	b.mu.Lock()
	closed := b.closed
	w := b.writer
	b.mu.Unlock()
	if closed || w == nil {
		return 0, pkg.ErrGadgetNotOpen
	}
	return w.write(data)
}

// Close tears the bridge down: it closes ep2, ep1, ep0 to unblock any
// worker parked in a blocking read or write, then waits for each worker
// to exit exactly once. A goroutine has no forceful-terminate primitive
// the way a killed OS thread does, so closing the descriptor first is
// what actually unblocks it; no in-flight read or write state needs to
// survive the shutdown.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed || !b.opened {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	reader, writer := b.reader, b.writer
	control, out, in := b.control, b.out, b.in
	b.mu.Unlock()

	var firstErr error
	for _, f := range []*os.File{in, out, control} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if reader != nil {
		reader.stop()
	}
	if writer != nil {
		writer.stop()
	}

	pkg.LogInfo(pkg.ComponentGadget, "functionfs torn down", "mount", b.mountPoint)
	return firstErr
}
