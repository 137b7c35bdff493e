package gadget

import (
	"os"
	"testing"

	"github.com/qdbridge/qdb/pkg"
)

// newTestBridge builds a Bridge with pipe-backed OUT/IN endpoints, bypassing
// Open's real FunctionFS mount-point requirement so the read/write/close
// contract can be exercised directly.
func newTestBridge(t *testing.T) (*Bridge, *os.File, *os.File) {
	t.Helper()

	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}

	b := &Bridge{out: outR, in: inW}
	b.reader = newReader(outR)
	b.writer = newWriter(inW)
	b.reader.start()
	b.writer.start()
	b.opened = true

	return b, outW, inR
}

func TestBridgeReadDeliversChunk(t *testing.T) {
	b, outW, inR := newTestBridge(t)
	defer inR.Close()
	defer func() {
		outW.Close()
		b.Close()
	}()

	outW.Write([]byte("payload"))

	buf := make([]byte, 32)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Errorf("Read() = %q, want %q", buf[:n], "payload")
	}
}

func TestBridgeReadBufferTooSmall(t *testing.T) {
	b, outW, inR := newTestBridge(t)
	defer inR.Close()
	defer func() {
		outW.Close()
		b.Close()
	}()

	outW.Write([]byte("this is too long"))

	buf := make([]byte, 4)
	_, err := b.Read(buf)
	if err != pkg.ErrBufferTooSmall {
		t.Errorf("Read() error = %v, want %v", err, pkg.ErrBufferTooSmall)
	}
}

func TestBridgeWriteBeforeOpenFails(t *testing.T) {
	b := New("/nonexistent")
	if _, err := b.Write([]byte("x")); err != pkg.ErrGadgetNotOpen {
		t.Errorf("Write() before Open error = %v, want %v", err, pkg.ErrGadgetNotOpen)
	}
	if _, err := b.Read(make([]byte, 8)); err != pkg.ErrGadgetNotOpen {
		t.Errorf("Read() before Open error = %v, want %v", err, pkg.ErrGadgetNotOpen)
	}
}

func TestBridgeWriteFailsAfterClose(t *testing.T) {
	b, outW, inR := newTestBridge(t)
	defer outW.Close()

	go func() {
		buf := make([]byte, 32)
		inR.Read(buf)
	}()

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	inR.Close()

	if _, err := b.Write([]byte("x")); err != pkg.ErrGadgetNotOpen {
		t.Errorf("Write() after Close error = %v, want %v", err, pkg.ErrGadgetNotOpen)
	}
}

func TestBridgeCloseIsIdempotent(t *testing.T) {
	b, outW, inR := newTestBridge(t)
	defer outW.Close()
	defer inR.Close()

	if err := b.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestBridgeOpenMissingControlEndpoint(t *testing.T) {
	b := New(t.TempDir())
	if err := b.Open(); err == nil {
		t.Error("Open() with missing ep0 should fail")
	}
}
