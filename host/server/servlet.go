package server

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/qdbridge/qdb/host/devicemanager"
	"github.com/qdbridge/qdb/pkg"
)

// State is a servlet's position in the protocol state machine.
type State int

const (
	StateIdle State = iota
	StateWatching
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWatching:
		return "watching"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// closeFlushTimeout is the write deadline set before every response write;
// a write to a peer that has stopped reading fails after this long and
// closes the servlet. close itself does not wait for a write that is in
// progress on another goroutine.
const closeFlushTimeout = 2 * time.Second

// manager is the subset of *devicemanager.Manager a servlet needs. Keeping
// it as an interface here lets tests exercise the state machine without a
// real Manager.
type manager interface {
	ListDevices() []devicemanager.DeviceInformation
	SubscribeWithSnapshot(devicemanager.Subscriber) (int, []devicemanager.DeviceInformation)
	Unsubscribe(id int)
}

// doneNotifier is called once when a servlet finishes, in any state, so
// the server can remove it from its live set.
type doneNotifier func(id uint64)

// Servlet handles one client connection end to end: reading its single
// request line (or, once watching, only ever writing), replying per the
// protocol, and tracking its own state.
type Servlet struct {
	id      uint64
	conn    net.Conn
	manager manager
	metrics *pkg.Metrics
	onDone  doneNotifier

	mu         sync.Mutex
	state      State
	subID      int
	subscribed bool

	// writeMu serializes writes to conn: the Run goroutine (replies,
	// replay) and the Device Manager's callback goroutine (deliver) can
	// both write to the same connection concurrently once watching starts.
	writeMu sync.Mutex

	stopRequested func()
}

// NewServlet creates a Servlet in the Idle state. stopRequested is invoked
// when the client sends stop-server; it should trigger the host server's
// shutdown sequence. metrics may be nil in tests.
func NewServlet(id uint64, conn net.Conn, mgr manager, metrics *pkg.Metrics, onDone doneNotifier, stopRequested func()) *Servlet {
	return &Servlet{
		id:            id,
		conn:          conn,
		manager:       mgr,
		metrics:       metrics,
		onDone:        onDone,
		state:         StateIdle,
		stopRequested: stopRequested,
	}
}

// ID returns the servlet's monotonic, process-lifetime unique id.
func (s *Servlet) ID() uint64 {
	return s.id
}

func (s *Servlet) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run reads exactly one request line and handles it, then blocks
// delivering subscription events (if the request was watch-devices) until
// the connection is closed by either side. Run always finishes by calling
// onDone.
func (s *Servlet) Run() {
	defer s.finish()

	reader := bufio.NewReader(s.conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		pkg.LogDebug(pkg.ComponentServlet, "client disconnected before sending a request", "id", s.id)
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		pkg.LogWarn(pkg.ComponentServlet, "invalid request", "id", s.id, "error", err)
		s.replyAndClose(newInvalidRequestResponse())
		return
	}

	if req.Version != qdbHostMessageVersion && req.Type != requestTypeStopServer {
		pkg.LogWarn(pkg.ComponentServlet, "unsupported protocol version", "id", s.id, "version", req.Version)
		if s.metrics != nil {
			s.metrics.VersionMismatches.Inc()
		}
		s.replyAndClose(newUnsupportedVersionResponse())
		return
	}

	switch req.Type {
	case requestTypeDevices:
		s.replyDevices()
	case requestTypeWatchDevices:
		s.startWatching()
		// Block here until the connection dies; events arrive
		// asynchronously via the subscription callback.
		s.waitForDisconnect(reader)
	case requestTypeStopServer:
		s.replyStopping()
	default:
		pkg.LogWarn(pkg.ComponentServlet, "unrecognized request type", "id", s.id, "type", req.Type)
		s.replyAndClose(newInvalidRequestResponse())
	}
}

func (s *Servlet) replyDevices() {
	devices := s.manager.ListDevices()
	s.replyAndClose(newDevicesResponse(devices))
}

func (s *Servlet) startWatching() {
	s.mu.Lock()
	s.state = StateWatching
	s.mu.Unlock()

	// Subscribe and snapshot are captured atomically by the Device
	// Manager, so this replay and the deliver callback registered
	// alongside it can never double-report or drop a device between them.
	subID, snapshot := s.manager.SubscribeWithSnapshot(s.deliver)
	s.mu.Lock()
	s.subID = subID
	s.subscribed = true
	s.mu.Unlock()

	for _, d := range snapshot {
		s.write(newNewDeviceResponse(d))
	}
}

// deliver forwards a Device Manager event to the client as long as this
// servlet is still watching.
func (s *Servlet) deliver(ev devicemanager.Event) {
	s.mu.Lock()
	watching := s.state == StateWatching
	s.mu.Unlock()
	if !watching {
		return
	}

	switch ev.Kind {
	case devicemanager.EventNewDevice:
		s.write(newNewDeviceResponse(ev.Device))
	case devicemanager.EventDisconnected:
		s.write(newDisconnectedDeviceResponse(ev.Serial))
	}
}

func (s *Servlet) replyStopping() {
	s.write(newStoppingResponse())
	if s.stopRequested != nil {
		s.stopRequested()
	}
	// Shutting the server down is left to the stopRequested callback's
	// owner; Run then returns and its deferred finish closes this servlet.
}

// waitForDisconnect blocks until the peer closes the connection or sends
// another line, which is ignored: a watching servlet only ever writes.
func (s *Servlet) waitForDisconnect(reader *bufio.Reader) {
	for {
		if _, err := reader.ReadByte(); err != nil {
			return
		}
	}
}

// replyAndClose writes resp best-effort, then transitions to Closing and
// closes the connection.
func (s *Servlet) replyAndClose(resp any) {
	s.write(resp)
	s.close()
}

func (s *Servlet) write(resp any) {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		pkg.LogError(pkg.ComponentServlet, "could not marshal response", "id", s.id, "error", err)
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
	if _, err := s.conn.Write(data); err != nil {
		pkg.LogWarn(pkg.ComponentServlet, "write failed, closing", "id", s.id, "error", err)
		s.close()
	}
}

// close transitions to Closing, then to Closed once the connection is
// released.
func (s *Servlet) close() {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	subID := s.subID
	subscribed := s.subscribed
	s.mu.Unlock()

	if subscribed {
		s.manager.Unsubscribe(subID)
	}

	_ = s.conn.Close()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

func (s *Servlet) finish() {
	s.close()
	if s.onDone != nil {
		s.onDone(s.id)
	}
}
