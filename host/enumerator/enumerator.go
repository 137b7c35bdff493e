// Package enumerator discovers USB devices exposing the QDB interface and
// reports plug/unplug transitions to a caller-supplied sink.
package enumerator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/qdbridge/qdb/pkg"
	"github.com/qdbridge/qdb/usb"
)

// PollInterval is the interval between successive scans while monitoring,
// measured from the end of one scan to the start of the next.
const PollInterval = 1 * time.Second

// Event reports a single plug-in or plug-out transition.
type Event struct {
	// Inserted is true for a plug-in event, false for a plug-out event.
	Inserted bool

	// Device is populated for Inserted events. For plug-out events only
	// Device.Address is meaningful — the device is already gone by the
	// time it is reported.
	Device usb.Device
}

// Sink receives events discovered while monitoring is active.
type Sink func(Event)

// Enumerator maintains the current QDB device snapshot and, while
// monitoring, compares each new scan against the previous one to produce
// Events. It is not safe for concurrent use from multiple goroutines other
// than the internal monitor loop it starts.
type Enumerator struct {
	access usb.Access

	mu       sync.Mutex
	snapshot []usb.Device

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New creates an Enumerator backed by access.
func New(access usb.Access) *Enumerator {
	return &Enumerator{access: access}
}

// ListOnce scans for QDB devices once, updates the enumerator's snapshot,
// and returns it in (bus, device) order. It never emits events, whether or
// not monitoring is active.
func (e *Enumerator) ListOnce() ([]usb.Device, error) {
	devices, err := e.scan()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.snapshot = devices
	e.mu.Unlock()
	return devices, nil
}

// StartMonitoring begins periodic scanning on a PollInterval ticker,
// measured between scan completions, delivering Events to sink. The first
// scan after StartMonitoring only seeds the snapshot and never emits
// events, even if ListOnce was called beforehand — monitoring start is
// where diffing begins, not the state of any prior snapshot.
// StartMonitoring returns pkg.ErrAlreadyRunning if monitoring is already
// active.
func (e *Enumerator) StartMonitoring(ctx context.Context, sink Sink) error {
	e.mu.Lock()
	if e.monitorCancel != nil {
		e.mu.Unlock()
		return pkg.ErrAlreadyRunning
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	e.monitorCancel = cancel
	e.monitorDone = make(chan struct{})
	e.mu.Unlock()

	go e.monitorLoop(monitorCtx, sink)
	return nil
}

// StopMonitoring halts periodic scanning and waits for the monitor
// goroutine to exit. Calling it while not monitoring is a no-op.
func (e *Enumerator) StopMonitoring() {
	e.mu.Lock()
	cancel := e.monitorCancel
	done := e.monitorDone
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	e.mu.Lock()
	e.monitorCancel = nil
	e.monitorDone = nil
	e.mu.Unlock()
}

func (e *Enumerator) monitorLoop(ctx context.Context, sink Sink) {
	defer close(e.monitorDone)

	e.seed()

	timer := time.NewTimer(PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.pollOnce(sink)
			timer.Reset(PollInterval)
		}
	}
}

// seed runs a single scan and replaces the snapshot without diffing or
// emitting any events. It is used for the first poll after StartMonitoring.
func (e *Enumerator) seed() {
	devices, err := e.scan()
	if err != nil {
		pkg.LogWarn(pkg.ComponentEnumerator, "seed scan failed, monitoring starts from the previous snapshot", "error", err)
		return
	}
	e.mu.Lock()
	e.snapshot = devices
	e.mu.Unlock()
}

// pollOnce runs a single scan, diffs it against the previous snapshot, and
// delivers events for each difference. A bus-level scan error is logged
// and skipped entirely — it never produces a mass-unplug event, since a
// transient enumeration failure says nothing about which devices are
// actually still attached.
func (e *Enumerator) pollOnce(sink Sink) {
	devices, err := e.scan()
	if err != nil {
		pkg.LogWarn(pkg.ComponentEnumerator, "scan failed, skipping this poll", "error", err)
		return
	}

	e.mu.Lock()
	previous := e.snapshot
	e.snapshot = devices
	e.mu.Unlock()

	for _, ev := range Diff(previous, devices) {
		sink(ev)
	}
}

// scan lists QDB devices from access, reads each one's serial number, and
// returns them sorted by address.
func (e *Enumerator) scan() ([]usb.Device, error) {
	devices, err := e.access.ListDevices()
	if err != nil {
		return nil, err
	}

	resolved := make([]usb.Device, 0, len(devices))
	for _, d := range devices {
		d.Serial = e.readSerial(d)
		resolved = append(resolved, d)
	}

	sort.Slice(resolved, func(i, j int) bool {
		return resolved[i].Address.Less(resolved[j].Address)
	})
	return resolved, nil
}

func (e *Enumerator) readSerial(d usb.Device) string {
	const unknownSerial = "???"

	// Index 0 is reserved for the LANGID list, not a string descriptor; a
	// device that reports no serial number index has no serial to read.
	if d.SerialIndex == 0 {
		return unknownSerial
	}

	h, err := e.access.Open(d)
	if err != nil {
		pkg.LogWarn(pkg.ComponentEnumerator, "could not open device for serial number",
			"address", d.Address, "error", err)
		return unknownSerial
	}
	defer h.Close()

	serial, err := h.StringDescriptor(d.SerialIndex, usb.LangIDUSEnglish)
	if err != nil {
		pkg.LogWarn(pkg.ComponentEnumerator, "could not read serial number",
			"address", d.Address, "error", err)
		return unknownSerial
	}
	return serial
}

// Diff computes the set difference between two address-ordered device
// snapshots, in the manner of std::set_difference over a total order. All
// insertions are reported before any removal, matching the two-pass
// set_difference the original enumeration performs. Both previous and
// current must already be sorted by Address; scan and ListOnce guarantee
// this.
func Diff(previous, current []usb.Device) []Event {
	var events []Event

	i, j := 0, 0
	for i < len(previous) && j < len(current) {
		switch {
		case current[j].Address.Less(previous[i].Address):
			events = append(events, Event{Inserted: true, Device: current[j]})
			j++
		case previous[i].Address.Less(current[j].Address):
			i++
		default:
			i++
			j++
		}
	}
	for ; j < len(current); j++ {
		events = append(events, Event{Inserted: true, Device: current[j]})
	}

	i, j = 0, 0
	for i < len(previous) && j < len(current) {
		switch {
		case previous[i].Address.Less(current[j].Address):
			events = append(events, Event{Inserted: false, Device: previous[i]})
			i++
		case current[j].Address.Less(previous[i].Address):
			j++
		default:
			i++
			j++
		}
	}
	for ; i < len(previous); i++ {
		events = append(events, Event{Inserted: false, Device: previous[i]})
	}
	return events
}
