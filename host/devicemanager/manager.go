// Package devicemanager owns the set of connected QDB devices, mediates
// transport setup, and republishes connect/disconnect events to
// subscribers such as host servlets.
package devicemanager

import (
	"sync"

	"github.com/google/uuid"

	"github.com/qdbridge/qdb/host/enumerator"
	"github.com/qdbridge/qdb/pkg"
	"github.com/qdbridge/qdb/usb"
)

// DeviceInformation is the published, wire-shaped record for a connected
// device.
type DeviceInformation struct {
	Serial    string `json:"serial"`
	HostMAC   string `json:"hostMac"`
	IPAddress string `json:"ipAddress"`
}

// Connection is a live transport-level connection to a device, held open
// for as long as the device remains attached. The streamed framing
// protocol behind it is out of scope for this package; Connection is
// only the hook the Device Manager uses to learn transport identifiers
// and to release resources on disconnect.
type Connection interface {
	HostMAC() string
	IPAddress() string
	Close() error
}

// Transport establishes a Connection for a newly discovered device. It is
// an external collaborator: the Device Manager owns the lifecycle of the
// Connection it returns, but not the mechanism behind it.
type Transport interface {
	Establish(dev usb.Device) (Connection, error)
}

// EventKind distinguishes the two events a Manager publishes.
type EventKind int

const (
	// EventNewDevice is published once a device's transport is ready.
	EventNewDevice EventKind = iota
	// EventDisconnected is published once a device's transport has been
	// torn down.
	EventDisconnected
)

// Event is a single Device Manager publication. For EventDisconnected
// only Serial is meaningful.
type Event struct {
	Kind   EventKind
	Device DeviceInformation
	Serial string
}

// Subscriber receives Events in the order the Manager observed them.
type Subscriber func(Event)

type ownedDevice struct {
	info DeviceInformation
	conn Connection
}

// Manager owns the set of live device connections and publishes their
// lifecycle to subscribers. It is safe for concurrent use.
type Manager struct {
	transport Transport
	metrics   *pkg.Metrics

	mu          sync.RWMutex
	bySerial    map[string]*ownedDevice
	byAddress   map[usb.Address]*ownedDevice
	subscribers map[int]Subscriber
	nextSubID   int
}

// New creates a Manager that establishes connections through transport
// and publishes counts/events to metrics. metrics may be nil in tests.
func New(transport Transport, metrics *pkg.Metrics) *Manager {
	return &Manager{
		transport:   transport,
		metrics:     metrics,
		bySerial:    make(map[string]*ownedDevice),
		byAddress:   make(map[usb.Address]*ownedDevice),
		subscribers: make(map[int]Subscriber),
	}
}

// HandleEnumeratorEvent applies a single enumerator.Event, establishing or
// tearing down a transport connection as appropriate. It is intended to be
// used directly as an enumerator.Sink.
func (m *Manager) HandleEnumeratorEvent(ev enumerator.Event) {
	if ev.Inserted {
		m.handlePluggedIn(ev.Device)
		return
	}
	m.handleUnplugged(ev.Device.Address)
}

func (m *Manager) handlePluggedIn(dev usb.Device) {
	correlationID := uuid.NewString()
	pkg.LogInfo(pkg.ComponentDeviceManager, "device plugged in",
		"correlation_id", correlationID, "address", dev.Address, "serial", dev.Serial)

	conn, err := m.transport.Establish(dev)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDeviceManager, "transport setup failed",
			"correlation_id", correlationID, "address", dev.Address, "error", err)
		return
	}

	info := DeviceInformation{
		Serial:    dev.Serial,
		HostMAC:   conn.HostMAC(),
		IPAddress: conn.IPAddress(),
	}
	owned := &ownedDevice{info: info, conn: conn}

	// The subscriber list is snapshotted in the same critical section that
	// applies the mutation, so a subscriber added concurrently either sees
	// this device in its own snapshot (SubscribeWithSnapshot) or is
	// captured here to receive the event, never both and never neither.
	m.mu.Lock()
	m.bySerial[dev.Serial] = owned
	m.byAddress[dev.Address] = owned
	sinks := m.snapshotSubscribersLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectedDevices.Inc()
		m.metrics.ConnectEvents.Inc()
	}
	pkg.LogInfo(pkg.ComponentDeviceManager, "device ready",
		"correlation_id", correlationID, "serial", dev.Serial)

	deliver(sinks, Event{Kind: EventNewDevice, Device: info})
}

func (m *Manager) handleUnplugged(addr usb.Address) {
	m.mu.Lock()
	owned, ok := m.byAddress[addr]
	var sinks []Subscriber
	if ok {
		delete(m.byAddress, addr)
		delete(m.bySerial, owned.info.Serial)
		sinks = m.snapshotSubscribersLocked()
	}
	m.mu.Unlock()

	if !ok {
		pkg.LogWarn(pkg.ComponentDeviceManager, "unplug for unknown device", "address", addr)
		return
	}

	if err := owned.conn.Close(); err != nil {
		pkg.LogWarn(pkg.ComponentDeviceManager, "transport teardown failed",
			"serial", owned.info.Serial, "error", err)
	}

	if m.metrics != nil {
		m.metrics.ConnectedDevices.Dec()
		m.metrics.DisconnectEvents.Inc()
	}
	pkg.LogInfo(pkg.ComponentDeviceManager, "device disconnected", "serial", owned.info.Serial)

	deliver(sinks, Event{Kind: EventDisconnected, Serial: owned.info.Serial})
}

// ListDevices returns a snapshot of every currently connected device, in
// no particular order.
func (m *Manager) ListDevices() []DeviceInformation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]DeviceInformation, 0, len(m.bySerial))
	for _, d := range m.bySerial {
		infos = append(infos, d.info)
	}
	return infos
}

// LookupBySerial returns the DeviceInformation for serial, if connected.
func (m *Manager) LookupBySerial(serial string) (DeviceInformation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.bySerial[serial]
	if !ok {
		return DeviceInformation{}, false
	}
	return d.info, true
}

// Subscribe registers sink to receive future Events, in the order this
// Manager observes them. It returns an id to pass to Unsubscribe.
func (m *Manager) Subscribe(sink Subscriber) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribeLocked(sink)
}

// SubscribeWithSnapshot registers sink and captures the current device list
// under the same lock hold, so the caller can safely replay the snapshot
// and then rely on sink for everything after it: no device can be missing
// from both the snapshot and a delivered event, and none can appear in
// both.
func (m *Manager) SubscribeWithSnapshot(sink Subscriber) (int, []DeviceInformation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.subscribeLocked(sink)
	infos := make([]DeviceInformation, 0, len(m.bySerial))
	for _, d := range m.bySerial {
		infos = append(infos, d.info)
	}
	return id, infos
}

func (m *Manager) subscribeLocked(sink Subscriber) int {
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = sink
	return id
}

// Unsubscribe removes a subscriber registered with Subscribe.
func (m *Manager) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribers, id)
}

// snapshotSubscribersLocked returns the current subscriber list. Callers
// must hold m.mu.
func (m *Manager) snapshotSubscribersLocked() []Subscriber {
	sinks := make([]Subscriber, 0, len(m.subscribers))
	for _, s := range m.subscribers {
		sinks = append(sinks, s)
	}
	return sinks
}

func deliver(sinks []Subscriber, ev Event) {
	for _, sink := range sinks {
		sink(ev)
	}
}
