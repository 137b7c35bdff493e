package devicemanager

import (
	"errors"
	"sync"
	"testing"

	"github.com/qdbridge/qdb/host/enumerator"
	"github.com/qdbridge/qdb/usb"
)

type fakeConn struct {
	hostMAC   string
	ipAddress string
	closed    bool
}

func (c *fakeConn) HostMAC() string   { return c.hostMAC }
func (c *fakeConn) IPAddress() string { return c.ipAddress }
func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeTransport struct {
	mu          sync.Mutex
	established map[usb.Address]*fakeConn
	failFor     map[usb.Address]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		established: make(map[usb.Address]*fakeConn),
		failFor:     make(map[usb.Address]error),
	}
}

func (t *fakeTransport) Establish(dev usb.Device) (Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.failFor[dev.Address]; ok {
		return nil, err
	}
	c := &fakeConn{hostMAC: "aa:bb:cc:dd:ee:ff", ipAddress: "192.0.2.1"}
	t.established[dev.Address] = c
	return c, nil
}

func addr(bus, device uint8) usb.Address {
	return usb.Address{Bus: bus, Device: device}
}

func TestManagerPlugInPublishesNewDevice(t *testing.T) {
	transport := newFakeTransport()
	m := New(transport, nil)

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	m.HandleEnumeratorEvent(enumerator.Event{
		Inserted: true,
		Device:   usb.Device{Serial: "SN1", Address: addr(1, 1)},
	})

	if len(events) != 1 || events[0].Kind != EventNewDevice {
		t.Fatalf("events = %+v, want one EventNewDevice", events)
	}
	if events[0].Device.Serial != "SN1" {
		t.Errorf("Device.Serial = %q, want SN1", events[0].Device.Serial)
	}
	if events[0].Device.HostMAC != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Device.HostMAC = %q", events[0].Device.HostMAC)
	}

	list := m.ListDevices()
	if len(list) != 1 || list[0].Serial != "SN1" {
		t.Errorf("ListDevices() = %+v, want [{Serial: SN1 ...}]", list)
	}

	info, ok := m.LookupBySerial("SN1")
	if !ok || info.Serial != "SN1" {
		t.Errorf("LookupBySerial(SN1) = %+v, %v", info, ok)
	}
}

func TestManagerUnplugPublishesDisconnectedAndClosesConnection(t *testing.T) {
	transport := newFakeTransport()
	m := New(transport, nil)

	a := addr(2, 3)
	m.HandleEnumeratorEvent(enumerator.Event{
		Inserted: true,
		Device:   usb.Device{Serial: "SN2", Address: a},
	})

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	m.HandleEnumeratorEvent(enumerator.Event{Inserted: false, Device: usb.Device{Address: a}})

	if len(events) != 1 || events[0].Kind != EventDisconnected || events[0].Serial != "SN2" {
		t.Fatalf("events = %+v, want one EventDisconnected for SN2", events)
	}

	conn := transport.established[a]
	if conn == nil || !conn.closed {
		t.Errorf("connection for %v was not closed", a)
	}

	if _, ok := m.LookupBySerial("SN2"); ok {
		t.Error("LookupBySerial(SN2) still found after disconnect")
	}
}

func TestManagerOrderingNewBeforeDisconnectedSameSerial(t *testing.T) {
	transport := newFakeTransport()
	m := New(transport, nil)

	var kinds []EventKind
	m.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	a := addr(1, 1)
	m.HandleEnumeratorEvent(enumerator.Event{Inserted: true, Device: usb.Device{Serial: "SN3", Address: a}})
	m.HandleEnumeratorEvent(enumerator.Event{Inserted: false, Device: usb.Device{Address: a}})
	m.HandleEnumeratorEvent(enumerator.Event{Inserted: true, Device: usb.Device{Serial: "SN3", Address: a}})

	want := []EventKind{EventNewDevice, EventDisconnected, EventNewDevice}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestManagerTransportFailureSkipsPublish(t *testing.T) {
	transport := newFakeTransport()
	a := addr(1, 9)
	transport.failFor[a] = errors.New("transport setup failed")
	m := New(transport, nil)

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	m.HandleEnumeratorEvent(enumerator.Event{Inserted: true, Device: usb.Device{Serial: "SN4", Address: a}})

	if len(events) != 0 {
		t.Errorf("events = %+v, want none after transport failure", events)
	}
	if _, ok := m.LookupBySerial("SN4"); ok {
		t.Error("device should not be owned after transport failure")
	}
}

func TestManagerSubscribeWithSnapshotIncludesExistingDevicesOnce(t *testing.T) {
	transport := newFakeTransport()
	m := New(transport, nil)

	a := addr(1, 1)
	m.HandleEnumeratorEvent(enumerator.Event{Inserted: true, Device: usb.Device{Serial: "SN6", Address: a}})

	var events []Event
	_, snapshot := m.SubscribeWithSnapshot(func(ev Event) { events = append(events, ev) })
	if len(snapshot) != 1 || snapshot[0].Serial != "SN6" {
		t.Fatalf("snapshot = %+v, want [{Serial: SN6 ...}]", snapshot)
	}

	m.HandleEnumeratorEvent(enumerator.Event{Inserted: true, Device: usb.Device{Serial: "SN7", Address: addr(1, 2)}})

	if len(events) != 1 || events[0].Device.Serial != "SN7" {
		t.Fatalf("events = %+v, want exactly one EventNewDevice for SN7 (SN6 already in the snapshot)", events)
	}
}

func TestManagerUnsubscribeStopsDelivery(t *testing.T) {
	transport := newFakeTransport()
	m := New(transport, nil)

	var count int
	id := m.Subscribe(func(Event) { count++ })
	m.Unsubscribe(id)

	m.HandleEnumeratorEvent(enumerator.Event{
		Inserted: true,
		Device:   usb.Device{Serial: "SN5", Address: addr(1, 1)},
	})

	if count != 0 {
		t.Errorf("count = %d, want 0 after Unsubscribe", count)
	}
}
