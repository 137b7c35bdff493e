package usb

import "sync"

// FakeAccess is a test double for Access. It holds a fixed device list that
// tests mutate between ListDevices calls to simulate plug/unplug activity,
// mirroring the mockHAL pattern used for the host abstraction layer.
type FakeAccess struct {
	mu sync.Mutex

	devices []Device
	listErr error
	openErr map[Address]error
	serials map[Address]string
}

// NewFakeAccess returns an empty FakeAccess ready for use in tests.
func NewFakeAccess() *FakeAccess {
	return &FakeAccess{
		openErr: make(map[Address]error),
		serials: make(map[Address]string),
	}
}

// SetDevices replaces the device list returned by the next ListDevices call.
func (f *FakeAccess) SetDevices(devices []Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append([]Device(nil), devices...)
}

// SetListError makes the next and all subsequent ListDevices calls fail
// with err, simulating a bus-level scan failure.
func (f *FakeAccess) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetSerial fixes the string descriptor FakeHandle.StringDescriptor returns
// for the device at addr.
func (f *FakeAccess) SetSerial(addr Address, serial string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serials[addr] = serial
}

// SetOpenError makes Open fail for the device at addr.
func (f *FakeAccess) SetOpenError(addr Address, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr[addr] = err
}

func (f *FakeAccess) ListDevices() ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Device(nil), f.devices...), nil
}

func (f *FakeAccess) Open(dev Device) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.openErr[dev.Address]; ok {
		return nil, err
	}
	return &fakeHandle{serial: f.serials[dev.Address]}, nil
}

// fakeHandle implements Handle by returning a fixed serial regardless of
// index or langID.
type fakeHandle struct {
	serial string
	closed bool
}

func (h *fakeHandle) StringDescriptor(uint8, uint16) (string, error) {
	return h.serial, nil
}

func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}
