package usb

import (
	"github.com/qdbridge/qdb/pkg"

	gousb "github.com/kevmo314/go-usb"
)

// QDB interface identifiers (spec §6). A matching interface's altsetting 0
// carries this class/subclass; by convention its endpoint 0 is OUT and its
// endpoint 1 is IN.
const (
	InterfaceClass    = 0xFF
	InterfaceSubClass = 0x52
	InterfaceProtocol = 0x01

	// LangIDUSEnglish is the language id used for every string descriptor
	// read (serial numbers included).
	LangIDUSEnglish = 0x0409

	// stringDescriptorBufferSize is the buffer size spec mandates for the
	// serial number string descriptor read (a USB string descriptor's
	// length field is a single byte, so 255 bytes always suffices).
	stringDescriptorBufferSize = 255

	// unknownSerial is substituted when a device does not answer the
	// string descriptor request.
	unknownSerial = "???"
)

// Handle is a scoped, open reference to a device. Close releases it; it
// must be called on every exit path, mirroring the RAII/scope-guard
// pattern the original C++ implementation used around libusb handles.
type Handle interface {
	// StringDescriptor reads the string descriptor at index for langID,
	// decoding it as little-endian UTF-16. It returns unknownSerial-style
	// zero value behavior is the caller's responsibility — this always
	// reports the library-level result, including errors.
	StringDescriptor(index uint8, langID uint16) (string, error)

	// Close releases the handle.
	Close() error
}

// Access is a thin adapter over the underlying USB library. Every method
// may fail with a *pkg.USBError when the library reports a non-zero
// result. Implementations must be safe to call from a single goroutine at
// a time (the enumerator never calls Access concurrently with itself).
type Access interface {
	// ListDevices enumerates every USB device currently attached and
	// returns those exposing the QDB interface, with Serial left empty and
	// SerialIndex set to the device descriptor's string index (the
	// enumerator resolves Serial by opening the device and reading that
	// index). Devices are returned in no particular order; ordering is the
	// enumerator's job.
	ListDevices() ([]Device, error)

	// Open acquires a handle to dev. The caller must Close it.
	Open(dev Device) (Handle, error)
}

// libusbAccess implements Access on top of github.com/kevmo314/go-usb.
type libusbAccess struct{}

// NewAccess returns the production Access implementation, backed by a real
// USB library rather than a hand-rolled kernel interface.
func NewAccess() Access {
	return &libusbAccess{}
}

func (a *libusbAccess) ListDevices() ([]Device, error) {
	raw, err := gousb.DeviceList()
	if err != nil {
		return nil, pkg.NewUSBError(-1, "list devices: "+err.Error())
	}

	devices := make([]Device, 0, len(raw))
	for _, d := range raw {
		info, ok := findQDBInterface(d)
		if !ok {
			continue
		}
		devices = append(devices, Device{
			Address:     Address{Bus: d.Bus, Device: d.Address},
			Interface:   info,
			SerialIndex: d.Descriptor.SerialNumberIndex,
			native:      d,
		})
	}
	return devices, nil
}

func (a *libusbAccess) Open(dev Device) (Handle, error) {
	d, ok := dev.native.(*gousb.Device)
	if !ok {
		return nil, pkg.NewUSBError(-1, "device has no native handle")
	}
	h, err := d.Open()
	if err != nil {
		return nil, pkg.NewUSBError(-1, "open device: "+err.Error())
	}
	return &libusbHandle{h: h}, nil
}

// findQDBInterface returns the QDB interface descriptor for d, if any. It
// reads the active configuration descriptor and looks for an interface
// whose altsetting 0 advertises InterfaceClass/InterfaceSubClass; the two
// endpoints are, by convention, OUT at endpoint index 0 and IN at
// endpoint index 1 of that altsetting.
func findQDBInterface(d *gousb.Device) (InterfaceInfo, bool) {
	h, err := d.Open()
	if err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "could not open device to probe interface",
			"address", Address{Bus: d.Bus, Device: d.Address}, "error", err)
		return InterfaceInfo{}, false
	}
	defer h.Close()

	cfg, err := h.GetActiveConfigDescriptor()
	if err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "could not read active config descriptor",
			"address", Address{Bus: d.Bus, Device: d.Address}, "error", err)
		return InterfaceInfo{}, false
	}

	for _, iface := range cfg.Interfaces {
		if len(iface.AltSettings) == 0 {
			continue
		}
		alt := iface.AltSettings[0]
		if alt.InterfaceClass != InterfaceClass || alt.InterfaceSubClass != InterfaceSubClass {
			continue
		}
		if len(alt.Endpoints) < 2 {
			continue
		}
		return InterfaceInfo{
			Number: alt.InterfaceNumber,
			Out:    alt.Endpoints[0].EndpointAddr,
			In:     alt.Endpoints[1].EndpointAddr,
		}, true
	}
	return InterfaceInfo{}, false
}

// libusbHandle implements Handle on top of a *gousb.DeviceHandle.
type libusbHandle struct {
	h *gousb.DeviceHandle
}

func (h *libusbHandle) StringDescriptor(index uint8, _ uint16) (string, error) {
	// go-usb's StringDescriptor always requests US English (0x0409),
	// which is the only language id qdb ever uses.
	s, err := h.h.StringDescriptor(index)
	if err != nil {
		return "", pkg.NewUSBError(-1, "read string descriptor: "+err.Error())
	}
	return s, nil
}

func (h *libusbHandle) Close() error {
	return h.h.Close()
}
