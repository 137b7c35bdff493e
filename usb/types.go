// Package usb is a thin adapter over a real USB library
// (github.com/kevmo314/go-usb). It exposes exactly the five capabilities
// the rest of qdb needs — list devices, read the active configuration
// descriptor, open a device handle, read a string descriptor, and read
// bus/address — and nothing else. Callers never see go-usb types.
package usb

import "fmt"

// Address uniquely identifies a physical device at an instant. It is
// totally ordered by (Bus, Device); it may be reused after a disconnect.
type Address struct {
	Bus    uint8
	Device uint8
}

// Less reports whether a sorts before b under the (bus, device) ordering
// used to build enumerator snapshots and compute set differences.
func (a Address) Less(b Address) bool {
	if a.Bus != b.Bus {
		return a.Bus < b.Bus
	}
	return a.Device < b.Device
}

func (a Address) String() string {
	return fmt.Sprintf("%03d/%03d", a.Bus, a.Device)
}

// InterfaceInfo describes the QDB interface found on a device: its
// interface number and the two bulk endpoint addresses. In has the
// direction-IN bit (0x80) set; Out does not.
type InterfaceInfo struct {
	Number uint8
	In     uint8
	Out    uint8
}

// Device is a QDB-capable USB device discovered during enumeration. It
// owns the underlying library device reference; the zero value is not
// meaningful on its own — construct via the Access interface.
type Device struct {
	Serial    string
	Address   Address
	Interface InterfaceInfo

	// SerialIndex is the device descriptor's iSerialNumber string index, as
	// reported by ListDevices. Index 0 means the device has no serial
	// number string; the enumerator must not read a string descriptor at
	// index 0 (that index is reserved for the LANGID list, not a string).
	SerialIndex uint8

	// native is the underlying library device object. It is only used by
	// this package's Access implementations to Open the device; equality
	// and ordering never depend on it.
	native any
}
