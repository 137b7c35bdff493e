package devicemanager

import "github.com/qdbridge/qdb/usb"

// NullTransport establishes a Connection that reports no host MAC or IP
// address. It exists so the Device Manager's Transport hook has a
// concrete implementation to run against; the streamed framing protocol
// that would populate those fields is a separate concern.
type NullTransport struct{}

type nullConnection struct{}

func (nullConnection) HostMAC() string   { return "" }
func (nullConnection) IPAddress() string { return "" }
func (nullConnection) Close() error      { return nil }

// Establish always succeeds immediately.
func (NullTransport) Establish(usb.Device) (Connection, error) {
	return nullConnection{}, nil
}
