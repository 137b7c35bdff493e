package server

import "github.com/qdbridge/qdb/host/devicemanager"

// qdbHostMessageVersion is the protocol version this server implements.
// A request carrying any other version is rejected with
// unsupported-version, except stop-server which is always honored.
const qdbHostMessageVersion = 1

// SocketName is the well-known local-domain socket name, created under
// the platform's runtime directory.
const SocketName = "qdb.socket"

// Request is the wire shape of every client message.
type Request struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
}

const (
	requestTypeDevices      = "devices"
	requestTypeWatchDevices = "watch-devices"
	requestTypeStopServer   = "stop-server"
)

// deviceInfoResponse mirrors devicemanager.DeviceInformation on the wire;
// it exists as its own type so the protocol package does not leak
// devicemanager's internal field layout by accident.
type deviceInfoResponse struct {
	Serial    string `json:"serial"`
	HostMAC   string `json:"hostMac"`
	IPAddress string `json:"ipAddress"`
}

func toDeviceInfoResponse(d devicemanager.DeviceInformation) deviceInfoResponse {
	return deviceInfoResponse{Serial: d.Serial, HostMAC: d.HostMAC, IPAddress: d.IPAddress}
}

type devicesResponse struct {
	Type    string                `json:"type"`
	Devices []deviceInfoResponse `json:"devices"`
}

func newDevicesResponse(devices []devicemanager.DeviceInformation) devicesResponse {
	out := make([]deviceInfoResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceInfoResponse(d))
	}
	return devicesResponse{Type: "devices", Devices: out}
}

type newDeviceResponse struct {
	Type   string              `json:"type"`
	Device deviceInfoResponse `json:"device"`
}

func newNewDeviceResponse(d devicemanager.DeviceInformation) newDeviceResponse {
	return newDeviceResponse{Type: "new-device", Device: toDeviceInfoResponse(d)}
}

type disconnectedDeviceResponse struct {
	Type   string `json:"type"`
	Serial string `json:"serial"`
}

func newDisconnectedDeviceResponse(serial string) disconnectedDeviceResponse {
	return disconnectedDeviceResponse{Type: "disconnected-device", Serial: serial}
}

type stoppingResponse struct {
	Type string `json:"type"`
}

func newStoppingResponse() stoppingResponse {
	return stoppingResponse{Type: "stopping"}
}

type unsupportedVersionResponse struct {
	Type             string `json:"type"`
	SupportedVersion int    `json:"supported-version"`
}

func newUnsupportedVersionResponse() unsupportedVersionResponse {
	return unsupportedVersionResponse{Type: "unsupported-version", SupportedVersion: qdbHostMessageVersion}
}

type invalidRequestResponse struct {
	Type string `json:"type"`
}

func newInvalidRequestResponse() invalidRequestResponse {
	return invalidRequestResponse{Type: "invalid-request"}
}
