// Package gadget bridges two FunctionFS bulk endpoints (device side) to an
// in-process byte-stream facade, using dedicated reader and writer worker
// goroutines around blocking endpoint I/O.
package gadget

import (
	"bytes"
	"encoding/binary"

	"github.com/qdbridge/qdb/usb"
)

// FunctionFS descriptor magic numbers (linux/usb/functionfs.h).
const (
	descriptorsMagic uint32 = 1
	stringsMagic     uint32 = 2
)

// USB descriptor type constants.
const (
	descTypeInterface uint8 = 4
	descTypeEndpoint  uint8 = 5
)

// USB_ENDPOINT_XFER_BULK.
const endpointAttrBulk uint8 = 2

// Endpoint direction bit and addresses, matching the FunctionFS mount's
// ep1 (OUT) and ep2 (IN).
const (
	dirOut uint8 = 0x00
	dirIn  uint8 = 0x80

	outEndpointAddress uint8 = 1 | dirOut
	inEndpointAddress  uint8 = 2 | dirIn
)

const (
	fullSpeedMaxPacket uint16 = 64
	highSpeedMaxPacket uint16 = 512
)

const interfaceString = "QDB Interface"

// descsHead is usb_functionfs_descs_head, the legacy (v1) FunctionFS
// descriptor blob header: magic, total blob length, then full- and
// high-speed descriptor counts.
type descsHead struct {
	Magic   uint32
	Length  uint32
	FSCount uint32
	HSCount uint32
}

// interfaceDescriptor is usb_interface_descriptor.
type interfaceDescriptor struct {
	BLength            uint8
	BDescriptorType    uint8
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

// endpointDescriptor is usb_endpoint_descriptor_no_audio.
type endpointDescriptor struct {
	BLength          uint8
	BDescriptorType  uint8
	BEndpointAddress uint8
	BmAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

func makeInterfaceDescriptor() interfaceDescriptor {
	return interfaceDescriptor{
		BLength:            9,
		BDescriptorType:    descTypeInterface,
		BInterfaceNumber:   0,
		BAlternateSetting:  0,
		BNumEndpoints:      2,
		BInterfaceClass:    usb.InterfaceClass,
		BInterfaceSubClass: usb.InterfaceSubClass,
		BInterfaceProtocol: usb.InterfaceProtocol,
		IInterface:         1,
	}
}

func makeEndpointDescriptor(address uint8, maxPacketSize uint16) endpointDescriptor {
	return endpointDescriptor{
		BLength:          7,
		BDescriptorType:  descTypeEndpoint,
		BEndpointAddress: address,
		BmAttributes:     endpointAttrBulk,
		WMaxPacketSize:   maxPacketSize,
		BInterval:        0,
	}
}

// descriptorsBlob builds the full FunctionFS descriptors blob written to
// ep0: header, then the full-speed interface+endpoints, then the
// high-speed interface+endpoints. All multi-byte fields are little-endian.
func descriptorsBlob() []byte {
	const speedDescCount = 3 // interface + 2 endpoints, per speed

	fs := struct {
		Intf   interfaceDescriptor
		Source endpointDescriptor
		Sink   endpointDescriptor
	}{
		Intf:   makeInterfaceDescriptor(),
		Source: makeEndpointDescriptor(outEndpointAddress, fullSpeedMaxPacket),
		Sink:   makeEndpointDescriptor(inEndpointAddress, fullSpeedMaxPacket),
	}
	hs := struct {
		Intf   interfaceDescriptor
		Source endpointDescriptor
		Sink   endpointDescriptor
	}{
		Intf:   makeInterfaceDescriptor(),
		Source: makeEndpointDescriptor(outEndpointAddress, highSpeedMaxPacket),
		Sink:   makeEndpointDescriptor(inEndpointAddress, highSpeedMaxPacket),
	}

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, fs)
	binary.Write(&body, binary.LittleEndian, hs)

	head := descsHead{
		Magic:   descriptorsMagic,
		Length:  uint32(16 + body.Len()),
		FSCount: speedDescCount,
		HSCount: speedDescCount,
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, head)
	out.Write(body.Bytes())
	return out.Bytes()
}

// stringsHead is usb_functionfs_strings_head.
type stringsHead struct {
	Magic     uint32
	Length    uint32
	StrCount  uint32
	LangCount uint32
}

// stringsBlob builds the FunctionFS strings blob written to ep0: one
// language (US English), one null-terminated interface string.
func stringsBlob() []byte {
	const langID uint16 = 0x0409

	str := append([]byte(interfaceString), 0)

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, langID)
	body.Write(str)

	head := stringsHead{
		Magic:     stringsMagic,
		Length:    uint32(16 + body.Len()),
		StrCount:  1,
		LangCount: 1,
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, head)
	out.Write(body.Bytes())
	return out.Bytes()
}
