package gadget

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestDescriptorsBlobHeader(t *testing.T) {
	blob := descriptorsBlob()
	if len(blob) < 16 {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}

	magic := binary.LittleEndian.Uint32(blob[0:4])
	length := binary.LittleEndian.Uint32(blob[4:8])
	fsCount := binary.LittleEndian.Uint32(blob[8:12])
	hsCount := binary.LittleEndian.Uint32(blob[12:16])

	if magic != descriptorsMagic {
		t.Errorf("magic = %#x, want %#x", magic, descriptorsMagic)
	}
	if int(length) != len(blob) {
		t.Errorf("length field = %d, want %d (actual blob size)", length, len(blob))
	}
	if fsCount != 3 {
		t.Errorf("fsCount = %d, want 3", fsCount)
	}
	if hsCount != 3 {
		t.Errorf("hsCount = %d, want 3", hsCount)
	}
}

func TestDescriptorsBlobInterfaceFields(t *testing.T) {
	blob := descriptorsBlob()
	// Full-speed interface descriptor starts right after the 16-byte
	// header.
	intf := blob[16 : 16+9]
	if intf[0] != 9 {
		t.Errorf("bLength = %d, want 9", intf[0])
	}
	if intf[1] != descTypeInterface {
		t.Errorf("bDescriptorType = %d, want %d", intf[1], descTypeInterface)
	}
	if intf[4] != 2 {
		t.Errorf("bNumEndpoints = %d, want 2", intf[4])
	}
	if intf[5] != 0xFF {
		t.Errorf("bInterfaceClass = %#x, want 0xFF", intf[5])
	}
	if intf[6] != 0x52 {
		t.Errorf("bInterfaceSubClass = %#x, want 0x52", intf[6])
	}
	if intf[7] != 0x01 {
		t.Errorf("bInterfaceProtocol = %#x, want 0x01", intf[7])
	}
	if intf[8] != 1 {
		t.Errorf("iInterface = %d, want 1", intf[8])
	}
}

func TestDescriptorsBlobEndpointAddressesAndPacketSizes(t *testing.T) {
	blob := descriptorsBlob()

	// Full-speed: header(16) + interface(9) = offset 25 for OUT endpoint,
	// +7 = offset 32 for IN endpoint.
	fsOut := blob[25 : 25+7]
	fsIn := blob[32 : 32+7]
	if fsOut[2] != outEndpointAddress {
		t.Errorf("fs OUT bEndpointAddress = %#x, want %#x", fsOut[2], outEndpointAddress)
	}
	if fsIn[2] != inEndpointAddress {
		t.Errorf("fs IN bEndpointAddress = %#x, want %#x", fsIn[2], inEndpointAddress)
	}
	if got := binary.LittleEndian.Uint16(fsOut[4:6]); got != fullSpeedMaxPacket {
		t.Errorf("fs OUT wMaxPacketSize = %d, want %d", got, fullSpeedMaxPacket)
	}

	// High-speed block starts at 16 + 23 = 39.
	hsOut := blob[39+9 : 39+9+7]
	if got := binary.LittleEndian.Uint16(hsOut[4:6]); got != highSpeedMaxPacket {
		t.Errorf("hs OUT wMaxPacketSize = %d, want %d", got, highSpeedMaxPacket)
	}
}

func TestStringsBlob(t *testing.T) {
	blob := stringsBlob()
	magic := binary.LittleEndian.Uint32(blob[0:4])
	length := binary.LittleEndian.Uint32(blob[4:8])
	strCount := binary.LittleEndian.Uint32(blob[8:12])
	langCount := binary.LittleEndian.Uint32(blob[12:16])

	if magic != stringsMagic {
		t.Errorf("magic = %#x, want %#x", magic, stringsMagic)
	}
	if int(length) != len(blob) {
		t.Errorf("length field = %d, want %d", length, len(blob))
	}
	if strCount != 1 || langCount != 1 {
		t.Errorf("strCount=%d langCount=%d, want 1,1", strCount, langCount)
	}

	langID := binary.LittleEndian.Uint16(blob[16:18])
	if langID != 0x0409 {
		t.Errorf("langID = %#x, want 0x0409", langID)
	}

	wantStr := append([]byte(interfaceString), 0)
	gotStr := blob[18:]
	if !bytes.Equal(gotStr, wantStr) {
		t.Errorf("string bytes = %q, want %q", gotStr, wantStr)
	}
}
