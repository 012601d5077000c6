package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/Alia5/vkey/usbip"
)

// Status is the outcome of a single bus transaction.
type Status int

const (
	// StatusOK completes the transaction with Actual bytes.
	StatusOK Status = iota
	// StatusNAK defers the transaction; the bus retries it.
	StatusNAK
	// StatusStall reports a protocol stall for this transaction.
	StatusStall
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNAK:
		return "nak"
	case StatusStall:
		return "stall"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Packet is one transaction between the bus and a device.
//
// For OUT transactions Data holds the host payload. For IN transactions
// Data is the transfer buffer; its length is the transaction capacity and
// the device fills Data[:Actual].
type Packet struct {
	Ep     uint8  // endpoint number without direction bit
	Dir    uint32 // usbip.DirIn or usbip.DirOut
	Data   []byte
	Actual int
	Status Status
	// Retry is set when the bus re-submits a packet previously answered
	// with StatusNAK.
	Retry bool
}

// IsIn reports whether the packet moves data device->host.
func (p *Packet) IsIn() bool { return p.Dir == usbip.DirIn }

// Reset prepares a NAKed packet for another attempt.
func (p *Packet) Reset() {
	p.Actual = 0
	p.Status = StatusOK
	p.Retry = true
}

// Request type bits of bmRequestType.
const (
	RequestDirIn         = 0x80
	RequestTypeMask      = 0x60
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeVendor    = 0x40
	RequestRecipientMask = 0x1f
)

// SetupPacket is the 8-byte setup stage of a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes a raw setup stage.
func ParseSetup(b [8]byte) SetupPacket {
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}
}

// Bytes encodes the setup stage.
func (s SetupPacket) Bytes() [8]byte {
	var b [8]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// IsIn reports whether the data stage is device->host.
func (s SetupPacket) IsIn() bool { return s.RequestType&RequestDirIn != 0 }

// IsStandard reports whether the request is a USB standard request.
func (s SetupPacket) IsStandard() bool {
	return s.RequestType&RequestTypeMask == RequestTypeStandard
}

func (s SetupPacket) String() string {
	return fmt.Sprintf("setup{type=0x%02x req=0x%02x value=0x%04x index=%d length=%d}",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
