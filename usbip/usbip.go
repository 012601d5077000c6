// Package usbip implements the USB-IP wire format used between the host's
// vhci driver and the emulated device server.
package usbip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// URB completion status values (negated Linux errno).
const (
	StatusOK          int32 = 0
	StatusEPIPE       int32 = -32  // endpoint stalled
	StatusECONNRESET  int32 = -104 // URB unlinked
	StatusESHUTDOWN   int32 = -108
	StatusEINPROGRESS int32 = -115
)

// Sizes of fixed wire structures.
const (
	MgmtHeaderSize = 8
	BusIDSize      = 32
	CmdHeaderSize  = 0x30
	SetupSize      = 8
)

var ErrShortRead = errors.New("usbip: short read")

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [MgmtHeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

// ExportMeta carries USB-IP bus identity for an emulated device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [BusIDSize]byte
	BusId    uint32
	DevId    uint32
}

// BusIDString returns the "bus-dev" identifier without NUL padding.
func (m *ExportMeta) BusIDString() string {
	end := bytes.IndexByte(m.USBBusId[:], 0)
	if end < 0 {
		end = len(m.USBBusId)
	}
	return string(m.USBBusId[:end])
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) writeBase(w io.Writer) error {
	var buf bytes.Buffer
	buf.Write(d.Path[:])
	buf.Write(d.USBBusId[:])
	_ = binary.Write(&buf, binary.BigEndian, d.BusId)
	_ = binary.Write(&buf, binary.BigEndian, d.DevId)
	_ = binary.Write(&buf, binary.BigEndian, d.Speed)
	_ = binary.Write(&buf, binary.BigEndian, d.IDVendor)
	_ = binary.Write(&buf, binary.BigEndian, d.IDProduct)
	_ = binary.Write(&buf, binary.BigEndian, d.BcdDevice)
	buf.Write([]byte{
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	})
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeBase(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeBase(w)
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h HeaderBasic) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Command)
	binary.BigEndian.PutUint32(b[4:8], h.Seqnum)
	binary.BigEndian.PutUint32(b[8:12], h.Devid)
	binary.BigEndian.PutUint32(b[12:16], h.Dir)
	binary.BigEndian.PutUint32(b[16:20], h.Ep)
}

func parseHeaderBasic(b []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(b[0:4]),
		Seqnum:  binary.BigEndian.Uint32(b[4:8]),
		Devid:   binary.BigEndian.Uint32(b[8:12]),
		Dir:     binary.BigEndian.Uint32(b[12:16]),
		Ep:      binary.BigEndian.Uint32(b[16:20]),
	}
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [SetupSize]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	var b [CmdHeaderSize]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.TransferFlags)
	binary.BigEndian.PutUint32(b[24:28], c.TransferBufferLen)
	binary.BigEndian.PutUint32(b[28:32], c.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], c.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], c.Interval)
	copy(b[40:48], c.Setup[:])
	_, err := w.Write(b[:])
	return err
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	var b [CmdHeaderSize]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	binary.BigEndian.PutUint32(b[24:28], r.ActualLength)
	binary.BigEndian.PutUint32(b[28:32], r.StartFrame)
	binary.BigEndian.PutUint32(b[32:36], r.NumberOfPackets)
	binary.BigEndian.PutUint32(b[36:40], r.ErrorCount)
	copy(b[40:48], r.Padding[:])
	_, err := w.Write(b[:])
	return err
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	var b [CmdHeaderSize]byte
	c.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], c.UnlinkSeqnum)
	copy(b[24:48], c.Padding[:])
	_, err := w.Write(b[:])
	return err
}

func (r *RetUnlink) Write(w io.Writer) error {
	var b [CmdHeaderSize]byte
	r.Basic.put(b[:])
	binary.BigEndian.PutUint32(b[20:24], uint32(r.Status))
	copy(b[24:48], r.Padding[:])
	_, err := w.Write(b[:])
	return err
}

// Cmd is a decoded client command: either a CMD_SUBMIT (Submit set) or a
// CMD_UNLINK (Unlink set).
type Cmd struct {
	Submit *CmdSubmit
	Unlink *CmdUnlink
}

// ReadCmd reads one URB command header from r. For OUT submits the transfer
// payload is not consumed; callers read TransferBufferLen bytes next.
func ReadCmd(r io.Reader) (Cmd, error) {
	var b [CmdHeaderSize]byte
	if err := ReadExactly(r, b[:]); err != nil {
		return Cmd{}, err
	}
	basic := parseHeaderBasic(b[:])
	switch basic.Command {
	case CmdSubmitCode:
		c := &CmdSubmit{
			Basic:             basic,
			TransferFlags:     binary.BigEndian.Uint32(b[20:24]),
			TransferBufferLen: binary.BigEndian.Uint32(b[24:28]),
			StartFrame:        binary.BigEndian.Uint32(b[28:32]),
			NumberOfPackets:   binary.BigEndian.Uint32(b[32:36]),
			Interval:          binary.BigEndian.Uint32(b[36:40]),
		}
		copy(c.Setup[:], b[40:48])
		return Cmd{Submit: c}, nil
	case CmdUnlinkCode:
		return Cmd{Unlink: &CmdUnlink{
			Basic:        basic,
			UnlinkSeqnum: binary.BigEndian.Uint32(b[20:24]),
		}}, nil
	default:
		return Cmd{}, fmt.Errorf("unsupported cmd %d (seq=%d, devid=%d)", basic.Command, basic.Seqnum, basic.Devid)
	}
}

// ReadRet reads a RET_SUBMIT or RET_UNLINK header and returns the basic
// header, the status and (for RET_SUBMIT) the actual length.
func ReadRet(r io.Reader) (HeaderBasic, int32, uint32, error) {
	var b [CmdHeaderSize]byte
	if err := ReadExactly(r, b[:]); err != nil {
		return HeaderBasic{}, 0, 0, err
	}
	basic := parseHeaderBasic(b[:])
	status := int32(binary.BigEndian.Uint32(b[20:24]))
	switch basic.Command {
	case RetSubmitCode:
		return basic, status, binary.BigEndian.Uint32(b[24:28]), nil
	case RetUnlinkCode:
		return basic, status, 0, nil
	default:
		return basic, 0, 0, fmt.Errorf("unexpected ret cmd %x", basic.Command)
	}
}

func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrShortRead, err)
	}
	return err
}
