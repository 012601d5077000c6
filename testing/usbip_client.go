// Package testing provides a USB-IP client and server harness for
// end-to-end tests.
package testing

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Alia5/vkey/usb"
	"github.com/Alia5/vkey/usbip"
)

const defaultTimeout = 2 * time.Second

type TestUsbIpClient struct {
	address string

	mu       sync.Mutex
	seq      uint32
	inflight map[uint32]uint32 // seq -> dir of submits awaiting a reply
}

type Device struct {
	Path       string
	BusID      string
	BusNum     uint32
	DeviceNum  uint32
	Speed      uint32
	IDVendor   uint16
	IDProduct  uint16
	BcdDevice  uint16
	Class      uint8
	SubClass   uint8
	Protocol   uint8
	ConfigVal  uint8
	NumConfigs uint8
	NumIfaces  uint8
	Interfaces []usbip.InterfaceDesc
}

type ImportResult struct {
	Conn     net.Conn
	Exported Device
}

// Reply is a decoded RET_SUBMIT or RET_UNLINK.
type Reply struct {
	Command uint32
	Seq     uint32
	Status  int32
	Data    []byte
}

func NewUsbIpClient(t testing.TB, addr string) *TestUsbIpClient {
	t.Helper()

	return &TestUsbIpClient{
		address:  addr,
		inflight: make(map[uint32]uint32),
	}
}

func (c *TestUsbIpClient) nextSeq(dir uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.inflight[c.seq] = dir
	return c.seq
}

func (c *TestUsbIpClient) takeDir(seq uint32) (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dir, ok := c.inflight[seq]
	delete(c.inflight, seq)
	return dir, ok
}

func (c *TestUsbIpClient) ListDevices() ([]Device, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}

	var hdr [12]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return nil, err
	}
	if err := checkMgmtReply(hdr[:8], usbip.OpRepDevlist); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[8:12])
	devices := make([]Device, 0, n)
	for i := uint32(0); i < n; i++ {
		dev, err := readExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	return devices, nil
}

func (c *TestUsbIpClient) AttachDevice(busID string) (*ImportResult, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))

	var req bytes.Buffer
	_ = (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(&req)
	var bus [usbip.BusIDSize]byte
	copy(bus[:], busID)
	req.Write(bus[:])
	if _, err := conn.Write(req.Bytes()); err != nil {
		conn.Close()
		return nil, err
	}

	var hdr [usbip.MgmtHeaderSize]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		conn.Close()
		return nil, err
	}
	if err := checkMgmtReply(hdr[:], usbip.OpRepImport); err != nil {
		conn.Close()
		return nil, err
	}

	dev, err := readExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &ImportResult{Conn: conn, Exported: dev}, nil
}

func checkMgmtReply(hdr []byte, want uint16) error {
	if v := binary.BigEndian.Uint16(hdr[0:2]); v != usbip.Version {
		return fmt.Errorf("unexpected usbip version %x", v)
	}
	if cmd := binary.BigEndian.Uint16(hdr[2:4]); cmd != want {
		return fmt.Errorf("unexpected reply command %x", cmd)
	}
	if st := binary.BigEndian.Uint32(hdr[4:8]); st != 0 {
		return fmt.Errorf("reply status %d", st)
	}
	return nil
}

func readExportedDevice(r io.Reader, readIfaces bool) (Device, error) {
	var base [312]byte
	if err := usbip.ReadExactly(r, base[:]); err != nil {
		return Device{}, err
	}

	cstr := func(b []byte) string {
		if end := bytes.IndexByte(b, 0); end >= 0 {
			return string(b[:end])
		}
		return string(b)
	}

	dev := Device{
		Path:       cstr(base[0:256]),
		BusID:      cstr(base[256:288]),
		BusNum:     binary.BigEndian.Uint32(base[288:292]),
		DeviceNum:  binary.BigEndian.Uint32(base[292:296]),
		Speed:      binary.BigEndian.Uint32(base[296:300]),
		IDVendor:   binary.BigEndian.Uint16(base[300:302]),
		IDProduct:  binary.BigEndian.Uint16(base[302:304]),
		BcdDevice:  binary.BigEndian.Uint16(base[304:306]),
		Class:      base[306],
		SubClass:   base[307],
		Protocol:   base[308],
		ConfigVal:  base[309],
		NumConfigs: base[310],
		NumIfaces:  base[311],
	}

	if readIfaces && dev.NumIfaces > 0 {
		ifaceBuf := make([]byte, int(dev.NumIfaces)*4)
		if err := usbip.ReadExactly(r, ifaceBuf); err != nil {
			return Device{}, err
		}
		for i := 0; i < int(dev.NumIfaces); i++ {
			o := i * 4
			dev.Interfaces = append(dev.Interfaces, usbip.InterfaceDesc{
				Class:    ifaceBuf[o],
				SubClass: ifaceBuf[o+1],
				Protocol: ifaceBuf[o+2],
			})
		}
	}
	return dev, nil
}

// Send writes a CMD_SUBMIT without waiting for the reply. For IN submits
// inLen is the transfer buffer length; for OUT submits the payload length
// is used.
func (c *TestUsbIpClient) Send(conn net.Conn, dir uint32, ep uint32, out []byte, inLen int, setup [8]byte) (uint32, error) {
	if conn == nil {
		return 0, io.ErrUnexpectedEOF
	}
	seq := c.nextSeq(dir)

	bufLen := uint32(len(out))
	if dir == usbip.DirIn {
		bufLen = uint32(inLen)
	}
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Dir: dir, Ep: ep},
		TransferBufferLen: bufLen,
		Setup:             setup,
	}
	var buf bytes.Buffer
	_ = cmd.Write(&buf)
	if dir == usbip.DirOut {
		buf.Write(out)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return seq, nil
}

// Unlink asks the server to cancel the submit with sequence number target.
func (c *TestUsbIpClient) Unlink(conn net.Conn, target uint32) (uint32, error) {
	seq := c.nextSeq(usbip.DirOut)
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: seq},
		UnlinkSeqnum: target,
	}
	if err := cmd.Write(conn); err != nil {
		return 0, err
	}
	return seq, nil
}

// ReadReply reads the next RET_SUBMIT or RET_UNLINK.
func (c *TestUsbIpClient) ReadReply(conn net.Conn, timeout time.Duration) (Reply, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	basic, status, actual, err := usbip.ReadRet(conn)
	if err != nil {
		return Reply{}, err
	}
	r := Reply{Command: basic.Command, Seq: basic.Seqnum, Status: status}
	dir, ok := c.takeDir(basic.Seqnum)
	if !ok {
		return r, fmt.Errorf("reply for unknown seq %d", basic.Seqnum)
	}
	if basic.Command == usbip.RetSubmitCode && dir == usbip.DirIn && actual > 0 {
		r.Data = make([]byte, actual)
		if err := usbip.ReadExactly(conn, r.Data); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Submit sends one CMD_SUBMIT and waits for its RET_SUBMIT.
func (c *TestUsbIpClient) Submit(conn net.Conn, dir uint32, ep uint32, out []byte, inLen int, setup [8]byte) (Reply, error) {
	seq, err := c.Send(conn, dir, ep, out, inLen, setup)
	if err != nil {
		return Reply{}, err
	}
	r, err := c.ReadReply(conn, defaultTimeout)
	if err != nil {
		return r, err
	}
	if r.Seq != seq {
		return r, fmt.Errorf("reply seq %d, want %d", r.Seq, seq)
	}
	return r, nil
}

// Control runs a control transfer on EP0.
func (c *TestUsbIpClient) Control(conn net.Conn, setup usb.SetupPacket, out []byte) (Reply, error) {
	dir := uint32(usbip.DirOut)
	if setup.IsIn() {
		dir = usbip.DirIn
	}
	return c.Submit(conn, dir, 0, out, int(setup.Length), setup.Bytes())
}
