package usb

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Alia5/vkey/usb"
	"github.com/Alia5/vkey/usbip"
	"github.com/Alia5/vkey/virtualbus"
)

// USB standard request codes
const (
	usbReqGetStatus        = 0x00
	usbReqClearFeature     = 0x01
	usbReqSetFeature       = 0x03
	usbReqSetAddress       = 0x05
	usbReqGetDescriptor    = 0x06
	usbReqGetConfiguration = 0x08
	usbReqSetConfiguration = 0x09
	usbReqGetInterface     = 0x0a
	usbReqSetInterface     = 0x0b
)

// langIDEnglishUS is the only language reported in string descriptor 0.
const langIDEnglishUS = 0x0409

// urb is one CMD_SUBMIT travelling through the bus loop.
type urb struct {
	seq    uint32
	key    epKey
	setup  usb.SetupPacket
	packet usb.Packet
}

// epKey identifies a queue of NAKed URBs. Control URBs share one queue
// regardless of direction.
type epKey struct {
	ep  uint8
	dir uint32
}

type inbound struct {
	cmd     usbip.Cmd
	payload []byte
}

// handleUrbStream is the bus goroutine for one imported device. A reader
// goroutine decodes commands; this loop answers them. URBs the device NAKs
// stay queued per endpoint and are retried every NakRetryInterval. A URB
// never overtakes an earlier one on the same endpoint.
func (s *Server) handleUrbStream(conn net.Conn, m virtualbus.DeviceMeta) error {
	_ = conn.SetDeadline(time.Time{})

	dev := m.Dev
	ctx := s.deviceContext(dev)
	if ctx == nil {
		return fmt.Errorf("device does not belong to any bus")
	}

	dev.HandleReset()

	cmds := make(chan inbound)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go s.readCommands(conn, cmds, readErr, done)

	ticker := time.NewTicker(s.config.NakRetryInterval)
	defer ticker.Stop()

	pending := make(map[epKey][]*urb)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("device removed, closing URB stream", "busid", m.Meta.BusIDString())
			return nil
		case err := <-readErr:
			return err
		case in := <-cmds:
			if in.cmd.Unlink != nil {
				if err := s.unlink(conn, pending, in.cmd.Unlink); err != nil {
					return err
				}
				continue
			}
			u := newURB(in.cmd.Submit, in.payload)
			if len(pending[u.key]) > 0 {
				pending[u.key] = append(pending[u.key], u)
				continue
			}
			completed, err := s.attempt(conn, dev, u)
			if err != nil {
				return err
			}
			if !completed {
				pending[u.key] = append(pending[u.key], u)
			}
		case <-ticker.C:
			if err := s.retryPending(ctx, conn, dev, pending); err != nil {
				return err
			}
		}
	}
}

func (s *Server) readCommands(conn net.Conn, cmds chan<- inbound, readErr chan<- error, done <-chan struct{}) {
	for {
		cmd, err := usbip.ReadCmd(conn)
		if err != nil {
			readErr <- fmt.Errorf("read URB header: %w", err)
			return
		}
		var payload []byte
		if sub := cmd.Submit; sub != nil && sub.Basic.Dir == usbip.DirOut && sub.TransferBufferLen > 0 {
			payload = make([]byte, sub.TransferBufferLen)
			if err := usbip.ReadExactly(conn, payload); err != nil {
				readErr <- fmt.Errorf("read OUT payload: %w", err)
				return
			}
		}
		select {
		case cmds <- inbound{cmd: cmd, payload: payload}:
		case <-done:
			return
		}
	}
}

func newURB(c *usbip.CmdSubmit, payload []byte) *urb {
	u := &urb{
		seq:   c.Basic.Seqnum,
		key:   epKey{ep: uint8(c.Basic.Ep & 0x0f), dir: c.Basic.Dir},
		setup: usb.ParseSetup(c.Setup),
		packet: usb.Packet{
			Ep:  uint8(c.Basic.Ep & 0x0f),
			Dir: c.Basic.Dir,
		},
	}
	if u.key.ep == 0 {
		u.key.dir = usbip.DirOut
	}
	if c.Basic.Dir == usbip.DirIn {
		u.packet.Data = make([]byte, c.TransferBufferLen)
	} else {
		u.packet.Data = payload
	}
	return u
}

func (s *Server) retryPending(ctx context.Context, conn net.Conn, dev usb.Device, pending map[epKey][]*urb) error {
	for key, q := range pending {
		for len(q) > 0 {
			if ctx.Err() != nil {
				return nil
			}
			q[0].packet.Reset()
			completed, err := s.attempt(conn, dev, q[0])
			if err != nil {
				return err
			}
			if !completed {
				break
			}
			q = q[1:]
		}
		if len(q) == 0 {
			delete(pending, key)
		} else {
			pending[key] = q
		}
	}
	return nil
}

// attempt submits u to the device once. It reports false when the device
// NAKed and u must be retried.
func (s *Server) attempt(conn net.Conn, dev usb.Device, u *urb) (bool, error) {
	p := &u.packet
	if p.Ep == 0 {
		if reply, status, ok := standardRequest(dev.GetDescriptor(), u.setup); ok {
			p.Status = status
			if status == usb.StatusOK && p.IsIn() {
				p.Actual = copy(p.Data, reply)
			}
		} else {
			dev.HandleControl(p, u.setup)
		}
	} else {
		dev.HandleData(p)
	}

	if p.Status == usb.StatusNAK {
		return false, nil
	}
	return true, s.writeRetSubmit(conn, u)
}

func (s *Server) writeRetSubmit(conn net.Conn, u *urb) error {
	p := &u.packet
	status := usbip.StatusOK
	if p.Status == usb.StatusStall {
		status = usbip.StatusEPIPE
		p.Actual = 0
		s.logger.Debug("URB stalled", "seq", u.seq, "ep", p.Ep, "setup", u.setup)
	}
	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: u.seq},
		Status:       status,
		ActualLength: uint32(p.Actual),
	}
	var out bytes.Buffer
	if err := ret.Write(&out); err != nil {
		return fmt.Errorf("build RET_SUBMIT header: %w", err)
	}
	if p.IsIn() && p.Actual > 0 {
		out.Write(p.Data[:p.Actual])
	}
	if _, err := conn.Write(out.Bytes()); err != nil {
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	return nil
}

// unlink drops a queued URB. A URB that already completed cannot be
// recalled; the host gets status 0 and keeps the RET_SUBMIT it received.
func (s *Server) unlink(conn net.Conn, pending map[epKey][]*urb, c *usbip.CmdUnlink) error {
	status := usbip.StatusOK
	for key, q := range pending {
		for i, u := range q {
			if u.seq != c.UnlinkSeqnum {
				continue
			}
			q = append(q[:i:i], q[i+1:]...)
			if len(q) == 0 {
				delete(pending, key)
			} else {
				pending[key] = q
			}
			status = usbip.StatusECONNRESET
			break
		}
		if status != usbip.StatusOK {
			break
		}
	}
	s.logger.Debug("USBIP_CMD_UNLINK", "seq", c.Basic.Seqnum, "unlink", c.UnlinkSeqnum, "status", status)

	ret := usbip.RetUnlink{
		Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: c.Basic.Seqnum},
		Status: status,
	}
	if err := ret.Write(conn); err != nil {
		return fmt.Errorf("write RET_UNLINK: %w", err)
	}
	return nil
}

// standardRequest answers USB standard requests from the descriptor. It
// reports ok=false for class and vendor requests, which belong to the
// device.
func standardRequest(desc *usb.Descriptor, setup usb.SetupPacket) ([]byte, usb.Status, bool) {
	if !setup.IsStandard() {
		return nil, usb.StatusOK, false
	}
	switch setup.Request {
	case usbReqSetAddress, usbReqSetConfiguration, usbReqSetInterface,
		usbReqClearFeature, usbReqSetFeature:
		return nil, usb.StatusOK, true
	case usbReqGetConfiguration:
		return []byte{usb.ConfigValueDefault}, usb.StatusOK, true
	case usbReqGetInterface:
		return []byte{0}, usb.StatusOK, true
	case usbReqGetStatus:
		return []byte{0, 0}, usb.StatusOK, true
	case usbReqGetDescriptor:
		data := descriptorFor(desc, uint8(setup.Value>>8), uint8(setup.Value))
		if data == nil {
			return nil, usb.StatusStall, true
		}
		return data, usb.StatusOK, true
	}
	return nil, usb.StatusStall, true
}

func descriptorFor(desc *usb.Descriptor, dtype, index uint8) []byte {
	switch dtype {
	case usb.DeviceDescType:
		return desc.Bytes()
	case usb.ConfigDescType:
		return desc.ConfigBytes()
	case usb.StringDescType:
		if index == 0 {
			return []byte{4, usb.StringDescType, langIDEnglishUS & 0xff, langIDEnglishUS >> 8}
		}
		if s, ok := desc.Strings[index]; ok {
			return usb.EncodeStringDescriptor(s)
		}
	}
	return nil
}
