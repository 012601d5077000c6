package emu

import (
	"context"

	"github.com/Alia5/vkey/internal/log"
	"github.com/Alia5/vkey/usb"
)

// HandleReset implements usb.Device. Every IN endpoint returns to Waiting
// and any partially delivered payload is dropped. The backend hears about
// the reset first, so anything the worker staged before OnReset returned is
// wiped as well; IN requests the worker already picked up are not served.
func (d *Device) HandleReset() {
	d.notify(func() {
		d.inRequests = 0
		d.resets++
		d.backend.OnReset()
	})
	for i := range d.in {
		d.resetIn(uint8(i))
	}
	d.logger.Debug("bus reset")
}

func (d *Device) resetIn(n uint8) {
	e := &d.in[n]
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

// HandleControl implements usb.Device for class and vendor requests on
// EP0. It never waits for the worker: an IN request is NAKed until the
// backend staged its answer.
func (d *Device) HandleControl(p *usb.Packet, setup usb.SetupPacket) {
	defer d.trace(p, setup)

	if !p.Retry {
		// A new setup restarts the control pipe; an answer staged for an
		// abandoned transfer must not be read as this one's.
		d.resetIn(0)
		if !d.notify(func() { d.backend.OnSetup(setup) }) {
			p.Status = usb.StatusStall
			return
		}
	}

	if !setup.IsIn() {
		d.receiveControl(p)
		return
	}
	d.transmit(0, p)
}

// HandleData implements usb.Device for interrupt and bulk transactions.
func (d *Device) HandleData(p *usb.Packet) {
	defer d.trace(p, nil)

	if p.Ep == 0 || int(p.Ep) >= NumEndpoints {
		p.Status = usb.StatusStall
		return
	}
	if p.IsIn() {
		d.transmitData(p.Ep, p)
		return
	}
	d.receiveData(p.Ep, p)
}

func (d *Device) receiveControl(p *usb.Packet) {
	e := &d.out[0]
	e.mu.Lock()
	if e.registered && !e.accept(p.Data) {
		e.mu.Unlock()
		p.Status = usb.StatusNAK
		return
	}
	e.mu.Unlock()

	data := p.Data
	if !d.notify(func() { d.backend.OnOutData(0, data) }) {
		p.Status = usb.StatusStall
		return
	}
	p.Actual = len(p.Data)
	p.Status = usb.StatusOK
}

func (d *Device) receiveData(n uint8, p *usb.Packet) {
	e := &d.out[n]
	e.mu.Lock()
	ok := e.accept(p.Data)
	e.mu.Unlock()
	if !ok {
		p.Status = usb.StatusNAK
		return
	}

	if !d.notify(func() { d.backend.OnOutData(n, nil) }) {
		p.Status = usb.StatusStall
		return
	}
	p.Actual = len(p.Data)
	p.Status = usb.StatusOK
}

func (d *Device) transmitData(n uint8, p *usb.Packet) {
	e := &d.in[n]
	e.mu.Lock()
	idle := e.cursor == 0 && e.status == StatusWaiting
	e.mu.Unlock()

	if idle && !d.requestIn(n) {
		p.Status = usb.StatusStall
		return
	}
	d.transmit(n, p)
}

func (d *Device) transmit(n uint8, p *usb.Packet) {
	e := &d.in[n]
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliver(p)
}

func (d *Device) trace(p *usb.Packet, setup any) {
	if p.Status == usb.StatusOK {
		return
	}
	attrs := []any{"ep", p.Ep, "in", p.IsIn(), "status", p.Status, "retry", p.Retry}
	if setup != nil {
		attrs = append(attrs, "setup", setup)
	}
	d.logger.Log(context.Background(), log.LevelTrace, "transaction not completed", attrs...)
}
