package emu

import "fmt"

func (d *Device) inEP(ep uint8) *inEndpoint {
	n := ep &^ epDirIn
	if int(n) >= NumEndpoints {
		panic(fmt.Sprintf("emu: IN endpoint 0x%02x out of range", ep))
	}
	return &d.in[n]
}

func (d *Device) outEP(ep uint8) *outEndpoint {
	if ep&epDirIn != 0 || int(ep) >= NumEndpoints {
		panic(fmt.Sprintf("emu: OUT endpoint 0x%02x out of range", ep))
	}
	return &d.out[ep]
}

// StageIn implements Core.
func (d *Device) StageIn(ep uint8, data []byte) {
	e := d.inEP(ep)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stage(data)
}

// Stall implements Core.
func (d *Device) Stall(ep uint8) {
	e := d.inEP(ep)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stall()
}

// RegisterOutSink implements Core.
func (d *Device) RegisterOutSink(ep uint8, sink []byte) {
	e := d.outEP(ep)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
	e.registered = sink != nil
	e.size = 0
}

// OutSize implements Core.
func (d *Device) OutSize(ep uint8) int {
	e := d.outEP(ep)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// InStatus implements Core.
func (d *Device) InStatus(ep uint8) Status {
	e := d.inEP(ep)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}
