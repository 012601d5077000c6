package emu

import (
	"fmt"
	"sync"

	"github.com/Alia5/vkey/usb"
)

const (
	// NumEndpoints is the number of endpoint indices a device exposes
	// (control, interrupt, bulk). IN and OUT share an index.
	NumEndpoints = 3
	// InBufferSize is the largest payload a backend may stage on an IN
	// endpoint in one StageIn call.
	InBufferSize = 1024

	epDirIn = 0x80
)

// Status is the state of an IN endpoint.
type Status int

const (
	// StatusWaiting means nothing is staged; the host is NAKed.
	StatusWaiting Status = iota
	// StatusReady means a payload is staged and (partially) undelivered.
	StatusReady
	// StatusStalled means the next IN transaction reports a stall.
	StatusStalled
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusReady:
		return "ready"
	case StatusStalled:
		return "stalled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// inEndpoint is the device->host side of one endpoint index.
// All fields are guarded by mu.
type inEndpoint struct {
	mu     sync.Mutex
	buf    [InBufferSize]byte
	size   int
	cursor int
	status Status
}

func (e *inEndpoint) reset() {
	e.status = StatusWaiting
	e.size = 0
	e.cursor = 0
}

// stage replaces any undelivered payload with data.
func (e *inEndpoint) stage(data []byte) {
	if len(data) > InBufferSize {
		panic(fmt.Sprintf("emu: staged %d bytes exceeds IN buffer capacity %d", len(data), InBufferSize))
	}
	e.size = copy(e.buf[:], data)
	e.cursor = 0
	e.status = StatusReady
}

func (e *inEndpoint) stall() {
	e.size = 0
	e.cursor = 0
	e.status = StatusStalled
}

// deliver answers one IN transaction. A payload larger than the
// transaction capacity stays Ready with the cursor advanced until the last
// byte went out.
func (e *inEndpoint) deliver(p *usb.Packet) {
	switch e.status {
	case StatusWaiting:
		p.Status = usb.StatusNAK
		return
	case StatusStalled:
		p.Status = usb.StatusStall
		p.Actual = 0
		e.reset()
		return
	}

	n := copy(p.Data, e.buf[e.cursor:e.size])
	p.Actual = n
	p.Status = usb.StatusOK
	e.cursor += n
	if e.cursor == e.size {
		e.reset()
	}
}

// outEndpoint is the host->device side of one endpoint index.
// All fields are guarded by mu.
type outEndpoint struct {
	mu         sync.Mutex
	sink       []byte
	registered bool
	size       int
}

// accept copies data into the registered sink. It reports false, leaving
// the sink and size untouched, when no sink is registered or data does not
// fit.
func (e *outEndpoint) accept(data []byte) bool {
	if !e.registered || len(data) > len(e.sink) {
		return false
	}
	e.size = copy(e.sink, data)
	return true
}
