package emu

import "github.com/Alia5/vkey/usb"

// Backend is a device-logic engine driven by a Device.
//
// Endpoint arguments are endpoint numbers (0..NumEndpoints-1) without the
// direction bit.
//
// OnReset, OnSetup and OnOutData run on the bus goroutine while the Device
// holds its wake mutex. They must only record what happened and return;
// the real work belongs in ProcessIteration, which the worker goroutine
// calls once per wake. OnInDataRequest also runs on the worker goroutine.
// Backend state shared between the two goroutines needs its own locking.
type Backend interface {
	// Init receives the Core handle. A non-nil error aborts device
	// construction before the worker starts.
	Init(core Core) error
	// Descriptor returns the static descriptors the bus enumerates.
	Descriptor() *usb.Descriptor

	OnReset()
	OnSetup(setup usb.SetupPacket)
	// OnOutData reports an OUT payload. For the control endpoint data is
	// the data stage itself (valid only for the duration of the call); for
	// other endpoints data is nil and the payload already sits in the
	// registered sink, OutSize bytes long.
	OnOutData(ep uint8, data []byte)

	// OnInDataRequest asks for a payload on an idle IN endpoint. The
	// backend stages it with StageIn, marks a stall, or does nothing to
	// keep the host NAKed.
	OnInDataRequest(ep uint8)
	// ProcessIteration runs one unit of backend progress.
	ProcessIteration()
}

// Core is the handle a Backend uses to reach its endpoints. Every method
// is safe to call from either goroutine, including from inside Backend
// callbacks.
type Core interface {
	// StageIn copies data to IN endpoint ep and marks it Ready. Any
	// undelivered payload on ep is replaced. Panics if data exceeds
	// InBufferSize.
	StageIn(ep uint8, data []byte)
	// Stall makes the next IN transaction on ep report a stall.
	Stall(ep uint8)
	// RegisterOutSink sets where the next OUT payload on ep lands;
	// len(sink) is the accepted capacity. A nil sink withdraws the
	// registration and OUT transactions on ep are NAKed until the next one.
	RegisterOutSink(ep uint8, sink []byte)
	// OutSize returns the size of the last payload copied into ep's sink.
	OutSize(ep uint8) int
	// InStatus samples the state of IN endpoint ep.
	InStatus(ep uint8) Status
}
