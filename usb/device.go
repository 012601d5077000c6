package usb

// Device is the interface the USB-IP server dispatches transactions to.
// Standard enumeration requests on EP0 are answered by the server from
// GetDescriptor; everything else reaches the device.
//
// All Handle* methods are called from a single bus goroutine per attached
// connection and must not block beyond short critical sections. A device
// that cannot complete a packet yet sets Status to StatusNAK and the bus
// retries the same packet later with Retry set.
type Device interface {
	// HandleReset is invoked on a bus reset (device import).
	HandleReset()
	// HandleControl processes a class or vendor request on EP0.
	HandleControl(p *Packet, setup SetupPacket)
	// HandleData processes an interrupt or bulk transaction on p.Ep.
	HandleData(p *Packet)
	GetDescriptor() *Descriptor
}
