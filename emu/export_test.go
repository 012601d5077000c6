package emu

// Cursor exposes the partial-transfer cursor of IN endpoint ep.
func (d *Device) Cursor(ep uint8) int {
	e := d.inEP(ep)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// HoldIn locks IN endpoint ep until the returned func is called.
func (d *Device) HoldIn(ep uint8) (release func()) {
	e := d.inEP(ep)
	e.mu.Lock()
	return e.mu.Unlock
}
