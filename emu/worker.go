package emu

// taskState is the lifecycle of the worker goroutine.
type taskState int

const (
	taskRunning taskState = iota
	taskStopping
)

// run is the worker loop. Each wake runs one backend iteration and then
// serves the IN endpoints that asked for a payload since the last wake.
func (d *Device) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for !d.pending && d.state == taskRunning {
			d.cond.Wait()
		}
		if d.state != taskRunning {
			d.mu.Unlock()
			return
		}
		d.pending = false
		requests := d.inRequests
		d.inRequests = 0
		resets := d.resets
		d.mu.Unlock()

		d.backend.ProcessIteration()

		for n := uint8(0); n < NumEndpoints; n++ {
			if requests&(1<<n) == 0 {
				continue
			}
			// Requests from before a bus reset are void.
			if d.resetSince(resets) {
				break
			}
			// Someone staged or stalled in the meantime; don't clobber it.
			if d.InStatus(n) != StatusWaiting {
				continue
			}
			d.backend.OnInDataRequest(n)
		}
	}
}

func (d *Device) resetSince(resets uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets != resets
}

// wakeLocked marks work pending and signals the worker. d.mu must be held.
func (d *Device) wakeLocked() {
	d.pending = true
	d.cond.Signal()
}

// notify runs fn under the wake mutex and wakes the worker. It reports
// false without running fn once the device is stopping.
func (d *Device) notify(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != taskRunning {
		return false
	}
	fn()
	d.wakeLocked()
	return true
}

// requestIn queues a payload request for IN endpoint n.
func (d *Device) requestIn(n uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != taskRunning {
		return false
	}
	d.inRequests |= 1 << n
	d.wakeLocked()
	return true
}

func (d *Device) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = taskStopping
	d.cond.Signal()
}
